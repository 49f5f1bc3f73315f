package services

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/MegaGrindStone/llm-chat/internal/models"
	"github.com/ollama/ollama/api"
)

// Ollama provides an implementation of the Transport interface for interacting with Ollama's language models.
// It manages connections to an Ollama server instance and handles streaming chat completions.
type Ollama struct {
	systemPrompt string

	client *api.Client

	logger *slog.Logger
}

// NewOllama creates a new Ollama instance with the specified host URL. The host parameter should be a valid
// URL pointing to an Ollama server.
func NewOllama(host, systemPrompt string, logger *slog.Logger) (Ollama, error) {
	u, err := url.Parse(host)
	if err != nil {
		return Ollama{}, fmt.Errorf("error parsing host: %w", err)
	}

	return Ollama{
		systemPrompt: systemPrompt,
		client:       api.NewClient(u, &http.Client{}),
		logger:       logger.With(slog.String("module", "ollama")),
	}, nil
}

func ollamaError(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	var statusErr api.StatusError
	if errors.As(err, &statusErr) {
		return models.NewStreamError(statusErr.StatusCode, err)
	}
	return models.NewStreamError(0, err)
}

// StreamChat streams responses from the Ollama model. The response is streamed incrementally, each
// non-empty message delta is yielded as it arrives.
func (o Ollama) StreamChat(
	ctx context.Context,
	model string,
	messages []models.ChatMessage,
) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		msgs := make([]api.Message, 0, len(messages)+1)
		if o.systemPrompt != "" {
			msgs = append(msgs, api.Message{
				Role:    string(models.RoleSystem),
				Content: o.systemPrompt,
			})
		}
		for _, msg := range messages {
			msgs = append(msgs, api.Message{
				Role:    string(msg.Role),
				Content: msg.Content,
			})
		}

		t := true
		req := api.ChatRequest{
			Model:    model,
			Messages: msgs,
			Stream:   &t,
		}

		reqCtx, cancel := context.WithCancel(ctx)
		defer cancel()

		stopped := false
		if err := o.client.Chat(reqCtx, &req, func(res api.ChatResponse) error {
			if stopped || res.Message.Content == "" {
				return nil
			}
			if !yield(res.Message.Content, nil) {
				stopped = true
				cancel()
			}
			return nil
		}); err != nil {
			if stopped {
				return
			}
			o.logger.Debug("Chat failed", slog.String(errLoggerKey, err.Error()))
			yield("", fmt.Errorf("error sending request: %w", ollamaError(ctx, err)))
		}
	}
}

// Models lists the models pulled on the Ollama server.
func (o Ollama) Models(ctx context.Context) ([]models.ModelOption, error) {
	list, err := o.client.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("error listing models: %w", ollamaError(ctx, err))
	}
	options := make([]models.ModelOption, len(list.Models))
	for i, m := range list.Models {
		options[i] = models.ModelOption{ID: m.Name, Name: m.Name}
	}
	return options, nil
}
