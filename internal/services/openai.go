package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"net/http"

	"github.com/MegaGrindStone/llm-chat/internal/models"
	goopenai "github.com/sashabaranov/go-openai"
)

// OpenAI streams chat completions from the OpenAI API, or any API compatible with it, using the user's own
// credential.
type OpenAI struct {
	systemPrompt string

	params LLMParameters

	client *goopenai.Client

	logger *slog.Logger
}

// LLMParameters holds the optional sampling parameters sent with every request. Nil fields use the
// provider's defaults.
type LLMParameters struct {
	Temperature      *float32 `yaml:"temperature"`
	TopP             *float32 `yaml:"topP"`
	Stop             []string `yaml:"stop"`
	PresencePenalty  *float32 `yaml:"presencePenalty"`
	FrequencyPenalty *float32 `yaml:"frequencyPenalty"`
	Seed             *int     `yaml:"seed"`
	MaxTokens        *int     `yaml:"maxTokens"`
}

// NewOpenAI creates a new OpenAI instance with the specified API key and system prompt. An empty baseURL
// targets the public OpenAI endpoint.
func NewOpenAI(apiKey, baseURL, systemPrompt string, params LLMParameters, logger *slog.Logger) OpenAI {
	cfg := goopenai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	return OpenAI{
		systemPrompt: systemPrompt,
		params:       params,
		client:       goopenai.NewClientWithConfig(cfg),
		logger:       logger.With(slog.String("module", "openai")),
	}
}

func openAIMessages(systemPrompt string, messages []models.ChatMessage) []goopenai.ChatCompletionMessage {
	msgs := make([]goopenai.ChatCompletionMessage, 0, len(messages)+1)
	if systemPrompt != "" {
		msgs = append(msgs, goopenai.ChatCompletionMessage{
			Role:    goopenai.ChatMessageRoleSystem,
			Content: systemPrompt,
		})
	}
	for _, msg := range messages {
		msgs = append(msgs, goopenai.ChatCompletionMessage{
			Role:    string(msg.Role),
			Content: msg.Content,
		})
	}
	return msgs
}

// openAIError classifies an error returned by the OpenAI client. Context errors are returned untouched so the
// caller can tell a cancellation apart from a failure.
func openAIError(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	var apiErr *goopenai.APIError
	if errors.As(err, &apiErr) {
		return models.NewStreamError(apiErr.HTTPStatusCode, err)
	}
	var reqErr *goopenai.RequestError
	if errors.As(err, &reqErr) {
		return models.NewStreamError(reqErr.HTTPStatusCode, err)
	}
	return models.NewStreamError(0, err)
}

// StreamChat streams the model's response to messages, yielding each content delta as it arrives.
func (o OpenAI) StreamChat(
	ctx context.Context,
	model string,
	messages []models.ChatMessage,
) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		req := o.chatRequest(model, openAIMessages(o.systemPrompt, messages))

		reqJSON, err := json.Marshal(req)
		if err == nil {
			o.logger.Debug("Request", slog.String("req", string(reqJSON)))
		}

		stream, err := o.client.CreateChatCompletionStream(ctx, req)
		if err != nil {
			yield("", fmt.Errorf("error sending request: %w", openAIError(ctx, err)))
			return
		}
		defer stream.Close()

		for {
			response, err := stream.Recv()
			if err != nil {
				if errors.Is(err, io.EOF) {
					return
				}
				yield("", fmt.Errorf("error receiving response: %w", openAIError(ctx, err)))
				return
			}

			if len(response.Choices) == 0 {
				continue
			}

			if content := response.Choices[0].Delta.Content; content != "" {
				if !yield(content, nil) {
					return
				}
			}
		}
	}
}

// Models lists the chat models available to the credential.
func (o OpenAI) Models(ctx context.Context) ([]models.ModelOption, error) {
	list, err := o.client.ListModels(ctx)
	if err != nil {
		return nil, fmt.Errorf("error listing models: %w", openAIError(ctx, err))
	}
	ids := make([]string, len(list.Models))
	for i, m := range list.Models {
		ids[i] = m.ID
	}
	return models.ChatModelOptions(ids), nil
}

// ValidateKey reports whether the API key is accepted. A rejected key returns false without error; any
// other failure is returned as an error.
func (o OpenAI) ValidateKey(ctx context.Context) (bool, error) {
	_, err := o.client.ListModels(ctx)
	if err == nil {
		return true, nil
	}
	if se := models.AsStreamError(openAIError(ctx, err)); se.StatusCode == http.StatusUnauthorized {
		return false, nil
	}
	return false, fmt.Errorf("error validating key: %w", err)
}

func (o OpenAI) chatRequest(model string, messages []goopenai.ChatCompletionMessage) goopenai.ChatCompletionRequest {
	req := goopenai.ChatCompletionRequest{
		Model:    model,
		Messages: messages,
		Stream:   true,
	}

	if o.params.Temperature != nil {
		req.Temperature = *o.params.Temperature
	}
	if o.params.TopP != nil {
		req.TopP = *o.params.TopP
	}
	if o.params.Stop != nil {
		req.Stop = o.params.Stop
	}
	if o.params.PresencePenalty != nil {
		req.PresencePenalty = *o.params.PresencePenalty
	}
	if o.params.Seed != nil {
		req.Seed = o.params.Seed
	}
	if o.params.FrequencyPenalty != nil {
		req.FrequencyPenalty = *o.params.FrequencyPenalty
	}
	if o.params.MaxTokens != nil {
		req.MaxTokens = *o.params.MaxTokens
	}

	return req
}
