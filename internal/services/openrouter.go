package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"net/http"

	"github.com/MegaGrindStone/llm-chat/internal/models"
	"github.com/tmaxmax/go-sse"
)

// OpenRouter provides an implementation of the Transport interface for models served through OpenRouter.
type OpenRouter struct {
	apiKey       string
	baseURL      string
	systemPrompt string

	client *http.Client

	logger *slog.Logger
}

type openRouterChatRequest struct {
	Model    string              `json:"model"`
	Messages []openRouterMessage `json:"messages"`
	Stream   bool                `json:"stream"`
}

type openRouterMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openRouterStreamingResponse struct {
	Choices []openRouterStreamingChoice `json:"choices"`
	Error   *openRouterError            `json:"error,omitempty"`
}

type openRouterStreamingChoice struct {
	Delta openRouterMessage `json:"delta"`
}

type openRouterError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type openRouterModels struct {
	Data []struct {
		ID   string `json:"id"`
		Name string `json:"name"`
	} `json:"data"`
}

const (
	openRouterAPIEndpoint = "https://openrouter.ai/api/v1"
)

// NewOpenRouter creates a new OpenRouter instance with the specified API key and system prompt. An empty
// baseURL targets the public OpenRouter endpoint.
func NewOpenRouter(apiKey, baseURL, systemPrompt string, logger *slog.Logger) OpenRouter {
	if baseURL == "" {
		baseURL = openRouterAPIEndpoint
	}
	return OpenRouter{
		apiKey:       apiKey,
		baseURL:      baseURL,
		systemPrompt: systemPrompt,
		client:       &http.Client{},
		logger:       logger.With(slog.String("module", "openrouter")),
	}
}

// StreamChat streams responses from the OpenRouter API for a given sequence of messages. The context can be
// used to cancel ongoing requests.
func (o OpenRouter) StreamChat(
	ctx context.Context,
	model string,
	messages []models.ChatMessage,
) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		resp, err := o.doRequest(ctx, model, messages)
		if err != nil {
			if ctx.Err() != nil {
				yield("", ctx.Err())
				return
			}
			yield("", fmt.Errorf("error sending request: %w", err))
			return
		}
		defer resp.Body.Close()

		for ev, err := range sse.Read(resp.Body, nil) {
			if err != nil {
				if ctx.Err() != nil {
					yield("", ctx.Err())
					return
				}
				yield("", models.NewStreamError(0, fmt.Errorf("error reading response: %w", err)))
				return
			}

			o.logger.Debug("Received event",
				slog.String("event", ev.Data),
			)

			if ev.Data == "[DONE]" {
				return
			}

			var res openRouterStreamingResponse
			if err := json.Unmarshal([]byte(ev.Data), &res); err != nil {
				yield("", models.NewStreamError(0, fmt.Errorf("error unmarshaling response: %w", err)))
				return
			}

			// Errors after the stream started arrive as an event, the HTTP status is already 200.
			if res.Error != nil {
				yield("", models.NewStreamError(res.Error.Code, errors.New(res.Error.Message)))
				return
			}

			if len(res.Choices) == 0 {
				continue
			}

			if content := res.Choices[0].Delta.Content; content != "" {
				if !yield(content, nil) {
					return
				}
			}
		}
	}
}

// Models lists the models offered by OpenRouter.
func (o OpenRouter) Models(ctx context.Context) ([]models.ModelOption, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, o.baseURL+"/models", nil)
	if err != nil {
		return nil, fmt.Errorf("error creating request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+o.apiKey)

	resp, err := o.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("error sending request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, models.NewStreamError(resp.StatusCode, fmt.Errorf("unexpected status code: %d, body: %s", resp.StatusCode, body))
	}

	var res openRouterModels
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return nil, fmt.Errorf("error decoding response: %w", err)
	}

	options := make([]models.ModelOption, len(res.Data))
	for i, m := range res.Data {
		name := m.Name
		if name == "" {
			name = m.ID
		}
		options[i] = models.ModelOption{ID: m.ID, Name: name}
	}
	return options, nil
}

func (o OpenRouter) doRequest(
	ctx context.Context,
	model string,
	messages []models.ChatMessage,
) (*http.Response, error) {
	msgs := make([]openRouterMessage, 0, len(messages)+1)
	if o.systemPrompt != "" {
		msgs = append(msgs, openRouterMessage{
			Role:    string(models.RoleSystem),
			Content: o.systemPrompt,
		})
	}
	for _, msg := range messages {
		msgs = append(msgs, openRouterMessage{
			Role:    string(msg.Role),
			Content: msg.Content,
		})
	}

	reqBody := openRouterChatRequest{
		Model:    model,
		Messages: msgs,
		Stream:   true,
	}

	jsonBody, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("error marshaling request: %w", err)
	}

	o.logger.Debug("Request Body", slog.String("body", string(jsonBody)))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		o.baseURL+"/chat/completions", bytes.NewBuffer(jsonBody))
	if err != nil {
		return nil, fmt.Errorf("error creating request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+o.apiKey)
	req.Header.Set("HTTP-Referer", "https://github.com/MegaGrindStone/llm-chat/")
	req.Header.Set("X-Title", "LLM Chat")

	resp, err := o.client.Do(req)
	if err != nil {
		return nil, models.NewStreamError(0, err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		body, _ := io.ReadAll(resp.Body)
		return nil, models.NewStreamError(resp.StatusCode,
			fmt.Errorf("unexpected status code: %d, body: %s", resp.StatusCode, body))
	}

	return resp, nil
}
