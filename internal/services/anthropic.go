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
	"strings"

	"github.com/MegaGrindStone/llm-chat/internal/models"
	"github.com/tmaxmax/go-sse"
)

// Anthropic provides an interface to the Anthropic API for large language model interactions. It implements
// the Transport interface and handles streaming chat completions using Claude models.
type Anthropic struct {
	apiKey       string
	baseURL      string
	systemPrompt string
	maxTokens    int

	client *http.Client

	logger *slog.Logger
}

type anthropicChatRequest struct {
	Model     string             `json:"model"`
	Messages  []anthropicMessage `json:"messages"`
	System    string             `json:"system,omitempty"`
	MaxTokens int                `json:"max_tokens,omitempty"`
	Stream    bool               `json:"stream"`
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicStreamResponse struct {
	Type  string `json:"type"`
	Delta struct {
		Text string `json:"text"`
	} `json:"delta"`
}

type anthropicError struct {
	Type  string `json:"type"`
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

type anthropicModels struct {
	Data []struct {
		ID          string `json:"id"`
		DisplayName string `json:"display_name"`
	} `json:"data"`
}

const (
	anthropicAPIEndpoint = "https://api.anthropic.com/v1"
	anthropicVersion     = "2023-06-01"
)

// anthropicErrorStatus maps the error types of Anthropic's streamed error events to the HTTP status the same
// error carries when it is returned before the stream starts.
var anthropicErrorStatus = map[string]int{
	"authentication_error": http.StatusUnauthorized,
	"permission_error":     http.StatusForbidden,
	"rate_limit_error":     http.StatusTooManyRequests,
	"api_error":            http.StatusInternalServerError,
	"overloaded_error":     529,
}

// NewAnthropic creates a new Anthropic instance with the specified API key, system prompt and maximum token
// limit. An empty baseURL targets the public Anthropic endpoint.
func NewAnthropic(apiKey, baseURL, systemPrompt string, maxTokens int, logger *slog.Logger) Anthropic {
	if baseURL == "" {
		baseURL = anthropicAPIEndpoint
	}
	return Anthropic{
		apiKey:       apiKey,
		baseURL:      baseURL,
		systemPrompt: systemPrompt,
		maxTokens:    maxTokens,
		client:       &http.Client{},
		logger:       logger.With(slog.String("module", "anthropic")),
	}
}

// splitSystem separates system messages, which Anthropic takes as a top level field, from the conversation.
func splitSystem(systemPrompt string, messages []models.ChatMessage) (string, []anthropicMessage) {
	system := []string{}
	if systemPrompt != "" {
		system = append(system, systemPrompt)
	}
	msgs := make([]anthropicMessage, 0, len(messages))
	for _, msg := range messages {
		if msg.Role == models.RoleSystem {
			system = append(system, msg.Content)
			continue
		}
		// Failed replies are stored without content, and the API rejects empty turns.
		if msg.Content == "" {
			continue
		}
		msgs = append(msgs, anthropicMessage{
			Role:    string(msg.Role),
			Content: msg.Content,
		})
	}
	return strings.Join(system, "\n\n"), msgs
}

// StreamChat streams responses from the Anthropic API for a given sequence of messages. The context can be
// used to cancel ongoing requests.
func (a Anthropic) StreamChat(
	ctx context.Context,
	model string,
	messages []models.ChatMessage,
) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		system, msgs := splitSystem(a.systemPrompt, messages)

		reqBody := anthropicChatRequest{
			Model:     model,
			Messages:  msgs,
			Stream:    true,
			System:    system,
			MaxTokens: a.maxTokens,
		}

		jsonBody, err := json.Marshal(reqBody)
		if err != nil {
			yield("", fmt.Errorf("error marshaling request: %w", err))
			return
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost,
			a.baseURL+"/messages", bytes.NewBuffer(jsonBody))
		if err != nil {
			yield("", fmt.Errorf("error creating request: %w", err))
			return
		}
		a.setHeaders(req)
		req.Header.Set("Content-Type", "application/json")

		resp, err := a.client.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				yield("", ctx.Err())
				return
			}
			yield("", models.NewStreamError(0, fmt.Errorf("error sending request: %w", err)))
			return
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			yield("", a.statusError(resp))
			return
		}

		for ev, err := range sse.Read(resp.Body, nil) {
			if err != nil {
				if ctx.Err() != nil {
					yield("", ctx.Err())
					return
				}
				yield("", models.NewStreamError(0, fmt.Errorf("error reading response: %w", err)))
				return
			}
			switch ev.Type {
			case "error":
				var e anthropicError
				if err := json.Unmarshal([]byte(ev.Data), &e); err != nil {
					yield("", fmt.Errorf("error unmarshaling error: %w", err))
					return
				}
				a.logger.Warn("Stream error", slog.String("type", e.Error.Type))
				yield("", models.NewStreamError(anthropicErrorStatus[e.Error.Type],
					fmt.Errorf("anthropic error %s: %s", e.Error.Type, e.Error.Message)))
				return
			case "message_stop":
				return
			case "content_block_delta":
				var res anthropicStreamResponse
				if err := json.Unmarshal([]byte(ev.Data), &res); err != nil {
					yield("", fmt.Errorf("error unmarshaling response: %w", err))
					return
				}
				if res.Delta.Text == "" {
					continue
				}
				if !yield(res.Delta.Text, nil) {
					return
				}
			default:
				continue
			}
		}
	}
}

// Models lists the models offered by Anthropic.
func (a Anthropic) Models(ctx context.Context) ([]models.ModelOption, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.baseURL+"/models", nil)
	if err != nil {
		return nil, fmt.Errorf("error creating request: %w", err)
	}
	a.setHeaders(req)

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("error sending request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, a.statusError(resp)
	}

	var res anthropicModels
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return nil, fmt.Errorf("error decoding response: %w", err)
	}

	options := make([]models.ModelOption, len(res.Data))
	for i, m := range res.Data {
		name := m.DisplayName
		if name == "" {
			name = m.ID
		}
		options[i] = models.ModelOption{ID: m.ID, Name: name}
	}
	return options, nil
}

func (a Anthropic) setHeaders(req *http.Request) {
	req.Header.Set("x-api-key", a.apiKey)
	req.Header.Set("anthropic-version", anthropicVersion)
}

func (a Anthropic) statusError(resp *http.Response) error {
	body, _ := io.ReadAll(resp.Body)
	var e anthropicError
	if err := json.Unmarshal(body, &e); err == nil && e.Error.Message != "" {
		return models.NewStreamError(resp.StatusCode, errors.New(e.Error.Message))
	}
	return models.NewStreamError(resp.StatusCode,
		fmt.Errorf("unexpected status code: %d, body: %s", resp.StatusCode, body))
}
