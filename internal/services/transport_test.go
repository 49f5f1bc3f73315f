package services_test

import (
	"context"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/MegaGrindStone/llm-chat/internal/models"
	"github.com/MegaGrindStone/llm-chat/internal/services"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type streamer interface {
	StreamChat(ctx context.Context, model string, messages []models.ChatMessage) iter.Seq2[string, error]
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func collect(t *testing.T, seq iter.Seq2[string, error]) ([]string, error) {
	t.Helper()
	var fragments []string
	for fragment, err := range seq {
		if err != nil {
			return fragments, err
		}
		fragments = append(fragments, fragment)
	}
	return fragments, nil
}

func writeSSE(w http.ResponseWriter, events ...string) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.WriteHeader(http.StatusOK)
	for _, ev := range events {
		_, _ = fmt.Fprint(w, ev+"\n\n")
		w.(http.Flusher).Flush()
	}
}

func openAIChunk(content string) string {
	return fmt.Sprintf(`data: {"id":"1","object":"chat.completion.chunk","choices":[{"index":0,"delta":{"content":%q}}]}`,
		content)
}

var testHistory = []models.ChatMessage{
	{Role: models.RoleUser, Content: "Hello"},
}

func TestOpenAIStreamChat(t *testing.T) {
	var gotBody string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		body, _ := io.ReadAll(r.Body)
		gotBody = string(body)
		writeSSE(w, openAIChunk("Hel"), openAIChunk(""), openAIChunk("lo"), "data: [DONE]")
	}))
	defer srv.Close()

	temperature := float32(0.2)
	o := services.NewOpenAI("sk-test", srv.URL+"/v1", "Be brief.", services.LLMParameters{
		Temperature: &temperature,
	}, testLogger())

	fragments, err := collect(t, o.StreamChat(context.Background(), "gpt-4o", testHistory))
	require.NoError(t, err)
	assert.Equal(t, []string{"Hel", "lo"}, fragments)
	assert.Contains(t, gotBody, `"model":"gpt-4o"`)
	assert.Contains(t, gotBody, `"stream":true`)
	assert.Contains(t, gotBody, "Be brief.")
	assert.Contains(t, gotBody, `"temperature":0.2`)
}

func TestOpenAIStreamChatUnauthorized(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = fmt.Fprint(w, `{"error":{"message":"Incorrect API key provided","type":"invalid_request_error","code":"invalid_api_key"}}`)
	}))
	defer srv.Close()

	o := services.NewOpenAI("sk-bad", srv.URL+"/v1", "", services.LLMParameters{}, testLogger())

	_, err := collect(t, o.StreamChat(context.Background(), "gpt-4o", testHistory))
	require.Error(t, err)
	se := models.AsStreamError(err)
	assert.Equal(t, models.ErrorKindUnauthorized, se.Kind)
	assert.Equal(t, http.StatusUnauthorized, se.StatusCode)

	valid, err := o.ValidateKey(context.Background())
	require.NoError(t, err)
	assert.False(t, valid)
}

func TestOpenAIModels(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/models", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_, _ = fmt.Fprint(w, `{"object":"list","data":[`+
			`{"id":"text-embedding-3-small","object":"model"},`+
			`{"id":"gpt-4o-mini","object":"model"},`+
			`{"id":"gpt-4o","object":"model"},`+
			`{"id":"whisper-1","object":"model"}]}`)
	}))
	defer srv.Close()

	o := services.NewOpenAI("sk-test", srv.URL+"/v1", "", services.LLMParameters{}, testLogger())

	options, err := o.Models(context.Background())
	require.NoError(t, err)
	require.Len(t, options, 2)
	assert.Equal(t, "gpt-4o", options[0].ID)
	assert.Equal(t, "gpt-4o-mini", options[1].ID)

	valid, err := o.ValidateKey(context.Background())
	require.NoError(t, err)
	assert.True(t, valid)
}

func TestOpenRouterStreamChat(t *testing.T) {
	tests := []struct {
		name          string
		status        int
		events        []string
		wantFragments []string
		wantKind      models.ErrorKind
	}{
		{
			name:          "completes",
			status:        http.StatusOK,
			events:        []string{openAIChunk("Hi"), ": OPENROUTER PROCESSING", openAIChunk(" there"), "data: [DONE]"},
			wantFragments: []string{"Hi", " there"},
		},
		{
			name:          "error event mid stream",
			status:        http.StatusOK,
			events:        []string{openAIChunk("Hi"), `data: {"error":{"code":429,"message":"slow down"}}`},
			wantFragments: []string{"Hi"},
			wantKind:      models.ErrorKindRateLimited,
		},
		{
			name:     "rejected before streaming",
			status:   http.StatusBadGateway,
			wantKind: models.ErrorKindServer,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, "/chat/completions", r.URL.Path)
				if tt.status != http.StatusOK {
					w.WriteHeader(tt.status)
					return
				}
				writeSSE(w, tt.events...)
			}))
			defer srv.Close()

			o := services.NewOpenRouter("key", srv.URL, "", testLogger())
			fragments, err := collect(t, o.StreamChat(context.Background(), "openai/gpt-4o", testHistory))
			assert.Equal(t, tt.wantFragments, fragments)
			if tt.wantKind == "" {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Equal(t, tt.wantKind, models.AsStreamError(err).Kind)
		})
	}
}

func TestOpenRouterModels(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = fmt.Fprint(w, `{"data":[{"id":"openai/gpt-4o","name":"OpenAI: GPT-4o"},{"id":"meta/llama"}]}`)
	}))
	defer srv.Close()

	o := services.NewOpenRouter("key", srv.URL, "", testLogger())
	options, err := o.Models(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []models.ModelOption{
		{ID: "openai/gpt-4o", Name: "OpenAI: GPT-4o"},
		{ID: "meta/llama", Name: "meta/llama"},
	}, options)
}

func TestAnthropicStreamChat(t *testing.T) {
	var gotBody string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/messages", r.URL.Path)
		assert.Equal(t, "key", r.Header.Get("x-api-key"))
		body, _ := io.ReadAll(r.Body)
		gotBody = string(body)
		writeSSE(w,
			"event: message_start\ndata: {\"type\":\"message_start\"}",
			"event: content_block_delta\ndata: {\"type\":\"content_block_delta\",\"delta\":{\"type\":\"text_delta\",\"text\":\"Hello\"}}",
			"event: ping\ndata: {\"type\":\"ping\"}",
			"event: content_block_delta\ndata: {\"type\":\"content_block_delta\",\"delta\":{\"type\":\"text_delta\",\"text\":\" world\"}}",
			"event: message_stop\ndata: {\"type\":\"message_stop\"}",
		)
	}))
	defer srv.Close()

	a := services.NewAnthropic("key", srv.URL, "Be brief.", 1024, testLogger())
	fragments, err := collect(t, a.StreamChat(context.Background(), "claude-3-5-sonnet-latest", []models.ChatMessage{
		{Role: models.RoleSystem, Content: "Answer in English."},
		{Role: models.RoleUser, Content: "Hello"},
	}))
	require.NoError(t, err)
	assert.Equal(t, []string{"Hello", " world"}, fragments)
	assert.Contains(t, gotBody, `"system":"Be brief.\n\nAnswer in English."`)
	assert.NotContains(t, gotBody, `"role":"system"`)
}

func TestAnthropicStreamChatSkipsEmptyTurns(t *testing.T) {
	var gotBody string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		gotBody = string(body)
		writeSSE(w, "event: message_stop\ndata: {\"type\":\"message_stop\"}")
	}))
	defer srv.Close()

	a := services.NewAnthropic("key", srv.URL, "", 1024, testLogger())
	_, err := collect(t, a.StreamChat(context.Background(), "claude", []models.ChatMessage{
		{Role: models.RoleUser, Content: "First"},
		{Role: models.RoleAssistant, Content: ""},
		{Role: models.RoleUser, Content: "Second"},
	}))
	require.NoError(t, err)
	assert.NotContains(t, gotBody, `"content":""`)
	assert.NotContains(t, gotBody, `"role":"assistant"`)
	assert.Contains(t, gotBody, `"content":"First"`)
	assert.Contains(t, gotBody, `"content":"Second"`)
}

func TestAnthropicStreamChatErrors(t *testing.T) {
	overloaded := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeSSE(w,
			"event: content_block_delta\ndata: {\"type\":\"content_block_delta\",\"delta\":{\"text\":\"Par\"}}",
			"event: error\ndata: {\"type\":\"error\",\"error\":{\"type\":\"overloaded_error\",\"message\":\"Overloaded\"}}",
		)
	}))
	defer overloaded.Close()

	a := services.NewAnthropic("key", overloaded.URL, "", 1024, testLogger())
	fragments, err := collect(t, a.StreamChat(context.Background(), "claude", testHistory))
	assert.Equal(t, []string{"Par"}, fragments)
	require.Error(t, err)
	assert.Equal(t, models.ErrorKindServer, models.AsStreamError(err).Kind)

	unauthorized := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = fmt.Fprint(w, `{"type":"error","error":{"type":"authentication_error","message":"invalid x-api-key"}}`)
	}))
	defer unauthorized.Close()

	a = services.NewAnthropic("bad", unauthorized.URL, "", 1024, testLogger())
	_, err = collect(t, a.StreamChat(context.Background(), "claude", testHistory))
	require.Error(t, err)
	se := models.AsStreamError(err)
	assert.Equal(t, models.ErrorKindUnauthorized, se.Kind)
	assert.Contains(t, se.Error(), "invalid x-api-key")
}

func TestOllamaStreamChat(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/chat":
			w.Header().Set("Content-Type", "application/x-ndjson")
			for _, line := range []string{
				`{"model":"llama3","message":{"role":"assistant","content":"Hel"},"done":false}`,
				`{"model":"llama3","message":{"role":"assistant","content":"lo"},"done":false}`,
				`{"model":"llama3","message":{"role":"assistant","content":""},"done":true}`,
			} {
				_, _ = fmt.Fprintln(w, line)
			}
		case "/api/tags":
			_, _ = fmt.Fprint(w, `{"models":[{"name":"llama3:latest","model":"llama3:latest"}]}`)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	o, err := services.NewOllama(srv.URL, "Be brief.", testLogger())
	require.NoError(t, err)

	fragments, err := collect(t, o.StreamChat(context.Background(), "llama3", testHistory))
	require.NoError(t, err)
	assert.Equal(t, "Hello", strings.Join(fragments, ""))

	options, err := o.Models(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []models.ModelOption{{ID: "llama3:latest", Name: "llama3:latest"}}, options)
}

func TestOllamaStreamChatServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = fmt.Fprint(w, `{}`)
	}))
	defer srv.Close()

	o, err := services.NewOllama(srv.URL, "", testLogger())
	require.NoError(t, err)

	_, err = collect(t, o.StreamChat(context.Background(), "llama3", testHistory))
	require.Error(t, err)
	assert.Equal(t, models.ErrorKindServer, models.AsStreamError(err).Kind)
}

func TestStreamChatCancelled(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeSSE(w, openAIChunk("Hi"))
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	transports := map[string]streamer{
		"openai":     services.NewOpenAI("key", srv.URL, "", services.LLMParameters{}, testLogger()),
		"openrouter": services.NewOpenRouter("key", srv.URL, "", testLogger()),
	}

	for name, transport := range transports {
		t.Run(name, func(t *testing.T) {
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			var fragments []string
			var gotErr error
			for fragment, err := range transport.StreamChat(ctx, "gpt-4o", testHistory) {
				if err != nil {
					gotErr = err
					break
				}
				fragments = append(fragments, fragment)
				cancel()
			}
			assert.Equal(t, []string{"Hi"}, fragments)
			require.ErrorIs(t, gotErr, context.Canceled)
		})
	}
}
