package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProcessChunk(t *testing.T) {
	var buf strings.Builder
	assert.Empty(t, processChunk(&buf, "Hello"))
	assert.Equal(t, []string{"Hello there."}, processChunk(&buf, " there. How"))
	assert.Equal(t, []string{"How are you?", "Fine!"}, processChunk(&buf, " are you? Fine! And"))
	assert.Equal(t, " And", buf.String())
}

// chatServer streams deltas as server-sent events and records request bodies.
func chatServer(t *testing.T, deltas []string, bodies *[]openai.ChatCompletionRequest) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		var req openai.ChatCompletionRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		*bodies = append(*bodies, req)

		w.Header().Set("Content-Type", "text/event-stream")
		for _, d := range deltas {
			chunk := openai.ChatCompletionStreamResponse{
				Choices: []openai.ChatCompletionStreamChoice{{Delta: openai.ChatCompletionStreamChoiceDelta{Content: d}}},
			}
			b, _ := json.Marshal(chunk)
			fmt.Fprintf(w, "data: %s\n\n", b)
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newTestClient(srv *httptest.Server) *openai.Client {
	cfg := openai.DefaultConfig("test-key")
	cfg.BaseURL = srv.URL + "/v1"
	return openai.NewClientWithConfig(cfg)
}

func TestStreamResponseSplitsSentences(t *testing.T) {
	var bodies []openai.ChatCompletionRequest
	srv := chatServer(t, []string{"Sure. ", "It is ", "sunny today! Bring", " a hat"}, &bodies)
	c := NewOpenAIClient(newTestClient(srv), "be brief", "gpt-test", nil)

	var tokens, sentences []string
	reply, err := c.StreamResponse(context.Background(), "weather?", StreamHandlers{
		OnToken:    func(s string) { tokens = append(tokens, s) },
		OnSentence: func(s string) { sentences = append(sentences, s) },
	})
	require.NoError(t, err)

	assert.Equal(t, "Sure. It is sunny today! Bring a hat", reply)
	assert.Len(t, tokens, 4)
	assert.Equal(t, []string{"Sure.", "It is sunny today!", "Bring a hat"}, sentences)

	require.Len(t, bodies, 1)
	assert.True(t, bodies[0].Stream)
	assert.Equal(t, "gpt-test", bodies[0].Model)
	assert.Equal(t, openai.ChatMessageRoleSystem, bodies[0].Messages[0].Role)
}

func TestStreamResponseKeepsHistory(t *testing.T) {
	var bodies []openai.ChatCompletionRequest
	srv := chatServer(t, []string{"Hi."}, &bodies)
	c := NewOpenAIClient(newTestClient(srv), "sys", "gpt-test", nil)

	_, err := c.StreamResponse(context.Background(), "one", StreamHandlers{})
	require.NoError(t, err)
	_, err = c.StreamResponse(context.Background(), "two", StreamHandlers{})
	require.NoError(t, err)

	require.Len(t, bodies, 2)
	msgs := bodies[1].Messages
	require.Len(t, msgs, 4)
	assert.Equal(t, "one", msgs[1].Content)
	assert.Equal(t, "Hi.", msgs[2].Content)
	assert.Equal(t, openai.ChatMessageRoleAssistant, msgs[2].Role)
	assert.Equal(t, "two", msgs[3].Content)
}

func TestStreamResponseServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":{"message":"overloaded"}}`, http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := NewOpenAIClient(newTestClient(srv), "sys", "gpt-test", nil)
	_, err := c.StreamResponse(context.Background(), "hello", StreamHandlers{})
	assert.Error(t, err)
	assert.Len(t, c.messages, 1, "failed turn is not kept")
}
