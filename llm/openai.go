package llm

import (
	"context"
	"io"
	"log/slog"
	"regexp"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"github.com/sashabaranov/go-openai"
)

var sentenceRe = regexp.MustCompile(`[^\.!\?]*[\.!\?]`)

// StreamHandlers receive the pieces of a streamed reply. Both are optional.
type StreamHandlers struct {
	OnToken    func(string)
	OnSentence func(string)
}

// OpenAIClient is a chat conversation that streams replies sentence by
// sentence. History is kept per client, so use one client per session.
type OpenAIClient struct {
	client *openai.Client
	model  string
	log    *slog.Logger

	mu       sync.Mutex
	messages []openai.ChatCompletionMessage
}

func NewOpenAIClient(client *openai.Client, systemInstructions, model string, log *slog.Logger) *OpenAIClient {
	if log == nil {
		log = slog.Default()
	}
	return &OpenAIClient{
		client: client,
		model:  model,
		log:    log,
		messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemInstructions},
		},
	}
}

// StreamResponse sends input as the next user turn and streams the reply. It
// returns the full reply text, which is appended to the history.
func (c *OpenAIClient) StreamResponse(ctx context.Context, input string, h StreamHandlers) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.log.Debug("sending input to chat model", "model", c.model, "chars", len(input))
	c.messages = append(c.messages, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleUser,
		Content: input,
	})
	req := openai.ChatCompletionRequest{
		Model:    c.model,
		Messages: c.messages,
		Stream:   true,
	}

	stream, err := c.client.CreateChatCompletionStream(ctx, req)
	if err != nil {
		c.messages = c.messages[:len(c.messages)-1]
		return "", errors.Wrap(err, "open chat stream")
	}
	defer stream.Close()

	var (
		buffer strings.Builder
		reply  strings.Builder
	)
	for {
		if err := ctx.Err(); err != nil {
			return reply.String(), errors.Wrap(err, "chat stream cancelled")
		}
		resp, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return reply.String(), errors.Wrap(err, "receive chat stream")
		}
		if len(resp.Choices) == 0 {
			continue
		}
		chunk := resp.Choices[0].Delta.Content
		if chunk == "" {
			continue
		}
		reply.WriteString(chunk)
		if h.OnToken != nil {
			h.OnToken(chunk)
		}
		for _, s := range processChunk(&buffer, chunk) {
			if h.OnSentence != nil {
				h.OnSentence(s)
			}
		}
	}

	if leftover := strings.TrimSpace(buffer.String()); leftover != "" && h.OnSentence != nil {
		h.OnSentence(leftover)
	}
	c.messages = append(c.messages, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleAssistant,
		Content: reply.String(),
	})
	return reply.String(), nil
}

// processChunk appends chunk to buffer and returns every complete sentence,
// leaving the unterminated tail in buffer.
func processChunk(buffer *strings.Builder, chunk string) []string {
	buffer.WriteString(chunk)
	text := buffer.String()

	var sentences []string
	for {
		loc := sentenceRe.FindStringIndex(text)
		if loc == nil {
			break
		}
		if s := strings.TrimSpace(text[:loc[1]]); s != "" {
			sentences = append(sentences, s)
		}
		text = text[loc[1]:]
	}

	buffer.Reset()
	buffer.WriteString(text)
	return sentences
}
