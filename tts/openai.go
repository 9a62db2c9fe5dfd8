package tts

import (
	"context"
	"io"

	"github.com/pkg/errors"
	"github.com/sashabaranov/go-openai"
)

// OpenAISpeechRate is the rate of the OpenAI "pcm" response format.
const OpenAISpeechRate = 24000

// OpenAISpeech synthesizes through the OpenAI speech endpoint.
type OpenAISpeech struct {
	client *openai.Client
	Model  openai.SpeechModel
	Voice  openai.SpeechVoice
}

func NewOpenAISpeech(client *openai.Client) *OpenAISpeech {
	return &OpenAISpeech{client: client, Model: openai.TTSModel1, Voice: openai.VoiceAlloy}
}

func (s *OpenAISpeech) Synthesize(ctx context.Context, text string) ([]byte, int, error) {
	resp, err := s.client.CreateSpeech(ctx, openai.CreateSpeechRequest{
		Model:          s.Model,
		Input:          text,
		Voice:          s.Voice,
		ResponseFormat: openai.SpeechResponseFormatPcm,
	})
	if err != nil {
		return nil, 0, errors.Wrap(err, "openai speech")
	}
	defer resp.Close()

	pcm, err := io.ReadAll(resp)
	if err != nil {
		return nil, 0, errors.Wrap(err, "read openai speech")
	}
	return pcm, OpenAISpeechRate, nil
}
