package stt

import (
	"bytes"
	"context"
	"strings"

	"github.com/pkg/errors"
	"github.com/sashabaranov/go-openai"

	"github.com/mrsingh-rishi/voice-client/audio"
)

// Whisper transcribes through the OpenAI audio transcription endpoint. The
// PCM is wrapped in a WAV header before upload.
type Whisper struct {
	client   *openai.Client
	Model    string
	Language string
}

func NewWhisper(client *openai.Client) *Whisper {
	return &Whisper{client: client, Model: openai.Whisper1}
}

func (w *Whisper) Transcribe(ctx context.Context, pcm []byte, sampleRate int) (string, error) {
	if len(pcm) == 0 {
		return "", errors.New("empty utterance")
	}
	wav := audio.EncodeWAV(pcm, sampleRate, 1)
	resp, err := w.client.CreateTranscription(ctx, openai.AudioRequest{
		Model:    w.Model,
		FilePath: "utterance.wav",
		Reader:   bytes.NewReader(wav),
		Language: w.Language,
	})
	if err != nil {
		return "", errors.Wrap(err, "whisper transcription")
	}
	return strings.TrimSpace(resp.Text), nil
}
