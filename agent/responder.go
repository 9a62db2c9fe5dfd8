package agent

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/sashabaranov/go-openai"

	"github.com/mrsingh-rishi/voice-client/audio"
	"github.com/mrsingh-rishi/voice-client/llm"
	"github.com/mrsingh-rishi/voice-client/stt"
	"github.com/mrsingh-rishi/voice-client/tts"
	"github.com/mrsingh-rishi/voice-client/workers"
)

// Responder answers the utterances of one session.
type Responder interface {
	Respond(ctx context.Context, u workers.Utterance) error
	Close() error
}

// ResponderFactory builds the responder for a new session. out receives
// everything the responder produces.
type ResponderFactory func(sessionID string, out workers.Emitter) (Responder, error)

// EchoResponder replays each utterance with a short description of it. It
// needs no external services.
type EchoResponder struct {
	out        workers.Emitter
	sampleRate int
	// audio is sent in pieces of this duration
	segment time.Duration
}

func NewEchoResponder(out workers.Emitter, sampleRate int) *EchoResponder {
	return &EchoResponder{out: out, sampleRate: sampleRate, segment: 500 * time.Millisecond}
}

// EchoFactory returns a ResponderFactory for EchoResponder.
func EchoFactory(sampleRate int) ResponderFactory {
	return func(_ string, out workers.Emitter) (Responder, error) {
		return NewEchoResponder(out, sampleRate), nil
	}
}

func (e *EchoResponder) Respond(ctx context.Context, u workers.Utterance) error {
	samples, err := audio.PCM16ToFloat32(u.PCM)
	if err != nil {
		return err
	}
	dur := time.Duration(len(samples)) * time.Second / time.Duration(u.SampleRate)
	e.out.Transcript(fmt.Sprintf("[%.1fs of audio]", dur.Seconds()), true)

	for _, word := range strings.SplitAfter(fmt.Sprintf("You said %.1f seconds of audio. Here it is.", dur.Seconds()), " ") {
		e.out.ResponseText(word, false)
	}
	e.out.ResponseText("", true)

	out, err := audio.Resample(samples, u.SampleRate, e.sampleRate)
	if err != nil {
		return err
	}
	step := int(e.segment.Seconds() * float64(e.sampleRate))
	for off := 0; off < len(out); off += step {
		if err := ctx.Err(); err != nil {
			return err
		}
		end := min(off+step, len(out))
		e.out.ResponseAudio(audio.Float32ToPCM16(out[off:end]), e.sampleRate)
	}
	e.out.ResponseAudioEnd()
	return nil
}

func (e *EchoResponder) Close() error { return nil }

// OpenAIConfig configures the service-backed responder.
type OpenAIConfig struct {
	APIKey        string
	BaseURL       string
	Model         string
	SystemPrompt  string
	STT           string
	DeepgramKey   string
	ElevenLabsKey string
	VoiceID       string
	TTSModel      string
}

// OpenAIResponder runs the transcription, chat and speech pipeline.
type OpenAIResponder struct {
	pipeline *workers.Pipeline
}

// OpenAIFactory returns a ResponderFactory that gives every session its own
// conversation history and pipeline. Speech comes from ElevenLabs when a key
// is configured and from OpenAI otherwise.
func OpenAIFactory(cfg OpenAIConfig, log *slog.Logger) (ResponderFactory, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("openai responder requires an API key")
	}
	if log == nil {
		log = slog.Default()
	}
	oc := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		oc.BaseURL = cfg.BaseURL
	}
	client := openai.NewClientWithConfig(oc)

	var transcriber stt.Transcriber = stt.NewWhisper(client)
	if cfg.STT == "deepgram" {
		if cfg.DeepgramKey == "" {
			return nil, errors.New("deepgram transcription requires an API key")
		}
		transcriber = stt.NewDeepgramClient(cfg.DeepgramKey, log)
	}
	var synth tts.Synthesizer = tts.NewOpenAISpeech(client)
	if cfg.ElevenLabsKey != "" {
		synth = tts.NewElevenLabsClient(cfg.ElevenLabsKey, cfg.VoiceID, cfg.TTSModel)
	}

	return func(sessionID string, out workers.Emitter) (Responder, error) {
		l := log.With("session_id", sessionID)
		chat := llm.NewOpenAIClient(client, cfg.SystemPrompt, cfg.Model, l)
		p, err := workers.NewPipeline(transcriber, chat, synth, out, l)
		if err != nil {
			return nil, err
		}
		return &OpenAIResponder{pipeline: p}, nil
	}, nil
}

func (r *OpenAIResponder) Respond(ctx context.Context, u workers.Utterance) error {
	return r.pipeline.Submit(ctx, u)
}

func (r *OpenAIResponder) Close() error {
	r.pipeline.Stop()
	return nil
}
