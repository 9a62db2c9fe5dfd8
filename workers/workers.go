// Package workers chains transcription, reply generation and speech synthesis
// into a per-session pipeline. Each stage is a goroutine reading the previous
// stage's channel, so sentences are synthesized while the reply still streams.
package workers

import (
	"context"

	"github.com/mrsingh-rishi/voice-client/llm"
)

// Emitter receives the output of a turn. Calls from one stage arrive in order.
type Emitter interface {
	Transcript(text string, final bool)
	ResponseText(text string, final bool)
	ResponseAudio(pcm []byte, sampleRate int)
	ResponseAudioEnd()
}

// Replier streams a reply to a user turn.
type Replier interface {
	StreamResponse(ctx context.Context, input string, h llm.StreamHandlers) (string, error)
}

// Utterance is a finished user turn as mono PCM16.
type Utterance struct {
	PCM        []byte
	SampleRate int
}

// Transcript is the output of the transcription stage.
type Transcript struct {
	Text string
	Err  error
}

// Sentence is one unit of reply text. A turn always ends with a Sentence that
// has End set, carrying the turn's error if any.
type Sentence struct {
	Text string
	End  bool
	Err  error
}

func send[T any](ctx context.Context, ch chan<- T, v T) bool {
	select {
	case ch <- v:
		return true
	case <-ctx.Done():
		return false
	}
}
