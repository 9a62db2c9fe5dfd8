// Package tts turns response sentences into PCM16 audio.
package tts

import "context"

// Synthesizer renders text as mono PCM16 little-endian audio and reports its
// sample rate.
type Synthesizer interface {
	Synthesize(ctx context.Context, text string) ([]byte, int, error)
}
