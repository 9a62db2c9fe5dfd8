// Package stt turns a finished utterance into text.
package stt

import "context"

// Transcriber converts mono PCM16 little-endian audio at sampleRate to text.
type Transcriber interface {
	Transcribe(ctx context.Context, pcm []byte, sampleRate int) (string, error)
}
