package capture

import "context"

// StreamConfig describes the input stream a Source should open.
type StreamConfig struct {
	SampleRate int
	Channels   int

	// Input processing requested from the platform. Backends that cannot
	// provide a stage pass the raw signal through.
	EchoCancellation bool
	NoiseSuppression bool
	AutoGainControl  bool
}

// Source acquires microphone streams.
type Source interface {
	// Open acquires the device. It blocks while the platform asks for
	// permission and must release everything it acquired when it fails.
	Open(ctx context.Context, cfg StreamConfig) (Stream, error)
}

// Stream is an open input stream.
type Stream interface {
	// Blocks delivers mono float samples in device-sized blocks. The channel
	// is closed once the stream ends.
	Blocks() <-chan []float32
	// Close releases the device. It is safe to call more than once.
	Close() error
}

// DeviceInfo names an audio endpoint reported by a backend.
type DeviceInfo struct {
	Name     string
	Capture  bool
	Playback bool
	Default  bool
}

func downmix(interleaved []float32, channels int) []float32 {
	if channels <= 1 {
		out := make([]float32, len(interleaved))
		copy(out, interleaved)
		return out
	}
	frames := len(interleaved) / channels
	out := make([]float32, frames)
	for i := 0; i < frames; i++ {
		var sum float32
		for ch := 0; ch < channels; ch++ {
			sum += interleaved[i*channels+ch]
		}
		out[i] = sum / float32(channels)
	}
	return out
}
