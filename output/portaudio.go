//go:build portaudio

package output

import (
	"context"
	"sync"

	"github.com/gordonklaus/portaudio"
	"github.com/pkg/errors"

	"github.com/mrsingh-rishi/voice-client/audio"
	"github.com/mrsingh-rishi/voice-client/model"
	"github.com/mrsingh-rishi/voice-client/types"
)

// PortAudioSink writes segments to the default output through a blocking
// PortAudio stream. Build with -tags portaudio.
type PortAudioSink struct {
	stream *portaudio.Stream
	buf    []float32
	rate   int

	mu     sync.Mutex
	volume float64
}

func NewPortAudioSink(sampleRate, framesPerBuffer int) (*PortAudioSink, error) {
	if err := portaudio.Initialize(); err != nil {
		return nil, types.NewDeviceError("initialize portaudio", err)
	}
	buf := make([]float32, framesPerBuffer)
	stream, err := portaudio.OpenDefaultStream(0, 1, float64(sampleRate), framesPerBuffer, buf)
	if err != nil {
		portaudio.Terminate()
		return nil, types.NewDeviceError("open output", err)
	}
	if err := stream.Start(); err != nil {
		stream.Close()
		portaudio.Terminate()
		return nil, types.NewDeviceError("start output", err)
	}
	return &PortAudioSink{stream: stream, buf: buf, rate: sampleRate, volume: 1}, nil
}

func (s *PortAudioSink) Play(ctx context.Context, seg model.PlaybackSegment) error {
	samples, err := audio.Resample(seg.Samples, seg.SampleRate, s.rate)
	if err != nil {
		return errors.Wrap(err, "resample")
	}
	for off := 0; off < len(samples); off += len(s.buf) {
		if err := ctx.Err(); err != nil {
			return err
		}
		n := copy(s.buf, samples[off:])
		for i := n; i < len(s.buf); i++ {
			s.buf[i] = 0
		}
		s.mu.Lock()
		audio.Gain(s.buf, s.volume)
		s.mu.Unlock()
		if err := s.stream.Write(); err != nil {
			return errors.Wrap(err, "write output")
		}
	}
	return nil
}

func (s *PortAudioSink) SetVolume(v float64) {
	s.mu.Lock()
	s.volume = v
	s.mu.Unlock()
}

func (s *PortAudioSink) Resume() error { return nil }

func (s *PortAudioSink) Close() error {
	err := s.stream.Stop()
	if cerr := s.stream.Close(); err == nil {
		err = cerr
	}
	portaudio.Terminate()
	return errors.Wrap(err, "close output")
}
