package output

import (
	"bytes"
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/ebitengine/oto/v3"
	"github.com/pkg/errors"

	"github.com/mrsingh-rishi/voice-client/audio"
	"github.com/mrsingh-rishi/voice-client/model"
	"github.com/mrsingh-rishi/voice-client/types"
)

// OtoSink plays segments through the system mixer. Segments are resampled to
// the device rate before playback.
type OtoSink struct {
	ctx  *oto.Context
	rate int
	poll time.Duration
	log  *slog.Logger

	mu     sync.Mutex
	volume float64
	player *oto.Player
}

// NewOtoSink opens a mono float32 output context at sampleRate. Only one oto
// context may exist per process.
func NewOtoSink(sampleRate int, log *slog.Logger) (*OtoSink, error) {
	if log == nil {
		log = slog.Default()
	}
	if sampleRate <= 0 {
		sampleRate = 48000
	}
	ctx, ready, err := oto.NewContext(&oto.NewContextOptions{
		SampleRate:   sampleRate,
		ChannelCount: 1,
		Format:       oto.FormatFloat32LE,
		BufferSize:   40 * time.Millisecond,
	})
	if err != nil {
		return nil, types.NewDeviceError("open output", err)
	}
	<-ready
	return &OtoSink{
		ctx:    ctx,
		rate:   sampleRate,
		poll:   5 * time.Millisecond,
		log:    log,
		volume: 1,
	}, nil
}

func (s *OtoSink) Play(ctx context.Context, seg model.PlaybackSegment) error {
	samples, err := audio.Resample(seg.Samples, seg.SampleRate, s.rate)
	if err != nil {
		return errors.Wrapf(err, "resample %d -> %d", seg.SampleRate, s.rate)
	}

	p := s.ctx.NewPlayer(bytes.NewReader(audio.Float32ToBytes(samples)))
	s.mu.Lock()
	p.SetVolume(s.volume)
	s.player = p
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.player = nil
		s.mu.Unlock()
		if err := p.Close(); err != nil {
			s.log.Debug("player close", "error", err)
		}
	}()

	p.Play()
	ticker := time.NewTicker(s.poll)
	defer ticker.Stop()
	for p.IsPlaying() {
		select {
		case <-ctx.Done():
			p.Pause()
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return errors.Wrap(p.Err(), "player")
}

func (s *OtoSink) SetVolume(v float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.volume = v
	if s.player != nil {
		s.player.SetVolume(v)
	}
}

func (s *OtoSink) Resume() error {
	return errors.Wrap(s.ctx.Resume(), "resume output")
}

// Close suspends the context. oto cannot release a context once created.
func (s *OtoSink) Close() error {
	return errors.Wrap(s.ctx.Suspend(), "suspend output")
}
