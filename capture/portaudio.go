//go:build portaudio

package capture

import (
	"context"
	"log/slog"
	"sync"

	"github.com/gordonklaus/portaudio"
	"github.com/pkg/errors"
)

// PortAudioSource opens the default microphone through PortAudio. Build with
// -tags portaudio.
type PortAudioSource struct {
	FramesPerBuffer int

	log *slog.Logger
}

func NewPortAudioSource(log *slog.Logger) *PortAudioSource {
	if log == nil {
		log = slog.Default()
	}
	return &PortAudioSource{FramesPerBuffer: 1024, log: log}
}

func (s *PortAudioSource) Open(ctx context.Context, cfg StreamConfig) (Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := portaudio.Initialize(); err != nil {
		return nil, errors.Wrap(err, "initialize portaudio")
	}

	buf := make([]float32, s.FramesPerBuffer*cfg.Channels)
	stream, err := portaudio.OpenDefaultStream(cfg.Channels, 0, float64(cfg.SampleRate), s.FramesPerBuffer, buf)
	if err != nil {
		portaudio.Terminate()
		return nil, errors.Wrap(err, "open input stream")
	}
	if err := stream.Start(); err != nil {
		stream.Close()
		portaudio.Terminate()
		return nil, errors.Wrap(err, "start input stream")
	}

	st := &portAudioStream{
		stream:   stream,
		buf:      buf,
		channels: cfg.Channels,
		blocks:   make(chan []float32, 64),
		quit:     make(chan struct{}),
		exited:   make(chan struct{}),
		log:      s.log,
	}
	go st.readLoop()
	return st, nil
}

type portAudioStream struct {
	stream   *portaudio.Stream
	buf      []float32
	channels int
	blocks   chan []float32
	quit     chan struct{}
	exited   chan struct{}
	log      *slog.Logger

	closeOnce sync.Once
	closeErr  error
}

func (p *portAudioStream) Blocks() <-chan []float32 {
	return p.blocks
}

func (p *portAudioStream) readLoop() {
	defer close(p.exited)
	for {
		if err := p.stream.Read(); err != nil {
			select {
			case <-p.quit:
				return
			default:
			}
			// Input overflow is reported as an error but the stream keeps running.
			p.log.Debug("portaudio read", "error", err)
			continue
		}
		block := downmix(p.buf, p.channels)
		select {
		case p.blocks <- block:
		case <-p.quit:
			return
		}
	}
}

func (p *portAudioStream) Close() error {
	p.closeOnce.Do(func() {
		close(p.quit)
		if err := p.stream.Stop(); err != nil {
			p.closeErr = errors.Wrap(err, "stop input stream")
		}
		<-p.exited
		if err := p.stream.Close(); err != nil && p.closeErr == nil {
			p.closeErr = errors.Wrap(err, "close input stream")
		}
		portaudio.Terminate()
		close(p.blocks)
	})
	return p.closeErr
}
