// Package output plays agent audio back through a gapless FIFO queue.
package output

import (
	"context"
	"log/slog"
	"sync"

	"github.com/pkg/errors"

	"github.com/mrsingh-rishi/voice-client/audio"
	"github.com/mrsingh-rishi/voice-client/model"
	"github.com/mrsingh-rishi/voice-client/queue"
)

// DefaultSampleRate is assumed for raw PCM enqueued without a rate.
const DefaultSampleRate = 22050

// Sink is the platform output device.
type Sink interface {
	// Play blocks until seg has played to completion or ctx is canceled.
	Play(ctx context.Context, seg model.PlaybackSegment) error
	// SetVolume applies gain in [0,1] to current and later output.
	SetVolume(v float64)
	// Resume wakes a suspended output context.
	Resume() error
	Close() error
}

// Hooks observe play-runs. They are called with the queue lock held, so
// they must not call back into the Playback.
type Hooks struct {
	OnStarted func()
	OnEnded   func()
}

type entry struct {
	seg   model.PlaybackSegment
	ready chan struct{}
	err   error
}

// Playback is the sequential playback queue. Segments play in enqueue order,
// one at a time.
type Playback struct {
	sink        Sink
	hooks       Hooks
	log         *slog.Logger
	defaultRate int
	decode      func([]byte) ([]float32, int, error)

	mu        sync.Mutex
	items     *queue.Queue[*entry]
	running   bool
	started   bool
	run       uint64
	stopped   chan struct{}
	drainDone chan struct{}
	cancel    context.CancelFunc
	volume    float64
}

// Option configures a Playback.
type Option func(*Playback)

func WithHooks(h Hooks) Option {
	return func(p *Playback) { p.hooks = h }
}

func WithLogger(l *slog.Logger) Option {
	return func(p *Playback) { p.log = l }
}

// WithDefaultSampleRate overrides the rate used when Enqueue gets rate 0.
func WithDefaultSampleRate(rate int) Option {
	return func(p *Playback) {
		if rate > 0 {
			p.defaultRate = rate
		}
	}
}

// WithDecoder replaces the decoder used by EnqueueEncoded.
func WithDecoder(fn func([]byte) ([]float32, int, error)) Option {
	return func(p *Playback) { p.decode = fn }
}

// NewPlayback creates an idle, empty queue draining into sink.
func NewPlayback(sink Sink, opts ...Option) *Playback {
	p := &Playback{
		sink:        sink,
		log:         slog.Default(),
		defaultRate: DefaultSampleRate,
		decode:      audio.Decode,
		items:       queue.New[*entry](),
		stopped:     make(chan struct{}),
		volume:      1,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Enqueue decodes signed 16-bit little-endian mono PCM and appends it to the
// queue. A sampleRate of zero means the default rate.
func (p *Playback) Enqueue(pcm []byte, sampleRate int) error {
	samples, err := audio.PCM16ToFloat32(pcm)
	if err != nil {
		return errors.Wrap(err, "decode pcm segment")
	}
	if sampleRate <= 0 {
		sampleRate = p.defaultRate
	}
	ready := make(chan struct{})
	close(ready)
	p.push(&entry{
		seg:   model.PlaybackSegment{Samples: samples, SampleRate: sampleRate},
		ready: ready,
	})
	return nil
}

// EnqueueEncoded decodes a compressed or containerized blob (WAV, MP3, Ogg
// Vorbis, FLAC) and appends it. The queue slot is reserved before decoding,
// so segments play in call order whatever the decode latency.
func (p *Playback) EnqueueEncoded(ctx context.Context, blob []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	e := &entry{ready: make(chan struct{})}
	p.push(e)

	samples, rate, err := p.decode(blob)
	if err != nil {
		e.err = err
		close(e.ready)
		return errors.Wrap(err, "decode encoded segment")
	}
	e.seg = model.PlaybackSegment{Samples: samples, SampleRate: rate}
	close(e.ready)
	return nil
}

func (p *Playback) push(e *entry) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.items.Enqueue(e)
	if p.running {
		return
	}
	p.running = true
	prev := p.drainDone
	done := make(chan struct{})
	p.drainDone = done
	go p.drain(p.run, p.stopped, prev, done)
}

func (p *Playback) drain(run uint64, stopped <-chan struct{}, prev <-chan struct{}, done chan struct{}) {
	defer close(done)
	if prev != nil {
		<-prev
	}

	for {
		p.mu.Lock()
		if p.run != run {
			p.mu.Unlock()
			return
		}
		e, ok := p.items.Peek()
		if !ok {
			p.running = false
			if p.started {
				p.started = false
				p.fire(p.hooks.OnEnded)
			}
			p.mu.Unlock()
			return
		}
		p.mu.Unlock()

		select {
		case <-e.ready:
		case <-stopped:
			return
		}

		p.mu.Lock()
		if p.run != run {
			p.mu.Unlock()
			return
		}
		p.items.Dequeue()
		if e.err != nil {
			p.mu.Unlock()
			continue
		}
		if !p.started {
			p.started = true
			p.fire(p.hooks.OnStarted)
		}
		ctx, cancel := context.WithCancel(context.Background())
		p.cancel = cancel
		p.mu.Unlock()

		if err := p.sink.Play(ctx, e.seg); err != nil && ctx.Err() == nil {
			p.log.Warn("segment playback failed", "error", err, "samples", len(e.seg.Samples))
		}
		cancel()

		p.mu.Lock()
		if p.run == run {
			p.cancel = nil
		}
		p.mu.Unlock()
	}
}

func (p *Playback) fire(fn func()) {
	if fn != nil {
		fn()
	}
}

// Stop discards queued segments, halts the one playing and returns the queue
// to idle. If a play-run had started, OnEnded fires once to close it.
func (p *Playback) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.run++
	dropped := p.items.Len()
	p.items.Clear()
	if p.cancel != nil {
		p.cancel()
		p.cancel = nil
	}
	close(p.stopped)
	p.stopped = make(chan struct{})
	p.running = false
	if p.started {
		p.started = false
		p.fire(p.hooks.OnEnded)
	}
	if dropped > 0 {
		p.log.Debug("playback stopped", "dropped_segments", dropped)
	}
}

// SetVolume clamps v to [0,1] and applies it to the segment playing now and
// every later one.
func (p *Playback) SetVolume(v float64) {
	if v < 0 {
		v = 0
	} else if v > 1 {
		v = 1
	}
	p.mu.Lock()
	p.volume = v
	p.mu.Unlock()
	p.sink.SetVolume(v)
}

// Volume returns the current gain.
func (p *Playback) Volume() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.volume
}

// Resume wakes the output context. Call it from a user gesture before audio
// is expected.
func (p *Playback) Resume() error {
	return p.sink.Resume()
}

// Playing reports whether a play-run is draining the queue.
func (p *Playback) Playing() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

// Pending returns the number of segments waiting to play.
func (p *Playback) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.items.Len()
}

// Close stops playback and releases the sink.
func (p *Playback) Close() error {
	p.Stop()
	return p.sink.Close()
}
