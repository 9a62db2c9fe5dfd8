// Package capture records microphone audio in fixed-size chunks and detects
// the end of an utterance with an RMS energy threshold and a debounce timer.
package capture

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/mrsingh-rishi/voice-client/audio"
	"github.com/mrsingh-rishi/voice-client/clock"
	"github.com/mrsingh-rishi/voice-client/model"
	"github.com/mrsingh-rishi/voice-client/queue"
	"github.com/mrsingh-rishi/voice-client/types"
)

// Config controls chunking and silence detection.
type Config struct {
	SampleRate       int
	Channels         int
	ChunkSize        int
	SilenceThreshold float64
	SilenceDuration  time.Duration
}

// DefaultConfig returns 16 kHz mono capture with 4096-sample chunks, a 0.01
// RMS silence threshold and a 1200 ms debounce.
func DefaultConfig() Config {
	return Config{
		SampleRate:       16000,
		Channels:         1,
		ChunkSize:        4096,
		SilenceThreshold: 0.01,
		SilenceDuration:  1200 * time.Millisecond,
	}
}

// Handlers receive capture output. Both run on the capture goroutine, in
// capture order.
type Handlers struct {
	OnChunk func(model.AudioChunk)
	OnFlush func(model.Utterance)
}

// Capture is the silence-aware microphone recorder.
type Capture struct {
	src   Source
	cfg   Config
	clock clock.Clock
	log   *slog.Logger

	mu     sync.Mutex
	active bool
	cur    *run
}

// Option configures a Capture.
type Option func(*Capture)

func WithClock(c clock.Clock) Option {
	return func(cp *Capture) { cp.clock = c }
}

func WithLogger(l *slog.Logger) Option {
	return func(cp *Capture) { cp.log = l }
}

// New creates a Capture reading from src. Zero config fields take their
// defaults.
func New(src Source, cfg Config, opts ...Option) *Capture {
	def := DefaultConfig()
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = def.SampleRate
	}
	if cfg.Channels <= 0 {
		cfg.Channels = def.Channels
	}
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = def.ChunkSize
	}
	if cfg.SilenceThreshold <= 0 {
		cfg.SilenceThreshold = def.SilenceThreshold
	}
	if cfg.SilenceDuration <= 0 {
		cfg.SilenceDuration = def.SilenceDuration
	}
	c := &Capture{
		src:   src,
		cfg:   cfg,
		clock: clock.New(),
		log:   slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Config returns the effective configuration.
func (c *Capture) Config() Config {
	return c.cfg
}

// Active reports whether capture is running.
func (c *Capture) Active() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}

// Start acquires the microphone and begins producing chunks. It returns a
// *types.DeviceError when the device is denied or unavailable and is a no-op
// while capture is already active.
func (c *Capture) Start(ctx context.Context, h Handlers) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active {
		return nil
	}

	stream, err := c.src.Open(ctx, StreamConfig{
		SampleRate:       c.cfg.SampleRate,
		Channels:         c.cfg.Channels,
		EchoCancellation: true,
		NoiseSuppression: true,
		AutoGainControl:  true,
	})
	if err != nil {
		return types.NewDeviceError("open input", err)
	}

	r := &run{
		c:      c,
		stream: stream,
		h:      h,
		buffer: queue.New[model.AudioChunk](),
		fired:  make(chan uint64),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	c.active = true
	c.cur = r
	go r.loop()

	c.log.Info("capture started",
		"sample_rate", c.cfg.SampleRate,
		"chunk_size", c.cfg.ChunkSize,
		"silence_threshold", c.cfg.SilenceThreshold,
		"silence_duration", c.cfg.SilenceDuration)
	return nil
}

// Stop cancels any pending silence timer, flushes whatever is buffered and
// releases the device. It is a no-op when capture is not active.
func (c *Capture) Stop() error {
	c.mu.Lock()
	if !c.active {
		c.mu.Unlock()
		return nil
	}
	r := c.cur
	c.active = false
	c.cur = nil
	c.mu.Unlock()

	close(r.stop)
	<-r.done
	c.log.Info("capture stopped")
	return r.closeErr
}

// ended is called by a run whose stream closed on its own.
func (c *Capture) ended(r *run) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cur == r {
		c.active = false
		c.cur = nil
	}
}

// run owns the state of one Start/Stop cycle. Every field below is touched
// only by the loop goroutine.
type run struct {
	c      *Capture
	stream Stream
	h      Handlers

	pending []float32
	buffer  *queue.Queue[model.AudioChunk]

	timer clock.Timer
	gen   uint64
	fired chan uint64

	stop     chan struct{}
	done     chan struct{}
	closeErr error
}

func (r *run) loop() {
	defer close(r.done)
	blocks := r.stream.Blocks()
	for {
		select {
		case block, ok := <-blocks:
			if !ok {
				r.c.log.Warn("input stream ended")
				r.finish()
				r.c.ended(r)
				return
			}
			r.feed(block)
		case g := <-r.fired:
			if g == r.gen && r.timer != nil {
				r.timer = nil
				r.flush()
			}
		case <-r.stop:
			r.finish()
			return
		}
	}
}

// feed reframes a device block into fixed-size chunks.
func (r *run) feed(block []float32) {
	size := r.c.cfg.ChunkSize
	r.pending = append(r.pending, block...)
	for len(r.pending) >= size {
		samples := make([]float32, size)
		copy(samples, r.pending[:size])
		r.pending = append(r.pending[:0:0], r.pending[size:]...)
		r.process(model.AudioChunk{Samples: samples, Timestamp: r.c.clock.Now()})
	}
}

func (r *run) process(chunk model.AudioChunk) {
	r.buffer.Enqueue(chunk)

	if audio.RMS(chunk.Samples) < r.c.cfg.SilenceThreshold {
		if r.timer == nil {
			r.armTimer()
		}
	} else if r.timer != nil {
		r.cancelTimer()
	}

	if r.h.OnChunk != nil {
		r.h.OnChunk(chunk)
	}
}

func (r *run) armTimer() {
	r.gen++
	gen := r.gen
	r.timer = r.c.clock.AfterFunc(r.c.cfg.SilenceDuration, func() {
		select {
		case r.fired <- gen:
		case <-r.done:
		}
	})
}

func (r *run) cancelTimer() {
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
	r.gen++
}

// flush hands the buffered utterance to the caller. An empty buffer is a
// no-op.
func (r *run) flush() {
	chunks := r.buffer.Drain()
	if len(chunks) == 0 {
		return
	}
	n := 0
	for _, ch := range chunks {
		n += len(ch.Samples)
	}
	u := model.Utterance{
		Samples: make([]float32, 0, n),
		Chunks:  len(chunks),
		Start:   chunks[0].Timestamp,
		End:     chunks[len(chunks)-1].Timestamp,
	}
	for _, ch := range chunks {
		u.Samples = append(u.Samples, ch.Samples...)
	}
	r.c.log.Debug("utterance flushed", "chunks", u.Chunks, "samples", len(u.Samples))
	if r.h.OnFlush != nil {
		r.h.OnFlush(u)
	}
}

// finish is the teardown shared by Stop and a stream that ended by itself.
func (r *run) finish() {
	r.cancelTimer()
	r.flush()
	r.pending = nil
	r.closeErr = r.stream.Close()
}
