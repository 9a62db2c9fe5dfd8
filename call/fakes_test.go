package call

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/mrsingh-rishi/voice-client/capture"
	"github.com/mrsingh-rishi/voice-client/clock"
	"github.com/mrsingh-rishi/voice-client/model"
	"github.com/mrsingh-rishi/voice-client/protocol"
	"github.com/mrsingh-rishi/voice-client/transport"
	"github.com/mrsingh-rishi/voice-client/types"
)

var errConnClosed = errors.New("use of closed connection")

type frame struct {
	binary bool
	data   []byte
}

type fakeConn struct {
	in        chan frame
	written   chan frame
	closed    chan struct{}
	closeOnce sync.Once

	mu       sync.Mutex
	writeErr error
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		in:      make(chan frame, 64),
		written: make(chan frame, 256),
		closed:  make(chan struct{}),
	}
}

func (c *fakeConn) WriteFrame(binary bool, data []byte) error {
	c.mu.Lock()
	err := c.writeErr
	c.mu.Unlock()
	if err != nil {
		return err
	}
	select {
	case <-c.closed:
		return errConnClosed
	default:
	}
	c.written <- frame{binary: binary, data: append([]byte(nil), data...)}
	return nil
}

func (c *fakeConn) ReadFrame() (bool, []byte, error) {
	select {
	case f := <-c.in:
		return f.binary, f.data, nil
	case <-c.closed:
		return false, nil, errConnClosed
	}
}

func (c *fakeConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

// serverSend delivers a control message to the client.
func (c *fakeConn) serverSend(t *testing.T, typ string, data any) {
	t.Helper()
	env, err := protocol.Control(typ, data)
	require.NoError(t, err)
	b, err := env.Encode()
	require.NoError(t, err)
	c.in <- frame{data: b}
}

func (c *fakeConn) serverRaw(binary bool, data []byte) {
	c.in <- frame{binary: binary, data: data}
}

// nextControl returns the next control frame the client wrote, skipping audio.
func (c *fakeConn) nextControl(t *testing.T) protocol.Envelope {
	t.Helper()
	deadline := time.After(time.Second)
	for {
		select {
		case f := <-c.written:
			if f.binary {
				continue
			}
			env, err := protocol.Decode(false, f.data)
			require.NoError(t, err)
			return env
		case <-deadline:
			t.Fatal("no control frame written")
			return protocol.Envelope{}
		}
	}
}

// nextBinary returns the next audio frame the client wrote.
func (c *fakeConn) nextBinary(t *testing.T) []byte {
	t.Helper()
	select {
	case f := <-c.written:
		require.True(t, f.binary, "expected audio, got %s", f.data)
		return f.data
	case <-time.After(time.Second):
		t.Fatal("no audio frame written")
		return nil
	}
}

func (c *fakeConn) noControl(t *testing.T, wait time.Duration) {
	t.Helper()
	deadline := time.After(wait)
	for {
		select {
		case f := <-c.written:
			if !f.binary {
				t.Fatalf("unexpected control frame %s", f.data)
			}
		case <-deadline:
			return
		}
	}
}

type fakeDialer struct {
	mu    sync.Mutex
	fail  bool
	dials int
	conns []*fakeConn

	dialed chan *fakeConn
}

func newFakeDialer() *fakeDialer {
	return &fakeDialer{dialed: make(chan *fakeConn, 64)}
}

func (d *fakeDialer) Dial(_ context.Context, _ string) (transport.Conn, error) {
	d.mu.Lock()
	d.dials++
	if d.fail {
		d.mu.Unlock()
		d.dialed <- nil
		return nil, errors.New("connection refused")
	}
	c := newFakeConn()
	d.conns = append(d.conns, c)
	d.mu.Unlock()
	d.dialed <- c
	return c, nil
}

func (d *fakeDialer) setFail(v bool) {
	d.mu.Lock()
	d.fail = v
	d.mu.Unlock()
}

func (d *fakeDialer) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func (d *fakeDialer) waitDial(t *testing.T) *fakeConn {
	t.Helper()
	select {
	case c := <-d.dialed:
		return c
	case <-time.After(time.Second):
		t.Fatal("no dial attempt")
		return nil
	}
}

type fakeStream struct {
	blocks    chan []float32
	closeOnce sync.Once
	closed    chan struct{}
}

func (s *fakeStream) Blocks() <-chan []float32 { return s.blocks }

func (s *fakeStream) Close() error {
	s.closeOnce.Do(func() { close(s.closed) })
	return nil
}

type fakeSource struct {
	mu      sync.Mutex
	err     error
	streams []*fakeStream
}

func (f *fakeSource) Open(context.Context, capture.StreamConfig) (capture.Stream, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	s := &fakeStream{blocks: make(chan []float32), closed: make(chan struct{})}
	f.streams = append(f.streams, s)
	return s, nil
}

func (f *fakeSource) stream(t *testing.T) *fakeStream {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	require.NotEmpty(t, f.streams)
	return f.streams[len(f.streams)-1]
}

type fakeSink struct {
	mu       sync.Mutex
	canceled int
	resumed  int
	volume   float64

	starts  chan model.PlaybackSegment
	release chan struct{}
}

func newFakeSink() *fakeSink {
	return &fakeSink{
		starts:  make(chan model.PlaybackSegment, 16),
		release: make(chan struct{}),
	}
}

func (f *fakeSink) Play(ctx context.Context, seg model.PlaybackSegment) error {
	f.starts <- seg
	select {
	case <-f.release:
		return nil
	case <-ctx.Done():
		f.mu.Lock()
		f.canceled++
		f.mu.Unlock()
		return ctx.Err()
	}
}

func (f *fakeSink) SetVolume(v float64) {
	f.mu.Lock()
	f.volume = v
	f.mu.Unlock()
}

func (f *fakeSink) Resume() error {
	f.mu.Lock()
	f.resumed++
	f.mu.Unlock()
	return nil
}

func (f *fakeSink) Close() error { return nil }

func (f *fakeSink) started(t *testing.T) model.PlaybackSegment {
	t.Helper()
	select {
	case seg := <-f.starts:
		return seg
	case <-time.After(time.Second):
		t.Fatal("playback never started")
		return model.PlaybackSegment{}
	}
}

func (f *fakeSink) finish(t *testing.T) {
	t.Helper()
	select {
	case f.release <- struct{}{}:
	case <-time.After(time.Second):
		t.Fatal("nothing playing")
	}
}

func (f *fakeSink) canceledCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.canceled
}

type transition struct{ from, to model.ConversationState }

// events records every handler call on buffered channels.
type events struct {
	states       chan transition
	connected    chan struct{}
	disconnected chan error
	sessions     chan string
	transcripts  chan types.TextEvent
	responses    chan types.TextEvent
	audioEnds    chan struct{}
	errs         chan error
}

func newEvents() *events {
	return &events{
		states:       make(chan transition, 64),
		connected:    make(chan struct{}, 16),
		disconnected: make(chan error, 64),
		sessions:     make(chan string, 16),
		transcripts:  make(chan types.TextEvent, 16),
		responses:    make(chan types.TextEvent, 16),
		audioEnds:    make(chan struct{}, 16),
		errs:         make(chan error, 16),
	}
}

func (e *events) handlers() types.Handlers {
	return types.Handlers{
		OnStateChange:      func(from, to model.ConversationState) { e.states <- transition{from, to} },
		OnConnected:        func() { e.connected <- struct{}{} },
		OnDisconnected:     func(err error) { e.disconnected <- err },
		OnSessionStart:     func(id string) { e.sessions <- id },
		OnTranscript:       func(ev types.TextEvent) { e.transcripts <- ev },
		OnResponseText:     func(ev types.TextEvent) { e.responses <- ev },
		OnResponseAudioEnd: func() { e.audioEnds <- struct{}{} },
		OnError:            func(err error) { e.errs <- err },
	}
}

func (e *events) state(t *testing.T) transition {
	t.Helper()
	select {
	case tr := <-e.states:
		return tr
	case <-time.After(time.Second):
		t.Fatal("no state change")
		return transition{}
	}
}

func (e *events) err(t *testing.T) error {
	t.Helper()
	select {
	case err := <-e.errs:
		return err
	case <-time.After(time.Second):
		t.Fatal("no error reported")
		return nil
	}
}

func (e *events) noErr(t *testing.T, wait time.Duration) {
	t.Helper()
	select {
	case err := <-e.errs:
		t.Fatalf("unexpected error %v", err)
	case <-time.After(wait):
	}
}

type harness struct {
	s      *Session
	clk    *clock.Fake
	dialer *fakeDialer
	src    *fakeSource
	sink   *fakeSink
	ev     *events
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		clk:    clock.NewFake(time.UnixMilli(1_700_000_000_000)),
		dialer: newFakeDialer(),
		src:    &fakeSource{},
		sink:   newFakeSink(),
		ev:     newEvents(),
	}
	rec := capture.New(h.src, capture.Config{
		SampleRate:       16000,
		Channels:         1,
		ChunkSize:        4,
		SilenceThreshold: 0.01,
		SilenceDuration:  1200 * time.Millisecond,
	}, capture.WithClock(h.clk))
	h.s = NewSession(DefaultConfig(), h.dialer, rec, h.sink, h.ev.handlers(), WithClock(h.clk))
	t.Cleanup(func() { _ = h.s.Close() })
	return h
}

// connect opens the session and answers with a session_start.
func (h *harness) connect(t *testing.T, id string) *fakeConn {
	t.Helper()
	require.NoError(t, h.s.Connect(context.Background()))
	conn := h.dialer.waitDial(t)
	<-h.ev.connected
	if id != "" {
		conn.serverSend(t, protocol.TypeSessionStart, protocol.SessionStartData{SessionID: id})
		select {
		case got := <-h.ev.sessions:
			require.Equal(t, id, got)
		case <-time.After(time.Second):
			t.Fatal("session_start not handled")
		}
	}
	return conn
}

// barrier waits until the loop has handled everything posted so far.
func (h *harness) barrier(t *testing.T) {
	t.Helper()
	require.NoError(t, h.s.call(func() error { return nil }))
}

func fill(n int, v float32) []float32 {
	s := make([]float32, n)
	for i := range s {
		s[i] = v
	}
	return s
}

func audioPayload(t *testing.T, pcm []byte, rate int) protocol.AudioData {
	t.Helper()
	return protocol.AudioData{Audio: base64.StdEncoding.EncodeToString(pcm), SampleRate: rate}
}

func sessionStartData(t *testing.T, env protocol.Envelope) protocol.SessionStartData {
	t.Helper()
	var d protocol.SessionStartData
	require.NoError(t, json.Unmarshal(env.Data, &d))
	return d
}
