// Package call runs the client side of one voice session: it streams
// microphone audio to the agent, plays the agent's audio back and tracks the
// conversation state.
package call

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sethvargo/go-retry"

	"github.com/mrsingh-rishi/voice-client/audio"
	"github.com/mrsingh-rishi/voice-client/capture"
	"github.com/mrsingh-rishi/voice-client/clock"
	"github.com/mrsingh-rishi/voice-client/metrics"
	"github.com/mrsingh-rishi/voice-client/model"
	"github.com/mrsingh-rishi/voice-client/output"
	"github.com/mrsingh-rishi/voice-client/protocol"
	"github.com/mrsingh-rishi/voice-client/queue"
	"github.com/mrsingh-rishi/voice-client/transport"
	"github.com/mrsingh-rishi/voice-client/types"
)

// ErrClosed is returned by calls made after Close.
var ErrClosed = errors.New("session closed")

// Config holds the connection settings of a Session.
type Config struct {
	URL                  string
	SampleRate           int
	Channels             int
	ReconnectDelay       time.Duration
	MaxReconnectAttempts int
	HeartbeatInterval    time.Duration
}

func DefaultConfig() Config {
	return Config{
		URL:                  "ws://localhost:8000/ws/audio",
		SampleRate:           16000,
		Channels:             1,
		ReconnectDelay:       2000 * time.Millisecond,
		MaxReconnectAttempts: 5,
		HeartbeatInterval:    30 * time.Second,
	}
}

type eventKind int

const (
	evCommand eventKind = iota
	evChunk
	evFlush
	evConnOpened
	evConnClosed
	evMessage
	evHeartbeat
	evReconnect
	evPlaybackStarted
	evPlaybackEnded
)

type event struct {
	kind   eventKind
	gen    uint64
	chunk  model.AudioChunk
	utt    model.Utterance
	conn   transport.Conn
	binary bool
	data   []byte
	err    error
	cmd    func() error
	reply  chan error
}

// Session is the protocol session. Every state change happens on one event
// loop goroutine; the exported methods post commands to it.
type Session struct {
	cfg      Config
	dialer   transport.Dialer
	capture  *capture.Capture
	playback *output.Playback
	h        types.Handlers
	clock    clock.Clock
	log      *slog.Logger
	metrics  *metrics.Client

	mu      sync.Mutex
	mailbox *queue.Queue[event]
	closed  bool
	notify  chan struct{}
	done    chan struct{}

	snapMu    sync.Mutex
	snapState model.ConversationState
	snapID    string

	dialCtx      context.Context
	cancelDial   context.CancelFunc
	playbackOpts []output.Option
	closeOnce    sync.Once
	closeErr     error

	// Owned by the loop goroutine.
	machine   *Machine
	conn      transport.Conn
	connGen   uint64
	dialing   bool
	wantOpen  bool
	waiters   []chan error
	backoff   retry.Backoff
	attempts  int
	exhausted bool
	hbTimer   clock.Timer
	hbGen     uint64
	rcTimer   clock.Timer
	rcGen     uint64
	audioRate int
	sessionID string
	quit      bool
}

// Option configures a Session.
type Option func(*Session)

func WithClock(c clock.Clock) Option {
	return func(s *Session) { s.clock = c }
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Session) { s.log = l }
}

func WithMetrics(m *metrics.Client) Option {
	return func(s *Session) { s.metrics = m }
}

// WithPlaybackOptions passes extra options to the playback queue the session
// builds around its sink.
func WithPlaybackOptions(opts ...output.Option) Option {
	return func(s *Session) { s.playbackOpts = append(s.playbackOpts, opts...) }
}

// NewSession wires capture, the sink and the dialer together and starts the
// event loop. No connection is made until Connect.
func NewSession(cfg Config, dialer transport.Dialer, rec *capture.Capture, sink output.Sink, h types.Handlers, opts ...Option) *Session {
	def := DefaultConfig()
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = def.SampleRate
	}
	if cfg.Channels <= 0 {
		cfg.Channels = def.Channels
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = def.ReconnectDelay
	}
	if cfg.MaxReconnectAttempts < 0 {
		cfg.MaxReconnectAttempts = 0
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = def.HeartbeatInterval
	}

	s := &Session{
		cfg:       cfg,
		dialer:    dialer,
		capture:   rec,
		h:         h,
		clock:     clock.New(),
		log:       slog.Default(),
		mailbox:   queue.New[event](),
		notify:    make(chan struct{}, 1),
		done:      make(chan struct{}),
		snapState: model.StateIdle,
		audioRate: output.DefaultSampleRate,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.dialCtx, s.cancelDial = context.WithCancel(context.Background())
	s.machine = NewMachine(s.stateChanged)

	popts := append([]output.Option{output.WithLogger(s.log)}, s.playbackOpts...)
	popts = append(popts, output.WithHooks(output.Hooks{
		OnStarted: func() { s.post(event{kind: evPlaybackStarted}) },
		OnEnded:   func() { s.post(event{kind: evPlaybackEnded}) },
	}))
	s.playback = output.NewPlayback(sink, popts...)

	go s.loop()
	return s
}

// State returns the current conversation state.
func (s *Session) State() model.ConversationState {
	s.snapMu.Lock()
	defer s.snapMu.Unlock()
	return s.snapState
}

// SessionID returns the id assigned by the agent, or "" when there is none.
func (s *Session) SessionID() string {
	s.snapMu.Lock()
	defer s.snapMu.Unlock()
	return s.snapID
}

// Connect dials the agent and waits for the first outcome. A failed dial is
// returned as a *types.ConnectionError and the reconnect policy keeps trying
// in the background.
func (s *Session) Connect(ctx context.Context) error {
	reply := make(chan error, 1)
	err := s.call(func() error {
		s.connect(reply)
		return nil
	})
	if err != nil {
		return err
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return ErrClosed
	}
}

// StartListening resumes the output, interrupts playback, starts the
// microphone and announces the audio format. Device failures are returned as
// *types.DeviceError.
func (s *Session) StartListening(ctx context.Context) error {
	return s.call(func() error { return s.startListening(ctx) })
}

// StopListening stops the microphone. The buffered audio is flushed but no
// audio_end is sent.
func (s *Session) StopListening() error {
	return s.call(func() error {
		s.stopCapture()
		s.machine.Fire(EventStopListening)
		return nil
	})
}

// Disconnect ends the session, closes the socket and cancels any pending
// reconnect or heartbeat.
func (s *Session) Disconnect() error {
	return s.call(func() error {
		s.disconnect()
		return nil
	})
}

// Close disconnects, stops playback, releases the sink and ends the loop.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		_ = s.call(func() error {
			s.disconnect()
			s.playback.Stop()
			s.quit = true
			return nil
		})
		<-s.done
		s.cancelDial()
		s.closeErr = s.playback.Close()
	})
	return s.closeErr
}

// SetVolume sets the playback gain, clamped to [0,1].
func (s *Session) SetVolume(v float64) {
	s.playback.SetVolume(v)
}

// EnqueueEncoded plays a WAV, MP3, Ogg Vorbis or FLAC blob after everything
// already queued.
func (s *Session) EnqueueEncoded(ctx context.Context, blob []byte) error {
	return s.playback.EnqueueEncoded(ctx, blob)
}

// Done is closed once the event loop has ended.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

func (s *Session) post(ev event) bool {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}
	s.mailbox.Enqueue(ev)
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
	return true
}

func (s *Session) call(fn func() error) error {
	reply := make(chan error, 1)
	if !s.post(event{kind: evCommand, cmd: fn, reply: reply}) {
		return ErrClosed
	}
	select {
	case err := <-reply:
		return err
	case <-s.done:
		select {
		case err := <-reply:
			return err
		default:
			return ErrClosed
		}
	}
}

func (s *Session) next() (event, bool) {
	for {
		s.mu.Lock()
		ev, ok := s.mailbox.Dequeue()
		s.mu.Unlock()
		if ok {
			return ev, true
		}
		<-s.notify
	}
}

func (s *Session) loop() {
	defer close(s.done)
	for {
		ev, _ := s.next()
		s.handle(ev)
		if s.quit {
			s.mu.Lock()
			s.closed = true
			dropped := s.mailbox.Len()
			s.mailbox.Clear()
			s.mu.Unlock()
			s.log.Debug("session loop stopped", "dropped_events", dropped)
			return
		}
	}
}

func (s *Session) handle(ev event) {
	switch ev.kind {
	case evCommand:
		err := ev.cmd()
		if ev.reply != nil {
			ev.reply <- err
		}
	case evChunk:
		s.sendChunk(ev.chunk)
	case evFlush:
		s.utteranceFlushed(ev.utt)
	case evConnOpened:
		s.connOpened(ev.gen, ev.conn)
	case evConnClosed:
		if ev.gen == s.connGen {
			s.connClosed(ev.err)
		}
	case evMessage:
		if ev.gen == s.connGen && s.conn != nil {
			s.inbound(ev.binary, ev.data)
		}
	case evHeartbeat:
		if ev.gen == s.hbGen && s.hbTimer != nil {
			s.hbTimer = nil
			s.heartbeat()
		}
	case evReconnect:
		if ev.gen == s.rcGen && s.rcTimer != nil {
			s.rcTimer = nil
			s.dial()
		}
	case evPlaybackStarted:
		s.machine.Fire(EventPlaybackStarted)
	case evPlaybackEnded:
		s.machine.Fire(EventPlaybackDrained)
	}
}

func (s *Session) stateChanged(from, to model.ConversationState) {
	s.snapMu.Lock()
	s.snapState = to
	s.snapMu.Unlock()
	s.log.Debug("state changed", "from", from, "to", to)
	s.metrics.Transition(from.String(), to.String())
	s.h.StateChange(from, to)
}

func (s *Session) setSessionID(id string) {
	s.sessionID = id
	s.snapMu.Lock()
	s.snapID = id
	s.snapMu.Unlock()
}

// connection lifecycle

func (s *Session) newBackoff() retry.Backoff {
	return retry.WithMaxRetries(uint64(s.cfg.MaxReconnectAttempts), retry.NewConstant(s.cfg.ReconnectDelay))
}

func (s *Session) connect(reply chan error) {
	if s.conn != nil {
		reply <- nil
		return
	}
	s.waiters = append(s.waiters, reply)
	s.wantOpen = true
	s.exhausted = false
	s.attempts = 0
	s.backoff = s.newBackoff()
	s.cancelReconnect()
	if !s.dialing {
		s.dial()
	}
}

func (s *Session) dial() {
	s.connGen++
	gen := s.connGen
	s.dialing = true
	url := s.cfg.URL
	s.log.Info("connecting", "url", url, "attempt", s.attempts)
	go func() {
		conn, err := s.dialer.Dial(s.dialCtx, url)
		if err != nil {
			s.post(event{kind: evConnClosed, gen: gen, err: err})
			return
		}
		if !s.post(event{kind: evConnOpened, gen: gen, conn: conn}) {
			_ = conn.Close()
		}
	}()
}

func (s *Session) connOpened(gen uint64, conn transport.Conn) {
	if gen != s.connGen || !s.wantOpen {
		_ = conn.Close()
		return
	}
	s.dialing = false
	s.conn = conn
	s.attempts = 0
	s.exhausted = false
	s.backoff = s.newBackoff()
	s.metrics.SetConnected(true)
	s.startHeartbeat()
	go s.readLoop(gen, conn)

	s.log.Info("connected", "url", s.cfg.URL)
	for _, w := range s.waiters {
		w <- nil
	}
	s.waiters = nil
	s.h.Connected()
}

func (s *Session) readLoop(gen uint64, conn transport.Conn) {
	for {
		binary, data, err := conn.ReadFrame()
		if err != nil {
			s.post(event{kind: evConnClosed, gen: gen, err: err})
			return
		}
		if !s.post(event{kind: evMessage, gen: gen, binary: binary, data: data}) {
			return
		}
	}
}

// connClosed handles a read error, write error or failed dial on the current
// connection.
func (s *Session) connClosed(cause error) {
	wasOpen := s.conn != nil
	op := "dial"
	if wasOpen {
		op = "read"
	}
	err := types.NewConnectionError(op, s.attempts, cause)
	s.dropConn()

	if wasOpen {
		s.log.Warn("connection lost", "error", cause)
	} else {
		s.log.Warn("dial failed", "error", cause, "attempt", s.attempts)
	}
	for _, w := range s.waiters {
		w <- err
	}
	s.waiters = nil
	s.machine.Fire(EventConnectionLost)
	s.h.Disconnected(err)

	if s.wantOpen {
		s.scheduleReconnect()
	}
}

// dropConn forgets the current socket and fences its reader.
func (s *Session) dropConn() {
	s.connGen++
	s.dialing = false
	s.stopHeartbeat()
	s.setSessionID("")
	if s.conn != nil {
		_ = s.conn.Close()
		s.conn = nil
		s.metrics.SetConnected(false)
	}
}

func (s *Session) scheduleReconnect() {
	if s.backoff == nil {
		s.backoff = s.newBackoff()
	}
	delay, stop := s.backoff.Next()
	if stop {
		if !s.exhausted {
			s.exhausted = true
			s.log.Error("giving up on reconnect", "attempts", s.attempts)
			s.h.Error(types.NewConnectionError("reconnect", s.attempts, types.ErrReconnectExhausted))
		}
		return
	}
	s.attempts++
	s.metrics.Reconnect()
	s.rcGen++
	gen := s.rcGen
	s.log.Info("reconnect scheduled", "delay", delay, "attempt", s.attempts, "max", s.cfg.MaxReconnectAttempts)
	s.rcTimer = s.clock.AfterFunc(delay, func() {
		s.post(event{kind: evReconnect, gen: gen})
	})
}

func (s *Session) cancelReconnect() {
	if s.rcTimer != nil {
		s.rcTimer.Stop()
		s.rcTimer = nil
	}
	s.rcGen++
}

func (s *Session) disconnect() {
	s.wantOpen = false
	s.cancelReconnect()
	s.stopCapture()
	wasOpen := s.conn != nil
	if wasOpen {
		env, err := protocol.Control(protocol.TypeSessionEnd, nil)
		if err == nil && !s.send(env) {
			// the failed write already reported the close
			wasOpen = false
		}
	}
	s.dropConn()
	for _, w := range s.waiters {
		w <- types.NewConnectionError("connect", s.attempts, errors.New("disconnected"))
	}
	s.waiters = nil
	s.machine.Fire(EventConnectionLost)
	if wasOpen {
		s.log.Info("disconnected")
		s.h.Disconnected(nil)
	}
}

// heartbeat

func (s *Session) startHeartbeat() {
	s.stopHeartbeat()
	s.hbGen++
	gen := s.hbGen
	s.hbTimer = s.clock.AfterFunc(s.cfg.HeartbeatInterval, func() {
		s.post(event{kind: evHeartbeat, gen: gen})
	})
}

func (s *Session) stopHeartbeat() {
	if s.hbTimer != nil {
		s.hbTimer.Stop()
		s.hbTimer = nil
	}
	s.hbGen++
}

func (s *Session) heartbeat() {
	if s.conn == nil {
		return
	}
	if !s.send(protocol.Ping(s.clock.Now().UnixMilli())) {
		return
	}
	s.startHeartbeat()
}

// outbound

// send writes env on the current connection. It reports false when there is
// no connection or the write failed, in which case the connection is treated
// as closed.
func (s *Session) send(env protocol.Envelope) bool {
	if s.conn == nil {
		return false
	}
	if env.Kind == protocol.KindControl && env.SessionID == "" {
		env.SessionID = s.sessionID
	}
	frame, err := env.Encode()
	if err != nil {
		s.log.Error("encode outbound message", "type", env.Type, "error", err)
		return false
	}
	if err := s.conn.WriteFrame(env.Kind == protocol.KindBinary, frame); err != nil {
		s.log.Warn("write failed", "type", env.Type, "error", err)
		s.connClosed(err)
		return false
	}
	label := env.Type
	if env.Kind == protocol.KindBinary {
		label = "audio"
	}
	s.metrics.FrameSent(label)
	return true
}

func (s *Session) startListening(ctx context.Context) error {
	if err := s.playback.Resume(); err != nil {
		s.log.Warn("resume output", "error", err)
	}
	s.playback.Stop()

	wasActive := s.capture.Active()
	err := s.capture.Start(ctx, capture.Handlers{
		OnChunk: func(c model.AudioChunk) { s.post(event{kind: evChunk, chunk: c}) },
		OnFlush: func(u model.Utterance) { s.post(event{kind: evFlush, utt: u}) },
	})
	if err != nil {
		s.log.Error("start capture", "error", err)
		return err
	}
	changed := s.machine.Fire(EventStartListening)
	if wasActive && !changed {
		return nil
	}

	env, err := protocol.Control(protocol.TypeSessionStart, protocol.SessionStartData{
		Format:     protocol.FormatPCM16,
		SampleRate: s.cfg.SampleRate,
		Channels:   s.cfg.Channels,
	})
	if err != nil {
		return err
	}
	s.send(env)
	return nil
}

func (s *Session) stopCapture() {
	if err := s.capture.Stop(); err != nil {
		s.log.Warn("stop capture", "error", err)
	}
}

func (s *Session) sendChunk(c model.AudioChunk) {
	if s.conn == nil || !s.capture.Active() {
		return
	}
	s.send(protocol.Binary(audio.Float32ToPCM16(c.Samples)))
}

func (s *Session) utteranceFlushed(u model.Utterance) {
	s.metrics.Utterance()
	if s.machine.State() != model.StateListening {
		s.log.Debug("flush outside listening", "state", s.machine.State(), "samples", len(u.Samples))
		return
	}
	if env, err := protocol.Control(protocol.TypeAudioEnd, nil); err == nil {
		s.send(env)
	}
	s.machine.Fire(EventUtteranceFlushed)
}

// inbound

func (s *Session) inbound(binary bool, frame []byte) {
	env, err := protocol.Decode(binary, frame)
	if err != nil {
		s.protocolError(err)
		return
	}
	if env.Kind == protocol.KindBinary {
		s.metrics.FrameReceived("audio")
		s.enqueueAudio(env.Payload, s.audioRate)
		return
	}
	s.metrics.FrameReceived(env.Type)

	switch env.Type {
	case protocol.TypeSessionStart:
		var d protocol.SessionStartData
		if err := protocol.DecodeData(env, &d); err != nil {
			s.protocolError(err)
			return
		}
		if d.SessionID == "" {
			s.protocolError(types.NewProtocolError(env.Type, errors.New("empty session_id")))
			return
		}
		s.setSessionID(d.SessionID)
		s.log.Info("session started", "session_id", d.SessionID)
		s.h.SessionStart(d.SessionID)

	case protocol.TypeTranscript:
		var d protocol.TextData
		if err := protocol.DecodeData(env, &d); err != nil {
			s.protocolError(err)
			return
		}
		s.h.Transcript(types.TextEvent{Text: d.Text, Final: d.IsFinal})
		if d.IsFinal {
			s.machine.Fire(EventFinalTranscript)
		}

	case protocol.TypeResponseText:
		var d protocol.TextData
		if err := protocol.DecodeData(env, &d); err != nil {
			s.protocolError(err)
			return
		}
		s.h.ResponseText(types.TextEvent{Text: d.Text, Final: d.IsFinal})

	case protocol.TypeResponseAudio:
		var d protocol.AudioData
		if err := protocol.DecodeData(env, &d); err != nil {
			s.protocolError(err)
			return
		}
		pcm, err := d.PCM()
		if err != nil {
			s.protocolError(types.NewProtocolError(env.Type, err))
			return
		}
		if d.SampleRate > 0 {
			s.audioRate = d.SampleRate
		}
		s.enqueueAudio(pcm, s.audioRate)

	case protocol.TypeResponseAudioEnd:
		s.h.ResponseAudioEnd()

	case protocol.TypeError:
		var d protocol.ErrorData
		if err := protocol.DecodeData(env, &d); err != nil {
			s.protocolError(err)
			return
		}
		s.serverError(d.Message)

	case protocol.TypePong:
		if env.Timestamp > 0 {
			rtt := s.clock.Now().Sub(time.UnixMilli(env.Timestamp))
			s.metrics.RTT(rtt)
			s.log.Debug("pong", "rtt", rtt)
		}

	default:
		s.protocolError(types.NewProtocolError(env.Type, errors.New("unknown message type")))
	}
}

func (s *Session) enqueueAudio(pcm []byte, rate int) {
	if err := s.playback.Enqueue(pcm, rate); err != nil {
		s.protocolError(types.NewProtocolError("audio", err))
	}
}

func (s *Session) serverError(msg string) {
	s.metrics.ServerError()
	s.log.Error("agent reported error", "message", msg)
	s.h.Error(&types.ServerError{Message: msg})
	s.stopCapture()
	s.playback.Stop()
	s.machine.Fire(EventServerError)
}

func (s *Session) protocolError(err error) {
	s.metrics.ProtocolError()
	s.log.Warn("dropping inbound message", "error", err)
}
