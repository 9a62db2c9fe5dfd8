// Package agent is a loopback voice agent speaking the client protocol. It
// backs local development and the end-to-end tests.
package agent

import (
	"context"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/websocket/v2"
	"github.com/google/uuid"

	"github.com/mrsingh-rishi/voice-client/metrics"
	"github.com/mrsingh-rishi/voice-client/protocol"
	"github.com/mrsingh-rishi/voice-client/transport"
	"github.com/mrsingh-rishi/voice-client/workers"
)

const (
	Version = "1.0.0"

	// DefaultInputRate applies until the client announces its rate.
	DefaultInputRate = 16000

	localsSubject = "subject"
)

type Config struct {
	Address     string
	TokenSecret string
	BinaryAudio bool
}

type Server struct {
	cfg        Config
	app        *fiber.App
	responders ResponderFactory
	metrics    *metrics.Agent
	log        *slog.Logger
	started    time.Time
	active     atomic.Int64
}

type Option func(*Server)

func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.log = l }
}

func WithMetrics(m *metrics.Agent) Option {
	return func(s *Server) { s.metrics = m }
}

func NewServer(cfg Config, responders ResponderFactory, opts ...Option) *Server {
	s := &Server{
		cfg:        cfg,
		responders: responders,
		log:        slog.Default(),
		started:    time.Now(),
	}
	for _, opt := range opts {
		opt(s)
	}

	app := fiber.New(fiber.Config{DisableStartupMessage: true, AppName: "voice-agent"})
	app.Use(recover.New())

	app.Get("/api/health", s.health)
	app.Get("/api/health/ready", s.ready)
	if s.metrics != nil {
		app.Get("/metrics", adaptor.HTTPHandler(s.metrics.Handler()))
	}

	app.Use("/ws/audio", s.upgrade)
	app.Get("/ws/audio", websocket.New(s.serve))

	s.app = app
	return s
}

// App exposes the fiber app, mainly for app.Test and custom listeners.
func (s *Server) App() *fiber.App { return s.app }

func (s *Server) Listen() error {
	s.log.Info("agent listening", "addr", s.cfg.Address)
	return s.app.Listen(s.cfg.Address)
}

func (s *Server) Shutdown() error {
	return s.app.Shutdown()
}

// Sessions returns the number of open audio sockets.
func (s *Server) Sessions() int64 { return s.active.Load() }

func (s *Server) health(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"status":         "healthy",
		"uptime_seconds": int64(time.Since(s.started).Seconds()),
		"version":        Version,
		"sessions":       s.Sessions(),
	})
}

func (s *Server) ready(c *fiber.Ctx) error {
	if s.responders == nil {
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"status": "not_ready"})
	}
	return c.JSON(fiber.Map{"status": "ready"})
}

// upgrade rejects plain HTTP and, when a secret is set, requests without a
// valid bearer token. The token may also come from the token query parameter.
func (s *Server) upgrade(c *fiber.Ctx) error {
	if !websocket.IsWebSocketUpgrade(c) {
		return fiber.ErrUpgradeRequired
	}
	if s.cfg.TokenSecret != "" {
		token := strings.TrimPrefix(c.Get(fiber.HeaderAuthorization), "Bearer ")
		if token == "" {
			token = c.Query("token")
		}
		claims, err := transport.ParseToken(s.cfg.TokenSecret, token)
		if err != nil {
			s.log.Warn("rejected audio socket", "error", err)
			return fiber.ErrUnauthorized
		}
		c.Locals(localsSubject, claims.Subject)
	}
	return c.Next()
}

func (s *Server) serve(ws *websocket.Conn) {
	id := uuid.NewString()
	log := s.log.With("session_id", id)
	if sub, ok := ws.Locals(localsSubject).(string); ok {
		log = log.With("subject", sub)
	}

	s.active.Add(1)
	s.metrics.SessionOpened()
	defer func() {
		s.active.Add(-1)
		s.metrics.SessionClosed()
	}()

	out := NewOutbox(id, ws, s.cfg.BinaryAudio, log)
	out.Start()
	defer out.Close()

	resp, err := s.responders(id, out)
	if err != nil {
		log.Error("create responder", "error", err)
		out.Error(err.Error())
		return
	}
	defer resp.Close()

	log.Info("audio socket connected")
	out.SessionStart(DefaultInputRate)

	ctx, cancel := context.WithCancel(context.Background())
	turns := make(chan workers.Utterance, 4)
	turnsDone := make(chan struct{})
	go func() {
		defer close(turnsDone)
		for u := range turns {
			s.respond(ctx, resp, out, u, log)
		}
	}()
	defer func() {
		cancel()
		close(turns)
		<-turnsDone
	}()

	rate := DefaultInputRate
	var buf []byte
	for {
		mt, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Warn("audio socket read failed", "error", err)
			}
			log.Info("audio socket closed")
			return
		}
		if mt == websocket.BinaryMessage {
			buf = append(buf, data...)
			s.metrics.AudioIn(len(data))
			continue
		}

		env, err := protocol.Decode(false, data)
		if err != nil {
			log.Warn("dropping malformed message", "error", err)
			continue
		}
		switch env.Type {
		case protocol.TypeSessionStart:
			var d protocol.SessionStartData
			if err := protocol.DecodeData(env, &d); err == nil && d.SampleRate > 0 {
				rate = d.SampleRate
			}
			log.Debug("client session start", "sample_rate", rate)
		case protocol.TypePing:
			out.Pong(env.Timestamp)
		case protocol.TypeAudioEnd:
			if len(buf) < 2 {
				out.Error("no audio received")
				continue
			}
			u := workers.Utterance{PCM: buf[:len(buf)&^1], SampleRate: rate}
			buf = nil
			select {
			case turns <- u:
			default:
				out.Error("agent busy, utterance dropped")
			}
		case protocol.TypeSessionEnd:
			log.Info("client ended session")
			return
		default:
			log.Warn("unknown message type", "type", env.Type)
		}
	}
}

func (s *Server) respond(ctx context.Context, resp Responder, out *Outbox, u workers.Utterance, log *slog.Logger) {
	start := time.Now()
	s.metrics.Utterance()
	if err := resp.Respond(ctx, u); err != nil {
		if ctx.Err() != nil {
			return
		}
		s.metrics.ResponderError()
		log.Warn("responder failed", "error", err)
		out.Error(err.Error())
		return
	}
	s.metrics.Responded(time.Since(start))
}
