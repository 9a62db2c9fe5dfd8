// Package metrics holds the Prometheus collectors of the voice client and the
// agent simulator. Each set registers into its own registry so tests can build
// as many as they like.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Client contains the session metrics. A nil *Client records nothing.
type Client struct {
	Registry *prometheus.Registry

	FramesSent       *prometheus.CounterVec
	FramesReceived   *prometheus.CounterVec
	StateTransitions *prometheus.CounterVec
	Utterances       prometheus.Counter
	Reconnects       prometheus.Counter
	ProtocolErrors   prometheus.Counter
	ServerErrors     prometheus.Counter
	Connected        prometheus.Gauge
	PingRTT          prometheus.Histogram
}

func NewClient() *Client {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	f := promauto.With(reg)
	return &Client{
		Registry: reg,
		FramesSent: f.NewCounterVec(prometheus.CounterOpts{
			Name: "voice_client_frames_sent_total",
			Help: "Frames written to the agent socket, by message type",
		}, []string{"type"}),
		FramesReceived: f.NewCounterVec(prometheus.CounterOpts{
			Name: "voice_client_frames_received_total",
			Help: "Frames read from the agent socket, by message type",
		}, []string{"type"}),
		StateTransitions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "voice_client_state_transitions_total",
			Help: "Conversation state changes",
		}, []string{"from", "to"}),
		Utterances: f.NewCounter(prometheus.CounterOpts{
			Name: "voice_client_utterances_total",
			Help: "Utterances flushed by silence detection or stop",
		}),
		Reconnects: f.NewCounter(prometheus.CounterOpts{
			Name: "voice_client_reconnect_attempts_total",
			Help: "Redials scheduled after an unexpected close",
		}),
		ProtocolErrors: f.NewCounter(prometheus.CounterOpts{
			Name: "voice_client_protocol_errors_total",
			Help: "Inbound messages dropped as malformed or unknown",
		}),
		ServerErrors: f.NewCounter(prometheus.CounterOpts{
			Name: "voice_client_server_errors_total",
			Help: "Error messages received from the agent",
		}),
		Connected: f.NewGauge(prometheus.GaugeOpts{
			Name: "voice_client_connected",
			Help: "1 while the agent socket is open",
		}),
		PingRTT: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "voice_client_ping_rtt_seconds",
			Help:    "Heartbeat round-trip time",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 10),
		}),
	}
}

func (c *Client) FrameSent(typ string) {
	if c != nil {
		c.FramesSent.WithLabelValues(typ).Inc()
	}
}

func (c *Client) FrameReceived(typ string) {
	if c != nil {
		c.FramesReceived.WithLabelValues(typ).Inc()
	}
}

func (c *Client) Transition(from, to string) {
	if c != nil {
		c.StateTransitions.WithLabelValues(from, to).Inc()
	}
}

func (c *Client) Utterance() {
	if c != nil {
		c.Utterances.Inc()
	}
}

func (c *Client) Reconnect() {
	if c != nil {
		c.Reconnects.Inc()
	}
}

func (c *Client) ProtocolError() {
	if c != nil {
		c.ProtocolErrors.Inc()
	}
}

func (c *Client) ServerError() {
	if c != nil {
		c.ServerErrors.Inc()
	}
}

func (c *Client) SetConnected(up bool) {
	if c == nil {
		return
	}
	if up {
		c.Connected.Set(1)
	} else {
		c.Connected.Set(0)
	}
}

func (c *Client) RTT(d time.Duration) {
	if c != nil {
		c.PingRTT.Observe(d.Seconds())
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Client) Handler() http.Handler {
	return promhttp.HandlerFor(c.Registry, promhttp.HandlerOpts{})
}

// Agent contains the simulator metrics. A nil *Agent records nothing.
type Agent struct {
	Registry *prometheus.Registry

	ActiveSessions  prometheus.Gauge
	Sessions        prometheus.Counter
	Utterances      prometheus.Counter
	ResponderErrors prometheus.Counter
	AudioBytesIn    prometheus.Counter
	ResponseLatency prometheus.Histogram
}

func NewAgent() *Agent {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	f := promauto.With(reg)
	return &Agent{
		Registry: reg,
		ActiveSessions: f.NewGauge(prometheus.GaugeOpts{
			Name: "voice_agent_active_sessions",
			Help: "Open audio sockets",
		}),
		Sessions: f.NewCounter(prometheus.CounterOpts{
			Name: "voice_agent_sessions_total",
			Help: "Audio sockets accepted",
		}),
		Utterances: f.NewCounter(prometheus.CounterOpts{
			Name: "voice_agent_utterances_total",
			Help: "Utterances handed to the responder",
		}),
		ResponderErrors: f.NewCounter(prometheus.CounterOpts{
			Name: "voice_agent_responder_errors_total",
			Help: "Responder failures reported to the client",
		}),
		AudioBytesIn: f.NewCounter(prometheus.CounterOpts{
			Name: "voice_agent_audio_bytes_received_total",
			Help: "PCM bytes received from clients",
		}),
		ResponseLatency: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "voice_agent_response_duration_seconds",
			Help:    "Time from audio_end to response_audio_end",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 10),
		}),
	}
}

func (a *Agent) SessionOpened() {
	if a != nil {
		a.Sessions.Inc()
		a.ActiveSessions.Inc()
	}
}

func (a *Agent) SessionClosed() {
	if a != nil {
		a.ActiveSessions.Dec()
	}
}

func (a *Agent) AudioIn(n int) {
	if a != nil {
		a.AudioBytesIn.Add(float64(n))
	}
}

func (a *Agent) Utterance() {
	if a != nil {
		a.Utterances.Inc()
	}
}

func (a *Agent) ResponderError() {
	if a != nil {
		a.ResponderErrors.Inc()
	}
}

func (a *Agent) Responded(d time.Duration) {
	if a != nil {
		a.ResponseLatency.Observe(d.Seconds())
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (a *Agent) Handler() http.Handler {
	return promhttp.HandlerFor(a.Registry, promhttp.HandlerOpts{})
}
