package agent

import (
	"encoding/base64"
	"log/slog"
	"sync"

	"github.com/gofiber/websocket/v2"

	"github.com/mrsingh-rishi/voice-client/audio"
	"github.com/mrsingh-rishi/voice-client/protocol"
)

// BinarySampleRate is the rate clients assume for raw binary audio frames.
const BinarySampleRate = 22050

// frameWriter is the write half of a socket.
type frameWriter interface {
	WriteMessage(messageType int, data []byte) error
}

// Outbox owns the write side of one agent socket. Every frame goes through a
// single goroutine so writers never race.
type Outbox struct {
	sessionID   string
	ws          frameWriter
	binaryAudio bool
	log         *slog.Logger

	mu     sync.Mutex
	closed bool
	frames chan protocol.Envelope
	done   chan struct{}
}

func NewOutbox(sessionID string, ws frameWriter, binaryAudio bool, log *slog.Logger) *Outbox {
	return &Outbox{
		sessionID:   sessionID,
		ws:          ws,
		binaryAudio: binaryAudio,
		log:         log,
		frames:      make(chan protocol.Envelope, 256),
		done:        make(chan struct{}),
	}
}

func (o *Outbox) Start() {
	go func() {
		defer close(o.done)
		failed := false
		for env := range o.frames {
			if failed {
				continue
			}
			if err := o.write(env); err != nil {
				o.log.Warn("agent write failed", "type", env.Type, "error", err)
				failed = true
			}
		}
	}()
}

func (o *Outbox) write(env protocol.Envelope) error {
	data, err := env.Encode()
	if err != nil {
		return err
	}
	mt := websocket.TextMessage
	if env.Kind == protocol.KindBinary {
		mt = websocket.BinaryMessage
	}
	return o.ws.WriteMessage(mt, data)
}

// Send queues an envelope. It is a no-op after Close.
func (o *Outbox) Send(env protocol.Envelope) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return
	}
	o.frames <- env
}

func (o *Outbox) control(typ string, data any) {
	env, err := protocol.Control(typ, data)
	if err != nil {
		o.log.Error("build control message", "type", typ, "error", err)
		return
	}
	env.SessionID = o.sessionID
	o.Send(env)
}

func (o *Outbox) SessionStart(sampleRate int) {
	o.control(protocol.TypeSessionStart, protocol.SessionStartData{
		SessionID:  o.sessionID,
		Format:     protocol.FormatPCM16,
		SampleRate: sampleRate,
		Channels:   1,
	})
}

func (o *Outbox) Transcript(text string, final bool) {
	o.control(protocol.TypeTranscript, protocol.TextData{Text: text, IsFinal: final})
}

func (o *Outbox) ResponseText(text string, final bool) {
	o.control(protocol.TypeResponseText, protocol.TextData{Text: text, IsFinal: final})
}

// ResponseAudio sends PCM16 as base64 JSON, or as a raw binary frame at
// BinarySampleRate when binary audio is enabled.
func (o *Outbox) ResponseAudio(pcm []byte, sampleRate int) {
	if !o.binaryAudio {
		o.control(protocol.TypeResponseAudio, protocol.AudioData{
			Audio:      base64.StdEncoding.EncodeToString(pcm),
			SampleRate: sampleRate,
		})
		return
	}
	if sampleRate != BinarySampleRate {
		samples, err := audio.PCM16ToFloat32(pcm)
		if err == nil {
			samples, err = audio.Resample(samples, sampleRate, BinarySampleRate)
		}
		if err != nil {
			o.log.Error("resample response audio", "error", err)
			return
		}
		pcm = audio.Float32ToPCM16(samples)
	}
	o.Send(protocol.Binary(pcm))
}

func (o *Outbox) ResponseAudioEnd() {
	o.control(protocol.TypeResponseAudioEnd, nil)
}

func (o *Outbox) Error(msg string) {
	o.control(protocol.TypeError, protocol.ErrorData{Message: msg})
}

func (o *Outbox) Pong(ts int64) {
	o.Send(protocol.Pong(ts))
}

// Close stops accepting frames, writes what is queued and waits for the
// writer to exit.
func (o *Outbox) Close() {
	o.mu.Lock()
	if !o.closed {
		o.closed = true
		close(o.frames)
	}
	o.mu.Unlock()
	<-o.done
}
