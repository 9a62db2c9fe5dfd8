// Package protocol defines the messages exchanged with the voice agent over
// the audio socket. Control messages are JSON text frames, audio is raw PCM16
// in binary frames.
package protocol

import (
	"encoding/base64"
	"encoding/json"

	"github.com/pkg/errors"

	"github.com/mrsingh-rishi/voice-client/types"
)

// Kind tells the two envelope variants apart.
type Kind int

const (
	KindControl Kind = iota
	KindBinary
)

func (k Kind) String() string {
	if k == KindBinary {
		return "binary"
	}
	return "control"
}

// Message types.
const (
	TypeSessionStart     = "session_start"
	TypeSessionEnd       = "session_end"
	TypeAudioEnd         = "audio_end"
	TypePing             = "ping"
	TypePong             = "pong"
	TypeTranscript       = "transcript"
	TypeResponseText     = "response_text"
	TypeResponseAudio    = "response_audio"
	TypeResponseAudioEnd = "response_audio_end"
	TypeError            = "error"
)

// FormatPCM16 names the outbound audio encoding announced in session_start.
const FormatPCM16 = "pcm16"

// Envelope is one frame on the socket. Binary envelopes carry Payload only.
type Envelope struct {
	Kind      Kind
	Type      string
	SessionID string
	Timestamp int64
	Data      json.RawMessage
	Payload   []byte
}

type wire struct {
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data,omitempty"`
	SessionID string          `json:"session_id,omitempty"`
	Timestamp int64           `json:"timestamp,omitempty"`
}

// SessionStartData is sent by the agent with the assigned id and by the
// client to announce its audio format.
type SessionStartData struct {
	SessionID  string `json:"session_id,omitempty"`
	Format     string `json:"format,omitempty"`
	SampleRate int    `json:"sample_rate,omitempty"`
	Channels   int    `json:"channels,omitempty"`
}

// TextData carries transcript and response_text payloads.
type TextData struct {
	Text    string `json:"text"`
	IsFinal bool   `json:"is_final"`
}

// AudioData carries base64 PCM16 in response_audio.
type AudioData struct {
	Audio      string `json:"audio"`
	SampleRate int    `json:"sample_rate,omitempty"`
}

// PCM returns the decoded audio bytes.
func (a AudioData) PCM() ([]byte, error) {
	b, err := base64.StdEncoding.DecodeString(a.Audio)
	return b, errors.Wrap(err, "decode base64 audio")
}

type ErrorData struct {
	Message string `json:"message"`
}

// Control builds a control envelope. A nil data leaves the field out.
func Control(typ string, data any) (Envelope, error) {
	env := Envelope{Kind: KindControl, Type: typ}
	if data == nil {
		return env, nil
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return Envelope{}, errors.Wrapf(err, "marshal %s payload", typ)
	}
	env.Data = raw
	return env, nil
}

// Binary builds a binary envelope around payload.
func Binary(payload []byte) Envelope {
	return Envelope{Kind: KindBinary, Payload: payload}
}

// Ping is the heartbeat message stamped with ms since the epoch.
func Ping(ts int64) Envelope {
	return Envelope{Kind: KindControl, Type: TypePing, Timestamp: ts}
}

// Pong echoes a ping timestamp.
func Pong(ts int64) Envelope {
	return Envelope{Kind: KindControl, Type: TypePong, Timestamp: ts}
}

// Encode renders the envelope as frame bytes. Binary envelopes are returned
// unchanged.
func (e Envelope) Encode() ([]byte, error) {
	if e.Kind == KindBinary {
		return e.Payload, nil
	}
	if e.Type == "" {
		return nil, errors.New("control envelope without type")
	}
	b, err := json.Marshal(wire{
		Type:      e.Type,
		Data:      e.Data,
		SessionID: e.SessionID,
		Timestamp: e.Timestamp,
	})
	return b, errors.Wrap(err, "marshal envelope")
}

// Decode parses one received frame. Text frames that are not a JSON object
// with a type fail with *types.ProtocolError.
func Decode(binary bool, frame []byte) (Envelope, error) {
	if binary {
		return Binary(frame), nil
	}
	var w wire
	if err := json.Unmarshal(frame, &w); err != nil {
		return Envelope{}, types.NewProtocolError("", errors.Wrap(err, "malformed control frame"))
	}
	if w.Type == "" {
		return Envelope{}, types.NewProtocolError("", errors.New("control frame without type"))
	}
	return Envelope{
		Kind:      KindControl,
		Type:      w.Type,
		SessionID: w.SessionID,
		Timestamp: w.Timestamp,
		Data:      w.Data,
	}, nil
}

// DecodeData unmarshals the envelope payload into v. A missing payload fails.
func DecodeData(e Envelope, v any) error {
	if len(e.Data) == 0 || string(e.Data) == "null" {
		return types.NewProtocolError(e.Type, errors.New("missing data"))
	}
	if err := json.Unmarshal(e.Data, v); err != nil {
		return types.NewProtocolError(e.Type, errors.Wrap(err, "malformed data"))
	}
	return nil
}
