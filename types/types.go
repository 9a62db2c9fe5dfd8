package types

import (
	"github.com/mrsingh-rishi/voice-client/model"
)

// TextEvent is a piece of streamed text relayed from the agent.
type TextEvent struct {
	Text  string
	Final bool
}

// Handlers are the UI callbacks of a session. Every field is optional.
//
// Handlers run on the session goroutine, in event order. They must return
// quickly and must not call blocking session methods.
type Handlers struct {
	OnStateChange      func(from, to model.ConversationState)
	OnConnected        func()
	OnDisconnected     func(err error)
	OnSessionStart     func(sessionID string)
	OnTranscript       func(TextEvent)
	OnResponseText     func(TextEvent)
	OnResponseAudioEnd func()
	OnError            func(err error)
}

func (h Handlers) StateChange(from, to model.ConversationState) {
	if h.OnStateChange != nil {
		h.OnStateChange(from, to)
	}
}

func (h Handlers) Connected() {
	if h.OnConnected != nil {
		h.OnConnected()
	}
}

func (h Handlers) Disconnected(err error) {
	if h.OnDisconnected != nil {
		h.OnDisconnected(err)
	}
}

func (h Handlers) SessionStart(id string) {
	if h.OnSessionStart != nil {
		h.OnSessionStart(id)
	}
}

func (h Handlers) Transcript(ev TextEvent) {
	if h.OnTranscript != nil {
		h.OnTranscript(ev)
	}
}

func (h Handlers) ResponseText(ev TextEvent) {
	if h.OnResponseText != nil {
		h.OnResponseText(ev)
	}
}

func (h Handlers) ResponseAudioEnd() {
	if h.OnResponseAudioEnd != nil {
		h.OnResponseAudioEnd()
	}
}

func (h Handlers) Error(err error) {
	if h.OnError != nil {
		h.OnError(err)
	}
}
