package call

import "github.com/mrsingh-rishi/voice-client/model"

// Event drives the conversation state machine.
type Event int

const (
	EventStartListening Event = iota
	EventStopListening
	EventUtteranceFlushed
	EventFinalTranscript
	EventPlaybackStarted
	EventPlaybackDrained
	EventServerError
	EventConnectionLost
)

// Events lists every machine event.
var Events = []Event{
	EventStartListening,
	EventStopListening,
	EventUtteranceFlushed,
	EventFinalTranscript,
	EventPlaybackStarted,
	EventPlaybackDrained,
	EventServerError,
	EventConnectionLost,
}

var eventNames = map[Event]string{
	EventStartListening:   "start_listening",
	EventStopListening:    "stop_listening",
	EventUtteranceFlushed: "utterance_flushed",
	EventFinalTranscript:  "final_transcript",
	EventPlaybackStarted:  "playback_started",
	EventPlaybackDrained:  "playback_drained",
	EventServerError:      "server_error",
	EventConnectionLost:   "connection_lost",
}

func (e Event) String() string {
	if n, ok := eventNames[e]; ok {
		return n
	}
	return "unknown"
}

var transitions = map[model.ConversationState]map[Event]model.ConversationState{
	model.StateIdle: {
		EventStartListening: model.StateListening,
	},
	model.StateListening: {
		EventUtteranceFlushed: model.StateProcessing,
		EventFinalTranscript:  model.StateProcessing,
		EventStopListening:    model.StateIdle,
		EventServerError:      model.StateIdle,
		EventConnectionLost:   model.StateIdle,
	},
	model.StateProcessing: {
		EventPlaybackStarted: model.StateSpeaking,
		EventStartListening:  model.StateListening,
		EventServerError:     model.StateIdle,
		EventConnectionLost:  model.StateIdle,
	},
	model.StateSpeaking: {
		EventPlaybackDrained: model.StateIdle,
		EventStartListening:  model.StateListening,
		EventServerError:     model.StateIdle,
	},
}

// Next returns the state reached from `from` on ev. Pairs missing from the
// table leave the state unchanged.
func Next(from model.ConversationState, ev Event) model.ConversationState {
	if to, ok := transitions[from][ev]; ok {
		return to
	}
	return from
}

// Machine holds the conversation state. It is not safe for concurrent use.
type Machine struct {
	state    model.ConversationState
	onChange func(from, to model.ConversationState)
}

// NewMachine starts in idle. onChange runs only on a real state change.
func NewMachine(onChange func(from, to model.ConversationState)) *Machine {
	return &Machine{state: model.StateIdle, onChange: onChange}
}

func (m *Machine) State() model.ConversationState {
	return m.state
}

// Fire applies ev and reports whether the state changed.
func (m *Machine) Fire(ev Event) bool {
	from := m.state
	to := Next(from, ev)
	if to == from {
		return false
	}
	m.state = to
	if m.onChange != nil {
		m.onChange(from, to)
	}
	return true
}
