package model

import "time"

// AudioChunk is a fixed-length block of mono float PCM captured from the microphone.
type AudioChunk struct {
	Samples   []float32
	Timestamp time.Time
}

// Utterance is the concatenation of every chunk buffered since the previous flush.
type Utterance struct {
	Samples []float32
	Chunks  int
	Start   time.Time
	End     time.Time
}

// Empty reports whether the utterance carries no audio.
func (u Utterance) Empty() bool {
	return len(u.Samples) == 0
}

// PlaybackSegment is decoded audio ready for the output device.
type PlaybackSegment struct {
	Samples    []float32
	SampleRate int
}

// Duration returns how long the segment plays at its own sample rate.
func (s PlaybackSegment) Duration() time.Duration {
	if s.SampleRate <= 0 {
		return 0
	}
	return time.Duration(len(s.Samples)) * time.Second / time.Duration(s.SampleRate)
}

// ConversationState is the single conversational state of a session.
type ConversationState string

const (
	StateIdle       ConversationState = "idle"
	StateListening  ConversationState = "listening"
	StateProcessing ConversationState = "processing"
	StateSpeaking   ConversationState = "speaking"
)

// States lists every conversation state.
var States = []ConversationState{StateIdle, StateListening, StateProcessing, StateSpeaking}

func (s ConversationState) String() string {
	return string(s)
}
