package workers

import (
	"context"
	"log/slog"

	"github.com/pkg/errors"

	"github.com/mrsingh-rishi/voice-client/tts"
)

// AgentResponseWorker synthesizes sentences in arrival order and reports the
// outcome of each turn on the results channel.
type AgentResponseWorker struct {
	ctx    context.Context
	cancel context.CancelFunc

	TTSClient        tts.Synthesizer
	StreamingChannel <-chan Sentence
	Results          chan<- error
	emit             Emitter
	log              *slog.Logger
}

func NewAgentResponseWorker(s tts.Synthesizer, streaming <-chan Sentence, results chan<- error, emit Emitter, log *slog.Logger) (*AgentResponseWorker, error) {
	if s == nil {
		return nil, errors.New("synthesizer is required")
	}
	if streaming == nil || results == nil {
		return nil, errors.New("response channels are required")
	}
	if emit == nil {
		return nil, errors.New("emitter is required")
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &AgentResponseWorker{
		ctx:              ctx,
		cancel:           cancel,
		TTSClient:        s,
		StreamingChannel: streaming,
		Results:          results,
		emit:             emit,
		log:              log,
	}, nil
}

func (w *AgentResponseWorker) Start() {
	go func() {
		defer close(w.Results)
		var turnErr error
		for {
			select {
			case <-w.ctx.Done():
				return
			case s, ok := <-w.StreamingChannel:
				if !ok {
					return
				}
				if !s.End {
					if turnErr == nil {
						turnErr = w.speak(s.Text)
					}
					continue
				}
				err := s.Err
				if err == nil {
					err = turnErr
				}
				if err == nil {
					w.emit.ResponseAudioEnd()
				}
				turnErr = nil
				if !send(w.ctx, w.Results, err) {
					return
				}
			}
		}
	}()
}

func (w *AgentResponseWorker) speak(text string) error {
	pcm, rate, err := w.TTSClient.Synthesize(w.ctx, text)
	if err != nil {
		w.log.Warn("synthesis failed", "error", err)
		return err
	}
	w.emit.ResponseAudio(pcm, rate)
	return nil
}

// Stop signals Start to exit.
func (w *AgentResponseWorker) Stop() {
	w.cancel()
}
