package workers

import (
	"context"
	"log/slog"

	"github.com/pkg/errors"

	"github.com/mrsingh-rishi/voice-client/stt"
	"github.com/mrsingh-rishi/voice-client/tts"
)

var ErrPipelineStopped = errors.New("pipeline stopped")

// Pipeline wires the three workers for one session. Turns are submitted one
// at a time.
type Pipeline struct {
	utterances chan Utterance
	results    chan error

	transcriber *TranscriptionWorker
	agent       *AgentWorker
	responder   *AgentResponseWorker
}

func NewPipeline(t stt.Transcriber, r Replier, s tts.Synthesizer, emit Emitter, log *slog.Logger) (*Pipeline, error) {
	if log == nil {
		log = slog.Default()
	}
	p := &Pipeline{
		utterances: make(chan Utterance),
		results:    make(chan error, 1),
	}
	transcripts := make(chan Transcript, 1)
	sentences := make(chan Sentence, 16)

	var err error
	if p.transcriber, err = NewTranscriptionWorker(t, p.utterances, transcripts, emit, log.With("worker", "transcription")); err != nil {
		return nil, err
	}
	if p.agent, err = NewAgentWorker(r, transcripts, sentences, emit, log.With("worker", "agent")); err != nil {
		return nil, err
	}
	if p.responder, err = NewAgentResponseWorker(s, sentences, p.results, emit, log.With("worker", "response")); err != nil {
		return nil, err
	}
	p.transcriber.Start()
	p.agent.Start()
	p.responder.Start()
	return p, nil
}

// Submit runs one turn to completion. Cancelling ctx stops the pipeline,
// since a half-finished turn cannot be resumed.
func (p *Pipeline) Submit(ctx context.Context, u Utterance) error {
	if p.transcriber.ctx.Err() != nil {
		return ErrPipelineStopped
	}
	select {
	case p.utterances <- u:
	case <-ctx.Done():
		p.Stop()
		return ctx.Err()
	case <-p.transcriber.ctx.Done():
		return ErrPipelineStopped
	}
	select {
	case err, ok := <-p.results:
		if !ok {
			return ErrPipelineStopped
		}
		return err
	case <-ctx.Done():
		p.Stop()
		return ctx.Err()
	}
}

func (p *Pipeline) Stop() {
	p.transcriber.Stop()
	p.agent.Stop()
	p.responder.Stop()
}
