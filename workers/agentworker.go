package workers

import (
	"context"
	"log/slog"

	"github.com/pkg/errors"

	"github.com/mrsingh-rishi/voice-client/llm"
)

// AgentWorker streams a reply for each transcript. Tokens go straight to the
// emitter; whole sentences go downstream for synthesis.
type AgentWorker struct {
	ctx    context.Context
	cancel context.CancelFunc

	Replier           Replier
	TranscriptChannel <-chan Transcript
	StreamingChannel  chan<- Sentence
	emit              Emitter
	log               *slog.Logger
}

func NewAgentWorker(r Replier, transcripts <-chan Transcript, streaming chan<- Sentence, emit Emitter, log *slog.Logger) (*AgentWorker, error) {
	if r == nil {
		return nil, errors.New("replier is required")
	}
	if transcripts == nil {
		return nil, errors.New("transcript channel is required")
	}
	if streaming == nil {
		return nil, errors.New("streaming channel is required")
	}
	if emit == nil {
		return nil, errors.New("emitter is required")
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &AgentWorker{
		ctx:               ctx,
		cancel:            cancel,
		Replier:           r,
		TranscriptChannel: transcripts,
		StreamingChannel:  streaming,
		emit:              emit,
		log:               log,
	}, nil
}

func (aw *AgentWorker) Start() {
	go func() {
		defer close(aw.StreamingChannel)
		for {
			select {
			case <-aw.ctx.Done():
				return
			case t, ok := <-aw.TranscriptChannel:
				if !ok {
					return
				}
				end := aw.reply(t)
				if !send(aw.ctx, aw.StreamingChannel, end) {
					return
				}
			}
		}
	}()
}

// reply streams one turn and returns its end marker.
func (aw *AgentWorker) reply(t Transcript) Sentence {
	if t.Err != nil {
		return Sentence{End: true, Err: t.Err}
	}
	_, err := aw.Replier.StreamResponse(aw.ctx, t.Text, llm.StreamHandlers{
		OnToken: func(tok string) { aw.emit.ResponseText(tok, false) },
		OnSentence: func(s string) {
			send(aw.ctx, aw.StreamingChannel, Sentence{Text: s})
		},
	})
	if err != nil {
		aw.log.Warn("reply failed", "error", err)
		return Sentence{End: true, Err: err}
	}
	aw.emit.ResponseText("", true)
	return Sentence{End: true}
}

func (aw *AgentWorker) Stop() {
	aw.cancel()
}
