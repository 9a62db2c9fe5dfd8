package workers

import (
	"context"
	"log/slog"

	"github.com/pkg/errors"

	"github.com/mrsingh-rishi/voice-client/stt"
)

var ErrNoSpeech = errors.New("no speech recognized")

type TranscriptionWorker struct {
	ctx    context.Context
	cancel context.CancelFunc

	Transcriber   stt.Transcriber
	InputChannel  <-chan Utterance
	OutputChannel chan<- Transcript
	emit          Emitter
	log           *slog.Logger
}

func NewTranscriptionWorker(t stt.Transcriber, in <-chan Utterance, out chan<- Transcript, emit Emitter, log *slog.Logger) (*TranscriptionWorker, error) {
	if t == nil {
		return nil, errors.New("transcriber is required")
	}
	if in == nil || out == nil {
		return nil, errors.New("transcription channels are required")
	}
	if emit == nil {
		return nil, errors.New("emitter is required")
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &TranscriptionWorker{
		ctx:           ctx,
		cancel:        cancel,
		Transcriber:   t,
		InputChannel:  in,
		OutputChannel: out,
		emit:          emit,
		log:           log,
	}, nil
}

// Start runs until Stop or until the input channel closes, then closes the
// output channel.
func (tw *TranscriptionWorker) Start() {
	go func() {
		defer close(tw.OutputChannel)
		for {
			select {
			case <-tw.ctx.Done():
				return
			case u, ok := <-tw.InputChannel:
				if !ok {
					return
				}
				if !send(tw.ctx, tw.OutputChannel, tw.transcribe(u)) {
					return
				}
			}
		}
	}()
}

func (tw *TranscriptionWorker) transcribe(u Utterance) Transcript {
	text, err := tw.Transcriber.Transcribe(tw.ctx, u.PCM, u.SampleRate)
	if err != nil {
		tw.log.Warn("transcription failed", "error", err)
		return Transcript{Err: err}
	}
	if text == "" {
		return Transcript{Err: ErrNoSpeech}
	}
	tw.log.Info("final transcript", "text", text)
	tw.emit.Transcript(text, true)
	return Transcript{Text: text}
}

func (tw *TranscriptionWorker) Stop() {
	tw.cancel()
}
