package workers

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mrsingh-rishi/voice-client/llm"
)

type fakeSTT struct {
	text string
	err  error
}

func (f fakeSTT) Transcribe(_ context.Context, pcm []byte, rate int) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	return fmt.Sprintf("%s (%d@%d)", f.text, len(pcm), rate), nil
}

type fakeReplier struct {
	tokens []string
	err    error
}

func (f fakeReplier) StreamResponse(_ context.Context, input string, h llm.StreamHandlers) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	var buf strings.Builder
	for _, tok := range f.tokens {
		h.OnToken(tok)
		buf.WriteString(tok)
		if strings.HasSuffix(tok, ".") {
			h.OnSentence(strings.TrimSpace(buf.String()))
			buf.Reset()
		}
	}
	return strings.Join(f.tokens, ""), nil
}

type fakeTTS struct {
	fail string
}

func (f fakeTTS) Synthesize(_ context.Context, text string) ([]byte, int, error) {
	if text == f.fail {
		return nil, 0, errors.New("voice unavailable")
	}
	return []byte(text), 22050, nil
}

// recorder flattens emitter calls into readable strings.
type recorder struct {
	mu  sync.Mutex
	log []string
}

func (r *recorder) add(s string) {
	r.mu.Lock()
	r.log = append(r.log, s)
	r.mu.Unlock()
}

func (r *recorder) Transcript(text string, final bool) { r.add(fmt.Sprintf("transcript %q %v", text, final)) }
func (r *recorder) ResponseText(text string, final bool) {
	r.add(fmt.Sprintf("text %q %v", text, final))
}
func (r *recorder) ResponseAudio(pcm []byte, rate int) { r.add(fmt.Sprintf("audio %q %d", pcm, rate)) }
func (r *recorder) ResponseAudioEnd()                  { r.add("audio_end") }

func (r *recorder) filter(prefix string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, l := range r.log {
		if strings.HasPrefix(l, prefix) {
			out = append(out, l)
		}
	}
	return out
}

func TestPipelineTurn(t *testing.T) {
	rec := &recorder{}
	p, err := NewPipeline(
		fakeSTT{text: "hello"},
		fakeReplier{tokens: []string{"Hi", " there.", " Bye."}},
		fakeTTS{},
		rec, nil)
	require.NoError(t, err)
	defer p.Stop()

	require.NoError(t, p.Submit(context.Background(), Utterance{PCM: make([]byte, 8), SampleRate: 16000}))

	assert.Equal(t, []string{`transcript "hello (8@16000)" true`}, rec.filter("transcript"))
	assert.Equal(t, []string{
		`text "Hi" false`, `text " there." false`, `text " Bye." false`, `text "" true`,
	}, rec.filter("text"))
	assert.Equal(t, []string{`audio "Hi there." 22050`, `audio "Bye." 22050`}, rec.filter("audio "))
	assert.Len(t, rec.filter("audio_end"), 1)

	rec.mu.Lock()
	last := rec.log[len(rec.log)-1]
	rec.mu.Unlock()
	assert.Equal(t, "audio_end", last)
}

func TestPipelineSequentialTurns(t *testing.T) {
	rec := &recorder{}
	p, err := NewPipeline(fakeSTT{text: "x"}, fakeReplier{tokens: []string{"Ok."}}, fakeTTS{}, rec, nil)
	require.NoError(t, err)
	defer p.Stop()

	for i := 0; i < 3; i++ {
		require.NoError(t, p.Submit(context.Background(), Utterance{PCM: []byte{0, 0}, SampleRate: 8000}))
	}
	assert.Len(t, rec.filter("audio_end"), 3)
}

func TestPipelineStageErrors(t *testing.T) {
	tests := []struct {
		name    string
		stt     fakeSTT
		replier fakeReplier
		tts     fakeTTS
		want    string
	}{
		{"transcription", fakeSTT{err: errors.New("stt down")}, fakeReplier{tokens: []string{"A."}}, fakeTTS{}, "stt down"},
		{"reply", fakeSTT{text: "q"}, fakeReplier{err: errors.New("llm down")}, fakeTTS{}, "llm down"},
		{"synthesis", fakeSTT{text: "q"}, fakeReplier{tokens: []string{"A.", "B."}}, fakeTTS{fail: "A."}, "voice unavailable"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := &recorder{}
			p, err := NewPipeline(tt.stt, tt.replier, tt.tts, rec, nil)
			require.NoError(t, err)
			defer p.Stop()

			err = p.Submit(context.Background(), Utterance{PCM: []byte{1, 0}, SampleRate: 16000})
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
			assert.Empty(t, rec.filter("audio_end"))
			assert.Empty(t, rec.filter("audio "), "no audio after the first synthesis failure")
		})
	}
}

type emptySTT struct{}

func (emptySTT) Transcribe(context.Context, []byte, int) (string, error) { return "", nil }

func TestPipelineNoSpeech(t *testing.T) {
	p, err := NewPipeline(emptySTT{}, fakeReplier{}, fakeTTS{}, &recorder{}, nil)
	require.NoError(t, err)
	defer p.Stop()
	err = p.Submit(context.Background(), Utterance{PCM: []byte{0, 0}, SampleRate: 16000})
	assert.ErrorIs(t, err, ErrNoSpeech)
}

func TestPipelineSubmitAfterStop(t *testing.T) {
	p, err := NewPipeline(fakeSTT{text: "x"}, fakeReplier{}, fakeTTS{}, &recorder{}, nil)
	require.NoError(t, err)
	p.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.ErrorIs(t, p.Submit(ctx, Utterance{PCM: []byte{0, 0}, SampleRate: 16000}), ErrPipelineStopped)
}

func TestNewWorkersValidate(t *testing.T) {
	_, err := NewAgentWorker(nil, make(chan Transcript), make(chan Sentence), &recorder{}, nil)
	assert.Error(t, err)
	_, err = NewTranscriptionWorker(fakeSTT{}, nil, make(chan Transcript), &recorder{}, nil)
	assert.Error(t, err)
	_, err = NewAgentResponseWorker(fakeTTS{}, make(chan Sentence), nil, &recorder{}, nil)
	assert.Error(t, err)
}
