package stt

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	gws "github.com/gorilla/websocket"
	"github.com/pkg/errors"
)

const DeepgramURL = "wss://api.deepgram.com/v1/listen"

// deepgramChunk bounds each binary write to the live endpoint.
const deepgramChunk = 8192

// TranscriptionMessage is one result from the Deepgram live endpoint.
type TranscriptionMessage struct {
	Type    string `json:"type"`
	IsFinal bool   `json:"is_final"`
	Channel struct {
		Alternatives []struct {
			Transcript string  `json:"transcript"`
			Confidence float64 `json:"confidence"`
		} `json:"alternatives"`
	} `json:"channel"`
}

// DeepgramClient streams an utterance over the Deepgram live WebSocket and
// joins the final transcripts.
type DeepgramClient struct {
	APIKey   string
	Endpoint string
	Model    string
	Log      *slog.Logger
}

func NewDeepgramClient(apiKey string, log *slog.Logger) *DeepgramClient {
	if log == nil {
		log = slog.Default()
	}
	return &DeepgramClient{APIKey: apiKey, Endpoint: DeepgramURL, Model: "nova-2", Log: log}
}

func (dg *DeepgramClient) Transcribe(ctx context.Context, pcm []byte, sampleRate int) (string, error) {
	u, err := url.Parse(dg.Endpoint)
	if err != nil {
		return "", errors.Wrap(err, "parse deepgram endpoint")
	}
	q := u.Query()
	q.Set("model", dg.Model)
	q.Set("encoding", "linear16")
	q.Set("sample_rate", fmt.Sprint(sampleRate))
	q.Set("channels", "1")
	q.Set("punctuate", "true")
	q.Set("smart_format", "true")
	u.RawQuery = q.Encode()

	header := http.Header{"Authorization": {"Token " + dg.APIKey}}
	conn, _, err := gws.DefaultDialer.DialContext(ctx, u.String(), header)
	if err != nil {
		return "", errors.Wrap(err, "deepgram dial")
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	wrote := make(chan struct{})
	go func() {
		defer close(wrote)
		for off := 0; off < len(pcm); off += deepgramChunk {
			end := min(off+deepgramChunk, len(pcm))
			if err := conn.WriteMessage(gws.BinaryMessage, pcm[off:end]); err != nil {
				dg.Log.Warn("deepgram write failed", "error", err)
				return
			}
		}
		if err := conn.WriteMessage(gws.TextMessage, []byte(`{"type":"CloseStream"}`)); err != nil {
			dg.Log.Warn("deepgram close stream failed", "error", err)
		}
	}()

	var parts []string
	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return "", errors.Wrap(ctx.Err(), "deepgram transcription")
			}
			if gws.IsUnexpectedCloseError(err, gws.CloseNormalClosure) {
				return "", errors.Wrap(err, "deepgram read")
			}
			break
		}

		var msg TranscriptionMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			dg.Log.Debug("unparseable deepgram message", "error", err)
			continue
		}
		if !msg.IsFinal || len(msg.Channel.Alternatives) == 0 {
			continue
		}
		if text := strings.TrimSpace(msg.Channel.Alternatives[0].Transcript); text != "" {
			parts = append(parts, text)
		}
	}

	<-wrote
	_ = conn.WriteMessage(gws.CloseMessage, gws.FormatCloseMessage(gws.CloseNormalClosure, ""))
	return strings.Join(parts, " "), nil
}
