package tts

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/pkg/errors"
	"github.com/sethvargo/go-retry"
)

const (
	ElevenLabsBaseURL = "https://api.elevenlabs.io"
	// ElevenLabsRate is the rate of the pcm_22050 output format.
	ElevenLabsRate = 22050
)

// ElevenLabsClient synthesizes raw PCM16 through the ElevenLabs streaming
// endpoint. Throttling and server errors are retried with backoff.
type ElevenLabsClient struct {
	APIKey  string
	VoiceID string
	ModelID string
	BaseURL string
	HTTP    *http.Client
	Retries uint64
	Backoff time.Duration
}

func NewElevenLabsClient(apiKey, voiceID, modelID string) *ElevenLabsClient {
	return &ElevenLabsClient{
		APIKey:  apiKey,
		VoiceID: voiceID,
		ModelID: modelID,
		BaseURL: ElevenLabsBaseURL,
		HTTP:    &http.Client{Timeout: 30 * time.Second},
		Retries: 2,
		Backoff: 250 * time.Millisecond,
	}
}

type voiceSettings struct {
	Stability       float64 `json:"stability"`
	SimilarityBoost float64 `json:"similarity_boost"`
}

type speechRequest struct {
	Text          string        `json:"text"`
	ModelID       string        `json:"model_id"`
	VoiceSettings voiceSettings `json:"voice_settings"`
}

func (c *ElevenLabsClient) Synthesize(ctx context.Context, text string) ([]byte, int, error) {
	base, err := url.Parse(fmt.Sprintf("%s/v1/text-to-speech/%s/stream", c.BaseURL, url.PathEscape(c.VoiceID)))
	if err != nil {
		return nil, 0, errors.Wrap(err, "build elevenlabs url")
	}
	q := base.Query()
	q.Set("output_format", fmt.Sprintf("pcm_%d", ElevenLabsRate))
	base.RawQuery = q.Encode()

	body, err := json.Marshal(speechRequest{
		Text:          text,
		ModelID:       c.ModelID,
		VoiceSettings: voiceSettings{Stability: 0.75, SimilarityBoost: 0.7},
	})
	if err != nil {
		return nil, 0, errors.Wrap(err, "marshal payload")
	}

	var pcm []byte
	b := retry.WithMaxRetries(c.Retries, retry.NewExponential(c.Backoff))
	err = retry.Do(ctx, b, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, base.String(), bytes.NewReader(body))
		if err != nil {
			return errors.Wrap(err, "build request")
		}
		req.Header.Set("xi-api-key", c.APIKey)
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Accept", "audio/pcm")

		resp, err := c.HTTP.Do(req)
		if err != nil {
			return retry.RetryableError(errors.Wrap(err, "elevenlabs request"))
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			err := errors.Errorf("elevenlabs: %s: %s", resp.Status, bytes.TrimSpace(msg))
			if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
				return retry.RetryableError(err)
			}
			return err
		}
		pcm, err = io.ReadAll(resp.Body)
		return errors.Wrap(err, "read elevenlabs audio")
	})
	if err != nil {
		return nil, 0, err
	}
	if len(pcm)%2 == 1 {
		pcm = pcm[:len(pcm)-1]
	}
	return pcm, ElevenLabsRate, nil
}
