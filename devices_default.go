//go:build !portaudio

package main

import (
	"log/slog"

	"github.com/mrsingh-rishi/voice-client/capture"
	"github.com/mrsingh-rishi/voice-client/output"
)

// openDevices returns the miniaudio microphone and the oto speaker.
func openDevices(outputRate int, log *slog.Logger) (capture.Source, output.Sink, error) {
	sink, err := output.NewOtoSink(outputRate, log)
	if err != nil {
		return nil, nil, err
	}
	return capture.NewMalgoSource(log), sink, nil
}
