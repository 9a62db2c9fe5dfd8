//go:build portaudio

package main

import (
	"log/slog"

	"github.com/mrsingh-rishi/voice-client/capture"
	"github.com/mrsingh-rishi/voice-client/output"
)

// openDevices returns PortAudio streams for both directions.
func openDevices(outputRate int, log *slog.Logger) (capture.Source, output.Sink, error) {
	sink, err := output.NewPortAudioSink(outputRate, 1024)
	if err != nil {
		return nil, nil, err
	}
	return capture.NewPortAudioSource(log), sink, nil
}
