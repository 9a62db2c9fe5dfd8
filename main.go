// Command voice-client talks to a real-time voice agent from the terminal.
//
// Usage:
//
//	voice-client talk       connect, capture the microphone and play replies
//	voice-client devices    list audio endpoints
//	voice-client agentsim   run the loopback agent simulator
//
// Settings come from --config (YAML), a .env file and VOICE_* variables.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/mrsingh-rishi/voice-client/config"
)

var configPath string

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "voice-client",
		Short:         "Real-time voice agent client",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "YAML config file")
	root.AddCommand(talkCmd(), devicesCmd(), agentSimCmd())
	return root
}

func loadConfig() (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, err
	}
	log, err := config.NewLogger(cfg.Logging, os.Stderr)
	if err != nil {
		return nil, nil, err
	}
	slog.SetDefault(log)
	return cfg, log, nil
}
