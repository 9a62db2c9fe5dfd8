package main

import (
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/mrsingh-rishi/voice-client/agent"
	"github.com/mrsingh-rishi/voice-client/config"
	"github.com/mrsingh-rishi/voice-client/metrics"
)

func agentSimCmd() *cobra.Command {
	var (
		addr      string
		responder string
		binary    bool
	)
	cmd := &cobra.Command{
		Use:   "agentsim",
		Short: "Run the loopback voice agent",
		Long: `Run a local agent that speaks the client protocol on /ws/audio.

The echo responder plays each utterance back. The openai responder
transcribes it, streams a chat reply and synthesizes speech; it needs
OPENAI_API_KEY and optionally ELEVEN_LABS_API_KEY or DEEPGRAM_API_KEY.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := loadConfig()
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("addr") {
				cfg.Agent.Address = addr
			}
			if cmd.Flags().Changed("responder") {
				cfg.Agent.Responder = responder
			}
			if cmd.Flags().Changed("binary-audio") {
				cfg.Agent.BinaryAudio = binary
			}
			return runAgentSim(cfg.Agent, log)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", ":8000", "listen address")
	cmd.Flags().StringVar(&responder, "responder", "echo", "echo or openai")
	cmd.Flags().BoolVar(&binary, "binary-audio", false, "send response audio as binary frames")
	return cmd
}

func responderFactory(cfg config.AgentConfig, log *slog.Logger) (agent.ResponderFactory, error) {
	switch cfg.Responder {
	case "echo":
		return agent.EchoFactory(cfg.ResponseSampleRate), nil
	case "openai":
		return agent.OpenAIFactory(agent.OpenAIConfig{
			APIKey:        cfg.OpenAIKey,
			Model:         cfg.OpenAIModel,
			SystemPrompt:  cfg.SystemPrompt,
			STT:           cfg.STT,
			DeepgramKey:   cfg.DeepgramKey,
			ElevenLabsKey: cfg.ElevenLabsKey,
			VoiceID:       cfg.VoiceID,
			TTSModel:      cfg.TTSModel,
		}, log)
	}
	return nil, errors.Errorf("unknown responder %q", cfg.Responder)
}

func runAgentSim(cfg config.AgentConfig, log *slog.Logger) error {
	factory, err := responderFactory(cfg, log)
	if err != nil {
		return err
	}
	srv := agent.NewServer(agent.Config{
		Address:     cfg.Address,
		TokenSecret: cfg.TokenSecret,
		BinaryAudio: cfg.BinaryAudio,
	}, factory, agent.WithLogger(log), agent.WithMetrics(metrics.NewAgent()))

	errc := make(chan error, 1)
	go func() { errc <- srv.Listen() }()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sig)

	select {
	case err := <-errc:
		return err
	case s := <-sig:
		log.Info("shutting down agent", "signal", s.String())
		return srv.Shutdown()
	}
}
