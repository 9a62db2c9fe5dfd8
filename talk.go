package main

import (
	"bufio"
	"context"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/mrsingh-rishi/voice-client/call"
	"github.com/mrsingh-rishi/voice-client/capture"
	"github.com/mrsingh-rishi/voice-client/metrics"
	"github.com/mrsingh-rishi/voice-client/model"
	"github.com/mrsingh-rishi/voice-client/transport"
	"github.com/mrsingh-rishi/voice-client/ui"
)

var errQuit = errors.New("quit")

func talkCmd() *cobra.Command {
	var metricsAddr string
	cmd := &cobra.Command{
		Use:   "talk",
		Short: "Connect to the agent and start a voice conversation",
		Long: `Connect to the agent, then control the conversation from stdin:

  <enter>        start or stop listening
  v <0..1>       set the playback volume
  play <file>    play a wav, mp3, ogg or flac file
  q              quit`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTalk(cmd, metricsAddr)
		},
	}
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")
	return cmd
}

func runTalk(cmd *cobra.Command, metricsAddr string) error {
	cfg, log, err := loadConfig()
	if err != nil {
		return err
	}
	if metricsAddr == "" {
		metricsAddr = cfg.Metrics.Address
	}

	console := ui.NewConsole(cmd.OutOrStdout(), ui.DefaultTheme)
	src, sink, err := openDevices(cfg.Audio.OutputSampleRate, log)
	if err != nil {
		return err
	}

	token := cfg.Client.Token
	if token == "" && cfg.Client.TokenSecret != "" {
		token, err = transport.NewToken(cfg.Client.TokenSecret, "voice-client-"+uuid.NewString(), time.Hour)
		if err != nil {
			return err
		}
	}

	m := metrics.NewClient()
	if metricsAddr != "" {
		srv := &http.Server{Addr: metricsAddr, Handler: m.Handler(), ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("metrics listener failed", "error", err)
			}
		}()
		defer srv.Close()
	}

	rec := capture.New(src, capture.Config{
		SampleRate:       cfg.Audio.SampleRate,
		Channels:         cfg.Audio.Channels,
		ChunkSize:        cfg.Audio.ChunkSize,
		SilenceThreshold: cfg.Audio.SilenceThreshold,
		SilenceDuration:  cfg.Audio.SilenceDuration(),
	}, capture.WithLogger(log))

	sess := call.NewSession(call.Config{
		URL:                  cfg.Client.WSURL,
		SampleRate:           cfg.Audio.SampleRate,
		Channels:             cfg.Audio.Channels,
		ReconnectDelay:       cfg.Reconnect.Delay(),
		MaxReconnectAttempts: cfg.Reconnect.MaxAttempts,
		HeartbeatInterval:    cfg.Client.HeartbeatInterval(),
	}, transport.NewWebSocketDialer(token, log), rec, sink, console.Handlers(),
		call.WithLogger(log), call.WithMetrics(m))
	defer sess.Close()
	sess.SetVolume(cfg.Client.Volume)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	console.Info("connecting to " + cfg.Client.WSURL)
	if err := sess.Connect(ctx); err != nil {
		// the reconnect policy keeps trying in the background
		console.Error(err)
	}
	console.Help()

	lines := readLines(cmd.InOrStdin())
	for {
		select {
		case <-ctx.Done():
			_ = sess.Disconnect()
			return nil
		case <-sess.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				_ = sess.Disconnect()
				return nil
			}
			err := runCommand(ctx, sess, console, line)
			if errors.Is(err, errQuit) {
				_ = sess.Disconnect()
				return nil
			}
			if err != nil {
				console.Error(err)
			}
		}
	}
}

// talkSession is the part of call.Session the command loop drives.
type talkSession interface {
	State() model.ConversationState
	StartListening(ctx context.Context) error
	StopListening() error
	SetVolume(v float64)
	EnqueueEncoded(ctx context.Context, blob []byte) error
}

func runCommand(ctx context.Context, sess talkSession, console *ui.Console, line string) error {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		if sess.State() == model.StateListening {
			return sess.StopListening()
		}
		return sess.StartListening(ctx)
	}
	switch fields[0] {
	case "q", "quit", "exit":
		return errQuit
	case "v", "volume":
		if len(fields) != 2 {
			return errors.New("usage: v <0..1>")
		}
		v, err := strconv.ParseFloat(fields[1], 64)
		if err != nil {
			return errors.Wrap(err, "parse volume")
		}
		sess.SetVolume(v)
		console.Info("volume " + strconv.FormatFloat(v, 'f', 2, 64))
		return nil
	case "play":
		if len(fields) != 2 {
			return errors.New("usage: play <file>")
		}
		blob, err := os.ReadFile(fields[1])
		if err != nil {
			return errors.Wrap(err, "read audio file")
		}
		return sess.EnqueueEncoded(ctx, blob)
	default:
		console.Help()
		return nil
	}
}

func readLines(r io.Reader) <-chan string {
	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(r)
		for sc.Scan() {
			lines <- sc.Text()
		}
	}()
	return lines
}
