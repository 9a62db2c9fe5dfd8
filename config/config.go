// Package config loads voice-client settings from defaults, a YAML file, a
// .env file and the process environment, in increasing precedence.
package config

import (
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Config represents the complete client and simulator configuration.
type Config struct {
	Client    ClientConfig    `yaml:"client"`
	Audio     AudioConfig     `yaml:"audio"`
	Reconnect ReconnectConfig `yaml:"reconnect"`
	Logging   LoggingConfig   `yaml:"logging"`
	Agent     AgentConfig     `yaml:"agent"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

// ClientConfig contains the agent connection settings.
type ClientConfig struct {
	WSURL               string  `yaml:"ws_url"`
	Token               string  `yaml:"token"`
	TokenSecret         string  `yaml:"token_secret"`
	HeartbeatIntervalMs int     `yaml:"heartbeat_interval_ms"`
	Volume              float64 `yaml:"volume"`
}

// AudioConfig contains capture and playback parameters.
type AudioConfig struct {
	SampleRate        int     `yaml:"sample_rate"`
	Channels          int     `yaml:"channels"`
	ChunkSize         int     `yaml:"chunk_size"`
	SilenceThreshold  float64 `yaml:"silence_threshold"`
	SilenceDurationMs int     `yaml:"silence_duration_ms"`
	OutputSampleRate  int     `yaml:"output_sample_rate"`
}

// ReconnectConfig bounds automatic redials.
type ReconnectConfig struct {
	DelayMs     int `yaml:"delay_ms"`
	MaxAttempts int `yaml:"max_attempts"`
}

// LoggingConfig contains logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// AgentConfig configures the loopback agent simulator.
type AgentConfig struct {
	Address            string `yaml:"address"`
	TokenSecret        string `yaml:"token_secret"`
	Responder          string `yaml:"responder"`
	BinaryAudio        bool   `yaml:"binary_audio"`
	ResponseSampleRate int    `yaml:"response_sample_rate"`
	STT                string `yaml:"stt"`
	DeepgramKey        string `yaml:"deepgram_api_key"`
	OpenAIKey          string `yaml:"openai_api_key"`
	OpenAIModel        string `yaml:"openai_model"`
	SystemPrompt       string `yaml:"system_prompt"`
	ElevenLabsKey      string `yaml:"elevenlabs_api_key"`
	VoiceID            string `yaml:"voice_id"`
	TTSModel           string `yaml:"tts_model"`
}

// MetricsConfig controls the client metrics listener. An empty address
// disables it.
type MetricsConfig struct {
	Address string `yaml:"address"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Client: ClientConfig{
			WSURL:               "ws://localhost:8000/ws/audio",
			HeartbeatIntervalMs: 30000,
			Volume:              1,
		},
		Audio: AudioConfig{
			SampleRate:        16000,
			Channels:          1,
			ChunkSize:         4096,
			SilenceThreshold:  0.01,
			SilenceDurationMs: 1200,
			OutputSampleRate:  48000,
		},
		Reconnect: ReconnectConfig{
			DelayMs:     2000,
			MaxAttempts: 5,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		Agent: AgentConfig{
			Address:            ":8000",
			Responder:          "echo",
			STT:                "whisper",
			ResponseSampleRate: 24000,
			OpenAIModel:        "gpt-4o-mini",
			SystemPrompt:       "You are a helpful voice assistant. Answer in one or two short sentences.",
			VoiceID:            "JBFqnCBsd6RMkjVDRZzb",
			TTSModel:           "eleven_multilingual_v2",
		},
	}
}

// Load builds the configuration. path may be empty to skip the YAML file.
// envFiles are passed to godotenv; a missing default .env is ignored.
func Load(path string, envFiles ...string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, errors.Wrapf(err, "read config file %s", path)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, errors.Wrapf(err, "parse config file %s", path)
		}
	}

	if len(envFiles) > 0 {
		if err := godotenv.Load(envFiles...); err != nil {
			return nil, errors.Wrap(err, "load env files")
		}
	} else if err := godotenv.Load(); err != nil && !os.IsNotExist(errors.Cause(err)) {
		return nil, errors.Wrap(err, "load .env")
	}

	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "config validation failed")
	}
	return &cfg, nil
}

type lookupFunc func(string) (string, bool)

func (c *Config) applyEnv(lookup lookupFunc) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	var firstErr error
	num := func(key string, dst *int) {
		v, ok := lookup(key)
		if !ok || v == "" {
			return
		}
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			if firstErr == nil {
				firstErr = errors.Wrapf(err, "parse %s", key)
			}
			return
		}
		*dst = n
	}
	float := func(key string, dst *float64) {
		v, ok := lookup(key)
		if !ok || v == "" {
			return
		}
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			if firstErr == nil {
				firstErr = errors.Wrapf(err, "parse %s", key)
			}
			return
		}
		*dst = f
	}
	flag := func(key string, dst *bool) {
		v, ok := lookup(key)
		if !ok || v == "" {
			return
		}
		b, err := strconv.ParseBool(strings.TrimSpace(v))
		if err != nil {
			if firstErr == nil {
				firstErr = errors.Wrapf(err, "parse %s", key)
			}
			return
		}
		*dst = b
	}

	str("VOICE_WS_URL", &c.Client.WSURL)
	str("VOICE_TOKEN", &c.Client.Token)
	str("VOICE_TOKEN_SECRET", &c.Client.TokenSecret)
	num("VOICE_HEARTBEAT_INTERVAL_MS", &c.Client.HeartbeatIntervalMs)
	float("VOICE_VOLUME", &c.Client.Volume)

	num("VOICE_SAMPLE_RATE", &c.Audio.SampleRate)
	num("VOICE_CHANNELS", &c.Audio.Channels)
	num("VOICE_CHUNK_SIZE", &c.Audio.ChunkSize)
	float("VOICE_SILENCE_THRESHOLD", &c.Audio.SilenceThreshold)
	num("VOICE_SILENCE_DURATION_MS", &c.Audio.SilenceDurationMs)
	num("VOICE_OUTPUT_SAMPLE_RATE", &c.Audio.OutputSampleRate)

	num("VOICE_RECONNECT_DELAY_MS", &c.Reconnect.DelayMs)
	num("VOICE_MAX_RECONNECT_ATTEMPTS", &c.Reconnect.MaxAttempts)

	str("VOICE_LOG_LEVEL", &c.Logging.Level)
	str("VOICE_LOG_FORMAT", &c.Logging.Format)

	str("VOICE_AGENT_ADDR", &c.Agent.Address)
	str("VOICE_AGENT_TOKEN_SECRET", &c.Agent.TokenSecret)
	str("VOICE_AGENT_RESPONDER", &c.Agent.Responder)
	flag("VOICE_AGENT_BINARY_AUDIO", &c.Agent.BinaryAudio)
	num("VOICE_AGENT_RESPONSE_SAMPLE_RATE", &c.Agent.ResponseSampleRate)
	str("OPEN_AI_API_KEY", &c.Agent.OpenAIKey)
	str("OPENAI_API_KEY", &c.Agent.OpenAIKey)
	str("VOICE_AGENT_STT", &c.Agent.STT)
	str("DEEPGRAM_API_KEY", &c.Agent.DeepgramKey)
	str("ELEVEN_LABS_API_KEY", &c.Agent.ElevenLabsKey)
	str("VOICE_AGENT_VOICE_ID", &c.Agent.VoiceID)

	str("VOICE_METRICS_ADDR", &c.Metrics.Address)
	return firstErr
}

// Validate performs validation of the configuration.
func (c *Config) Validate() error {
	if err := c.Client.Validate(); err != nil {
		return errors.Wrap(err, "client config")
	}
	if err := c.Audio.Validate(); err != nil {
		return errors.Wrap(err, "audio config")
	}
	if err := c.Reconnect.Validate(); err != nil {
		return errors.Wrap(err, "reconnect config")
	}
	if err := c.Logging.Validate(); err != nil {
		return errors.Wrap(err, "logging config")
	}
	if err := c.Agent.Validate(); err != nil {
		return errors.Wrap(err, "agent config")
	}
	return nil
}

func (c *ClientConfig) Validate() error {
	u, err := url.Parse(c.WSURL)
	if err != nil {
		return errors.Wrapf(err, "ws_url %q", c.WSURL)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return errors.Errorf("ws_url must use ws or wss, got %q", c.WSURL)
	}
	if u.Host == "" {
		return errors.Errorf("ws_url has no host: %q", c.WSURL)
	}
	if c.HeartbeatIntervalMs <= 0 {
		return errors.Errorf("heartbeat_interval_ms must be positive, got %d", c.HeartbeatIntervalMs)
	}
	if c.Volume < 0 || c.Volume > 1 {
		return errors.Errorf("volume must be between 0 and 1, got %f", c.Volume)
	}
	return nil
}

func (a *AudioConfig) Validate() error {
	if a.SampleRate <= 0 {
		return errors.Errorf("sample_rate must be positive, got %d", a.SampleRate)
	}
	if a.Channels <= 0 {
		return errors.Errorf("channels must be positive, got %d", a.Channels)
	}
	if a.ChunkSize <= 0 {
		return errors.Errorf("chunk_size must be positive, got %d", a.ChunkSize)
	}
	if a.SilenceThreshold <= 0 || a.SilenceThreshold > 1 {
		return errors.Errorf("silence_threshold must be in (0, 1], got %f", a.SilenceThreshold)
	}
	if a.SilenceDurationMs <= 0 {
		return errors.Errorf("silence_duration_ms must be positive, got %d", a.SilenceDurationMs)
	}
	if a.OutputSampleRate <= 0 {
		return errors.Errorf("output_sample_rate must be positive, got %d", a.OutputSampleRate)
	}
	return nil
}

func (r *ReconnectConfig) Validate() error {
	if r.DelayMs <= 0 {
		return errors.Errorf("delay_ms must be positive, got %d", r.DelayMs)
	}
	if r.MaxAttempts < 0 {
		return errors.Errorf("max_attempts must not be negative, got %d", r.MaxAttempts)
	}
	return nil
}

func (l *LoggingConfig) Validate() error {
	if _, err := parseLevel(l.Level); err != nil {
		return err
	}
	switch strings.ToLower(l.Format) {
	case "", "text", "json":
		return nil
	}
	return errors.Errorf("format must be text or json, got %q", l.Format)
}

func (a *AgentConfig) Validate() error {
	switch a.Responder {
	case "echo", "openai":
	default:
		return errors.Errorf("responder must be echo or openai, got %q", a.Responder)
	}
	switch a.STT {
	case "whisper", "deepgram":
	default:
		return errors.Errorf("stt must be whisper or deepgram, got %q", a.STT)
	}
	if a.ResponseSampleRate <= 0 {
		return errors.Errorf("response_sample_rate must be positive, got %d", a.ResponseSampleRate)
	}
	return nil
}

func (a AudioConfig) SilenceDuration() time.Duration {
	return time.Duration(a.SilenceDurationMs) * time.Millisecond
}

func (r ReconnectConfig) Delay() time.Duration {
	return time.Duration(r.DelayMs) * time.Millisecond
}

func (c ClientConfig) HeartbeatInterval() time.Duration {
	return time.Duration(c.HeartbeatIntervalMs) * time.Millisecond
}
