package capture

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/gen2brain/malgo"
	"github.com/pkg/errors"

	"github.com/mrsingh-rishi/voice-client/audio"
)

// MalgoSource opens the default microphone through miniaudio.
type MalgoSource struct {
	// PeriodMillis is the device callback period. Zero lets miniaudio pick.
	PeriodMillis uint32

	log *slog.Logger
}

func NewMalgoSource(log *slog.Logger) *MalgoSource {
	if log == nil {
		log = slog.Default()
	}
	return &MalgoSource{PeriodMillis: 20, log: log}
}

func (s *MalgoSource) Open(ctx context.Context, cfg StreamConfig) (Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if cfg.EchoCancellation || cfg.NoiseSuppression || cfg.AutoGainControl {
		s.log.Debug("miniaudio has no input processing stages, capturing raw signal")
	}

	mctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, func(msg string) {
		s.log.Debug("malgo", "message", msg)
	})
	if err != nil {
		return nil, errors.Wrap(err, "init audio context")
	}

	st := &malgoStream{
		ctx:      mctx,
		channels: cfg.Channels,
		blocks:   make(chan []float32, 64),
		log:      s.log,
	}

	devCfg := malgo.DefaultDeviceConfig(malgo.Capture)
	devCfg.Capture.Format = malgo.FormatF32
	devCfg.Capture.Channels = uint32(cfg.Channels)
	devCfg.SampleRate = uint32(cfg.SampleRate)
	devCfg.PeriodSizeInMilliseconds = s.PeriodMillis

	device, err := malgo.InitDevice(mctx.Context, devCfg, malgo.DeviceCallbacks{
		Data: st.onData,
	})
	if err != nil {
		st.releaseContext()
		return nil, errors.Wrap(err, "init capture device")
	}
	if err := device.Start(); err != nil {
		device.Uninit()
		st.releaseContext()
		return nil, errors.Wrap(err, "start capture device")
	}
	st.device = device
	return st, nil
}

type malgoStream struct {
	ctx      *malgo.AllocatedContext
	device   *malgo.Device
	channels int
	blocks   chan []float32
	log      *slog.Logger

	dropped   atomic.Uint64
	closeOnce sync.Once
	closeErr  error
}

func (m *malgoStream) Blocks() <-chan []float32 {
	return m.blocks
}

func (m *malgoStream) onData(_, input []byte, _ uint32) {
	block := downmix(audio.BytesToFloat32(input), m.channels)
	select {
	case m.blocks <- block:
	default:
		if n := m.dropped.Add(1); n == 1 || n%100 == 0 {
			m.log.Warn("capture consumer too slow, dropping blocks", "dropped", n)
		}
	}
}

func (m *malgoStream) Close() error {
	m.closeOnce.Do(func() {
		if m.device != nil {
			if err := m.device.Stop(); err != nil {
				m.closeErr = errors.Wrap(err, "stop capture device")
			}
			// Uninit waits for the callback thread, so no send can race the close below.
			m.device.Uninit()
		}
		m.releaseContext()
		close(m.blocks)
	})
	return m.closeErr
}

func (m *malgoStream) releaseContext() {
	if m.ctx == nil {
		return
	}
	if err := m.ctx.Uninit(); err != nil {
		m.log.Warn("audio context uninit failed", "error", err)
	}
	m.ctx.Free()
	m.ctx = nil
}

// ListMalgoDevices reports the capture and playback endpoints miniaudio can see.
func ListMalgoDevices() ([]DeviceInfo, error) {
	mctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		return nil, errors.Wrap(err, "init audio context")
	}
	defer func() {
		_ = mctx.Uninit()
		mctx.Free()
	}()

	var out []DeviceInfo
	for _, kind := range []malgo.DeviceType{malgo.Capture, malgo.Playback} {
		infos, err := mctx.Devices(kind)
		if err != nil {
			return nil, errors.Wrap(err, "enumerate devices")
		}
		for _, info := range infos {
			out = append(out, DeviceInfo{
				Name:     info.Name(),
				Capture:  kind == malgo.Capture,
				Playback: kind == malgo.Playback,
				Default:  info.IsDefault != 0,
			})
		}
	}
	return out, nil
}
