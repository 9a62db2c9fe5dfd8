package audio

import (
	"bytes"
	"io"

	"github.com/faiface/beep"
	"github.com/faiface/beep/flac"
	"github.com/faiface/beep/mp3"
	"github.com/faiface/beep/vorbis"
	"github.com/faiface/beep/wav"
	"github.com/pkg/errors"
)

// Container identifies the format of an encoded audio blob.
type Container string

const (
	ContainerUnknown Container = ""
	ContainerWAV     Container = "wav"
	ContainerMP3     Container = "mp3"
	ContainerVorbis  Container = "vorbis"
	ContainerFLAC    Container = "flac"
)

// ErrUnsupportedContainer is returned when a blob matches no known decoder.
var ErrUnsupportedContainer = errors.New("unsupported audio container")

// Sniff guesses the container of blob from its leading bytes.
func Sniff(blob []byte) Container {
	switch {
	case len(blob) >= 12 && string(blob[:4]) == "RIFF" && string(blob[8:12]) == "WAVE":
		return ContainerWAV
	case len(blob) >= 4 && string(blob[:4]) == "OggS":
		return ContainerVorbis
	case len(blob) >= 4 && string(blob[:4]) == "fLaC":
		return ContainerFLAC
	case len(blob) >= 3 && string(blob[:3]) == "ID3":
		return ContainerMP3
	case len(blob) >= 2 && blob[0] == 0xFF && blob[1]&0xE0 == 0xE0:
		return ContainerMP3
	}
	return ContainerUnknown
}

// Decode decodes an encoded blob into mono float samples and returns them with
// the blob's native sample rate. Multichannel audio is downmixed.
func Decode(blob []byte) ([]float32, int, error) {
	var (
		stream beep.StreamSeekCloser
		format beep.Format
		err    error
	)
	rc := io.NopCloser(bytes.NewReader(blob))
	c := Sniff(blob)
	switch c {
	case ContainerWAV:
		stream, format, err = wav.Decode(bytes.NewReader(blob))
	case ContainerMP3:
		stream, format, err = mp3.Decode(rc)
	case ContainerVorbis:
		stream, format, err = vorbis.Decode(rc)
	case ContainerFLAC:
		stream, format, err = flac.Decode(bytes.NewReader(blob))
	default:
		return nil, 0, ErrUnsupportedContainer
	}
	if err != nil {
		return nil, 0, errors.Wrap(err, "decode audio")
	}
	defer stream.Close()

	samples := readMono(stream, format.NumChannels)
	if err := stream.Err(); err != nil {
		return nil, 0, errors.Wrap(err, "decode audio")
	}
	if c == ContainerWAV {
		rescaleWAV(samples, format.Precision)
	}
	return samples, int(format.SampleRate), nil
}

// beep's wav decoder divides signed 16 and 24-bit samples by 2^bits-1
// instead of 2^(bits-1), halving their level. Undo that so WAV blobs match
// PCM16ToFloat32.
func rescaleWAV(samples []float32, precision int) {
	if precision != 2 && precision != 3 {
		return
	}
	bits := uint(precision * 8)
	k := float32(float64(uint64(1)<<bits-1) / float64(uint64(1)<<(bits-1)))
	for i, s := range samples {
		samples[i] = s * k
	}
}

func readMono(s beep.Streamer, channels int) []float32 {
	var out []float32
	buf := make([][2]float64, 4096)
	for {
		n, ok := s.Stream(buf)
		for _, frame := range buf[:n] {
			if channels >= 2 {
				out = append(out, float32((frame[0]+frame[1])/2))
			} else {
				out = append(out, float32(frame[0]))
			}
		}
		if !ok {
			return out
		}
	}
}
