// Package audio holds the sample-format helpers shared by capture, playback
// and the agent simulator.
//
// Wire audio is signed 16-bit little-endian mono PCM. In memory audio is
// float32 in [-1, 1].
package audio

import (
	"encoding/binary"
	"math"

	"github.com/pkg/errors"
)

// Float32ToPCM16 converts float samples to signed 16-bit little-endian PCM.
//
// Samples are clamped to [-1, 1]. Negative values scale by 32768 and positive
// values by 32767, so -1.0 maps to -32768 and +1.0 to 32767.
func Float32ToPCM16(samples []float32) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(FloatToInt16(s)))
	}
	return out
}

// FloatToInt16 converts one sample with the same clamping and scaling as
// Float32ToPCM16.
func FloatToInt16(s float32) int16 {
	if s != s { // NaN
		return 0
	}
	if s > 1 {
		s = 1
	} else if s < -1 {
		s = -1
	}
	if s < 0 {
		return int16(s * 32768)
	}
	return int16(s * 32767)
}

// PCM16ToFloat32 decodes signed 16-bit little-endian PCM into float samples
// by dividing each value by 32768.
func PCM16ToFloat32(pcm []byte) ([]float32, error) {
	if len(pcm)%2 != 0 {
		return nil, errors.Errorf("pcm16 payload has odd length %d", len(pcm))
	}
	out := make([]float32, len(pcm)/2)
	for i := range out {
		out[i] = float32(int16(binary.LittleEndian.Uint16(pcm[i*2:]))) / 32768
	}
	return out, nil
}

// RMS returns the root-mean-square energy of samples. An empty slice has zero
// energy.
func RMS(samples []float32) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		sum += float64(s) * float64(s)
	}
	return math.Sqrt(sum / float64(len(samples)))
}

// Gain scales samples in place by v.
func Gain(samples []float32, v float64) {
	if v == 1 {
		return
	}
	g := float32(v)
	for i := range samples {
		samples[i] *= g
	}
}

// Float32ToBytes encodes samples as 32-bit float little-endian, the layout
// output devices consume.
func Float32ToBytes(samples []float32) []byte {
	out := make([]byte, len(samples)*4)
	for i, s := range samples {
		binary.LittleEndian.PutUint32(out[i*4:], math.Float32bits(s))
	}
	return out
}

// BytesToFloat32 decodes 32-bit float little-endian samples. A trailing
// partial sample is ignored.
func BytesToFloat32(b []byte) []float32 {
	out := make([]float32, len(b)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return out
}
