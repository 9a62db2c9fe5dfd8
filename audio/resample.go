package audio

import (
	"github.com/pkg/errors"
	resampling "github.com/tphakala/go-audio-resampling"
)

// Resample converts mono samples from one sample rate to another. Equal rates
// return the input unchanged. The result holds len(samples)*to/from samples,
// rounded to the nearest sample.
func Resample(samples []float32, from, to int) ([]float32, error) {
	if from == to || len(samples) == 0 {
		return samples, nil
	}
	if from <= 0 || to <= 0 {
		return nil, errors.Errorf("invalid resample rates %d -> %d", from, to)
	}

	r, err := resampling.New(&resampling.Config{
		InputRate:  float64(from),
		OutputRate: float64(to),
		Channels:   1,
		Quality:    resampling.QualitySpec{Preset: resampling.QualityHigh},
	})
	if err != nil {
		return nil, errors.Wrap(err, "create resampler")
	}

	in := make([]float64, len(samples))
	for i, s := range samples {
		in[i] = float64(s)
	}
	res, err := r.Process(in)
	if err != nil {
		return nil, errors.Wrap(err, "resample")
	}
	tail, err := r.Flush()
	if err != nil {
		return nil, errors.Wrap(err, "flush resampler")
	}
	res = append(res, tail...)

	// The filter chain may leave a few samples of latency unflushed; the
	// output always spans the same duration as the input.
	want := int((int64(len(samples))*int64(to) + int64(from)/2) / int64(from))
	out := make([]float32, want)
	for i := 0; i < want && i < len(res); i++ {
		out[i] = float32(res[i])
	}
	return out, nil
}
