package audio

import (
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// Level summarises the amplitude of a run of samples.
type Level struct {
	Min  int16
	Max  int16
	Mean float64
	RMS  float64
}

// DBFS returns the RMS level relative to full scale. Silence is -Inf.
func (l Level) DBFS() float64 {
	if l.RMS == 0 {
		return math.Inf(-1)
	}
	return 20 * math.Log10(l.RMS/math.MaxInt16)
}

// Levels computes the level of samples. It returns the zero Level for no
// samples.
func Levels(samples []int16) Level {
	if len(samples) == 0 {
		return Level{}
	}
	x := make([]float64, len(samples))
	for i, s := range samples {
		x[i] = float64(s)
	}
	return Level{
		Min:  int16(floats.Min(x)),
		Max:  int16(floats.Max(x)),
		Mean: stat.Mean(x, nil),
		RMS:  math.Sqrt(floats.Dot(x, x) / float64(len(x))),
	}
}
