package dsp

import "math"

// SNRFloorDB is reported when no energy at all was measured, so callers
// never see the result of a log of zero.
const SNRFloorDB = -20.0

// Reading is the outcome of probing one capture block for one frequency.
type Reading struct {
	// Level is the raw Goertzel magnitude at the target frequency. It
	// grows with block size: a full-block sine of amplitude A over N
	// samples reads roughly A*N/2. Levels from different block sizes
	// are not comparable without normalization.
	Level float64
	// SNR relates the magnitude to the mean power of the whole block,
	// in dB, clamped to SNRFloorDB.
	SNR float64
}

// GoertzelMagnitude computes the magnitude of the signal energy at
// targetFreq using a second-order recursive filter over the block.
// O(N) per probed frequency, which is why it is used instead of a full
// transform: each detector only cares about a handful of peer tones.
//
// The recursion runs in float64; the float32 hardware samples are
// upcast per sample to avoid accumulating single-precision bias.
func GoertzelMagnitude(samples []float32, sampleRate, targetFreq float64) float64 {
	if len(samples) == 0 || sampleRate <= 0 || targetFreq <= 0 {
		return 0
	}
	omega := 2 * math.Pi * targetFreq / sampleRate
	coeff := 2 * math.Cos(omega)

	var s1, s2 float64
	for _, x := range samples {
		s0 := float64(x) + coeff*s1 - s2
		s2 = s1
		s1 = s0
	}

	re := s1 - s2*math.Cos(omega)
	im := s2 * math.Sin(omega)
	return math.Sqrt(re*re + im*im)
}

// MeanPower returns the mean squared sample value of the block.
func MeanPower(samples []float32) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, x := range samples {
		v := float64(x)
		sum += v * v
	}
	return sum / float64(len(samples))
}

// DetectTone probes one block for one target frequency. It is a pure
// function of its inputs: filter state is fresh per call and nothing is
// shared, so concurrent detectors never interfere with each other.
func DetectTone(samples []float32, sampleRate, targetFreq float64) Reading {
	mag := GoertzelMagnitude(samples, sampleRate, targetFreq)
	return Reading{
		Level: mag,
		SNR:   snrDB(mag, MeanPower(samples)),
	}
}

func snrDB(magnitude, meanPower float64) float64 {
	if magnitude <= 0 || meanPower <= 0 {
		return SNRFloorDB
	}
	snr := 10 * math.Log10(magnitude/meanPower)
	if snr < SNRFloorDB {
		return SNRFloorDB
	}
	return snr
}
