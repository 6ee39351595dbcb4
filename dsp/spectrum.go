package dsp

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/dsp/fourier"
	"gonum.org/v1/gonum/stat"
)

// Spectrum is a single-block power spectrum, used during installation
// calibration to place tone frequencies away from room noise and from
// each other. Not part of the realtime detection path.
type Spectrum struct {
	BinHz        float64   `json:"bin_hz"`
	PowerDB      []float64 `json:"power_db"`
	NoiseFloorDB float64   `json:"noise_floor_db"`
	PeakHz       float64   `json:"peak_hz"`
	PeakDB       float64   `json:"peak_db"`
}

// AnalyzeBlock computes a Hann-windowed power spectrum of one capture
// block. The noise floor is the 20th percentile of the bin powers, the
// same percentile estimate the tone placement procedure uses on site.
func AnalyzeBlock(samples []float32, sampleRate float64) *Spectrum {
	n := len(samples)
	if n < 2 || sampleRate <= 0 {
		return nil
	}

	windowed := make([]float64, n)
	for i, x := range samples {
		w := 0.5 * (1.0 - math.Cos(2.0*math.Pi*float64(i)/float64(n-1)))
		windowed[i] = float64(x) * w
	}

	fft := fourier.NewFFT(n)
	coeffs := fft.Coefficients(nil, windowed)

	spec := &Spectrum{
		BinHz:   sampleRate / float64(n),
		PowerDB: make([]float64, len(coeffs)),
		PeakDB:  math.Inf(-1),
	}

	powers := make([]float64, len(coeffs))
	for i, c := range coeffs {
		p := real(c)*real(c) + imag(c)*imag(c)
		powers[i] = p
		spec.PowerDB[i] = powerToDB(p)
		if spec.PowerDB[i] > spec.PeakDB && i > 0 {
			spec.PeakDB = spec.PowerDB[i]
			spec.PeakHz = float64(i) * spec.BinHz
		}
	}

	sorted := append([]float64(nil), powers...)
	sort.Float64s(sorted)
	spec.NoiseFloorDB = powerToDB(stat.Quantile(0.2, stat.Empirical, sorted, nil))

	return spec
}

func powerToDB(p float64) float64 {
	if p < 1e-12 {
		p = 1e-12
	}
	return 10 * math.Log10(p)
}
