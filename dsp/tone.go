package dsp

import (
	"fmt"
	"math"
	"sync/atomic"
)

// ToneSource generates a phase-continuous sine tone, block by block.
// NextBlock is single-writer: only the audio output path may call it.
// The frequency can be retuned concurrently from a control goroutine;
// the phase angle is preserved across the change so the waveform value
// stays continuous (only the rate of phase advance jumps).
type ToneSource struct {
	sampleRate float64
	amplitude  float64
	freqBits   atomic.Uint64

	// phase in radians, wrapped to [0, 2*pi). Owned by NextBlock.
	phase float64
}

// NewToneSource creates a tone source for the given frequency.
// The frequency must be positive and below Nyquist.
func NewToneSource(sampleRate, frequency, amplitude float64) (*ToneSource, error) {
	if sampleRate <= 0 {
		return nil, fmt.Errorf("sample rate must be positive, got %g", sampleRate)
	}
	if err := validateFrequency(frequency, sampleRate); err != nil {
		return nil, err
	}
	ts := &ToneSource{
		sampleRate: sampleRate,
		amplitude:  amplitude,
	}
	ts.freqBits.Store(math.Float64bits(frequency))
	return ts, nil
}

func validateFrequency(frequency, sampleRate float64) error {
	if frequency <= 0 {
		return fmt.Errorf("tone frequency must be positive, got %g Hz", frequency)
	}
	if frequency >= sampleRate/2 {
		return fmt.Errorf("tone frequency %g Hz is at or above Nyquist (%g Hz)", frequency, sampleRate/2)
	}
	return nil
}

// Frequency returns the current tone frequency in Hz.
func (ts *ToneSource) Frequency() float64 {
	return math.Float64frombits(ts.freqBits.Load())
}

// SetFrequency retunes the oscillator. The phase angle carries over, so
// there is no amplitude discontinuity at the transition instant.
func (ts *ToneSource) SetFrequency(frequency float64) error {
	if err := validateFrequency(frequency, ts.sampleRate); err != nil {
		return err
	}
	ts.freqBits.Store(math.Float64bits(frequency))
	return nil
}

// Amplitude returns the peak amplitude of the generated tone.
func (ts *ToneSource) Amplitude() float64 {
	return ts.amplitude
}

// NextBlock fills dst with the next len(dst) samples of the tone,
// continuing from the phase of the previous call. It performs no
// allocation and no locking, making it safe for realtime callbacks.
func (ts *ToneSource) NextBlock(dst []float32) {
	freq := math.Float64frombits(ts.freqBits.Load())
	step := 2 * math.Pi * freq / ts.sampleRate
	phase := ts.phase
	for i := range dst {
		dst[i] = float32(ts.amplitude * math.Sin(phase))
		phase += step
		if phase >= 2*math.Pi {
			phase -= 2 * math.Pi
		}
	}
	ts.phase = phase
}

// Advance moves the phase forward by n samples without producing output.
// Used when the tone is muted so that re-enabling continues at the phase
// the tone would have reached had it run the whole time.
func (ts *ToneSource) Advance(n int) {
	freq := math.Float64frombits(ts.freqBits.Load())
	step := 2 * math.Pi * freq / ts.sampleRate
	ts.phase = math.Mod(ts.phase+step*float64(n), 2*math.Pi)
}
