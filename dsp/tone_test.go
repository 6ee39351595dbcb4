package dsp

import (
	"math"
	"testing"
)

func TestToneSourceRejectsBadFrequencies(t *testing.T) {
	if _, err := NewToneSource(44100, 0, 0.5); err == nil {
		t.Error("expected error for zero frequency")
	}
	if _, err := NewToneSource(44100, -100, 0.5); err == nil {
		t.Error("expected error for negative frequency")
	}
	if _, err := NewToneSource(44100, 22050, 0.5); err == nil {
		t.Error("expected error for frequency at Nyquist")
	}
	ts, err := NewToneSource(44100, 3000, 0.5)
	if err != nil {
		t.Fatalf("NewToneSource: %v", err)
	}
	if err := ts.SetFrequency(30000); err == nil {
		t.Error("expected error retuning above Nyquist")
	}
	if got := ts.Frequency(); got != 3000 {
		t.Errorf("failed retune must not change frequency, got %g", got)
	}
}

// Generating a block of M samples then a block of N samples must equal
// one M+N block from the same starting phase.
func TestToneSourcePhaseContinuityAcrossBlocks(t *testing.T) {
	const sampleRate = 44100.0
	for _, freq := range []float64{440, 3000, 7919.5} {
		split, err := NewToneSource(sampleRate, freq, 0.5)
		if err != nil {
			t.Fatalf("NewToneSource(%g): %v", freq, err)
		}
		whole, err := NewToneSource(sampleRate, freq, 0.5)
		if err != nil {
			t.Fatalf("NewToneSource(%g): %v", freq, err)
		}

		first := make([]float32, 777)
		second := make([]float32, 1024)
		split.NextBlock(first)
		split.NextBlock(second)

		ref := make([]float32, len(first)+len(second))
		whole.NextBlock(ref)

		for i, want := range ref {
			var got float32
			if i < len(first) {
				got = first[i]
			} else {
				got = second[i-len(first)]
			}
			if math.Abs(float64(got-want)) > 1e-5 {
				t.Fatalf("freq %g: sample %d differs: got %g want %g", freq, i, got, want)
			}
		}
	}
}

func TestToneSourceMatchesAnalyticPhase(t *testing.T) {
	const (
		sampleRate = 48000.0
		freq       = 1000.0
		amp        = 0.5
	)
	ts, err := NewToneSource(sampleRate, freq, amp)
	if err != nil {
		t.Fatalf("NewToneSource: %v", err)
	}
	block := make([]float32, 4800)
	for b := 0; b < 4; b++ {
		ts.NextBlock(block)
		for i, got := range block {
			n := b*len(block) + i
			want := amp * math.Sin(2*math.Pi*freq*float64(n)/sampleRate)
			if math.Abs(float64(got)-want) > 1e-4 {
				t.Fatalf("sample %d drifted from analytic phase: got %g want %g", n, got, want)
			}
		}
	}
}

// A retune must not jump the phase angle: the first sample after the
// change continues from where the old frequency left off.
func TestToneSourceRetuneKeepsPhaseAngle(t *testing.T) {
	const sampleRate = 44100.0
	ts, err := NewToneSource(sampleRate, 3000, 0.5)
	if err != nil {
		t.Fatalf("NewToneSource: %v", err)
	}
	block := make([]float32, 1000)
	ts.NextBlock(block)
	last := float64(block[len(block)-1])

	if err := ts.SetFrequency(3100); err != nil {
		t.Fatalf("SetFrequency: %v", err)
	}
	ts.NextBlock(block)
	first := float64(block[0])

	// One sample step at either frequency moves the waveform by at most
	// amplitude * 2*pi*f/fs; anything bigger means a phase jump.
	maxStep := 0.5 * 2 * math.Pi * 3100 / sampleRate
	if math.Abs(first-last) > maxStep+1e-6 {
		t.Errorf("value discontinuity at retune: %g -> %g (max step %g)", last, first, maxStep)
	}
}

func TestToneSourceAdvanceKeepsContinuity(t *testing.T) {
	const sampleRate = 44100.0
	muted, _ := NewToneSource(sampleRate, 3000, 0.5)
	running, _ := NewToneSource(sampleRate, 3000, 0.5)

	skip := make([]float32, 512)
	running.NextBlock(skip)
	muted.Advance(len(skip))

	a := make([]float32, 256)
	b := make([]float32, 256)
	running.NextBlock(a)
	muted.NextBlock(b)
	for i := range a {
		if math.Abs(float64(a[i]-b[i])) > 1e-5 {
			t.Fatalf("Advance diverged from NextBlock at sample %d: %g vs %g", i, a[i], b[i])
		}
	}
}
