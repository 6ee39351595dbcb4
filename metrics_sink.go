package main

import (
	"sort"
	"sync"
	"time"
)

// PairReading is the latest measurement of one (detector, target) pair.
type PairReading struct {
	Detector  string    `json:"detector"`
	Target    string    `json:"target"`
	Frequency float64   `json:"frequency"` // target's tone frequency probed for
	Level     float64   `json:"level"`
	SNR       float64   `json:"snr_db"`
	Linked    bool      `json:"linked"`
	Time      time.Time `json:"time"`
}

type pairKey struct {
	detector, target string
}

// MetricsSink stores the most recent reading for every ordered
// (detector, target) pair. Only the detection loop owning a detector
// writes that detector's rows, so concurrent writers never touch the
// same key; readers take full copies and never see a row mid-update.
type MetricsSink struct {
	mu       sync.RWMutex
	readings map[pairKey]PairReading
}

// NewMetricsSink creates an empty sink.
func NewMetricsSink() *MetricsSink {
	return &MetricsSink{readings: make(map[pairKey]PairReading)}
}

// Store records the latest reading for (r.Detector, r.Target).
func (s *MetricsSink) Store(r PairReading) {
	s.mu.Lock()
	s.readings[pairKey{r.Detector, r.Target}] = r
	s.mu.Unlock()
}

// Get returns the latest reading for the pair, if any.
func (s *MetricsSink) Get(detector, target string) (PairReading, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.readings[pairKey{detector, target}]
	return r, ok
}

// Snapshot copies all readings under one lock acquisition, sorted by
// detector then target for stable display output.
func (s *MetricsSink) Snapshot() []PairReading {
	s.mu.RLock()
	out := make([]PairReading, 0, len(s.readings))
	for _, r := range s.readings {
		out = append(out, r)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Detector != out[j].Detector {
			return out[i].Detector < out[j].Detector
		}
		return out[i].Target < out[j].Target
	})
	return out
}
