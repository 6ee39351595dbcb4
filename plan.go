package main

import (
	"fmt"
	"math"
	"sort"
)

// FrequencyPlan maps each statue to its assigned tone frequency. The
// plan is fixed at session start; runtime retunes go through the
// session, which keeps the plan and the per-loop peer tables in step.
type FrequencyPlan map[string]float64

// harmonicRatios are the small-integer ratios that must not relate any
// two plan entries. A body bridging two statues couples harmonics of
// the transmitted tone as well, so harmonically related assignments
// cross-trigger.
var harmonicRatios = []float64{1.0, 1.25, 4.0 / 3.0, 1.5, 2.0, 3.0, 4.0, 5.0}

const harmonicTolerance = 0.05

// NewFrequencyPlan builds and validates the plan from statue config.
// Violations are configuration errors: they fail before any detection
// thread starts.
func NewFrequencyPlan(statues []StatueConfig, sampleRate float64) (FrequencyPlan, error) {
	plan := make(FrequencyPlan, len(statues))
	for _, s := range statues {
		if s.Frequency <= 0 {
			return nil, fmt.Errorf("statue %q: frequency must be positive, got %g", s.Name, s.Frequency)
		}
		if s.Frequency >= sampleRate/2 {
			return nil, fmt.Errorf("statue %q: frequency %g Hz is at or above Nyquist (%g Hz)",
				s.Name, s.Frequency, sampleRate/2)
		}
		plan[s.Name] = s.Frequency
	}
	if err := plan.checkSpacing(); err != nil {
		return nil, err
	}
	return plan, nil
}

// checkSpacing rejects any pair related by a small-integer harmonic
// ratio within tolerance, including near-equality (ratio 1).
func (p FrequencyPlan) checkSpacing() error {
	names := p.Names()
	for i := 0; i < len(names); i++ {
		for j := i + 1; j < len(names); j++ {
			a, b := p[names[i]], p[names[j]]
			lo, hi := math.Min(a, b), math.Max(a, b)
			ratio := hi / lo
			for _, h := range harmonicRatios {
				if math.Abs(ratio/h-1) < harmonicTolerance {
					return fmt.Errorf("statues %q (%g Hz) and %q (%g Hz) are harmonically related (ratio %.3f ~ %g)",
						names[i], a, names[j], b, ratio, h)
				}
			}
		}
	}
	return nil
}

// Names returns the statue names in a fixed sorted order. Peer tables
// and snapshots use this order so per-block evaluation order is stable.
func (p FrequencyPlan) Names() []string {
	names := make([]string, 0, len(p))
	for name := range p {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// PeersOf returns every other statue's name in fixed order.
func (p FrequencyPlan) PeersOf(name string) []string {
	peers := make([]string, 0, len(p)-1)
	for _, n := range p.Names() {
		if n != name {
			peers = append(peers, n)
		}
	}
	return peers
}
