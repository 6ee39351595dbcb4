package main

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cwsl/statuelink/dsp"
)

// Session owns one detection run: the frequency plan, the link graph,
// the metrics sink, every statue's tone writer and detection loop, and
// the single cancellation signal they all share. Construction fails
// fast on configuration errors; no loop starts unless every capture
// stream opened.
type Session struct {
	ID  string
	cfg *Config

	graph *LinkGraph
	sink  *MetricsSink

	metrics *StatueMetrics

	planMu sync.Mutex
	plan   FrequencyPlan

	tones    map[string]*dsp.ToneSource
	writers  map[string]*ToneWriter
	captures map[string]CaptureStream
	loops    map[string]*DetectionLoop

	// peerTargets[owner] lists every loop's target row probing owner's
	// tone, so a retune of owner updates all of them at once.
	peerTargets map[string][]*peerTarget

	listenerMu sync.Mutex
	listeners  []func(LinkEvent)

	// events decouples listeners from the detection loops: loops only
	// enqueue, a dispatcher goroutine does the calling.
	events     chan LinkEvent
	dispatchWg sync.WaitGroup

	failMu sync.Mutex
	failed map[string]error

	captureOnce sync.Once

	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
	stopped bool
	stateMu sync.Mutex
}

// NewSession builds a session from configuration, opening a capture
// stream for every statue up front. A statue whose capture cannot be
// opened is a configuration error: the whole session fails before any
// detection thread starts.
func NewSession(cfg *Config, transport Transport, metrics *StatueMetrics) (*Session, error) {
	plan, err := NewFrequencyPlan(cfg.Statues, float64(cfg.Audio.SampleRate))
	if err != nil {
		return nil, fmt.Errorf("invalid frequency plan: %w", err)
	}

	s := &Session{
		ID:          uuid.NewString(),
		cfg:         cfg,
		graph:       NewLinkGraph(plan.Names()),
		sink:        NewMetricsSink(),
		metrics:     metrics,
		plan:        plan,
		tones:       make(map[string]*dsp.ToneSource, len(cfg.Statues)),
		writers:     make(map[string]*ToneWriter, len(cfg.Statues)),
		captures:    make(map[string]CaptureStream, len(cfg.Statues)),
		loops:       make(map[string]*DetectionLoop, len(cfg.Statues)),
		peerTargets: make(map[string][]*peerTarget, len(cfg.Statues)),
		events:      make(chan LinkEvent, 64),
		failed:      make(map[string]error),
	}

	for _, st := range cfg.Statues {
		tone, err := dsp.NewToneSource(float64(cfg.Audio.SampleRate), st.Frequency, cfg.Audio.ToneAmplitude)
		if err != nil {
			return nil, fmt.Errorf("statue %q: %w", st.Name, err)
		}
		s.tones[st.Name] = tone
		s.writers[st.Name] = NewToneWriter(tone, st.ToneChannel, cfg.Audio.OutputChannels, cfg.Audio.BlockSize)
	}

	for _, st := range cfg.Statues {
		if len(plan.PeersOf(st.Name)) == 0 {
			continue
		}
		capture, err := transport.OpenCapture(st)
		if err != nil {
			s.closeCaptures()
			return nil, fmt.Errorf("statue %q: failed to open capture: %w", st.Name, err)
		}
		s.captures[st.Name] = capture

		peers := make([]*peerTarget, 0, len(plan)-1)
		for _, peer := range plan.PeersOf(st.Name) {
			pt := newPeerTarget(peer, plan[peer])
			peers = append(peers, pt)
			s.peerTargets[peer] = append(s.peerTargets[peer], pt)
		}

		loop := NewDetectionLoop(st.Name, peers, capture,
			float64(cfg.Audio.SampleRate), cfg.Audio.BlockSize, cfg.Detection.Threshold,
			s.graph, s.sink, metrics)
		loop.onEvent = s.dispatchEvent
		loop.onFatal = s.recordFailure
		s.loops[st.Name] = loop
	}

	return s, nil
}

// OnLinkEvent registers a listener for link transitions. Listeners run
// on the session's dispatcher goroutine: a slow listener delays other
// listeners but never a detection loop.
func (s *Session) OnLinkEvent(fn func(LinkEvent)) {
	s.listenerMu.Lock()
	s.listeners = append(s.listeners, fn)
	s.listenerMu.Unlock()
}

// dispatchEvent is called from detection loop goroutines and must not
// block: it updates gauges, logs, and enqueues for the dispatcher.
func (s *Session) dispatchEvent(ev LinkEvent) {
	if ev.Changed && s.metrics != nil {
		s.updateLinkGauges()
	}
	log.Printf("Link: %s %s %s (level %.1f, snr %.1f dB)",
		ev.Detector, linkVerb(ev.Linked), ev.Peer, ev.Level, ev.SNR)

	select {
	case s.events <- ev:
	default:
		log.Printf("Session: event buffer full, dropping %s/%s transition",
			ev.Detector, ev.Peer)
	}
}

func (s *Session) runDispatcher(ctx context.Context) {
	defer s.dispatchWg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-s.events:
			s.listenerMu.Lock()
			listeners := append(make([]func(LinkEvent), 0, len(s.listeners)), s.listeners...)
			s.listenerMu.Unlock()
			for _, fn := range listeners {
				fn(ev)
			}
		}
	}
}

func linkVerb(linked bool) string {
	if linked {
		return "linked to"
	}
	return "unlinked from"
}

func (s *Session) updateLinkGauges() {
	snap := s.graph.Snapshot()
	for name, peers := range snap.Links {
		s.metrics.linksActive.WithLabelValues(name).Set(float64(len(peers)))
	}
}

func (s *Session) recordFailure(statue string, err error) {
	s.failMu.Lock()
	s.failed[statue] = err
	s.failMu.Unlock()
	if s.metrics != nil {
		s.updateLinkGauges()
	}
}

// Start launches one detection goroutine per statue that has peers.
func (s *Session) Start() error {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	if s.started {
		return fmt.Errorf("session already started")
	}
	s.started = true

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	s.dispatchWg.Add(1)
	go s.runDispatcher(ctx)

	for name, loop := range s.loops {
		s.wg.Add(1)
		go func(name string, loop *DetectionLoop) {
			defer s.wg.Done()
			loop.run(ctx)
		}(name, loop)
	}

	log.Printf("Session %s: started %d detection loops", s.ID, len(s.loops))
	return nil
}

// Stop cancels all loops and waits for them to exit. Loops blocked on
// a capture read get one grace period to notice cancellation; after
// that the capture streams are closed out from under them, which
// releases the read. No graph or sink writes happen after Stop
// returns.
func (s *Session) Stop() {
	s.stateMu.Lock()
	if !s.started || s.stopped {
		s.stateMu.Unlock()
		return
	}
	s.stopped = true
	s.stateMu.Unlock()

	s.cancel()

	grace := time.Duration(s.cfg.Detection.GracePeriodMs) * time.Millisecond
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(grace):
		log.Printf("Session %s: grace period elapsed, closing capture streams", s.ID)
		s.closeCaptures()
		<-done
	}

	s.dispatchWg.Wait()
	s.closeCaptures()
	s.graph.Clear()
	log.Printf("Session %s: stopped", s.ID)
}

// closeCaptures closes every capture stream exactly once; the
// CaptureStream contract does not require Close to be idempotent.
func (s *Session) closeCaptures() {
	s.captureOnce.Do(func() {
		for name, capture := range s.captures {
			if err := capture.Close(); err != nil && DebugMode {
				log.Printf("Session: closing capture for %s: %v", name, err)
			}
		}
	})
}

// ToneWriter returns the writer the output transport should render
// through for the given statue.
func (s *Session) ToneWriter(name string) (*ToneWriter, bool) {
	tw, ok := s.writers[name]
	return tw, ok
}

// SetToneEnabled toggles a statue's outgoing tone.
func (s *Session) SetToneEnabled(name string, on bool) error {
	tw, ok := s.writers[name]
	if !ok {
		return fmt.Errorf("unknown statue %q", name)
	}
	tw.SetEnabled(on)
	log.Printf("Session: tone for %s set to %v", name, on)
	return nil
}

// SetFrequency retunes a statue's tone at runtime. The new plan must
// still satisfy the harmonic spacing rules; on success the tone source
// and every peer's detector row are updated together.
func (s *Session) SetFrequency(name string, freq float64) error {
	tone, ok := s.tones[name]
	if !ok {
		return fmt.Errorf("unknown statue %q", name)
	}

	s.planMu.Lock()
	defer s.planMu.Unlock()

	trial := make(FrequencyPlan, len(s.plan))
	for k, v := range s.plan {
		trial[k] = v
	}
	trial[name] = freq
	if err := trial.checkSpacing(); err != nil {
		return fmt.Errorf("retune rejected: %w", err)
	}
	if err := tone.SetFrequency(freq); err != nil {
		return err
	}
	s.plan[name] = freq
	for _, pt := range s.peerTargets[name] {
		pt.setFrequency(freq)
	}
	log.Printf("Session: retuned %s to %g Hz", name, freq)
	return nil
}

// Plan returns a copy of the current frequency plan.
func (s *Session) Plan() FrequencyPlan {
	s.planMu.Lock()
	defer s.planMu.Unlock()
	cp := make(FrequencyPlan, len(s.plan))
	for k, v := range s.plan {
		cp[k] = v
	}
	return cp
}

// StatueStatus is the per-statue view exposed by the status API.
type StatueStatus struct {
	Frequency   float64  `json:"frequency"`
	ToneEnabled bool     `json:"tone_enabled"`
	Alive       bool     `json:"alive"`
	LoopState   string   `json:"loop_state"`
	Overflows   uint64   `json:"overflows"`
	HasLink     bool     `json:"has_link"`
	Links       []string `json:"links"`
	BedOpen     bool     `json:"bed_open"`
	Error       string   `json:"error,omitempty"`
}

// Status assembles the consumer-facing view: the link snapshot plus
// per-statue liveness, tone state and bed gating.
func (s *Session) Status() map[string]StatueStatus {
	snap := s.graph.Snapshot()
	plan := s.Plan()

	s.failMu.Lock()
	failed := make(map[string]error, len(s.failed))
	for k, v := range s.failed {
		failed[k] = v
	}
	s.failMu.Unlock()

	out := make(map[string]StatueStatus, len(plan))
	for name, freq := range plan {
		st := StatueStatus{
			Frequency: freq,
			HasLink:   snap.HasLink[name],
			Links:     snap.Links[name],
			BedOpen:   snap.HasLink[name],
			Alive:     true,
			LoopState: LoopIdle.String(),
		}
		if tw, ok := s.writers[name]; ok {
			st.ToneEnabled = tw.Enabled()
		}
		if loop, ok := s.loops[name]; ok {
			st.LoopState = loop.State().String()
			st.Overflows = loop.Overflows()
		}
		if err, ok := failed[name]; ok {
			st.Alive = false
			st.Error = err.Error()
		}
		out[name] = st
	}
	return out
}

// Links returns a consistent link graph snapshot.
func (s *Session) Links() LinkSnapshot {
	return s.graph.Snapshot()
}

// Levels returns the latest pair readings.
func (s *Session) Levels() []PairReading {
	return s.sink.Snapshot()
}

// Spectrum computes a calibration spectrum from the statue's most
// recent capture block.
func (s *Session) Spectrum(name string) (*dsp.Spectrum, error) {
	loop, ok := s.loops[name]
	if !ok {
		return nil, fmt.Errorf("unknown statue %q", name)
	}
	block := loop.LastBlock()
	if block == nil {
		return nil, fmt.Errorf("statue %q has no capture data yet", name)
	}
	spec := dsp.AnalyzeBlock(block, float64(s.cfg.Audio.SampleRate))
	if spec == nil {
		return nil, fmt.Errorf("statue %q: capture block too short", name)
	}
	return spec, nil
}
