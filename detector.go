package main

import (
	"context"
	"errors"
	"log"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cwsl/statuelink/dsp"
)

// LoopState is the lifecycle state of one statue's detection loop.
type LoopState int32

const (
	LoopIdle LoopState = iota
	LoopRunning
	LoopStopping
	LoopStopped
)

func (s LoopState) String() string {
	switch s {
	case LoopIdle:
		return "idle"
	case LoopRunning:
		return "running"
	case LoopStopping:
		return "stopping"
	case LoopStopped:
		return "stopped"
	}
	return "unknown"
}

// peerTarget is one row of a loop's fixed peer table. The frequency is
// atomic so a runtime retune of the peer's tone takes effect on the
// detector's next block without any locking in the hot path.
type peerTarget struct {
	name     string
	freqBits atomic.Uint64
}

func newPeerTarget(name string, freq float64) *peerTarget {
	pt := &peerTarget{name: name}
	pt.freqBits.Store(math.Float64bits(freq))
	return pt
}

func (pt *peerTarget) frequency() float64 {
	return math.Float64frombits(pt.freqBits.Load())
}

func (pt *peerTarget) setFrequency(freq float64) {
	pt.freqBits.Store(math.Float64bits(freq))
}

// LinkEvent describes one edge-triggered link transition observed by a
// detector.
type LinkEvent struct {
	Detector string    `json:"detector"`
	Peer     string    `json:"peer"`
	Linked   bool      `json:"linked"`
	Changed  bool      `json:"changed"` // either statue's has-link state flipped
	Level    float64   `json:"level"`
	SNR      float64   `json:"snr_db"`
	Time     time.Time `json:"time"`
}

// DetectionLoop continuously reads capture blocks for one statue and
// probes them for every peer's tone frequency. Threshold crossings are
// edge-triggered into the LinkGraph; every reading goes to the sink.
type DetectionLoop struct {
	statue     string
	peers      []*peerTarget // fixed evaluation order
	capture    CaptureStream
	sampleRate float64
	threshold  float64

	graph   *LinkGraph
	sink    *MetricsSink
	metrics *StatueMetrics
	onEvent func(LinkEvent)
	onFatal func(statue string, err error)

	state     atomic.Int32
	overflows atomic.Uint64

	// linked holds the previous above-threshold boolean per peer.
	// Loop-goroutine-only, no locking needed.
	linked map[string]bool

	block []float32

	// lastBlock retains a copy of the newest capture block for the
	// calibration spectrum endpoint.
	lastMu    sync.Mutex
	lastBlock []float32
}

// NewDetectionLoop builds a loop for one statue. The peer table is
// fixed at construction; a statue with no peers should not get a loop.
func NewDetectionLoop(statue string, peers []*peerTarget, capture CaptureStream, sampleRate float64, blockSize int, threshold float64, graph *LinkGraph, sink *MetricsSink, metrics *StatueMetrics) *DetectionLoop {
	return &DetectionLoop{
		statue:     statue,
		peers:      peers,
		capture:    capture,
		sampleRate: sampleRate,
		threshold:  threshold,
		graph:      graph,
		sink:       sink,
		metrics:    metrics,
		linked:     make(map[string]bool, len(peers)),
		block:      make([]float32, blockSize),
	}
}

// State returns the loop's current lifecycle state.
func (dl *DetectionLoop) State() LoopState {
	return LoopState(dl.state.Load())
}

// Overflows returns the number of capture overruns seen so far.
func (dl *DetectionLoop) Overflows() uint64 {
	return dl.overflows.Load()
}

// LastBlock returns a copy of the most recent capture block, or nil if
// none has been read yet.
func (dl *DetectionLoop) LastBlock() []float32 {
	dl.lastMu.Lock()
	defer dl.lastMu.Unlock()
	if dl.lastBlock == nil {
		return nil
	}
	return append([]float32(nil), dl.lastBlock...)
}

// run is the loop body. The context is checked once per iteration; a
// blocked read is released within one block duration because the
// transport keeps delivering (or the session closes the stream).
func (dl *DetectionLoop) run(ctx context.Context) {
	dl.state.Store(int32(LoopRunning))
	defer dl.state.Store(int32(LoopStopped))

	if DebugMode {
		log.Printf("Detect[%s]: loop started, %d peers", dl.statue, len(dl.peers))
	}

	for {
		if ctx.Err() != nil {
			dl.state.Store(int32(LoopStopping))
			return
		}

		err := dl.capture.ReadBlock(dl.block)
		switch {
		case err == nil:
			dl.processBlock()
		case errors.Is(err, ErrOverflow):
			// Samples lost; count it and carry on with the next
			// best-effort read.
			dl.overflows.Add(1)
			if dl.metrics != nil {
				dl.metrics.captureOverflows.WithLabelValues(dl.statue).Inc()
			}
			if DebugMode {
				log.Printf("Detect[%s]: capture overflow", dl.statue)
			}
		case errors.Is(err, ErrStreamClosed), errors.Is(err, context.Canceled):
			dl.state.Store(int32(LoopStopping))
			return
		default:
			// Fatal for this statue only: drop its links so status
			// shows it unreachable, then surface the failure.
			log.Printf("Detect[%s]: fatal stream error: %v", dl.statue, err)
			dl.state.Store(int32(LoopStopping))
			dl.graph.DropStatue(dl.statue)
			if dl.metrics != nil {
				dl.metrics.loopFailures.WithLabelValues(dl.statue).Inc()
			}
			if dl.onFatal != nil {
				dl.onFatal(dl.statue, err)
			}
			return
		}
	}
}

// processBlock probes the block for every peer frequency in fixed
// order and raises edge-triggered link transitions.
func (dl *DetectionLoop) processBlock() {
	start := time.Now()

	dl.lastMu.Lock()
	if dl.lastBlock == nil {
		dl.lastBlock = make([]float32, len(dl.block))
	}
	copy(dl.lastBlock, dl.block)
	dl.lastMu.Unlock()

	for _, peer := range dl.peers {
		freq := peer.frequency()
		reading := dsp.DetectTone(dl.block, dl.sampleRate, freq)
		now := reading.Level > dl.threshold

		dl.sink.Store(PairReading{
			Detector:  dl.statue,
			Target:    peer.name,
			Frequency: freq,
			Level:     reading.Level,
			SNR:       reading.SNR,
			Linked:    now,
			Time:      start,
		})
		if dl.metrics != nil {
			dl.metrics.toneLevel.WithLabelValues(dl.statue, peer.name).Set(reading.Level)
			dl.metrics.toneSNR.WithLabelValues(dl.statue, peer.name).Set(reading.SNR)
		}

		// Edge trigger: only a change of the boolean reaches the
		// graph. A single block across the threshold flips state.
		if now == dl.linked[peer.name] {
			continue
		}
		dl.linked[peer.name] = now
		changed := dl.graph.UpdateLink(dl.statue, peer.name, now)
		if dl.metrics != nil {
			dl.metrics.linkTransitions.WithLabelValues(dl.statue, peer.name).Inc()
		}
		if dl.onEvent != nil {
			dl.onEvent(LinkEvent{
				Detector: dl.statue,
				Peer:     peer.name,
				Linked:   now,
				Changed:  changed,
				Level:    reading.Level,
				SNR:      reading.SNR,
				Time:     start,
			})
		}
	}

	if dl.metrics != nil {
		dl.metrics.blocksProcessed.WithLabelValues(dl.statue).Inc()
		dl.metrics.blockProcessTime.Observe(time.Since(start).Seconds())
	}
}
