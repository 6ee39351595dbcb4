package main

import (
	"context"
	"errors"
	"math"
	"testing"
)

// scriptedCapture replays a fixed sequence of blocks and errors, then
// reports the stream closed.
type scriptedCapture struct {
	steps []scriptStep
	i     int
}

type scriptStep struct {
	samples []float32
	err     error
}

func (c *scriptedCapture) ReadBlock(dst []float32) error {
	if c.i >= len(c.steps) {
		return ErrStreamClosed
	}
	step := c.steps[c.i]
	c.i++
	if step.err != nil {
		return step.err
	}
	copy(dst, step.samples)
	return nil
}

func (c *scriptedCapture) Close() error { return nil }

func toneBlock(n int, sampleRate, freq, amp float64) []float32 {
	block := make([]float32, n)
	for i := range block {
		block[i] = float32(amp * math.Sin(2*math.Pi*freq*float64(i)/sampleRate))
	}
	return block
}

const (
	testRate      = 44100.0
	testBlock     = 1024
	testThreshold = 50.0
)

func newTestLoop(capture CaptureStream, events *[]LinkEvent) (*DetectionLoop, *LinkGraph) {
	graph := NewLinkGraph([]string{"alpha", "bravo"})
	peers := []*peerTarget{newPeerTarget("bravo", 5300)}
	loop := NewDetectionLoop("alpha", peers, capture, testRate, testBlock, testThreshold,
		graph, NewMetricsSink(), nil)
	loop.onEvent = func(ev LinkEvent) { *events = append(*events, ev) }
	return loop, graph
}

func TestDetectionLoopEdgeTriggering(t *testing.T) {
	tone := toneBlock(testBlock, testRate, 5300, 0.5)
	silence := make([]float32, testBlock)

	capture := &scriptedCapture{steps: []scriptStep{
		{samples: tone}, // cross up: one event
		{samples: tone}, // still up: no event
		{samples: tone},
		{samples: silence}, // cross down: one event
		{samples: silence},
		{samples: tone}, // cross up again
	}}

	var events []LinkEvent
	loop, graph := newTestLoop(capture, &events)
	loop.run(context.Background())

	if len(events) != 3 {
		t.Fatalf("got %d events, want 3: %+v", len(events), events)
	}
	wantLinked := []bool{true, false, true}
	for i, ev := range events {
		if ev.Linked != wantLinked[i] {
			t.Errorf("event %d linked = %v, want %v", i, ev.Linked, wantLinked[i])
		}
		if !ev.Changed {
			t.Errorf("event %d should report a has-link change", i)
		}
		if ev.Detector != "alpha" || ev.Peer != "bravo" {
			t.Errorf("event %d pair = %s/%s", i, ev.Detector, ev.Peer)
		}
	}
	if !graph.Linked("alpha", "bravo") {
		t.Error("final state should be linked")
	}
	if loop.State() != LoopStopped {
		t.Errorf("loop state = %v, want stopped", loop.State())
	}
}

func TestDetectionLoopSingleBlockFlips(t *testing.T) {
	// One block over threshold is enough, and the very next silent
	// block drops the link again. No hysteresis.
	tone := toneBlock(testBlock, testRate, 5300, 0.5)
	silence := make([]float32, testBlock)

	capture := &scriptedCapture{steps: []scriptStep{
		{samples: tone},
		{samples: silence},
	}}
	var events []LinkEvent
	loop, _ := newTestLoop(capture, &events)
	loop.run(context.Background())

	if len(events) != 2 || !events[0].Linked || events[1].Linked {
		t.Fatalf("events = %+v, want link then unlink", events)
	}
}

func TestDetectionLoopOverflowContinues(t *testing.T) {
	tone := toneBlock(testBlock, testRate, 5300, 0.5)

	capture := &scriptedCapture{steps: []scriptStep{
		{err: ErrOverflow},
		{err: ErrOverflow},
		{samples: tone},
	}}
	var events []LinkEvent
	loop, graph := newTestLoop(capture, &events)
	loop.run(context.Background())

	if loop.Overflows() != 2 {
		t.Errorf("overflows = %d, want 2", loop.Overflows())
	}
	if len(events) != 1 || !events[0].Linked {
		t.Fatalf("events = %+v, want one link event after overflows", events)
	}
	if !graph.Linked("alpha", "bravo") {
		t.Error("link should survive the overflows")
	}
}

func TestDetectionLoopFatalErrorDropsStatue(t *testing.T) {
	tone := toneBlock(testBlock, testRate, 5300, 0.5)
	deviceErr := errors.New("capture device unplugged")

	capture := &scriptedCapture{steps: []scriptStep{
		{samples: tone},
		{err: deviceErr},
		{samples: tone}, // must never be reached
	}}
	var events []LinkEvent
	loop, graph := newTestLoop(capture, &events)

	var fatalStatue string
	var fatalErr error
	loop.onFatal = func(statue string, err error) {
		fatalStatue = statue
		fatalErr = err
	}
	loop.run(context.Background())

	if fatalStatue != "alpha" || !errors.Is(fatalErr, deviceErr) {
		t.Errorf("onFatal got %q/%v", fatalStatue, fatalErr)
	}
	if graph.Linked("alpha", "bravo") {
		t.Error("fatal error must drop the statue's links")
	}
	if capture.i != 2 {
		t.Errorf("loop read %d blocks, want exit right after the fatal error", capture.i)
	}
	if loop.State() != LoopStopped {
		t.Errorf("loop state = %v, want stopped", loop.State())
	}
}

func TestDetectionLoopCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	capture := &scriptedCapture{steps: []scriptStep{
		{samples: toneBlock(testBlock, testRate, 5300, 0.5)},
	}}
	var events []LinkEvent
	loop, _ := newTestLoop(capture, &events)
	loop.run(ctx)

	if capture.i != 0 {
		t.Error("cancelled loop should not read")
	}
	if len(events) != 0 {
		t.Errorf("cancelled loop produced events: %+v", events)
	}
}

func TestDetectionLoopRetune(t *testing.T) {
	// Retuning the peer's row switches which frequency the detector
	// responds to on the next block.
	old := toneBlock(testBlock, testRate, 5300, 0.5)
	retuned := toneBlock(testBlock, testRate, 2100, 0.5)

	graph := NewLinkGraph([]string{"alpha", "bravo"})
	pt := newPeerTarget("bravo", 5300)
	sink := NewMetricsSink()
	loop := NewDetectionLoop("alpha", []*peerTarget{pt}, nil, testRate, testBlock, testThreshold,
		graph, sink, nil)

	copy(loop.block, old)
	loop.processBlock()
	if r, _ := sink.Get("alpha", "bravo"); r.Level < testThreshold {
		t.Fatalf("level %g below threshold before retune", r.Level)
	}

	pt.setFrequency(2100)

	copy(loop.block, old)
	loop.processBlock()
	if r, _ := sink.Get("alpha", "bravo"); r.Level > testThreshold {
		t.Errorf("old tone still detected after retune, level %g", r.Level)
	}

	copy(loop.block, retuned)
	loop.processBlock()
	r, _ := sink.Get("alpha", "bravo")
	if r.Level < testThreshold {
		t.Errorf("retuned tone not detected, level %g", r.Level)
	}
	if r.Frequency != 2100 {
		t.Errorf("reading frequency = %g, want 2100", r.Frequency)
	}
}

func TestDetectionLoopLastBlock(t *testing.T) {
	tone := toneBlock(testBlock, testRate, 5300, 0.5)
	capture := &scriptedCapture{steps: []scriptStep{{samples: tone}}}

	var events []LinkEvent
	loop, _ := newTestLoop(capture, &events)
	if loop.LastBlock() != nil {
		t.Fatal("LastBlock before any read should be nil")
	}
	loop.run(context.Background())

	got := loop.LastBlock()
	if len(got) != testBlock {
		t.Fatalf("LastBlock length = %d", len(got))
	}
	for i := range got {
		if got[i] != tone[i] {
			t.Fatalf("LastBlock differs from captured block at %d", i)
		}
	}
	// Mutating the returned copy must not touch the retained block.
	got[0] = 42
	if loop.LastBlock()[0] == 42 {
		t.Error("LastBlock returned the internal buffer")
	}
}
