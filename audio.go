package main

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cwsl/statuelink/dsp"
)

// ErrOverflow is returned by a capture read when the transport reports
// an input overrun. Samples were lost; the next read is best-effort.
var ErrOverflow = errors.New("capture overflow")

// ErrStreamClosed is returned once a stream has been closed.
var ErrStreamClosed = errors.New("stream closed")

// CaptureStream delivers fixed-size blocks of mono float samples from
// a statue's sense channel. ReadBlock blocks until a full block is
// available, the stream reports an overrun, or the stream is closed.
type CaptureStream interface {
	ReadBlock(dst []float32) error
	Close() error
}

// Transport opens capture streams for statues. The real hardware
// transports (ALSA, PortAudio) live outside this daemon and implement
// this interface; the loopback transport below covers demo and tests.
type Transport interface {
	OpenCapture(statue StatueConfig) (CaptureStream, error)
}

// ToneWriter renders one statue's tone into its sub-channel of an
// interleaved output block. It is called from the output transport's
// realtime callback: after construction it never allocates or locks.
// When the tone is disabled the phase still advances, so re-enabling
// continues where a continuously running tone would be.
type ToneWriter struct {
	source   *dsp.ToneSource
	channel  int
	channels int
	enabled  atomic.Bool
	mono     []float32
}

// NewToneWriter creates a writer for the given tone source and
// interleaved channel layout. blockSize is the frame count per block.
func NewToneWriter(source *dsp.ToneSource, channel, channels, blockSize int) *ToneWriter {
	tw := &ToneWriter{
		source:   source,
		channel:  channel,
		channels: channels,
		mono:     make([]float32, blockSize),
	}
	tw.enabled.Store(true)
	return tw
}

// Enabled reports whether the tone is currently being emitted.
func (tw *ToneWriter) Enabled() bool {
	return tw.enabled.Load()
}

// SetEnabled toggles tone emission.
func (tw *ToneWriter) SetEnabled(on bool) {
	tw.enabled.Store(on)
}

// RenderMono writes the next tone block into a mono buffer, or zeros
// it when the tone is disabled (still advancing the phase). Used by
// transports that take the tone pre-mix, like the loopback bus.
func (tw *ToneWriter) RenderMono(dst []float32) {
	if !tw.enabled.Load() {
		tw.source.Advance(len(dst))
		for i := range dst {
			dst[i] = 0
		}
		return
	}
	tw.source.NextBlock(dst)
}

// RenderInto adds the next tone block into the writer's channel of the
// interleaved buffer. len(interleaved) must be blockSize*channels.
func (tw *ToneWriter) RenderInto(interleaved []float32) {
	frames := len(interleaved) / tw.channels
	if frames > len(tw.mono) {
		frames = len(tw.mono)
	}
	if !tw.enabled.Load() {
		tw.source.Advance(frames)
		return
	}
	block := tw.mono[:frames]
	tw.source.NextBlock(block)
	for i := 0; i < frames; i++ {
		interleaved[i*tw.channels+tw.channel] += block[i]
	}
}

// ---------------------------------------------------------------------------
// Loopback transport
// ---------------------------------------------------------------------------

// LoopbackBus is an in-process transport: each statue's capture stream
// is fed from the attenuated tones of the statues currently "touching"
// it, plus a small ambient noise floor. It stands in for the hardware
// path in demo mode and in the end-to-end tests.
type LoopbackBus struct {
	sampleRate int
	blockSize  int
	noiseAmp   float64

	mu       sync.Mutex
	writers  map[string]*ToneWriter
	coupling map[[2]string]float64
	captures map[string]*loopbackCapture
}

type loopbackCapture struct {
	bus      *LoopbackBus
	name     string
	ch       chan []float32
	closed   bool // guarded by bus.mu
	overflow atomic.Bool
}

// NewLoopbackBus creates a bus with the given stream parameters.
func NewLoopbackBus(sampleRate, blockSize int, noiseAmp float64) *LoopbackBus {
	return &LoopbackBus{
		sampleRate: sampleRate,
		blockSize:  blockSize,
		noiseAmp:   noiseAmp,
		writers:    make(map[string]*ToneWriter),
		coupling:   make(map[[2]string]float64),
		captures:   make(map[string]*loopbackCapture),
	}
}

// AddTone registers a statue's tone writer with the bus. The writer's
// enable flag gates the tone in the loopback mix just as it would gate
// the hardware output channel.
func (b *LoopbackBus) AddTone(name string, writer *ToneWriter) {
	b.mu.Lock()
	b.writers[name] = writer
	b.mu.Unlock()
}

// SetCoupling sets the gain from statue a's tone into statue b's
// capture channel and vice versa (human contact couples both ways).
// Gain 0 removes the contact.
func (b *LoopbackBus) SetCoupling(a, c string, gain float64) {
	b.mu.Lock()
	if gain == 0 {
		delete(b.coupling, [2]string{a, c})
		delete(b.coupling, [2]string{c, a})
	} else {
		b.coupling[[2]string{a, c}] = gain
		b.coupling[[2]string{c, a}] = gain
	}
	b.mu.Unlock()
}

// OpenCapture implements Transport.
func (b *LoopbackBus) OpenCapture(statue StatueConfig) (CaptureStream, error) {
	lc := &loopbackCapture{
		bus:  b,
		name: statue.Name,
		ch:   make(chan []float32, 4),
	}
	b.mu.Lock()
	b.captures[statue.Name] = lc
	b.mu.Unlock()
	return lc, nil
}

// Run pumps one block per statue per block period until the context is
// cancelled, then closes all capture streams.
func (b *LoopbackBus) Run(ctx context.Context) {
	blockDur := time.Duration(float64(b.blockSize) / float64(b.sampleRate) * float64(time.Second))
	ticker := time.NewTicker(blockDur)
	defer ticker.Stop()

	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	tones := make(map[string][]float32)

	for {
		select {
		case <-ctx.Done():
			b.mu.Lock()
			for _, lc := range b.captures {
				if !lc.closed {
					lc.closed = true
					close(lc.ch)
				}
			}
			b.mu.Unlock()
			return
		case <-ticker.C:
		}

		b.mu.Lock()
		for name, tw := range b.writers {
			block := tones[name]
			if block == nil {
				block = make([]float32, b.blockSize)
				tones[name] = block
			}
			tw.RenderMono(block)
		}
		for name, lc := range b.captures {
			if lc.closed {
				continue
			}
			mixed := make([]float32, b.blockSize)
			for i := range mixed {
				mixed[i] = float32(b.noiseAmp * (2*rng.Float64() - 1))
			}
			for pair, gain := range b.coupling {
				if pair[1] != name {
					continue
				}
				tone := tones[pair[0]]
				if tone == nil {
					continue
				}
				for i := range mixed {
					mixed[i] += float32(gain) * tone[i]
				}
			}
			select {
			case lc.ch <- mixed:
			default:
				// Reader fell behind; drop the block like a
				// hardware overrun would.
				lc.overflow.Store(true)
			}
		}
		b.mu.Unlock()
	}
}

func (c *loopbackCapture) ReadBlock(dst []float32) error {
	if c.overflow.Swap(false) {
		return ErrOverflow
	}
	block, ok := <-c.ch
	if !ok {
		return ErrStreamClosed
	}
	n := copy(dst, block)
	for i := n; i < len(dst); i++ {
		dst[i] = 0
	}
	return nil
}

func (c *loopbackCapture) Close() error {
	c.bus.mu.Lock()
	if !c.closed {
		c.closed = true
		close(c.ch)
	}
	c.bus.mu.Unlock()
	return nil
}
