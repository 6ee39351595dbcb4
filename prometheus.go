package main

import (
	"context"
	"log"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
)

// StatueMetrics holds all Prometheus metric collectors for the
// detection engine and the host it runs on.
type StatueMetrics struct {
	// Detection metrics (detector/target labels)
	toneLevel       *prometheus.GaugeVec
	toneSNR         *prometheus.GaugeVec
	linksActive     *prometheus.GaugeVec
	linkTransitions *prometheus.CounterVec

	// Loop health (statue label)
	blocksProcessed  *prometheus.CounterVec
	captureOverflows *prometheus.CounterVec
	loopFailures     *prometheus.CounterVec
	blockProcessTime prometheus.Histogram

	// Host metrics (the detection loops share a small single-board
	// computer with the audio bed; CPU headroom matters)
	cpuPercent    prometheus.Gauge
	memoryPercent prometheus.Gauge
	goroutines    prometheus.Gauge
}

// NewStatueMetrics creates and registers all collectors.
func NewStatueMetrics() *StatueMetrics {
	return &StatueMetrics{
		toneLevel: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "statuelink_tone_level",
			Help: "Latest Goertzel magnitude per (detector, target) pair",
		}, []string{"detector", "target"}),
		toneSNR: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "statuelink_tone_snr_db",
			Help: "Latest tone SNR estimate in dB per (detector, target) pair",
		}, []string{"detector", "target"}),
		linksActive: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "statuelink_links_active",
			Help: "Number of currently linked peers per statue",
		}, []string{"statue"}),
		linkTransitions: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "statuelink_link_transitions_total",
			Help: "Edge-triggered link state transitions per (detector, peer) pair",
		}, []string{"detector", "peer"}),
		blocksProcessed: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "statuelink_blocks_processed_total",
			Help: "Capture blocks processed per statue",
		}, []string{"statue"}),
		captureOverflows: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "statuelink_capture_overflows_total",
			Help: "Capture input overruns per statue",
		}, []string{"statue"}),
		loopFailures: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "statuelink_loop_failures_total",
			Help: "Fatal detection loop failures per statue",
		}, []string{"statue"}),
		blockProcessTime: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "statuelink_block_process_seconds",
			Help:    "Time to probe one capture block for all peer frequencies",
			Buckets: prometheus.ExponentialBuckets(0.0001, 2, 10),
		}),
		cpuPercent: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "statuelink_cpu_percent",
			Help: "Host CPU utilization percent",
		}),
		memoryPercent: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "statuelink_memory_percent",
			Help: "Host memory utilization percent",
		}),
		goroutines: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "statuelink_goroutines",
			Help: "Number of goroutines",
		}),
	}
}

// StartSystemSampler updates host metrics every interval until the
// context is cancelled.
func (m *StatueMetrics) StartSystemSampler(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.sampleSystem()
			}
		}
	}()
}

func (m *StatueMetrics) sampleSystem() {
	if percents, err := cpu.Percent(0, false); err == nil && len(percents) > 0 {
		m.cpuPercent.Set(percents[0])
	} else if err != nil && DebugMode {
		log.Printf("Metrics: cpu sample failed: %v", err)
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		m.memoryPercent.Set(vm.UsedPercent)
	} else if DebugMode {
		log.Printf("Metrics: memory sample failed: %v", err)
	}
	m.goroutines.Set(float64(runtime.NumGoroutine()))
}
