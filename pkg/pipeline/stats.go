package pipeline

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/streamforge/framepipe/internal/build"
)

var (
	framesCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: build.ProjectName,
		Name:      "frames_total",
		Help:      "Frames by terminal outcome (processed, failed, retried).",
	}, []string{"outcome"})

	framesDroppedCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: build.ProjectName,
		Name:      "frames_dropped_total",
		Help:      "Dropped frames by reason.",
	}, []string{"reason"})

	processingSecondsHistogram = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: build.ProjectName,
		Name:      "frame_processing_seconds",
		Help:      "Stage-chain latency per frame.",
		Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5},
	})

	queueDepthGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: build.ProjectName,
		Name:      "queue_depth",
		Help:      "Current depth of the pipeline queues.",
	}, []string{"queue"})

	workerFaultsCounter = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: build.ProjectName,
		Name:      "worker_faults_total",
		Help:      "Worker goroutines respawned after an unexpected panic.",
	})
)

// latencyWindowSize bounds the rolling latency sample buffer.
const latencyWindowSize = 100

// processingStats holds the pipeline's rolling counters. Only worker and
// admission code mutates it; external readers get Snapshot copies.
type processingStats struct {
	submitted     atomic.Uint64
	processed     atomic.Uint64
	failed        atomic.Uint64
	dropped       atomic.Uint64
	retried       atomic.Uint64
	workerFaults  atomic.Uint64
	outputEvicted atomic.Uint64

	mu          sync.Mutex
	latencies   []time.Duration
	dropReasons map[DropReason]uint64
	startedAt   time.Time
}

func newProcessingStats() *processingStats {
	return &processingStats{
		latencies:   make([]time.Duration, 0, latencyWindowSize),
		dropReasons: make(map[DropReason]uint64),
		startedAt:   time.Now(),
	}
}

func (s *processingStats) recordLatency(d time.Duration) {
	processingSecondsHistogram.Observe(d.Seconds())

	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.latencies) == latencyWindowSize {
		copy(s.latencies, s.latencies[1:])
		s.latencies = s.latencies[:latencyWindowSize-1]
	}
	s.latencies = append(s.latencies, d)
}

func (s *processingStats) recordDrop(reason DropReason) {
	s.dropped.Add(1)
	framesDroppedCounter.WithLabelValues(string(reason)).Inc()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.dropReasons[reason]++
}

// avgLatency returns the mean of the most recent n latency samples.
func (s *processingStats) avgLatency(n int) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()

	tail := s.latencies
	if len(tail) == 0 {
		return 0
	}
	if len(tail) > n {
		tail = tail[len(tail)-n:]
	}
	var sum time.Duration
	for _, d := range tail {
		sum += d
	}
	return sum / time.Duration(len(tail))
}

// Snapshot is the read-only view handed to the auto-tuner and the host layer.
type Snapshot struct {
	Submitted     uint64
	Processed     uint64
	Failed        uint64
	Dropped       uint64
	Retried       uint64
	WorkerFaults  uint64
	OutputEvicted uint64

	InputDepth  int
	OutputDepth int

	AvgLatency time.Duration
	Throughput float64 // processed frames per second since start
	Uptime     time.Duration

	DropReasons map[DropReason]uint64
}

func (s *processingStats) snapshot(inputDepth, outputDepth int) Snapshot {
	s.mu.Lock()
	reasons := make(map[DropReason]uint64, len(s.dropReasons))
	for k, v := range s.dropReasons {
		reasons[k] = v
	}
	startedAt := s.startedAt
	s.mu.Unlock()

	uptime := time.Since(startedAt)
	processed := s.processed.Load()

	var throughput float64
	if uptime > 0 {
		throughput = float64(processed) / uptime.Seconds()
	}

	return Snapshot{
		Submitted:     s.submitted.Load(),
		Processed:     processed,
		Failed:        s.failed.Load(),
		Dropped:       s.dropped.Load(),
		Retried:       s.retried.Load(),
		WorkerFaults:  s.workerFaults.Load(),
		OutputEvicted: s.outputEvicted.Load(),
		InputDepth:    inputDepth,
		OutputDepth:   outputDepth,
		AvgLatency:    s.avgLatency(latencyWindowSize),
		Throughput:    throughput,
		Uptime:        uptime,
		DropReasons:   reasons,
	}
}
