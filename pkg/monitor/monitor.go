// Package monitor implements the resource monitor: it samples host memory,
// GPU memory and CPU load on a fixed interval and raises pressure events to
// registered callbacks when a reading crosses its threshold. The monitor runs
// on its own loop, independent of the pipeline, and isolates callback panics
// so one faulty subscriber cannot stop monitoring.
package monitor

import (
	"context"
	"sync"
	"time"

	"github.com/sourcegraph/conc/panics"
	"go.uber.org/zap"

	"github.com/streamforge/framepipe/pkg/logger"
)

// ResourceType identifies which resource crossed its threshold.
type ResourceType string

const (
	SystemMemory ResourceType = "system_memory"
	GPUMemory    ResourceType = "gpu_memory"
	CPU          ResourceType = "cpu"
)

// Event describes one threshold crossing.
type Event struct {
	Type      ResourceType
	Device    string // populated for GPU events
	Value     float64
	Threshold float64
	At        time.Time
}

// Callback receives pressure events. Callbacks must be fast; slow subscribers
// delay the sampling loop.
type Callback func(Event)

// Sample is one reading of all monitored resources. Percentages are in [0, 1].
type Sample struct {
	SystemMemoryPercent float64
	CPUPercent          float64
	GPUMemoryPercent    map[string]float64
}

// Sampler produces resource readings. The default implementation reads host
// metrics through gopsutil; deployments with GPUs inject a sampler that also
// fills in per-device memory fractions.
type Sampler interface {
	Sample(ctx context.Context) (Sample, error)
}

// Config carries the monitor thresholds and interval.
type Config struct {
	Interval              time.Duration
	SystemMemoryThreshold float64
	GPUMemoryThreshold    float64
	CPUThreshold          float64
}

func DefaultConfig() Config {
	return Config{
		Interval:              5 * time.Second,
		SystemMemoryThreshold: 0.85,
		GPUMemoryThreshold:    0.90,
		CPUThreshold:          0.80,
	}
}

// Monitor fans pressure events out to subscribers.
type Monitor struct {
	cfg     Config
	sampler Sampler
	logger  logger.Logger

	mu        sync.Mutex
	callbacks []Callback
	cancel    context.CancelFunc
	done      chan struct{}

	lastMu sync.Mutex
	last   Sample
	lastAt time.Time
}

// Opt configures a Monitor.
type Opt func(*Monitor)

func WithLogger(l logger.Logger) Opt {
	return func(m *Monitor) {
		m.logger = l
	}
}

// WithSampler overrides the default host sampler.
func WithSampler(s Sampler) Opt {
	return func(m *Monitor) {
		m.sampler = s
	}
}

func New(cfg Config, opts ...Opt) *Monitor {
	m := &Monitor{
		cfg:     cfg,
		sampler: NewHostSampler(nil),
		logger:  logger.NewNoopLogger(),
	}

	for _, opt := range opts {
		opt(m)
	}

	return m
}

// AddCallback registers fn for pressure events. Safe to call while running.
func (m *Monitor) AddCallback(fn Callback) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.callbacks = append(m.callbacks, fn)
}

// Start launches the sampling loop. Implements the Startable capability.
func (m *Monitor) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)

	m.mu.Lock()
	if m.cancel != nil {
		m.mu.Unlock()
		cancel()
		return nil
	}
	done := make(chan struct{})
	m.cancel = cancel
	m.done = done
	m.mu.Unlock()

	go m.run(ctx, done)
	return nil
}

// Stop halts the sampling loop and waits for it to exit. Implements the
// Stoppable capability.
func (m *Monitor) Stop() error {
	m.mu.Lock()
	cancel := m.cancel
	done := m.done
	m.cancel = nil
	m.done = nil
	m.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
	return nil
}

func (m *Monitor) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sampleOnce(ctx)
		}
	}
}

func (m *Monitor) sampleOnce(ctx context.Context) {
	sample, err := m.sampler.Sample(ctx)
	if err != nil {
		m.logger.Warn("resource sample failed", zap.Error(err))
		return
	}

	now := time.Now()

	m.lastMu.Lock()
	m.last = sample
	m.lastAt = now
	m.lastMu.Unlock()

	var events []Event
	if sample.SystemMemoryPercent > m.cfg.SystemMemoryThreshold {
		events = append(events, Event{
			Type:      SystemMemory,
			Value:     sample.SystemMemoryPercent,
			Threshold: m.cfg.SystemMemoryThreshold,
			At:        now,
		})
	}
	if sample.CPUPercent > m.cfg.CPUThreshold {
		events = append(events, Event{
			Type:      CPU,
			Value:     sample.CPUPercent,
			Threshold: m.cfg.CPUThreshold,
			At:        now,
		})
	}
	for device, frac := range sample.GPUMemoryPercent {
		if frac > m.cfg.GPUMemoryThreshold {
			events = append(events, Event{
				Type:      GPUMemory,
				Device:    device,
				Value:     frac,
				Threshold: m.cfg.GPUMemoryThreshold,
				At:        now,
			})
		}
	}

	if len(events) == 0 {
		return
	}

	m.mu.Lock()
	callbacks := make([]Callback, len(m.callbacks))
	copy(callbacks, m.callbacks)
	m.mu.Unlock()

	for _, event := range events {
		m.logger.Warn("resource pressure",
			zap.String("type", string(event.Type)),
			zap.String("device", event.Device),
			zap.Float64("value", event.Value),
			zap.Float64("threshold", event.Threshold),
		)
		for _, fn := range callbacks {
			fn := fn
			event := event
			if r := panics.Try(func() { fn(event) }); r != nil {
				m.logger.Error("pressure callback panicked", zap.String("panic", r.String()))
			}
		}
	}
}

// LastSample returns the most recent reading and when it was taken.
func (m *Monitor) LastSample() (Sample, time.Time) {
	m.lastMu.Lock()
	defer m.lastMu.Unlock()
	return m.last, m.lastAt
}
