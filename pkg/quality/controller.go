// Package quality implements the adaptive quality controller. It observes
// recent per-frame processing latency and input queue depth and derives a
// continuous quality factor that downstream stages use to cheapen their work
// under load.
package quality

import (
	"math"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/streamforge/framepipe/pkg/logger"
)

// Settings is the snapshot of knobs stages consult before doing work.
type Settings struct {
	// QualityFactor is a scalar in [floor, 1.0]; 1.0 means full quality.
	QualityFactor float64

	// ResolutionScale is the fraction of native resolution stages should
	// operate at. Never drops below 0.5.
	ResolutionScale float64

	// ProcessingScale is the fraction of optional per-stage work (model
	// passes, refinement iterations) stages should perform.
	ProcessingScale float64

	// FramesToSkip is how many incoming frames a stage may skip between
	// frames it fully processes.
	FramesToSkip int
}

type observation struct {
	processingTime time.Duration
	queueDepth     int
}

// Config carries the controller thresholds. The defaults are tuned starting
// points, not derived constants; callers may override any of them.
type Config struct {
	// TargetFrameTime is the per-frame latency budget the controller
	// steers toward.
	TargetFrameTime time.Duration

	// WindowSize bounds the rolling observation window.
	WindowSize int

	// MinSamples is the observation count below which the controller
	// leaves the quality factor untouched.
	MinSamples int

	// Step is the amount the quality factor moves per adjustment.
	Step float64

	// Floor is the lowest quality factor the controller will reach.
	Floor float64

	// DegradeLatencyFactor scales TargetFrameTime into the latency bound
	// above which quality is reduced.
	DegradeLatencyFactor float64

	// RecoverLatencyFactor scales TargetFrameTime into the latency bound
	// below which quality is raised.
	RecoverLatencyFactor float64

	// DegradeQueueDepth is the average depth above which quality is reduced.
	DegradeQueueDepth float64

	// RecoverQueueDepth is the average depth below which quality is raised.
	RecoverQueueDepth float64
}

// DefaultConfig returns the controller defaults for a given frame budget.
func DefaultConfig(targetFrameTime time.Duration) Config {
	return Config{
		TargetFrameTime:      targetFrameTime,
		WindowSize:           30,
		MinSamples:           5,
		Step:                 0.1,
		Floor:                0.1,
		DegradeLatencyFactor: 1.5,
		RecoverLatencyFactor: 0.8,
		DegradeQueueDepth:    3,
		RecoverQueueDepth:    2,
	}
}

// Controller is a hysteresis-style step controller. The degrade and recover
// thresholds are deliberately distinct so the factor does not oscillate when
// latency hovers near the budget.
type Controller struct {
	mu            sync.Mutex
	cfg           Config
	window        []observation
	qualityFactor float64
	adjustments   uint64
	logger        logger.Logger
}

// Opt configures a Controller.
type Opt func(*Controller)

func WithLogger(l logger.Logger) Opt {
	return func(c *Controller) {
		c.logger = l
	}
}

func NewController(cfg Config, opts ...Opt) *Controller {
	c := &Controller{
		cfg:           cfg,
		window:        make([]observation, 0, cfg.WindowSize),
		qualityFactor: 1.0,
		logger:        logger.NewNoopLogger(),
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// Update records one observation and re-evaluates the quality factor.
func (c *Controller) Update(processingTime time.Duration, queueDepth int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.window) == c.cfg.WindowSize {
		copy(c.window, c.window[1:])
		c.window = c.window[:c.cfg.WindowSize-1]
	}
	c.window = append(c.window, observation{processingTime: processingTime, queueDepth: queueDepth})

	if len(c.window) < c.cfg.MinSamples {
		return
	}

	avgTime := c.tailAvgTime(10)
	avgDepth := c.tailAvgDepth(5)

	target := c.cfg.TargetFrameTime.Seconds()
	prev := c.qualityFactor

	switch {
	case avgTime > c.cfg.DegradeLatencyFactor*target || avgDepth > c.cfg.DegradeQueueDepth:
		c.qualityFactor = math.Max(c.cfg.Floor, c.qualityFactor-c.cfg.Step)
	case avgTime < c.cfg.RecoverLatencyFactor*target && avgDepth < c.cfg.RecoverQueueDepth:
		c.qualityFactor = math.Min(1.0, c.qualityFactor+c.cfg.Step)
	}

	if c.qualityFactor != prev {
		c.adjustments++
		c.logger.Debug("quality factor adjusted",
			zap.Float64("from", prev),
			zap.Float64("to", c.qualityFactor),
			zap.Float64("avg_processing_seconds", avgTime),
			zap.Float64("avg_queue_depth", avgDepth),
		)
	}
}

// tailAvgTime averages processing time over the most recent n observations.
func (c *Controller) tailAvgTime(n int) float64 {
	tail := c.window
	if len(tail) > n {
		tail = tail[len(tail)-n:]
	}
	var sum float64
	for _, o := range tail {
		sum += o.processingTime.Seconds()
	}
	return sum / float64(len(tail))
}

// tailAvgDepth averages queue depth over the most recent n observations.
func (c *Controller) tailAvgDepth(n int) float64 {
	tail := c.window
	if len(tail) > n {
		tail = tail[len(tail)-n:]
	}
	var sum float64
	for _, o := range tail {
		sum += float64(o.queueDepth)
	}
	return sum / float64(len(tail))
}

// CurrentSettings derives the stage-facing settings from the quality factor.
func (c *Controller) CurrentSettings() Settings {
	c.mu.Lock()
	defer c.mu.Unlock()

	qf := c.qualityFactor
	return Settings{
		QualityFactor:   qf,
		ResolutionScale: math.Max(0.5, qf),
		ProcessingScale: qf,
		FramesToSkip:    int(math.Round((1 - qf) * 3)),
	}
}

// QualityFactor returns the current factor without deriving the full settings.
func (c *Controller) QualityFactor() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.qualityFactor
}

// Adjustments returns how many times the factor has moved since construction.
func (c *Controller) Adjustments() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.adjustments
}

// Reset clears the observation window and restores full quality.
func (c *Controller) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.window = c.window[:0]
	c.qualityFactor = 1.0
}
