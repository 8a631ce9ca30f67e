// Package tuner implements the optimization coordinator: it keeps a bounded
// history of performance snapshots, detects sustained breaches of its targets
// and answers with ordered candidate actions. When auto-tuning is enabled it
// applies the first feasible action itself, rewriting the pipeline, memory
// pool and quality configuration without a restart; applications are
// rate-limited by a cooldown so the system settles between adjustments.
package tuner

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/streamforge/framepipe/pkg/gpumem"
	"github.com/streamforge/framepipe/pkg/logger"
	"github.com/streamforge/framepipe/pkg/pipeline"
)

// Metrics is one performance snapshot fed to the tuner.
type Metrics struct {
	At                time.Time
	FPS               float64
	MemoryUtilization float64 // memory pool bytes / ceiling, in [0, 1]
	CPUPercent        float64 // host CPU, in [0, 1]
	QueueDepth        int
	Dropped           uint64
}

// Category names the dimension a suggestion addresses.
type Category string

const (
	CategoryFPS    Category = "fps"
	CategoryMemory Category = "memory"
	CategoryCPU    Category = "cpu"
)

// Action is one candidate adjustment, ordered most- to least-preferred.
type Action string

const (
	ActionSwitchModeRealtime Action = "switch_mode_realtime"
	ActionEnableFrameSkip    Action = "enable_frame_skip"
	ActionEnableCompression  Action = "enable_compression"
	ActionReduceWorkers      Action = "reduce_workers"
	ActionAddWorker          Action = "add_worker"
)

// Suggestion names a breached dimension, the offending windowed average, and
// the ordered candidate actions.
type Suggestion struct {
	Category Category
	Observed float64
	Target   float64
	Actions  []Action
}

// Targets are the steady-state goals the tuner steers toward.
type Targets struct {
	FPS               float64
	MemoryUtilization float64
	CPUPercent        float64
}

// Config carries the tuner knobs.
type Config struct {
	// Enabled gates Apply: when false the tuner only suggests.
	Enabled bool

	// Interval is the background analysis period.
	Interval time.Duration

	// StabilityWindow is the minimum snapshot count before any analysis.
	StabilityWindow int

	// RelativeThreshold is the fractional breach required before a
	// dimension is flagged (0.10 means 10% off target).
	RelativeThreshold float64

	// Cooldown is the minimum time between successful applications.
	Cooldown time.Duration

	// HistorySize bounds the snapshot history.
	HistorySize int

	Targets Targets
}

func DefaultConfig(targets Targets) Config {
	return Config{
		Enabled:           true,
		Interval:          time.Second,
		StabilityWindow:   10,
		RelativeThreshold: 0.10,
		Cooldown:          5 * time.Second,
		HistorySize:       60,
		Targets:           targets,
	}
}

// PipelineControl is the slice of the pipeline surface the tuner drives.
type PipelineControl interface {
	Settings() pipeline.Settings
	UpdateSettings(pipeline.Settings) error
	Stats() pipeline.Snapshot
}

// MemoryControl is the slice of the memory pool surface the tuner drives.
type MemoryControl interface {
	SetCompressionEnabled(bool)
	Stats() gpumem.Stats
}

// MetricsSource produces the snapshot the background loop records each tick.
type MetricsSource func() Metrics

// Tuner is the optimization coordinator.
type Tuner struct {
	cfg      Config
	pipeline PipelineControl
	memory   MemoryControl
	source   MetricsSource
	logger   logger.Logger

	mu          sync.Mutex
	history     []Metrics
	lastApplied time.Time

	cancel context.CancelFunc
	done   chan struct{}
}

// Opt configures a Tuner.
type Opt func(*Tuner)

func WithLogger(l logger.Logger) Opt {
	return func(t *Tuner) {
		t.logger = l
	}
}

// WithMetricsSource wires the snapshot producer used by the background loop.
func WithMetricsSource(src MetricsSource) Opt {
	return func(t *Tuner) {
		t.source = src
	}
}

func New(cfg Config, pipelineCtl PipelineControl, memoryCtl MemoryControl, opts ...Opt) *Tuner {
	t := &Tuner{
		cfg:      cfg,
		pipeline: pipelineCtl,
		memory:   memoryCtl,
		logger:   logger.NewNoopLogger(),
	}

	for _, opt := range opts {
		opt(t)
	}

	return t
}

// Record appends one snapshot to the bounded history.
func (t *Tuner) Record(m Metrics) {
	if m.At.IsZero() {
		m.At = time.Now()
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	t.history = append(t.history, m)
	if len(t.history) > t.cfg.HistorySize {
		t.history = t.history[len(t.history)-t.cfg.HistorySize:]
	}
}

// Analyze compares windowed averages against the targets. It returns nil
// until a full stability window of snapshots has been recorded.
func (t *Tuner) Analyze() []Suggestion {
	t.mu.Lock()
	defer t.mu.Unlock()

	if len(t.history) < t.cfg.StabilityWindow {
		return nil
	}

	window := t.history[len(t.history)-t.cfg.StabilityWindow:]

	var avgFPS, avgMem, avgCPU float64
	for _, m := range window {
		avgFPS += m.FPS
		avgMem += m.MemoryUtilization
		avgCPU += m.CPUPercent
	}
	n := float64(len(window))
	avgFPS /= n
	avgMem /= n
	avgCPU /= n

	var suggestions []Suggestion

	if t.cfg.Targets.FPS > 0 && avgFPS < t.cfg.Targets.FPS*(1-t.cfg.RelativeThreshold) {
		suggestions = append(suggestions, Suggestion{
			Category: CategoryFPS,
			Observed: avgFPS,
			Target:   t.cfg.Targets.FPS,
			Actions:  []Action{ActionSwitchModeRealtime, ActionEnableFrameSkip, ActionAddWorker},
		})
	}

	if t.cfg.Targets.MemoryUtilization > 0 && avgMem > t.cfg.Targets.MemoryUtilization*(1+t.cfg.RelativeThreshold) {
		suggestions = append(suggestions, Suggestion{
			Category: CategoryMemory,
			Observed: avgMem,
			Target:   t.cfg.Targets.MemoryUtilization,
			Actions:  []Action{ActionEnableCompression, ActionReduceWorkers},
		})
	}

	if t.cfg.Targets.CPUPercent > 0 && avgCPU > t.cfg.Targets.CPUPercent*(1+t.cfg.RelativeThreshold) {
		suggestions = append(suggestions, Suggestion{
			Category: CategoryCPU,
			Observed: avgCPU,
			Target:   t.cfg.Targets.CPUPercent,
			Actions:  []Action{ActionReduceWorkers, ActionEnableFrameSkip},
		})
	}

	return suggestions
}

// Apply executes the first feasible action of the first suggestion. It
// returns false without acting when auto-tuning is disabled, when the
// cooldown since the last successful adjustment has not elapsed, or when no
// action was applicable.
func (t *Tuner) Apply(suggestions []Suggestion) bool {
	if !t.cfg.Enabled || len(suggestions) == 0 {
		return false
	}

	// The mutex is held across the cooldown check and the adjustment so
	// concurrent callers cannot both pass the gate.
	t.mu.Lock()
	defer t.mu.Unlock()

	if time.Since(t.lastApplied) < t.cfg.Cooldown {
		return false
	}

	for _, suggestion := range suggestions {
		for _, action := range suggestion.Actions {
			if !t.applyAction(action) {
				continue
			}

			t.lastApplied = time.Now()

			t.logger.Info("auto-tuner applied adjustment",
				zap.String("category", string(suggestion.Category)),
				zap.String("action", string(action)),
				zap.Float64("observed", suggestion.Observed),
				zap.Float64("target", suggestion.Target),
			)
			return true
		}
	}
	return false
}

// applyAction mutates the owning component. It returns false when the action
// is already in effect or infeasible, so Apply can fall through to the next
// candidate.
func (t *Tuner) applyAction(action Action) bool {
	switch action {
	case ActionSwitchModeRealtime:
		s := t.pipeline.Settings()
		if s.Mode == pipeline.ModeRealtime {
			return false
		}
		s.Mode = pipeline.ModeRealtime
		return t.pipeline.UpdateSettings(s) == nil

	case ActionEnableFrameSkip:
		s := t.pipeline.Settings()
		if s.SkipStrategy == pipeline.SkipAdaptive {
			return false
		}
		s.SkipStrategy = pipeline.SkipAdaptive
		return t.pipeline.UpdateSettings(s) == nil

	case ActionEnableCompression:
		if t.memory.Stats().CompressionEnabled {
			return false
		}
		t.memory.SetCompressionEnabled(true)
		return true

	case ActionReduceWorkers:
		s := t.pipeline.Settings()
		if s.WorkerCount <= 1 {
			return false
		}
		s.WorkerCount--
		return t.pipeline.UpdateSettings(s) == nil

	case ActionAddWorker:
		s := t.pipeline.Settings()
		s.WorkerCount++
		return t.pipeline.UpdateSettings(s) == nil

	default:
		return false
	}
}

// Start launches the background analyze/apply loop. A metrics source must be
// wired. Implements the Startable capability.
func (t *Tuner) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)

	t.mu.Lock()
	if t.cancel != nil {
		t.mu.Unlock()
		cancel()
		return nil
	}
	done := make(chan struct{})
	t.cancel = cancel
	t.done = done
	t.mu.Unlock()

	go t.run(ctx, done)
	return nil
}

// Stop halts the background loop. Implements the Stoppable capability.
func (t *Tuner) Stop() error {
	t.mu.Lock()
	cancel := t.cancel
	done := t.done
	t.cancel = nil
	t.done = nil
	t.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
	return nil
}

func (t *Tuner) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(t.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if t.source == nil {
				continue
			}
			t.Record(t.source())
			if suggestions := t.Analyze(); len(suggestions) > 0 {
				t.Apply(suggestions)
			}
		}
	}
}

// LastApplied reports when the tuner last successfully adjusted anything.
func (t *Tuner) LastApplied() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastApplied
}
