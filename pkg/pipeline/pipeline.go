// Package pipeline implements the real-time frame processing pipeline: a
// bounded input queue, a supervised worker pool running an ordered chain of
// transform stages, and a bounded output queue that favors fresh results.
// Admission control, drop accounting and the adaptive quality feedback loop
// live here; the actual face-detection/alignment/swap transforms are opaque
// stage functions injected by the caller.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sourcegraph/conc/panics"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/streamforge/framepipe/internal/pipe"
	"github.com/streamforge/framepipe/pkg/logger"
	"github.com/streamforge/framepipe/pkg/quality"
	"github.com/streamforge/framepipe/pkg/telemetry"
)

var tracer = otel.Tracer("pkg/pipeline")

var (
	// ErrAlreadyStarted is returned by Start when the pipeline is running.
	ErrAlreadyStarted = errors.New("pipeline already started")

	// ErrNotRunning is returned by Pause/Resume outside the running states.
	ErrNotRunning = errors.New("pipeline is not running")
)

// Stage is one transform in the chain. It receives the current frame buffer
// and the task metadata (which includes the published quality settings) and
// returns the transformed buffer. Stages must be safe for concurrent use
// across workers.
type Stage func(frame []byte, metadata map[string]any) ([]byte, error)

type stageEntry struct {
	name     string
	fn       Stage
	priority int
}

// State is the pipeline lifecycle state.
type State int

const (
	StateStopped State = iota
	StateRunning
	StatePaused
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateRunning:
		return "running"
	case StatePaused:
		return "paused"
	default:
		return "unknown"
	}
}

// Settings is the runtime-tunable portion of the pipeline configuration.
// Settings objects are immutable snapshots swapped atomically, so workers
// never observe a partially updated configuration.
type Settings struct {
	WorkerCount     int
	Mode            Mode
	SkipStrategy    SkipStrategy
	TargetFrameTime time.Duration
	MaxRetries      int
}

// Config carries the construction-time pipeline configuration.
type Config struct {
	InputQueueSize  int
	OutputQueueSize int
	Settings        Settings
}

func DefaultConfig() Config {
	return Config{
		InputQueueSize:  8,
		OutputQueueSize: 8,
		Settings: Settings{
			WorkerCount:     2,
			Mode:            ModeBalanced,
			SkipStrategy:    SkipAdaptive,
			TargetFrameTime: 33 * time.Millisecond,
			MaxRetries:      1,
		},
	}
}

// pollInterval bounds how long a worker blocks on the input queue before
// re-checking the lifecycle state.
const pollInterval = 50 * time.Millisecond

// Callbacks are the host-layer hooks. All hooks are optional and are invoked
// from worker or submitter goroutines, outside any pipeline lock.
type Callbacks struct {
	OnFrameProcessed func(*Task)
	OnFrameDropped   func(*Task, DropReason)
	OnError          func(*Task)
}

// Pipeline is the frame processing pipeline.
type Pipeline struct {
	cfg       Config
	settings  atomic.Pointer[Settings]
	runID     string
	callbacks Callbacks

	input  *pipe.Queue[*Task]
	output *pipe.Queue[*Task]

	stagesMu sync.RWMutex
	stages   []stageEntry

	stateMu   sync.Mutex
	stateCond *sync.Cond
	state     State
	liveness  int // workers currently alive, for Stop to wait on

	wg     sync.WaitGroup
	nextID atomic.Uint64

	stats   *processingStats
	quality *quality.Controller
	logger  logger.Logger
}

// Opt configures a Pipeline.
type Opt func(*Pipeline)

func WithLogger(l logger.Logger) Opt {
	return func(p *Pipeline) {
		p.logger = l
	}
}

// WithQualityController injects the adaptive quality controller the pipeline
// feeds and consults. Without one, quality publishing is skipped.
func WithQualityController(c *quality.Controller) Opt {
	return func(p *Pipeline) {
		p.quality = c
	}
}

func WithCallbacks(cb Callbacks) Opt {
	return func(p *Pipeline) {
		p.callbacks = cb
	}
}

func New(cfg Config, opts ...Opt) (*Pipeline, error) {
	if cfg.InputQueueSize <= 0 || cfg.OutputQueueSize <= 0 {
		return nil, fmt.Errorf("queue sizes must be positive (input=%d output=%d)", cfg.InputQueueSize, cfg.OutputQueueSize)
	}
	if err := validateSettings(cfg.Settings); err != nil {
		return nil, err
	}

	p := &Pipeline{
		cfg:    cfg,
		runID:  uuid.NewString(),
		stats:  newProcessingStats(),
		logger: logger.NewNoopLogger(),
	}
	p.stateCond = sync.NewCond(&p.stateMu)
	settings := cfg.Settings
	p.settings.Store(&settings)

	for _, opt := range opts {
		opt(p)
	}

	p.logger = p.logger.With(zap.String("pipeline_run_id", p.runID))
	return p, nil
}

func validateSettings(s Settings) error {
	if s.WorkerCount <= 0 {
		return fmt.Errorf("worker count must be positive, got %d", s.WorkerCount)
	}
	if s.TargetFrameTime <= 0 {
		return fmt.Errorf("target frame time must be positive, got %s", s.TargetFrameTime)
	}
	if s.MaxRetries < 0 {
		return fmt.Errorf("max retries must be non-negative, got %d", s.MaxRetries)
	}
	return nil
}

// AddProcessor registers a transform stage. Stages run in ascending priority
// order; ties run in registration order. Stages cannot be added while the
// pipeline is running.
func (p *Pipeline) AddProcessor(name string, fn Stage, priority int) error {
	if p.State() != StateStopped {
		return fmt.Errorf("cannot add processor %q while pipeline is %s", name, p.State())
	}

	p.stagesMu.Lock()
	defer p.stagesMu.Unlock()

	p.stages = append(p.stages, stageEntry{name: name, fn: fn, priority: priority})
	sort.SliceStable(p.stages, func(i, j int) bool {
		return p.stages[i].priority < p.stages[j].priority
	})
	return nil
}

// Start transitions STOPPED -> RUNNING and spawns the worker pool.
// Implements the Startable capability.
func (p *Pipeline) Start(_ context.Context) error {
	p.stateMu.Lock()
	defer p.stateMu.Unlock()

	if p.state != StateStopped {
		return ErrAlreadyStarted
	}

	p.input = pipe.Must[*Task](p.cfg.InputQueueSize)
	p.output = pipe.Must[*Task](p.cfg.OutputQueueSize)

	s := p.settings.Load()
	p.state = StateRunning
	p.liveness = s.WorkerCount
	for id := 0; id < s.WorkerCount; id++ {
		p.wg.Add(1)
		go p.superviseWorker(id)
	}

	p.logger.Info("pipeline started",
		zap.Int("workers", s.WorkerCount),
		zap.String("mode", s.Mode.String()),
		zap.String("skip_strategy", s.SkipStrategy.String()),
	)
	return nil
}

// Pause transitions RUNNING -> PAUSED. Submissions are still accepted but no
// worker dequeues until Resume.
func (p *Pipeline) Pause() error {
	p.stateMu.Lock()
	defer p.stateMu.Unlock()

	if p.state != StateRunning {
		return ErrNotRunning
	}
	p.state = StatePaused
	p.stateCond.Broadcast()
	p.logger.Info("pipeline paused")
	return nil
}

// Resume transitions PAUSED -> RUNNING.
func (p *Pipeline) Resume() error {
	p.stateMu.Lock()
	defer p.stateMu.Unlock()

	if p.state != StatePaused {
		return ErrNotRunning
	}
	p.state = StateRunning
	p.stateCond.Broadcast()
	p.logger.Info("pipeline resumed")
	return nil
}

// Stop signals all workers to exit after their current task and waits for
// them. Queued input tasks are abandoned; completed results remain on the
// output queue and stay receivable until drained. Implements the Stoppable
// capability.
func (p *Pipeline) Stop() error {
	p.stateMu.Lock()
	if p.state == StateStopped {
		p.stateMu.Unlock()
		return nil
	}
	p.state = StateStopped
	p.stateCond.Broadcast()
	input := p.input
	output := p.output
	p.stateMu.Unlock()

	input.Close()
	p.wg.Wait()
	output.Close()

	p.logger.Info("pipeline stopped", zap.Uint64("processed", p.stats.processed.Load()))
	return nil
}

// State returns the current lifecycle state.
func (p *Pipeline) State() State {
	p.stateMu.Lock()
	defer p.stateMu.Unlock()
	return p.state
}

// Settings returns the active settings snapshot.
func (p *Pipeline) Settings() Settings {
	return *p.settings.Load()
}

// UpdateSettings validates and atomically swaps the runtime settings. The
// previous settings remain active when validation fails. Worker count changes
// take effect without restarting the pipeline.
func (p *Pipeline) UpdateSettings(s Settings) error {
	if err := validateSettings(s); err != nil {
		return fmt.Errorf("invalid settings: %w", err)
	}

	prev := p.settings.Load()
	next := s
	p.settings.Store(&next)

	p.stateMu.Lock()
	if p.state != StateStopped && s.WorkerCount > p.liveness {
		for id := p.liveness; id < s.WorkerCount; id++ {
			p.liveness++
			p.wg.Add(1)
			go p.superviseWorker(id)
		}
	}
	// Shrinking relies on workers observing the new snapshot and exiting.
	p.stateCond.Broadcast()
	p.stateMu.Unlock()

	p.logger.Info("pipeline settings updated",
		zap.String("mode", s.Mode.String()),
		zap.String("skip_strategy", s.SkipStrategy.String()),
		zap.Int("workers", s.WorkerCount),
		zap.Int("previous_workers", prev.WorkerCount),
	)
	return nil
}

// Submit enqueues a frame unless the admission policy rejects it. It returns
// false when the frame was dropped or the pipeline is stopped. In QUALITY and
// BATCH modes a full queue blocks the caller instead of dropping.
func (p *Pipeline) Submit(frame []byte, metadata map[string]any) bool {
	return p.SubmitWithPriority(frame, metadata, PriorityNormal)
}

// SubmitWithPriority is Submit with an explicit admission priority.
func (p *Pipeline) SubmitWithPriority(frame []byte, metadata map[string]any, prio Priority) bool {
	if p.State() == StateStopped {
		return false
	}

	s := p.settings.Load()

	if metadata == nil {
		metadata = make(map[string]any, 1)
	}
	t := &Task{
		ID:          p.nextID.Add(1),
		Frame:       frame,
		Metadata:    metadata,
		Priority:    prio,
		SubmittedAt: time.Now(),
	}
	metadata[MetaFrameID] = t.ID

	p.stats.submitted.Add(1)

	// Adaptive skip rejects up front while the pipeline runs behind its
	// frame budget, regardless of queue occupancy.
	if s.SkipStrategy == SkipAdaptive && p.behindSchedule(s) {
		p.drop(t, DropAdaptiveSkip)
		return false
	}

	if p.input.TrySend(t) {
		queueDepthGauge.WithLabelValues("input").Set(float64(p.input.Len()))
		return true
	}

	// Input queue full: mode decides.
	switch s.Mode {
	case ModeQuality, ModeBatch:
		if !p.input.Send(t) {
			p.drop(t, DropShutdown)
			return false
		}
		return true

	case ModeBalanced:
		if victim, ok := p.reclaimSlot(s.SkipStrategy); ok {
			p.drop(victim, DropEvicted)
		}
		if p.input.TrySend(t) {
			return true
		}
		p.drop(t, DropQueueFull)
		return false

	default: // ModeRealtime
		p.drop(t, DropQueueFull)
		return false
	}
}

// reclaimSlot evicts one queued task according to the skip strategy.
func (p *Pipeline) reclaimSlot(strategy SkipStrategy) (*Task, bool) {
	if strategy == SkipDropLowestPriority {
		return p.input.EvictMin(func(a, b *Task) bool {
			if a.Priority != b.Priority {
				return a.Priority < b.Priority
			}
			return a.ID < b.ID
		})
	}
	return p.input.EvictOldest()
}

// behindSchedule reports whether recent stage latency exceeds the frame
// budget while the input queue is at least half full.
func (p *Pipeline) behindSchedule(s *Settings) bool {
	avg := p.stats.avgLatency(10)
	if avg <= s.TargetFrameTime {
		return false
	}
	return p.input.Len() >= p.cfg.InputQueueSize/2
}

func (p *Pipeline) drop(t *Task, reason DropReason) {
	p.stats.recordDrop(reason)
	p.logger.Debug("frame dropped",
		zap.Uint64("frame_id", t.ID),
		zap.String("reason", string(reason)),
	)
	if p.callbacks.OnFrameDropped != nil {
		p.callbacks.OnFrameDropped(t, reason)
	}
}

// TakeResult dequeues one completed task, blocking up to timeout. It returns
// (nil, false) on timeout or after the pipeline stopped and the output queue
// drained.
func (p *Pipeline) TakeResult(timeout time.Duration) (*Task, bool) {
	p.stateMu.Lock()
	output := p.output
	p.stateMu.Unlock()
	if output == nil {
		return nil, false
	}

	var t *Task
	if !output.RecvTimeout(&t, timeout) {
		return nil, false
	}
	queueDepthGauge.WithLabelValues("output").Set(float64(output.Len()))
	return t, true
}

// Stats returns a read-only snapshot of the pipeline counters.
func (p *Pipeline) Stats() Snapshot {
	p.stateMu.Lock()
	input, output := p.input, p.output
	p.stateMu.Unlock()

	inDepth, outDepth := 0, 0
	if input != nil {
		inDepth = input.Len()
	}
	if output != nil {
		outDepth = output.Len()
	}
	return p.stats.snapshot(inDepth, outDepth)
}

// QualityInfo returns the current adaptive quality settings, if a controller
// is attached.
func (p *Pipeline) QualityInfo() (quality.Settings, bool) {
	if p.quality == nil {
		return quality.Settings{}, false
	}
	return p.quality.CurrentSettings(), true
}

// superviseWorker runs the worker loop and respawns it after an unexpected
// panic. A stage panic is handled inside the loop and never reaches here; a
// supervisor catch means the worker itself faulted.
func (p *Pipeline) superviseWorker(id int) {
	defer p.wg.Done()
	defer func() {
		p.stateMu.Lock()
		p.liveness--
		p.stateMu.Unlock()
	}()

	for {
		r := panics.Try(func() { p.workerLoop(id) })
		if r == nil {
			return
		}

		p.stats.workerFaults.Add(1)
		workerFaultsCounter.Inc()
		p.logger.Error("worker faulted, respawning",
			zap.Int("worker_id", id),
			zap.String("panic", r.String()),
		)
	}
}

// workerLoop pulls tasks and runs the stage chain until the pipeline stops or
// the worker becomes superfluous after a settings shrink.
func (p *Pipeline) workerLoop(id int) {
	for {
		if !p.awaitRunnable(id) {
			return
		}

		var t *Task
		if !p.input.RecvTimeout(&t, pollInterval) {
			continue
		}
		p.process(t)
	}
}

// awaitRunnable blocks while the pipeline is paused. It returns false when
// the pipeline stopped or the worker's id exceeds the configured count.
func (p *Pipeline) awaitRunnable(id int) bool {
	p.stateMu.Lock()
	defer p.stateMu.Unlock()

	for p.state == StatePaused {
		p.stateCond.Wait()
	}
	if p.state == StateStopped {
		return false
	}
	return id < p.settings.Load().WorkerCount
}

// process runs one task through the ordered stage chain. Stage errors and
// panics are recovered locally: the task flows to the output queue carrying
// the error rather than halting the worker.
func (p *Pipeline) process(t *Task) {
	_, span := tracer.Start(context.Background(), "pipeline.process")
	span.SetAttributes(
		attribute.Int64("frame.id", int64(t.ID)),
		attribute.Int("frame.attempt", t.Attempts),
	)
	defer span.End()

	s := p.settings.Load()

	p.publishQuality(t)

	p.stagesMu.RLock()
	stages := make([]stageEntry, len(p.stages))
	copy(stages, p.stages)
	p.stagesMu.RUnlock()

	start := time.Now()
	t.StartedAt = start
	t.Attempts++

	frame := t.Frame
	t.Err = nil
	for _, stage := range stages {
		out, err := runStage(stage, frame, t.Metadata)
		if err != nil {
			t.Err = fmt.Errorf("stage %s: %w", stage.name, err)
			break
		}
		frame = out
	}

	elapsed := time.Since(start)
	t.ProcessingTime += elapsed
	t.CompletedAt = time.Now()
	p.stats.recordLatency(elapsed)

	if p.quality != nil {
		p.quality.Update(elapsed, p.input.Len())
	}

	if t.Err != nil {
		telemetry.TraceError(span, t.Err)

		if t.Attempts <= s.MaxRetries && p.input.TrySend(t) {
			p.stats.retried.Add(1)
			framesCounter.WithLabelValues("retried").Inc()
			return
		}

		p.stats.failed.Add(1)
		framesCounter.WithLabelValues("failed").Inc()
		p.logger.Warn("frame failed",
			zap.Uint64("frame_id", t.ID),
			zap.Int("attempts", t.Attempts),
			zap.Error(t.Err),
		)
	} else {
		t.Result = frame
		p.stats.processed.Add(1)
		framesCounter.WithLabelValues("processed").Inc()
	}

	p.deliver(t)
}

// runStage executes one stage, converting a panic into a stage error.
func runStage(stage stageEntry, frame []byte, metadata map[string]any) (out []byte, err error) {
	r := panics.Try(func() {
		out, err = stage.fn(frame, metadata)
	})
	if r != nil {
		return nil, fmt.Errorf("panic: %v", r.Value)
	}
	return out, err
}

// deliver publishes a completed (or failed) task to the output queue,
// evicting the oldest completed result when full: output freshness matters
// as much as input freshness.
func (p *Pipeline) deliver(t *Task) {
	evicted, didEvict, ok := p.output.SendEvictOldest(t)
	if !ok {
		// Pipeline shut down mid-flight; the result is abandoned.
		return
	}
	if didEvict {
		// Not counted as a frame drop: the evicted task already reached a
		// terminal outcome. Tracked separately so staleness is observable.
		p.stats.outputEvicted.Add(1)
		framesDroppedCounter.WithLabelValues(string(DropOutputEvicted)).Inc()
		if p.callbacks.OnFrameDropped != nil {
			p.callbacks.OnFrameDropped(evicted, DropOutputEvicted)
		}
	}

	if t.Err != nil {
		if p.callbacks.OnError != nil {
			p.callbacks.OnError(t)
		}
		return
	}
	if p.callbacks.OnFrameProcessed != nil {
		p.callbacks.OnFrameProcessed(t)
	}
}

// publishQuality copies the controller's current settings into the task
// metadata so stages (and downstream consumers) can self-limit resolution
// and complexity.
func (p *Pipeline) publishQuality(t *Task) {
	if p.quality == nil {
		return
	}
	qs := p.quality.CurrentSettings()
	t.Metadata[MetaQualityFactor] = qs.QualityFactor
	t.Metadata[MetaResolutionScale] = qs.ResolutionScale
	t.Metadata[MetaProcessingScale] = qs.ProcessingScale
	t.Metadata[MetaFramesToSkip] = qs.FramesToSkip
}
