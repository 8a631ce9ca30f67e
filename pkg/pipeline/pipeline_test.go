package pipeline

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/streamforge/framepipe/pkg/quality"
)

func passthrough(frame []byte, _ map[string]any) ([]byte, error) {
	return frame, nil
}

func sleepStage(d time.Duration) Stage {
	return func(frame []byte, _ map[string]any) ([]byte, error) {
		time.Sleep(d)
		return frame, nil
	}
}

func newTestPipeline(t *testing.T, cfg Config, opts ...Opt) *Pipeline {
	t.Helper()
	p, err := New(cfg, opts...)
	require.NoError(t, err)
	return p
}

// drain pulls results until the pipeline goes quiet.
func drain(p *Pipeline) []*Task {
	var out []*Task
	for {
		task, ok := p.TakeResult(200 * time.Millisecond)
		if !ok {
			return out
		}
		out = append(out, task)
	}
}

func TestLifecycleStateMachine(t *testing.T) {
	defer goleak.VerifyNone(t)

	p := newTestPipeline(t, DefaultConfig())
	require.NoError(t, p.AddProcessor("identity", passthrough, 0))

	require.Equal(t, StateStopped, p.State())
	require.Error(t, p.Pause())
	require.Error(t, p.Resume())

	require.NoError(t, p.Start(context.Background()))
	require.Equal(t, StateRunning, p.State())
	require.ErrorIs(t, p.Start(context.Background()), ErrAlreadyStarted)

	require.NoError(t, p.Pause())
	require.Equal(t, StatePaused, p.State())
	require.NoError(t, p.Resume())
	require.Equal(t, StateRunning, p.State())

	require.NoError(t, p.Stop())
	require.Equal(t, StateStopped, p.State())
	require.NoError(t, p.Stop(), "stop must be idempotent")
}

func TestSubmitRejectedWhileStopped(t *testing.T) {
	p := newTestPipeline(t, DefaultConfig())
	require.False(t, p.Submit([]byte("frame"), nil))
}

func TestQualityModeNeverDrops(t *testing.T) {
	defer goleak.VerifyNone(t)

	cfg := DefaultConfig()
	cfg.InputQueueSize = 2
	cfg.OutputQueueSize = 64
	cfg.Settings.Mode = ModeQuality
	cfg.Settings.SkipStrategy = SkipNone
	cfg.Settings.WorkerCount = 1

	p := newTestPipeline(t, cfg)
	require.NoError(t, p.AddProcessor("slow", sleepStage(5*time.Millisecond), 0))
	require.NoError(t, p.Start(context.Background()))

	const frames = 30

	done := make(chan struct{})
	go func() {
		defer close(done)
		for range frames {
			// Back-pressure may block, but every frame must be accepted.
			require.True(t, p.Submit(make([]byte, 16), nil))
		}
	}()

	var results int
	for results < frames {
		if _, ok := p.TakeResult(time.Second); ok {
			results++
		}
	}
	<-done

	s := p.Stats()
	require.Zero(t, s.Dropped, "quality mode with skip=none must never drop")
	require.Equal(t, uint64(frames), s.Processed)

	require.NoError(t, p.Stop())
}

func TestRealtimeModeAccounting(t *testing.T) {
	defer goleak.VerifyNone(t)

	cfg := DefaultConfig()
	cfg.InputQueueSize = 2
	cfg.OutputQueueSize = 64
	cfg.Settings.Mode = ModeRealtime
	cfg.Settings.SkipStrategy = SkipNone
	cfg.Settings.WorkerCount = 1

	p := newTestPipeline(t, cfg)
	require.NoError(t, p.AddProcessor("slow", sleepStage(20*time.Millisecond), 0))
	require.NoError(t, p.Start(context.Background()))

	const frames = 20
	for range frames {
		p.Submit(make([]byte, 16), nil)
	}

	// Wait for the queue to fully drain.
	require.Eventually(t, func() bool {
		s := p.Stats()
		return s.Processed+s.Dropped+s.Failed == uint64(frames) && s.InputDepth == 0
	}, 5*time.Second, 10*time.Millisecond)

	s := p.Stats()
	require.Equal(t, uint64(frames), s.Submitted)
	require.Equal(t, uint64(frames), s.Processed+s.Dropped)
	require.Greater(t, s.Dropped, uint64(0), "a 2-slot queue at this rate must observe drops")

	require.NoError(t, p.Stop())
}

func TestBalancedModeEvictsOldest(t *testing.T) {
	defer goleak.VerifyNone(t)

	cfg := DefaultConfig()
	cfg.InputQueueSize = 3
	cfg.OutputQueueSize = 64
	cfg.Settings.Mode = ModeBalanced
	cfg.Settings.SkipStrategy = SkipDropOldest
	cfg.Settings.WorkerCount = 2

	var droppedMu sync.Mutex
	var droppedIDs []uint64

	p := newTestPipeline(t, cfg, WithCallbacks(Callbacks{
		OnFrameDropped: func(task *Task, reason DropReason) {
			droppedMu.Lock()
			defer droppedMu.Unlock()
			if reason == DropEvicted {
				droppedIDs = append(droppedIDs, task.ID)
			}
		},
	}))
	require.NoError(t, p.AddProcessor("slow", sleepStage(50*time.Millisecond), 0))
	require.NoError(t, p.Start(context.Background()))

	const frames = 10
	accepted := 0
	for range frames {
		if p.Submit(make([]byte, 16), nil) {
			accepted++
		}
	}

	require.GreaterOrEqual(t, accepted, 3, "first three frames must be accepted immediately")

	results := drain(p)
	s := p.Stats()
	require.Equal(t, uint64(frames), s.Submitted)
	require.Equal(t, s.Processed+s.Dropped, s.Submitted)
	require.Len(t, results, int(s.Processed))

	for _, task := range results {
		require.GreaterOrEqual(t, task.ProcessingTime, 50*time.Millisecond)
	}

	require.NoError(t, p.Stop())
}

func TestDropLowestPriorityEviction(t *testing.T) {
	defer goleak.VerifyNone(t)

	cfg := DefaultConfig()
	cfg.InputQueueSize = 3
	cfg.Settings.Mode = ModeBalanced
	cfg.Settings.SkipStrategy = SkipDropLowestPriority
	cfg.Settings.WorkerCount = 1

	var droppedMu sync.Mutex
	var dropped []*Task

	p := newTestPipeline(t, cfg, WithCallbacks(Callbacks{
		OnFrameDropped: func(task *Task, reason DropReason) {
			droppedMu.Lock()
			defer droppedMu.Unlock()
			dropped = append(dropped, task)
		},
	}))
	require.NoError(t, p.AddProcessor("slow", sleepStage(100*time.Millisecond), 0))
	require.NoError(t, p.Start(context.Background()))
	require.NoError(t, p.Pause()) // freeze workers so the queue stays put
	time.Sleep(2 * pollInterval)  // let any worker mid-poll park itself

	require.True(t, p.SubmitWithPriority(make([]byte, 1), nil, PriorityHigh))
	require.True(t, p.SubmitWithPriority(make([]byte, 1), nil, PriorityLow))
	require.True(t, p.SubmitWithPriority(make([]byte, 1), nil, PriorityHigh))

	// Queue full: the low-priority frame must be the victim.
	require.True(t, p.SubmitWithPriority(make([]byte, 1), nil, PriorityCritical))

	droppedMu.Lock()
	require.Len(t, dropped, 1)
	require.Equal(t, PriorityLow, dropped[0].Priority)
	droppedMu.Unlock()

	require.NoError(t, p.Stop())
}

func TestAdaptiveSkipRejectsWhileBehindSchedule(t *testing.T) {
	defer goleak.VerifyNone(t)

	cfg := DefaultConfig()
	cfg.InputQueueSize = 4
	cfg.Settings.Mode = ModeBalanced
	cfg.Settings.SkipStrategy = SkipAdaptive
	cfg.Settings.WorkerCount = 1
	cfg.Settings.TargetFrameTime = time.Millisecond

	var droppedMu sync.Mutex
	reasons := make(map[DropReason]int)

	p := newTestPipeline(t, cfg, WithCallbacks(Callbacks{
		OnFrameDropped: func(_ *Task, reason DropReason) {
			droppedMu.Lock()
			defer droppedMu.Unlock()
			reasons[reason]++
		},
	}))
	require.NoError(t, p.AddProcessor("slow", sleepStage(30*time.Millisecond), 0))
	require.NoError(t, p.Start(context.Background()))

	// Warm the latency window well past the frame budget.
	require.True(t, p.Submit(make([]byte, 1), nil))
	require.True(t, p.Submit(make([]byte, 1), nil))
	for range 2 {
		_, ok := p.TakeResult(2 * time.Second)
		require.True(t, ok)
	}

	require.NoError(t, p.Pause()) // freeze workers so the queue stays put
	time.Sleep(2 * pollInterval)  // let any worker mid-poll park itself

	// Below half occupancy the pipeline still admits even while slow.
	require.True(t, p.Submit(make([]byte, 1), nil))
	require.True(t, p.Submit(make([]byte, 1), nil))

	// Half full and behind schedule: the next frame must be skipped even
	// though the queue has room.
	require.False(t, p.Submit(make([]byte, 1), nil))

	droppedMu.Lock()
	require.Equal(t, 1, reasons[DropAdaptiveSkip])
	droppedMu.Unlock()

	require.Equal(t, uint64(1), p.Stats().DropReasons[DropAdaptiveSkip])

	require.NoError(t, p.Stop())
}

func TestPausedPipelineAcceptsButDoesNotProcess(t *testing.T) {
	defer goleak.VerifyNone(t)

	cfg := DefaultConfig()
	cfg.Settings.WorkerCount = 1

	p := newTestPipeline(t, cfg)
	require.NoError(t, p.AddProcessor("identity", passthrough, 0))
	require.NoError(t, p.Start(context.Background()))
	require.NoError(t, p.Pause())
	time.Sleep(2 * pollInterval) // let any worker mid-poll park itself

	require.True(t, p.Submit([]byte("while paused"), nil))

	_, ok := p.TakeResult(150 * time.Millisecond)
	require.False(t, ok, "no worker may dequeue while paused")

	require.NoError(t, p.Resume())

	task, ok := p.TakeResult(2 * time.Second)
	require.True(t, ok)
	require.Equal(t, []byte("while paused"), task.Result)

	require.NoError(t, p.Stop())
}

func TestStageFailureDeliveredNotFatal(t *testing.T) {
	defer goleak.VerifyNone(t)

	cfg := DefaultConfig()
	cfg.Settings.WorkerCount = 1
	cfg.Settings.MaxRetries = 0

	wantErr := errors.New("alignment diverged")

	var errTasks atomic.Int64
	p := newTestPipeline(t, cfg, WithCallbacks(Callbacks{
		OnError: func(*Task) { errTasks.Add(1) },
	}))
	require.NoError(t, p.AddProcessor("failing", func(frame []byte, _ map[string]any) ([]byte, error) {
		return nil, wantErr
	}, 0))
	require.NoError(t, p.Start(context.Background()))

	require.True(t, p.Submit([]byte("frame"), nil))

	task, ok := p.TakeResult(2 * time.Second)
	require.True(t, ok)
	require.ErrorIs(t, task.Err, wantErr)

	// The worker survived; a second frame still flows.
	require.True(t, p.Submit([]byte("frame2"), nil))
	_, ok = p.TakeResult(2 * time.Second)
	require.True(t, ok)

	s := p.Stats()
	require.Equal(t, uint64(2), s.Failed)
	require.Equal(t, int64(2), errTasks.Load())

	require.NoError(t, p.Stop())
}

func TestStagePanicRecoveredAsFailure(t *testing.T) {
	defer goleak.VerifyNone(t)

	cfg := DefaultConfig()
	cfg.Settings.WorkerCount = 1
	cfg.Settings.MaxRetries = 0

	p := newTestPipeline(t, cfg)
	require.NoError(t, p.AddProcessor("panicky", func(frame []byte, _ map[string]any) ([]byte, error) {
		panic("index out of range in landmark buffer")
	}, 0))
	require.NoError(t, p.Start(context.Background()))

	require.True(t, p.Submit([]byte("frame"), nil))

	task, ok := p.TakeResult(2 * time.Second)
	require.True(t, ok)
	require.Error(t, task.Err)
	require.Contains(t, task.Err.Error(), "panic")

	// Worker is intact, not respawned: a stage panic is a stage failure.
	require.Zero(t, p.Stats().WorkerFaults)

	require.NoError(t, p.Stop())
}

func TestStageFailureRetried(t *testing.T) {
	defer goleak.VerifyNone(t)

	cfg := DefaultConfig()
	cfg.Settings.WorkerCount = 1
	cfg.Settings.MaxRetries = 2

	var calls atomic.Int64
	p := newTestPipeline(t, cfg)
	require.NoError(t, p.AddProcessor("flaky", func(frame []byte, _ map[string]any) ([]byte, error) {
		if calls.Add(1) == 1 {
			return nil, errors.New("transient")
		}
		return frame, nil
	}, 0))
	require.NoError(t, p.Start(context.Background()))

	require.True(t, p.Submit([]byte("frame"), nil))

	task, ok := p.TakeResult(2 * time.Second)
	require.True(t, ok)
	require.NoError(t, task.Err)
	require.Equal(t, 2, task.Attempts)
	require.Equal(t, uint64(1), p.Stats().Retried)

	require.NoError(t, p.Stop())
}

func TestStagesRunInPriorityOrder(t *testing.T) {
	defer goleak.VerifyNone(t)

	cfg := DefaultConfig()
	cfg.Settings.WorkerCount = 1

	p := newTestPipeline(t, cfg)
	appender := func(tag byte) Stage {
		return func(frame []byte, _ map[string]any) ([]byte, error) {
			return append(frame, tag), nil
		}
	}
	require.NoError(t, p.AddProcessor("third", appender('c'), 30))
	require.NoError(t, p.AddProcessor("first", appender('a'), 10))
	require.NoError(t, p.AddProcessor("second", appender('b'), 20))
	require.NoError(t, p.Start(context.Background()))

	require.True(t, p.Submit(nil, nil))

	task, ok := p.TakeResult(2 * time.Second)
	require.True(t, ok)
	require.Equal(t, []byte("abc"), task.Result)

	require.NoError(t, p.Stop())
}

func TestQualitySettingsPublishedToMetadata(t *testing.T) {
	defer goleak.VerifyNone(t)

	cfg := DefaultConfig()
	cfg.Settings.WorkerCount = 1

	qc := quality.NewController(quality.DefaultConfig(cfg.Settings.TargetFrameTime))
	p := newTestPipeline(t, cfg, WithQualityController(qc))
	require.NoError(t, p.AddProcessor("identity", passthrough, 0))
	require.NoError(t, p.Start(context.Background()))

	require.True(t, p.Submit([]byte("frame"), map[string]any{"camera": "front"}))

	task, ok := p.TakeResult(2 * time.Second)
	require.True(t, ok)
	require.Equal(t, "front", task.Metadata["camera"])
	require.InDelta(t, 1.0, task.Metadata[MetaQualityFactor].(float64), 1e-9)
	require.Contains(t, task.Metadata, MetaResolutionScale)
	require.Contains(t, task.Metadata, MetaFramesToSkip)
	require.Equal(t, task.ID, task.Metadata[MetaFrameID])

	require.NoError(t, p.Stop())
}

func TestUpdateSettingsSwapsAtomically(t *testing.T) {
	defer goleak.VerifyNone(t)

	p := newTestPipeline(t, DefaultConfig())
	require.NoError(t, p.AddProcessor("identity", passthrough, 0))
	require.NoError(t, p.Start(context.Background()))

	next := p.Settings()
	next.Mode = ModeRealtime
	next.WorkerCount = 4
	require.NoError(t, p.UpdateSettings(next))
	require.Equal(t, ModeRealtime, p.Settings().Mode)
	require.Equal(t, 4, p.Settings().WorkerCount)

	// Invalid settings leave the previous snapshot active.
	bad := next
	bad.WorkerCount = 0
	require.Error(t, p.UpdateSettings(bad))
	require.Equal(t, 4, p.Settings().WorkerCount)

	require.NoError(t, p.Stop())
}

func TestEndToEndBalancedScenario(t *testing.T) {
	defer goleak.VerifyNone(t)

	cfg := DefaultConfig()
	cfg.InputQueueSize = 3
	cfg.OutputQueueSize = 16
	cfg.Settings.Mode = ModeBalanced
	cfg.Settings.SkipStrategy = SkipDropOldest
	cfg.Settings.WorkerCount = 2

	p := newTestPipeline(t, cfg)
	require.NoError(t, p.AddProcessor("swap", sleepStage(50*time.Millisecond), 0))
	require.NoError(t, p.Start(context.Background()))

	const frames = 10
	for range frames {
		p.Submit(make([]byte, 32), nil)
	}

	results := drain(p)
	s := p.Stats()

	require.Equal(t, uint64(frames), s.Submitted)
	require.Equal(t, s.Submitted, s.Processed+s.Dropped)
	require.Len(t, results, int(s.Processed))
	for _, task := range results {
		require.GreaterOrEqual(t, task.ProcessingTime, 50*time.Millisecond)
	}

	require.NoError(t, p.Stop())
}
