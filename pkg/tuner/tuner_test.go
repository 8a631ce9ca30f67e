package tuner

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/streamforge/framepipe/pkg/gpumem"
	"github.com/streamforge/framepipe/pkg/pipeline"
)

type fakePipeline struct {
	mu       sync.Mutex
	settings pipeline.Settings
	updates  int
}

func newFakePipeline() *fakePipeline {
	return &fakePipeline{
		settings: pipeline.Settings{
			WorkerCount:     4,
			Mode:            pipeline.ModeBalanced,
			SkipStrategy:    pipeline.SkipDropOldest,
			TargetFrameTime: 33 * time.Millisecond,
		},
	}
}

func (f *fakePipeline) Settings() pipeline.Settings {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.settings
}

func (f *fakePipeline) UpdateSettings(s pipeline.Settings) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.settings = s
	f.updates++
	return nil
}

func (f *fakePipeline) Stats() pipeline.Snapshot {
	return pipeline.Snapshot{}
}

type fakeMemory struct {
	mu         sync.Mutex
	compressed bool
}

func (f *fakeMemory) SetCompressionEnabled(enabled bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.compressed = enabled
}

func (f *fakeMemory) Stats() gpumem.Stats {
	f.mu.Lock()
	defer f.mu.Unlock()
	return gpumem.Stats{CompressionEnabled: f.compressed}
}

func testTargets() Targets {
	return Targets{
		FPS:               30,
		MemoryUtilization: 0.8,
		CPUPercent:        0.8,
	}
}

func recordN(t *Tuner, n int, m Metrics) {
	for i := 0; i < n; i++ {
		m.At = time.Now()
		t.Record(m)
	}
}

func TestAnalyzeRequiresFullStabilityWindow(t *testing.T) {
	tn := New(DefaultConfig(testTargets()), newFakePipeline(), &fakeMemory{})

	recordN(tn, 9, Metrics{FPS: 5})
	require.Empty(t, tn.Analyze())

	tn.Record(Metrics{FPS: 5})
	require.NotEmpty(t, tn.Analyze())
}

func TestAnalyzeFlagsSustainedLowFPS(t *testing.T) {
	tn := New(DefaultConfig(testTargets()), newFakePipeline(), &fakeMemory{})

	recordN(tn, 10, Metrics{FPS: 15, MemoryUtilization: 0.4, CPUPercent: 0.3})

	suggestions := tn.Analyze()
	require.Len(t, suggestions, 1)
	require.Equal(t, CategoryFPS, suggestions[0].Category)
	require.InDelta(t, 15.0, suggestions[0].Observed, 0.001)
	require.InDelta(t, 30.0, suggestions[0].Target, 0.001)
	require.NotEmpty(t, suggestions[0].Actions)
}

func TestAnalyzeWithinToleranceIsQuiet(t *testing.T) {
	tn := New(DefaultConfig(testTargets()), newFakePipeline(), &fakeMemory{})

	// 28 fps is within 10% of the 30 fps target.
	recordN(tn, 10, Metrics{FPS: 28, MemoryUtilization: 0.8, CPUPercent: 0.8})

	require.Empty(t, tn.Analyze())
}

func TestAnalyzeFlagsMemoryAndCPU(t *testing.T) {
	tn := New(DefaultConfig(testTargets()), newFakePipeline(), &fakeMemory{})

	recordN(tn, 10, Metrics{FPS: 30, MemoryUtilization: 0.95, CPUPercent: 0.95})

	suggestions := tn.Analyze()
	require.Len(t, suggestions, 2)
	require.Equal(t, CategoryMemory, suggestions[0].Category)
	require.Equal(t, CategoryCPU, suggestions[1].Category)
}

func TestApplySwitchesModeForLowFPS(t *testing.T) {
	pipe := newFakePipeline()
	tn := New(DefaultConfig(testTargets()), pipe, &fakeMemory{})

	recordN(tn, 10, Metrics{FPS: 10})
	suggestions := tn.Analyze()
	require.NotEmpty(t, suggestions)

	require.True(t, tn.Apply(suggestions))
	require.Equal(t, pipeline.ModeRealtime, pipe.Settings().Mode)
	require.False(t, tn.LastApplied().IsZero())
}

func TestApplyRespectsCooldown(t *testing.T) {
	pipe := newFakePipeline()
	tn := New(DefaultConfig(testTargets()), pipe, &fakeMemory{})

	recordN(tn, 10, Metrics{FPS: 10})
	suggestions := tn.Analyze()

	require.True(t, tn.Apply(suggestions))
	require.False(t, tn.Apply(suggestions), "second apply within cooldown must be rejected")
	require.Equal(t, 1, pipe.updates)
}

func TestApplyDisabledTunerRefuses(t *testing.T) {
	cfg := DefaultConfig(testTargets())
	cfg.Enabled = false
	pipe := newFakePipeline()
	tn := New(cfg, pipe, &fakeMemory{})

	recordN(tn, 10, Metrics{FPS: 10})
	suggestions := tn.Analyze()
	require.NotEmpty(t, suggestions)

	require.False(t, tn.Apply(suggestions))
	require.Equal(t, 0, pipe.updates)
}

func TestApplyFallsThroughExhaustedActions(t *testing.T) {
	pipe := newFakePipeline()
	pipe.settings.Mode = pipeline.ModeRealtime
	pipe.settings.SkipStrategy = pipeline.SkipAdaptive
	tn := New(DefaultConfig(testTargets()), pipe, &fakeMemory{})

	recordN(tn, 10, Metrics{FPS: 10})
	suggestions := tn.Analyze()
	require.NotEmpty(t, suggestions)

	// Mode and skip strategy are already in effect, so the tuner falls
	// through to adding a worker.
	require.True(t, tn.Apply(suggestions))
	require.Equal(t, 5, pipe.Settings().WorkerCount)
}

func TestApplyEnablesCompressionForMemoryPressure(t *testing.T) {
	pipe := newFakePipeline()
	mem := &fakeMemory{}
	tn := New(DefaultConfig(testTargets()), pipe, mem)

	recordN(tn, 10, Metrics{FPS: 30, MemoryUtilization: 0.97})
	suggestions := tn.Analyze()
	require.NotEmpty(t, suggestions)

	require.True(t, tn.Apply(suggestions))
	require.True(t, mem.Stats().CompressionEnabled)
	require.Equal(t, 0, pipe.updates)
}

func TestApplyReducesWorkersForCPUPressure(t *testing.T) {
	pipe := newFakePipeline()
	tn := New(DefaultConfig(testTargets()), pipe, &fakeMemory{})

	recordN(tn, 10, Metrics{FPS: 30, CPUPercent: 0.99})
	suggestions := tn.Analyze()
	require.NotEmpty(t, suggestions)

	require.True(t, tn.Apply(suggestions))
	require.Equal(t, 3, pipe.Settings().WorkerCount)
}

func TestHistoryIsBounded(t *testing.T) {
	cfg := DefaultConfig(testTargets())
	cfg.HistorySize = 20
	tn := New(cfg, newFakePipeline(), &fakeMemory{})

	// An old run of healthy samples must age out of the window.
	recordN(tn, 20, Metrics{FPS: 30})
	recordN(tn, 20, Metrics{FPS: 10})

	suggestions := tn.Analyze()
	require.NotEmpty(t, suggestions)
	require.Equal(t, CategoryFPS, suggestions[0].Category)
	require.InDelta(t, 10.0, suggestions[0].Observed, 0.001)
}

func TestBackgroundLoopRecordsAndApplies(t *testing.T) {
	defer goleak.VerifyNone(t)

	cfg := DefaultConfig(testTargets())
	cfg.Interval = 10 * time.Millisecond
	cfg.StabilityWindow = 3

	pipe := newFakePipeline()
	tn := New(cfg, pipe, &fakeMemory{},
		WithMetricsSource(func() Metrics {
			return Metrics{FPS: 5}
		}),
	)

	require.NoError(t, tn.Start(t.Context()))

	require.Eventually(t, func() bool {
		return pipe.Settings().Mode == pipeline.ModeRealtime
	}, time.Second, 10*time.Millisecond)

	require.NoError(t, tn.Stop())
}

func TestApplyConcurrentCallersSingleAdjustment(t *testing.T) {
	pipe := newFakePipeline()
	tn := New(DefaultConfig(testTargets()), pipe, &fakeMemory{})

	recordN(tn, 10, Metrics{FPS: 10})
	suggestions := tn.Analyze()
	require.NotEmpty(t, suggestions)

	// The cooldown gate must admit exactly one of the racing callers.
	var applied atomic.Int32
	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if tn.Apply(suggestions) {
				applied.Add(1)
			}
		}()
	}
	wg.Wait()

	require.Equal(t, int32(1), applied.Load())
	require.Equal(t, 1, pipe.updates)
}

func TestStartStopRace(t *testing.T) {
	defer goleak.VerifyNone(t)

	tn := New(DefaultConfig(testTargets()), newFakePipeline(), &fakeMemory{})

	// Stop may run before the loop goroutine is ever scheduled; every
	// iteration must still shut down cleanly.
	for range 200 {
		require.NoError(t, tn.Start(context.Background()))
		require.NoError(t, tn.Stop())
	}
}

func TestStopWithoutStartIsNoop(t *testing.T) {
	tn := New(DefaultConfig(testTargets()), newFakePipeline(), &fakeMemory{})
	require.NoError(t, tn.Stop())
}
