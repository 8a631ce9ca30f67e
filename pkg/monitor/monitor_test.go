package monitor

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

type fakeSampler struct {
	mu      sync.Mutex
	samples []Sample
	pos     int
}

func (f *fakeSampler) Sample(ctx context.Context) (Sample, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s := f.samples[f.pos]
	if f.pos < len(f.samples)-1 {
		f.pos++
	}
	return s, nil
}

type eventSink struct {
	mu     sync.Mutex
	events []Event
}

func (s *eventSink) record(e Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
}

func (s *eventSink) byType(t ResourceType) []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Event
	for _, e := range s.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Interval = 5 * time.Millisecond
	return cfg
}

func TestThresholdCrossingRaisesEvents(t *testing.T) {
	defer goleak.VerifyNone(t)

	sampler := &fakeSampler{samples: []Sample{{
		SystemMemoryPercent: 0.95,
		CPUPercent:          0.50,
		GPUMemoryPercent:    map[string]float64{"cuda:0": 0.97, "cuda:1": 0.40},
	}}}

	m := New(testConfig(), WithSampler(sampler))
	sink := &eventSink{}
	m.AddCallback(sink.record)

	require.NoError(t, m.Start(context.Background()))

	require.Eventually(t, func() bool {
		return len(sink.byType(SystemMemory)) > 0 && len(sink.byType(GPUMemory)) > 0
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, m.Stop())

	require.Empty(t, sink.byType(CPU), "cpu below threshold must not raise events")

	gpuEvents := sink.byType(GPUMemory)
	for _, e := range gpuEvents {
		require.Equal(t, "cuda:0", e.Device)
		require.InDelta(t, 0.97, e.Value, 1e-9)
		require.InDelta(t, 0.90, e.Threshold, 1e-9)
	}
}

func TestHealthySampleRaisesNothing(t *testing.T) {
	defer goleak.VerifyNone(t)

	sampler := &fakeSampler{samples: []Sample{{
		SystemMemoryPercent: 0.40,
		CPUPercent:          0.30,
	}}}

	m := New(testConfig(), WithSampler(sampler))
	sink := &eventSink{}
	m.AddCallback(sink.record)

	require.NoError(t, m.Start(context.Background()))
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, m.Stop())

	sink.mu.Lock()
	defer sink.mu.Unlock()
	require.Empty(t, sink.events)
}

func TestPanickingCallbackDoesNotStopMonitoring(t *testing.T) {
	defer goleak.VerifyNone(t)

	sampler := &fakeSampler{samples: []Sample{{CPUPercent: 0.99}}}

	m := New(testConfig(), WithSampler(sampler))
	m.AddCallback(func(Event) { panic("subscriber bug") })
	sink := &eventSink{}
	m.AddCallback(sink.record)

	require.NoError(t, m.Start(context.Background()))

	// The loop must survive the panicking subscriber and keep delivering
	// to the healthy one.
	require.Eventually(t, func() bool {
		return len(sink.byType(CPU)) >= 3
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, m.Stop())
}

func TestLastSample(t *testing.T) {
	defer goleak.VerifyNone(t)

	sampler := &fakeSampler{samples: []Sample{{SystemMemoryPercent: 0.42}}}

	m := New(testConfig(), WithSampler(sampler))
	require.NoError(t, m.Start(context.Background()))

	require.Eventually(t, func() bool {
		_, at := m.LastSample()
		return !at.IsZero()
	}, time.Second, 5*time.Millisecond)

	sample, _ := m.LastSample()
	require.InDelta(t, 0.42, sample.SystemMemoryPercent, 1e-9)

	require.NoError(t, m.Stop())
}

func TestStopIsIdempotent(t *testing.T) {
	defer goleak.VerifyNone(t)

	sampler := &fakeSampler{samples: []Sample{{}}}
	m := New(testConfig(), WithSampler(sampler))

	require.NoError(t, m.Start(context.Background()))
	require.NoError(t, m.Stop())
	require.NoError(t, m.Stop())
}

func TestStartStopRace(t *testing.T) {
	defer goleak.VerifyNone(t)

	sampler := &fakeSampler{samples: []Sample{{}}}
	m := New(testConfig(), WithSampler(sampler))

	// Stop may run before the sampling goroutine is ever scheduled; every
	// iteration must still shut down cleanly.
	for range 200 {
		require.NoError(t, m.Start(context.Background()))
		require.NoError(t, m.Stop())
	}
}
