package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/streamforge/framepipe/pkg/pipeline"
)

func TestDefaultConfigIsValid(t *testing.T) {
	require.NoError(t, DefaultConfig().Verify())
}

func TestVerifyRejectsBadValues(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:    "bad log format",
			mutate:  func(c *Config) { c.Log.Format = "yaml" },
			wantErr: "log.format",
		},
		{
			name:    "bad log level",
			mutate:  func(c *Config) { c.Log.Level = "verbose" },
			wantErr: "log.level",
		},
		{
			name:    "zero input queue",
			mutate:  func(c *Config) { c.Pipeline.InputQueueSize = 0 },
			wantErr: "pipeline.inputQueueSize",
		},
		{
			name:    "negative worker count",
			mutate:  func(c *Config) { c.Pipeline.WorkerCount = -1 },
			wantErr: "pipeline.workerCount",
		},
		{
			name:    "unknown mode",
			mutate:  func(c *Config) { c.Pipeline.Mode = "turbo" },
			wantErr: "pipeline.mode",
		},
		{
			name:    "unknown skip strategy",
			mutate:  func(c *Config) { c.Pipeline.SkipStrategy = "random" },
			wantErr: "pipeline.skipStrategy",
		},
		{
			name:    "zero target fps",
			mutate:  func(c *Config) { c.Pipeline.TargetFPS = 0 },
			wantErr: "pipeline.targetFPS",
		},
		{
			name:    "quality floor above one",
			mutate:  func(c *Config) { c.Quality.Floor = 1.5 },
			wantErr: "quality.floor",
		},
		{
			name:    "zero pool ceiling",
			mutate:  func(c *Config) { c.MemoryPool.MaxBytes = 0 },
			wantErr: "memorypool.maxBytes",
		},
		{
			name:    "compression threshold above one",
			mutate:  func(c *Config) { c.MemoryPool.CompressionThreshold = 1.2 },
			wantErr: "memorypool.compressionThreshold",
		},
		{
			name:    "zero cache ceiling",
			mutate:  func(c *Config) { c.ModelCache.MaxBytes = 0 },
			wantErr: "modelcache.maxBytes",
		},
		{
			name:    "zero monitor interval",
			mutate:  func(c *Config) { c.Monitor.Interval = 0 },
			wantErr: "monitor.interval",
		},
		{
			name:    "bad cpu threshold",
			mutate:  func(c *Config) { c.Monitor.CPUThreshold = 2 },
			wantErr: "monitor.cpuThreshold",
		},
		{
			name:    "enabled tuner with zero window",
			mutate:  func(c *Config) { c.Tuner.StabilityWindow = 0 },
			wantErr: "tuner.stabilityWindow",
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			cfg := DefaultConfig()
			test.mutate(cfg)

			err := cfg.Verify()
			require.ErrorContains(t, err, test.wantErr)
		})
	}
}

func TestDisabledTunerSkipsTunerValidation(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Tuner.Enabled = false
	cfg.Tuner.StabilityWindow = 0

	require.NoError(t, cfg.Verify())
}

func TestPipelineSettingsMapping(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Pipeline.Mode = "realtime"
	cfg.Pipeline.SkipStrategy = "drop_oldest"
	cfg.Pipeline.TargetFPS = 60
	require.NoError(t, cfg.Verify())

	s := cfg.PipelineSettings()
	require.Equal(t, pipeline.ModeRealtime, s.Mode)
	require.Equal(t, pipeline.SkipDropOldest, s.SkipStrategy)
	require.Equal(t, time.Second/60, s.TargetFrameTime)
	require.Equal(t, DefaultWorkerCount, s.WorkerCount)
}

func TestTunerConfigCarriesTargets(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Pipeline.TargetFPS = 24

	tc := cfg.TunerConfig()
	require.InDelta(t, 24.0, tc.Targets.FPS, 0.001)
	require.InDelta(t, DefaultTunerTargetMemoryUtilization, tc.Targets.MemoryUtilization, 0.001)
	require.True(t, tc.Enabled)
}
