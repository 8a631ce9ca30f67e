// Package config contains all knobs and defaults used to configure the
// framepipe runtime when running as a standalone process.
package config

import (
	"fmt"
	"time"

	"github.com/streamforge/framepipe/pkg/gpumem"
	"github.com/streamforge/framepipe/pkg/modelcache"
	"github.com/streamforge/framepipe/pkg/monitor"
	"github.com/streamforge/framepipe/pkg/pipeline"
	"github.com/streamforge/framepipe/pkg/quality"
	"github.com/streamforge/framepipe/pkg/tuner"
)

const (
	DefaultInputQueueSize  = 8
	DefaultOutputQueueSize = 8
	DefaultWorkerCount     = 2
	DefaultTargetFPS       = 30.0
	DefaultMaxRetries      = 1

	DefaultMemoryPoolBytes = 2 << 30 // 2 GiB
	DefaultModelCacheBytes = 1 << 30 // 1 GiB

	DefaultTunerTargetMemoryUtilization = 0.80
	DefaultTunerTargetCPUPercent        = 0.80
)

// LogConfig defines the logging output knobs.
type LogConfig struct {
	// Format is the log encoding, one of ['text', 'json'].
	Format string

	// Level is the minimum enabled level, one of ['none', 'debug', 'info',
	// 'warn', 'error', 'panic', 'fatal'].
	Level string
}

// PipelineConfig defines the frame pipeline knobs.
type PipelineConfig struct {
	InputQueueSize  int
	OutputQueueSize int
	WorkerCount     int

	// Mode is the processing mode, one of ['realtime', 'quality',
	// 'balanced', 'batch'].
	Mode string

	// SkipStrategy is the frame-skip strategy, one of ['none',
	// 'drop_oldest', 'drop_lowest_priority', 'adaptive'].
	SkipStrategy string

	// TargetFPS is the throughput goal the adaptive paths steer toward.
	TargetFPS float64

	MaxRetries int
}

// QualityConfig defines the adaptive quality controller knobs.
type QualityConfig struct {
	Enabled bool

	// Floor is the lowest quality factor degradation may reach.
	Floor float64

	// Step is the quality factor delta per adjustment.
	Step float64
}

// MemoryPoolConfig defines the device memory pool knobs.
type MemoryPoolConfig struct {
	MaxBytes             int64
	CompressionEnabled   bool
	CompressionThreshold float64
	MaxBlockAge          time.Duration
	SweepInterval        time.Duration
}

// ModelCacheConfig defines the predictive model cache knobs.
type ModelCacheConfig struct {
	MaxBytes               int64
	PreloadEnabled         bool
	PreloadWeightThreshold float64
}

// MonitorConfig defines the resource monitor knobs.
type MonitorConfig struct {
	Interval              time.Duration
	SystemMemoryThreshold float64
	GPUMemoryThreshold    float64
	CPUThreshold          float64
}

// OTLPTraceConfig defines the OTLP exporter knobs.
type OTLPTraceConfig struct {
	Endpoint string
}

// TraceConfig defines the distributed tracing knobs.
type TraceConfig struct {
	Enabled     bool
	OTLP        OTLPTraceConfig `mapstructure:"otlp"`
	SampleRatio float64
	ServiceName string
}

// MetricsConfig defines the metrics endpoint knobs.
type MetricsConfig struct {
	// Enabled enables the prometheus scrape endpoint.
	Enabled bool

	// Addr is the host:port address to serve the metrics endpoint on.
	Addr string
}

// TunerConfig defines the auto-tuner knobs.
type TunerConfig struct {
	Enabled           bool
	Interval          time.Duration
	StabilityWindow   int
	RelativeThreshold float64
	Cooldown          time.Duration

	TargetMemoryUtilization float64
	TargetCPUPercent        float64
}

// Config is the aggregate runtime configuration.
type Config struct {
	Log        LogConfig
	Pipeline   PipelineConfig
	Quality    QualityConfig
	MemoryPool MemoryPoolConfig `mapstructure:"memorypool"`
	ModelCache ModelCacheConfig `mapstructure:"modelcache"`
	Monitor    MonitorConfig
	Trace      TraceConfig
	Metrics    MetricsConfig
	Tuner      TunerConfig
}

func (cfg *Config) Verify() error {
	if cfg.Log.Format != "text" && cfg.Log.Format != "json" {
		return fmt.Errorf("config 'log.format' must be one of ['text', 'json']")
	}

	if cfg.Log.Level != "none" &&
		cfg.Log.Level != "debug" &&
		cfg.Log.Level != "info" &&
		cfg.Log.Level != "warn" &&
		cfg.Log.Level != "error" &&
		cfg.Log.Level != "panic" &&
		cfg.Log.Level != "fatal" {
		return fmt.Errorf(
			"config 'log.level' must be one of ['none', 'debug', 'info', 'warn', 'error', 'panic', 'fatal']",
		)
	}

	if cfg.Pipeline.InputQueueSize <= 0 {
		return fmt.Errorf("config 'pipeline.inputQueueSize' must be a positive integer")
	}

	if cfg.Pipeline.OutputQueueSize <= 0 {
		return fmt.Errorf("config 'pipeline.outputQueueSize' must be a positive integer")
	}

	if cfg.Pipeline.WorkerCount <= 0 {
		return fmt.Errorf("config 'pipeline.workerCount' must be a positive integer")
	}

	if _, err := pipeline.ParseMode(cfg.Pipeline.Mode); err != nil {
		return fmt.Errorf("config 'pipeline.mode': %w", err)
	}

	if _, err := pipeline.ParseSkipStrategy(cfg.Pipeline.SkipStrategy); err != nil {
		return fmt.Errorf("config 'pipeline.skipStrategy': %w", err)
	}

	if cfg.Pipeline.TargetFPS <= 0 {
		return fmt.Errorf("config 'pipeline.targetFPS' must be positive")
	}

	if cfg.Pipeline.MaxRetries < 0 {
		return fmt.Errorf("config 'pipeline.maxRetries' must be non-negative")
	}

	if cfg.Quality.Floor <= 0 || cfg.Quality.Floor > 1 {
		return fmt.Errorf("config 'quality.floor' must be in (0, 1]")
	}

	if cfg.Quality.Step <= 0 || cfg.Quality.Step > 1 {
		return fmt.Errorf("config 'quality.step' must be in (0, 1]")
	}

	if cfg.MemoryPool.MaxBytes <= 0 {
		return fmt.Errorf("config 'memorypool.maxBytes' must be a positive integer")
	}

	if cfg.MemoryPool.CompressionThreshold <= 0 || cfg.MemoryPool.CompressionThreshold > 1 {
		return fmt.Errorf("config 'memorypool.compressionThreshold' must be in (0, 1]")
	}

	if cfg.ModelCache.MaxBytes <= 0 {
		return fmt.Errorf("config 'modelcache.maxBytes' must be a positive integer")
	}

	if cfg.Monitor.Interval <= 0 {
		return fmt.Errorf("config 'monitor.interval' must be a positive duration")
	}

	for name, threshold := range map[string]float64{
		"monitor.systemMemoryThreshold": cfg.Monitor.SystemMemoryThreshold,
		"monitor.gpuMemoryThreshold":    cfg.Monitor.GPUMemoryThreshold,
		"monitor.cpuThreshold":          cfg.Monitor.CPUThreshold,
	} {
		if threshold <= 0 || threshold > 1 {
			return fmt.Errorf("config '%s' must be in (0, 1]", name)
		}
	}

	if cfg.Trace.Enabled {
		if cfg.Trace.OTLP.Endpoint == "" {
			return fmt.Errorf("config 'trace.otlp.endpoint' must be set when tracing is enabled")
		}
		if cfg.Trace.SampleRatio < 0 || cfg.Trace.SampleRatio > 1 {
			return fmt.Errorf("config 'trace.sampleRatio' must be in [0, 1]")
		}
	}

	if cfg.Metrics.Enabled && cfg.Metrics.Addr == "" {
		return fmt.Errorf("config 'metrics.addr' must be set when the metrics endpoint is enabled")
	}

	if cfg.Tuner.Enabled {
		if cfg.Tuner.Interval <= 0 {
			return fmt.Errorf("config 'tuner.interval' must be a positive duration")
		}
		if cfg.Tuner.StabilityWindow <= 0 {
			return fmt.Errorf("config 'tuner.stabilityWindow' must be a positive integer")
		}
		if cfg.Tuner.RelativeThreshold <= 0 {
			return fmt.Errorf("config 'tuner.relativeThreshold' must be positive")
		}
		if cfg.Tuner.Cooldown < 0 {
			return fmt.Errorf("config 'tuner.cooldown' must be non-negative")
		}
	}

	return nil
}

// targetFrameTime derives the per-frame latency budget from the FPS goal.
func (cfg *Config) targetFrameTime() time.Duration {
	return time.Duration(float64(time.Second) / cfg.Pipeline.TargetFPS)
}

// PipelineSettings maps the string-typed runtime configuration onto the
// pipeline's native settings. Verify must have passed.
func (cfg *Config) PipelineSettings() pipeline.Settings {
	mode, _ := pipeline.ParseMode(cfg.Pipeline.Mode)
	strategy, _ := pipeline.ParseSkipStrategy(cfg.Pipeline.SkipStrategy)

	return pipeline.Settings{
		WorkerCount:     cfg.Pipeline.WorkerCount,
		Mode:            mode,
		SkipStrategy:    strategy,
		TargetFrameTime: cfg.targetFrameTime(),
		MaxRetries:      cfg.Pipeline.MaxRetries,
	}
}

func (cfg *Config) PipelineConfig() pipeline.Config {
	return pipeline.Config{
		InputQueueSize:  cfg.Pipeline.InputQueueSize,
		OutputQueueSize: cfg.Pipeline.OutputQueueSize,
		Settings:        cfg.PipelineSettings(),
	}
}

func (cfg *Config) QualityConfig() quality.Config {
	qc := quality.DefaultConfig(cfg.targetFrameTime())
	qc.Floor = cfg.Quality.Floor
	qc.Step = cfg.Quality.Step
	return qc
}

func (cfg *Config) MemoryPoolConfig() gpumem.Config {
	return gpumem.Config{
		MaxBytes:             cfg.MemoryPool.MaxBytes,
		CompressionEnabled:   cfg.MemoryPool.CompressionEnabled,
		CompressionThreshold: cfg.MemoryPool.CompressionThreshold,
		MaxBlockAge:          cfg.MemoryPool.MaxBlockAge,
		SweepInterval:        cfg.MemoryPool.SweepInterval,
	}
}

func (cfg *Config) ModelCacheConfig() modelcache.Config {
	mc := modelcache.DefaultConfig(cfg.ModelCache.MaxBytes)
	mc.PreloadEnabled = cfg.ModelCache.PreloadEnabled
	mc.PreloadWeightThreshold = cfg.ModelCache.PreloadWeightThreshold
	return mc
}

func (cfg *Config) MonitorConfig() monitor.Config {
	return monitor.Config{
		Interval:              cfg.Monitor.Interval,
		SystemMemoryThreshold: cfg.Monitor.SystemMemoryThreshold,
		GPUMemoryThreshold:    cfg.Monitor.GPUMemoryThreshold,
		CPUThreshold:          cfg.Monitor.CPUThreshold,
	}
}

func (cfg *Config) TunerConfig() tuner.Config {
	tc := tuner.DefaultConfig(tuner.Targets{
		FPS:               cfg.Pipeline.TargetFPS,
		MemoryUtilization: cfg.Tuner.TargetMemoryUtilization,
		CPUPercent:        cfg.Tuner.TargetCPUPercent,
	})
	tc.Enabled = cfg.Tuner.Enabled
	tc.Interval = cfg.Tuner.Interval
	tc.StabilityWindow = cfg.Tuner.StabilityWindow
	tc.RelativeThreshold = cfg.Tuner.RelativeThreshold
	tc.Cooldown = cfg.Tuner.Cooldown
	return tc
}

// DefaultConfig is the framepipe runtime default configuration.
func DefaultConfig() *Config {
	memoryPool := gpumem.DefaultConfig(DefaultMemoryPoolBytes)
	modelCache := modelcache.DefaultConfig(DefaultModelCacheBytes)
	mon := monitor.DefaultConfig()
	qc := quality.DefaultConfig(time.Second / DefaultTargetFPS)
	tc := tuner.DefaultConfig(tuner.Targets{})

	return &Config{
		Log: LogConfig{
			Format: "text",
			Level:  "info",
		},
		Pipeline: PipelineConfig{
			InputQueueSize:  DefaultInputQueueSize,
			OutputQueueSize: DefaultOutputQueueSize,
			WorkerCount:     DefaultWorkerCount,
			Mode:            "balanced",
			SkipStrategy:    "adaptive",
			TargetFPS:       DefaultTargetFPS,
			MaxRetries:      DefaultMaxRetries,
		},
		Quality: QualityConfig{
			Enabled: true,
			Floor:   qc.Floor,
			Step:    qc.Step,
		},
		MemoryPool: MemoryPoolConfig{
			MaxBytes:             memoryPool.MaxBytes,
			CompressionEnabled:   memoryPool.CompressionEnabled,
			CompressionThreshold: memoryPool.CompressionThreshold,
			MaxBlockAge:          memoryPool.MaxBlockAge,
			SweepInterval:        memoryPool.SweepInterval,
		},
		ModelCache: ModelCacheConfig{
			MaxBytes:               modelCache.MaxBytes,
			PreloadEnabled:         modelCache.PreloadEnabled,
			PreloadWeightThreshold: modelCache.PreloadWeightThreshold,
		},
		Monitor: MonitorConfig{
			Interval:              mon.Interval,
			SystemMemoryThreshold: mon.SystemMemoryThreshold,
			GPUMemoryThreshold:    mon.GPUMemoryThreshold,
			CPUThreshold:          mon.CPUThreshold,
		},
		Trace: TraceConfig{
			Enabled: false,
			OTLP: OTLPTraceConfig{
				Endpoint: "0.0.0.0:4317",
			},
			SampleRatio: 0.2,
			ServiceName: "framepipe",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Addr:    "0.0.0.0:2112",
		},
		Tuner: TunerConfig{
			Enabled:                 true,
			Interval:                tc.Interval,
			StabilityWindow:         tc.StabilityWindow,
			RelativeThreshold:       tc.RelativeThreshold,
			Cooldown:                tc.Cooldown,
			TargetMemoryUtilization: DefaultTunerTargetMemoryUtilization,
			TargetCPUPercent:        DefaultTunerTargetCPUPercent,
		},
	}
}
