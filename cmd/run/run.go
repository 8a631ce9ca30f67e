// Package run contains the command to run a framepipe processing node.
package run

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"

	"github.com/streamforge/framepipe/internal/config"
	"github.com/streamforge/framepipe/pkg/gpumem"
	"github.com/streamforge/framepipe/pkg/lifecycle"
	"github.com/streamforge/framepipe/pkg/logger"
	"github.com/streamforge/framepipe/pkg/modelcache"
	"github.com/streamforge/framepipe/pkg/monitor"
	"github.com/streamforge/framepipe/pkg/pipeline"
	"github.com/streamforge/framepipe/pkg/quality"
	"github.com/streamforge/framepipe/pkg/telemetry"
	"github.com/streamforge/framepipe/pkg/tuner"
)

func NewRunCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a framepipe processing node",
		Long:  "Run a framepipe processing node with a synthetic frame source.",
		Run:   run,
		Args:  cobra.NoArgs,
	}

	bindRunFlags(cmd)

	return cmd
}

// ReadConfig returns the runtime configuration based on the values provided
// in the 'config.yaml' file, merged over the defaults.
func ReadConfig() (*config.Config, error) {
	cfg := config.DefaultConfig()

	viper.SetTypeByDefaultValue(true)
	err := viper.ReadInConfig()
	if err != nil {
		if !errors.As(err, &viper.ConfigFileNotFoundError{}) {
			return nil, fmt.Errorf("failed to load runtime config: %w", err)
		}
	}

	if err := viper.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal runtime config: %w", err)
	}

	return cfg, nil
}

func run(_ *cobra.Command, _ []string) {
	cfg, err := ReadConfig()
	if err != nil {
		panic(err)
	}

	if err := cfg.Verify(); err != nil {
		panic(err)
	}

	log := logger.MustNewLogger(cfg.Log.Format, cfg.Log.Level)
	runner := &RunnerContext{Logger: log}
	if err := runner.Run(context.Background(), cfg); err != nil {
		panic(err)
	}
}

// RunnerContext owns the wiring of the processing node.
type RunnerContext struct {
	Logger logger.Logger
}

// telemetryConfig returns the function that must be called to shut down
// tracing. The context provided to this function should be error-free, or
// shut down will be incomplete.
func (r *RunnerContext) telemetryConfig(cfg *config.Config) func() error {
	if cfg.Trace.Enabled {
		r.Logger.Info(fmt.Sprintf("🕵 tracing enabled: sampling ratio is %v and sending traces to '%s'", cfg.Trace.SampleRatio, cfg.Trace.OTLP.Endpoint))

		tp := telemetry.MustNewTracerProvider(
			telemetry.WithOTLPEndpoint(cfg.Trace.OTLP.Endpoint),
			telemetry.WithServiceName(cfg.Trace.ServiceName),
			telemetry.WithSamplingRatio(cfg.Trace.SampleRatio),
		)
		return func() error {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := tp.ForceFlush(ctx); err != nil {
				return err
			}
			return tp.Shutdown(ctx)
		}
	}

	otel.SetTracerProvider(noop.NewTracerProvider())
	return func() error { return nil }
}

// Run assembles the memory pool, model cache, resource monitor, pipeline and
// auto-tuner, drives them with a synthetic frame source, and blocks until the
// process receives SIGINT or SIGTERM.
func (r *RunnerContext) Run(ctx context.Context, cfg *config.Config) error {
	tracerProviderCloser := r.telemetryConfig(cfg)
	defer func() {
		if err := tracerProviderCloser(); err != nil {
			r.Logger.Error("failed to shutdown tracing", zap.Error(err))
		}
	}()

	pool, err := gpumem.NewPool(cfg.MemoryPoolConfig(), gpumem.WithLogger(r.Logger))
	if err != nil {
		return fmt.Errorf("failed to initialize memory pool: %w", err)
	}

	cache := modelcache.New(cfg.ModelCacheConfig(), modelcache.WithLogger(r.Logger))
	defer cache.Close()

	var pipeOpts []pipeline.Opt
	pipeOpts = append(pipeOpts, pipeline.WithLogger(r.Logger))
	if cfg.Quality.Enabled {
		qc := quality.NewController(cfg.QualityConfig(), quality.WithLogger(r.Logger))
		pipeOpts = append(pipeOpts, pipeline.WithQualityController(qc))
	}

	pipe, err := pipeline.New(cfg.PipelineConfig(), pipeOpts...)
	if err != nil {
		return fmt.Errorf("failed to initialize pipeline: %w", err)
	}

	if err := registerStages(pipe, pool, cache); err != nil {
		return fmt.Errorf("failed to register stages: %w", err)
	}

	mon := monitor.New(cfg.MonitorConfig(),
		monitor.WithLogger(r.Logger),
		monitor.WithSampler(monitor.NewHostSampler(func(context.Context) (map[string]float64, error) {
			return map[string]float64{"cuda:0": pool.Stats().Utilization}, nil
		})),
	)
	mon.AddCallback(func(e monitor.Event) {
		if e.Type == monitor.GPUMemory {
			pool.SetCompressionEnabled(true)
		}
	})

	tune := tuner.New(cfg.TunerConfig(), pipe, pool,
		tuner.WithLogger(r.Logger),
		tuner.WithMetricsSource(func() tuner.Metrics {
			snap := pipe.Stats()
			sample, _ := mon.LastSample()
			return tuner.Metrics{
				At:                time.Now(),
				FPS:               snap.Throughput,
				MemoryUtilization: pool.Stats().Utilization,
				CPUPercent:        sample.CPUPercent,
				QueueDepth:        snap.InputDepth,
				Dropped:           snap.Dropped,
			}
		}),
	)
	components := []lifecycle.Runnable{pool, mon}
	if cfg.Tuner.Enabled {
		components = append(components, tune)
	}
	components = append(components, pipe)

	for _, c := range components {
		if err := c.Start(ctx); err != nil {
			return fmt.Errorf("failed to start component: %w", err)
		}
	}
	defer func() {
		for i := len(components) - 1; i >= 0; i-- {
			if err := components[i].Stop(); err != nil {
				r.Logger.Error("failed to stop component", zap.Error(err))
			}
		}
	}()

	if cfg.Metrics.Enabled {
		r.Logger.Info(fmt.Sprintf("📈 starting metrics endpoint: http://%s/metrics", cfg.Metrics.Addr))
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			if err := http.ListenAndServe(cfg.Metrics.Addr, mux); err != nil {
				r.Logger.Error("failed to serve metrics endpoint", zap.Error(err))
			}
		}()
	}

	sourceCtx, stopSource := context.WithCancel(ctx)
	defer stopSource()

	frameInterval := time.Duration(float64(time.Second) / cfg.Pipeline.TargetFPS)
	go r.produce(sourceCtx, pipe, frameInterval)
	go r.consume(sourceCtx, pipe)
	go r.report(sourceCtx, pipe, pool, cache)

	r.Logger.Info(
		"🚀 starting framepipe processing node",
		zap.String("mode", cfg.Pipeline.Mode),
		zap.Float64("target_fps", cfg.Pipeline.TargetFPS),
		zap.Int("workers", cfg.Pipeline.WorkerCount),
	)

	signals := make(chan os.Signal, 2)
	signal.Notify(signals, os.Interrupt, syscall.SIGTERM)
	select {
	case <-signals:
	case <-ctx.Done():
	}

	r.Logger.Info("attempting to shutdown gracefully")
	stopSource()
	return nil
}

// registerStages wires a synthetic decode/infer/encode chain. The stages
// exercise the pool and cache the way a real media workload would, with work
// simulated by sleeps scaled to the published quality settings.
func registerStages(pipe *pipeline.Pipeline, pool *gpumem.Pool, cache *modelcache.Cache) error {
	decode := func(frame []byte, _ map[string]any) ([]byte, error) {
		block, ok := pool.Allocate(int64(len(frame)), gpumem.Uint8, "cuda:0", gpumem.PriorityNormal)
		if !ok {
			return nil, errors.New("device memory exhausted")
		}
		defer pool.Release(block)

		copy(block.Data, frame)
		time.Sleep(2 * time.Millisecond)
		return frame, nil
	}

	infer := func(frame []byte, metadata map[string]any) ([]byte, error) {
		model, err := cache.Get(context.Background(), "detector-v2", loadModel)
		if err != nil {
			return nil, err
		}
		_ = model

		// Processing cost tracks the current quality factor.
		scale := 1.0
		if v, ok := metadata[pipeline.MetaProcessingScale].(float64); ok && v > 0 {
			scale = v
		}
		time.Sleep(time.Duration(scale * float64(8*time.Millisecond)))
		return frame, nil
	}

	encode := func(frame []byte, _ map[string]any) ([]byte, error) {
		time.Sleep(2 * time.Millisecond)
		return frame, nil
	}

	if err := pipe.AddProcessor("decode", decode, 0); err != nil {
		return err
	}
	if err := pipe.AddProcessor("infer", infer, 10); err != nil {
		return err
	}
	return pipe.AddProcessor("encode", encode, 20)
}

// loadModel fakes pulling model weights into memory.
func loadModel(_ context.Context) (any, int64, error) {
	weights := make([]byte, 4<<20)
	return weights, int64(len(weights)), nil
}

func (r *RunnerContext) produce(ctx context.Context, pipe *pipeline.Pipeline, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	frame := make([]byte, 64<<10)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			prio := pipeline.PriorityNormal
			if rand.Intn(10) == 0 {
				prio = pipeline.PriorityHigh
			}
			pipe.SubmitWithPriority(frame, map[string]any{"source": "synthetic"}, prio)
		}
	}
}

func (r *RunnerContext) consume(ctx context.Context, pipe *pipeline.Pipeline) {
	for ctx.Err() == nil {
		if _, ok := pipe.TakeResult(time.Second); !ok {
			continue
		}
	}
}

func (r *RunnerContext) report(ctx context.Context, pipe *pipeline.Pipeline, pool *gpumem.Pool, cache *modelcache.Cache) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			snap := pipe.Stats()
			poolStats := pool.Stats()
			cacheStats := cache.Stats()

			fields := []zap.Field{
				zap.Uint64("processed", snap.Processed),
				zap.Uint64("dropped", snap.Dropped),
				zap.Float64("throughput_fps", snap.Throughput),
				zap.Duration("avg_latency", snap.AvgLatency),
				zap.Float64("pool_utilization", poolStats.Utilization),
				zap.Uint64("cache_hits", cacheStats.Hits),
				zap.Uint64("cache_misses", cacheStats.Misses),
			}
			if qs, ok := pipe.QualityInfo(); ok {
				fields = append(fields, zap.Float64("quality_factor", qs.QualityFactor))
			}
			r.Logger.Info("pipeline status", fields...)
		}
	}
}
