package run

import (
	"github.com/spf13/cobra"

	"github.com/streamforge/framepipe/cmd/util"
	"github.com/streamforge/framepipe/internal/config"
)

// bindRunFlags binds the cobra cmd flags to the equivalent config value being
// managed by viper. This bridges the config between cobra flags and viper
// flags.
func bindRunFlags(command *cobra.Command) {
	defaultConfig := config.DefaultConfig()
	flags := command.Flags()

	flags.String("log-format", defaultConfig.Log.Format, "the log format to output logs in")
	util.MustBindPFlag("log.format", flags.Lookup("log-format"))
	util.MustBindEnv("log.format", "FRAMEPIPE_LOG_FORMAT")

	flags.String("log-level", defaultConfig.Log.Level, "the log level to use")
	util.MustBindPFlag("log.level", flags.Lookup("log-level"))
	util.MustBindEnv("log.level", "FRAMEPIPE_LOG_LEVEL")

	flags.Int("pipeline-input-queue-size", defaultConfig.Pipeline.InputQueueSize, "the capacity of the bounded input queue")
	util.MustBindPFlag("pipeline.inputQueueSize", flags.Lookup("pipeline-input-queue-size"))
	util.MustBindEnv("pipeline.inputQueueSize", "FRAMEPIPE_PIPELINE_INPUT_QUEUE_SIZE", "FRAMEPIPE_PIPELINE_INPUTQUEUESIZE")

	flags.Int("pipeline-output-queue-size", defaultConfig.Pipeline.OutputQueueSize, "the capacity of the bounded output queue")
	util.MustBindPFlag("pipeline.outputQueueSize", flags.Lookup("pipeline-output-queue-size"))
	util.MustBindEnv("pipeline.outputQueueSize", "FRAMEPIPE_PIPELINE_OUTPUT_QUEUE_SIZE", "FRAMEPIPE_PIPELINE_OUTPUTQUEUESIZE")

	flags.Int("pipeline-worker-count", defaultConfig.Pipeline.WorkerCount, "the number of worker goroutines draining the input queue")
	util.MustBindPFlag("pipeline.workerCount", flags.Lookup("pipeline-worker-count"))
	util.MustBindEnv("pipeline.workerCount", "FRAMEPIPE_PIPELINE_WORKER_COUNT", "FRAMEPIPE_PIPELINE_WORKERCOUNT")

	flags.String("pipeline-mode", defaultConfig.Pipeline.Mode, "the processing mode ('realtime', 'quality', 'balanced', 'batch')")
	util.MustBindPFlag("pipeline.mode", flags.Lookup("pipeline-mode"))
	util.MustBindEnv("pipeline.mode", "FRAMEPIPE_PIPELINE_MODE")

	flags.String("pipeline-skip-strategy", defaultConfig.Pipeline.SkipStrategy, "the frame-skip strategy ('none', 'drop_oldest', 'drop_lowest_priority', 'adaptive')")
	util.MustBindPFlag("pipeline.skipStrategy", flags.Lookup("pipeline-skip-strategy"))
	util.MustBindEnv("pipeline.skipStrategy", "FRAMEPIPE_PIPELINE_SKIP_STRATEGY", "FRAMEPIPE_PIPELINE_SKIPSTRATEGY")

	flags.Float64("pipeline-target-fps", defaultConfig.Pipeline.TargetFPS, "the throughput goal in frames per second")
	util.MustBindPFlag("pipeline.targetFPS", flags.Lookup("pipeline-target-fps"))
	util.MustBindEnv("pipeline.targetFPS", "FRAMEPIPE_PIPELINE_TARGET_FPS", "FRAMEPIPE_PIPELINE_TARGETFPS")

	flags.Int("pipeline-max-retries", defaultConfig.Pipeline.MaxRetries, "how many times a failed frame is requeued before it is reported")
	util.MustBindPFlag("pipeline.maxRetries", flags.Lookup("pipeline-max-retries"))
	util.MustBindEnv("pipeline.maxRetries", "FRAMEPIPE_PIPELINE_MAX_RETRIES", "FRAMEPIPE_PIPELINE_MAXRETRIES")

	flags.Bool("quality-enabled", defaultConfig.Quality.Enabled, "enable/disable the adaptive quality controller")
	util.MustBindPFlag("quality.enabled", flags.Lookup("quality-enabled"))
	util.MustBindEnv("quality.enabled", "FRAMEPIPE_QUALITY_ENABLED")

	flags.Float64("quality-floor", defaultConfig.Quality.Floor, "the lowest quality factor degradation may reach")
	util.MustBindPFlag("quality.floor", flags.Lookup("quality-floor"))
	util.MustBindEnv("quality.floor", "FRAMEPIPE_QUALITY_FLOOR")

	flags.Int64("memorypool-max-bytes", defaultConfig.MemoryPool.MaxBytes, "the hard ceiling on bytes tracked by the device memory pool")
	util.MustBindPFlag("memorypool.maxBytes", flags.Lookup("memorypool-max-bytes"))
	util.MustBindEnv("memorypool.maxBytes", "FRAMEPIPE_MEMORYPOOL_MAX_BYTES", "FRAMEPIPE_MEMORYPOOL_MAXBYTES")

	flags.Bool("memorypool-compression-enabled", defaultConfig.MemoryPool.CompressionEnabled, "enable/disable zstd compression of pooled blocks under memory pressure")
	util.MustBindPFlag("memorypool.compressionEnabled", flags.Lookup("memorypool-compression-enabled"))
	util.MustBindEnv("memorypool.compressionEnabled", "FRAMEPIPE_MEMORYPOOL_COMPRESSION_ENABLED", "FRAMEPIPE_MEMORYPOOL_COMPRESSIONENABLED")

	flags.Int64("modelcache-max-bytes", defaultConfig.ModelCache.MaxBytes, "the ceiling on cached model footprints")
	util.MustBindPFlag("modelcache.maxBytes", flags.Lookup("modelcache-max-bytes"))
	util.MustBindEnv("modelcache.maxBytes", "FRAMEPIPE_MODELCACHE_MAX_BYTES", "FRAMEPIPE_MODELCACHE_MAXBYTES")

	flags.Bool("modelcache-preload-enabled", defaultConfig.ModelCache.PreloadEnabled, "enable/disable predictive model preloading")
	util.MustBindPFlag("modelcache.preloadEnabled", flags.Lookup("modelcache-preload-enabled"))
	util.MustBindEnv("modelcache.preloadEnabled", "FRAMEPIPE_MODELCACHE_PRELOAD_ENABLED", "FRAMEPIPE_MODELCACHE_PRELOADENABLED")

	flags.Duration("monitor-interval", defaultConfig.Monitor.Interval, "how often host resources are sampled")
	util.MustBindPFlag("monitor.interval", flags.Lookup("monitor-interval"))
	util.MustBindEnv("monitor.interval", "FRAMEPIPE_MONITOR_INTERVAL")

	flags.Bool("metrics-enabled", defaultConfig.Metrics.Enabled, "enable/disable the prometheus scrape endpoint")
	util.MustBindPFlag("metrics.enabled", flags.Lookup("metrics-enabled"))
	util.MustBindEnv("metrics.enabled", "FRAMEPIPE_METRICS_ENABLED")

	flags.String("metrics-addr", defaultConfig.Metrics.Addr, "the host:port address to serve the metrics endpoint on")
	util.MustBindPFlag("metrics.addr", flags.Lookup("metrics-addr"))
	util.MustBindEnv("metrics.addr", "FRAMEPIPE_METRICS_ADDR")

	flags.Bool("tuner-enabled", defaultConfig.Tuner.Enabled, "enable/disable the closed-loop auto-tuner")
	util.MustBindPFlag("tuner.enabled", flags.Lookup("tuner-enabled"))
	util.MustBindEnv("tuner.enabled", "FRAMEPIPE_TUNER_ENABLED")

	flags.Duration("tuner-interval", defaultConfig.Tuner.Interval, "the auto-tuner analysis period")
	util.MustBindPFlag("tuner.interval", flags.Lookup("tuner-interval"))
	util.MustBindEnv("tuner.interval", "FRAMEPIPE_TUNER_INTERVAL")

	flags.Duration("tuner-cooldown", defaultConfig.Tuner.Cooldown, "the minimum time between auto-tuner adjustments")
	util.MustBindPFlag("tuner.cooldown", flags.Lookup("tuner-cooldown"))
	util.MustBindEnv("tuner.cooldown", "FRAMEPIPE_TUNER_COOLDOWN")
}
