package pipeline

import (
	"fmt"
	"time"
)

// Priority orders tasks for admission decisions under DROP_LOWEST_PRIORITY.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityCritical
)

// Mode selects the pipeline's trade-off between freshness and completeness.
type Mode int

const (
	// ModeRealtime always prefers freshness and drops under pressure.
	ModeRealtime Mode = iota

	// ModeQuality never drops; a full input queue blocks the producer.
	ModeQuality

	// ModeBalanced reclaims one slot per the skip strategy before dropping.
	ModeBalanced

	// ModeBatch has no real-time constraints and blocks to maximize
	// throughput.
	ModeBatch
)

func (m Mode) String() string {
	switch m {
	case ModeRealtime:
		return "realtime"
	case ModeQuality:
		return "quality"
	case ModeBalanced:
		return "balanced"
	case ModeBatch:
		return "batch"
	default:
		return "unknown"
	}
}

// ParseMode maps a configuration string onto a Mode.
func ParseMode(s string) (Mode, error) {
	switch s {
	case "realtime":
		return ModeRealtime, nil
	case "quality":
		return ModeQuality, nil
	case "balanced":
		return ModeBalanced, nil
	case "batch":
		return ModeBatch, nil
	default:
		return 0, fmt.Errorf("unknown processing mode: %q", s)
	}
}

// SkipStrategy selects which frames are discarded under load.
type SkipStrategy int

const (
	// SkipNone never proactively discards frames.
	SkipNone SkipStrategy = iota

	// SkipDropOldest evicts the head of the input queue to make room.
	SkipDropOldest

	// SkipDropLowestPriority evicts the queued task with the lowest
	// priority (oldest among ties).
	SkipDropLowestPriority

	// SkipAdaptive discards new frames only while recent stage latency
	// runs behind the target frame time.
	SkipAdaptive
)

func (s SkipStrategy) String() string {
	switch s {
	case SkipNone:
		return "none"
	case SkipDropOldest:
		return "drop_oldest"
	case SkipDropLowestPriority:
		return "drop_lowest_priority"
	case SkipAdaptive:
		return "adaptive"
	default:
		return "unknown"
	}
}

// ParseSkipStrategy maps a configuration string onto a SkipStrategy.
func ParseSkipStrategy(s string) (SkipStrategy, error) {
	switch s {
	case "none":
		return SkipNone, nil
	case "drop_oldest":
		return SkipDropOldest, nil
	case "drop_lowest_priority":
		return SkipDropLowestPriority, nil
	case "adaptive":
		return SkipAdaptive, nil
	default:
		return 0, fmt.Errorf("unknown skip strategy: %q", s)
	}
}

// Metadata keys the pipeline publishes into each task.
const (
	MetaFrameID         = "frame.id"
	MetaQualityFactor   = "quality.factor"
	MetaResolutionScale = "quality.resolution_scale"
	MetaProcessingScale = "quality.processing_scale"
	MetaFramesToSkip    = "quality.frames_to_skip"
)

// Task is one frame travelling through the pipeline. The pipeline owns a task
// exclusively from Submit until it appears on the output queue; after
// TakeResult returns it, ownership transfers to the caller.
type Task struct {
	// ID is the monotonic frame id assigned at submission.
	ID uint64

	// Frame is the input buffer; Result holds the transformed buffer once
	// the stage chain has run.
	Frame  []byte
	Result []byte

	// Metadata carries caller-supplied context plus the quality settings
	// the pipeline publishes during processing.
	Metadata map[string]any

	Priority Priority

	SubmittedAt time.Time
	StartedAt   time.Time
	CompletedAt time.Time

	// Attempts counts how many times the stage chain has been run for
	// this task.
	Attempts int

	// ProcessingTime accumulates stage-chain time across attempts.
	ProcessingTime time.Duration

	// Err is set when a stage failed terminally; the task is still
	// delivered so consumers observe the failure.
	Err error
}

// DropReason classifies why a frame was discarded.
type DropReason string

const (
	DropQueueFull     DropReason = "queue_full"
	DropEvicted       DropReason = "evicted"
	DropAdaptiveSkip  DropReason = "adaptive_skip"
	DropShutdown      DropReason = "shutdown"
	DropOutputEvicted DropReason = "output_evicted"
)
