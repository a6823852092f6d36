package engine

import "time"

// Algorithm selects the dispatch-tick selection strategy (spec §4.E).
type Algorithm string

const (
	AlgorithmRoundRobin    Algorithm = "ROUND_ROBIN"
	AlgorithmWeightedFair  Algorithm = "WEIGHTED_FAIR"
	AlgorithmDeadlineAware Algorithm = "DEADLINE_AWARE"
	AlgorithmResourceAware Algorithm = "RESOURCE_AWARE"
	AlgorithmMLOptimized   Algorithm = "ML_OPTIMIZED"
	AlgorithmHybrid        Algorithm = "HYBRID"
)

// ConflictResolution selects how the Persistence Engine reconciles two
// sessions that wrote the same task concurrently (spec §4.G).
type ConflictResolution string

const (
	ConflictTimestamp ConflictResolution = "timestamp"
	ConflictManual     ConflictResolution = "manual"
	ConflictMerge      ConflictResolution = "merge"
)

// PersistencePerformance groups the store's cache/batch/async knobs.
type PersistencePerformance struct {
	CacheSize      int
	BatchSize      int
	AsyncWrites    bool
	PrefetchEnabled bool
}

// PersistenceConfig configures the Persistence Engine (§6).
type PersistenceConfig struct {
	Enabled            bool
	Root               string
	Compression        bool
	RetentionDays      int
	HeartbeatInterval  time.Duration
	CheckpointInterval time.Duration
	MaxCheckpoints     int
	SessionTimeout     time.Duration
	CrashRecoveryEnabled bool
	ConflictResolution ConflictResolution
	Performance        PersistencePerformance
}

// Config is the full set of engine-wide options (spec §6).
type Config struct {
	MaxConcurrentTasks int
	MaxRetries         int
	DefaultTimeout     time.Duration

	PriorityAdjustmentInterval time.Duration
	MaxStarvationTime          time.Duration

	SchedulingAlgorithm Algorithm

	EnableBatching          bool
	EnableSmartScheduling   bool
	EnableQueueOptimization bool

	// QueueHighWaterMark is the backpressure threshold; Submit returns
	// QueueFull once the count of non-terminal tasks (running ones
	// included) would exceed it.
	QueueHighWaterMark int

	// CancelGraceMillis bounds how long a cooperative cancel is given
	// to return before the executor reports CANCELLED anyway.
	CancelGraceMillis int

	Persistence PersistenceConfig
}

// DefaultConfig returns sane defaults matching the spec's design-level
// constants (§4.D clamp bounds, §4.F backoff, §4.G timers).
func DefaultConfig() Config {
	return Config{
		MaxConcurrentTasks:         8,
		MaxRetries:                 3,
		DefaultTimeout:             30 * time.Second,
		PriorityAdjustmentInterval: 5 * time.Second,
		MaxStarvationTime:          2 * time.Minute,
		SchedulingAlgorithm:        AlgorithmHybrid,
		EnableBatching:             true,
		EnableSmartScheduling:      true,
		EnableQueueOptimization:    true,
		QueueHighWaterMark:         10000,
		CancelGraceMillis:          5000,
		Persistence: PersistenceConfig{
			Enabled:              true,
			Root:                 "./data",
			RetentionDays:        30,
			HeartbeatInterval:    10 * time.Second,
			CheckpointInterval:   30 * time.Second,
			MaxCheckpoints:       20,
			SessionTimeout:       60 * time.Second,
			CrashRecoveryEnabled: true,
			ConflictResolution:   ConflictTimestamp,
			Performance: PersistencePerformance{
				CacheSize:   1000,
				BatchSize:   64,
				AsyncWrites: true,
			},
		},
	}
}
