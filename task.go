// Package engine is the public surface of the task scheduling and
// execution core: Task definitions, the Integrator (Engine), and the
// pluggable collaborator interfaces a caller wires in.
package engine

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Category classifies a task for criticality scoring and metrics.
type Category string

const (
	CategoryFeature        Category = "feature"
	CategoryBugFix         Category = "bug_fix"
	CategoryTest           Category = "test"
	CategoryDocumentation  Category = "documentation"
	CategoryRefactor       Category = "refactor"
	CategorySecurity       Category = "security"
	CategoryPerformance    Category = "performance"
	CategoryInfrastructure Category = "infrastructure"
)

// PriorityTier is one of the five base priority bands (spec §3).
type PriorityTier float64

const (
	TierCritical   PriorityTier = 1000
	TierHigh       PriorityTier = 800
	TierMedium     PriorityTier = 500
	TierLow        PriorityTier = 200
	TierBackground PriorityTier = 50
)

// Status is the single authoritative task state enum (spec §3); the
// source's "ANALYZED"/"ASSIGNED"/"VALIDATION" sub-phases fold into
// QUEUED/RUNNING rather than becoming states of their own.
type Status string

const (
	StatusPending     Status = "PENDING"
	StatusQueued      Status = "QUEUED"
	StatusBlocked     Status = "BLOCKED"
	StatusRunning     Status = "RUNNING"
	StatusPendingRetry Status = "PENDING_RETRY"
	StatusCompleted   Status = "COMPLETED"
	StatusFailed      Status = "FAILED"
	StatusCancelled   Status = "CANCELLED"
)

// IsTerminal reports whether s is one of the three terminal states.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// DependencyType is the edge type in the Dependency Graph (spec §3).
type DependencyType string

const (
	DependencyBlocks    DependencyType = "BLOCKS"
	DependencyEnables   DependencyType = "ENABLES"
	DependencyConflicts DependencyType = "CONFLICTS"
	DependencyEnhances  DependencyType = "ENHANCES"
)

// PriorityFactors are the six named inputs to the dynamic priority score.
type PriorityFactors struct {
	Age                  float64 `json:"age"`
	UserImportance       float64 `json:"user_importance"`
	SystemCriticality    float64 `json:"system_criticality"`
	DependencyWeight     float64 `json:"dependency_weight"`
	ResourceAvailability float64 `json:"resource_availability"`
	ExecutionHistory     float64 `json:"execution_history"`
}

// RetryAttempt records one execution attempt for the terminal failure
// history exposed to callers (spec §7 "user-visible failure").
type RetryAttempt struct {
	Attempt   int       `json:"attempt"`
	StartedAt time.Time `json:"started_at"`
	EndedAt   time.Time `json:"ended_at"`
	ErrorKind ErrorKind `json:"error_kind,omitempty"`
	Error     string    `json:"error,omitempty"`
}

// Metrics is the observability snapshot attached to a task.
type Metrics struct {
	StartTime  time.Time     `json:"start_time,omitempty"`
	EndTime    time.Time     `json:"end_time,omitempty"`
	Duration   time.Duration `json:"duration,omitempty"`
	RetryCount int           `json:"retry_count"`
	CPU        float64       `json:"cpu,omitempty"`
	MemoryMB   float64       `json:"memory_mb,omitempty"`
	ResultSize int           `json:"result_size,omitempty"`
}

// RunContext is the mutable, shared bag every task in a submission
// batch can read from and writes its own output into — the
// generalization of the teacher's WorkflowExecution.Context map.
// Field access must go through Engine, which serializes mutation.
type RunContext struct {
	SessionID string
	Outputs   map[string]map[string]any
}

// ExecuteResult is what a caller's Execute function produces on success.
type ExecuteResult struct {
	Result    map[string]any `json:"result,omitempty"`
	Artifacts map[string]any `json:"artifacts,omitempty"`
	NextTasks []Spec         `json:"-"`
}

// ExecuteFunc is the opaque, caller-supplied asynchronous operation the
// core dispatches. A non-nil error is classified retryable/fatal via
// RetryClassifier (default: everything but Validation and
// CancellationRequested errors is retryable); a Timeout is always retryable.
type ExecuteFunc func(ctx context.Context, task Task, rc *RunContext) (ExecuteResult, error)

// ValidateFunc optionally checks a task's result before it is accepted
// as COMPLETED.
type ValidateFunc func(ctx context.Context, task Task, result ExecuteResult) error

// RollbackFunc optionally undoes partial effects of a FAILED task.
type RollbackFunc func(ctx context.Context, task Task) error

// ProgressFunc reports incremental progress (0..1) during execution.
type ProgressFunc func(ctx context.Context, task Task, fraction float64, message string)

// Task is the central scheduled unit of work (spec §3).
type Task struct {
	ID          string
	Title       string
	Description string
	Category    Category
	Tags        []string

	BasePriority    PriorityTier
	DynamicPriority float64
	PriorityFactors PriorityFactors

	CreatedAt         time.Time
	ScheduledAt       *time.Time
	StartedAt         *time.Time
	CompletedAt       *time.Time
	Deadline          *time.Time
	EstimatedDuration time.Duration
	ActualDuration    time.Duration

	MaxRetries     int
	CurrentRetries int

	Status Status

	Dependencies []string
	Dependents   []string

	RequiredResources   []string
	ResourceConstraints map[string]int

	PreConditions  []string
	PostConditions []string

	BatchCompatible bool
	BatchGroup      string

	Execute          ExecuteFunc `json:"-"`
	ValidateFn       ValidateFunc `json:"-"`
	Rollback         RollbackFunc `json:"-"`
	ProgressCallback ProgressFunc `json:"-"`

	LastError    *TaskError
	RetryHistory []RetryAttempt
	Metrics      Metrics

	// ParentTaskID is set on subtasks submitted via ExecuteResult.NextTasks.
	ParentTaskID string

	// Metadata is an opaque bag the core never branches on (Design Notes §9).
	Metadata map[string]any
}

// TaskError is the terminal failure detail exposed to callers.
type TaskError struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
}

func (e *TaskError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Spec is the builder-facing input to Submit. Required: Title,
// Description, Execute. Everything else gets a documented default.
type Spec struct {
	ID          string
	Title       string
	Description string
	Category    Category
	Tags        []string

	BasePriority PriorityTier
	UserImportance float64

	Deadline          *time.Time
	EstimatedDuration time.Duration

	MaxRetries int

	DependsOn []DependencySpec

	RequiredResources   []string
	ResourceConstraints map[string]int

	PreConditions  []string
	PostConditions []string

	BatchCompatible bool
	BatchGroup      string

	Execute          ExecuteFunc
	ValidateFn       ValidateFunc
	Rollback         RollbackFunc
	ProgressCallback ProgressFunc

	ParentTaskID string
	Metadata     map[string]any
}

// DependencySpec declares an edge to register alongside submission.
type DependencySpec struct {
	DependsOn string
	Type      DependencyType
	Optional  bool
}

// Build validates required fields and fills defaults, returning a
// single Task value — the explicit builder Design Notes §9 calls for
// in place of the source's dynamic partial-object task definitions.
func (s Spec) Build(now time.Time) (Task, error) {
	if strings.TrimSpace(s.Title) == "" {
		return Task{}, NewError(KindValidation, "title is required")
	}
	if strings.TrimSpace(s.Description) == "" {
		return Task{}, NewError(KindValidation, "description is required")
	}
	if s.Execute == nil {
		return Task{}, NewError(KindValidation, "execute is required")
	}

	id := s.ID
	if id == "" {
		id = uuid.NewString()
	}

	basePriority := s.BasePriority
	if basePriority == 0 {
		basePriority = TierMedium
	}

	maxRetries := s.MaxRetries
	if maxRetries == 0 {
		maxRetries = 3
	}

	resourceConstraints := s.ResourceConstraints
	if resourceConstraints == nil {
		resourceConstraints = map[string]int{}
	}

	t := Task{
		ID:                  id,
		Title:               s.Title,
		Description:         s.Description,
		Category:            s.Category,
		Tags:                append([]string(nil), s.Tags...),
		BasePriority:        basePriority,
		DynamicPriority:     float64(basePriority),
		PriorityFactors:     PriorityFactors{UserImportance: clamp01(s.UserImportance)},
		CreatedAt:           now,
		Deadline:            s.Deadline,
		EstimatedDuration:   s.EstimatedDuration,
		MaxRetries:          maxRetries,
		Status:              StatusPending,
		RequiredResources:   append([]string(nil), s.RequiredResources...),
		ResourceConstraints: resourceConstraints,
		PreConditions:       append([]string(nil), s.PreConditions...),
		PostConditions:      append([]string(nil), s.PostConditions...),
		BatchCompatible:     s.BatchCompatible,
		BatchGroup:          s.BatchGroup,
		Execute:             s.Execute,
		ValidateFn:          s.ValidateFn,
		Rollback:            s.Rollback,
		ProgressCallback:    s.ProgressCallback,
		ParentTaskID:        s.ParentTaskID,
		Metadata:            s.Metadata,
	}
	return t, nil
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// SystemCriticality maps a category to its baseline criticality factor
// (spec §4.D: "from category: SECURITY highest").
func SystemCriticality(c Category) float64 {
	switch c {
	case CategorySecurity:
		return 1.0
	case CategoryInfrastructure:
		return 0.85
	case CategoryBugFix:
		return 0.7
	case CategoryPerformance:
		return 0.6
	case CategoryFeature:
		return 0.5
	case CategoryRefactor:
		return 0.35
	case CategoryTest:
		return 0.3
	case CategoryDocumentation:
		return 0.15
	default:
		return 0.4
	}
}
