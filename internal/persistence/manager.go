// Package persistence implements the Persistence Engine (spec §4.G):
// session boot/crash detection, checkpoint creation with FIFO
// retention, checkpoint restore, conflict resolution strategies, and
// the cron-driven maintenance ticker that repurposes the teacher's
// workflow-schedule cron into an internal heartbeat/checkpoint/
// priority-recompute timer (spec §4.E/§4.G, Design Notes).
package persistence

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/taskmesh/engine/internal/store"
)

// Session is the persisted record of one engine process lifetime.
type Session struct {
	ID            string    `json:"id"`
	StartedAt     time.Time `json:"started_at"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
	Status        string    `json:"status"` // "active" | "crashed" | "closed"
}

const (
	SessionActive  = "active"
	SessionCrashed = "crashed"
	SessionClosed  = "closed"
)

// CheckpointMeta is the bookkeeping attached to every checkpoint payload.
type CheckpointMeta struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id"`
	CreatedAt time.Time `json:"created_at"`
	Manual    bool      `json:"manual"`
}

type storedCheckpoint struct {
	Meta CheckpointMeta  `json:"meta"`
	Data json.RawMessage `json:"data"`
}

// Config mirrors engine.PersistenceConfig's timers without importing
// the root package.
type Config struct {
	HeartbeatInterval  time.Duration
	CheckpointInterval time.Duration
	MaxCheckpoints     int
	SessionTimeout     time.Duration

	// ConflictResolution selects the Resolver strategy (spec §4.G /
	// §6 persistence.conflict_resolution): "timestamp", "manual", or
	// "merge". Empty defaults to "timestamp".
	ConflictResolution string
	// Merge is required when ConflictResolution is "merge"; the
	// caller supplies it since merge semantics are domain-specific.
	Merge MergeFunc
}

// Manager owns session lifecycle and checkpoints on top of a Store.
type Manager struct {
	st  *store.Store
	cfg Config

	mu        sync.Mutex
	sessionID string

	resolver Resolver
	cron     *cron.Cron
}

// NewManager creates a Manager bound to st, selecting its conflict
// Resolver from cfg.ConflictResolution.
func NewManager(st *store.Store, cfg Config) *Manager {
	return &Manager{
		st:       st,
		cfg:      cfg,
		resolver: NewResolver(cfg.ConflictResolution, cfg.Merge),
		cron:     cron.New(cron.WithSeconds()),
	}
}

// Resolve applies the configured conflict_resolution strategy to two
// versions of the same persisted task id (spec §4.G: "two sessions
// updating the same task concurrently").
func (m *Manager) Resolve(a, b Versioned) (Versioned, error) {
	return m.resolver.Resolve(a, b)
}

// Boot scans existing sessions for ones whose heartbeat went stale
// (crash detection, spec §4.G), marks them crashed, and opens a fresh
// active session for this process. Returns the crashed sessions so the
// caller can run recovery against their latest checkpoints.
func (m *Manager) Boot(ctx context.Context) ([]Session, error) {
	ids, err := m.st.ListSessionIDs()
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}

	var crashed []Session
	now := time.Now()
	for _, id := range ids {
		raw, err := m.st.LoadSession(id)
		if err != nil {
			continue
		}
		var sess Session
		if err := json.Unmarshal(raw, &sess); err != nil {
			continue
		}
		if sess.Status == SessionActive && now.Sub(sess.LastHeartbeat) > m.cfg.SessionTimeout {
			sess.Status = SessionCrashed
			if data, err := json.Marshal(sess); err == nil {
				_ = m.st.SaveSession(sess.ID, data)
			}
			crashed = append(crashed, sess)
		}
	}

	m.mu.Lock()
	m.sessionID = uuid.NewString()
	sess := Session{ID: m.sessionID, StartedAt: now, LastHeartbeat: now, Status: SessionActive}
	m.mu.Unlock()

	data, err := json.Marshal(sess)
	if err != nil {
		return nil, err
	}
	if err := m.st.SaveSession(sess.ID, data); err != nil {
		return nil, fmt.Errorf("save session: %w", err)
	}

	slog.Info("persistence session booted", "session_id", sess.ID, "crashed_sessions", len(crashed))
	return crashed, nil
}

// SessionID returns this process's active session id.
func (m *Manager) SessionID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessionID
}

// Heartbeat refreshes this session's LastHeartbeat.
func (m *Manager) Heartbeat(ctx context.Context) error {
	m.mu.Lock()
	id := m.sessionID
	m.mu.Unlock()

	sess := Session{ID: id, LastHeartbeat: time.Now(), Status: SessionActive}
	raw, err := m.st.LoadSession(id)
	if err == nil {
		var existing Session
		if json.Unmarshal(raw, &existing) == nil {
			sess.StartedAt = existing.StartedAt
		}
	}
	data, err := json.Marshal(sess)
	if err != nil {
		return err
	}
	return m.st.SaveSession(id, data)
}

// Close marks this session closed (clean shutdown, spec §4.H shutdown).
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	id := m.sessionID
	m.mu.Unlock()
	raw, err := m.st.LoadSession(id)
	if err != nil {
		return err
	}
	var sess Session
	if err := json.Unmarshal(raw, &sess); err != nil {
		return err
	}
	sess.Status = SessionClosed
	data, err := json.Marshal(sess)
	if err != nil {
		return err
	}
	return m.st.SaveSession(id, data)
}

// CreateCheckpoint snapshots payload (the caller-serialized queue/task
// state) and enforces FIFO retention over non-manual checkpoints: the
// oldest automatic checkpoint is dropped once MaxCheckpoints is
// exceeded; manual checkpoints are exempt (spec §4.G retention note).
func (m *Manager) CreateCheckpoint(ctx context.Context, manual bool, payload []byte) (string, error) {
	m.mu.Lock()
	sessionID := m.sessionID
	m.mu.Unlock()

	now := time.Now()
	id := fmt.Sprintf("%020d-%s", now.UnixNano(), uuid.NewString())
	ck := storedCheckpoint{
		Meta: CheckpointMeta{ID: id, SessionID: sessionID, CreatedAt: now, Manual: manual},
		Data: payload,
	}
	data, err := json.Marshal(ck)
	if err != nil {
		return "", err
	}
	if err := m.st.SaveCheckpoint(id, data); err != nil {
		return "", fmt.Errorf("save checkpoint: %w", err)
	}
	if err := m.enforceRetention(); err != nil {
		slog.Warn("checkpoint retention cleanup failed", "error", err)
	}
	return id, nil
}

func (m *Manager) enforceRetention() error {
	if m.cfg.MaxCheckpoints <= 0 {
		return nil
	}
	ids, err := m.st.ListCheckpointIDs() // lexicographic == creation order (timestamp-prefixed ids)
	if err != nil {
		return err
	}

	var automatic []string
	for _, id := range ids {
		raw, err := m.st.LoadCheckpoint(id)
		if err != nil {
			continue
		}
		var ck storedCheckpoint
		if json.Unmarshal(raw, &ck) != nil {
			continue
		}
		if !ck.Meta.Manual {
			automatic = append(automatic, id)
		}
	}
	sort.Strings(automatic)
	excess := len(automatic) - m.cfg.MaxCheckpoints
	for i := 0; i < excess; i++ {
		if err := m.st.DeleteCheckpoint(automatic[i]); err != nil {
			return err
		}
	}
	return nil
}

// LatestCheckpoint returns the most recently created checkpoint, or
// ("", nil, false) if none exist.
func (m *Manager) LatestCheckpoint() (string, json.RawMessage, bool, error) {
	ids, err := m.st.ListCheckpointIDs()
	if err != nil {
		return "", nil, false, err
	}
	if len(ids) == 0 {
		return "", nil, false, nil
	}
	latest := ids[len(ids)-1]
	raw, err := m.st.LoadCheckpoint(latest)
	if err != nil {
		return "", nil, false, err
	}
	var ck storedCheckpoint
	if err := json.Unmarshal(raw, &ck); err != nil {
		return "", nil, false, err
	}
	return latest, ck.Data, true, nil
}

// LatestCheckpointMeta returns the most recently created checkpoint's
// metadata and payload, or (zero value, nil, false) if none exist.
// Distinct from LatestCheckpoint in also surfacing CreatedAt, which
// callers need as the checkpoint-side timestamp when reconciling a
// conflict against a task's live per-id record.
func (m *Manager) LatestCheckpointMeta() (CheckpointMeta, json.RawMessage, bool, error) {
	ids, err := m.st.ListCheckpointIDs()
	if err != nil {
		return CheckpointMeta{}, nil, false, err
	}
	if len(ids) == 0 {
		return CheckpointMeta{}, nil, false, nil
	}
	latest := ids[len(ids)-1]
	raw, err := m.st.LoadCheckpoint(latest)
	if err != nil {
		return CheckpointMeta{}, nil, false, err
	}
	var ck storedCheckpoint
	if err := json.Unmarshal(raw, &ck); err != nil {
		return CheckpointMeta{}, nil, false, err
	}
	return ck.Meta, ck.Data, true, nil
}

// RestoreCheckpoint loads a specific checkpoint's payload by id.
func (m *Manager) RestoreCheckpoint(id string) (json.RawMessage, error) {
	raw, err := m.st.LoadCheckpoint(id)
	if err != nil {
		return nil, err
	}
	var ck storedCheckpoint
	if err := json.Unmarshal(raw, &ck); err != nil {
		return nil, err
	}
	return ck.Data, nil
}

// StartMaintenanceTicker wires heartbeat, checkpoint, and priority
// recompute callbacks onto independent cron schedules, reusing the
// teacher's cron.New(cron.WithSeconds())/AddFunc idiom from its
// workflow scheduler but driving internal maintenance ticks instead of
// launching workflows.
func (m *Manager) StartMaintenanceTicker(ctx context.Context, onHeartbeat, onCheckpoint, onPriorityTick func(context.Context)) error {
	if _, err := m.cron.AddFunc(everyExpr(m.cfg.HeartbeatInterval), func() { onHeartbeat(ctx) }); err != nil {
		return fmt.Errorf("schedule heartbeat: %w", err)
	}
	if _, err := m.cron.AddFunc(everyExpr(m.cfg.CheckpointInterval), func() { onCheckpoint(ctx) }); err != nil {
		return fmt.Errorf("schedule checkpoint: %w", err)
	}
	if onPriorityTick != nil {
		if _, err := m.cron.AddFunc(everyExpr(m.cfg.HeartbeatInterval), func() { onPriorityTick(ctx) }); err != nil {
			return fmt.Errorf("schedule priority tick: %w", err)
		}
	}
	m.cron.Start()
	return nil
}

// StopMaintenanceTicker stops the cron scheduler, waiting up to ctx's deadline.
func (m *Manager) StopMaintenanceTicker(ctx context.Context) error {
	stopCtx := m.cron.Stop()
	select {
	case <-stopCtx.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func everyExpr(d time.Duration) string {
	if d <= 0 {
		d = time.Second
	}
	return "@every " + d.String()
}
