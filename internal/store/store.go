// Package store implements the Task Store (spec §4.A): a bbolt-backed
// persistence substrate with content-hashed records, transactional
// batches of writes, an optional bounded async write buffer, and a
// streaming enumerate scan. It is deliberately ignorant of
// engine.Task — callers save/load opaque JSON payloads keyed by id, so
// this package never imports the root engine package.
package store

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.etcd.io/bbolt"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Sentinel errors for spec §4.A's NotFound, IntegrityError and
// BusyTransaction cases; I/O failures are returned as wrapped bbolt or
// encoding errors.
var (
	ErrNotFound       = errors.New("store: not found")
	ErrIntegrity      = errors.New("store: content hash mismatch")
	ErrBusyTransaction = errors.New("store: a transaction is already open")
)

var (
	bucketTasks       = []byte("tasks")
	bucketCheckpoints = []byte("checkpoints")
	bucketSessions    = []byte("sessions")
	bucketTxLog       = []byte("tx_log")
	bucketIndex       = []byte("index")
)

// envelope is the on-disk record wrapper: {version, payload, hash}
// from spec §6's "Record envelope".
type envelope struct {
	Version int             `json:"version"`
	Payload json.RawMessage `json:"payload"`
	Hash    string          `json:"hash"`
}

func newEnvelope(payload []byte) envelope {
	sum := sha256.Sum256(payload)
	return envelope{Version: 1, Payload: payload, Hash: hex.EncodeToString(sum[:])}
}

func (e envelope) verify() error {
	sum := sha256.Sum256(e.Payload)
	if hex.EncodeToString(sum[:]) != e.Hash {
		return ErrIntegrity
	}
	return nil
}

// pendingWrite is one staged mutation, either inside an open Tx or the
// async write buffer.
type pendingWrite struct {
	bucket []byte
	key    []byte
	value  []byte // nil means delete
}

// Tx is a transactional batch of writes: nothing is visible to Load
// until Commit applies the whole batch atomically.
type Tx struct {
	id     uint64
	writes []pendingWrite
}

// Store is the bbolt-backed Task Store.
type Store struct {
	db *bbolt.DB

	cacheMu   sync.Mutex
	cache     map[string][]byte
	cacheOrder []string
	cacheSize int

	txMu     sync.Mutex
	activeTx *Tx
	nextTxID uint64

	async         bool
	bufferMu      sync.Mutex
	bufferCond    *sync.Cond
	buffer        []pendingWrite
	bufferBound   int
	dirty         bool
	flushInterval time.Duration
	stopCh        chan struct{}
	stopped       sync.WaitGroup

	readLatency  metric.Float64Histogram
	writeLatency metric.Float64Histogram
	cacheHits    metric.Int64Counter
	cacheMisses  metric.Int64Counter
}

// Options configures Open.
type Options struct {
	CacheSize     int
	Async         bool
	BufferBound   int
	FlushInterval time.Duration
}

// Open creates or opens the bbolt database at path and ensures every bucket exists.
func Open(path string, opts Options, meter metric.Meter) (*Store, error) {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bbolt: %w", err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		for _, b := range [][]byte{bucketTasks, bucketCheckpoints, bucketSessions, bucketTxLog, bucketIndex} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create buckets: %w", err)
	}

	if opts.CacheSize <= 0 {
		opts.CacheSize = 1000
	}
	if opts.BufferBound <= 0 {
		opts.BufferBound = 64
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = time.Second
	}

	readLatency, _ := meter.Float64Histogram("taskmesh_store_read_ms")
	writeLatency, _ := meter.Float64Histogram("taskmesh_store_write_ms")
	cacheHits, _ := meter.Int64Counter("taskmesh_store_cache_hits_total")
	cacheMisses, _ := meter.Int64Counter("taskmesh_store_cache_misses_total")

	s := &Store{
		db:            db,
		cache:         make(map[string][]byte),
		cacheSize:     opts.CacheSize,
		async:         opts.Async,
		bufferBound:   opts.BufferBound,
		flushInterval: opts.FlushInterval,
		stopCh:        make(chan struct{}),
		readLatency:   readLatency,
		writeLatency:  writeLatency,
		cacheHits:     cacheHits,
		cacheMisses:   cacheMisses,
	}
	s.bufferCond = sync.NewCond(&s.bufferMu)

	if s.async {
		s.stopped.Add(1)
		go s.flushLoop()
	}
	return s, nil
}

// Close stops the flush loop (flushing any remaining buffer) and closes the database.
func (s *Store) Close() error {
	if s.async {
		close(s.stopCh)
		s.stopped.Wait()
	}
	return s.db.Close()
}

func (s *Store) flushLoop() {
	defer s.stopped.Done()
	ticker := time.NewTicker(s.flushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			_ = s.flushBuffer()
			return
		case <-ticker.C:
			_ = s.flushBuffer()
		}
	}
}

// Save write-throughs a JSON payload under id. If tx is non-nil, the
// write is staged into the transaction instead of applied immediately
// (spec §4.A save(task, tx?)).
func (s *Store) Save(ctx context.Context, id string, payload []byte, tx *Tx) error {
	start := time.Now()
	defer func() {
		s.writeLatency.Record(ctx, float64(time.Since(start).Milliseconds()), metric.WithAttributes(attribute.String("op", "save")))
	}()

	env := newEnvelope(payload)
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	w := pendingWrite{bucket: bucketTasks, key: []byte(id), value: data}

	if tx != nil {
		tx.writes = append(tx.writes, w)
		return nil
	}

	if s.async {
		return s.enqueue(w)
	}
	return s.applyLocked([]pendingWrite{w})
}

// enqueue appends w to the async buffer, blocking while the buffer is
// dirty (spec §4.A: "a failure during flush marks the buffer dirty and
// blocks further saves until drained"), and triggers an immediate
// flush once the size threshold is reached.
func (s *Store) enqueue(w pendingWrite) error {
	s.bufferMu.Lock()
	for s.dirty {
		s.bufferCond.Wait()
	}
	s.buffer = append(s.buffer, w)
	full := len(s.buffer) >= s.bufferBound
	s.bufferMu.Unlock()

	if full {
		return s.flushBuffer()
	}
	return nil
}

// flushBuffer applies the buffered writes atomically. On failure it
// marks the buffer dirty, which blocks further Save calls until a
// later flush succeeds and drains it.
func (s *Store) flushBuffer() error {
	s.bufferMu.Lock()
	if len(s.buffer) == 0 {
		s.bufferMu.Unlock()
		return nil
	}
	batch := s.buffer
	s.bufferMu.Unlock()

	if err := s.applyLocked(batch); err != nil {
		s.bufferMu.Lock()
		s.dirty = true
		s.bufferMu.Unlock()
		return err
	}

	s.bufferMu.Lock()
	s.buffer = s.buffer[len(batch):]
	s.dirty = false
	s.bufferCond.Broadcast()
	s.bufferMu.Unlock()
	return nil
}

// applyLocked commits a batch of writes to bbolt in one transaction
// and updates the read cache for any task records touched.
func (s *Store) applyLocked(batch []pendingWrite) error {
	err := s.db.Update(func(tx *bbolt.Tx) error {
		for _, w := range batch {
			b := tx.Bucket(w.bucket)
			if b == nil {
				return fmt.Errorf("bucket %q missing", w.bucket)
			}
			if w.value == nil {
				if err := b.Delete(w.key); err != nil {
					return err
				}
				continue
			}
			if err := b.Put(w.key, w.value); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	s.cacheMu.Lock()
	for _, w := range batch {
		if string(w.bucket) != string(bucketTasks) {
			continue
		}
		id := string(w.key)
		if w.value == nil {
			delete(s.cache, id)
			continue
		}
		var env envelope
		if json.Unmarshal(w.value, &env) == nil {
			s.putCacheLocked(id, env.Payload)
		}
	}
	s.cacheMu.Unlock()
	return nil
}

func (s *Store) putCacheLocked(id string, payload []byte) {
	if _, ok := s.cache[id]; !ok {
		s.cacheOrder = append(s.cacheOrder, id)
		for len(s.cacheOrder) > s.cacheSize {
			evict := s.cacheOrder[0]
			s.cacheOrder = s.cacheOrder[1:]
			delete(s.cache, evict)
		}
	}
	s.cache[id] = append([]byte(nil), payload...)
}

// Load returns the task payload for id, optionally consulting the
// bounded read cache first.
func (s *Store) Load(ctx context.Context, id string, useCache bool) ([]byte, error) {
	start := time.Now()
	defer func() {
		s.readLatency.Record(ctx, float64(time.Since(start).Milliseconds()), metric.WithAttributes(attribute.String("op", "load")))
	}()

	if useCache {
		s.cacheMu.Lock()
		if payload, ok := s.cache[id]; ok {
			s.cacheMu.Unlock()
			s.cacheHits.Add(ctx, 1)
			return payload, nil
		}
		s.cacheMu.Unlock()
		s.cacheMisses.Add(ctx, 1)
	}

	var raw []byte
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketTasks)
		data := b.Get([]byte(id))
		if data == nil {
			return nil
		}
		raw = append([]byte(nil), data...)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("read task: %w", err)
	}
	if raw == nil {
		return nil, ErrNotFound
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	if err := env.verify(); err != nil {
		return nil, err
	}

	if useCache {
		s.cacheMu.Lock()
		s.putCacheLocked(id, env.Payload)
		s.cacheMu.Unlock()
	}
	return env.Payload, nil
}

// Begin opens a transactional batch. Only one transaction may be open
// at a time (spec §5: "two in-flight transactions serialize on commit").
func (s *Store) Begin() (*Tx, error) {
	s.txMu.Lock()
	defer s.txMu.Unlock()
	if s.activeTx != nil {
		return nil, ErrBusyTransaction
	}
	s.nextTxID++
	tx := &Tx{id: s.nextTxID}
	s.activeTx = tx
	return tx, nil
}

// Commit force-flushes any pending async buffer, then applies the
// transaction's batch atomically (spec §4.A).
func (s *Store) Commit(tx *Tx) error {
	s.txMu.Lock()
	if s.activeTx != tx {
		s.txMu.Unlock()
		return fmt.Errorf("commit: unknown or already-closed transaction")
	}
	s.txMu.Unlock()

	if s.async {
		if err := s.flushBuffer(); err != nil {
			return err
		}
	}

	var logEntry pendingWrite
	if len(tx.writes) > 0 {
		logEntry = pendingWrite{bucket: bucketTxLog, key: []byte(fmt.Sprintf("%d", tx.id)), value: []byte(time.Now().UTC().Format(time.RFC3339Nano))}
	}
	batch := tx.writes
	if logEntry.value != nil {
		batch = append(batch, logEntry)
	}
	err := s.applyLocked(batch)

	s.txMu.Lock()
	s.activeTx = nil
	s.txMu.Unlock()
	return err
}

// Rollback discards a transaction's staged writes without touching the database.
func (s *Store) Rollback(tx *Tx) {
	s.txMu.Lock()
	if s.activeTx == tx {
		s.activeTx = nil
	}
	s.txMu.Unlock()
}

// Enumerate streams every task record through fn in key order,
// stopping early if fn returns an error.
func (s *Store) Enumerate(fn func(id string, payload []byte) error) error {
	return s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketTasks)
		return b.ForEach(func(k, v []byte) error {
			var env envelope
			if err := json.Unmarshal(v, &env); err != nil {
				return nil // skip corrupt entries; IntegrityError surfaces on direct Load
			}
			if err := env.verify(); err != nil {
				return nil
			}
			return fn(string(k), env.Payload)
		})
	})
}

func (s *Store) putRaw(bucket []byte, key string, payload []byte) error {
	env := newEnvelope(payload)
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return s.applyLocked([]pendingWrite{{bucket: bucket, key: []byte(key), value: data}})
}

func (s *Store) getRaw(bucket []byte, key string) ([]byte, error) {
	var raw []byte
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucket)
		data := b.Get([]byte(key))
		if data == nil {
			return nil
		}
		raw = append([]byte(nil), data...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	if raw == nil {
		return nil, ErrNotFound
	}
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, err
	}
	if err := env.verify(); err != nil {
		return nil, err
	}
	return env.Payload, nil
}

// SaveCheckpoint writes a checkpoint envelope under id.
func (s *Store) SaveCheckpoint(id string, payload []byte) error { return s.putRaw(bucketCheckpoints, id, payload) }

// LoadCheckpoint reads a checkpoint envelope by id.
func (s *Store) LoadCheckpoint(id string) ([]byte, error) { return s.getRaw(bucketCheckpoints, id) }

// DeleteCheckpoint removes a checkpoint by id (used by FIFO retention).
func (s *Store) DeleteCheckpoint(id string) error {
	return s.applyLocked([]pendingWrite{{bucket: bucketCheckpoints, key: []byte(id), value: nil}})
}

// ListCheckpointIDs returns every checkpoint id, in key order (ids are
// prefixed with a zero-padded timestamp so key order is creation order).
func (s *Store) ListCheckpointIDs() ([]string, error) {
	var ids []string
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketCheckpoints)
		return b.ForEach(func(k, _ []byte) error {
			ids = append(ids, string(k))
			return nil
		})
	})
	sort.Strings(ids)
	return ids, err
}

// SaveSession writes session metadata under id.
func (s *Store) SaveSession(id string, payload []byte) error { return s.putRaw(bucketSessions, id, payload) }

// LoadSession reads session metadata by id.
func (s *Store) LoadSession(id string) ([]byte, error) { return s.getRaw(bucketSessions, id) }

// ListSessionIDs returns every known session id.
func (s *Store) ListSessionIDs() ([]string, error) {
	var ids []string
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketSessions)
		return b.ForEach(func(k, _ []byte) error {
			ids = append(ids, string(k))
			return nil
		})
	})
	return ids, err
}

// Stats returns bucket key counts and total db size, for metrics/debugging.
func (s *Store) Stats() map[string]int {
	stats := make(map[string]int)
	s.db.View(func(tx *bbolt.Tx) error {
		stats["db_size_bytes"] = int(tx.Size())
		for _, b := range [][]byte{bucketTasks, bucketCheckpoints, bucketSessions, bucketTxLog} {
			if bucket := tx.Bucket(b); bucket != nil {
				stats[string(b)+"_count"] = bucket.Stats().KeyN
			}
		}
		return nil
	})
	return stats
}
