package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/zak10/arena-dnpbmf/internal/queue"
)

// StoreConfig configures the PostgreSQL audit store.
type StoreConfig struct {
	Table         string        // Target table. Default: gateway_audit
	BatchSize     int           // Rows per insert batch. Default: 100
	FlushInterval time.Duration // Max time a row waits in the batch. Default: 1s
	BufferSize    int           // Max queued events before dropping. Default: 10000
}

// DefaultStoreConfig returns sensible defaults.
func DefaultStoreConfig() StoreConfig {
	return StoreConfig{
		Table:         "gateway_audit",
		BatchSize:     100,
		FlushInterval: time.Second,
		BufferSize:    10000,
	}
}

// BatchSender is the subset of *pgxpool.Pool used to write batches.
type BatchSender interface {
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
}

// Execer is the subset of *pgxpool.Pool used for DDL.
type Execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// StoreMetrics tracks store activity.
type StoreMetrics struct {
	Inserts int64
	Dropped int64
	Errors  int64
	Flushes int64
}

// Store batches audit events into PostgreSQL.
type Store struct {
	cfg    StoreConfig
	logger *slog.Logger
	db     BatchSender

	input *queue.Queue[Event]

	// Batching
	batch   []Event
	batchMu sync.Mutex

	// Lifecycle
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	consumed chan struct{} // Closed when the input is drained

	// Metrics
	metrics StoreMetrics
	dropped atomic.Int64
}

// NewStore creates a Store. Call Start before recording.
func NewStore(cfg StoreConfig, db BatchSender, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	d := DefaultStoreConfig()
	if cfg.Table == "" {
		cfg.Table = d.Table
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = d.BatchSize
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = d.FlushInterval
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = d.BufferSize
	}

	return &Store{
		cfg:      cfg,
		logger:   logger.With("component", "audit_store", "table", cfg.Table),
		db:       db,
		input:    queue.New[Event](cfg.BatchSize, cfg.BufferSize),
		batch:    make([]Event, 0, cfg.BatchSize),
		consumed: make(chan struct{}),
	}
}

// EnsureTable creates the audit table if it does not exist.
func EnsureTable(ctx context.Context, db Execer, table string) error {
	ident := pgx.Identifier{table}.Sanitize()
	_, err := db.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS `+ident+` (
			id             BIGSERIAL PRIMARY KEY,
			occurred_at    TIMESTAMPTZ NOT NULL,
			event          TEXT NOT NULL,
			correlation_id TEXT NOT NULL,
			connection_id  TEXT,
			user_id        TEXT,
			client         TEXT,
			detail         JSONB
		)`)
	if err != nil {
		return fmt.Errorf("create audit table: %w", err)
	}
	return nil
}

// Record queues an event. It never blocks.
func (s *Store) Record(_ context.Context, ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	if err := s.input.Push(ev); err != nil {
		if s.dropped.Add(1) == 1 {
			s.logger.Warn("audit buffer rejected event", "error", err, "event", ev.Type)
		}
	}
}

// Start begins consuming events and writing batches.
func (s *Store) Start(ctx context.Context) error {
	s.ctx, s.cancel = context.WithCancel(ctx)

	s.wg.Add(1)
	go s.consumeLoop()

	s.wg.Add(1)
	go s.flushLoop()

	s.logger.Info("audit store started",
		"batch_size", s.cfg.BatchSize,
		"flush_interval", s.cfg.FlushInterval,
	)
	return nil
}

// Stop drains queued events, writes the final batch and stops.
func (s *Store) Stop(ctx context.Context) error {
	s.logger.Info("stopping audit store")

	// Closing the input lets consumeLoop drain what is queued
	s.input.Close()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		s.logger.Warn("audit store stop timed out")
	}

	if s.cancel != nil {
		s.cancel()
	}

	// Final flush
	s.flush(ctx)

	s.logger.Info("audit store stopped")
	return nil
}

// Stats returns current metrics.
func (s *Store) Stats() StoreMetrics {
	s.batchMu.Lock()
	m := s.metrics
	s.batchMu.Unlock()
	m.Dropped = s.dropped.Load()
	return m
}

// consumeLoop reads from the input queue and accumulates batches.
func (s *Store) consumeLoop() {
	defer s.wg.Done()
	defer close(s.consumed)

	for {
		ev, ok := s.input.Pop()
		if !ok {
			return
		}

		s.batchMu.Lock()
		s.batch = append(s.batch, ev)
		shouldFlush := len(s.batch) >= s.cfg.BatchSize
		s.batchMu.Unlock()

		if shouldFlush {
			s.flush(s.ctx)
		}
	}
}

// flushLoop periodically flushes the batch.
func (s *Store) flushLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-s.consumed:
			return
		case <-ticker.C:
			s.flush(s.ctx)
		}
	}
}

// flush writes the current batch to the database.
func (s *Store) flush(ctx context.Context) {
	s.batchMu.Lock()
	if len(s.batch) == 0 {
		s.batchMu.Unlock()
		return
	}

	// Take ownership of current batch
	batch := s.batch
	s.batch = make([]Event, 0, s.cfg.BatchSize)
	s.batchMu.Unlock()

	start := time.Now()

	if err := s.batchInsert(ctx, batch); err != nil {
		s.logger.Error("batch insert failed", "error", err, "count", len(batch))
		s.batchMu.Lock()
		s.metrics.Errors++
		s.batchMu.Unlock()
		return
	}

	s.batchMu.Lock()
	s.metrics.Inserts += int64(len(batch))
	s.metrics.Flushes++
	s.batchMu.Unlock()

	s.logger.Debug("flushed audit events",
		"count", len(batch),
		"duration", time.Since(start),
	)
}

// batchInsert inserts rows using pgx.Batch.
func (s *Store) batchInsert(ctx context.Context, events []Event) error {
	sql := `INSERT INTO ` + pgx.Identifier{s.cfg.Table}.Sanitize() + `
		(occurred_at, event, correlation_id, connection_id, user_id, client, detail)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`

	batch := &pgx.Batch{}
	for _, ev := range events {
		var detail []byte
		if len(ev.Detail) > 0 {
			var err error
			if detail, err = json.Marshal(ev.Detail); err != nil {
				return fmt.Errorf("marshal detail: %w", err)
			}
		}
		batch.Queue(sql,
			ev.Time, string(ev.Type), ev.CorrelationID,
			nullable(ev.ConnectionID), nullable(ev.UserID), nullable(ev.ClientAddress),
			detail,
		)
	}

	results := s.db.SendBatch(ctx, batch)
	defer results.Close()

	for range events {
		if _, err := results.Exec(); err != nil {
			return err
		}
	}

	return nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
