// Package postgres provides a Postgres-backed persistent store that mirrors
// the in-memory semantics. Certificates, changes and runs live in their own
// tables with JSONB payloads.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"certcore/internal/infra/persistence/memory"
	"certcore/pkg/domain"

	_ "github.com/jackc/pgx/v5/stdlib" // register pgx as a database/sql driver
)

// Compile-time contract assertion ensuring the store satisfies the domain interface.
var _ domain.PersistentStore = (*Store)(nil)

const (
	defaultDriver = "pgx"
	// DefaultDSN is used when neither configuration nor environment set one.
	DefaultDSN = "postgres://localhost/certcore?sslmode=disable"

	stateBucket = "dataset"
)

var (
	sqlOpen = sql.Open
	openMu  sync.Mutex
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS state (
		bucket TEXT PRIMARY KEY,
		payload JSONB NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS certs (
		dgst TEXT PRIMARY KEY,
		payload JSONB NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS changes (
		dgst TEXT NOT NULL,
		seq BIGINT NOT NULL,
		ts TIMESTAMPTZ NOT NULL,
		run_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		payload JSONB,
		PRIMARY KEY (dgst, seq)
	)`,
	`CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		payload JSONB NOT NULL
	)`,
}

// Store persists state to Postgres while reusing the in-memory implementation for transactions.
type Store struct {
	*memory.Store
	db *sql.DB
}

// NewStore opens a Postgres-backed store using the provided DSN (falls back to DefaultDSN).
func NewStore(dsn string, engine *domain.RulesEngine) (*Store, error) {
	if dsn == "" {
		dsn = DefaultDSN
	}
	openMu.Lock()
	db, err := sqlOpen(defaultDriver, dsn)
	openMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	ctx := context.Background()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	store, err := NewStoreWithDB(ctx, db, engine)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// NewStoreWithDB ensures the schema on db and hydrates the in-memory store
// from it.
func NewStoreWithDB(ctx context.Context, db *sql.DB, engine *domain.RulesEngine) (*Store, error) {
	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return nil, fmt.Errorf("ensure schema: %w", err)
		}
	}
	snapshot, err := loadSnapshot(ctx, db)
	if err != nil {
		return nil, err
	}
	mem := memory.NewStore(engine)
	mem.ImportState(snapshot)
	return &Store{Store: mem, db: db}, nil
}

// RunInTransaction applies fn and writes the touched rows in one Postgres
// transaction before the in-memory state is swapped.
func (s *Store) RunInTransaction(ctx context.Context, fn func(domain.Transaction) error) (domain.Result, error) {
	return s.Store.RunInTransactionWith(ctx, fn, s.persist)
}

// RecordRun upserts the run row before exposing it in memory.
func (s *Store) RecordRun(ctx context.Context, run domain.RunRecord) error {
	return s.Store.RecordRunWith(run, func(run domain.RunRecord) error {
		data, err := json.Marshal(run)
		if err != nil {
			return fmt.Errorf("encode run: %w", err)
		}
		if _, err := s.db.ExecContext(ctx, `INSERT INTO runs(id,payload) VALUES($1,$2) ON CONFLICT(id) DO UPDATE SET payload=EXCLUDED.payload`, run.ID, data); err != nil {
			return fmt.Errorf("upsert run %s: %w", run.ID, err)
		}
		return nil
	})
}

// Close releases the database handle.
func (s *Store) Close() error { return s.db.Close() }

// DB exposes the underlying sql.DB for integration testing hooks.
func (s *Store) DB() *sql.DB { return s.db }

func loadSnapshot(ctx context.Context, db *sql.DB) (memory.Snapshot, error) {
	snapshot := memory.Snapshot{
		Certificates: make(map[string]domain.Certificate),
		Changes:      make(map[string][]domain.ChangeRecord),
	}
	var payload []byte
	err := db.QueryRowContext(ctx, `SELECT payload FROM state WHERE bucket = $1`, stateBucket).Scan(&payload)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return memory.Snapshot{}, fmt.Errorf("select state: %w", err)
	default:
		if err := json.Unmarshal(payload, &snapshot.State); err != nil {
			return memory.Snapshot{}, fmt.Errorf("decode state: %w", err)
		}
	}

	rows, err := db.QueryContext(ctx, `SELECT dgst, payload FROM certs`)
	if err != nil {
		return memory.Snapshot{}, fmt.Errorf("select certs: %w", err)
	}
	for rows.Next() {
		var dgst string
		var data []byte
		if err := rows.Scan(&dgst, &data); err != nil {
			_ = rows.Close()
			return memory.Snapshot{}, fmt.Errorf("scan certs: %w", err)
		}
		var cert domain.Certificate
		if err := json.Unmarshal(data, &cert); err != nil {
			_ = rows.Close()
			return memory.Snapshot{}, fmt.Errorf("decode certificate %s: %w", dgst, err)
		}
		snapshot.Certificates[dgst] = cert
	}
	if err := closeRows(rows, "certs"); err != nil {
		return memory.Snapshot{}, err
	}

	rows, err = db.QueryContext(ctx, `SELECT dgst, seq, ts, run_id, kind, payload FROM changes ORDER BY dgst, seq`)
	if err != nil {
		return memory.Snapshot{}, fmt.Errorf("select changes: %w", err)
	}
	for rows.Next() {
		var rec domain.ChangeRecord
		var kind string
		var data []byte
		if err := rows.Scan(&rec.Digest, &rec.Seq, &rec.Timestamp, &rec.RunID, &kind, &data); err != nil {
			_ = rows.Close()
			return memory.Snapshot{}, fmt.Errorf("scan changes: %w", err)
		}
		rec.Kind = domain.ChangeKind(kind)
		rec.Timestamp = rec.Timestamp.UTC()
		if len(data) > 0 {
			rec.Payload = domain.NewChangePayload(data)
		}
		snapshot.Changes[rec.Digest] = append(snapshot.Changes[rec.Digest], rec)
	}
	if err := closeRows(rows, "changes"); err != nil {
		return memory.Snapshot{}, err
	}

	rows, err = db.QueryContext(ctx, `SELECT payload FROM runs`)
	if err != nil {
		return memory.Snapshot{}, fmt.Errorf("select runs: %w", err)
	}
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			_ = rows.Close()
			return memory.Snapshot{}, fmt.Errorf("scan runs: %w", err)
		}
		var run domain.RunRecord
		if err := json.Unmarshal(data, &run); err != nil {
			_ = rows.Close()
			return memory.Snapshot{}, fmt.Errorf("decode run: %w", err)
		}
		snapshot.Runs = append(snapshot.Runs, run)
	}
	if err := closeRows(rows, "runs"); err != nil {
		return memory.Snapshot{}, err
	}
	return snapshot, nil
}

func closeRows(rows *sql.Rows, table string) error {
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return fmt.Errorf("iterate %s: %w", table, err)
	}
	return rows.Close()
}

func (s *Store) persist(ctx context.Context, delta memory.Delta) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()
	if delta.State != nil {
		data, err := json.Marshal(delta.State)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO state(bucket,payload) VALUES($1,$2) ON CONFLICT(bucket) DO UPDATE SET payload=EXCLUDED.payload`, stateBucket, data); err != nil {
			return fmt.Errorf("upsert state: %w", err)
		}
	}
	for _, cert := range delta.Certificates {
		data, err := json.Marshal(cert)
		if err != nil {
			return fmt.Errorf("encode certificate %s: %w", cert.Digest, err)
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO certs(dgst,payload) VALUES($1,$2) ON CONFLICT(dgst) DO UPDATE SET payload=EXCLUDED.payload`, cert.Digest, data); err != nil {
			return fmt.Errorf("upsert certificate %s: %w", cert.Digest, err)
		}
	}
	for _, rec := range delta.Changes {
		var payload []byte
		if rec.Payload.Defined() {
			payload = rec.Payload.Raw()
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO changes(dgst,seq,ts,run_id,kind,payload) VALUES($1,$2,$3,$4,$5,$6)`,
			rec.Digest, rec.Seq, rec.Timestamp, rec.RunID, string(rec.Kind), payload); err != nil {
			return fmt.Errorf("insert change %s/%d: %w", rec.Digest, rec.Seq, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	committed = true
	return nil
}

// OverrideSQLOpen swaps the sqlOpen function for tests and returns a restore function.
func OverrideSQLOpen(fn func(driverName, dataSourceName string) (*sql.DB, error)) func() {
	openMu.Lock()
	defer openMu.Unlock()
	prev := sqlOpen
	sqlOpen = fn
	return func() {
		openMu.Lock()
		defer openMu.Unlock()
		sqlOpen = prev
	}
}
