// Package sqlite persists the reconciled dataset in a single SQLite file.
// Transactions run against the in-memory store; only the rows a committed
// transaction touched are written.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"certcore/internal/infra/persistence/memory"
	"certcore/pkg/domain"

	_ "modernc.org/sqlite" // pure go sqlite driver
)

var _ domain.PersistentStore = (*Store)(nil)

// DefaultPath is used when no database path is configured.
const DefaultPath = "certcore.db"

const stateBucket = "dataset"

var schema = []string{
	`CREATE TABLE IF NOT EXISTS state (
		bucket TEXT PRIMARY KEY,
		payload BLOB NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS certs (
		dgst TEXT PRIMARY KEY,
		payload BLOB NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS changes (
		dgst TEXT NOT NULL,
		seq INTEGER NOT NULL,
		ts TEXT NOT NULL,
		run_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		payload BLOB,
		PRIMARY KEY (dgst, seq)
	)`,
	`CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		payload BLOB NOT NULL
	)`,
}

// Store is a SQLite-backed persistent store.
type Store struct {
	*memory.Store
	db   *sql.DB
	path string
}

// NewStore opens or creates the database at path and loads its content.
func NewStore(path string, engine *domain.RulesEngine) (*Store, error) {
	if path == "" {
		path = DefaultPath
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil && !errors.Is(err, os.ErrExist) {
		return nil, fmt.Errorf("create dirs: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// A single connection serialises writers; sqlite has no row locking.
	db.SetMaxOpenConns(1)
	ctx := context.Background()
	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("create schema: %w", err)
		}
	}
	s := &Store{Store: memory.NewStore(engine), db: db, path: path}
	if err := s.load(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) load(ctx context.Context) error {
	snapshot := memory.Snapshot{
		Certificates: make(map[string]domain.Certificate),
		Changes:      make(map[string][]domain.ChangeRecord),
	}
	var payload []byte
	err := s.db.QueryRowContext(ctx, `SELECT payload FROM state WHERE bucket = ?`, stateBucket).Scan(&payload)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return fmt.Errorf("select state: %w", err)
	default:
		if err := json.Unmarshal(payload, &snapshot.State); err != nil {
			return fmt.Errorf("decode state: %w", err)
		}
	}

	if err := eachRow(ctx, s.db, `SELECT dgst, payload FROM certs`, func(rows *sql.Rows) error {
		var dgst string
		var data []byte
		if err := rows.Scan(&dgst, &data); err != nil {
			return err
		}
		var cert domain.Certificate
		if err := json.Unmarshal(data, &cert); err != nil {
			return fmt.Errorf("decode certificate %s: %w", dgst, err)
		}
		snapshot.Certificates[dgst] = cert
		return nil
	}); err != nil {
		return err
	}

	if err := eachRow(ctx, s.db, `SELECT dgst, seq, ts, run_id, kind, payload FROM changes ORDER BY dgst, seq`, func(rows *sql.Rows) error {
		var rec domain.ChangeRecord
		var ts string
		var data []byte
		if err := rows.Scan(&rec.Digest, &rec.Seq, &ts, &rec.RunID, &rec.Kind, &data); err != nil {
			return err
		}
		if err := rec.Timestamp.UnmarshalText([]byte(ts)); err != nil {
			return fmt.Errorf("decode change timestamp %s: %w", rec.Digest, err)
		}
		rec.Payload = payloadFromColumn(data)
		snapshot.Changes[rec.Digest] = append(snapshot.Changes[rec.Digest], rec)
		return nil
	}); err != nil {
		return err
	}

	if err := eachRow(ctx, s.db, `SELECT id, payload FROM runs`, func(rows *sql.Rows) error {
		var id string
		var data []byte
		if err := rows.Scan(&id, &data); err != nil {
			return err
		}
		var run domain.RunRecord
		if err := json.Unmarshal(data, &run); err != nil {
			return fmt.Errorf("decode run %s: %w", id, err)
		}
		snapshot.Runs = append(snapshot.Runs, run)
		return nil
	}); err != nil {
		return err
	}

	s.ImportState(snapshot)
	return nil
}

func eachRow(ctx context.Context, db *sql.DB, query string, fn func(*sql.Rows) error) error {
	rows, err := db.QueryContext(ctx, query)
	if err != nil {
		return fmt.Errorf("query %q: %w", query, err)
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		if err := fn(rows); err != nil {
			return fmt.Errorf("scan: %w", err)
		}
	}
	return rows.Err()
}

func payloadFromColumn(data []byte) domain.ChangePayload {
	if len(data) == 0 {
		return domain.UndefinedChangePayload()
	}
	return domain.NewChangePayload(data)
}

func payloadColumn(p domain.ChangePayload) []byte {
	if !p.Defined() {
		return nil
	}
	return p.Raw()
}

// RunInTransaction applies fn and writes the rows it touched in one SQLite
// transaction. A write failure leaves both the file and memory unchanged.
func (s *Store) RunInTransaction(ctx context.Context, fn func(tx domain.Transaction) error) (domain.Result, error) {
	return s.Store.RunInTransactionWith(ctx, fn, s.persist)
}

func (s *Store) persist(ctx context.Context, delta memory.Delta) (retErr error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() {
		if retErr != nil {
			_ = tx.Rollback()
		}
	}()
	if delta.State != nil {
		data, err := json.Marshal(delta.State)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO state(bucket,payload) VALUES(?,?) ON CONFLICT(bucket) DO UPDATE SET payload=excluded.payload`, stateBucket, data); err != nil {
			return fmt.Errorf("upsert state: %w", err)
		}
	}
	for _, cert := range delta.Certificates {
		data, err := json.Marshal(cert)
		if err != nil {
			return fmt.Errorf("encode certificate %s: %w", cert.Digest, err)
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO certs(dgst,payload) VALUES(?,?) ON CONFLICT(dgst) DO UPDATE SET payload=excluded.payload`, cert.Digest, data); err != nil {
			return fmt.Errorf("upsert certificate %s: %w", cert.Digest, err)
		}
	}
	for _, rec := range delta.Changes {
		ts, err := rec.Timestamp.MarshalText()
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO changes(dgst,seq,ts,run_id,kind,payload) VALUES(?,?,?,?,?,?)`,
			rec.Digest, rec.Seq, string(ts), rec.RunID, string(rec.Kind), payloadColumn(rec.Payload)); err != nil {
			return fmt.Errorf("insert change %s/%d: %w", rec.Digest, rec.Seq, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// RecordRun upserts the run row before exposing it in memory.
func (s *Store) RecordRun(ctx context.Context, run domain.RunRecord) error {
	return s.Store.RecordRunWith(run, func(run domain.RunRecord) error {
		data, err := json.Marshal(run)
		if err != nil {
			return fmt.Errorf("encode run: %w", err)
		}
		if _, err := s.db.ExecContext(ctx, `INSERT INTO runs(id,payload) VALUES(?,?) ON CONFLICT(id) DO UPDATE SET payload=excluded.payload`, run.ID, data); err != nil {
			return fmt.Errorf("upsert run %s: %w", run.ID, err)
		}
		return nil
	})
}

// Close releases the database handle.
func (s *Store) Close() error { return s.db.Close() }

// DB exposes the underlying sql.DB for integration testing hooks.
func (s *Store) DB() *sql.DB { return s.db }

// Path returns the configured database path.
func (s *Store) Path() string { return s.path }
