package postgres

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"certcore/pkg/domain"
)

var changeColumns = []string{"dgst", "seq", "ts", "run_id", "kind", "payload"}

func expectSchema(mock sqlmock.Sqlmock) {
	for range schema {
		mock.ExpectExec("CREATE TABLE IF NOT EXISTS").WillReturnResult(sqlmock.NewResult(0, 0))
	}
}

func expectEmptyLoad(mock sqlmock.Sqlmock) {
	mock.ExpectQuery("SELECT payload FROM state").WithArgs(stateBucket).WillReturnRows(sqlmock.NewRows([]string{"payload"}))
	mock.ExpectQuery("SELECT dgst, payload FROM certs").WillReturnRows(sqlmock.NewRows([]string{"dgst", "payload"}))
	mock.ExpectQuery("SELECT dgst, seq, ts, run_id, kind, payload FROM changes").WillReturnRows(sqlmock.NewRows(changeColumns))
	mock.ExpectQuery("SELECT payload FROM runs").WillReturnRows(sqlmock.NewRows([]string{"payload"}))
}

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	expectSchema(mock)
	expectEmptyLoad(mock)
	store, err := NewStoreWithDB(context.Background(), db, domain.NewRulesEngine())
	if err != nil {
		t.Fatalf("NewStoreWithDB: %v", err)
	}
	return store, mock
}

func TestNewStoreWithDBLoadsTables(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer func() { _ = db.Close() }()
	ts := time.Date(2024, 2, 1, 8, 0, 0, 0, time.UTC)

	expectSchema(mock)
	mock.ExpectQuery("SELECT payload FROM state").WithArgs(stateBucket).
		WillReturnRows(sqlmock.NewRows([]string{"payload"}).AddRow([]byte(`{"meta_parsed":true,"pdfs_downloaded":false,"pdfs_converted":false,"analyzed":false}`)))
	mock.ExpectQuery("SELECT dgst, payload FROM certs").
		WillReturnRows(sqlmock.NewRows([]string{"dgst", "payload"}).AddRow("abc", []byte(`{"dgst":"abc","name":"Card"}`)))
	mock.ExpectQuery("SELECT dgst, seq, ts, run_id, kind, payload FROM changes").
		WillReturnRows(sqlmock.NewRows(changeColumns).
			AddRow("abc", int64(1), ts, "r1", "new", []byte(`{"name":"Card"}`)).
			AddRow("abc", int64(2), ts, "r2", "remove", nil))
	mock.ExpectQuery("SELECT payload FROM runs").
		WillReturnRows(sqlmock.NewRows([]string{"payload"}).AddRow([]byte(`{"id":"r1","ok":true}`)))

	store, err := NewStoreWithDB(context.Background(), db, nil)
	if err != nil {
		t.Fatalf("NewStoreWithDB: %v", err)
	}
	certs := store.ListCertificates()
	if len(certs) != 1 || certs[0].Name != "Card" {
		t.Fatalf("unexpected certificates %+v", certs)
	}
	changes, _ := store.ListChanges(context.Background(), "abc")
	if len(changes) != 2 || changes[1].Kind != domain.ChangeRemove || changes[1].Payload.Defined() {
		t.Fatalf("unexpected changes %+v", changes)
	}
	if !changes[0].Payload.Defined() || changes[0].RunID != "r1" {
		t.Fatalf("unexpected first change %+v", changes[0])
	}
	runs, _ := store.ListRuns(context.Background())
	if len(runs) != 1 || !runs[0].OK {
		t.Fatalf("unexpected runs %+v", runs)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestNewStoreWithDBSchemaError(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer func() { _ = db.Close() }()
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS").WillReturnError(errors.New("permission denied"))
	if _, err := NewStoreWithDB(context.Background(), db, nil); err == nil {
		t.Fatalf("expected schema error")
	}
}

func TestRunInTransactionWritesTouchedRows(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO state").WithArgs(stateBucket, sqlmock.AnyArg()).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO certs").WithArgs("abc", sqlmock.AnyArg()).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO changes").
		WithArgs("abc", int64(1), sqlmock.AnyArg(), "r1", "new", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	_, err := store.RunInTransaction(context.Background(), func(tx domain.Transaction) error {
		if err := tx.PutCertificate(domain.Certificate{Digest: "abc", Name: "Card"}); err != nil {
			return err
		}
		tx.PutState(domain.DatasetState{MetaParsed: true})
		_, err := tx.AppendChange(domain.ChangeRecord{RunID: "r1", Digest: "abc", Kind: domain.ChangeNew})
		return err
	})
	if err != nil {
		t.Fatalf("RunInTransaction: %v", err)
	}
	if len(store.ListCertificates()) != 1 {
		t.Fatalf("expected certificate in memory")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestRunInTransactionRollsBackOnWriteError(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO certs").WillReturnError(sql.ErrConnDone)
	mock.ExpectRollback()

	_, err := store.RunInTransaction(context.Background(), func(tx domain.Transaction) error {
		return tx.PutCertificate(domain.Certificate{Digest: "abc"})
	})
	if !errors.Is(err, sql.ErrConnDone) {
		t.Fatalf("expected write error, got %v", err)
	}
	if len(store.ListCertificates()) != 0 {
		t.Fatalf("memory must not keep a rolled back write")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestRecordRunUpserts(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectExec("INSERT INTO runs").WithArgs("r1", sqlmock.AnyArg()).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO runs").WithArgs("r2", sqlmock.AnyArg()).WillReturnError(errors.New("down"))

	ctx := context.Background()
	if err := store.RecordRun(ctx, domain.RunRecord{ID: "r1"}); err != nil {
		t.Fatalf("RecordRun: %v", err)
	}
	if err := store.RecordRun(ctx, domain.RunRecord{ID: "r2"}); err == nil {
		t.Fatalf("expected run write error")
	}
	runs, _ := store.ListRuns(ctx)
	if len(runs) != 1 || runs[0].ID != "r1" {
		t.Fatalf("unexpected runs %+v", runs)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestNewStoreUsesOverriddenOpen(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	expectSchema(mock)
	expectEmptyLoad(mock)
	var gotDSN string
	restore := OverrideSQLOpen(func(driver, dsn string) (*sql.DB, error) {
		if driver != defaultDriver {
			t.Fatalf("unexpected driver %s", driver)
		}
		gotDSN = dsn
		return db, nil
	})
	defer restore()

	store, err := NewStore("", nil)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	defer func() { _ = store.Close() }()
	if gotDSN != DefaultDSN {
		t.Fatalf("expected default dsn, got %s", gotDSN)
	}
	if store.DB() != db {
		t.Fatalf("expected mock db")
	}
}

func TestNewStoreOpenError(t *testing.T) {
	restore := OverrideSQLOpen(func(string, string) (*sql.DB, error) { return nil, errors.New("no driver") })
	defer restore()
	if _, err := NewStore("postgres://x", nil); err == nil {
		t.Fatalf("expected open error")
	}
}
