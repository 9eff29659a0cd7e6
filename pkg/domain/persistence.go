package domain

import "context"

// Transaction exposes the writes a persistence implementation must support
// within an atomic scope.
type Transaction interface {
	Snapshot() TransactionView
	PutCertificate(Certificate) error
	PutState(DatasetState)
	AppendChange(ChangeRecord) (ChangeRecord, error)
	FindCertificate(digest string) (Certificate, bool)
	LatestChange(digest string) (ChangeRecord, bool)
}

// TransactionView provides read-only access to stored data.
type TransactionView interface {
	ListCertificates() []Certificate
	FindCertificate(digest string) (Certificate, bool)
	LatestChange(digest string) (ChangeRecord, bool)
	State() DatasetState
}

// PersistentStore is the durable home of the reconciled dataset: the stored
// certificates with dataset state, the append-only change log and the run log.
type PersistentStore interface {
	RunInTransaction(ctx context.Context, fn func(Transaction) error) (Result, error)
	View(ctx context.Context, fn func(TransactionView) error) error
	ListChanges(ctx context.Context, digest string) ([]ChangeRecord, error)
	RecordRun(ctx context.Context, run RunRecord) error
	ListRuns(ctx context.Context) ([]RunRecord, error)
	Close() error
}
