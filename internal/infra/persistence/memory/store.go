// Package memory provides an in-memory implementation of the dataset
// persistence store used for tests, ephemeral runs and as the transactional
// core of the SQL backends.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"certcore/pkg/domain"
)

// Compile-time contract assertions ensuring memory.Store adheres to the domain persistence interfaces.
var _ domain.PersistentStore = (*Store)(nil)

type (
	// Certificate aliases domain.Certificate.
	Certificate = domain.Certificate
	// ChangeRecord aliases domain.ChangeRecord.
	ChangeRecord = domain.ChangeRecord
	// RunRecord aliases domain.RunRecord.
	RunRecord = domain.RunRecord
	// DatasetState aliases domain.DatasetState.
	DatasetState = domain.DatasetState
	// Change aliases domain.Change captured in transactions.
	Change = domain.Change
	// Result aliases domain.Result summarizing rule evaluation.
	Result = domain.Result
	// RulesEngine aliases domain.RulesEngine used to evaluate rules.
	RulesEngine = domain.RulesEngine
	// Transaction aliases domain.Transaction representing a mutable unit of work.
	Transaction = domain.Transaction
	// TransactionView aliases domain.TransactionView providing read-only state.
	TransactionView = domain.TransactionView
)

type memoryState struct {
	datasetState DatasetState
	certs        map[string]Certificate
	changes      map[string][]ChangeRecord
}

// Snapshot captures a point-in-time clone of the store state.
type Snapshot struct {
	State        DatasetState              `json:"state"`
	Certificates map[string]Certificate    `json:"certs"`
	Changes      map[string][]ChangeRecord `json:"changes"`
	Runs         []RunRecord               `json:"runs"`
}

// Delta lists what one committed transaction wrote. SQL backends persist it
// before the in-memory state is swapped.
type Delta struct {
	State        *DatasetState
	Certificates []Certificate
	Changes      []ChangeRecord
}

// Empty reports whether the transaction wrote nothing.
func (d Delta) Empty() bool {
	return d.State == nil && len(d.Certificates) == 0 && len(d.Changes) == 0
}

func newMemoryState() memoryState {
	return memoryState{
		certs:   make(map[string]Certificate),
		changes: make(map[string][]ChangeRecord),
	}
}

// clone copies the maps. Certificates are values and treated as immutable
// once stored, so they are shared.
func (s memoryState) clone() memoryState {
	out := memoryState{
		datasetState: s.datasetState,
		certs:        make(map[string]Certificate, len(s.certs)),
		changes:      make(map[string][]ChangeRecord, len(s.changes)),
	}
	for k, v := range s.certs {
		out.certs[k] = v
	}
	for k, v := range s.changes {
		out.changes[k] = append([]ChangeRecord(nil), v...)
	}
	return out
}

// Store provides an in-memory transactional store for the certificate dataset.
type Store struct {
	mu     sync.RWMutex
	state  memoryState
	runs   []RunRecord
	engine *RulesEngine
	nowFn  func() time.Time
}

// NewStore constructs an in-memory store backed by the provided rules engine.
func NewStore(engine *RulesEngine) *Store {
	if engine == nil {
		engine = domain.NewRulesEngine()
	}
	return &Store{
		state:  newMemoryState(),
		engine: engine,
		nowFn:  func() time.Time { return time.Now().UTC() },
	}
}

// SetNowFunc overrides the clock used for change timestamps.
func (s *Store) SetNowFunc(fn func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if fn != nil {
		s.nowFn = fn
	}
}

// ExportState clones the current store state for external persistence.
func (s *Store) ExportState() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st := s.state.clone()
	return Snapshot{
		State:        st.datasetState,
		Certificates: st.certs,
		Changes:      st.changes,
		Runs:         append([]RunRecord(nil), s.runs...),
	}
}

// ImportState replaces the store state with the provided snapshot.
func (s *Store) ImportState(snapshot Snapshot) {
	st := newMemoryState()
	st.datasetState = snapshot.State
	for k, v := range snapshot.Certificates {
		st.certs[k] = v
	}
	for k, v := range snapshot.Changes {
		records := append([]ChangeRecord(nil), v...)
		sort.SliceStable(records, func(i, j int) bool { return records[j].After(records[i]) })
		st.changes[k] = records
	}
	runs := append([]RunRecord(nil), snapshot.Runs...)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = st
	s.runs = runs
}

// RulesEngine exposes the currently configured engine.
func (s *Store) RulesEngine() *RulesEngine {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.engine
}

// NowFunc returns the time provider used by the in-memory store.
func (s *Store) NowFunc() func() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.nowFn
}

// transaction represents a mutation set applied to the store state.
type transaction struct {
	state   memoryState
	changes []Change
	delta   Delta
	now     time.Time
}

// transactionView exposes a read-only snapshot of the transactional state to rules.
type transactionView struct {
	state *memoryState
}

func newTransactionView(state *memoryState) TransactionView {
	return transactionView{state: state}
}

// ListCertificates returns all certificates ordered by digest.
func (v transactionView) ListCertificates() []Certificate {
	keys := make([]string, 0, len(v.state.certs))
	for k := range v.state.certs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]Certificate, 0, len(keys))
	for _, k := range keys {
		out = append(out, v.state.certs[k])
	}
	return out
}

// FindCertificate retrieves a certificate by digest from the snapshot.
func (v transactionView) FindCertificate(digest string) (Certificate, bool) {
	c, ok := v.state.certs[digest]
	return c, ok
}

// LatestChange returns the most recent change record of digest.
func (v transactionView) LatestChange(digest string) (ChangeRecord, bool) {
	records := v.state.changes[digest]
	if len(records) == 0 {
		return ChangeRecord{}, false
	}
	return records[len(records)-1], true
}

// State returns the stored dataset state flags.
func (v transactionView) State() DatasetState {
	return v.state.datasetState
}

// RunInTransaction executes fn within a transactional copy of the store state.
func (s *Store) RunInTransaction(ctx context.Context, fn func(tx Transaction) error) (Result, error) {
	return s.RunInTransactionWith(ctx, fn, nil)
}

// RunInTransactionWith is RunInTransaction with a commit hook. persist
// receives the transaction delta after rules pass and before the state is
// swapped; an error from it discards the transaction.
func (s *Store) RunInTransactionWith(ctx context.Context, fn func(tx Transaction) error, persist func(context.Context, Delta) error) (Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &transaction{
		state: s.state.clone(),
		now:   s.nowFn(),
	}

	if err := fn(tx); err != nil {
		return Result{}, err
	}

	var result Result
	if s.engine != nil {
		view := newTransactionView(&tx.state)
		res, err := s.engine.Evaluate(ctx, view, tx.changes)
		if err != nil {
			return Result{}, err
		}
		result = res
		if res.HasBlocking() {
			return res, domain.ConsistencyError{Result: res}
		}
	}

	if persist != nil && !tx.delta.Empty() {
		if err := persist(ctx, tx.delta); err != nil {
			return result, err
		}
	}
	s.state = tx.state
	return result, nil
}

// View executes fn against a read-only snapshot of the store state.
func (s *Store) View(_ context.Context, fn func(TransactionView) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snapshot := s.state.clone()
	view := newTransactionView(&snapshot)
	return fn(view)
}

// ListChanges returns the change log of digest, oldest first.
func (s *Store) ListChanges(_ context.Context, digest string) ([]ChangeRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]ChangeRecord(nil), s.state.changes[digest]...), nil
}

// RecordRun appends run metadata.
func (s *Store) RecordRun(_ context.Context, run RunRecord) error {
	return s.RecordRunWith(run, nil)
}

// RecordRunWith appends run metadata after persist accepted it.
func (s *Store) RecordRunWith(run RunRecord, persist func(RunRecord) error) error {
	if run.ID == "" {
		return errors.New("run id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if persist != nil {
		if err := persist(run); err != nil {
			return err
		}
	}
	for i, r := range s.runs {
		if r.ID == run.ID {
			s.runs[i] = run
			return nil
		}
	}
	s.runs = append(s.runs, run)
	return nil
}

// ListRuns returns run metadata ordered by start time.
func (s *Store) ListRuns(_ context.Context) ([]RunRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := append([]RunRecord(nil), s.runs...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out, nil
}

// Close implements domain.PersistentStore.
func (s *Store) Close() error { return nil }

// ListCertificates returns the stored certificates ordered by digest.
func (s *Store) ListCertificates() []Certificate {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return newTransactionView(&s.state).ListCertificates()
}

// Snapshot returns a read-only view over the transactional state.
func (tx *transaction) Snapshot() TransactionView {
	return newTransactionView(&tx.state)
}

// FindCertificate exposes certificate lookup within the transaction scope.
func (tx *transaction) FindCertificate(digest string) (Certificate, bool) {
	return newTransactionView(&tx.state).FindCertificate(digest)
}

// LatestChange exposes the change log head within the transaction scope.
func (tx *transaction) LatestChange(digest string) (ChangeRecord, bool) {
	return newTransactionView(&tx.state).LatestChange(digest)
}

// PutCertificate inserts or replaces a certificate.
func (tx *transaction) PutCertificate(cert Certificate) error {
	if cert.Digest == "" {
		return errors.New("certificate digest is required")
	}
	change := Change{Digest: cert.Digest, Kind: domain.ChangeNew, Before: domain.UndefinedChangePayload()}
	if before, ok := tx.state.certs[cert.Digest]; ok {
		change.Kind = domain.ChangeUpdate
		payload, err := domain.NewChangePayloadFromValue(before)
		if err != nil {
			return fmt.Errorf("encode previous %s: %w", cert.Digest, err)
		}
		change.Before = payload
	}
	after, err := domain.NewChangePayloadFromValue(cert)
	if err != nil {
		return fmt.Errorf("encode %s: %w", cert.Digest, err)
	}
	change.After = after
	tx.state.certs[cert.Digest] = cert
	tx.changes = append(tx.changes, change)
	tx.delta.Certificates = append(tx.delta.Certificates, cert)
	return nil
}

// PutState replaces the dataset state flags.
func (tx *transaction) PutState(state DatasetState) {
	tx.state.datasetState = state
	st := state
	tx.delta.State = &st
}

// AppendChange appends rec to the log of its digest and returns it with
// its sequence and timestamp filled in. A remove following a remove is
// collapsed and the existing record is returned.
func (tx *transaction) AppendChange(rec ChangeRecord) (ChangeRecord, error) {
	if rec.Digest == "" {
		return ChangeRecord{}, errors.New("change digest is required")
	}
	switch rec.Kind {
	case domain.ChangeNew, domain.ChangeUpdate, domain.ChangeRemove, domain.ChangeBack:
	default:
		return ChangeRecord{}, fmt.Errorf("unknown change kind %q", rec.Kind)
	}
	records := tx.state.changes[rec.Digest]
	var seq int64
	if n := len(records); n > 0 {
		last := records[n-1]
		if rec.Kind == domain.ChangeRemove && last.Kind == domain.ChangeRemove {
			return last, nil
		}
		seq = last.Seq
	}
	rec.Seq = seq + 1
	if rec.Timestamp.IsZero() {
		rec.Timestamp = tx.now
	}
	if !rec.Payload.Defined() {
		rec.Payload = domain.UndefinedChangePayload()
	}
	tx.state.changes[rec.Digest] = append(records, rec)
	tx.delta.Changes = append(tx.delta.Changes, rec)
	return rec, nil
}
