package domain

import "time"

// ChangeKind is the type of a change log entry.
type ChangeKind string

// Change log entry kinds. "remove" is a tombstone and "back" its reversal.
const (
	ChangeNew    ChangeKind = "new"
	ChangeUpdate ChangeKind = "change"
	ChangeRemove ChangeKind = "remove"
	ChangeBack   ChangeKind = "back"
)

// ChangeRecord is one append-only log entry. Seq increases strictly per
// digest and orders entries that share a timestamp.
type ChangeRecord struct {
	RunID     string        `json:"run_id"`
	Digest    string        `json:"dgst"`
	Timestamp time.Time     `json:"timestamp"`
	Seq       int64         `json:"seq"`
	Kind      ChangeKind    `json:"type"`
	Payload   ChangePayload `json:"diff"`
}

// After reports whether r is more recent than other.
func (r ChangeRecord) After(other ChangeRecord) bool {
	if r.Seq != other.Seq {
		return r.Seq > other.Seq
	}
	return r.Timestamp.After(other.Timestamp)
}

// Change describes a pending mutation evaluated by the rules engine before commit.
type Change struct {
	Digest string
	Kind   ChangeKind
	Before ChangePayload
	After  ChangePayload
}

// RunStats counts what a reconciliation run did.
type RunStats struct {
	New        int            `json:"new_certs"`
	Updated    int            `json:"updated"`
	Removed    int            `json:"removed"`
	Back       int            `json:"back"`
	NewIDs     []string       `json:"new_ids,omitempty"`
	UpdatedIDs []string       `json:"updated_ids,omitempty"`
	RemovedIDs []string       `json:"removed_ids,omitempty"`
	CertStates map[string]int `json:"cert_states,omitempty"`
}

// RunRecord is the metadata written for every reconciliation run, including
// failed ones.
type RunRecord struct {
	ID          string        `json:"id"`
	StartedAt   time.Time     `json:"start_time"`
	EndedAt     time.Time     `json:"end_time"`
	ToolVersion string        `json:"tool_version"`
	Length      int           `json:"length"`
	OK          bool          `json:"ok"`
	Error       string        `json:"error,omitempty"`
	State       *DatasetState `json:"state,omitempty"`
	Stats       RunStats      `json:"stats"`
	// Warnings are the warn-level violations a lenient run committed with.
	Warnings    []Violation   `json:"warnings,omitempty"`
}
