package domain

import (
	"errors"
	"fmt"
	"strings"
)

// ErrNotFound is returned by store lookups for unknown keys.
var ErrNotFound = errors.New("not found")

// PreconditionError reports that a requested stage cannot run because an
// earlier stage has not completed.
type PreconditionError struct {
	Action  string
	Missing []string
}

func (e PreconditionError) Error() string {
	return fmt.Sprintf("cannot run %s: precondition not met (%s)", e.Action, strings.Join(e.Missing, ", "))
}

// RowError describes a tabular input row that could not be repaired.
type RowError struct {
	File   string
	Line   int
	Reason string
}

func (e RowError) Error() string {
	return fmt.Sprintf("%s:%d: %s", e.File, e.Line, e.Reason)
}
