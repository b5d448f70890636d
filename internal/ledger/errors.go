package ledger

import (
	"fmt"
)

// CommitError carries the failure of both commit paths
type CommitError struct {
	Op      string
	Direct  error
	Backend error
}

func (e *CommitError) Error() string {
	return fmt.Sprintf("%s: %s: direct: %v; backend: %v", ErrLedgerCommitFailed, e.Op, e.Direct, e.Backend)
}

// Unwrap exposes ErrLedgerCommitFailed and both causes to errors.Is / errors.As
func (e *CommitError) Unwrap() []error {
	errs := []error{ErrLedgerCommitFailed}
	if e.Backend != nil {
		errs = append(errs, e.Backend)
	}
	if e.Direct != nil {
		errs = append(errs, e.Direct)
	}
	return errs
}

// Last returns the most recent cause
func (e *CommitError) Last() error {
	if e.Backend != nil {
		return e.Backend
	}
	return e.Direct
}
