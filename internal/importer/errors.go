package importer

import (
	"errors"
	"fmt"
	"strings"
)

// ErrCancelled marks a user-initiated stop. It takes the same rollback path
// as a fatal write error but is reported as a deliberate stop, not a failure.
var ErrCancelled = errors.New("import cancelled")

// MappingIncompleteError blocks confirmation when required fields have no
// source column. No store mutation has happened when it is returned.
type MappingIncompleteError struct {
	MissingFields []FieldKey
}

func (e *MappingIncompleteError) Error() string {
	names := make([]string, len(e.MissingFields))
	for i, f := range e.MissingFields {
		names[i] = string(f)
	}
	return "mapping incomplete: missing required fields " + strings.Join(names, ", ")
}

// ParseError marks malformed file structure. No partial import is attempted.
type ParseError struct {
	Msg string
	Err error
}

func (e *ParseError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("parse error: %s: %v", e.Msg, e.Err)
	}
	return "parse error: " + e.Msg
}

func (e *ParseError) Unwrap() error { return e.Err }

// TransientWriteError wraps a batch write failure worth retrying (network,
// lock contention, timeout). The store layer classifies; the orchestrator
// retries with backoff until the ceiling.
type TransientWriteError struct {
	Err error
}

func (e *TransientWriteError) Error() string { return "transient write error: " + e.Err.Error() }
func (e *TransientWriteError) Unwrap() error { return e.Err }

// IsTransient reports whether err is retryable at the batch level.
func IsTransient(err error) bool {
	var t *TransientWriteError
	return errors.As(err, &t)
}

// FatalWriteError ends the import: retries exhausted or a structural
// constraint violated. RollbackFailed flags that already-written rows could
// NOT be reverted and manual cleanup is required.
type FatalWriteError struct {
	BatchID        string
	Step           Step
	Err            error
	RollbackFailed bool
	RollbackErr    error
}

func (e *FatalWriteError) Error() string {
	msg := fmt.Sprintf("import failed at step %s: %v", e.Step, e.Err)
	if e.RollbackFailed {
		return msg + fmt.Sprintf("; rollback failed (%v): manual cleanup required for batch %s", e.RollbackErr, e.BatchID)
	}
	return msg + "; all rows written for this batch were reverted"
}

func (e *FatalWriteError) Unwrap() error { return e.Err }
