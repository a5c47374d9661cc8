package pipeline

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidConfig = errors.New("pipeline: invalid processing config")
	ErrRunInProgress = errors.New("pipeline: a run is already in progress")
	ErrNoOutputField = errors.New("pipeline: no output field configured")
)

// MissingInputError reports a record that lacks the input its mode requires.
type MissingInputError struct {
	RecordID string
	Field    string
}

func (e *MissingInputError) Error() string {
	return fmt.Sprintf("no usable image attachment in field %q for record %s", e.Field, e.RecordID)
}

// CommitError is returned when a pending update could not be written back. The
// update stays pending so the commit can be retried.
type CommitError struct {
	RecordID string
	Err      error
}

func (e *CommitError) Error() string {
	return fmt.Sprintf("commit %s: %v", e.RecordID, e.Err)
}

func (e *CommitError) Unwrap() error { return e.Err }
