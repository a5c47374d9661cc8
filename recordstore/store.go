package recordstore

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/PipeOpsHQ/airgen-go/types"
)

// Store is the system of record that batches are read from and approved text is
// written back to.
type Store interface {
	Fetch(ctx context.Context, limit int) ([]types.Record, error)
	// Update merges patch into the record; fields not named in patch are untouched.
	Update(ctx context.Context, id string, patch types.Fields) error
}

type Kind string

const (
	KindAuth     Kind = "auth"
	KindNotFound Kind = "not_found"
	KindNetwork  Kind = "network"
)

type Error struct {
	Kind    Kind
	Status  int
	Message string
	Err     error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.Status > 0 {
		return fmt.Sprintf("record store %s error (%d): %s", e.Kind, e.Status, msg)
	}
	return fmt.Sprintf("record store %s error: %s", e.Kind, msg)
}

func (e *Error) Unwrap() error { return e.Err }

// KindForStatus maps an HTTP status to an error kind. Statuses that are neither
// auth nor not-found are reported as network errors carrying the status.
func KindForStatus(status int) Kind {
	switch status {
	case http.StatusUnauthorized, http.StatusForbidden:
		return KindAuth
	case http.StatusNotFound:
		return KindNotFound
	default:
		return KindNetwork
	}
}

// KindOf returns the kind of a record store error, or "" if err is not one.
func KindOf(err error) Kind {
	var se *Error
	if errors.As(err, &se) {
		return se.Kind
	}
	return ""
}
