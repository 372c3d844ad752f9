package poller

import (
	"errors"
	"fmt"

	"github.com/jarmstrongdbrx/rt-transit/internal/gtfs-realtime/decoder"
)

// FetchError wraps a transport, timeout or HTTP status failure.
type FetchError struct {
	Source string
	Err    error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch %s: %v", e.Source, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// StorageError wraps a failed Bronze append.
type StorageError struct {
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage: %v", e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// FatalThresholdError ends a poller after too many consecutive failures.
type FatalThresholdError struct {
	Consecutive int
	Last        error
}

func (e *FatalThresholdError) Error() string {
	return fmt.Sprintf("giving up after %d consecutive failures: %v", e.Consecutive, e.Last)
}

func (e *FatalThresholdError) Unwrap() error { return e.Last }

// ErrorKind classifies err for the error_kind log field.
func ErrorKind(err error) string {
	var (
		fatal   *FatalThresholdError
		fetch   *FetchError
		decode  *decoder.DecodeError
		storage *StorageError
	)
	switch {
	case err == nil:
		return ""
	case errors.As(err, &fatal):
		return "fatal"
	case errors.As(err, &fetch):
		return "fetch"
	case errors.As(err, &decode):
		return "decode"
	case errors.As(err, &storage):
		return "storage"
	default:
		return "unknown"
	}
}
