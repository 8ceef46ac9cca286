package store

import (
	"errors"
	"fmt"
)

// Sentinel errors returned by checkpoint stores. Adapters wrap them with
// context via fmt.Errorf("...: %w", ...), so callers match with errors.Is.
var (
	// ErrNotFound is returned by GetTuple when no checkpoint exists for the
	// requested address or id.
	ErrNotFound = errors.New("checkpoint not found")

	// ErrParentNotFound is returned by Put when the checkpoint claims a
	// parent id that does not exist in the same thread-namespace.
	ErrParentNotFound = errors.New("parent checkpoint not found")

	// ErrUnknownCheckpoint is returned by PutWrites when the checkpoint the
	// writes are attributed to does not exist in the address.
	ErrUnknownCheckpoint = errors.New("unknown checkpoint")

	// ErrIncomplete is returned by GetTuple for an explicitly requested id
	// whose channel blobs are only partially visible (crash mid-commit).
	// Callers should fall back to the parent checkpoint.
	ErrIncomplete = errors.New("checkpoint incomplete")

	// ErrAddressLockTimeout is returned when the per-address mutex could
	// not be acquired in time. The whole operation can safely be retried.
	ErrAddressLockTimeout = errors.New("address lock timeout")
)

// CodecError reports a channel value that could not be decoded, typically
// because its type tag is not registered in this process. It is recoverable:
// decoding drops the channel and continues, so a newly added channel type
// never corrupts old threads.
type CodecError struct {
	Channel  string
	TypeName string
	Err      error
}

func (e *CodecError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("codec error on channel %q (type %q): %v", e.Channel, e.TypeName, e.Err)
	}
	return fmt.Sprintf("codec error on channel %q: unknown type %q", e.Channel, e.TypeName)
}

func (e *CodecError) Unwrap() error { return e.Err }

// AuthError is a fatal authentication/authorization failure from a backend.
// It is never retried.
type AuthError struct {
	Op         string
	StatusCode int
	Message    string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("%s: authentication failed (status %d): %s", e.Op, e.StatusCode, e.Message)
}

// TransientError is surfaced after an adapter's internal retry budget is
// exhausted. The wrapped error is the last failure observed.
type TransientError struct {
	Op       string
	Attempts int
	Err      error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("%s: giving up after %d attempts: %v", e.Op, e.Attempts, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }
