package ledger

import (
	"errors"
	"fmt"

	"github.com/lbricheux/pointeuse/internal/entry"
)

// ErrNotFound means the entry or timer no longer exists server-side. The
// caller is expected to resync local state from the ledger.
var ErrNotFound = errors.New("not found on ledger")

// ValidationError is a request the ledger rejected as malformed or as an
// illegal transition. It is surfaced to the caller; no local mutation
// should be created for it.
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("ledger rejected request: %s", e.Msg)
}

// ConnectivityError covers every remote failure mode that is recoverable
// by queueing: transport errors, timeouts, DNS failures and unexpected
// status codes. Callers absorb it and fall back to the offline queue.
type ConnectivityError struct {
	Err error
}

func (e *ConnectivityError) Error() string {
	return fmt.Sprintf("ledger unreachable: %v", e.Err)
}

func (e *ConnectivityError) Unwrap() error { return e.Err }

// ConflictError is returned when a start collides with an already-existing
// active timer for the same user (typically a second device). The ledger
// is authoritative: Existing carries the timer the client must adopt.
type ConflictError struct {
	Existing *entry.TimeEntry
}

func (e *ConflictError) Error() string {
	return "an active timer already exists for this user"
}

// IsConnectivity reports whether err should be absorbed via the offline
// queue rather than surfaced.
func IsConnectivity(err error) bool {
	var ce *ConnectivityError
	return errors.As(err, &ce)
}
