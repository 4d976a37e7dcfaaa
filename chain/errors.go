package chain

import (
	"strings"

	"github.com/pkg/errors"
)

// TransientError marks a chain interaction that is worth retrying: RPC
// flakiness, nonce collisions, mempool congestion.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return "transient chain error: " + e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// PermanentError marks a chain interaction that will keep failing without
// operator intervention: reverts, insufficient funds, malformed calls.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return "permanent chain error: " + e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// IsTransient reports whether err should be retried by the job scheduler.
func IsTransient(err error) bool {
	var t *TransientError
	return errors.As(err, &t)
}

// IsPermanent reports whether err requires operator intervention.
func IsPermanent(err error) bool {
	var p *PermanentError
	return errors.As(err, &p)
}

var permanentMarkers = []string{
	"execution reverted",
	"insufficient funds",
	"gas required exceeds allowance",
	"invalid opcode",
	"always failing transaction",
}

// classify buckets an RPC error. Anything not positively identified as
// permanent is treated as transient so the scheduler's backoff absorbs it.
func classify(err error) error {
	msg := strings.ToLower(err.Error())
	for _, marker := range permanentMarkers {
		if strings.Contains(msg, marker) {
			return &PermanentError{Err: err}
		}
	}
	return &TransientError{Err: err}
}
