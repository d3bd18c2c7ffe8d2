package domain

import "errors"

// Error taxonomy (sentinels). Retryability is decided by kind, never by
// inspecting message text at call sites.
var (
	ErrInvalidRequest     = errors.New("invalid request")
	ErrInsufficientFunds  = errors.New("insufficient funds")
	ErrDuplicateInFlight  = errors.New("duplicate request in flight")
	ErrNotFound           = errors.New("not found")
	ErrConflict           = errors.New("conflict")
	ErrDuplicate          = errors.New("duplicate")
	ErrTransient          = errors.New("transient failure")
	ErrTerminal           = errors.New("terminal failure")
	ErrLeaseLost          = errors.New("lease lost")
	ErrCircuitOpen        = errors.New("provider circuit open")
	ErrAssetUnavailable   = errors.New("asset unavailable")
	ErrSignatureInvalid   = errors.New("signature invalid")
	ErrTokenExpired       = errors.New("token expired")
	ErrInternal           = errors.New("internal error")
)

// IsTransient reports whether err should be retried by the worker.
// Conflicts from conditional writes are not transient; callers observe and
// re-read instead of retrying blindly.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransient)
}

// IsTerminal reports whether err must settle the job as failed with a refund.
func IsTerminal(err error) bool {
	return errors.Is(err, ErrTerminal)
}
