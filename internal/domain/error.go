package domain

import "errors"

var (
	// Common domain errors
	ErrNotFound        = errors.New("entity not found")
	ErrAlreadyExists   = errors.New("entity already exists")
	ErrInvalidArgument = errors.New("invalid argument")

	// State machine errors
	ErrStateConflict = errors.New("illegal state transition")
	ErrInvalidState  = errors.New("operation not allowed in current state")
	ErrNoChange      = errors.New("requested change is a no-op")

	// Business rule rejections (user visible)
	ErrAlreadyOwned        = errors.New("program already owned")
	ErrAlreadyActive       = errors.New("user already has an active subscription")
	ErrRefundWindowExpired = errors.New("refund window has expired")

	// Gateway / ingress errors
	ErrSignature          = errors.New("webhook signature verification failed")
	ErrGatewayUnavailable = errors.New("payment gateway unavailable")

	// Storage errors
	ErrOperationFailed    = errors.New("database operation failed")
	ErrReadDatabaseRow    = errors.New("failed to read database row")
	ErrInvalidExecContext = errors.New("invalid database execution context")
	ErrLockNotAcquired    = errors.New("lock not acquired")
)

// IsBusinessRejection reports whether err is a rule rejection that should be shown
// to the caller as-is rather than treated as a system fault.
func IsBusinessRejection(err error) bool {
	switch {
	case errors.Is(err, ErrAlreadyOwned),
		errors.Is(err, ErrAlreadyActive),
		errors.Is(err, ErrRefundWindowExpired),
		errors.Is(err, ErrNoChange),
		errors.Is(err, ErrInvalidState):
		return true
	}
	return false
}
