package shared

import "errors"

// Semantic error kinds shared across modules. Domain packages wrap these with
// context (which product, serial, line) so callers can both classify the
// failure with errors.Is and act on the detail.
var (
	// ErrPermissionDenied indicates the actor lacks the required capability.
	ErrPermissionDenied = errors.New("permission denied")
	// ErrNotFound indicates a missing request, product or location.
	ErrNotFound = errors.New("not found")
	// ErrInvalidInput indicates a malformed line, bad quantity or serial/quantity mismatch.
	ErrInvalidInput = errors.New("invalid input")
	// ErrInsufficientStock indicates available quantity cannot cover the operation.
	ErrInsufficientStock = errors.New("insufficient stock")
	// ErrSerialUnavailable indicates a serial is absent or not in the expected status.
	ErrSerialUnavailable = errors.New("serial unavailable")
	// ErrDuplicateSerial indicates a serial number already exists in the target ledger.
	ErrDuplicateSerial = errors.New("duplicate serial")
	// ErrAlreadyProcessed indicates the aggregate status no longer matches the expected precondition.
	ErrAlreadyProcessed = errors.New("already processed")
	// ErrConflict indicates a transient uniqueness conflict, retried internally before surfacing.
	ErrConflict = errors.New("conflict")
)
