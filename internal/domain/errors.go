package domain

import (
	"errors"
	"fmt"
)

// Error taxonomy shared by every component. Callers wrap these with
// fmt.Errorf("%w: ...") to add detail and match them with errors.Is.
var (
	ErrValidation        = errors.New("validation failed")
	ErrConfiguration     = errors.New("operation not configured")
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrNotFound          = errors.New("not found")
	ErrJurisdiction      = errors.New("client outside agent jurisdiction")
	ErrIdentityMismatch  = errors.New("scanned identity does not match client")
	ErrConflict          = errors.New("operation already in progress")
	ErrInvalidState      = errors.New("operation not in a valid state for this action")

	// Confirmation outcomes.
	ErrChallengeFailed      = errors.New("confirmation challenge failed")
	ErrAuthExhausted        = errors.New("confirmation attempts exhausted")
	ErrBiometricUnavailable = errors.New("biometric verification unavailable")
	ErrConfirmationRequired = errors.New("confirmation required")
	ErrStaleQuote           = errors.New("quote changed since confirmation")

	// Claim outcomes.
	ErrClaimExpired   = errors.New("claim code expired")
	ErrAlreadyClaimed = errors.New("claim code already used")

	// ErrDuplicateClaimCode is returned by the ledger when a new pending
	// transfer collides with an existing claim code.
	ErrDuplicateClaimCode = errors.New("claim code already exists")
)

// ErrIdentityRequired is a validation error: withdrawals cannot be committed
// until the client's identity token has been scanned.
var ErrIdentityRequired = fmt.Errorf("%w: client identity scan required", ErrValidation)
