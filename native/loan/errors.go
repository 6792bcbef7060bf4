package loan

import "errors"

var (
	errNilState            = errors.New("loan engine: state not configured")
	errNilTerms            = errors.New("loan engine: terms required")
	errNilNonces           = errors.New("loan engine: nonce ledger not configured")
	errInsufficientBalance = errors.New("loan engine: insufficient balance")
	errCollateralNotOwned  = errors.New("loan engine: collateral not held by borrower")

	// ErrInvalidState rejects repay and claim on any loan that is not
	// Active, including identifiers that were never created.
	ErrInvalidState = errors.New("loan engine: invalid loan state")
	// ErrPrincipalTooLow rejects terms below the protocol-wide principal
	// floor at start time.
	ErrPrincipalTooLow = errors.New("loan engine: principal below protocol minimum")
	// ErrLoanDuration rejects zero-duration terms, which would be expired on
	// arrival.
	ErrLoanDuration = errors.New("loan engine: loan duration must be positive")
	// ErrNotExpired rejects claims at or before the loan's due instant; the
	// expiry inequality is strict.
	ErrNotExpired = errors.New("loan engine: loan not yet expired")
	// ErrOnlyLender rejects claims by callers who neither hold the lender
	// note nor the repayer role.
	ErrOnlyLender = errors.New("loan engine: caller does not hold lender note")
	// ErrCollateralInUse rejects starting a loan against collateral already
	// pledged to an unresolved loan.
	ErrCollateralInUse = errors.New("loan engine: collateral already pledged")
	// ErrNotOriginator rejects start calls from addresses without the
	// originator role.
	ErrNotOriginator = errors.New("loan engine: caller lacks originator role")
	// ErrNotRepayer rejects repayments from callers who neither hold the
	// borrower note nor the repayer role.
	ErrNotRepayer = errors.New("loan engine: caller lacks repayer capability")
	// ErrNotFeeClaimer rejects fee sweeps from addresses holding neither the
	// fee-claimer nor the admin role.
	ErrNotFeeClaimer = errors.New("loan engine: caller lacks fee claimer role")
	// ErrNoteNotFound indicates a lookup of an unminted note identifier.
	ErrNoteNotFound = errors.New("loan engine: note not found")
	// ErrNotNoteOwner rejects note transfers by non-owners.
	ErrNotNoteOwner = errors.New("loan engine: caller does not own note")
)
