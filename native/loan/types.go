package loan

import (
	"errors"
	"math/big"
)

// State tracks a loan through its lifecycle. Uninitialized is both the
// implicit state of never-created identifiers and unreachable once a loan has
// been started.
type State uint8

const (
	StateUninitialized State = iota
	StateActive
	StateRepaid
	StateClaimed
)

// Valid reports whether the state value is within the supported range.
func (s State) Valid() bool {
	switch s {
	case StateUninitialized, StateActive, StateRepaid, StateClaimed:
		return true
	default:
		return false
	}
}

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateActive:
		return "active"
	case StateRepaid:
		return "repaid"
	case StateClaimed:
		return "claimed"
	default:
		return "unknown"
	}
}

// InterestDenominator is the fixed-point scale of Terms.InterestRate. A rate
// equal to the denominator means 100% additional interest on the principal,
// not 1%.
var InterestDenominator = big.NewInt(1_000_000_000_000_000_000)

// Terms is the immutable description of one proposed or active loan, agreed
// off-chain and committed to by signature.
type Terms struct {
	// DurationSeconds is the loan lifetime measured from start.
	DurationSeconds uint64
	// Principal is the payable-currency amount lent.
	Principal *big.Int
	// InterestRate is a fixed-point multiplier over InterestDenominator
	// applied to the principal at repayment.
	InterestRate *big.Int
	// CollateralAddress and CollateralID identify the custody container (or,
	// unbundled, an asset contract and specific unit) pledged as collateral.
	CollateralAddress [20]byte
	CollateralID      *big.Int
	// PayableCurrency identifies the fungible asset used for principal and
	// interest.
	PayableCurrency [20]byte
	// NumInstallments is carried for schedule-aware consumers; zero means a
	// single bullet repayment, the only mode the engine settles.
	NumInstallments uint32
	// SignatureDeadline is the unix timestamp after which a signature over
	// these terms is invalid.
	SignatureDeadline int64
}

// Clone returns a deep copy of the terms.
func (t *Terms) Clone() *Terms {
	if t == nil {
		return nil
	}
	clone := *t
	if t.Principal != nil {
		clone.Principal = new(big.Int).Set(t.Principal)
	}
	if t.InterestRate != nil {
		clone.InterestRate = new(big.Int).Set(t.InterestRate)
	}
	if t.CollateralID != nil {
		clone.CollateralID = new(big.Int).Set(t.CollateralID)
	}
	return &clone
}

// SanitizeTerms validates and normalises a terms value, returning a clone
// with non-nil numeric fields. The original is not mutated.
func SanitizeTerms(t *Terms) (*Terms, error) {
	if t == nil {
		return nil, errors.New("loan: nil terms")
	}
	clone := t.Clone()
	if clone.Principal == nil {
		clone.Principal = big.NewInt(0)
	}
	if clone.Principal.Sign() < 0 {
		return nil, errors.New("loan: principal must be non-negative")
	}
	if clone.InterestRate == nil {
		clone.InterestRate = big.NewInt(0)
	}
	if clone.InterestRate.Sign() < 0 {
		return nil, errors.New("loan: interest rate must be non-negative")
	}
	if clone.CollateralID == nil {
		clone.CollateralID = big.NewInt(0)
	}
	if clone.CollateralID.Sign() < 0 {
		return nil, errors.New("loan: collateral id must be non-negative")
	}
	return clone, nil
}

// Loan is the mutable record for one loan identifier. Terms are snapshotted
// at start so later signature replays cannot mutate an active loan.
type Loan struct {
	ID             uint64
	State          State
	Terms          *Terms
	BorrowerNote   uint64
	LenderNote     uint64
	StartTimestamp int64
}

// Clone returns a deep copy of the loan record.
func (l *Loan) Clone() *Loan {
	if l == nil {
		return nil
	}
	clone := *l
	clone.Terms = l.Terms.Clone()
	return &clone
}

// DueAt returns the timestamp at which the loan expires. Claims are permitted
// strictly after this instant.
func (l *Loan) DueAt() int64 {
	if l == nil || l.Terms == nil {
		return 0
	}
	return l.StartTimestamp + int64(l.Terms.DurationSeconds)
}

// NoteKind distinguishes the two ownership-receipt tokens minted at loan
// start.
type NoteKind uint8

const (
	// BorrowerNote entitles its holder to the collateral on repayment.
	BorrowerNote NoteKind = iota
	// LenderNote entitles its holder to repayment proceeds, or to the
	// collateral on default.
	LenderNote
)

// Note is a transferable receipt token bound to a loan. Repayment and claim
// proceeds follow the current holders, not the original counterparties.
type Note struct {
	ID     uint64
	Kind   NoteKind
	LoanID uint64
	Owner  [20]byte
}

// Clone returns a copy of the note.
func (n *Note) Clone() *Note {
	if n == nil {
		return nil
	}
	clone := *n
	return &clone
}
