package loan

import (
	"encoding/hex"
	"strconv"

	"loanvault/core/types"
)

const (
	EventTypeLoanStarted     = "loan.started"
	EventTypeLoanRepaid      = "loan.repaid"
	EventTypeLoanClaimed     = "loan.claimed"
	EventTypeFeesClaimed     = "loan.fees_claimed"
	EventTypeNoteTransferred = "loan.note_transferred"
)

// NewStartedEvent returns the canonical payload emitted when a loan opens.
func NewStartedEvent(l *Loan, lender, borrower [20]byte) *types.Event {
	attrs := make(map[string]string)
	if l != nil {
		attrs["loanId"] = strconv.FormatUint(l.ID, 10)
		attrs["lender"] = hex.EncodeToString(lender[:])
		attrs["borrower"] = hex.EncodeToString(borrower[:])
		if l.Terms != nil && l.Terms.Principal != nil {
			attrs["principal"] = l.Terms.Principal.String()
		}
		attrs["startTimestamp"] = strconv.FormatInt(l.StartTimestamp, 10)
	}
	return &types.Event{Type: EventTypeLoanStarted, Attributes: attrs}
}

// NewRepaidEvent returns the canonical payload emitted on repayment.
func NewRepaidEvent(l *Loan, payer [20]byte, total string) *types.Event {
	attrs := make(map[string]string)
	if l != nil {
		attrs["loanId"] = strconv.FormatUint(l.ID, 10)
		attrs["payer"] = hex.EncodeToString(payer[:])
		attrs["amount"] = total
	}
	return &types.Event{Type: EventTypeLoanRepaid, Attributes: attrs}
}

// NewClaimedEvent returns the canonical payload emitted when defaulted
// collateral is claimed.
func NewClaimedEvent(l *Loan, claimer [20]byte) *types.Event {
	attrs := make(map[string]string)
	if l != nil {
		attrs["loanId"] = strconv.FormatUint(l.ID, 10)
		attrs["claimer"] = hex.EncodeToString(claimer[:])
	}
	return &types.Event{Type: EventTypeLoanClaimed, Attributes: attrs}
}

// NewFeesClaimedEvent returns the canonical payload emitted when retained
// fees are swept.
func NewFeesClaimedEvent(currency [20]byte, recipient [20]byte, amount string) *types.Event {
	return &types.Event{
		Type: EventTypeFeesClaimed,
		Attributes: map[string]string{
			"currency":  hex.EncodeToString(currency[:]),
			"recipient": hex.EncodeToString(recipient[:]),
			"amount":    amount,
		},
	}
}

// NewNoteTransferredEvent returns the canonical payload emitted when a
// promissory note changes hands.
func NewNoteTransferredEvent(n *Note, from [20]byte) *types.Event {
	attrs := make(map[string]string)
	if n != nil {
		attrs["noteId"] = strconv.FormatUint(n.ID, 10)
		attrs["loanId"] = strconv.FormatUint(n.LoanID, 10)
		attrs["from"] = hex.EncodeToString(from[:])
		attrs["to"] = hex.EncodeToString(n.Owner[:])
	}
	return &types.Event{Type: EventTypeNoteTransferred, Attributes: attrs}
}
