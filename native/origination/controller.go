package origination

import (
	"errors"
	"fmt"
	"math/big"

	"loanvault/native/auth"
	"loanvault/native/loan"
	"loanvault/native/nonce"
	"loanvault/native/predicate"
)

var (
	errNotConfigured = errors.New("origination: controller not fully configured")

	// ErrPredicatesArrayEmpty rejects item-based submissions carrying no
	// predicates; an empty requirement is a configuration error, not a
	// trivially-true one.
	ErrPredicatesArrayEmpty = errors.New("origination: predicates array empty")
	// ErrPredicateFailed indicates the collateral container did not satisfy
	// every item of every predicate.
	ErrPredicateFailed = errors.New("origination: predicate verification failed")
)

// HoldingsSource resolves the actual holdings of a collateral container so
// predicates can be checked against it.
type HoldingsSource interface {
	CollateralHoldings(asset [20]byte, collateralID *big.Int) (predicate.HoldingsView, error)
}

// Controller orchestrates loan origination: signature authorization,
// optional predicate verification, then the state-machine start. The
// controller acts under its own protocol identity, which must hold the
// originator role on the loan engine and nonce ledger.
type Controller struct {
	addr     [20]byte
	auth     *auth.Authorizer
	engine   *loan.Engine
	registry *predicate.Registry
	holdings HoldingsSource
	nonces   *nonce.Ledger
}

// NewController constructs an origination controller operating under the
// given protocol identity.
func NewController(addr [20]byte, authorizer *auth.Authorizer, engine *loan.Engine, registry *predicate.Registry, holdings HoldingsSource, nonces *nonce.Ledger) *Controller {
	return &Controller{
		addr:     addr,
		auth:     authorizer,
		engine:   engine,
		registry: registry,
		holdings: holdings,
		nonces:   nonces,
	}
}

// Address returns the controller's protocol identity.
func (c *Controller) Address() [20]byte {
	if c == nil {
		return [20]byte{}
	}
	return c.addr
}

func (c *Controller) ready() error {
	if c == nil || c.auth == nil || c.engine == nil {
		return errNotConfigured
	}
	return nil
}

// InitializeLoan starts a loan from signed plain terms. The caller is the
// submitting counterparty (or its approved originator delegate); the
// signature covers the terms, nonce and side for the opposite party.
func (c *Controller) InitializeLoan(caller [20]byte, terms *loan.Terms, borrower, lender [20]byte, sig []byte, nonceVal uint64, side auth.Side) (*loan.Loan, error) {
	if err := c.ready(); err != nil {
		return nil, err
	}
	signer, err := c.auth.Authorize(caller, terms, nil, sig, borrower, lender, nonceVal, side)
	if err != nil {
		return nil, err
	}
	return c.engine.StartLoan(c.addr, lender, borrower, terms, signer, nonceVal)
}

// InitializeLoanWithItems starts a loan whose signature commits to a set of
// collateral predicates. The predicates are verified against the container's
// actual holdings before any state moves.
func (c *Controller) InitializeLoanWithItems(caller [20]byte, terms *loan.Terms, borrower, lender [20]byte, sig []byte, nonceVal uint64, side auth.Side, predicates []predicate.Predicate) (*loan.Loan, error) {
	if err := c.ready(); err != nil {
		return nil, err
	}
	if c.registry == nil || c.holdings == nil {
		return nil, errNotConfigured
	}
	if len(predicates) == 0 {
		return nil, ErrPredicatesArrayEmpty
	}
	verifiers := make([]predicate.Verifier, len(predicates))
	for i, p := range predicates {
		v, err := c.registry.Resolve(p.Verifier)
		if err != nil {
			return nil, err
		}
		verifiers[i] = v
	}
	itemsHash, err := predicate.DigestPredicates(predicates)
	if err != nil {
		return nil, err
	}
	signer, err := c.auth.Authorize(caller, terms, &itemsHash, sig, borrower, lender, nonceVal, side)
	if err != nil {
		return nil, err
	}
	if terms == nil {
		return nil, errNotConfigured
	}
	holdings, err := c.holdings.CollateralHoldings(terms.CollateralAddress, terms.CollateralID)
	if err != nil {
		return nil, err
	}
	for i, p := range predicates {
		if err := verifiers[i].VerifyItems(p.Items, holdings); err != nil {
			return nil, fmt.Errorf("%w: predicate %d: %v", ErrPredicateFailed, i, err)
		}
	}
	return c.engine.StartLoan(c.addr, lender, borrower, terms, signer, nonceVal)
}

// InitializeLoanWithCollateralPermit starts a loan using an owner-signed
// permit over the collateral transfer instead of a prior custody approval.
// The permit is verified independently before the plain flow runs; permit
// failures surface distinctly from loan-terms signature failures.
func (c *Controller) InitializeLoanWithCollateralPermit(caller [20]byte, terms *loan.Terms, borrower, lender [20]byte, sig []byte, nonceVal uint64, side auth.Side, permitDeadline int64, permitSig []byte) (*loan.Loan, error) {
	if err := c.ready(); err != nil {
		return nil, err
	}
	if terms == nil {
		return nil, errNotConfigured
	}
	if err := c.auth.VerifyCollateralPermit(borrower, terms.CollateralAddress, terms.CollateralID, permitDeadline, permitSig); err != nil {
		return nil, err
	}
	return c.InitializeLoan(caller, terms, borrower, lender, sig, nonceVal, side)
}

// InitializeLoanWithCollateralPermitAndItems combines the permit variant with
// predicate-gated terms.
func (c *Controller) InitializeLoanWithCollateralPermitAndItems(caller [20]byte, terms *loan.Terms, borrower, lender [20]byte, sig []byte, nonceVal uint64, side auth.Side, permitDeadline int64, permitSig []byte, predicates []predicate.Predicate) (*loan.Loan, error) {
	if err := c.ready(); err != nil {
		return nil, err
	}
	if terms == nil {
		return nil, errNotConfigured
	}
	if err := c.auth.VerifyCollateralPermit(borrower, terms.CollateralAddress, terms.CollateralID, permitDeadline, permitSig); err != nil {
		return nil, err
	}
	return c.InitializeLoanWithItems(caller, terms, borrower, lender, sig, nonceVal, side, predicates)
}

// CancelNonce burns one of the caller's nonces without opening a loan,
// invalidating any signature tagged with it.
func (c *Controller) CancelNonce(caller [20]byte, nonceVal uint64) error {
	if c == nil || c.nonces == nil {
		return errNotConfigured
	}
	return c.nonces.Cancel(caller, nonceVal)
}
