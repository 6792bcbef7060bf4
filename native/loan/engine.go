package loan

import (
	"math/big"
	"sync"
	"time"

	"loanvault/core/events"
	"loanvault/core/types"
	nativecommon "loanvault/native/common"
)

const moduleName = "loan"

// Role labels gating the engine's capabilities. Roles are reassignable
// through the state layer's role registry.
const (
	RoleOriginator = "ROLE_ORIGINATOR"
	RoleRepayer    = "ROLE_REPAYER"
	RoleFeeClaimer = "ROLE_FEE_CLAIMER"
	RoleAdmin      = "ROLE_ADMIN"
)

type engineState interface {
	LoanGet(id uint64) (*Loan, bool, error)
	LoanPut(*Loan) error
	NextLoanID() (uint64, error)

	CollateralLocked(asset [20]byte, collateralID *big.Int) (bool, error)
	CollateralLock(asset [20]byte, collateralID *big.Int, loanID uint64) error
	CollateralUnlock(asset [20]byte, collateralID *big.Int) error
	CollateralOwner(asset [20]byte, collateralID *big.Int) ([20]byte, error)
	CollateralTransfer(asset [20]byte, collateralID *big.Int, from, to [20]byte) error

	NoteGet(id uint64) (*Note, bool, error)
	NotePut(*Note) error
	NextNoteID() (uint64, error)

	BalanceOf(asset, addr [20]byte) (*big.Int, error)
	SetBalance(asset, addr [20]byte, amount *big.Int) error

	FeeBalance(currency [20]byte) (*big.Int, error)
	SetFeeBalance(currency [20]byte, amount *big.Int) error

	HasRole(role string, addr [20]byte) bool
}

// NonceConsumer is the slice of the nonce ledger the engine needs: the atomic
// consume that must happen inside the start transition.
type NonceConsumer interface {
	Consume(caller, signer [20]byte, nonce uint64) error
}

type loanEvent struct {
	evt *types.Event
}

func (e loanEvent) EventType() string {
	if e.evt == nil {
		return ""
	}
	return e.evt.Type
}

// Engine owns the canonical loan record set and its state transitions. All
// public operations are serialized: each runs to completion under the engine
// mutex with every precondition checked before the first state write, so a
// rejected call leaves loans, nonces, locks and balances untouched.
type Engine struct {
	mu           sync.Mutex
	state        engineState
	nonces       NonceConsumer
	custodyAddr  [20]byte
	feePolicy    FeePolicy
	minPrincipal *big.Int
	nowFn        func() int64
	emitter      events.Emitter
	pauses       nativecommon.PauseView
}

// NewEngine constructs a loan engine holding collateral in custody at the
// given protocol address.
func NewEngine(custodyAddr [20]byte) *Engine {
	return &Engine{
		custodyAddr:  custodyAddr,
		feePolicy:    FeePolicy{Bps: DefaultFeeBps},
		minPrincipal: big.NewInt(0),
		nowFn:        func() int64 { return time.Now().Unix() },
		emitter:      events.NoopEmitter{},
	}
}

// SetState wires the engine to the external persistence layer.
func (e *Engine) SetState(state engineState) { e.state = state }

// SetNonces wires the nonce ledger consumed during start.
func (e *Engine) SetNonces(nonces NonceConsumer) { e.nonces = nonces }

// SetFeePolicy configures the origination fee schedule.
func (e *Engine) SetFeePolicy(policy FeePolicy) {
	if e == nil {
		return
	}
	e.feePolicy = policy
}

// SetMinPrincipal configures the protocol-wide principal floor enforced at
// start.
func (e *Engine) SetMinPrincipal(min *big.Int) {
	if e == nil {
		return
	}
	if min == nil {
		e.minPrincipal = big.NewInt(0)
		return
	}
	e.minPrincipal = new(big.Int).Set(min)
}

// SetPauses wires the module pause switches. The pause guard applies to start
// only; repay and claim always remain open so borrowers can exit.
func (e *Engine) SetPauses(p nativecommon.PauseView) {
	if e == nil {
		return
	}
	e.pauses = p
}

// SetNowFunc overrides the time source, primarily for deterministic tests.
func (e *Engine) SetNowFunc(now func() int64) {
	if now == nil {
		e.nowFn = func() int64 { return time.Now().Unix() }
		return
	}
	e.nowFn = now
}

// SetEmitter configures the event emitter. Passing nil resets it to a no-op.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		e.emitter = events.NoopEmitter{}
		return
	}
	e.emitter = emitter
}

func (e *Engine) emit(evt *types.Event) {
	if e == nil || e.emitter == nil || evt == nil {
		return
	}
	e.emitter.Emit(loanEvent{evt: evt})
}

func (e *Engine) now() int64 {
	if e == nil || e.nowFn == nil {
		return time.Now().Unix()
	}
	return e.nowFn()
}

// GetLoan returns a copy of the stored loan record. Unknown identifiers
// report an uninitialized loan with no error so read-only callers can render
// status without special-casing.
func (e *Engine) GetLoan(id uint64) (*Loan, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	l, ok, err := e.state.LoanGet(id)
	if err != nil {
		return nil, err
	}
	if !ok || l == nil {
		return &Loan{ID: id, State: StateUninitialized}, nil
	}
	return l.Clone(), nil
}

// NoteOwner returns the current holder of a promissory note.
func (e *Engine) NoteOwner(id uint64) ([20]byte, error) {
	if e == nil || e.state == nil {
		return [20]byte{}, errNilState
	}
	n, ok, err := e.state.NoteGet(id)
	if err != nil {
		return [20]byte{}, err
	}
	if !ok || n == nil {
		return [20]byte{}, ErrNoteNotFound
	}
	return n.Owner, nil
}

// StartLoan opens a loan between lender and borrower under the given terms.
// The caller must hold the originator role; signature authorization has
// already happened in the origination flow, which passes through the signer
// whose nonce the start consumes. Every precondition is validated before the
// nonce burn so a rejected start never invalidates an outstanding signature.
func (e *Engine) StartLoan(caller, lender, borrower [20]byte, terms *Terms, signer [20]byte, nonce uint64) (*Loan, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	if e.nonces == nil {
		return nil, errNilNonces
	}
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.state.HasRole(RoleOriginator, caller) {
		return nil, ErrNotOriginator
	}
	if terms == nil {
		return nil, errNilTerms
	}
	sanitized, err := SanitizeTerms(terms)
	if err != nil {
		return nil, err
	}
	if sanitized.DurationSeconds == 0 {
		return nil, ErrLoanDuration
	}
	if e.minPrincipal != nil && sanitized.Principal.Cmp(e.minPrincipal) < 0 {
		return nil, ErrPrincipalTooLow
	}

	locked, err := e.state.CollateralLocked(sanitized.CollateralAddress, sanitized.CollateralID)
	if err != nil {
		return nil, err
	}
	if locked {
		return nil, ErrCollateralInUse
	}
	owner, err := e.state.CollateralOwner(sanitized.CollateralAddress, sanitized.CollateralID)
	if err != nil {
		return nil, err
	}
	if owner != borrower {
		return nil, errCollateralNotOwned
	}

	lenderBalance, err := e.state.BalanceOf(sanitized.PayableCurrency, lender)
	if err != nil {
		return nil, err
	}
	if lenderBalance == nil || lenderBalance.Cmp(sanitized.Principal) < 0 {
		return nil, errInsufficientBalance
	}

	// All preconditions hold. The nonce burn is the first mutation; it and
	// the remaining writes make up the atomic start.
	if err := e.nonces.Consume(caller, signer, nonce); err != nil {
		return nil, err
	}

	if err := e.state.CollateralTransfer(sanitized.CollateralAddress, sanitized.CollateralID, borrower, e.custodyAddr); err != nil {
		return nil, err
	}

	fee := e.feePolicy.Fee(sanitized.Principal)
	disbursed := new(big.Int).Sub(sanitized.Principal, fee)

	if err := e.state.SetBalance(sanitized.PayableCurrency, lender, new(big.Int).Sub(lenderBalance, sanitized.Principal)); err != nil {
		return nil, err
	}
	borrowerBalance, err := e.state.BalanceOf(sanitized.PayableCurrency, borrower)
	if err != nil {
		return nil, err
	}
	if borrowerBalance == nil {
		borrowerBalance = big.NewInt(0)
	}
	if err := e.state.SetBalance(sanitized.PayableCurrency, borrower, new(big.Int).Add(borrowerBalance, disbursed)); err != nil {
		return nil, err
	}
	if fee.Sign() > 0 {
		retained, err := e.state.FeeBalance(sanitized.PayableCurrency)
		if err != nil {
			return nil, err
		}
		if retained == nil {
			retained = big.NewInt(0)
		}
		if err := e.state.SetFeeBalance(sanitized.PayableCurrency, new(big.Int).Add(retained, fee)); err != nil {
			return nil, err
		}
	}

	loanID, err := e.state.NextLoanID()
	if err != nil {
		return nil, err
	}
	borrowerNote, err := e.mintNote(BorrowerNote, loanID, borrower)
	if err != nil {
		return nil, err
	}
	lenderNote, err := e.mintNote(LenderNote, loanID, lender)
	if err != nil {
		return nil, err
	}

	if err := e.state.CollateralLock(sanitized.CollateralAddress, sanitized.CollateralID, loanID); err != nil {
		return nil, err
	}

	l := &Loan{
		ID:             loanID,
		State:          StateActive,
		Terms:          sanitized,
		BorrowerNote:   borrowerNote,
		LenderNote:     lenderNote,
		StartTimestamp: e.now(),
	}
	if err := e.state.LoanPut(l); err != nil {
		return nil, err
	}
	e.emit(NewStartedEvent(l, lender, borrower))
	return l.Clone(), nil
}

// Repay settles an active loan. The caller pulls principal plus fixed-point
// interest from its own balance, the proceeds go to the current lender-note
// holder, and the collateral returns to the current borrower-note holder.
func (e *Engine) Repay(caller [20]byte, loanID uint64) (*big.Int, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	l, err := e.loadActive(loanID)
	if err != nil {
		return nil, err
	}
	borrowerNoteOwner, err := e.noteOwner(l.BorrowerNote)
	if err != nil {
		return nil, err
	}
	if caller != borrowerNoteOwner && !e.state.HasRole(RoleRepayer, caller) {
		return nil, ErrNotRepayer
	}
	lenderNoteOwner, err := e.noteOwner(l.LenderNote)
	if err != nil {
		return nil, err
	}

	interest := InterestOwed(l.Terms.Principal, l.Terms.InterestRate)
	total := new(big.Int).Add(l.Terms.Principal, interest)

	payerBalance, err := e.state.BalanceOf(l.Terms.PayableCurrency, caller)
	if err != nil {
		return nil, err
	}
	if payerBalance == nil || payerBalance.Cmp(total) < 0 {
		return nil, errInsufficientBalance
	}

	if err := e.state.SetBalance(l.Terms.PayableCurrency, caller, new(big.Int).Sub(payerBalance, total)); err != nil {
		return nil, err
	}
	lenderBalance, err := e.state.BalanceOf(l.Terms.PayableCurrency, lenderNoteOwner)
	if err != nil {
		return nil, err
	}
	if lenderBalance == nil {
		lenderBalance = big.NewInt(0)
	}
	if err := e.state.SetBalance(l.Terms.PayableCurrency, lenderNoteOwner, new(big.Int).Add(lenderBalance, total)); err != nil {
		return nil, err
	}

	if err := e.state.CollateralTransfer(l.Terms.CollateralAddress, l.Terms.CollateralID, e.custodyAddr, borrowerNoteOwner); err != nil {
		return nil, err
	}
	if err := e.state.CollateralUnlock(l.Terms.CollateralAddress, l.Terms.CollateralID); err != nil {
		return nil, err
	}

	l.State = StateRepaid
	if err := e.state.LoanPut(l); err != nil {
		return nil, err
	}
	e.emit(NewRepaidEvent(l, caller, total.String()))
	return total, nil
}

// Claim forfeits the collateral of a defaulted loan to the current
// lender-note holder. Only permitted strictly after expiry; at the due
// instant itself the loan is still repayable.
func (e *Engine) Claim(caller [20]byte, loanID uint64) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	l, err := e.loadActive(loanID)
	if err != nil {
		return err
	}
	if e.now() <= l.DueAt() {
		return ErrNotExpired
	}
	lenderNoteOwner, err := e.noteOwner(l.LenderNote)
	if err != nil {
		return err
	}
	if caller != lenderNoteOwner && !e.state.HasRole(RoleRepayer, caller) {
		return ErrOnlyLender
	}

	if err := e.state.CollateralTransfer(l.Terms.CollateralAddress, l.Terms.CollateralID, e.custodyAddr, lenderNoteOwner); err != nil {
		return err
	}
	if err := e.state.CollateralUnlock(l.Terms.CollateralAddress, l.Terms.CollateralID); err != nil {
		return err
	}

	l.State = StateClaimed
	if err := e.state.LoanPut(l); err != nil {
		return err
	}
	e.emit(NewClaimedEvent(l, caller))
	return nil
}

// ClaimFees sweeps the protocol's retained fee balance for a currency to the
// caller, resetting it to zero. The swept amount is returned.
func (e *Engine) ClaimFees(caller [20]byte, currency [20]byte) (*big.Int, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.state.HasRole(RoleFeeClaimer, caller) && !e.state.HasRole(RoleAdmin, caller) {
		return nil, ErrNotFeeClaimer
	}
	retained, err := e.state.FeeBalance(currency)
	if err != nil {
		return nil, err
	}
	if retained == nil {
		retained = big.NewInt(0)
	}
	if retained.Sign() == 0 {
		return big.NewInt(0), nil
	}
	balance, err := e.state.BalanceOf(currency, caller)
	if err != nil {
		return nil, err
	}
	if balance == nil {
		balance = big.NewInt(0)
	}
	if err := e.state.SetBalance(currency, caller, new(big.Int).Add(balance, retained)); err != nil {
		return nil, err
	}
	if err := e.state.SetFeeBalance(currency, big.NewInt(0)); err != nil {
		return nil, err
	}
	e.emit(NewFeesClaimedEvent(currency, caller, retained.String()))
	return new(big.Int).Set(retained), nil
}

// TransferNote hands a promissory note to a new holder. Subsequent repay and
// claim proceeds follow the new holder.
func (e *Engine) TransferNote(caller [20]byte, noteID uint64, to [20]byte) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	if to == ([20]byte{}) {
		return ErrNotNoteOwner
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	n, ok, err := e.state.NoteGet(noteID)
	if err != nil {
		return err
	}
	if !ok || n == nil {
		return ErrNoteNotFound
	}
	if n.Owner != caller {
		return ErrNotNoteOwner
	}
	from := n.Owner
	n.Owner = to
	if err := e.state.NotePut(n); err != nil {
		return err
	}
	e.emit(NewNoteTransferredEvent(n, from))
	return nil
}

func (e *Engine) loadActive(loanID uint64) (*Loan, error) {
	l, ok, err := e.state.LoanGet(loanID)
	if err != nil {
		return nil, err
	}
	if !ok || l == nil || l.State != StateActive {
		return nil, ErrInvalidState
	}
	if l.Terms == nil {
		return nil, errNilTerms
	}
	return l, nil
}

func (e *Engine) noteOwner(noteID uint64) ([20]byte, error) {
	n, ok, err := e.state.NoteGet(noteID)
	if err != nil {
		return [20]byte{}, err
	}
	if !ok || n == nil {
		return [20]byte{}, ErrNoteNotFound
	}
	return n.Owner, nil
}

func (e *Engine) mintNote(kind NoteKind, loanID uint64, owner [20]byte) (uint64, error) {
	id, err := e.state.NextNoteID()
	if err != nil {
		return 0, err
	}
	if err := e.state.NotePut(&Note{ID: id, Kind: kind, LoanID: loanID, Owner: owner}); err != nil {
		return 0, err
	}
	return id, nil
}
