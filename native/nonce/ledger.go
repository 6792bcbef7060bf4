package nonce

import (
	"errors"
	"sync"

	"loanvault/core/events"
	"loanvault/core/types"
)

var (
	errNilState = errors.New("nonce ledger: state not configured")
	// ErrNonceUsed indicates the (signer, nonce) pair has already been
	// consumed. Callers lost a race or resubmitted stale terms; recovery
	// requires fresh terms under a free nonce.
	ErrNonceUsed = errors.New("nonce ledger: nonce already used")
	// ErrNotAuthorized indicates the caller lacks the originator role
	// required to consume nonces on behalf of signers.
	ErrNotAuthorized = errors.New("nonce ledger: caller not authorized to consume")
	// ErrNotSigner indicates a cancellation attempt by anyone other than the
	// nonce's owning signer.
	ErrNotSigner = errors.New("nonce ledger: only the signer may cancel its nonce")
)

// RoleOriginator gates nonce consumption to the origination flow.
const RoleOriginator = "ROLE_ORIGINATOR"

// EventTypeNonceCancelled is emitted when a signer burns a nonce without
// opening a loan.
const EventTypeNonceCancelled = "loan.nonce_cancelled"

type ledgerState interface {
	NonceUsed(signer [20]byte, nonce uint64) (bool, error)
	NonceMarkUsed(signer [20]byte, nonce uint64) error
}

// RoleView answers role membership questions for capability checks.
type RoleView interface {
	HasRole(role string, addr [20]byte) bool
}

type ledgerEvent struct {
	evt *types.Event
}

func (e ledgerEvent) EventType() string {
	if e.evt == nil {
		return ""
	}
	return e.evt.Type
}

// Ledger tracks per-signer nonce usage. Nonces are free-form values chosen by
// the off-chain message composer; the ledger only guarantees each
// (signer, nonce) pair is consumed at most once. Usage across signers is
// independent.
type Ledger struct {
	mu      sync.Mutex
	state   ledgerState
	roles   RoleView
	emitter events.Emitter
}

// NewLedger constructs an unwired ledger. Callers must attach state before
// consuming.
func NewLedger() *Ledger {
	return &Ledger{emitter: events.NoopEmitter{}}
}

// SetState wires the ledger to the external persistence layer.
func (l *Ledger) SetState(state ledgerState) { l.state = state }

// SetRoles wires the role view used to gate consumption.
func (l *Ledger) SetRoles(roles RoleView) { l.roles = roles }

// SetEmitter configures the event emitter. Passing nil resets it to a no-op.
func (l *Ledger) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		l.emitter = events.NoopEmitter{}
		return
	}
	l.emitter = emitter
}

// IsUsed reports whether the (signer, nonce) pair has been consumed. Open to
// any caller.
func (l *Ledger) IsUsed(signer [20]byte, nonce uint64) (bool, error) {
	if l == nil || l.state == nil {
		return false, errNilState
	}
	return l.state.NonceUsed(signer, nonce)
}

// Consume atomically marks the (signer, nonce) pair as used. Exactly one of
// two concurrent attempts on the same pair succeeds; the loser observes
// ErrNonceUsed. Only callers holding the originator role may consume.
func (l *Ledger) Consume(caller, signer [20]byte, nonce uint64) error {
	if l == nil || l.state == nil {
		return errNilState
	}
	if l.roles == nil || !l.roles.HasRole(RoleOriginator, caller) {
		return ErrNotAuthorized
	}
	return l.consume(signer, nonce)
}

// Cancel burns a nonce without opening a loan, invalidating any outstanding
// signature tagged with it. Only the owning signer may cancel. Cancellation
// is the same atomic consume with no further side effects.
func (l *Ledger) Cancel(caller [20]byte, nonce uint64) error {
	if l == nil || l.state == nil {
		return errNilState
	}
	if caller == ([20]byte{}) {
		return ErrNotSigner
	}
	if err := l.consume(caller, nonce); err != nil {
		return err
	}
	l.emit(NewCancelledEvent(caller, nonce))
	return nil
}

func (l *Ledger) consume(signer [20]byte, nonce uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	used, err := l.state.NonceUsed(signer, nonce)
	if err != nil {
		return err
	}
	if used {
		return ErrNonceUsed
	}
	return l.state.NonceMarkUsed(signer, nonce)
}

func (l *Ledger) emit(evt *types.Event) {
	if l == nil || l.emitter == nil || evt == nil {
		return
	}
	l.emitter.Emit(ledgerEvent{evt: evt})
}
