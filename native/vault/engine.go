package vault

import (
	"errors"
	"fmt"
	"math/big"

	"loanvault/core/events"
	"loanvault/core/types"
	nativecommon "loanvault/native/common"
)

var (
	errNilState        = errors.New("vault engine: state not configured")
	errVaultNotFound   = errors.New("vault engine: vault not found")
	errInvalidOwner    = errors.New("vault engine: owner address required")
	errNotOwner        = errors.New("vault engine: caller does not own vault")
	errInvalidAmount   = errors.New("vault engine: amount must be positive")
	errInsufficient    = errors.New("vault engine: insufficient balance")
	errDuplicateToken  = errors.New("vault engine: token already deposited")
	errTokenNotHeld    = errors.New("vault engine: token not held by vault")
	errVaultLocked     = errors.New("vault engine: vault pledged as active collateral")
	errMissingTokenID  = errors.New("vault engine: token id required")
)

// ErrVaultNotFound is the lookup failure surfaced to collaborating flows.
var ErrVaultNotFound = errVaultNotFound

// ErrVaultLocked indicates the container currently backs an unresolved loan
// and cannot be withdrawn from or transferred by its owner.
var ErrVaultLocked = errVaultLocked

const moduleName = "vault"

const (
	EventTypeVaultCreated     = "vault.created"
	EventTypeVaultTransferred = "vault.transferred"
)

type engineState interface {
	VaultGet(id uint64) (*Vault, bool, error)
	VaultPut(*Vault) error
	NextVaultID() (uint64, error)
	BalanceOf(asset, addr [20]byte) (*big.Int, error)
	SetBalance(asset, addr [20]byte, amount *big.Int) error
}

// LockView answers whether a vault is pledged to an unresolved loan. The loan
// engine owns the lock records; the vault engine only consults them.
type LockView interface {
	CollateralLocked(vaultID uint64) (bool, error)
}

type vaultEvent struct {
	evt *types.Event
}

func (e vaultEvent) EventType() string {
	if e.evt == nil {
		return ""
	}
	return e.evt.Type
}

// Engine manages custody containers: creation, asset deposits and
// withdrawals, and owner transfer. Collateral custody moves during the loan
// lifecycle bypass the engine and go through the state layer under the loan
// engine's authority.
type Engine struct {
	state   engineState
	locks   LockView
	emitter events.Emitter
	pauses  nativecommon.PauseView
}

// NewEngine creates a vault engine with a no-op emitter.
func NewEngine() *Engine {
	return &Engine{emitter: events.NoopEmitter{}}
}

// SetState wires the engine to the external persistence layer.
func (e *Engine) SetState(state engineState) { e.state = state }

// SetLocks wires the collateral lock view.
func (e *Engine) SetLocks(locks LockView) { e.locks = locks }

// SetPauses wires the module pause switches.
func (e *Engine) SetPauses(p nativecommon.PauseView) {
	if e == nil {
		return
	}
	e.pauses = p
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
	e.emitter.Emit(vaultEvent{evt: evt})
}

// Create initialises an empty vault owned by the given address.
func (e *Engine) Create(owner [20]byte) (*Vault, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return nil, err
	}
	if owner == ([20]byte{}) {
		return nil, errInvalidOwner
	}
	id, err := e.state.NextVaultID()
	if err != nil {
		return nil, err
	}
	v := &Vault{ID: id, Owner: owner}
	if err := e.state.VaultPut(v); err != nil {
		return nil, err
	}
	e.emit(NewCreatedEvent(v))
	return v.Clone(), nil
}

// Get returns a copy of the stored vault.
func (e *Engine) Get(id uint64) (*Vault, error) {
	v, err := e.load(id)
	if err != nil {
		return nil, err
	}
	return v.Clone(), nil
}

// DepositFungible moves a fungible balance from the owner's account into the
// vault.
func (e *Engine) DepositFungible(caller [20]byte, id uint64, asset [20]byte, amount *big.Int) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return err
	}
	if amount == nil || amount.Sign() <= 0 {
		return errInvalidAmount
	}
	v, err := e.loadOwned(id, caller)
	if err != nil {
		return err
	}
	balance, err := e.state.BalanceOf(asset, caller)
	if err != nil {
		return err
	}
	if balance == nil || balance.Cmp(amount) < 0 {
		return errInsufficient
	}
	if err := e.state.SetBalance(asset, caller, new(big.Int).Sub(balance, amount)); err != nil {
		return err
	}
	creditFungible(v, asset, amount)
	return e.state.VaultPut(v)
}

// WithdrawFungible releases a fungible balance from an unlocked vault back to
// the owner's account.
func (e *Engine) WithdrawFungible(caller [20]byte, id uint64, asset [20]byte, amount *big.Int) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	if amount == nil || amount.Sign() <= 0 {
		return errInvalidAmount
	}
	v, err := e.loadOwned(id, caller)
	if err != nil {
		return err
	}
	if err := e.ensureUnlocked(id); err != nil {
		return err
	}
	if err := debitFungible(v, asset, amount); err != nil {
		return err
	}
	balance, err := e.state.BalanceOf(asset, caller)
	if err != nil {
		return err
	}
	if balance == nil {
		balance = big.NewInt(0)
	}
	if err := e.state.SetBalance(asset, caller, new(big.Int).Add(balance, amount)); err != nil {
		return err
	}
	return e.state.VaultPut(v)
}

// DepositToken records a non-fungible token inside the vault. Transfer of the
// underlying token from its standard's contract is the asset-transfer
// collaborator's concern; the engine records the resulting custody.
func (e *Engine) DepositToken(caller [20]byte, id uint64, asset [20]byte, tokenID *big.Int) error {
	return e.depositNFT(caller, id, asset, tokenID, false)
}

// DepositLegacyToken records a third-party legacy-standard token inside the
// vault.
func (e *Engine) DepositLegacyToken(caller [20]byte, id uint64, asset [20]byte, tokenID *big.Int) error {
	return e.depositNFT(caller, id, asset, tokenID, true)
}

func (e *Engine) depositNFT(caller [20]byte, id uint64, asset [20]byte, tokenID *big.Int, legacy bool) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return err
	}
	if tokenID == nil || tokenID.Sign() < 0 {
		return errMissingTokenID
	}
	v, err := e.loadOwned(id, caller)
	if err != nil {
		return err
	}
	holdings := &v.Tokens
	if legacy {
		holdings = &v.LegacyTokens
	}
	if holdsIn(*holdings, asset, tokenID) {
		return errDuplicateToken
	}
	*holdings = append(*holdings, TokenHolding{Asset: asset, TokenID: new(big.Int).Set(tokenID)})
	return e.state.VaultPut(v)
}

// WithdrawToken removes a non-fungible token from an unlocked vault.
func (e *Engine) WithdrawToken(caller [20]byte, id uint64, asset [20]byte, tokenID *big.Int) error {
	return e.withdrawNFT(caller, id, asset, tokenID, false)
}

// WithdrawLegacyToken removes a legacy-standard token from an unlocked vault.
func (e *Engine) WithdrawLegacyToken(caller [20]byte, id uint64, asset [20]byte, tokenID *big.Int) error {
	return e.withdrawNFT(caller, id, asset, tokenID, true)
}

func (e *Engine) withdrawNFT(caller [20]byte, id uint64, asset [20]byte, tokenID *big.Int, legacy bool) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	if tokenID == nil {
		return errMissingTokenID
	}
	v, err := e.loadOwned(id, caller)
	if err != nil {
		return err
	}
	if err := e.ensureUnlocked(id); err != nil {
		return err
	}
	holdings := &v.Tokens
	if legacy {
		holdings = &v.LegacyTokens
	}
	kept := (*holdings)[:0]
	removed := false
	for _, h := range *holdings {
		if !removed && h.Asset == asset && h.TokenID != nil && h.TokenID.Cmp(tokenID) == 0 {
			removed = true
			continue
		}
		kept = append(kept, h)
	}
	if !removed {
		return errTokenNotHeld
	}
	*holdings = kept
	return e.state.VaultPut(v)
}

// DepositSemiFungible records a quantity of a semi-fungible token inside the
// vault, merging with any existing holding of the same token.
func (e *Engine) DepositSemiFungible(caller [20]byte, id uint64, asset [20]byte, tokenID, amount *big.Int) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return err
	}
	if tokenID == nil || tokenID.Sign() < 0 {
		return errMissingTokenID
	}
	if amount == nil || amount.Sign() <= 0 {
		return errInvalidAmount
	}
	v, err := e.loadOwned(id, caller)
	if err != nil {
		return err
	}
	for i, h := range v.SemiFungibles {
		if h.Asset == asset && h.TokenID != nil && h.TokenID.Cmp(tokenID) == 0 {
			v.SemiFungibles[i].Amount = new(big.Int).Add(cloneBigInt(h.Amount), amount)
			return e.state.VaultPut(v)
		}
	}
	v.SemiFungibles = append(v.SemiFungibles, QuantifiedHolding{
		Asset:   asset,
		TokenID: new(big.Int).Set(tokenID),
		Amount:  new(big.Int).Set(amount),
	})
	return e.state.VaultPut(v)
}

// WithdrawSemiFungible releases a quantity of a semi-fungible token from an
// unlocked vault.
func (e *Engine) WithdrawSemiFungible(caller [20]byte, id uint64, asset [20]byte, tokenID, amount *big.Int) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	if tokenID == nil {
		return errMissingTokenID
	}
	if amount == nil || amount.Sign() <= 0 {
		return errInvalidAmount
	}
	v, err := e.loadOwned(id, caller)
	if err != nil {
		return err
	}
	if err := e.ensureUnlocked(id); err != nil {
		return err
	}
	for i, h := range v.SemiFungibles {
		if h.Asset == asset && h.TokenID != nil && h.TokenID.Cmp(tokenID) == 0 {
			held := cloneBigInt(h.Amount)
			if held.Cmp(amount) < 0 {
				return errInsufficient
			}
			remaining := new(big.Int).Sub(held, amount)
			if remaining.Sign() == 0 {
				v.SemiFungibles = append(v.SemiFungibles[:i], v.SemiFungibles[i+1:]...)
			} else {
				v.SemiFungibles[i].Amount = remaining
			}
			return e.state.VaultPut(v)
		}
	}
	return errTokenNotHeld
}

// TransferOwner hands an unlocked vault to a new owner.
func (e *Engine) TransferOwner(caller [20]byte, id uint64, to [20]byte) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	if to == ([20]byte{}) {
		return errInvalidOwner
	}
	v, err := e.loadOwned(id, caller)
	if err != nil {
		return err
	}
	if err := e.ensureUnlocked(id); err != nil {
		return err
	}
	from := v.Owner
	v.Owner = to
	if err := e.state.VaultPut(v); err != nil {
		return err
	}
	e.emit(NewTransferredEvent(v, from))
	return nil
}

func (e *Engine) load(id uint64) (*Vault, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	v, ok, err := e.state.VaultGet(id)
	if err != nil {
		return nil, err
	}
	if !ok || v == nil {
		return nil, errVaultNotFound
	}
	return v, nil
}

func (e *Engine) loadOwned(id uint64, caller [20]byte) (*Vault, error) {
	v, err := e.load(id)
	if err != nil {
		return nil, err
	}
	if v.Owner != caller {
		return nil, errNotOwner
	}
	return v, nil
}

func (e *Engine) ensureUnlocked(id uint64) error {
	if e == nil || e.locks == nil {
		return nil
	}
	locked, err := e.locks.CollateralLocked(id)
	if err != nil {
		return err
	}
	if locked {
		return errVaultLocked
	}
	return nil
}

func creditFungible(v *Vault, asset [20]byte, amount *big.Int) {
	for i, h := range v.Fungibles {
		if h.Asset == asset {
			v.Fungibles[i].Amount = new(big.Int).Add(cloneBigInt(h.Amount), amount)
			return
		}
	}
	v.Fungibles = append(v.Fungibles, FungibleHolding{Asset: asset, Amount: new(big.Int).Set(amount)})
}

func debitFungible(v *Vault, asset [20]byte, amount *big.Int) error {
	for i, h := range v.Fungibles {
		if h.Asset == asset {
			held := cloneBigInt(h.Amount)
			if held.Cmp(amount) < 0 {
				return errInsufficient
			}
			remaining := new(big.Int).Sub(held, amount)
			if remaining.Sign() == 0 {
				v.Fungibles = append(v.Fungibles[:i], v.Fungibles[i+1:]...)
			} else {
				v.Fungibles[i].Amount = remaining
			}
			return nil
		}
	}
	return fmt.Errorf("vault engine: asset not held")
}
