package state

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math/big"
	"sync"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"

	"loanvault/native/loan"
	"loanvault/native/predicate"
	"loanvault/native/vault"
	"loanvault/storage"
)

var (
	errUnknownCollateral = errors.New("state: unknown collateral asset")
)

// Manager provides the persistence layer behind every native engine. Records
// are RLP encoded and stored under keccak-hashed prefixed keys. The manager
// also owns the role registry, module pause switches and the persisted schema
// version.
type Manager struct {
	mu         sync.Mutex
	db         storage.Database
	vaultAsset [20]byte
}

// NewManager creates a state manager over the given database. vaultAsset is
// the protocol identity under which custody containers are addressed as loan
// collateral.
func NewManager(db storage.Database, vaultAsset [20]byte) *Manager {
	return &Manager{db: db, vaultAsset: vaultAsset}
}

func prefixedKey(prefix []byte, parts ...[]byte) []byte {
	buf := append([]byte(nil), prefix...)
	for _, p := range parts {
		buf = append(buf, p...)
		buf = append(buf, ':')
	}
	return ethcrypto.Keccak256(buf)
}

func uint64Bytes(v uint64) []byte {
	out := make([]byte, 8)
	binary.BigEndian.PutUint64(out, v)
	return out
}

func (m *Manager) get(key []byte) ([]byte, bool, error) {
	data, err := m.db.Get(key)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return data, true, nil
}

func (m *Manager) nextSequence(key []byte) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	hashed := ethcrypto.Keccak256(key)
	data, ok, err := m.get(hashed)
	if err != nil {
		return 0, err
	}
	var current uint64
	if ok {
		if err := rlp.DecodeBytes(data, &current); err != nil {
			return 0, err
		}
	}
	next := current + 1
	encoded, err := rlp.EncodeToBytes(next)
	if err != nil {
		return 0, err
	}
	if err := m.db.Put(hashed, encoded); err != nil {
		return 0, err
	}
	return next, nil
}

// --- loan records ---

// storedTerms is the RLP-safe wire form of loan.Terms; RLP carries no signed
// integers, so the deadline is widened to uint64.
type storedTerms struct {
	DurationSeconds   uint64
	Principal         *big.Int
	InterestRate      *big.Int
	CollateralAddress [20]byte
	CollateralID      *big.Int
	PayableCurrency   [20]byte
	NumInstallments   uint32
	SignatureDeadline uint64
}

type storedLoan struct {
	ID             uint64
	State          uint8
	Terms          storedTerms
	BorrowerNote   uint64
	LenderNote     uint64
	StartTimestamp uint64
}

func encodeLoan(l *loan.Loan) (*storedLoan, error) {
	if l == nil || l.Terms == nil {
		return nil, fmt.Errorf("state: nil loan record")
	}
	t := l.Terms
	return &storedLoan{
		ID:    l.ID,
		State: uint8(l.State),
		Terms: storedTerms{
			DurationSeconds:   t.DurationSeconds,
			Principal:         orZero(t.Principal),
			InterestRate:      orZero(t.InterestRate),
			CollateralAddress: t.CollateralAddress,
			CollateralID:      orZero(t.CollateralID),
			PayableCurrency:   t.PayableCurrency,
			NumInstallments:   t.NumInstallments,
			SignatureDeadline: uint64(t.SignatureDeadline),
		},
		BorrowerNote:   l.BorrowerNote,
		LenderNote:     l.LenderNote,
		StartTimestamp: uint64(l.StartTimestamp),
	}, nil
}

func decodeLoan(s *storedLoan) *loan.Loan {
	return &loan.Loan{
		ID:    s.ID,
		State: loan.State(s.State),
		Terms: &loan.Terms{
			DurationSeconds:   s.Terms.DurationSeconds,
			Principal:         orZero(s.Terms.Principal),
			InterestRate:      orZero(s.Terms.InterestRate),
			CollateralAddress: s.Terms.CollateralAddress,
			CollateralID:      orZero(s.Terms.CollateralID),
			PayableCurrency:   s.Terms.PayableCurrency,
			NumInstallments:   s.Terms.NumInstallments,
			SignatureDeadline: int64(s.Terms.SignatureDeadline),
		},
		BorrowerNote:   s.BorrowerNote,
		LenderNote:     s.LenderNote,
		StartTimestamp: int64(s.StartTimestamp),
	}
}

func orZero(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return v
}

// LoanGet returns the stored loan record for an identifier.
func (m *Manager) LoanGet(id uint64) (*loan.Loan, bool, error) {
	data, ok, err := m.get(prefixedKey(loanPrefix, uint64Bytes(id)))
	if err != nil || !ok {
		return nil, false, err
	}
	stored := new(storedLoan)
	if err := rlp.DecodeBytes(data, stored); err != nil {
		return nil, false, err
	}
	return decodeLoan(stored), true, nil
}

// LoanPut persists a loan record.
func (m *Manager) LoanPut(l *loan.Loan) error {
	stored, err := encodeLoan(l)
	if err != nil {
		return err
	}
	encoded, err := rlp.EncodeToBytes(stored)
	if err != nil {
		return err
	}
	return m.db.Put(prefixedKey(loanPrefix, uint64Bytes(stored.ID)), encoded)
}

// NextLoanID assigns a fresh, never-reused loan identifier.
func (m *Manager) NextLoanID() (uint64, error) {
	return m.nextSequence(loanSeqKey)
}

// --- promissory notes ---

type storedNote struct {
	ID     uint64
	Kind   uint8
	LoanID uint64
	Owner  [20]byte
}

// NoteGet returns the stored note for an identifier.
func (m *Manager) NoteGet(id uint64) (*loan.Note, bool, error) {
	data, ok, err := m.get(prefixedKey(notePrefix, uint64Bytes(id)))
	if err != nil || !ok {
		return nil, false, err
	}
	stored := new(storedNote)
	if err := rlp.DecodeBytes(data, stored); err != nil {
		return nil, false, err
	}
	return &loan.Note{ID: stored.ID, Kind: loan.NoteKind(stored.Kind), LoanID: stored.LoanID, Owner: stored.Owner}, true, nil
}

// NotePut persists a note record.
func (m *Manager) NotePut(n *loan.Note) error {
	if n == nil {
		return fmt.Errorf("state: nil note record")
	}
	encoded, err := rlp.EncodeToBytes(&storedNote{ID: n.ID, Kind: uint8(n.Kind), LoanID: n.LoanID, Owner: n.Owner})
	if err != nil {
		return err
	}
	return m.db.Put(prefixedKey(notePrefix, uint64Bytes(n.ID)), encoded)
}

// NextNoteID assigns a fresh note identifier.
func (m *Manager) NextNoteID() (uint64, error) {
	return m.nextSequence(noteSeqKey)
}

// --- custody containers ---

type storedTokenHolding struct {
	Asset   [20]byte
	TokenID *big.Int
}

type storedQuantifiedHolding struct {
	Asset   [20]byte
	TokenID *big.Int
	Amount  *big.Int
}

type storedFungibleHolding struct {
	Asset  [20]byte
	Amount *big.Int
}

type storedVault struct {
	ID            uint64
	Owner         [20]byte
	Fungibles     []storedFungibleHolding
	Tokens        []storedTokenHolding
	SemiFungibles []storedQuantifiedHolding
	LegacyTokens  []storedTokenHolding
}

// VaultGet returns the stored custody container for an identifier.
func (m *Manager) VaultGet(id uint64) (*vault.Vault, bool, error) {
	data, ok, err := m.get(prefixedKey(vaultPrefix, uint64Bytes(id)))
	if err != nil || !ok {
		return nil, false, err
	}
	stored := new(storedVault)
	if err := rlp.DecodeBytes(data, stored); err != nil {
		return nil, false, err
	}
	v := &vault.Vault{ID: stored.ID, Owner: stored.Owner}
	for _, h := range stored.Fungibles {
		v.Fungibles = append(v.Fungibles, vault.FungibleHolding{Asset: h.Asset, Amount: orZero(h.Amount)})
	}
	for _, h := range stored.Tokens {
		v.Tokens = append(v.Tokens, vault.TokenHolding{Asset: h.Asset, TokenID: orZero(h.TokenID)})
	}
	for _, h := range stored.SemiFungibles {
		v.SemiFungibles = append(v.SemiFungibles, vault.QuantifiedHolding{Asset: h.Asset, TokenID: orZero(h.TokenID), Amount: orZero(h.Amount)})
	}
	for _, h := range stored.LegacyTokens {
		v.LegacyTokens = append(v.LegacyTokens, vault.TokenHolding{Asset: h.Asset, TokenID: orZero(h.TokenID)})
	}
	return v, true, nil
}

// VaultPut persists a custody container.
func (m *Manager) VaultPut(v *vault.Vault) error {
	if v == nil {
		return fmt.Errorf("state: nil vault record")
	}
	stored := &storedVault{ID: v.ID, Owner: v.Owner}
	for _, h := range v.Fungibles {
		stored.Fungibles = append(stored.Fungibles, storedFungibleHolding{Asset: h.Asset, Amount: orZero(h.Amount)})
	}
	for _, h := range v.Tokens {
		stored.Tokens = append(stored.Tokens, storedTokenHolding{Asset: h.Asset, TokenID: orZero(h.TokenID)})
	}
	for _, h := range v.SemiFungibles {
		stored.SemiFungibles = append(stored.SemiFungibles, storedQuantifiedHolding{Asset: h.Asset, TokenID: orZero(h.TokenID), Amount: orZero(h.Amount)})
	}
	for _, h := range v.LegacyTokens {
		stored.LegacyTokens = append(stored.LegacyTokens, storedTokenHolding{Asset: h.Asset, TokenID: orZero(h.TokenID)})
	}
	encoded, err := rlp.EncodeToBytes(stored)
	if err != nil {
		return err
	}
	return m.db.Put(prefixedKey(vaultPrefix, uint64Bytes(v.ID)), encoded)
}

// NextVaultID assigns a fresh container identifier.
func (m *Manager) NextVaultID() (uint64, error) {
	return m.nextSequence(vaultSeqKey)
}

// --- collateral custody ---

func (m *Manager) collateralKey(prefix []byte, asset [20]byte, collateralID *big.Int) []byte {
	id := orZero(collateralID)
	return prefixedKey(prefix, asset[:], id.Bytes())
}

func (m *Manager) vaultForCollateral(asset [20]byte, collateralID *big.Int) (*vault.Vault, error) {
	if asset != m.vaultAsset {
		return nil, errUnknownCollateral
	}
	id := orZero(collateralID)
	if !id.IsUint64() {
		return nil, vault.ErrVaultNotFound
	}
	v, ok, err := m.VaultGet(id.Uint64())
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, vault.ErrVaultNotFound
	}
	return v, nil
}

// CollateralOwner reports the current owner of a pledgeable container.
func (m *Manager) CollateralOwner(asset [20]byte, collateralID *big.Int) ([20]byte, error) {
	v, err := m.vaultForCollateral(asset, collateralID)
	if err != nil {
		return [20]byte{}, err
	}
	return v.Owner, nil
}

// CollateralTransfer moves container ownership under the loan engine's
// authority, bypassing the owner-facing vault engine checks.
func (m *Manager) CollateralTransfer(asset [20]byte, collateralID *big.Int, from, to [20]byte) error {
	v, err := m.vaultForCollateral(asset, collateralID)
	if err != nil {
		return err
	}
	if v.Owner != from {
		return fmt.Errorf("state: collateral not held by %x", from)
	}
	v.Owner = to
	return m.VaultPut(v)
}

// CollateralLocked reports whether the container backs an unresolved loan.
func (m *Manager) CollateralLocked(asset [20]byte, collateralID *big.Int) (bool, error) {
	_, ok, err := m.get(m.collateralKey(lockPrefix, asset, collateralID))
	return ok, err
}

// CollateralLock marks the container as pledged to a loan.
func (m *Manager) CollateralLock(asset [20]byte, collateralID *big.Int, loanID uint64) error {
	encoded, err := rlp.EncodeToBytes(loanID)
	if err != nil {
		return err
	}
	return m.db.Put(m.collateralKey(lockPrefix, asset, collateralID), encoded)
}

// CollateralUnlock clears the pledge mark.
func (m *Manager) CollateralUnlock(asset [20]byte, collateralID *big.Int) error {
	return m.db.Delete(m.collateralKey(lockPrefix, asset, collateralID))
}

// CollateralHoldings resolves a container's holdings for predicate checks.
func (m *Manager) CollateralHoldings(asset [20]byte, collateralID *big.Int) (predicate.HoldingsView, error) {
	v, err := m.vaultForCollateral(asset, collateralID)
	if err != nil {
		return nil, err
	}
	return v.Clone(), nil
}

type lockView struct {
	m *Manager
}

func (lv lockView) CollateralLocked(vaultID uint64) (bool, error) {
	return lv.m.CollateralLocked(lv.m.vaultAsset, new(big.Int).SetUint64(vaultID))
}

// VaultLockView adapts the collateral lock records to the vault engine's
// container-keyed view.
func (m *Manager) VaultLockView() vault.LockView {
	return lockView{m: m}
}

// --- nonces ---

func nonceKey(signer [20]byte, nonce uint64) []byte {
	return prefixedKey(noncePrefix, signer[:], uint64Bytes(nonce))
}

// NonceUsed reports whether the (signer, nonce) pair has been consumed.
func (m *Manager) NonceUsed(signer [20]byte, nonce uint64) (bool, error) {
	_, ok, err := m.get(nonceKey(signer, nonce))
	return ok, err
}

// NonceMarkUsed records the (signer, nonce) pair as consumed. Atomicity of
// check-and-set is owned by the nonce ledger's mutex.
func (m *Manager) NonceMarkUsed(signer [20]byte, nonce uint64) error {
	return m.db.Put(nonceKey(signer, nonce), []byte{0x01})
}

// --- delegate approvals ---

func approvalKey(owner, delegate [20]byte, role string) []byte {
	return prefixedKey(approvalPrefix, owner[:], delegate[:], []byte(role))
}

// ApprovalGet reports whether delegate holds the given approval from owner.
func (m *Manager) ApprovalGet(owner, delegate [20]byte, role string) (bool, error) {
	_, ok, err := m.get(approvalKey(owner, delegate, role))
	return ok, err
}

// ApprovalPut records or clears a delegate approval.
func (m *Manager) ApprovalPut(owner, delegate [20]byte, role string, approved bool) error {
	key := approvalKey(owner, delegate, role)
	if !approved {
		return m.db.Delete(key)
	}
	return m.db.Put(key, []byte{0x01})
}

// --- fungible balances ---

func balanceKey(asset, addr [20]byte) []byte {
	return prefixedKey(balancePrefix, asset[:], addr[:])
}

// BalanceOf returns the account's balance of a fungible asset.
func (m *Manager) BalanceOf(asset, addr [20]byte) (*big.Int, error) {
	data, ok, err := m.get(balanceKey(asset, addr))
	if err != nil || !ok {
		return big.NewInt(0), err
	}
	return new(big.Int).SetBytes(data), nil
}

// SetBalance overwrites the account's balance of a fungible asset.
func (m *Manager) SetBalance(asset, addr [20]byte, amount *big.Int) error {
	if amount == nil || amount.Sign() < 0 {
		return fmt.Errorf("state: balance must be non-negative")
	}
	return m.db.Put(balanceKey(asset, addr), amount.Bytes())
}

// Credit adds to the account's balance of a fungible asset.
func (m *Manager) Credit(asset, addr [20]byte, amount *big.Int) error {
	if amount == nil || amount.Sign() < 0 {
		return fmt.Errorf("state: credit must be non-negative")
	}
	balance, err := m.BalanceOf(asset, addr)
	if err != nil {
		return err
	}
	return m.SetBalance(asset, addr, new(big.Int).Add(balance, amount))
}

// --- retained fees ---

// FeeBalance returns the protocol's retained fee balance for a currency.
func (m *Manager) FeeBalance(currency [20]byte) (*big.Int, error) {
	data, ok, err := m.get(prefixedKey(feePrefix, currency[:]))
	if err != nil || !ok {
		return big.NewInt(0), err
	}
	return new(big.Int).SetBytes(data), nil
}

// SetFeeBalance overwrites the retained fee balance for a currency.
func (m *Manager) SetFeeBalance(currency [20]byte, amount *big.Int) error {
	if amount == nil || amount.Sign() < 0 {
		return fmt.Errorf("state: fee balance must be non-negative")
	}
	return m.db.Put(prefixedKey(feePrefix, currency[:]), amount.Bytes())
}

// --- roles ---

func roleKey(role string) []byte {
	return prefixedKey(rolePrefix, []byte(role))
}

func (m *Manager) roleMembers(role string) ([][20]byte, error) {
	data, ok, err := m.get(roleKey(role))
	if err != nil || !ok {
		return nil, err
	}
	var members [][20]byte
	if err := rlp.DecodeBytes(data, &members); err != nil {
		return nil, err
	}
	return members, nil
}

func (m *Manager) writeRoleMembers(role string, members [][20]byte) error {
	encoded, err := rlp.EncodeToBytes(members)
	if err != nil {
		return err
	}
	return m.db.Put(roleKey(role), encoded)
}

// HasRole reports whether the address is associated with the role.
func (m *Manager) HasRole(role string, addr [20]byte) bool {
	members, err := m.roleMembers(role)
	if err != nil {
		return false
	}
	for _, member := range members {
		if member == addr {
			return true
		}
	}
	return false
}

// GrantRole associates the address with the role. Granting twice is a no-op.
func (m *Manager) GrantRole(role string, addr [20]byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	members, err := m.roleMembers(role)
	if err != nil {
		return err
	}
	for _, member := range members {
		if member == addr {
			return nil
		}
	}
	return m.writeRoleMembers(role, append(members, addr))
}

// RevokeRole removes the address from the role.
func (m *Manager) RevokeRole(role string, addr [20]byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	members, err := m.roleMembers(role)
	if err != nil {
		return err
	}
	kept := members[:0]
	for _, member := range members {
		if member != addr {
			kept = append(kept, member)
		}
	}
	return m.writeRoleMembers(role, kept)
}

// --- module pauses ---

func pauseKey(module string) []byte {
	return prefixedKey(pausePrefix, []byte(module))
}

// IsPaused reports whether the module's mutations are blocked. Satisfies the
// native pause guard view.
func (m *Manager) IsPaused(module string) bool {
	_, ok, err := m.get(pauseKey(module))
	if err != nil {
		return false
	}
	return ok
}

// SetPaused toggles the module pause switch.
func (m *Manager) SetPaused(module string, paused bool) error {
	key := pauseKey(module)
	if !paused {
		return m.db.Delete(key)
	}
	return m.db.Put(key, []byte{0x01})
}

// --- schema versioning ---

// CurrentSchemaVersion is the version this build reads and writes. Older
// stores are upgraded by explicit migrations at startup, never by implicit
// in-place reinterpretation.
const CurrentSchemaVersion uint64 = 1

var migrations = map[uint64]func(*Manager) error{
	// future: version n -> migration from n to n+1
}

// SchemaVersion returns the persisted schema version; zero means a fresh
// store.
func (m *Manager) SchemaVersion() (uint64, error) {
	data, ok, err := m.get(ethcrypto.Keccak256(schemaVersionKey))
	if err != nil || !ok {
		return 0, err
	}
	var version uint64
	if err := rlp.DecodeBytes(data, &version); err != nil {
		return 0, err
	}
	return version, nil
}

func (m *Manager) writeSchemaVersion(version uint64) error {
	encoded, err := rlp.EncodeToBytes(version)
	if err != nil {
		return err
	}
	return m.db.Put(ethcrypto.Keccak256(schemaVersionKey), encoded)
}

// Migrate upgrades the persisted schema to the current version, applying
// migration steps in order. Fresh stores are stamped directly.
func (m *Manager) Migrate() error {
	version, err := m.SchemaVersion()
	if err != nil {
		return err
	}
	if version > CurrentSchemaVersion {
		return fmt.Errorf("state: store schema v%d newer than supported v%d", version, CurrentSchemaVersion)
	}
	if version == 0 {
		return m.writeSchemaVersion(CurrentSchemaVersion)
	}
	for version < CurrentSchemaVersion {
		step, ok := migrations[version]
		if !ok {
			return fmt.Errorf("state: no migration from schema v%d", version)
		}
		if err := step(m); err != nil {
			return fmt.Errorf("state: migration from v%d: %w", version, err)
		}
		version++
		if err := m.writeSchemaVersion(version); err != nil {
			return err
		}
	}
	return nil
}
