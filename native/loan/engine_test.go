package loan

import (
	"errors"
	"fmt"
	"math/big"
	"testing"

	"loanvault/core/events"
	"loanvault/core/types"
)

var (
	custody   = [20]byte{0xcc}
	lender    = [20]byte{0x01}
	borrower  = [20]byte{0x02}
	origAddr  = [20]byte{0x03}
	stranger  = [20]byte{0x04}
	collAsset = [20]byte{0xaa}
	currency  = [20]byte{0xbb}
)

type balanceKey struct {
	asset [20]byte
	addr  [20]byte
}

type collKey struct {
	asset [20]byte
	id    string
}

type mockState struct {
	loans      map[uint64]*Loan
	notes      map[uint64]*Note
	owners     map[collKey][20]byte
	locks      map[collKey]uint64
	balances   map[balanceKey]*big.Int
	fees       map[[20]byte]*big.Int
	roles      map[string]map[[20]byte]bool
	nextLoanID uint64
	nextNoteID uint64
}

func newMockState() *mockState {
	return &mockState{
		loans:    make(map[uint64]*Loan),
		notes:    make(map[uint64]*Note),
		owners:   make(map[collKey][20]byte),
		locks:    make(map[collKey]uint64),
		balances: make(map[balanceKey]*big.Int),
		fees:     make(map[[20]byte]*big.Int),
		roles:    make(map[string]map[[20]byte]bool),
	}
}

func ckey(asset [20]byte, id *big.Int) collKey {
	return collKey{asset: asset, id: id.String()}
}

func (m *mockState) LoanGet(id uint64) (*Loan, bool, error) {
	l, ok := m.loans[id]
	if !ok {
		return nil, false, nil
	}
	return l.Clone(), true, nil
}

func (m *mockState) LoanPut(l *Loan) error {
	m.loans[l.ID] = l.Clone()
	return nil
}

func (m *mockState) NextLoanID() (uint64, error) {
	m.nextLoanID++
	return m.nextLoanID, nil
}

func (m *mockState) CollateralLocked(asset [20]byte, id *big.Int) (bool, error) {
	_, ok := m.locks[ckey(asset, id)]
	return ok, nil
}

func (m *mockState) CollateralLock(asset [20]byte, id *big.Int, loanID uint64) error {
	m.locks[ckey(asset, id)] = loanID
	return nil
}

func (m *mockState) CollateralUnlock(asset [20]byte, id *big.Int) error {
	delete(m.locks, ckey(asset, id))
	return nil
}

func (m *mockState) CollateralOwner(asset [20]byte, id *big.Int) ([20]byte, error) {
	owner, ok := m.owners[ckey(asset, id)]
	if !ok {
		return [20]byte{}, errors.New("mock: no such collateral")
	}
	return owner, nil
}

func (m *mockState) CollateralTransfer(asset [20]byte, id *big.Int, from, to [20]byte) error {
	key := ckey(asset, id)
	if m.owners[key] != from {
		return fmt.Errorf("mock: collateral not held by %x", from)
	}
	m.owners[key] = to
	return nil
}

func (m *mockState) NoteGet(id uint64) (*Note, bool, error) {
	n, ok := m.notes[id]
	if !ok {
		return nil, false, nil
	}
	clone := *n
	return &clone, true, nil
}

func (m *mockState) NotePut(n *Note) error {
	clone := *n
	m.notes[n.ID] = &clone
	return nil
}

func (m *mockState) NextNoteID() (uint64, error) {
	m.nextNoteID++
	return m.nextNoteID, nil
}

func (m *mockState) BalanceOf(asset, addr [20]byte) (*big.Int, error) {
	b, ok := m.balances[balanceKey{asset, addr}]
	if !ok {
		return big.NewInt(0), nil
	}
	return new(big.Int).Set(b), nil
}

func (m *mockState) SetBalance(asset, addr [20]byte, amount *big.Int) error {
	if amount.Sign() < 0 {
		return errors.New("mock: negative balance")
	}
	m.balances[balanceKey{asset, addr}] = new(big.Int).Set(amount)
	return nil
}

func (m *mockState) FeeBalance(c [20]byte) (*big.Int, error) {
	b, ok := m.fees[c]
	if !ok {
		return big.NewInt(0), nil
	}
	return new(big.Int).Set(b), nil
}

func (m *mockState) SetFeeBalance(c [20]byte, amount *big.Int) error {
	m.fees[c] = new(big.Int).Set(amount)
	return nil
}

func (m *mockState) HasRole(role string, addr [20]byte) bool {
	return m.roles[role][addr]
}

func (m *mockState) grant(role string, addr [20]byte) {
	if m.roles[role] == nil {
		m.roles[role] = make(map[[20]byte]bool)
	}
	m.roles[role][addr] = true
}

type mockNonces struct {
	used   map[string]bool
	failed bool
}

func newMockNonces() *mockNonces {
	return &mockNonces{used: make(map[string]bool)}
}

func (m *mockNonces) Consume(caller, signer [20]byte, nonce uint64) error {
	key := fmt.Sprintf("%x:%d", signer, nonce)
	if m.used[key] {
		return errors.New("mock: nonce used")
	}
	m.used[key] = true
	return nil
}

type capturingEmitter struct {
	events []*types.Event
}

func (c *capturingEmitter) Emit(evt events.Event) {
	if le, ok := evt.(loanEvent); ok {
		c.events = append(c.events, le.evt)
	}
}

func (c *capturingEmitter) last() *types.Event {
	if len(c.events) == 0 {
		return nil
	}
	return c.events[len(c.events)-1]
}

type pauseMap map[string]bool

func (p pauseMap) IsPaused(module string) bool { return p[module] }

type fixture struct {
	engine *Engine
	state  *mockState
	nonces *mockNonces
	events *capturingEmitter
	now    int64
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		state:  newMockState(),
		nonces: newMockNonces(),
		events: &capturingEmitter{},
		now:    1_700_000_000,
	}
	f.engine = NewEngine(custody)
	f.engine.SetState(f.state)
	f.engine.SetNonces(f.nonces)
	f.engine.SetEmitter(f.events)
	f.engine.SetNowFunc(func() int64 { return f.now })
	f.engine.SetFeePolicy(FeePolicy{Bps: 0})

	f.state.grant(RoleOriginator, origAddr)
	f.state.owners[ckey(collAsset, big.NewInt(1))] = borrower
	return f
}

func baseTerms() *Terms {
	return &Terms{
		DurationSeconds:   86400,
		Principal:         big.NewInt(10_000),
		InterestRate:      big.NewInt(0),
		CollateralAddress: collAsset,
		CollateralID:      big.NewInt(1),
		PayableCurrency:   currency,
		SignatureDeadline: 1_700_003_600,
	}
}

func (f *fixture) fund(addr [20]byte, amount int64) {
	f.state.balances[balanceKey{currency, addr}] = big.NewInt(amount)
}

func (f *fixture) start(t *testing.T) *Loan {
	t.Helper()
	f.fund(lender, 10_000)
	l, err := f.engine.StartLoan(origAddr, lender, borrower, baseTerms(), borrower, 1)
	if err != nil {
		t.Fatalf("start loan: %v", err)
	}
	return l
}

func (f *fixture) balance(addr [20]byte) *big.Int {
	b, _ := f.state.BalanceOf(currency, addr)
	return b
}

func TestStartLoanHappyPath(t *testing.T) {
	f := newFixture(t)
	l := f.start(t)

	if l.State != StateActive {
		t.Fatalf("state = %v", l.State)
	}
	if l.ID != 1 {
		t.Fatalf("loan id = %d", l.ID)
	}
	if l.StartTimestamp != f.now {
		t.Fatalf("start timestamp = %d", l.StartTimestamp)
	}
	if got := f.balance(lender); got.Sign() != 0 {
		t.Fatalf("lender balance = %s", got)
	}
	if got := f.balance(borrower); got.Cmp(big.NewInt(10_000)) != 0 {
		t.Fatalf("borrower balance = %s", got)
	}
	if owner := f.state.owners[ckey(collAsset, big.NewInt(1))]; owner != custody {
		t.Fatalf("collateral owner = %x", owner)
	}
	if _, locked := f.state.locks[ckey(collAsset, big.NewInt(1))]; !locked {
		t.Fatal("collateral not locked")
	}
	bn := f.state.notes[l.BorrowerNote]
	ln := f.state.notes[l.LenderNote]
	if bn == nil || bn.Owner != borrower || bn.Kind != BorrowerNote {
		t.Fatalf("borrower note = %+v", bn)
	}
	if ln == nil || ln.Owner != lender || ln.Kind != LenderNote {
		t.Fatalf("lender note = %+v", ln)
	}
	if evt := f.events.last(); evt == nil || evt.Type != EventTypeLoanStarted {
		t.Fatalf("event = %+v", evt)
	}
}

func TestStartLoanFeeSplit(t *testing.T) {
	f := newFixture(t)
	f.engine.SetFeePolicy(FeePolicy{Bps: 50})
	f.start(t)

	// 50bp of 10000 is 50; borrower receives the remainder
	if got := f.balance(borrower); got.Cmp(big.NewInt(9_950)) != 0 {
		t.Fatalf("borrower balance = %s", got)
	}
	fee, _ := f.state.FeeBalance(currency)
	if fee.Cmp(big.NewInt(50)) != 0 {
		t.Fatalf("fee balance = %s", fee)
	}
	// conservation: disbursed + fee = principal
	total := new(big.Int).Add(f.balance(borrower), fee)
	if total.Cmp(big.NewInt(10_000)) != 0 {
		t.Fatalf("principal not conserved: %s", total)
	}
}

func TestStartLoanFeeFloors(t *testing.T) {
	f := newFixture(t)
	f.engine.SetFeePolicy(FeePolicy{Bps: 33})
	f.state.owners[ckey(collAsset, big.NewInt(1))] = borrower
	f.fund(lender, 101)

	terms := baseTerms()
	terms.Principal = big.NewInt(101)
	l, err := f.engine.StartLoan(origAddr, lender, borrower, terms, borrower, 1)
	if err != nil {
		t.Fatalf("start loan: %v", err)
	}
	_ = l
	// floor(101 * 33 / 10000) = 0; the whole principal reaches the borrower
	if got := f.balance(borrower); got.Cmp(big.NewInt(101)) != 0 {
		t.Fatalf("borrower balance = %s", got)
	}
}

func TestStartLoanRejectsNonOriginator(t *testing.T) {
	f := newFixture(t)
	f.fund(lender, 10_000)
	if _, err := f.engine.StartLoan(stranger, lender, borrower, baseTerms(), borrower, 1); !errors.Is(err, ErrNotOriginator) {
		t.Fatalf("err = %v", err)
	}
}

func TestStartLoanRejectsZeroDuration(t *testing.T) {
	f := newFixture(t)
	f.fund(lender, 10_000)
	terms := baseTerms()
	terms.DurationSeconds = 0
	if _, err := f.engine.StartLoan(origAddr, lender, borrower, terms, borrower, 1); !errors.Is(err, ErrLoanDuration) {
		t.Fatalf("err = %v", err)
	}
}

func TestStartLoanRejectsLowPrincipal(t *testing.T) {
	f := newFixture(t)
	f.engine.SetMinPrincipal(big.NewInt(50_000))
	f.fund(lender, 10_000)
	if _, err := f.engine.StartLoan(origAddr, lender, borrower, baseTerms(), borrower, 1); !errors.Is(err, ErrPrincipalTooLow) {
		t.Fatalf("err = %v", err)
	}
}

func TestStartLoanRejectsPledgedCollateral(t *testing.T) {
	f := newFixture(t)
	f.start(t)

	f.fund(lender, 10_000)
	_, err := f.engine.StartLoan(origAddr, lender, borrower, baseTerms(), borrower, 2)
	if !errors.Is(err, ErrCollateralInUse) {
		t.Fatalf("err = %v", err)
	}
}

func TestStartLoanFailureDoesNotBurnNonce(t *testing.T) {
	f := newFixture(t)
	// lender unfunded, start must fail after all other checks
	_, err := f.engine.StartLoan(origAddr, lender, borrower, baseTerms(), borrower, 7)
	if err == nil {
		t.Fatal("expected error")
	}
	if len(f.nonces.used) != 0 {
		t.Fatalf("nonce burned on failed start: %v", f.nonces.used)
	}
}

func TestStartLoanPaused(t *testing.T) {
	f := newFixture(t)
	f.engine.SetPauses(pauseMap{moduleName: true})
	f.fund(lender, 10_000)
	if _, err := f.engine.StartLoan(origAddr, lender, borrower, baseTerms(), borrower, 1); err == nil {
		t.Fatal("expected pause error")
	}
	if len(f.nonces.used) != 0 {
		t.Fatal("nonce burned while paused")
	}
}

func TestRepayHappyPath(t *testing.T) {
	f := newFixture(t)
	l := f.start(t)

	f.fund(borrower, 10_000)
	total, err := f.engine.Repay(borrower, l.ID)
	if err != nil {
		t.Fatalf("repay: %v", err)
	}
	if total.Cmp(big.NewInt(10_000)) != 0 {
		t.Fatalf("total = %s", total)
	}
	if got := f.balance(lender); got.Cmp(big.NewInt(10_000)) != 0 {
		t.Fatalf("lender balance = %s", got)
	}
	if owner := f.state.owners[ckey(collAsset, big.NewInt(1))]; owner != borrower {
		t.Fatalf("collateral owner = %x", owner)
	}
	if _, locked := f.state.locks[ckey(collAsset, big.NewInt(1))]; locked {
		t.Fatal("collateral still locked")
	}
	if f.state.loans[l.ID].State != StateRepaid {
		t.Fatalf("state = %v", f.state.loans[l.ID].State)
	}
}

func TestRepayChargesInterest(t *testing.T) {
	f := newFixture(t)
	f.fund(lender, 10_000)
	terms := baseTerms()
	// 1% fixed-point rate
	terms.InterestRate = new(big.Int).Div(InterestDenominator, big.NewInt(100))
	l, err := f.engine.StartLoan(origAddr, lender, borrower, terms, borrower, 1)
	if err != nil {
		t.Fatalf("start loan: %v", err)
	}

	f.fund(borrower, 10_100)
	total, err := f.engine.Repay(borrower, l.ID)
	if err != nil {
		t.Fatalf("repay: %v", err)
	}
	if total.Cmp(big.NewInt(10_100)) != 0 {
		t.Fatalf("total = %s", total)
	}
}

func TestRepayRejectsUnderfundedPayer(t *testing.T) {
	f := newFixture(t)
	f.fund(lender, 10_000)
	terms := baseTerms()
	// 1% fixed-point rate, total owed 10_100
	terms.InterestRate = new(big.Int).Div(InterestDenominator, big.NewInt(100))
	l, err := f.engine.StartLoan(origAddr, lender, borrower, terms, borrower, 1)
	if err != nil {
		t.Fatalf("start loan: %v", err)
	}

	f.fund(borrower, 10_099)
	if _, err := f.engine.Repay(borrower, l.ID); !errors.Is(err, errInsufficientBalance) {
		t.Fatalf("err = %v", err)
	}
	if f.state.loans[l.ID].State != StateActive {
		t.Fatalf("state = %v", f.state.loans[l.ID].State)
	}
	if got := f.balance(borrower); got.Cmp(big.NewInt(10_099)) != 0 {
		t.Fatalf("borrower balance = %s", got)
	}
	if owner := f.state.owners[ckey(collAsset, big.NewInt(1))]; owner != custody {
		t.Fatalf("collateral owner = %x", owner)
	}
	if _, locked := f.state.locks[ckey(collAsset, big.NewInt(1))]; !locked {
		t.Fatal("collateral no longer locked")
	}

	// topping up the shortfall settles normally
	f.fund(borrower, 10_100)
	if _, err := f.engine.Repay(borrower, l.ID); err != nil {
		t.Fatalf("repay after funding: %v", err)
	}
}

func TestRepayRequiresBorrowerNoteOrRole(t *testing.T) {
	f := newFixture(t)
	l := f.start(t)

	f.fund(stranger, 10_000)
	if _, err := f.engine.Repay(stranger, l.ID); !errors.Is(err, ErrNotRepayer) {
		t.Fatalf("err = %v", err)
	}

	f.state.grant(RoleRepayer, stranger)
	if _, err := f.engine.Repay(stranger, l.ID); err != nil {
		t.Fatalf("repay with role: %v", err)
	}
}

func TestRepayFollowsNoteTransfers(t *testing.T) {
	f := newFixture(t)
	l := f.start(t)

	newLender := [20]byte{0x05}
	newBorrower := [20]byte{0x06}
	if err := f.engine.TransferNote(lender, l.LenderNote, newLender); err != nil {
		t.Fatalf("transfer lender note: %v", err)
	}
	if err := f.engine.TransferNote(borrower, l.BorrowerNote, newBorrower); err != nil {
		t.Fatalf("transfer borrower note: %v", err)
	}

	f.fund(newBorrower, 10_000)
	if _, err := f.engine.Repay(newBorrower, l.ID); err != nil {
		t.Fatalf("repay: %v", err)
	}
	if got := f.balance(newLender); got.Cmp(big.NewInt(10_000)) != 0 {
		t.Fatalf("new lender balance = %s", got)
	}
	if owner := f.state.owners[ckey(collAsset, big.NewInt(1))]; owner != newBorrower {
		t.Fatalf("collateral owner = %x", owner)
	}
}

func TestRepayRejectsSettledLoan(t *testing.T) {
	f := newFixture(t)
	l := f.start(t)

	f.fund(borrower, 20_000)
	if _, err := f.engine.Repay(borrower, l.ID); err != nil {
		t.Fatalf("repay: %v", err)
	}
	if _, err := f.engine.Repay(borrower, l.ID); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("second repay err = %v", err)
	}
}

func TestClaimStrictlyAfterExpiry(t *testing.T) {
	f := newFixture(t)
	l := f.start(t)

	// at the due instant the loan is still repayable
	f.now = l.DueAt()
	if err := f.engine.Claim(lender, l.ID); !errors.Is(err, ErrNotExpired) {
		t.Fatalf("err at due instant = %v", err)
	}

	f.now = l.DueAt() + 1
	if err := f.engine.Claim(lender, l.ID); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if owner := f.state.owners[ckey(collAsset, big.NewInt(1))]; owner != lender {
		t.Fatalf("collateral owner = %x", owner)
	}
	if f.state.loans[l.ID].State != StateClaimed {
		t.Fatalf("state = %v", f.state.loans[l.ID].State)
	}
}

func TestClaimRequiresLenderNote(t *testing.T) {
	f := newFixture(t)
	l := f.start(t)
	f.now = l.DueAt() + 1

	if err := f.engine.Claim(stranger, l.ID); !errors.Is(err, ErrOnlyLender) {
		t.Fatalf("err = %v", err)
	}
}

func TestClaimRejectsRepaidLoan(t *testing.T) {
	f := newFixture(t)
	l := f.start(t)

	f.fund(borrower, 10_000)
	if _, err := f.engine.Repay(borrower, l.ID); err != nil {
		t.Fatalf("repay: %v", err)
	}
	f.now = l.DueAt() + 1
	if err := f.engine.Claim(lender, l.ID); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("err = %v", err)
	}
}

func TestClaimFees(t *testing.T) {
	f := newFixture(t)
	f.engine.SetFeePolicy(FeePolicy{Bps: 50})
	f.start(t)

	claimer := [20]byte{0x07}
	if _, err := f.engine.ClaimFees(claimer, currency); !errors.Is(err, ErrNotFeeClaimer) {
		t.Fatalf("err = %v", err)
	}

	f.state.grant(RoleFeeClaimer, claimer)
	swept, err := f.engine.ClaimFees(claimer, currency)
	if err != nil {
		t.Fatalf("claim fees: %v", err)
	}
	if swept.Cmp(big.NewInt(50)) != 0 {
		t.Fatalf("swept = %s", swept)
	}
	if got := f.balance(claimer); got.Cmp(big.NewInt(50)) != 0 {
		t.Fatalf("claimer balance = %s", got)
	}

	// second sweep finds nothing
	swept, err = f.engine.ClaimFees(claimer, currency)
	if err != nil {
		t.Fatalf("second claim: %v", err)
	}
	if swept.Sign() != 0 {
		t.Fatalf("second sweep = %s", swept)
	}
}

func TestClaimFeesAcceptsAdminRole(t *testing.T) {
	f := newFixture(t)
	f.engine.SetFeePolicy(FeePolicy{Bps: 50})
	f.start(t)

	admin := [20]byte{0x08}
	f.state.grant(RoleAdmin, admin)
	swept, err := f.engine.ClaimFees(admin, currency)
	if err != nil {
		t.Fatalf("claim fees: %v", err)
	}
	if swept.Cmp(big.NewInt(50)) != 0 {
		t.Fatalf("swept = %s", swept)
	}
	if got := f.balance(admin); got.Cmp(big.NewInt(50)) != 0 {
		t.Fatalf("admin balance = %s", got)
	}
}

func TestTransferNoteChecks(t *testing.T) {
	f := newFixture(t)
	l := f.start(t)

	if err := f.engine.TransferNote(stranger, l.LenderNote, stranger); !errors.Is(err, ErrNotNoteOwner) {
		t.Fatalf("err = %v", err)
	}
	if err := f.engine.TransferNote(lender, 999, stranger); !errors.Is(err, ErrNoteNotFound) {
		t.Fatalf("err = %v", err)
	}
	if err := f.engine.TransferNote(lender, l.LenderNote, [20]byte{}); !errors.Is(err, ErrNotNoteOwner) {
		t.Fatalf("zero recipient err = %v", err)
	}
}

func TestGetLoanUnknownReportsUninitialized(t *testing.T) {
	f := newFixture(t)
	l, err := f.engine.GetLoan(99)
	if err != nil {
		t.Fatalf("get loan: %v", err)
	}
	if l.State != StateUninitialized || l.ID != 99 {
		t.Fatalf("loan = %+v", l)
	}
}

func TestInterestOwedFixedPoint(t *testing.T) {
	cases := []struct {
		principal int64
		rate      *big.Int
		want      int64
	}{
		{100, new(big.Int).Set(InterestDenominator), 100},
		{100, new(big.Int).Div(InterestDenominator, big.NewInt(2)), 50},
		{100, big.NewInt(0), 0},
		{0, new(big.Int).Set(InterestDenominator), 0},
		// floor: 1 * 1e18/3 / 1e18 = 0
		{1, new(big.Int).Div(InterestDenominator, big.NewInt(3)), 0},
	}
	for i, tc := range cases {
		got := InterestOwed(big.NewInt(tc.principal), tc.rate)
		if got.Cmp(big.NewInt(tc.want)) != 0 {
			t.Fatalf("case %d: got %s want %d", i, got, tc.want)
		}
	}
}
