package gateway

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"

	"loanvault/core/state"
	"loanvault/crypto"
	"loanvault/native/auth"
	"loanvault/native/loan"
	"loanvault/native/nonce"
	"loanvault/native/origination"
	"loanvault/native/predicate"
	"loanvault/native/vault"
	"loanvault/storage"
)

var (
	testVaultAsset = [20]byte{0xaa}
	testCustody    = [20]byte{0xcc}
	testController = [20]byte{0xc0}
	testCurrency   = [20]byte{0x01}
)

type testStack struct {
	server   *httptest.Server
	manager  *state.Manager
	engine   *loan.Engine
	borrower *crypto.PrivateKey
	lender   *crypto.PrivateKey
	now      int64
}

func newTestStack(t *testing.T) *testStack {
	t.Helper()

	manager := state.NewManager(storage.NewMemDB(), testVaultAsset)
	require.NoError(t, manager.Migrate())

	ledger := nonce.NewLedger()
	ledger.SetState(manager)
	ledger.SetRoles(manager)

	authorizer := auth.NewAuthorizer(auth.Domain{
		Name:             "LoanVault",
		Version:          "2",
		ChainID:          1,
		VerifyingAddress: testController,
	})
	authorizer.SetState(manager)

	engine := loan.NewEngine(testCustody)
	engine.SetState(manager)
	engine.SetNonces(ledger)
	engine.SetPauses(manager)

	registry := predicate.NewRegistry()
	controller := origination.NewController(testController, authorizer, engine, registry, manager, ledger)
	require.NoError(t, manager.GrantRole(loan.RoleOriginator, testController))

	stack := &testStack{
		manager: manager,
		engine:  engine,
		now:     1_700_000_000,
	}
	engine.SetNowFunc(func() int64 { return stack.now })
	authorizer.SetNowFunc(func() int64 { return stack.now })

	var err error
	stack.borrower, err = crypto.GeneratePrivateKey()
	require.NoError(t, err)
	stack.lender, err = crypto.GeneratePrivateKey()
	require.NoError(t, err)

	srv := NewServer(engine, controller, ledger)
	stack.server = httptest.NewServer(srv.Handler())
	t.Cleanup(stack.server.Close)

	// borrower owns container 1; lender funds principal
	borrowerAddr := stack.borrower.PubKey().Address().Raw()
	require.NoError(t, manager.VaultPut(&vault.Vault{ID: 1, Owner: borrowerAddr}))
	require.NoError(t, manager.SetBalance(testCurrency, stack.lender.PubKey().Address().Raw(), big.NewInt(1_000_000)))

	return stack
}

func (s *testStack) signTerms(t *testing.T, terms *loan.Terms, nonceVal uint64) string {
	t.Helper()
	authorizer := auth.NewAuthorizer(auth.Domain{
		Name:             "LoanVault",
		Version:          "2",
		ChainID:          1,
		VerifyingAddress: testController,
	})
	digest, err := authorizer.TermsDigest(terms, nil, nonceVal, auth.SideBorrower)
	require.NoError(t, err)
	sig, err := ethcrypto.Sign(digest[:], s.borrower.PrivateKey)
	require.NoError(t, err)
	return "0x" + hex.EncodeToString(sig)
}

func (s *testStack) post(t *testing.T, path string, payload interface{}) *http.Response {
	t.Helper()
	body, err := json.Marshal(payload)
	require.NoError(t, err)
	resp, err := http.Post(s.server.URL+path, "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	return resp
}

func (s *testStack) defaultTerms() *loan.Terms {
	return &loan.Terms{
		DurationSeconds:   86400,
		Principal:         big.NewInt(10_000),
		InterestRate:      big.NewInt(0),
		CollateralAddress: testVaultAsset,
		CollateralID:      big.NewInt(1),
		PayableCurrency:   testCurrency,
		SignatureDeadline: s.now + 3600,
	}
}

func (s *testStack) startRequest(t *testing.T, terms *loan.Terms, nonceVal uint64) startLoanRequest {
	t.Helper()
	return startLoanRequest{
		Caller:    addrString(s.lender.PubKey().Address().Raw()),
		Borrower:  addrString(s.borrower.PubKey().Address().Raw()),
		Lender:    addrString(s.lender.PubKey().Address().Raw()),
		Terms:     termsToDTO(terms),
		Signature: s.signTerms(t, terms, nonceVal),
		Nonce:     nonceVal,
		Side:      "borrower",
	}
}

func addrString(raw [20]byte) string {
	return crypto.NewAddress(crypto.LoanPrefix, raw[:]).String()
}

func termsToDTO(t *loan.Terms) termsDTO {
	return termsDTO{
		DurationSeconds:   t.DurationSeconds,
		Principal:         t.Principal.String(),
		InterestRate:      t.InterestRate.String(),
		CollateralAddress: addrString(t.CollateralAddress),
		CollateralID:      t.CollateralID.String(),
		PayableCurrency:   addrString(t.PayableCurrency),
		SignatureDeadline: t.SignatureDeadline,
	}
}

func TestHealthz(t *testing.T) {
	s := newTestStack(t)
	resp, err := http.Get(s.server.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestStartAndGetLoan(t *testing.T) {
	s := newTestStack(t)
	terms := s.defaultTerms()

	resp := s.post(t, "/v1/loans", s.startRequest(t, terms, 1))
	defer resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var created loanDTO
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&created))
	require.Equal(t, "active", created.State)
	require.Equal(t, "10000", created.Terms.Principal)

	get, err := http.Get(fmt.Sprintf("%s/v1/loans/%d", s.server.URL, created.ID))
	require.NoError(t, err)
	defer get.Body.Close()
	require.Equal(t, http.StatusOK, get.StatusCode)

	var fetched loanDTO
	require.NoError(t, json.NewDecoder(get.Body).Decode(&fetched))
	require.Equal(t, created.ID, fetched.ID)
	require.Equal(t, created.StartTimestamp+int64(terms.DurationSeconds), fetched.DueAt)
}

func TestGetLoanNotFound(t *testing.T) {
	s := newTestStack(t)
	resp, err := http.Get(s.server.URL + "/v1/loans/42")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestReplayedNonceConflicts(t *testing.T) {
	s := newTestStack(t)

	resp := s.post(t, "/v1/loans", s.startRequest(t, s.defaultTerms(), 1))
	resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	// second container so only the nonce collides
	require.NoError(t, s.manager.VaultPut(&vault.Vault{ID: 2, Owner: s.borrower.PubKey().Address().Raw()}))
	terms := s.defaultTerms()
	terms.CollateralID = big.NewInt(2)

	resp = s.post(t, "/v1/loans", s.startRequest(t, terms, 1))
	defer resp.Body.Close()
	require.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestBadSignatureRejected(t *testing.T) {
	s := newTestStack(t)
	req := s.startRequest(t, s.defaultTerms(), 1)
	req.Signature = "0x" + hex.EncodeToString(make([]byte, 65))

	resp := s.post(t, "/v1/loans", req)
	defer resp.Body.Close()
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestRepayFlow(t *testing.T) {
	s := newTestStack(t)
	borrowerAddr := s.borrower.PubKey().Address().Raw()

	resp := s.post(t, "/v1/loans", s.startRequest(t, s.defaultTerms(), 1))
	var created loanDTO
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&created))
	resp.Body.Close()

	// borrower needs the full repayment balance
	require.NoError(t, s.manager.SetBalance(testCurrency, borrowerAddr, big.NewInt(10_000)))

	repay := s.post(t, fmt.Sprintf("/v1/loans/%d/repay", created.ID), callerRequest{Caller: addrString(borrowerAddr)})
	defer repay.Body.Close()
	require.Equal(t, http.StatusOK, repay.StatusCode)

	var out map[string]string
	require.NoError(t, json.NewDecoder(repay.Body).Decode(&out))
	require.Equal(t, "10000", out["total"])
}

func TestClaimBeforeExpiryConflicts(t *testing.T) {
	s := newTestStack(t)

	resp := s.post(t, "/v1/loans", s.startRequest(t, s.defaultTerms(), 1))
	var created loanDTO
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&created))
	resp.Body.Close()

	claim := s.post(t, fmt.Sprintf("/v1/loans/%d/claim", created.ID), callerRequest{Caller: addrString(s.lender.PubKey().Address().Raw())})
	defer claim.Body.Close()
	require.Equal(t, http.StatusConflict, claim.StatusCode)
}

func TestNonceEndpoints(t *testing.T) {
	s := newTestStack(t)
	borrower := addrString(s.borrower.PubKey().Address().Raw())

	resp, err := http.Get(fmt.Sprintf("%s/v1/nonces/%s/5", s.server.URL, borrower))
	require.NoError(t, err)
	var used map[string]bool
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&used))
	resp.Body.Close()
	require.False(t, used["used"])

	cancel := s.post(t, "/v1/nonces/cancel", cancelNonceRequest{Caller: borrower, Nonce: 5})
	cancel.Body.Close()
	require.Equal(t, http.StatusOK, cancel.StatusCode)

	resp, err = http.Get(fmt.Sprintf("%s/v1/nonces/%s/5", s.server.URL, borrower))
	require.NoError(t, err)
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&used))
	resp.Body.Close()
	require.True(t, used["used"])
}

func TestPausedStartUnavailable(t *testing.T) {
	s := newTestStack(t)
	require.NoError(t, s.manager.SetPaused("loan", true))

	resp := s.post(t, "/v1/loans", s.startRequest(t, s.defaultTerms(), 1))
	defer resp.Body.Close()
	require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}
