package gateway

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"loanvault/native/auth"
	nativecommon "loanvault/native/common"
	"loanvault/native/loan"
	"loanvault/native/nonce"
	"loanvault/native/origination"
	"loanvault/native/predicate"
	"loanvault/native/vault"
)

const requestLimit = 1 << 20 // 1 MiB

// Server exposes the native engines over HTTP. It trusts its callers'
// identities; transport authentication sits in front of it.
type Server struct {
	engine     *loan.Engine
	controller *origination.Controller
	ledger     *nonce.Ledger
}

// NewServer wires the HTTP surface to the given engines.
func NewServer(engine *loan.Engine, controller *origination.Controller, ledger *nonce.Ledger) *Server {
	return &Server{engine: engine, controller: controller, ledger: ledger}
}

// Handler builds the route tree.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Route("/v1", func(r chi.Router) {
		r.Get("/loans/{id}", s.getLoan)
		r.Post("/loans", s.startLoan)
		r.Post("/loans/{id}/repay", s.repayLoan)
		r.Post("/loans/{id}/claim", s.claimLoan)
		r.Get("/nonces/{signer}/{nonce}", s.getNonce)
		r.Post("/nonces/cancel", s.cancelNonce)
		r.Post("/fees/claim", s.claimFees)
		r.Post("/notes/{id}/transfer", s.transferNote)
	})

	return r
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	body := http.MaxBytesReader(w, r.Body, requestLimit)
	dec := json.NewDecoder(body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return false
	}
	return true
}

func (s *Server) getLoan(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	record, err := s.engine.GetLoan(id)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	if record.State == loan.StateUninitialized {
		writeError(w, http.StatusNotFound, errors.New("loan not found"))
		return
	}
	writeJSON(w, http.StatusOK, loanToDTO(record))
}

func (s *Server) startLoan(w http.ResponseWriter, r *http.Request) {
	var req startLoanRequest
	if !s.decode(w, r, &req) {
		return
	}
	caller, terms, borrower, lender, sig, side, err := req.decode()
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	var predicates []predicate.Predicate
	if len(req.Predicates) > 0 {
		predicates, err = decodePredicates(req.Predicates)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
	}

	var record *loan.Loan
	switch {
	case req.Permit != nil && len(predicates) > 0:
		permitSig, perr := hexBytes(req.Permit.Signature)
		if perr != nil {
			writeError(w, http.StatusBadRequest, perr)
			return
		}
		record, err = s.controller.InitializeLoanWithCollateralPermitAndItems(
			caller, terms, borrower, lender, sig, req.Nonce, side,
			req.Permit.Deadline, permitSig, predicates)
	case req.Permit != nil:
		permitSig, perr := hexBytes(req.Permit.Signature)
		if perr != nil {
			writeError(w, http.StatusBadRequest, perr)
			return
		}
		record, err = s.controller.InitializeLoanWithCollateralPermit(
			caller, terms, borrower, lender, sig, req.Nonce, side,
			req.Permit.Deadline, permitSig)
	case len(predicates) > 0:
		record, err = s.controller.InitializeLoanWithItems(
			caller, terms, borrower, lender, sig, req.Nonce, side, predicates)
	default:
		record, err = s.controller.InitializeLoan(
			caller, terms, borrower, lender, sig, req.Nonce, side)
	}
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, loanToDTO(record))
}

func (s *Server) repayLoan(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	var req callerRequest
	if !s.decode(w, r, &req) {
		return
	}
	caller, err := decodeAddr(req.Caller)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	total, err := s.engine.Repay(caller, id)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"total": total.String()})
}

func (s *Server) claimLoan(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	var req callerRequest
	if !s.decode(w, r, &req) {
		return
	}
	caller, err := decodeAddr(req.Caller)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.engine.Claim(caller, id); err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "claimed"})
}

func (s *Server) getNonce(w http.ResponseWriter, r *http.Request) {
	signer, err := decodeAddr(chi.URLParam(r, "signer"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	nonceVal, err := parseID(chi.URLParam(r, "nonce"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	used, err := s.ledger.IsUsed(signer, nonceVal)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"used": used})
}

func (s *Server) cancelNonce(w http.ResponseWriter, r *http.Request) {
	var req cancelNonceRequest
	if !s.decode(w, r, &req) {
		return
	}
	caller, err := decodeAddr(req.Caller)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.controller.CancelNonce(caller, req.Nonce); err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"cancelled": true})
}

func (s *Server) claimFees(w http.ResponseWriter, r *http.Request) {
	var req claimFeesRequest
	if !s.decode(w, r, &req) {
		return
	}
	caller, err := decodeAddr(req.Caller)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	currency, err := decodeAddr(req.Currency)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	amount, err := s.engine.ClaimFees(caller, currency)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"amount": amount.String()})
}

func (s *Server) transferNote(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	var req transferNoteRequest
	if !s.decode(w, r, &req) {
		return
	}
	caller, err := decodeAddr(req.Caller)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	to, err := decodeAddr(req.To)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.engine.TransferNote(caller, id, to); err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"transferred": true})
}

func writeEngineError(w http.ResponseWriter, err error) {
	writeError(w, statusFor(err), err)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, loan.ErrNoteNotFound),
		errors.Is(err, vault.ErrVaultNotFound):
		return http.StatusNotFound
	case errors.Is(err, loan.ErrNotOriginator),
		errors.Is(err, loan.ErrNotRepayer),
		errors.Is(err, loan.ErrNotFeeClaimer),
		errors.Is(err, loan.ErrOnlyLender),
		errors.Is(err, loan.ErrNotNoteOwner),
		errors.Is(err, nonce.ErrNotAuthorized),
		errors.Is(err, nonce.ErrNotSigner):
		return http.StatusForbidden
	case errors.Is(err, auth.ErrInvalidSignature),
		errors.Is(err, auth.ErrSignatureExpired),
		errors.Is(err, auth.ErrCallerNotParticipant),
		errors.Is(err, auth.ErrNotCollateralOwner),
		errors.Is(err, auth.ErrPermitExpired):
		return http.StatusUnauthorized
	case errors.Is(err, nonce.ErrNonceUsed),
		errors.Is(err, loan.ErrCollateralInUse),
		errors.Is(err, loan.ErrInvalidState),
		errors.Is(err, loan.ErrNotExpired),
		errors.Is(err, vault.ErrVaultLocked):
		return http.StatusConflict
	case errors.Is(err, nativecommon.ErrModulePaused):
		return http.StatusServiceUnavailable
	case errors.Is(err, loan.ErrPrincipalTooLow),
		errors.Is(err, loan.ErrLoanDuration),
		errors.Is(err, origination.ErrPredicatesArrayEmpty),
		errors.Is(err, origination.ErrPredicateFailed),
		errors.Is(err, predicate.ErrInvalidVerifier):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
