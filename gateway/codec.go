package gateway

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"strconv"
	"strings"

	"loanvault/crypto"
	"loanvault/native/auth"
	"loanvault/native/loan"
	"loanvault/native/predicate"
)

type termsDTO struct {
	DurationSeconds   uint64 `json:"durationSeconds"`
	Principal         string `json:"principal"`
	InterestRate      string `json:"interestRate"`
	CollateralAddress string `json:"collateralAddress"`
	CollateralID      string `json:"collateralId"`
	PayableCurrency   string `json:"payableCurrency"`
	NumInstallments   uint32 `json:"numInstallments,omitempty"`
	SignatureDeadline int64  `json:"signatureDeadline"`
}

type itemDTO struct {
	Kind      uint8  `json:"kind"`
	Asset     string `json:"asset"`
	TokenID   string `json:"tokenId,omitempty"`
	MinAmount string `json:"minAmount,omitempty"`
}

type predicateDTO struct {
	Verifier string    `json:"verifier"`
	Items    []itemDTO `json:"items"`
}

type permitDTO struct {
	Deadline  int64  `json:"deadline"`
	Signature string `json:"signature"`
}

type startLoanRequest struct {
	Caller     string         `json:"caller"`
	Borrower   string         `json:"borrower"`
	Lender     string         `json:"lender"`
	Terms      termsDTO       `json:"terms"`
	Signature  string         `json:"signature"`
	Nonce      uint64         `json:"nonce"`
	Side       string         `json:"side"`
	Predicates []predicateDTO `json:"predicates,omitempty"`
	Permit     *permitDTO     `json:"permit,omitempty"`
}

type callerRequest struct {
	Caller string `json:"caller"`
}

type cancelNonceRequest struct {
	Caller string `json:"caller"`
	Nonce  uint64 `json:"nonce"`
}

type claimFeesRequest struct {
	Caller   string `json:"caller"`
	Currency string `json:"currency"`
}

type transferNoteRequest struct {
	Caller string `json:"caller"`
	To     string `json:"to"`
}

type loanDTO struct {
	ID             uint64   `json:"id"`
	State          string   `json:"state"`
	Terms          termsDTO `json:"terms"`
	BorrowerNote   uint64   `json:"borrowerNote"`
	LenderNote     uint64   `json:"lenderNote"`
	StartTimestamp int64    `json:"startTimestamp"`
	DueAt          int64    `json:"dueAt"`
}

func (r *startLoanRequest) decode() (caller [20]byte, terms *loan.Terms, borrower, lender [20]byte, sig []byte, side auth.Side, err error) {
	caller, err = decodeAddr(r.Caller)
	if err != nil {
		return
	}
	borrower, err = decodeAddr(r.Borrower)
	if err != nil {
		return
	}
	lender, err = decodeAddr(r.Lender)
	if err != nil {
		return
	}
	terms, err = decodeTerms(r.Terms)
	if err != nil {
		return
	}
	sig, err = hexBytes(r.Signature)
	if err != nil {
		return
	}
	side, err = decodeSide(r.Side)
	return
}

func decodeTerms(dto termsDTO) (*loan.Terms, error) {
	principal, err := decodeBig(dto.Principal, "principal")
	if err != nil {
		return nil, err
	}
	rate, err := decodeBig(dto.InterestRate, "interestRate")
	if err != nil {
		return nil, err
	}
	collateralID, err := decodeBig(dto.CollateralID, "collateralId")
	if err != nil {
		return nil, err
	}
	collateral, err := decodeAddr(dto.CollateralAddress)
	if err != nil {
		return nil, err
	}
	currency, err := decodeAddr(dto.PayableCurrency)
	if err != nil {
		return nil, err
	}
	return &loan.Terms{
		DurationSeconds:   dto.DurationSeconds,
		Principal:         principal,
		InterestRate:      rate,
		CollateralAddress: collateral,
		CollateralID:      collateralID,
		PayableCurrency:   currency,
		NumInstallments:   dto.NumInstallments,
		SignatureDeadline: dto.SignatureDeadline,
	}, nil
}

func decodePredicates(dtos []predicateDTO) ([]predicate.Predicate, error) {
	out := make([]predicate.Predicate, 0, len(dtos))
	for i, p := range dtos {
		verifier, err := decodeAddr(p.Verifier)
		if err != nil {
			return nil, fmt.Errorf("predicate %d: %w", i, err)
		}
		items := make([]predicate.Item, 0, len(p.Items))
		for j, it := range p.Items {
			asset, err := decodeAddr(it.Asset)
			if err != nil {
				return nil, fmt.Errorf("predicate %d item %d: %w", i, j, err)
			}
			item := predicate.Item{Kind: predicate.ItemKind(it.Kind), Asset: asset}
			if strings.TrimSpace(it.TokenID) != "" {
				item.TokenID, err = decodeSignedBig(it.TokenID, "tokenId")
				if err != nil {
					return nil, fmt.Errorf("predicate %d item %d: %w", i, j, err)
				}
			}
			if strings.TrimSpace(it.MinAmount) != "" {
				item.MinAmount, err = decodeBig(it.MinAmount, "minAmount")
				if err != nil {
					return nil, fmt.Errorf("predicate %d item %d: %w", i, j, err)
				}
			}
			items = append(items, item)
		}
		out = append(out, predicate.Predicate{Verifier: verifier, Items: items})
	}
	return out, nil
}

func loanToDTO(l *loan.Loan) loanDTO {
	dto := loanDTO{
		ID:             l.ID,
		State:          l.State.String(),
		BorrowerNote:   l.BorrowerNote,
		LenderNote:     l.LenderNote,
		StartTimestamp: l.StartTimestamp,
		DueAt:          l.DueAt(),
	}
	if t := l.Terms; t != nil {
		dto.Terms = termsDTO{
			DurationSeconds:   t.DurationSeconds,
			Principal:         bigString(t.Principal),
			InterestRate:      bigString(t.InterestRate),
			CollateralAddress: encodeAddr(t.CollateralAddress),
			CollateralID:      bigString(t.CollateralID),
			PayableCurrency:   encodeAddr(t.PayableCurrency),
			NumInstallments:   t.NumInstallments,
			SignatureDeadline: t.SignatureDeadline,
		}
	}
	return dto
}

func decodeAddr(value string) ([20]byte, error) {
	decoded, err := crypto.DecodeAddress(strings.TrimSpace(value))
	if err != nil {
		return [20]byte{}, fmt.Errorf("address %q: %w", value, err)
	}
	return decoded.Raw(), nil
}

func encodeAddr(raw [20]byte) string {
	return crypto.NewAddress(crypto.LoanPrefix, raw[:]).String()
}

func decodeBig(value, field string) (*big.Int, error) {
	v, err := decodeSignedBig(value, field)
	if err != nil {
		return nil, err
	}
	if v.Sign() < 0 {
		return nil, fmt.Errorf("%s must be non-negative", field)
	}
	return v, nil
}

func decodeSignedBig(value, field string) (*big.Int, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return big.NewInt(0), nil
	}
	v, ok := new(big.Int).SetString(trimmed, 10)
	if !ok {
		return nil, fmt.Errorf("%s: invalid integer %q", field, value)
	}
	return v, nil
}

func decodeSide(value string) (auth.Side, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "borrower":
		return auth.SideBorrower, nil
	case "lender":
		return auth.SideLender, nil
	default:
		return 0, fmt.Errorf("side must be \"borrower\" or \"lender\"")
	}
}

func hexBytes(value string) ([]byte, error) {
	trimmed := strings.TrimPrefix(strings.TrimSpace(value), "0x")
	out, err := hex.DecodeString(trimmed)
	if err != nil {
		return nil, fmt.Errorf("invalid hex: %w", err)
	}
	return out, nil
}

func bigString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

func parseID(value string) (uint64, error) {
	id, err := strconv.ParseUint(value, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid identifier %q", value)
	}
	return id, nil
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
