package auth

import (
	"errors"
	"math/big"
	"time"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"loanvault/native/loan"
)

var (
	errNilState = errors.New("auth: state not configured")
	errNilTerms = errors.New("auth: terms required")

	// ErrInvalidSignature covers unrecoverable signatures, signers that are
	// neither the claimed counterparty nor its approved delegate, and
	// self-dealing submissions where the recovered signer is the opposite
	// counterparty.
	ErrInvalidSignature = errors.New("auth: invalid signature")
	// ErrSignatureExpired indicates current time exceeds the terms deadline.
	ErrSignatureExpired = errors.New("auth: signature expired")
	// ErrCallerNotParticipant indicates the submitting caller is neither
	// counterparty nor an approved originator delegate of one.
	ErrCallerNotParticipant = errors.New("auth: caller not a loan participant")
	// ErrSelfApprove rejects approving oneself as a delegate.
	ErrSelfApprove = errors.New("auth: cannot approve self")
	// ErrNotCollateralOwner indicates a collateral permit was not signed by
	// the collateral's owner. Distinct from loan-terms signature failures.
	ErrNotCollateralOwner = errors.New("auth: permit not signed by collateral owner")
	// ErrPermitExpired indicates a collateral permit deadline has passed.
	ErrPermitExpired = errors.New("auth: collateral permit expired")
)

// Side identifies which counterparty a signature represents.
type Side uint8

const (
	SideBorrower Side = iota
	SideLender
)

// Valid reports whether the side value is within the supported range.
func (s Side) Valid() bool {
	return s == SideBorrower || s == SideLender
}

// Delegate approval roles. Approving a signer delegate and approving an
// originator delegate are tracked independently.
const (
	ApprovalSigner     = "signer"
	ApprovalOriginator = "originator"
)

type authState interface {
	ApprovalGet(owner, delegate [20]byte, role string) (bool, error)
	ApprovalPut(owner, delegate [20]byte, role string, approved bool) error
}

// Domain binds signatures to one specific deployment. Changing any field
// invalidates all previously issued signatures.
type Domain struct {
	Name             string
	Version          string
	ChainID          uint64
	VerifyingAddress [20]byte
}

// Authorizer validates structured loan-terms signatures and owns the
// delegate-approval state. The digest layout (domain separation, type
// strings, field ordering) is a wire contract reproduced byte-for-byte below;
// any change strands outstanding signatures.
type Authorizer struct {
	state  authState
	domain Domain
	nowFn  func() int64
}

// NewAuthorizer constructs an authorizer for the given signing domain.
func NewAuthorizer(domain Domain) *Authorizer {
	return &Authorizer{
		domain: domain,
		nowFn:  func() int64 { return time.Now().Unix() },
	}
}

// SetState wires the approval persistence layer.
func (a *Authorizer) SetState(state authState) { a.state = state }

// SetNowFunc overrides the time source, primarily for deterministic tests.
func (a *Authorizer) SetNowFunc(now func() int64) {
	if now == nil {
		a.nowFn = func() int64 { return time.Now().Unix() }
		return
	}
	a.nowFn = now
}

func (a *Authorizer) now() int64 {
	if a == nil || a.nowFn == nil {
		return time.Now().Unix()
	}
	return a.nowFn()
}

// Authorize validates that the signature over the given terms (and, for the
// item-based flow, the predicates digest) was produced by the counterparty
// claimed for side, or a delegate that counterparty approved as signer, and
// that the submitting caller is a participant. The signing counterparty's
// address is returned; its nonce is consumed later, inside the state-machine
// start, so a start rejected for any other reason never burns it.
func (a *Authorizer) Authorize(caller [20]byte, terms *loan.Terms, itemsHash *[32]byte, sig []byte, borrower, lender [20]byte, nonce uint64, side Side) ([20]byte, error) {
	if a == nil || a.state == nil {
		return [20]byte{}, errNilState
	}
	if terms == nil {
		return [20]byte{}, errNilTerms
	}
	if !side.Valid() {
		return [20]byte{}, ErrInvalidSignature
	}
	digest, err := a.TermsDigest(terms, itemsHash, nonce, side)
	if err != nil {
		return [20]byte{}, err
	}
	recovered, err := recoverSigner(digest, sig)
	if err != nil {
		return [20]byte{}, ErrInvalidSignature
	}
	if a.now() > terms.SignatureDeadline {
		return [20]byte{}, ErrSignatureExpired
	}

	signingParty := borrower
	counterparty := lender
	if side == SideLender {
		signingParty = lender
		counterparty = borrower
	}
	if recovered == counterparty {
		return [20]byte{}, ErrInvalidSignature
	}
	if recovered != signingParty {
		approved, err := a.state.ApprovalGet(signingParty, recovered, ApprovalSigner)
		if err != nil {
			return [20]byte{}, err
		}
		if !approved {
			return [20]byte{}, ErrInvalidSignature
		}
	}

	participant, err := a.isParticipant(caller, borrower, lender)
	if err != nil {
		return [20]byte{}, err
	}
	if !participant {
		return [20]byte{}, ErrCallerNotParticipant
	}
	return signingParty, nil
}

func (a *Authorizer) isParticipant(caller, borrower, lender [20]byte) (bool, error) {
	if caller == borrower || caller == lender {
		return true, nil
	}
	for _, owner := range [][20]byte{borrower, lender} {
		approved, err := a.state.ApprovalGet(owner, caller, ApprovalOriginator)
		if err != nil {
			return false, err
		}
		if approved {
			return true, nil
		}
	}
	return false, nil
}

// VerifyCollateralPermit checks an owner-signed approval over the collateral
// transfer itself, used by the permit origination variant in place of a prior
// custody approval. Failures here are distinct from loan-terms signature
// failures.
func (a *Authorizer) VerifyCollateralPermit(owner [20]byte, asset [20]byte, collateralID *big.Int, deadline int64, sig []byte) error {
	if a == nil {
		return errNilState
	}
	if a.now() > deadline {
		return ErrPermitExpired
	}
	digest, err := a.PermitDigest(owner, asset, collateralID, deadline)
	if err != nil {
		return err
	}
	recovered, err := recoverSigner(digest, sig)
	if err != nil {
		return ErrNotCollateralOwner
	}
	if recovered != owner {
		return ErrNotCollateralOwner
	}
	return nil
}

// Approve records or clears a delegate approval for the given role. Signer
// and originator approvals are independent; self-approval is rejected.
func (a *Authorizer) Approve(owner, delegate [20]byte, role string, approved bool) error {
	if a == nil || a.state == nil {
		return errNilState
	}
	if owner == delegate {
		return ErrSelfApprove
	}
	if role != ApprovalSigner && role != ApprovalOriginator {
		return errors.New("auth: unknown approval role")
	}
	return a.state.ApprovalPut(owner, delegate, role, approved)
}

// IsApproved reports whether delegate holds the given approval from owner.
func (a *Authorizer) IsApproved(owner, delegate [20]byte, role string) (bool, error) {
	if a == nil || a.state == nil {
		return false, errNilState
	}
	return a.state.ApprovalGet(owner, delegate, role)
}

func recoverSigner(digest [32]byte, sig []byte) ([20]byte, error) {
	if len(sig) != 65 {
		return [20]byte{}, ErrInvalidSignature
	}
	normalized := append([]byte(nil), sig...)
	if normalized[64] >= 27 {
		normalized[64] -= 27
	}
	pubKey, err := ethcrypto.SigToPub(digest[:], normalized)
	if err != nil {
		return [20]byte{}, err
	}
	var out [20]byte
	copy(out[:], ethcrypto.PubkeyToAddress(*pubKey).Bytes())
	return out, nil
}
