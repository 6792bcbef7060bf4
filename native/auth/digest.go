package auth

import (
	"errors"
	"math/big"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"loanvault/native/loan"
)

// Type strings hashed into every digest. These are part of the wire contract:
// reorder a field or rename a type and previously issued signatures stop
// verifying.
const (
	domainType         = "EIP712Domain(string name,string version,uint256 chainId,address verifyingContract)"
	termsType          = "LoanTerms(uint64 durationSeconds,uint256 principal,uint256 interestRate,address collateralAddress,uint256 collateralId,address payableCurrency,uint32 numInstallments,uint64 deadline,uint64 nonce,uint8 side)"
	termsWithItemsType = "LoanTermsWithItems(uint64 durationSeconds,uint256 principal,uint256 interestRate,address collateralAddress,uint256 collateralId,address payableCurrency,uint32 numInstallments,uint64 deadline,bytes32 itemsHash,uint64 nonce,uint8 side)"
	permitType         = "CollateralPermit(address owner,address collateralAddress,uint256 collateralId,uint64 deadline)"
)

var errValueTooLarge = errors.New("auth: numeric field exceeds 32 bytes")

// DomainSeparator returns the keccak256 hash binding digests to this
// deployment's name, version, chain and verifying identity.
func (a *Authorizer) DomainSeparator() [32]byte {
	var out [32]byte
	copy(out[:], ethcrypto.Keccak256(
		ethcrypto.Keccak256([]byte(domainType)),
		ethcrypto.Keccak256([]byte(a.domain.Name)),
		ethcrypto.Keccak256([]byte(a.domain.Version)),
		wordUint64(a.domain.ChainID),
		wordAddress(a.domain.VerifyingAddress),
	))
	return out
}

// TermsDigest returns the signable digest over loan terms, the claimed nonce
// and side, and, for the item-based flow, the predicates commitment.
func (a *Authorizer) TermsDigest(terms *loan.Terms, itemsHash *[32]byte, nonce uint64, side Side) ([32]byte, error) {
	if terms == nil {
		return [32]byte{}, errNilTerms
	}
	principal, err := wordBig(terms.Principal)
	if err != nil {
		return [32]byte{}, err
	}
	rate, err := wordBig(terms.InterestRate)
	if err != nil {
		return [32]byte{}, err
	}
	collateralID, err := wordBig(terms.CollateralID)
	if err != nil {
		return [32]byte{}, err
	}
	fields := [][]byte{
		wordUint64(terms.DurationSeconds),
		principal,
		rate,
		wordAddress(terms.CollateralAddress),
		collateralID,
		wordAddress(terms.PayableCurrency),
		wordUint64(uint64(terms.NumInstallments)),
		wordUint64(uint64(terms.SignatureDeadline)),
	}
	typeHash := ethcrypto.Keccak256([]byte(termsType))
	if itemsHash != nil {
		typeHash = ethcrypto.Keccak256([]byte(termsWithItemsType))
		fields = append(fields, itemsHash[:])
	}
	fields = append(fields, wordUint64(nonce), wordUint64(uint64(side)))

	structHash := ethcrypto.Keccak256(append([][]byte{typeHash}, fields...)...)
	return a.finalDigest(structHash), nil
}

// PermitDigest returns the signable digest for a collateral-transfer permit.
func (a *Authorizer) PermitDigest(owner [20]byte, asset [20]byte, collateralID *big.Int, deadline int64) ([32]byte, error) {
	id, err := wordBig(collateralID)
	if err != nil {
		return [32]byte{}, err
	}
	structHash := ethcrypto.Keccak256(
		ethcrypto.Keccak256([]byte(permitType)),
		wordAddress(owner),
		wordAddress(asset),
		id,
		wordUint64(uint64(deadline)),
	)
	return a.finalDigest(structHash), nil
}

func (a *Authorizer) finalDigest(structHash []byte) [32]byte {
	separator := a.DomainSeparator()
	var out [32]byte
	copy(out[:], ethcrypto.Keccak256([]byte{0x19, 0x01}, separator[:], structHash))
	return out
}

func wordUint64(v uint64) []byte {
	out := make([]byte, 32)
	for i := 0; i < 8; i++ {
		out[31-i] = byte(v >> (8 * i))
	}
	return out
}

func wordAddress(addr [20]byte) []byte {
	out := make([]byte, 32)
	copy(out[12:], addr[:])
	return out
}

func wordBig(v *big.Int) ([]byte, error) {
	out := make([]byte, 32)
	if v == nil || v.Sign() == 0 {
		return out, nil
	}
	if v.Sign() < 0 || v.BitLen() > 256 {
		return nil, errValueTooLarge
	}
	v.FillBytes(out)
	return out, nil
}
