package loan

import "math/big"

// Fee amounts are expressed in basis points, parts per 10_000 of the
// principal. The division floors; any sub-unit remainder stays with the
// protocol rather than leaking.
var basisPoints = big.NewInt(10_000)

// DefaultFeeBps is the origination fee applied when no override is
// configured: 50bp, i.e. 0.5% of principal.
const DefaultFeeBps uint64 = 50

// FeePolicy maps a principal amount to the origination fee retained by the
// protocol at loan start.
type FeePolicy struct {
	Bps uint64
}

// Fee returns floor(principal * bps / 10_000). A nil principal yields zero.
func (p FeePolicy) Fee(principal *big.Int) *big.Int {
	if principal == nil || principal.Sign() <= 0 || p.Bps == 0 {
		return big.NewInt(0)
	}
	fee := new(big.Int).Mul(principal, new(big.Int).SetUint64(p.Bps))
	return fee.Quo(fee, basisPoints)
}

// InterestOwed returns floor(principal * rate / InterestDenominator). The
// rate is a fixed-point multiplier: a rate equal to the denominator doubles
// the amount due.
func InterestOwed(principal, rate *big.Int) *big.Int {
	if principal == nil || principal.Sign() <= 0 || rate == nil || rate.Sign() <= 0 {
		return big.NewInt(0)
	}
	owed := new(big.Int).Mul(principal, rate)
	return owed.Quo(owed, InterestDenominator)
}
