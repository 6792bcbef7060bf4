package vault

import "math/big"

// FungibleHolding records a fungible balance held inside a vault.
type FungibleHolding struct {
	Asset  [20]byte
	Amount *big.Int
}

// TokenHolding records ownership of a single non-fungible token.
type TokenHolding struct {
	Asset   [20]byte
	TokenID *big.Int
}

// QuantifiedHolding records a held quantity of a semi-fungible token.
type QuantifiedHolding struct {
	Asset   [20]byte
	TokenID *big.Int
	Amount  *big.Int
}

// Vault is an isolated custody container. Borrowers bundle arbitrary assets
// inside a vault and pledge the container itself as loan collateral; the loan
// engine moves container ownership, never the individual assets.
type Vault struct {
	ID            uint64
	Owner         [20]byte
	Fungibles     []FungibleHolding
	Tokens        []TokenHolding
	SemiFungibles []QuantifiedHolding
	LegacyTokens  []TokenHolding
}

// Clone returns a deep copy of the vault so callers can safely mutate the
// copy without affecting the stored instance.
func (v *Vault) Clone() *Vault {
	if v == nil {
		return nil
	}
	clone := &Vault{ID: v.ID, Owner: v.Owner}
	if len(v.Fungibles) > 0 {
		clone.Fungibles = make([]FungibleHolding, len(v.Fungibles))
		for i, h := range v.Fungibles {
			clone.Fungibles[i] = FungibleHolding{Asset: h.Asset, Amount: cloneBigInt(h.Amount)}
		}
	}
	if len(v.Tokens) > 0 {
		clone.Tokens = make([]TokenHolding, len(v.Tokens))
		for i, h := range v.Tokens {
			clone.Tokens[i] = TokenHolding{Asset: h.Asset, TokenID: cloneBigInt(h.TokenID)}
		}
	}
	if len(v.SemiFungibles) > 0 {
		clone.SemiFungibles = make([]QuantifiedHolding, len(v.SemiFungibles))
		for i, h := range v.SemiFungibles {
			clone.SemiFungibles[i] = QuantifiedHolding{Asset: h.Asset, TokenID: cloneBigInt(h.TokenID), Amount: cloneBigInt(h.Amount)}
		}
	}
	if len(v.LegacyTokens) > 0 {
		clone.LegacyTokens = make([]TokenHolding, len(v.LegacyTokens))
		for i, h := range v.LegacyTokens {
			clone.LegacyTokens[i] = TokenHolding{Asset: h.Asset, TokenID: cloneBigInt(h.TokenID)}
		}
	}
	return clone
}

func cloneBigInt(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(v)
}

// --- holdings queries ---
//
// These satisfy the predicate verifier's HoldingsView contract.

// HoldsToken reports whether the vault owns the exact non-fungible token.
func (v *Vault) HoldsToken(asset [20]byte, tokenID *big.Int) bool {
	return holdsIn(v.Tokens, asset, tokenID)
}

// HoldsAnyToken reports whether the vault owns any token of the contract.
func (v *Vault) HoldsAnyToken(asset [20]byte) bool {
	return holdsAnyIn(v.Tokens, asset)
}

// HoldsLegacyToken reports whether the vault owns the exact legacy-standard
// token.
func (v *Vault) HoldsLegacyToken(asset [20]byte, tokenID *big.Int) bool {
	return holdsIn(v.LegacyTokens, asset, tokenID)
}

// HoldsAnyLegacyToken reports whether the vault owns any legacy-standard
// token of the contract.
func (v *Vault) HoldsAnyLegacyToken(asset [20]byte) bool {
	return holdsAnyIn(v.LegacyTokens, asset)
}

// TokenQuantity returns the held quantity of a semi-fungible token. Unknown
// tokens report zero.
func (v *Vault) TokenQuantity(asset [20]byte, tokenID *big.Int) *big.Int {
	if v == nil || tokenID == nil {
		return big.NewInt(0)
	}
	for _, h := range v.SemiFungibles {
		if h.Asset == asset && h.TokenID != nil && h.TokenID.Cmp(tokenID) == 0 {
			return cloneBigInt(h.Amount)
		}
	}
	return big.NewInt(0)
}

// FungibleBalance returns the held balance of a fungible asset. Unknown
// assets report zero.
func (v *Vault) FungibleBalance(asset [20]byte) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	for _, h := range v.Fungibles {
		if h.Asset == asset {
			return cloneBigInt(h.Amount)
		}
	}
	return big.NewInt(0)
}

func holdsIn(holdings []TokenHolding, asset [20]byte, tokenID *big.Int) bool {
	if tokenID == nil {
		return false
	}
	for _, h := range holdings {
		if h.Asset == asset && h.TokenID != nil && h.TokenID.Cmp(tokenID) == 0 {
			return true
		}
	}
	return false
}

func holdsAnyIn(holdings []TokenHolding, asset [20]byte) bool {
	for _, h := range holdings {
		if h.Asset == asset {
			return true
		}
	}
	return false
}
