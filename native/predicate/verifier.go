package predicate

import (
	"errors"
	"fmt"
	"math/big"
)

var (
	errNoItems            = errors.New("predicate verifier: no items supplied")
	errMissingAddress     = errors.New("predicate verifier: item missing asset address")
	errInvalidTokenID     = errors.New("predicate verifier: token id must not be negative")
	errNonPositiveAmount  = errors.New("predicate verifier: amount must be positive")
	errUnknownItemKind    = errors.New("predicate verifier: unrecognised item kind")
	errItemNotSatisfied   = errors.New("predicate verifier: item not satisfied")
	errNilHoldings        = errors.New("predicate verifier: holdings view not supplied")
)

// Exported error kinds so callers can dispatch with errors.Is.
var (
	ErrItemMissingAddress = errMissingAddress
	ErrInvalidTokenID     = errInvalidTokenID
	ErrNonPositiveAmount  = errNonPositiveAmount
	ErrUnknownItemKind    = errUnknownItemKind
	ErrItemNotSatisfied   = errItemNotSatisfied
)

// HoldingsView abstracts the asset-holdings queries the verifier runs against
// a custody container. The container implementation owns enumeration; the
// verifier only ever asks membership and quantity questions.
type HoldingsView interface {
	HoldsToken(asset [20]byte, tokenID *big.Int) bool
	HoldsAnyToken(asset [20]byte) bool
	HoldsLegacyToken(asset [20]byte, tokenID *big.Int) bool
	HoldsAnyLegacyToken(asset [20]byte) bool
	TokenQuantity(asset [20]byte, tokenID *big.Int) *big.Int
	FungibleBalance(asset [20]byte) *big.Int
}

// Verifier interprets a list of item requirements against a container's
// holdings. Implementations are registered in the Registry and addressed by
// identity; only whitelisted implementations are ever invoked.
type Verifier interface {
	VerifyItems(items []Item, holdings HoldingsView) error
}

// ItemsVerifier is the standard interpreter over the closed item-kind set.
// Verification is a logical AND across items with short-circuit on the first
// failure.
type ItemsVerifier struct{}

// NewItemsVerifier returns the standard interpreter.
func NewItemsVerifier() *ItemsVerifier { return &ItemsVerifier{} }

// VerifyItems checks every item against the holdings view. The first item
// that is malformed or unsatisfied fails the whole list.
func (v *ItemsVerifier) VerifyItems(items []Item, holdings HoldingsView) error {
	if holdings == nil {
		return errNilHoldings
	}
	if len(items) == 0 {
		return errNoItems
	}
	for i, item := range items {
		if err := verifyItem(item, holdings); err != nil {
			return fmt.Errorf("item %d: %w", i, err)
		}
	}
	return nil
}

func verifyItem(item Item, holdings HoldingsView) error {
	if item.Asset == ([20]byte{}) {
		return errMissingAddress
	}
	switch item.Kind {
	case KindERC721:
		if item.Wildcard() {
			if !holdings.HoldsAnyToken(item.Asset) {
				return errItemNotSatisfied
			}
			return nil
		}
		if !holdings.HoldsToken(item.Asset, item.TokenID) {
			return errItemNotSatisfied
		}
		return nil
	case KindLegacyNFT:
		if item.Wildcard() {
			if !holdings.HoldsAnyLegacyToken(item.Asset) {
				return errItemNotSatisfied
			}
			return nil
		}
		if !holdings.HoldsLegacyToken(item.Asset, item.TokenID) {
			return errItemNotSatisfied
		}
		return nil
	case KindERC1155:
		if item.TokenID == nil || item.TokenID.Sign() < 0 {
			return errInvalidTokenID
		}
		if item.MinAmount == nil || item.MinAmount.Sign() <= 0 {
			return errNonPositiveAmount
		}
		held := holdings.TokenQuantity(item.Asset, item.TokenID)
		if held == nil || held.Cmp(item.MinAmount) < 0 {
			return errItemNotSatisfied
		}
		return nil
	case KindERC20:
		if item.MinAmount == nil || item.MinAmount.Sign() <= 0 {
			return errNonPositiveAmount
		}
		held := holdings.FungibleBalance(item.Asset)
		if held == nil || held.Cmp(item.MinAmount) < 0 {
			return errItemNotSatisfied
		}
		return nil
	default:
		// Fail closed: an unknown kind rejects the whole list.
		return errUnknownItemKind
	}
}
