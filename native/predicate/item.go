package predicate

import (
	"math/big"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"
)

// ItemKind tags the asset standard an item requirement is expressed against.
// The set is closed: the verifier matches kinds exhaustively and rejects any
// value outside this range rather than guessing its meaning.
type ItemKind uint8

const (
	// KindERC721 requires ownership of a specific (or any) token of a
	// non-fungible contract.
	KindERC721 ItemKind = iota
	// KindERC1155 requires a minimum held quantity of a specific
	// semi-fungible token.
	KindERC1155
	// KindERC20 requires a minimum fungible balance of a contract.
	KindERC20
	// KindLegacyNFT requires ownership under the third-party legacy NFT
	// standard. Matching semantics follow KindERC721.
	KindLegacyNFT
)

// Valid reports whether the kind value is within the supported range.
func (k ItemKind) Valid() bool {
	switch k {
	case KindERC721, KindERC1155, KindERC20, KindLegacyNFT:
		return true
	default:
		return false
	}
}

// Item is a single declarative collateral requirement. A negative TokenID is
// the wildcard sentinel for NFT kinds, meaning "any token of this contract".
type Item struct {
	Kind      ItemKind
	Asset     [20]byte
	TokenID   *big.Int
	MinAmount *big.Int
}

// Wildcard reports whether the item's token identifier is the wildcard
// sentinel.
func (i Item) Wildcard() bool {
	return i.TokenID != nil && i.TokenID.Sign() < 0
}

// Clone returns a deep copy of the item.
func (i Item) Clone() Item {
	clone := Item{Kind: i.Kind, Asset: i.Asset}
	if i.TokenID != nil {
		clone.TokenID = new(big.Int).Set(i.TokenID)
	}
	if i.MinAmount != nil {
		clone.MinAmount = new(big.Int).Set(i.MinAmount)
	}
	return clone
}

// Predicate pairs a list of item requirements with the identity of the
// verifier whose interpretation governs them.
type Predicate struct {
	Verifier [20]byte
	Items    []Item
}

// Clone returns a deep copy of the predicate.
func (p Predicate) Clone() Predicate {
	clone := Predicate{Verifier: p.Verifier}
	if len(p.Items) > 0 {
		clone.Items = make([]Item, len(p.Items))
		for i := range p.Items {
			clone.Items[i] = p.Items[i].Clone()
		}
	}
	return clone
}

// encodedItem is the canonical wire form of an item. RLP cannot carry signed
// integers, so the wildcard sentinel is flattened into an explicit flag and
// the token identifier is stored as its absolute value.
type encodedItem struct {
	Kind      uint8
	Asset     [20]byte
	Wildcard  bool
	TokenID   *big.Int
	MinAmount *big.Int
}

type encodedPredicate struct {
	Verifier [20]byte
	Items    []encodedItem
}

func encodeItem(item Item) encodedItem {
	enc := encodedItem{
		Kind:      uint8(item.Kind),
		Asset:     item.Asset,
		TokenID:   big.NewInt(0),
		MinAmount: big.NewInt(0),
	}
	if item.TokenID != nil {
		if item.TokenID.Sign() < 0 {
			enc.Wildcard = true
		} else {
			enc.TokenID = new(big.Int).Set(item.TokenID)
		}
	}
	if item.MinAmount != nil {
		enc.MinAmount = new(big.Int).Set(item.MinAmount)
	}
	return enc
}

// DigestPredicates returns the canonical keccak256 commitment over a
// predicate list. The encoding (RLP over the verifier identity and the
// flattened items, in submission order) is a wire contract: signatures over
// item-based loan terms embed this digest, so it must remain byte-stable.
func DigestPredicates(predicates []Predicate) ([32]byte, error) {
	encoded := make([]encodedPredicate, len(predicates))
	for i, p := range predicates {
		enc := encodedPredicate{Verifier: p.Verifier, Items: make([]encodedItem, len(p.Items))}
		for j, item := range p.Items {
			enc.Items[j] = encodeItem(item)
		}
		encoded[i] = enc
	}
	blob, err := rlp.EncodeToBytes(encoded)
	if err != nil {
		return [32]byte{}, err
	}
	var digest [32]byte
	copy(digest[:], ethcrypto.Keccak256(blob))
	return digest, nil
}
