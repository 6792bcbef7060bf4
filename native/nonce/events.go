package nonce

import (
	"encoding/hex"
	"strconv"

	"loanvault/core/types"
)

// NewCancelledEvent returns the canonical payload for a signer-initiated
// nonce burn.
func NewCancelledEvent(signer [20]byte, nonce uint64) *types.Event {
	return &types.Event{
		Type: EventTypeNonceCancelled,
		Attributes: map[string]string{
			"signer": hex.EncodeToString(signer[:]),
			"nonce":  strconv.FormatUint(nonce, 10),
		},
	}
}
