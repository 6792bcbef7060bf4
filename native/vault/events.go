package vault

import (
	"encoding/hex"
	"strconv"

	"loanvault/core/types"
)

// NewCreatedEvent returns the canonical payload for a newly created vault.
func NewCreatedEvent(v *Vault) *types.Event {
	attrs := make(map[string]string)
	if v != nil {
		attrs["id"] = strconv.FormatUint(v.ID, 10)
		attrs["owner"] = hex.EncodeToString(v.Owner[:])
	}
	return &types.Event{Type: EventTypeVaultCreated, Attributes: attrs}
}

// NewTransferredEvent returns the canonical payload for a vault ownership
// transfer.
func NewTransferredEvent(v *Vault, from [20]byte) *types.Event {
	attrs := make(map[string]string)
	if v != nil {
		attrs["id"] = strconv.FormatUint(v.ID, 10)
		attrs["from"] = hex.EncodeToString(from[:])
		attrs["to"] = hex.EncodeToString(v.Owner[:])
	}
	return &types.Event{Type: EventTypeVaultTransferred, Attributes: attrs}
}
