package action

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// TransferPayload moves credits from the acting agent to another account.
type TransferPayload struct {
	To     string `json:"to"`
	Amount int64  `json:"amount"`
	Memo   string `json:"memo,omitempty"`
}

// LeasePayload grants credits to another account for a declared term.
// Economically it debits the lessor and credits the lessee exactly like a
// transfer; the term and purpose are recorded for audit and give the
// watchman an independent axis to rate-limit.
type LeasePayload struct {
	To          string `json:"to"`
	Amount      int64  `json:"amount"`
	TermSeconds int64  `json:"term_seconds"`
	Purpose     string `json:"purpose,omitempty"`
}

// FreezePayload transitions the target account to the frozen state.
type FreezePayload struct {
	Target string `json:"target"`
	Rule   string `json:"rule,omitempty"`
	Reason string `json:"reason"`
}

// UnfreezePayload transitions the target account back to active.
type UnfreezePayload struct {
	Target string `json:"target"`
	Reason string `json:"reason"`
}

// RegisterPayload binds a new agent identity. The envelope carrying it is
// self-signed: the signature verifies against PublicKey, since the actor is
// not yet known to the identity registry.
type RegisterPayload struct {
	AgentID   string `json:"agent_id"`
	PublicKey string `json:"public_key"` // hex-encoded Ed25519 public key
}

// RotateKeyPayload replaces the acting agent's key. The envelope is signed
// with the key being retired; the new key takes effect from the next entry.
type RotateKeyPayload struct {
	NewPublicKey string `json:"new_public_key"` // hex-encoded Ed25519 public key
}

// GenesisPayload is recorded once, at sequence 0. The full credit supply is
// minted into the system account, and the system identity's public key is
// bound so that watchman freezes can be verified like any other entry.
type GenesisPayload struct {
	TotalSupply     int64  `json:"total_supply"`
	SystemID        string `json:"system_id"`
	SystemPublicKey string `json:"system_public_key"` // hex-encoded Ed25519 public key
}

// DecodePayload unmarshals raw into dst and rejects unknown fields, so a
// payload cannot smuggle data outside its declared schema.
func DecodePayload(raw json.RawMessage, dst any) error {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("action: decode payload: %w", err)
	}
	return nil
}
