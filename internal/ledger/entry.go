package ledger

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/kimeisele/steward-protocol-sub001/pkg/action"
)

// GenesisPrevHash is the well-known zero hash the genesis entry chains from.
const GenesisPrevHash = "0000000000000000000000000000000000000000000000000000000000000000"

// Entry is a single committed record in the ledger. Entries are immutable:
// once Append returns one, no field ever changes.
type Entry struct {
	Sequence  uint64          `json:"sequence"`
	Timestamp time.Time       `json:"timestamp"`
	TxID      string          `json:"tx_id"`
	ActorID   string          `json:"actor_id"`
	Action    action.Type     `json:"action"`
	Payload   json.RawMessage `json:"payload"` // canonical JSON, as signed
	Nonce     string          `json:"nonce"`
	Signature string          `json:"signature"`
	PrevHash  string          `json:"prev_hash"`
	Hash      string          `json:"hash"`
}

// Draft is validated content handed to Append. The Bank fills every field;
// the ledger itself only assigns Sequence, PrevHash and Hash.
type Draft struct {
	// ExpectedTip is the tip sequence the caller validated its invariants
	// against. Append fails with ErrOutOfOrder if the chain has moved past it.
	ExpectedTip uint64

	Timestamp time.Time
	TxID      string
	ActorID   string
	Action    action.Type
	Payload   json.RawMessage // must already be canonical
	Nonce     string
	Signature string
}

// hashEntry computes the entry hash: SHA-256 over the previous hash and the
// canonical content of every field except Signature and Hash.
func hashEntry(e *Entry) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s|%d|%s|%s|%s|%s|%s|%s",
		e.PrevHash, e.Sequence, e.Timestamp.UTC().Format(time.RFC3339Nano),
		e.TxID, e.ActorID, e.Action, e.Payload, e.Nonce,
	)
	return hex.EncodeToString(h.Sum(nil))
}

// seal assigns the chain fields to an entry built from a draft.
func seal(d Draft, sequence uint64, prevHash string) *Entry {
	e := &Entry{
		Sequence: sequence,
		// Truncated to microseconds so the value survives a round trip
		// through a timestamptz column and rehashes identically.
		Timestamp: d.Timestamp.UTC().Truncate(time.Microsecond),
		TxID:      d.TxID,
		ActorID:   d.ActorID,
		Action:    d.Action,
		Payload:   d.Payload,
		Nonce:     d.Nonce,
		Signature: d.Signature,
		PrevHash:  prevHash,
	}
	e.Hash = hashEntry(e)
	return e
}

// checkLink validates curr against its predecessor. prev is nil for genesis.
func checkLink(prev, curr *Entry) error {
	if prev == nil {
		if curr.Sequence != 0 {
			return &ChainCorruptedError{Sequence: curr.Sequence, Reason: "chain does not start at sequence 0"}
		}
		if curr.PrevHash != GenesisPrevHash {
			return &ChainCorruptedError{Sequence: 0, Reason: "genesis prev_hash is not the zero hash"}
		}
	} else {
		if curr.Sequence != prev.Sequence+1 {
			return &ChainCorruptedError{Sequence: curr.Sequence, Reason: fmt.Sprintf("sequence gap after %d", prev.Sequence)}
		}
		if curr.PrevHash != prev.Hash {
			return &ChainCorruptedError{Sequence: curr.Sequence, Reason: "prev_hash does not match predecessor"}
		}
	}
	if got := hashEntry(curr); got != curr.Hash {
		return &ChainCorruptedError{Sequence: curr.Sequence, Reason: "entry hash does not match canonical content"}
	}
	return nil
}
