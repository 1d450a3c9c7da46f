package identity

import (
	"crypto/ed25519"
	"sync"
	"time"

	"github.com/kimeisele/steward-protocol-sub001/internal/ledger"
	"github.com/kimeisele/steward-protocol-sub001/pkg/action"
)

// Identity is the currently active key binding for an agent. Bindings are
// never deleted; a key rotation replaces PublicKey and bumps Rotations.
type Identity struct {
	AgentID   string
	PublicKey ed25519.PublicKey
	CreatedAt time.Time
	RotatedAt time.Time
	Rotations int
}

// Registry projects genesis/register/rotate_key ledger entries into the
// active public key per agent. Like the account projector it is derived
// state: rebuilding it from sequence 0 always reproduces the same bindings.
type Registry struct {
	mu  sync.RWMutex
	ids map[string]Identity
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{ids: make(map[string]Identity)}
}

// Apply folds one ledger entry into the registry. Entries that carry no
// identity information are ignored. Apply is deliberately lenient about
// malformed payloads — content validity is the Bank's job at submission time,
// and the projector surfaces structural corruption.
func (r *Registry) Apply(e *ledger.Entry) {
	switch e.Action {
	case action.Genesis:
		var g action.GenesisPayload
		if err := action.DecodePayload(e.Payload, &g); err != nil {
			return
		}
		if pub, err := ParsePublicKey(g.SystemPublicKey); err == nil {
			r.bind(g.SystemID, pub, e.Timestamp, false)
		}
	case action.Register:
		var p action.RegisterPayload
		if err := action.DecodePayload(e.Payload, &p); err != nil {
			return
		}
		if pub, err := ParsePublicKey(p.PublicKey); err == nil {
			r.bind(p.AgentID, pub, e.Timestamp, false)
		}
	case action.RotateKey:
		var p action.RotateKeyPayload
		if err := action.DecodePayload(e.Payload, &p); err != nil {
			return
		}
		if pub, err := ParsePublicKey(p.NewPublicKey); err == nil {
			r.bind(e.ActorID, pub, e.Timestamp, true)
		}
	}
}

func (r *Registry) bind(agentID string, pub ed25519.PublicKey, at time.Time, rotation bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, exists := r.ids[agentID]
	if rotation && exists {
		id.PublicKey = pub
		id.RotatedAt = at
		id.Rotations++
		r.ids[agentID] = id
		return
	}
	r.ids[agentID] = Identity{AgentID: agentID, PublicKey: pub, CreatedAt: at}
}

// Lookup returns the active identity for agentID.
func (r *Registry) Lookup(agentID string) (Identity, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.ids[agentID]
	return id, ok
}

// Known reports whether agentID has a registered identity.
func (r *Registry) Known(agentID string) bool {
	_, ok := r.Lookup(agentID)
	return ok
}
