package client

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/kimeisele/steward-protocol-sub001/pkg/action"
)

// Identity is an agent's signing identity: its id and Ed25519 keypair. It is
// written to disk by 'steward keygen' and read back by LoadIdentity.
type Identity struct {
	AgentID string
	Private ed25519.PrivateKey
	Public  ed25519.PublicKey
}

// PublicKeyHex returns the hex encoding carried in register payloads.
func (id *Identity) PublicKeyHex() string {
	return hex.EncodeToString(id.Public)
}

// NewIdentity generates a fresh Ed25519 identity for agentID.
func NewIdentity(agentID string) (*Identity, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate identity key: %w", err)
	}
	return &Identity{AgentID: agentID, Private: priv, Public: pub}, nil
}

// Save writes the identity's private key as PKCS8 PEM to dir/<agent>.key and
// its hex public key to dir/<agent>.pub.
func (id *Identity) Save(dir string) error {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create key dir %q: %w", dir, err)
	}
	der, err := x509.MarshalPKCS8PrivateKey(id.Private)
	if err != nil {
		return fmt.Errorf("marshal private key: %w", err)
	}
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})
	if err := os.WriteFile(filepath.Join(dir, id.AgentID+".key"), keyPEM, 0o600); err != nil {
		return fmt.Errorf("write private key: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, id.AgentID+".pub"), []byte(id.PublicKeyHex()+"\n"), 0o644); err != nil {
		return fmt.Errorf("write public key: %w", err)
	}
	return nil
}

// LoadIdentity reads dir/<agentID>.key written by Save.
func LoadIdentity(dir, agentID string) (*Identity, error) {
	raw, err := os.ReadFile(filepath.Join(dir, agentID+".key"))
	if err != nil {
		return nil, fmt.Errorf("read identity key: %w", err)
	}
	block, _ := pem.Decode(raw)
	if block == nil || block.Type != "PRIVATE KEY" {
		return nil, fmt.Errorf("identity key for %q is not a PEM private key", agentID)
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse identity key: %w", err)
	}
	priv, ok := parsed.(ed25519.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("identity key for %q is not Ed25519", agentID)
	}
	return &Identity{AgentID: agentID, Private: priv, Public: priv.Public().(ed25519.PublicKey)}, nil
}

// SignAction builds and signs an action envelope with a fresh nonce and the
// current time. The payload is canonicalized before signing.
func (id *Identity) SignAction(typ action.Type, payload any) (*action.SignedAction, error) {
	raw, err := action.CanonicalJSON(payload)
	if err != nil {
		return nil, fmt.Errorf("canonicalize payload: %w", err)
	}
	nonce, err := action.NewNonce()
	if err != nil {
		return nil, err
	}
	sa := &action.SignedAction{
		ActorID:   id.AgentID,
		Action:    typ,
		Payload:   raw,
		Timestamp: time.Now().UTC(),
		Nonce:     nonce,
	}
	if err := sa.Sign(id.Private); err != nil {
		return nil, fmt.Errorf("sign action: %w", err)
	}
	return sa, nil
}
