package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"
)

const (
	keyFile = "steward.key"
	pubFile = "steward.pub"
)

// KeyPair holds an Ed25519 keypair with a precomputed hex-encoded public key,
// which is the form identities carry on the wire and in ledger payloads.
type KeyPair struct {
	Private      ed25519.PrivateKey
	Public       ed25519.PublicKey
	PublicKeyHex string
}

// GenerateKeyPair creates a new Ed25519 keypair from crypto/rand.
func GenerateKeyPair() (*KeyPair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate keypair: %w", err)
	}
	return &KeyPair{Private: priv, Public: pub, PublicKeyHex: hex.EncodeToString(pub)}, nil
}

// ParsePublicKey decodes a hex-encoded Ed25519 public key.
func ParsePublicKey(hexKey string) (ed25519.PublicKey, error) {
	b, err := hex.DecodeString(hexKey)
	if err != nil {
		return nil, fmt.Errorf("decode public key: %w", err)
	}
	if len(b) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("public key must be %d bytes, got %d", ed25519.PublicKeySize, len(b))
	}
	return ed25519.PublicKey(b), nil
}

// Keystore persists the system identity's keypair to disk. The key is created
// on first run and reloaded on subsequent starts, so the system identity
// survives restarts and its freeze entries remain verifiable.
type Keystore struct {
	dir string
}

// NewKeystore returns a Keystore rooted at dir.
func NewKeystore(dir string) *Keystore {
	return &Keystore{dir: dir}
}

// LoadOrCreate loads the system keypair from disk if present; generates and
// persists a new one otherwise.
func (s *Keystore) LoadOrCreate() (*KeyPair, error) {
	if kp, err := s.load(); err == nil {
		return kp, nil
	}
	return s.create()
}

func (s *Keystore) load() (*KeyPair, error) {
	keyPEM, err := os.ReadFile(filepath.Join(s.dir, keyFile))
	if err != nil {
		return nil, fmt.Errorf("read system key: %w", err)
	}
	block, _ := pem.Decode(keyPEM)
	if block == nil || block.Type != "PRIVATE KEY" {
		return nil, fmt.Errorf("system key file is not a PEM private key")
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse system key: %w", err)
	}
	priv, ok := parsed.(ed25519.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("system key is not Ed25519")
	}
	pub := priv.Public().(ed25519.PublicKey)
	return &KeyPair{Private: priv, Public: pub, PublicKeyHex: hex.EncodeToString(pub)}, nil
}

func (s *Keystore) create() (*KeyPair, error) {
	if err := os.MkdirAll(s.dir, 0o700); err != nil {
		return nil, fmt.Errorf("create key dir %q: %w", s.dir, err)
	}
	kp, err := GenerateKeyPair()
	if err != nil {
		return nil, err
	}

	der, err := x509.MarshalPKCS8PrivateKey(kp.Private)
	if err != nil {
		return nil, fmt.Errorf("marshal system key: %w", err)
	}
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})
	if err := os.WriteFile(filepath.Join(s.dir, keyFile), keyPEM, 0o600); err != nil {
		return nil, fmt.Errorf("write system key: %w", err)
	}
	if err := os.WriteFile(filepath.Join(s.dir, pubFile), []byte(kp.PublicKeyHex+"\n"), 0o644); err != nil {
		return nil, fmt.Errorf("write system public key: %w", err)
	}
	return kp, nil
}
