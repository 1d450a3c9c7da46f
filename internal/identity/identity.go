// Package identity implements the Steward identity and authentication layer.
//
// It provides:
//   - KeyPair / Keystore — Ed25519 agent keypairs, persisted to disk for the
//     system identity
//   - Registry         — projection of register/rotate_key entries into the
//     currently active public key per agent
//   - Verifier         — signature, freshness-window and nonce-replay checks
//     for submitted actions
//   - OperatorIssuer   — HS256 operator tokens gating privileged endpoints
//   - RequireOperator  — Gin middleware enforcing Bearer operator tokens
package identity
