// Package action defines the signed action envelope — the wire type every
// caller submits to the Steward ledger engine — together with the canonical
// JSON encoding used for signing and the per-action payload schemas.
//
// The envelope is shared by the server (internal/bank verifies it) and by
// clients (pkg/client and the steward CLI construct and sign it), so it lives
// under pkg/ rather than internal/.
package action
