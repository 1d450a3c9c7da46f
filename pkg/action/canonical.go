package action

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// CanonicalJSON returns a deterministic JSON encoding of v: the value is
// round-tripped through an untyped representation and re-marshalled, so that
// object keys come out lexicographically sorted at every nesting level
// (encoding/json sorts map keys). Two encodings of the same logical value are
// byte-identical regardless of struct field order or insignificant whitespace
// in the input.
func CanonicalJSON(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canonical: marshal: %w", err)
	}
	return CanonicalizeRaw(raw)
}

// CanonicalizeRaw re-encodes an already-serialized JSON document into its
// canonical form. Numbers are preserved exactly via json.Number so that large
// credit amounts survive the round trip without float truncation.
func CanonicalizeRaw(raw []byte) ([]byte, error) {
	if len(raw) == 0 {
		return []byte("null"), nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("canonical: decode: %w", err)
	}
	out, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canonical: re-marshal: %w", err)
	}
	return out, nil
}
