// Package codec provides the canonical serialization used for step
// inputs, step results, and hook payloads.
//
// The encoding is JSON. Its stability matters beyond storage: the
// serialized form of a step's input participates in deterministic
// step-ID hashing (see the ident package), so the same value must
// always encode to the same bytes. encoding/json guarantees this for
// JSON-compatible values — map keys are emitted in sorted order and
// struct fields in declaration order.
package codec

import (
	"encoding/json"
	"fmt"
)

// Marshal encodes v into its canonical JSON form.
func Marshal(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("codec: marshal %T: %w", v, err)
	}
	return data, nil
}

// Unmarshal decodes canonical JSON data into v.
func Unmarshal(data []byte, v any) error {
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("codec: unmarshal into %T: %w", v, err)
	}
	return nil
}

// MustMarshal is like Marshal but panics on error. Use only for values
// known to be JSON-encodable (e.g., map[string]any literals).
func MustMarshal(v any) []byte {
	data, err := Marshal(v)
	if err != nil {
		panic(err)
	}
	return data
}
