package protocol

import (
	"encoding/json"
	"fmt"
)

// DecodeType peeks at the type discriminator of a raw frame without fully
// unmarshaling it, so the caller can dispatch before parsing the rest.
func DecodeType(raw []byte) (string, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return "", fmt.Errorf("decode envelope: %w", err)
	}
	if env.Type == "" {
		return "", fmt.Errorf("missing type field")
	}
	return env.Type, nil
}

// DecodeInto unmarshals a raw frame into a concrete message type.
func DecodeInto(raw []byte, v any) error {
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("decode frame: %w", err)
	}
	return nil
}

// Encode marshals a frame, panicking is never an option here: callers
// always pass concrete, marshalable structs, so an error indicates a
// programming mistake the caller should surface immediately.
func Encode(v any) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode frame: %w", err)
	}
	return b, nil
}
