package jobs

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"coremachine/internal/models"
)

// Canonicalize re-encodes a JSON document with sorted object keys and no
// insignificant whitespace. Numbers keep their original text.
func Canonicalize(raw json.RawMessage) (json.RawMessage, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return json.RawMessage("{}"), nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("parameters are not valid JSON: %v: %w", err, models.ErrValidation)
	}
	if dec.More() {
		return nil, fmt.Errorf("parameters contain trailing data: %w", models.ErrValidation)
	}
	if _, ok := v.(map[string]any); !ok {
		return nil, fmt.Errorf("parameters must be a JSON object: %w", models.ErrValidation)
	}
	out, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode canonical parameters: %w", err)
	}
	return out, nil
}

// JobID derives the deterministic id of a job from its type and canonical
// parameters.
func JobID(jobType string, canonical json.RawMessage) string {
	sum := sha256.Sum256(append([]byte(jobType+"\x00"), canonical...))
	return hex.EncodeToString(sum[:])
}

// decodeParams strictly decodes a parameter object into dst.
func decodeParams(raw json.RawMessage, dst any) error {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("invalid parameters: %v: %w", err, models.ErrValidation)
	}
	return nil
}
