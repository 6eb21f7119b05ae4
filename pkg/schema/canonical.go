package schema

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"
)

// CanonicalJSON encodes v deterministically: object keys sorted, no
// insignificant whitespace, numbers preserved verbatim. Two semantically
// equal values always produce byte-identical output, so digests over the
// result are stable regardless of map iteration order.
func CanonicalJSON(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canonical marshal: %w", err)
	}
	// Round-trip through a generic decode with json.Number so numeric
	// precision survives, then re-marshal. encoding/json sorts map keys.
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var generic any
	if err := dec.Decode(&generic); err != nil {
		return nil, fmt.Errorf("canonical decode: %w", err)
	}
	out, err := json.Marshal(generic)
	if err != nil {
		return nil, fmt.Errorf("canonical remarshal: %w", err)
	}
	return out, nil
}

// signedEnvelope is the exact field set covered by an event signature.
type signedEnvelope struct {
	EventID    string          `json:"event_id"`
	WorkflowID string          `json:"workflow_id"`
	SequenceNo int64           `json:"sequence_no"`
	Action     Action          `json:"action"`
	StepID     string          `json:"step_id"`
	Payload    json.RawMessage `json:"payload"`
	Timestamp  string          `json:"timestamp"`
}

// Signer produces and verifies tamper-evident event digests.
type Signer struct {
	key []byte
}

// NewSigner creates a Signer with the given secret key.
func NewSigner(key []byte) *Signer {
	return &Signer{key: key}
}

// Sign computes the HMAC-SHA256 digest over the canonical encoding of the
// event fields. Timestamps are normalized to RFC3339Nano UTC.
func (s *Signer) Sign(eventID, workflowID string, seq int64, action Action, stepID string, payload json.RawMessage, ts time.Time) (string, error) {
	env := signedEnvelope{
		EventID:    eventID,
		WorkflowID: workflowID,
		SequenceNo: seq,
		Action:     action,
		StepID:     stepID,
		Payload:    payload,
		Timestamp:  ts.UTC().Format(time.RFC3339Nano),
	}
	canonical, err := CanonicalJSON(env)
	if err != nil {
		return "", err
	}
	mac := hmac.New(sha256.New, s.key)
	mac.Write(canonical)
	return hex.EncodeToString(mac.Sum(nil)), nil
}

// Verify recomputes the digest and compares in constant time.
// A mismatch means tampering or corruption and is fatal.
func (s *Signer) Verify(signature, eventID, workflowID string, seq int64, action Action, stepID string, payload json.RawMessage, ts time.Time) error {
	want, err := s.Sign(eventID, workflowID, seq, action, stepID, payload, ts)
	if err != nil {
		return err
	}
	if !hmac.Equal([]byte(want), []byte(signature)) {
		return NewErrorf(ErrCodeFatal, "event signature mismatch at sequence %d", seq).
			WithWorkflow(workflowID).WithAction(action)
	}
	return nil
}
