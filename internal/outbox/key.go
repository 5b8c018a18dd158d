package outbox

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/tracegate/tracegate/internal/model"
)

// PayloadHash24 returns the first 24 hex characters of the SHA-256 of the
// payload's canonical JSON form: unmarshal, re-marshal compact. Object keys
// come out sorted, so two payloads that differ only in key order or
// whitespace hash the same.
func PayloadHash24(payload []byte) (string, error) {
	var v any
	if err := json.Unmarshal(payload, &v); err != nil {
		return "", fmt.Errorf("canonicalize payload: %w", err)
	}
	canonical, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("canonicalize payload: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:])[:24], nil
}

// IdempotencyKey builds the event dedup key "<type>:<aggregate>:<suffix>".
// When suffix is empty the payload hash stands in, so re-emitting the same
// state transition collapses to one event while a changed payload creates a
// new one.
func IdempotencyKey(t model.EventType, aggregateID, suffix string, payload []byte) (string, error) {
	if suffix == "" {
		h, err := PayloadHash24(payload)
		if err != nil {
			return "", err
		}
		suffix = h
	}
	return fmt.Sprintf("%s:%s:%s", t, aggregateID, suffix), nil
}
