// Package audit is the tamper-evident event trail: a SHA-256 hash chain of
// signed entries written to two sinks, an append-only JSONL journal and a
// SQLite index. The journal is authoritative when the sinks disagree. Every
// entry links to its predecessor by hash; the genesis entry links to the
// literal "genesis". Signing keys rotate additively so historical entries
// stay verifiable forever.
package audit

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"ciris/internal/types"
)

// =============================================================================
// CANONICAL ENCODING
// =============================================================================

// canonicalEntry fixes the field order and encoding hashed into entry_hash.
// Field order here is load-bearing: changing it invalidates every existing
// chain. Timestamps are RFC 3339 UTC; the payload is compacted JSON.
type canonicalEntry struct {
	EventID        string               `json:"event_id"`
	EventTimestamp string               `json:"event_timestamp"`
	EventType      types.AuditEventType `json:"event_type"`
	OriginatorID   string               `json:"originator_id"`
	EventPayload   json.RawMessage      `json:"event_payload"`
	SequenceNumber int64                `json:"sequence_number"`
	PreviousHash   string               `json:"previous_hash"`
}

// NormalizePayload compacts payload JSON so hashing is insensitive to
// whitespace, and maps an absent payload to JSON null.
func NormalizePayload(payload json.RawMessage) (json.RawMessage, error) {
	if len(payload) == 0 {
		return json.RawMessage("null"), nil
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, payload); err != nil {
		return nil, types.Validation("audit.payload", "event payload is not valid JSON: %v", err)
	}
	return json.RawMessage(buf.Bytes()), nil
}

// EntryHash computes the hex SHA-256 hash of the entry's canonical encoding.
// The Signature, SigningKeyID, and EntryHash fields do not participate.
func EntryHash(e types.AuditEntry) (string, error) {
	payload, err := NormalizePayload(e.Payload)
	if err != nil {
		return "", err
	}
	canonical := canonicalEntry{
		EventID:        e.EventID,
		EventTimestamp: e.EventTimestamp.UTC().Format(time.RFC3339Nano),
		EventType:      e.EventType,
		OriginatorID:   e.OriginatorID,
		EventPayload:   payload,
		SequenceNumber: e.SequenceNumber,
		PreviousHash:   e.PreviousHash,
	}
	data, err := json.Marshal(canonical)
	if err != nil {
		return "", fmt.Errorf("failed to encode canonical entry: %w", err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// canonicalTask fixes the fields covered by a task signature. Outcome is
// included so a signed COMPLETED task cannot have its result swapped later.
// Mutable bookkeeping fields (timestamps, the signature fields themselves)
// stay out so the hash is recomputable from the stored row at any time.
type canonicalTask struct {
	TaskID      string             `json:"task_id"`
	Description string             `json:"description"`
	Status      types.TaskStatus   `json:"status"`
	Outcome     *types.TaskOutcome `json:"outcome"`
}

// TaskHash computes the hex SHA-256 hash of the task's canonical fields.
func TaskHash(task types.Task) (string, error) {
	canonical := canonicalTask{
		TaskID:      task.TaskID,
		Description: task.Description,
		Status:      task.Status,
		Outcome:     task.Outcome,
	}
	data, err := json.Marshal(canonical)
	if err != nil {
		return "", fmt.Errorf("failed to encode canonical task: %w", err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}
