package audit

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"ciris/internal/types"
)

// =============================================================================
// SQLITE INDEX
// =============================================================================

// timeLayout is the canonical timestamp encoding in the audit database.
const timeLayout = time.RFC3339Nano

// Index is the queryable sink: the same entries as the journal, keyed by
// sequence number. On disagreement the journal wins and the index row is
// reported as divergent.
type Index struct {
	db *sql.DB
}

// The audit database is not goose-managed: goose configuration is process
// global and belongs to the main store. IF NOT EXISTS keeps this idempotent.
func ensureSchema(db *sql.DB) error {
	logTable := `
	CREATE TABLE IF NOT EXISTS audit_log (
		sequence_number INTEGER PRIMARY KEY,
		event_id        TEXT NOT NULL,
		event_timestamp TEXT NOT NULL,
		event_type      TEXT NOT NULL,
		originator_id   TEXT NOT NULL,
		event_payload   TEXT NOT NULL,
		previous_hash   TEXT NOT NULL,
		entry_hash      TEXT NOT NULL,
		signature       TEXT NOT NULL,
		signing_key_id  TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_audit_log_type ON audit_log(event_type);
	CREATE INDEX IF NOT EXISTS idx_audit_log_timestamp ON audit_log(event_timestamp);
	CREATE INDEX IF NOT EXISTS idx_audit_log_originator ON audit_log(originator_id);
	`

	keysTable := `
	CREATE TABLE IF NOT EXISTS audit_signing_keys (
		key_id          TEXT PRIMARY KEY,
		algorithm       TEXT NOT NULL,
		public_key_pem  TEXT NOT NULL,
		private_key_pem TEXT NOT NULL,
		active          INTEGER NOT NULL DEFAULT 0,
		created_at      TEXT NOT NULL,
		retired_at      TEXT
	);
	`

	rootsTable := `
	CREATE TABLE IF NOT EXISTS audit_roots (
		root_id        INTEGER PRIMARY KEY AUTOINCREMENT,
		sequence_start INTEGER NOT NULL,
		sequence_end   INTEGER NOT NULL,
		root_hash      TEXT NOT NULL,
		created_at     TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_audit_roots_end ON audit_roots(sequence_end);
	`

	for _, table := range []string{logTable, keysTable, rootsTable} {
		if _, err := db.Exec(table); err != nil {
			return fmt.Errorf("failed to create audit schema: %w", err)
		}
	}
	return nil
}

// NewIndex wraps the audit database as the indexed sink.
func NewIndex(db *sql.DB) (*Index, error) {
	if err := ensureSchema(db); err != nil {
		return nil, err
	}
	return &Index{db: db}, nil
}

// Insert records one sealed entry.
func (ix *Index) Insert(entry types.AuditEntry) error {
	payload, err := NormalizePayload(entry.Payload)
	if err != nil {
		return err
	}
	_, err = ix.db.Exec(`INSERT INTO audit_log
		(sequence_number, event_id, event_timestamp, event_type, originator_id,
		 event_payload, previous_hash, entry_hash, signature, signing_key_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.SequenceNumber,
		entry.EventID,
		entry.EventTimestamp.UTC().Format(timeLayout),
		string(entry.EventType),
		entry.OriginatorID,
		string(payload),
		entry.PreviousHash,
		entry.EntryHash,
		entry.Signature,
		entry.SigningKeyID,
	)
	if err != nil {
		return fmt.Errorf("failed to index audit entry %d: %w", entry.SequenceNumber, err)
	}
	return nil
}

// Entry fetches one entry by sequence number.
func (ix *Index) Entry(seq int64) (*types.AuditEntry, error) {
	row := ix.db.QueryRow(`SELECT sequence_number, event_id, event_timestamp, event_type,
		originator_id, event_payload, previous_hash, entry_hash, signature, signing_key_id
		FROM audit_log WHERE sequence_number = ?`, seq)
	entry, err := scanIndexEntry(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, types.NotFound("audit.index", "no entry at sequence %d", seq)
		}
		return nil, err
	}
	return entry, nil
}

// Range returns entries with from <= sequence <= to in sequence order.
// Zero bounds mean unbounded.
func (ix *Index) Range(from, to int64) ([]types.AuditEntry, error) {
	query := `SELECT sequence_number, event_id, event_timestamp, event_type,
		originator_id, event_payload, previous_hash, entry_hash, signature, signing_key_id
		FROM audit_log WHERE 1=1`
	args := []any{}
	if from > 0 {
		query += " AND sequence_number >= ?"
		args = append(args, from)
	}
	if to > 0 {
		query += " AND sequence_number <= ?"
		args = append(args, to)
	}
	query += " ORDER BY sequence_number ASC"

	rows, err := ix.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit range: %w", err)
	}
	defer rows.Close()

	var entries []types.AuditEntry
	for rows.Next() {
		entry, err := scanIndexEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, *entry)
	}
	return entries, rows.Err()
}

// Last returns the highest-sequence entry, or nil if the index is empty.
func (ix *Index) Last() (*types.AuditEntry, error) {
	row := ix.db.QueryRow(`SELECT sequence_number, event_id, event_timestamp, event_type,
		originator_id, event_payload, previous_hash, entry_hash, signature, signing_key_id
		FROM audit_log ORDER BY sequence_number DESC LIMIT 1`)
	entry, err := scanIndexEntry(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return entry, nil
}

// Count returns the number of indexed entries.
func (ix *Index) Count() (int64, error) {
	var n int64
	if err := ix.db.QueryRow(`SELECT COUNT(*) FROM audit_log`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count audit entries: %w", err)
	}
	return n, nil
}

// RecordRoot anchors the hash of the entry at sequence_end. Roots are laid
// down at rotation boundaries and shutdown so external anchoring has stable
// points to notarize.
func (ix *Index) RecordRoot(start, end int64, rootHash string, now time.Time) error {
	_, err := ix.db.Exec(`INSERT INTO audit_roots (sequence_start, sequence_end, root_hash, created_at)
		VALUES (?, ?, ?, ?)`, start, end, rootHash, now.UTC().Format(timeLayout))
	if err != nil {
		return fmt.Errorf("failed to record audit root: %w", err)
	}
	return nil
}

// LastRoot returns the most recent root anchor, or nil when none exists.
func (ix *Index) LastRoot() (start, end int64, rootHash string, err error) {
	row := ix.db.QueryRow(`SELECT sequence_start, sequence_end, root_hash
		FROM audit_roots ORDER BY root_id DESC LIMIT 1`)
	if err := row.Scan(&start, &end, &rootHash); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, 0, "", nil
		}
		return 0, 0, "", fmt.Errorf("failed to read audit root: %w", err)
	}
	return start, end, rootHash, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanIndexEntry(row rowScanner) (*types.AuditEntry, error) {
	var (
		entry      types.AuditEntry
		ts         string
		eventType  string
		payloadRaw string
	)
	if err := row.Scan(&entry.SequenceNumber, &entry.EventID, &ts, &eventType,
		&entry.OriginatorID, &payloadRaw, &entry.PreviousHash, &entry.EntryHash,
		&entry.Signature, &entry.SigningKeyID); err != nil {
		return nil, err
	}
	entry.EventType = types.AuditEventType(eventType)
	parsed, err := time.Parse(timeLayout, ts)
	if err != nil {
		return nil, fmt.Errorf("failed to parse entry timestamp %q: %w", ts, err)
	}
	entry.EventTimestamp = parsed
	if payloadRaw != "" {
		entry.Payload = json.RawMessage(payloadRaw)
	}
	return &entry, nil
}
