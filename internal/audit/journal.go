package audit

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"ciris/internal/types"
)

// =============================================================================
// JSONL JOURNAL
// =============================================================================

// journalScanBuffer bounds one journal line. Payloads are event metadata,
// not message bodies, so 4MB is generous.
const journalScanBuffer = 4 * 1024 * 1024

// Journal is the append-only line-oriented sink: one JSON entry per line.
// It is the authoritative record when the index disagrees.
type Journal struct {
	mu   sync.Mutex
	path string
	file *os.File
}

// OpenJournal opens (or creates) the journal file for appending.
func OpenJournal(path string) (*Journal, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create journal directory: %w", err)
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal: %w", err)
	}
	return &Journal{path: path, file: file}, nil
}

// Append writes one entry as a single JSON line.
func (j *Journal) Append(entry types.AuditEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to encode journal entry: %w", err)
	}
	data = append(data, '\n')

	j.mu.Lock()
	defer j.mu.Unlock()
	if _, err := j.file.Write(data); err != nil {
		return fmt.Errorf("failed to append journal entry: %w", err)
	}
	return nil
}

// Sync flushes the journal to stable storage.
func (j *Journal) Sync() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.file.Sync()
}

// Close syncs and closes the write handle.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if err := j.file.Sync(); err != nil {
		j.file.Close()
		return err
	}
	return j.file.Close()
}

// Path returns the journal file path.
func (j *Journal) Path() string { return j.path }

// corruptLineError marks a journal line that does not parse as an entry.
// Verification treats it as a break in the chain at that point.
type corruptLineError struct {
	line int
	err  error
}

func (e *corruptLineError) Error() string {
	return fmt.Sprintf("journal line %d is not a valid entry: %v", e.line, e.err)
}

func (e *corruptLineError) Unwrap() error { return e.err }

// Tail returns the last entry in the journal, or nil if the journal is
// empty. Reads through a separate handle; the write handle is append-only.
func (j *Journal) Tail() (*types.AuditEntry, error) {
	var last *types.AuditEntry
	err := j.Replay(0, 0, func(e types.AuditEntry) error {
		entry := e
		last = &entry
		return nil
	})
	if err != nil {
		return nil, err
	}
	return last, nil
}

// Replay streams entries with from <= sequence <= to (zero bounds mean
// unbounded) to fn in file order. A line that does not parse aborts the
// replay with a corruptLineError.
func (j *Journal) Replay(from, to int64, fn func(types.AuditEntry) error) error {
	file, err := os.Open(j.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("failed to open journal for replay: %w", err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), journalScanBuffer)

	line := 0
	for scanner.Scan() {
		line++
		raw := scanner.Bytes()
		if len(raw) == 0 {
			continue
		}
		var entry types.AuditEntry
		if err := json.Unmarshal(raw, &entry); err != nil {
			return &corruptLineError{line: line, err: err}
		}
		if from > 0 && entry.SequenceNumber < from {
			continue
		}
		if to > 0 && entry.SequenceNumber > to {
			continue
		}
		if err := fn(entry); err != nil {
			return err
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("failed to read journal: %w", err)
	}
	return nil
}
