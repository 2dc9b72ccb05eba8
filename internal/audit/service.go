package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"ciris/internal/clock"
	"ciris/internal/logging"
	"ciris/internal/persistence"
	"ciris/internal/types"
)

// =============================================================================
// AUDIT SERVICE
// =============================================================================

// errStopReplay aborts a journal replay early without signaling failure.
var errStopReplay = errors.New("stop replay")

// Service owns the hash chain: it assigns sequence numbers, hashes and signs
// entries, and writes the journal first, then the index. A failed index
// write is logged and left for Verify to report as divergence; a failed
// journal write aborts the append with the chain state unchanged.
type Service struct {
	mu      sync.Mutex
	db      *sql.DB
	journal *Journal
	index   *Index
	signer  *Signer
	clock   clock.Clock

	lastSeq  int64
	lastHash string
	rootedAt int64
}

// NewService opens the audit database and journal, loads or mints signing
// keys, and recovers the chain head from the sinks.
func NewService(journalPath, dbPath, algorithm string, clk clock.Clock) (*Service, error) {
	timer := logging.StartTimer(logging.CategoryAudit, "NewService")
	defer timer.Stop()

	db, err := persistence.Open(dbPath)
	if err != nil {
		return nil, err
	}
	index, err := NewIndex(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	signer, err := NewSigner(db, algorithm, clk)
	if err != nil {
		db.Close()
		return nil, err
	}
	journal, err := OpenJournal(journalPath)
	if err != nil {
		db.Close()
		return nil, err
	}

	s := &Service{
		db:      db,
		journal: journal,
		index:   index,
		signer:  signer,
		clock:   clk,
	}
	if err := s.recoverHead(); err != nil {
		journal.Close()
		db.Close()
		return nil, err
	}

	logging.Audit("audit trail ready at sequence %d (key %s)", s.lastSeq, signer.ActiveKeyID())
	return s, nil
}

// recoverHead restores lastSeq/lastHash from the sinks. The journal is
// authoritative; a corrupt or missing journal falls back to the index with
// an error logged, and Verify reports the damage.
func (s *Service) recoverHead() error {
	jTail, jErr := s.journal.Tail()
	if jErr != nil {
		logging.AuditError("journal tail unreadable: %v", jErr)
	}
	iTail, iErr := s.index.Last()
	if iErr != nil {
		return iErr
	}

	switch {
	case jTail != nil:
		s.lastSeq = jTail.SequenceNumber
		s.lastHash = jTail.EntryHash
		if iTail == nil || iTail.SequenceNumber != jTail.SequenceNumber || iTail.EntryHash != jTail.EntryHash {
			logging.AuditError("index head diverges from journal at sequence %d; journal is authoritative", jTail.SequenceNumber)
		}
	case iTail != nil:
		if jErr == nil {
			logging.AuditError("journal empty but index head is at sequence %d; adopting index head", iTail.SequenceNumber)
		}
		s.lastSeq = iTail.SequenceNumber
		s.lastHash = iTail.EntryHash
	default:
		s.lastSeq = 0
		s.lastHash = types.GenesisPreviousHash
	}

	_, rootedEnd, _, err := s.index.LastRoot()
	if err != nil {
		return err
	}
	s.rootedAt = rootedEnd
	return nil
}

// Append seals event into the chain: next sequence, previous hash link,
// SHA-256 entry hash, signature. Journal first, then index.
func (s *Service) Append(ctx context.Context, event types.AuditEvent) (*types.AuditEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if event.EventType == "" {
		return nil, types.Validation("audit.append", "event type is required")
	}
	payload, err := NormalizePayload(event.Payload)
	if err != nil {
		return nil, err
	}
	originator := event.OriginatorID
	if originator == "" {
		originator = "system"
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	entry := types.AuditEntry{
		SequenceNumber: s.lastSeq + 1,
		EventID:        uuid.NewString(),
		EventTimestamp: s.clock.Now().UTC(),
		EventType:      event.EventType,
		OriginatorID:   originator,
		Payload:        payload,
		PreviousHash:   s.lastHash,
	}
	hash, err := EntryHash(entry)
	if err != nil {
		return nil, err
	}
	sig, keyID, err := s.signer.Sign(hash)
	if err != nil {
		return nil, err
	}
	entry.EntryHash = hash
	entry.Signature = sig
	entry.SigningKeyID = keyID

	if err := s.journal.Append(entry); err != nil {
		// Chain state unchanged: the entry was never recorded anywhere.
		return nil, types.WrapError(types.ErrTransient, "audit.append", err)
	}
	if err := s.index.Insert(entry); err != nil {
		logging.AuditError("index insert failed at sequence %d: %v (journal is authoritative)",
			entry.SequenceNumber, err)
	}

	s.lastSeq = entry.SequenceNumber
	s.lastHash = entry.EntryHash
	logging.AuditDebug("appended %s seq=%d originator=%s", entry.EventType, entry.SequenceNumber, originator)
	return &entry, nil
}

// LogEvent is the service's face on the audit bus: append and discard the
// sealed entry.
func (s *Service) LogEvent(ctx context.Context, event types.AuditEvent) error {
	_, err := s.Append(ctx, event)
	return err
}

// LastSequence returns the sequence number of the newest entry, 0 when the
// chain is empty.
func (s *Service) LastSequence() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSeq
}

// =============================================================================
// VERIFICATION
// =============================================================================

// Verify replays the journal over [from, to] (zero bounds widen to the full
// chain) and checks sequence continuity, hash links, recomputed entry
// hashes, and signatures. The walk stops at the first violation. Index rows
// that disagree with the journal are appended as index_divergence findings
// without invalidating the chain.
func (s *Service) Verify(ctx context.Context, from, to int64) (*types.VerificationResult, error) {
	if from <= 0 {
		from = 1
	}

	result := &types.VerificationResult{Valid: true}
	seen := make(map[int64]bool)

	prevSeq, prevHash, anchored, err := s.verifyAnchor(from)
	if err != nil {
		return nil, err
	}

	invalidate := func(seq int64, kind types.ViolationKind, detail string) {
		result.Valid = false
		result.FirstInvalid = seq
		result.Kind = kind
		result.Detail = detail
	}

	replayErr := s.journal.Replay(from, to, func(entry types.AuditEntry) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		result.Checked++
		seen[entry.SequenceNumber] = true

		if anchored && entry.SequenceNumber != prevSeq+1 {
			invalidate(prevSeq+1, types.ViolationSequenceGap,
				fmt.Sprintf("journal jumps from %d to %d", prevSeq, entry.SequenceNumber))
			return errStopReplay
		}
		if anchored && entry.PreviousHash != prevHash {
			invalidate(entry.SequenceNumber, types.ViolationChainBreak,
				fmt.Sprintf("previous_hash does not match hash of entry %d", prevSeq))
			return errStopReplay
		}
		if !anchored && entry.SequenceNumber == 1 && entry.PreviousHash != types.GenesisPreviousHash {
			invalidate(1, types.ViolationChainBreak, `genesis entry must link to "genesis"`)
			return errStopReplay
		}

		recomputed, err := EntryHash(entry)
		if err != nil {
			invalidate(entry.SequenceNumber, types.ViolationHashMismatch, err.Error())
			return errStopReplay
		}
		if recomputed != entry.EntryHash {
			invalidate(entry.SequenceNumber, types.ViolationHashMismatch,
				"entry content does not hash to entry_hash")
			return errStopReplay
		}

		if !s.signer.HasKey(entry.SigningKeyID) {
			invalidate(entry.SequenceNumber, types.ViolationUnknownKey,
				fmt.Sprintf("signing key %q is not published", entry.SigningKeyID))
			return errStopReplay
		}
		if err := s.signer.Verify(entry.SigningKeyID, entry.EntryHash, entry.Signature); err != nil {
			invalidate(entry.SequenceNumber, types.ViolationBadSignature,
				fmt.Sprintf("signature rejected under key %s", entry.SigningKeyID))
			return errStopReplay
		}

		s.compareIndexRow(entry, result)

		prevSeq = entry.SequenceNumber
		prevHash = entry.EntryHash
		anchored = true
		return nil
	})

	if replayErr != nil && !errors.Is(replayErr, errStopReplay) {
		var corrupt *corruptLineError
		if errors.As(replayErr, &corrupt) {
			invalidate(prevSeq+1, types.ViolationChainBreak, corrupt.Error())
		} else {
			return nil, replayErr
		}
	}

	if result.Valid {
		s.findIndexOnlyRows(from, to, seen, result)
	}
	return result, nil
}

// verifyAnchor locates the entry before the range so the first in-range
// entry's linkage can be checked. A range starting past the retained
// journal head verifies unanchored.
func (s *Service) verifyAnchor(from int64) (prevSeq int64, prevHash string, anchored bool, err error) {
	if from == 1 {
		return 0, types.GenesisPreviousHash, false, nil
	}
	replayErr := s.journal.Replay(from-1, from-1, func(entry types.AuditEntry) error {
		prevSeq = entry.SequenceNumber
		prevHash = entry.EntryHash
		anchored = true
		return errStopReplay
	})
	if replayErr != nil && !errors.Is(replayErr, errStopReplay) {
		var corrupt *corruptLineError
		if !errors.As(replayErr, &corrupt) {
			return 0, "", false, replayErr
		}
	}
	if !anchored {
		prevSeq = from - 1
	}
	return prevSeq, prevHash, anchored, nil
}

// compareIndexRow checks the index row for one verified journal entry and
// records a divergence finding when the sinks disagree.
func (s *Service) compareIndexRow(entry types.AuditEntry, result *types.VerificationResult) {
	row, err := s.index.Entry(entry.SequenceNumber)
	if err != nil {
		detail := "missing from index"
		if !types.IsKind(err, types.ErrNotFound) {
			detail = fmt.Sprintf("index read failed: %v", err)
		}
		result.Findings = append(result.Findings, types.Finding{
			Sequence: entry.SequenceNumber,
			Kind:     types.ViolationIndexDivergence,
			Detail:   detail,
		})
		return
	}
	if !entriesEqual(entry, *row) {
		result.Findings = append(result.Findings, types.Finding{
			Sequence: entry.SequenceNumber,
			Kind:     types.ViolationIndexDivergence,
			Detail:   "index row differs from journal entry",
		})
	}
}

// findIndexOnlyRows flags index rows in range with no journal counterpart.
func (s *Service) findIndexOnlyRows(from, to int64, seen map[int64]bool, result *types.VerificationResult) {
	rows, err := s.index.Range(from, to)
	if err != nil {
		logging.AuditError("index range scan failed during verification: %v", err)
		return
	}
	for _, row := range rows {
		if !seen[row.SequenceNumber] {
			result.Findings = append(result.Findings, types.Finding{
				Sequence: row.SequenceNumber,
				Kind:     types.ViolationIndexDivergence,
				Detail:   "present only in index",
			})
		}
	}
}

func entriesEqual(a, b types.AuditEntry) bool {
	ap, aerr := NormalizePayload(a.Payload)
	bp, berr := NormalizePayload(b.Payload)
	if aerr != nil || berr != nil {
		return false
	}
	return a.SequenceNumber == b.SequenceNumber &&
		a.EventID == b.EventID &&
		a.EventTimestamp.Equal(b.EventTimestamp) &&
		a.EventType == b.EventType &&
		a.OriginatorID == b.OriginatorID &&
		string(ap) == string(bp) &&
		a.PreviousHash == b.PreviousHash &&
		a.EntryHash == b.EntryHash &&
		a.Signature == b.Signature &&
		a.SigningKeyID == b.SigningKeyID
}

// VerifyTail verifies the newest n entries. Used by the wakeup integrity
// check before the agent starts processing.
func (s *Service) VerifyTail(ctx context.Context, n int64) (*types.VerificationResult, error) {
	s.mu.Lock()
	last := s.lastSeq
	s.mu.Unlock()

	if last == 0 {
		return &types.VerificationResult{Valid: true}, nil
	}
	from := last - n + 1
	if from < 1 {
		from = 1
	}
	return s.Verify(ctx, from, last)
}

// =============================================================================
// TASK SIGNING AND KEY ROTATION
// =============================================================================

// SignTask signs the task's canonical fields with the active key.
func (s *Service) SignTask(task types.Task) (signature, keyID string, err error) {
	hash, err := TaskHash(task)
	if err != nil {
		return "", "", err
	}
	return s.signer.Sign(hash)
}

// VerifyTask checks a task signature produced by SignTask.
func (s *Service) VerifyTask(task types.Task, signature, keyID string) error {
	hash, err := TaskHash(task)
	if err != nil {
		return err
	}
	return s.signer.Verify(keyID, hash, signature)
}

// RotateKey mints a new signing key, anchors a root over the entries sealed
// under the old key, fsyncs the journal, and records the rotation in the
// chain itself, signed by the new key.
func (s *Service) RotateKey(ctx context.Context) (string, error) {
	oldKeyID := s.signer.ActiveKeyID()
	newKeyID, err := s.signer.Rotate()
	if err != nil {
		return "", err
	}

	s.mu.Lock()
	if s.lastSeq > s.rootedAt {
		if err := s.index.RecordRoot(s.rootedAt+1, s.lastSeq, s.lastHash, s.clock.Now()); err != nil {
			logging.AuditError("root anchor failed at rotation: %v", err)
		} else {
			s.rootedAt = s.lastSeq
		}
	}
	s.mu.Unlock()

	if err := s.journal.Sync(); err != nil {
		logging.AuditError("journal sync failed at rotation: %v", err)
	}

	payload, _ := json.Marshal(map[string]string{
		"previous_key_id": oldKeyID,
		"new_key_id":      newKeyID,
	})
	if _, err := s.Append(ctx, types.AuditEvent{
		EventType:    types.AuditKeyRotation,
		OriginatorID: "audit",
		Payload:      payload,
	}); err != nil {
		return "", err
	}
	return newKeyID, nil
}

// ActiveKeyID returns the id of the key currently signing.
func (s *Service) ActiveKeyID() string { return s.signer.ActiveKeyID() }

// Signer exposes the chain's signer for task signing.
func (s *Service) Signer() *Signer { return s.signer }

// Close anchors a final root, flushes the journal, and releases both sinks.
func (s *Service) Close() error {
	s.mu.Lock()
	if s.lastSeq > s.rootedAt {
		if err := s.index.RecordRoot(s.rootedAt+1, s.lastSeq, s.lastHash, s.clock.Now()); err != nil {
			logging.AuditError("root anchor failed at close: %v", err)
		} else {
			s.rootedAt = s.lastSeq
		}
	}
	s.mu.Unlock()

	jErr := s.journal.Close()
	dbErr := s.db.Close()
	if jErr != nil {
		return jErr
	}
	return dbErr
}
