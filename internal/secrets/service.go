// Package secrets is the secrets side of the filter capability: detected
// secrets are lifted out of content before it is stored or reasoned over,
// encrypted at rest in their own database, and replaced with opaque
// `{{secret:UUID}}` references. Only SPEAK and TOOL substitute plaintext
// back; every other action sees the reference.
package secrets

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"ciris/internal/clock"
	"ciris/internal/logging"
	"ciris/internal/persistence"
	"ciris/internal/types"
)

var refRe = regexp.MustCompile(types.SecretRefPattern)

// The secrets database is not goose-managed for the same reason the audit
// database is not: goose configuration is process global and belongs to the
// main store.
func ensureSchema(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS secrets (
		secret_id    TEXT PRIMARY KEY,
		kind         TEXT NOT NULL,
		description  TEXT NOT NULL,
		origin       TEXT NOT NULL,
		nonce        BLOB NOT NULL,
		ciphertext   BLOB NOT NULL,
		created_at   TEXT NOT NULL,
		accessed_at  TEXT,
		access_count INTEGER NOT NULL DEFAULT 0
	);
	`
	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create secrets schema: %w", err)
	}
	return nil
}

// Service is the reference secrets provider: AES-256-GCM over a key derived
// from the master secret, one row per lifted secret.
type Service struct {
	db    *sql.DB
	gcm   cipher.AEAD
	clock clock.Clock

	mu sync.Mutex
}

// New opens (or creates) the secrets store at path. The encryption key is
// SHA-256 of the master secret; an empty master secret is refused rather
// than silently degrading to a known key.
func New(path, masterSecret string, clk clock.Clock) (*Service, error) {
	if masterSecret == "" {
		return nil, types.Validation("secrets.new", "master secret is required")
	}

	key := sha256.Sum256([]byte(masterSecret))
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, fmt.Errorf("failed to build cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to build GCM: %w", err)
	}

	db, err := persistence.Open(path)
	if err != nil {
		return nil, err
	}
	if err := ensureSchema(db); err != nil {
		db.Close()
		return nil, err
	}

	logging.Secrets("secrets store ready at %s", path)
	return &Service{db: db, gcm: gcm, clock: clk}, nil
}

// Close closes the secrets database.
func (s *Service) Close() error {
	return s.db.Close()
}

// Encapsulate lifts every detected secret out of content, stores it
// encrypted, and returns the content with references substituted. Content
// with no secrets passes through unchanged.
func (s *Service) Encapsulate(ctx context.Context, content, origin string) (types.EncapsulateResult, error) {
	findings := detect(content)
	if len(findings) == 0 {
		return types.EncapsulateResult{Content: content}, nil
	}

	// First pass assigns IDs in reading order; repeated values share one
	// stored secret.
	ids := make([]string, len(findings))
	byValue := make(map[string]string)
	var refs []types.SecretRef
	for i, f := range findings {
		if id, ok := byValue[f.value]; ok {
			ids[i] = id
			continue
		}
		id := uuid.NewString()
		if err := s.put(ctx, id, f, origin); err != nil {
			return types.EncapsulateResult{}, err
		}
		byValue[f.value] = id
		ids[i] = id
		refs = append(refs, types.SecretRef{ID: id, Kind: f.kind, Description: f.description})
	}

	// Second pass substitutes back-to-front so earlier offsets stay valid.
	out := content
	for i := len(findings) - 1; i >= 0; i-- {
		out = out[:findings[i].start] + "{{secret:" + ids[i] + "}}" + out[findings[i].end:]
	}

	logging.Secrets("encapsulated %d secret(s) from %s", len(refs), origin)
	return types.EncapsulateResult{Content: out, Refs: refs}, nil
}

// Decapsulate substitutes stored secrets back into content for actions that
// leave the reasoning loop. Everything else gets the references untouched,
// so secrets never ride through prompts, memory, or follow-up thoughts.
func (s *Service) Decapsulate(ctx context.Context, content string, action types.ActionType, origin string) (string, error) {
	if action != types.ActionSpeak && action != types.ActionTool {
		return content, nil
	}

	matches := refRe.FindAllStringSubmatchIndex(content, -1)
	if len(matches) == 0 {
		return content, nil
	}

	var b strings.Builder
	last := 0
	substituted := 0
	for _, m := range matches {
		id := content[m[2]:m[3]]
		plain, err := s.get(ctx, id, origin)
		if types.IsKind(err, types.ErrNotFound) {
			// An unknown reference stays in place: failing the whole
			// delivery over one stale token helps nobody.
			logging.SecretsDebug("reference %s unknown, left in place", id)
			continue
		}
		if err != nil {
			return "", err
		}
		b.WriteString(content[last:m[0]])
		b.WriteString(plain)
		last = m[1]
		substituted++
	}
	b.WriteString(content[last:])

	if substituted > 0 {
		logging.Secrets("decapsulated %d secret(s) for %s (%s)", substituted, action, origin)
	}
	return b.String(), nil
}

// put encrypts and stores one secret. The secret ID rides as AAD so a row
// cannot be re-keyed to another identity without failing authentication.
func (s *Service) put(ctx context.Context, id string, f finding, origin string) error {
	nonce := make([]byte, s.gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return fmt.Errorf("failed to draw nonce: %w", err)
	}
	ct := s.gcm.Seal(nil, nonce, []byte(f.value), []byte(id))

	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO secrets (secret_id, kind, description, origin, nonce, ciphertext, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		id, f.kind, f.description, origin, nonce, ct,
		s.clock.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("failed to store secret: %w", err)
	}
	return nil
}

// get decrypts one stored secret and records the access.
func (s *Service) get(ctx context.Context, id string, origin string) (string, error) {
	var nonce, ct []byte
	err := s.db.QueryRowContext(ctx,
		"SELECT nonce, ciphertext FROM secrets WHERE secret_id = ?", id).Scan(&nonce, &ct)
	if errors.Is(err, sql.ErrNoRows) {
		return "", types.NotFound("secrets.get", "no secret %s", id)
	}
	if err != nil {
		return "", fmt.Errorf("failed to load secret %s: %w", id, err)
	}

	plain, err := s.gcm.Open(nil, nonce, ct, []byte(id))
	if err != nil {
		return "", types.Security("secrets.get", "secret %s failed authentication: %v", id, err)
	}

	s.touch(ctx, id)
	logging.SecretsDebug("secret %s released to %s", id, origin)
	return string(plain), nil
}

// touch bumps access bookkeeping best-effort.
func (s *Service) touch(ctx context.Context, id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx,
		"UPDATE secrets SET accessed_at = ?, access_count = access_count + 1 WHERE secret_id = ?",
		s.clock.Now().UTC().Format(time.RFC3339Nano), id)
	if err != nil {
		logging.SecretsDebug("access bookkeeping for %s failed: %v", id, err)
	}
}
