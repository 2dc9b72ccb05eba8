package audit

import (
	"crypto"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"database/sql"
	"encoding/base64"
	"encoding/hex"
	"encoding/pem"
	"fmt"
	"sync"
	"time"

	"ciris/internal/clock"
	"ciris/internal/logging"
	"ciris/internal/types"
)

// =============================================================================
// SIGNER
// =============================================================================

// Supported signing algorithms. The algorithm is fixed per key; the chain
// may carry entries signed under different algorithms across rotations.
const (
	AlgorithmEd25519 = "ed25519"
	AlgorithmRSAPSS  = "rsa-pss"
)

const rsaKeyBits = 2048

// signingKey is one keypair from audit_signing_keys. Retired keys keep
// verifying; only the active key signs.
type signingKey struct {
	id        string
	algorithm string
	public    crypto.PublicKey
	private   crypto.PrivateKey
	createdAt time.Time
	active    bool
}

// Signer signs entry hashes with the active key and verifies against every
// key ever published. Rotation is additive: a new key is minted and the old
// one retired in place, never deleted.
type Signer struct {
	mu        sync.RWMutex
	db        *sql.DB
	clock     clock.Clock
	algorithm string
	active    *signingKey
	keys      map[string]*signingKey
}

// NewSigner loads the key set from the audit database and ensures an active
// key exists for the configured algorithm, minting one if needed.
func NewSigner(db *sql.DB, algorithm string, clk clock.Clock) (*Signer, error) {
	switch algorithm {
	case AlgorithmEd25519, AlgorithmRSAPSS:
	default:
		return nil, types.Validation("audit.signer", "unsupported signing algorithm %q", algorithm)
	}

	s := &Signer{
		db:        db,
		clock:     clk,
		algorithm: algorithm,
		keys:      make(map[string]*signingKey),
	}
	if err := s.loadKeys(); err != nil {
		return nil, err
	}

	if s.active == nil || s.active.algorithm != algorithm {
		// First boot, or the configured algorithm changed out from under the
		// previous active key. Either way mint a fresh key; old entries keep
		// verifying against the retired set.
		if _, err := s.Rotate(); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func (s *Signer) loadKeys() error {
	rows, err := s.db.Query(`SELECT key_id, algorithm, public_key_pem, private_key_pem, active, created_at
		FROM audit_signing_keys ORDER BY created_at ASC, key_id ASC`)
	if err != nil {
		return fmt.Errorf("failed to load signing keys: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			k          signingKey
			pubPEM     string
			privPEM    string
			active     int
			createdRaw string
		)
		if err := rows.Scan(&k.id, &k.algorithm, &pubPEM, &privPEM, &active, &createdRaw); err != nil {
			return fmt.Errorf("failed to scan signing key: %w", err)
		}
		k.active = active != 0
		if ts, err := time.Parse(timeLayout, createdRaw); err == nil {
			k.createdAt = ts
		}
		if k.public, err = parsePublicPEM(pubPEM); err != nil {
			return fmt.Errorf("failed to parse public key %s: %w", k.id, err)
		}
		if k.private, err = parsePrivatePEM(privPEM); err != nil {
			return fmt.Errorf("failed to parse private key %s: %w", k.id, err)
		}
		key := k
		s.keys[key.id] = &key
		if key.active {
			s.active = &key
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("failed to iterate signing keys: %w", err)
	}
	logging.AuditDebug("loaded %d signing keys", len(s.keys))
	return nil
}

// Rotate mints a new keypair under the configured algorithm, persists it as
// active, and retires the previous active key. Old keys remain in the set
// so historical signatures stay verifiable.
func (s *Signer) Rotate() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key, err := generateKey(s.algorithm, s.clock.Now())
	if err != nil {
		return "", err
	}
	pubPEM, privPEM, err := encodeKeyPEM(key)
	if err != nil {
		return "", err
	}

	tx, err := s.db.Begin()
	if err != nil {
		return "", fmt.Errorf("failed to begin key rotation: %w", err)
	}
	defer tx.Rollback()

	now := s.clock.Now().UTC().Format(timeLayout)
	if s.active != nil {
		if _, err := tx.Exec(`UPDATE audit_signing_keys SET active = 0, retired_at = ? WHERE key_id = ?`,
			now, s.active.id); err != nil {
			return "", fmt.Errorf("failed to retire key %s: %w", s.active.id, err)
		}
	}
	if _, err := tx.Exec(`INSERT INTO audit_signing_keys
		(key_id, algorithm, public_key_pem, private_key_pem, active, created_at)
		VALUES (?, ?, ?, ?, 1, ?)`,
		key.id, key.algorithm, pubPEM, privPEM, now); err != nil {
		return "", fmt.Errorf("failed to persist key %s: %w", key.id, err)
	}
	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("failed to commit key rotation: %w", err)
	}

	if s.active != nil {
		s.active.active = false
	}
	s.keys[key.id] = key
	s.active = key
	logging.Audit("signing key rotated: %s (%s)", key.id, key.algorithm)
	return key.id, nil
}

// Sign signs the hex entry hash with the active key. Returns the base64
// signature and the signing key id.
func (s *Signer) Sign(entryHash string) (string, string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.active == nil {
		return "", "", types.Fatal("audit.sign", "no active signing key")
	}
	digest, err := hex.DecodeString(entryHash)
	if err != nil {
		return "", "", types.Validation("audit.sign", "entry hash is not hex: %v", err)
	}

	var sig []byte
	switch priv := s.active.private.(type) {
	case ed25519.PrivateKey:
		sig = ed25519.Sign(priv, digest)
	case *rsa.PrivateKey:
		sig, err = rsa.SignPSS(rand.Reader, priv, crypto.SHA256, digest,
			&rsa.PSSOptions{SaltLength: rsa.PSSSaltLengthEqualsHash})
		if err != nil {
			return "", "", fmt.Errorf("failed to sign entry hash: %w", err)
		}
	default:
		return "", "", types.Fatal("audit.sign", "active key %s has unusable private key", s.active.id)
	}
	return base64.StdEncoding.EncodeToString(sig), s.active.id, nil
}

// HasKey reports whether keyID is in the published key set.
func (s *Signer) HasKey(keyID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.keys[keyID]
	return ok
}

// Verify checks signature (base64) over the hex entry hash against the named
// key, active or retired.
func (s *Signer) Verify(keyID, entryHash, signature string) error {
	s.mu.RLock()
	key, ok := s.keys[keyID]
	s.mu.RUnlock()
	if !ok {
		return types.Security("audit.verify", "unknown signing key %q", keyID)
	}

	digest, err := hex.DecodeString(entryHash)
	if err != nil {
		return types.Validation("audit.verify", "entry hash is not hex: %v", err)
	}
	sig, err := base64.StdEncoding.DecodeString(signature)
	if err != nil {
		return types.Security("audit.verify", "signature is not base64: %v", err)
	}

	switch pub := key.public.(type) {
	case ed25519.PublicKey:
		if !ed25519.Verify(pub, digest, sig) {
			return types.Security("audit.verify", "signature does not verify under key %s", keyID)
		}
	case *rsa.PublicKey:
		if err := rsa.VerifyPSS(pub, crypto.SHA256, digest, sig,
			&rsa.PSSOptions{SaltLength: rsa.PSSSaltLengthEqualsHash}); err != nil {
			return types.Security("audit.verify", "signature does not verify under key %s", keyID)
		}
	default:
		return types.Security("audit.verify", "key %s has unusable public key", keyID)
	}
	return nil
}

// ActiveKeyID returns the id of the key currently signing.
func (s *Signer) ActiveKeyID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.active == nil {
		return ""
	}
	return s.active.id
}

// KeyIDs returns every published key id, active and retired.
func (s *Signer) KeyIDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.keys))
	for id := range s.keys {
		ids = append(ids, id)
	}
	return ids
}

// =============================================================================
// KEY MATERIAL
// =============================================================================

func generateKey(algorithm string, now time.Time) (*signingKey, error) {
	key := &signingKey{algorithm: algorithm, createdAt: now.UTC(), active: true}
	switch algorithm {
	case AlgorithmEd25519:
		pub, priv, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return nil, fmt.Errorf("failed to generate ed25519 key: %w", err)
		}
		key.public, key.private = pub, priv
	case AlgorithmRSAPSS:
		priv, err := rsa.GenerateKey(rand.Reader, rsaKeyBits)
		if err != nil {
			return nil, fmt.Errorf("failed to generate rsa key: %w", err)
		}
		key.public, key.private = &priv.PublicKey, priv
	default:
		return nil, types.Validation("audit.signer", "unsupported signing algorithm %q", algorithm)
	}

	id, err := keyFingerprint(key.public)
	if err != nil {
		return nil, err
	}
	key.id = id
	return key, nil
}

// keyFingerprint derives a stable key id from the public key DER: the first
// 16 hex characters of its SHA-256.
func keyFingerprint(pub crypto.PublicKey) (string, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return "", fmt.Errorf("failed to fingerprint public key: %w", err)
	}
	sum := sha256.Sum256(der)
	return hex.EncodeToString(sum[:])[:16], nil
}

func encodeKeyPEM(key *signingKey) (string, string, error) {
	pubDER, err := x509.MarshalPKIXPublicKey(key.public)
	if err != nil {
		return "", "", fmt.Errorf("failed to encode public key: %w", err)
	}
	privDER, err := x509.MarshalPKCS8PrivateKey(key.private)
	if err != nil {
		return "", "", fmt.Errorf("failed to encode private key: %w", err)
	}
	pubPEM := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubDER})
	privPEM := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: privDER})
	return string(pubPEM), string(privPEM), nil
}

func parsePublicPEM(data string) (crypto.PublicKey, error) {
	block, _ := pem.Decode([]byte(data))
	if block == nil {
		return nil, fmt.Errorf("no PEM block found")
	}
	return x509.ParsePKIXPublicKey(block.Bytes)
}

func parsePrivatePEM(data string) (crypto.PrivateKey, error) {
	block, _ := pem.Decode([]byte(data))
	if block == nil {
		return nil, fmt.Errorf("no PEM block found")
	}
	return x509.ParsePKCS8PrivateKey(block.Bytes)
}
