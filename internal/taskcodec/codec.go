// Package taskcodec implements the signed-task protocol that guards the
// boundary between the task producer and the worker fleet: HMAC-SHA256
// signatures over a canonical signing string, optional AES-256-GCM payload
// encryption, and replay protection via a nonce cache.
//
// The signing string is the pipe-joined sequence
// [task_id, task_type, account_id, timestamp_ms, nonce, data_hash]. Field
// order and separator are part of the wire contract; producer and verifier
// must match bit-for-bit or every signature fails.
package taskcodec

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/MangaiYashobeam/FMD/api/schemas"
)

// ProtocolVersion must match exactly on both ends of the channel.
const ProtocolVersion = "1.0"

const (
	// MinSecretLength is the minimum length of the shared secret.
	MinSecretLength = 32

	// futureSkewTolerance bounds how far in the future a timestamp may be
	// before it is treated as a clock-skewed forgery.
	futureSkewTolerance = time.Minute

	// encryptionLabel domain-separates the encryption key from the signing
	// key during derivation.
	encryptionLabel = "fmd-encryption-v1"

	gcmNonceSize = 12
	gcmTagSize   = 16
)

// -- Error taxonomy --
// Every verification failure is fatal to the individual task. A forged or
// expired task must never be retried as-is, so none of these are retryable.

// ErrorKind identifies the class of verification failure.
type ErrorKind string

const (
	KindProtocolVersionMismatch ErrorKind = "protocol_version_mismatch"
	KindSignatureExpired        ErrorKind = "signature_expired"
	KindTimestampInFuture       ErrorKind = "timestamp_in_future"
	KindReplayDetected          ErrorKind = "replay_detected"
	KindInvalidSignature        ErrorKind = "invalid_signature"
	KindIntegrityCheckFailed    ErrorKind = "integrity_check_failed"
	KindDecryptionFailed        ErrorKind = "decryption_failed"
)

// VerificationError is returned by Verify for any protocol-level rejection.
type VerificationError struct {
	Kind   ErrorKind
	Detail string
}

func (e *VerificationError) Error() string {
	if e.Detail == "" {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Detail)
}

// IsKind reports whether err is a VerificationError of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	ve, ok := err.(*VerificationError)
	return ok && ve.Kind == kind
}

// Codec signs outgoing tasks and verifies/decrypts incoming tasks. It owns
// the replay-nonce cache. Safe for concurrent use.
type Codec struct {
	signingKey    []byte
	encryptionKey []byte
	maxAge        time.Duration
	logger        *zap.Logger

	// now is injectable for deterministic expiry/replay tests.
	now func() time.Time

	noncesMu sync.Mutex
	nonces   map[string]time.Time
}

// New derives the signing and encryption keys from the shared secrets and
// returns a ready codec. encryptionSecret may equal signingSecret; the keys
// stay distinct through the derivation label.
func New(signingSecret, encryptionSecret string, maxAge time.Duration, logger *zap.Logger) (*Codec, error) {
	if len(signingSecret) < MinSecretLength {
		return nil, fmt.Errorf("signing secret must be at least %d characters", MinSecretLength)
	}
	if encryptionSecret == "" {
		encryptionSecret = signingSecret
	}
	if maxAge <= 0 {
		maxAge = 5 * time.Minute
	}

	signingKey := sha256.Sum256([]byte(signingSecret))
	encryptionKey := sha256.Sum256([]byte(encryptionSecret + encryptionLabel))

	return &Codec{
		signingKey:    signingKey[:],
		encryptionKey: encryptionKey[:],
		maxAge:        maxAge,
		logger:        logger.Named("taskcodec"),
		now:           time.Now,
		nonces:        make(map[string]time.Time),
	}, nil
}

// Sign wraps a task with signature, timestamp, nonce, and protocol version.
// When encryptSensitive is set the data payload is AEAD-encrypted and the
// plaintext is replaced with a small sentinel; the data hash is always
// computed over the plaintext so the signature binds the real payload to the
// task metadata either way.
func (c *Codec) Sign(task *schemas.Task, encryptSensitive bool) (*schemas.SignedTask, error) {
	timestamp := c.now().UnixMilli()
	nonce, err := randomHex(16)
	if err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	dataHash, err := canonicalHash(task.Data)
	if err != nil {
		return nil, fmt.Errorf("failed to hash task data: %w", err)
	}

	wireData := task.Data
	var encryptedPayload string
	if encryptSensitive && len(task.Data) > 0 {
		plaintext, err := json.Marshal(task.Data)
		if err != nil {
			return nil, fmt.Errorf("failed to serialize task data: %w", err)
		}
		encryptedPayload, err = c.encryptPayload(plaintext)
		if err != nil {
			return nil, fmt.Errorf("failed to encrypt task data: %w", err)
		}
		wireData = map[string]any{"encrypted": true}
	}

	signingString := buildSigningString(task.ID, string(task.Type), task.AccountID, timestamp, nonce, dataHash)
	signature := c.signString(signingString)

	return &schemas.SignedTask{
		TaskID:           task.ID,
		Type:             task.Type,
		AccountID:        task.AccountID,
		Data:             wireData,
		DataHash:         dataHash,
		Priority:         task.Priority,
		CreatedAt:        task.CreatedAt,
		RetryCount:       task.RetryCount,
		Signature:        signature,
		Timestamp:        timestamp,
		Nonce:            nonce,
		ProtocolVersion:  ProtocolVersion,
		EncryptedPayload: encryptedPayload,
	}, nil
}

// Verify checks a signed task's protocol version, age, replay nonce,
// signature, and payload integrity, decrypting the payload if present. On
// success it returns the reconstructed plaintext task.
func (c *Codec) Verify(st *schemas.SignedTask) (*schemas.Task, error) {
	if st.ProtocolVersion != ProtocolVersion {
		return nil, &VerificationError{Kind: KindProtocolVersionMismatch, Detail: st.ProtocolVersion}
	}

	age := c.now().UnixMilli() - st.Timestamp
	if age > c.maxAge.Milliseconds() {
		return nil, &VerificationError{Kind: KindSignatureExpired, Detail: fmt.Sprintf("age %dms", age)}
	}
	if age < -futureSkewTolerance.Milliseconds() {
		return nil, &VerificationError{Kind: KindTimestampInFuture, Detail: fmt.Sprintf("skew %dms", -age)}
	}

	if !c.recordNonce(st.TaskID, st.Nonce) {
		return nil, &VerificationError{Kind: KindReplayDetected, Detail: st.TaskID}
	}

	signingString := buildSigningString(st.TaskID, string(st.Type), st.AccountID, st.Timestamp, st.Nonce, st.DataHash)
	expected := c.signString(signingString)
	if !hmac.Equal([]byte(expected), []byte(st.Signature)) {
		return nil, &VerificationError{Kind: KindInvalidSignature}
	}

	data := st.Data
	if st.EncryptedPayload != "" {
		plaintext, err := c.decryptPayload(st.EncryptedPayload)
		if err != nil {
			return nil, &VerificationError{Kind: KindDecryptionFailed, Detail: err.Error()}
		}
		decrypted := make(map[string]any)
		if err := json.Unmarshal(plaintext, &decrypted); err != nil {
			return nil, &VerificationError{Kind: KindDecryptionFailed, Detail: "payload is not a JSON object"}
		}
		data = decrypted
	} else if st.DataHash != "" {
		// Unencrypted path: re-hash and compare. The encrypted path gets
		// integrity from the AEAD tag, so this check is skipped there.
		actual, err := canonicalHash(data)
		if err != nil {
			return nil, &VerificationError{Kind: KindIntegrityCheckFailed, Detail: err.Error()}
		}
		if actual != st.DataHash {
			return nil, &VerificationError{Kind: KindIntegrityCheckFailed}
		}
	}

	return &schemas.Task{
		ID:         st.TaskID,
		Type:       st.Type,
		AccountID:  st.AccountID,
		Data:       data,
		Priority:   st.Priority,
		CreatedAt:  st.CreatedAt,
		RetryCount: st.RetryCount,
	}, nil
}

// recordNonce inserts the (taskID, nonce) pair, reporting false when it was
// already present.
func (c *Codec) recordNonce(taskID, nonce string) bool {
	key := taskID + ":" + nonce
	c.noncesMu.Lock()
	defer c.noncesMu.Unlock()
	if _, seen := c.nonces[key]; seen {
		return false
	}
	c.nonces[key] = c.now()
	return true
}

// GCNonces drops nonce records older than the signature max age. Anything
// beyond that is already rejected unconditionally by the age check, so
// dropping the record does not weaken the replay guarantee.
func (c *Codec) GCNonces() int {
	cutoff := c.now().Add(-c.maxAge)
	c.noncesMu.Lock()
	defer c.noncesMu.Unlock()
	removed := 0
	for key, seen := range c.nonces {
		if seen.Before(cutoff) {
			delete(c.nonces, key)
			removed++
		}
	}
	return removed
}

// RunNonceGC runs the nonce cache garbage collector on the given interval
// until the context is cancelled. A failed tick never crashes the process.
func (c *Codec) RunNonceGC(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if removed := c.GCNonces(); removed > 0 {
				c.logger.Debug("Cleaned expired nonces", zap.Int("removed", removed))
			}
		}
	}
}

// NonceCount is exposed for tests and stats.
func (c *Codec) NonceCount() int {
	c.noncesMu.Lock()
	defer c.noncesMu.Unlock()
	return len(c.nonces)
}

func (c *Codec) signString(s string) string {
	mac := hmac.New(sha256.New, c.signingKey)
	mac.Write([]byte(s))
	return hex.EncodeToString(mac.Sum(nil))
}

func buildSigningString(taskID, taskType, accountID string, timestamp int64, nonce, dataHash string) string {
	return strings.Join([]string{
		taskID,
		taskType,
		accountID,
		strconv.FormatInt(timestamp, 10),
		nonce,
		dataHash,
	}, "|")
}

// canonicalHash computes SHA256 over the canonical JSON serialization of the
// payload. encoding/json sorts map keys, which gives a stable ordering for
// arbitrarily nested objects.
func canonicalHash(data map[string]any) (string, error) {
	if data == nil {
		data = map[string]any{}
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:]), nil
}

// encryptPayload seals the plaintext with AES-256-GCM and encodes it as
// "iv_base64:tag_base64:ciphertext_base64".
func (c *Codec) encryptPayload(plaintext []byte) (string, error) {
	block, err := aes.NewCipher(c.encryptionKey)
	if err != nil {
		return "", err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", err
	}

	iv := make([]byte, gcmNonceSize)
	if _, err := rand.Read(iv); err != nil {
		return "", err
	}

	sealed := gcm.Seal(nil, iv, plaintext, nil)
	ciphertext := sealed[:len(sealed)-gcmTagSize]
	tag := sealed[len(sealed)-gcmTagSize:]

	return strings.Join([]string{
		base64.StdEncoding.EncodeToString(iv),
		base64.StdEncoding.EncodeToString(tag),
		base64.StdEncoding.EncodeToString(ciphertext),
	}, ":"), nil
}

func (c *Codec) decryptPayload(encrypted string) ([]byte, error) {
	parts := strings.Split(encrypted, ":")
	if len(parts) != 3 {
		return nil, fmt.Errorf("invalid encrypted payload format")
	}

	iv, err := base64.StdEncoding.DecodeString(parts[0])
	if err != nil {
		return nil, fmt.Errorf("invalid iv encoding: %w", err)
	}
	tag, err := base64.StdEncoding.DecodeString(parts[1])
	if err != nil {
		return nil, fmt.Errorf("invalid tag encoding: %w", err)
	}
	ciphertext, err := base64.StdEncoding.DecodeString(parts[2])
	if err != nil {
		return nil, fmt.Errorf("invalid ciphertext encoding: %w", err)
	}
	if len(iv) != gcmNonceSize || len(tag) != gcmTagSize {
		return nil, fmt.Errorf("invalid iv or tag length")
	}

	block, err := aes.NewCipher(c.encryptionKey)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}

	return gcm.Open(nil, iv, append(ciphertext, tag...), nil)
}

// GenerateTaskID creates a secure task identifier with the given prefix.
func GenerateTaskID(prefix string) string {
	random, err := randomHex(8)
	if err != nil {
		// crypto/rand failing is unrecoverable for this process.
		panic(fmt.Sprintf("crypto/rand unavailable: %v", err))
	}
	return fmt.Sprintf("%s_%x%s", prefix, time.Now().Unix(), random)
}

func randomHex(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
