package crypto

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/hkdf"

	apperrors "github.com/kimhsiao/mindharbor/backend/internal/errors"
	"github.com/kimhsiao/mindharbor/backend/internal/models"
)

// PayloadVersion is the envelope format produced by AESGateway.
const PayloadVersion = 1

const (
	nonceSize = 12
	tagSize   = 16
	keySize   = 32
)

// Context describes what is being encrypted. It is stored on the envelope
// and bound into the ciphertext as additional data, so a payload cannot be
// replayed for a different user, record or field.
type Context struct {
	ItemType models.ItemType
	TempID   string
	Field    string
}

// Decrypted is the result of DecryptPHI.
type Decrypted struct {
	Content  []byte
	Metadata map[string]string
}

// IntegrityResult reports whether an envelope is well formed and its
// checksum matches its contents.
type IntegrityResult struct {
	IsValid       bool
	ChecksumMatch bool
	Reason        string
}

// KeyReference identifies key material without exposing it.
type KeyReference struct {
	UserID  string `json:"user_id"`
	KeyID   string `json:"key_id"`
	Version int    `json:"version"`
}

// Gateway is the boundary every PHI field crosses on its way to or from the
// remote store.
type Gateway interface {
	EncryptPHI(ctx context.Context, plaintext []byte, userID string, c Context, dataType string) (*models.EncryptedPayload, error)
	DecryptPHI(ctx context.Context, payload *models.EncryptedPayload, userID string) (*Decrypted, error)
	VerifyEncryptionIntegrity(payload *models.EncryptedPayload) IntegrityResult
	KeyReference(userID string) KeyReference
}

// AESGateway is a local Gateway using AES-256-GCM with per-user keys
// derived from a master key via HKDF-SHA256.
type AESGateway struct {
	master     []byte
	keyVersion int
	random     io.Reader
	now        func() time.Time

	mu   sync.Mutex
	keys map[string][]byte
}

// GatewayOption configures an AESGateway.
type GatewayOption func(*AESGateway)

// WithKeyVersion sets the key version stamped into new envelopes.
func WithKeyVersion(v int) GatewayOption {
	return func(g *AESGateway) { g.keyVersion = v }
}

// WithRandom replaces the nonce source.
func WithRandom(r io.Reader) GatewayOption {
	return func(g *AESGateway) { g.random = r }
}

// NewAESGateway creates a gateway around a 32-byte master key.
func NewAESGateway(master []byte, opts ...GatewayOption) (*AESGateway, error) {
	if len(master) != keySize {
		return nil, fmt.Errorf("%w: master key must be %d bytes", ErrInvalidKey, keySize)
	}
	g := &AESGateway{
		master:     append([]byte(nil), master...),
		keyVersion: 1,
		random:     rand.Reader,
		now:        time.Now,
		keys:       make(map[string][]byte),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g, nil
}

var _ Gateway = (*AESGateway)(nil)

func (g *AESGateway) keyID(userID string) string {
	return "user:" + userID + ":v" + strconv.Itoa(g.keyVersion)
}

func (g *AESGateway) userKey(keyID string) ([]byte, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if k, ok := g.keys[keyID]; ok {
		return k, nil
	}
	k := make([]byte, keySize)
	r := hkdf.New(sha256.New, g.master, []byte(keyID), []byte("phi-field-key"))
	if _, err := io.ReadFull(r, k); err != nil {
		return nil, err
	}
	g.keys[keyID] = k
	return k, nil
}

// additionalData length-prefixes every part so no two contexts encode to
// the same bytes.
func additionalData(userID, keyID string, c Context, dataType string) []byte {
	var b strings.Builder
	for _, part := range []string{userID, keyID, string(c.ItemType), c.TempID, c.Field, dataType} {
		b.WriteString(strconv.Itoa(len(part)))
		b.WriteByte(':')
		b.WriteString(part)
	}
	return []byte(b.String())
}

// contextOf returns the context an envelope claims to be sealed for.
func contextOf(p *models.EncryptedPayload) Context {
	return Context{ItemType: p.ItemType, TempID: p.TempID, Field: p.Field}
}

func checksum(iv, data []byte) string {
	h := sha256.New()
	h.Write(iv)
	h.Write(data)
	return base64.StdEncoding.EncodeToString(h.Sum(nil))
}

// EncryptPHI encrypts plaintext for userID with a fresh nonce.
func (g *AESGateway) EncryptPHI(ctx context.Context, plaintext []byte, userID string, c Context, dataType string) (*models.EncryptedPayload, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if userID == "" {
		return nil, apperrors.New(apperrors.ErrCryptoFailed, "user id required")
	}

	keyID := g.keyID(userID)
	key, err := g.userKey(keyID)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrCryptoFailed, "derive key", err)
	}
	gcm, err := newGCM(key)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrCryptoFailed, "init cipher", err)
	}

	iv := make([]byte, nonceSize)
	if _, err := io.ReadFull(g.random, iv); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrCryptoFailed, "generate nonce", err)
	}
	data := gcm.Seal(nil, iv, plaintext, additionalData(userID, keyID, c, dataType))

	return &models.EncryptedPayload{
		Data:      base64.StdEncoding.EncodeToString(data),
		IV:        base64.StdEncoding.EncodeToString(iv),
		Version:   PayloadVersion,
		Timestamp: g.now().UTC(),
		Checksum:  checksum(iv, data),
		KeyID:     keyID,
		ItemType:  c.ItemType,
		TempID:    c.TempID,
		Field:     c.Field,
		DataType:  dataType,
	}, nil
}

// DecryptPHI verifies and decrypts payload for userID. An envelope whose
// stored context was edited fails like a wrong key.
func (g *AESGateway) DecryptPHI(ctx context.Context, payload *models.EncryptedPayload, userID string) (*Decrypted, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if res := g.VerifyEncryptionIntegrity(payload); !res.IsValid {
		return nil, apperrors.New(apperrors.ErrEncryptionIntegrity, res.Reason)
	}

	iv, _ := base64.StdEncoding.DecodeString(payload.IV)
	data, _ := base64.StdEncoding.DecodeString(payload.Data)

	key, err := g.userKey(payload.KeyID)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrCryptoFailed, "derive key", err)
	}
	gcm, err := newGCM(key)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrCryptoFailed, "init cipher", err)
	}
	aad := additionalData(userID, payload.KeyID, contextOf(payload), payload.DataType)
	plaintext, err := gcm.Open(nil, iv, data, aad)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrCryptoFailed, "decrypt", ErrInvalidCiphertext)
	}

	return &Decrypted{
		Content: plaintext,
		Metadata: map[string]string{
			"key_id":    payload.KeyID,
			"item_type": string(payload.ItemType),
			"temp_id":   payload.TempID,
			"field":     payload.Field,
			"version":   strconv.Itoa(payload.Version),
			"timestamp": payload.Timestamp.Format(time.RFC3339Nano),
		},
	}, nil
}

// VerifyEncryptionIntegrity checks envelope shape and checksum without
// touching key material.
func (g *AESGateway) VerifyEncryptionIntegrity(payload *models.EncryptedPayload) IntegrityResult {
	if payload == nil {
		return IntegrityResult{Reason: "missing payload"}
	}
	if payload.Version != PayloadVersion {
		return IntegrityResult{Reason: fmt.Sprintf("unsupported version %d", payload.Version)}
	}
	if payload.KeyID == "" {
		return IntegrityResult{Reason: "missing key id"}
	}
	iv, err := base64.StdEncoding.DecodeString(payload.IV)
	if err != nil || len(iv) != nonceSize {
		return IntegrityResult{Reason: "malformed iv"}
	}
	data, err := base64.StdEncoding.DecodeString(payload.Data)
	if err != nil || len(data) < tagSize {
		return IntegrityResult{Reason: "malformed data"}
	}
	if checksum(iv, data) != payload.Checksum {
		return IntegrityResult{Reason: "checksum mismatch"}
	}
	return IntegrityResult{IsValid: true, ChecksumMatch: true}
}

// KeyReference returns the current key reference for userID.
func (g *AESGateway) KeyReference(userID string) KeyReference {
	return KeyReference{UserID: userID, KeyID: g.keyID(userID), Version: g.keyVersion}
}
