// Package storage keeps evidence of quarantined queue items in a
// content-addressed store, so an item that failed encryption verification
// can be inspected later without ever being uploaded.
package storage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	apperrors "github.com/kimhsiao/mindharbor/backend/internal/errors"
	"github.com/kimhsiao/mindharbor/backend/internal/models"
)

// Evidence is what gets kept for a quarantined item. Sensitive fields are
// only present in their encrypted form.
type Evidence struct {
	TempID        string                              `msgpack:"temp_id" json:"temp_id"`
	UserID        string                              `msgpack:"user_id" json:"user_id"`
	ItemType      models.ItemType                     `msgpack:"item_type" json:"item_type"`
	Field         string                              `msgpack:"field" json:"field"`
	Reason        string                              `msgpack:"reason" json:"reason"`
	Plain         map[string]interface{}              `msgpack:"plain" json:"plain,omitempty"`
	Encrypted     map[string]*models.EncryptedPayload `msgpack:"encrypted" json:"encrypted,omitempty"`
	QuarantinedAt time.Time                           `msgpack:"quarantined_at" json:"quarantined_at"`
}

// Quarantine stores evidence and returns a reference to it.
type Quarantine interface {
	Put(ctx context.Context, ev *Evidence) (string, error)
	Get(ctx context.Context, ref string) (*Evidence, error)
}

// CalculateHash returns the hex SHA-256 of data.
func CalculateHash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func validRef(ref string) bool {
	if len(ref) != sha256.Size*2 {
		return false
	}
	_, err := hex.DecodeString(ref)
	return err == nil
}

func encode(ev *Evidence) ([]byte, error) {
	if ev == nil || ev.TempID == "" {
		return nil, apperrors.New(apperrors.ErrInvalid, "evidence requires a temp id")
	}
	for field := range ev.Plain {
		if models.IsSensitive(ev.ItemType, field) {
			return nil, apperrors.Newf(apperrors.ErrInvalid, "field %s must not be stored in plain text", field)
		}
	}
	return msgpack.Marshal(ev)
}

func decode(ref string, data []byte) (*Evidence, error) {
	if got := CalculateHash(data); got != ref {
		return nil, apperrors.Newf(apperrors.ErrEncryptionIntegrity, "hash mismatch: expected %s, got %s", ref, got)
	}
	var ev Evidence
	if err := msgpack.Unmarshal(data, &ev); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInternal, "decode evidence", err)
	}
	return &ev, nil
}

// =====================================================
// Directory store
// =====================================================

// DirStore keeps evidence at baseDir/{hash[0:2]}/{hash[2:4]}/{hash}.
// Identical evidence is stored once.
type DirStore struct {
	baseDir string
}

var _ Quarantine = (*DirStore)(nil)

// NewDirStore creates a DirStore rooted at baseDir.
func NewDirStore(baseDir string) *DirStore {
	return &DirStore{baseDir: baseDir}
}

func (s *DirStore) path(ref string) string {
	return filepath.Join(s.baseDir, ref[0:2], ref[2:4], ref)
}

// Put implements Quarantine.
func (s *DirStore) Put(ctx context.Context, ev *Evidence) (string, error) {
	data, err := encode(ev)
	if err != nil {
		return "", err
	}
	ref := CalculateHash(data)
	p := s.path(ref)
	if _, err := os.Stat(p); err == nil {
		return ref, nil
	}
	if err := os.MkdirAll(filepath.Dir(p), 0700); err != nil {
		return "", fmt.Errorf("failed to create directory: %w", err)
	}
	tmp := p + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return "", fmt.Errorf("failed to write evidence: %w", err)
	}
	if err := os.Rename(tmp, p); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("failed to commit evidence: %w", err)
	}
	return ref, nil
}

// Get implements Quarantine. The content is re-hashed on read.
func (s *DirStore) Get(ctx context.Context, ref string) (*Evidence, error) {
	if !validRef(ref) {
		return nil, apperrors.Newf(apperrors.ErrInvalid, "invalid quarantine ref %q", ref)
	}
	data, err := os.ReadFile(s.path(ref))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, apperrors.Newf(apperrors.ErrNotFound, "quarantine ref %s not found", ref)
		}
		return nil, fmt.Errorf("failed to read evidence: %w", err)
	}
	return decode(ref, data)
}

// Delete removes evidence; deleting a missing ref is not an error.
func (s *DirStore) Delete(ref string) error {
	if !validRef(ref) {
		return apperrors.Newf(apperrors.ErrInvalid, "invalid quarantine ref %q", ref)
	}
	p := s.path(ref)
	if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete evidence: %w", err)
	}
	dir := filepath.Dir(p)
	os.Remove(dir)
	os.Remove(filepath.Dir(dir))
	return nil
}

// List returns every stored ref, sorted.
func (s *DirStore) List() ([]string, error) {
	var refs []string
	err := filepath.WalkDir(s.baseDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) && path == s.baseDir {
				return filepath.SkipDir
			}
			return err
		}
		if d.IsDir() || strings.HasSuffix(d.Name(), ".tmp") {
			return nil
		}
		if validRef(d.Name()) {
			refs = append(refs, d.Name())
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to walk quarantine: %w", err)
	}
	sort.Strings(refs)
	return refs, nil
}

// VerifyAll re-hashes every stored blob and returns the corrupted refs.
func (s *DirStore) VerifyAll() ([]string, error) {
	refs, err := s.List()
	if err != nil {
		return nil, err
	}
	var corrupted []string
	for _, ref := range refs {
		data, err := os.ReadFile(s.path(ref))
		if err != nil || CalculateHash(data) != ref {
			corrupted = append(corrupted, ref)
		}
	}
	return corrupted, nil
}

// =====================================================
// Memory store
// =====================================================

// MemoryStore is an in-process Quarantine.
type MemoryStore struct {
	mu    sync.Mutex
	blobs map[string][]byte
}

var _ Quarantine = (*MemoryStore)(nil)

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{blobs: make(map[string][]byte)}
}

// Put implements Quarantine.
func (s *MemoryStore) Put(ctx context.Context, ev *Evidence) (string, error) {
	data, err := encode(ev)
	if err != nil {
		return "", err
	}
	ref := CalculateHash(data)
	s.mu.Lock()
	s.blobs[ref] = data
	s.mu.Unlock()
	return ref, nil
}

// Get implements Quarantine.
func (s *MemoryStore) Get(ctx context.Context, ref string) (*Evidence, error) {
	s.mu.Lock()
	data, ok := s.blobs[ref]
	s.mu.Unlock()
	if !ok {
		return nil, apperrors.Newf(apperrors.ErrNotFound, "quarantine ref %s not found", ref)
	}
	return decode(ref, data)
}

// Len returns the number of stored blobs.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.blobs)
}
