package crypto

import (
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"
)

// ErrKeyNotFound is returned when no master key has been stored yet.
var ErrKeyNotFound = errors.New("master key not found")

// KeyStore persists the gateway master key on the device, sealed with a
// machine-bound secret.
type KeyStore struct {
	dir       string
	machineID func() string
}

// NewKeyStore creates a KeyStore rooted at dataDir/secure.
func NewKeyStore(dataDir string) *KeyStore {
	return &KeyStore{
		dir:       filepath.Join(dataDir, "secure"),
		machineID: getMachineIdentifier,
	}
}

func (s *KeyStore) path(account string) string {
	safe := strings.ReplaceAll(account, "/", "_")
	safe = strings.ReplaceAll(safe, "\\", "_")
	safe = strings.ReplaceAll(safe, "..", "_")
	return filepath.Join(s.dir, safe+".key")
}

func (s *KeyStore) machineSecret() []byte {
	return []byte("mindharbor:" + s.machineID())
}

// Load returns the stored master key for account.
func (s *KeyStore) Load(account string) ([]byte, error) {
	data, err := os.ReadFile(s.path(account))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrKeyNotFound
		}
		return nil, fmt.Errorf("read master key: %w", err)
	}
	key, err := Open(strings.TrimSpace(string(data)), s.machineSecret())
	if err != nil {
		return nil, fmt.Errorf("unseal master key: %w", err)
	}
	return key, nil
}

// Store seals and writes key for account with owner-only permissions.
func (s *KeyStore) Store(account string, key []byte) error {
	if err := os.MkdirAll(s.dir, 0700); err != nil {
		return fmt.Errorf("create secure directory: %w", err)
	}
	sealed, err := Seal(key, s.machineSecret())
	if err != nil {
		return fmt.Errorf("seal master key: %w", err)
	}
	if err := os.WriteFile(s.path(account), []byte(sealed), 0600); err != nil {
		return fmt.Errorf("write master key: %w", err)
	}
	return nil
}

// LoadOrCreate returns the master key for account, generating and storing a
// random one on first use.
func (s *KeyStore) LoadOrCreate(account string) ([]byte, error) {
	key, err := s.Load(account)
	if err == nil {
		return key, nil
	}
	if !errors.Is(err, ErrKeyNotFound) {
		return nil, err
	}
	key = make([]byte, keySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, fmt.Errorf("generate master key: %w", err)
	}
	if err := s.Store(account, key); err != nil {
		return nil, err
	}
	return key, nil
}

// Delete removes the stored key for account.
func (s *KeyStore) Delete(account string) error {
	if err := os.Remove(s.path(account)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete master key: %w", err)
	}
	return nil
}

// getMachineIdentifier returns a platform-specific machine identifier.
func getMachineIdentifier() string {
	hostname, _ := os.Hostname()
	switch runtime.GOOS {
	case "linux", "android":
		if data, err := os.ReadFile("/etc/machine-id"); err == nil {
			return "linux:" + strings.TrimSpace(string(data))
		}
		if data, err := os.ReadFile("/var/lib/dbus/machine-id"); err == nil {
			return "linux:" + strings.TrimSpace(string(data))
		}
		return "linux:" + hostname
	default:
		return runtime.GOOS + ":" + hostname
	}
}
