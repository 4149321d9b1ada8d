package infra

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/eliteGoblin/focusd/chaosmon/internal/domain"
)

const (
	journalKeyFile = "journal.key"
	keySize        = 32 // SQLCipher raw key, passed as x'<hex>'
)

// FileKeyProvider keeps the journal key as hex text in a 0600 file, the same
// form SQLCipher takes it in a raw-key pragma.
type FileKeyProvider struct {
	keyPath string
}

// NewFileKeyProvider creates a FileKeyProvider for the given key directory.
func NewFileKeyProvider(keyDir string) *FileKeyProvider {
	return &FileKeyProvider{keyPath: filepath.Join(keyDir, journalKeyFile)}
}

// KeyPath returns the key file location.
func (p *FileKeyProvider) KeyPath() string {
	return p.keyPath
}

// GetKey reads the stored key.
func (p *FileKeyProvider) GetKey() ([]byte, error) {
	text, err := os.ReadFile(p.keyPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read journal key: %w", err)
	}
	key, err := hex.DecodeString(strings.TrimSpace(string(text)))
	if err != nil {
		return nil, fmt.Errorf("journal key %s is not hex: %w", p.keyPath, err)
	}
	if err := checkKeySize(key); err != nil {
		return nil, err
	}
	return key, nil
}

// StoreKey replaces the key file atomically. Journals written under the old
// key can no longer be opened with this provider.
func (p *FileKeyProvider) StoreKey(key []byte) error {
	if err := checkKeySize(key); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(p.keyPath), 0700); err != nil {
		return fmt.Errorf("failed to create key directory: %w", err)
	}

	tmpPath := fmt.Sprintf("%s.%d.tmp", p.keyPath, os.Getpid())
	if err := os.WriteFile(tmpPath, []byte(hex.EncodeToString(key)+"\n"), 0600); err != nil {
		return err
	}
	if err := os.Rename(tmpPath, p.keyPath); err != nil {
		os.Remove(tmpPath)
		return err
	}
	return nil
}

// KeyExists checks if the key file exists.
func (p *FileKeyProvider) KeyExists() bool {
	_, err := os.Stat(p.keyPath)
	return err == nil
}

func checkKeySize(key []byte) error {
	if len(key) != keySize {
		return fmt.Errorf("invalid journal key size: got %d, want %d", len(key), keySize)
	}
	return nil
}

// GenerateKey creates a new random journal key.
func GenerateKey() ([]byte, error) {
	key := make([]byte, keySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("failed to generate journal key: %w", err)
	}
	return key, nil
}

// EnsureKey returns the stored key, generating one on first use.
func EnsureKey(provider domain.KeyProvider) ([]byte, error) {
	if provider.KeyExists() {
		return provider.GetKey()
	}
	key, err := GenerateKey()
	if err != nil {
		return nil, err
	}
	if err := provider.StoreKey(key); err != nil {
		return nil, err
	}
	return key, nil
}

// ErrJournalKeyMismatch is returned by OpenEncryptedJournal when an existing
// journal cannot be read with the provider's key.
var ErrJournalKeyMismatch = errors.New("journal key does not match existing journal")

// OpenEncryptedJournal opens dbPath with the provider's key, generating the
// key when neither it nor the journal exist yet.
func OpenEncryptedJournal(dbPath string, provider domain.KeyProvider) (*SQLJournal, error) {
	_, statErr := os.Stat(dbPath)
	journalExists := statErr == nil

	if journalExists && !provider.KeyExists() {
		return nil, fmt.Errorf("%w: %s exists but no key is stored", ErrJournalKeyMismatch, dbPath)
	}

	key, err := EnsureKey(provider)
	if err != nil {
		return nil, err
	}

	j, err := NewSQLJournal(dbPath, key)
	if err != nil && journalExists {
		return nil, fmt.Errorf("%w: %v", ErrJournalKeyMismatch, err)
	}
	return j, err
}
