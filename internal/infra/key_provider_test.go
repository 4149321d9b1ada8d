package infra

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eliteGoblin/focusd/chaosmon/internal/domain"
)

func TestFileKeyProvider_StoreAndGet(t *testing.T) {
	provider := NewFileKeyProvider(filepath.Join(t.TempDir(), "keys"))
	assert.False(t, provider.KeyExists())

	key, err := GenerateKey()
	require.NoError(t, err)
	require.NoError(t, provider.StoreKey(key))

	got, err := provider.GetKey()
	require.NoError(t, err)
	assert.Equal(t, key, got)

	info, err := os.Stat(provider.KeyPath())
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	// Stored as the hex form SQLCipher takes in x'...'
	text, err := os.ReadFile(provider.KeyPath())
	require.NoError(t, err)
	assert.Len(t, strings.TrimSpace(string(text)), 2*keySize)
}

func TestFileKeyProvider_RejectsBadKeys(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    string
	}{
		{"not hex", "zz-not-hex", "is not hex"},
		{"truncated", "abcd", "invalid journal key size"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			require.NoError(t, os.WriteFile(filepath.Join(dir, journalKeyFile), []byte(tt.content), 0600))

			_, err := NewFileKeyProvider(dir).GetKey()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}

	err := NewFileKeyProvider(t.TempDir()).StoreKey([]byte("short"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid journal key size")
}

func TestEnsureKey_StableAcrossCalls(t *testing.T) {
	provider := NewFileKeyProvider(t.TempDir())

	first, err := EnsureKey(provider)
	require.NoError(t, err)
	second, err := EnsureKey(provider)
	require.NoError(t, err)

	assert.Equal(t, first, second)
}

func TestOpenEncryptedJournal_ReopensWithStoredKey(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "journal.db")
	provider := NewFileKeyProvider(filepath.Join(dir, "keys"))

	j, err := OpenEncryptedJournal(dbPath, provider)
	require.NoError(t, err)
	require.NoError(t, j.Record(domain.Event{RunID: "r1", Kind: domain.EventFaultInjected, Subject: "term-alpha"}))
	require.NoError(t, j.Close())
	assert.True(t, provider.KeyExists())

	reopened, err := OpenEncryptedJournal(dbPath, provider)
	require.NoError(t, err)
	defer reopened.Close()

	events, err := reopened.Events("r1")
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "term-alpha", events[0].Subject)
}

func TestOpenEncryptedJournal_RotatedKeyLocksOutOldJournal(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "journal.db")
	provider := NewFileKeyProvider(filepath.Join(dir, "keys"))

	j, err := OpenEncryptedJournal(dbPath, provider)
	require.NoError(t, err)
	require.NoError(t, j.Record(domain.Event{RunID: "r1", Kind: domain.EventRunStarted, Subject: "p"}))
	require.NoError(t, j.Close())

	rotated, err := GenerateKey()
	require.NoError(t, err)
	require.NoError(t, provider.StoreKey(rotated))

	_, err = OpenEncryptedJournal(dbPath, provider)
	assert.ErrorIs(t, err, ErrJournalKeyMismatch)
}

func TestOpenEncryptedJournal_LostKey(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "journal.db")
	keyDir := filepath.Join(dir, "keys")

	j, err := OpenEncryptedJournal(dbPath, NewFileKeyProvider(keyDir))
	require.NoError(t, err)
	require.NoError(t, j.Close())

	require.NoError(t, os.RemoveAll(keyDir))

	provider := NewFileKeyProvider(keyDir)
	_, err = OpenEncryptedJournal(dbPath, provider)
	assert.ErrorIs(t, err, ErrJournalKeyMismatch)
	assert.False(t, provider.KeyExists(), "no fresh key is generated over an existing journal")
}
