// Package credstore provides durable key/value persistence for session
// secrets, preferring the system keychain with a locked-file fallback.
package credstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/gofrs/flock"
	"github.com/zalando/go-keyring"
)

const serviceName = "opcli"

// Fixed account identifiers for the two persisted records.
const (
	AccountCredentials = "credentials"
	AccountProfile     = "profile"
)

// ErrNotFound is returned when no entry exists for a key. Store-level
// errors are not distinguished from "not found" at this layer.
var ErrNotFound = errors.New("credentials not found")

// Credentials is the persisted token record.
type Credentials struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token,omitempty"`
	ExpiresAt    int64  `json:"expires_at,omitempty"`
	Scope        string `json:"scope,omitempty"`
}

// Store handles credential storage, preferring the system keychain.
type Store struct {
	useKeyring  bool
	fallbackDir string
}

// NewStore creates a credential store.
func NewStore(fallbackDir string) *Store {
	// Skip keyring for tests or when explicitly disabled
	if os.Getenv("OPCLI_NO_KEYRING") != "" {
		return &Store{useKeyring: false, fallbackDir: fallbackDir}
	}

	// Test if keyring is available
	testKey := "opcli::test"
	err := keyring.Set(serviceName, testKey, "test")
	if err == nil {
		_ = keyring.Delete(serviceName, testKey) // Best-effort cleanup
		return &Store{useKeyring: true, fallbackDir: fallbackDir}
	}
	fmt.Fprintf(os.Stderr, "warning: system keyring unavailable, credentials stored in plaintext at %s\n",
		filepath.Join(fallbackDir, "credentials.json"))
	return &Store{useKeyring: false, fallbackDir: fallbackDir}
}

// NewFileStore creates a store that uses only the file backend.
func NewFileStore(dir string) *Store {
	return &Store{useKeyring: false, fallbackDir: dir}
}

// key returns the storage key for an origin/account pair.
func key(origin, account string) string {
	return fmt.Sprintf("opcli::%s::%s", origin, account)
}

// Get retrieves the entry for the given origin and account.
// Returns ErrNotFound on any failure, including store-level errors.
func (s *Store) Get(origin, account string) (string, error) {
	if s.useKeyring {
		data, err := keyring.Get(serviceName, key(origin, account))
		if err != nil {
			return "", ErrNotFound
		}
		return data, nil
	}
	return s.getFromFile(origin, account)
}

// Set stores the entry for the given origin and account. Upsert semantics:
// any prior entry with the same key is deleted before the insert.
func (s *Store) Set(origin, account, data string) error {
	if s.useKeyring {
		_ = keyring.Delete(serviceName, key(origin, account))
		return keyring.Set(serviceName, key(origin, account), data)
	}
	return s.setInFile(origin, account, data)
}

// Delete removes the entry for the given origin and account. Idempotent;
// deleting an absent entry is not an error.
func (s *Store) Delete(origin, account string) error {
	if s.useKeyring {
		err := keyring.Delete(serviceName, key(origin, account))
		if err != nil && !errors.Is(err, keyring.ErrNotFound) {
			return err
		}
		return nil
	}
	return s.deleteFromFile(origin, account)
}

// SaveJSON serializes v and stores it under the given origin and account.
func (s *Store) SaveJSON(origin, account string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.Set(origin, account, string(data))
}

// LoadJSON retrieves and deserializes the entry into v. A decode failure is
// treated as "no credential available" so a corrupt entry forces re-login
// rather than crashing.
func (s *Store) LoadJSON(origin, account string, v any) error {
	data, err := s.Get(origin, account)
	if err != nil {
		return err
	}
	if err := json.Unmarshal([]byte(data), v); err != nil {
		return ErrNotFound
	}
	return nil
}

// UsingKeyring returns true if the store is using the system keyring.
func (s *Store) UsingKeyring() bool {
	return s.useKeyring
}

// File fallback. Entries live in a single 0600 JSON file; mutations take a
// cross-process flock so concurrent CLI invocations don't clobber each other.

const lockTimeout = 500 * time.Millisecond

func (s *Store) credentialsPath() string {
	return filepath.Join(s.fallbackDir, "credentials.json")
}

// withLock runs fn while holding the file lock. If the lock cannot be
// acquired within lockTimeout, fn runs anyway: a brief race window beats a
// hung CLI when another process crashed while holding the lock.
func (s *Store) withLock(fn func() error) error {
	if err := os.MkdirAll(s.fallbackDir, 0700); err != nil {
		return err
	}

	fl := flock.New(filepath.Join(s.fallbackDir, ".lock"))
	ctx, cancel := context.WithTimeout(context.Background(), lockTimeout)
	defer cancel()

	locked, err := fl.TryLockContext(ctx, 10*time.Millisecond)
	if err != nil && ctx.Err() == nil {
		return err
	}
	if locked {
		defer func() { _ = fl.Unlock() }()
	}
	return fn()
}

func (s *Store) loadAllFromFile() (map[string]string, error) {
	data, err := os.ReadFile(s.credentialsPath())
	if err != nil {
		if os.IsNotExist(err) {
			return make(map[string]string), nil
		}
		return nil, err
	}

	var all map[string]string
	if err := json.Unmarshal(data, &all); err != nil {
		return nil, err
	}
	return all, nil
}

func (s *Store) saveAllToFile(all map[string]string) error {
	data, err := json.MarshalIndent(all, "", "  ")
	if err != nil {
		return err
	}

	// Atomic write with randomized temp file name
	tmpFile, err := os.CreateTemp(s.fallbackDir, "credentials-*.json.tmp")
	if err != nil {
		return err
	}
	tmpPath := tmpFile.Name()

	if _, err := tmpFile.Write(data); err != nil {
		tmpFile.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmpFile.Chmod(0600); err != nil {
		tmpFile.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmpFile.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}
	// Unix: rename atomically replaces the destination.
	// Windows: rename fails when destination exists; remove then retry.
	destPath := s.credentialsPath()
	if err := os.Rename(tmpPath, destPath); err != nil {
		if runtime.GOOS == "windows" {
			_ = os.Remove(destPath)
			return os.Rename(tmpPath, destPath)
		}
		os.Remove(tmpPath)
		return err
	}
	return nil
}

func (s *Store) getFromFile(origin, account string) (string, error) {
	all, err := s.loadAllFromFile()
	if err != nil {
		return "", ErrNotFound
	}
	data, ok := all[key(origin, account)]
	if !ok {
		return "", ErrNotFound
	}
	return data, nil
}

func (s *Store) setInFile(origin, account, data string) error {
	return s.withLock(func() error {
		all, err := s.loadAllFromFile()
		if err != nil {
			return err
		}
		all[key(origin, account)] = data
		return s.saveAllToFile(all)
	})
}

func (s *Store) deleteFromFile(origin, account string) error {
	return s.withLock(func() error {
		all, err := s.loadAllFromFile()
		if err != nil {
			return nil // Nothing to delete
		}
		if _, ok := all[key(origin, account)]; !ok {
			return nil
		}
		delete(all, key(origin, account))
		return s.saveAllToFile(all)
	})
}
