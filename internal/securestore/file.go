package securestore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/and161185/goph-identity/internal/crypto/clientcrypto"
)

const saltFile = "store.salt"

// FileStore keeps one sealed file per key. Values are bound to their key name as AAD,
// so a file copied under another name fails to open.
type FileStore struct {
	dir string
	box *clientcrypto.Box
	mu  sync.Mutex
}

var _ Storage = (*FileStore)(nil)

// OpenFileStore opens (or initializes) dir and derives the encryption key from passphrase.
// There is no plaintext mode: an empty passphrase is rejected.
func OpenFileStore(dir, passphrase string) (*FileStore, error) {
	if passphrase == "" {
		return nil, errors.New("securestore: passphrase required")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("securestore: mkdir: %w", err)
	}
	salt, err := loadOrCreateSalt(filepath.Join(dir, saltFile))
	if err != nil {
		return nil, err
	}
	master := clientcrypto.DeriveKey([]byte(passphrase), salt)
	key, err := clientcrypto.DeriveSubkey(master, "securestore/v1")
	if err != nil {
		return nil, err
	}
	return NewFileStore(dir, key)
}

// NewFileStore builds a store over dir with an already derived 32-byte key.
func NewFileStore(dir string, key []byte) (*FileStore, error) {
	box, err := clientcrypto.NewBox(key)
	if err != nil {
		return nil, fmt.Errorf("securestore: %w", err)
	}
	return &FileStore{dir: dir, box: box}, nil
}

func loadOrCreateSalt(path string) ([]byte, error) {
	b, err := os.ReadFile(path)
	switch {
	case err == nil:
		if len(b) != clientcrypto.SaltLen {
			return nil, errors.New("securestore: corrupt salt file")
		}
		return b, nil
	case errors.Is(err, fs.ErrNotExist):
		salt, err := clientcrypto.Rand(clientcrypto.SaltLen)
		if err != nil {
			return nil, err
		}
		if err := os.WriteFile(path, salt, 0o600); err != nil {
			return nil, fmt.Errorf("securestore: write salt: %w", err)
		}
		return salt, nil
	default:
		return nil, fmt.Errorf("securestore: read salt: %w", err)
	}
}

func (s *FileStore) path(key string) string {
	h := sha256.Sum256([]byte(key))
	return filepath.Join(s.dir, hex.EncodeToString(h[:])+".bin")
}

// GetString reads and decrypts the value stored under key.
func (s *FileStore) GetString(_ context.Context, key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	blob, err := os.ReadFile(s.path(key))
	if errors.Is(err, fs.ErrNotExist) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	v, err := s.box.OpenString(key, blob)
	if err != nil {
		return "", false, fmt.Errorf("securestore: open %q: %w", key, err)
	}
	return v, true, nil
}

// SetString seals value and writes it atomically.
func (s *FileStore) SetString(_ context.Context, key, value string) error {
	blob, err := s.box.SealString(key, value)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	final := s.path(key)
	tmp, err := os.CreateTemp(s.dir, ".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(blob); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, final)
}

// Delete removes the value under key.
func (s *FileStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	err := os.Remove(s.path(key))
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}
