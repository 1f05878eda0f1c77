// Package securestore provides an opaque named-secret store.
//
// The Store interface mirrors an OS-native keychain: put/get/has by name,
// with the bytes treated as opaque. FileStore is the portable
// implementation — each secret is sealed with XChaCha20-Poly1305 under an
// Argon2id-derived key and written atomically.
package securestore

import (
	"context"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
)

// ErrNotFound is returned by Get when no secret exists under the name.
var ErrNotFound = errors.New("securestore: secret not found")

// Store is the contract for a durable, access-controlled secret store.
type Store interface {
	Put(ctx context.Context, name string, secret []byte) error
	Get(ctx context.Context, name string) ([]byte, error)
	Has(ctx context.Context, name string) (bool, error)
	Delete(ctx context.Context, name string) error
}

const (
	argonTime    = 1
	argonMemory  = 64 * 1024 // 64 MB
	argonThreads = 4
	argonKeyLen  = chacha20poly1305.KeySize
	saltLen      = 16
)

// FileStore seals secrets into individual files under a directory.
// File layout: salt (16 bytes) || nonce (24 bytes) || ciphertext.
// A fresh salt and nonce are drawn per write, so re-putting a secret
// never reuses a nonce.
type FileStore struct {
	dir        string
	passphrase []byte
}

// NewFileStore creates the directory (0700) if needed.
// The passphrase must be non-empty; it never leaves this package.
func NewFileStore(dir, passphrase string) (*FileStore, error) {
	if passphrase == "" {
		return nil, fmt.Errorf("securestore: passphrase is required")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("securestore: create directory: %w", err)
	}
	return &FileStore{dir: dir, passphrase: []byte(passphrase)}, nil
}

// Put seals and writes the secret under name, replacing any previous value.
func (s *FileStore) Put(ctx context.Context, name string, secret []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := validateName(name); err != nil {
		return err
	}

	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return fmt.Errorf("securestore: generate salt: %w", err)
	}

	aead, err := s.aead(salt)
	if err != nil {
		return err
	}

	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return fmt.Errorf("securestore: generate nonce: %w", err)
	}

	sealed := aead.Seal(nil, nonce, secret, []byte(name))

	blob := make([]byte, 0, len(salt)+len(nonce)+len(sealed))
	blob = append(blob, salt...)
	blob = append(blob, nonce...)
	blob = append(blob, sealed...)

	return writeAtomic(s.path(name), blob)
}

// Get reads and opens the secret stored under name.
func (s *FileStore) Get(ctx context.Context, name string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := validateName(name); err != nil {
		return nil, err
	}

	blob, err := os.ReadFile(s.path(name))
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("securestore: read secret: %w", err)
	}
	if len(blob) < saltLen+chacha20poly1305.NonceSizeX {
		return nil, fmt.Errorf("securestore: secret file truncated")
	}

	salt := blob[:saltLen]
	nonce := blob[saltLen : saltLen+chacha20poly1305.NonceSizeX]
	sealed := blob[saltLen+chacha20poly1305.NonceSizeX:]

	aead, err := s.aead(salt)
	if err != nil {
		return nil, err
	}

	secret, err := aead.Open(nil, nonce, sealed, []byte(name))
	if err != nil {
		return nil, fmt.Errorf("securestore: unseal secret: %w", err)
	}
	return secret, nil
}

// Has reports whether a secret exists under name.
func (s *FileStore) Has(ctx context.Context, name string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if err := validateName(name); err != nil {
		return false, err
	}
	_, err := os.Stat(s.path(name))
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("securestore: stat secret: %w", err)
	}
	return true, nil
}

// Delete removes the secret under name. Deleting an absent secret is not an error.
func (s *FileStore) Delete(ctx context.Context, name string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := validateName(name); err != nil {
		return err
	}
	if err := os.Remove(s.path(name)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("securestore: delete secret: %w", err)
	}
	return nil
}

func (s *FileStore) aead(salt []byte) (cipher.AEAD, error) {
	key := argon2.IDKey(s.passphrase, salt, argonTime, argonMemory, argonThreads, argonKeyLen)
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("securestore: init cipher: %w", err)
	}
	return aead, nil
}

func (s *FileStore) path(name string) string {
	return filepath.Join(s.dir, name+".sealed")
}

// validateName restricts secret names to a filesystem-safe alphabet.
// Names are internal slot identifiers, not user input.
func validateName(name string) error {
	if name == "" {
		return fmt.Errorf("securestore: name is required")
	}
	for i := 0; i < len(name); i++ {
		c := name[i]
		if (c < 'a' || c > 'z') && (c < '0' || c > '9') && c != '-' {
			return fmt.Errorf("securestore: invalid name %q", name)
		}
	}
	return nil
}

func writeAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".secret-*")
	if err != nil {
		return fmt.Errorf("securestore: create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return fmt.Errorf("securestore: chmod temp file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("securestore: write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("securestore: close temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("securestore: rename secret file: %w", err)
	}
	return nil
}
