// Package credstore persists the agent identity and its current
// attestation as two independent JSON records under a profile directory.
package credstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/hitoha-ai/kessai/internal/model"
)

const (
	identityFile    = "identity.json"
	attestationFile = "attestation.json"
)

// Store owns the two credential records for one local profile.
// Writes are atomic (temp file + rename) and serialized; concurrent
// verification attempts are last-write-wins by design.
type Store struct {
	dir   string
	clock func() time.Time

	mu sync.Mutex
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the wall clock, for tests of time-dependent status.
func WithClock(clock func() time.Time) Option {
	return func(s *Store) { s.clock = clock }
}

// New creates the profile directory if needed and returns a Store.
func New(dir string, opts ...Option) (*Store, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("credstore: create directory: %w", err)
	}
	s := &Store{dir: dir, clock: time.Now}
	for _, fn := range opts {
		fn(s)
	}
	return s, nil
}

// SaveIdentity persists the agent identity, replacing any previous record.
func (s *Store) SaveIdentity(id model.AgentIdentity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeJSON(identityFile, id)
}

// LoadIdentity returns the stored identity, or nil when none exists.
func (s *Store) LoadIdentity() (*model.AgentIdentity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, _, err := s.loadLocked()
	return id, err
}

// SaveAttestation validates and persists the attestation, superseding any
// previous one. A malformed attestation (expiry not after issuance) is
// rejected and nothing is written.
func (s *Store) SaveAttestation(att model.Attestation) error {
	if err := att.Validate(); err != nil {
		return fmt.Errorf("credstore: reject attestation: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeJSON(attestationFile, att)
}

// LoadAttestation returns the stored attestation, or nil when none exists
// or when no matching identity exists — an attestation without an identity
// is invalid and treated as absent.
func (s *Store) LoadAttestation() (*model.Attestation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, att, err := s.loadLocked()
	return att, err
}

// Snapshot returns the identity and attestation as one consistent read.
// A concurrent Clear or save cannot interleave between the two records,
// so callers never see an attestation whose identity has vanished.
func (s *Store) Snapshot() (*model.AgentIdentity, *model.Attestation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadLocked()
}

func (s *Store) loadLocked() (*model.AgentIdentity, *model.Attestation, error) {
	var id model.AgentIdentity
	ok, err := s.readJSON(identityFile, &id)
	if err != nil {
		return nil, nil, err
	}
	if !ok {
		return nil, nil, nil
	}

	var att model.Attestation
	ok, err = s.readJSON(attestationFile, &att)
	if err != nil {
		return &id, nil, err
	}
	if !ok {
		return &id, nil, nil
	}
	return &id, &att, nil
}

// Clear removes both records. Missing files are not an error.
func (s *Store) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, name := range []string{identityFile, attestationFile} {
		if err := os.Remove(filepath.Join(s.dir, name)); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("credstore: remove %s: %w", name, err)
		}
	}
	return nil
}

// StatusInfo is the derived, read-only verification status projection.
type StatusInfo struct {
	Verified  bool                `json:"verified"`
	AgentID   string              `json:"agent_id,omitempty"`
	Level     model.IdentityLevel `json:"identity_level,omitempty"`
	ExpiresAt *time.Time          `json:"expires_at,omitempty"`
}

// Status recomputes the projection from the stored records and the wall
// clock on every call. Verified flips to false purely by the passage of
// time past the attestation expiry; nothing is cached.
func (s *Store) Status() (StatusInfo, error) {
	id, att, err := s.Snapshot()
	if err != nil {
		return StatusInfo{}, err
	}
	if id == nil {
		return StatusInfo{}, nil
	}

	info := StatusInfo{AgentID: id.AgentID}
	if att == nil {
		return info, nil
	}

	info.Level = att.Level
	expires := att.ExpiresAt
	info.ExpiresAt = &expires
	info.Verified = !att.Expired(s.clock())
	return info, nil
}

func (s *Store) writeJSON(name string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("credstore: marshal %s: %w", name, err)
	}

	path := filepath.Join(s.dir, name)
	tmp, err := os.CreateTemp(s.dir, "."+name+"-*")
	if err != nil {
		return fmt.Errorf("credstore: create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return fmt.Errorf("credstore: chmod temp file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("credstore: write %s: %w", name, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("credstore: close temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("credstore: rename %s: %w", name, err)
	}
	return nil
}

// readJSON reads name into v. Returns false with no error when the file
// is absent — unknown or missing file means "no record".
func (s *Store) readJSON(name string, v any) (bool, error) {
	data, err := os.ReadFile(filepath.Join(s.dir, name))
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("credstore: read %s: %w", name, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("credstore: parse %s: %w", name, err)
	}
	return true, nil
}
