// Package keyring owns the agent's asymmetric key material.
//
// Two independent keys live behind this manager, in separate secure-store
// slots: the TAP signing key (Ed25519, identity attestation) and the
// settlement key (wallet-owned funds). They must never be conflated —
// compromise of one capability must not compromise the other, so the only
// raw-bytes export path is restricted to the settlement slot.
package keyring

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/hitoha-ai/kessai/internal/securestore"
)

// Slot names a storage namespace for one key.
type Slot string

const (
	// SlotTAP holds the Ed25519 key that signs protocol messages.
	SlotTAP Slot = "tap-signing-key"
	// SlotSettlement holds the wallet's settlement-chain key.
	SlotSettlement Slot = "settlement-key"
)

// ErrKeyNotFound is returned when a slot holds no key.
var ErrKeyNotFound = errors.New("keyring: key not found")

// KeyGenerationError wraps a failure of the entropy source or secure store
// during key generation.
type KeyGenerationError struct {
	Err error
}

func (e *KeyGenerationError) Error() string {
	return fmt.Sprintf("keyring: key generation failed: %v", e.Err)
}

func (e *KeyGenerationError) Unwrap() error { return e.Err }

// Handle is an opaque reference to a stored private key. It carries no
// key material.
type Handle struct {
	Slot  Slot
	KeyID string
}

// Manager generates, stores, and signs with Ed25519 keys. Private key
// bytes never cross the securestore boundary except via Export, which is
// restricted to the settlement slot.
type Manager struct {
	store  securestore.Store
	logger *slog.Logger
}

// NewManager creates a Manager over the given secret store.
func NewManager(store securestore.Store, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{store: store, logger: logger}
}

// Generate produces a fresh Ed25519 keypair, persists the private key
// under the slot, and returns an opaque handle plus the public key.
// Any existing key in the slot is replaced — registration is the only
// caller for SlotTAP, and re-registration deliberately mints a new key.
func (m *Manager) Generate(ctx context.Context, slot Slot) (Handle, ed25519.PublicKey, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return Handle{}, nil, &KeyGenerationError{Err: err}
	}

	if err := m.store.Put(ctx, string(slot), priv); err != nil {
		return Handle{}, nil, &KeyGenerationError{Err: err}
	}

	h := Handle{Slot: slot, KeyID: uuid.NewString()}
	m.logger.Info("keyring: generated keypair", "slot", slot, "key_id", h.KeyID)
	return h, pub, nil
}

// Sign signs message with the private key in the handle's slot.
// Ed25519 signing is deterministic; there is no per-signature nonce to
// misuse.
func (m *Manager) Sign(ctx context.Context, h Handle, message []byte) ([]byte, error) {
	priv, err := m.private(ctx, h.Slot)
	if err != nil {
		return nil, err
	}
	return ed25519.Sign(priv, message), nil
}

// Public returns the public key derived from the private key in slot.
func (m *Manager) Public(ctx context.Context, slot Slot) (ed25519.PublicKey, error) {
	priv, err := m.private(ctx, slot)
	if err != nil {
		return nil, err
	}
	return priv.Public().(ed25519.PublicKey), nil
}

// Has reports whether the slot holds a key.
func (m *Manager) Has(ctx context.Context, slot Slot) (bool, error) {
	ok, err := m.store.Has(ctx, string(slot))
	if err != nil {
		return false, fmt.Errorf("keyring: check slot %s: %w", slot, err)
	}
	return ok, nil
}

// StoreSettlement imports wallet-owned settlement key material. The TAP
// slot cannot be imported into: its key only ever originates from Generate.
func (m *Manager) StoreSettlement(ctx context.Context, priv []byte) error {
	if len(priv) == 0 {
		return fmt.Errorf("keyring: settlement key material is empty")
	}
	if err := m.store.Put(ctx, string(SlotSettlement), priv); err != nil {
		return fmt.Errorf("keyring: store settlement key: %w", err)
	}
	return nil
}

// Export returns raw private key bytes. Only the settlement slot may be
// exported — the wallet owns that key and needs it for chain signing. The
// TAP signing key never leaves the store.
func (m *Manager) Export(ctx context.Context, slot Slot) ([]byte, error) {
	if slot != SlotSettlement {
		return nil, fmt.Errorf("keyring: export is restricted to the settlement slot")
	}
	raw, err := m.store.Get(ctx, string(slot))
	if errors.Is(err, securestore.ErrNotFound) {
		return nil, ErrKeyNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("keyring: export settlement key: %w", err)
	}
	return raw, nil
}

func (m *Manager) private(ctx context.Context, slot Slot) (ed25519.PrivateKey, error) {
	raw, err := m.store.Get(ctx, string(slot))
	if errors.Is(err, securestore.ErrNotFound) {
		return nil, ErrKeyNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("keyring: load key from slot %s: %w", slot, err)
	}
	if len(raw) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("keyring: slot %s holds %d bytes, want %d", slot, len(raw), ed25519.PrivateKeySize)
	}
	return ed25519.PrivateKey(raw), nil
}
