package model

import (
	"fmt"
	"time"
)

// IdentityLevel represents the verification tier attested for an agent.
type IdentityLevel string

const (
	LevelNone  IdentityLevel = "none"
	LevelEmail IdentityLevel = "email"
	LevelKYC   IdentityLevel = "kyc"
	LevelKYB   IdentityLevel = "kyb"
)

// ParseIdentityLevel converts a wire string into an IdentityLevel.
// Unknown values are rejected rather than passed through, so a
// misbehaving registry cannot mint levels this code has never seen.
func ParseIdentityLevel(s string) (IdentityLevel, error) {
	switch IdentityLevel(s) {
	case LevelNone, LevelEmail, LevelKYC, LevelKYB:
		return IdentityLevel(s), nil
	default:
		return "", fmt.Errorf("model: unknown identity level %q", s)
	}
}

// LevelRank returns the numeric rank of an identity level (higher = stronger).
// Only relative ordering matters — LevelAtLeast uses >= comparison.
func LevelRank(l IdentityLevel) int {
	switch l {
	case LevelKYB:
		return 3
	case LevelKYC:
		return 2
	case LevelEmail:
		return 1
	case LevelNone:
		return 0
	default:
		return -1
	}
}

// LevelAtLeast returns true if level l meets or exceeds minLevel.
func LevelAtLeast(l, minLevel IdentityLevel) bool {
	return LevelRank(l) >= LevelRank(minLevel)
}

// AgentIdentity is the persisted record created by successful registration.
// Immutable once created; rotation requires a full re-registration, which
// produces a fresh KeyID and overwrites this record.
type AgentIdentity struct {
	AgentID      string    `json:"agent_id"`
	KeyID        string    `json:"key_id"`
	PublicKey    []byte    `json:"public_key"`
	Name         string    `json:"name"`
	Address      string    `json:"address"`
	RegisteredAt time.Time `json:"registered_at"`
}

// Attestation is a signed, time-bounded credential asserting an identity
// level for the agent's signing key. At most one attestation is valid per
// identity; a later successful verification supersedes it entirely.
type Attestation struct {
	Level     IdentityLevel `json:"identity_level"`
	Token     string        `json:"token"`
	IssuedAt  time.Time     `json:"issued_at"`
	ExpiresAt time.Time     `json:"expires_at"`
	Issuer    string        `json:"issuer"`
}

// Expired reports whether the attestation is past its expiry at now.
func (a Attestation) Expired(now time.Time) bool {
	return now.After(a.ExpiresAt)
}

// Validate checks the attestation for ingestion. An attestation whose
// expiry does not lie strictly after its issue time is malformed and must
// not be stored.
func (a Attestation) Validate() error {
	if a.Token == "" {
		return fmt.Errorf("model: attestation token is empty")
	}
	if _, err := ParseIdentityLevel(string(a.Level)); err != nil {
		return err
	}
	if !a.ExpiresAt.After(a.IssuedAt) {
		return fmt.Errorf("model: malformed issuer: expires_at %s is not after issued_at %s",
			a.ExpiresAt.Format(time.RFC3339), a.IssuedAt.Format(time.RFC3339))
	}
	return nil
}

// ValidateAgentName checks that an agent display name conforms to the
// allowed format: 1-128 printable ASCII characters.
func ValidateAgentName(name string) error {
	if len(name) == 0 {
		return fmt.Errorf("model: agent name is required")
	}
	if len(name) > 128 {
		return fmt.Errorf("model: agent name must be at most 128 characters")
	}
	for i := 0; i < len(name); i++ {
		if name[i] < 0x20 || name[i] > 0x7e {
			return fmt.Errorf("model: agent name contains invalid character at position %d", i)
		}
	}
	return nil
}

// ValidateAddress checks that a settlement address is chain-qualified
// (namespace:reference:address, e.g. "eip155:8453:0xabc...").
func ValidateAddress(addr string) error {
	if len(addr) == 0 {
		return fmt.Errorf("model: address is required")
	}
	if len(addr) > 128 {
		return fmt.Errorf("model: address must be at most 128 characters")
	}
	colons := 0
	for i := 0; i < len(addr); i++ {
		c := addr[i]
		if c == ':' {
			colons++
			continue
		}
		if (c < 'a' || c > 'z') && (c < 'A' || c > 'Z') && (c < '0' || c > '9') &&
			c != '-' && c != '_' && c != '.' {
			return fmt.Errorf("model: address contains invalid character at position %d: %q", i, c)
		}
	}
	if colons < 2 {
		return fmt.Errorf("model: address must be chain-qualified (namespace:reference:address)")
	}
	return nil
}
