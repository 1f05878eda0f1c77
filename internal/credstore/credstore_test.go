package credstore_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hitoha-ai/kessai/internal/credstore"
	"github.com/hitoha-ai/kessai/internal/model"
)

var (
	testIdentity = model.AgentIdentity{
		AgentID:      "agt_01",
		KeyID:        "4f1c9a2e-0000-4000-8000-000000000001",
		PublicKey:    []byte{1, 2, 3, 4},
		Name:         "shopping-agent",
		Address:      "eip155:8453:0xabc",
		RegisteredAt: time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC),
	}
)

func testAttestation(issued time.Time, ttl time.Duration) model.Attestation {
	return model.Attestation{
		Level:     model.LevelKYC,
		Token:     "eyJ.header.payload",
		IssuedAt:  issued,
		ExpiresAt: issued.Add(ttl),
		Issuer:    "https://registry.example.com",
	}
}

func TestIdentityRoundTrip(t *testing.T) {
	store, err := credstore.New(t.TempDir())
	require.NoError(t, err)

	got, err := store.LoadIdentity()
	require.NoError(t, err)
	assert.Nil(t, got, "fresh profile has no identity")

	require.NoError(t, store.SaveIdentity(testIdentity))

	got, err = store.LoadIdentity()
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, testIdentity, *got)
}

func TestAttestationWithoutIdentityIsAbsent(t *testing.T) {
	store, err := credstore.New(t.TempDir())
	require.NoError(t, err)

	// Write an attestation but no identity record.
	require.NoError(t, store.SaveAttestation(testAttestation(time.Now().UTC(), time.Hour)))

	att, err := store.LoadAttestation()
	require.NoError(t, err)
	assert.Nil(t, att, "attestation without matching identity is invalid")

	status, err := store.Status()
	require.NoError(t, err)
	assert.False(t, status.Verified)
	assert.Empty(t, status.AgentID)
}

func TestSaveAttestationRejectsMalformed(t *testing.T) {
	store, err := credstore.New(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, store.SaveIdentity(testIdentity))

	bad := testAttestation(time.Now().UTC(), 0) // expires_at == issued_at
	require.Error(t, store.SaveAttestation(bad))

	att, err := store.LoadAttestation()
	require.NoError(t, err)
	assert.Nil(t, att, "rejected attestation must not be stored")
}

func TestLaterAttestationSupersedes(t *testing.T) {
	store, err := credstore.New(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, store.SaveIdentity(testIdentity))

	first := testAttestation(time.Now().UTC(), time.Hour)
	first.Level = model.LevelEmail
	require.NoError(t, store.SaveAttestation(first))

	second := testAttestation(time.Now().UTC(), 2*time.Hour)
	second.Level = model.LevelKYC
	require.NoError(t, store.SaveAttestation(second))

	att, err := store.LoadAttestation()
	require.NoError(t, err)
	require.NotNil(t, att)
	assert.Equal(t, model.LevelKYC, att.Level, "later verification overwrites, no multi-attestation list")
}

func TestStatusFlipsOnExpiryAlone(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := now
	store, err := credstore.New(t.TempDir(), credstore.WithClock(func() time.Time { return clock }))
	require.NoError(t, err)

	require.NoError(t, store.SaveIdentity(testIdentity))
	require.NoError(t, store.SaveAttestation(testAttestation(now, time.Hour)))

	status, err := store.Status()
	require.NoError(t, err)
	assert.True(t, status.Verified)
	assert.Equal(t, model.LevelKYC, status.Level)
	assert.Equal(t, "agt_01", status.AgentID)

	// Advance the clock past expiry with no other state change.
	clock = now.Add(time.Hour + time.Second)

	status, err = store.Status()
	require.NoError(t, err)
	assert.False(t, status.Verified, "verified must flip purely due to time")
	assert.Equal(t, model.LevelKYC, status.Level)
}

func TestStatusUnverifiedBeforeAttestation(t *testing.T) {
	store, err := credstore.New(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, store.SaveIdentity(testIdentity))

	status, err := store.Status()
	require.NoError(t, err)
	assert.False(t, status.Verified)
	assert.Equal(t, "agt_01", status.AgentID)
	assert.Nil(t, status.ExpiresAt)
}

func TestSnapshotReadsBothRecordsTogether(t *testing.T) {
	store, err := credstore.New(t.TempDir())
	require.NoError(t, err)

	id, att, err := store.Snapshot()
	require.NoError(t, err)
	assert.Nil(t, id)
	assert.Nil(t, att)

	require.NoError(t, store.SaveIdentity(testIdentity))
	require.NoError(t, store.SaveAttestation(testAttestation(time.Now().UTC(), time.Hour)))

	id, att, err = store.Snapshot()
	require.NoError(t, err)
	require.NotNil(t, id)
	require.NotNil(t, att)
	assert.Equal(t, testIdentity, *id)

	// After Clear a snapshot never returns a half-cleared pair.
	require.NoError(t, store.Clear())
	id, att, err = store.Snapshot()
	require.NoError(t, err)
	assert.Nil(t, id)
	assert.Nil(t, att)
}

func TestClear(t *testing.T) {
	store, err := credstore.New(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, store.SaveIdentity(testIdentity))
	require.NoError(t, store.SaveAttestation(testAttestation(time.Now().UTC(), time.Hour)))

	require.NoError(t, store.Clear())
	require.NoError(t, store.Clear(), "clearing an empty profile is not an error")

	id, err := store.LoadIdentity()
	require.NoError(t, err)
	assert.Nil(t, id)
}
