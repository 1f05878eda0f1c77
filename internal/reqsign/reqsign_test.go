package reqsign_test

import (
	"crypto/ed25519"
	"crypto/rand"
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hitoha-ai/kessai/internal/reqsign"
)

func testInput() reqsign.Input {
	return reqsign.Input{
		Method:           "post",
		TargetURI:        "https://api.example.com/v1/reports?id=7",
		ContentDigest:    reqsign.ContentDigest([]byte(`{"q":"weather"}`)),
		KeyID:            "4f1c9a2e-0000-4000-8000-000000000001",
		Created:          1767225600,
		AttestationToken: "eyJhbGciOiJFZERTQSJ9.payload.sig",
	}
}

func TestBaseStringIsStable(t *testing.T) {
	in := testInput()
	want := strings.Join([]string{
		`"@method": POST`,
		`"@target-uri": https://api.example.com/v1/reports?id=7`,
		`"content-digest": sha-256=:` + contentDigestB64(t) + `:`,
		`"tap-key-id": 4f1c9a2e-0000-4000-8000-000000000001`,
		`"created": 1767225600`,
		`"tap-attestation": eyJhbGciOiJFZERTQSJ9.payload.sig`,
	}, "\n")

	assert.Equal(t, want, reqsign.BaseString(in))
	// Pure function: identical inputs always produce identical output.
	assert.Equal(t, reqsign.BaseString(in), reqsign.BaseString(in))
}

func contentDigestB64(t *testing.T) string {
	t.Helper()
	// SHA-256 of `{"q":"weather"}`, standard base64.
	in := testInput()
	base := reqsign.BaseString(in)
	start := strings.Index(base, "sha-256=:") + len("sha-256=:")
	end := strings.Index(base[start:], ":")
	return base[start : start+end]
}

func TestSignRoundTrip(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	in := testInput()
	headers, err := reqsign.Sign(in, func(msg []byte) ([]byte, error) {
		return ed25519.Sign(priv, msg), nil
	})
	require.NoError(t, err)

	// All three TAP headers are present.
	assert.Equal(t, in.AttestationToken, headers.Get(reqsign.HeaderAttestation))
	assert.Equal(t, in.KeyID, headers.Get(reqsign.HeaderKeyID))
	require.NotEmpty(t, headers.Get(reqsign.HeaderSignature))

	created, sig, err := reqsign.ParseSignature(headers.Get(reqsign.HeaderSignature))
	require.NoError(t, err)
	assert.Equal(t, in.Created, created)
	assert.True(t, reqsign.Verify(in, sig, pub))
}

func TestBitFlipInvalidates(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	in := testInput()
	headers, err := reqsign.Sign(in, func(msg []byte) ([]byte, error) {
		return ed25519.Sign(priv, msg), nil
	})
	require.NoError(t, err)

	_, sig, err := reqsign.ParseSignature(headers.Get(reqsign.HeaderSignature))
	require.NoError(t, err)

	t.Run("flipped signature byte", func(t *testing.T) {
		for i := range sig {
			mutated := append([]byte(nil), sig...)
			mutated[i] ^= 0x01
			assert.False(t, reqsign.Verify(in, mutated, pub), "flip at byte %d must invalidate", i)
		}
	})

	t.Run("changed base string component", func(t *testing.T) {
		cases := []reqsign.Input{}

		c := in
		c.Method = "GET"
		cases = append(cases, c)

		c = in
		c.TargetURI = in.TargetURI + "x"
		cases = append(cases, c)

		c = in
		c.Created++
		cases = append(cases, c)

		c = in
		c.KeyID = "other-key"
		cases = append(cases, c)

		c = in
		c.AttestationToken = in.AttestationToken + "x"
		cases = append(cases, c)

		c = in
		c.ContentDigest = reqsign.ContentDigest([]byte("different body"))
		cases = append(cases, c)

		for i, mutated := range cases {
			assert.False(t, reqsign.Verify(mutated, sig, pub), "mutation %d must invalidate", i)
		}
	})
}

func TestSignRequiresKeyIDAndToken(t *testing.T) {
	noop := func(msg []byte) ([]byte, error) { return []byte("sig"), nil }

	in := testInput()
	in.KeyID = ""
	_, err := reqsign.Sign(in, noop)
	assert.Error(t, err)

	in = testInput()
	in.AttestationToken = ""
	_, err = reqsign.Sign(in, noop)
	assert.Error(t, err)
}

func TestApplySetsHeadersOnRequest(t *testing.T) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	body := []byte(`{"intent":"pay"}`)
	req, err := http.NewRequest(http.MethodPost, "https://merchant.example.com/buy", strings.NewReader(string(body)))
	require.NoError(t, err)

	err = reqsign.Apply(req, body, "key-1", "token.jwt", 1767225600, func(msg []byte) ([]byte, error) {
		return ed25519.Sign(priv, msg), nil
	})
	require.NoError(t, err)

	assert.NotEmpty(t, req.Header.Get(reqsign.HeaderAttestation))
	assert.NotEmpty(t, req.Header.Get(reqsign.HeaderSignature))
	assert.NotEmpty(t, req.Header.Get(reqsign.HeaderKeyID))
}

func TestParseSignatureRejectsGarbage(t *testing.T) {
	_, _, err := reqsign.ParseSignature("created=abc;sig=:AAAA:")
	assert.Error(t, err)

	_, _, err = reqsign.ParseSignature("created=1")
	assert.Error(t, err, "missing sig parameter")

	_, _, err = reqsign.ParseSignature("sig=:AAAA:")
	assert.Error(t, err, "missing created parameter")

	_, _, err = reqsign.ParseSignature("created=1;sig=:!!!:")
	assert.Error(t, err)
}
