// Package reqsign builds the TAP authentication headers for outbound
// requests: the attestation token, a detached Ed25519 signature over a
// canonical base string, and the key identifier a relying party needs to
// look up the public key.
package reqsign

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"net/http"
	"strconv"
	"strings"
)

// Header names for the three TAP components. Exact wire names are an
// interop concern; they are defined once here so a rename stays local.
const (
	HeaderAttestation = "Tap-Attestation"
	HeaderSignature   = "Tap-Signature"
	HeaderKeyID       = "Tap-Key-Id"
)

// Input is the fixed component set covered by the signature. All fields
// participate in the base string; there are no optional components, so
// signer and verifier can never disagree about coverage.
type Input struct {
	Method           string
	TargetURI        string
	ContentDigest    []byte // SHA-256 of the request body; empty body digests to sha256("")
	KeyID            string
	Created          int64 // Unix seconds
	AttestationToken string
}

// ContentDigest hashes a request body for inclusion in the base string.
func ContentDigest(body []byte) []byte {
	sum := sha256.Sum256(body)
	return sum[:]
}

// BaseString builds the canonical signature base. It is a pure function
// of its inputs: fixed component order, one `"name": value` line per
// component, newline-joined, integers formatted base-10 with no locale
// influence. Any byte difference on either side breaks verification, by
// construction.
func BaseString(in Input) string {
	lines := []string{
		fmt.Sprintf("%q: %s", "@method", strings.ToUpper(in.Method)),
		fmt.Sprintf("%q: %s", "@target-uri", in.TargetURI),
		fmt.Sprintf("%q: sha-256=:%s:", "content-digest", base64.StdEncoding.EncodeToString(in.ContentDigest)),
		fmt.Sprintf("%q: %s", "tap-key-id", in.KeyID),
		fmt.Sprintf("%q: %s", "created", strconv.FormatInt(in.Created, 10)),
		fmt.Sprintf("%q: %s", "tap-attestation", in.AttestationToken),
	}
	return strings.Join(lines, "\n")
}

// SignFunc signs a message; it is satisfied by the keyring manager with
// the TAP handle bound in.
type SignFunc func(message []byte) ([]byte, error)

// Sign produces the three TAP headers for the given input.
func Sign(in Input, sign SignFunc) (http.Header, error) {
	if in.KeyID == "" {
		return nil, fmt.Errorf("reqsign: key id is required")
	}
	if in.AttestationToken == "" {
		return nil, fmt.Errorf("reqsign: attestation token is required")
	}

	sig, err := sign([]byte(BaseString(in)))
	if err != nil {
		return nil, fmt.Errorf("reqsign: sign base string: %w", err)
	}

	h := http.Header{}
	h.Set(HeaderAttestation, in.AttestationToken)
	h.Set(HeaderKeyID, in.KeyID)
	h.Set(HeaderSignature, fmt.Sprintf("created=%d;sig=:%s:", in.Created, base64.StdEncoding.EncodeToString(sig)))
	return h, nil
}

// Apply signs the request and sets the TAP headers on it. The body bytes
// must match what will actually be sent.
func Apply(req *http.Request, body []byte, keyID, attestationToken string, created int64, sign SignFunc) error {
	in := Input{
		Method:           req.Method,
		TargetURI:        req.URL.String(),
		ContentDigest:    ContentDigest(body),
		KeyID:            keyID,
		Created:          created,
		AttestationToken: attestationToken,
	}
	headers, err := Sign(in, sign)
	if err != nil {
		return err
	}
	for name, values := range headers {
		req.Header.Set(name, values[0])
	}
	return nil
}

// ParseSignature decodes a Tap-Signature header value into its created
// timestamp and raw signature bytes.
func ParseSignature(value string) (created int64, sig []byte, err error) {
	var haveCreated bool
	for _, part := range strings.Split(value, ";") {
		switch {
		case strings.HasPrefix(part, "created="):
			created, err = strconv.ParseInt(strings.TrimPrefix(part, "created="), 10, 64)
			if err != nil {
				return 0, nil, fmt.Errorf("reqsign: parse created: %w", err)
			}
			haveCreated = true
		case strings.HasPrefix(part, "sig=:") && strings.HasSuffix(part, ":"):
			encoded := strings.TrimSuffix(strings.TrimPrefix(part, "sig=:"), ":")
			sig, err = base64.StdEncoding.DecodeString(encoded)
			if err != nil {
				return 0, nil, fmt.Errorf("reqsign: decode signature: %w", err)
			}
		}
	}
	// created is a signed component; a value missing from the header
	// cannot be defaulted without breaking verification.
	if !haveCreated {
		return 0, nil, fmt.Errorf("reqsign: signature header missing created parameter")
	}
	if sig == nil {
		return 0, nil, fmt.Errorf("reqsign: signature header missing sig parameter")
	}
	return created, sig, nil
}

// Verify checks a detached signature against the base string rebuilt from
// in. This is the relying-party side of the exchange; it exists here for
// round-trip verification in tests and diagnostics.
func Verify(in Input, sig []byte, pub ed25519.PublicKey) bool {
	return ed25519.Verify(pub, []byte(BaseString(in)), sig)
}
