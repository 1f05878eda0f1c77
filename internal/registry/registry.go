// Package registry talks to the trust-registry authority: agent
// registration, identity verification, and counterparty checks.
package registry

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/sync/singleflight"

	"github.com/hitoha-ai/kessai/internal/credstore"
	"github.com/hitoha-ai/kessai/internal/keyring"
	"github.com/hitoha-ai/kessai/internal/model"
)

// WalletSigner proves control of the settlement address during
// registration by signing the registry's challenge string.
type WalletSigner interface {
	Address() string
	SignMessage(ctx context.Context, message []byte) ([]byte, error)
}

// Registration is the outcome of a successful agent registration.
type Registration struct {
	AgentID         string
	KeyID           string
	VerificationURL string
}

// AgentCheck is the registry's answer about a counterparty agent.
// A transport failure yields the zero value: unknown agents and
// unreachable registries alike read as unverified.
type AgentCheck struct {
	Valid      bool                `json:"valid"`
	AgentID    string              `json:"agent_id,omitempty"`
	Level      model.IdentityLevel `json:"identity_level,omitempty"`
	Reputation float64             `json:"reputation,omitempty"`
}

// Client is the registry HTTP client.
type Client struct {
	baseURL    string
	httpClient *http.Client
	keys       *keyring.Manager
	creds      *credstore.Store
	wallet     WalletSigner
	logger     *slog.Logger
	clock      func() time.Time

	verifyGroup singleflight.Group
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithClock overrides the wall clock, for tests.
func WithClock(clock func() time.Time) Option {
	return func(c *Client) { c.clock = clock }
}

// NewClient creates a registry client bound to the local credential
// stores and wallet.
func NewClient(baseURL string, keys *keyring.Manager, creds *credstore.Store, wallet WalletSigner, logger *slog.Logger, opts ...Option) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Client{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{Timeout: 30 * time.Second},
		keys:       keys,
		creds:      creds,
		wallet:     wallet,
		logger:     logger,
		clock:      time.Now,
	}
	for _, fn := range opts {
		fn(c)
	}
	return c
}

// GetChallenge requests a fresh registration challenge for the wallet
// address. Challenges are single-use and bound to the address by the
// registry.
func (c *Client) GetChallenge(ctx context.Context) (string, error) {
	var out struct {
		Challenge string `json:"challenge"`
	}
	err := c.post(ctx, "/v1/challenges", map[string]any{
		"address": c.wallet.Address(),
	}, &out)
	if err != nil {
		return "", err
	}
	if out.Challenge == "" {
		return "", &RegistryError{StatusCode: http.StatusOK, Message: "empty challenge"}
	}
	return out.Challenge, nil
}

// Register mints a fresh protocol signing key, proves wallet ownership
// against a registry challenge, and records the resulting identity
// locally. There is no automatic retry: a failed registration surfaces
// the registry's refusal verbatim and the caller decides.
//
// Each call generates a new keypair, so registering twice yields two
// distinct key IDs and the registry supersedes the older binding.
func (c *Client) Register(ctx context.Context, name string) (Registration, error) {
	if err := model.ValidateAgentName(name); err != nil {
		return Registration{}, fmt.Errorf("registry: %w", err)
	}
	if err := model.ValidateAddress(c.wallet.Address()); err != nil {
		return Registration{}, fmt.Errorf("registry: %w", err)
	}

	handle, pub, err := c.keys.Generate(ctx, keyring.SlotTAP)
	if err != nil {
		return Registration{}, err
	}

	challenge, err := c.GetChallenge(ctx)
	if err != nil {
		return Registration{}, err
	}

	// The wallet signs the literal challenge string, nothing derived.
	sig, err := c.wallet.SignMessage(ctx, []byte(challenge))
	if err != nil {
		return Registration{}, fmt.Errorf("registry: sign challenge: %w", err)
	}

	var out struct {
		AgentID         string `json:"agent_id"`
		VerificationURL string `json:"verification_url"`
	}
	err = c.post(ctx, "/v1/agents", map[string]any{
		"address":    c.wallet.Address(),
		"name":       name,
		"public_key": base64.StdEncoding.EncodeToString(pub),
		"algorithm":  "ed25519",
		"signature":  base64.StdEncoding.EncodeToString(sig),
		"challenge":  challenge,
	}, &out)
	if err != nil {
		return Registration{}, err
	}
	if out.AgentID == "" {
		return Registration{}, &RegistryError{StatusCode: http.StatusOK, Message: "registration response missing agent_id"}
	}

	identity := model.AgentIdentity{
		AgentID:      out.AgentID,
		KeyID:        handle.KeyID,
		PublicKey:    pub,
		Name:         name,
		Address:      c.wallet.Address(),
		RegisteredAt: c.clock().UTC(),
	}
	if err := c.creds.SaveIdentity(identity); err != nil {
		return Registration{}, err
	}

	c.logger.Info("registry: agent registered", "agent_id", out.AgentID, "key_id", handle.KeyID)
	return Registration{
		AgentID:         out.AgentID,
		KeyID:           handle.KeyID,
		VerificationURL: out.VerificationURL,
	}, nil
}

// CompleteVerification submits a verification request at the given level
// and stores the attestation the registry issues. The token is issued by
// the registry; locally it is only shape-checked (issuance and expiry
// must parse and be ordered), not signature-verified, since relying
// parties hold the registry keys.
func (c *Client) CompleteVerification(ctx context.Context, level model.IdentityLevel) (model.Attestation, error) {
	identity, err := c.creds.LoadIdentity()
	if err != nil {
		return model.Attestation{}, err
	}
	if identity == nil {
		return model.Attestation{}, &VerificationError{Reason: "agent is not registered"}
	}

	var out struct {
		Attestation string `json:"attestation"`
		Level       string `json:"level"`
		Issuer      string `json:"issuer"`
	}
	path := fmt.Sprintf("/v1/agents/%s/verification", identity.AgentID)
	err = c.post(ctx, path, map[string]any{"level": string(level)}, &out)
	if err != nil {
		return model.Attestation{}, err
	}
	if out.Attestation == "" {
		return model.Attestation{}, &VerificationError{Reason: "registry returned no attestation"}
	}

	att, err := c.buildAttestation(out.Attestation, out.Level, out.Issuer)
	if err != nil {
		return model.Attestation{}, err
	}
	if err := c.creds.SaveAttestation(att); err != nil {
		return model.Attestation{}, err
	}

	c.logger.Info("registry: verification complete", "agent_id", identity.AgentID, "level", att.Level)
	return att, nil
}

func (c *Client) buildAttestation(token, level, issuer string) (model.Attestation, error) {
	parsed, _, err := jwt.NewParser().ParseUnverified(token, jwt.MapClaims{})
	if err != nil {
		return model.Attestation{}, &VerificationError{Reason: "attestation token is not a valid JWT"}
	}
	issuedAt, err := parsed.Claims.GetIssuedAt()
	if err != nil || issuedAt == nil {
		return model.Attestation{}, &VerificationError{Reason: "attestation token missing issuance time"}
	}
	expiresAt, err := parsed.Claims.GetExpirationTime()
	if err != nil || expiresAt == nil {
		return model.Attestation{}, &VerificationError{Reason: "attestation token missing expiry"}
	}

	parsedLevel, err := model.ParseIdentityLevel(level)
	if err != nil {
		return model.Attestation{}, &VerificationError{Reason: err.Error()}
	}

	att := model.Attestation{
		Level:     parsedLevel,
		Token:     token,
		IssuedAt:  issuedAt.Time.UTC(),
		ExpiresAt: expiresAt.Time.UTC(),
		Issuer:    issuer,
	}
	if err := att.Validate(); err != nil {
		return model.Attestation{}, &VerificationError{Reason: err.Error()}
	}
	return att, nil
}

// VerifyAgent asks the registry about a counterparty address, passing
// along the counterparty's attestation token when one was presented.
// Concurrent lookups for the same address are collapsed into one
// request. The check is advisory: if the registry cannot be reached,
// the answer is "not verified", not an error.
func (c *Client) VerifyAgent(ctx context.Context, address, attestationToken string) (AgentCheck, error) {
	v, err, _ := c.verifyGroup.Do(address, func() (any, error) {
		body := map[string]any{"address": address}
		if attestationToken != "" {
			body["attestation"] = attestationToken
		}
		var out AgentCheck
		if err := c.post(ctx, "/v1/verify", body, &out); err != nil {
			var te *TransportError
			if errors.As(err, &te) {
				c.logger.Warn("registry: verify unreachable, treating as unverified", "address", address)
				return AgentCheck{}, nil
			}
			return AgentCheck{}, err
		}
		return out, nil
	})
	if err != nil {
		return AgentCheck{}, err
	}
	return v.(AgentCheck), nil
}

// post sends a JSON request and decodes a JSON response, turning
// non-2xx responses into typed errors.
func (c *Client) post(ctx context.Context, path string, body, out any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("registry: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("registry: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &TransportError{Op: "POST " + path, Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return &TransportError{Op: "POST " + path, Err: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return c.decodeError(path, resp.StatusCode, raw)
	}
	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			return fmt.Errorf("registry: decode response: %w", err)
		}
	}
	return nil
}

func (c *Client) decodeError(path string, status int, raw []byte) error {
	var body struct {
		Code    string `json:"code"`
		Message string `json:"message"`
		Detail  string `json:"detail"`
	}
	_ = json.Unmarshal(raw, &body)

	if path == "/v1/agents" {
		detail := body.Detail
		if detail == "" {
			detail = body.Message
		}
		if detail == "" {
			detail = strings.TrimSpace(string(raw))
		}
		return &RegistrationError{StatusCode: status, Detail: detail}
	}

	msg := body.Message
	if msg == "" {
		msg = strings.TrimSpace(string(raw))
	}
	return &RegistryError{StatusCode: status, Code: body.Code, Message: msg}
}
