// Package kessai is the public API for embedding the Kessai agent
// payment engine.
//
// An agent process constructs one Engine and uses it for the whole
// credential and payment lifecycle:
//
//	eng, err := kessai.New(
//	    kessai.WithWalletSigner(wallet),
//	    kessai.WithSettlement(rail),
//	)
//	if err != nil { ... }
//	defer eng.Close(ctx)
//
//	resp, err := eng.Pay(ctx, kessai.PayRequest{...})
//
// The import graph enforces a strict no-cycle rule: kessai (root)
// imports internal/*, but internal/* never imports kessai (root).
package kessai

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"

	"github.com/hitoha-ai/kessai/internal/config"
	"github.com/hitoha-ai/kessai/internal/credstore"
	"github.com/hitoha-ai/kessai/internal/keyring"
	"github.com/hitoha-ai/kessai/internal/ledger"
	"github.com/hitoha-ai/kessai/internal/model"
	"github.com/hitoha-ai/kessai/internal/payment"
	"github.com/hitoha-ai/kessai/internal/policy"
	"github.com/hitoha-ai/kessai/internal/registry"
	"github.com/hitoha-ai/kessai/internal/securestore"
	"github.com/hitoha-ai/kessai/internal/telemetry"
)

// IdentityLevel re-exports the verification levels for callers.
type IdentityLevel = model.IdentityLevel

const (
	LevelNone  = model.LevelNone
	LevelEmail = model.LevelEmail
	LevelKYC   = model.LevelKYC
	LevelKYB   = model.LevelKYB
)

// Attestation is the stored identity attestation.
type Attestation = model.Attestation

// WalletSigner proves control of the settlement address. The wallet
// integration supplies it; demo mode ships a throwaway one.
type WalletSigner = registry.WalletSigner

// Settlement is the payment rail capability.
type Settlement = payment.Settlement

// PayRequest is one paid HTTP call through the engine.
type PayRequest = payment.Request

// PayResponse is the merchant's final response plus payment bookkeeping.
type PayResponse = payment.Response

// Registration is the outcome of registering with the trust registry.
type Registration = registry.Registration

// AgentCheck is the registry's verdict on a counterparty.
type AgentCheck = registry.AgentCheck

// Status is the local credential status projection.
type Status = credstore.StatusInfo

// Engine owns the agent's identity credentials, spend policy, and
// payment orchestration. Construct with New(), release with Close().
type Engine struct {
	cfg          config.Config
	creds        *credstore.Store
	keys         *keyring.Manager
	store        *ledger.Store
	registry     *registry.Client
	orchestrator *payment.Orchestrator
	otelShutdown telemetry.Shutdown
	logger       *slog.Logger
	version      string
}

// New loads configuration, opens the profile stores, and wires all
// subsystems. It starts no goroutines; the engine is passive until a
// method is called.
func New(opts ...Option) (*Engine, error) {
	o := resolvedOptions{}
	for _, fn := range opts {
		fn(&o)
	}

	logger := o.logger
	if logger == nil {
		logger = slog.Default()
	}

	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if o.registryURL != "" {
		cfg.RegistryURL = o.registryURL
	}
	if o.profileDir != "" {
		cfg.ProfileDir = o.profileDir
	}
	version := o.version
	if version == "" {
		version = "dev"
	}

	logger.Info("kessai starting", "version", version, "profile_dir", cfg.ProfileDir)

	otelShutdown, err := telemetry.Init(context.Background(), cfg.OTELEndpoint, cfg.ServiceName, version, cfg.OTELInsecure)
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}

	// Secret storage: sealed files under the profile dir when a
	// passphrase is configured, otherwise in-memory only (demo mode or
	// explicitly accepted key loss on restart).
	var secrets securestore.Store
	if cfg.SecretsPassphrase != "" {
		secrets, err = securestore.NewFileStore(filepath.Join(cfg.ProfileDir, "secrets"), cfg.SecretsPassphrase)
		if err != nil {
			_ = otelShutdown(context.Background())
			return nil, fmt.Errorf("securestore: %w", err)
		}
	} else {
		if !cfg.DemoMode {
			logger.Warn("no secrets passphrase configured, keys are held in memory only")
		}
		secrets = securestore.NewMemoryStore()
	}
	keys := keyring.NewManager(secrets, logger)

	creds, err := credstore.New(cfg.ProfileDir)
	if err != nil {
		_ = otelShutdown(context.Background())
		return nil, fmt.Errorf("credstore: %w", err)
	}

	store, err := ledger.Open(filepath.Join(cfg.ProfileDir, "ledger.db"), logger)
	if err != nil {
		_ = otelShutdown(context.Background())
		return nil, fmt.Errorf("ledger: %w", err)
	}

	httpClient := o.httpClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.RequestTimeout}
	}

	wallet := o.wallet
	settlement := o.settlement
	if cfg.DemoMode {
		demo := NewDemoRail(logger)
		if wallet == nil {
			wallet = demo
		}
		if settlement == nil {
			settlement = demo
		}
		logger.Info("demo mode: in-process settlement rail")
	}
	if wallet == nil {
		store.Close()
		_ = otelShutdown(context.Background())
		return nil, fmt.Errorf("kessai: a wallet signer is required (or set KESSAI_DEMO=true)")
	}
	if settlement == nil {
		store.Close()
		_ = otelShutdown(context.Background())
		return nil, fmt.Errorf("kessai: a settlement capability is required (or set KESSAI_DEMO=true)")
	}

	regClient := registry.NewClient(cfg.RegistryURL, keys, creds, wallet, logger,
		registry.WithHTTPClient(httpClient))

	validator := policy.New(policy.Limits{
		MaxTransaction:          cfg.MaxTransactionAmount,
		Daily:                   cfg.DailyLimit,
		AutoApproveUnder:        cfg.AutoApproveUnder,
		UnlimitedPerTransaction: cfg.UnlimitedPerTransaction,
		UnlimitedDaily:          cfg.UnlimitedDaily,
	}, store)

	orchestrator := payment.New(validator, creds, keys, settlement, store, logger,
		payment.WithHTTPClient(httpClient))

	return &Engine{
		cfg:          cfg,
		creds:        creds,
		keys:         keys,
		store:        store,
		registry:     regClient,
		orchestrator: orchestrator,
		otelShutdown: otelShutdown,
		logger:       logger,
		version:      version,
	}, nil
}

// Register registers this agent with the trust registry under name,
// minting a fresh signing key and storing the resulting identity.
func (e *Engine) Register(ctx context.Context, name string) (Registration, error) {
	if e.cfg.RegistryURL == "" {
		return Registration{}, fmt.Errorf("kessai: KESSAI_REGISTRY_URL is not configured")
	}
	return e.registry.Register(ctx, name)
}

// Verify completes identity verification at the requested level and
// stores the attestation the registry issues.
func (e *Engine) Verify(ctx context.Context, level IdentityLevel) (Attestation, error) {
	if e.cfg.RegistryURL == "" {
		return Attestation{}, fmt.Errorf("kessai: KESSAI_REGISTRY_URL is not configured")
	}
	return e.registry.CompleteVerification(ctx, level)
}

// Status reports the current local credential status. It is recomputed
// on every call; an expired attestation reads as unverified.
func (e *Engine) Status() (Status, error) {
	return e.creds.Status()
}

// CheckAgent asks the registry about a counterparty address, forwarding
// the counterparty's attestation token if one was presented. Advisory:
// an unreachable registry reads as unverified, never as an error.
func (e *Engine) CheckAgent(ctx context.Context, address, attestationToken string) (AgentCheck, error) {
	return e.registry.VerifyAgent(ctx, address, attestationToken)
}

// Pay executes one paid HTTP request, handling a 402 challenge with a
// single proof-carrying retry.
func (e *Engine) Pay(ctx context.Context, req PayRequest) (*PayResponse, error) {
	return e.orchestrator.Pay(ctx, req)
}

// History returns recent audit events, newest first.
func (e *Engine) History(ctx context.Context, limit int) ([]ledger.AuditEvent, error) {
	return e.store.AuditEvents(ctx, limit)
}

// SpentToday returns the approved spend total over the trailing 24 hours.
func (e *Engine) SpentToday(ctx context.Context) (int64, error) {
	return e.store.ApprovedTotalSince(ctx, time.Now().Add(-24*time.Hour))
}

// Reset discards local credentials. Key material in the secure store is
// kept; re-registration overwrites it.
func (e *Engine) Reset() error {
	return e.creds.Clear()
}

// Close releases the ledger database and flushes telemetry.
func (e *Engine) Close(ctx context.Context) error {
	var firstErr error
	if err := e.store.Close(); err != nil {
		firstErr = err
	}
	if err := e.otelShutdown(ctx); err != nil && firstErr == nil {
		firstErr = err
	}
	e.logger.Info("kessai stopped")
	return firstErr
}
