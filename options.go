package kessai

import (
	"log/slog"
	"net/http"
)

// resolvedOptions is the internal result of applying Options.
type resolvedOptions struct {
	logger      *slog.Logger
	httpClient  *http.Client
	registryURL string
	profileDir  string
	version     string
	wallet      WalletSigner
	settlement  Settlement
}

// Option configures the Engine at construction time.
type Option func(*resolvedOptions)

// WithLogger sets the structured logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(o *resolvedOptions) { o.logger = logger }
}

// WithHTTPClient sets the HTTP client used for both registry and
// merchant traffic. Defaults to a client with the configured timeout.
func WithHTTPClient(hc *http.Client) Option {
	return func(o *resolvedOptions) { o.httpClient = hc }
}

// WithRegistryURL overrides KESSAI_REGISTRY_URL.
func WithRegistryURL(url string) Option {
	return func(o *resolvedOptions) { o.registryURL = url }
}

// WithProfileDir overrides KESSAI_PROFILE_DIR.
func WithProfileDir(dir string) Option {
	return func(o *resolvedOptions) { o.profileDir = dir }
}

// WithVersion sets the reported version string (for telemetry).
func WithVersion(v string) Option {
	return func(o *resolvedOptions) { o.version = v }
}

// WithWalletSigner supplies the wallet that proves address ownership
// during registration.
func WithWalletSigner(w WalletSigner) Option {
	return func(o *resolvedOptions) { o.wallet = w }
}

// WithSettlement supplies the payment rail implementation.
func WithSettlement(s Settlement) Option {
	return func(o *resolvedOptions) { o.settlement = s }
}
