// Package payment drives the 402 retry flow: send the request, and when
// the merchant answers with a payment challenge, validate it against
// local policy, build a settlement proof, and retry exactly once with
// proof plus identity headers attached.
package payment

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/hitoha-ai/kessai/internal/credstore"
	"github.com/hitoha-ai/kessai/internal/keyring"
	"github.com/hitoha-ai/kessai/internal/ledger"
	"github.com/hitoha-ai/kessai/internal/model"
	"github.com/hitoha-ai/kessai/internal/policy"
	"github.com/hitoha-ai/kessai/internal/reqsign"
)

// HeaderPayment carries the settlement proof on the retried request.
const HeaderPayment = "X-Payment"

// Balance is the settlement account's spendable funds. Amount is in
// minor units; Decimals maps minor units back to the display unit.
type Balance struct {
	Amount   int64
	Currency string
	Decimals int
}

// Settlement abstracts the payment rail. The orchestrator never touches
// chain or processor specifics; it only needs a balance, a proof, and
// for prepay schemes a confirmed transaction hash.
type Settlement interface {
	Balance(ctx context.Context) (Balance, error)
	BuildProof(ctx context.Context, challenge model.PaymentChallenge) (string, error)
	SubmitAndConfirm(ctx context.Context, challenge model.PaymentChallenge) (txHash string, err error)
}

// Request is one paid HTTP call. MaxAmount caps what this call may
// spend, independent of the global policy limits; zero means no
// per-call cap was declared and only the global policy applies.
type Request struct {
	Method    string
	URL       string
	Body      []byte
	MaxAmount int64
	Merchant  string
}

// Response is the final merchant response plus payment bookkeeping.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
	Paid       bool
	TxHash     string
	Amount     int64
}

// RejectedError means the merchant refused the request even after proof
// was attached. Detail is the merchant's response body verbatim.
type RejectedError struct {
	StatusCode int
	Detail     string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("payment: merchant rejected paid request (status %d): %s", e.StatusCode, e.Detail)
}

// InsufficientBalanceError means the settlement account cannot cover the
// challenged amount; nothing was sent to the merchant a second time.
type InsufficientBalanceError struct {
	Required  int64
	Available int64
	Currency  string
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("payment: insufficient balance: need %d %s, have %d", e.Required, e.Currency, e.Available)
}

// ChallengeError means the merchant's 402 response could not be used.
type ChallengeError struct {
	Reason string
}

func (e *ChallengeError) Error() string {
	return "payment: unusable challenge: " + e.Reason
}

// Orchestrator executes paid requests.
type Orchestrator struct {
	policy     *policy.Validator
	creds      *credstore.Store
	keys       *keyring.Manager
	settlement Settlement
	audit      ledger.AuditSink
	httpClient *http.Client
	logger     *slog.Logger
	clock      func() time.Time

	tracer   trace.Tracer
	outcomes metric.Int64Counter
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(o *Orchestrator) { o.httpClient = hc }
}

// WithClock overrides the wall clock, for tests.
func WithClock(clock func() time.Time) Option {
	return func(o *Orchestrator) { o.clock = clock }
}

// New wires an Orchestrator. audit may be nil; auditing is best-effort
// and never blocks a payment.
func New(pol *policy.Validator, creds *credstore.Store, keys *keyring.Manager, settlement Settlement, audit ledger.AuditSink, logger *slog.Logger, opts ...Option) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	o := &Orchestrator{
		policy:     pol,
		creds:      creds,
		keys:       keys,
		settlement: settlement,
		audit:      audit,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		logger:     logger,
		clock:      time.Now,
		tracer:     otel.Tracer("kessai/payment"),
	}
	o.outcomes, _ = otel.Meter("kessai/payment").Int64Counter("kessai.payment.outcomes",
		metric.WithDescription("Paid request outcomes by result"))
	for _, fn := range opts {
		fn(o)
	}
	return o
}

// Pay sends the request and, on a 402 challenge, pays and retries once.
// A second 402 after proof was attached is terminal; there is never
// more than one retry.
func (o *Orchestrator) Pay(ctx context.Context, req Request) (*Response, error) {
	ctx, span := o.tracer.Start(ctx, "payment.pay",
		trace.WithAttributes(
			attribute.String("merchant", req.Merchant),
			attribute.Int64("max_amount", req.MaxAmount),
		))
	defer span.End()

	resp, err := o.pay(ctx, req)
	o.recordOutcome(ctx, resp, err)
	return resp, err
}

func (o *Orchestrator) pay(ctx context.Context, req Request) (*Response, error) {
	// A declared cap that already violates policy is knowable locally;
	// fail before any network traffic.
	if req.MaxAmount != 0 {
		res, err := o.policy.Validate(ctx, req.MaxAmount)
		if err != nil {
			return nil, err
		}
		if !res.Valid {
			o.auditEvent(ctx, "payment_blocked", map[string]any{
				"merchant": req.Merchant,
				"reasons":  res.Errors,
			})
			return nil, &policy.LimitExceededError{Errors: res.Errors}
		}
	}

	first, err := o.send(ctx, req, nil)
	if err != nil {
		return nil, err
	}
	if first.StatusCode != http.StatusPaymentRequired {
		return first, nil
	}

	challenge, err := parseChallenge(first.Body)
	if err != nil {
		return nil, err
	}
	// The concrete amount is known now; never pay more than the caller
	// authorized, even if the service demands more.
	if req.MaxAmount != 0 && challenge.Amount > req.MaxAmount {
		reasons := []string{"exceeds declared maximum for this request"}
		o.auditEvent(ctx, "payment_blocked", map[string]any{
			"merchant": req.Merchant,
			"amount":   challenge.Amount,
			"reasons":  reasons,
		})
		return nil, &policy.LimitExceededError{Errors: reasons}
	}

	entry, _, err := o.policy.Reserve(ctx, challenge.Amount, challenge.Currency, req.Merchant)
	if err != nil {
		o.auditEvent(ctx, "payment_blocked", map[string]any{
			"merchant": req.Merchant,
			"amount":   challenge.Amount,
			"reasons":  []string{err.Error()},
		})
		return nil, err
	}

	resp, err := o.settleAndRetry(ctx, req, challenge, entry)
	if err != nil {
		return nil, err
	}
	return resp, nil
}

func (o *Orchestrator) settleAndRetry(ctx context.Context, req Request, challenge model.PaymentChallenge, entry model.SpendEntry) (*Response, error) {
	fail := func(cause error) error {
		if serr := o.policy.Settle(ctx, entry.ID, model.SpendFailed); serr != nil {
			o.logger.Error("payment: settle failed entry", "entry_id", entry.ID, "error", serr)
		}
		o.auditEvent(ctx, "payment_failed", map[string]any{
			"merchant": req.Merchant,
			"amount":   challenge.Amount,
			"reason":   cause.Error(),
		})
		return cause
	}

	balance, err := o.settlement.Balance(ctx)
	if err != nil {
		return nil, fail(fmt.Errorf("payment: query balance: %w", err))
	}
	if balance.Amount < challenge.Amount {
		return nil, fail(&InsufficientBalanceError{
			Required:  challenge.Amount,
			Available: balance.Amount,
			Currency:  challenge.Currency,
		})
	}

	var proof, txHash string
	switch challenge.Scheme {
	case "prepay":
		// Funds move before the retry; the confirmed hash is the proof.
		txHash, err = o.settlement.SubmitAndConfirm(ctx, challenge)
		if err != nil {
			return nil, fail(fmt.Errorf("payment: submit settlement: %w", err))
		}
		proof = txHash
	default:
		proof, err = o.settlement.BuildProof(ctx, challenge)
		if err != nil {
			return nil, fail(fmt.Errorf("payment: build proof: %w", err))
		}
	}

	second, err := o.send(ctx, req, func(r *http.Request) error {
		r.Header.Set(HeaderPayment, proof)
		return o.attachIdentity(ctx, r, req.Body)
	})
	if err != nil {
		return nil, fail(err)
	}

	if second.StatusCode < 200 || second.StatusCode >= 300 {
		if serr := o.policy.Settle(ctx, entry.ID, model.SpendRejected); serr != nil {
			o.logger.Error("payment: settle rejected entry", "entry_id", entry.ID, "error", serr)
		}
		o.auditEvent(ctx, "payment_rejected", map[string]any{
			"merchant": req.Merchant,
			"amount":   challenge.Amount,
			"status":   second.StatusCode,
		})
		return nil, &RejectedError{StatusCode: second.StatusCode, Detail: string(second.Body)}
	}

	if err := o.policy.Settle(ctx, entry.ID, model.SpendApproved); err != nil {
		o.logger.Error("payment: settle approved entry", "entry_id", entry.ID, "error", err)
	}
	o.auditEvent(ctx, "payment_approved", map[string]any{
		"merchant": req.Merchant,
		"amount":   challenge.Amount,
		"currency": challenge.Currency,
	})

	second.Paid = true
	second.TxHash = txHash
	second.Amount = challenge.Amount
	return second, nil
}

// attachIdentity signs the retried request with the agent's credentials.
// An unverified agent sends the retry bare; a verified agent whose
// signing fails gets a hard error, never a silent unsigned request.
// Identity and attestation come from one snapshot, so credentials
// cleared mid-flight degrade to a bare retry instead of a torn read.
func (o *Orchestrator) attachIdentity(ctx context.Context, r *http.Request, body []byte) error {
	identity, att, err := o.creds.Snapshot()
	if err != nil {
		return fmt.Errorf("payment: read credentials: %w", err)
	}
	if identity == nil || att == nil || att.Expired(o.clock()) {
		return nil
	}

	handle := keyring.Handle{Slot: keyring.SlotTAP, KeyID: identity.KeyID}
	return reqsign.Apply(r, body, identity.KeyID, att.Token, o.clock().Unix(), func(msg []byte) ([]byte, error) {
		return o.keys.Sign(ctx, handle, msg)
	})
}

type sendHook func(*http.Request) error

func (o *Orchestrator) send(ctx context.Context, req Request, hook sendHook) (*Response, error) {
	httpReq, err := http.NewRequestWithContext(ctx, req.Method, req.URL, bytes.NewReader(req.Body))
	if err != nil {
		return nil, fmt.Errorf("payment: build request: %w", err)
	}
	if len(req.Body) > 0 {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	if hook != nil {
		if err := hook(httpReq); err != nil {
			return nil, err
		}
	}

	resp, err := o.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("payment: send request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("payment: read response: %w", err)
	}
	return &Response{StatusCode: resp.StatusCode, Header: resp.Header, Body: body}, nil
}

func parseChallenge(body []byte) (model.PaymentChallenge, error) {
	var ch model.PaymentChallenge
	if err := json.Unmarshal(body, &ch); err != nil {
		return model.PaymentChallenge{}, &ChallengeError{Reason: "response body is not a challenge: " + err.Error()}
	}
	if err := ch.Validate(); err != nil {
		return model.PaymentChallenge{}, &ChallengeError{Reason: err.Error()}
	}
	return ch, nil
}

func (o *Orchestrator) auditEvent(ctx context.Context, kind string, metadata map[string]any) {
	if o.audit == nil {
		return
	}
	if err := o.audit.LogAction(ctx, kind, metadata); err != nil {
		o.logger.Warn("payment: audit event dropped", "kind", kind, "error", err)
	}
}

func (o *Orchestrator) recordOutcome(ctx context.Context, resp *Response, err error) {
	if o.outcomes == nil {
		return
	}
	outcome := "passthrough"
	switch {
	case err != nil:
		outcome = "error"
	case resp != nil && resp.Paid:
		outcome = "paid"
	}
	o.outcomes.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}
