package kessai

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/hitoha-ai/kessai/internal/model"
	"github.com/hitoha-ai/kessai/internal/payment"
)

// DemoRail is an in-process wallet and settlement rail for demo mode.
// It signs with a throwaway Ed25519 key and pays from a fictional
// balance; no real funds exist anywhere near it.
type DemoRail struct {
	priv    ed25519.PrivateKey
	address string
	logger  *slog.Logger

	mu      sync.Mutex
	balance int64
}

// NewDemoRail creates a demo rail with a fresh throwaway key and a
// starting balance of 1,000,000 minor units.
func NewDemoRail(logger *slog.Logger) *DemoRail {
	if logger == nil {
		logger = slog.Default()
	}
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		// rand.Reader failing means the platform is unusable anyway.
		panic(fmt.Sprintf("kessai: demo key generation: %v", err))
	}
	return &DemoRail{
		priv:    priv,
		address: "eip155:8453:0x" + hex.EncodeToString(pub[:20]),
		logger:  logger,
		balance: 1_000_000,
	}
}

// Address returns the demo wallet's chain-qualified address.
func (d *DemoRail) Address() string { return d.address }

// SignMessage signs with the throwaway demo key.
func (d *DemoRail) SignMessage(_ context.Context, message []byte) ([]byte, error) {
	return ed25519.Sign(d.priv, message), nil
}

// Balance reports the remaining fictional funds.
func (d *DemoRail) Balance(context.Context) (payment.Balance, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return payment.Balance{Amount: d.balance, Currency: "USDC", Decimals: 6}, nil
}

// BuildProof debits the fictional balance and returns a proof token the
// demo merchant accepts.
func (d *DemoRail) BuildProof(_ context.Context, ch model.PaymentChallenge) (string, error) {
	if err := d.debit(ch.Amount); err != nil {
		return "", err
	}
	return fmt.Sprintf("demo-proof:%s:%s:%d", uuid.NewString(), ch.Nonce, ch.Amount), nil
}

// SubmitAndConfirm debits the fictional balance and returns a fake
// transaction hash, confirmed instantly.
func (d *DemoRail) SubmitAndConfirm(_ context.Context, ch model.PaymentChallenge) (string, error) {
	if err := d.debit(ch.Amount); err != nil {
		return "", err
	}
	tx := "0xdemo" + hex.EncodeToString([]byte(uuid.NewString()[:13]))
	d.logger.Info("demo rail: settled", "tx", tx, "amount", ch.Amount, "pay_to", ch.PayTo)
	return tx, nil
}

func (d *DemoRail) debit(amount int64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if amount > d.balance {
		return fmt.Errorf("kessai: demo balance exhausted")
	}
	d.balance -= amount
	return nil
}
