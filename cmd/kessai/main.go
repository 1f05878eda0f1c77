// Command kessai is the agent payment engine CLI: register an agent
// identity, complete verification, inspect status, and make paid
// requests.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/hitoha-ai/kessai"
	"github.com/hitoha-ai/kessai/internal/model"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run0())
}

func run0() int {
	level := slog.LevelInfo
	if os.Getenv("KESSAI_LOG_LEVEL") == "debug" {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, logger, os.Args[1:]); err != nil {
		slog.Error("fatal error", "error", err)
		return 1
	}
	return 0
}

func run(ctx context.Context, logger *slog.Logger, args []string) error {
	if len(args) == 0 {
		usage()
		return fmt.Errorf("a command is required")
	}

	eng, err := kessai.New(
		kessai.WithLogger(logger),
		kessai.WithVersion(version),
	)
	if err != nil {
		return err
	}
	defer func() { _ = eng.Close(context.Background()) }()

	switch args[0] {
	case "register":
		return cmdRegister(ctx, eng, args[1:])
	case "verify":
		return cmdVerify(ctx, eng, args[1:])
	case "status":
		return cmdStatus(eng)
	case "pay":
		return cmdPay(ctx, eng, args[1:])
	case "check":
		return cmdCheck(ctx, eng, args[1:])
	case "history":
		return cmdHistory(ctx, eng, args[1:])
	case "reset":
		return eng.Reset()
	default:
		usage()
		return fmt.Errorf("unknown command %q", args[0])
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage: kessai <command> [flags]

commands:
  register -name NAME         register this agent with the trust registry
  verify -level LEVEL         complete identity verification (email|kyc|kyb)
  status                      print local credential status
  pay -url URL -max AMOUNT    make a paid request
  check -address ADDRESS      look up a counterparty agent
  history [-n N]              print recent audit events
  reset                       discard local credentials`)
}

func cmdRegister(ctx context.Context, eng *kessai.Engine, args []string) error {
	fs := flag.NewFlagSet("register", flag.ContinueOnError)
	name := fs.String("name", "", "agent name")
	if err := fs.Parse(args); err != nil {
		return err
	}

	reg, err := eng.Register(ctx, *name)
	if err != nil {
		return err
	}
	return printJSON(reg)
}

func cmdVerify(ctx context.Context, eng *kessai.Engine, args []string) error {
	fs := flag.NewFlagSet("verify", flag.ContinueOnError)
	level := fs.String("level", "email", "verification level (email|kyc|kyb)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	parsed, err := model.ParseIdentityLevel(*level)
	if err != nil {
		return err
	}
	att, err := eng.Verify(ctx, parsed)
	if err != nil {
		return err
	}
	return printJSON(map[string]any{
		"level":      att.Level,
		"issuer":     att.Issuer,
		"expires_at": att.ExpiresAt,
	})
}

func cmdStatus(eng *kessai.Engine) error {
	status, err := eng.Status()
	if err != nil {
		return err
	}
	return printJSON(status)
}

func cmdPay(ctx context.Context, eng *kessai.Engine, args []string) error {
	fs := flag.NewFlagSet("pay", flag.ContinueOnError)
	url := fs.String("url", "", "merchant URL")
	method := fs.String("method", http.MethodGet, "HTTP method")
	body := fs.String("body", "", "request body")
	maxAmount := fs.Int64("max", 0, "spend cap for this request, in minor units")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *url == "" {
		return fmt.Errorf("pay: -url is required")
	}

	merchant := *url
	if i := strings.Index(merchant, "://"); i >= 0 {
		merchant = merchant[i+3:]
	}
	if i := strings.IndexByte(merchant, '/'); i >= 0 {
		merchant = merchant[:i]
	}

	resp, err := eng.Pay(ctx, kessai.PayRequest{
		Method:    *method,
		URL:       *url,
		Body:      []byte(*body),
		MaxAmount: *maxAmount,
		Merchant:  merchant,
	})
	if err != nil {
		return err
	}

	fmt.Fprintln(os.Stdout, string(resp.Body))
	if resp.Paid {
		slog.Info("payment settled", "amount", resp.Amount, "tx", resp.TxHash)
	}
	return nil
}

func cmdCheck(ctx context.Context, eng *kessai.Engine, args []string) error {
	fs := flag.NewFlagSet("check", flag.ContinueOnError)
	address := fs.String("address", "", "counterparty chain-qualified address")
	token := fs.String("token", "", "attestation token presented by the counterparty")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *address == "" {
		return fmt.Errorf("check: -address is required")
	}

	check, err := eng.CheckAgent(ctx, *address, *token)
	if err != nil {
		return err
	}
	return printJSON(check)
}

func cmdHistory(ctx context.Context, eng *kessai.Engine, args []string) error {
	fs := flag.NewFlagSet("history", flag.ContinueOnError)
	n := fs.Int("n", 20, "number of events")
	if err := fs.Parse(args); err != nil {
		return err
	}

	events, err := eng.History(ctx, *n)
	if err != nil {
		return err
	}
	spent, err := eng.SpentToday(ctx)
	if err != nil {
		return err
	}
	return printJSON(map[string]any{
		"spent_last_24h": spent,
		"events":         events,
	})
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
