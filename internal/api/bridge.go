package api

import (
	"context"
	"errors"
	"strings"

	"github.com/sirupsen/logrus"

	"zapclock/internal/logging"
	"zapclock/internal/payerr"
	"zapclock/internal/payments"
)

// version is overridden at build time with -ldflags "-X zapclock/internal/api.version=...".
var version = "dev"

// Version returns the build version.
func Version() string { return version }

// Init sets up process-wide logging and returns the shared logger. Host
// callers may invoke it any number of times; only the first call configures.
func Init(opts logging.Options) *logrus.Logger {
	return logging.Init(opts)
}

// HostError is the only error type that crosses the host boundary.
type HostError struct {
	Message string

	kind payerr.Kind
}

func (e *HostError) Error() string { return e.Message }

// Bridge exposes the payment service with primitive arguments. Every call
// yields either a value or a *HostError, never both.
type Bridge struct {
	payments *payments.Service
	log      *logrus.Entry
}

// NewBridge wraps svc.
func NewBridge(svc *payments.Service, logger *logrus.Logger) *Bridge {
	return &Bridge{payments: svc, log: logging.Component(logger, "api")}
}

// TestConnection returns the wallet balance in satoshi.
func (b *Bridge) TestConnection(ctx context.Context, descriptor string) (uint64, error) {
	b.log.Info("test_connection called")
	balance, err := b.payments.TestConnection(ctx, descriptor)
	if err != nil {
		herr := hostError(err)
		b.log.Warn(herr.Message)
		return 0, herr
	}
	b.log.Infof("test_connection succeeded, balance %d sats", balance)
	return balance, nil
}

// Pay pays amountSats to address and returns the preimage.
func (b *Bridge) Pay(ctx context.Context, descriptor, address string, amountSats uint64, comment string) (string, error) {
	b.log.WithFields(logrus.Fields{
		"address":     address,
		"amount_sats": amountSats,
	}).Info("pay called")

	res, err := b.payments.Pay(ctx, descriptor, address, amountSats, comment)
	if err != nil {
		herr := hostError(err)
		b.log.Warn(herr.Message)
		return "", herr
	}
	b.log.Info("pay succeeded")
	return res.Preimage, nil
}

func hostError(err error) *HostError {
	return &HostError{Message: Describe(err), kind: payerr.KindOf(err)}
}

// Describe renders err as a message for the host, prefixed with the step
// that failed, e.g. "failed to fetch invoice: amount out of range (1-100 sats)".
func Describe(err error) string {
	if err == nil {
		return ""
	}
	var pe *payerr.Error
	if !errors.As(err, &pe) {
		return err.Error()
	}

	var prefix string
	switch {
	case strings.HasPrefix(pe.Op, "lnurl."):
		prefix = "failed to fetch invoice"
	case pe.Op == "nwc.parse" || strings.HasSuffix(pe.Op, ".open"):
		prefix = "failed to initialize wallet connection"
	case strings.HasSuffix(pe.Op, ".get_balance"):
		prefix = "connection test failed"
	case strings.HasSuffix(pe.Op, ".pay_invoice"), strings.HasSuffix(pe.Op, ".lookup_invoice"):
		prefix = "payment failed"
	default:
		return pe.Error()
	}
	return prefix + ": " + pe.Message()
}
