// Package payments pays Lightning addresses from a remote wallet.
package payments

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"zapclock/internal/lnurl"
	"zapclock/internal/logging"
	"zapclock/internal/metrics"
	"zapclock/internal/payerr"
)

// Stage is a step of a payment attempt.
type Stage string

const (
	StageResolving        Stage = "resolving"
	StageInvoiceRequested Stage = "invoice_requested"
	StagePaying           Stage = "paying"
	StageSettled          Stage = "settled"
	StageFailed           Stage = "failed"
)

// Result is a settled payment.
type Result struct {
	Preimage   string
	Invoice    string
	Address    string
	AmountSats uint64

	// Reconciled is set when the pay command timed out and the settlement
	// was learned from a later invoice lookup.
	Reconciled bool
}

// Service runs payment attempts. Attempts share nothing but the resolver's
// HTTP client and the wallets' relay pool, so Service is safe for
// concurrent use.
type Service struct {
	resolver         Resolver
	wallets          WalletFactory
	reconcileTimeout time.Duration
	log              *logrus.Entry
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the logger; the default discards.
func WithLogger(l *logrus.Logger) Option {
	return func(s *Service) { s.log = logging.Component(l, "payments") }
}

// WithReconcileTimeout enables one lookup_invoice after a pay timeout,
// bounded by d. Zero disables it.
func WithReconcileTimeout(d time.Duration) Option {
	return func(s *Service) { s.reconcileTimeout = d }
}

// NewService creates a new payment service.
func NewService(resolver Resolver, wallets WalletFactory, opts ...Option) *Service {
	s := &Service{
		resolver: resolver,
		wallets:  wallets,
		log:      logging.Component(nil, "payments"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// TestConnection opens the wallet for descriptor and returns its balance in
// satoshi.
func (s *Service) TestConnection(ctx context.Context, descriptor string) (uint64, error) {
	wallet, err := s.wallets(descriptor)
	if err != nil {
		s.log.Warnf("failed to open wallet: %v", err)
		return 0, err
	}
	defer wallet.Close()

	balance, err := wallet.TestConnection(ctx)
	if err != nil {
		return 0, err
	}
	s.log.Infof("connection test succeeded, balance %d sats", balance)
	return balance, nil
}

// Pay resolves address, requests an invoice for amountSats and pays it from
// the wallet behind descriptor. The first failing step ends the attempt and
// its error is returned as is. An invoice obtained but not paid is dropped.
func (s *Service) Pay(ctx context.Context, descriptor, address string, amountSats uint64, comment string) (*Result, error) {
	a := s.begin(address, amountSats)
	if comment != "" {
		a.log.Debugf("comment: %q", comment)
	}

	addr, err := lnurl.ParseAddress(address)
	if err != nil {
		return nil, a.fail(err)
	}
	info, err := s.resolver.FetchPayInfo(ctx, addr)
	if err != nil {
		return nil, a.fail(err)
	}

	a.enter(StageInvoiceRequested)
	invoice, err := s.resolver.RequestInvoice(ctx, info, amountSats, comment)
	if err != nil {
		return nil, a.fail(err)
	}

	a.enter(StagePaying)
	wallet, err := s.wallets(descriptor)
	if err != nil {
		return nil, a.fail(err)
	}
	defer wallet.Close()

	res := &Result{Invoice: invoice, Address: address, AmountSats: amountSats}
	res.Preimage, err = wallet.PayInvoice(ctx, invoice)
	if err != nil {
		preimage, ok := s.reconcile(ctx, wallet, invoice, err)
		if !ok {
			return nil, a.fail(err)
		}
		res.Preimage = preimage
		res.Reconciled = true
	}

	a.settle()
	return res, nil
}

// reconcile asks the wallet once whether a timed-out payment settled anyway.
func (s *Service) reconcile(ctx context.Context, wallet Wallet, invoice string, payErr error) (string, bool) {
	if s.reconcileTimeout <= 0 || payerr.KindOf(payErr) != payerr.KindTimeout {
		return "", false
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.reconcileTimeout)
	defer cancel()

	tx, err := wallet.LookupInvoice(ctx, invoice)
	if err != nil {
		s.log.Warnf("reconciliation lookup failed: %v", err)
		return "", false
	}
	if !tx.Settled() {
		s.log.Infof("reconciliation: invoice not settled (state %q)", tx.State)
		return "", false
	}
	s.log.Info("reconciliation: invoice settled after pay timeout")
	return tx.Preimage, true
}

// attempt tracks the stage of one Pay call.
type attempt struct {
	stage   Stage
	entered time.Time
	log     *logrus.Entry
}

func (s *Service) begin(address string, amountSats uint64) *attempt {
	a := &attempt{
		log: s.log.WithFields(logrus.Fields{
			"address":     address,
			"amount_sats": amountSats,
		}),
	}
	a.log.Info("payment started")
	a.enter(StageResolving)
	return a
}

func (a *attempt) enter(next Stage) {
	now := time.Now()
	if a.stage != "" {
		metrics.ObserveStage(string(a.stage), now.Sub(a.entered))
	}
	a.log.Debugf("stage %s", next)
	a.stage = next
	a.entered = now
}

func (a *attempt) fail(err error) error {
	kind := payerr.KindOf(err)
	metrics.ObserveStage(string(a.stage), time.Since(a.entered))
	metrics.RecordAttempt(string(a.stage), kind.String())
	a.log.WithFields(logrus.Fields{
		"stage": a.stage,
		"kind":  kind.String(),
	}).Warnf("payment failed: %v", err)
	a.stage = StageFailed
	return err
}

func (a *attempt) settle() {
	metrics.ObserveStage(string(a.stage), time.Since(a.entered))
	metrics.RecordAttempt(string(StageSettled), "none")
	a.stage = StageSettled
	a.log.Info("payment settled")
}
