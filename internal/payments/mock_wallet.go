package payments

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"sync"
	"time"

	"zapclock/internal/nwc"
	"zapclock/internal/payerr"
)

// MockWallet implements Wallet for testing and development. Every invoice is
// settled with a random preimage after Delay.
type MockWallet struct {
	BalanceSats uint64
	Delay       time.Duration
	PayTimeout  time.Duration

	mu      sync.Mutex
	settled map[string]string // invoice -> preimage
}

// NewMockWallet creates a mock wallet holding balanceSats.
func NewMockWallet(balanceSats uint64) *MockWallet {
	return &MockWallet{
		BalanceSats: balanceSats,
		PayTimeout:  nwc.DefaultPayTimeout,
		settled:     make(map[string]string),
	}
}

// Wallets returns a factory that hands out m for any non-empty descriptor.
func (m *MockWallet) Wallets() WalletFactory {
	return func(descriptor string) (Wallet, error) {
		if descriptor == "" {
			return nil, payerr.Format("mock.open", "malformed wallet connection descriptor: empty")
		}
		return m, nil
	}
}

func (m *MockWallet) TestConnection(ctx context.Context) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.BalanceSats, nil
}

// PayInvoice settles invoice in the background, the way a remote wallet
// keeps working after the caller stops waiting.
func (m *MockWallet) PayInvoice(ctx context.Context, invoice string) (string, error) {
	const op = "mock.pay_invoice"
	if invoice == "" {
		return "", payerr.Format(op, "empty invoice")
	}

	done := make(chan string, 1)
	go func() {
		time.Sleep(m.Delay)
		preimage, err := generatePreimage()
		if err != nil {
			close(done)
			return
		}
		m.mu.Lock()
		m.settled[invoice] = preimage
		m.mu.Unlock()
		done <- preimage
	}()

	timeout := m.PayTimeout
	if timeout <= 0 {
		timeout = nwc.DefaultPayTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	select {
	case preimage, ok := <-done:
		if !ok {
			return "", payerr.Remote(op, "failed to generate preimage")
		}
		return preimage, nil
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return "", payerr.Timeout(op, timeout)
		}
		return "", payerr.Network(op, ctx.Err())
	}
}

func (m *MockWallet) LookupInvoice(ctx context.Context, invoice string) (*nwc.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	tx := &nwc.Transaction{Type: "outgoing", Invoice: invoice, State: "pending"}
	if preimage, ok := m.settled[invoice]; ok {
		raw, _ := hex.DecodeString(preimage)
		hash := sha256.Sum256(raw)
		tx.State = "settled"
		tx.Preimage = preimage
		tx.PaymentHash = hex.EncodeToString(hash[:])
		tx.SettledAt = time.Now().Unix()
	}
	return tx, nil
}

func (m *MockWallet) Close() error {
	return nil
}

func generatePreimage() (string, error) {
	bytes := make([]byte, 32)
	if _, err := rand.Read(bytes); err != nil {
		return "", err
	}
	return hex.EncodeToString(bytes), nil
}
