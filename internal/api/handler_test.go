package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"zapclock/internal/lnurl"
	"zapclock/internal/nwc"
	"zapclock/internal/payerr"
	"zapclock/internal/payments"
)

// Test mocks

type mockResolver struct {
	fetchErr   error
	invoiceErr error
}

func (m *mockResolver) FetchPayInfo(ctx context.Context, addr lnurl.Address) (*lnurl.PayInfo, error) {
	if m.fetchErr != nil {
		return nil, m.fetchErr
	}
	return &lnurl.PayInfo{
		Callback:    "https://" + addr.Domain + "/callback",
		MinSendable: 1000,
		MaxSendable: 100000,
		Tag:         "payRequest",
	}, nil
}

func (m *mockResolver) RequestInvoice(ctx context.Context, info *lnurl.PayInfo, amountSats uint64, comment string) (string, error) {
	if m.invoiceErr != nil {
		return "", m.invoiceErr
	}
	if amountSats == 0 || amountSats*1000 < info.MinSendable || amountSats*1000 > info.MaxSendable {
		return "", payerr.AmountOutOfRange("lnurl.invoice", info.MinSats(), info.MaxSats())
	}
	return "lnbc1examplefixedstring", nil
}

type mockWallet struct {
	preimage string
	payErr   error
	entered  chan struct{} // signalled when PayInvoice starts, if set
	release  chan struct{} // PayInvoice waits on it, if set
}

func (m *mockWallet) TestConnection(ctx context.Context) (uint64, error) { return 21, nil }

func (m *mockWallet) PayInvoice(ctx context.Context, invoice string) (string, error) {
	if m.entered != nil {
		m.entered <- struct{}{}
	}
	if m.release != nil {
		<-m.release
	}
	return m.preimage, m.payErr
}

func (m *mockWallet) LookupInvoice(ctx context.Context, invoice string) (*nwc.Transaction, error) {
	return &nwc.Transaction{}, nil
}

func (m *mockWallet) Close() error { return nil }

func walletFactory(w payments.Wallet) payments.WalletFactory {
	return func(descriptor string) (payments.Wallet, error) {
		if descriptor == "" {
			return nil, payerr.Format("nwc.parse", "malformed wallet connection descriptor: missing relay")
		}
		return w, nil
	}
}

func newTestHandler(resolver payments.Resolver, wallet payments.Wallet, inflight *InFlightLimiter) *Handler {
	svc := payments.NewService(resolver, walletFactory(wallet))
	return NewHandler(NewBridge(svc, nil), inflight, nil)
}

func postJSON(t *testing.T, h http.Handler, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	raw, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("failed to encode body: %v", err)
	}
	req := httptest.NewRequest("POST", path, bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	req.RemoteAddr = "192.168.1.1:12345"
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var resp ErrorResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode error response: %v", err)
	}
	return resp.Error
}

func TestHandler_Pay(t *testing.T) {
	h := newTestHandler(&mockResolver{}, &mockWallet{preimage: "deadbeef"}, nil)

	rec := postJSON(t, h, "/api/pay", PayRequest{
		Descriptor: "nostr+walletconnect://wallet",
		Address:    "bob@pay.example",
		AmountSats: 25,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var resp PayResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp.Preimage != "deadbeef" {
		t.Errorf("expected preimage deadbeef, got %q", resp.Preimage)
	}
}

func TestHandler_Pay_Errors(t *testing.T) {
	tests := []struct {
		name       string
		resolver   *mockResolver
		wallet     *mockWallet
		req        PayRequest
		wantStatus int
		wantMsg    string
	}{
		{
			name:       "invalid address",
			resolver:   &mockResolver{},
			wallet:     &mockWallet{preimage: "deadbeef"},
			req:        PayRequest{Descriptor: "d", Address: "no-separator", AmountSats: 25},
			wantStatus: http.StatusBadRequest,
			wantMsg:    "failed to fetch invoice: invalid Lightning address format",
		},
		{
			name:       "amount out of range",
			resolver:   &mockResolver{invoiceErr: payerr.AmountOutOfRange("lnurl.invoice", 1, 100)},
			wallet:     &mockWallet{preimage: "deadbeef"},
			req:        PayRequest{Descriptor: "d", Address: "bob@pay.example", AmountSats: 200},
			wantStatus: http.StatusUnprocessableEntity,
			wantMsg:    "failed to fetch invoice: amount out of range (1-100 sats)",
		},
		{
			name:       "zero amount",
			resolver:   &mockResolver{},
			wallet:     &mockWallet{preimage: "deadbeef"},
			req:        PayRequest{Descriptor: "d", Address: "bob@pay.example", AmountSats: 0},
			wantStatus: http.StatusUnprocessableEntity,
			wantMsg:    "failed to fetch invoice: amount out of range (1-100 sats)",
		},
		{
			name:       "service unreachable",
			resolver:   &mockResolver{fetchErr: payerr.Network("lnurl.fetch", context.DeadlineExceeded)},
			wallet:     &mockWallet{preimage: "deadbeef"},
			req:        PayRequest{Descriptor: "d", Address: "bob@pay.example", AmountSats: 25},
			wantStatus: http.StatusBadGateway,
			wantMsg:    "failed to fetch invoice: context deadline exceeded",
		},
		{
			name:       "malformed descriptor",
			resolver:   &mockResolver{},
			wallet:     &mockWallet{preimage: "deadbeef"},
			req:        PayRequest{Address: "bob@pay.example", AmountSats: 25},
			wantStatus: http.StatusBadRequest,
			wantMsg:    "failed to initialize wallet connection: malformed wallet connection descriptor: missing relay",
		},
		{
			name:       "wallet timeout",
			resolver:   &mockResolver{},
			wallet:     &mockWallet{payErr: payerr.Timeout("nwc.pay_invoice", time.Minute)},
			req:        PayRequest{Descriptor: "d", Address: "bob@pay.example", AmountSats: 25},
			wantStatus: http.StatusGatewayTimeout,
			wantMsg:    "payment failed: timed out after 1m0s",
		},
		{
			name:       "wallet rejects",
			resolver:   &mockResolver{},
			wallet:     &mockWallet{payErr: payerr.Remote("nwc.pay_invoice", "INSUFFICIENT_BALANCE: not enough funds")},
			req:        PayRequest{Descriptor: "d", Address: "bob@pay.example", AmountSats: 25},
			wantStatus: http.StatusBadGateway,
			wantMsg:    "payment failed: INSUFFICIENT_BALANCE: not enough funds",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			h := newTestHandler(tc.resolver, tc.wallet, nil)
			rec := postJSON(t, h, "/api/pay", tc.req)

			if rec.Code != tc.wantStatus {
				t.Errorf("expected %d, got %d", tc.wantStatus, rec.Code)
			}
			if got := decodeError(t, rec); got != tc.wantMsg {
				t.Errorf("expected %q, got %q", tc.wantMsg, got)
			}
		})
	}
}

func TestHandler_Pay_InvalidBody(t *testing.T) {
	h := newTestHandler(&mockResolver{}, &mockWallet{preimage: "deadbeef"}, nil)

	req := httptest.NewRequest("POST", "/api/pay", strings.NewReader("{not json"))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", rec.Code)
	}

}

func TestHandler_Pay_InFlight(t *testing.T) {
	wallet := &mockWallet{
		preimage: "deadbeef",
		entered:  make(chan struct{}, 1),
		release:  make(chan struct{}),
	}
	inflight := NewInFlightLimiter(3)
	h := newTestHandler(&mockResolver{}, wallet, inflight)
	body := PayRequest{Descriptor: "d", Address: "bob@pay.example", AmountSats: 25}

	var wg sync.WaitGroup
	var first *httptest.ResponseRecorder
	wg.Add(1)
	go func() {
		defer wg.Done()
		first = postJSON(t, h, "/api/pay", body)
	}()
	<-wallet.entered

	// Same address, different case, while the first is still paying
	body.Address = "Bob@Pay.Example"
	rec := postJSON(t, h, "/api/pay", body)
	if rec.Code != http.StatusConflict {
		t.Errorf("expected 409, got %d", rec.Code)
	}

	close(wallet.release)
	wg.Wait()
	if first.Code != http.StatusOK {
		t.Errorf("expected first payment to succeed, got %d", first.Code)
	}
	if inflight.InFlightCount("192.168.1.1") != 0 {
		t.Error("expected reservation to be released")
	}
}

func TestHandler_Balance(t *testing.T) {
	h := newTestHandler(&mockResolver{}, &mockWallet{}, nil)

	rec := postJSON(t, h, "/api/balance", BalanceRequest{Descriptor: "nostr+walletconnect://wallet"})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var resp BalanceResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp.BalanceSats != 21 {
		t.Errorf("expected 21 sats, got %d", resp.BalanceSats)
	}

	rec = postJSON(t, h, "/api/balance", BalanceRequest{})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", rec.Code)
	}
	if msg := decodeError(t, rec); !strings.HasPrefix(msg, "failed to initialize wallet connection") {
		t.Errorf("unexpected message %q", msg)
	}
}

func TestHandler_VersionHealthMetrics(t *testing.T) {
	h := newTestHandler(&mockResolver{}, &mockWallet{}, NewInFlightLimiter(1))

	for _, path := range []string{"/api/version", "/healthz", "/metrics"} {
		req := httptest.NewRequest("GET", path, nil)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Errorf("%s: expected 200, got %d", path, rec.Code)
		}
	}

	req := httptest.NewRequest("GET", "/api/version", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	var resp map[string]string
	json.NewDecoder(rec.Body).Decode(&resp)
	if resp["version"] != Version() {
		t.Errorf("expected version %q, got %q", Version(), resp["version"])
	}
}

func TestHandler_MethodNotAllowed(t *testing.T) {
	h := newTestHandler(&mockResolver{}, &mockWallet{}, nil)

	req := httptest.NewRequest("GET", "/api/pay", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("expected 405, got %d", rec.Code)
	}
}
