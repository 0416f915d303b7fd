package nwc

import "encoding/json"

// NIP-47 methods used by this client.
const (
	methodGetBalance    = "get_balance"
	methodPayInvoice    = "pay_invoice"
	methodLookupInvoice = "lookup_invoice"
)

type request struct {
	Method string `json:"method"`
	Params any    `json:"params"`
}

type response struct {
	ResultType string          `json:"result_type"`
	Error      *WalletError    `json:"error,omitempty"`
	Result     json.RawMessage `json:"result,omitempty"`
}

// WalletError is the error object a wallet returns, e.g. INSUFFICIENT_BALANCE.
type WalletError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *WalletError) String() string {
	if e.Message == "" {
		return e.Code
	}
	return e.Code + ": " + e.Message
}

type balanceResult struct {
	Balance *uint64 `json:"balance"` // msat
}

type payInvoiceParams struct {
	ID      string `json:"id,omitempty"`
	Invoice string `json:"invoice"`
}

type payInvoiceResult struct {
	Preimage string `json:"preimage"`
	FeesPaid uint64 `json:"fees_paid,omitempty"`
}

type lookupInvoiceParams struct {
	Invoice string `json:"invoice,omitempty"`
}

// Transaction is a wallet's view of an invoice, as returned by lookup_invoice.
type Transaction struct {
	Type        string `json:"type"`
	State       string `json:"state,omitempty"`
	Invoice     string `json:"invoice,omitempty"`
	Description string `json:"description,omitempty"`
	PaymentHash string `json:"payment_hash"`
	Preimage    string `json:"preimage,omitempty"`
	Amount      uint64 `json:"amount"`
	FeesPaid    uint64 `json:"fees_paid"`
	CreatedAt   int64  `json:"created_at"`
	ExpiresAt   int64  `json:"expires_at,omitempty"`
	SettledAt   int64  `json:"settled_at,omitempty"`
}

// Settled reports whether the wallet considers the payment complete.
func (t *Transaction) Settled() bool {
	if t.Preimage == "" {
		return false
	}
	return t.SettledAt > 0 || t.State == "settled"
}
