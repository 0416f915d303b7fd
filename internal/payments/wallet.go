package payments

import (
	"context"

	"zapclock/internal/lnurl"
	"zapclock/internal/nwc"
)

// Wallet is a remote wallet reached through one connection descriptor.
type Wallet interface {
	TestConnection(ctx context.Context) (uint64, error)
	PayInvoice(ctx context.Context, invoice string) (string, error)
	LookupInvoice(ctx context.Context, invoice string) (*nwc.Transaction, error)
	Close() error
}

// WalletFactory opens a wallet for a connection descriptor. It fails with a
// format error when the descriptor is malformed.
type WalletFactory func(descriptor string) (Wallet, error)

// NWCWallets opens Nostr Wallet Connect clients that share pool.
func NWCWallets(pool *nwc.Pool, opts ...nwc.Option) WalletFactory {
	return func(descriptor string) (Wallet, error) {
		c, err := nwc.NewClient(descriptor, append([]nwc.Option{nwc.WithPool(pool)}, opts...)...)
		if err != nil {
			return nil, err
		}
		return c, nil
	}
}

// Resolver turns a Lightning address into an invoice. *lnurl.Client
// implements it.
type Resolver interface {
	FetchPayInfo(ctx context.Context, addr lnurl.Address) (*lnurl.PayInfo, error)
	RequestInvoice(ctx context.Context, info *lnurl.PayInfo, amountSats uint64, comment string) (string, error)
}
