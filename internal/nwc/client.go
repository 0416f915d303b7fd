package nwc

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"zapclock/internal/logging"
	"zapclock/internal/metrics"
	"zapclock/internal/payerr"
)

const (
	DefaultBalanceTimeout = 30 * time.Second
	DefaultPayTimeout     = 60 * time.Second
	DefaultLookupTimeout  = 10 * time.Second
)

// Client executes wallet commands for one connection descriptor. It is
// immutable after construction and safe for concurrent use.
type Client struct {
	uri       *URI
	priv      *btcec.PrivateKey
	pubkey    string
	walletKey []byte // NIP-04 shared key with the wallet

	pool    *Pool
	ownPool bool
	logger  *logrus.Logger
	log     *logrus.Entry

	balanceTimeout time.Duration
	payTimeout     time.Duration
	lookupTimeout  time.Duration
	newID          func() string
}

// Option configures a Client.
type Option func(*Client)

// WithPool shares relay connections with other clients.
func WithPool(p *Pool) Option {
	return func(c *Client) { c.pool = p }
}

// WithLogger sets the logger; the default discards.
func WithLogger(l *logrus.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// WithTimeouts overrides the balance and pay deadlines. Zero keeps the default.
func WithTimeouts(balance, pay time.Duration) Option {
	return func(c *Client) {
		if balance > 0 {
			c.balanceTimeout = balance
		}
		if pay > 0 {
			c.payTimeout = pay
		}
	}
}

// WithLookupTimeout overrides the lookup_invoice deadline.
func WithLookupTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.lookupTimeout = d
		}
	}
}

// NewClient parses descriptor and prepares the client keys.
func NewClient(descriptor string, opts ...Option) (*Client, error) {
	uri, err := ParseURI(descriptor)
	if err != nil {
		return nil, err
	}

	secret, _ := hex.DecodeString(uri.Secret)
	priv, _ := btcec.PrivKeyFromBytes(secret)

	walletBytes, _ := hex.DecodeString(uri.WalletPubkey)
	walletPub, err := schnorr.ParsePubKey(walletBytes)
	if err != nil {
		return nil, malformed("wallet pubkey is not on the curve")
	}

	c := &Client{
		uri:            uri,
		priv:           priv,
		pubkey:         hex.EncodeToString(schnorr.SerializePubKey(priv.PubKey())),
		walletKey:      sharedKey(priv, walletPub),
		balanceTimeout: DefaultBalanceTimeout,
		payTimeout:     DefaultPayTimeout,
		lookupTimeout:  DefaultLookupTimeout,
		newID:          uuid.NewString,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.log = logging.Component(c.logger, "nwc")
	if c.pool == nil {
		c.pool = NewPool(c.logger)
		c.ownPool = true
	}

	c.log.WithFields(logrus.Fields{
		"relay":  uri.Relay(),
		"client": truncate(c.pubkey, 16),
	}).Debug("client created")
	return c, nil
}

// URI returns the parsed descriptor.
func (c *Client) URI() *URI { return c.uri }

// Close releases the relay pool if the client created it.
func (c *Client) Close() error {
	if c.ownPool {
		return c.pool.Close()
	}
	return nil
}

// TestConnection queries the wallet balance and returns it in satoshi.
func (c *Client) TestConnection(ctx context.Context) (uint64, error) {
	const op = "nwc.get_balance"
	if c.uri.Relay() == "" {
		return 0, malformed("relay URL not set")
	}

	c.log.Info("fetching balance...")
	var res balanceResult
	if err := c.do(ctx, methodGetBalance, struct{}{}, c.balanceTimeout, &res); err != nil {
		c.log.Warnf("balance retrieval failed: %v", err)
		return 0, err
	}
	if res.Balance == nil {
		return 0, payerr.Decode(op, "invalid balance response", errors.New("missing balance"))
	}

	sats := *res.Balance / 1000
	c.log.Infof("connection test successful - balance: %d sats (%d msats)", sats, *res.Balance)
	return sats, nil
}

// PayInvoice asks the wallet to pay invoice and returns the preimage. One
// attempt per call; a timeout says nothing about whether the wallet paid.
func (c *Client) PayInvoice(ctx context.Context, invoice string) (string, error) {
	const op = "nwc.pay_invoice"
	if invoice == "" {
		return "", payerr.Format(op, "empty invoice")
	}

	params := payInvoiceParams{ID: c.newID(), Invoice: invoice}
	c.log.WithField("request_id", params.ID).Infof("paying invoice %s", truncate(invoice, 30))

	var res payInvoiceResult
	if err := c.do(ctx, methodPayInvoice, params, c.payTimeout, &res); err != nil {
		c.log.WithField("request_id", params.ID).Warnf("payment failed: %v", err)
		return "", err
	}
	if res.Preimage == "" {
		return "", payerr.Decode(op, "invalid pay response", errors.New("missing preimage"))
	}

	c.log.WithField("request_id", params.ID).Infof("payment successful, preimage %s", truncate(res.Preimage, 20))
	return res.Preimage, nil
}

// LookupInvoice asks the wallet for the state of invoice. A deadline on ctx
// replaces the client's lookup timeout.
func (c *Client) LookupInvoice(ctx context.Context, invoice string) (*Transaction, error) {
	timeout := c.lookupTimeout
	if deadline, ok := ctx.Deadline(); ok {
		timeout = time.Until(deadline).Round(time.Millisecond)
	}

	var tx Transaction
	if err := c.do(ctx, methodLookupInvoice, lookupInvoiceParams{Invoice: invoice}, timeout, &tx); err != nil {
		return nil, err
	}
	return &tx, nil
}

// do sends one request and waits for the matching response or the deadline.
func (c *Client) do(ctx context.Context, method string, params any, timeout time.Duration, out any) (err error) {
	op := "nwc." + method
	start := time.Now()
	defer func() {
		outcome := "ok"
		if err != nil {
			outcome = payerr.KindOf(err).String()
		}
		metrics.RecordWalletRequest(method, outcome)
		c.log.WithField("method", method).Debugf("request finished in %s", time.Since(start))
	}()

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ev, err := c.requestEvent(method, params)
	if err != nil {
		return payerr.Decode(op, "failed to build request", err)
	}

	rc, err := c.pool.get(ctx, c.uri.Relay())
	if err != nil {
		return c.ctxErr(ctx, op, timeout, payerr.Network(op, err))
	}

	sub, err := rc.subscribe(ctx, filter{
		Kinds:   []int{kindResponse},
		Authors: []string{c.uri.WalletPubkey},
		E:       []string{ev.ID},
	})
	if err != nil {
		return c.ctxErr(ctx, op, timeout, payerr.Network(op, err))
	}
	defer rc.unsubscribe(sub)

	okCh := rc.expectOK(ev.ID)
	defer rc.forgetOK(ev.ID)

	if err := rc.write(ctx, []any{"EVENT", ev}); err != nil {
		return c.ctxErr(ctx, op, timeout, payerr.Network(op, err))
	}

	for {
		select {
		case resp := <-sub.events:
			if err := c.checkResponse(resp, ev.ID); err != nil {
				c.log.Debugf("ignoring response event: %v", err)
				continue
			}
			return c.decodeResponse(op, method, resp, out)

		case ok := <-okCh:
			if !ok.accepted {
				return payerr.Remote(op, "relay rejected request: "+ok.message)
			}

		case <-sub.closed:
			return payerr.Network(op, fmt.Errorf("relay closed subscription: %s", sub.reason))

		case <-rc.done:
			return payerr.Network(op, rc.lastErr())

		case <-ctx.Done():
			return c.ctxErr(ctx, op, timeout, payerr.Network(op, ctx.Err()))
		}
	}
}

func (c *Client) requestEvent(method string, params any) (*Event, error) {
	payload, err := json.Marshal(request{Method: method, Params: params})
	if err != nil {
		return nil, err
	}
	content, err := encrypt(c.walletKey, payload)
	if err != nil {
		return nil, err
	}
	ev := &Event{
		CreatedAt: time.Now().Unix(),
		Kind:      kindRequest,
		Tags:      [][]string{{"p", c.uri.WalletPubkey}},
		Content:   content,
	}
	if err := ev.Sign(c.priv); err != nil {
		return nil, err
	}
	return ev, nil
}

func (c *Client) checkResponse(ev *Event, requestID string) error {
	if ev.Kind != kindResponse {
		return fmt.Errorf("unexpected kind %d", ev.Kind)
	}
	if ev.PubKey != c.uri.WalletPubkey {
		return errors.New("response not from wallet")
	}
	if ev.TagValue("e") != requestID {
		return errors.New("response for another request")
	}
	return ev.Verify()
}

func (c *Client) decodeResponse(op, method string, ev *Event, out any) error {
	plain, err := decrypt(c.walletKey, ev.Content)
	if err != nil {
		return payerr.Decode(op, "failed to decrypt response", err)
	}
	var resp response
	if err := json.Unmarshal(plain, &resp); err != nil {
		return payerr.Decode(op, "failed to decode response", err)
	}
	if resp.Error != nil && resp.Error.Code != "" {
		return payerr.Remote(op, resp.Error.String())
	}
	if resp.ResultType != "" && resp.ResultType != method {
		return payerr.Decode(op, "unexpected result type", fmt.Errorf("%q", resp.ResultType))
	}
	if len(resp.Result) == 0 || string(resp.Result) == "null" {
		return payerr.Decode(op, "invalid response", errors.New("missing result"))
	}
	if err := json.Unmarshal(resp.Result, out); err != nil {
		return payerr.Decode(op, "failed to decode result", err)
	}
	return nil
}

// ctxErr turns an expired deadline into a Timeout; other failures pass through.
func (c *Client) ctxErr(ctx context.Context, op string, timeout time.Duration, fallback error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return payerr.Timeout(op, timeout)
	}
	return fallback
}
