package lnurl

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"time"
	"unicode/utf8"

	"github.com/sirupsen/logrus"

	"zapclock/internal/logging"
	"zapclock/internal/payerr"
)

const (
	opFetch   = "lnurl.fetch"
	opInvoice = "lnurl.invoice"

	maxResponseBytes = 1 << 20
)

// ClientConfig holds configuration for the LNURL client.
type ClientConfig struct {
	HTTPClient *http.Client  // optional; built from Timeout when nil
	Timeout    time.Duration // per-request timeout, defaults to 30s
	Scheme     string        // scheme for well-known lookups, defaults to https
	Logger     *logrus.Logger
}

// Client talks to LNURL-pay services. It is safe for concurrent use.
type Client struct {
	httpClient *http.Client
	scheme     string
	log        *logrus.Entry
}

// NewClient creates an LNURL-pay client.
func NewClient(cfg ClientConfig) *Client {
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	scheme := cfg.Scheme
	if scheme == "" {
		scheme = "https"
	}
	return &Client{
		httpClient: httpClient,
		scheme:     scheme,
		log:        logging.Component(cfg.Logger, "lnurl"),
	}
}

// FetchPayInfo fetches the pay service metadata for addr.
func (c *Client) FetchPayInfo(ctx context.Context, addr Address) (*PayInfo, error) {
	endpoint := addr.PayEndpoint(c.scheme)
	c.log.Debugf("fetching pay info from %s", endpoint)

	// A domain that cannot be a URL host is bad input, not a bad response.
	rawURL := endpoint.String()
	if _, err := url.Parse(rawURL); err != nil {
		return nil, payerr.Format(opFetch, "invalid Lightning address domain: "+addr.Domain)
	}

	var resp payResponse
	if err := c.getJSON(ctx, opFetch, rawURL, &resp); err != nil {
		return nil, err
	}
	info, err := resp.toPayInfo()
	if err != nil {
		return nil, payerr.Decode(opFetch, "invalid pay response", err)
	}

	c.log.WithFields(logrus.Fields{
		"address":  addr.String(),
		"min_sats": info.MinSats(),
		"max_sats": info.MaxSats(),
	}).Info("pay info retrieved")
	return info, nil
}

// RequestInvoice asks the pay service for an invoice of amountSats. A comment
// the service cannot take (unsupported or too long) is dropped, not rejected.
func (c *Client) RequestInvoice(ctx context.Context, info *PayInfo, amountSats uint64, comment string) (string, error) {
	if amountSats == 0 || amountSats > math.MaxUint64/1000 {
		return "", payerr.AmountOutOfRange(opInvoice, info.MinSats(), info.MaxSats())
	}
	amountMsat := amountSats * 1000
	if amountMsat < info.MinSendable || amountMsat > info.MaxSendable {
		c.log.Warnf("amount out of range: %d sats (range: %d-%d sats)", amountSats, info.MinSats(), info.MaxSats())
		return "", payerr.AmountOutOfRange(opInvoice, info.MinSats(), info.MaxSats())
	}

	callback, err := url.Parse(info.Callback)
	if err != nil {
		return "", payerr.Decode(opInvoice, "invalid callback", err)
	}
	q := callback.Query()
	q.Set("amount", strconv.FormatUint(amountMsat, 10))
	if comment != "" {
		switch {
		case info.CommentAllowed == 0:
			c.log.Info("recipient does not support comments, comment omitted")
		case uint64(utf8.RuneCountInString(comment)) > info.CommentAllowed:
			c.log.Infof("comment too long, omitted (max %d chars)", info.CommentAllowed)
		default:
			q.Set("comment", comment)
		}
	}
	callback.RawQuery = q.Encode()

	c.log.Debugf("requesting invoice for %d msat", amountMsat)
	var resp invoiceResponse
	if err := c.getJSON(ctx, opInvoice, callback.String(), &resp); err != nil {
		return "", err
	}
	if resp.PR == "" {
		return "", payerr.Decode(opInvoice, "invalid invoice response", fmt.Errorf("missing pr"))
	}

	c.log.Infof("invoice retrieved: %s", truncate(resp.PR, 20))
	return resp.PR, nil
}

func (c *Client) getJSON(ctx context.Context, op, rawURL string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return payerr.Decode(op, "invalid url", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return payerr.Network(op, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return payerr.Network(op, err)
	}

	// Services report failures as {"status":"ERROR","reason":...}, sometimes
	// with a 200 status.
	var lnErr errorResponse
	if json.Unmarshal(body, &lnErr) == nil && lnErr.Status == "ERROR" {
		reason := lnErr.Reason
		if reason == "" {
			reason = "service returned an error"
		}
		return payerr.Remote(op, reason)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return payerr.Network(op, fmt.Errorf("API returned status %d: %s", resp.StatusCode, truncate(string(body), 200)))
	}

	if err := json.Unmarshal(body, out); err != nil {
		return payerr.Decode(op, "failed to decode response", err)
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
