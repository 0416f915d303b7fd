// Package nwc is a Nostr Wallet Connect (NIP-47) client: it sends balance and
// pay commands to a remote wallet through a Nostr relay.
package nwc

import (
	"encoding/hex"
	"fmt"
	"net/url"
	"strings"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"

	"zapclock/internal/payerr"
)

const opParse = "nwc.parse"

var uriSchemes = map[string]bool{
	"nostr+walletconnect": true,
	"nostrwalletconnect":  true,
}

// URI is a parsed wallet connection descriptor:
//
//	nostr+walletconnect://<wallet-pubkey>?relay=<wss-url>&secret=<hex>[&lud16=<address>]
type URI struct {
	WalletPubkey string   // hex, x-only
	Relays       []string // at least one
	Secret       string   // hex client secret, never logged
	Lud16        string   // optional Lightning address of the wallet
}

// ParseURI parses and validates a connection descriptor.
func ParseURI(s string) (*URI, error) {
	u, err := url.Parse(strings.TrimSpace(s))
	if err != nil {
		// url errors echo the input, which carries the secret.
		return nil, malformed("not a valid URI")
	}
	if !uriSchemes[strings.ToLower(u.Scheme)] {
		return nil, malformed(fmt.Sprintf("unsupported scheme %q", u.Scheme))
	}

	pubkey := u.Host
	if pubkey == "" {
		pubkey = strings.TrimPrefix(u.Opaque, "//")
	}
	if !isHex32(pubkey) {
		return nil, malformed("missing or invalid wallet pubkey")
	}

	q := u.Query()
	var relays []string
	for _, r := range q["relay"] {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		ru, err := url.Parse(r)
		if err != nil || (ru.Scheme != "wss" && ru.Scheme != "ws") || ru.Host == "" {
			return nil, malformed(fmt.Sprintf("invalid relay %q", r))
		}
		relays = append(relays, r)
	}
	if len(relays) == 0 {
		return nil, malformed("missing relay")
	}

	secret := q.Get("secret")
	if secret == "" {
		return nil, malformed("missing secret")
	}
	if !isHex32(secret) || !validScalar(secret) {
		return nil, malformed("invalid secret")
	}

	return &URI{
		WalletPubkey: strings.ToLower(pubkey),
		Relays:       relays,
		Secret:       strings.ToLower(secret),
		Lud16:        q.Get("lud16"),
	}, nil
}

// Relay returns the relay used for requests.
func (u *URI) Relay() string {
	if len(u.Relays) == 0 {
		return ""
	}
	return u.Relays[0]
}

// String renders the descriptor with the secret masked.
func (u *URI) String() string {
	q := url.Values{}
	for _, r := range u.Relays {
		q.Add("relay", r)
	}
	if u.Lud16 != "" {
		q.Set("lud16", u.Lud16)
	}
	q.Set("secret", "REDACTED")
	return "nostr+walletconnect://" + u.WalletPubkey + "?" + q.Encode()
}

func malformed(msg string) error {
	return payerr.Format(opParse, "malformed wallet connection descriptor: "+msg)
}

func isHex32(s string) bool {
	if len(s) != 64 {
		return false
	}
	_, err := hex.DecodeString(s)
	return err == nil
}

func validScalar(h string) bool {
	b, err := hex.DecodeString(h)
	if err != nil {
		return false
	}
	var k secp256k1.ModNScalar
	overflow := k.SetByteSlice(b)
	return !overflow && !k.IsZero()
}
