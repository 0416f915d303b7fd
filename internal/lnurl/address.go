// Package lnurl resolves Lightning addresses through LNURL-pay and requests
// invoices from the resulting pay service.
package lnurl

import (
	"net/url"
	"strings"

	"zapclock/internal/payerr"
)

const wellKnownPath = "/.well-known/lnurlp/"

// Address is a parsed Lightning address (identity@domain).
type Address struct {
	Identity string
	Domain   string
}

// ParseAddress splits s on '@'. Exactly two non-empty parts are required.
func ParseAddress(s string) (Address, error) {
	parts := strings.Split(s, "@")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return Address{}, payerr.Format("lnurl.parse", "invalid Lightning address format")
	}
	return Address{Identity: parts[0], Domain: parts[1]}, nil
}

func (a Address) String() string {
	return a.Identity + "@" + a.Domain
}

// PayEndpoint returns the well-known LNURL-pay URL for the address. Onion
// domains are reached over plain http; everything else uses scheme.
func (a Address) PayEndpoint(scheme string) *url.URL {
	if scheme == "" {
		scheme = "https"
	}
	if strings.HasSuffix(strings.ToLower(a.Domain), ".onion") {
		scheme = "http"
	}
	return &url.URL{
		Scheme:  scheme,
		Host:    a.Domain,
		Path:    wellKnownPath + a.Identity,
		RawPath: wellKnownPath + url.PathEscape(a.Identity),
	}
}
