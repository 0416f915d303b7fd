package lnurl

import (
	"errors"
	"fmt"
	"net/url"
)

const tagPayRequest = "payRequest"

// PayInfo is the pay service metadata served at the well-known endpoint.
// Sendable bounds are in millisatoshi.
type PayInfo struct {
	Callback       string
	MinSendable    uint64
	MaxSendable    uint64
	Metadata       string
	Tag            string
	CommentAllowed uint64 // 0 means the service takes no comments
}

// MinSats and MaxSats report the bounds in satoshi, truncating.
func (p *PayInfo) MinSats() uint64 { return p.MinSendable / 1000 }
func (p *PayInfo) MaxSats() uint64 { return p.MaxSendable / 1000 }

type payResponse struct {
	Callback       *string `json:"callback"`
	MaxSendable    *uint64 `json:"maxSendable"`
	MinSendable    *uint64 `json:"minSendable"`
	Metadata       *string `json:"metadata"`
	Tag            *string `json:"tag"`
	CommentAllowed *uint64 `json:"commentAllowed,omitempty"`
}

func (r *payResponse) toPayInfo() (*PayInfo, error) {
	switch {
	case r.Callback == nil || *r.Callback == "":
		return nil, errors.New("missing callback")
	case r.MinSendable == nil:
		return nil, errors.New("missing minSendable")
	case r.MaxSendable == nil:
		return nil, errors.New("missing maxSendable")
	case r.Metadata == nil:
		return nil, errors.New("missing metadata")
	case r.Tag == nil:
		return nil, errors.New("missing tag")
	}
	if *r.Tag != tagPayRequest {
		return nil, fmt.Errorf("unexpected tag %q", *r.Tag)
	}
	if *r.MaxSendable == 0 || *r.MinSendable > *r.MaxSendable {
		return nil, fmt.Errorf("invalid sendable range %d-%d msat", *r.MinSendable, *r.MaxSendable)
	}
	u, err := url.Parse(*r.Callback)
	if err != nil {
		return nil, fmt.Errorf("invalid callback: %w", err)
	}
	if (u.Scheme != "https" && u.Scheme != "http") || u.Host == "" {
		return nil, fmt.Errorf("invalid callback %q", *r.Callback)
	}

	info := &PayInfo{
		Callback:    *r.Callback,
		MinSendable: *r.MinSendable,
		MaxSendable: *r.MaxSendable,
		Metadata:    *r.Metadata,
		Tag:         *r.Tag,
	}
	if r.CommentAllowed != nil {
		info.CommentAllowed = *r.CommentAllowed
	}
	return info, nil
}

type invoiceResponse struct {
	PR     string `json:"pr"`
	Routes []any  `json:"routes,omitempty"`
}

// errorResponse is the LNURL error envelope a service may return instead of
// the expected document.
type errorResponse struct {
	Status string `json:"status"`
	Reason string `json:"reason"`
}
