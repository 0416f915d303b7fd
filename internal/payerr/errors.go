// Package payerr defines the error kinds shared by the address resolver,
// the wallet connection and the payment service.
package payerr

import (
	"errors"
	"fmt"
	"time"
)

// Kind classifies a failure.
type Kind int

const (
	KindUnknown Kind = iota
	KindFormat
	KindNetwork
	KindDecode
	KindAmountOutOfRange
	KindTimeout
	KindRemote
)

func (k Kind) String() string {
	switch k {
	case KindFormat:
		return "format"
	case KindNetwork:
		return "network"
	case KindDecode:
		return "decode"
	case KindAmountOutOfRange:
		return "amount_out_of_range"
	case KindTimeout:
		return "timeout"
	case KindRemote:
		return "remote"
	default:
		return "unknown"
	}
}

// Sentinels for errors.Is. Matching is by kind only.
var (
	ErrFormat           = &Error{Kind: KindFormat}
	ErrNetwork          = &Error{Kind: KindNetwork}
	ErrDecode           = &Error{Kind: KindDecode}
	ErrAmountOutOfRange = &Error{Kind: KindAmountOutOfRange}
	ErrTimeout          = &Error{Kind: KindTimeout}
	ErrRemote           = &Error{Kind: KindRemote}
)

// Error is a classified failure. Op names the operation that failed
// (e.g. "lnurl.fetch", "nwc.pay_invoice").
type Error struct {
	Kind Kind
	Op   string
	Msg  string
	Err  error

	// Set for KindAmountOutOfRange, in satoshi.
	MinSats uint64
	MaxSats uint64

	// Set for KindTimeout.
	Timeout time.Duration
}

func (e *Error) Error() string {
	if e.Op != "" {
		return e.Op + ": " + e.Message()
	}
	return e.Message()
}

// Message describes the failure without the operation prefix.
func (e *Error) Message() string {
	var msg string
	switch e.Kind {
	case KindAmountOutOfRange:
		msg = fmt.Sprintf("amount out of range (%d-%d sats)", e.MinSats, e.MaxSats)
	case KindTimeout:
		msg = fmt.Sprintf("timed out after %s", e.Timeout)
	default:
		msg = e.Msg
	}
	if e.Kind == KindTimeout && e.Msg != "" {
		msg = e.Msg + ": " + msg
	}
	if e.Err != nil {
		if msg == "" {
			msg = e.Err.Error()
		} else {
			msg = msg + ": " + e.Err.Error()
		}
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is an *Error of the same kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// KindOf returns the kind of the first *Error in err's chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

func Format(op, msg string) error {
	return &Error{Kind: KindFormat, Op: op, Msg: msg}
}

func Network(op string, err error) error {
	return &Error{Kind: KindNetwork, Op: op, Err: err}
}

func Decode(op, msg string, err error) error {
	return &Error{Kind: KindDecode, Op: op, Msg: msg, Err: err}
}

func AmountOutOfRange(op string, minSats, maxSats uint64) error {
	return &Error{Kind: KindAmountOutOfRange, Op: op, MinSats: minSats, MaxSats: maxSats}
}

func Timeout(op string, d time.Duration) error {
	return &Error{Kind: KindTimeout, Op: op, Timeout: d}
}

func Remote(op, msg string) error {
	return &Error{Kind: KindRemote, Op: op, Msg: msg}
}
