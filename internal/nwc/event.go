package nwc

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
)

const (
	kindRequest  = 23194
	kindResponse = 23195
)

// Event is a NIP-01 Nostr event.
type Event struct {
	ID        string     `json:"id"`
	PubKey    string     `json:"pubkey"`
	CreatedAt int64      `json:"created_at"`
	Kind      int        `json:"kind"`
	Tags      [][]string `json:"tags"`
	Content   string     `json:"content"`
	Sig       string     `json:"sig"`
}

// serialize returns the canonical NIP-01 form hashed into the event id.
func (e *Event) serialize() ([]byte, error) {
	tags := e.Tags
	if tags == nil {
		tags = [][]string{}
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode([]any{0, e.PubKey, e.CreatedAt, e.Kind, tags, e.Content}); err != nil {
		return nil, err
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}

func (e *Event) hash() ([32]byte, error) {
	raw, err := e.serialize()
	if err != nil {
		return [32]byte{}, err
	}
	return sha256.Sum256(raw), nil
}

// Sign sets PubKey, ID and Sig using priv.
func (e *Event) Sign(priv *btcec.PrivateKey) error {
	e.PubKey = hex.EncodeToString(schnorr.SerializePubKey(priv.PubKey()))
	if e.Tags == nil {
		e.Tags = [][]string{}
	}
	h, err := e.hash()
	if err != nil {
		return err
	}
	sig, err := schnorr.Sign(priv, h[:])
	if err != nil {
		return fmt.Errorf("failed to sign event: %w", err)
	}
	e.ID = hex.EncodeToString(h[:])
	e.Sig = hex.EncodeToString(sig.Serialize())
	return nil
}

// Verify checks the id and the BIP-340 signature.
func (e *Event) Verify() error {
	h, err := e.hash()
	if err != nil {
		return err
	}
	if hex.EncodeToString(h[:]) != e.ID {
		return errors.New("event id mismatch")
	}
	pkBytes, err := hex.DecodeString(e.PubKey)
	if err != nil {
		return fmt.Errorf("invalid pubkey: %w", err)
	}
	pub, err := schnorr.ParsePubKey(pkBytes)
	if err != nil {
		return fmt.Errorf("invalid pubkey: %w", err)
	}
	sigBytes, err := hex.DecodeString(e.Sig)
	if err != nil {
		return fmt.Errorf("invalid signature: %w", err)
	}
	sig, err := schnorr.ParseSignature(sigBytes)
	if err != nil {
		return fmt.Errorf("invalid signature: %w", err)
	}
	if !sig.Verify(h[:], pub) {
		return errors.New("bad signature")
	}
	return nil
}

// TagValue returns the first value of the first tag named name.
func (e *Event) TagValue(name string) string {
	for _, t := range e.Tags {
		if len(t) >= 2 && t[0] == name {
			return t[1]
		}
	}
	return ""
}

// filter is a NIP-01 subscription filter.
type filter struct {
	Kinds   []int    `json:"kinds,omitempty"`
	Authors []string `json:"authors,omitempty"`
	E       []string `json:"#e,omitempty"`
	Limit   int      `json:"limit,omitempty"`
}
