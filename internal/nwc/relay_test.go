package nwc

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/gorilla/websocket"
)

// walletHandler answers one decrypted NIP-47 request.
type walletHandler func(method string, params json.RawMessage) (any, *WalletError)

// fakeRelay is a relay with a wallet service attached: every request event it
// receives is answered by handle, signed with the wallet key.
type fakeRelay struct {
	t      *testing.T
	server *httptest.Server

	walletPriv *btcec.PrivateKey
	walletPub  string

	handle walletHandler

	mu          sync.Mutex
	delay       time.Duration
	rejectAll   bool
	spoofFirst  bool
	methods     []string
	payIDs      []string
	connections atomic.Int32
}

func newFakeRelay(t *testing.T, handle walletHandler) *fakeRelay {
	t.Helper()
	priv, err := btcec.NewPrivateKey()
	if err != nil {
		t.Fatalf("failed to generate wallet key: %v", err)
	}
	f := &fakeRelay{
		t:          t,
		walletPriv: priv,
		walletPub:  hex.EncodeToString(schnorr.SerializePubKey(priv.PubKey())),
		handle:     handle,
	}
	f.server = httptest.NewServer(http.HandlerFunc(f.serve))
	t.Cleanup(f.server.Close)
	return f
}

func (f *fakeRelay) url() string {
	return "ws" + strings.TrimPrefix(f.server.URL, "http")
}

// descriptor returns a connection string with a fresh client secret.
func (f *fakeRelay) descriptor() string {
	priv, err := btcec.NewPrivateKey()
	if err != nil {
		f.t.Fatalf("failed to generate client key: %v", err)
	}
	return fmt.Sprintf("nostr+walletconnect://%s?relay=%s&secret=%s",
		f.walletPub, url.QueryEscape(f.url()), hex.EncodeToString(priv.Serialize()))
}

func (f *fakeRelay) setDelay(d time.Duration) {
	f.mu.Lock()
	f.delay = d
	f.mu.Unlock()
}

func (f *fakeRelay) seenPayIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.payIDs...)
}

var upgrader = websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}

func (f *fakeRelay) serve(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()
	f.connections.Add(1)

	var wmu sync.Mutex
	send := func(v any) {
		wmu.Lock()
		defer wmu.Unlock()
		conn.WriteJSON(v)
	}

	var smu sync.Mutex
	subs := make(map[string]filter)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var frame []json.RawMessage
		if json.Unmarshal(data, &frame) != nil || len(frame) < 2 {
			continue
		}
		var typ string
		json.Unmarshal(frame[0], &typ)

		switch typ {
		case "REQ":
			var id string
			var flt filter
			json.Unmarshal(frame[1], &id)
			json.Unmarshal(frame[2], &flt)
			smu.Lock()
			subs[id] = flt
			smu.Unlock()
			send([]any{"EOSE", id})

		case "CLOSE":
			var id string
			json.Unmarshal(frame[1], &id)
			smu.Lock()
			delete(subs, id)
			smu.Unlock()

		case "EVENT":
			var ev Event
			json.Unmarshal(frame[1], &ev)
			if err := ev.Verify(); err != nil {
				send([]any{"OK", ev.ID, false, "invalid: " + err.Error()})
				continue
			}
			f.mu.Lock()
			reject := f.rejectAll
			f.mu.Unlock()
			if reject {
				send([]any{"OK", ev.ID, false, "blocked: rate-limited"})
				continue
			}
			send([]any{"OK", ev.ID, true, ""})

			go func(req Event) {
				for _, out := range f.answer(req) {
					smu.Lock()
					for id, flt := range subs {
						if len(flt.E) > 0 && flt.E[0] == req.ID {
							send([]any{"EVENT", id, out})
						}
					}
					smu.Unlock()
				}
			}(ev)
		}
	}
}

func (f *fakeRelay) answer(req Event) []*Event {
	clientBytes, _ := hex.DecodeString(req.PubKey)
	clientPub, err := schnorr.ParsePubKey(clientBytes)
	if err != nil {
		return nil
	}
	key := sharedKey(f.walletPriv, clientPub)

	plain, err := decrypt(key, req.Content)
	if err != nil {
		return nil
	}
	var msg struct {
		Method string          `json:"method"`
		Params json.RawMessage `json:"params"`
	}
	if json.Unmarshal(plain, &msg) != nil {
		return nil
	}

	f.mu.Lock()
	f.methods = append(f.methods, msg.Method)
	if msg.Method == methodPayInvoice {
		var p payInvoiceParams
		json.Unmarshal(msg.Params, &p)
		f.payIDs = append(f.payIDs, p.ID)
	}
	delay := f.delay
	spoof := f.spoofFirst
	f.mu.Unlock()

	if delay > 0 {
		time.Sleep(delay)
	}

	result, werr := f.handle(msg.Method, msg.Params)
	resp := response{ResultType: msg.Method, Error: werr}
	if result != nil {
		resp.Result, _ = json.Marshal(result)
	}
	payload, _ := json.Marshal(resp)

	var out []*Event
	if spoof {
		// Same shape, signed by someone who is not the wallet.
		other, _ := btcec.NewPrivateKey()
		fake, _ := json.Marshal(response{ResultType: msg.Method, Result: json.RawMessage(`{"preimage":"forged","balance":1}`)})
		out = append(out, f.sign(other, sharedKey(other, clientPub), fake, req))
	}
	out = append(out, f.sign(f.walletPriv, key, payload, req))
	return out
}

func (f *fakeRelay) sign(priv *btcec.PrivateKey, key, payload []byte, req Event) *Event {
	content, err := encrypt(key, payload)
	if err != nil {
		f.t.Errorf("encrypt response: %v", err)
		return nil
	}
	ev := &Event{
		CreatedAt: time.Now().Unix(),
		Kind:      kindResponse,
		Tags:      [][]string{{"p", req.PubKey}, {"e", req.ID}},
		Content:   content,
	}
	if err := ev.Sign(priv); err != nil {
		f.t.Errorf("sign response: %v", err)
	}
	return ev
}
