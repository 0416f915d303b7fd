package nwc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"zapclock/internal/logging"
	"zapclock/internal/metrics"
)

const (
	defaultWriteTimeout = 10 * time.Second
	pingInterval        = 30 * time.Second
	subscriptionBuffer  = 8
)

var errPoolClosed = errors.New("relay pool closed")

// Pool shares relay connections between wallet clients. Connections are
// dialled on first use and dropped when they fail; the next request re-dials.
// A Pool is safe for concurrent use.
type Pool struct {
	dialer *websocket.Dialer
	log    *logrus.Entry

	mu     sync.Mutex
	conns  map[string]*relayConn
	closed bool
}

// NewPool creates an empty relay pool.
func NewPool(logger *logrus.Logger) *Pool {
	return &Pool{
		dialer: &websocket.Dialer{
			HandshakeTimeout: 10 * time.Second,
		},
		log:   logging.Component(logger, "relay"),
		conns: make(map[string]*relayConn),
	}
}

func (p *Pool) get(ctx context.Context, relayURL string) (*relayConn, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, errPoolClosed
	}
	if rc, ok := p.conns[relayURL]; ok {
		p.mu.Unlock()
		return rc, nil
	}
	p.mu.Unlock()

	p.log.Debugf("dialing %s", relayURL)
	conn, _, err := p.dialer.DialContext(ctx, relayURL, nil)
	if err != nil {
		return nil, fmt.Errorf("websocket dial: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		conn.Close()
		return nil, errPoolClosed
	}
	if existing, ok := p.conns[relayURL]; ok {
		// Lost a dial race; keep the connection already in the pool.
		conn.Close()
		return existing, nil
	}
	rc := newRelayConn(p, relayURL, conn)
	p.conns[relayURL] = rc
	metrics.RelayConnected()
	p.log.Infof("connected to %s", relayURL)

	go rc.readLoop()
	go rc.heartbeat()
	return rc, nil
}

func (p *Pool) drop(rc *relayConn) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if cur, ok := p.conns[rc.url]; ok && cur == rc {
		delete(p.conns, rc.url)
		metrics.RelayDisconnected()
	}
}

// Close disconnects every relay.
func (p *Pool) Close() error {
	p.mu.Lock()
	p.closed = true
	conns := make([]*relayConn, 0, len(p.conns))
	for _, rc := range p.conns {
		conns = append(conns, rc)
	}
	p.mu.Unlock()

	for _, rc := range conns {
		rc.close()
	}
	return nil
}

type okResult struct {
	accepted bool
	message  string
}

type subscription struct {
	id     string
	events chan *Event
	closed chan struct{} // closed when the relay ends the subscription
	reason string
}

// relayConn multiplexes subscriptions over one websocket. Only readLoop
// reads; writes are serialized by writeMu.
type relayConn struct {
	url  string
	conn *websocket.Conn
	pool *Pool
	log  *logrus.Entry

	writeMu sync.Mutex

	mu   sync.Mutex
	subs map[string]*subscription
	oks  map[string]chan okResult
	err  error

	done      chan struct{}
	closeOnce sync.Once
}

func newRelayConn(p *Pool, url string, conn *websocket.Conn) *relayConn {
	return &relayConn{
		url:  url,
		conn: conn,
		pool: p,
		log:  p.log.WithField("relay", url),
		subs: make(map[string]*subscription),
		oks:  make(map[string]chan okResult),
		done: make(chan struct{}),
	}
}

func (rc *relayConn) write(ctx context.Context, v any) error {
	rc.writeMu.Lock()
	defer rc.writeMu.Unlock()

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(defaultWriteTimeout)
	}
	rc.conn.SetWriteDeadline(deadline)
	if err := rc.conn.WriteJSON(v); err != nil {
		rc.fail(err)
		return fmt.Errorf("relay write: %w", err)
	}
	return nil
}

func (rc *relayConn) subscribe(ctx context.Context, f filter) (*subscription, error) {
	sub := &subscription{
		id:     uuid.NewString(),
		events: make(chan *Event, subscriptionBuffer),
		closed: make(chan struct{}),
	}
	rc.mu.Lock()
	if rc.err != nil {
		err := rc.err
		rc.mu.Unlock()
		return nil, err
	}
	rc.subs[sub.id] = sub
	rc.mu.Unlock()

	if err := rc.write(ctx, []any{"REQ", sub.id, f}); err != nil {
		rc.removeSub(sub.id)
		return nil, err
	}
	return sub, nil
}

// unsubscribe forgets sub and tells the relay, best effort.
func (rc *relayConn) unsubscribe(sub *subscription) {
	if !rc.removeSub(sub.id) {
		return
	}
	select {
	case <-rc.done:
		return
	default:
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := rc.write(ctx, []any{"CLOSE", sub.id}); err != nil {
		rc.log.Debugf("failed to close subscription: %v", err)
	}
}

func (rc *relayConn) removeSub(id string) bool {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	_, ok := rc.subs[id]
	delete(rc.subs, id)
	return ok
}

// expectOK registers interest in the relay's OK for eventID.
func (rc *relayConn) expectOK(eventID string) chan okResult {
	ch := make(chan okResult, 1)
	rc.mu.Lock()
	rc.oks[eventID] = ch
	rc.mu.Unlock()
	return ch
}

func (rc *relayConn) forgetOK(eventID string) {
	rc.mu.Lock()
	delete(rc.oks, eventID)
	rc.mu.Unlock()
}

func (rc *relayConn) readLoop() {
	for {
		_, data, err := rc.conn.ReadMessage()
		if err != nil {
			rc.fail(err)
			return
		}
		rc.dispatch(data)
	}
}

func (rc *relayConn) dispatch(data []byte) {
	var frame []json.RawMessage
	if err := json.Unmarshal(data, &frame); err != nil || len(frame) < 2 {
		rc.log.Debugf("ignoring malformed frame: %s", truncate(string(data), 80))
		return
	}
	var typ string
	if err := json.Unmarshal(frame[0], &typ); err != nil {
		return
	}

	switch typ {
	case "EVENT":
		if len(frame) < 3 {
			return
		}
		var subID string
		var ev Event
		if json.Unmarshal(frame[1], &subID) != nil || json.Unmarshal(frame[2], &ev) != nil {
			return
		}
		rc.mu.Lock()
		sub, ok := rc.subs[subID]
		if ok {
			select {
			case sub.events <- &ev:
			default:
				rc.log.Warnf("subscription %s buffer full, event %s dropped", subID, truncate(ev.ID, 16))
			}
		}
		rc.mu.Unlock()

	case "OK":
		if len(frame) < 3 {
			return
		}
		var id string
		var res okResult
		if json.Unmarshal(frame[1], &id) != nil || json.Unmarshal(frame[2], &res.accepted) != nil {
			return
		}
		if len(frame) > 3 {
			json.Unmarshal(frame[3], &res.message)
		}
		rc.mu.Lock()
		if ch, ok := rc.oks[id]; ok {
			select {
			case ch <- res:
			default:
			}
		}
		rc.mu.Unlock()

	case "CLOSED":
		var subID, reason string
		if json.Unmarshal(frame[1], &subID) != nil {
			return
		}
		if len(frame) > 2 {
			json.Unmarshal(frame[2], &reason)
		}
		rc.mu.Lock()
		if sub, ok := rc.subs[subID]; ok {
			delete(rc.subs, subID)
			sub.reason = reason
			close(sub.closed)
		}
		rc.mu.Unlock()

	case "NOTICE":
		var msg string
		json.Unmarshal(frame[1], &msg)
		rc.log.Infof("notice: %s", msg)

	case "EOSE":
		// Responses arrive as live events; stored ones are not needed.
	}
}

func (rc *relayConn) heartbeat() {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-rc.done:
			return
		case <-ticker.C:
			rc.writeMu.Lock()
			err := rc.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(defaultWriteTimeout))
			rc.writeMu.Unlock()
			if err != nil {
				rc.fail(err)
				return
			}
		}
	}
}

// fail records the first error, wakes all waiters and removes the
// connection from the pool.
func (rc *relayConn) fail(err error) {
	rc.closeOnce.Do(func() {
		rc.mu.Lock()
		rc.err = fmt.Errorf("relay connection lost: %w", err)
		rc.mu.Unlock()
		close(rc.done)
		rc.conn.Close()
		rc.pool.drop(rc)
		rc.log.Warnf("disconnected: %v", err)
	})
}

func (rc *relayConn) close() {
	rc.writeMu.Lock()
	rc.conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second),
	)
	rc.writeMu.Unlock()
	rc.fail(errPoolClosed)
}

func (rc *relayConn) lastErr() error {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	if rc.err == nil {
		return errors.New("relay connection lost")
	}
	return rc.err
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
