package controller

import (
	"context"
	"encoding/json"
	"net/url"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

// Forwarder ships window summaries to a monitoring server over a websocket,
// reconnecting with exponential backoff. Summaries are dropped, never queued
// without bound, while the server is unreachable.
type Forwarder struct {
	serverURL string
	agentID   string
	log       *zap.Logger

	send      chan *Window
	connected atomic.Bool
	sent      atomic.Uint64
	dropped   atomic.Uint64

	maxMessageSize int64
	writeWait      time.Duration
	pongWait       time.Duration
	pingPeriod     time.Duration
	newBackOff     func() backoff.BackOff
}

// ForwarderOption configures a Forwarder.
type ForwarderOption func(*Forwarder)

// WithForwarderLogger sets the logger.
func WithForwarderLogger(l *zap.Logger) ForwarderOption {
	return func(f *Forwarder) { f.log = l }
}

// WithPingPeriod sets the keepalive ping period; the pong deadline follows it.
func WithPingPeriod(d time.Duration) ForwarderOption {
	return func(f *Forwarder) {
		f.pingPeriod = d
		f.pongWait = d * 10 / 9
	}
}

// WithBackOff replaces the reconnect policy.
func WithBackOff(fn func() backoff.BackOff) ForwarderOption {
	return func(f *Forwarder) { f.newBackOff = fn }
}

// NewForwarder creates a Forwarder for serverURL. Nothing is dialed until Run.
func NewForwarder(serverURL, agentID string, opts ...ForwarderOption) *Forwarder {
	f := &Forwarder{
		serverURL:      serverURL,
		agentID:        agentID,
		log:            zap.NewNop(),
		send:           make(chan *Window, 100),
		maxMessageSize: 512,
		writeWait:      10 * time.Second,
		pongWait:       60 * time.Second,
		pingPeriod:     54 * time.Second,
		newBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.MaxElapsedTime = 0
			return b
		},
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Send queues w without blocking. It reports whether w was accepted.
func (f *Forwarder) Send(w *Window) bool {
	if w == nil {
		return false
	}
	if w.AgentID == "" {
		w.AgentID = f.agentID
	}
	select {
	case f.send <- w:
		return true
	default:
		f.dropped.Inc()
		f.log.Warn("window send queue full, dropping window", zap.Int64("window_start", w.WindowStart))
		return false
	}
}

// Connected reports whether a connection is up.
func (f *Forwarder) Connected() bool {
	return f.connected.Load()
}

// Sent returns the number of windows written to the server.
func (f *Forwarder) Sent() uint64 {
	return f.sent.Load()
}

// Dropped returns the number of windows discarded.
func (f *Forwarder) Dropped() uint64 {
	return f.dropped.Load()
}

// Run connects and forwards windows until ctx is done.
func (f *Forwarder) Run(ctx context.Context) error {
	u, err := url.Parse(f.serverURL)
	if err != nil {
		return errors.Wrapf(err, "parsing websocket url %q", f.serverURL)
	}

	for {
		conn, err := f.dial(ctx, u)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		err = f.pump(ctx, conn)
		f.connected.Store(false)
		if ctx.Err() != nil {
			return nil
		}
		f.log.Warn("websocket connection lost, reconnecting", zap.Error(err))
	}
}

func (f *Forwarder) dial(ctx context.Context, u *url.URL) (*websocket.Conn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}

	var conn *websocket.Conn
	op := func() error {
		c, _, err := dialer.DialContext(ctx, u.String(), nil)
		if err != nil {
			return err
		}
		conn = c
		return nil
	}
	notify := func(err error, next time.Duration) {
		f.log.Info("websocket connect failed", zap.String("url", f.serverURL), zap.Error(err), zap.Duration("retry_in", next))
	}
	if err := backoff.RetryNotify(op, backoff.WithContext(f.newBackOff(), ctx), notify); err != nil {
		return nil, errors.Wrapf(err, "connecting to %s", f.serverURL)
	}

	conn.SetReadLimit(f.maxMessageSize)
	f.connected.Store(true)
	f.log.Info("connected to websocket server", zap.String("url", f.serverURL))
	return conn, nil
}

// pump runs the read and write sides of one connection until either fails.
func (f *Forwarder) pump(ctx context.Context, conn *websocket.Conn) error {
	defer conn.Close()

	readErr := make(chan error, 1)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		readErr <- f.readPump(conn)
	}()
	defer wg.Wait()

	ticker := time.NewTicker(f.pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			f.drain(conn)
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(f.writeWait))
			conn.Close()
			return ctx.Err()
		case err := <-readErr:
			return err
		case w := <-f.send:
			if err := f.write(conn, w); err != nil {
				f.dropped.Inc()
				conn.Close()
				return errors.Wrap(err, "sending window")
			}
			f.sent.Inc()
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(f.writeWait)); err != nil {
				conn.Close()
				return errors.Wrap(err, "sending ping")
			}
		}
	}
}

// readPump consumes server acknowledgements and keeps the pong deadline fresh.
func (f *Forwarder) readPump(conn *websocket.Conn) error {
	_ = conn.SetReadDeadline(time.Now().Add(f.pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(f.pongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				f.log.Warn("websocket read error", zap.Error(err))
			}
			return err
		}
		_ = conn.SetReadDeadline(time.Now().Add(f.pongWait))
	}
}

// drain writes the windows already queued when forwarding stops.
func (f *Forwarder) drain(conn *websocket.Conn) {
	for {
		select {
		case w := <-f.send:
			if err := f.write(conn, w); err != nil {
				f.dropped.Inc()
				return
			}
			f.sent.Inc()
		default:
			return
		}
	}
}

func (f *Forwarder) write(conn *websocket.Conn, w *Window) error {
	data, err := json.Marshal(w)
	if err != nil {
		return err
	}
	_ = conn.SetWriteDeadline(time.Now().Add(f.writeWait))
	return conn.WriteMessage(websocket.TextMessage, data)
}
