// Package link maintains the push channel to the dispatch backend: one
// connection at a time, a bounded reconnect loop and a liveness ping.
package link

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"dispatch-tracker/internal/observability"
)

var (
	ErrNotConnected = errors.New("link: not connected")
	ErrClosed       = errors.New("link: closed")
)

const (
	DefaultReconnectDelay = 5 * time.Second
	DefaultMaxRetries     = 5
	DefaultPingInterval   = 30 * time.Second
	writeTimeout          = 10 * time.Second
)

type Options struct {
	URL            string
	Dial           Dialer
	Header         func() http.Header
	ReconnectDelay time.Duration
	// MaxRetries is the number of consecutive failures after which the
	// client stops and enters StateDisconnected.
	MaxRetries   int
	PingInterval time.Duration
	Logger       *slog.Logger
}

// Handler receives decoded messages on the client's read goroutine.
type Handler func(Message)

type Client struct {
	opts   Options
	logger *slog.Logger

	mu       sync.Mutex
	conn     Conn
	connID   string
	state    State
	handlers map[Kind][]Handler
	subs     map[int]func(State)
	nextSub  int
	baseCtx  context.Context
	cancel   context.CancelFunc
	done     chan struct{}
	failures int
}

func New(opts Options) *Client {
	if opts.Dial == nil {
		opts.Dial = DialWebsocket
	}
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = DefaultReconnectDelay
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = DefaultMaxRetries
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = DefaultPingInterval
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Client{
		opts:     opts,
		logger:   opts.Logger.With("component", "link", "url", opts.URL),
		handlers: make(map[Kind][]Handler),
		subs:     make(map[int]func(State)),
	}
}

// On registers h for messages of kind k. Register before Connect.
func (c *Client) On(k Kind, h Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[k] = append(c.handlers[k], h)
}

// OnState registers fn for every state transition and returns a func that
// removes it.
func (c *Client) OnState(fn func(State)) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.nextSub
	c.nextSub++
	c.subs[id] = fn
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.subs, id)
	}
}

func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Client) URL() string { return c.opts.URL }

// Connect starts the connection loop. It returns immediately; progress is
// reported through OnState. Calling it while the loop runs is a no-op.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.done != nil {
		c.mu.Unlock()
		return nil
	}
	c.baseCtx = ctx
	c.startLocked()
	c.mu.Unlock()
	return nil
}

// Reconnect restarts a client that gave up after the retry limit.
func (c *Client) Reconnect() error {
	c.mu.Lock()
	switch {
	case c.state == StateClosed:
		c.mu.Unlock()
		return ErrClosed
	case c.baseCtx == nil:
		c.mu.Unlock()
		return errors.New("link: Reconnect before Connect")
	case c.done != nil:
		c.mu.Unlock()
		return nil
	}
	c.logger.Info("link: manual reconnect")
	c.startLocked()
	c.mu.Unlock()
	return nil
}

func (c *Client) startLocked() {
	ctx, cancel := context.WithCancel(c.baseCtx)
	c.cancel = cancel
	c.done = make(chan struct{})
	c.failures = 0
	go c.connectLoop(ctx, c.done)
}

// Close stops the loop and releases the connection. Safe to call twice.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return nil
	}
	cancel, done := c.cancel, c.done
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
	c.setState(StateClosed)
	c.logger.Info("link: closed")
	return nil
}

// -------------------------------------------------------------------
//                        LOOP DE CONEXIÓN
// -------------------------------------------------------------------

func (c *Client) connectLoop(ctx context.Context, done chan struct{}) {
	terminal := false
	defer func() {
		c.mu.Lock()
		if c.done == done {
			c.done = nil
		}
		c.mu.Unlock()
		close(done)
		if terminal {
			c.setState(StateDisconnected)
		}
	}()

	for {
		c.setState(StateConnecting)
		conn, err := c.opts.Dial(ctx, c.opts.URL, c.header())
		if ctx.Err() != nil {
			if conn != nil {
				_ = conn.Close()
			}
			return
		}
		if err != nil {
			c.logger.Error("link: dial failed", "err", err, "failures", c.failures+1)
			if terminal = c.exhausted(); terminal || !c.backoff(ctx) {
				return
			}
			continue
		}

		connID := uuid.NewString()
		c.setConn(conn, connID)
		c.failures = 0
		log := c.logger.With("conn_id", connID)
		log.Info("link: connected")
		c.setState(StateConnected)

		if err := c.write(ctx, conn, fetchTasksMsg); err != nil {
			log.Warn("link: fetch_tasks failed", "err", err)
		}

		pingCtx, stopPing := context.WithCancel(ctx)
		go c.pingLoop(pingCtx, conn, log)
		err = c.readLoop(ctx, conn, log)
		stopPing()
		c.clearConn(conn)

		if ctx.Err() != nil {
			return
		}
		log.Warn("link: connection closed", "err", err, "failures", c.failures+1)
		if terminal = c.exhausted(); terminal || !c.backoff(ctx) {
			return
		}
	}
}

// exhausted suma un fallo consecutivo y avisa si ya se llegó al límite de
// reintentos.
func (c *Client) exhausted() bool {
	c.failures++
	if c.failures < c.opts.MaxRetries {
		return false
	}
	observability.TerminalDisconnects.Inc()
	c.logger.Error("link: retry limit reached, staying disconnected", "max_retries", c.opts.MaxRetries)
	return true
}

// backoff espera el delay de reconexión; false si ctx terminó antes.
func (c *Client) backoff(ctx context.Context) bool {
	observability.Reconnects.Inc()
	c.setState(StateReconnecting)
	t := time.NewTimer(c.opts.ReconnectDelay)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func (c *Client) header() http.Header {
	if c.opts.Header == nil {
		return nil
	}
	return c.opts.Header()
}

func (c *Client) setConn(conn Conn, id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn = conn
	c.connID = id
}

func (c *Client) clearConn(conn Conn) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == conn {
		_ = c.conn.Close()
		c.conn = nil
		c.connID = ""
	}
}

func (c *Client) getConn() Conn {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	if c.state == s || c.state == StateClosed {
		c.mu.Unlock()
		return
	}
	c.state = s
	fns := make([]func(State), 0, len(c.subs))
	for _, fn := range c.subs {
		fns = append(fns, fn)
	}
	c.mu.Unlock()

	for _, fn := range fns {
		fn(s)
	}
}

// -------------------------------------------------------------------
//                             LECTURA
// -------------------------------------------------------------------

func (c *Client) readLoop(ctx context.Context, conn Conn, log *slog.Logger) error {
	for {
		b, err := conn.Read(ctx)
		if err != nil {
			return err
		}
		c.dispatch(b, log)
	}
}

func (c *Client) dispatch(b []byte, log *slog.Logger) {
	msg, err := Decode(b)
	if err != nil {
		observability.UpdatesDropped.WithLabelValues("malformed").Inc()
		log.Warn("link: malformed message dropped", "err", err, "type", msg.Type)
		return
	}
	observability.MessagesRecv.WithLabelValues(msg.Kind.String()).Inc()
	if msg.Kind == KindUnknown {
		log.Info("link: unknown message type", "type", msg.Type)
	}

	c.mu.Lock()
	hs := append([]Handler(nil), c.handlers[msg.Kind]...)
	c.mu.Unlock()
	for _, h := range hs {
		h(msg)
	}
}

// -------------------------------------------------------------------
//                            ESCRITURA
// -------------------------------------------------------------------

// Send JSON-encodes v and writes it on the open connection.
func (c *Client) Send(ctx context.Context, v any) error {
	conn := c.getConn()
	if conn == nil {
		return ErrNotConnected
	}
	return c.write(ctx, conn, v)
}

func (c *Client) write(ctx context.Context, conn Conn, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("link: encode: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return conn.Write(ctx, b)
}

func (c *Client) pingLoop(ctx context.Context, conn Conn, log *slog.Logger) {
	t := time.NewTicker(c.opts.PingInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if err := c.write(ctx, conn, pingMsg); err != nil {
				log.Debug("link: ping failed", "err", err)
			}
		}
	}
}
