package esl

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/textproto"
	"sync"
	"time"
)

// State of the socket connection.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateReconnecting State = "reconnecting"
	StateFailed       State = "failed"
)

var (
	ErrNotConnected       = errors.New("esl: not connected")
	ErrAuthFailed         = errors.New("esl: authentication rejected")
	ErrReconnectExhausted = errors.New("esl: reconnect attempts exhausted")
)

// Config for the event socket connection.
type Config struct {
	Addr     string
	Password string

	// MaxReconnectAttempts bounds consecutive failed reconnects before the
	// client gives up for good. Defaults to 10.
	MaxReconnectAttempts int

	DialTimeout    time.Duration
	CommandTimeout time.Duration

	// EventBuffer sizes the delivery channel. Events are dropped with a log
	// line when the consumer falls behind.
	EventBuffer int
}

func (c Config) withDefaults() Config {
	out := c
	if out.MaxReconnectAttempts <= 0 {
		out.MaxReconnectAttempts = 10
	}
	if out.DialTimeout <= 0 {
		out.DialTimeout = 5 * time.Second
	}
	if out.CommandTimeout <= 0 {
		out.CommandTimeout = 5 * time.Second
	}
	if out.EventBuffer <= 0 {
		out.EventBuffer = 256
	}
	return out
}

const (
	backoffBase = time.Second
	backoffCap  = 30 * time.Second
)

// BackoffDelay returns the pause before reconnect attempt n (1-based):
// doubling from one second, capped at thirty.
func BackoffDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := backoffBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= backoffCap {
			return backoffCap
		}
	}
	return d
}

// Client speaks the engine's inbound event socket protocol: authenticate,
// subscribe to call events, and issue api commands over one TCP connection.
//
// Replies are correlated to commands strictly in order; the engine answers
// commands FIFO on an inbound socket.
type Client struct {
	cfg Config
	log *slog.Logger

	// dial is swappable in tests.
	dial func(ctx context.Context, addr string) (net.Conn, error)

	mu      sync.Mutex
	conn    net.Conn
	reader  *textproto.Reader
	pending []chan Reply
	state   State

	events   chan Event
	failed   chan struct{}
	failOnce sync.Once
}

func NewClient(cfg Config, log *slog.Logger) *Client {
	cfg = cfg.withDefaults()
	return &Client{
		cfg: cfg,
		log: log,
		dial: func(ctx context.Context, addr string) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, "tcp", addr)
		},
		state:  StateDisconnected,
		events: make(chan Event, cfg.EventBuffer),
		failed: make(chan struct{}),
	}
}

// Events delivers decoded engine events in arrival order.
func (c *Client) Events() <-chan Event { return c.events }

// Failed is closed once reconnection is abandoned for good.
func (c *Client) Failed() <-chan struct{} { return c.failed }

func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// Run owns the connection for its whole life: connect, serve, and reconnect
// with exponential backoff until ctx is cancelled or attempts run out.
func (c *Client) Run(ctx context.Context) error {
	attempt := 0
	for {
		if attempt == 0 {
			c.setState(StateConnecting)
		} else {
			c.setState(StateReconnecting)
		}

		err := c.connect(ctx)
		if err == nil {
			attempt = 0
			c.setState(StateConnected)
			c.log.Info("event socket connected", "addr", c.cfg.Addr)
			err = c.serve(ctx)
		}
		c.dropConn()

		if ctx.Err() != nil {
			c.setState(StateDisconnected)
			return ctx.Err()
		}

		attempt++
		if attempt > c.cfg.MaxReconnectAttempts {
			c.setState(StateFailed)
			c.failOnce.Do(func() { close(c.failed) })
			c.log.Error("event socket reconnect abandoned", "attempts", attempt-1, "err", err)
			return ErrReconnectExhausted
		}

		delay := BackoffDelay(attempt)
		c.log.Warn("event socket lost, reconnecting", "attempt", attempt, "delay", delay, "err", err)
		select {
		case <-ctx.Done():
			c.setState(StateDisconnected)
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}

// connect dials, authenticates, and subscribes. The handshake is synchronous;
// the read loop takes over afterwards.
func (c *Client) connect(ctx context.Context) error {
	dialCtx, cancel := context.WithTimeout(ctx, c.cfg.DialTimeout)
	defer cancel()

	conn, err := c.dial(dialCtx, c.cfg.Addr)
	if err != nil {
		return fmt.Errorf("dial %s: %w", c.cfg.Addr, err)
	}

	deadline := time.Now().Add(c.cfg.DialTimeout)
	_ = conn.SetDeadline(deadline)
	r := textproto.NewReader(bufio.NewReader(conn))

	f, err := readFrame(r)
	if err != nil {
		conn.Close()
		return fmt.Errorf("read greeting: %w", err)
	}
	if f.contentType() != contentAuthRequest {
		conn.Close()
		return fmt.Errorf("unexpected greeting %q", f.contentType())
	}

	if err := writeCommand(conn, "auth "+c.cfg.Password); err != nil {
		conn.Close()
		return err
	}
	f, err = readFrame(r)
	if err != nil {
		conn.Close()
		return fmt.Errorf("read auth reply: %w", err)
	}
	if reply := replyFromFrame(f); !reply.OK {
		conn.Close()
		return fmt.Errorf("%w: %s", ErrAuthFailed, reply.Text)
	}

	subscribe := fmt.Sprintf("event plain %s %s %s %s",
		EventChannelCreate, EventChannelAnswer, EventChannelHangup, EventDTMF)
	if err := writeCommand(conn, subscribe); err != nil {
		conn.Close()
		return err
	}
	f, err = readFrame(r)
	if err != nil {
		conn.Close()
		return fmt.Errorf("read subscribe reply: %w", err)
	}
	if reply := replyFromFrame(f); !reply.OK {
		conn.Close()
		return fmt.Errorf("event subscribe rejected: %s", reply.Text)
	}

	_ = conn.SetDeadline(time.Time{})

	// The handshake reader may have buffered ahead; serve must keep using it.
	c.mu.Lock()
	c.conn = conn
	c.reader = r
	c.mu.Unlock()

	go func() {
		<-ctx.Done()
		conn.Close()
	}()
	return nil
}

// serve reads frames until the connection dies, routing replies to waiting
// commands and events to the delivery channel.
func (c *Client) serve(ctx context.Context) error {
	c.mu.Lock()
	r := c.reader
	c.mu.Unlock()
	if r == nil {
		return ErrNotConnected
	}

	for {
		f, err := readFrame(r)
		if err != nil {
			return err
		}

		switch f.contentType() {
		case contentCommandReply, contentAPIResponse:
			c.deliverReply(replyFromFrame(f))
		case contentEventPlain:
			ev, err := parseEventBody(f.body)
			if err != nil {
				c.log.Warn("undecodable event dropped", "err", err)
				continue
			}
			select {
			case c.events <- ev:
			default:
				c.log.Warn("event channel full, dropping", "event", ev.Name, "uuid", ev.UUID)
			}
		case contentDisconnectNotice:
			return fmt.Errorf("engine sent disconnect notice")
		default:
			c.log.Debug("ignoring frame", "content_type", f.contentType())
		}
	}
}

func (c *Client) deliverReply(reply Reply) {
	c.mu.Lock()
	var ch chan Reply
	if len(c.pending) > 0 {
		ch = c.pending[0]
		c.pending = c.pending[1:]
	}
	c.mu.Unlock()

	if ch == nil {
		c.log.Warn("unsolicited reply dropped", "text", reply.Text)
		return
	}
	ch <- reply
}

// dropConn tears the connection down and fails every waiting command.
func (c *Client) dropConn() {
	c.mu.Lock()
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	c.reader = nil
	pending := c.pending
	c.pending = nil
	c.mu.Unlock()

	for _, ch := range pending {
		close(ch)
	}
}

// Command sends one raw command and waits for its reply.
func (c *Client) Command(ctx context.Context, cmd string) (Reply, error) {
	ch := make(chan Reply, 1)

	c.mu.Lock()
	if c.state != StateConnected || c.conn == nil {
		c.mu.Unlock()
		return Reply{}, ErrNotConnected
	}
	// Register and write under the lock so the FIFO matches wire order.
	c.pending = append(c.pending, ch)
	err := writeCommand(c.conn, cmd)
	c.mu.Unlock()

	if err != nil {
		return Reply{}, err
	}

	timer := time.NewTimer(c.cfg.CommandTimeout)
	defer timer.Stop()
	select {
	case reply, ok := <-ch:
		if !ok {
			return Reply{}, ErrNotConnected
		}
		return reply, nil
	case <-ctx.Done():
		return Reply{}, ctx.Err()
	case <-timer.C:
		return Reply{}, fmt.Errorf("command %q timed out", firstWord(cmd))
	}
}

// API runs an engine api command and returns its reply.
func (c *Client) API(ctx context.Context, cmd string) (Reply, error) {
	return c.Command(ctx, "api "+cmd)
}

func firstWord(s string) string {
	for i := 0; i < len(s); i++ {
		if s[i] == ' ' {
			return s[:i]
		}
	}
	return s
}
