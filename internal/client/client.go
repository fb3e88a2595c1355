// Package client implements the consumer side of the gateway protocol: a
// single logical session that survives transient socket drops through
// backoff-driven reconnects, queued outbound messages, and heartbeats.
package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/akaytatsu/cortex-sub000/internal/logger"
	"github.com/akaytatsu/cortex-sub000/internal/models"
	"github.com/akaytatsu/cortex-sub000/internal/recovery"
)

// State is the lifecycle state of the logical connection.
type State string

const (
	StateConnecting State = "connecting"
	StateOpen       State = "open"
	StateClosed     State = "closed"
)

const (
	defaultMaxRetries        = 10
	defaultHeartbeatInterval = 30 * time.Second
	defaultRequestTimeout    = 15 * time.Second
)

// defaultBackoff is the retry schedule; attempts past its end reuse the last
// entry.
var defaultBackoff = []time.Duration{
	3 * time.Second,
	6 * time.Second,
	12 * time.Second,
	24 * time.Second,
	30 * time.Second,
}

var (
	// ErrClosed is returned once the client has reached its terminal state.
	ErrClosed = errors.New("client: connection closed")
	// ErrRetriesExhausted is returned after the reconnect budget runs out.
	ErrRetriesExhausted = errors.New("client: reconnect retries exhausted")
	// ErrRequestTimeout is returned when a correlated reply does not arrive
	// in time.
	ErrRequestTimeout = errors.New("client: request timed out")
)

// Options configures a Client. Zero values fall back to the defaults above.
type Options struct {
	URL    string
	Header http.Header

	MaxRetries        int
	HeartbeatInterval time.Duration
	RequestTimeout    time.Duration
	Backoff           []time.Duration

	// OnMessage receives every inbound message that is not a correlated
	// reply. May be nil.
	OnMessage func(*models.Message)
	// OnStateChange observes lifecycle transitions. May be nil.
	OnStateChange func(State)

	// dial is swapped in tests.
	dial func(ctx context.Context, url string, header http.Header) (*websocket.Conn, error)
}

// Client maintains one logical gateway session over however many sockets it
// takes. All exported methods are safe for concurrent use.
type Client struct {
	opts Options

	mu           sync.Mutex
	conn         *websocket.Conn
	state        State
	reconnecting bool
	retries      int
	// wanted gates automatic reconnects; it tracks whether any session on
	// this connection is still active or being established.
	wanted bool
	// queue holds outbound messages accepted while the socket was down,
	// flushed in FIFO order before new traffic after a reconnect.
	queue   []*models.Message
	pending map[string]chan *models.Message
	gen     int

	writeMu sync.Mutex

	heartbeatStop chan struct{}
}

// New creates a client; call Connect to open the socket.
func New(opts Options) *Client {
	if opts.MaxRetries == 0 {
		opts.MaxRetries = defaultMaxRetries
	}
	if opts.HeartbeatInterval == 0 {
		opts.HeartbeatInterval = defaultHeartbeatInterval
	}
	if opts.RequestTimeout == 0 {
		opts.RequestTimeout = defaultRequestTimeout
	}
	if len(opts.Backoff) == 0 {
		opts.Backoff = defaultBackoff
	}
	if opts.dial == nil {
		opts.dial = func(ctx context.Context, url string, header http.Header) (*websocket.Conn, error) {
			conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, header)
			return conn, err
		}
	}
	return &Client{
		opts:    opts,
		state:   StateConnecting,
		wanted:  true,
		pending: make(map[string]chan *models.Message),
	}
}

// Connect dials the gateway and starts the read and heartbeat loops. It
// returns once the socket is open or the dial fails; a dial failure here does
// not consume the retry budget, the caller decides whether to call again.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.mu.Unlock()

	return c.connect(ctx)
}

func (c *Client) connect(ctx context.Context) error {
	c.setState(StateConnecting)

	conn, err := c.opts.dial(ctx, c.opts.URL, c.opts.Header)
	if err != nil {
		return fmt.Errorf("dial %s: %w", c.opts.URL, err)
	}

	c.mu.Lock()
	c.conn = conn
	c.retries = 0
	c.reconnecting = false
	c.gen++
	gen := c.gen
	c.mu.Unlock()

	// Replay the backlog before announcing the socket open; Sends racing the
	// flush land in the queue and go out behind it, never ahead of it.
	if err := c.flushBacklog(conn); err != nil {
		if errors.Is(err, ErrClosed) {
			return ErrClosed
		}
		// The socket broke mid-flush. The backlog is intact; the read loop
		// below notices the dead socket and drives the reconnect.
		logger.Warnf("Failed to flush queued messages: %v", err)
	} else {
		logger.Infof("Connected to %s", c.opts.URL)
	}

	c.startHeartbeat(conn)
	recovery.SafeGo("client-read", func() { c.readLoop(conn, gen) })
	return nil
}

// flushBacklog drains the queue in FIFO order and flips the state to open
// once it observes an empty queue. A write failure puts the failed message
// and the unsent tail back at the front of the queue so nothing is lost.
func (c *Client) flushBacklog(conn *websocket.Conn) error {
	for {
		c.mu.Lock()
		if c.state == StateClosed {
			c.mu.Unlock()
			return ErrClosed
		}
		if len(c.queue) == 0 {
			c.state = StateOpen
			c.mu.Unlock()
			c.notifyState(StateOpen)
			return nil
		}
		queued := c.queue
		c.queue = nil
		c.mu.Unlock()

		for i, msg := range queued {
			if err := c.write(conn, msg); err != nil {
				c.requeueFront(queued[i:])
				return err
			}
		}
	}
}

// requeueFront puts unsent messages back ahead of anything queued since.
func (c *Client) requeueFront(msgs []*models.Message) {
	c.mu.Lock()
	if c.state != StateClosed {
		c.queue = append(append([]*models.Message{}, msgs...), c.queue...)
	}
	c.mu.Unlock()
}

// Send delivers a message, queueing it in order if the socket is currently
// down. Sending after terminal close returns ErrClosed.
func (c *Client) Send(msg *models.Message) error {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return ErrClosed
	}
	conn := c.conn
	open := c.state == StateOpen && conn != nil
	if !open {
		c.queue = append(c.queue, msg)
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	if err := c.write(conn, msg); err != nil {
		// The read loop notices the broken socket; keep the message.
		c.enqueue(msg)
		return nil
	}
	return nil
}

// Request sends a correlated message and waits for the reply carrying the
// same messageId, up to the configured request timeout.
func (c *Client) Request(ctx context.Context, t models.MessageType, payload interface{}) (*models.Message, error) {
	msg, err := models.NewMessage(t, payload, uuid.NewString())
	if err != nil {
		return nil, err
	}

	ch := make(chan *models.Message, 1)
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	c.pending[msg.MessageID] = ch
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, msg.MessageID)
		c.mu.Unlock()
	}()

	if err := c.Send(msg); err != nil {
		return nil, err
	}

	timer := time.NewTimer(c.opts.RequestTimeout)
	defer timer.Stop()

	select {
	case reply, ok := <-ch:
		if !ok {
			return nil, ErrClosed
		}
		return reply, nil
	case <-timer.C:
		return nil, ErrRequestTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// SetWanted marks whether any session still needs this connection. When
// false, an unexpected close is not retried.
func (c *Client) SetWanted(wanted bool) {
	c.mu.Lock()
	c.wanted = wanted
	c.mu.Unlock()
}

// State returns the current lifecycle state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Reconnecting reports whether an automatic retry is in progress.
func (c *Client) Reconnecting() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reconnecting
}

// QueueLen returns the number of messages waiting for the next open socket.
func (c *Client) QueueLen() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queue)
}

// Close performs a normal close. The state becomes terminal and no reconnect
// is attempted.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return nil
	}
	c.state = StateClosed
	c.reconnecting = false
	conn := c.conn
	c.conn = nil
	c.failPendingLocked(ErrClosed)
	c.mu.Unlock()

	c.stopHeartbeat()
	c.notifyState(StateClosed)

	if conn != nil {
		deadline := time.Now().Add(time.Second)
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		return conn.Close()
	}
	return nil
}

func (c *Client) readLoop(conn *websocket.Conn, gen int) {
	for {
		var msg models.Message
		if err := conn.ReadJSON(&msg); err != nil {
			c.handleDisconnect(conn, gen, err)
			return
		}
		c.dispatch(&msg)
	}
}

func (c *Client) dispatch(msg *models.Message) {
	if msg.MessageID != "" {
		c.mu.Lock()
		ch, ok := c.pending[msg.MessageID]
		if ok {
			delete(c.pending, msg.MessageID)
		}
		c.mu.Unlock()
		if ok {
			ch <- msg
			return
		}
	}
	if c.opts.OnMessage != nil {
		c.opts.OnMessage(msg)
	}
}

// handleDisconnect decides between terminal close and scheduled reconnect.
func (c *Client) handleDisconnect(conn *websocket.Conn, gen int, err error) {
	c.stopHeartbeat()
	_ = conn.Close()

	c.mu.Lock()
	// A newer socket may already have replaced this one.
	if c.gen != gen || c.state == StateClosed {
		c.mu.Unlock()
		return
	}
	c.conn = nil

	normal := websocket.IsCloseError(err, websocket.CloseNormalClosure)
	if normal || !c.wanted {
		c.state = StateClosed
		c.failPendingLocked(ErrClosed)
		c.mu.Unlock()
		logger.Infof("Connection closed: %v", err)
		c.notifyState(StateClosed)
		return
	}

	if c.retries >= c.opts.MaxRetries {
		c.state = StateClosed
		c.failPendingLocked(ErrRetriesExhausted)
		c.mu.Unlock()
		logger.Errorf("Giving up after %d reconnect attempts", c.opts.MaxRetries)
		c.notifyState(StateClosed)
		return
	}

	c.retries++
	attempt := c.retries
	c.reconnecting = true
	c.state = StateConnecting
	c.mu.Unlock()

	delay := c.backoffFor(attempt)
	logger.Warnf("Connection lost (%v), retry %d/%d in %s", err, attempt, c.opts.MaxRetries, delay)
	c.notifyState(StateConnecting)

	recovery.SafeGo("client-reconnect", func() {
		time.Sleep(delay)

		c.mu.Lock()
		if c.state == StateClosed {
			c.mu.Unlock()
			return
		}
		retries := c.retries
		c.mu.Unlock()

		if err := c.connect(context.Background()); err != nil {
			logger.Warnf("Reconnect attempt %d failed: %v", retries, err)
			// Feed the failure back through the close path so the retry
			// counter keeps advancing.
			c.retryAfterDialFailure()
		}
	})
}

// retryAfterDialFailure re-enters the reconnect path when a dial attempt
// itself fails.
func (c *Client) retryAfterDialFailure() {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return
	}
	if c.retries >= c.opts.MaxRetries {
		c.state = StateClosed
		c.reconnecting = false
		c.failPendingLocked(ErrRetriesExhausted)
		c.mu.Unlock()
		logger.Errorf("Giving up after %d reconnect attempts", c.opts.MaxRetries)
		c.notifyState(StateClosed)
		return
	}
	c.retries++
	attempt := c.retries
	c.reconnecting = true
	c.mu.Unlock()

	delay := c.backoffFor(attempt)
	recovery.SafeGo("client-reconnect", func() {
		time.Sleep(delay)

		c.mu.Lock()
		if c.state == StateClosed {
			c.mu.Unlock()
			return
		}
		c.mu.Unlock()

		if err := c.connect(context.Background()); err != nil {
			c.retryAfterDialFailure()
		}
	})
}

func (c *Client) backoffFor(attempt int) time.Duration {
	idx := attempt - 1
	if idx >= len(c.opts.Backoff) {
		idx = len(c.opts.Backoff) - 1
	}
	return c.opts.Backoff[idx]
}

func (c *Client) startHeartbeat(conn *websocket.Conn) {
	stop := make(chan struct{})
	c.mu.Lock()
	c.heartbeatStop = stop
	c.mu.Unlock()

	recovery.SafeGo("client-heartbeat", func() {
		ticker := time.NewTicker(c.opts.HeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				msg, err := models.NewMessage(models.MessageHeartbeat, models.HeartbeatPayload{
					Timestamp: time.Now().UnixMilli(),
				}, "")
				if err != nil {
					return
				}
				// A failed heartbeat ends this loop; the read loop owns the
				// decision to reconnect.
				if err := c.write(conn, msg); err != nil {
					logger.Debugf("Heartbeat write failed: %v", err)
					return
				}
			}
		}
	})
}

func (c *Client) stopHeartbeat() {
	c.mu.Lock()
	stop := c.heartbeatStop
	c.heartbeatStop = nil
	c.mu.Unlock()
	if stop != nil {
		close(stop)
	}
}

func (c *Client) write(conn *websocket.Conn, msg *models.Message) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return conn.WriteJSON(msg)
}

func (c *Client) enqueue(msg *models.Message) {
	c.mu.Lock()
	if c.state != StateClosed {
		c.queue = append(c.queue, msg)
	}
	c.mu.Unlock()
}

// failPendingLocked rejects every waiter by closing its channel.
func (c *Client) failPendingLocked(err error) {
	if len(c.pending) > 0 {
		logger.Debugf("Rejecting %d pending requests: %v", len(c.pending), err)
	}
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return
	}
	c.state = s
	c.mu.Unlock()
	c.notifyState(s)
}

func (c *Client) notifyState(s State) {
	if c.opts.OnStateChange != nil {
		c.opts.OnStateChange(s)
	}
}
