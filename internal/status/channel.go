package status

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"

	"flowpulse/internal/eventbus"
	logx "flowpulse/pkg/logx"
)

var (
	// ErrUnreachable ends a channel whose reconnect attempts ran out.
	ErrUnreachable = errors.New("status channel unreachable")
	// ErrSessionNotFound ends a channel closed by the server with code 1008.
	ErrSessionNotFound = errors.New("status session not found")
)

type State string

const (
	StateConnecting   State = "connecting"
	StateOpen         State = "open"
	StateReconnecting State = "reconnecting"
	StateClosed       State = "closed"
	StateUnreachable  State = "unreachable"
	StateNotFound     State = "session_not_found"
)

// Terminal reports whether no further transitions follow.
func (s State) Terminal() bool {
	return s == StateClosed || s == StateUnreachable || s == StateNotFound
}

const (
	DefaultBaseDelay   = time.Second
	DefaultMaxDelay    = 30 * time.Second
	DefaultMaxAttempts = 5
	DefaultHeartbeat   = 30 * time.Second

	writeTimeout = 10 * time.Second
)

type Config struct {
	// URL of the websocket endpoint (ws:// or wss://).
	URL         string
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	MaxAttempts int
	Heartbeat   time.Duration
	// Header is sent with every dial (e.g. Authorization).
	Header http.Header
}

func (c Config) withDefaults() Config {
	c.URL = strings.TrimSpace(c.URL)
	if c.BaseDelay <= 0 {
		c.BaseDelay = DefaultBaseDelay
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = DefaultMaxDelay
	}
	if c.MaxDelay < c.BaseDelay {
		c.MaxDelay = c.BaseDelay
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.Heartbeat <= 0 {
		c.Heartbeat = DefaultHeartbeat
	}
	return c
}

// StateChange is delivered to OnState for every transition.
type StateChange struct {
	ExecutionID string
	State       State
	// Attempt is the reconnect attempt counter after the transition.
	Attempt int
	// Delay is set for StateReconnecting.
	Delay time.Duration
	Err   error
}

type Option func(*Channel)

// OnNode is called for every node of a snapshot and for every node update.
func OnNode(fn func(NodeUpdate)) Option { return func(c *Channel) { c.onNode = fn } }

// OnSnapshot is called after a snapshot replaced the local state.
func OnSnapshot(fn func(ExecutionSnapshot)) Option { return func(c *Channel) { c.onSnap = fn } }

func OnState(fn func(StateChange)) Option { return func(c *Channel) { c.onState = fn } }

func WithLogger(log logx.Logger) Option { return func(c *Channel) { c.log = log } }

func WithBus(bus eventbus.Bus) Option { return func(c *Channel) { c.bus = bus } }

func WithDialer(d *websocket.Dialer) Option {
	return func(c *Channel) {
		if d != nil {
			c.dialer = d
		}
	}
}

// Channel observes one execution. All callbacks run on the channel goroutine
// and must not call Close.
type Channel struct {
	cfg         Config
	executionID string
	log         logx.Logger
	bus         eventbus.Bus
	dialer      *websocket.Dialer

	onNode  func(NodeUpdate)
	onSnap  func(ExecutionSnapshot)
	onState func(StateChange)

	nodes *nodeState

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once

	mu       sync.Mutex
	state    State
	attempt  int
	err      error
	conn     *websocket.Conn
	clientID string
	lastPong time.Time
}

// Open starts observing executionID and returns immediately; the connection
// is established in the background.
func Open(ctx context.Context, cfg Config, executionID string, opts ...Option) (*Channel, error) {
	cfg = cfg.withDefaults()
	executionID = strings.TrimSpace(executionID)
	if executionID == "" {
		return nil, errors.New("execution id required")
	}
	u, err := url.Parse(cfg.URL)
	if err != nil || (u.Scheme != "ws" && u.Scheme != "wss") {
		return nil, fmt.Errorf("invalid status url %q", cfg.URL)
	}

	cctx, cancel := context.WithCancel(ctx)
	c := &Channel{
		cfg:         cfg,
		executionID: executionID,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: writeTimeout,
		},
		nodes:  newNodeState(),
		ctx:    cctx,
		cancel: cancel,
		done:   make(chan struct{}),
		state:  StateConnecting,
	}
	for _, o := range opts {
		o(c)
	}
	if c.log.IsZero() {
		c.log = logx.Nop()
	}
	c.log = c.log.With(logx.String("execution", executionID))

	go c.run()
	return c, nil
}

// ReconnectDelay returns min(base*2^attempt, max).
func ReconnectDelay(attempt int, base, maxDelay time.Duration) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	d := base
	for i := 0; i < attempt; i++ {
		if d >= maxDelay/2 {
			return maxDelay
		}
		d *= 2
	}
	if d > maxDelay {
		return maxDelay
	}
	return d
}

func (c *Channel) run() {
	defer close(c.done)
	attempt := 0
	for {
		if c.ctx.Err() != nil {
			c.finish(StateClosed, nil)
			return
		}
		c.transition(StateConnecting, attempt, 0, nil)

		conn, err := c.dial()
		if err == nil {
			attempt = 0
			c.transition(StateOpen, attempt, 0, nil)
			err = c.session(conn)
			c.setConn(nil)
			_ = conn.Close()
		}

		if c.ctx.Err() != nil {
			c.finish(StateClosed, nil)
			return
		}
		if websocket.IsCloseError(err, CloseSessionNotFound) {
			c.log.Warn("status session not found", logx.Err(err))
			c.finish(StateNotFound, ErrSessionNotFound)
			return
		}
		if attempt >= c.cfg.MaxAttempts {
			c.log.Warn("status channel unreachable", logx.Int("attempts", attempt), logx.Err(err))
			c.finish(StateUnreachable, fmt.Errorf("%w: %v", ErrUnreachable, err))
			return
		}

		delay := ReconnectDelay(attempt, c.cfg.BaseDelay, c.cfg.MaxDelay)
		attempt++
		c.log.Debug("status channel reconnecting", logx.Int("attempt", attempt), logx.Duration("delay", delay), logx.Err(err))
		c.transition(StateReconnecting, attempt, delay, err)

		t := time.NewTimer(delay)
		select {
		case <-t.C:
		case <-c.ctx.Done():
			t.Stop()
		}
	}
}

func (c *Channel) dial() (*websocket.Conn, error) {
	conn, resp, err := c.dialer.DialContext(c.ctx, c.cfg.URL, c.cfg.Header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("dial status channel: %w", err)
	}
	c.setConn(conn)
	// Close may have raced the dial.
	if c.ctx.Err() != nil {
		_ = conn.Close()
		return nil, c.ctx.Err()
	}
	return conn, nil
}

// session subscribes, pings and folds inbound frames until the connection ends.
func (c *Channel) session(conn *websocket.Conn) error {
	var writeMu sync.Mutex
	write := func(f outboundFrame) error {
		b, err := json.Marshal(f)
		if err != nil {
			return err
		}
		writeMu.Lock()
		defer writeMu.Unlock()
		if err := conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
			return err
		}
		return conn.WriteMessage(websocket.TextMessage, b)
	}

	if err := write(outboundFrame{Type: FrameSubscribe, ExecutionID: c.executionID}); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}

	hbCtx, stopHeartbeat := context.WithCancel(c.ctx)
	defer stopHeartbeat()
	go func() {
		tk := time.NewTicker(c.cfg.Heartbeat)
		defer tk.Stop()
		for {
			select {
			case <-hbCtx.Done():
				return
			case <-tk.C:
				if err := write(outboundFrame{Type: FramePing}); err != nil {
					c.log.Debug("status ping failed", logx.Err(err))
					return
				}
			}
		}
	}()

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		c.handle(msg)
	}
}

func (c *Channel) handle(msg []byte) {
	var f inboundFrame
	if err := json.Unmarshal(msg, &f); err != nil {
		c.log.Debug("status frame dropped: malformed", logx.Err(err))
		return
	}
	switch f.Type {
	case FrameConnected:
		c.mu.Lock()
		c.clientID = f.ClientID
		c.mu.Unlock()
		c.log.Debug("status channel connected", logx.String("client", f.ClientID))
	case FrameSnapshot:
		var snap ExecutionSnapshot
		if err := json.Unmarshal(f.Data, &snap); err != nil {
			c.log.Debug("status snapshot dropped: malformed", logx.Err(err))
			return
		}
		c.nodes.replace(snap)
		if c.onNode != nil {
			for _, n := range snap.Nodes {
				c.onNode(n)
			}
		}
		if c.onSnap != nil {
			c.onSnap(snap)
		}
	case FrameNodeUpdate:
		var n NodeUpdate
		if err := json.Unmarshal(f.Data, &n); err != nil {
			c.log.Debug("status node update dropped: malformed", logx.Err(err))
			return
		}
		if c.nodes.merge(n) && c.onNode != nil {
			c.onNode(n)
		}
	case FramePong:
		c.mu.Lock()
		c.lastPong = time.Now()
		c.mu.Unlock()
	default:
		c.log.Debug("status frame dropped: unknown type", logx.String("type", string(f.Type)))
	}
}

func (c *Channel) setConn(conn *websocket.Conn) {
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
}

func (c *Channel) transition(s State, attempt int, delay time.Duration, err error) {
	c.mu.Lock()
	c.state = s
	c.attempt = attempt
	c.mu.Unlock()

	ch := StateChange{ExecutionID: c.executionID, State: s, Attempt: attempt, Delay: delay, Err: err}
	if c.bus != nil {
		c.bus.Publish(eventbus.Event{Type: eventbus.ChannelState, Data: ch})
	}
	if c.onState != nil {
		c.onState(ch)
	}
}

func (c *Channel) finish(s State, err error) {
	c.mu.Lock()
	c.err = err
	attempt := c.attempt
	c.mu.Unlock()
	c.transition(s, attempt, 0, err)
}

// Close tears the channel down: pending reconnect and heartbeat are
// canceled, the socket is closed and local node state is discarded.
// Safe to call more than once.
func (c *Channel) Close() error {
	c.once.Do(func() {
		c.cancel()
		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()
		if conn != nil {
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			_ = conn.Close()
		}
		<-c.done
		c.nodes.reset()
	})
	return nil
}

func (c *Channel) ExecutionID() string { return c.executionID }

// Done is closed when the channel reaches a terminal state.
func (c *Channel) Done() <-chan struct{} { return c.done }

func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Channel) Attempt() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempt
}

// Err is ErrUnreachable or ErrSessionNotFound once the channel gave up.
func (c *Channel) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// LastPong is the time of the most recent PONG, zero if none arrived yet.
func (c *Channel) LastPong() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastPong
}

func (c *Channel) ClientID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.clientID
}

// Nodes returns a copy of the current per-node state.
func (c *Channel) Nodes() map[string]NodeUpdate { return c.nodes.copyNodes() }

func (c *Channel) Node(id string) (NodeUpdate, bool) { return c.nodes.node(id) }

// Execution returns the execution-level fields of the last snapshot.
func (c *Channel) Execution() (ExecutionSnapshot, bool) { return c.nodes.execution() }
