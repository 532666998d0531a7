package twitch

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

var ErrNotConnected = errors.New("twitch chat not connected")

type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateFailed:
		return "failed"
	default:
		return "disconnected"
	}
}

type MessageCallback func(msg *Message)

type StateCallback func(state State)

type callbackEntry struct {
	id       int
	callback MessageCallback
}

type stateCallbackEntry struct {
	id       int
	callback StateCallback
}

// Client is a Twitch chat connection (IRC over WebSocket) joined to one channel.
// It reconnects on read failures, silence, or a server RECONNECT.
type Client struct {
	wsURL   string
	token   string
	nick    string
	channel string
	logger  *zap.Logger
	dryRun  bool

	conn   *websocket.Conn
	connM  sync.RWMutex
	writeM sync.Mutex

	state  State
	stateM sync.RWMutex

	msgCbs   []callbackEntry
	stateCbs []stateCallbackEntry
	nextCbID int
	cbM      sync.RWMutex

	maxReconnectAttempts int
	pingInterval         time.Duration
	lastSeen             atomic.Int64
	reconnecting         atomic.Bool

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	rootCtx    context.Context
	rootCancel context.CancelFunc
}

type Option func(*Client)

func WithLogger(l *zap.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithDryRun logs outgoing lines instead of writing them.
func WithDryRun(on bool) Option {
	return func(c *Client) { c.dryRun = on }
}

func WithReconnect(maxAttempts int) Option {
	return func(c *Client) { c.maxReconnectAttempts = maxAttempts }
}

func WithPingInterval(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.pingInterval = d
		}
	}
}

func NewClient(wsURL, token, nick, channel string, opts ...Option) *Client {
	c := &Client{
		wsURL:                wsURL,
		token:                strings.TrimPrefix(strings.TrimSpace(token), "oauth:"),
		nick:                 strings.ToLower(strings.TrimSpace(nick)),
		channel:              strings.ToLower(strings.TrimPrefix(strings.TrimSpace(channel), "#")),
		logger:               zap.NewNop(),
		state:                StateDisconnected,
		maxReconnectAttempts: 10,
		pingInterval:         60 * time.Second,
		stopCh:               make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) Channel() string { return c.channel }

// Connect dials, logs in and joins the channel. An initial failure is returned without retry.
func (c *Client) Connect(ctx context.Context) error {
	c.stateM.Lock()
	if c.state == StateConnected || c.state == StateConnecting {
		c.stateM.Unlock()
		return nil
	}
	c.stateM.Unlock()

	c.rootCtx, c.rootCancel = context.WithCancel(context.Background())
	c.setState(StateConnecting)

	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	conn, err := c.dial(dialCtx)
	if err != nil {
		c.setState(StateFailed)
		return err
	}
	c.attach(conn)
	c.logger.Info("twitch_connected", zap.String("channel", c.channel), zap.String("nick", c.nick))
	return nil
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	conn, _, err := websocket.Dial(ctx, c.wsURL, &websocket.DialOptions{
		CompressionMode: websocket.CompressionDisabled,
	})
	if err != nil {
		return nil, err
	}
	conn.SetReadLimit(1 << 20)
	login := []string{
		"PASS oauth:" + c.token,
		"NICK " + c.nick,
		"CAP REQ :twitch.tv/tags twitch.tv/commands",
		"JOIN #" + c.channel,
	}
	for _, line := range login {
		if err := conn.Write(ctx, websocket.MessageText, []byte(line)); err != nil {
			_ = conn.Close(websocket.StatusInternalError, "login failed")
			return nil, err
		}
	}
	return conn, nil
}

func (c *Client) attach(conn *websocket.Conn) {
	c.connM.Lock()
	c.conn = conn
	c.connM.Unlock()
	c.lastSeen.Store(time.Now().UnixNano())
	c.setState(StateConnected)

	c.wg.Add(2)
	go c.listen(conn)
	go c.pingLoop(conn)
}

// detach closes conn and reports whether it was still the current connection.
func (c *Client) detach(conn *websocket.Conn, code websocket.StatusCode, reason string) bool {
	c.connM.Lock()
	current := c.conn == conn
	if current {
		c.conn = nil
	}
	c.connM.Unlock()
	_ = conn.Close(code, reason)
	return current
}

func (c *Client) currentConn() *websocket.Conn {
	c.connM.RLock()
	defer c.connM.RUnlock()
	return c.conn
}

func (c *Client) listen(conn *websocket.Conn) {
	defer c.wg.Done()
	for {
		_, data, err := conn.Read(c.rootCtx)
		if err != nil {
			if c.isStopping() {
				return
			}
			if c.detach(conn, websocket.StatusGoingAway, "reconnect") {
				c.logger.Warn("twitch_read_failed", zap.Error(err))
				c.setState(StateDisconnected)
				c.scheduleReconnect()
			}
			return
		}
		c.lastSeen.Store(time.Now().UnixNano())
		for _, raw := range strings.Split(string(data), "\r\n") {
			if raw == "" {
				continue
			}
			c.handleLine(conn, raw)
		}
	}
}

func (c *Client) handleLine(conn *websocket.Conn, raw string) {
	line, ok := parseIRC(raw)
	if !ok {
		return
	}
	switch line.Command {
	case "PING":
		if err := c.writeTo(c.rootCtx, conn, "PONG :"+line.Trailing()); err != nil {
			c.logger.Warn("twitch_pong_failed", zap.Error(err))
		}
	case "RECONNECT":
		c.logger.Info("twitch_reconnect_requested")
		if c.detach(conn, websocket.StatusNormalClosure, "server reconnect") {
			c.setState(StateDisconnected)
			c.scheduleReconnect()
		}
	case "NOTICE":
		c.logger.Warn("twitch_notice", zap.String("text", line.Trailing()))
	case "PRIVMSG":
		msg := line.toMessage()
		if msg == nil || msg.Channel != c.channel {
			return
		}
		c.cbM.RLock()
		callbacks := make([]callbackEntry, len(c.msgCbs))
		copy(callbacks, c.msgCbs)
		c.cbM.RUnlock()
		for _, entry := range callbacks {
			if entry.callback != nil {
				entry.callback(msg)
			}
		}
	}
}

// pingLoop sends IRC PINGs and drops the connection after two intervals of silence.
func (c *Client) pingLoop(conn *websocket.Conn) {
	defer c.wg.Done()
	t := time.NewTicker(c.pingInterval)
	defer t.Stop()
	for {
		select {
		case <-c.stopCh:
			return
		case <-t.C:
			if c.currentConn() != conn {
				return
			}
			silent := time.Since(time.Unix(0, c.lastSeen.Load()))
			if silent > 2*c.pingInterval {
				if c.detach(conn, websocket.StatusGoingAway, "ping timeout") {
					c.logger.Warn("twitch_ping_timeout", zap.Duration("silent", silent))
					c.setState(StateDisconnected)
					c.scheduleReconnect()
				}
				return
			}
			ctx, cancel := context.WithTimeout(c.rootCtx, 3*time.Second)
			_ = c.writeTo(ctx, conn, "PING :tmi.twitch.tv")
			cancel()
		}
	}
}

func (c *Client) scheduleReconnect() {
	if c.maxReconnectAttempts <= 0 {
		c.setState(StateFailed)
		return
	}
	if !c.reconnecting.CompareAndSwap(false, true) {
		return
	}
	c.setState(StateReconnecting)

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		for attempt := 1; attempt <= c.maxReconnectAttempts; attempt++ {
			select {
			case <-c.stopCh:
				c.reconnecting.Store(false)
				return
			case <-time.After(backoffDuration(attempt)):
			}

			dialCtx, cancel := context.WithTimeout(c.rootCtx, 10*time.Second)
			conn, err := c.dial(dialCtx)
			cancel()
			if err != nil {
				c.logger.Warn("twitch_reconnect_failed", zap.Int("attempt", attempt), zap.Error(err))
				continue
			}
			c.reconnecting.Store(false)
			c.attach(conn)
			c.logger.Info("twitch_reconnected", zap.Int("attempt", attempt))
			return
		}
		c.reconnecting.Store(false)
		c.setState(StateFailed)
		c.logger.Error("twitch_reconnect_exhausted", zap.Int("attempts", c.maxReconnectAttempts))
	}()
}

// SendMessage posts text to the joined channel.
func (c *Client) SendMessage(ctx context.Context, text string) error {
	return c.writeLine(ctx, "PRIVMSG #"+c.channel+" :"+sanitizeText(text))
}

// Reply posts text as a threaded reply to parent when it carries a message id.
func (c *Client) Reply(ctx context.Context, parent *Message, text string) error {
	line := "PRIVMSG #" + c.channel + " :" + sanitizeText(text)
	if parent != nil && parent.ID != "" {
		line = "@reply-parent-msg-id=" + parent.ID + " " + line
	}
	return c.writeLine(ctx, line)
}

func (c *Client) writeLine(ctx context.Context, line string) error {
	if c.dryRun {
		c.logger.Info("twitch_dryrun", zap.String("line", line))
		return nil
	}
	conn := c.currentConn()
	if conn == nil {
		return ErrNotConnected
	}
	return c.writeTo(ctx, conn, line)
}

func (c *Client) writeTo(ctx context.Context, conn *websocket.Conn, line string) error {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
	}
	c.writeM.Lock()
	defer c.writeM.Unlock()
	return conn.Write(ctx, websocket.MessageText, []byte(line))
}

// OnMessage registers cb for every channel message and returns an id for RemoveMessageCallback.
// Callbacks run on the listener goroutine and must not block.
func (c *Client) OnMessage(cb MessageCallback) int {
	c.cbM.Lock()
	defer c.cbM.Unlock()
	c.nextCbID++
	c.msgCbs = append(c.msgCbs, callbackEntry{id: c.nextCbID, callback: cb})
	return c.nextCbID
}

func (c *Client) RemoveMessageCallback(id int) {
	c.cbM.Lock()
	defer c.cbM.Unlock()
	for i, cb := range c.msgCbs {
		if cb.id == id {
			c.msgCbs = append(c.msgCbs[:i], c.msgCbs[i+1:]...)
			break
		}
	}
}

func (c *Client) OnStateChange(cb StateCallback) int {
	c.cbM.Lock()
	defer c.cbM.Unlock()
	c.nextCbID++
	c.stateCbs = append(c.stateCbs, stateCallbackEntry{id: c.nextCbID, callback: cb})
	return c.nextCbID
}

func (c *Client) RemoveStateCallback(id int) {
	c.cbM.Lock()
	defer c.cbM.Unlock()
	for i, cb := range c.stateCbs {
		if cb.id == id {
			c.stateCbs = append(c.stateCbs[:i], c.stateCbs[i+1:]...)
			break
		}
	}
}

func (c *Client) State() State {
	c.stateM.RLock()
	defer c.stateM.RUnlock()
	return c.state
}

func (c *Client) setState(state State) {
	c.stateM.Lock()
	c.state = state
	c.stateM.Unlock()

	c.cbM.RLock()
	callbacks := make([]stateCallbackEntry, len(c.stateCbs))
	copy(callbacks, c.stateCbs)
	c.cbM.RUnlock()
	for _, entry := range callbacks {
		if entry.callback != nil {
			entry.callback(state)
		}
	}
}

func (c *Client) Close(ctx context.Context) error {
	c.stopOnce.Do(func() { close(c.stopCh) })
	if conn := c.currentConn(); conn != nil {
		c.detach(conn, websocket.StatusNormalClosure, "close")
	}
	if c.rootCancel != nil {
		c.rootCancel()
	}

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		c.setState(StateDisconnected)
		return nil
	}
}

func (c *Client) isStopping() bool {
	select {
	case <-c.stopCh:
		return true
	default:
		return false
	}
}

// backoffDuration grows from 1s and caps at 30s.
func backoffDuration(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if attempt > 5 {
		return 30 * time.Second
	}
	return time.Duration(1<<uint(attempt-1)) * time.Second
}
