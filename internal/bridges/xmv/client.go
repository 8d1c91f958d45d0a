package xmv

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// readBufferSize is the size of a single socket read.
const readBufferSize = 4096

// Dialer opens the TCP connection to the device. Replaceable for tests.
type Dialer func(ctx context.Context, address string) (net.Conn, error)

// DefaultDialer dials TCP with net.Dialer.
func DefaultDialer(ctx context.Context, address string) (net.Conn, error) {
	var d net.Dialer
	return d.DialContext(ctx, "tcp", address)
}

// ClientStats holds operational statistics.
type ClientStats struct {
	State           ConnectionState
	FramesRx        uint64
	FramesTx        uint64
	ParseErrors     uint64
	DeviceErrors    uint64
	CommandsTotal   uint64
	CommandsFailed  uint64
	Reconnects      uint64 // Transitions into Reconnecting
	StaleDetections uint64
	PendingCommands int
	LastActivity    time.Time
}

// session is one connected socket and the goroutines bound to it.
// The first failure becomes the cause of ctx.
type session struct {
	conn   net.Conn
	ctx    context.Context
	cancel context.CancelCauseFunc
	wg     sync.WaitGroup
}

// fail records the first failure and ends the session.
func (s *session) fail(err error) {
	s.cancel(err)
}

// failure returns why the session ended.
func (s *session) failure() error {
	return context.Cause(s.ctx)
}

// Client owns the connection to one XMV device.
//
// A single run goroutine dials, handshakes, syncs and reconnects. It is the
// only place ConnectionState changes, so transitions are totally ordered.
//
// Thread Safety:
//   - All exported methods are safe for concurrent use.
//   - Socket writes are serialized by writeMu.
//   - The reader goroutine is the only consumer of inbound bytes.
//
// Auto-Reconnection:
//   - Any transport failure, failed handshake, failed sync or stale link
//     moves the client to Reconnecting and schedules a retry with backoff.
//   - Retries continue until Close is called.
type Client struct {
	cfg      Config
	dial     Dialer
	channels map[int]ChannelConfig

	cache      *StateCache
	notifier   *Notifier
	dispatcher *Dispatcher
	backoff    *Backoff

	stateMu sync.RWMutex
	state   ConnectionState

	connMu  sync.RWMutex
	current *session
	writeMu sync.Mutex

	lastRx atomic.Int64 // UnixNano
	lastTx atomic.Int64 // UnixNano

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started atomic.Bool

	logger   Logger
	loggerMu sync.RWMutex

	framesRx        atomic.Uint64
	framesTx        atomic.Uint64
	parseErrors     atomic.Uint64
	deviceErrors    atomic.Uint64
	commandsTotal   atomic.Uint64
	commandsFailed  atomic.Uint64
	reconnects      atomic.Uint64
	staleDetections atomic.Uint64
}

// NewClient creates a client. Call Start to begin connecting.
//
// Parameters:
//   - cfg: Device configuration; validated here
//   - notifier: Receives connectivity and channel events
//   - dial: Connection factory; nil uses DefaultDialer
//
// Returns:
//   - *Client: Client in the Disconnected state
//   - error: *ConfigurationError if cfg is invalid
func NewClient(cfg Config, notifier *Notifier, dial Dialer) (*Client, error) {
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if dial == nil {
		dial = DefaultDialer
	}
	if notifier == nil {
		return nil, fmt.Errorf("%w: notifier is required", ErrConfiguration)
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		cfg:      cfg,
		dial:     dial,
		channels: cfg.channelSet(),
		cache:    NewStateCache(),
		notifier: notifier,
		backoff:  NewBackoff(cfg.Backoff),
		ctx:      ctx,
		cancel:   cancel,
	}
	c.dispatcher = NewDispatcher(c.write, cfg.CommandTimeout)
	return c, nil
}

// SetLogger sets the logger for this client.
func (c *Client) SetLogger(logger Logger) {
	c.loggerMu.Lock()
	c.logger = logger
	c.loggerMu.Unlock()
}

// Start launches the connection loop. Calling it more than once has no effect.
func (c *Client) Start() {
	if !c.started.CompareAndSwap(false, true) {
		return
	}
	c.wg.Add(1)
	go c.run()
}

// Close stops the connection loop, the keep-alive monitor and any backoff
// wait, closes the socket and waits for every goroutine to exit. The final
// state is Disconnected. Safe to call multiple times.
func (c *Client) Close() error {
	c.cancel()

	c.connMu.RLock()
	if c.current != nil {
		c.current.conn.Close()
	}
	c.connMu.RUnlock()

	c.wg.Wait()
	return nil
}

// State returns the current connection state.
func (c *Client) State() ConnectionState {
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()
	return c.state
}

// Cache returns the client's state mirror.
func (c *Client) Cache() *StateCache {
	return c.cache
}

// Send writes a command and waits for the device to acknowledge it.
//
// Returns ErrNotConnected immediately unless the state is Connected;
// nothing is queued.
func (c *Client) Send(ctx context.Context, cmd Command) error {
	if c.State() != Connected {
		return ErrNotConnected
	}

	c.commandsTotal.Add(1)
	if err := c.dispatcher.Send(ctx, cmd); err != nil {
		c.commandsFailed.Add(1)
		c.logDebug("command failed", "command", cmd.Line(), "error", err)
		return err
	}
	c.logDebug("command acknowledged", "command", cmd.Line())
	return nil
}

// Refresh re-queries power and level of one channel.
func (c *Client) Refresh(ctx context.Context, channelID int) error {
	if c.State() != Connected {
		return ErrNotConnected
	}
	return c.query(ctx, []int{channelID})
}

// Stats returns current operational statistics.
func (c *Client) Stats() ClientStats {
	return ClientStats{
		State:           c.State(),
		FramesRx:        c.framesRx.Load(),
		FramesTx:        c.framesTx.Load(),
		ParseErrors:     c.parseErrors.Load(),
		DeviceErrors:    c.deviceErrors.Load(),
		CommandsTotal:   c.commandsTotal.Load(),
		CommandsFailed:  c.commandsFailed.Load(),
		Reconnects:      c.reconnects.Load(),
		StaleDetections: c.staleDetections.Load(),
		PendingCommands: c.dispatcher.PendingCount(),
		LastActivity:    time.Unix(0, c.lastRx.Load()),
	}
}

// run is the connection loop. It owns every state transition.
func (c *Client) run() {
	defer c.wg.Done()
	defer c.setState(Disconnected)

	for {
		if c.ctx.Err() != nil {
			return
		}

		c.setState(Connecting)
		c.logDebug("connecting", "address", c.cfg.Address(), "attempt", c.backoff.Attempt()+1)

		err := c.connect()
		if c.ctx.Err() != nil {
			return
		}
		c.logWarn("device connection failed", "address", c.cfg.Address(), "error", err)

		c.setState(Reconnecting)
		c.reconnects.Add(1)

		delay := c.backoff.Next()
		c.logDebug("reconnect scheduled", "delay", delay.String(), "attempt", c.backoff.Attempt())

		timer := time.NewTimer(delay)
		select {
		case <-c.ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// connect runs one session from dial to failure.
func (c *Client) connect() error {
	dialCtx, cancel := context.WithTimeout(c.ctx, c.cfg.ConnectTimeout)
	conn, err := c.dial(dialCtx, c.cfg.Address())
	cancel()
	if err != nil {
		return transportError("dial "+c.cfg.Address(), err)
	}

	sessCtx, sessCancel := context.WithCancelCause(c.ctx)
	s := &session{conn: conn, ctx: sessCtx, cancel: sessCancel}

	c.connMu.Lock()
	c.current = s
	c.connMu.Unlock()
	defer c.teardown(s)

	// Close may have run between dial and publishing the session.
	if c.ctx.Err() != nil {
		return c.ctx.Err()
	}

	now := time.Now().UnixNano()
	c.lastRx.Store(now)
	c.lastTx.Store(now)

	dec := &StreamDecoder{}
	if err := c.handshake(s, dec); err != nil {
		return err
	}

	s.wg.Add(1)
	go c.readLoop(s, dec)

	syncCtx, syncCancel := context.WithTimeout(s.ctx, c.cfg.SyncTimeout)
	err = c.query(syncCtx, c.channelIDs())
	syncCancel()
	if err != nil {
		if s.ctx.Err() != nil {
			return s.failure()
		}
		return fmt.Errorf("initial sync: %w", err)
	}

	c.backoff.Reset()
	c.setState(Connected)

	s.wg.Add(1)
	go c.keepAlive(s)

	<-s.ctx.Done()
	return s.failure()
}

// teardown closes the socket, waits for the session goroutines and fails
// every command still waiting for an answer.
func (c *Client) teardown(s *session) {
	s.fail(fmt.Errorf("%w: session closed", ErrTransport))
	s.conn.Close()
	s.wg.Wait()

	c.connMu.Lock()
	if c.current == s {
		c.current = nil
	}
	c.connMu.Unlock()

	c.dispatcher.FailAll(fmt.Errorf("%w: connection lost", ErrTransport))
}

// handshake sends "devstatus runmode" and expects runmode "normal".
// Bytes read past the reply stay in dec for the reader.
func (c *Client) handshake(s *session, dec *StreamDecoder) error {
	deadline := time.Now().Add(c.cfg.HandshakeTimeout)

	if err := c.writeTo(s, deadline, Encode(Handshake{})); err != nil {
		return err
	}

	if err := s.conn.SetReadDeadline(deadline); err != nil {
		return transportError("set read deadline", err)
	}
	defer s.conn.SetReadDeadline(time.Time{}) //nolint:errcheck // best-effort reset

	buf := make([]byte, readBufferSize)
	for {
		for {
			msg, err := dec.Next()
			if errors.Is(err, ErrNeedMoreData) {
				break
			}
			if err != nil {
				c.parseErrors.Add(1)
				c.logWarn("discarding malformed line during handshake", "error", err)
				continue
			}
			c.framesRx.Add(1)

			switch m := msg.(type) {
			case DeviceStatus:
				if m.Key != runmodeKey {
					continue
				}
				if m.Value != runmodeNormal {
					return fmt.Errorf("%w: runmode %q", ErrHandshakeFailed, m.Value)
				}
				c.logDebug("handshake complete", "runmode", m.Value)
				return nil
			case DeviceError:
				if m.Verb == "devstatus" {
					return fmt.Errorf("%w: %s", ErrHandshakeFailed, m.Reason)
				}
			}
			c.handleMessage(msg)
		}

		n, err := s.conn.Read(buf)
		if n > 0 {
			c.lastRx.Store(time.Now().UnixNano())
			dec.Write(buf[:n]) //nolint:errcheck // never fails
		}
		if err != nil {
			return fmt.Errorf("%w: %w", ErrHandshakeFailed, transportError("read", err))
		}
	}
}

// readLoop feeds inbound bytes through the decoder until the socket fails.
func (c *Client) readLoop(s *session, dec *StreamDecoder) {
	defer s.wg.Done()

	buf := make([]byte, readBufferSize)
	c.drain(dec)

	for {
		n, err := s.conn.Read(buf)
		if n > 0 {
			c.lastRx.Store(time.Now().UnixNano())
			dec.Write(buf[:n]) //nolint:errcheck // never fails
			c.drain(dec)
		}
		if err != nil {
			s.fail(transportError("read", err))
			return
		}
	}
}

// drain decodes and handles every complete message in dec.
// Malformed lines are logged and skipped; the connection stays up.
func (c *Client) drain(dec *StreamDecoder) {
	for {
		msg, err := dec.Next()
		if errors.Is(err, ErrNeedMoreData) {
			return
		}
		if err != nil {
			c.parseErrors.Add(1)
			c.logWarn("discarding malformed line", "error", err)
			continue
		}
		c.framesRx.Add(1)
		c.handleMessage(msg)
	}
}

// handleMessage routes one decoded message.
func (c *Client) handleMessage(msg Message) {
	switch m := msg.(type) {
	case StateNotify:
		// The cache is updated before the command resolves, so a caller
		// returning from Send reads the confirmed value.
		changed := c.cache.Apply(m)
		if len(changed) > 0 {
			state, _ := c.cache.Get(m.Channel)
			c.logDebug("channel state confirmed",
				"channel", m.Channel, "source", m.Kind.String(), "changed", changed)
			c.notifier.PublishChannel(m.Channel, state)
		}
		c.dispatcher.HandleNotify(m)

	case DeviceStatus:
		c.logDebug("device status", "key", m.Key, "value", m.Value)

	case DeviceError:
		c.deviceErrors.Add(1)
		if !c.dispatcher.HandleError(m) {
			c.logWarn("unsolicited device error", "verb", m.Verb, "reason", m.Reason)
			return
		}
		c.logWarn("device rejected command", "verb", m.Verb, "reason", m.Reason)

	case Unhandled:
		c.logDebug("ignoring unhandled line", "line", m.Line)
	}
}

// query issues power and level queries for channels and waits for all replies.
// A channel the device rejects is logged and skipped.
func (c *Client) query(ctx context.Context, channels []int) error {
	pending := make([]*PendingCommand, 0, len(channels)*2)
	for _, id := range channels {
		for _, cmd := range []Command{QueryPower{Channel: id}, QueryVolume{Channel: id}} {
			p, err := c.dispatcher.Issue(ctx, cmd)
			if err != nil {
				return err
			}
			pending = append(pending, p)
		}
	}

	for _, p := range pending {
		err := c.dispatcher.Wait(ctx, p)
		switch {
		case err == nil:
		case errors.Is(err, ErrDeviceRejected):
			c.logWarn("device rejected state query", "channel", p.ChannelID, "parameter", p.Attribute.String(), "error", err)
		default:
			return err
		}
	}
	return nil
}

// write sends data on the current session. Used by the dispatcher.
func (c *Client) write(ctx context.Context, data []byte) error {
	c.connMu.RLock()
	s := c.current
	c.connMu.RUnlock()

	if s == nil {
		return ErrNotConnected
	}

	deadline := time.Now().Add(c.cfg.WriteTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	return c.writeTo(s, deadline, data)
}

// writeTo serializes a write on s. A failed write ends the session.
func (c *Client) writeTo(s *session, deadline time.Time, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := s.conn.SetWriteDeadline(deadline); err != nil {
		err = transportError("set write deadline", err)
		s.fail(err)
		return err
	}
	if _, err := s.conn.Write(data); err != nil {
		err = transportError("write", err)
		s.fail(err)
		return err
	}

	c.framesTx.Add(1)
	c.lastTx.Store(time.Now().UnixNano())
	return nil
}

// setState records a transition and publishes it. Only run calls it
// once started.
func (c *Client) setState(state ConnectionState) {
	c.stateMu.Lock()
	prev := c.state
	if prev == state {
		c.stateMu.Unlock()
		return
	}
	c.state = state
	c.stateMu.Unlock()

	c.logInfo("connection state changed", "from", prev.String(), "to", state.String(), "address", c.cfg.Address())
	c.notifier.PublishConnectivity(state)
}

func (c *Client) channelIDs() []int {
	ids := make([]int, 0, len(c.cfg.Channels))
	for _, ch := range c.cfg.Channels {
		ids = append(ids, ch.ID)
	}
	return ids
}

func (c *Client) loggerRef() Logger {
	c.loggerMu.RLock()
	defer c.loggerMu.RUnlock()
	return c.logger
}

// logDebug logs a debug message if logger is set.
func (c *Client) logDebug(msg string, keysAndValues ...any) {
	if logger := c.loggerRef(); logger != nil {
		logger.Debug(msg, keysAndValues...)
	}
}

// logInfo logs an info message if logger is set.
func (c *Client) logInfo(msg string, keysAndValues ...any) {
	if logger := c.loggerRef(); logger != nil {
		logger.Info(msg, keysAndValues...)
	}
}

// logWarn logs a warning if logger is set.
func (c *Client) logWarn(msg string, keysAndValues ...any) {
	if logger := c.loggerRef(); logger != nil {
		logger.Warn(msg, keysAndValues...)
	}
}

// logError logs an error message if logger is set.
func (c *Client) logError(msg string, err error) {
	if logger := c.loggerRef(); logger != nil {
		logger.Error(msg, "error", err)
	}
}
