// Package syncclient keeps a participant connected to a session's realtime
// channel: it joins, heartbeats, reconnects with backoff and hands change
// signals to the caller, who re-fetches the session.
package syncclient

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"planningpoker/protocol"
)

// Status is the connection state seen by the caller.
type Status string

const (
	StatusDisconnected Status = "disconnected"
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusReconnecting Status = "reconnecting"
)

var (
	ErrClosed       = errors.New("sync client closed")
	errNotConnected = errors.New("realtime channel not connected")
)

// Notifier delivers a change signal over HTTP when the realtime channel is down.
type Notifier interface {
	Notify(ctx context.Context, sessionID, participantID string) error
}

// Heartbeater keeps presence alive over HTTP when the realtime channel is down.
type Heartbeater interface {
	Heartbeat(ctx context.Context, sessionID, participantID, username string, isAdmin bool) error
}

type Options struct {
	URL           string
	SessionID     string
	ParticipantID string
	Username      string
	IsAdmin       bool

	Dialer      Dialer
	Notifier    Notifier
	Heartbeater Heartbeater
	Clock       clockwork.Clock
	Logger   zerolog.Logger

	HeartbeatInterval    time.Duration
	DialTimeout          time.Duration
	InitialReconnectWait time.Duration
	MaxReconnectWait     time.Duration
	MaxReconnectAttempts int

	// OnStateChanged runs on the client goroutine; it must not block.
	OnStateChanged func()
	// OnPresence receives participantJoined, participantLeft and joinConfirmed.
	OnPresence     func(msg protocol.Message)
	OnStatusChange func(Status)
}

func (o *Options) setDefaults() {
	if o.Dialer == nil {
		o.Dialer = NewWebsocketDialer()
	}
	if o.Clock == nil {
		o.Clock = clockwork.NewRealClock()
	}
	if o.HeartbeatInterval == 0 {
		o.HeartbeatInterval = 15 * time.Second
	}
	if o.DialTimeout == 0 {
		o.DialTimeout = 10 * time.Second
	}
	if o.InitialReconnectWait == 0 {
		o.InitialReconnectWait = time.Second
	}
	if o.MaxReconnectWait == 0 {
		o.MaxReconnectWait = 10 * time.Second
	}
	if o.MaxReconnectAttempts == 0 {
		o.MaxReconnectAttempts = 5
	}
}

type command struct {
	kind    commandKind
	visible bool
	reply   chan error
}

type commandKind int

const (
	cmdConnect commandKind = iota
	cmdDisconnect
	cmdVisibility
	cmdNotify
)

type dialResult struct {
	gen  int
	conn Conn
	err  error
}

type readResult struct {
	gen  int
	data []byte
	err  error
}

// Client owns one participant's realtime connection. All state lives on a
// single goroutine; public methods post commands to it.
type Client struct {
	opts Options
	log  zerolog.Logger

	commands chan command
	dials    chan dialResult
	reads    chan readResult

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu     sync.RWMutex
	status Status
}

// New starts the client goroutine. The client stays disconnected until
// Connect is called.
func New(opts Options) *Client {
	opts.setDefaults()
	ctx, cancel := context.WithCancel(context.Background())

	c := &Client{
		opts:     opts,
		log:      opts.Logger.With().Str("session_id", opts.SessionID).Str("participant_id", opts.ParticipantID).Logger(),
		commands: make(chan command),
		dials:    make(chan dialResult, 1),
		reads:    make(chan readResult, 16),
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
		status:   StatusDisconnected,
	}
	go c.run()
	return c
}

func (c *Client) Status() Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.status
}

func (c *Client) send(cmd command) error {
	select {
	case c.commands <- cmd:
	case <-c.done:
		return ErrClosed
	}
	if cmd.reply == nil {
		return nil
	}
	select {
	case err := <-cmd.reply:
		return err
	case <-c.done:
		return ErrClosed
	}
}

// Connect dials the hub unless a connection exists or is being made.
func (c *Client) Connect() error {
	return c.send(command{kind: cmdConnect, reply: make(chan error, 1)})
}

// Disconnect sends leave, closes the connection and cancels every pending
// heartbeat and reconnect timer.
func (c *Client) Disconnect() error {
	return c.send(command{kind: cmdDisconnect, reply: make(chan error, 1)})
}

// VisibilityChanged reports the host becoming visible or hidden. Becoming
// visible while not connected reconnects at once with a fresh attempt budget.
func (c *Client) VisibilityChanged(visible bool) error {
	return c.send(command{kind: cmdVisibility, visible: visible, reply: make(chan error, 1)})
}

// NotifyStateChanged tells the other participants that the session changed.
// Without a realtime connection it falls back to the Notifier.
func (c *Client) NotifyStateChanged(ctx context.Context) error {
	err := c.send(command{kind: cmdNotify, reply: make(chan error, 1)})
	if !errors.Is(err, errNotConnected) {
		return err
	}
	if c.opts.Notifier == nil {
		return err
	}
	return c.opts.Notifier.Notify(ctx, c.opts.SessionID, c.opts.ParticipantID)
}

// Close disconnects and stops the client goroutine.
func (c *Client) Close() error {
	err := c.Disconnect()
	c.cancel()
	<-c.done
	if errors.Is(err, ErrClosed) {
		return nil
	}
	return err
}

// loop state, touched only by run.
type loopState struct {
	gen       int
	conn      Conn
	backoff   backoff.BackOff
	heartbeat clockwork.Ticker
	retry     clockwork.Timer
	stopped   bool
	dialing   bool
}

func (c *Client) run() {
	defer close(c.done)

	st := &loopState{
		stopped: true,
		backoff: newReconnectBackOff(c.opts.InitialReconnectWait, c.opts.MaxReconnectWait, c.opts.MaxReconnectAttempts),
	}
	defer c.teardown(st)

	for {
		var heartbeatC, retryC <-chan time.Time
		if st.heartbeat != nil {
			heartbeatC = st.heartbeat.Chan()
		}
		if st.retry != nil {
			retryC = st.retry.Chan()
		}

		select {
		case <-c.ctx.Done():
			return

		case cmd := <-c.commands:
			c.handleCommand(st, cmd)

		case res := <-c.dials:
			c.handleDial(st, res)

		case res := <-c.reads:
			c.handleRead(st, res)

		case <-heartbeatC:
			c.sendHeartbeat(st)

		case <-retryC:
			st.retry = nil
			c.dial(st)
		}
	}
}

func (c *Client) handleCommand(st *loopState, cmd command) {
	var err error

	switch cmd.kind {
	case cmdConnect:
		st.stopped = false
		c.startHeartbeat(st)
		if st.conn == nil && !st.dialing && st.retry == nil {
			st.backoff.Reset()
			c.setStatus(StatusConnecting)
			c.dial(st)
		}

	case cmdDisconnect:
		st.stopped = true
		if st.conn != nil {
			if err := c.write(st, protocol.TypeLeave, protocol.Leave{
				SessionID:     c.opts.SessionID,
				ParticipantID: c.opts.ParticipantID,
			}); err != nil {
				c.log.Debug().Err(err).Msg("could not send leave")
			}
		}
		c.teardown(st)
		c.setStatus(StatusDisconnected)
		c.log.Info().Msg("disconnected from session")

	case cmdVisibility:
		if cmd.visible && !st.stopped && st.conn == nil && !st.dialing {
			c.log.Info().Msg("visible again, reconnecting")
			c.stopRetry(st)
			st.backoff.Reset()
			c.setStatus(StatusConnecting)
			c.dial(st)
		}

	case cmdNotify:
		if st.conn == nil {
			err = errNotConnected
			break
		}
		err = c.write(st, protocol.TypeStateChanged, protocol.StateChanged{
			SessionID: c.opts.SessionID,
			Timestamp: c.opts.Clock.Now().UnixMilli(),
		})
		if err != nil {
			c.dropConn(st, err)
			err = errNotConnected
		}
	}

	if cmd.reply != nil {
		cmd.reply <- err
	}
}

// dial starts a connection attempt on its own goroutine. Results from older
// generations are ignored.
func (c *Client) dial(st *loopState) {
	st.gen++
	st.dialing = true
	gen := st.gen

	go func() {
		ctx, cancel := context.WithTimeout(c.ctx, c.opts.DialTimeout)
		defer cancel()

		conn, err := c.opts.Dialer.Dial(ctx, c.opts.URL)
		select {
		case c.dials <- dialResult{gen: gen, conn: conn, err: err}:
		case <-c.ctx.Done():
			if conn != nil {
				conn.Close()
			}
		}
	}()
}

func (c *Client) handleDial(st *loopState, res dialResult) {
	if res.gen != st.gen || st.stopped {
		if res.conn != nil {
			res.conn.Close()
		}
		return
	}
	st.dialing = false

	if res.err != nil {
		c.log.Warn().Err(res.err).Msg("connection attempt failed")
		c.scheduleReconnect(st)
		return
	}

	st.conn = res.conn
	st.backoff.Reset()
	c.setStatus(StatusConnected)
	c.log.Info().Str("url", c.opts.URL).Msg("connected to session hub")

	go c.readLoop(st.gen, res.conn)

	info := c.participant()
	if err := c.write(st, protocol.TypeJoin, info); err != nil {
		c.dropConn(st, err)
		return
	}
	c.sendHeartbeat(st)
}

func (c *Client) readLoop(gen int, conn Conn) {
	for {
		data, err := conn.ReadMessage()
		select {
		case c.reads <- readResult{gen: gen, data: data, err: err}:
		case <-c.ctx.Done():
			return
		}
		if err != nil {
			return
		}
	}
}

func (c *Client) handleRead(st *loopState, res readResult) {
	if res.gen != st.gen || st.conn == nil {
		return
	}
	if res.err != nil {
		c.dropConn(st, res.err)
		return
	}

	msg, err := protocol.Decode(res.data)
	if err != nil {
		c.log.Debug().Err(err).Msg("ignoring malformed frame")
		return
	}

	switch msg.Type {
	case protocol.TypeStateChanged:
		if c.opts.OnStateChanged != nil {
			c.opts.OnStateChanged()
		}
	case protocol.TypeJoinConfirmed, protocol.TypeParticipantJoined, protocol.TypeParticipantLeft:
		if c.opts.OnPresence != nil {
			c.opts.OnPresence(msg)
		}
	case protocol.TypeHeartbeatAck:
	case protocol.TypeError:
		var e protocol.Error
		if err := msg.Into(&e); err == nil {
			c.log.Warn().Str("message", e.Message).Msg("hub reported an error")
		}
	default:
		c.log.Debug().Str("type", string(msg.Type)).Msg("unknown message type")
	}
}

// dropConn handles a connection lost without a local Disconnect.
func (c *Client) dropConn(st *loopState, cause error) {
	if st.conn == nil {
		return
	}
	c.log.Warn().Err(cause).Msg("connection lost")

	st.conn.Close()
	st.conn = nil
	st.gen++
	// The hub forgets the participant when the socket goes away.
	c.sendHeartbeat(st)
	c.scheduleReconnect(st)
}

func (c *Client) scheduleReconnect(st *loopState) {
	wait := st.backoff.NextBackOff()
	if wait == backoff.Stop {
		c.setStatus(StatusDisconnected)
		c.log.Error().Int("attempts", c.opts.MaxReconnectAttempts).Msg("giving up on realtime channel, polling only")
		return
	}

	c.setStatus(StatusReconnecting)
	c.log.Info().Dur("wait", wait).Msg("reconnect scheduled")
	c.stopRetry(st)
	st.retry = c.opts.Clock.NewTimer(wait)
}

func (c *Client) stopRetry(st *loopState) {
	if st.retry != nil {
		st.retry.Stop()
		st.retry = nil
	}
}

func (c *Client) teardown(st *loopState) {
	c.stopRetry(st)
	if st.heartbeat != nil {
		st.heartbeat.Stop()
		st.heartbeat = nil
	}
	if st.conn != nil {
		st.conn.Close()
		st.conn = nil
	}
	st.dialing = false
	st.gen++
}

// startHeartbeat runs the heartbeat ticker from Connect until Disconnect,
// whatever the state of the realtime channel.
func (c *Client) startHeartbeat(st *loopState) {
	if st.heartbeat == nil {
		st.heartbeat = c.opts.Clock.NewTicker(c.opts.HeartbeatInterval)
	}
}

// sendHeartbeat uses the realtime channel when there is one and falls back
// to the Heartbeater otherwise.
func (c *Client) sendHeartbeat(st *loopState) {
	if st.conn != nil {
		if err := c.write(st, protocol.TypeHeartbeat, c.participant()); err != nil {
			c.dropConn(st, err)
		}
		return
	}
	if st.stopped || c.opts.Heartbeater == nil {
		return
	}

	info := c.participant()
	go func() {
		ctx, cancel := context.WithTimeout(c.ctx, c.opts.DialTimeout)
		defer cancel()
		if err := c.opts.Heartbeater.Heartbeat(ctx, info.SessionID, info.ParticipantID, info.Username, info.IsAdmin); err != nil && ctx.Err() == nil {
			c.log.Warn().Err(err).Msg("http heartbeat failed")
		}
	}()
}

func (c *Client) write(st *loopState, t protocol.Type, payload interface{}) error {
	data, err := protocol.Encode(t, payload)
	if err != nil {
		return err
	}
	return st.conn.WriteMessage(data)
}

func (c *Client) participant() protocol.ParticipantInfo {
	return protocol.ParticipantInfo{
		SessionID:     c.opts.SessionID,
		ParticipantID: c.opts.ParticipantID,
		Username:      c.opts.Username,
		IsAdmin:       c.opts.IsAdmin,
	}
}

func (c *Client) setStatus(s Status) {
	c.mu.Lock()
	changed := c.status != s
	c.status = s
	c.mu.Unlock()

	if changed && c.opts.OnStatusChange != nil {
		c.opts.OnStatusChange(s)
	}
}
