/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2026 HandyLink Technologies
 */

// Package wschannel implements the signaling channel over a websocket
// connection to a HandyLink signal server. It keeps the connection alive with
// ping/pong, reconnects with exponential backoff, and re-establishes every
// active watch after a reconnect.
package wschannel

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/handylink/callkit-go-sdk/callkitsdk"
	"github.com/handylink/callkit-go-sdk/signaling"
)

// ---- Wire protocol ----

// Message types sent by the client.
const (
	TypeCreateCall      = "create_call"
	TypeUpdateCall      = "update_call"
	TypeDeleteCall      = "delete_call"
	TypeWatchCall       = "watch_call"
	TypeUnwatchCall     = "unwatch_call"
	TypeWatchIncoming   = "watch_incoming"
	TypeUnwatchIncoming = "unwatch_incoming"
	TypeAddCandidate    = "add_candidate"
	TypeWatchCands      = "watch_candidates"
	TypeUnwatchCands    = "unwatch_candidates"
)

// Message types sent by the server.
const (
	TypeAck          = "ack"
	TypeError        = "error"
	TypeCallEvent    = "call_event"
	TypeIncomingCall = "incoming_call"
	TypeCandidate    = "candidate"
)

// Envelope is the wire message exchanged with the signal server.
type Envelope struct {
	ID      string `json:"id,omitempty"`
	ReplyTo string `json:"replyTo,omitempty"`
	Type    string `json:"type"`

	CallID    string                `json:"callId,omitempty"`
	UserID    string                `json:"userId,omitempty"`
	Call      *signaling.Call       `json:"call,omitempty"`
	Fields    *signaling.CallFields `json:"fields,omitempty"`
	Update    *signaling.CallUpdate `json:"update,omitempty"`
	Candidate string                `json:"candidate,omitempty"`
	Deleted   bool                  `json:"deleted,omitempty"`
	Error     string                `json:"error,omitempty"`
}

// ---- Client ----

// Config holds the configuration for the websocket channel
type Config struct {
	HandshakeTimeout time.Duration // Timeout for the websocket handshake
	PingInterval     time.Duration // Interval between ping messages
	PongTimeout      time.Duration // Timeout for receiving a pong response
	BackoffTimeMax   time.Duration // Maximum time between connection attempts
	BackoffTimeReset time.Duration // Initial time before the first retry
	MaxRetries       int           // Number of times to retry before giving up
	RequestTimeout   time.Duration // Timeout for request/ack round trips
	Logger           callkitsdk.Logger
}

// DefaultConfig returns the default configuration for the websocket channel
func DefaultConfig() *Config {
	return &Config{
		HandshakeTimeout: 10 * time.Second,
		PingInterval:     30 * time.Second,
		PongTimeout:      10 * time.Second,
		BackoffTimeMax:   32 * time.Second,
		BackoffTimeReset: 1 * time.Second,
		MaxRetries:       5,
		RequestTimeout:   15 * time.Second,
	}
}

type candidateWatcher struct {
	exclude string
	fn      signaling.CandidateHandler
}

// Client is a signaling.Channel backed by a websocket connection.
type Client struct {
	wsURL  string
	token  string
	userID string
	config *Config
	logger callkitsdk.Logger

	mu             sync.Mutex
	conn           *websocket.Conn
	connected      bool
	connecting     bool
	hasConnected   bool
	closeCh        chan struct{}
	pending        map[string]chan *Envelope
	currentBackoff time.Duration

	callWatchers      map[string]map[int]signaling.CallHandler
	incomingWatchers  map[string]map[int]signaling.CallHandler
	candidateWatchers map[string]map[int]candidateWatcher
	nextWatcherID     int
}

// NewClient creates a websocket signaling channel for the given server URL.
// The token is a signed signaling token (see NewToken) presented during the
// handshake; userID must match the token's subject.
func NewClient(wsURL, token, userID string, config *Config) *Client {
	if config == nil {
		config = DefaultConfig()
	}
	logger := config.Logger
	if logger == nil {
		logger = callkitsdk.DefaultLogger()
	}
	return &Client{
		wsURL:             wsURL,
		token:             token,
		userID:            userID,
		config:            config,
		logger:            logger,
		closeCh:           make(chan struct{}),
		pending:           make(map[string]chan *Envelope),
		currentBackoff:    config.BackoffTimeReset,
		callWatchers:      make(map[string]map[int]signaling.CallHandler),
		incomingWatchers:  make(map[string]map[int]signaling.CallHandler),
		candidateWatchers: make(map[string]map[int]candidateWatcher),
	}
}

// Connect establishes the websocket connection, retrying with exponential
// backoff up to MaxRetries.
func (c *Client) Connect() error {
	c.mu.Lock()
	if c.connected {
		c.mu.Unlock()
		return nil
	}
	if c.connecting {
		c.mu.Unlock()
		return fmt.Errorf("connection attempt already in progress")
	}
	c.connecting = true
	c.mu.Unlock()

	return c.connectWithBackoff()
}

// Disconnect closes the connection deliberately; no reconnect follows.
func (c *Client) Disconnect() error {
	c.mu.Lock()
	if !c.connected && !c.connecting {
		c.mu.Unlock()
		return nil
	}
	close(c.closeCh)
	c.closeCh = make(chan struct{})
	conn := c.conn
	c.conn = nil
	c.connected = false
	c.connecting = false
	c.mu.Unlock()

	if conn != nil {
		_ = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "disconnected by client"))
		_ = conn.Close()
	}
	return nil
}

// IsConnected returns whether the channel is currently connected.
func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *Client) connectWithBackoff() error {
	c.mu.Lock()
	c.currentBackoff = c.config.BackoffTimeReset
	closeCh := c.closeCh
	c.mu.Unlock()

	var err error
	for attempt := 0; attempt <= c.config.MaxRetries; attempt++ {
		err = c.attemptConnection()
		if err == nil {
			return nil
		}
		c.logger.Printf("wschannel: connection attempt failed: %v", err)

		if attempt == c.config.MaxRetries {
			break
		}
		select {
		case <-time.After(c.currentBackoff):
			c.currentBackoff *= 2
			if c.currentBackoff > c.config.BackoffTimeMax {
				c.currentBackoff = c.config.BackoffTimeMax
			}
		case <-closeCh:
			return nil
		}
	}

	c.mu.Lock()
	c.connecting = false
	c.mu.Unlock()
	return fmt.Errorf("failed to connect after %d attempts: %w", c.config.MaxRetries+1, err)
}

func (c *Client) attemptConnection() error {
	headers := map[string][]string{
		"Authorization": {"Bearer " + c.token},
	}
	dialer := websocket.Dialer{HandshakeTimeout: c.config.HandshakeTimeout}

	conn, _, err := dialer.Dial(c.wsURL, headers)
	if err != nil {
		return fmt.Errorf("failed to connect to signal server: %w", err)
	}

	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Time{})
	})

	c.mu.Lock()
	c.conn = conn
	c.connected = true
	c.connecting = false
	wasConnected := c.hasConnected
	c.hasConnected = true
	c.mu.Unlock()

	go c.startPingPong(conn)
	go c.listen(conn)

	// After a reconnect the server has lost our subscriptions; restate them.
	if wasConnected {
		c.resubscribe()
	}
	return nil
}

// resubscribe restates every active watch on a fresh connection.
func (c *Client) resubscribe() {
	c.mu.Lock()
	callIDs := make([]string, 0, len(c.callWatchers))
	for id, m := range c.callWatchers {
		if len(m) > 0 {
			callIDs = append(callIDs, id)
		}
	}
	userIDs := make([]string, 0, len(c.incomingWatchers))
	for id, m := range c.incomingWatchers {
		if len(m) > 0 {
			userIDs = append(userIDs, id)
		}
	}
	type candSub struct{ callID, exclude string }
	candSubs := make([]candSub, 0, len(c.candidateWatchers))
	for id, m := range c.candidateWatchers {
		for _, w := range m {
			candSubs = append(candSubs, candSub{id, w.exclude})
			break
		}
	}
	c.mu.Unlock()

	for _, id := range callIDs {
		c.send(&Envelope{Type: TypeWatchCall, CallID: id})
	}
	for _, id := range userIDs {
		c.send(&Envelope{Type: TypeWatchIncoming, UserID: id})
	}
	for _, s := range candSubs {
		c.send(&Envelope{Type: TypeWatchCands, CallID: s.callID, UserID: s.exclude})
	}
}

func (c *Client) startPingPong(conn *websocket.Conn) {
	ticker := time.NewTicker(c.config.PingInterval)
	defer ticker.Stop()

	c.mu.Lock()
	closeCh := c.closeCh
	c.mu.Unlock()

	for {
		select {
		case <-ticker.C:
			if err := conn.SetReadDeadline(time.Now().Add(c.config.PongTimeout)); err != nil {
				return
			}
			if err := conn.WriteControl(websocket.PingMessage,
				[]byte(fmt.Sprintf("%d", time.Now().UnixMilli())),
				time.Now().Add(c.config.PongTimeout)); err != nil {
				return
			}
		case <-closeCh:
			return
		}
	}
}

func (c *Client) listen(conn *websocket.Conn) {
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			c.handleConnectionError(conn, err)
			return
		}
		var env Envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			c.logger.Printf("wschannel: skipping malformed message: %v", err)
			continue
		}
		c.dispatch(&env)
	}
}

func (c *Client) handleConnectionError(conn *websocket.Conn, err error) {
	c.mu.Lock()
	if c.conn != conn {
		// A newer connection took over.
		c.mu.Unlock()
		return
	}
	wasConnected := c.connected
	c.connected = false
	c.conn = nil
	closeCh := c.closeCh

	// Fail all in-flight requests.
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
	c.mu.Unlock()

	conn.Close()

	if !wasConnected {
		return
	}
	select {
	case <-closeCh:
		// Deliberate disconnect.
	default:
		c.logger.Printf("wschannel: connection lost: %v, reconnecting", err)
		c.mu.Lock()
		c.connecting = true
		c.mu.Unlock()
		go func() {
			if err := c.connectWithBackoff(); err != nil {
				c.logger.Printf("wschannel: reconnect failed: %v", err)
			}
		}()
	}
}

func (c *Client) dispatch(env *Envelope) {
	switch env.Type {
	case TypeAck, TypeError:
		c.mu.Lock()
		ch, ok := c.pending[env.ReplyTo]
		if ok {
			delete(c.pending, env.ReplyTo)
		}
		c.mu.Unlock()
		if ok {
			ch <- env
		}

	case TypeCallEvent:
		c.mu.Lock()
		handlers := make([]signaling.CallHandler, 0, len(c.callWatchers[env.CallID]))
		for _, fn := range c.callWatchers[env.CallID] {
			handlers = append(handlers, fn)
		}
		c.mu.Unlock()
		for _, fn := range handlers {
			if env.Deleted {
				fn(nil)
			} else {
				fn(env.Call.Clone())
			}
		}

	case TypeIncomingCall:
		if env.Call == nil {
			return
		}
		c.mu.Lock()
		handlers := make([]signaling.CallHandler, 0, len(c.incomingWatchers[env.Call.ReceiverID]))
		for _, fn := range c.incomingWatchers[env.Call.ReceiverID] {
			handlers = append(handlers, fn)
		}
		c.mu.Unlock()
		for _, fn := range handlers {
			fn(env.Call.Clone())
		}

	case TypeCandidate:
		c.mu.Lock()
		var fns []signaling.CandidateHandler
		for _, w := range c.candidateWatchers[env.CallID] {
			// The server already excludes the originator; this is a second
			// line of defense against a misbehaving server.
			if w.exclude != "" && w.exclude == env.UserID {
				continue
			}
			fns = append(fns, w.fn)
		}
		c.mu.Unlock()
		for _, fn := range fns {
			fn(env.Candidate)
		}
	}
}

// send writes an envelope without waiting for a reply.
func (c *Client) send(env *Envelope) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return &callkitsdk.SignalingError{Op: env.Type, Err: fmt.Errorf("not connected")}
	}
	raw, err := json.Marshal(env)
	if err != nil {
		return err
	}
	if err := conn.WriteMessage(websocket.TextMessage, raw); err != nil {
		return &callkitsdk.SignalingError{Op: env.Type, Err: err}
	}
	return nil
}

// request writes an envelope and waits for the matching ack or error.
func (c *Client) request(ctx context.Context, env *Envelope) (*Envelope, error) {
	env.ID = uuid.New().String()
	ch := make(chan *Envelope, 1)

	c.mu.Lock()
	c.pending[env.ID] = ch
	c.mu.Unlock()

	if err := c.send(env); err != nil {
		c.mu.Lock()
		delete(c.pending, env.ID)
		c.mu.Unlock()
		return nil, err
	}

	timeout := time.NewTimer(c.config.RequestTimeout)
	defer timeout.Stop()

	select {
	case reply, ok := <-ch:
		if !ok {
			return nil, &callkitsdk.SignalingError{Op: env.Type, Err: fmt.Errorf("connection lost")}
		}
		if reply.Type == TypeError {
			return nil, &callkitsdk.SignalingError{Op: env.Type, Err: fmt.Errorf("%s", reply.Error)}
		}
		return reply, nil
	case <-timeout.C:
		c.mu.Lock()
		delete(c.pending, env.ID)
		c.mu.Unlock()
		return nil, &callkitsdk.SignalingError{Op: env.Type, Err: fmt.Errorf("request timed out")}
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, env.ID)
		c.mu.Unlock()
		return nil, ctx.Err()
	}
}

// ---- signaling.Channel implementation ----

// CreateCall implements signaling.Channel.
func (c *Client) CreateCall(ctx context.Context, fields signaling.CallFields) (*signaling.Call, error) {
	reply, err := c.request(ctx, &Envelope{Type: TypeCreateCall, Fields: &fields})
	if err != nil {
		return nil, err
	}
	if reply.Call == nil {
		return nil, &callkitsdk.SignalingError{Op: TypeCreateCall, Err: fmt.Errorf("server returned no call record")}
	}
	return reply.Call, nil
}

// UpdateCall implements signaling.Channel.
func (c *Client) UpdateCall(ctx context.Context, id string, update signaling.CallUpdate) error {
	_, err := c.request(ctx, &Envelope{Type: TypeUpdateCall, CallID: id, Update: &update})
	return err
}

// WatchCall implements signaling.Channel. The server replays the current
// record state immediately after the watch is established.
func (c *Client) WatchCall(id string, fn signaling.CallHandler) (signaling.Unsubscribe, error) {
	c.mu.Lock()
	watcherID := c.nextWatcherID
	c.nextWatcherID++
	first := len(c.callWatchers[id]) == 0
	if c.callWatchers[id] == nil {
		c.callWatchers[id] = make(map[int]signaling.CallHandler)
	}
	c.callWatchers[id][watcherID] = fn
	c.mu.Unlock()

	if first {
		if err := c.send(&Envelope{Type: TypeWatchCall, CallID: id}); err != nil {
			c.mu.Lock()
			delete(c.callWatchers[id], watcherID)
			c.mu.Unlock()
			return nil, err
		}
	}

	return func() {
		c.mu.Lock()
		delete(c.callWatchers[id], watcherID)
		last := len(c.callWatchers[id]) == 0
		c.mu.Unlock()
		if last {
			_ = c.send(&Envelope{Type: TypeUnwatchCall, CallID: id})
		}
	}, nil
}

// WatchIncomingCalls implements signaling.Channel.
func (c *Client) WatchIncomingCalls(userID string, fn signaling.CallHandler) (signaling.Unsubscribe, error) {
	c.mu.Lock()
	watcherID := c.nextWatcherID
	c.nextWatcherID++
	first := len(c.incomingWatchers[userID]) == 0
	if c.incomingWatchers[userID] == nil {
		c.incomingWatchers[userID] = make(map[int]signaling.CallHandler)
	}
	c.incomingWatchers[userID][watcherID] = fn
	c.mu.Unlock()

	if first {
		if err := c.send(&Envelope{Type: TypeWatchIncoming, UserID: userID}); err != nil {
			c.mu.Lock()
			delete(c.incomingWatchers[userID], watcherID)
			c.mu.Unlock()
			return nil, err
		}
	}

	return func() {
		c.mu.Lock()
		delete(c.incomingWatchers[userID], watcherID)
		last := len(c.incomingWatchers[userID]) == 0
		c.mu.Unlock()
		if last {
			_ = c.send(&Envelope{Type: TypeUnwatchIncoming, UserID: userID})
		}
	}, nil
}

// AddIceCandidate implements signaling.Channel.
func (c *Client) AddIceCandidate(_ context.Context, callID, fromUserID, candidate string) error {
	return c.send(&Envelope{
		Type:      TypeAddCandidate,
		CallID:    callID,
		UserID:    fromUserID,
		Candidate: candidate,
	})
}

// WatchIceCandidates implements signaling.Channel.
func (c *Client) WatchIceCandidates(callID, excludeUserID string, fn signaling.CandidateHandler) (signaling.Unsubscribe, error) {
	c.mu.Lock()
	watcherID := c.nextWatcherID
	c.nextWatcherID++
	first := len(c.candidateWatchers[callID]) == 0
	if c.candidateWatchers[callID] == nil {
		c.candidateWatchers[callID] = make(map[int]candidateWatcher)
	}
	c.candidateWatchers[callID][watcherID] = candidateWatcher{exclude: excludeUserID, fn: fn}
	c.mu.Unlock()

	if first {
		if err := c.send(&Envelope{Type: TypeWatchCands, CallID: callID, UserID: excludeUserID}); err != nil {
			c.mu.Lock()
			delete(c.candidateWatchers[callID], watcherID)
			c.mu.Unlock()
			return nil, err
		}
	}

	return func() {
		c.mu.Lock()
		delete(c.candidateWatchers[callID], watcherID)
		last := len(c.candidateWatchers[callID]) == 0
		c.mu.Unlock()
		if last {
			_ = c.send(&Envelope{Type: TypeUnwatchCands, CallID: callID})
		}
	}, nil
}

// DeleteCall implements signaling.Channel.
func (c *Client) DeleteCall(ctx context.Context, callID string) error {
	_, err := c.request(ctx, &Envelope{Type: TypeDeleteCall, CallID: callID})
	return err
}
