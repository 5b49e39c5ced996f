// ============================================================================
// Livesync Event Channel Client
// ============================================================================
//
// Package: internal/channel
// File: client.go
// Purpose: One logical persistent connection per channel type, with
//          automatic reconnect and explicit room membership.
//
// How it works:
//   Connect starts a single run goroutine owning the websocket:
//   1. Dial the hub endpoint with the bearer token as a connect parameter
//   2. On success: status -> Connected, reset attempt counter, read frames
//   3. Each frame is decoded once into a typed LiveEvent and fanned out to
//      subscriptions in arrival order
//   4. On read error: clear room membership, status -> Reconnecting, sleep
//      the backoff (1s doubling, 5s cap, unbounded attempts), redial
//
// Failure semantics:
//   - Transport errors are never fatal and never surface as errors to the
//     caller; they only drive the status indicator.
//   - An authentication rejection (HTTP 401/403 on the handshake) is
//     reported once per explicit Connect via OnAuthError and the loop
//     stops. The caller decides whether to Connect again with a fresh
//     token.
//   - Room membership does not survive a disconnect. The registry drops it
//     server-side, so joinedRooms is cleared locally and every room must
//     be re-joined explicitly after reconnect; that re-request is the
//     reconciler's responsibility, not this layer's.
//
// Concurrency:
//   - mu guards status, rooms and the subscription table.
//   - writeMu serializes conn writes (gorilla allows one writer).
//   - The read loop is the only reader.
//
// ============================================================================

package channel

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/umuve/livesync/internal/metrics"
	"github.com/umuve/livesync/pkg/types"
)

var log = slog.Default()

var (
	// ErrNotConnected is returned by Send and JoinRoom while the transport
	// is down. Callers re-issue after the next Connected state change.
	ErrNotConnected = errors.New("channel not connected")
)

// Config holds the channel client configuration.
type Config struct {
	// URL is the hub websocket endpoint, e.g. "ws://localhost:5001/ws".
	URL string

	// DialTimeout bounds a single handshake attempt. Zero means the
	// transport default.
	DialTimeout time.Duration

	// BackoffBase and BackoffMax shape the reconnect curve.
	// Defaults: 1s base, 5s cap.
	BackoffBase time.Duration
	BackoffMax  time.Duration

	// OnAuthError is invoked at most once per Connect call when the hub
	// rejects the token. Optional.
	OnAuthError func(error)

	// Metrics is optional; nil disables instrumentation.
	Metrics *metrics.Collector

	// Logger overrides the package logger. Optional.
	Logger *slog.Logger
}

// Client maintains one logical connection. Construct with New, share by
// reference across screens; it is a process-wide object owned by the app
// lifecycle, never an ambient global.
type Client struct {
	cfg Config
	log *slog.Logger

	mu               sync.Mutex
	status           Status
	lastConnectedAt  time.Time
	reconnectAttempt int
	joinedRooms      map[types.Room]struct{}
	conn             *websocket.Conn
	cancel           context.CancelFunc
	runDone          chan struct{}

	subs      map[int]*Subscription
	stateSubs map[int]chan Status
	nextSubID int

	writeMu sync.Mutex
}

// Info is a point-in-time snapshot of the connection state.
type Info struct {
	Status           Status
	LastConnectedAt  time.Time
	ReconnectAttempt int
	JoinedRooms      []types.Room
}

// New creates a channel client. It does not connect.
func New(cfg Config) *Client {
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = time.Second
	}
	if cfg.BackoffMax <= 0 {
		cfg.BackoffMax = 5 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log
	}
	return &Client{
		cfg:         cfg,
		log:         logger,
		joinedRooms: make(map[types.Room]struct{}),
		subs:        make(map[int]*Subscription),
		stateSubs:   make(map[int]chan Status),
	}
}

// Connect establishes the transport with the given bearer token. It never
// returns an error: dial failures put the client into Reconnecting and are
// retried forever. Calling Connect while already running restarts the loop
// with the new token (token rotation).
func (c *Client) Connect(ctx context.Context, token string) {
	c.Disconnect()

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	c.mu.Lock()
	c.cancel = cancel
	c.runDone = done
	c.reconnectAttempt = 0
	c.setStatusLocked(StatusConnecting)
	c.mu.Unlock()

	go c.run(runCtx, token, done)
}

// Disconnect tears down the transport and clears all local room state.
// Idempotent; this is the only non-retried way down.
func (c *Client) Disconnect() {
	c.mu.Lock()
	cancel := c.cancel
	done := c.runDone
	c.cancel = nil
	c.runDone = nil
	c.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done

	c.mu.Lock()
	c.joinedRooms = make(map[types.Room]struct{})
	c.setStatusLocked(StatusDisconnected)
	c.mu.Unlock()
}

// JoinRoom sends a join intent. Joining an already-joined room is a no-op.
// Returns ErrNotConnected while the transport is down; membership is
// recorded only once the hub acknowledges with a joined event.
func (c *Client) JoinRoom(room types.Room) error {
	c.mu.Lock()
	if _, ok := c.joinedRooms[room]; ok {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()
	return c.Send("join", map[string]string{"room": string(room)})
}

// LeaveRoom sends a leave intent. Safe to call even if not joined or not
// connected.
func (c *Client) LeaveRoom(room types.Room) {
	c.mu.Lock()
	delete(c.joinedRooms, room)
	c.mu.Unlock()
	// Best effort: if the transport is down the registry already dropped
	// the membership.
	_ = c.Send("leave", map[string]string{"room": string(room)})
}

// Send emits a client->server event. Returns ErrNotConnected when the
// transport is down; the optimistic mutation queue uses that to fall back
// to REST.
func (c *Client) Send(event string, payload any) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	frame, err := types.EncodeFrame(event, payload)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		return ErrNotConnected
	}
	return nil
}

// Subscribe registers a typed subscription for the given event kinds
// (all kinds when none are given). Events are delivered in arrival order.
func (c *Client) Subscribe(kinds ...types.EventKind) *Subscription {
	kindSet := make(map[types.EventKind]struct{}, len(kinds))
	for _, k := range kinds {
		kindSet[k] = struct{}{}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextSubID++
	sub := &Subscription{
		id:     c.nextSubID,
		kinds:  kindSet,
		events: make(chan types.LiveEvent, subscriptionBuffer),
		client: c,
	}
	c.subs[sub.id] = sub
	return sub
}

// SubscribeState delivers transport status transitions. The caller owns
// the returned cancel func.
func (c *Client) SubscribeState() (<-chan Status, func()) {
	ch := make(chan Status, 8)

	c.mu.Lock()
	c.nextSubID++
	id := c.nextSubID
	c.stateSubs[id] = ch
	c.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			c.mu.Lock()
			delete(c.stateSubs, id)
			c.mu.Unlock()
			close(ch)
		})
	}
	return ch, cancel
}

// Status returns the current transport status.
func (c *Client) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// Info returns a snapshot of the connection state.
func (c *Client) Info() Info {
	c.mu.Lock()
	defer c.mu.Unlock()
	rooms := make([]types.Room, 0, len(c.joinedRooms))
	for room := range c.joinedRooms {
		rooms = append(rooms, room)
	}
	return Info{
		Status:           c.status,
		LastConnectedAt:  c.lastConnectedAt,
		ReconnectAttempt: c.reconnectAttempt,
		JoinedRooms:      rooms,
	}
}

// ============================================================================
// Run loop
// ============================================================================

func (c *Client) run(ctx context.Context, token string, done chan struct{}) {
	defer close(done)

	authReported := false

	for {
		conn, authErr, err := c.dial(ctx, token)
		if err != nil {
			if authErr {
				// Report once per Connect, then stop; the caller retries
				// with fresh credentials if it wants to.
				if !authReported {
					authReported = true
					c.log.Warn("channel auth rejected", "error", err)
					if c.cfg.OnAuthError != nil {
						c.cfg.OnAuthError(err)
					}
				}
				c.setStatus(StatusDisconnected)
				return
			}

			c.mu.Lock()
			c.reconnectAttempt++
			attempt := c.reconnectAttempt
			c.setStatusLocked(StatusReconnecting)
			c.mu.Unlock()

			if c.cfg.Metrics != nil {
				c.cfg.Metrics.RecordReconnect()
			}

			delay := backoffDelay(attempt, c.cfg.BackoffBase, c.cfg.BackoffMax)
			c.log.Debug("channel dial failed", "attempt", attempt, "retry_in", delay, "error", err)

			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
				continue
			}
		}

		c.mu.Lock()
		c.conn = conn
		c.reconnectAttempt = 0
		c.lastConnectedAt = time.Now()
		c.setStatusLocked(StatusConnected)
		c.mu.Unlock()

		c.log.Info("channel connected", "url", c.cfg.URL)

		c.readLoop(ctx, conn)

		// Connection is gone: membership does not persist across a
		// disconnect, locally or on the registry.
		c.mu.Lock()
		c.conn = nil
		c.joinedRooms = make(map[types.Room]struct{})
		c.mu.Unlock()
		conn.Close()

		select {
		case <-ctx.Done():
			return
		default:
		}

		c.setStatus(StatusReconnecting)
		if c.cfg.Metrics != nil {
			c.cfg.Metrics.RecordReconnect()
		}
	}
}

// dial performs one handshake attempt. The second return value reports an
// authentication rejection, which is terminal for this Connect call.
func (c *Client) dial(ctx context.Context, token string) (*websocket.Conn, bool, error) {
	u, err := url.Parse(c.cfg.URL)
	if err != nil {
		return nil, true, err // unusable URL: do not retry forever
	}
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()

	dialer := websocket.Dialer{HandshakeTimeout: c.cfg.DialTimeout}
	dialCtx := ctx
	if c.cfg.DialTimeout > 0 {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, c.cfg.DialTimeout)
		defer cancel()
	}

	conn, resp, err := dialer.DialContext(dialCtx, u.String(), nil)
	if err != nil {
		auth := resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden)
		return nil, auth, err
	}
	return conn, false, nil
}

// readLoop reads and dispatches frames until the connection breaks or the
// context is cancelled.
func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn) {
	// Unblock ReadMessage on cancellation.
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-stop:
		}
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}

		event, err := types.DecodeFrame(raw, time.Now().UnixMilli())
		if err != nil {
			// Malformed frames are isolated and skipped; the stream
			// continues.
			c.log.Warn("dropping malformed frame", "error", err)
			if c.cfg.Metrics != nil {
				c.cfg.Metrics.RecordEventDropped("decode")
			}
			continue
		}

		if joined, ok := event.(types.RoomJoinedEvent); ok {
			c.mu.Lock()
			if c.status == StatusConnected {
				c.joinedRooms[joined.Room] = struct{}{}
			}
			c.mu.Unlock()
		}

		if c.cfg.Metrics != nil {
			c.cfg.Metrics.RecordEventReceived(string(event.Kind()))
		}
		c.dispatch(event)
	}
}

// dispatch fans an event out to matching subscriptions in arrival order.
// A full subscription loses the event rather than stalling the read loop;
// the polling backstop restores consistency for slow consumers.
func (c *Client) dispatch(event types.LiveEvent) {
	c.mu.Lock()
	targets := make([]*Subscription, 0, len(c.subs))
	for _, sub := range c.subs {
		if sub.wants(event.Kind()) {
			targets = append(targets, sub)
		}
	}
	c.mu.Unlock()

	for _, sub := range targets {
		select {
		case sub.events <- event:
		default:
			c.log.Warn("subscriber lagging, dropping event", "kind", event.Kind())
			if c.cfg.Metrics != nil {
				c.cfg.Metrics.RecordEventDropped("slow_subscriber")
			}
		}
	}
}

func (c *Client) unsubscribe(id int) {
	c.mu.Lock()
	sub, ok := c.subs[id]
	if ok {
		delete(c.subs, id)
	}
	c.mu.Unlock()
	if ok {
		close(sub.events)
	}
}

func (c *Client) setStatus(s Status) {
	c.mu.Lock()
	c.setStatusLocked(s)
	c.mu.Unlock()
}

// setStatusLocked updates status and notifies state subscribers. Callers
// hold mu.
func (c *Client) setStatusLocked(s Status) {
	if c.status == s {
		return
	}
	c.status = s
	for _, ch := range c.stateSubs {
		select {
		case ch <- s:
		default:
			// State subscribers that lag see only the latest transition
			// on their next receive; intermediate states are not queued
			// indefinitely.
		}
	}
}
