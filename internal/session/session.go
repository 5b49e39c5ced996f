package session

// ============================================================================
// Live Session
// 職責 (Responsibility): assemble the sync pipeline for one screen and run
// its plumbing. The session owns the REST client, the reconciler, the
// mutation queue and the pollers, rides a shared push channel when one is
// injected (dialing its own otherwise), and handles the cross-cutting flows
// none of them can own alone:
//
//   - pumping decoded events from the channel into the reconciler
//   - re-joining rooms and re-baselining with a poll after every reconnect
//   - mapping channel state to the view's Live flag and poller degradation
//     to its Stale flag
//   - settling optimistic chat sends when their echo arrives
//
// One session per screen: the admin map, a customer's job detail, a
// driver's home. Mount builds it, Stop tears it down.
// ============================================================================

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/umuve/livesync/internal/channel"
	"github.com/umuve/livesync/internal/metrics"
	"github.com/umuve/livesync/internal/mutation"
	"github.com/umuve/livesync/internal/poller"
	"github.com/umuve/livesync/internal/reconcile"
	"github.com/umuve/livesync/internal/rest"
	"github.com/umuve/livesync/pkg/types"
)

// Config assembles a session.
type Config struct {
	// ChannelURL is the websocket endpoint (ws:// or wss://). Ignored when
	// Channel is set.
	ChannelURL string

	// Channel optionally injects the process-wide push client so screens
	// share one connection. The session then only joins and leaves its own
	// rooms; connection lifecycle stays with the caller. When nil the
	// session dials and owns a client of its own.
	Channel *channel.Client

	// APIBaseURL is the REST endpoint the pollers and fallbacks hit.
	APIBaseURL string

	// Token authenticates both transports.
	Token string

	// Role is who this session acts as.
	Role types.SenderRole

	// Rooms to join on every (re)connect.
	Rooms []types.Room

	// JobID scopes the status banner and chat thread; empty for the map.
	JobID string

	// MapInterval and ChatInterval override the polling cadence.
	MapInterval  time.Duration
	ChatInterval time.Duration

	// OnMutationFailed surfaces rolled-back mutations to the UI.
	OnMutationFailed func(m types.Mutation, err error)

	// OnAuthError surfaces a terminal channel auth failure.
	OnAuthError func(err error)

	Metrics *metrics.Collector
	Logger  *slog.Logger
}

// Session is one screen's assembled sync pipeline.
type Session struct {
	cfg    Config
	logger *slog.Logger

	channel     *channel.Client
	ownsChannel bool
	rest        *rest.Client
	reconciler *reconcile.Reconciler
	queue      *mutation.Queue
	mapPoller  *poller.Poller
	chatPoller *poller.Poller

	cancelEvents func()
	cancelState  func()
	stopCh       chan struct{}
	stopOnce     sync.Once
	wg           sync.WaitGroup
}

// New assembles a session. Nothing runs until Start.
func New(cfg Config) (*Session, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	s := &Session{cfg: cfg, logger: cfg.Logger, stopCh: make(chan struct{})}

	var err error
	s.rest, err = rest.NewClient(rest.Config{
		BaseURL: cfg.APIBaseURL,
		Token:   cfg.Token,
		Logger:  cfg.Logger,
	})
	if err != nil {
		return nil, fmt.Errorf("session: %w", err)
	}
	if cfg.Channel != nil {
		s.channel = cfg.Channel
	} else {
		s.channel = channel.New(channel.Config{
			URL:         cfg.ChannelURL,
			OnAuthError: cfg.OnAuthError,
			Metrics:     cfg.Metrics,
			Logger:      cfg.Logger,
		})
		s.ownsChannel = true
	}
	s.reconciler = reconcile.New(reconcile.Config{
		JobID:    cfg.JobID,
		SelfRole: cfg.Role,
		Metrics:  cfg.Metrics,
		Logger:   cfg.Logger,
	})
	s.queue = mutation.NewQueue(mutation.Config{
		Channel:  s.channel,
		REST:     s.rest,
		Resolver: s.reconciler,
		Role:     cfg.Role,
		OnFailed: cfg.OnMutationFailed,
		Metrics:  cfg.Metrics,
		Logger:   cfg.Logger,
	})

	mapInterval := cfg.MapInterval
	if mapInterval <= 0 {
		mapInterval = poller.DefaultMapInterval
	}
	s.mapPoller = poller.New(poller.Config{
		Name:     "map",
		Interval: mapInterval,
		Fetch:    s.fetchMap,
		OnDegraded: func(degraded bool) {
			s.reconciler.SetStale(degraded)
		},
		Metrics: cfg.Metrics,
		Logger:  cfg.Logger,
	})
	if cfg.JobID != "" {
		chatInterval := cfg.ChatInterval
		if chatInterval <= 0 {
			chatInterval = poller.DefaultChatInterval
		}
		s.chatPoller = poller.New(poller.Config{
			Name:     "chat",
			Interval: chatInterval,
			Fetch:    s.fetchChat,
			// Chat polling only matters while push is down; the live
			// channel already delivers every message.
			Gate: func() bool {
				return s.channel.Status() != channel.StatusConnected
			},
			Metrics: cfg.Metrics,
			Logger:  cfg.Logger,
		})
	}
	return s, nil
}

// Start brings the pipeline up: reconciler, queue, channel, pollers.
func (s *Session) Start(ctx context.Context) {
	s.reconciler.Start()
	s.queue.Start()

	sub := s.channel.Subscribe()
	s.cancelEvents = sub.Cancel
	s.wg.Add(1)
	go s.eventLoop(sub.Events())

	states, cancelState := s.channel.SubscribeState()
	s.cancelState = cancelState
	s.wg.Add(1)
	go s.stateLoop(ctx, states)

	if s.ownsChannel {
		s.channel.Connect(ctx, s.cfg.Token)
	} else if s.channel.Status() == channel.StatusConnected {
		// A shared client may already be up, so no transition will reach
		// the state loop. Run the connected actions directly.
		s.reconciler.SetLive(true)
		s.onConnected(ctx)
	}

	s.mapPoller.Start(ctx)
	if s.chatPoller != nil {
		s.chatPoller.Start(ctx)
	}
}

// Stop tears the pipeline down in dependency order. Safe to call twice.
func (s *Session) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopCh)
		s.mapPoller.Stop()
		if s.chatPoller != nil {
			s.chatPoller.Stop()
		}
		if s.ownsChannel {
			s.channel.Disconnect()
		} else {
			// The client outlives this screen; only its rooms are released.
			for _, room := range s.cfg.Rooms {
				s.channel.LeaveRoom(room)
			}
		}
		if s.cancelEvents != nil {
			s.cancelEvents()
		}
		if s.cancelState != nil {
			s.cancelState()
		}
		s.wg.Wait()
		s.queue.Stop()
		s.reconciler.Stop()
	})
}

// ============================================================================
// Public surface
// ============================================================================

// Views returns the coalescing view-model stream for this screen.
func (s *Session) Views() (<-chan types.ViewModel, func()) {
	return s.reconciler.Subscribe()
}

// Current returns the latest view model.
func (s *Session) Current() types.ViewModel { return s.reconciler.Current() }

// SendChat submits an optimistic chat message and returns its local id.
func (s *Session) SendChat(ctx context.Context, body string) string {
	return s.queue.SendChat(ctx, s.cfg.JobID, body)
}

// AcceptJob submits a driver's claim on a job.
func (s *Session) AcceptJob(ctx context.Context, jobID, contractorID string) string {
	return s.queue.AcceptJob(ctx, jobID, contractorID)
}

// ToggleAvailability flips the driver's online flag.
func (s *Session) ToggleAvailability(ctx context.Context, contractorID string, online bool) string {
	return s.queue.ToggleAvailability(ctx, contractorID, online)
}

// MarkChatRead issues a read receipt for the session's job thread.
func (s *Session) MarkChatRead(ctx context.Context) error {
	if err := s.rest.MarkChatRead(ctx, s.cfg.JobID, s.cfg.Role); err != nil {
		return err
	}
	// Fire the live receipt too so the peer's badge clears promptly.
	_ = s.channel.Send("chat:read", map[string]any{
		"job_id":      s.cfg.JobID,
		"reader_role": string(s.cfg.Role),
		"read_at":     time.Now().UnixMilli(),
	})
	return nil
}

// SendTyping emits a transient typing indicator. Best effort.
func (s *Session) SendTyping(typing bool) {
	_ = s.channel.Send("chat:typing", map[string]any{
		"job_id": s.cfg.JobID,
		"role":   string(s.cfg.Role),
		"typing": typing,
	})
}

// SendLocation publishes a driver GPS fix.
func (s *Session) SendLocation(contractorID string, p types.Point, jobID string) error {
	return s.channel.Send("driver:location", map[string]any{
		"contractor_id": contractorID,
		"lat":           p.Lat,
		"lng":           p.Lng,
		"job_id":        jobID,
	})
}

// RotateToken swaps credentials on both transports. The channel restarts
// its connection with the new token.
func (s *Session) RotateToken(ctx context.Context, token string) {
	s.cfg.Token = token
	s.rest.SetToken(token)
	s.channel.Connect(ctx, token)
}

// Channel exposes the underlying push client, mainly for tests.
func (s *Session) Channel() *channel.Client { return s.channel }

// ============================================================================
// Plumbing loops
// ============================================================================

// eventLoop pumps decoded events into the reconciler and settles chat
// echoes that carry our local id.
func (s *Session) eventLoop(events <-chan types.LiveEvent) {
	defer s.wg.Done()
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			if msg, isChat := ev.(types.ChatMessageEvent); isChat && msg.Message.LocalID != "" {
				s.queue.Confirm(msg.Message.LocalID)
			}
			s.reconciler.ApplyEvent(ev)
		case <-s.stopCh:
			return
		}
	}
}

// stateLoop tracks the channel. Connected means join the screen's rooms
// and immediately re-baseline with a poll, since anything pushed during
// the outage is gone for good.
func (s *Session) stateLoop(ctx context.Context, states <-chan channel.Status) {
	defer s.wg.Done()
	for {
		select {
		case st, ok := <-states:
			if !ok {
				return
			}
			s.reconciler.SetLive(st == channel.StatusConnected)
			if st == channel.StatusConnected {
				s.onConnected(ctx)
			}
		case <-s.stopCh:
			return
		}
	}
}

// onConnected joins the screen's rooms and re-baselines with an immediate
// poll. JoinRoom is idempotent, so a shared channel that was already in a
// room sends nothing extra.
func (s *Session) onConnected(ctx context.Context) {
	for _, room := range s.cfg.Rooms {
		if err := s.channel.JoinRoom(room); err != nil {
			s.logger.Warn("room join failed", "room", room, "err", err)
		}
	}
	go s.mapPoller.TriggerNow(ctx)
	if s.chatPoller != nil {
		go s.chatPoller.TriggerNow(ctx)
	}
}

// ============================================================================
// Fetches
// ============================================================================

func (s *Session) fetchMap(ctx context.Context) error {
	snap, err := s.rest.MapData(ctx)
	if err != nil {
		return err
	}
	s.reconciler.ApplyMapSnapshot(snap)
	return nil
}

func (s *Session) fetchChat(ctx context.Context) error {
	history, err := s.rest.ChatMessages(ctx, s.cfg.JobID, 0, 50)
	if err != nil {
		return err
	}
	s.reconciler.ApplyChatSnapshot(history)
	return nil
}
