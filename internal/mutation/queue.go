package mutation

// ============================================================================
// Optimistic Mutation Queue
// Responsibility: give user actions (send chat, accept job, toggle
// availability) instant local effect, deliver them over the push channel
// when it is up and over REST when it is not, and settle or fail them
// deterministically.
//
// Lifecycle per mutation:
//
//	Submit ─> optimistic apply ─> push (or REST) ─> confirmed / failed
//	                                  │
//	                channel drops ────┘─> one REST retry
//
// A mutation has at most one in-flight attempt at a time. The 10s sweep is
// the backstop for echoes that never arrive.
// ============================================================================

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/umuve/livesync/internal/channel"
	"github.com/umuve/livesync/internal/metrics"
	"github.com/umuve/livesync/internal/rest"
	"github.com/umuve/livesync/pkg/types"
)

// defaultConfirmTimeout is how long a submitted mutation may wait for its
// server echo before being failed and rolled back.
const defaultConfirmTimeout = 10 * time.Second

// sweepInterval is how often the timeout sweep runs.
const sweepInterval = time.Second

// Resolver receives mutation outcomes. The reconciler implements it.
type Resolver interface {
	AddMutation(m types.Mutation)
	ResolveMutation(localID string, status types.MutationStatus)
}

// Config wires the queue's collaborators.
type Config struct {
	Channel  *channel.Client
	REST     *rest.Client
	Resolver Resolver

	// Role stamps outgoing chat messages and availability toggles.
	Role types.SenderRole

	// OnFailed, when set, is called after a mutation is rolled back so
	// the surface that submitted it can show the error.
	OnFailed func(m types.Mutation, err error)

	// ConfirmTimeout overrides how long a mutation may wait for its
	// confirmation before the sweep fails it. Zero means the 10s default.
	ConfirmTimeout time.Duration

	Metrics *metrics.Collector
	Logger  *slog.Logger
}

// errors the queue produces itself; transport errors pass through as-is.
var (
	errConfirmTimeout = errors.New("mutation: confirmation timed out")
	errNoTransport    = errors.New("mutation: no transport available")
)

// entry tracks one pending mutation.
type entry struct {
	mutation    types.Mutation
	submittedAt time.Time
	viaREST     bool         // delivered over REST; no channel echo expected
	retried     bool         // channel-drop REST retry already spent
	restRetry   func() error // REST fallback for a push-delivered mutation
}

// Queue manages pending optimistic mutations.
type Queue struct {
	cfg            Config
	logger         *slog.Logger
	confirmTimeout time.Duration

	mu      sync.Mutex
	pending map[string]*entry

	stopCh      chan struct{}
	stopOnce    sync.Once
	wg          sync.WaitGroup
	cancelState func()
}

// NewQueue builds a queue. Call Start before submitting.
func NewQueue(cfg Config) *Queue {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.ConfirmTimeout <= 0 {
		cfg.ConfirmTimeout = defaultConfirmTimeout
	}
	return &Queue{
		cfg:            cfg,
		logger:         cfg.Logger,
		confirmTimeout: cfg.ConfirmTimeout,
		pending:        make(map[string]*entry),
		stopCh:         make(chan struct{}),
	}
}

// Start launches the timeout sweep and the channel-state watcher that
// retries push-delivered mutations over REST when the connection drops.
func (q *Queue) Start() {
	q.wg.Add(1)
	go q.sweepLoop()

	if q.cfg.Channel != nil {
		states, cancel := q.cfg.Channel.SubscribeState()
		q.cancelState = cancel
		q.wg.Add(1)
		go q.stateLoop(states)
	}
}

// Stop halts background work. Pending mutations are failed so no caller
// is left waiting on an echo that cannot arrive.
func (q *Queue) Stop() {
	q.stopOnce.Do(func() {
		close(q.stopCh)
		if q.cancelState != nil {
			q.cancelState()
		}
	})
	q.wg.Wait()

	q.mu.Lock()
	stranded := make([]*entry, 0, len(q.pending))
	for _, e := range q.pending {
		stranded = append(stranded, e)
	}
	q.pending = make(map[string]*entry)
	q.mu.Unlock()
	for _, e := range stranded {
		q.fail(e, context.Canceled)
	}
}

// ============================================================================
// Submission
// ============================================================================

// SendChat submits a chat message. The optimistic bubble appears
// immediately; the server echo (matched by local id) settles it.
func (q *Queue) SendChat(ctx context.Context, jobID, body string) string {
	m := types.Mutation{
		LocalID:     uuid.NewString(),
		Kind:        types.MutationChatSend,
		JobID:       jobID,
		Body:        body,
		Role:        q.cfg.Role,
		SubmittedAt: time.Now().UnixMilli(),
		Status:      types.MutationPending,
	}
	q.submit(ctx, m, func() error {
		return q.cfg.Channel.Send("chat:send", map[string]any{
			"job_id":   jobID,
			"body":     body,
			"role":     string(q.cfg.Role),
			"local_id": m.LocalID,
		})
	}, func() error {
		_, err := q.cfg.REST.SendChatMessage(ctx, jobID, types.ChatMessage{
			LocalID:    m.LocalID,
			JobID:      jobID,
			SenderRole: q.cfg.Role,
			Body:       body,
			CreatedAt:  m.SubmittedAt,
		})
		return err
	})
	return m.LocalID
}

// AcceptJob submits a driver's claim on an offered job. Acceptance is
// contended, so it always goes through REST where the server can reject
// losers with a conflict.
func (q *Queue) AcceptJob(ctx context.Context, jobID, contractorID string) string {
	m := types.Mutation{
		LocalID:     uuid.NewString(),
		Kind:        types.MutationAcceptJob,
		JobID:       jobID,
		Role:        q.cfg.Role,
		SubmittedAt: time.Now().UnixMilli(),
		Status:      types.MutationPending,
	}
	q.submit(ctx, m, nil, func() error {
		return q.cfg.REST.AcceptJob(ctx, jobID, contractorID)
	})
	return m.LocalID
}

// ToggleAvailability flips the driver's online flag.
func (q *Queue) ToggleAvailability(ctx context.Context, contractorID string, online bool) string {
	m := types.Mutation{
		LocalID:     uuid.NewString(),
		Kind:        types.MutationToggleAvailability,
		Role:        q.cfg.Role,
		Online:      online,
		SubmittedAt: time.Now().UnixMilli(),
		Status:      types.MutationPending,
	}
	q.submit(ctx, m, nil, func() error {
		return q.cfg.REST.SetAvailability(ctx, contractorID, online)
	})
	return m.LocalID
}

// submit registers the optimistic effect and dispatches one delivery
// attempt: push when the channel is connected and the mutation supports
// it, REST otherwise.
func (q *Queue) submit(ctx context.Context, m types.Mutation, push func() error, viaREST func() error) {
	e := &entry{mutation: m, submittedAt: time.Now()}
	q.mu.Lock()
	q.pending[m.LocalID] = e
	q.mu.Unlock()

	if q.cfg.Resolver != nil {
		q.cfg.Resolver.AddMutation(m)
	}

	usePush := push != nil && q.cfg.Channel != nil &&
		q.cfg.Channel.Status() == channel.StatusConnected
	if usePush {
		if err := push(); err != nil {
			q.logger.Debug("push delivery failed, falling back to rest",
				"local_id", m.LocalID, "err", err)
			usePush = false
		}
	}
	if !usePush {
		q.deliverREST(e, viaREST)
		return
	}
	// Push sent; remember the REST fallback for a channel drop.
	q.mu.Lock()
	if cur, ok := q.pending[m.LocalID]; ok {
		cur.restRetry = viaREST
	}
	q.mu.Unlock()
}

// deliverREST runs a REST delivery synchronously. REST outcomes are
// definitive: success confirms, error fails.
func (q *Queue) deliverREST(e *entry, fn func() error) {
	// The entry may already be visible to the state watcher via q.pending.
	q.mu.Lock()
	e.viaREST = true
	q.mu.Unlock()
	if fn == nil {
		q.fail(q.take(e.mutation.LocalID), errNoTransport)
		return
	}
	if err := fn(); err != nil {
		q.fail(q.take(e.mutation.LocalID), err)
		return
	}
	q.confirm(e.mutation.LocalID)
}

// ============================================================================
// Settlement
// ============================================================================

// Confirm settles a pending mutation, typically when its echoed event
// arrives. Unknown ids are ignored; the echo may race the sweep.
func (q *Queue) Confirm(localID string) { q.confirm(localID) }

func (q *Queue) confirm(localID string) {
	e := q.take(localID)
	if e == nil {
		return
	}
	if q.cfg.Metrics != nil {
		q.cfg.Metrics.RecordMutation(string(e.mutation.Kind), "confirmed")
	}
	if q.cfg.Resolver != nil {
		q.cfg.Resolver.ResolveMutation(localID, types.MutationConfirmed)
	}
}

func (q *Queue) fail(e *entry, err error) {
	if e == nil {
		return
	}
	outcome := "failed"
	if errors.Is(err, errConfirmTimeout) {
		outcome = "timeout"
	}
	if q.cfg.Metrics != nil {
		q.cfg.Metrics.RecordMutation(string(e.mutation.Kind), outcome)
	}
	q.logger.Warn("mutation failed",
		"local_id", e.mutation.LocalID, "kind", e.mutation.Kind, "err", err)
	if q.cfg.Resolver != nil {
		q.cfg.Resolver.ResolveMutation(e.mutation.LocalID, types.MutationFailed)
	}
	if q.cfg.OnFailed != nil {
		q.cfg.OnFailed(e.mutation, err)
	}
}

// take removes and returns a pending entry, nil when already settled.
func (q *Queue) take(localID string) *entry {
	q.mu.Lock()
	defer q.mu.Unlock()
	e, ok := q.pending[localID]
	if !ok {
		return nil
	}
	delete(q.pending, localID)
	return e
}

// Pending reports the number of unsettled mutations.
func (q *Queue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// ============================================================================
// Background loops
// ============================================================================

// sweepLoop fails mutations whose confirmation never arrived.
func (q *Queue) sweepLoop() {
	defer q.wg.Done()
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case now := <-ticker.C:
			q.sweep(now)
		case <-q.stopCh:
			return
		}
	}
}

func (q *Queue) sweep(now time.Time) {
	q.mu.Lock()
	var expired []*entry
	for id, e := range q.pending {
		if now.Sub(e.submittedAt) >= q.confirmTimeout {
			delete(q.pending, id)
			expired = append(expired, e)
		}
	}
	q.mu.Unlock()
	for _, e := range expired {
		q.fail(e, errConfirmTimeout)
	}
}

// stateLoop watches the channel. When the connection drops, every
// push-delivered mutation still awaiting its echo gets one REST retry --
// the echo may have been lost with the socket.
func (q *Queue) stateLoop(states <-chan channel.Status) {
	defer q.wg.Done()
	for {
		select {
		case st, ok := <-states:
			if !ok {
				return
			}
			if st == channel.StatusReconnecting || st == channel.StatusDisconnected {
				q.retryOverREST()
			}
		case <-q.stopCh:
			return
		}
	}
}

func (q *Queue) retryOverREST() {
	q.mu.Lock()
	var retries []*entry
	for _, e := range q.pending {
		if !e.viaREST && !e.retried && e.restRetry != nil {
			e.retried = true
			retries = append(retries, e)
		}
	}
	q.mu.Unlock()
	for _, e := range retries {
		e := e
		go q.deliverREST(e, e.restRetry)
	}
}
