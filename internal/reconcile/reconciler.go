package reconcile

// ============================================================================
// State Reconciler
// 職責 (Responsibility): merge push events, pull snapshots and optimistic
// mutations into one authoritative view of the live state.
//
// Everything funnels through a single apply loop:
//
//	events ──┐
//	snapshots ├─> in queue ─> apply() ─> rebuild() ─> publish ViewModel
//	mutations┘
//
// Because only the apply goroutine touches the merge state, the resolution
// rules stay simple: last-write-wins for positions and status, id-based
// dedup for chat, snapshot-driven removal for entities. A rolling buffer of
// recent events lets a snapshot that raced with pushes be patched back up
// to date by replay.
// ============================================================================

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/umuve/livesync/internal/metrics"
	"github.com/umuve/livesync/pkg/types"
)

// inputQueueSize bounds the apply queue. Producers block when the loop
// falls behind, which backpressures the read loop instead of dropping
// state transitions.
const inputQueueSize = 256

// input is a unit of work for the apply loop.
type input interface{ isInput() }

type eventInput struct{ ev types.LiveEvent }
type mapSnapshotInput struct{ snap types.MapData }
type chatSnapshotInput struct{ snap types.ChatHistory }
type mutationAddInput struct{ m types.Mutation }
type mutationResolveInput struct {
	localID string
	status  types.MutationStatus
}
type liveInput struct{ live bool }
type staleInput struct{ stale bool }

func (eventInput) isInput()          {}
func (mapSnapshotInput) isInput()    {}
func (chatSnapshotInput) isInput()   {}
func (mutationAddInput) isInput()    {}
func (mutationResolveInput) isInput() {}
func (liveInput) isInput()           {}
func (staleInput) isInput()          {}

// Config carries the per-screen scope of a reconciler.
type Config struct {
	// JobID scopes the status banner and chat thread. Empty for the
	// admin map, which only consumes positions.
	JobID string

	// SelfRole decides which chat messages count as unread and which
	// typing indicators belong to the peer.
	SelfRole types.SenderRole

	// BufferSize overrides the replay window. Zero means the default.
	BufferSize int

	Metrics *metrics.Collector
	Logger  *slog.Logger
}

// Reconciler owns the merge state for one screen. All mutation happens on
// the apply goroutine; the public methods only enqueue.
type Reconciler struct {
	cfg     Config
	logger  *slog.Logger
	metrics *metrics.Collector

	in     chan input
	stopCh chan struct{}
	done   chan struct{}

	// Apply-loop-owned state. Never touched outside run().
	contractors map[string]types.Point
	jobs        map[string]types.Point
	jobStatus   types.JobStatusView
	messages    []types.ChatMessage
	msgIDs      map[string]struct{}
	pending     []types.Mutation
	peerTyping  bool
	buffer      *eventBuffer
	live        bool
	stale       bool
	version     uint64

	// Published view and subscribers, guarded separately so Current()
	// never blocks on the apply loop.
	mu      sync.Mutex
	current types.ViewModel
	subs    map[int]chan types.ViewModel
	nextSub int
}

// New builds a reconciler. Call Start before feeding it.
func New(cfg Config) *Reconciler {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Reconciler{
		cfg:         cfg,
		logger:      cfg.Logger,
		metrics:     cfg.Metrics,
		in:          make(chan input, inputQueueSize),
		stopCh:      make(chan struct{}),
		done:        make(chan struct{}),
		contractors: make(map[string]types.Point),
		jobs:        make(map[string]types.Point),
		msgIDs:      make(map[string]struct{}),
		buffer:      newEventBuffer(cfg.BufferSize),
		subs:        make(map[int]chan types.ViewModel),
	}
}

// Start launches the apply loop.
func (r *Reconciler) Start() {
	go r.run()
}

// Stop shuts the apply loop down and waits for it to drain.
func (r *Reconciler) Stop() {
	close(r.stopCh)
	<-r.done
}

// ============================================================================
// Enqueue API
// ============================================================================

// ApplyEvent feeds a live event into the merge.
func (r *Reconciler) ApplyEvent(ev types.LiveEvent) {
	r.enqueue(eventInput{ev: ev})
}

// ApplyMapSnapshot replaces the map state with a polled snapshot, then
// replays buffered events newer than the snapshot's fetch start.
func (r *Reconciler) ApplyMapSnapshot(snap types.MapData) {
	r.enqueue(mapSnapshotInput{snap: snap})
}

// ApplyChatSnapshot replaces the chat thread with fetched history.
func (r *Reconciler) ApplyChatSnapshot(snap types.ChatHistory) {
	r.enqueue(chatSnapshotInput{snap: snap})
}

// AddMutation registers an optimistic mutation so the view reflects it
// before the server confirms.
func (r *Reconciler) AddMutation(m types.Mutation) {
	r.enqueue(mutationAddInput{m: m})
}

// ResolveMutation settles an optimistic mutation. Confirmed and failed
// both remove the pending overlay; a confirmed chat message re-enters
// through its echoed event.
func (r *Reconciler) ResolveMutation(localID string, status types.MutationStatus) {
	r.enqueue(mutationResolveInput{localID: localID, status: status})
}

// SetLive flips the live-connection flag on the view.
func (r *Reconciler) SetLive(live bool) { r.enqueue(liveInput{live: live}) }

// SetStale flips the stale-data flag on the view.
func (r *Reconciler) SetStale(stale bool) { r.enqueue(staleInput{stale: stale}) }

func (r *Reconciler) enqueue(in input) {
	select {
	case r.in <- in:
	case <-r.stopCh:
	}
}

// ============================================================================
// Subscriptions
// ============================================================================

// Subscribe returns a coalescing channel of view models. Slow consumers
// always see the latest version; intermediate versions may be skipped but
// never reordered.
func (r *Reconciler) Subscribe() (<-chan types.ViewModel, func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := r.nextSub
	r.nextSub++
	ch := make(chan types.ViewModel, 1)
	r.subs[id] = ch
	cancel := func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		delete(r.subs, id)
	}
	return ch, cancel
}

// Current returns the most recently published view model.
func (r *Reconciler) Current() types.ViewModel {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.current
}

// ============================================================================
// Apply loop
// ============================================================================

func (r *Reconciler) run() {
	defer close(r.done)
	for {
		select {
		case in := <-r.in:
			start := time.Now()
			r.apply(in)
			r.publish()
			if r.metrics != nil {
				r.metrics.ObserveApplyLatency(time.Since(start))
			}
		case <-r.stopCh:
			return
		}
	}
}

func (r *Reconciler) apply(in input) {
	switch v := in.(type) {
	case eventInput:
		r.applyEvent(v.ev, false)
	case mapSnapshotInput:
		r.applyMapSnapshot(v.snap)
	case chatSnapshotInput:
		r.applyChatSnapshot(v.snap)
	case mutationAddInput:
		r.pending = append(r.pending, v.m)
	case mutationResolveInput:
		r.removePending(v.localID)
		if v.status == types.MutationFailed {
			r.logger.Warn("optimistic mutation failed", "local_id", v.localID)
		}
	case liveInput:
		r.live = v.live
	case staleInput:
		r.stale = v.stale
	}
}

// applyEvent merges one event. replay is true when the event is being
// re-applied on top of a fresh snapshot; replayed events skip the buffer.
func (r *Reconciler) applyEvent(ev types.LiveEvent, replay bool) {
	switch e := ev.(type) {
	case types.LocationUpdate:
		// Last write wins. GPS pings are idempotent position
		// statements, so replaying one is harmless.
		r.contractors[e.EntityID] = types.Point{Lat: e.Lat, Lng: e.Lng}

	case types.StatusChanged:
		if r.cfg.JobID == "" || e.JobID == r.cfg.JobID {
			r.jobStatus.Status = e.NewStatus
			r.jobStatus.UpdatedAt = e.ReceivedAt()
		}
		if e.NewStatus == types.StatusCompleted || e.NewStatus == types.StatusCancelled {
			delete(r.jobs, e.JobID)
		}

	case types.JobNewEvent:
		r.jobs[e.Job.ID] = e.Job.Position

	case types.JobAssignedEvent:
		if e.JobID == r.cfg.JobID {
			r.jobStatus.Status = types.StatusAssigned
			r.jobStatus.UpdatedAt = e.ReceivedAt()
		}

	case types.JobAcceptedEvent:
		if e.JobID == r.cfg.JobID {
			r.jobStatus.Status = types.StatusAccepted
			r.jobStatus.UpdatedAt = e.ReceivedAt()
		}

	case types.VolumeApprovedEvent:
		if e.JobID == r.cfg.JobID {
			r.jobStatus.AdjustedPrice = e.AdjustedPrice
			r.jobStatus.UpdatedAt = e.ReceivedAt()
		}

	case types.VolumeDeclinedEvent:
		if e.JobID == r.cfg.JobID {
			r.jobStatus.UpdatedAt = e.ReceivedAt()
		}

	case types.ChatMessageEvent:
		r.applyChatMessage(e.Message)

	case types.ChatReadEvent:
		r.applyChatRead(e)

	case types.ChatTypingEvent:
		// Ephemeral; never buffered or replayed.
		if !replay && e.Role != r.cfg.SelfRole {
			r.peerTyping = e.Typing
		}
		return

	case types.RoomJoinedEvent:
		// Membership bookkeeping lives in the channel client.
		return

	default:
		r.logger.Debug("unhandled event kind", "kind", ev.Kind())
		return
	}

	if !replay {
		r.buffer.add(ev)
	}
}

// dedupKey identifies a chat message for duplicate suppression. Messages
// echoed before the server assigned an id carry only their local id.
func dedupKey(msg types.ChatMessage) string {
	if msg.ID != "" {
		return msg.ID
	}
	return "local:" + msg.LocalID
}

// applyChatMessage inserts a message, deduplicating by server id and
// settling any optimistic bubble it confirms.
func (r *Reconciler) applyChatMessage(msg types.ChatMessage) {
	if r.cfg.JobID != "" && msg.JobID != r.cfg.JobID {
		return
	}
	if msg.LocalID != "" {
		r.removePending(msg.LocalID)
	} else {
		// Some backends drop the local id on the echo. Fall back to
		// matching our own pending message by role and body.
		if msg.SenderRole == r.cfg.SelfRole {
			for _, p := range r.pending {
				if p.Kind == types.MutationChatSend && p.Body == msg.Body {
					r.removePending(p.LocalID)
					break
				}
			}
		}
	}
	if _, dup := r.msgIDs[dedupKey(msg)]; dup {
		return
	}
	r.msgIDs[dedupKey(msg)] = struct{}{}
	// Insertion sort: history arrives ordered, live messages arrive at
	// the tail, so the scan is almost always O(1).
	i := len(r.messages)
	for i > 0 && r.messages[i-1].CreatedAt > msg.CreatedAt {
		i--
	}
	r.messages = append(r.messages, types.ChatMessage{})
	copy(r.messages[i+1:], r.messages[i:])
	r.messages[i] = msg
}

func (r *Reconciler) applyChatRead(ev types.ChatReadEvent) {
	if r.cfg.JobID != "" && ev.JobID != r.cfg.JobID {
		return
	}
	for i := range r.messages {
		if r.messages[i].SenderRole != ev.ReaderRole && r.messages[i].ReadAt == nil {
			at := ev.ReadAt
			r.messages[i].ReadAt = &at
		}
	}
}

func (r *Reconciler) removePending(localID string) {
	for i, p := range r.pending {
		if p.LocalID == localID {
			r.pending = append(r.pending[:i], r.pending[i+1:]...)
			return
		}
	}
}

// ============================================================================
// Snapshot application
// ============================================================================

// applyMapSnapshot is the pull-side half of the merge: wholesale replace,
// then replay anything pushed since the fetch started. Entities the
// snapshot omits disappear unless a replayed event re-asserts them —
// removal is snapshot-driven, never inferred from event silence.
func (r *Reconciler) applyMapSnapshot(snap types.MapData) {
	r.contractors = make(map[string]types.Point, len(snap.Contractors))
	for _, c := range snap.Contractors {
		r.contractors[c.ID] = c.Position
	}
	r.jobs = make(map[string]types.Point, len(snap.Jobs))
	for _, j := range snap.Jobs {
		r.jobs[j.ID] = j.Position
	}

	r.buffer.pruneBefore(snap.FetchStart)
	replayed := r.buffer.replayAfter(snap.FetchStart)
	for _, ev := range replayed {
		r.applyEvent(ev, true)
	}
	if len(replayed) > 0 {
		r.logger.Debug("replayed events over snapshot",
			"count", len(replayed), "fetch_start", snap.FetchStart)
	}
	r.stale = false
}

// applyChatSnapshot replaces the canonical thread with fetched history,
// then replays newer buffered chat events. Optimistic bubbles live in the
// pending overlay and survive the replace untouched.
func (r *Reconciler) applyChatSnapshot(snap types.ChatHistory) {
	r.messages = make([]types.ChatMessage, 0, len(snap.Messages))
	r.msgIDs = make(map[string]struct{}, len(snap.Messages))
	sorted := append([]types.ChatMessage(nil), snap.Messages...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].CreatedAt < sorted[j].CreatedAt
	})
	for _, msg := range sorted {
		if _, dup := r.msgIDs[dedupKey(msg)]; dup {
			continue
		}
		r.msgIDs[dedupKey(msg)] = struct{}{}
		r.messages = append(r.messages, msg)
	}

	for _, ev := range r.buffer.replayAfter(snap.FetchStart) {
		if ev.Kind() == types.KindChatMessage || ev.Kind() == types.KindChatRead {
			r.applyEvent(ev, true)
		}
	}
}

// ============================================================================
// View building & publishing
// ============================================================================

func (r *Reconciler) rebuild() types.ViewModel {
	r.version++

	snap := types.MapSnapshot{
		Contractors: make(map[string]types.Point, len(r.contractors)),
		Jobs:        make(map[string]types.Point, len(r.jobs)),
	}
	for id, p := range r.contractors {
		snap.Contractors[id] = p
	}
	for id, p := range r.jobs {
		snap.Jobs[id] = p
	}

	thread := types.ChatThread{
		Messages:   make([]types.ChatMessage, 0, len(r.messages)+len(r.pending)),
		PeerTyping: r.peerTyping,
	}
	thread.Messages = append(thread.Messages, r.messages...)
	for _, p := range r.pending {
		if p.Kind != types.MutationChatSend {
			continue
		}
		thread.Messages = append(thread.Messages, types.ChatMessage{
			ID:         p.LocalID,
			LocalID:    p.LocalID,
			JobID:      p.JobID,
			SenderRole: p.Role,
			Body:       p.Body,
			CreatedAt:  p.SubmittedAt,
			Pending:    true,
		})
	}
	sort.SliceStable(thread.Messages, func(i, j int) bool {
		return thread.Messages[i].CreatedAt < thread.Messages[j].CreatedAt
	})
	for _, m := range thread.Messages {
		if m.SenderRole != r.cfg.SelfRole && m.ReadAt == nil {
			thread.UnreadCount++
		}
	}

	return types.ViewModel{
		Map:     snap,
		Job:     r.jobStatus,
		Chat:    thread,
		Live:    r.live,
		Stale:   r.stale,
		Version: r.version,
	}
}

func (r *Reconciler) publish() {
	vm := r.rebuild()
	if r.metrics != nil {
		r.metrics.SetViewModelVersion(vm.Version)
	}

	r.mu.Lock()
	r.current = vm
	for _, ch := range r.subs {
		// Coalesce: evict the stale view so the latest always lands.
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- vm:
		default:
		}
	}
	r.mu.Unlock()
}
