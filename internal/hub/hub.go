package hub

// ============================================================================
// Room Hub
// 職責 (Responsibility): the server side of the push channel. Maintains the
// conn ↔ room registry, scopes event fanout per room, mirrors location and
// status traffic into the admin room, and persists what it relays so the
// REST snapshot endpoints answer from the same truth.
//
// Registry invariants: join is idempotent, leave of a non-member is a
// no-op, disconnect removes the conn from every room. Membership never
// survives a disconnect; clients must re-join after reconnecting.
// ============================================================================

import (
	"context"
	"encoding/json"
	"log/slog"
	"math"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/umuve/livesync/internal/hub/store"
	"github.com/umuve/livesync/internal/metrics"
	"github.com/umuve/livesync/pkg/types"
)

// jobOfferRadiusKm bounds job:new fanout: only online drivers within this
// distance of the pickup hear about a fresh job.
const jobOfferRadiusKm = 30.0

// Config wires the hub.
type Config struct {
	// Token is the bearer token both transports require.
	Token string

	Store   *store.Store
	Metrics *metrics.Collector
	Logger  *slog.Logger
}

// Hub is the room registry plus fanout engine.
type Hub struct {
	cfg    Config
	logger *slog.Logger
	store  *store.Store

	upgrader websocket.Upgrader

	mu    sync.Mutex
	rooms map[types.Room]map[*conn]struct{}
	conns map[*conn]struct{}
}

// New builds a hub around a store.
func New(cfg Config) *Hub {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Hub{
		cfg:    cfg,
		logger: cfg.Logger,
		store:  cfg.Store,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		rooms: make(map[types.Room]map[*conn]struct{}),
		conns: make(map[*conn]struct{}),
	}
}

// ServeWS upgrades one websocket client and runs its read loop until the
// socket drops.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	if h.cfg.Token != "" && r.URL.Query().Get("token") != h.cfg.Token {
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "err", err)
		return
	}
	c := newConn(ws)
	h.mu.Lock()
	h.conns[c] = struct{}{}
	h.mu.Unlock()
	go c.writePump()
	h.readLoop(c)
}

func (h *Hub) readLoop(c *conn) {
	defer h.dropConn(c)
	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		var env types.Envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			h.logger.Warn("malformed frame dropped", "err", err)
			continue
		}
		h.handleClientEvent(c, env)
	}
}

// dropConn removes a conn from every room and closes its queue.
func (h *Hub) dropConn(c *conn) {
	h.mu.Lock()
	if _, ok := h.conns[c]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.conns, c)
	for room := range c.rooms {
		h.removeLocked(c, room)
	}
	h.mu.Unlock()
	close(c.send)
}

// ============================================================================
// Client events
// ============================================================================

func (h *Hub) handleClientEvent(c *conn, env types.Envelope) {
	if h.cfg.Metrics != nil {
		h.cfg.Metrics.RecordEventReceived(env.Event)
	}
	ctx := context.Background()
	switch env.Event {
	case "join":
		var p struct {
			Room string `json:"room"`
		}
		if err := json.Unmarshal(env.Data, &p); err != nil || p.Room == "" {
			return
		}
		h.join(c, types.Room(p.Room))

	case "leave":
		var p struct {
			Room string `json:"room"`
		}
		if err := json.Unmarshal(env.Data, &p); err != nil || p.Room == "" {
			return
		}
		h.leave(c, types.Room(p.Room))

	case "driver:location":
		var p struct {
			ContractorID string  `json:"contractor_id"`
			Lat          float64 `json:"lat"`
			Lng          float64 `json:"lng"`
			JobID        string  `json:"job_id"`
		}
		if err := json.Unmarshal(env.Data, &p); err != nil || p.ContractorID == "" {
			return
		}
		h.ingestLocation(ctx, c, p.ContractorID, types.Point{Lat: p.Lat, Lng: p.Lng}, p.JobID)

	case "chat:send":
		var p struct {
			JobID   string `json:"job_id"`
			Body    string `json:"body"`
			Role    string `json:"role"`
			LocalID string `json:"local_id"`
		}
		if err := json.Unmarshal(env.Data, &p); err != nil || p.JobID == "" || p.Body == "" {
			return
		}
		h.ingestChat(ctx, types.ChatMessage{
			LocalID:    p.LocalID,
			JobID:      p.JobID,
			SenderRole: types.SenderRole(p.Role),
			Body:       p.Body,
		})

	case "chat:typing":
		// Transient: relay to the job room, never persisted.
		var p struct {
			JobID string `json:"job_id"`
		}
		if err := json.Unmarshal(env.Data, &p); err != nil || p.JobID == "" {
			return
		}
		h.Broadcast(types.JobRoom(p.JobID), "chat:typing", json.RawMessage(env.Data))

	case "chat:read":
		var p struct {
			JobID      string `json:"job_id"`
			ReaderRole string `json:"reader_role"`
			ReadAt     int64  `json:"read_at"`
		}
		if err := json.Unmarshal(env.Data, &p); err != nil || p.JobID == "" {
			return
		}
		if p.ReadAt == 0 {
			p.ReadAt = time.Now().UnixMilli()
		}
		if err := h.store.MarkChatRead(ctx, p.JobID, types.SenderRole(p.ReaderRole), p.ReadAt); err != nil {
			h.logger.Error("mark chat read failed", "job_id", p.JobID, "err", err)
			return
		}
		h.Broadcast(types.JobRoom(p.JobID), "chat:read", p)

	default:
		h.logger.Debug("unknown client event ignored", "event", env.Event)
	}
}

// join adds the conn to a room and acks with joined. Re-joining a joined
// room still acks, so a client that lost the first ack can converge.
func (h *Hub) join(c *conn, room types.Room) {
	h.mu.Lock()
	set, ok := h.rooms[room]
	if !ok {
		set = make(map[*conn]struct{})
		h.rooms[room] = set
	}
	set[c] = struct{}{}
	c.rooms[room] = struct{}{}
	h.mu.Unlock()

	frame, err := types.EncodeFrame("joined", map[string]string{"room": string(room)})
	if err == nil {
		c.enqueue(frame)
	}
}

func (h *Hub) leave(c *conn, room types.Room) {
	h.mu.Lock()
	h.removeLocked(c, room)
	h.mu.Unlock()
}

func (h *Hub) removeLocked(c *conn, room types.Room) {
	delete(c.rooms, room)
	if set, ok := h.rooms[room]; ok {
		delete(set, c)
		if len(set) == 0 {
			delete(h.rooms, room)
		}
	}
}

// ============================================================================
// Ingest + fanout
// ============================================================================

// ingestLocation persists a GPS fix, then fans it out: the job room (when
// the fix is tied to a job), the driver's own room, and a mirrored copy
// into the admin room.
func (h *Hub) ingestLocation(ctx context.Context, c *conn, contractorID string, p types.Point, jobID string) {
	now := time.Now().UnixMilli()
	if err := h.store.UpsertContractorPosition(ctx, contractorID, p, now); err != nil {
		h.logger.Error("position upsert failed", "contractor_id", contractorID, "err", err)
	}

	h.mu.Lock()
	c.driverID = contractorID
	c.lastPos = p
	c.hasPos = true
	h.mu.Unlock()

	payload := map[string]any{
		"contractor_id": contractorID,
		"lat":           p.Lat,
		"lng":           p.Lng,
		"job_id":        jobID,
	}
	if jobID != "" {
		h.Broadcast(types.JobRoom(jobID), "driver:location", payload)
	}
	h.Broadcast(types.DriverRoom(contractorID), "driver:location", payload)
	h.Broadcast(types.AdminRoom, "admin:contractor-location", payload)
}

// ingestChat assigns the server id and timestamp, persists, and echoes the
// stored message (local_id included) to the job room. Used by both the
// websocket path and the REST fallback, so either transport lands in the
// same place.
func (h *Hub) ingestChat(ctx context.Context, msg types.ChatMessage) (types.ChatMessage, error) {
	msg.ID = uuid.NewString()
	if msg.CreatedAt == 0 {
		msg.CreatedAt = time.Now().UnixMilli()
	}
	if err := h.store.InsertChatMessage(ctx, msg); err != nil {
		h.logger.Error("chat persist failed", "job_id", msg.JobID, "err", err)
		return types.ChatMessage{}, err
	}
	h.Broadcast(types.JobRoom(msg.JobID), "chat:message", msg)
	return msg, nil
}

// Broadcast sends one event to every conn in a room. Conns too slow to
// keep up are dropped rather than allowed to stall the room.
func (h *Hub) Broadcast(room types.Room, event string, payload any) {
	frame, err := types.EncodeFrame(event, payload)
	if err != nil {
		h.logger.Error("encode frame failed", "event", event, "err", err)
		return
	}

	h.mu.Lock()
	var slow []*conn
	for c := range h.rooms[room] {
		if !c.enqueue(frame) {
			slow = append(slow, c)
		}
	}
	h.mu.Unlock()

	for _, c := range slow {
		h.logger.Warn("dropping slow subscriber", "room", room)
		if h.cfg.Metrics != nil {
			h.cfg.Metrics.RecordEventDropped("slow_subscriber")
		}
		h.dropConn(c)
	}
}

// OfferJob announces a freshly created job: admins always hear it; online
// drivers hear it only when their last known position is within the offer
// radius.
func (h *Hub) OfferJob(job types.JobRecord) {
	// Push payloads carry the typed record as-is; only the REST layer
	// keeps the historical flat shape.
	h.Broadcast(types.AdminRoom, "job:new", job)

	frame, err := types.EncodeFrame("job:new", job)
	if err != nil {
		return
	}
	h.mu.Lock()
	var slow []*conn
	for c := range h.conns {
		if c.driverID == "" || !c.hasPos {
			continue
		}
		if haversineKm(c.lastPos, job.Position) > jobOfferRadiusKm {
			continue
		}
		if !c.enqueue(frame) {
			slow = append(slow, c)
		}
	}
	h.mu.Unlock()
	for _, c := range slow {
		h.dropConn(c)
	}
}

// RoomCount reports the membership of a room, for tests and diagnostics.
func (h *Hub) RoomCount(room types.Room) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.rooms[room])
}

// haversineKm is the great-circle distance between two points.
func haversineKm(a, b types.Point) float64 {
	const earthRadiusKm = 6371.0
	lat1 := a.Lat * math.Pi / 180
	lat2 := b.Lat * math.Pi / 180
	dLat := (b.Lat - a.Lat) * math.Pi / 180
	dLng := (b.Lng - a.Lng) * math.Pi / 180
	s := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLng/2)*math.Sin(dLng/2)
	return 2 * earthRadiusKm * math.Asin(math.Sqrt(s))
}
