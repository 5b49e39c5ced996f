package hub

// ============================================================================
// REST API
// The pull side of the hub: snapshot endpoints the pollers consume, plus
// the REST legs of the optimistic mutations. Every write that changes
// live state also fans out the matching push event, so websocket clients
// and pollers converge on the same truth.
// ============================================================================

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/umuve/livesync/internal/hub/store"
	"github.com/umuve/livesync/pkg/types"
)

// Handler builds the hub's HTTP mux: the websocket endpoint plus the REST
// surface, all behind bearer auth.
func (h *Hub) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws", h.ServeWS)
	mux.HandleFunc("GET /admin/map-data", h.auth(h.handleMapData))
	mux.HandleFunc("GET /jobs/available", h.auth(h.handleAvailableJobs))
	mux.HandleFunc("POST /jobs", h.auth(h.handleCreateJob))
	mux.HandleFunc("POST /jobs/{jobID}/accept", h.auth(h.handleAcceptJob))
	mux.HandleFunc("POST /jobs/{jobID}/status", h.auth(h.handleJobStatus))
	mux.HandleFunc("POST /jobs/{jobID}/volume", h.auth(h.handleVolume))
	mux.HandleFunc("GET /chat/{jobID}/messages", h.auth(h.handleChatHistory))
	mux.HandleFunc("POST /chat/{jobID}/messages", h.auth(h.handleChatSend))
	mux.HandleFunc("POST /chat/{jobID}/read", h.auth(h.handleChatRead))
	mux.HandleFunc("POST /drivers/{contractorID}/availability", h.auth(h.handleAvailability))
	return mux
}

// auth enforces the bearer token. The websocket endpoint authenticates via
// query parameter instead, since browser websocket clients cannot set
// headers.
func (h *Hub) auth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if h.cfg.Token != "" {
			got := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
			if got != h.cfg.Token {
				writeError(w, http.StatusUnauthorized, "unauthorized", "invalid token")
				return
			}
		}
		next(w, r)
	}
}

// ============================================================================
// Snapshots
// ============================================================================

func (h *Hub) handleMapData(w http.ResponseWriter, r *http.Request) {
	contractors, err := h.store.OnlineContractors(r.Context())
	if err != nil {
		h.serverError(w, "map-data contractors", err)
		return
	}
	jobs, err := h.store.OpenJobs(r.Context())
	if err != nil {
		h.serverError(w, "map-data jobs", err)
		return
	}
	// Wire shape stays flat lat/lng, matching what mobile clients have
	// consumed historically.
	writeJSON(w, http.StatusOK, map[string]any{
		"contractors": flattenContractors(contractors),
		"jobs":        flattenJobs(jobs),
	})
}

func (h *Hub) handleAvailableJobs(w http.ResponseWriter, r *http.Request) {
	jobs, err := h.store.AvailableJobs(r.Context())
	if err != nil {
		h.serverError(w, "available jobs", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": flattenJobs(jobs)})
}

func flattenContractors(in []types.ContractorRecord) []map[string]any {
	out := make([]map[string]any, 0, len(in))
	for _, c := range in {
		out = append(out, map[string]any{
			"id":     c.ID,
			"name":   c.Name,
			"lat":    c.Position.Lat,
			"lng":    c.Position.Lng,
			"online": c.Online,
		})
	}
	return out
}

func flattenJobs(in []types.JobRecord) []map[string]any {
	out := make([]map[string]any, 0, len(in))
	for _, j := range in {
		out = append(out, map[string]any{
			"id":      j.ID,
			"status":  string(j.Status),
			"lat":     j.Position.Lat,
			"lng":     j.Position.Lng,
			"address": j.Address,
			"price":   j.Price,
		})
	}
	return out
}

func (h *Hub) handleChatHistory(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("jobID")
	var before int64
	if v := r.URL.Query().Get("before"); v != "" {
		before, _ = strconv.ParseInt(v, 10, 64)
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	msgs, err := h.store.ChatMessages(r.Context(), jobID, before, limit)
	if err != nil {
		h.serverError(w, "chat history", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": msgs})
}

// ============================================================================
// Mutations
// ============================================================================

func (h *Hub) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Lat     float64 `json:"lat"`
		Lng     float64 `json:"lng"`
		Price   float64 `json:"price"`
		Address string  `json:"address"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid body")
		return
	}
	job := types.JobRecord{
		ID:        uuid.NewString(),
		Status:    types.StatusPending,
		Position:  types.Point{Lat: req.Lat, Lng: req.Lng},
		Address:   req.Address,
		Price:     req.Price,
		CreatedAt: time.Now().UnixMilli(),
	}
	if err := h.store.CreateJob(r.Context(), job); err != nil {
		h.serverError(w, "create job", err)
		return
	}
	h.OfferJob(job)
	writeJSON(w, http.StatusCreated, job)
}

func (h *Hub) handleAcceptJob(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("jobID")
	var req struct {
		ContractorID string `json:"contractor_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ContractorID == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "contractor_id required")
		return
	}
	err := h.store.AcceptJob(r.Context(), jobID, req.ContractorID)
	switch {
	case errors.Is(err, store.ErrConflict):
		writeError(w, http.StatusConflict, "conflict", "job already taken")
		return
	case err != nil:
		h.serverError(w, "accept job", err)
		return
	}
	payload := map[string]any{"job_id": jobID, "contractor_id": req.ContractorID}
	h.Broadcast(types.JobRoom(jobID), "job:accepted", payload)
	h.Broadcast(types.AdminRoom, "admin:job-status", map[string]any{
		"job_id": jobID, "status": string(types.StatusAccepted),
	})
	writeJSON(w, http.StatusOK, map[string]string{"status": "accepted"})
}

func (h *Hub) handleJobStatus(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("jobID")
	var req struct {
		Status string `json:"status"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Status == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "status required")
		return
	}
	status := types.JobStatus(req.Status)
	err := h.store.UpdateJobStatus(r.Context(), jobID, status)
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", "unknown job")
		return
	case err != nil:
		h.serverError(w, "update job status", err)
		return
	}
	payload := map[string]any{"job_id": jobID, "status": req.Status}
	h.Broadcast(types.JobRoom(jobID), "job:status", payload)
	h.Broadcast(types.AdminRoom, "admin:job-status", payload)
	if status == types.StatusAssigned {
		h.Broadcast(types.JobRoom(jobID), "job:assigned", map[string]any{"job_id": jobID})
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleVolume settles a driver's on-site volume adjustment: the customer
// approves (with the new total) or declines.
func (h *Hub) handleVolume(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("jobID")
	var req struct {
		Approved      bool    `json:"approved"`
		AdjustedPrice float64 `json:"adjusted_price"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid body")
		return
	}
	if req.Approved {
		h.Broadcast(types.JobRoom(jobID), "volume:approved", map[string]any{
			"job_id": jobID, "adjusted_price": req.AdjustedPrice,
		})
	} else {
		h.Broadcast(types.JobRoom(jobID), "volume:declined", map[string]any{
			"job_id": jobID,
		})
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Hub) handleChatSend(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("jobID")
	var req types.ChatMessage
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Body == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "body required")
		return
	}
	req.JobID = jobID
	stored, err := h.ingestChat(r.Context(), req)
	if err != nil {
		h.serverError(w, "chat send", err)
		return
	}
	writeJSON(w, http.StatusCreated, stored)
}

func (h *Hub) handleChatRead(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("jobID")
	var req struct {
		ReaderRole string `json:"reader_role"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ReaderRole == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "reader_role required")
		return
	}
	readAt := time.Now().UnixMilli()
	if err := h.store.MarkChatRead(r.Context(), jobID, types.SenderRole(req.ReaderRole), readAt); err != nil {
		h.serverError(w, "chat read", err)
		return
	}
	h.Broadcast(types.JobRoom(jobID), "chat:read", map[string]any{
		"job_id": jobID, "reader_role": req.ReaderRole, "read_at": readAt,
	})
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Hub) handleAvailability(w http.ResponseWriter, r *http.Request) {
	contractorID := r.PathValue("contractorID")
	var req struct {
		Online bool `json:"online"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid body")
		return
	}
	if err := h.store.SetContractorOnline(r.Context(), contractorID, req.Online); err != nil {
		h.serverError(w, "set availability", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// ============================================================================
// Response helpers
// ============================================================================

func (h *Hub) serverError(w http.ResponseWriter, op string, err error) {
	h.logger.Error("request failed", "op", op, "err", err)
	writeError(w, http.StatusInternalServerError, "internal", "internal error")
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, map[string]any{
		"error": map[string]string{"code": code, "message": msg},
	})
}
