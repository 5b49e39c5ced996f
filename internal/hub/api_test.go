package hub

// ============================================================================
// REST API Test File
// Purpose: Verify bearer auth, the flat snapshot wire shapes, the accept
// conflict path, and that REST writes fan out matching push events
// ============================================================================

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/umuve/livesync/pkg/types"
)

func doJSON(t *testing.T, srv *httptest.Server, method, path string, body any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, srv.URL+path, &buf)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+testToken)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, out any) {
	t.Helper()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
}

// ============================================================================
// Auth
// ============================================================================

func TestRESTAuthRequired(t *testing.T) {
	_, srv := newTestHub(t)

	resp, err := http.Get(srv.URL + "/admin/map-data")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	var body struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	decodeBody(t, resp, &body)
	assert.Equal(t, "unauthorized", body.Error.Code)
}

// ============================================================================
// Snapshots
// ============================================================================

func TestMapDataFlatShape(t *testing.T) {
	h, srv := newTestHub(t)
	ctx := context.Background()

	require.NoError(t, h.store.UpsertContractorPosition(ctx, "d-1", types.Point{Lat: 26.12, Lng: -80.14}, 100))
	require.NoError(t, h.store.CreateJob(ctx, types.JobRecord{
		ID: "j-1", Status: types.StatusPending, Position: types.Point{Lat: 26.2, Lng: -80.2}, Price: 150, CreatedAt: 1,
	}))

	resp := doJSON(t, srv, http.MethodGet, "/admin/map-data", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Contractors []map[string]any `json:"contractors"`
		Jobs        []map[string]any `json:"jobs"`
	}
	decodeBody(t, resp, &body)

	require.Len(t, body.Contractors, 1)
	assert.Equal(t, "d-1", body.Contractors[0]["id"])
	assert.InDelta(t, 26.12, body.Contractors[0]["lat"].(float64), 1e-9)
	assert.InDelta(t, -80.14, body.Contractors[0]["lng"].(float64), 1e-9)

	require.Len(t, body.Jobs, 1)
	assert.Equal(t, "pending", body.Jobs[0]["status"])
	assert.InDelta(t, 150.0, body.Jobs[0]["price"].(float64), 1e-9)
}

func TestAvailableJobsExcludesAccepted(t *testing.T) {
	h, srv := newTestHub(t)
	ctx := context.Background()

	require.NoError(t, h.store.CreateJob(ctx, types.JobRecord{
		ID: "j-open", Status: types.StatusPending, Position: types.Point{Lat: 1, Lng: 2}, CreatedAt: 1}))
	require.NoError(t, h.store.CreateJob(ctx, types.JobRecord{
		ID: "j-taken", Status: types.StatusAccepted, Position: types.Point{Lat: 1, Lng: 2}, CreatedAt: 2}))

	resp := doJSON(t, srv, http.MethodGet, "/jobs/available", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Jobs []map[string]any `json:"jobs"`
	}
	decodeBody(t, resp, &body)
	require.Len(t, body.Jobs, 1)
	assert.Equal(t, "j-open", body.Jobs[0]["id"])
}

// ============================================================================
// Mutations
// ============================================================================

func TestCreateJobReturnsRecord(t *testing.T) {
	_, srv := newTestHub(t)

	resp := doJSON(t, srv, http.MethodPost, "/jobs", map[string]any{
		"lat": 26.1, "lng": -80.1, "price": 200, "address": "123 Main St",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var job types.JobRecord
	decodeBody(t, resp, &job)
	assert.NotEmpty(t, job.ID)
	assert.Equal(t, types.StatusPending, job.Status)
	assert.Equal(t, "123 Main St", job.Address)
}

func TestAcceptJobConflict(t *testing.T) {
	h, srv := newTestHub(t)
	require.NoError(t, h.store.CreateJob(context.Background(), types.JobRecord{
		ID: "j-1", Status: types.StatusPending, Position: types.Point{Lat: 1, Lng: 2}, CreatedAt: 1}))

	resp := doJSON(t, srv, http.MethodPost, "/jobs/j-1/accept", map[string]string{"contractor_id": "d-1"})
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = doJSON(t, srv, http.MethodPost, "/jobs/j-1/accept", map[string]string{"contractor_id": "d-2"})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	var body struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	decodeBody(t, resp, &body)
	assert.Equal(t, "conflict", body.Error.Code)
}

func TestAcceptJobFansOut(t *testing.T) {
	h, srv := newTestHub(t)
	require.NoError(t, h.store.CreateJob(context.Background(), types.JobRecord{
		ID: "j-1", Status: types.StatusPending, Position: types.Point{Lat: 1, Lng: 2}, CreatedAt: 1}))

	customer := dialWS(t, srv, testToken)
	admin := dialWS(t, srv, testToken)
	customer.join(types.JobRoom("j-1"))
	admin.join(types.AdminRoom)

	resp := doJSON(t, srv, http.MethodPost, "/jobs/j-1/accept", map[string]string{"contractor_id": "d-1"})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	env := customer.next()
	assert.Equal(t, "job:accepted", env.Event)
	env = admin.next()
	assert.Equal(t, "admin:job-status", env.Event)
}

func TestJobStatusFansOutAssigned(t *testing.T) {
	h, srv := newTestHub(t)
	require.NoError(t, h.store.CreateJob(context.Background(), types.JobRecord{
		ID: "j-1", Status: types.StatusPending, Position: types.Point{Lat: 1, Lng: 2}, CreatedAt: 1}))

	customer := dialWS(t, srv, testToken)
	customer.join(types.JobRoom("j-1"))

	resp := doJSON(t, srv, http.MethodPost, "/jobs/j-1/status", map[string]string{"status": "assigned"})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	env := customer.next()
	assert.Equal(t, "job:status", env.Event)
	env = customer.next()
	assert.Equal(t, "job:assigned", env.Event)
}

func TestJobStatusUnknownJob(t *testing.T) {
	_, srv := newTestHub(t)
	resp := doJSON(t, srv, http.MethodPost, "/jobs/nope/status", map[string]string{"status": "en_route"})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestVolumeApprovedAndDeclined(t *testing.T) {
	_, srv := newTestHub(t)
	customer := dialWS(t, srv, testToken)
	customer.join(types.JobRoom("j-1"))

	resp := doJSON(t, srv, http.MethodPost, "/jobs/j-1/volume", map[string]any{
		"approved": true, "adjusted_price": 240.0,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	env := customer.next()
	require.Equal(t, "volume:approved", env.Event)
	var p struct {
		AdjustedPrice float64 `json:"adjusted_price"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &p))
	assert.InDelta(t, 240.0, p.AdjustedPrice, 1e-9)

	resp = doJSON(t, srv, http.MethodPost, "/jobs/j-1/volume", map[string]any{"approved": false})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	env = customer.next()
	assert.Equal(t, "volume:declined", env.Event)
}

// The REST chat leg lands in the same place as the websocket one: stored
// with a server id and echoed to the job room with the local id intact.
func TestChatSendOverREST(t *testing.T) {
	h, srv := newTestHub(t)
	peer := dialWS(t, srv, testToken)
	peer.join(types.JobRoom("j-1"))

	resp := doJSON(t, srv, http.MethodPost, "/chat/j-1/messages", types.ChatMessage{
		LocalID: "local-9", SenderRole: types.RoleCustomer, Body: "rest fallback",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var stored types.ChatMessage
	decodeBody(t, resp, &stored)
	assert.NotEmpty(t, stored.ID)
	assert.Equal(t, "local-9", stored.LocalID)
	assert.NotZero(t, stored.CreatedAt)

	env := peer.next()
	require.Equal(t, "chat:message", env.Event)
	var echoed types.ChatMessage
	require.NoError(t, json.Unmarshal(env.Data, &echoed))
	assert.Equal(t, stored.ID, echoed.ID)

	msgs, err := h.store.ChatMessages(context.Background(), "j-1", 0, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
}

func TestChatReadOverREST(t *testing.T) {
	h, srv := newTestHub(t)
	require.NoError(t, h.store.InsertChatMessage(context.Background(), types.ChatMessage{
		ID: "m-1", JobID: "j-1", SenderRole: types.RoleDriver, Body: "x", CreatedAt: 1,
	}))

	peer := dialWS(t, srv, testToken)
	peer.join(types.JobRoom("j-1"))

	resp := doJSON(t, srv, http.MethodPost, "/chat/j-1/read", map[string]string{"reader_role": "customer"})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	env := peer.next()
	assert.Equal(t, "chat:read", env.Event)

	msgs, err := h.store.ChatMessages(context.Background(), "j-1", 0, 10)
	require.NoError(t, err)
	require.NotNil(t, msgs[0].ReadAt)
}

func TestChatHistoryPaging(t *testing.T) {
	h, srv := newTestHub(t)
	for i := 0; i < 3; i++ {
		require.NoError(t, h.store.InsertChatMessage(context.Background(), types.ChatMessage{
			ID: string(rune('a' + i)), JobID: "j-1", SenderRole: types.RoleCustomer,
			Body: "x", CreatedAt: int64(100 + i),
		}))
	}

	resp := doJSON(t, srv, http.MethodGet, "/chat/j-1/messages?limit=2", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Messages []types.ChatMessage `json:"messages"`
	}
	decodeBody(t, resp, &body)
	require.Len(t, body.Messages, 2)
	assert.Equal(t, int64(101), body.Messages[0].CreatedAt)
	assert.Equal(t, int64(102), body.Messages[1].CreatedAt)
}

func TestAvailabilityToggle(t *testing.T) {
	h, srv := newTestHub(t)

	resp := doJSON(t, srv, http.MethodPost, "/drivers/d-1/availability", map[string]bool{"online": true})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	online, err := h.store.OnlineContractors(context.Background())
	require.NoError(t, err)
	require.Len(t, online, 1)
	assert.Equal(t, "d-1", online[0].ID)

	resp = doJSON(t, srv, http.MethodPost, "/drivers/d-1/availability", map[string]bool{"online": false})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	online, err = h.store.OnlineContractors(context.Background())
	require.NoError(t, err)
	assert.Empty(t, online)
}
