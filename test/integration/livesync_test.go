package integration

// ============================================================================
// Live Sync Integration Test File
// Purpose: Run the hub and real client sessions end to end over loopback
// websockets: location fanout into views, optimistic chat settling, and
// re-baseline after a transport drop
// ============================================================================

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/umuve/livesync/internal/channel"
	"github.com/umuve/livesync/internal/hub"
	"github.com/umuve/livesync/internal/hub/store"
	"github.com/umuve/livesync/internal/session"
	"github.com/umuve/livesync/pkg/types"
)

const token = "integration-token"

type fixture struct {
	hub *hub.Hub
	srv *httptest.Server
}

func startHub(t *testing.T) *fixture {
	t.Helper()
	st, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	h := hub.New(hub.Config{Token: token, Store: st})
	srv := httptest.NewServer(h.Handler())
	t.Cleanup(srv.Close)
	return &fixture{hub: h, srv: srv}
}

func (f *fixture) wsURL() string {
	return "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/ws"
}

func startSession(t *testing.T, f *fixture, cfg session.Config) *session.Session {
	t.Helper()
	cfg.ChannelURL = f.wsURL()
	cfg.APIBaseURL = f.srv.URL
	cfg.Token = token
	// Fast polls keep the test snappy without relying on them for push
	// assertions.
	cfg.MapInterval = 200 * time.Millisecond
	cfg.ChatInterval = 100 * time.Millisecond

	sess, err := session.New(cfg)
	require.NoError(t, err)
	sess.Start(context.Background())
	t.Cleanup(sess.Stop)
	return sess
}

// createJob posts a new job through the REST surface, which persists it
// and fans the offer out.
func createJob(t *testing.T, f *fixture, at types.Point, price float64) string {
	t.Helper()
	body := fmt.Sprintf(`{"lat":%f,"lng":%f,"price":%f}`, at.Lat, at.Lng, price)
	req, err := http.NewRequest(http.MethodPost, f.srv.URL+"/jobs", strings.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var job types.JobRecord
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&job))
	return job.ID
}

// waitView polls a session's current view until pred holds.
func waitView(t *testing.T, sess *session.Session, pred func(types.ViewModel) bool, msg string) types.ViewModel {
	t.Helper()
	var last types.ViewModel
	require.Eventually(t, func() bool {
		last = sess.Current()
		return pred(last)
	}, 5*time.Second, 10*time.Millisecond, msg)
	return last
}

func waitLive(t *testing.T, sess *session.Session) {
	t.Helper()
	waitView(t, sess, func(v types.ViewModel) bool { return v.Live }, "session never went live")
}

// ============================================================================
// Location flow
// ============================================================================

// A driver's GPS fix pushed over the websocket lands in the admin map view
// without waiting for a poll.
func TestDriverLocationReachesAdminView(t *testing.T) {
	f := startHub(t)

	driver := startSession(t, f, session.Config{
		Role:  types.RoleDriver,
		Rooms: []types.Room{types.DriverRoom("d-1")},
	})
	admin := startSession(t, f, session.Config{
		Role:  types.RoleAdmin,
		Rooms: []types.Room{types.AdminRoom},
	})
	waitLive(t, driver)
	waitLive(t, admin)

	require.NoError(t, driver.SendLocation("d-1", types.Point{Lat: 26.12, Lng: -80.14}, ""))

	v := waitView(t, admin, func(v types.ViewModel) bool {
		_, ok := v.Map.Contractors["d-1"]
		return ok
	}, "contractor never appeared on the admin map")
	assert.InDelta(t, 26.12, v.Map.Contractors["d-1"].Lat, 1e-9)
	assert.InDelta(t, -80.14, v.Map.Contractors["d-1"].Lng, 1e-9)
}

// A fix tied to a job reaches the customer watching that job's room.
func TestDriverLocationReachesJobRoom(t *testing.T) {
	f := startHub(t)

	driver := startSession(t, f, session.Config{
		Role:  types.RoleDriver,
		Rooms: []types.Room{types.DriverRoom("d-1")},
	})
	customer := startSession(t, f, session.Config{
		Role:  types.RoleCustomer,
		JobID: "j-1",
		Rooms: []types.Room{types.JobRoom("j-1")},
	})
	waitLive(t, driver)
	waitLive(t, customer)

	require.NoError(t, driver.SendLocation("d-1", types.Point{Lat: 26.2, Lng: -80.2}, "j-1"))

	waitView(t, customer, func(v types.ViewModel) bool {
		_, ok := v.Map.Contractors["d-1"]
		return ok
	}, "driver never appeared in the customer's job view")
}

// ============================================================================
// Optimistic chat
// ============================================================================

// An optimistic send shows up instantly as a pending bubble, then settles
// into the confirmed server message when the echo arrives. The peer sees
// the confirmed message too.
func TestOptimisticChatSettles(t *testing.T) {
	f := startHub(t)

	customer := startSession(t, f, session.Config{
		Role:  types.RoleCustomer,
		JobID: "j-1",
		Rooms: []types.Room{types.JobRoom("j-1")},
	})
	driver := startSession(t, f, session.Config{
		Role:  types.RoleDriver,
		JobID: "j-1",
		Rooms: []types.Room{types.JobRoom("j-1")},
	})
	waitLive(t, customer)
	waitLive(t, driver)

	localID := customer.SendChat(context.Background(), "be there in 10")
	require.NotEmpty(t, localID)

	// Settled: exactly one message, confirmed, server id assigned.
	v := waitView(t, customer, func(v types.ViewModel) bool {
		msgs := v.Chat.Messages
		return len(msgs) == 1 && !msgs[0].Pending && msgs[0].ID != localID
	}, "optimistic send never settled")
	assert.Equal(t, "be there in 10", v.Chat.Messages[0].Body)
	assert.Equal(t, types.RoleCustomer, v.Chat.Messages[0].SenderRole)

	// The peer converges on the same message and counts it unread.
	pv := waitView(t, driver, func(v types.ViewModel) bool {
		return len(v.Chat.Messages) == 1
	}, "peer never received the message")
	assert.Equal(t, v.Chat.Messages[0].ID, pv.Chat.Messages[0].ID)
	assert.Equal(t, 1, pv.Chat.UnreadCount)
}

// Read receipts clear the peer's unread badge across the wire.
func TestReadReceiptClearsUnread(t *testing.T) {
	f := startHub(t)

	customer := startSession(t, f, session.Config{
		Role:  types.RoleCustomer,
		JobID: "j-1",
		Rooms: []types.Room{types.JobRoom("j-1")},
	})
	driver := startSession(t, f, session.Config{
		Role:  types.RoleDriver,
		JobID: "j-1",
		Rooms: []types.Room{types.JobRoom("j-1")},
	})
	waitLive(t, customer)
	waitLive(t, driver)

	customer.SendChat(context.Background(), "hello")
	waitView(t, driver, func(v types.ViewModel) bool {
		return v.Chat.UnreadCount == 1
	}, "driver never saw the unread message")

	require.NoError(t, driver.MarkChatRead(context.Background()))

	waitView(t, driver, func(v types.ViewModel) bool {
		return v.Chat.UnreadCount == 0
	}, "driver badge never cleared")
	// The sender sees the receipt land on their message.
	waitView(t, customer, func(v types.ViewModel) bool {
		return len(v.Chat.Messages) == 1 && v.Chat.Messages[0].ReadAt != nil
	}, "sender never saw the read receipt")
}

// ============================================================================
// Job lifecycle
// ============================================================================

// Creating a job over REST announces it to the admin room; accepting it
// settles the claim and pushes the status to the job room.
func TestJobOfferAndAccept(t *testing.T) {
	f := startHub(t)

	admin := startSession(t, f, session.Config{
		Role:  types.RoleAdmin,
		Rooms: []types.Room{types.AdminRoom},
	})
	driver := startSession(t, f, session.Config{
		Role:  types.RoleDriver,
		Rooms: []types.Room{types.DriverRoom("d-1")},
	})
	waitLive(t, admin)
	waitLive(t, driver)

	// Driver must have a known position to hear nearby offers.
	require.NoError(t, driver.SendLocation("d-1", types.Point{Lat: 26.12, Lng: -80.14}, ""))
	waitView(t, admin, func(v types.ViewModel) bool {
		_, ok := v.Map.Contractors["d-1"]
		return ok
	}, "driver position never registered")

	jobID := createJob(t, f, types.Point{Lat: 26.13, Lng: -80.15}, 90)

	waitView(t, admin, func(v types.ViewModel) bool {
		_, ok := v.Map.Jobs[jobID]
		return ok
	}, "new job never reached the admin map")
}

// ============================================================================
// Shared channel
// ============================================================================

// Two screens ride one injected channel client. Stopping one screen only
// releases its rooms: the connection stays up and the survivor keeps
// receiving pushes.
func TestSharedChannelSurvivesScreenStop(t *testing.T) {
	f := startHub(t)

	shared := channel.New(channel.Config{URL: f.wsURL()})
	shared.Connect(context.Background(), token)
	t.Cleanup(shared.Disconnect)

	driver := startSession(t, f, session.Config{
		Role:  types.RoleDriver,
		Rooms: []types.Room{types.DriverRoom("d-1")},
	})
	admin := startSession(t, f, session.Config{
		Channel: shared,
		Role:    types.RoleAdmin,
		Rooms:   []types.Room{types.AdminRoom},
	})
	jobWatcher := startSession(t, f, session.Config{
		Channel: shared,
		Role:    types.RoleCustomer,
		JobID:   "j-1",
		Rooms:   []types.Room{types.JobRoom("j-1")},
	})
	waitLive(t, driver)
	waitLive(t, admin)
	waitLive(t, jobWatcher)

	// Tearing down one screen must not drop the connection the other
	// screen is riding.
	jobWatcher.Stop()
	require.Equal(t, channel.StatusConnected, shared.Status())
	assert.NotContains(t, shared.Info().JoinedRooms, types.JobRoom("j-1"))
	assert.Contains(t, shared.Info().JoinedRooms, types.AdminRoom)

	require.NoError(t, driver.SendLocation("d-1", types.Point{Lat: 26.5, Lng: -80.4}, ""))
	waitView(t, admin, func(v types.ViewModel) bool {
		_, ok := v.Map.Contractors["d-1"]
		return ok
	}, "surviving screen stopped receiving pushes")
}

// ============================================================================
// Reconnect
// ============================================================================

// After the channel drops, the view flips to not-live; once it recovers
// the session re-joins its rooms and pushes flow again.
func TestReconnectRestoresFlow(t *testing.T) {
	f := startHub(t)

	driver := startSession(t, f, session.Config{
		Role:  types.RoleDriver,
		Rooms: []types.Room{types.DriverRoom("d-1")},
	})
	admin := startSession(t, f, session.Config{
		Role:  types.RoleAdmin,
		Rooms: []types.Room{types.AdminRoom},
	})
	waitLive(t, driver)
	waitLive(t, admin)

	// Kill the admin's socket from the client side; Connect restarts it.
	admin.Channel().Disconnect()
	waitView(t, admin, func(v types.ViewModel) bool { return !v.Live },
		"view never marked the outage")

	admin.Channel().Connect(context.Background(), token)
	waitLive(t, admin)

	// Pushes flow into the recovered session again.
	require.NoError(t, driver.SendLocation("d-1", types.Point{Lat: 25.99, Lng: -80.3}, ""))
	waitView(t, admin, func(v types.ViewModel) bool {
		p, ok := v.Map.Contractors["d-1"]
		return ok && p.Lat > 25.98 && p.Lat < 26.0
	}, "push never arrived after reconnect")
}
