package store

// ============================================================================
// Hub Store Test File
// Purpose: Verify chat paging and read receipts, contractor upserts, and
// the atomic job-accept conflict path against an in-memory sqlite db
// ============================================================================

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/umuve/livesync/pkg/types"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

// ============================================================================
// Chat
// ============================================================================

func TestChatInsertAndThreadOrder(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, s.InsertChatMessage(ctx, types.ChatMessage{
			ID:         fmt.Sprintf("m-%d", i),
			JobID:      "j-1",
			SenderRole: types.RoleCustomer,
			Body:       fmt.Sprintf("msg %d", i),
			CreatedAt:  int64(1000 + i),
		}))
	}

	page, err := s.ChatMessages(ctx, "j-1", 0, 50)
	require.NoError(t, err)
	require.Len(t, page, 3)
	assert.Equal(t, "m-0", page[0].ID)
	assert.Equal(t, "m-2", page[2].ID)
}

func TestChatDuplicateIDRejected(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	msg := types.ChatMessage{ID: "m-1", JobID: "j-1", SenderRole: types.RoleDriver, Body: "hi", CreatedAt: 1}
	require.NoError(t, s.InsertChatMessage(ctx, msg))
	assert.Error(t, s.InsertChatMessage(ctx, msg))
}

func TestChatPagingCursor(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, s.InsertChatMessage(ctx, types.ChatMessage{
			ID: fmt.Sprintf("m-%d", i), JobID: "j-1",
			SenderRole: types.RoleCustomer, Body: "x", CreatedAt: int64(100 + i),
		}))
	}

	// Newest page of 2.
	page, err := s.ChatMessages(ctx, "j-1", 0, 2)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, "m-3", page[0].ID)
	assert.Equal(t, "m-4", page[1].ID)

	// Page strictly before the oldest of the previous page.
	older, err := s.ChatMessages(ctx, "j-1", page[0].CreatedAt, 2)
	require.NoError(t, err)
	require.Len(t, older, 2)
	assert.Equal(t, "m-1", older[0].ID)
	assert.Equal(t, "m-2", older[1].ID)
}

func TestChatPagingScopedToJob(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.InsertChatMessage(ctx, types.ChatMessage{
		ID: "m-a", JobID: "j-1", SenderRole: types.RoleCustomer, Body: "x", CreatedAt: 1}))
	require.NoError(t, s.InsertChatMessage(ctx, types.ChatMessage{
		ID: "m-b", JobID: "j-2", SenderRole: types.RoleCustomer, Body: "x", CreatedAt: 2}))

	page, err := s.ChatMessages(ctx, "j-1", 0, 50)
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, "m-a", page[0].ID)
}

func TestMarkChatReadSkipsOwnMessages(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.InsertChatMessage(ctx, types.ChatMessage{
		ID: "m-cust", JobID: "j-1", SenderRole: types.RoleCustomer, Body: "x", CreatedAt: 1}))
	require.NoError(t, s.InsertChatMessage(ctx, types.ChatMessage{
		ID: "m-drv", JobID: "j-1", SenderRole: types.RoleDriver, Body: "y", CreatedAt: 2}))

	// Customer reads the thread: only the driver's message gets stamped.
	require.NoError(t, s.MarkChatRead(ctx, "j-1", types.RoleCustomer, 500))

	page, err := s.ChatMessages(ctx, "j-1", 0, 50)
	require.NoError(t, err)
	require.Len(t, page, 2)
	for _, m := range page {
		switch m.ID {
		case "m-cust":
			assert.Nil(t, m.ReadAt)
		case "m-drv":
			require.NotNil(t, m.ReadAt)
			assert.Equal(t, int64(500), *m.ReadAt)
		}
	}
}

// ============================================================================
// Contractors
// ============================================================================

func TestUpsertContractorPosition(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.UpsertContractorPosition(ctx, "d-1", types.Point{Lat: 26.1, Lng: -80.1}, 100))
	require.NoError(t, s.UpsertContractorPosition(ctx, "d-1", types.Point{Lat: 26.2, Lng: -80.2}, 200))

	online, err := s.OnlineContractors(ctx)
	require.NoError(t, err)
	require.Len(t, online, 1)
	assert.Equal(t, "d-1", online[0].ID)
	assert.InDelta(t, 26.2, online[0].Position.Lat, 1e-9)
	assert.True(t, online[0].Online)
}

func TestSetContractorOnlineToggle(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.UpsertContractorPosition(ctx, "d-1", types.Point{Lat: 1, Lng: 2}, 100))
	require.NoError(t, s.SetContractorOnline(ctx, "d-1", false))

	online, err := s.OnlineContractors(ctx)
	require.NoError(t, err)
	assert.Empty(t, online)

	require.NoError(t, s.SetContractorOnline(ctx, "d-1", true))
	online, err = s.OnlineContractors(ctx)
	require.NoError(t, err)
	assert.Len(t, online, 1)
}

// ============================================================================
// Jobs
// ============================================================================

func TestAcceptJobRace(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateJob(ctx, types.JobRecord{
		ID: "j-1", Status: types.StatusPending,
		Position: types.Point{Lat: 26.1, Lng: -80.1}, Price: 120, CreatedAt: 1,
	}))

	require.NoError(t, s.AcceptJob(ctx, "j-1", "d-1"))
	// Second claimant loses.
	assert.ErrorIs(t, s.AcceptJob(ctx, "j-1", "d-2"), ErrConflict)
}

func TestUpdateJobStatusMissing(t *testing.T) {
	s := openTestStore(t)
	assert.ErrorIs(t, s.UpdateJobStatus(context.Background(), "nope", types.StatusCompleted), ErrNotFound)
}

func TestOpenAndAvailableJobs(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	seed := []struct {
		id     string
		status types.JobStatus
	}{
		{"j-pending", types.StatusPending},
		{"j-assigned", types.StatusAssigned},
		{"j-accepted", types.StatusAccepted},
		{"j-done", types.StatusCompleted},
		{"j-gone", types.StatusCancelled},
	}
	for i, j := range seed {
		require.NoError(t, s.CreateJob(ctx, types.JobRecord{
			ID: j.id, Status: j.status, Position: types.Point{Lat: 1, Lng: 2}, CreatedAt: int64(i),
		}))
	}

	open, err := s.OpenJobs(ctx)
	require.NoError(t, err)
	openIDs := jobIDs(open)
	assert.ElementsMatch(t, []string{"j-pending", "j-assigned", "j-accepted"}, openIDs)

	avail, err := s.AvailableJobs(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"j-pending", "j-assigned"}, jobIDs(avail))
}

func jobIDs(jobs []types.JobRecord) []string {
	ids := make([]string, 0, len(jobs))
	for _, j := range jobs {
		ids = append(ids, j.ID)
	}
	return ids
}
