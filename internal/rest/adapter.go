// ============================================================================
// Response Normalization Adapter
// Responsibility: map the server's heterogeneous response shapes into the
// canonical records of pkg/types before anything reaches the reconciler.
//
// The backend has gone through three generations of payload shapes:
//   - contractors under "contractors" or "drivers", jobs sometimes under
//     "items"
//   - coordinates as lat/lng, current_lat/current_lng, or a nested
//     "location" object
//   - job coordinates sometimes prefixed pickup_
// All of the "guess which field is populated" logic lives here and only
// here.
// ============================================================================

package rest

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/umuve/livesync/pkg/types"
)

// ErrNoPosition marks a row without any usable coordinate pair. Rows like
// this are skipped, not fatal: one bad entity must not blank the map.
var ErrNoPosition = errors.New("no position fields present")

// rawContractor accepts every contractor shape the backend has produced.
type rawContractor struct {
	ID           string       `json:"id"`
	ContractorID string       `json:"contractor_id"`
	Name         string       `json:"name"`
	Lat          *float64     `json:"lat"`
	Lng          *float64     `json:"lng"`
	CurrentLat   *float64     `json:"current_lat"`
	CurrentLng   *float64     `json:"current_lng"`
	Location     *types.Point `json:"location"`
	Online       *bool        `json:"online"`
	IsOnline     *bool        `json:"is_online"`
}

// rawJob accepts every job shape the backend has produced.
type rawJob struct {
	ID        string       `json:"id"`
	JobID     string       `json:"job_id"`
	Status    string       `json:"status"`
	Lat       *float64     `json:"lat"`
	Lng       *float64     `json:"lng"`
	PickupLat *float64     `json:"pickup_lat"`
	PickupLng *float64     `json:"pickup_lng"`
	Location  *types.Point `json:"location"`
	Address   string       `json:"address"`
	Price     float64      `json:"price"`
	EstPrice  float64      `json:"estimated_price"`
}

type rawMapData struct {
	Contractors []rawContractor `json:"contractors"`
	Drivers     []rawContractor `json:"drivers"` // older shape
	Jobs        []rawJob        `json:"jobs"`
	Items       []rawJob        `json:"items"` // oldest shape
}

// NormalizeMapData decodes a map-data response body into the canonical
// MapData. Rows with no usable position are skipped.
func NormalizeMapData(body []byte, fetchStart int64) (types.MapData, error) {
	var raw rawMapData
	if err := json.Unmarshal(body, &raw); err != nil {
		return types.MapData{}, fmt.Errorf("decode map-data: %w", err)
	}

	contractors := raw.Contractors
	if len(contractors) == 0 {
		contractors = raw.Drivers
	}
	jobs := raw.Jobs
	if len(jobs) == 0 {
		jobs = raw.Items
	}

	out := types.MapData{FetchStart: fetchStart}
	for _, rc := range contractors {
		rec, err := rc.normalize()
		if err != nil {
			continue
		}
		out.Contractors = append(out.Contractors, rec)
	}
	for _, rj := range jobs {
		rec, err := rj.normalize()
		if err != nil {
			continue
		}
		out.Jobs = append(out.Jobs, rec)
	}
	return out, nil
}

// NormalizeJobList decodes a jobs/available response, accepting either a
// bare array or an {"jobs": [...]} wrapper.
func NormalizeJobList(body []byte) ([]types.JobRecord, error) {
	var list []rawJob
	if err := json.Unmarshal(body, &list); err != nil {
		var wrapper struct {
			Jobs []rawJob `json:"jobs"`
		}
		if err2 := json.Unmarshal(body, &wrapper); err2 != nil {
			return nil, fmt.Errorf("decode job list: %w", err)
		}
		list = wrapper.Jobs
	}

	out := make([]types.JobRecord, 0, len(list))
	for _, rj := range list {
		rec, err := rj.normalize()
		if err != nil {
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

// NormalizeChatHistory decodes a chat history response, accepting a bare
// array or a {"messages": [...]} wrapper, and returns messages sorted by
// CreatedAt ascending regardless of server order.
func NormalizeChatHistory(body []byte, jobID string, fetchStart int64) (types.ChatHistory, error) {
	var messages []types.ChatMessage
	if err := json.Unmarshal(body, &messages); err != nil {
		var wrapper struct {
			Messages []types.ChatMessage `json:"messages"`
		}
		if err2 := json.Unmarshal(body, &wrapper); err2 != nil {
			return types.ChatHistory{}, fmt.Errorf("decode chat history: %w", err)
		}
		messages = wrapper.Messages
	}

	sort.SliceStable(messages, func(i, j int) bool {
		return messages[i].CreatedAt < messages[j].CreatedAt
	})

	return types.ChatHistory{
		JobID:      jobID,
		Messages:   messages,
		FetchStart: fetchStart,
	}, nil
}

func (r rawContractor) normalize() (types.ContractorRecord, error) {
	id := r.ID
	if id == "" {
		id = r.ContractorID
	}
	if id == "" {
		return types.ContractorRecord{}, errors.New("contractor without id")
	}

	pos, err := pickPosition(r.Lat, r.Lng, r.CurrentLat, r.CurrentLng, r.Location)
	if err != nil {
		return types.ContractorRecord{}, err
	}

	online := false
	switch {
	case r.Online != nil:
		online = *r.Online
	case r.IsOnline != nil:
		online = *r.IsOnline
	}

	return types.ContractorRecord{
		ID:       id,
		Name:     r.Name,
		Position: pos,
		Online:   online,
	}, nil
}

func (r rawJob) normalize() (types.JobRecord, error) {
	id := r.ID
	if id == "" {
		id = r.JobID
	}
	if id == "" {
		return types.JobRecord{}, errors.New("job without id")
	}

	pos, err := pickPosition(r.Lat, r.Lng, r.PickupLat, r.PickupLng, r.Location)
	if err != nil {
		return types.JobRecord{}, err
	}

	status := types.JobStatus(r.Status)
	if status == "" {
		status = types.StatusPending
	}

	price := r.Price
	if price == 0 {
		price = r.EstPrice
	}

	return types.JobRecord{
		ID:       id,
		Status:   status,
		Position: pos,
		Address:  r.Address,
		Price:    price,
	}, nil
}

// pickPosition resolves the first populated coordinate source: the flat
// primary pair, the alternate pair, then the nested location object.
func pickPosition(lat, lng, altLat, altLng *float64, loc *types.Point) (types.Point, error) {
	switch {
	case lat != nil && lng != nil:
		return types.Point{Lat: *lat, Lng: *lng}, nil
	case altLat != nil && altLng != nil:
		return types.Point{Lat: *altLat, Lng: *altLng}, nil
	case loc != nil:
		return *loc, nil
	default:
		return types.Point{}, ErrNoPosition
	}
}
