package render

// ============================================================================
// View Diff
// Responsibility: turn two consecutive view models into the minimal set of
// create/update/remove operations a rendering surface (map markers, chat
// bubbles) must perform. Pure functions, no goroutines, no I/O: the same
// pair of views always yields the same ops.
// ============================================================================

import (
	"sort"

	"github.com/umuve/livesync/pkg/types"
)

// OpType classifies a diff operation.
type OpType string

const (
	OpCreate OpType = "create"
	OpUpdate OpType = "update"
	OpRemove OpType = "remove"
)

// Target names the surface an op applies to.
type Target string

const (
	TargetContractor Target = "contractor"
	TargetJob        Target = "job"
	TargetMessage    Target = "message"
)

// Op is one instruction for the rendering surface. Position is set for
// marker ops; Message for chat ops.
type Op struct {
	Type     OpType
	Target   Target
	ID       string
	Position types.Point
	Message  types.ChatMessage
}

// Diff computes the ops that transform prev into next. Ops come out in a
// stable order: removals first, then creates and updates sorted by id, so
// a surface replaying them is deterministic.
func Diff(prev, next types.ViewModel) []Op {
	var ops []Op
	ops = append(ops, diffMarkers(TargetContractor, prev.Map.Contractors, next.Map.Contractors)...)
	ops = append(ops, diffMarkers(TargetJob, prev.Map.Jobs, next.Map.Jobs)...)
	ops = append(ops, diffMessages(prev.Chat.Messages, next.Chat.Messages)...)
	return ops
}

func diffMarkers(target Target, prev, next map[string]types.Point) []Op {
	var removes, changes []Op
	for id := range prev {
		if _, ok := next[id]; !ok {
			removes = append(removes, Op{Type: OpRemove, Target: target, ID: id})
		}
	}
	for id, pos := range next {
		old, existed := prev[id]
		switch {
		case !existed:
			changes = append(changes, Op{Type: OpCreate, Target: target, ID: id, Position: pos})
		case old != pos:
			changes = append(changes, Op{Type: OpUpdate, Target: target, ID: id, Position: pos})
		}
	}
	sortOps(removes)
	sortOps(changes)
	return append(removes, changes...)
}

// diffMessages keys bubbles by message id. An optimistic bubble carries
// its local id as the id; when the server echo lands the reconciler swaps
// it for the stored message, which surfaces here as a remove of the local
// bubble and a create of the confirmed one.
func diffMessages(prev, next []types.ChatMessage) []Op {
	prevByID := make(map[string]types.ChatMessage, len(prev))
	for _, m := range prev {
		prevByID[m.ID] = m
	}
	nextByID := make(map[string]types.ChatMessage, len(next))
	for _, m := range next {
		nextByID[m.ID] = m
	}

	var removes, changes []Op
	for id := range prevByID {
		if _, ok := nextByID[id]; !ok {
			removes = append(removes, Op{Type: OpRemove, Target: TargetMessage, ID: id})
		}
	}
	// Walk next in thread order so creates arrive oldest-first.
	for _, m := range next {
		old, existed := prevByID[m.ID]
		switch {
		case !existed:
			changes = append(changes, Op{Type: OpCreate, Target: TargetMessage, ID: m.ID, Message: m})
		case !messageEqual(old, m):
			changes = append(changes, Op{Type: OpUpdate, Target: TargetMessage, ID: m.ID, Message: m})
		}
	}
	sortOps(removes)
	return append(removes, changes...)
}

func messageEqual(a, b types.ChatMessage) bool {
	if a.Body != b.Body || a.Pending != b.Pending || a.CreatedAt != b.CreatedAt {
		return false
	}
	ar, br := a.ReadAt, b.ReadAt
	if (ar == nil) != (br == nil) {
		return false
	}
	return ar == nil || *ar == *br
}

func sortOps(ops []Op) {
	sort.Slice(ops, func(i, j int) bool { return ops[i].ID < ops[j].ID })
}
