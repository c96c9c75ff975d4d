// Package order maintains the collaboratively edited manual ordering of a
// list's member tasks: drag tracking, hover throttling, and insertion
// planning for optimistic order mutations.
package order

import (
	"errors"
	"time"
)

// Position says where the dragged item lands relative to the hover target.
type Position string

const (
	Before Position = "before"
	After  Position = "after"
	// End means the drop signaled "past the last item".
	End Position = "end"
)

// State is the drag lifecycle of a single resolver.
type State int

const (
	Idle State = iota
	Dragging
)

// Hover updates for a new target are accepted at most every hoverThrottle;
// flipping above/below the same target uses the lower flipThrottle.
const (
	hoverThrottle = 80 * time.Millisecond
	flipThrottle  = 40 * time.Millisecond
)

var (
	ErrNotIdle     = errors.New("order: drag already in progress")
	ErrNotDragging = errors.New("order: no drag in progress")
)

// Resolver tracks one in-flight drag for one list. A drag that leaves its
// list is a move-between-lists mutation, never a reorder, so the resolver
// is scoped to the list the drag started in.
type Resolver struct {
	ListID string

	now       func() time.Time
	state     State
	movedID   string
	target    string
	pos       Position
	lastHover time.Time
	snapshot  []string
}

// NewResolver creates an idle resolver. now may be nil (wall clock).
func NewResolver(listID string, now func() time.Time) *Resolver {
	if now == nil {
		now = time.Now
	}
	return &Resolver{ListID: listID, now: now}
}

func (r *Resolver) State() State { return r.state }

// Begin starts a drag against the current order array, snapshotting it for
// rollback.
func (r *Resolver) Begin(current []string, movedID string) error {
	if r.state != Idle {
		return ErrNotIdle
	}
	r.state = Dragging
	r.movedID = movedID
	r.target = ""
	r.pos = End
	r.lastHover = time.Time{}
	r.snapshot = append([]string(nil), current...)
	return nil
}

// Hover records a hover target, throttled to avoid flooding recomputation.
// It reports whether the update was accepted.
func (r *Resolver) Hover(targetID string, pos Position) bool {
	if r.state != Dragging {
		return false
	}
	now := r.now()
	if !r.lastHover.IsZero() {
		elapsed := now.Sub(r.lastHover)
		if targetID == r.target {
			if pos == r.pos {
				return false
			}
			if elapsed < flipThrottle {
				return false
			}
		} else if elapsed < hoverThrottle {
			return false
		}
	}
	r.target = targetID
	r.pos = pos
	r.lastHover = now
	return true
}

// Drop computes the post-drag order from the last accepted hover and
// returns the resolver to Idle immediately: the commit is optimistic, and
// a rejected order mutation rolls back through the snapshot that mutation
// carries, so the next drag never waits on delivery. The second return is
// false when the result equals the snapshot; a no-op drop issues nothing.
func (r *Resolver) Drop() ([]string, bool, error) {
	if r.state != Dragging {
		return nil, false, ErrNotDragging
	}
	planned := Plan(r.snapshot, r.movedID, r.target, r.pos)
	noop := Equal(planned, r.snapshot)
	r.reset()
	if noop {
		return nil, false, nil
	}
	return planned, true, nil
}

// Cancel abandons a drag without committing.
func (r *Resolver) Cancel() { r.reset() }

func (r *Resolver) reset() {
	r.state = Idle
	r.movedID = ""
	r.target = ""
	r.snapshot = nil
	r.lastHover = time.Time{}
}

// Plan returns the order with movedID re-inserted relative to targetID.
// An empty or unknown target, or Position End, appends past the last item.
func Plan(current []string, movedID, targetID string, pos Position) []string {
	out := make([]string, 0, len(current)+1)
	for _, id := range current {
		if id != movedID {
			out = append(out, id)
		}
	}
	if pos == End || targetID == "" || targetID == movedID {
		return append(out, movedID)
	}
	at := -1
	for i, id := range out {
		if id == targetID {
			at = i
			break
		}
	}
	if at < 0 {
		return append(out, movedID)
	}
	if pos == After {
		at++
	}
	out = append(out, "")
	copy(out[at+1:], out[at:])
	out[at] = movedID
	return out
}

// Normalize makes the order array a permutation of exactly the current
// member set: duplicates collapse to their first occurrence, departed ids
// are pruned, and unseen members are appended at the end in member order.
func Normalize(current, members []string) []string {
	memberSet := make(map[string]struct{}, len(members))
	for _, id := range members {
		memberSet[id] = struct{}{}
	}
	out := make([]string, 0, len(members))
	seen := make(map[string]struct{}, len(members))
	for _, id := range current {
		if _, isMember := memberSet[id]; !isMember {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	for _, id := range members {
		if _, ok := seen[id]; !ok {
			seen[id] = struct{}{}
			out = append(out, id)
		}
	}
	return out
}

// Equal reports element-wise equality.
func Equal(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
