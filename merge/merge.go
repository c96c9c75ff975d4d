// Package merge combines authoritative server snapshots with entities that
// exist only as pending optimistic state, without discarding either side.
package merge

import "tasksync/domain"

// PendingChecker reports whether an entity has an in-flight local edit.
// Backed by the mutation queue.
type PendingChecker func(kind domain.Kind, id string) bool

// ServerSnapshot merges a full authoritative snapshot with local state.
// Server ordering is preserved for confirmed entities; local entities the
// server has never seen (pending or failed) are appended after them. The
// operation is idempotent: the same snapshot against unchanged local state
// yields the same result.
//
// Two guard rules:
//   - a server entity colliding with a temporary local id wins outright and
//     the temporary entry is dropped (duplicate-submission guard);
//   - client-authoritative fields (task comments) composed locally survive
//     a partial server payload while the local edit is still in flight.
func ServerSnapshot(server, local []domain.Entity, editing PendingChecker) []domain.Entity {
	localByID := make(map[string]domain.Entity, len(local))
	for _, e := range local {
		localByID[e.ID] = e
	}

	out := make([]domain.Entity, 0, len(server)+len(local))
	seen := make(map[string]struct{}, len(server))
	for _, se := range server {
		seen[se.ID] = struct{}{}
		merged := se.Clone()
		merged.SyncStatus = domain.StatusSynced
		if le, ok := localByID[se.ID]; ok {
			merged = preserveClientFields(merged, le, editing)
		}
		out = append(out, merged)
	}

	for _, le := range local {
		if _, ok := seen[le.ID]; ok {
			continue
		}
		if le.SyncStatus == domain.StatusSynced {
			// Confirmed locally but gone from the authority: deleted by
			// another actor, so it does not survive the merge.
			continue
		}
		out = append(out, le.Clone())
	}
	return out
}

// preserveClientFields keeps locally composed, client-authoritative fields
// when the server payload omits them and the local edit has not been
// confirmed yet.
func preserveClientFields(merged, local domain.Entity, editing PendingChecker) domain.Entity {
	if merged.Kind != domain.KindTask || merged.Task == nil || local.Task == nil {
		return merged
	}
	if editing == nil || !editing(local.Kind, local.ID) {
		return merged
	}
	if len(merged.Task.Comments) == 0 && len(local.Task.Comments) > 0 {
		merged.Task.Comments = append([]domain.Comment(nil), local.Task.Comments...)
	}
	return merged
}
