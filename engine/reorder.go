package engine

import (
	"context"
	"fmt"
	"net/http"

	"github.com/bytedance/sonic"

	"tasksync/domain"
	"tasksync/order"
	"tasksync/remote"
)

// BeginDrag starts tracking a drag of movedID inside listID. The task must
// currently belong to that list; crossing lists is a move mutation, not a
// reorder, and is driven through Mutate with a listId delta.
func (e *Engine) BeginDrag(listID, movedID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	t, ok := e.entities[domain.KindTask][movedID]
	if !ok {
		return fmt.Errorf("%w: task %s", errUnknownEntity, movedID)
	}
	if t.Task == nil || t.Task.ListID != listID {
		return fmt.Errorf("engine: task %s is not a member of list %s", movedID, listID)
	}
	r := e.resolvers[listID]
	if r == nil {
		r = order.NewResolver(listID, nil)
		e.resolvers[listID] = r
	}
	return r.Begin(e.orders[listID], movedID)
}

// HoverDrag records the current hover target; throttled updates report false.
func (e *Engine) HoverDrag(listID, targetID string, pos order.Position) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	r := e.resolvers[listID]
	if r == nil {
		return false
	}
	return r.Hover(targetID, pos)
}

// CancelDrag abandons an active drag without issuing a mutation.
func (e *Engine) CancelDrag(listID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if r := e.resolvers[listID]; r != nil {
		r.Cancel()
	}
}

// DropDrag finalizes the drag: the planned order applies optimistically and
// the order mutation is queued with the pre-drag snapshot for rollback. The
// drop settles immediately, so further reorders of the list can stack while
// earlier ones are still queued. A drop that lands where it started is a
// no-op and issues nothing.
func (e *Engine) DropDrag(ctx context.Context, listID string) ([]string, error) {
	e.mu.Lock()
	r := e.resolvers[listID]
	if r == nil {
		e.mu.Unlock()
		return nil, order.ErrNotDragging
	}
	snapshot := append([]string(nil), e.orders[listID]...)
	planned, changed, err := r.Drop()
	if err != nil {
		e.mu.Unlock()
		return nil, err
	}
	if !changed {
		current := append([]string(nil), e.orders[listID]...)
		e.mu.Unlock()
		return current, nil
	}
	e.orders[listID] = planned
	m, err := orderMutation(listID, planned, snapshot)
	if err != nil {
		e.orders[listID] = snapshot
		e.mu.Unlock()
		return nil, err
	}
	e.mu.Unlock()

	if err := e.store.PutOrder(ctx, listID, planned); err != nil {
		e.logger.WithError(err).Error("persisting reorder failed")
	}
	if _, err := e.q.Enqueue(m); err != nil {
		e.restoreOrder(ctx, listID, snapshot)
		return nil, err
	}
	e.notify(domain.KindList, listID, domain.ChangeUpdated)
	return append([]string(nil), planned...), nil
}

// Reorder is the one-shot form used by callers without incremental drag
// tracking: begin, hover once, drop.
func (e *Engine) Reorder(ctx context.Context, listID, movedID, targetID string, pos order.Position) ([]string, error) {
	if err := e.BeginDrag(listID, movedID); err != nil {
		return nil, err
	}
	e.HoverDrag(listID, targetID, pos)
	return e.DropDrag(ctx, listID)
}

// orderMutation builds the queued PUT for a list's order array. The
// snapshot carries the pre-drag order, not an entity envelope.
func orderMutation(listID string, planned, snapshot []string) (domain.PendingMutation, error) {
	body, err := sonic.Marshal(map[string][]string{"order": planned})
	if err != nil {
		return domain.PendingMutation{}, err
	}
	snap, err := sonic.Marshal(snapshot)
	if err != nil {
		return domain.PendingMutation{}, err
	}
	m := domain.NewMutation(domain.OpUpdate, domain.KindList, listID,
		remote.EntityPath(domain.KindList, listID)+"/order", http.MethodPut, body)
	m.Snapshot = snap
	return m, nil
}
