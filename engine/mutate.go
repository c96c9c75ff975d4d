package engine

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/bytedance/sonic"

	"tasksync/domain"
	"tasksync/order"
	"tasksync/remote"
)

// Mutate is the single entry point for user-driven writes. It applies the
// edit optimistically, records durable intent, and returns immediately with
// the optimistic result; confirmation and rollback arrive asynchronously
// through the queue hooks.
//
// Payload is the entity body for creates (Task or List JSON) and a partial
// delta for updates; it is ignored for deletes.
func (e *Engine) Mutate(ctx context.Context, op domain.Op, kind domain.Kind, id string, payload []byte) (domain.Entity, error) {
	switch op {
	case domain.OpCreate:
		return e.create(ctx, kind, payload)
	case domain.OpUpdate:
		return e.update(ctx, kind, id, payload)
	case domain.OpDelete:
		return domain.Entity{}, e.delete(ctx, kind, id)
	default:
		return domain.Entity{}, fmt.Errorf("engine: unsupported op %q", op)
	}
}

func (e *Engine) create(ctx context.Context, kind domain.Kind, payload []byte) (domain.Entity, error) {
	ent := domain.Entity{
		Kind:       kind,
		ID:         domain.NewLocalID(),
		SyncStatus: domain.StatusPending,
		UpdatedAt:  time.Now().UnixMilli(),
	}
	switch kind {
	case domain.KindTask:
		var t domain.Task
		if err := sonic.Unmarshal(payload, &t); err != nil {
			return domain.Entity{}, fmt.Errorf("engine: decode task: %w", err)
		}
		ent.Task = &t
	case domain.KindList:
		var l domain.List
		if err := sonic.Unmarshal(payload, &l); err != nil {
			return domain.Entity{}, fmt.Errorf("engine: decode list: %w", err)
		}
		ent.List = &l
	default:
		return domain.Entity{}, fmt.Errorf("engine: unsupported kind %q", kind)
	}

	if err := e.store.Put(ctx, ent); err != nil {
		return domain.Entity{}, err
	}
	e.mu.Lock()
	if e.entities[kind] == nil {
		e.entities[kind] = map[string]domain.Entity{}
	}
	e.entities[kind][ent.ID] = ent
	e.viewOrder[kind] = append(e.viewOrder[kind], ent.ID)
	var listTouched string
	if kind == domain.KindTask && ent.Task.ListID != "" {
		listTouched = ent.Task.ListID
		e.orders[listTouched] = append(e.orders[listTouched], ent.ID)
	}
	e.mu.Unlock()
	if listTouched != "" {
		if err := e.store.PutOrder(ctx, listTouched, e.Order(listTouched)); err != nil {
			e.logger.WithError(err).Error("persisting order append failed")
		}
	}

	body, err := sonic.Marshal(ent)
	if err != nil {
		return domain.Entity{}, err
	}
	m := domain.NewMutation(domain.OpCreate, kind, ent.ID, remote.CollectionPath(kind), http.MethodPost, body)
	if _, err := e.q.Enqueue(m); err != nil {
		return domain.Entity{}, err
	}
	e.notify(kind, ent.ID, domain.ChangeCreated)
	return ent.Clone(), nil
}

func (e *Engine) update(ctx context.Context, kind domain.Kind, id string, payload []byte) (domain.Entity, error) {
	e.mu.Lock()
	ent, ok := e.entities[kind][id]
	if !ok {
		e.mu.Unlock()
		return domain.Entity{}, errUnknownEntity
	}
	snapshot := ent.Clone()
	updated := ent.Clone()

	var movedFrom, movedTo string
	switch kind {
	case domain.KindTask:
		var d domain.TaskDelta
		if err := sonic.Unmarshal(payload, &d); err != nil {
			e.mu.Unlock()
			return domain.Entity{}, fmt.Errorf("engine: decode task delta: %w", err)
		}
		if d.ListID != nil && *d.ListID != updated.Task.ListID {
			movedFrom, movedTo = updated.Task.ListID, *d.ListID
		}
		domain.ApplyTaskDelta(updated.Task, d, false)
	case domain.KindList:
		var d domain.ListDelta
		if err := sonic.Unmarshal(payload, &d); err != nil {
			e.mu.Unlock()
			return domain.Entity{}, fmt.Errorf("engine: decode list delta: %w", err)
		}
		domain.ApplyListDelta(updated.List, d)
	default:
		e.mu.Unlock()
		return domain.Entity{}, fmt.Errorf("engine: unsupported kind %q", kind)
	}

	if updated.SyncStatus != domain.StatusPending {
		updated.SyncStatus = domain.StatusPending
	}
	updated.UpdatedAt = time.Now().UnixMilli()
	e.entities[kind][id] = updated

	// A list move touches both order arrays: remove from the source,
	// append to the destination.
	if movedFrom != "" {
		e.orders[movedFrom] = removeID(e.orders[movedFrom], id)
	}
	if movedTo != "" {
		e.orders[movedTo] = append(removeID(e.orders[movedTo], id), id)
	}
	e.mu.Unlock()

	if err := e.store.Put(ctx, updated); err != nil {
		return domain.Entity{}, err
	}
	if movedFrom != "" {
		if err := e.store.PutOrder(ctx, movedFrom, e.Order(movedFrom)); err != nil {
			e.logger.WithError(err).Error("persisting order prune failed")
		}
	}
	if movedTo != "" {
		if err := e.store.PutOrder(ctx, movedTo, e.Order(movedTo)); err != nil {
			e.logger.WithError(err).Error("persisting order append failed")
		}
	}

	m := domain.NewMutation(domain.OpUpdate, kind, id, remote.EntityPath(kind, id), http.MethodPatch, payload)
	m, err := m.WithSnapshot(snapshot)
	if err != nil {
		return domain.Entity{}, err
	}
	if _, err := e.q.Enqueue(m); err != nil {
		return domain.Entity{}, err
	}
	e.notify(kind, id, domain.ChangeUpdated)
	return updated.Clone(), nil
}

func (e *Engine) delete(ctx context.Context, kind domain.Kind, id string) error {
	e.mu.Lock()
	ent, ok := e.entities[kind][id]
	if !ok {
		e.mu.Unlock()
		return errUnknownEntity
	}
	snapshot := ent.Clone()
	delete(e.entities[kind], id)
	e.viewOrder[kind] = removeID(e.viewOrder[kind], id)
	var listTouched string
	if kind == domain.KindTask && ent.Task != nil && ent.Task.ListID != "" {
		listTouched = ent.Task.ListID
		e.orders[listTouched] = removeID(e.orders[listTouched], id)
	}
	if kind == domain.KindList {
		delete(e.orders, id)
	}
	if e.selection != nil && e.selection.Kind == kind && e.selection.ID == id {
		e.selection = nil
	}
	e.mu.Unlock()

	if err := e.store.Delete(ctx, kind, id); err != nil {
		return err
	}
	if listTouched != "" {
		if err := e.store.PutOrder(ctx, listTouched, e.Order(listTouched)); err != nil {
			e.logger.WithError(err).Error("persisting order prune failed")
		}
	}
	if kind == domain.KindList {
		if err := e.store.DeleteOrder(ctx, id); err != nil {
			e.logger.WithError(err).Error("removing order record failed")
		}
	}

	m := domain.NewMutation(domain.OpDelete, kind, id, remote.EntityPath(kind, id), http.MethodDelete, nil)
	m, err := m.WithSnapshot(snapshot)
	if err != nil {
		return err
	}
	if _, err := e.q.Enqueue(m); err != nil {
		return err
	}
	e.notify(kind, id, domain.ChangeDeleted)
	return nil
}

// rollback restores the pre-mutation snapshot exactly. Order mutations
// restore only the ordering array; entity mutations restore the entity and
// re-normalize any order arrays the undone edit had touched.
func (e *Engine) rollback(ctx context.Context, m domain.PendingMutation) error {
	if isOrderMutation(m) {
		var snap []string
		if len(m.Snapshot) > 0 {
			if err := sonic.Unmarshal(m.Snapshot, &snap); err != nil {
				return err
			}
		}
		e.restoreOrder(ctx, m.EntityID, snap)
		return nil
	}

	switch m.Op {
	case domain.OpCreate:
		e.mu.Lock()
		delete(e.entities[m.Kind], m.EntityID)
		e.viewOrder[m.Kind] = removeID(e.viewOrder[m.Kind], m.EntityID)
		for listID := range e.orders {
			e.orders[listID] = removeID(e.orders[listID], m.EntityID)
		}
		e.mu.Unlock()
		if err := e.store.Delete(ctx, m.Kind, m.EntityID); err != nil {
			return err
		}
		e.notify(m.Kind, m.EntityID, domain.ChangeDeleted)
		return nil

	case domain.OpUpdate, domain.OpDelete:
		snap, ok, err := m.SnapshotEntity()
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("engine: mutation %s has no snapshot to restore", m.ID)
		}
		if err := e.store.Put(ctx, snap); err != nil {
			return err
		}
		e.mu.Lock()
		if e.entities[snap.Kind] == nil {
			e.entities[snap.Kind] = map[string]domain.Entity{}
		}
		e.entities[snap.Kind][snap.ID] = snap
		if !containsID(e.viewOrder[snap.Kind], snap.ID) {
			e.viewOrder[snap.Kind] = append(e.viewOrder[snap.Kind], snap.ID)
		}
		touched := e.renormalizeOrdersLocked()
		e.mu.Unlock()
		e.persistOrders(ctx, touched)
		e.notify(snap.Kind, snap.ID, domain.ChangeUpdated)
		return nil
	}
	return fmt.Errorf("engine: cannot roll back op %q", m.Op)
}

// renormalizeOrdersLocked re-derives every known list order from current
// membership and reports which lists changed.
func (e *Engine) renormalizeOrdersLocked() []string {
	touched := []string{}
	for listID, ids := range e.orders {
		normalized := order.Normalize(ids, e.memberTasksLocked(listID))
		if !order.Equal(ids, normalized) {
			e.orders[listID] = normalized
			touched = append(touched, listID)
		}
	}
	return touched
}

func (e *Engine) persistOrders(ctx context.Context, listIDs []string) {
	for _, listID := range listIDs {
		if err := e.store.PutOrder(ctx, listID, e.Order(listID)); err != nil {
			e.logger.WithError(err).Error("persisting order failed")
		}
	}
}

func (e *Engine) restoreOrder(ctx context.Context, listID string, ids []string) {
	e.mu.Lock()
	e.orders[listID] = append([]string(nil), ids...)
	e.mu.Unlock()
	if err := e.store.PutOrder(ctx, listID, ids); err != nil {
		e.logger.WithError(err).Error("restoring order failed")
	}
	e.notify(domain.KindList, listID, domain.ChangeUpdated)
}

func isOrderMutation(m domain.PendingMutation) bool {
	return strings.HasSuffix(m.Path, "/order")
}

func removeID(ids []string, id string) []string {
	out := ids[:0]
	for _, v := range ids {
		if v != id {
			out = append(out, v)
		}
	}
	return out
}

func containsID(ids []string, id string) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}
