package engine

import (
	"context"
	"errors"

	"github.com/bytedance/sonic"
	log "github.com/sirupsen/logrus"

	"tasksync/domain"
	"tasksync/localstore"
	"tasksync/merge"
)

// MutationConfirmed implements queue.Hooks. For creates it remaps the
// temporary id to the authoritative one everywhere it is referenced; for
// the last outstanding mutation of an entity it settles syncStatus.
func (e *Engine) MutationConfirmed(m domain.PendingMutation, authoritative *domain.Entity) {
	ctx := context.Background()

	if isOrderMutation(m) {
		// The order applied optimistically at drop time; nothing settles.
		return
	}

	if m.Op == domain.OpCreate && authoritative != nil && authoritative.ID != m.EntityID {
		e.remapEntityID(ctx, m, *authoritative)
		m.EntityID = authoritative.ID
	}
	if m.Op == domain.OpDelete {
		return
	}
	if !e.q.HasPendingOther(m) {
		e.setStatus(ctx, m.Kind, m.EntityID, domain.StatusSynced)
	}
}

// MutationRejected implements queue.Hooks: a permanent rejection restores
// the pre-mutation snapshot and surfaces one notification.
func (e *Engine) MutationRejected(m domain.PendingMutation, reason string) {
	ctx := context.Background()

	if isOrderMutation(m) {
		e.mu.Lock()
		e.addNoticeLocked(m.ID, "reorder rejected: "+reason)
		e.mu.Unlock()
		if err := e.rollback(ctx, m); err != nil {
			e.logger.WithError(err).Error("order rollback failed")
		}
		return
	}

	if err := e.rollback(ctx, m); err != nil {
		e.logger.WithError(err).WithField("mutation", m.ID).Error("rollback failed")
	}
	e.mu.Lock()
	e.addNoticeLocked(m.ID, "change rejected by server: "+reason)
	e.mu.Unlock()
	e.notify(m.Kind, m.EntityID, domain.ChangeUpdated)
}

// MutationFailed implements queue.Hooks: retries are exhausted. Entity
// edits stay applied locally, flagged failed for manual retry or discard;
// a failed reorder rolls back like a rejection, per the transport-failure
// rule for ordering.
func (e *Engine) MutationFailed(fm domain.FailedMutation) {
	ctx := context.Background()
	m := fm.Mutation

	if isOrderMutation(m) {
		e.mu.Lock()
		e.addNoticeLocked(m.ID, "reorder could not be delivered: "+fm.Reason)
		e.mu.Unlock()
		if err := e.rollback(ctx, m); err != nil {
			e.logger.WithError(err).Error("order rollback failed")
		}
		return
	}

	e.setStatus(ctx, m.Kind, m.EntityID, domain.StatusFailed)
	e.mu.Lock()
	e.addNoticeLocked(m.ID, "change could not be delivered: "+fm.Reason)
	e.mu.Unlock()
}

// remapEntityID replaces a temporary id with the authoritative one in the
// store, the in-memory view, every ordering array, task relationships
// (when a list id changes), and the still-queued mutations. When later
// queued edits still target the entity, the locally composed payload wins
// over the authoritative echo so optimistic edits stay visible.
func (e *Engine) remapEntityID(ctx context.Context, m domain.PendingMutation, authoritative domain.Entity) {
	kind, tempID := m.Kind, m.EntityID
	e.q.RemapEntity(kind, tempID, authoritative.ID)

	remapped := m
	remapped.EntityID = authoritative.ID
	hasDependents := e.q.HasPendingOther(remapped)

	e.mu.Lock()
	stored := authoritative
	stored.SyncStatus = domain.StatusSynced
	if local, ok := e.entities[kind][tempID]; ok && hasDependents {
		stored = local.Clone()
		stored.ID = authoritative.ID
		stored.SyncStatus = domain.StatusPending
		if authoritative.UpdatedAt > stored.UpdatedAt {
			stored.UpdatedAt = authoritative.UpdatedAt
		}
	}
	delete(e.entities[kind], tempID)
	if e.entities[kind] == nil {
		e.entities[kind] = map[string]domain.Entity{}
	}
	e.entities[kind][stored.ID] = stored
	e.viewOrder[kind] = replaceID(e.viewOrder[kind], tempID, stored.ID)

	touchedOrders := []string{}
	for listID, ids := range e.orders {
		if containsID(ids, tempID) {
			e.orders[listID] = replaceID(ids, tempID, authoritative.ID)
			touchedOrders = append(touchedOrders, listID)
		}
	}

	var retargeted []domain.Entity
	if kind == domain.KindList {
		// The list's own order record moves to the new key, and member
		// tasks point at the new id.
		if ids, ok := e.orders[tempID]; ok {
			e.orders[authoritative.ID] = ids
			delete(e.orders, tempID)
		}
		for id, t := range e.entities[domain.KindTask] {
			if t.Task != nil && t.Task.ListID == tempID {
				t = t.Clone()
				t.Task.ListID = authoritative.ID
				e.entities[domain.KindTask][id] = t
				retargeted = append(retargeted, t)
			}
		}
	}
	e.mu.Unlock()

	if err := e.store.Delete(ctx, kind, tempID); err != nil {
		e.logger.WithError(err).Error("removing temporary entity failed")
	}
	if err := e.store.Put(ctx, stored); err != nil {
		e.logger.WithError(err).Error("storing authoritative entity failed")
	}
	for _, t := range retargeted {
		if err := e.store.Put(ctx, t); err != nil {
			e.logger.WithError(err).Error("retargeting task failed")
		}
	}
	if kind == domain.KindList {
		if err := e.store.DeleteOrder(ctx, tempID); err != nil {
			e.logger.WithError(err).Error("removing temporary order record failed")
		}
		e.persistOrders(ctx, []string{authoritative.ID})
	}
	e.persistOrders(ctx, touchedOrders)

	e.logger.WithFields(log.Fields{
		"kind": kind, "temp": tempID, "id": authoritative.ID,
	}).Debug("temporary id remapped")
	e.notify(kind, tempID, domain.ChangeDeleted)
	e.notify(kind, authoritative.ID, domain.ChangeCreated)
}

// Apply implements stream.Applier: one push-channel delta from another
// actor, applied in arrival order.
func (e *Engine) Apply(ev domain.StreamEvent) {
	ctx := context.Background()
	switch ev.Type {
	case domain.EventCreated:
		var ent domain.Entity
		if err := sonic.Unmarshal(ev.Payload, &ent); err != nil {
			e.logger.WithError(err).Warn("unable to parse created event")
			return
		}
		if ent.ID == "" {
			ent.ID = ev.EntityID
		}
		ent.Kind = ev.EntityKind
		e.applyRemoteCreated(ctx, ent)
	case domain.EventUpdated:
		e.applyRemoteUpdated(ctx, ev)
	case domain.EventDeleted:
		e.applyRemoteDeleted(ctx, ev.EntityKind, ev.EntityID)
	default:
		e.logger.WithField("type", ev.Type).Warn("ignoring unknown stream event")
	}
}

func (e *Engine) applyRemoteCreated(ctx context.Context, ent domain.Entity) {
	ent.SyncStatus = domain.StatusSynced
	e.mu.Lock()
	if _, exists := e.entities[ent.Kind][ent.ID]; exists {
		// Self-initiated action already reflected optimistically; the REST
		// confirmation owns this entity's lifecycle.
		e.mu.Unlock()
		return
	}
	if e.entities[ent.Kind] == nil {
		e.entities[ent.Kind] = map[string]domain.Entity{}
	}
	e.entities[ent.Kind][ent.ID] = ent
	e.viewOrder[ent.Kind] = append(e.viewOrder[ent.Kind], ent.ID)
	var listTouched string
	if ent.Kind == domain.KindTask && ent.Task != nil && ent.Task.ListID != "" {
		listTouched = ent.Task.ListID
		e.orders[listTouched] = append(e.orders[listTouched], ent.ID)
	}
	e.mu.Unlock()

	if err := e.store.Put(ctx, ent); err != nil {
		e.logger.WithError(err).Error("storing remote entity failed")
	}
	if listTouched != "" {
		e.persistOrders(ctx, []string{listTouched})
	}
	e.notify(ent.Kind, ent.ID, domain.ChangeCreated)
}

func (e *Engine) applyRemoteUpdated(ctx context.Context, ev domain.StreamEvent) {
	e.mu.Lock()
	ent, ok := e.entities[ev.EntityKind][ev.EntityID]
	if !ok {
		// Unknown entity: the debounced resync covers any gap.
		e.mu.Unlock()
		return
	}
	updated := ent.Clone()
	var touchedOrders []string
	switch ev.EntityKind {
	case domain.KindTask:
		var d domain.TaskDelta
		if err := sonic.Unmarshal(ev.Payload, &d); err != nil {
			e.mu.Unlock()
			e.logger.WithError(err).Warn("unable to parse task delta")
			return
		}
		skipComments := e.q.HasPending(domain.KindTask, ev.EntityID)
		var movedFrom, movedTo string
		if d.ListID != nil && *d.ListID != updated.Task.ListID {
			movedFrom, movedTo = updated.Task.ListID, *d.ListID
		}
		domain.ApplyTaskDelta(updated.Task, d, skipComments)
		if movedFrom != "" {
			e.orders[movedFrom] = removeID(e.orders[movedFrom], ev.EntityID)
			touchedOrders = append(touchedOrders, movedFrom)
		}
		if movedTo != "" {
			e.orders[movedTo] = append(removeID(e.orders[movedTo], ev.EntityID), ev.EntityID)
			touchedOrders = append(touchedOrders, movedTo)
		}
	case domain.KindList:
		var d domain.ListDelta
		if err := sonic.Unmarshal(ev.Payload, &d); err != nil {
			e.mu.Unlock()
			e.logger.WithError(err).Warn("unable to parse list delta")
			return
		}
		domain.ApplyListDelta(updated.List, d)
	}
	e.entities[ev.EntityKind][ev.EntityID] = updated
	e.mu.Unlock()

	if err := e.store.Put(ctx, updated); err != nil {
		e.logger.WithError(err).Error("storing remote update failed")
	}
	e.persistOrders(ctx, touchedOrders)
	e.notify(ev.EntityKind, ev.EntityID, domain.ChangeUpdated)
}

func (e *Engine) applyRemoteDeleted(ctx context.Context, kind domain.Kind, id string) {
	e.mu.Lock()
	if _, ok := e.entities[kind][id]; !ok {
		e.mu.Unlock()
		return
	}
	delete(e.entities[kind], id)
	e.viewOrder[kind] = removeID(e.viewOrder[kind], id)
	touched := []string{}
	for listID, ids := range e.orders {
		if containsID(ids, id) {
			e.orders[listID] = removeID(ids, id)
			touched = append(touched, listID)
		}
	}
	if kind == domain.KindList {
		delete(e.orders, id)
	}
	if e.selection != nil && e.selection.Kind == kind && e.selection.ID == id {
		e.selection = nil
	}
	e.mu.Unlock()

	if err := e.store.Delete(ctx, kind, id); err != nil {
		e.logger.WithError(err).Error("removing remotely deleted entity failed")
	}
	if kind == domain.KindList {
		if err := e.store.DeleteOrder(ctx, id); err != nil {
			e.logger.WithError(err).Error("removing order record failed")
		}
	}
	e.persistOrders(ctx, touched)
	e.notify(kind, id, domain.ChangeDeleted)
}

// Resync implements stream.Applier: a full refetch merged against local
// pending state, used on startup and after reconnect gaps.
func (e *Engine) Resync(ctx context.Context) error {
	for _, kind := range []domain.Kind{domain.KindList, domain.KindTask} {
		server, err := e.fetcher.FetchAll(ctx, kind)
		if err != nil {
			return err
		}
		local, err := e.store.ListByKind(ctx, kind)
		if err != nil {
			return err
		}
		merged := merge.ServerSnapshot(server, local, e.q.HasPending)

		mergedIDs := make(map[string]struct{}, len(merged))
		for _, ent := range merged {
			mergedIDs[ent.ID] = struct{}{}
			if err := e.store.Put(ctx, ent); err != nil {
				return err
			}
		}
		for _, le := range local {
			if _, kept := mergedIDs[le.ID]; !kept {
				if err := e.store.Delete(ctx, kind, le.ID); err != nil {
					return err
				}
			}
		}

		e.mu.Lock()
		byID := make(map[string]domain.Entity, len(merged))
		ids := make([]string, 0, len(merged))
		for _, ent := range merged {
			byID[ent.ID] = ent
			ids = append(ids, ent.ID)
		}
		e.entities[kind] = byID
		e.viewOrder[kind] = ids
		e.mu.Unlock()
		e.notify(kind, "", domain.ChangeUpdated)
	}

	e.mu.Lock()
	for listID := range e.entities[domain.KindList] {
		if _, ok := e.orders[listID]; !ok {
			e.orders[listID] = nil
		}
	}
	touched := e.renormalizeOrdersLocked()
	e.mu.Unlock()
	e.persistOrders(ctx, touched)
	e.logger.Info("resync complete")
	return nil
}

// OnCrossTabHint reacts to another tab's advisory message by re-reading
// the durable store, never by trusting the hint's payload.
func (e *Engine) OnCrossTabHint(c domain.Change) {
	ctx := context.Background()
	ent, err := e.store.Get(ctx, c.Kind, c.ID)
	switch {
	case err == nil:
		e.mu.Lock()
		if e.entities[c.Kind] == nil {
			e.entities[c.Kind] = map[string]domain.Entity{}
		}
		e.entities[c.Kind][c.ID] = ent
		if !containsID(e.viewOrder[c.Kind], c.ID) {
			e.viewOrder[c.Kind] = append(e.viewOrder[c.Kind], c.ID)
		}
		e.mu.Unlock()
	case errors.Is(err, localstore.ErrNotFound):
		e.mu.Lock()
		delete(e.entities[c.Kind], c.ID)
		e.viewOrder[c.Kind] = removeID(e.viewOrder[c.Kind], c.ID)
		e.mu.Unlock()
	default:
		e.logger.WithError(err).Warn("cross-tab re-read failed")
		return
	}

	if c.Kind == domain.KindList {
		ids, err := e.store.GetOrder(ctx, c.ID)
		if err == nil {
			e.mu.Lock()
			e.orders[c.ID] = ids
			e.mu.Unlock()
		}
	}
	e.notify(c.Kind, c.ID, c.Change)
}

func replaceID(ids []string, oldID, newID string) []string {
	for i, v := range ids {
		if v == oldID {
			ids[i] = newID
		}
	}
	return ids
}
