// Package engine orchestrates the optimistic mutation and reconciliation
// core: it owns the in-memory merged view derived from the durable store,
// routes every user write through the mutation queue, remaps temporary ids
// on confirmation, and rolls local state back on irreconcilable failure.
package engine

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"tasksync/domain"
	"tasksync/localstore"
	"tasksync/order"
	"tasksync/queue"
)

// Fetcher is the slice of the remote client the engine needs for resync.
type Fetcher interface {
	FetchAll(ctx context.Context, kind domain.Kind) ([]domain.Entity, error)
}

// Notice is a user-visible, dismissible failure notification. Each
// exhausted or rejected mutation surfaces exactly one.
type Notice struct {
	ID         string    `json:"id"`
	MutationID string    `json:"mutationId"`
	Message    string    `json:"message"`
	CreatedAt  time.Time `json:"createdAt"`
}

// Engine is the single write and read entry point for the presentation
// layer. All state transitions fan out as Change notifications.
type Engine struct {
	store   *localstore.Store
	fetcher Fetcher
	conn    *domain.Connectivity
	logger  *log.Logger
	q       *queue.Queue

	mu        sync.Mutex
	entities  map[domain.Kind]map[string]domain.Entity
	viewOrder map[domain.Kind][]string
	orders    map[string][]string
	resolvers map[string]*order.Resolver
	selection *domain.Change
	notices   []Notice

	subMu sync.Mutex
	subs  map[chan domain.Change]struct{}
}

// New builds an engine over the durable store. AttachQueue must be called
// before any mutation; the queue needs the engine as its hook receiver, so
// construction is two-phase.
func New(store *localstore.Store, fetcher Fetcher, conn *domain.Connectivity, logger *log.Logger) *Engine {
	return &Engine{
		store:     store,
		fetcher:   fetcher,
		conn:      conn,
		logger:    logger,
		entities:  map[domain.Kind]map[string]domain.Entity{},
		viewOrder: map[domain.Kind][]string{},
		orders:    map[string][]string{},
		resolvers: map[string]*order.Resolver{},
		subs:      map[chan domain.Change]struct{}{},
	}
}

// AttachQueue completes wiring.
func (e *Engine) AttachQueue(q *queue.Queue) { e.q = q }

// Load hydrates the in-memory view from the durable store, normalizing
// every list's order array against its current membership.
func (e *Engine) Load(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, kind := range []domain.Kind{domain.KindList, domain.KindTask} {
		ents, err := e.store.ListByKind(ctx, kind)
		if err != nil {
			return err
		}
		byID := make(map[string]domain.Entity, len(ents))
		ids := make([]string, 0, len(ents))
		for _, ent := range ents {
			byID[ent.ID] = ent
			ids = append(ids, ent.ID)
		}
		e.entities[kind] = byID
		e.viewOrder[kind] = ids
	}
	for listID := range e.entities[domain.KindList] {
		stored, err := e.store.GetOrder(ctx, listID)
		if err != nil {
			return err
		}
		normalized := order.Normalize(stored, e.memberTasksLocked(listID))
		e.orders[listID] = normalized
		if !order.Equal(stored, normalized) {
			if err := e.store.PutOrder(ctx, listID, normalized); err != nil {
				return err
			}
		}
	}
	return nil
}

// MergedView returns the current consistent snapshot for rendering:
// server ordering for confirmed entities, pending ones after them.
func (e *Engine) MergedView(kind domain.Kind) []domain.Entity {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]domain.Entity, 0, len(e.viewOrder[kind]))
	for _, id := range e.viewOrder[kind] {
		if ent, ok := e.entities[kind][id]; ok {
			out = append(out, ent.Clone())
		}
	}
	return out
}

// ListTasks returns a list's member tasks in manual order.
func (e *Engine) ListTasks(listID string) []domain.Entity {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]domain.Entity, 0, len(e.orders[listID]))
	for _, id := range e.orders[listID] {
		if ent, ok := e.entities[domain.KindTask][id]; ok {
			out = append(out, ent.Clone())
		}
	}
	return out
}

// Order returns the current order array for a list.
func (e *Engine) Order(listID string) []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.orders[listID]...)
}

// Subscribe registers for change notifications. The returned cancel func
// must be called to release the channel.
func (e *Engine) Subscribe() (<-chan domain.Change, func()) {
	ch := make(chan domain.Change, 64)
	e.subMu.Lock()
	e.subs[ch] = struct{}{}
	e.subMu.Unlock()
	cancel := func() {
		e.subMu.Lock()
		delete(e.subs, ch)
		e.subMu.Unlock()
	}
	return ch, cancel
}

func (e *Engine) notify(kind domain.Kind, id string, change domain.ChangeType) {
	e.subMu.Lock()
	for ch := range e.subs {
		select {
		case ch <- domain.Change{Kind: kind, ID: id, Change: change}:
		default:
			// Slow subscriber: the hint is droppable, state is re-readable.
		}
	}
	e.subMu.Unlock()
}

// SetSelection records the presentation layer's active entity; a remote
// delete of that entity clears it.
func (e *Engine) SetSelection(kind domain.Kind, id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if id == "" {
		e.selection = nil
		return
	}
	e.selection = &domain.Change{Kind: kind, ID: id}
}

// Selection returns the active entity, if any.
func (e *Engine) Selection() (domain.Kind, string, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.selection == nil {
		return "", "", false
	}
	return e.selection.Kind, e.selection.ID, true
}

// Notices returns surfaced failure notifications, oldest first.
func (e *Engine) Notices() []Notice {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]Notice(nil), e.notices...)
}

// DismissNotice removes a notice.
func (e *Engine) DismissNotice(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i := range e.notices {
		if e.notices[i].ID == id {
			e.notices = append(e.notices[:i], e.notices[i+1:]...)
			return true
		}
	}
	return false
}

func (e *Engine) addNoticeLocked(mutationID, message string) {
	e.notices = append(e.notices, Notice{
		ID:         uuid.NewString(),
		MutationID: mutationID,
		Message:    message,
		CreatedAt:  time.Now().UTC(),
	})
}

// SetOffline flips the connectivity snapshot; the offline→online edge
// kicks the queue so deferred mutations flush.
func (e *Engine) SetOffline(offline bool) {
	if e.conn.SetOffline(offline) && !offline {
		e.logger.Info("connectivity restored, flushing queue")
		e.q.Kick()
	}
}

// PendingMutations exposes the queue for the presentation layer.
func (e *Engine) PendingMutations() []domain.PendingMutation { return e.q.Pending() }

// FailedMutations exposes mutations awaiting manual retry or discard.
func (e *Engine) FailedMutations() []domain.FailedMutation { return e.q.Failed() }

// RetryMutation re-queues a failed mutation and flags its entity pending again.
func (e *Engine) RetryMutation(ctx context.Context, mutationID string) error {
	m, err := e.q.Retry(mutationID)
	if err != nil {
		return err
	}
	e.setStatus(ctx, m.Kind, m.EntityID, domain.StatusPending)
	return nil
}

// DiscardMutation drops a failed mutation and restores the pre-mutation
// snapshot, undoing the optimistic edit it carried.
func (e *Engine) DiscardMutation(ctx context.Context, mutationID string) error {
	fm, err := e.q.Discard(mutationID)
	if err != nil {
		return err
	}
	return e.rollback(ctx, fm.Mutation)
}

// memberTasksLocked returns ids of tasks whose ListID is listID, in view order.
func (e *Engine) memberTasksLocked(listID string) []string {
	members := []string{}
	for _, id := range e.viewOrder[domain.KindTask] {
		if t, ok := e.entities[domain.KindTask][id]; ok && t.Task != nil && t.Task.ListID == listID {
			members = append(members, id)
		}
	}
	return members
}

func (e *Engine) setStatus(ctx context.Context, kind domain.Kind, id string, status domain.SyncStatus) {
	e.mu.Lock()
	ent, ok := e.entities[kind][id]
	if !ok || ent.SyncStatus == status {
		e.mu.Unlock()
		return
	}
	ent.SyncStatus = status
	e.entities[kind][id] = ent
	e.mu.Unlock()
	if err := e.store.Put(ctx, ent); err != nil {
		e.logger.WithError(err).Error("persisting sync status failed")
	}
	e.notify(kind, id, domain.ChangeUpdated)
}

var errUnknownEntity = errors.New("engine: unknown entity")
