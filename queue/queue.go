package queue

import (
	"bytes"
	"context"
	"errors"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	log "github.com/sirupsen/logrus"

	"tasksync/domain"
)

// Sender delivers one mutation to the remote authority. For creates the
// returned entity carries the authoritative id.
type Sender interface {
	Send(ctx context.Context, m domain.PendingMutation) (*domain.Entity, error)
}

// Hooks receives queue lifecycle outcomes. Implemented by the engine.
type Hooks interface {
	// MutationConfirmed fires after successful delivery; authoritative is
	// non-nil for creates and carries the permanent id.
	MutationConfirmed(m domain.PendingMutation, authoritative *domain.Entity)
	// MutationRejected fires on a permanent rejection; the mutation is not
	// retried and local state must roll back to the snapshot.
	MutationRejected(m domain.PendingMutation, reason string)
	// MutationFailed fires once when the retry cap is exhausted.
	MutationFailed(fm domain.FailedMutation)
}

// permanentError is implemented by delivery errors that must not be
// retried (validation failures, 403/404).
type permanentError interface {
	Permanent() bool
}

func isPermanent(err error) bool {
	var pe permanentError
	return errors.As(err, &pe) && pe.Permanent()
}

// Config controls the queue's durable log location and retry policy.
type Config struct {
	Dir          string
	SegmentBytes int64
	RetryInitial time.Duration // backoff base, doubled per attempt
	RetryMax     time.Duration // backoff cap
	RetryCap     int           // retries after the first failure before marking failed
	SendTimeout  time.Duration
}

func (c *Config) defaults() {
	if c.RetryInitial <= 0 {
		c.RetryInitial = time.Second
	}
	if c.RetryMax <= 0 {
		c.RetryMax = 30 * time.Second
	}
	if c.RetryCap <= 0 {
		c.RetryCap = 3
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = 30 * time.Second
	}
}

type entry struct {
	offset  uint64
	m       domain.PendingMutation
	attempt int
}

// Queue is the durable, ordered log of not-yet-confirmed mutations plus its
// flush loop. Mutations are always appended before any network I/O; the
// connectivity gate only decides whether a flush runs now or later, which
// keeps the log the single source of intent across connectivity flips.
type Queue struct {
	cfg    Config
	mlog   *mutationLog
	sender Sender
	hooks  Hooks
	conn   *domain.Connectivity
	logger *log.Logger

	mu      sync.Mutex
	pending []*entry
	failed  []domain.FailedMutation

	retryMu    sync.Mutex
	retryTimer *time.Timer

	kickCh chan struct{}
	stopCh chan struct{}
	doneCh chan struct{}
}

// Open loads the durable log (redelivering uncommitted records) and the
// failed journal. Start must be called before mutations flow.
func Open(cfg Config, sender Sender, hooks Hooks, conn *domain.Connectivity, logger *log.Logger) (*Queue, error) {
	cfg.defaults()
	mlog, recovered, err := openMutationLog(logConfig{dir: cfg.Dir, segmentBytes: cfg.SegmentBytes, logger: logger})
	if err != nil {
		return nil, err
	}
	q := &Queue{
		cfg:    cfg,
		mlog:   mlog,
		sender: sender,
		hooks:  hooks,
		conn:   conn,
		logger: logger,
		kickCh: make(chan struct{}, 1),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
	for _, rec := range recovered {
		q.pending = append(q.pending, &entry{offset: rec.Offset, m: rec.Mutation})
	}
	if err := q.loadFailed(); err != nil {
		mlog.close()
		return nil, err
	}
	if len(q.pending) > 0 {
		logger.WithField("count", len(q.pending)).Info("recovered pending mutations")
	}
	return q, nil
}

// Start launches the flush loop.
func (q *Queue) Start() {
	go q.run()
	q.Kick()
}

// Close stops the flush loop; an in-flight delivery is allowed to finish.
func (q *Queue) Close() {
	close(q.stopCh)
	<-q.doneCh
	q.retryMu.Lock()
	if q.retryTimer != nil {
		q.retryTimer.Stop()
	}
	q.retryMu.Unlock()
	q.mlog.close()
}

// Enqueue durably records the mutation. It always succeeds short of a disk
// fault, regardless of connectivity.
func (q *Queue) Enqueue(m domain.PendingMutation) (string, error) {
	offset, err := q.mlog.append(m)
	if err != nil {
		return "", err
	}
	q.mu.Lock()
	q.pending = append(q.pending, &entry{offset: offset, m: m})
	q.mu.Unlock()
	if !q.conn.Offline() {
		q.Kick()
	}
	return m.ID, nil
}

// Kick requests a flush pass. Used after enqueue and on the offline→online flip.
func (q *Queue) Kick() {
	select {
	case q.kickCh <- struct{}{}:
	default:
	}
}

// Pending returns queued mutations in enqueue order.
func (q *Queue) Pending() []domain.PendingMutation {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]domain.PendingMutation, 0, len(q.pending))
	for _, e := range q.pending {
		out = append(out, e.m)
	}
	return out
}

// Failed returns mutations awaiting manual retry or discard.
func (q *Queue) Failed() []domain.FailedMutation {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]domain.FailedMutation(nil), q.failed...)
}

// HasPending reports whether any queued mutation targets the entity. The
// merge layer and live reconciler consult this to protect in-flight edits.
func (q *Queue) HasPending(kind domain.Kind, entityID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, e := range q.pending {
		if e.m.Kind == kind && e.m.EntityID == entityID {
			return true
		}
	}
	return false
}

// HasPendingOther reports whether a queued mutation other than m targets
// the same entity. Used when deciding whether a confirmation settles the
// entity or later queued edits still hold it pending.
func (q *Queue) HasPendingOther(m domain.PendingMutation) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, e := range q.pending {
		if e.m.ID == m.ID {
			continue
		}
		if e.m.Kind == m.Kind && e.m.EntityID == m.EntityID {
			return true
		}
	}
	return false
}

// RemapEntity rewrites queued references to a temporary id after the
// authority assigned the permanent one, so causally dependent mutations
// (update-after-create) deliver against the real resource. Payloads and
// snapshots are rewritten too: order arrays may embed the temporary id.
func (q *Queue) RemapEntity(kind domain.Kind, oldID, newID string) {
	oldQuoted := []byte(`"` + oldID + `"`)
	newQuoted := []byte(`"` + newID + `"`)
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, e := range q.pending {
		if e.m.Kind == kind && e.m.EntityID == oldID {
			e.m.EntityID = newID
			e.m.Path = strings.ReplaceAll(e.m.Path, oldID, newID)
		}
		if len(e.m.Payload) > 0 {
			e.m.Payload = bytes.ReplaceAll(e.m.Payload, oldQuoted, newQuoted)
		}
		if len(e.m.Snapshot) > 0 {
			e.m.Snapshot = bytes.ReplaceAll(e.m.Snapshot, oldQuoted, newQuoted)
		}
	}
}

// Retry moves a failed mutation back onto the queue as a fresh entry.
func (q *Queue) Retry(mutationID string) (domain.PendingMutation, error) {
	q.mu.Lock()
	var fm *domain.FailedMutation
	for i := range q.failed {
		if q.failed[i].Mutation.ID == mutationID {
			fm = &q.failed[i]
			q.failed = append(q.failed[:i], q.failed[i+1:]...)
			break
		}
	}
	q.mu.Unlock()
	if fm == nil {
		return domain.PendingMutation{}, errors.New("queue: unknown failed mutation")
	}
	if err := q.saveFailed(); err != nil {
		q.logger.WithError(err).Warn("failed journal update")
	}
	if _, err := q.Enqueue(fm.Mutation); err != nil {
		return domain.PendingMutation{}, err
	}
	return fm.Mutation, nil
}

// Discard drops a failed mutation and returns it so the caller can restore
// the pre-mutation snapshot.
func (q *Queue) Discard(mutationID string) (domain.FailedMutation, error) {
	q.mu.Lock()
	for i := range q.failed {
		if q.failed[i].Mutation.ID == mutationID {
			fm := q.failed[i]
			q.failed = append(q.failed[:i], q.failed[i+1:]...)
			q.mu.Unlock()
			if err := q.saveFailed(); err != nil {
				q.logger.WithError(err).Warn("failed journal update")
			}
			return fm, nil
		}
	}
	q.mu.Unlock()
	return domain.FailedMutation{}, errors.New("queue: unknown failed mutation")
}

func (q *Queue) run() {
	defer close(q.doneCh)
	for {
		select {
		case <-q.stopCh:
			return
		case <-q.kickCh:
			q.flushOnce()
		}
	}
}

// flushOnce walks the queue head-first so causally dependent mutations
// (create then update of the same entity) are never delivered out of order.
// The first transient failure stops the pass and schedules a retry.
func (q *Queue) flushOnce() {
	if q.conn.Offline() {
		return
	}
	for {
		select {
		case <-q.stopCh:
			return
		default:
		}

		q.mu.Lock()
		if len(q.pending) == 0 {
			q.mu.Unlock()
			return
		}
		head := q.pending[0]
		q.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), q.cfg.SendTimeout)
		authoritative, err := q.sender.Send(ctx, head.m)
		cancel()

		if err == nil {
			q.hooks.MutationConfirmed(head.m, authoritative)
			q.settle(head)
			continue
		}

		if isPermanent(err) {
			q.logger.WithError(err).WithFields(log.Fields{
				"mutation": head.m.ID, "entity": head.m.EntityID,
			}).Warn("mutation permanently rejected")
			q.hooks.MutationRejected(head.m, err.Error())
			q.settle(head)
			continue
		}

		head.attempt++
		if head.attempt > q.cfg.RetryCap {
			fm := domain.FailedMutation{
				Mutation: head.m,
				Reason:   err.Error(),
				FailedAt: time.Now().UTC(),
			}
			q.logger.WithError(err).WithFields(log.Fields{
				"mutation": head.m.ID, "entity": head.m.EntityID, "attempts": head.attempt,
			}).Error("mutation retries exhausted")
			q.mu.Lock()
			q.failed = append(q.failed, fm)
			q.mu.Unlock()
			if saveErr := q.saveFailed(); saveErr != nil {
				q.logger.WithError(saveErr).Warn("failed journal update")
			}
			q.settle(head)
			q.hooks.MutationFailed(fm)
			continue
		}

		delay := exponentialBackoff(head.attempt, q.cfg.RetryInitial, q.cfg.RetryMax)
		q.logger.WithError(err).WithFields(log.Fields{
			"mutation": head.m.ID, "attempt": head.attempt, "retry_in": delay,
		}).Warn("mutation delivery failed, will retry")
		q.scheduleRetry(delay)
		return
	}
}

// settle removes the head entry and advances the durable checkpoint. Only
// the head ever settles, so the committed offset stays contiguous.
func (q *Queue) settle(e *entry) {
	q.mu.Lock()
	if len(q.pending) > 0 && q.pending[0] == e {
		q.pending = q.pending[1:]
	}
	q.mu.Unlock()
	if err := q.mlog.commit(e.offset); err != nil {
		q.logger.WithError(err).Error("mutation log commit failed")
	}
}

// scheduleRetry arms the retry timer, resetting rather than stacking so
// only the latest schedule fires.
func (q *Queue) scheduleRetry(delay time.Duration) {
	q.retryMu.Lock()
	defer q.retryMu.Unlock()
	if q.retryTimer == nil {
		q.retryTimer = time.AfterFunc(delay, q.Kick)
		return
	}
	q.retryTimer.Reset(delay)
}

func exponentialBackoff(attempt int, initial, max time.Duration) time.Duration {
	if initial <= 0 {
		initial = time.Second
	}
	if max <= 0 {
		max = 30 * time.Second
	}
	if attempt <= 0 {
		return initial
	}
	backoff := float64(initial) * math.Pow(2, float64(attempt-1))
	if backoff > float64(max) {
		backoff = float64(max)
	}
	jitter := 0.2 * backoff
	return time.Duration(backoff + (rand.Float64()-0.5)*2*jitter)
}

func (q *Queue) failedPath() string {
	return filepath.Join(q.cfg.Dir, "failed.json")
}

func (q *Queue) loadFailed() error {
	data, err := os.ReadFile(q.failedPath())
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	return sonic.Unmarshal(data, &q.failed)
}

func (q *Queue) saveFailed() error {
	q.mu.Lock()
	data, err := sonic.Marshal(q.failed)
	q.mu.Unlock()
	if err != nil {
		return err
	}
	tmp := q.failedPath() + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, q.failedPath())
}
