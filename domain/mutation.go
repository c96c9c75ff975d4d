package domain

import (
	"time"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"
)

// Op is the kind of write a queued mutation performs against the authority.
type Op string

const (
	OpCreate Op = "create"
	OpUpdate Op = "update"
	OpDelete Op = "delete"
)

// PendingMutation is one durable entry in the intent log: a not-yet-confirmed
// write with everything needed to deliver it and to undo it.
type PendingMutation struct {
	ID         string    `json:"id"`
	Op         Op        `json:"op"`
	Kind       Kind      `json:"kind"`
	EntityID   string    `json:"entityId"`
	Path       string    `json:"path"`
	Method     string    `json:"method"`
	Payload    []byte    `json:"payload,omitempty"`
	Snapshot   []byte    `json:"snapshot,omitempty"`
	EnqueuedAt time.Time `json:"enqueuedAt"`
}

// NewMutation builds a PendingMutation with a fresh id and timestamp.
func NewMutation(op Op, kind Kind, entityID, path, method string, payload []byte) PendingMutation {
	return PendingMutation{
		ID:         uuid.NewString(),
		Op:         op,
		Kind:       kind,
		EntityID:   entityID,
		Path:       path,
		Method:     method,
		Payload:    payload,
		EnqueuedAt: time.Now().UTC(),
	}
}

// WithSnapshot attaches the pre-mutation entity state used for rollback.
func (m PendingMutation) WithSnapshot(e Entity) (PendingMutation, error) {
	data, err := sonic.Marshal(e)
	if err != nil {
		return m, err
	}
	m.Snapshot = data
	return m, nil
}

// SnapshotEntity decodes the attached pre-mutation snapshot, if any.
func (m PendingMutation) SnapshotEntity() (Entity, bool, error) {
	if len(m.Snapshot) == 0 {
		return Entity{}, false, nil
	}
	var e Entity
	if err := sonic.Unmarshal(m.Snapshot, &e); err != nil {
		return Entity{}, false, err
	}
	return e, true, nil
}

// FailedMutation is a mutation that exhausted its retries or can no longer
// be delivered; it stays visible until the user retries or discards it.
type FailedMutation struct {
	Mutation PendingMutation `json:"mutation"`
	Reason   string          `json:"reason"`
	FailedAt time.Time       `json:"failedAt"`
}
