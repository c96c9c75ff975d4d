package domain

import (
	"strings"

	"github.com/google/uuid"
)

// Kind identifies the type of a synchronized entity.
type Kind string

const (
	KindTask Kind = "task"
	KindList Kind = "list"
)

// SyncStatus tracks how far a local entity has progressed toward the
// remote authority.
type SyncStatus string

const (
	StatusSynced  SyncStatus = "synced"
	StatusPending SyncStatus = "pending"
	StatusFailed  SyncStatus = "failed"
)

// localIDPrefix marks client-generated placeholder ids. An entity carrying
// one is always pending: the authority has never seen it.
const localIDPrefix = "local-"

// NewLocalID returns a fresh temporary id for an optimistically created entity.
func NewLocalID() string {
	return localIDPrefix + uuid.NewString()
}

// IsLocalID reports whether id is a client-generated placeholder.
func IsLocalID(id string) bool {
	return strings.HasPrefix(id, localIDPrefix)
}

// Task is the payload of a task entity. The id lives on the enclosing
// Entity, mirroring how the authority addresses resources.
type Task struct {
	ListID    string    `json:"listId,omitempty"`
	Title     string    `json:"title"`
	Notes     string    `json:"notes,omitempty"`
	Completed bool      `json:"completed,omitempty"`
	Comments  []Comment `json:"comments,omitempty"`
}

// Comment is attached to a task. Comments are client-authoritative while a
// local edit is in flight: a partial server payload must never wipe one
// that was composed locally and not yet confirmed.
type Comment struct {
	ID        string `json:"id"`
	Author    string `json:"author,omitempty"`
	Body      string `json:"body"`
	CreatedAt int64  `json:"createdAt"`
}

// List is the payload of a list entity. SharedWith holds collaborator ids;
// task membership is expressed through Task.ListID, and the manual ordering
// of member tasks is a separate durable record keyed by list id.
type List struct {
	Title      string   `json:"title"`
	SharedWith []string `json:"sharedWith,omitempty"`
}

// Entity is the tagged envelope stored locally and exchanged with the
// authority. Exactly one of Task/List is set, matching Kind.
type Entity struct {
	Kind       Kind       `json:"kind"`
	ID         string     `json:"id"`
	SyncStatus SyncStatus `json:"syncStatus"`
	UpdatedAt  int64      `json:"updatedAt"`
	Task       *Task      `json:"task,omitempty"`
	List       *List      `json:"list,omitempty"`
}

// Clone returns a deep copy so optimistic snapshots cannot alias live state.
func (e Entity) Clone() Entity {
	cpy := e
	if e.Task != nil {
		t := *e.Task
		t.Comments = append([]Comment(nil), e.Task.Comments...)
		cpy.Task = &t
	}
	if e.List != nil {
		l := *e.List
		l.SharedWith = append([]string(nil), e.List.SharedWith...)
		cpy.List = &l
	}
	return cpy
}

// TaskDelta is a partial task update. Nil fields are untouched on apply,
// so shallow merges of server events are total functions rather than
// ad hoc presence checks.
type TaskDelta struct {
	ListID    *string   `json:"listId,omitempty"`
	Title     *string   `json:"title,omitempty"`
	Notes     *string   `json:"notes,omitempty"`
	Completed *bool     `json:"completed,omitempty"`
	Comments  []Comment `json:"comments,omitempty"`
}

// ListDelta is a partial list update.
type ListDelta struct {
	Title      *string   `json:"title,omitempty"`
	SharedWith *[]string `json:"sharedWith,omitempty"`
}

// ApplyTaskDelta merges d into t field-wise. When skipComments is set the
// comment list is left alone regardless of the delta, used while a local
// comment edit is still pending.
func ApplyTaskDelta(t *Task, d TaskDelta, skipComments bool) {
	if t == nil {
		return
	}
	if d.ListID != nil {
		t.ListID = *d.ListID
	}
	if d.Title != nil {
		t.Title = *d.Title
	}
	if d.Notes != nil {
		t.Notes = *d.Notes
	}
	if d.Completed != nil {
		t.Completed = *d.Completed
	}
	if d.Comments != nil && !skipComments {
		t.Comments = append([]Comment(nil), d.Comments...)
	}
}

// ApplyListDelta merges d into l field-wise.
func ApplyListDelta(l *List, d ListDelta) {
	if l == nil {
		return
	}
	if d.Title != nil {
		l.Title = *d.Title
	}
	if d.SharedWith != nil {
		l.SharedWith = append([]string(nil), *d.SharedWith...)
	}
}
