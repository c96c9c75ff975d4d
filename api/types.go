package api

import (
	"context"

	"tasksync/domain"
	"tasksync/engine"
	"tasksync/order"
)

// SyncEngine is the slice of the engine the handlers need. Tests substitute
// a stub.
type SyncEngine interface {
	MergedView(kind domain.Kind) []domain.Entity
	ListTasks(listID string) []domain.Entity
	Order(listID string) []string
	Mutate(ctx context.Context, op domain.Op, kind domain.Kind, id string, payload []byte) (domain.Entity, error)
	Reorder(ctx context.Context, listID, movedID, targetID string, pos order.Position) ([]string, error)
	PendingMutations() []domain.PendingMutation
	FailedMutations() []domain.FailedMutation
	RetryMutation(ctx context.Context, mutationID string) error
	DiscardMutation(ctx context.Context, mutationID string) error
	Notices() []engine.Notice
	DismissNotice(id string) bool
	SetOffline(offline bool)
	Subscribe() (<-chan domain.Change, func())
}

// Authenticator is implemented by types able to extract user IDs from headers.
type Authenticator interface {
	UserIDFromAuthHeader(string) (string, error)
}

// ChannelHealth reports the push-channel connection state for health checks.
type ChannelHealth interface {
	StateName() string
}
