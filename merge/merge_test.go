package merge

import (
	"reflect"
	"testing"

	"tasksync/domain"
)

func task(id, title string, status domain.SyncStatus, comments ...string) domain.Entity {
	t := &domain.Task{ListID: "list-1", Title: title}
	for _, c := range comments {
		t.Comments = append(t.Comments, domain.Comment{ID: "c-" + c, Body: c})
	}
	return domain.Entity{Kind: domain.KindTask, ID: id, SyncStatus: status, Task: t}
}

func ids(entities []domain.Entity) []string {
	out := make([]string, 0, len(entities))
	for _, e := range entities {
		out = append(out, e.ID)
	}
	return out
}

func editingNone(domain.Kind, string) bool { return false }

func TestServerSnapshotKeepsPendingLocalEntities(t *testing.T) {
	server := []domain.Entity{task("s1", "one", domain.StatusSynced)}
	local := []domain.Entity{
		task("s1", "one-stale", domain.StatusSynced),
		task("local-a", "draft", domain.StatusPending),
	}

	got := ServerSnapshot(server, local, editingNone)
	if want := []string{"s1", "local-a"}; !reflect.DeepEqual(ids(got), want) {
		t.Fatalf("merged ids = %v, want %v", ids(got), want)
	}
	if got[0].Task.Title != "one" {
		t.Fatalf("server payload must win for confirmed entities, got %q", got[0].Task.Title)
	}
	if got[1].SyncStatus != domain.StatusPending {
		t.Fatalf("pending entity lost its status: %s", got[1].SyncStatus)
	}
}

func TestServerSnapshotDropsRemotelyDeletedEntities(t *testing.T) {
	server := []domain.Entity{task("s1", "one", domain.StatusSynced)}
	local := []domain.Entity{
		task("s1", "one", domain.StatusSynced),
		// Confirmed locally but absent from the snapshot: another actor
		// deleted it.
		task("s2", "gone", domain.StatusSynced),
	}

	got := ServerSnapshot(server, local, editingNone)
	if want := []string{"s1"}; !reflect.DeepEqual(ids(got), want) {
		t.Fatalf("merged ids = %v, want %v", ids(got), want)
	}
}

func TestServerSnapshotIsIdempotent(t *testing.T) {
	server := []domain.Entity{
		task("s1", "one", domain.StatusSynced),
		task("s2", "two", domain.StatusSynced),
	}
	local := []domain.Entity{task("local-a", "draft", domain.StatusFailed)}

	first := ServerSnapshot(server, local, editingNone)
	second := ServerSnapshot(server, first, editingNone)
	if !reflect.DeepEqual(first, second) {
		t.Fatalf("merge not idempotent:\nfirst  %+v\nsecond %+v", first, second)
	}
}

func TestServerSnapshotServerWinsOnIDCollision(t *testing.T) {
	// A server entity carrying what is still a temporary id locally means
	// the create round-tripped twice; the authoritative copy wins outright.
	server := []domain.Entity{task("local-a", "authoritative", domain.StatusSynced)}
	local := []domain.Entity{task("local-a", "optimistic", domain.StatusPending)}

	got := ServerSnapshot(server, local, editingNone)
	if len(got) != 1 {
		t.Fatalf("expected single entity, got %d", len(got))
	}
	if got[0].Task.Title != "authoritative" || got[0].SyncStatus != domain.StatusSynced {
		t.Fatalf("server copy must win: %+v", got[0])
	}
}

func TestServerSnapshotPreservesCommentsDuringPendingEdit(t *testing.T) {
	server := []domain.Entity{task("s1", "one", domain.StatusSynced)}
	local := []domain.Entity{task("s1", "one", domain.StatusPending, "hello")}

	editing := func(kind domain.Kind, id string) bool {
		return kind == domain.KindTask && id == "s1"
	}
	got := ServerSnapshot(server, local, editing)
	if len(got) != 1 || len(got[0].Task.Comments) != 1 {
		t.Fatalf("locally composed comments lost: %+v", got)
	}
	if got[0].Task.Comments[0].Body != "hello" {
		t.Fatalf("unexpected comment payload: %+v", got[0].Task.Comments)
	}

	// Without an in-flight edit the sparse server payload is authoritative.
	got = ServerSnapshot(server, local, editingNone)
	if len(got[0].Task.Comments) != 0 {
		t.Fatalf("comments must not survive once the edit settled: %+v", got[0].Task.Comments)
	}
}

func TestServerSnapshotKeepsServerCommentsWhenPresent(t *testing.T) {
	server := []domain.Entity{task("s1", "one", domain.StatusSynced, "server")}
	local := []domain.Entity{task("s1", "one", domain.StatusPending, "local")}

	editing := func(domain.Kind, string) bool { return true }
	got := ServerSnapshot(server, local, editing)
	if len(got[0].Task.Comments) != 1 || got[0].Task.Comments[0].Body != "server" {
		t.Fatalf("non-empty server comments must win: %+v", got[0].Task.Comments)
	}
}
