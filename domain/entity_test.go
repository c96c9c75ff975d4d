package domain

import (
	"testing"
)

func TestNewLocalIDIsRecognizable(t *testing.T) {
	id := NewLocalID()
	if !IsLocalID(id) {
		t.Fatalf("generated id %q not recognized as local", id)
	}
	if IsLocalID("srv-42") {
		t.Fatal("server id misclassified as local")
	}
}

func TestCloneDoesNotAliasNestedState(t *testing.T) {
	orig := Entity{
		Kind: KindTask,
		ID:   "t1",
		Task: &Task{
			Title:    "a",
			Comments: []Comment{{ID: "c1", Body: "hi"}},
		},
	}
	cpy := orig.Clone()
	cpy.Task.Title = "b"
	cpy.Task.Comments[0].Body = "edited"
	if orig.Task.Title != "a" {
		t.Fatalf("clone aliases task struct, title = %q", orig.Task.Title)
	}
	if orig.Task.Comments[0].Body != "hi" {
		t.Fatalf("clone aliases comments, body = %q", orig.Task.Comments[0].Body)
	}

	list := Entity{Kind: KindList, ID: "l1", List: &List{SharedWith: []string{"u1"}}}
	lcpy := list.Clone()
	lcpy.List.SharedWith[0] = "u2"
	if list.List.SharedWith[0] != "u1" {
		t.Fatal("clone aliases sharedWith slice")
	}
}

func TestApplyTaskDeltaMergesFieldwise(t *testing.T) {
	task := &Task{ListID: "l1", Title: "a", Notes: "keep", Completed: false}
	title := "b"
	done := true
	ApplyTaskDelta(task, TaskDelta{Title: &title, Completed: &done}, false)
	if task.Title != "b" || !task.Completed {
		t.Fatalf("delta not applied: %+v", task)
	}
	if task.Notes != "keep" || task.ListID != "l1" {
		t.Fatalf("untouched fields changed: %+v", task)
	}
}

func TestApplyTaskDeltaSkipComments(t *testing.T) {
	task := &Task{Title: "a", Comments: []Comment{{ID: "c1", Body: "local draft"}}}
	incoming := TaskDelta{Comments: []Comment{}}

	ApplyTaskDelta(task, incoming, true)
	if len(task.Comments) != 1 || task.Comments[0].Body != "local draft" {
		t.Fatalf("pending local comment wiped: %+v", task.Comments)
	}

	ApplyTaskDelta(task, incoming, false)
	if len(task.Comments) != 0 {
		t.Fatalf("comment delta ignored without pending edit: %+v", task.Comments)
	}
}

func TestMutationSnapshotRoundTrip(t *testing.T) {
	m := NewMutation(OpUpdate, KindTask, "t1", "/api/tasks/t1", "PATCH", []byte(`{"title":"b"}`))
	if m.ID == "" || m.EnqueuedAt.IsZero() {
		t.Fatalf("mutation missing id or timestamp: %+v", m)
	}
	ent := Entity{Kind: KindTask, ID: "t1", SyncStatus: StatusSynced, Task: &Task{Title: "a"}}
	m, err := m.WithSnapshot(ent)
	if err != nil {
		t.Fatalf("attach snapshot: %v", err)
	}
	snap, ok, err := m.SnapshotEntity()
	if err != nil || !ok {
		t.Fatalf("decode snapshot: ok=%v err=%v", ok, err)
	}
	if snap.ID != "t1" || snap.Task == nil || snap.Task.Title != "a" {
		t.Fatalf("snapshot = %+v", snap)
	}

	if _, ok, _ := (PendingMutation{}).SnapshotEntity(); ok {
		t.Fatal("empty snapshot reported present")
	}
}

func TestConnectivityReportsEdges(t *testing.T) {
	c := NewConnectivity(true)
	if !c.Offline() {
		t.Fatal("initial offline state lost")
	}
	if changed := c.SetOffline(true); changed {
		t.Fatal("no-op flip reported as change")
	}
	if changed := c.SetOffline(false); !changed {
		t.Fatal("offline to online edge not reported")
	}
	if c.Offline() {
		t.Fatal("still offline after flip")
	}
}
