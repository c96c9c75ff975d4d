package queue

import (
	"os"
	"path/filepath"
	"testing"

	log "github.com/sirupsen/logrus"
)

func openTestLog(t *testing.T, dir string, segmentBytes int64) (*mutationLog, []*logRecord) {
	t.Helper()
	l, recovered, err := openMutationLog(logConfig{dir: dir, segmentBytes: segmentBytes, logger: log.New()})
	if err != nil {
		t.Fatalf("open mutation log: %v", err)
	}
	return l, recovered
}

func TestMutationLogRecoversPastCheckpoint(t *testing.T) {
	dir := t.TempDir()
	l, recovered := openTestLog(t, dir, 0)
	if len(recovered) != 0 {
		t.Fatalf("fresh log recovered %d records", len(recovered))
	}

	var offsets []uint64
	for _, id := range []string{"a", "b", "c"} {
		off, err := l.append(testMutation(id))
		if err != nil {
			t.Fatalf("append %s: %v", id, err)
		}
		offsets = append(offsets, off)
	}
	if err := l.commit(offsets[1]); err != nil {
		t.Fatalf("commit: %v", err)
	}
	l.close()

	_, recovered = openTestLog(t, dir, 0)
	if len(recovered) != 1 {
		t.Fatalf("expected 1 uncommitted record, got %d", len(recovered))
	}
	if recovered[0].Mutation.ID != "c" || recovered[0].Offset != offsets[2] {
		t.Fatalf("unexpected recovered record: %+v", recovered[0])
	}
}

func TestMutationLogTruncatesTornTail(t *testing.T) {
	dir := t.TempDir()
	l, _ := openTestLog(t, dir, 0)
	if _, err := l.append(testMutation("a")); err != nil {
		t.Fatalf("append: %v", err)
	}
	if _, err := l.append(testMutation("b")); err != nil {
		t.Fatalf("append: %v", err)
	}
	l.close()

	paths, err := filepath.Glob(filepath.Join(dir, "segment-*.log"))
	if err != nil || len(paths) != 1 {
		t.Fatalf("expected one segment, got %v (%v)", paths, err)
	}
	fi, err := os.Stat(paths[0])
	if err != nil {
		t.Fatalf("stat segment: %v", err)
	}
	// Chop into the middle of the second record.
	if err := os.Truncate(paths[0], fi.Size()-5); err != nil {
		t.Fatalf("truncate segment: %v", err)
	}

	l2, recovered := openTestLog(t, dir, 0)
	if len(recovered) != 1 || recovered[0].Mutation.ID != "a" {
		t.Fatalf("expected the intact record only, got %+v", recovered)
	}

	// The torn bytes must be gone so new appends frame cleanly.
	off, err := l2.append(testMutation("c"))
	if err != nil {
		t.Fatalf("append after truncation: %v", err)
	}
	l2.close()

	_, recovered = openTestLog(t, dir, 0)
	if len(recovered) != 2 {
		t.Fatalf("expected 2 records after reopen, got %d", len(recovered))
	}
	if recovered[1].Offset != off || recovered[1].Mutation.ID != "c" {
		t.Fatalf("unexpected tail record: %+v", recovered[1])
	}
}

func TestMutationLogPrunesFullyCommittedSegments(t *testing.T) {
	dir := t.TempDir()
	// Tiny segments so every append rolls over.
	l, _ := openTestLog(t, dir, 64)
	var last uint64
	for _, id := range []string{"a", "b", "c", "d"} {
		off, err := l.append(testMutation(id))
		if err != nil {
			t.Fatalf("append %s: %v", id, err)
		}
		last = off
	}
	if err := l.commit(last); err != nil {
		t.Fatalf("commit: %v", err)
	}
	l.close()

	paths, err := filepath.Glob(filepath.Join(dir, "segment-*.log"))
	if err != nil {
		t.Fatalf("glob: %v", err)
	}
	if len(paths) != 1 {
		t.Fatalf("expected committed segments pruned down to the active one, got %d", len(paths))
	}
}
