package auditlog

import "testing"

func TestAppendThenListReturnsNewestFirst(t *testing.T) {
	t.Parallel()
	s, err := New(Options{StateDir: t.TempDir()})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	s.Append(Entry{TaskID: "t1", Action: "spawn_task"})
	s.Append(Entry{TaskID: "t1", Action: "tool_dispatch", Tool: "bash"})

	entries, err := s.List(10)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if entries[0].Action != "tool_dispatch" {
		t.Fatalf("expected newest entry first, got %q", entries[0].Action)
	}
}

func TestListForTaskFiltersByTaskID(t *testing.T) {
	t.Parallel()
	s, err := New(Options{StateDir: t.TempDir()})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	s.Append(Entry{TaskID: "t1", Action: "tool_dispatch", Tool: "bash"})
	s.Append(Entry{TaskID: "t2", Action: "tool_dispatch", Tool: "think"})
	s.Append(Entry{TaskID: "t1", Action: "stop"})

	entries, err := s.ListForTask("t1", 10)
	if err != nil {
		t.Fatalf("ListForTask: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries for t1, got %d", len(entries))
	}
	for _, e := range entries {
		if e.TaskID != "t1" {
			t.Fatalf("unexpected task_id leaked into filtered results: %q", e.TaskID)
		}
	}
}

func TestAppendDefaultsStatusAndTimestamp(t *testing.T) {
	t.Parallel()
	s, err := New(Options{StateDir: t.TempDir()})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	s.Append(Entry{TaskID: "t1", Action: "spawn_task"})

	entries, err := s.List(1)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	if entries[0].Status != "success" {
		t.Fatalf("expected default status success, got %q", entries[0].Status)
	}
	if entries[0].CreatedAt == "" {
		t.Fatal("expected CreatedAt to be stamped")
	}
}

func TestRotationCapsBackupCount(t *testing.T) {
	t.Parallel()
	s, err := New(Options{StateDir: t.TempDir(), MaxBytes: 256, MaxBackups: 2})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	for i := 0; i < 50; i++ {
		s.Append(Entry{TaskID: "t1", Action: "tool_dispatch", Tool: "bash", Detail: map[string]any{"i": i}})
	}

	entries, err := s.List(1000)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(entries) == 0 {
		t.Fatal("expected entries to survive rotation")
	}

	files := s.listFilesLocked()
	// active file + at most MaxBackups rotated files.
	if len(files) > 3 {
		t.Fatalf("expected rotation to cap backups at 2, found %d files", len(files))
	}
}
