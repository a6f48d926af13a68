package eventstore

import (
	"testing"
	"time"

	"tracegraph/pkg/models"
)

func TestStoreOrdersEventsByTimeThenSequence(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	events := []*models.Event{
		{Seq: 2, Timestamp: base.Add(1 * time.Second), Action: models.ActionRead, PID: 10, FilePath: "/a", EdgeDir: models.DirFileToProcess},
		{Seq: 1, Timestamp: base, Action: models.ActionRead, PID: 10, FilePath: "/b", EdgeDir: models.DirFileToProcess},
		{Seq: 0, Timestamp: base, Action: models.ActionRead, PID: 10, FilePath: "/c", EdgeDir: models.DirFileToProcess},
	}
	s := New(events)

	got := s.Events()
	if got[0].FilePath != "/c" || got[1].FilePath != "/b" || got[2].FilePath != "/a" {
		t.Fatalf("unexpected order: %s %s %s", got[0].FilePath, got[1].FilePath, got[2].FilePath)
	}
}

func TestTimeKeyBeforeIsStrict(t *testing.T) {
	a := TimeKey{TS: 100, Seq: 5}
	if a.Before(a) {
		t.Fatalf("a key must not be before itself")
	}
	if !a.Before(TimeKey{TS: 100, Seq: 6}) {
		t.Fatalf("sequence must break timestamp ties")
	}
	if !a.Before(TimeKey{TS: 101, Seq: 0}) {
		t.Fatalf("timestamp must dominate sequence")
	}
}

func TestStoreDerivesCausalRelations(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	write := &models.Event{Seq: 0, Timestamp: base, Action: models.ActionWrite, PID: 20, Exe: "/opt/tool",
		FilePath: "/tmp/out", EdgeDir: models.DirProcessToFile}
	exec := &models.Event{Seq: 1, Timestamp: base.Add(1 * time.Second), Action: models.ActionExec, PID: 21, PPID: 20,
		Exe: "/tmp/out", FilePath: "/tmp/out", EdgeDir: models.DirFileToProcess}
	s := New([]*models.Event{write, exec})

	fileKey := models.NodeKey{Type: models.NodeFile, ID: "/tmp/out"}
	causes := s.CausesOf(fileKey)
	if len(causes) != 1 || causes[0].Action != models.ActionWrite {
		t.Fatalf("expected one write cause for the file, got %+v", causes)
	}

	childKey := models.NodeKey{Type: models.NodeProcess, ID: "21"}
	causes = s.CausesOf(childKey)
	if len(causes) != 2 {
		t.Fatalf("expected exec and fork causes for the child, got %+v", causes)
	}
	actions := map[string]bool{}
	for _, rel := range causes {
		actions[rel.Action] = true
	}
	if !actions[models.ActionExec] || !actions[models.ActionFork] {
		t.Fatalf("expected exec and fork relations, got %v", actions)
	}

	parentKey := models.NodeKey{Type: models.NodeProcess, ID: "20"}
	effects := s.EffectsOf(parentKey)
	if len(effects) != 2 {
		t.Fatalf("expected write and fork effects for the parent, got %+v", effects)
	}
}

func TestStoreRelationsStayTimeOrdered(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	events := []*models.Event{
		{Seq: 1, Timestamp: base.Add(2 * time.Second), Action: models.ActionWrite, PID: 30, FilePath: "/tmp/x", EdgeDir: models.DirProcessToFile},
		{Seq: 0, Timestamp: base, Action: models.ActionWrite, PID: 31, FilePath: "/tmp/x", EdgeDir: models.DirProcessToFile},
	}
	s := New(events)

	causes := s.CausesOf(models.NodeKey{Type: models.NodeFile, ID: "/tmp/x"})
	if len(causes) != 2 {
		t.Fatalf("expected two causes, got %d", len(causes))
	}
	if !KeyOf(causes[0].Event).Before(KeyOf(causes[1].Event)) {
		t.Fatalf("relation lists must be in time order")
	}
}

func TestStoreTracksFirstExePerPID(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	events := []*models.Event{
		{Seq: 0, Timestamp: base, Action: models.ActionRead, PID: 40, Exe: "/usr/bin/curl", FilePath: "/a", EdgeDir: models.DirFileToProcess},
		{Seq: 1, Timestamp: base.Add(1 * time.Second), Action: models.ActionRead, PID: 40, Exe: "/usr/bin/other", FilePath: "/b", EdgeDir: models.DirFileToProcess},
	}
	s := New(events)

	if got := s.ExeOf(40); got != "/usr/bin/curl" {
		t.Fatalf("expected first observed exe, got %q", got)
	}
	if got := s.ExeOf(41); got != "" {
		t.Fatalf("expected empty exe for unknown pid, got %q", got)
	}
}

func TestStoreInodeIdentityWinsOverPath(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	events := []*models.Event{
		{Seq: 0, Timestamp: base, Action: models.ActionWrite, PID: 50, FilePath: "/tmp/a", Inode: "9001", EdgeDir: models.DirProcessToFile},
		{Seq: 1, Timestamp: base.Add(1 * time.Second), Action: models.ActionRead, PID: 51, FilePath: "/tmp/b", Inode: "9001", EdgeDir: models.DirFileToProcess},
	}
	s := New(events)

	key := models.NodeKey{Type: models.NodeFile, ID: "9001"}
	if len(s.CausesOf(key)) != 1 || len(s.EffectsOf(key)) != 1 {
		t.Fatalf("renamed file must collapse onto its inode identity")
	}
}
