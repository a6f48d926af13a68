package backtrack

import (
	"testing"
	"time"

	"tracegraph/internal/eventstore"
	"tracegraph/internal/noise"
	"tracegraph/pkg/models"
)

func buildStore(events ...*models.Event) *eventstore.Store {
	for i, ev := range events {
		ev.Seq = int64(i)
	}
	return eventstore.New(events)
}

func nodeByKey(t *testing.T, tr *models.Trace, typ models.NodeType, id string) int {
	t.Helper()
	idx, ok := tr.Lookup(models.NodeKey{Type: typ, ID: id})
	if !ok {
		t.Fatalf("expected node %s:%s in trace, have %+v", typ, id, tr.Nodes)
	}
	return idx
}

func hasEdge(tr *models.Trace, from, to int, action string) bool {
	for _, e := range tr.Edges {
		if e.From == from && e.To == to && e.Action == action {
			return true
		}
	}
	return false
}

// dropAndExecuteEvents models a downloader writing a payload that is later
// executed: curl connects out, writes /tmp/payload, forks+execs it, and the
// dropped process connects to a new remote.
func dropAndExecuteEvents(base time.Time) []*models.Event {
	return []*models.Event{
		{Timestamp: base, Action: models.ActionConnect, PID: 101, Exe: "/usr/bin/curl",
			Socket: &models.Socket{DstIP: "198.51.100.7", DstPort: 443}, EdgeDir: models.DirProcessToSocket},
		{Timestamp: base.Add(1 * time.Second), Action: models.ActionWrite, PID: 101, Exe: "/usr/bin/curl",
			FilePath: "/tmp/payload", EdgeDir: models.DirProcessToFile},
		{Timestamp: base.Add(2 * time.Second), Action: models.ActionExec, PID: 102, PPID: 101, Exe: "/tmp/payload",
			FilePath: "/tmp/payload", EdgeDir: models.DirFileToProcess},
		{Timestamp: base.Add(3 * time.Second), Action: models.ActionConnect, PID: 102, Exe: "/tmp/payload",
			Socket: &models.Socket{DstIP: "203.0.113.9", DstPort: 1337}, EdgeDir: models.DirProcessToSocket},
	}
}

func TestBacktrackReconstructsDropAndExecuteChain(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	events := dropAndExecuteEvents(base)
	store := buildStore(events...)
	bt := New(store, noise.NewFilter(noise.Config{}))

	tr := bt.Backtrack(events[3], Options{MaxHops: 5, Egress: true})

	if tr.Degraded {
		t.Fatalf("did not expect degraded trace")
	}
	seed := nodeByKey(t, tr, models.NodeProcess, "102")
	if tr.Seed != seed {
		t.Fatalf("expected seed node to be process 102, got index %d", tr.Seed)
	}
	payload := nodeByKey(t, tr, models.NodeFile, "/tmp/payload")
	dropper := nodeByKey(t, tr, models.NodeProcess, "101")

	if !hasEdge(tr, payload, seed, models.ActionExec) {
		t.Fatalf("expected exec edge payload -> process 102")
	}
	if !hasEdge(tr, dropper, seed, models.ActionFork) {
		t.Fatalf("expected fork edge process 101 -> process 102")
	}
	if !hasEdge(tr, dropper, payload, models.ActionWrite) {
		t.Fatalf("expected write edge process 101 -> payload")
	}

	remote := nodeByKey(t, tr, models.NodeSocket, "203.0.113.9:1337")
	if !tr.Nodes[remote].Egress {
		t.Fatalf("expected remote socket to be flagged as egress")
	}
	if !hasEdge(tr, seed, remote, models.ActionConnect) {
		t.Fatalf("expected egress connect edge process 102 -> remote")
	}
}

func TestBacktrackEdgesWellFormed(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	events := dropAndExecuteEvents(base)
	store := buildStore(events...)
	bt := New(store, noise.NewFilter(noise.Config{}))

	tr := bt.Backtrack(events[3], Options{MaxHops: 5, Egress: true})
	for _, e := range tr.Edges {
		if e.From < 0 || e.From >= len(tr.Nodes) || e.To < 0 || e.To >= len(tr.Nodes) {
			t.Fatalf("edge endpoints out of range: %+v", e)
		}
		if e.Count < 1 {
			t.Fatalf("edge count must be at least 1: %+v", e)
		}
	}
}

func TestBacktrackRespectsHopBudget(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	events := dropAndExecuteEvents(base)
	store := buildStore(events...)
	bt := New(store, noise.NewFilter(noise.Config{}))

	tr := bt.Backtrack(events[3], Options{MaxHops: 1, Egress: true})

	// One hop reaches the payload and the forking parent but never expands
	// them, so the parent's write to the payload stays out.
	payload := nodeByKey(t, tr, models.NodeFile, "/tmp/payload")
	dropper := nodeByKey(t, tr, models.NodeProcess, "101")
	if hasEdge(tr, dropper, payload, models.ActionWrite) {
		t.Fatalf("hop budget of 1 must not expand first-hop nodes")
	}

	// Egress targets are exempt from the hop budget.
	if _, ok := tr.Lookup(models.NodeKey{Type: models.NodeSocket, ID: "203.0.113.9:1337"}); !ok {
		t.Fatalf("expected egress socket despite hop budget")
	}
}

func TestBacktrackZeroHopsKeepsSeedOnly(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	events := dropAndExecuteEvents(base)
	store := buildStore(events...)
	bt := New(store, noise.NewFilter(noise.Config{}))

	tr := bt.Backtrack(events[3], Options{MaxHops: 0})
	if len(tr.Nodes) != 1 || len(tr.Edges) != 0 {
		t.Fatalf("expected single-node trace, got %d nodes %d edges", len(tr.Nodes), len(tr.Edges))
	}
}

func TestBacktrackNoisyPredecessorIsDeadEnd(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	events := []*models.Event{
		// A blocklisted shell stages the script, then reads a secret.
		{Timestamp: base, Action: models.ActionRead, PID: 201, Exe: "/usr/bin/bash",
			FilePath: "/etc/secret", EdgeDir: models.DirFileToProcess},
		{Timestamp: base.Add(1 * time.Second), Action: models.ActionWrite, PID: 201, Exe: "/usr/bin/bash",
			FilePath: "/tmp/run.sh", EdgeDir: models.DirProcessToFile},
		{Timestamp: base.Add(2 * time.Second), Action: models.ActionExec, PID: 202, PPID: 201, Exe: "/tmp/run.sh",
			FilePath: "/tmp/run.sh", EdgeDir: models.DirFileToProcess},
	}
	store := buildStore(events...)
	bt := New(store, noise.NewFilter(noise.Config{}))

	tr := bt.Backtrack(events[2], Options{MaxHops: 5})

	if _, ok := tr.Lookup(models.NodeKey{Type: models.NodeProcess, ID: "201"}); ok {
		t.Fatalf("blocklisted shell must be excluded from the trace")
	}
	// Nothing beyond the dead end either.
	if _, ok := tr.Lookup(models.NodeKey{Type: models.NodeFile, ID: "/etc/secret"}); ok {
		t.Fatalf("traversal must not continue past an excluded node")
	}
	nodeByKey(t, tr, models.NodeFile, "/tmp/run.sh")
}

func TestBacktrackSystemPathPrefixIsNoise(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	events := []*models.Event{
		{Timestamp: base, Action: models.ActionRead, PID: 301, Exe: "/opt/tool",
			FilePath: "/usr/lib/libc.so.6", EdgeDir: models.DirFileToProcess},
		{Timestamp: base.Add(1 * time.Second), Action: models.ActionRead, PID: 301, Exe: "/opt/tool",
			FilePath: "/home/user/notes.txt", EdgeDir: models.DirFileToProcess},
		{Timestamp: base.Add(2 * time.Second), Action: models.ActionConnect, PID: 301, Exe: "/opt/tool",
			Socket: &models.Socket{DstIP: "203.0.113.9", DstPort: 8080}, EdgeDir: models.DirProcessToSocket},
	}
	store := buildStore(events...)
	bt := New(store, noise.NewFilter(noise.Config{}))

	tr := bt.Backtrack(events[2], Options{MaxHops: 5})

	if _, ok := tr.Lookup(models.NodeKey{Type: models.NodeFile, ID: "/usr/lib/libc.so.6"}); ok {
		t.Fatalf("library reads must be suppressed")
	}
	nodeByKey(t, tr, models.NodeFile, "/home/user/notes.txt")
}

func TestBacktrackTerminatesOnRevisitedNodes(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	events := []*models.Event{
		{Timestamp: base, Action: models.ActionWrite, PID: 401, Exe: "/opt/worker",
			FilePath: "/tmp/state", EdgeDir: models.DirProcessToFile},
		{Timestamp: base.Add(1 * time.Second), Action: models.ActionRead, PID: 401, Exe: "/opt/worker",
			FilePath: "/tmp/state", EdgeDir: models.DirFileToProcess},
		{Timestamp: base.Add(2 * time.Second), Action: models.ActionConnect, PID: 401, Exe: "/opt/worker",
			Socket: &models.Socket{DstIP: "203.0.113.9", DstPort: 8080}, EdgeDir: models.DirProcessToSocket},
	}
	store := buildStore(events...)
	bt := New(store, noise.NewFilter(noise.Config{}))

	tr := bt.Backtrack(events[2], Options{MaxHops: 10, Egress: true})

	proc := nodeByKey(t, tr, models.NodeProcess, "401")
	state := nodeByKey(t, tr, models.NodeFile, "/tmp/state")
	if !hasEdge(tr, state, proc, models.ActionRead) {
		t.Fatalf("expected read edge state -> process")
	}
	if !hasEdge(tr, proc, state, models.ActionWrite) {
		t.Fatalf("expected write edge process -> state from the revisit")
	}
	nodeByKey(t, tr, models.NodeSocket, "203.0.113.9:8080")
	if len(tr.Nodes) != 3 {
		t.Fatalf("expected 3 nodes, got %d", len(tr.Nodes))
	}
}

func TestBacktrackOnlyUsesStrictlyEarlierEvents(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	events := []*models.Event{
		{Timestamp: base, Action: models.ActionExec, PID: 501, Exe: "/opt/tool",
			FilePath: "/opt/tool", EdgeDir: models.DirFileToProcess},
		// Written only after the seed; must not appear as a cause.
		{Timestamp: base.Add(5 * time.Second), Action: models.ActionRead, PID: 501, Exe: "/opt/tool",
			FilePath: "/home/user/late.txt", EdgeDir: models.DirFileToProcess},
	}
	store := buildStore(events...)
	bt := New(store, noise.NewFilter(noise.Config{}))

	tr := bt.Backtrack(events[0], Options{MaxHops: 5})
	if _, ok := tr.Lookup(models.NodeKey{Type: models.NodeFile, ID: "/home/user/late.txt"}); ok {
		t.Fatalf("events after the seed must not join the reverse pass")
	}
	// The seed's own event is not "later": its derived relations are the
	// seed's immediate provenance.
	nodeByKey(t, tr, models.NodeFile, "/opt/tool")
}

func TestBacktrackSeedAtFinalExecReachesFullChain(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	events := []*models.Event{
		{Timestamp: base, Action: models.ActionFork, PID: 2000, PPID: 1000, Exe: "/usr/bin/curl"},
		{Timestamp: base.Add(1 * time.Second), Action: models.ActionExec, PID: 2000, PPID: 1000, Exe: "/usr/bin/curl",
			FilePath: "/usr/bin/curl", EdgeDir: models.DirFileToProcess},
		{Timestamp: base.Add(2 * time.Second), Action: models.ActionWrite, PID: 2000, Exe: "/usr/bin/curl",
			FilePath: "/root/dl/payload", EdgeDir: models.DirProcessToFile},
		{Timestamp: base.Add(3 * time.Second), Action: models.ActionExec, PID: 3000, PPID: 2000, Exe: "/root/dl/payload",
			FilePath: "/root/dl/payload", EdgeDir: models.DirFileToProcess},
	}
	store := buildStore(events...)
	bt := New(store, noise.NewFilter(noise.Config{}))

	// The seed is the exec itself: the node it starts from is created by
	// the seed event, so the chain can only be reached through that event's
	// own relations.
	tr := bt.Backtrack(events[3], Options{MaxHops: 5, Egress: true})

	seed := nodeByKey(t, tr, models.NodeProcess, "3000")
	payload := nodeByKey(t, tr, models.NodeFile, "/root/dl/payload")
	curl := nodeByKey(t, tr, models.NodeProcess, "2000")
	parent := nodeByKey(t, tr, models.NodeProcess, "1000")

	if !hasEdge(tr, payload, seed, models.ActionExec) {
		t.Fatalf("expected exec edge payload -> dropped process")
	}
	if !hasEdge(tr, curl, seed, models.ActionFork) {
		t.Fatalf("expected fork edge curl -> dropped process")
	}
	if !hasEdge(tr, curl, payload, models.ActionWrite) {
		t.Fatalf("expected write edge curl -> payload")
	}
	if !hasEdge(tr, parent, curl, models.ActionFork) {
		t.Fatalf("expected fork edge parent -> curl")
	}
}

func TestBacktrackUnresolvableSeedIsDegraded(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	store := buildStore()
	bt := New(store, noise.NewFilter(noise.Config{}))

	tr := bt.Backtrack(&models.Event{Timestamp: base, Action: models.ActionRead}, Options{MaxHops: 5})
	if !tr.Degraded {
		t.Fatalf("expected degraded trace for unresolvable seed")
	}
	if len(tr.Nodes) != 1 {
		t.Fatalf("degraded trace must hold only the placeholder node, got %d", len(tr.Nodes))
	}
}

func TestBacktrackEgressWindowBoundsForwardScan(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	events := []*models.Event{
		{Timestamp: base, Action: models.ActionExec, PID: 601, Exe: "/opt/tool",
			FilePath: "/opt/tool", EdgeDir: models.DirFileToProcess},
		{Timestamp: base.Add(1 * time.Second), Action: models.ActionWrite, PID: 601, Exe: "/opt/tool",
			FilePath: "/tmp/early", EdgeDir: models.DirProcessToFile},
		{Timestamp: base.Add(10 * time.Minute), Action: models.ActionWrite, PID: 601, Exe: "/opt/tool",
			FilePath: "/tmp/late", EdgeDir: models.DirProcessToFile},
		{Timestamp: base.Add(11 * time.Minute), Action: models.ActionConnect, PID: 601, Exe: "/opt/tool",
			Socket: &models.Socket{DstIP: "203.0.113.9", DstPort: 8080}, EdgeDir: models.DirProcessToSocket},
	}
	store := buildStore(events...)
	bt := New(store, noise.NewFilter(noise.Config{}))

	seed := events[0]
	tr := bt.Backtrack(seed, Options{MaxHops: 5, Egress: true, EgressWindow: time.Minute})
	if _, ok := tr.Lookup(models.NodeKey{Type: models.NodeFile, ID: "/tmp/early"}); !ok {
		t.Fatalf("egress scan must include writes inside the window")
	}
	if _, ok := tr.Lookup(models.NodeKey{Type: models.NodeFile, ID: "/tmp/late"}); ok {
		t.Fatalf("egress scan must stop at the configured window")
	}

	tr = bt.Backtrack(seed, Options{MaxHops: 5, Egress: true})
	if _, ok := tr.Lookup(models.NodeKey{Type: models.NodeFile, ID: "/tmp/late"}); !ok {
		t.Fatalf("unbounded egress scan must reach later writes")
	}
}

func TestBacktrackTracesAreIndependent(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	events := dropAndExecuteEvents(base)
	store := buildStore(events...)
	bt := New(store, noise.NewFilter(noise.Config{}))

	first := bt.Backtrack(events[3], Options{MaxHops: 5, Egress: true})
	second := bt.Backtrack(events[3], Options{MaxHops: 5, Egress: true})

	if len(first.Nodes) != len(second.Nodes) || len(first.Edges) != len(second.Edges) {
		t.Fatalf("repeated backtracks over the same store must agree: %d/%d nodes, %d/%d edges",
			len(first.Nodes), len(second.Nodes), len(first.Edges), len(second.Edges))
	}
	for i := range first.Nodes {
		if first.Nodes[i].Key != second.Nodes[i].Key {
			t.Fatalf("node order diverged at %d: %v vs %v", i, first.Nodes[i].Key, second.Nodes[i].Key)
		}
	}
}
