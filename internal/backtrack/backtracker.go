package backtrack

import (
	"strconv"
	"time"

	"tracegraph/internal/eventstore"
	"tracegraph/internal/noise"
	"tracegraph/pkg/models"
)

// DefaultMaxHops bounds reverse traversal when no override is configured.
const DefaultMaxHops = 5

// Options control one backtrack run.
type Options struct {
	// MaxHops is the reverse-traversal hop budget from the seed. Zero or
	// negative keeps the trace at the seed node alone.
	MaxHops int
	// Egress enables the forward egress-enrichment pass.
	Egress bool
	// EgressWindow limits how far forward in time the egress scan walks from
	// each process node's association time. Zero means unbounded.
	EgressWindow time.Duration
}

// Backtracker reconstructs per-seed provenance traces over an immutable
// event store. Safe for concurrent use: all state is per-call.
type Backtracker struct {
	store  *eventstore.Store
	filter *noise.Filter
}

// New creates a backtracker.
func New(store *eventstore.Store, filter *noise.Filter) *Backtracker {
	return &Backtracker{store: store, filter: filter}
}

type frontierItem struct {
	idx       int
	key       models.NodeKey
	remaining int
}

// Backtrack reconstructs the provenance trace for one seed event. The
// returned trace always contains the seed node and is well-formed; a seed
// whose subject cannot be resolved yields a degraded single-node trace.
func (b *Backtracker) Backtrack(seed *models.Event, opts Options) *models.Trace {
	key, ok := seed.SubjectKey()
	if !ok && seed.Exe != "" {
		key, ok = models.NodeKey{Type: models.NodeFile, ID: seed.Exe}, true
	}
	if !ok {
		tr := models.NewTrace(models.NodeKey{Type: models.NodeProcess, ID: "unresolved"}, seed.Timestamp)
		tr.Degraded = true
		return tr
	}

	tr := models.NewTrace(key, seed.Timestamp)
	tr.Record(tr.Seed, seed)

	assoc := map[int]eventstore.TimeKey{tr.Seed: eventstore.KeyOf(seed)}

	var queue []frontierItem
	if opts.MaxHops > 0 {
		queue = append(queue, frontierItem{idx: tr.Seed, key: key, remaining: opts.MaxHops})
	}

	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		curAssoc := assoc[cur.idx]

		for _, rel := range b.store.CausesOf(cur.key) {
			tk := eventstore.KeyOf(rel.Event)
			if curAssoc.Before(tk) {
				// Relations are time-ordered; everything from here on
				// happened after this node was reached. An equal key is the
				// node's own associating event (time keys are unique per
				// event), whose derived relations are this node's immediate
				// provenance: the exec that created a process is the very
				// event that seeded it.
				break
			}
			cause := rel.Cause
			if b.noisyNode(cause, rel.Event) {
				// Dead end: a noisy predecessor is excluded entirely, not
				// grayed out, and traversal never continues past it.
				continue
			}
			if cidx, seen := tr.Lookup(cause); seen {
				// Revisited node (shared ancestor or PID reuse cycle): keep
				// the direct edge but never re-expand.
				tr.Record(cidx, rel.Event)
				tr.Record(cur.idx, rel.Event)
				tr.AddEdge(cidx, cur.idx, rel.Action, rel.Event.Timestamp, false)
				continue
			}
			cidx, _ := tr.AddNode(cause, rel.Event.Timestamp)
			assoc[cidx] = tk
			tr.Record(cidx, rel.Event)
			tr.Record(cur.idx, rel.Event)
			tr.AddEdge(cidx, cur.idx, rel.Action, rel.Event.Timestamp, false)
			if cur.remaining-1 > 0 {
				queue = append(queue, frontierItem{idx: cidx, key: cause, remaining: cur.remaining - 1})
			}
		}
	}

	if opts.Egress {
		b.enrichEgress(tr, assoc, opts.EgressWindow)
	}

	return tr
}

// enrichEgress appends forward-in-time file writes and socket connects for
// every process node reached by the reverse pass. Egress targets are exempt
// from the hop budget and are flagged so consumers can tell them apart.
func (b *Backtracker) enrichEgress(tr *models.Trace, assoc map[int]eventstore.TimeKey, window time.Duration) {
	procs := make([]int, 0, len(tr.Nodes))
	for i := range tr.Nodes {
		if tr.Nodes[i].Key.Type == models.NodeProcess {
			procs = append(procs, i)
		}
	}

	for _, pidx := range procs {
		start, ok := assoc[pidx]
		if !ok {
			start = eventstore.TimeKey{TS: tr.Nodes[pidx].FirstSeen.UnixNano()}
		}
		deadline := time.Time{}
		if window > 0 {
			deadline = tr.Nodes[pidx].FirstSeen.Add(window)
		}

		for _, rel := range b.store.EffectsOf(tr.Nodes[pidx].Key) {
			dir := rel.Event.EdgeDir
			if dir != models.DirProcessToFile && dir != models.DirProcessToSocket {
				continue
			}
			tk := eventstore.KeyOf(rel.Event)
			if tk.Before(start) {
				continue
			}
			if !deadline.IsZero() && rel.Event.Timestamp.After(deadline) {
				break
			}
			target := rel.Effect
			if b.noisyNode(target, rel.Event) || b.filter.NoisyEdge(rel.Action, target) {
				continue
			}
			tidx, added := tr.AddNode(target, rel.Event.Timestamp)
			if added {
				tr.Nodes[tidx].Egress = true
			}
			tr.Record(tidx, rel.Event)
			tr.AddEdge(pidx, tidx, rel.Action, rel.Event.Timestamp, true)
		}
	}
}

// noisyNode applies the noise filter to a candidate node, resolving process
// executables through the store since the triggering event may describe a
// different subject (the child of a fork, not the parent).
func (b *Backtracker) noisyNode(key models.NodeKey, ev *models.Event) bool {
	if key.Type == models.NodeProcess {
		if pid, err := strconv.Atoi(key.ID); err == nil {
			if b.filter.NoisyExe(b.store.ExeOf(pid)) {
				return true
			}
		}
	}
	return b.filter.NoisyNode(key, ev)
}
