package detect

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"tracegraph/internal/signature"
	"tracegraph/pkg/models"
)

// Budget bounds the isomorphism search per trace so adversarial logs cannot
// stall a run. Zero fields disable the corresponding bound.
type Budget struct {
	MaxEmbeddings int
	Timeout       time.Duration
}

// DefaultBudget is the per-trace matching budget applied when none is
// configured.
var DefaultBudget = Budget{MaxEmbeddings: 10000, Timeout: 2 * time.Second}

// Matcher tests traces for embeddings of the signature library. Immutable
// and safe for concurrent use across seed pipelines.
type Matcher struct {
	lib    *signature.Library
	budget Budget
	now    func() time.Time
}

// New creates a matcher over a validated signature library.
func New(lib *signature.Library, budget Budget) *Matcher {
	if budget.MaxEmbeddings <= 0 {
		budget.MaxEmbeddings = DefaultBudget.MaxEmbeddings
	}
	if budget.Timeout <= 0 {
		budget.Timeout = DefaultBudget.Timeout
	}
	return &Matcher{lib: lib, budget: budget, now: time.Now}
}

type edgeTriple struct {
	from, to int
	action   string
}

// Detect enumerates every embedding of every signature inside the trace.
// The second result reports whether matching ran to completion; false means
// the per-trace budget was exhausted and the detections are a prefix.
func (m *Matcher) Detect(trace *models.Trace) ([]models.Detection, bool) {
	if trace == nil || len(trace.Nodes) == 0 {
		return nil, true
	}

	edges := make(map[edgeTriple][]models.Edge, len(trace.Edges))
	for _, e := range trace.Edges {
		k := edgeTriple{from: e.From, to: e.To, action: e.Action}
		edges[k] = append(edges[k], e)
	}

	deadline := m.now().Add(m.budget.Timeout)
	search := &embeddingSearch{
		trace:    trace,
		edges:    edges,
		deadline: deadline,
		now:      m.now,
		budget:   m.budget.MaxEmbeddings,
	}

	var out []models.Detection
	for i := range m.lib.Signatures {
		sig := &m.lib.Signatures[i]
		found, complete := search.run(sig)
		out = append(out, found...)
		if !complete {
			return out, false
		}
	}
	return out, true
}

// embeddingSearch is the per-trace state of one Detect call.
type embeddingSearch struct {
	trace    *models.Trace
	edges    map[edgeTriple][]models.Edge
	deadline time.Time
	now      func() time.Time
	budget   int
	emitted  int
	steps    int
}

func (s *embeddingSearch) run(sig *models.Signature) ([]models.Detection, bool) {
	candidates := make([][]int, len(sig.Nodes))
	for i, sn := range sig.Nodes {
		for idx := range s.trace.Nodes {
			if s.trace.Nodes[idx].Key.Type == sn.Type {
				candidates[i] = append(candidates[i], idx)
			}
		}
		if len(candidates[i]) == 0 {
			// Type pruning: no trace node can bind this signature node.
			return nil, true
		}
	}

	labelIdx := make(map[string]int, len(sig.Nodes))
	for i, sn := range sig.Nodes {
		labelIdx[sn.Label] = i
	}

	binding := make([]int, len(sig.Nodes))
	used := make(map[int]struct{}, len(sig.Nodes))
	seen := make(map[string]struct{}, 16)

	var out []models.Detection
	complete := s.assign(sig, labelIdx, candidates, binding, used, 0, seen, &out)

	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].FirstSeen.Equal(out[j].FirstSeen) {
			return out[i].FirstSeen.Before(out[j].FirstSeen)
		}
		return out[i].Chain < out[j].Chain
	})
	return out, complete
}

// assign binds signature node pos and recurses. Edge constraints are checked
// as soon as both endpoints are bound, which prunes before deeper bindings.
func (s *embeddingSearch) assign(sig *models.Signature, labelIdx map[string]int, candidates [][]int, binding []int, used map[int]struct{}, pos int, seen map[string]struct{}, out *[]models.Detection) bool {
	s.steps++
	if s.steps%256 == 0 && s.now().After(s.deadline) {
		return false
	}

	if pos == len(sig.Nodes) {
		s.emit(sig, labelIdx, binding, seen, out)
		return true
	}

	for _, cand := range candidates[pos] {
		if _, taken := used[cand]; taken {
			continue
		}
		binding[pos] = cand
		if !s.edgesSatisfied(sig, labelIdx, binding, pos) {
			continue
		}
		if s.emitted >= s.budget {
			// A viable branch is still unexplored, so stopping here truly
			// truncates the result. A search that finishes with exactly the
			// budgeted number of embeddings is complete.
			return false
		}
		used[cand] = struct{}{}
		ok := s.assign(sig, labelIdx, candidates, binding, used, pos+1, seen, out)
		delete(used, cand)
		if !ok {
			return false
		}
	}
	return true
}

func (s *embeddingSearch) edgesSatisfied(sig *models.Signature, labelIdx map[string]int, binding []int, bound int) bool {
	for _, e := range sig.Edges {
		fi, ti := labelIdx[e.From], labelIdx[e.To]
		if fi > bound || ti > bound {
			continue
		}
		k := edgeTriple{from: binding[fi], to: binding[ti], action: e.Action}
		if len(s.edges[k]) == 0 {
			return false
		}
	}
	return true
}

// emit materializes one complete binding, discarding automorphic repeats:
// two bindings that cover the same trace node set and edge set are the same
// embedding reported through a signature symmetry.
func (s *embeddingSearch) emit(sig *models.Signature, labelIdx map[string]int, binding []int, seen map[string]struct{}, out *[]models.Detection) {
	nodeSet := append([]int(nil), binding...)
	sort.Ints(nodeSet)
	matched := make([]string, 0, len(sig.Edges))
	for _, e := range sig.Edges {
		k := edgeTriple{from: binding[labelIdx[e.From]], to: binding[labelIdx[e.To]], action: e.Action}
		matched = append(matched, fmt.Sprintf("%d>%d:%s", k.from, k.to, k.action))
	}
	sort.Strings(matched)

	var keyb strings.Builder
	for _, n := range nodeSet {
		fmt.Fprintf(&keyb, "n%d,", n)
	}
	keyb.WriteString(strings.Join(matched, ","))
	key := keyb.String()
	if _, dup := seen[key]; dup {
		return
	}
	seen[key] = struct{}{}
	s.emitted++

	bindings := make(map[string]models.NodeKey, len(binding))
	first := time.Time{}
	for i, sn := range sig.Nodes {
		node := s.trace.Nodes[binding[i]]
		bindings[sn.Label] = node.Key
		if first.IsZero() || node.FirstSeen.Before(first) {
			first = node.FirstSeen
		}
	}

	*out = append(*out, models.Detection{
		Signature: sig.Name,
		Priority:  sig.Priority,
		Bindings:  bindings,
		FirstSeen: first,
		Chain:     s.chain(sig, labelIdx, binding),
	})
}

// chain renders the matched steps in causal/temporal order for reporting.
func (s *embeddingSearch) chain(sig *models.Signature, labelIdx map[string]int, binding []int) string {
	type step struct {
		ts   time.Time
		text string
	}
	steps := make([]step, 0, len(sig.Edges))
	for _, e := range sig.Edges {
		from := binding[labelIdx[e.From]]
		to := binding[labelIdx[e.To]]
		k := edgeTriple{from: from, to: to, action: e.Action}
		ts := time.Time{}
		if hits := s.edges[k]; len(hits) > 0 {
			ts = hits[0].Timestamp
		}
		steps = append(steps, step{
			ts:   ts,
			text: fmt.Sprintf("%s -[%s]-> %s", describeNode(s.trace.Nodes[from]), e.Action, describeNode(s.trace.Nodes[to])),
		})
	}
	sort.SliceStable(steps, func(i, j int) bool { return steps[i].ts.Before(steps[j].ts) })

	parts := make([]string, len(steps))
	for i, st := range steps {
		parts[i] = st.text
	}
	return strings.Join(parts, "; ")
}

func describeNode(n models.Node) string {
	switch n.Key.Type {
	case models.NodeProcess:
		if n.Exe != "" {
			return fmt.Sprintf("process %s (%s)", n.Key.ID, n.Exe)
		}
		return fmt.Sprintf("process %s", n.Key.ID)
	case models.NodeFile:
		if n.Path != "" {
			return fmt.Sprintf("file %s", n.Path)
		}
		return fmt.Sprintf("file inode %s", n.Key.ID)
	case models.NodeSocket:
		return fmt.Sprintf("socket %s", n.Key.ID)
	}
	return n.Key.ID
}
