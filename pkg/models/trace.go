package models

import (
	"strconv"
	"time"
)

// NodeType classifies a trace node subject.
type NodeType string

const (
	NodeProcess NodeType = "process"
	NodeFile    NodeType = "file"
	NodeSocket  NodeType = "socket"
)

// KnownNodeType reports whether t is in the node type vocabulary.
func KnownNodeType(t NodeType) bool {
	switch t {
	case NodeProcess, NodeFile, NodeSocket:
		return true
	}
	return false
}

// NodeKey is the deduplicated identity of a trace node. Node identity is
// derived from the subject, never from the originating event.
type NodeKey struct {
	Type NodeType `json:"type"`
	ID   string   `json:"id"`
}

// Node is one vertex of a provenance trace.
type Node struct {
	Key       NodeKey   `json:"key"`
	PID       int       `json:"pid,omitempty"`
	Exe       string    `json:"exe,omitempty"`
	Path      string    `json:"path,omitempty"`
	Inode     string    `json:"inode,omitempty"`
	Addr      string    `json:"addr,omitempty"`
	FirstSeen time.Time `json:"first_seen"`
	Egress    bool      `json:"egress,omitempty"`
}

// Edge is a directed relation between two trace nodes, stored cause->effect
// for backward-derived edges and process->target for egress edges. Endpoints
// are node indexes into the owning trace's arena.
type Edge struct {
	From      int       `json:"from"`
	To        int       `json:"to"`
	Action    string    `json:"action"`
	Timestamp time.Time `json:"timestamp"`
	Count     int       `json:"count"`
	Egress    bool      `json:"egress,omitempty"`
}

type edgeKey struct {
	from, to int
	action   string
}

// Trace is the node/edge subgraph reconstructed for one seed. Nodes live in
// an arena slice and edges reference them by index, so apparent cycles in the
// source log (PID reuse) never become structural back-references.
type Trace struct {
	Seed     int    `json:"seed"`
	Nodes    []Node `json:"nodes"`
	Edges    []Edge `json:"edges"`
	Degraded bool   `json:"degraded,omitempty"`

	byKey  map[NodeKey]int
	byEdge map[edgeKey]int
}

// NewTrace creates a trace whose arena holds only the seed node.
func NewTrace(seed NodeKey, firstSeen time.Time) *Trace {
	t := &Trace{
		byKey:  make(map[NodeKey]int, 16),
		byEdge: make(map[edgeKey]int, 16),
	}
	t.Seed, _ = t.AddNode(seed, firstSeen)
	return t
}

// AddNode inserts a node if its key is new and returns the arena index.
// The second result reports whether the node was inserted by this call.
func (t *Trace) AddNode(key NodeKey, firstSeen time.Time) (int, bool) {
	if idx, ok := t.byKey[key]; ok {
		return idx, false
	}
	idx := len(t.Nodes)
	t.Nodes = append(t.Nodes, Node{Key: key, FirstSeen: firstSeen})
	t.byKey[key] = idx
	return idx, true
}

// Lookup returns the arena index for a node key.
func (t *Trace) Lookup(key NodeKey) (int, bool) {
	idx, ok := t.byKey[key]
	return idx, ok
}

// Contains reports whether the trace holds a node with the given key.
func (t *Trace) Contains(key NodeKey) bool {
	_, ok := t.byKey[key]
	return ok
}

// AddEdge records a directed edge, aggregating repeats of the same
// (from, to, action) triple into a count on the first occurrence.
func (t *Trace) AddEdge(from, to int, action string, ts time.Time, egress bool) {
	k := edgeKey{from: from, to: to, action: action}
	if idx, ok := t.byEdge[k]; ok {
		t.Edges[idx].Count++
		return
	}
	t.byEdge[k] = len(t.Edges)
	t.Edges = append(t.Edges, Edge{
		From:      from,
		To:        to,
		Action:    action,
		Timestamp: ts,
		Count:     1,
		Egress:    egress,
	})
}

// Record merges subject attributes observed on an event into the node.
func (t *Trace) Record(idx int, ev *Event) {
	if ev == nil || idx < 0 || idx >= len(t.Nodes) {
		return
	}
	n := &t.Nodes[idx]
	switch n.Key.Type {
	case NodeProcess:
		if n.PID == 0 {
			if pid, err := strconv.Atoi(n.Key.ID); err == nil {
				n.PID = pid
			}
		}
		if n.Exe == "" && ev.Exe != "" && pidMatches(n.PID, ev) {
			n.Exe = ev.Exe
		}
	case NodeFile:
		if ev.Inode != "" {
			n.Inode = ev.Inode
		}
		if n.Path == "" && ev.FilePath != "" {
			n.Path = ev.FilePath
		}
	case NodeSocket:
		if n.Addr == "" {
			n.Addr = n.Key.ID
		}
	}
}

func pidMatches(pid int, ev *Event) bool {
	return pid == 0 || ev.PID == pid
}
