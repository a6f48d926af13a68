package eventstore

import (
	"sort"

	"tracegraph/pkg/models"
)

// TimeKey orders events by timestamp with the ingest sequence as tiebreak,
// so runs over logs with coarse timestamps stay deterministic.
type TimeKey struct {
	TS  int64
	Seq int64
}

// Before reports strict ordering of a against b.
func (a TimeKey) Before(b TimeKey) bool {
	if a.TS != b.TS {
		return a.TS < b.TS
	}
	return a.Seq < b.Seq
}

// KeyOf builds the time key of an event.
func KeyOf(ev *models.Event) TimeKey {
	return TimeKey{TS: ev.Timestamp.UnixNano(), Seq: ev.Seq}
}

// Relation is one directed causal relation derived from an event. The edge
// runs cause -> effect: the effect subject exists or changed because of the
// cause subject.
type Relation struct {
	Cause  models.NodeKey
	Effect models.NodeKey
	Action string
	Event  *models.Event
}

// Store holds the normalized, time-ordered event sequence and per-subject
// relation indexes. Read-only after construction; safe for concurrent use
// without locking.
type Store struct {
	events   []*models.Event
	byEffect map[models.NodeKey][]Relation
	byCause  map[models.NodeKey][]Relation
	exeByPID map[int]string
}

// New builds a store from externally parsed events. The input slice is not
// retained; events themselves must not be mutated afterwards.
func New(events []*models.Event) *Store {
	s := &Store{
		events:   make([]*models.Event, 0, len(events)),
		byEffect: make(map[models.NodeKey][]Relation, 1024),
		byCause:  make(map[models.NodeKey][]Relation, 1024),
		exeByPID: make(map[int]string, 256),
	}
	for _, ev := range events {
		if ev == nil {
			continue
		}
		s.events = append(s.events, ev)
	}
	sort.SliceStable(s.events, func(i, j int) bool {
		return KeyOf(s.events[i]).Before(KeyOf(s.events[j]))
	})

	for _, ev := range s.events {
		if ev.PID > 0 && ev.Exe != "" {
			if _, ok := s.exeByPID[ev.PID]; !ok {
				s.exeByPID[ev.PID] = ev.Exe
			}
		}
		for _, rel := range relationsFrom(ev) {
			s.byEffect[rel.Effect] = append(s.byEffect[rel.Effect], rel)
			s.byCause[rel.Cause] = append(s.byCause[rel.Cause], rel)
		}
	}
	return s
}

// ExeOf returns the first executable observed for a PID, or "".
func (s *Store) ExeOf(pid int) string {
	return s.exeByPID[pid]
}

// Events returns the time-ordered event sequence. Callers must not mutate it.
func (s *Store) Events() []*models.Event {
	return s.events
}

// Len returns the number of stored events.
func (s *Store) Len() int {
	return len(s.events)
}

// CausesOf returns the relations whose effect is the given subject, in time
// order. These are the candidate predecessors for reverse traversal.
func (s *Store) CausesOf(key models.NodeKey) []Relation {
	return s.byEffect[key]
}

// EffectsOf returns the relations whose cause is the given subject, in time
// order. These feed the forward egress scan.
func (s *Store) EffectsOf(key models.NodeKey) []Relation {
	return s.byCause[key]
}

// relationsFrom derives the causal relations encoded by one event. An event
// with a parent reference additionally yields a fork relation from the
// parent process to the subject process, which is how reverse traversal
// climbs the process tree.
func relationsFrom(ev *models.Event) []Relation {
	out := make([]Relation, 0, 2)
	action := ev.Action
	if action == "" {
		action = ev.EdgeDir
	}

	procKey, hasProc := ev.ProcessKey()
	fileKey, hasFile := ev.FileKey()
	sockKey, hasSock := ev.SocketKey()

	switch ev.EdgeDir {
	case models.DirFileToProcess:
		if hasProc && hasFile {
			out = append(out, Relation{Cause: fileKey, Effect: procKey, Action: action, Event: ev})
		}
	case models.DirProcessToFile:
		if hasProc && hasFile {
			out = append(out, Relation{Cause: procKey, Effect: fileKey, Action: action, Event: ev})
		}
	case models.DirProcessToSocket:
		if hasProc && hasSock {
			out = append(out, Relation{Cause: procKey, Effect: sockKey, Action: action, Event: ev})
		}
	case models.DirSocketToProcess:
		if hasProc && hasSock {
			out = append(out, Relation{Cause: sockKey, Effect: procKey, Action: action, Event: ev})
		}
	}

	if parentKey, ok := ev.ParentKey(); ok && hasProc {
		out = append(out, Relation{Cause: parentKey, Effect: procKey, Action: models.ActionFork, Event: ev})
	}

	return out
}
