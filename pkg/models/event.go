package models

import (
	"fmt"
	"strconv"
	"time"
)

// Canonical action names produced by the ingestion layer. Every edge label
// in a trace and every edge constraint in a signature uses this vocabulary.
const (
	ActionExec    = "exec"
	ActionRead    = "read"
	ActionWrite   = "write"
	ActionFork    = "fork"
	ActionConnect = "connect"
	ActionAccept  = "accept"
)

// Relation direction classes assigned at parse time. The direction encodes
// which subject is the cause and which is the effect of the event.
const (
	DirFileToProcess   = "file->process"
	DirProcessToFile   = "process->file"
	DirProcessToSocket = "process->socket"
	DirSocketToProcess = "socket->process"
)

// KnownAction reports whether name is in the canonical action vocabulary.
func KnownAction(name string) bool {
	switch name {
	case ActionExec, ActionRead, ActionWrite, ActionFork, ActionConnect, ActionAccept:
		return true
	}
	return false
}

// Socket holds the endpoint tuple of a network event.
type Socket struct {
	SrcIP   string `json:"src_ip,omitempty"`
	SrcPort int    `json:"src_port,omitempty"`
	DstIP   string `json:"dst_ip,omitempty"`
	DstPort int    `json:"dst_port,omitempty"`
}

// Addr returns the normalized socket identity, preferring the destination
// endpoint. Server-side accepts usually only carry the local endpoint.
func (s *Socket) Addr() string {
	if s == nil {
		return ""
	}
	if s.DstIP != "" && s.DstPort > 0 {
		return fmt.Sprintf("%s:%d", s.DstIP, s.DstPort)
	}
	if s.SrcIP != "" && s.SrcPort > 0 {
		return fmt.Sprintf("%s:%d", s.SrcIP, s.SrcPort)
	}
	return ""
}

// Event is one normalized audit record. Events are immutable after
// EventStore construction.
type Event struct {
	Seq       int64     `json:"-"`
	Timestamp time.Time `json:"timestamp"`
	Action    string    `json:"action"`
	PID       int       `json:"pid,omitempty"`
	PPID      int       `json:"ppid,omitempty"`
	Exe       string    `json:"exe,omitempty"`
	FilePath  string    `json:"file_path,omitempty"`
	Inode     string    `json:"inode,omitempty"`
	Socket    *Socket   `json:"socket,omitempty"`
	EdgeDir   string    `json:"edge_dir,omitempty"`
	Tags      []string  `json:"tags,omitempty"`
}

// ProcessKey returns the process node key for the event's subject.
func (e *Event) ProcessKey() (NodeKey, bool) {
	if e == nil || e.PID <= 0 {
		return NodeKey{}, false
	}
	return NodeKey{Type: NodeProcess, ID: strconv.Itoa(e.PID)}, true
}

// ParentKey returns the parent process node key, when the event carries one.
func (e *Event) ParentKey() (NodeKey, bool) {
	if e == nil || e.PPID <= 0 || e.PPID == e.PID {
		return NodeKey{}, false
	}
	return NodeKey{Type: NodeProcess, ID: strconv.Itoa(e.PPID)}, true
}

// FileKey returns the file node key. Inode identity wins over the path so
// that renames collapse onto one node.
func (e *Event) FileKey() (NodeKey, bool) {
	if e == nil {
		return NodeKey{}, false
	}
	if e.Inode != "" {
		return NodeKey{Type: NodeFile, ID: e.Inode}, true
	}
	if e.FilePath != "" {
		return NodeKey{Type: NodeFile, ID: e.FilePath}, true
	}
	return NodeKey{}, false
}

// SocketKey returns the socket node key.
func (e *Event) SocketKey() (NodeKey, bool) {
	addr := e.Socket.Addr()
	if addr == "" {
		return NodeKey{}, false
	}
	return NodeKey{Type: NodeSocket, ID: addr}, true
}

// SubjectKey infers the best node identity for starting a backtrack from
// this event: process first, then socket, then file.
func (e *Event) SubjectKey() (NodeKey, bool) {
	if key, ok := e.ProcessKey(); ok {
		return key, true
	}
	if key, ok := e.SocketKey(); ok {
		return key, true
	}
	if key, ok := e.FileKey(); ok {
		return key, true
	}
	return NodeKey{}, false
}
