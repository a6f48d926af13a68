package auditbeat

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"tracegraph/internal/logger"
	"tracegraph/pkg/models"
)

// actionAlias folds syscall naming variants onto one name before
// classification.
var actionAlias = map[string]string{
	"execve":   "exec",
	"execveat": "exec",
	"openat":   "open",
	"openat2":  "open",
	"accept4":  "accept",
}

// Parser converts auditbeat NDJSON records into normalized events, tracking
// actions outside the vocabulary so each distinct one is reported once
// instead of flooding the log.
type Parser struct {
	unknown map[string]int
}

// NewParser creates a parser.
func NewParser() *Parser {
	return &Parser{unknown: make(map[string]int)}
}

// Parse converts one record with a throwaway parser.
func Parse(data []byte) ([]*models.Event, error) {
	return (&Parser{}).Parse(data)
}

// Parse converts one auditbeat NDJSON record into zero or more normalized
// events. Records whose action carries no data-flow meaning yield nothing; a
// record touching several paths fans out into one event per path.
func (p *Parser) Parse(data []byte) ([]*models.Event, error) {
	var raw map[string]interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, err
	}

	action, rawAction := canonAction(raw)
	if action == "" {
		if rawAction != "" {
			p.observeUnknown(rawAction)
		}
		return nil, nil
	}

	base := models.Event{
		Action: action,
		PID:    getInt(raw, "process.pid"),
		PPID:   getInt(raw, "process.parent.pid"),
		Exe:    getString(raw, "process.executable"),
		Tags:   getStrings(raw, "tags"),
	}
	if ts := getString(raw, "@timestamp"); ts != "" {
		if t, err := time.Parse(time.RFC3339Nano, ts); err == nil {
			base.Timestamp = t.UTC()
		} else if t, err := time.Parse(time.RFC3339, ts); err == nil {
			base.Timestamp = t.UTC()
		}
	}

	switch action {
	case models.ActionExec:
		ev := base
		ev.EdgeDir = models.DirFileToProcess
		ev.FilePath = base.Exe
		for _, p := range paths(raw) {
			if p.name == base.Exe && p.inode != "" {
				ev.Inode = p.inode
				break
			}
		}
		return []*models.Event{&ev}, nil

	case models.ActionRead, models.ActionWrite:
		dir := models.DirFileToProcess
		if action == models.ActionWrite {
			dir = models.DirProcessToFile
		}
		var out []*models.Event
		for _, p := range paths(raw) {
			ev := base
			ev.EdgeDir = dir
			ev.FilePath = p.name
			ev.Inode = p.inode
			out = append(out, &ev)
		}
		return out, nil

	case models.ActionConnect, models.ActionAccept:
		sock := socketTuple(raw)
		if sock == nil {
			return nil, nil
		}
		ev := base
		ev.Socket = sock
		if action == models.ActionConnect {
			ev.EdgeDir = models.DirProcessToSocket
		} else {
			ev.EdgeDir = models.DirSocketToProcess
		}
		return []*models.Event{&ev}, nil

	case models.ActionFork:
		// No explicit relation class: the parent reference on the event is
		// what derives the process-tree edge.
		ev := base
		return []*models.Event{&ev}, nil
	}

	return nil, nil
}

// observeUnknown counts a record whose action is outside the vocabulary and
// reports the first sighting of each distinct action.
func (p *Parser) observeUnknown(action string) {
	if p.unknown == nil {
		p.unknown = make(map[string]int)
	}
	if p.unknown[action] == 0 {
		logger.Warnf("Ignoring records with unrecognized action %q", action)
	}
	p.unknown[action]++
}

// ParseFile streams an NDJSON log file into normalized events, assigning
// ingest sequence numbers. Unparseable lines are skipped, never fatal.
func ParseFile(path string) ([]*models.Event, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}
	defer f.Close()

	p := NewParser()
	events := make([]*models.Event, 0, 4096)
	s := bufio.NewScanner(f)
	buf := make([]byte, 0, 1024*1024)
	s.Buffer(buf, 8*1024*1024)

	skipped := 0
	var seq int64
	for s.Scan() {
		line := strings.TrimSpace(s.Text())
		if line == "" {
			continue
		}
		parsed, err := p.Parse([]byte(line))
		if err != nil {
			skipped++
			continue
		}
		for _, ev := range parsed {
			ev.Seq = seq
			seq++
			events = append(events, ev)
		}
	}
	if err := s.Err(); err != nil {
		return nil, fmt.Errorf("scan log file: %w", err)
	}
	if skipped > 0 {
		logger.Warnf("Skipped %d unparseable log lines in %s", skipped, path)
	}
	ignored := 0
	for _, n := range p.unknown {
		ignored += n
	}
	if ignored > 0 {
		logger.Warnf("Ignored %d records with unrecognized actions in %s", ignored, path)
	}
	return events, nil
}

// canonAction extracts and normalizes the record's action, also returning
// the raw action name so callers can observe unrecognized ones. Suspicion
// tags attached by upstream audit rules override the syscall classification
// for attacker file activity.
func canonAction(raw map[string]interface{}) (string, string) {
	act := getString(raw, "auditd.data.syscall", "event.action", "auditd.summary.action")
	if act == "" {
		return "", ""
	}
	act = strings.ToLower(act)
	if alias, ok := actionAlias[act]; ok {
		act = alias
	}

	tags := getStrings(raw, "tags")
	if hasAny(tags, "attacker_write", "attacker_attr", "dl_dir") {
		return models.ActionWrite, act
	}
	if hasAny(tags, "attacker_read") {
		return models.ActionRead, act
	}

	switch act {
	case "exec":
		return models.ActionExec, act
	case "open", "read", "mmap":
		return models.ActionRead, act
	case "write":
		return models.ActionWrite, act
	case "connect", "sendto", "sendmsg":
		return models.ActionConnect, act
	case "accept", "recvfrom":
		return models.ActionAccept, act
	case "fork", "vfork", "clone":
		return models.ActionFork, act
	}
	return "", act
}

type pathEntry struct {
	name  string
	inode string
}

func paths(raw map[string]interface{}) []pathEntry {
	if v, ok := getPath(raw, "auditd.paths"); ok {
		if list, ok := v.([]interface{}); ok {
			out := make([]pathEntry, 0, len(list))
			for _, item := range list {
				m, ok := item.(map[string]interface{})
				if !ok {
					continue
				}
				name := getString(m, "name")
				if name == "" {
					continue
				}
				out = append(out, pathEntry{name: name, inode: getString(m, "inode")})
			}
			return out
		}
	}
	if name := getString(raw, "file.path"); name != "" {
		return []pathEntry{{name: name, inode: getString(raw, "file.inode")}}
	}
	return nil
}

func socketTuple(raw map[string]interface{}) *models.Socket {
	sock := &models.Socket{
		SrcIP:   getString(raw, "source.ip"),
		SrcPort: getInt(raw, "source.port"),
		DstIP:   getString(raw, "destination.ip"),
		DstPort: getInt(raw, "destination.port"),
	}
	if sock.SrcIP == "" && sock.DstIP == "" {
		return nil
	}
	return sock
}

func hasAny(tags []string, wanted ...string) bool {
	for _, t := range tags {
		for _, w := range wanted {
			if t == w {
				return true
			}
		}
	}
	return false
}

func getString(root map[string]interface{}, paths ...string) string {
	for _, path := range paths {
		if v, ok := getPath(root, path); ok {
			if list, isList := v.([]interface{}); isList {
				if len(list) == 0 {
					continue
				}
				v = list[0]
			}
			switch val := v.(type) {
			case string:
				return val
			case fmt.Stringer:
				return val.String()
			case int:
				return fmt.Sprintf("%d", val)
			case int64:
				return fmt.Sprintf("%d", val)
			case float64:
				if val == float64(int64(val)) {
					return fmt.Sprintf("%d", int64(val))
				}
				return fmt.Sprintf("%f", val)
			}
		}
	}
	return ""
}

func getInt(root map[string]interface{}, paths ...string) int {
	for _, path := range paths {
		if v, ok := getPath(root, path); ok {
			switch val := v.(type) {
			case int:
				return val
			case int64:
				return int(val)
			case float64:
				return int(val)
			case string:
				if val == "" {
					continue
				}
				var parsed int
				if _, err := fmt.Sscanf(val, "%d", &parsed); err == nil {
					return parsed
				}
			}
		}
	}
	return 0
}

func getStrings(root map[string]interface{}, path string) []string {
	v, ok := getPath(root, path)
	if !ok {
		return nil
	}
	list, ok := v.([]interface{})
	if !ok {
		return nil
	}
	out := make([]string, 0, len(list))
	for _, item := range list {
		if s, ok := item.(string); ok && s != "" {
			out = append(out, s)
		}
	}
	return out
}

func getPath(root map[string]interface{}, path string) (interface{}, bool) {
	parts := strings.Split(path, ".")
	var current interface{} = root
	for _, part := range parts {
		m, ok := current.(map[string]interface{})
		if !ok {
			return nil, false
		}
		v, ok := m[part]
		if !ok {
			return nil, false
		}
		current = v
	}
	return current, true
}
