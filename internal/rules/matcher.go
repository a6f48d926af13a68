package rules

import (
	"sort"
	"strings"

	"tracegraph/internal/logger"
	"tracegraph/pkg/models"
)

// TagRule marks events carrying Tag as suspicious. When a Require* field is
// set, the tag only matches events that also satisfy that attribute.
type TagRule struct {
	Tag              string `yaml:"tag"`
	RequireAction    string `yaml:"require_action,omitempty"`
	RequireExePrefix string `yaml:"require_exe_prefix,omitempty"`
}

// Matcher evaluates events against the configured tag rules plus an
// optional auxiliary engine. Pure over the event and the static rule set:
// identical inputs always yield identical verdicts.
type Matcher struct {
	rules  map[string]TagRule
	engine Engine
	warned map[string]struct{}
}

// NewMatcher builds a matcher from tag rules. engine may be nil.
func NewMatcher(tagRules []TagRule, engine Engine) *Matcher {
	m := &Matcher{
		rules:  make(map[string]TagRule, len(tagRules)),
		engine: engine,
		warned: make(map[string]struct{}),
	}
	for _, r := range tagRules {
		tag := strings.TrimSpace(r.Tag)
		if tag == "" {
			continue
		}
		r.Tag = tag
		m.rules[tag] = r
	}
	return m
}

// Len returns the number of configured tag rules.
func (m *Matcher) Len() int {
	return len(m.rules)
}

// Match returns the sorted suspicion tags matched by the event, empty when
// the event is not suspicious. Tags without a configured rule are ignored
// (fail-open on unknown tags) and observed once at warning level.
func (m *Matcher) Match(ev *models.Event) []string {
	if ev == nil {
		return nil
	}

	var matched []string
	for _, tag := range ev.Tags {
		rule, ok := m.rules[tag]
		if !ok {
			if _, seen := m.warned[tag]; !seen {
				m.warned[tag] = struct{}{}
				logger.Warnf("Unrecognized event tag %q; treating as non-suspicious", tag)
			}
			continue
		}
		if rule.RequireAction != "" && rule.RequireAction != ev.Action {
			continue
		}
		if rule.RequireExePrefix != "" && !strings.HasPrefix(ev.Exe, rule.RequireExePrefix) {
			continue
		}
		matched = append(matched, tag)
	}

	if m.engine != nil {
		matched = append(matched, m.engine.Apply(ev)...)
	}

	if len(matched) == 0 {
		return nil
	}
	sort.Strings(matched)
	return dedupe(matched)
}

func dedupe(sorted []string) []string {
	out := sorted[:0]
	for i, v := range sorted {
		if i == 0 || sorted[i-1] != v {
			out = append(out, v)
		}
	}
	return out
}
