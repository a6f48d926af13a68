package rules

import "tracegraph/pkg/models"

// Engine applies an auxiliary rule set to events and returns synthetic
// suspicion tags. Any engine tag marks the event as a seed.
type Engine interface {
	Apply(event *models.Event) []string
}

// NoopEngine returns no tags.
type NoopEngine struct{}

// Apply returns an empty tag list.
func (n *NoopEngine) Apply(event *models.Event) []string {
	return nil
}
