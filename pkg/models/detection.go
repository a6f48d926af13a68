package models

import "time"

// Detection records one embedding of a signature inside a trace.
type Detection struct {
	Signature string             `json:"signature"`
	Priority  int                `json:"priority"`
	Bindings  map[string]NodeKey `json:"bindings"`
	FirstSeen time.Time          `json:"first_seen"`
	Chain     string             `json:"chain"`
}

// SeedReport is the per-seed entry of the end-of-run summary.
type SeedReport struct {
	SeedIndex          int         `json:"seed_index"`
	Timestamp          time.Time   `json:"timestamp"`
	Action             string      `json:"action"`
	MatchedTags        []string    `json:"matched_tags"`
	Start              NodeKey     `json:"start"`
	NodeCount          int         `json:"node_count"`
	EdgeCount          int         `json:"edge_count"`
	Degraded           bool        `json:"degraded,omitempty"`
	MatchingIncomplete bool        `json:"matching_incomplete,omitempty"`
	Signatures         []string    `json:"signatures,omitempty"`
	Detections         []Detection `json:"detections,omitempty"`
}

// RunSummary is the consolidated end-of-run output.
type RunSummary struct {
	GeneratedAt     time.Time    `json:"generated_at"`
	TotalEvents     int          `json:"total_events"`
	TotalSeeds      int          `json:"total_seeds"`
	TotalDetections int          `json:"total_detections"`
	Seeds           []SeedReport `json:"seeds"`
}
