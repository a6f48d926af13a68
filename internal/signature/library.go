package signature

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"tracegraph/pkg/models"
)

// Library holds the validated, immutable signature set for one run.
// Signatures are ordered by descending priority, name as tiebreak, which is
// the order detections are reported in.
type Library struct {
	Signatures []models.Signature
}

type libraryFile struct {
	Signatures []models.Signature `yaml:"signatures"`
}

// Load reads a YAML signature library and validates every signature. Any
// validation failure is an error: a run must not start with an invalid
// library, since silently skipping a signature could hide detections.
func Load(path string) (*Library, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read signature file: %w", err)
	}
	var file libraryFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse signature file: %w", err)
	}
	if len(file.Signatures) == 0 {
		return nil, fmt.Errorf("signature file %s defines no signatures", path)
	}
	return build(file.Signatures)
}

// Builtin returns the default signature library.
func Builtin() *Library {
	lib, err := build([]models.Signature{
		{
			Name:     "Drop & Execute",
			Priority: 90,
			Nodes: []models.SignatureNode{
				{Label: "downloader", Type: models.NodeProcess},
				{Label: "payload", Type: models.NodeFile},
				{Label: "dropped", Type: models.NodeProcess},
			},
			Edges: []models.SignatureEdge{
				{From: "downloader", To: "payload", Action: models.ActionWrite},
				{From: "payload", To: "dropped", Action: models.ActionExec},
			},
		},
		{
			Name:     "Fork & Connect",
			Priority: 60,
			Nodes: []models.SignatureNode{
				{Label: "parent", Type: models.NodeProcess},
				{Label: "child", Type: models.NodeProcess},
				{Label: "remote", Type: models.NodeSocket},
			},
			Edges: []models.SignatureEdge{
				{From: "parent", To: "child", Action: models.ActionFork},
				{From: "child", To: "remote", Action: models.ActionConnect},
			},
		},
	})
	if err != nil {
		// Builtin signatures are compile-time constants; a validation
		// failure here is a programming error.
		panic(err)
	}
	return lib
}

func build(sigs []models.Signature) (*Library, error) {
	for i := range sigs {
		if err := validate(&sigs[i]); err != nil {
			return nil, fmt.Errorf("signature %q: %w", sigs[i].Name, err)
		}
	}
	sort.SliceStable(sigs, func(i, j int) bool {
		if sigs[i].Priority != sigs[j].Priority {
			return sigs[i].Priority > sigs[j].Priority
		}
		return sigs[i].Name < sigs[j].Name
	})
	return &Library{Signatures: sigs}, nil
}

func validate(sig *models.Signature) error {
	if strings.TrimSpace(sig.Name) == "" {
		return fmt.Errorf("missing name")
	}
	if len(sig.Nodes) == 0 {
		return fmt.Errorf("defines no nodes")
	}

	labels := make(map[string]struct{}, len(sig.Nodes))
	for _, n := range sig.Nodes {
		if strings.TrimSpace(n.Label) == "" {
			return fmt.Errorf("node with empty label")
		}
		if _, dup := labels[n.Label]; dup {
			return fmt.Errorf("duplicate node label %q", n.Label)
		}
		if !models.KnownNodeType(n.Type) {
			return fmt.Errorf("node %q references undefined type %q", n.Label, n.Type)
		}
		labels[n.Label] = struct{}{}
	}

	for _, e := range sig.Edges {
		if _, ok := labels[e.From]; !ok {
			return fmt.Errorf("edge references undefined node %q", e.From)
		}
		if _, ok := labels[e.To]; !ok {
			return fmt.Errorf("edge references undefined node %q", e.To)
		}
		if e.From == e.To {
			return fmt.Errorf("edge %q -> %q is a self loop", e.From, e.To)
		}
		if !models.KnownAction(e.Action) {
			return fmt.Errorf("edge %q -> %q references undefined action %q", e.From, e.To, e.Action)
		}
	}

	return nil
}
