package models

// SignatureNode is one typed vertex of an attack-pattern signature.
type SignatureNode struct {
	Label string   `yaml:"label" json:"label"`
	Type  NodeType `yaml:"type" json:"type"`
}

// SignatureEdge is one labeled relation of a signature. From/To reference
// node labels; Action must be a canonical action name.
type SignatureEdge struct {
	From   string `yaml:"from" json:"from"`
	To     string `yaml:"to" json:"to"`
	Action string `yaml:"action" json:"action"`
}

// Signature is a canonical small directed graph describing a known
// multi-step attack pattern. Signatures are static once loaded.
type Signature struct {
	Name     string          `yaml:"name" json:"name"`
	Priority int             `yaml:"priority" json:"priority"`
	Nodes    []SignatureNode `yaml:"nodes" json:"nodes"`
	Edges    []SignatureEdge `yaml:"edges" json:"edges"`
}
