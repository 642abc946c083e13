package workflow

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Node is one typed node of a workflow document. Immutable once parsed.
type Node struct {
	// ID is the node's key in the document's "nodes" object.
	ID string
	// Type names the node implementation (builtin or pack-provided).
	Type string
	// Values are the node's ordered parameter values. Numbers are decoded
	// as json.Number so 64-bit seeds survive re-serialization untouched.
	Values []any
	// Pack is the optional embedded pack hint recorded by the editor when
	// the node was created.
	Pack string
}

// Document is a parsed workflow.
type Document struct {
	Version int
	// Nodes in stable id order (numeric-aware, so "3" sorts before "12").
	Nodes []Node
}

// Criticality says how essential a referenced model is to the workflow.
type Criticality string

const (
	CriticalityRequired Criticality = "required"
	CriticalityOptional Criticality = "optional"
)

// MergeCriticality merges two criticalities into the most conservative one.
func MergeCriticality(a, b Criticality) Criticality {
	if a == CriticalityRequired || b == CriticalityRequired {
		return CriticalityRequired
	}
	return CriticalityOptional
}

// ModelRef is one detected model reference inside a workflow.
type ModelRef struct {
	NodeID      string      `json:"node_id"`
	NodeType    string      `json:"node_type"`
	ValueIndex  int         `json:"value_index"`
	Raw         string      `json:"raw"`
	Criticality Criticality `json:"criticality"`
}

// CustomType aggregates the nodes of one non-builtin type.
type CustomType struct {
	Type string `json:"type"`
	// Count is how many nodes of this type the workflow contains. The
	// resolvers look each distinct type up once regardless of count.
	Count int `json:"count"`
	// Hint is the first non-empty embedded pack hint among those nodes.
	Hint string `json:"hint,omitempty"`
}

// Dependencies is the content-stable dependency list extracted from a
// document. It is what the resolution cache persists for the parse stage.
type Dependencies struct {
	ContentHash string       `json:"content_hash"`
	Builtin     []string     `json:"builtin_types,omitempty"`
	Custom      []CustomType `json:"custom_types,omitempty"`
	Models      []ModelRef   `json:"model_refs,omitempty"`
}

type rawNode struct {
	Type   string `json:"type"`
	Values []any  `json:"values"`
	Pack   string `json:"pack"`
}

type rawDocument struct {
	Version int                        `json:"version"`
	Nodes   map[string]json.RawMessage `json:"nodes"`
}

// Parse decodes a workflow document. Presentational fields (canvas view,
// revision counter, per-node position/size) are accepted and dropped.
func Parse(data []byte) (*Document, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var raw rawDocument
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("parse workflow: %w", err)
	}

	doc := &Document{Version: raw.Version, Nodes: make([]Node, 0, len(raw.Nodes))}
	for id, payload := range raw.Nodes {
		nodeDec := json.NewDecoder(bytes.NewReader(payload))
		nodeDec.UseNumber()
		var rn rawNode
		if err := nodeDec.Decode(&rn); err != nil {
			return nil, fmt.Errorf("parse workflow: node %s: %w", id, err)
		}
		typ := strings.TrimSpace(rn.Type)
		if typ == "" {
			return nil, fmt.Errorf("parse workflow: node %s: missing type", id)
		}
		doc.Nodes = append(doc.Nodes, Node{
			ID:     id,
			Type:   typ,
			Values: rn.Values,
			Pack:   strings.TrimSpace(rn.Pack),
		})
	}
	sort.Slice(doc.Nodes, func(i, j int) bool {
		return idLess(doc.Nodes[i].ID, doc.Nodes[j].ID)
	})
	return doc, nil
}

// idLess orders node ids numerically when both parse as integers.
func idLess(a, b string) bool {
	na, errA := strconv.ParseInt(a, 10, 64)
	nb, errB := strconv.ParseInt(b, 10, 64)
	if errA == nil && errB == nil {
		if na != nb {
			return na < nb
		}
		return a < b
	}
	return a < b
}

// Dependencies extracts the dependency list: builtin types, per-custom-type
// aggregates and model references. A nil extensions slice uses the default
// sniffing set.
func (d *Document) Dependencies(extensions []string) Dependencies {
	deps := Dependencies{ContentHash: d.ContentHash()}
	if len(d.Nodes) == 0 {
		return deps
	}

	exts := normalizeExtensions(extensions)
	builtinSeen := make(map[string]struct{})
	customIndex := make(map[string]int)

	for _, n := range d.Nodes {
		if IsBuiltin(n.Type) {
			builtinSeen[n.Type] = struct{}{}
		} else {
			idx, ok := customIndex[n.Type]
			if !ok {
				customIndex[n.Type] = len(deps.Custom)
				deps.Custom = append(deps.Custom, CustomType{Type: n.Type})
				idx = customIndex[n.Type]
			}
			deps.Custom[idx].Count++
			if deps.Custom[idx].Hint == "" && n.Pack != "" {
				deps.Custom[idx].Hint = n.Pack
			}
		}

		if specs, ok := LoaderRefs(n.Type); ok {
			for _, spec := range specs {
				raw, ok := stringValue(n.Values, spec.ValueIndex)
				if !ok || strings.TrimSpace(raw) == "" {
					continue
				}
				deps.Models = append(deps.Models, ModelRef{
					NodeID:      n.ID,
					NodeType:    n.Type,
					ValueIndex:  spec.ValueIndex,
					Raw:         raw,
					Criticality: spec.Criticality,
				})
			}
			continue
		}
		if IsBuiltin(n.Type) {
			// Builtin non-loader types have known parameters with no files.
			continue
		}
		for i, v := range n.Values {
			s, ok := v.(string)
			if !ok {
				continue
			}
			if !HasModelExtension(s, exts) {
				continue
			}
			deps.Models = append(deps.Models, ModelRef{
				NodeID:      n.ID,
				NodeType:    n.Type,
				ValueIndex:  i,
				Raw:         s,
				Criticality: CriticalityOptional,
			})
		}
	}

	for t := range builtinSeen {
		deps.Builtin = append(deps.Builtin, t)
	}
	sort.Strings(deps.Builtin)
	sort.Slice(deps.Custom, func(i, j int) bool {
		return deps.Custom[i].Type < deps.Custom[j].Type
	})
	return deps
}

func stringValue(values []any, index int) (string, bool) {
	if index < 0 || index >= len(values) {
		return "", false
	}
	s, ok := values[index].(string)
	return s, ok
}
