package workflow

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/cespare/xxhash/v2"
)

// seedControlModes are the companion-value modes that mutate the preceding
// numeric seed on every run. The seed itself is presentation noise then and
// gets a fixed sentinel before hashing.
var seedControlModes = map[string]struct{}{
	"randomize": {},
	"increment": {},
	"decrement": {},
}

const seedSentinel = json.Number("0")

type normalizedNode struct {
	Type   string `json:"type"`
	Pack   string `json:"pack,omitempty"`
	Values []any  `json:"values"`
}

type normalizedDocument struct {
	Version int                       `json:"version"`
	Nodes   map[string]normalizedNode `json:"nodes"`
}

// ContentHash hashes the semantic content of the document: format version,
// node ids, types, pack hints and normalized values. Canvas state, revision
// counters and auto-stepped seeds do not contribute, so editor churn that
// does not change meaning keeps the hash stable.
func (d *Document) ContentHash() string {
	nodes := make(map[string]normalizedNode, len(d.Nodes))
	for _, n := range d.Nodes {
		nodes[n.ID] = normalizedNode{
			Type:   n.Type,
			Pack:   n.Pack,
			Values: normalizeValues(n.Values),
		}
	}
	payload, err := json.Marshal(normalizedDocument{Version: d.Version, Nodes: nodes})
	if err != nil {
		// Values came out of a JSON decoder, so they always re-encode.
		return ""
	}
	return fmt.Sprintf("%016x", xxhash.Sum64(payload))
}

func normalizeValues(values []any) []any {
	out := make([]any, len(values))
	copy(out, values)
	for i := 0; i+1 < len(out); i++ {
		if _, ok := out[i].(json.Number); !ok {
			continue
		}
		mode, ok := out[i+1].(string)
		if !ok {
			continue
		}
		if _, ok := seedControlModes[strings.ToLower(strings.TrimSpace(mode))]; ok {
			out[i] = seedSentinel
		}
	}
	return out
}
