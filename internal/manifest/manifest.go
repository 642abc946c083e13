package manifest

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// PackIgnored is the override sentinel meaning the node type is known and
// intentionally left unresolved.
const PackIgnored = "-"

// Manifest is the parsed content of the environment manifest. The file itself
// is written by the environment's configuration manager; rigger only consumes
// the parts that feed resolution.
type Manifest struct {
	Version int `yaml:"version"`

	// PackOverrides maps a node type to a pack id, or PackIgnored.
	PackOverrides map[string]string `yaml:"pack_overrides"`

	// Packs carries the declared per-pack version pins.
	Packs map[string]PackPin `yaml:"packs"`

	// ModelDecisions records per-workflow pinned model choices,
	// keyed by workflow name.
	ModelDecisions map[string][]Decision `yaml:"model_decisions"`
}

type PackPin struct {
	Version string `yaml:"version"`
}

// Decision pins one model reference (node id + value index) to a model hash.
type Decision struct {
	Node  string `yaml:"node"`
	Value int    `yaml:"value"`
	Hash  string `yaml:"hash"`
}

// Override returns the override target for a node type, if any.
func (m *Manifest) Override(nodeType string) (string, bool) {
	if m == nil || len(m.PackOverrides) == 0 {
		return "", false
	}
	target, ok := m.PackOverrides[strings.TrimSpace(nodeType)]
	if !ok {
		return "", false
	}
	return strings.TrimSpace(target), true
}

// DeclaredVersion returns the declared version for a pack id, if any.
func (m *Manifest) DeclaredVersion(packID string) (string, bool) {
	if m == nil || len(m.Packs) == 0 {
		return "", false
	}
	pin, ok := m.Packs[strings.TrimSpace(packID)]
	if !ok {
		return "", false
	}
	return strings.TrimSpace(pin.Version), true
}

// DecisionFor returns the pinned model hash for an exact node id + value
// index in the named workflow.
func (m *Manifest) DecisionFor(workflow string, nodeID string, valueIndex int) (string, bool) {
	if m == nil || len(m.ModelDecisions) == 0 {
		return "", false
	}
	for _, d := range m.ModelDecisions[strings.TrimSpace(workflow)] {
		if strings.TrimSpace(d.Node) == strings.TrimSpace(nodeID) && d.Value == valueIndex {
			hash := strings.TrimSpace(d.Hash)
			if hash == "" {
				return "", false
			}
			return hash, true
		}
	}
	return "", false
}

// DecisionsFor returns the pinned choices for one workflow, normalized.
func (m *Manifest) DecisionsFor(workflow string) []Decision {
	if m == nil || len(m.ModelDecisions) == 0 {
		return nil
	}
	raw := m.ModelDecisions[strings.TrimSpace(workflow)]
	if len(raw) == 0 {
		return nil
	}
	out := make([]Decision, 0, len(raw))
	for _, d := range raw {
		node := strings.TrimSpace(d.Node)
		hash := strings.TrimSpace(d.Hash)
		if node == "" || hash == "" || d.Value < 0 {
			continue
		}
		out = append(out, Decision{Node: node, Value: d.Value, Hash: hash})
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// Parse decodes manifest content. Unknown keys are ignored; the configuration
// manager owns the format and may carry fields rigger never reads.
func Parse(data []byte) (*Manifest, error) {
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse manifest: %w", err)
	}
	m.normalize()
	return &m, nil
}

func (m *Manifest) normalize() {
	if m == nil {
		return
	}
	if len(m.PackOverrides) > 0 {
		clean := make(map[string]string, len(m.PackOverrides))
		for key, value := range m.PackOverrides {
			k := strings.TrimSpace(key)
			v := strings.TrimSpace(value)
			if k == "" || v == "" {
				continue
			}
			clean[k] = v
		}
		m.PackOverrides = clean
	}
	if len(m.Packs) > 0 {
		clean := make(map[string]PackPin, len(m.Packs))
		for key, pin := range m.Packs {
			k := strings.TrimSpace(key)
			if k == "" {
				continue
			}
			clean[k] = PackPin{Version: strings.TrimSpace(pin.Version)}
		}
		m.Packs = clean
	}
}

// File reads the manifest from a path owned by the configuration manager.
// A missing file is an empty manifest, not an error.
type File struct {
	path string
}

func NewFile(path string) *File {
	return &File{path: strings.TrimSpace(path)}
}

func (f *File) Snapshot() (*Manifest, error) {
	if f == nil || f.path == "" {
		return &Manifest{}, nil
	}
	b, err := os.ReadFile(f.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return &Manifest{}, nil
		}
		return nil, err
	}
	return Parse(b)
}

// Stamp returns the manifest file's modification time in unix milliseconds,
// or 0 when the file is absent. It is the cheap change gate: an unchanged
// stamp proves the manifest-derived resolution context cannot have changed.
func (f *File) Stamp() (int64, error) {
	if f == nil || f.path == "" {
		return 0, nil
	}
	st, err := os.Stat(f.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, nil
		}
		return 0, err
	}
	return st.ModTime().UnixMilli(), nil
}
