package packs

import (
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Pack describes one installed extension pack.
type Pack struct {
	// ID is the pack's directory name, the stable identifier used by
	// overrides, hints and the signature table.
	ID string `json:"id"`
	// Name is the display name from the descriptor, falling back to ID.
	Name string `json:"name"`
	// Version is the installed version from the descriptor, if declared.
	Version string `json:"version,omitempty"`
}

// descriptor is the optional pack.yaml inside a pack directory.
type descriptor struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

// Snapshot is the set of packs installed in one environment at scan time.
type Snapshot struct {
	byID map[string]Pack
	ids  []string
}

// ScanDir builds a snapshot from the packs dir: every subdirectory is an
// installed pack. Hidden directories and directories suffixed ".disabled"
// are skipped. A missing packs dir is an empty snapshot (fresh environment).
func ScanDir(root string) (*Snapshot, error) {
	dir := strings.TrimSpace(root)
	if dir == "" {
		return nil, errors.New("missing packs dir")
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return &Snapshot{byID: map[string]Pack{}}, nil
		}
		return nil, err
	}

	byID := make(map[string]Pack, len(entries))
	ids := make([]string, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		id := entry.Name()
		if strings.HasPrefix(id, ".") || strings.HasSuffix(id, ".disabled") {
			continue
		}
		p := Pack{ID: id, Name: id}
		if desc, ok := readDescriptor(filepath.Join(dir, id, "pack.yaml")); ok {
			if desc.Name != "" {
				p.Name = desc.Name
			}
			p.Version = desc.Version
		}
		byID[id] = p
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return &Snapshot{byID: byID, ids: ids}, nil
}

// readDescriptor parses an optional pack.yaml. An absent or malformed
// descriptor just means the directory name stands alone.
func readDescriptor(path string) (descriptor, bool) {
	b, err := os.ReadFile(path)
	if err != nil {
		return descriptor{}, false
	}
	var d descriptor
	if err := yaml.Unmarshal(b, &d); err != nil {
		return descriptor{}, false
	}
	d.Name = strings.TrimSpace(d.Name)
	d.Version = strings.TrimSpace(d.Version)
	return d, true
}

func (s *Snapshot) Has(id string) bool {
	if s == nil {
		return false
	}
	_, ok := s.byID[strings.TrimSpace(id)]
	return ok
}

func (s *Snapshot) Get(id string) (Pack, bool) {
	if s == nil {
		return Pack{}, false
	}
	p, ok := s.byID[strings.TrimSpace(id)]
	return p, ok
}

// IDs returns the installed pack ids, sorted.
func (s *Snapshot) IDs() []string {
	if s == nil {
		return nil
	}
	return append([]string(nil), s.ids...)
}

// Names returns the display names, ordered by id.
func (s *Snapshot) Names() []string {
	if s == nil {
		return nil
	}
	out := make([]string, 0, len(s.ids))
	for _, id := range s.ids {
		out = append(out, s.byID[id].Name)
	}
	return out
}

// All returns the installed packs ordered by id.
func (s *Snapshot) All() []Pack {
	if s == nil {
		return nil
	}
	out := make([]Pack, 0, len(s.ids))
	for _, id := range s.ids {
		out = append(out, s.byID[id])
	}
	return out
}

func (s *Snapshot) Len() int {
	if s == nil {
		return 0
	}
	return len(s.ids)
}
