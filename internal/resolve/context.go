package resolve

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"sort"
	"strings"

	"github.com/cespare/xxhash/v2"

	"github.com/pixelforge-dev/rigger/internal/manifest"
	"github.com/pixelforge-dev/rigger/internal/modelindex"
	"github.com/pixelforge-dev/rigger/internal/workflow"
)

// IndexEntry is one index row pinned into a resolution context.
type IndexEntry struct {
	RelPath   string `json:"rel_path"`
	QuickHash string `json:"quick_hash"`
}

// Context is the workflow-scoped snapshot of every external input that can
// change automatic resolution for that workflow. Unrelated configuration
// (overrides for types the workflow never uses, index rows for other
// filenames) stays out, so edits elsewhere do not invalidate this
// workflow's cache.
type Context struct {
	AlgoVersion string `json:"algo_version"`
	// Overrides for the workflow's custom types, ignore sentinel included.
	Overrides map[string]string `json:"overrides,omitempty"`
	// PackVersions holds the declared version (empty when undeclared) for
	// every pack the workflow's types imply via override targets, node
	// hints or signature candidates.
	PackVersions map[string]string `json:"pack_versions,omitempty"`
	// Decisions are this workflow's recorded model pins, sorted.
	Decisions []manifest.Decision `json:"decisions,omitempty"`
	// Files is the index subset keyed by folded referenced filename.
	Files map[string][]IndexEntry `json:"files,omitempty"`
	// Pinned is the index subset keyed by decision hash. Decision
	// resolution reads these rows, and a pinned file can carry a filename
	// no raw reference mentions, so the file subset alone would miss it.
	Pinned map[string][]IndexEntry `json:"pinned,omitempty"`
}

// Hash canonically serializes the context and returns a 16-char hex tag.
// Map keys sort during marshaling and every slice is pre-sorted, so equal
// contexts always hash equal.
func (c *Context) Hash() string {
	if c == nil {
		return ""
	}
	payload, err := json.Marshal(c)
	if err != nil {
		return ""
	}
	return fmt.Sprintf("%016x", xxhash.Sum64(payload))
}

// ContextInputs bundles what BuildContext reads.
type ContextInputs struct {
	AlgoVersion string
	Workflow    string
	Manifest    *manifest.Manifest
	Deps        workflow.Dependencies
	Signatures  map[string][]string
	Index       *modelindex.Store
}

// BuildContext assembles the resolution context for one workflow.
func BuildContext(ctx context.Context, in ContextInputs) (*Context, error) {
	if in.Index == nil {
		return nil, errors.New("missing model index")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	out := &Context{AlgoVersion: strings.TrimSpace(in.AlgoVersion)}

	implied := make(map[string]struct{})
	for _, ct := range in.Deps.Custom {
		if in.Manifest != nil {
			if target, ok := in.Manifest.Override(ct.Type); ok {
				if out.Overrides == nil {
					out.Overrides = make(map[string]string)
				}
				out.Overrides[ct.Type] = target
				if target != manifest.PackIgnored {
					implied[target] = struct{}{}
				}
			}
		}
		if hint := strings.TrimSpace(ct.Hint); hint != "" {
			implied[hint] = struct{}{}
		}
		for _, id := range in.Signatures[ct.Type] {
			implied[id] = struct{}{}
		}
	}
	if len(implied) > 0 {
		out.PackVersions = make(map[string]string, len(implied))
		for id := range implied {
			version := ""
			if in.Manifest != nil {
				if v, ok := in.Manifest.DeclaredVersion(id); ok {
					version = v
				}
			}
			out.PackVersions[id] = version
		}
	}

	if in.Manifest != nil {
		decisions := in.Manifest.DecisionsFor(in.Workflow)
		sort.Slice(decisions, func(i, j int) bool {
			if decisions[i].Node != decisions[j].Node {
				return decisions[i].Node < decisions[j].Node
			}
			return decisions[i].Value < decisions[j].Value
		})
		out.Decisions = decisions
	}

	filenames := make(map[string]struct{})
	for _, ref := range in.Deps.Models {
		rel := normalizeRefPath(ref.Raw)
		if rel == "" {
			continue
		}
		filenames[strings.ToLower(path.Base(rel))] = struct{}{}
	}
	for name := range filenames {
		locs, err := in.Index.FindByFilename(ctx, name)
		if err != nil {
			return nil, fmt.Errorf("context file subset %s: %w", name, err)
		}
		if len(locs) == 0 {
			continue
		}
		if out.Files == nil {
			out.Files = make(map[string][]IndexEntry)
		}
		out.Files[name] = indexEntries(locs)
	}

	for _, d := range out.Decisions {
		if out.Pinned != nil {
			if _, ok := out.Pinned[d.Hash]; ok {
				continue
			}
		}
		locs, err := in.Index.LocationsByHash(ctx, d.Hash)
		if err != nil {
			return nil, fmt.Errorf("context pinned subset %s: %w", d.Hash, err)
		}
		if len(locs) == 0 {
			continue
		}
		if out.Pinned == nil {
			out.Pinned = make(map[string][]IndexEntry)
		}
		out.Pinned[d.Hash] = indexEntries(locs)
	}

	return out, nil
}

func indexEntries(locs []modelindex.Location) []IndexEntry {
	out := make([]IndexEntry, 0, len(locs))
	for _, loc := range locs {
		out = append(out, IndexEntry{RelPath: loc.RelPath, QuickHash: loc.QuickHash})
	}
	return out
}
