package resolve

import (
	"log/slog"
	"regexp"
	"strings"
	"sync"

	"github.com/sahilm/fuzzy"

	"github.com/pixelforge-dev/rigger/internal/manifest"
	"github.com/pixelforge-dev/rigger/internal/packs"
)

// PackRequest carries everything needed to resolve one node type.
type PackRequest struct {
	Type string
	// Hint is the embedded pack hint recorded in the workflow's nodes.
	Hint      string
	Manifest  *manifest.Manifest
	Installed *packs.Snapshot
	// ManifestStamp keys the session memo; a changed stamp flushes it.
	ManifestStamp int64
}

// PackResolver maps custom node types to the extension packs providing
// them. Safe for concurrent use; duplicate types within a run are served
// from a memo so each distinct type is resolved once.
type PackResolver struct {
	log        *slog.Logger
	signatures map[string][]string

	mu        sync.Mutex
	memo      map[string]PackResolution
	memoStamp int64
}

// NewPackResolver loads the signature table (embedded, or the override
// file when signaturesPath is set).
func NewPackResolver(log *slog.Logger, signaturesPath string) (*PackResolver, error) {
	signatures, err := LoadSignatures(signaturesPath)
	if err != nil {
		return nil, err
	}
	if log == nil {
		log = slog.Default()
	}
	return &PackResolver{
		log:        log,
		signatures: signatures,
		memo:       make(map[string]PackResolution),
	}, nil
}

// SignatureTable exposes the loaded table for context assembly. Callers
// must not mutate it.
func (r *PackResolver) SignatureTable() map[string][]string {
	if r == nil {
		return nil
	}
	return r.signatures
}

// Resolve runs the strategy chain for one node type: override, embedded
// hint, signature table, name heuristic. The first strategy that produces
// an outcome wins.
func (r *PackResolver) Resolve(req PackRequest) PackResolution {
	typ := strings.TrimSpace(req.Type)
	if r == nil || typ == "" {
		return PackResolution{NodeType: typ, Status: StatusUnresolved}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.memoStamp != req.ManifestStamp {
		r.memo = make(map[string]PackResolution)
		r.memoStamp = req.ManifestStamp
	}
	if res, ok := r.memo[typ]; ok {
		return res
	}
	res := r.resolveType(req, typ)
	r.memo[typ] = res
	return res
}

func (r *PackResolver) resolveType(req PackRequest, typ string) PackResolution {
	res := PackResolution{NodeType: typ}

	if req.Manifest != nil {
		if target, ok := req.Manifest.Override(typ); ok {
			if target == manifest.PackIgnored {
				// Known and intentionally left unresolved.
				res.Status = StatusUnresolved
				res.Kind = MatchOverride
				res.Ignored = true
				return res
			}
			res.Status = StatusResolved
			res.Kind = MatchOverride
			res.Confidence = confidenceOverride
			res.Candidates = []PackCandidate{r.candidate(req, target)}
			return res
		}
	}

	hint := strings.TrimSpace(req.Hint)
	if hint != "" && req.Installed.Has(hint) {
		res.Status = StatusResolved
		res.Kind = MatchHint
		res.Confidence = confidenceHint
		res.Candidates = []PackCandidate{r.candidate(req, hint)}
		return res
	}

	if ids := r.signatures[typ]; len(ids) > 0 {
		candidates := make([]PackCandidate, 0, len(ids))
		for _, id := range ids {
			candidates = append(candidates, r.candidate(req, id))
		}
		if len(candidates) == 1 {
			res.Status = StatusResolved
			res.Kind = MatchSignature
			res.Confidence = confidenceSignature
			res.Candidates = candidates
			return res
		}
		res.Status = StatusAmbiguous
		res.Kind = MatchSignature
		res.Candidates = candidates
		return res
	}

	if id, ok := r.heuristicMatch(typ, req.Installed); ok {
		res.Status = StatusResolved
		res.Kind = MatchHeuristic
		res.Confidence = confidenceHeuristic
		res.Candidates = []PackCandidate{r.candidate(req, id)}
		return res
	}

	res.Status = StatusUnresolved
	if hint != "" {
		// Keep the hinted-but-missing pack visible for install prompts.
		res.Kind = MatchHint
		res.Candidates = []PackCandidate{r.candidate(req, hint)}
	}
	return res
}

func (r *PackResolver) candidate(req PackRequest, id string) PackCandidate {
	c := PackCandidate{PackID: id}
	if req.Manifest != nil {
		if v, ok := req.Manifest.DeclaredVersion(id); ok {
			c.Version = v
		}
	}
	if req.Installed != nil {
		if p, ok := req.Installed.Get(id); ok {
			c.Installed = true
			if c.Version == "" {
				c.Version = p.Version
			}
		}
	}
	return c
}

// packHintPattern pulls a short bracketed or parenthetical tag out of a
// node type name, e.g. "UpscaleTiled [tiled]" or "Detailer (pro)".
var packHintPattern = regexp.MustCompile(`[\[(]([^\])]+)[\])]`)

func (r *PackResolver) heuristicMatch(typ string, installed *packs.Snapshot) (string, bool) {
	if installed == nil || installed.Len() == 0 {
		return "", false
	}
	m := packHintPattern.FindStringSubmatch(typ)
	if m == nil {
		return "", false
	}
	needle := strings.TrimSpace(m[1])
	if needle == "" || len(needle) > 32 {
		return "", false
	}

	// Ids and display names both map back to the owning id.
	all := installed.All()
	haystack := make([]string, 0, 2*len(all))
	owner := make([]string, 0, 2*len(all))
	for _, p := range all {
		haystack = append(haystack, p.ID)
		owner = append(owner, p.ID)
		if p.Name != "" && !strings.EqualFold(p.Name, p.ID) {
			haystack = append(haystack, p.Name)
			owner = append(owner, p.ID)
		}
	}

	found := make(map[string]int)
	for _, match := range fuzzy.Find(needle, haystack) {
		if match.Score <= 0 {
			continue
		}
		id := owner[match.Index]
		if best, ok := found[id]; !ok || match.Score > best {
			found[id] = match.Score
		}
	}
	// Only a unique confident match is worth acting on.
	if len(found) != 1 {
		return "", false
	}
	for id := range found {
		return id, true
	}
	return "", false
}
