package resolve

import (
	"context"
	"errors"
	"log/slog"
	"path"
	"strings"

	"github.com/pixelforge-dev/rigger/internal/manifest"
	"github.com/pixelforge-dev/rigger/internal/modelindex"
	"github.com/pixelforge-dev/rigger/internal/workflow"
)

// ModelResolver maps model references to indexed files.
type ModelResolver struct {
	index *modelindex.Store
	log   *slog.Logger
}

func NewModelResolver(index *modelindex.Store, log *slog.Logger) *ModelResolver {
	if log == nil {
		log = slog.Default()
	}
	return &ModelResolver{index: index, log: log}
}

// Resolve runs the strategy chain for one reference: recorded decision,
// exact path, type-implied folder reconstruction, case-insensitive path,
// filename-only. The first strategy that produces an outcome wins.
func (r *ModelResolver) Resolve(ctx context.Context, workflowName string, man *manifest.Manifest, ref workflow.ModelRef) (ModelResolution, error) {
	res := ModelResolution{
		NodeID:      ref.NodeID,
		ValueIndex:  ref.ValueIndex,
		Raw:         ref.Raw,
		Status:      StatusUnresolved,
		Criticality: string(ref.Criticality),
	}
	if r == nil || r.index == nil {
		return res, errors.New("model resolver not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	// A recorded decision always wins, even when its target went missing:
	// a stale pin must surface as unresolved instead of silently falling
	// back to guessing.
	if man != nil {
		if hash, ok := man.DecisionFor(workflowName, ref.NodeID, ref.ValueIndex); ok {
			locs, err := r.index.LocationsByHash(ctx, hash)
			if err != nil {
				return res, err
			}
			res.Kind = MatchDecision
			if len(locs) > 0 {
				res.Status = StatusResolved
				res.Confidence = confidenceDecision
				res.Candidates = locationCandidates(locs)
			}
			return res, nil
		}
	}

	rel := normalizeRefPath(ref.Raw)
	if rel == "" {
		return res, nil
	}

	loc, err := r.index.GetLocation(ctx, rel)
	if err != nil {
		return res, err
	}
	if loc != nil {
		res.Status = StatusResolved
		res.Kind = MatchExactPath
		res.Confidence = confidenceExactPath
		res.Candidates = locationCandidates([]modelindex.Location{*loc})
		return res, nil
	}

	reconstructed := make([]string, 0, 2)
	for _, dir := range workflow.Subdirs(ref.NodeType, ref.ValueIndex) {
		p := dir + "/" + rel
		reconstructed = append(reconstructed, p)
		loc, err := r.index.GetLocation(ctx, p)
		if err != nil {
			return res, err
		}
		if loc != nil {
			res.Status = StatusResolved
			res.Kind = MatchReconstructed
			res.Confidence = confidenceReconstructed
			res.Candidates = locationCandidates([]modelindex.Location{*loc})
			return res, nil
		}
	}

	for _, p := range append([]string{rel}, reconstructed...) {
		locs, err := r.index.FindByPathFold(ctx, p)
		if err != nil {
			return res, err
		}
		if len(locs) == 0 {
			continue
		}
		res.Kind = MatchCaseFold
		res.Candidates = locationCandidates(locs)
		if len(locs) == 1 {
			res.Status = StatusResolved
			res.Confidence = confidenceCaseFold
		} else {
			res.Status = StatusAmbiguous
		}
		return res, nil
	}

	locs, err := r.index.FindByFilename(ctx, path.Base(rel))
	if err != nil {
		return res, err
	}
	if len(locs) > 0 {
		res.Kind = MatchFilename
		res.Candidates = locationCandidates(locs)
		if len(locs) == 1 {
			res.Status = StatusResolved
			res.Confidence = confidenceFilename
		} else {
			res.Status = StatusAmbiguous
		}
	}
	return res, nil
}

// normalizeRefPath turns a raw reference into a slash-separated relative
// path. References that escape the library root normalize to "".
func normalizeRefPath(raw string) string {
	raw = strings.TrimSpace(strings.ReplaceAll(raw, "\\", "/"))
	raw = strings.TrimPrefix(raw, "./")
	for strings.HasPrefix(raw, "/") {
		raw = strings.TrimPrefix(raw, "/")
	}
	if raw == "" {
		return ""
	}
	clean := path.Clean(raw)
	if clean == "." || clean == ".." || strings.HasPrefix(clean, "../") {
		return ""
	}
	return clean
}

func locationCandidates(locs []modelindex.Location) []ModelCandidate {
	out := make([]ModelCandidate, 0, len(locs))
	for _, loc := range locs {
		out = append(out, ModelCandidate{
			RelPath:   loc.RelPath,
			QuickHash: loc.QuickHash,
			Size:      loc.Size,
		})
	}
	return out
}
