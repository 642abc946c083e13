package modelindex

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
)

// ErrNoVerifiedLocation is returned when none of a model's recorded
// locations still carries the content its quick hash was computed from.
var ErrNoVerifiedLocation = errors.New("no verified location for model")

// ComputeFullHashes streams one on-disk copy of a model and fills in its
// sha256 and md5 columns. The quick hash is recomputed first, so a file
// modified since the last scan is never credited with strong hashes.
func (s *Store) ComputeFullHashes(ctx context.Context, root string, quickHash string) (*Model, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("store not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	root = strings.TrimSpace(root)
	if root == "" {
		return nil, errors.New("missing library root")
	}
	quickHash = strings.TrimSpace(quickHash)
	if quickHash == "" {
		return nil, errors.New("missing quick hash")
	}

	locs, err := s.LocationsByHash(ctx, quickHash)
	if err != nil {
		return nil, err
	}
	for _, loc := range locs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		p := filepath.Join(root, filepath.FromSlash(loc.RelPath))
		current, _, err := QuickHash(p)
		if err != nil || current != quickHash {
			continue
		}
		sha256Hex, md5Hex, err := FullHashes(p)
		if err != nil {
			continue
		}
		if err := s.SetFullHashes(ctx, quickHash, sha256Hex, md5Hex); err != nil {
			return nil, err
		}
		return s.GetModel(ctx, quickHash)
	}
	return nil, fmt.Errorf("%w: %s", ErrNoVerifiedLocation, quickHash)
}
