package modelindex

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/pixelforge-dev/rigger/internal/lockfile"
)

// ErrScanInProgress is returned when another process holds the scan lock.
var ErrScanInProgress = errors.New("model scan already in progress")

// DefaultScanWorkers bounds parallel hashing. Hashing is read-bound, so a
// small pool keeps spinning disks usable.
const DefaultScanWorkers = 4

type ScanOptions struct {
	// Root is the model library directory to walk.
	Root string
	// Extensions overrides the file extensions treated as models.
	Extensions []string
	// Workers caps parallel hashing. Zero means DefaultScanWorkers.
	Workers int
	// LockPath overrides the scan lock location. Defaults next to the db.
	LockPath string
	Logger   *slog.Logger
}

type ScanResult struct {
	ScanID     int64 `json:"scan_id"`
	Seen       int   `json:"seen"`
	Hashed     int   `json:"hashed"`
	Reused     int   `json:"reused"`
	Skipped    int   `json:"skipped"`
	Pruned     int64 `json:"pruned"`
	DurationMs int64 `json:"duration_ms"`
}

type scanCandidate struct {
	relPath     string
	absPath     string
	size        int64
	mtimeUnixMs int64
}

type scanOutcome struct {
	cand scanCandidate
	hash string
	size int64
	err  error
}

// Scan walks the library root and refreshes the index incrementally.
// Files whose size and mtime match their indexed location are reused
// without rehashing. At most one scan runs at a time across processes.
func (s *Store) Scan(ctx context.Context, opts ScanOptions) (*ScanResult, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("store not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	root := strings.TrimSpace(opts.Root)
	if root == "" {
		return nil, errors.New("missing scan root")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	lockPath := strings.TrimSpace(opts.LockPath)
	if lockPath == "" {
		lockPath = s.path + ".scan.lock"
	}

	lock, err := lockfile.Acquire(lockPath, "model-scan")
	if err != nil {
		if errors.Is(err, lockfile.ErrHeld) {
			return nil, ErrScanInProgress
		}
		return nil, fmt.Errorf("acquire scan lock: %w", err)
	}
	defer func() { _ = lock.Release() }()

	start := time.Now()
	scanID, err := s.nextScanID(ctx)
	if err != nil {
		return nil, fmt.Errorf("scan id: %w", err)
	}

	exts := normalizeExtensions(opts.Extensions)
	res := &ScanResult{ScanID: scanID}

	// Walk first, hash after: the walk stays cheap and the expensive part
	// parallelizes over a known set.
	var toHash []scanCandidate
	complete := true
	walkErr := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if p == root {
				// Missing library root is an empty library.
				return filepath.SkipAll
			}
			logger.Warn("scan: subtree skipped", "path", p, "error", err)
			complete = false
			return filepath.SkipDir
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() {
			if p != root && strings.HasPrefix(d.Name(), ".") {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		if !hasExtension(d.Name(), exts) {
			return nil
		}

		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)

		info, err := d.Info()
		if err != nil {
			logger.Warn("scan: file skipped", "path", rel, "error", err)
			complete = false
			res.Skipped++
			return nil
		}

		res.Seen++
		existing, err := s.GetLocation(ctx, rel)
		if err != nil {
			return err
		}
		if existing != nil && existing.Size == info.Size() && existing.MtimeUnixMs == info.ModTime().UnixMilli() {
			if err := s.TouchLocation(ctx, rel, scanID); err != nil {
				return err
			}
			res.Reused++
			return nil
		}
		toHash = append(toHash, scanCandidate{
			relPath:     rel,
			absPath:     p,
			size:        info.Size(),
			mtimeUnixMs: info.ModTime().UnixMilli(),
		})
		return nil
	})
	if walkErr != nil {
		return nil, fmt.Errorf("scan %s: %w", root, walkErr)
	}

	outcomes := make([]scanOutcome, len(toHash))
	limit := opts.Workers
	if limit <= 0 {
		limit = DefaultScanWorkers
	}
	sem := make(chan struct{}, limit)
	var wg sync.WaitGroup
	for i, cand := range toHash {
		i, cand := i, cand
		wg.Add(1)
		go func() {
			defer wg.Done()
			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
				hash, size, err := QuickHash(cand.absPath)
				outcomes[i] = scanOutcome{cand: cand, hash: hash, size: size, err: err}
			case <-ctx.Done():
				outcomes[i] = scanOutcome{cand: cand, err: ctx.Err()}
			}
		}()
	}
	wg.Wait()
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// Single writer: the db is capped at one connection anyway.
	for _, oc := range outcomes {
		if oc.err != nil {
			logger.Warn("scan: hash failed; file skipped", "path", oc.cand.relPath, "error", oc.err)
			res.Skipped++
			// Keep a previously indexed row alive so the prune below does
			// not drop a file that still exists.
			if err := s.TouchLocation(ctx, oc.cand.relPath, scanID); err != nil && !errors.Is(err, sql.ErrNoRows) {
				return nil, err
			}
			complete = false
			continue
		}
		if err := s.UpsertModel(ctx, Model{
			QuickHash: oc.hash,
			Size:      oc.size,
			Kind:      kindOf(oc.cand.relPath),
		}); err != nil {
			return nil, fmt.Errorf("index model %s: %w", oc.cand.relPath, err)
		}
		if err := s.UpsertLocation(ctx, Location{
			RelPath:     oc.cand.relPath,
			QuickHash:   oc.hash,
			Filename:    path.Base(oc.cand.relPath),
			Size:        oc.size,
			MtimeUnixMs: oc.cand.mtimeUnixMs,
		}, scanID); err != nil {
			return nil, fmt.Errorf("index location %s: %w", oc.cand.relPath, err)
		}
		res.Hashed++
	}

	if complete {
		pruned, err := s.PruneNotSeen(ctx, scanID)
		if err != nil {
			return nil, fmt.Errorf("prune: %w", err)
		}
		res.Pruned = pruned
	} else {
		logger.Warn("scan: incomplete walk; prune skipped")
	}

	res.DurationMs = time.Since(start).Milliseconds()
	logger.Info("scan complete",
		"scan_id", res.ScanID,
		"seen", res.Seen,
		"hashed", res.Hashed,
		"reused", res.Reused,
		"skipped", res.Skipped,
		"pruned", res.Pruned,
		"duration_ms", res.DurationMs,
	)
	return res, nil
}

// kindOf derives the library kind from the top-level folder of a relative
// path. Files directly under the root have no kind.
func kindOf(relPath string) string {
	relPath = strings.TrimSpace(relPath)
	i := strings.IndexByte(relPath, '/')
	if i <= 0 {
		return ""
	}
	return relPath[:i]
}

// defaultExtensions mirrors the workflow sniffing set; config overrides
// both together.
var defaultExtensions = []string{".safetensors", ".ckpt", ".pt", ".pth", ".bin", ".onnx", ".gguf"}

func normalizeExtensions(extensions []string) []string {
	if len(extensions) == 0 {
		extensions = defaultExtensions
	}
	out := make([]string, 0, len(extensions))
	for _, ext := range extensions {
		ext = strings.ToLower(strings.TrimSpace(ext))
		if ext == "" {
			continue
		}
		if !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		out = append(out, ext)
	}
	return out
}

func hasExtension(name string, extensions []string) bool {
	n := strings.ToLower(name)
	for _, ext := range extensions {
		if len(n) > len(ext) && strings.HasSuffix(n, ext) {
			return true
		}
	}
	return false
}
