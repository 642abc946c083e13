package analysis

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"testing"
	"time"

	"github.com/pixelforge-dev/rigger/internal/manifest"
	"github.com/pixelforge-dev/rigger/internal/modelindex"
	"github.com/pixelforge-dev/rigger/internal/resolve"
	"github.com/pixelforge-dev/rigger/internal/workflow"
)

const portraitDoc = `{
  "version": 1,
  "nodes": {
    "1": {"type": "CheckpointLoader", "values": ["checkpoints/base.safetensors"], "pos": [100, 200]},
    "2": {"type": "PaletteExtract", "values": [4], "pack": "palette-tools", "pos": [320, 200]}
  }
}`

const upscaleDoc = `{
  "version": 1,
  "nodes": {
    "5": {"type": "UpscaleModelLoader", "values": ["upscale_models/clean_4x.safetensors"]}
  }
}`

type testEnv struct {
	workflowsDir string
	packsDir     string
	manifestPath string
	index        *modelindex.Store
	cache        *Store
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	root := t.TempDir()
	env := &testEnv{
		workflowsDir: filepath.Join(root, "workflows"),
		packsDir:     filepath.Join(root, "packs"),
		manifestPath: filepath.Join(root, "manifest.yaml"),
	}
	for _, dir := range []string{env.workflowsDir, env.packsDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			t.Fatalf("MkdirAll: %v", err)
		}
	}
	index, err := modelindex.Open(filepath.Join(root, "modelindex.sqlite"))
	if err != nil {
		t.Fatalf("open index: %v", err)
	}
	t.Cleanup(func() { _ = index.Close() })
	cache, err := Open(filepath.Join(root, "analysis.sqlite"))
	if err != nil {
		t.Fatalf("open cache: %v", err)
	}
	t.Cleanup(func() { _ = cache.Close() })
	env.index = index
	env.cache = cache
	return env
}

// newService simulates one process invocation: a fresh session memo over
// the same persistent stores.
func (e *testEnv) newService(t *testing.T) *Service {
	t.Helper()
	svc, err := New(Options{
		Environment: "default",
		Workflows:   workflow.NewDirStore(e.workflowsDir),
		Manifest:    manifest.NewFile(e.manifestPath),
		PacksDir:    e.packsDir,
		Index:       e.index,
		Cache:       e.cache,
		Logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return svc
}

func (e *testEnv) writeWorkflow(t *testing.T, name string, body string) {
	t.Helper()
	p := filepath.Join(e.workflowsDir, name+".json")
	if err := os.WriteFile(p, []byte(body), 0o644); err != nil {
		t.Fatalf("write workflow: %v", err)
	}
}

func (e *testEnv) touchWorkflow(t *testing.T, name string, at time.Time) {
	t.Helper()
	p := filepath.Join(e.workflowsDir, name+".json")
	if err := os.Chtimes(p, at, at); err != nil {
		t.Fatalf("Chtimes: %v", err)
	}
}

// writeManifest steps past the current millisecond first so the manifest
// mtime always lands after any previously recorded stamp.
func (e *testEnv) writeManifest(t *testing.T, body string) {
	t.Helper()
	time.Sleep(5 * time.Millisecond)
	if err := os.WriteFile(e.manifestPath, []byte(body), 0o644); err != nil {
		t.Fatalf("write manifest: %v", err)
	}
}

func (e *testEnv) installPack(t *testing.T, id string, descriptor string) {
	t.Helper()
	dir := filepath.Join(e.packsDir, id)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}
	if descriptor != "" {
		if err := os.WriteFile(filepath.Join(dir, "pack.yaml"), []byte(descriptor), 0o644); err != nil {
			t.Fatalf("write descriptor: %v", err)
		}
	}
}

// indexFile registers one library file. Like writeManifest it steps the
// clock so the index write mark moves past any recorded stamp.
func (e *testEnv) indexFile(t *testing.T, relPath string, hash string) {
	t.Helper()
	time.Sleep(5 * time.Millisecond)
	ctx := context.Background()
	if err := e.index.UpsertModel(ctx, modelindex.Model{QuickHash: hash, Size: 1024}); err != nil {
		t.Fatalf("UpsertModel: %v", err)
	}
	err := e.index.UpsertLocation(ctx, modelindex.Location{
		RelPath:   relPath,
		QuickHash: hash,
		Filename:  path.Base(relPath),
		Size:      1024,
	}, 1)
	if err != nil {
		t.Fatalf("UpsertLocation: %v", err)
	}
}

func (e *testEnv) row(t *testing.T, name string) *Entry {
	t.Helper()
	entry, err := e.cache.Get(context.Background(), "default", name)
	if err != nil {
		t.Fatalf("cache Get: %v", err)
	}
	return entry
}

// portraitEnv is the common fixture: an installed palette pack, two
// indexed models and the portrait workflow.
func portraitEnv(t *testing.T) *testEnv {
	t.Helper()
	env := newTestEnv(t)
	env.installPack(t, "palette-tools", "name: Palette Tools\nversion: 1.4.0\n")
	env.indexFile(t, "checkpoints/base.safetensors", "1111222233334444")
	env.indexFile(t, "upscale_models/clean_4x.safetensors", "aaaabbbbccccdddd")
	env.writeWorkflow(t, "portrait", portraitDoc)
	return env
}

func TestService_FirstAnalyzeMisses(t *testing.T) {
	t.Parallel()
	env := portraitEnv(t)
	svc := env.newService(t)
	ctx := context.Background()

	res, err := svc.Analyze(ctx, "portrait")
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if res.CacheState != CacheMiss {
		t.Fatalf("CacheState = %s, want miss", res.CacheState)
	}
	if len(res.ContentHash) != 16 || len(res.ContextHash) != 16 {
		t.Fatalf("hashes = %q / %q, want 16 hex chars each", res.ContentHash, res.ContextHash)
	}

	deps := res.Dependencies
	if len(deps.Builtin) != 1 || deps.Builtin[0] != "CheckpointLoader" {
		t.Fatalf("Builtin = %v", deps.Builtin)
	}
	if len(deps.Custom) != 1 || deps.Custom[0].Type != "PaletteExtract" || deps.Custom[0].Hint != "palette-tools" {
		t.Fatalf("Custom = %+v", deps.Custom)
	}
	if len(deps.Models) != 1 || deps.Models[0].Raw != "checkpoints/base.safetensors" {
		t.Fatalf("Models = %+v", deps.Models)
	}

	if len(res.Resolution.Packs) != 1 {
		t.Fatalf("pack resolutions = %d, want 1", len(res.Resolution.Packs))
	}
	pr := res.Resolution.Packs[0]
	if pr.Status != resolve.StatusResolved || pr.Kind != resolve.MatchHint {
		t.Fatalf("pack outcome = %s/%s", pr.Status, pr.Kind)
	}
	if len(pr.Candidates) != 1 || pr.Candidates[0].PackID != "palette-tools" || !pr.Candidates[0].Installed {
		t.Fatalf("pack candidates = %+v", pr.Candidates)
	}

	if len(res.Resolution.Models) != 1 {
		t.Fatalf("model resolutions = %d, want 1", len(res.Resolution.Models))
	}
	mr := res.Resolution.Models[0]
	if mr.Status != resolve.StatusResolved || mr.Kind != resolve.MatchExactPath {
		t.Fatalf("model outcome = %s/%s", mr.Status, mr.Kind)
	}
	if len(mr.Candidates) != 1 || mr.Candidates[0].QuickHash != "1111222233334444" {
		t.Fatalf("model candidates = %+v", mr.Candidates)
	}

	sum := res.Summary
	if sum.PacksResolved != 1 || sum.ModelsResolved != 1 || sum.MissingRequired != 0 {
		t.Fatalf("summary = %+v", sum)
	}
	if len(sum.Requirements) != 1 || sum.Requirements[0].Key != "1111222233334444" {
		t.Fatalf("requirements = %+v", sum.Requirements)
	}
	if sum.Requirements[0].Criticality != string(workflow.CriticalityRequired) {
		t.Fatalf("requirement criticality = %q", sum.Requirements[0].Criticality)
	}

	entry := env.row(t, "portrait")
	if entry == nil {
		t.Fatal("no cache row after miss")
	}
	if entry.AlgoVersion != AlgorithmVersion || entry.WrittenBy == "" {
		t.Fatalf("row stamping = %q / %q", entry.AlgoVersion, entry.WrittenBy)
	}
	if entry.ContentHash != res.ContentHash || entry.ContextHash != res.ContextHash {
		t.Fatalf("row hashes diverge from result")
	}
}

func TestService_SessionServesRepeatCalls(t *testing.T) {
	t.Parallel()
	env := portraitEnv(t)
	svc := env.newService(t)
	ctx := context.Background()

	if _, err := svc.Analyze(ctx, "portrait"); err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	res, err := svc.Analyze(ctx, "portrait")
	if err != nil {
		t.Fatalf("Analyze again: %v", err)
	}
	if res.CacheState != CacheHit {
		t.Fatalf("CacheState = %s, want hit", res.CacheState)
	}

	// The memo answers even with the row gone; only a new invocation
	// goes back to the store.
	if err := env.cache.Delete(ctx, "default", "portrait"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	res, err = svc.Analyze(ctx, "portrait")
	if err != nil {
		t.Fatalf("Analyze after delete: %v", err)
	}
	if res.CacheState != CacheHit {
		t.Fatalf("CacheState = %s, want memo hit", res.CacheState)
	}

	fresh := env.newService(t)
	res, err = fresh.Analyze(ctx, "portrait")
	if err != nil {
		t.Fatalf("fresh Analyze: %v", err)
	}
	if res.CacheState != CacheMiss {
		t.Fatalf("CacheState = %s, want miss after row deletion", res.CacheState)
	}
}

func TestService_FreshSessionHitsWithoutRewriting(t *testing.T) {
	t.Parallel()
	env := portraitEnv(t)
	ctx := context.Background()

	first, err := env.newService(t).Analyze(ctx, "portrait")
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	before := env.row(t, "portrait")

	res, err := env.newService(t).Analyze(ctx, "portrait")
	if err != nil {
		t.Fatalf("second invocation: %v", err)
	}
	if res.CacheState != CacheHit {
		t.Fatalf("CacheState = %s, want hit", res.CacheState)
	}
	if res.ContentHash != first.ContentHash || res.ContextHash != first.ContextHash {
		t.Fatalf("cached result diverges: %q/%q", res.ContentHash, res.ContextHash)
	}
	if len(res.Resolution.Packs) != 1 || len(res.Resolution.Models) != 1 {
		t.Fatalf("cached resolution lost outcomes: %+v", res.Resolution)
	}

	after := env.row(t, "portrait")
	if after.WrittenAtUnixMs != before.WrittenAtUnixMs || after.WrittenBy != before.WrittenBy {
		t.Fatal("pure hit rewrote the row")
	}
}

func TestService_PresentationalEditStaysCached(t *testing.T) {
	t.Parallel()
	env := portraitEnv(t)
	ctx := context.Background()

	first, err := env.newService(t).Analyze(ctx, "portrait")
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}

	// Nodes dragged around the canvas: same content, different bytes.
	moved := `{
  "version": 1,
  "nodes": {
    "1": {"type": "CheckpointLoader", "values": ["checkpoints/base.safetensors"], "pos": [700, 80]},
    "2": {"type": "PaletteExtract", "values": [4], "pack": "palette-tools", "pos": [40, 520], "size": [210, 90]}
  }
}`
	env.writeWorkflow(t, "portrait", moved)
	env.touchWorkflow(t, "portrait", time.Now().Add(2*time.Second))

	res, err := env.newService(t).Analyze(ctx, "portrait")
	if err != nil {
		t.Fatalf("Analyze after move: %v", err)
	}
	if res.CacheState != CacheHit {
		t.Fatalf("CacheState = %s, want hit via content hash", res.CacheState)
	}
	if res.ContentHash != first.ContentHash {
		t.Fatalf("content hash moved on presentational edit: %q -> %q", first.ContentHash, res.ContentHash)
	}

	// The row's document identity is refreshed so the next invocation
	// hits on the cheap stat compare alone.
	entry := env.row(t, "portrait")
	info, err := workflow.NewDirStore(env.workflowsDir).Stat("portrait")
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if entry.DocSize != info.Size || entry.DocMtimeUnixMs != info.MtimeUnix {
		t.Fatalf("row stat not refreshed: %d/%d vs %d/%d", entry.DocSize, entry.DocMtimeUnixMs, info.Size, info.MtimeUnix)
	}
}

func TestService_ContentEditMisses(t *testing.T) {
	t.Parallel()
	env := portraitEnv(t)
	ctx := context.Background()

	first, err := env.newService(t).Analyze(ctx, "portrait")
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}

	edited := `{
  "version": 1,
  "nodes": {
    "1": {"type": "CheckpointLoader", "values": ["checkpoints/missing.safetensors"]},
    "2": {"type": "PaletteExtract", "values": [4], "pack": "palette-tools"}
  }
}`
	env.writeWorkflow(t, "portrait", edited)
	env.touchWorkflow(t, "portrait", time.Now().Add(2*time.Second))

	res, err := env.newService(t).Analyze(ctx, "portrait")
	if err != nil {
		t.Fatalf("Analyze after edit: %v", err)
	}
	if res.CacheState != CacheMiss {
		t.Fatalf("CacheState = %s, want miss", res.CacheState)
	}
	if res.ContentHash == first.ContentHash {
		t.Fatal("content hash unchanged after value edit")
	}

	sum := res.Summary
	if sum.ModelsUnresolved != 1 || sum.MissingRequired != 1 {
		t.Fatalf("summary = %+v, want one missing required model", sum)
	}
	if len(sum.Requirements) != 1 || sum.Requirements[0].Key != "missing.safetensors" {
		t.Fatalf("requirements = %+v", sum.Requirements)
	}
	if sum.Requirements[0].Status != resolve.StatusUnresolved {
		t.Fatalf("requirement status = %s", sum.Requirements[0].Status)
	}

	if entry := env.row(t, "portrait"); entry.ContentHash != res.ContentHash {
		t.Fatalf("row not rewritten: %q", entry.ContentHash)
	}
}

func TestService_ManifestChangeScopesInvalidation(t *testing.T) {
	t.Parallel()
	env := portraitEnv(t)
	env.writeWorkflow(t, "upscale", upscaleDoc)
	ctx := context.Background()

	svc := env.newService(t)
	if _, err := svc.Analyze(ctx, "portrait"); err != nil {
		t.Fatalf("Analyze portrait: %v", err)
	}
	if _, err := svc.Analyze(ctx, "upscale"); err != nil {
		t.Fatalf("Analyze upscale: %v", err)
	}
	upscaleBefore := env.row(t, "upscale")

	// The override touches a type only portrait uses.
	env.writeManifest(t, "version: 1\npack_overrides:\n  PaletteExtract: palette-fork\n")

	svc2 := env.newService(t)
	res, err := svc2.Analyze(ctx, "portrait")
	if err != nil {
		t.Fatalf("Analyze portrait after override: %v", err)
	}
	if res.CacheState != CachePartial {
		t.Fatalf("portrait CacheState = %s, want partial", res.CacheState)
	}
	pr := res.Resolution.Packs[0]
	if pr.Kind != resolve.MatchOverride || pr.Status != resolve.StatusResolved {
		t.Fatalf("override not applied: %s/%s", pr.Status, pr.Kind)
	}
	if len(pr.Candidates) != 1 || pr.Candidates[0].PackID != "palette-fork" || pr.Candidates[0].Installed {
		t.Fatalf("override candidate = %+v", pr.Candidates)
	}

	res, err = svc2.Analyze(ctx, "upscale")
	if err != nil {
		t.Fatalf("Analyze upscale after override: %v", err)
	}
	if res.CacheState != CacheHit {
		t.Fatalf("upscale CacheState = %s, want hit", res.CacheState)
	}
	upscaleAfter := env.row(t, "upscale")
	if upscaleAfter.ConfigStampUnixMs <= upscaleBefore.ConfigStampUnixMs {
		t.Fatalf("upscale stamp not refreshed: %d -> %d", upscaleBefore.ConfigStampUnixMs, upscaleAfter.ConfigStampUnixMs)
	}
	if upscaleAfter.ContextHash != upscaleBefore.ContextHash {
		t.Fatal("upscale context hash moved on unrelated override")
	}
}

func TestService_IndexChangeScopesInvalidation(t *testing.T) {
	t.Parallel()
	env := portraitEnv(t)
	env.writeWorkflow(t, "upscale", upscaleDoc)
	ctx := context.Background()

	svc := env.newService(t)
	if _, err := svc.Analyze(ctx, "portrait"); err != nil {
		t.Fatalf("Analyze portrait: %v", err)
	}
	if _, err := svc.Analyze(ctx, "upscale"); err != nil {
		t.Fatalf("Analyze upscale: %v", err)
	}

	// A second copy of base.safetensors lands in the library.
	env.indexFile(t, "archive/base.safetensors", "9999888877776666")

	svc2 := env.newService(t)
	res, err := svc2.Analyze(ctx, "portrait")
	if err != nil {
		t.Fatalf("Analyze portrait after index change: %v", err)
	}
	if res.CacheState != CachePartial {
		t.Fatalf("portrait CacheState = %s, want partial", res.CacheState)
	}
	mr := res.Resolution.Models[0]
	if mr.Kind != resolve.MatchExactPath || mr.Candidates[0].RelPath != "checkpoints/base.safetensors" {
		t.Fatalf("exact path lost to the new copy: %+v", mr)
	}

	res, err = svc2.Analyze(ctx, "upscale")
	if err != nil {
		t.Fatalf("Analyze upscale after index change: %v", err)
	}
	if res.CacheState != CacheHit {
		t.Fatalf("upscale CacheState = %s, want hit", res.CacheState)
	}
}

func TestService_DecisionPinRedirectsModel(t *testing.T) {
	t.Parallel()
	env := portraitEnv(t)
	ctx := context.Background()

	if _, err := env.newService(t).Analyze(ctx, "portrait"); err != nil {
		t.Fatalf("Analyze: %v", err)
	}

	env.indexFile(t, "archive/special.safetensors", "5555666677778888")
	env.writeManifest(t, `version: 1
model_decisions:
  portrait:
    - node: "1"
      value: 0
      hash: "5555666677778888"
`)

	res, err := env.newService(t).Analyze(ctx, "portrait")
	if err != nil {
		t.Fatalf("Analyze after pin: %v", err)
	}
	if res.CacheState != CachePartial {
		t.Fatalf("CacheState = %s, want partial", res.CacheState)
	}
	mr := res.Resolution.Models[0]
	if mr.Status != resolve.StatusResolved || mr.Kind != resolve.MatchDecision {
		t.Fatalf("pin not applied: %s/%s", mr.Status, mr.Kind)
	}
	if len(mr.Candidates) != 1 || mr.Candidates[0].RelPath != "archive/special.safetensors" {
		t.Fatalf("pin candidates = %+v", mr.Candidates)
	}
	if len(res.Summary.Requirements) != 1 || res.Summary.Requirements[0].Key != "5555666677778888" {
		t.Fatalf("requirements = %+v", res.Summary.Requirements)
	}
}

func TestService_AlgoVersionMismatchMisses(t *testing.T) {
	t.Parallel()
	env := portraitEnv(t)
	ctx := context.Background()

	if _, err := env.newService(t).Analyze(ctx, "portrait"); err != nil {
		t.Fatalf("Analyze: %v", err)
	}

	entry := env.row(t, "portrait")
	entry.AlgoVersion = "0"
	if err := env.cache.Put(ctx, *entry); err != nil {
		t.Fatalf("Put: %v", err)
	}

	res, err := env.newService(t).Analyze(ctx, "portrait")
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if res.CacheState != CacheMiss {
		t.Fatalf("CacheState = %s, want miss on version change", res.CacheState)
	}
	if got := env.row(t, "portrait"); got.AlgoVersion != AlgorithmVersion {
		t.Fatalf("row version = %q, want %q", got.AlgoVersion, AlgorithmVersion)
	}
}

func TestService_CorruptRowsRecoverAsMiss(t *testing.T) {
	t.Parallel()
	env := portraitEnv(t)
	ctx := context.Background()

	if _, err := env.newService(t).Analyze(ctx, "portrait"); err != nil {
		t.Fatalf("Analyze: %v", err)
	}

	entry := env.row(t, "portrait")
	entry.DepsJSON = `{broken`
	if err := env.cache.Put(ctx, *entry); err != nil {
		t.Fatalf("Put: %v", err)
	}
	res, err := env.newService(t).Analyze(ctx, "portrait")
	if err != nil {
		t.Fatalf("Analyze with corrupt deps: %v", err)
	}
	if res.CacheState != CacheMiss {
		t.Fatalf("CacheState = %s, want miss", res.CacheState)
	}

	entry = env.row(t, "portrait")
	entry.ResolutionJSON = `[broken`
	if err := env.cache.Put(ctx, *entry); err != nil {
		t.Fatalf("Put: %v", err)
	}
	res, err = env.newService(t).Analyze(ctx, "portrait")
	if err != nil {
		t.Fatalf("Analyze with corrupt resolution: %v", err)
	}
	if res.CacheState != CacheMiss {
		t.Fatalf("CacheState = %s, want miss", res.CacheState)
	}

	healed := env.row(t, "portrait")
	var resolution Resolution
	if err := json.Unmarshal([]byte(healed.ResolutionJSON), &resolution); err != nil {
		t.Fatalf("row not healed: %v", err)
	}
}

func TestService_InvalidateDropsRowAndMemo(t *testing.T) {
	t.Parallel()
	env := portraitEnv(t)
	env.writeWorkflow(t, "upscale", upscaleDoc)
	ctx := context.Background()

	svc := env.newService(t)
	if _, err := svc.Analyze(ctx, "portrait"); err != nil {
		t.Fatalf("Analyze portrait: %v", err)
	}
	if _, err := svc.Analyze(ctx, "upscale"); err != nil {
		t.Fatalf("Analyze upscale: %v", err)
	}

	if err := svc.Invalidate(ctx, "portrait"); err != nil {
		t.Fatalf("Invalidate: %v", err)
	}
	if env.row(t, "portrait") != nil {
		t.Fatal("row survived Invalidate")
	}
	res, err := svc.Analyze(ctx, "portrait")
	if err != nil {
		t.Fatalf("Analyze after Invalidate: %v", err)
	}
	if res.CacheState != CacheMiss {
		t.Fatalf("CacheState = %s, want miss after Invalidate", res.CacheState)
	}
	res, err = svc.Analyze(ctx, "upscale")
	if err != nil {
		t.Fatalf("Analyze upscale: %v", err)
	}
	if res.CacheState != CacheHit {
		t.Fatal("unrelated workflow lost its memo")
	}

	n, err := svc.InvalidateAll(ctx)
	if err != nil {
		t.Fatalf("InvalidateAll: %v", err)
	}
	if n != 2 {
		t.Fatalf("InvalidateAll = %d, want 2", n)
	}
	res, err = svc.Analyze(ctx, "upscale")
	if err != nil {
		t.Fatalf("Analyze after InvalidateAll: %v", err)
	}
	if res.CacheState != CacheMiss {
		t.Fatalf("CacheState = %s, want miss after InvalidateAll", res.CacheState)
	}
}

func TestService_BadInputsLeaveNoRows(t *testing.T) {
	t.Parallel()
	env := portraitEnv(t)
	svc := env.newService(t)
	ctx := context.Background()

	if _, err := svc.Analyze(ctx, "ghost"); !errors.Is(err, workflow.ErrNotFound) {
		t.Fatalf("Analyze ghost = %v, want ErrNotFound", err)
	}
	if _, err := svc.Analyze(ctx, "  "); err == nil {
		t.Fatal("Analyze accepted blank name")
	}

	env.writeWorkflow(t, "broken", `{"version": 1, "nodes": {"1": {`)
	if _, err := svc.Analyze(ctx, "broken"); err == nil {
		t.Fatal("Analyze accepted malformed document")
	}
	if env.row(t, "broken") != nil {
		t.Fatal("parse failure left a cache row")
	}
}
