package analysis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/pixelforge-dev/rigger/internal/manifest"
	"github.com/pixelforge-dev/rigger/internal/modelindex"
	"github.com/pixelforge-dev/rigger/internal/packs"
	"github.com/pixelforge-dev/rigger/internal/resolve"
	"github.com/pixelforge-dev/rigger/internal/workflow"
)

// AlgorithmVersion tags every cache row. Bumping it invalidates all rows
// unconditionally, so behavior changes in parsing or resolution never
// serve stale results.
const AlgorithmVersion = "3"

// CacheState says how a result was produced.
type CacheState string

const (
	CacheHit     CacheState = "hit"
	CachePartial CacheState = "partial"
	CacheMiss    CacheState = "miss"
)

// Resolution bundles both resolver outputs for one workflow.
type Resolution struct {
	Packs  []resolve.PackResolution  `json:"packs,omitempty"`
	Models []resolve.ModelResolution `json:"models,omitempty"`
}

// ModelRequirement rolls references to the same model up into one line:
// identity is the resolved content hash when there is one, the referenced
// filename otherwise, and criticality merges to the strongest across refs.
type ModelRequirement struct {
	Key         string         `json:"key"`
	Status      resolve.Status `json:"status"`
	Criticality string         `json:"criticality,omitempty"`
	RefCount    int            `json:"ref_count"`
}

// Summary is the presentation rollup of a resolution.
type Summary struct {
	PacksResolved   int `json:"packs_resolved"`
	PacksAmbiguous  int `json:"packs_ambiguous"`
	PacksUnresolved int `json:"packs_unresolved"`
	PacksIgnored    int `json:"packs_ignored"`

	ModelsResolved   int `json:"models_resolved"`
	ModelsAmbiguous  int `json:"models_ambiguous"`
	ModelsUnresolved int `json:"models_unresolved"`
	MissingRequired  int `json:"missing_required"`

	Requirements []ModelRequirement `json:"requirements,omitempty"`
}

// Result is a complete analysis of one workflow.
type Result struct {
	Environment  string                `json:"environment"`
	Workflow     string                `json:"workflow"`
	CacheState   CacheState            `json:"cache_state"`
	ContentHash  string                `json:"content_hash"`
	ContextHash  string                `json:"context_hash,omitempty"`
	Dependencies workflow.Dependencies `json:"dependencies"`
	Resolution   Resolution            `json:"resolution"`
	Summary      Summary               `json:"summary"`
}

// Options configures a Service.
type Options struct {
	Environment    string
	Workflows      *workflow.DirStore
	Manifest       *manifest.File
	PacksDir       string
	Index          *modelindex.Store
	Cache          *Store
	Extensions     []string
	SignaturesPath string
	Logger         *slog.Logger
}

// Service analyzes workflows: parse, resolve, cache.
type Service struct {
	env          string
	workflows    *workflow.DirStore
	manifestFile *manifest.File
	packsDir     string
	index        *modelindex.Store
	cache        *Store
	packs        *resolve.PackResolver
	models       *resolve.ModelResolver
	extensions   []string
	log          *slog.Logger
	invocationID string

	mu      sync.Mutex
	session map[string]*Result
}

func New(opts Options) (*Service, error) {
	if opts.Workflows == nil {
		return nil, errors.New("missing workflow store")
	}
	if opts.Index == nil {
		return nil, errors.New("missing model index")
	}
	if opts.Cache == nil {
		return nil, errors.New("missing analysis cache")
	}
	if strings.TrimSpace(opts.PacksDir) == "" {
		return nil, errors.New("missing packs dir")
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	packResolver, err := resolve.NewPackResolver(log, opts.SignaturesPath)
	if err != nil {
		return nil, err
	}
	env := strings.TrimSpace(opts.Environment)
	if env == "" {
		env = "default"
	}
	return &Service{
		env:          env,
		workflows:    opts.Workflows,
		manifestFile: opts.Manifest,
		packsDir:     strings.TrimSpace(opts.PacksDir),
		index:        opts.Index,
		cache:        opts.Cache,
		packs:        packResolver,
		models:       resolve.NewModelResolver(opts.Index, log),
		extensions:   opts.Extensions,
		log:          log,
		invocationID: uuid.NewString(),
		session:      make(map[string]*Result),
	}, nil
}

// Environment returns the environment rows are scoped by.
func (s *Service) Environment() string {
	if s == nil {
		return ""
	}
	return s.env
}

// Analyze resolves one workflow, serving from cache whenever both the
// document content and the resolution-relevant configuration are
// unchanged. Validity is checked cheapest-first: session memo, document
// stat, content hash, config stamp, full context hash.
func (s *Service) Analyze(ctx context.Context, name string) (*Result, error) {
	if s == nil {
		return nil, errors.New("service not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, errors.New("missing workflow name")
	}

	s.mu.Lock()
	if cached, ok := s.session[name]; ok {
		s.mu.Unlock()
		out := *cached
		out.CacheState = CacheHit
		return &out, nil
	}
	s.mu.Unlock()

	info, err := s.workflows.Stat(name)
	if err != nil {
		return nil, err
	}

	entry, err := s.cache.Get(ctx, s.env, name)
	if err != nil {
		return nil, err
	}
	if entry != nil && entry.AlgoVersion != AlgorithmVersion {
		// A version mismatch alone forces a full miss.
		entry = nil
	}

	var deps workflow.Dependencies
	haveDeps := false
	contentValid := false
	statRefreshed := false
	if entry != nil {
		if entry.DocSize == info.Size && entry.DocMtimeUnixMs == info.MtimeUnix {
			if err := json.Unmarshal([]byte(entry.DepsJSON), &deps); err != nil {
				s.log.Warn("corrupt cached dependencies; treated as miss", "workflow", name, "error", err)
				entry = nil
			} else {
				contentValid = true
				haveDeps = true
			}
		} else {
			// Stat moved; the normalized content hash decides.
			deps, err = s.extract(name)
			if err != nil {
				return nil, err
			}
			haveDeps = true
			if deps.ContentHash == entry.ContentHash {
				contentValid = true
				entry.DocSize = info.Size
				entry.DocMtimeUnixMs = info.MtimeUnix
				statRefreshed = true
			}
		}
	}

	// Stamp before snapshot: a racing config write then re-checks next
	// call instead of being recorded too new.
	stamp, err := s.configStamp(ctx)
	if err != nil {
		return nil, err
	}

	if entry != nil && contentValid {
		if stamp == entry.ConfigStampUnixMs {
			if res, ok := s.decodeCached(name, entry, deps); ok {
				if statRefreshed {
					entry.WrittenBy = s.invocationID
					if err := s.cache.Put(ctx, *entry); err != nil {
						return nil, err
					}
				}
				s.remember(name, res)
				return res, nil
			}
			entry = nil
		} else {
			man, manStamp, err := s.manifestSnapshot()
			if err != nil {
				return nil, err
			}
			rc, err := resolve.BuildContext(ctx, resolve.ContextInputs{
				AlgoVersion: AlgorithmVersion,
				Workflow:    name,
				Manifest:    man,
				Deps:        deps,
				Signatures:  s.packs.SignatureTable(),
				Index:       s.index,
			})
			if err != nil {
				return nil, err
			}
			if rc.Hash() == entry.ContextHash {
				if res, ok := s.decodeCached(name, entry, deps); ok {
					entry.ConfigStampUnixMs = stamp
					entry.WrittenBy = s.invocationID
					if err := s.cache.Put(ctx, *entry); err != nil {
						return nil, err
					}
					s.remember(name, res)
					return res, nil
				}
				entry = nil
			} else {
				// Content still good: reuse the parse, redo resolution.
				res, err := s.computeAndStore(ctx, name, info, deps, man, manStamp, rc, stamp, CachePartial)
				if err != nil {
					return nil, err
				}
				s.remember(name, res)
				return res, nil
			}
		}
	}

	if !haveDeps {
		deps, err = s.extract(name)
		if err != nil {
			return nil, err
		}
	}
	man, manStamp, err := s.manifestSnapshot()
	if err != nil {
		return nil, err
	}
	rc, err := resolve.BuildContext(ctx, resolve.ContextInputs{
		AlgoVersion: AlgorithmVersion,
		Workflow:    name,
		Manifest:    man,
		Deps:        deps,
		Signatures:  s.packs.SignatureTable(),
		Index:       s.index,
	})
	if err != nil {
		return nil, err
	}
	res, err := s.computeAndStore(ctx, name, info, deps, man, manStamp, rc, stamp, CacheMiss)
	if err != nil {
		return nil, err
	}
	s.remember(name, res)
	return res, nil
}

// Invalidate drops one workflow's cached analysis.
func (s *Service) Invalidate(ctx context.Context, name string) error {
	if s == nil {
		return errors.New("service not initialized")
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return errors.New("missing workflow name")
	}
	s.mu.Lock()
	delete(s.session, name)
	s.mu.Unlock()
	return s.cache.Delete(ctx, s.env, name)
}

// InvalidateAll drops every cached analysis for the environment.
func (s *Service) InvalidateAll(ctx context.Context) (int64, error) {
	if s == nil {
		return 0, errors.New("service not initialized")
	}
	s.mu.Lock()
	s.session = make(map[string]*Result)
	s.mu.Unlock()
	return s.cache.DeleteAll(ctx, s.env)
}

func (s *Service) remember(name string, res *Result) {
	s.mu.Lock()
	s.session[name] = res
	s.mu.Unlock()
}

func (s *Service) extract(name string) (workflow.Dependencies, error) {
	data, err := s.workflows.Read(name)
	if err != nil {
		return workflow.Dependencies{}, err
	}
	doc, err := workflow.Parse(data)
	if err != nil {
		return workflow.Dependencies{}, fmt.Errorf("workflow %s: %w", name, err)
	}
	return doc.Dependencies(s.extensions), nil
}

func (s *Service) manifestSnapshot() (*manifest.Manifest, int64, error) {
	if s.manifestFile == nil {
		return nil, 0, nil
	}
	man, err := s.manifestFile.Snapshot()
	if err != nil {
		return nil, 0, err
	}
	stamp, err := s.manifestFile.Stamp()
	if err != nil {
		return nil, 0, err
	}
	return man, stamp, nil
}

// configStamp is the cheap external-config clock: the newest of the
// manifest mtime and the index write mark. Equal stamp means resolution
// context cannot have changed.
func (s *Service) configStamp(ctx context.Context) (int64, error) {
	var stamp int64
	if s.manifestFile != nil {
		ms, err := s.manifestFile.Stamp()
		if err != nil {
			return 0, err
		}
		stamp = ms
	}
	idx, err := s.index.LastWriteUnixMs(ctx)
	if err != nil {
		return 0, err
	}
	if idx > stamp {
		stamp = idx
	}
	return stamp, nil
}

func (s *Service) decodeCached(name string, entry *Entry, deps workflow.Dependencies) (*Result, bool) {
	var resolution Resolution
	if err := json.Unmarshal([]byte(entry.ResolutionJSON), &resolution); err != nil {
		s.log.Warn("corrupt cached resolution; treated as miss", "workflow", name, "error", err)
		return nil, false
	}
	return &Result{
		Environment:  s.env,
		Workflow:     name,
		CacheState:   CacheHit,
		ContentHash:  entry.ContentHash,
		ContextHash:  entry.ContextHash,
		Dependencies: deps,
		Resolution:   resolution,
		Summary:      buildSummary(resolution),
	}, true
}

func (s *Service) computeAndStore(
	ctx context.Context,
	name string,
	info workflow.DocInfo,
	deps workflow.Dependencies,
	man *manifest.Manifest,
	manStamp int64,
	rc *resolve.Context,
	stamp int64,
	state CacheState,
) (*Result, error) {
	installed, err := packs.ScanDir(s.packsDir)
	if err != nil {
		return nil, fmt.Errorf("scan packs dir: %w", err)
	}

	var resolution Resolution
	for _, ct := range deps.Custom {
		resolution.Packs = append(resolution.Packs, s.packs.Resolve(resolve.PackRequest{
			Type:          ct.Type,
			Hint:          ct.Hint,
			Manifest:      man,
			Installed:     installed,
			ManifestStamp: manStamp,
		}))
	}
	for _, ref := range deps.Models {
		mr, err := s.models.Resolve(ctx, name, man, ref)
		if err != nil {
			return nil, err
		}
		resolution.Models = append(resolution.Models, mr)
	}

	depsJSON, err := json.Marshal(deps)
	if err != nil {
		return nil, err
	}
	resolutionJSON, err := json.Marshal(resolution)
	if err != nil {
		return nil, err
	}
	if err := s.cache.Put(ctx, Entry{
		Environment:       s.env,
		Workflow:          name,
		ContentHash:       deps.ContentHash,
		DocSize:           info.Size,
		DocMtimeUnixMs:    info.MtimeUnix,
		ContextHash:       rc.Hash(),
		ConfigStampUnixMs: stamp,
		AlgoVersion:       AlgorithmVersion,
		DepsJSON:          string(depsJSON),
		ResolutionJSON:    string(resolutionJSON),
		WrittenBy:         s.invocationID,
	}); err != nil {
		return nil, err
	}

	return &Result{
		Environment:  s.env,
		Workflow:     name,
		CacheState:   state,
		ContentHash:  deps.ContentHash,
		ContextHash:  rc.Hash(),
		Dependencies: deps,
		Resolution:   resolution,
		Summary:      buildSummary(resolution),
	}, nil
}

func statusRank(st resolve.Status) int {
	switch st {
	case resolve.StatusUnresolved:
		return 2
	case resolve.StatusAmbiguous:
		return 1
	default:
		return 0
	}
}

func buildSummary(resolution Resolution) Summary {
	var sum Summary
	for _, p := range resolution.Packs {
		switch {
		case p.Ignored:
			sum.PacksIgnored++
		case p.Status == resolve.StatusResolved:
			sum.PacksResolved++
		case p.Status == resolve.StatusAmbiguous:
			sum.PacksAmbiguous++
		default:
			sum.PacksUnresolved++
		}
	}

	byKey := make(map[string]*ModelRequirement)
	var keys []string
	for _, m := range resolution.Models {
		switch m.Status {
		case resolve.StatusResolved:
			sum.ModelsResolved++
		case resolve.StatusAmbiguous:
			sum.ModelsAmbiguous++
		default:
			sum.ModelsUnresolved++
			if m.Criticality == string(workflow.CriticalityRequired) {
				sum.MissingRequired++
			}
		}

		key := ""
		if m.Status == resolve.StatusResolved && len(m.Candidates) > 0 && m.Candidates[0].QuickHash != "" {
			key = m.Candidates[0].QuickHash
		} else {
			key = strings.ToLower(path.Base(strings.ReplaceAll(m.Raw, "\\", "/")))
		}
		req, ok := byKey[key]
		if !ok {
			byKey[key] = &ModelRequirement{
				Key:         key,
				Status:      m.Status,
				Criticality: m.Criticality,
				RefCount:    1,
			}
			keys = append(keys, key)
			continue
		}
		req.RefCount++
		if statusRank(m.Status) > statusRank(req.Status) {
			req.Status = m.Status
		}
		req.Criticality = string(workflow.MergeCriticality(
			workflow.Criticality(req.Criticality),
			workflow.Criticality(m.Criticality),
		))
	}
	sort.Strings(keys)
	for _, k := range keys {
		sum.Requirements = append(sum.Requirements, *byKey[k])
	}
	return sum
}
