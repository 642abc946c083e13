package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pixelforge-dev/rigger/internal/analysis"
	"github.com/pixelforge-dev/rigger/internal/config"
	"github.com/pixelforge-dev/rigger/internal/manifest"
	"github.com/pixelforge-dev/rigger/internal/modelindex"
	"github.com/pixelforge-dev/rigger/internal/workflow"
)

type Options struct {
	Config *config.Config

	Version   string
	Commit    string
	BuildTime string

	// Logger overrides the one built from the config (tests).
	Logger *slog.Logger
}

// App wires the stores and services behind the command surface.
type App struct {
	cfg *config.Config
	log *slog.Logger

	version   string
	commit    string
	buildTime string

	workflows *workflow.DirStore
	index     *modelindex.Store
	cache     *analysis.Store
	analysis  *analysis.Service
}

func New(opts Options) (*App, error) {
	if opts.Config == nil {
		return nil, errors.New("missing config")
	}
	if err := opts.Config.Validate(); err != nil {
		return nil, err
	}
	cfg := opts.Config

	log := opts.Logger
	if log == nil {
		l, err := newLogger(strings.TrimSpace(cfg.LogFormat), strings.TrimSpace(cfg.LogLevel))
		if err != nil {
			return nil, err
		}
		log = l
	}

	stateDir := cfg.EffectiveStateDir()
	if err := os.MkdirAll(stateDir, 0o700); err != nil {
		return nil, err
	}

	index, err := modelindex.Open(filepath.Join(stateDir, "modelindex.sqlite"))
	if err != nil {
		return nil, fmt.Errorf("open model index: %w", err)
	}
	cache, err := analysis.Open(filepath.Join(stateDir, "analysis.sqlite"))
	if err != nil {
		_ = index.Close()
		return nil, fmt.Errorf("open analysis cache: %w", err)
	}

	workflows := workflow.NewDirStore(cfg.WorkflowsDir)
	svc, err := analysis.New(analysis.Options{
		Environment:    cfg.EnvironmentName(),
		Workflows:      workflows,
		Manifest:       manifest.NewFile(cfg.ManifestPath),
		PacksDir:       cfg.PacksDir,
		Index:          index,
		Cache:          cache,
		Extensions:     cfg.ModelExtensions,
		SignaturesPath: cfg.SignaturesPath,
		Logger:         log,
	})
	if err != nil {
		_ = cache.Close()
		_ = index.Close()
		return nil, err
	}

	a := &App{
		cfg:       cfg,
		log:       log,
		version:   strings.TrimSpace(opts.Version),
		commit:    strings.TrimSpace(opts.Commit),
		buildTime: strings.TrimSpace(opts.BuildTime),
		workflows: workflows,
		index:     index,
		cache:     cache,
		analysis:  svc,
	}
	a.log.Debug("app initialized",
		"environment", cfg.EnvironmentName(),
		"state_dir", stateDir,
		"version", a.version,
	)
	return a, nil
}

func (a *App) Close() error {
	if a == nil {
		return nil
	}
	var firstErr error
	if a.cache != nil {
		if err := a.cache.Close(); err != nil {
			firstErr = err
		}
	}
	if a.index != nil {
		if err := a.index.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (a *App) Logger() *slog.Logger {
	if a == nil {
		return slog.Default()
	}
	return a.log
}

func (a *App) Environment() string {
	if a == nil {
		return ""
	}
	return a.cfg.EnvironmentName()
}

// Workflows lists the names in the workflows dir.
func (a *App) Workflows() ([]string, error) {
	if a == nil {
		return nil, errors.New("app not initialized")
	}
	return a.workflows.List()
}

// Analyze resolves one workflow through the cache.
func (a *App) Analyze(ctx context.Context, name string) (*analysis.Result, error) {
	if a == nil {
		return nil, errors.New("app not initialized")
	}
	start := time.Now()
	res, err := a.analysis.Analyze(ctx, name)
	if err != nil {
		return nil, err
	}
	a.log.Info("workflow analyzed",
		"workflow", name,
		"cache", string(res.CacheState),
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return res, nil
}

// Scan refreshes the model index from the configured models dir.
func (a *App) Scan(ctx context.Context) (*modelindex.ScanResult, error) {
	if a == nil {
		return nil, errors.New("app not initialized")
	}
	return a.index.Scan(ctx, modelindex.ScanOptions{
		Root:       a.cfg.ModelsDir,
		Extensions: a.cfg.ModelExtensions,
		Logger:     a.log,
	})
}

// Invalidate drops one workflow's cached analysis.
func (a *App) Invalidate(ctx context.Context, name string) error {
	if a == nil {
		return errors.New("app not initialized")
	}
	return a.analysis.Invalidate(ctx, name)
}

// InvalidateAll drops every cached analysis for the environment.
func (a *App) InvalidateAll(ctx context.Context) (int64, error) {
	if a == nil {
		return 0, errors.New("app not initialized")
	}
	return a.analysis.InvalidateAll(ctx)
}

func newLogger(format string, level string) (*slog.Logger, error) {
	var h slog.Handler

	var lvl slog.Level
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "", "info":
		lvl = slog.LevelInfo
	case "debug":
		lvl = slog.LevelDebug
	case "warn", "warning":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		return nil, fmt.Errorf("unknown log level: %s", level)
	}

	opts := &slog.HandlerOptions{Level: lvl}

	// Logs go to stderr; stdout carries command output.
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "", "text":
		h = slog.NewTextHandler(os.Stderr, opts)
	case "json":
		h = slog.NewJSONHandler(os.Stderr, opts)
	default:
		return nil, fmt.Errorf("unknown log format: %s", format)
	}

	return slog.New(h), nil
}
