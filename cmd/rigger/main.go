package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/pixelforge-dev/rigger/internal/analysis"
	"github.com/pixelforge-dev/rigger/internal/app"
	"github.com/pixelforge-dev/rigger/internal/config"
	"github.com/pixelforge-dev/rigger/internal/resolve"
)

var (
	// Version is set via -ldflags at build time.
	Version = "dev"
	// Commit is set via -ldflags at build time.
	Commit = "unknown"
	// BuildTime is set via -ldflags at build time.
	BuildTime = "unknown"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(2)
	}

	switch os.Args[1] {
	case "init":
		initCmd(os.Args[2:])
	case "analyze":
		analyzeCmd(os.Args[2:])
	case "scan":
		scanCmd(os.Args[2:])
	case "invalidate":
		invalidateCmd(os.Args[2:])
	case "version":
		fmt.Printf("rigger %s (%s) %s\n", Version, Commit, BuildTime)
	default:
		printUsage()
		os.Exit(2)
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `rigger

Usage:
  rigger init [flags]
  rigger analyze [flags] [workflow ...]
  rigger scan [flags]
  rigger invalidate [flags] [workflow]
  rigger version

Commands:
  init         Write a config file for an environment.
  analyze      Resolve workflow dependencies (all workflows when none named).
  scan         Refresh the model index from the models dir.
  invalidate   Drop cached analyses (one workflow, or --all).
  version      Print build information.

`)
}

func openApp(cfgPath string) *app.App {
	cfg, err := config.Load(filepath.Clean(cfgPath))
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	a, err := app.New(app.Options{
		Config:    cfg,
		Version:   Version,
		Commit:    Commit,
		BuildTime: BuildTime,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to init: %v\n", err)
		os.Exit(1)
	}
	return a
}

// signalContext cancels on SIGINT/SIGTERM.
func signalContext() context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-stop
		cancel()
	}()
	return ctx
}

func initCmd(args []string) {
	fs := flag.NewFlagSet("init", flag.ExitOnError)

	cfgPath := fs.String("config", config.DefaultConfigPath(), "Config file path")
	workflowsDir := fs.String("workflows-dir", "", "Workflow documents directory")
	modelsDir := fs.String("models-dir", "", "Model library root")
	packsDir := fs.String("packs-dir", "", "Installed packs directory")
	manifestPath := fs.String("manifest", "", "Environment manifest path (optional)")
	stateDir := fs.String("state-dir", "", "State directory (default: ~/.rigger/state)")
	environment := fs.String("environment", "", "Environment name (default: default)")

	logFormat := fs.String("log-format", "text", "Log format: json|text")
	logLevel := fs.String("log-level", "info", "Log level: debug|info|warn|error")

	_ = fs.Parse(args)

	if *workflowsDir == "" || *modelsDir == "" || *packsDir == "" {
		fs.Usage()
		os.Exit(2)
	}

	cfg := &config.Config{
		Environment:  *environment,
		WorkflowsDir: *workflowsDir,
		ModelsDir:    *modelsDir,
		PacksDir:     *packsDir,
		ManifestPath: *manifestPath,
		StateDir:     *stateDir,
		LogFormat:    *logFormat,
		LogLevel:     *logLevel,
	}
	if err := config.Save(filepath.Clean(*cfgPath), cfg); err != nil {
		fmt.Fprintf(os.Stderr, "init failed: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Config written: %s\n", filepath.Clean(*cfgPath))
}

func analyzeCmd(args []string) {
	fs := flag.NewFlagSet("analyze", flag.ExitOnError)
	cfgPath := fs.String("config", config.DefaultConfigPath(), "Config file path")
	asJSON := fs.Bool("json", false, "Print full results as JSON")
	_ = fs.Parse(args)

	a := openApp(*cfgPath)

	names := fs.Args()
	if len(names) == 0 {
		all, err := a.Workflows()
		if err != nil {
			fmt.Fprintf(os.Stderr, "list workflows: %v\n", err)
			os.Exit(1)
		}
		names = all
	}
	if len(names) == 0 {
		fmt.Fprintln(os.Stderr, "no workflows found")
		os.Exit(1)
	}

	ctx := signalContext()
	results := make([]*analysis.Result, 0, len(names))
	failed := false
	for _, name := range names {
		res, err := a.Analyze(ctx, name)
		if err != nil {
			fmt.Fprintf(os.Stderr, "analyze %s: %v\n", name, err)
			failed = true
			continue
		}
		results = append(results, res)
	}

	if *asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		var encErr error
		if len(results) == 1 {
			encErr = enc.Encode(results[0])
		} else {
			encErr = enc.Encode(results)
		}
		if encErr != nil {
			fmt.Fprintf(os.Stderr, "encode results: %v\n", encErr)
			failed = true
		}
	} else {
		for _, res := range results {
			printResult(res)
		}
	}

	_ = a.Close()
	if failed {
		os.Exit(1)
	}
}

func printResult(res *analysis.Result) {
	fmt.Printf("%s  [%s]  content=%s context=%s\n", res.Workflow, res.CacheState, res.ContentHash, res.ContextHash)
	s := res.Summary
	fmt.Printf("  packs: %d resolved, %d ambiguous, %d unresolved, %d ignored\n",
		s.PacksResolved, s.PacksAmbiguous, s.PacksUnresolved, s.PacksIgnored)
	fmt.Printf("  models: %d resolved, %d ambiguous, %d unresolved (%d required missing)\n",
		s.ModelsResolved, s.ModelsAmbiguous, s.ModelsUnresolved, s.MissingRequired)
	for _, p := range res.Resolution.Packs {
		if p.Status == resolve.StatusResolved || p.Ignored {
			continue
		}
		fmt.Printf("  ! pack %s: %s (%d candidates)\n", p.NodeType, p.Status, len(p.Candidates))
	}
	for _, m := range res.Resolution.Models {
		if m.Status == resolve.StatusResolved {
			continue
		}
		fmt.Printf("  ! model %s: %s (node %s, %d candidates)\n", m.Raw, m.Status, m.NodeID, len(m.Candidates))
	}
}

func scanCmd(args []string) {
	fs := flag.NewFlagSet("scan", flag.ExitOnError)
	cfgPath := fs.String("config", config.DefaultConfigPath(), "Config file path")
	_ = fs.Parse(args)

	a := openApp(*cfgPath)

	res, err := a.Scan(signalContext())
	if err != nil {
		fmt.Fprintf(os.Stderr, "scan failed: %v\n", err)
		_ = a.Close()
		os.Exit(1)
	}
	fmt.Printf("scan #%d: %d seen, %d hashed, %d reused, %d skipped, %d pruned (%d ms)\n",
		res.ScanID, res.Seen, res.Hashed, res.Reused, res.Skipped, res.Pruned, res.DurationMs)
	_ = a.Close()
}

func invalidateCmd(args []string) {
	fs := flag.NewFlagSet("invalidate", flag.ExitOnError)
	cfgPath := fs.String("config", config.DefaultConfigPath(), "Config file path")
	all := fs.Bool("all", false, "Drop every cached analysis for the environment")
	_ = fs.Parse(args)

	a := openApp(*cfgPath)
	ctx := context.Background()

	if *all {
		n, err := a.InvalidateAll(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "invalidate failed: %v\n", err)
			_ = a.Close()
			os.Exit(1)
		}
		fmt.Printf("%d cached analyses dropped\n", n)
		_ = a.Close()
		return
	}

	if fs.NArg() != 1 {
		fs.Usage()
		os.Exit(2)
	}
	name := fs.Arg(0)
	if err := a.Invalidate(ctx, name); err != nil {
		fmt.Fprintf(os.Stderr, "invalidate failed: %v\n", err)
		_ = a.Close()
		os.Exit(1)
	}
	fmt.Printf("cached analysis dropped: %s\n", name)
	_ = a.Close()
}
