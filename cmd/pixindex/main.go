package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/dshills/pixindex/internal/config"
	"github.com/dshills/pixindex/internal/phash"
	"github.com/dshills/pixindex/internal/store"
	"github.com/dshills/pixindex/internal/task"
	"github.com/dshills/pixindex/internal/workspace"
)

var (
	version   = "dev"
	buildTime = "unknown"
)

func usage() {
	fmt.Fprintf(os.Stderr, `pixindex - incremental image indexing

Usage:
  pixindex workspaces                      list workspaces
  pixindex create <name> [task ...]        create a workspace
  pixindex use <workspace-id>              select the current workspace
  pixindex add <path> [flags]              add a path to the current workspace
  pixindex refresh                         re-scan the current workspace
  pixindex index [task]                    run pending work (default: all subscribed tasks)
  pixindex status                          show catalog and coverage stats
  pixindex --version                       print build information

Environment:
  PIXINDEX_CONFIG   path to the global config file (default %s)

Flags for add:
  -recursive        descend into subdirectories
  -include globs    comma-separated include globs (base names)
  -exclude globs    comma-separated exclude globs (base names)
  -note text        free-form note attached to the record
`, config.DefaultConfigPath)
}

func main() {
	// Handle version flag
	if len(os.Args) > 1 && os.Args[1] == "--version" {
		fmt.Printf("pixindex\n")
		fmt.Printf("Version: %s\n", version)
		fmt.Printf("Build Time: %s\n", buildTime)
		fmt.Printf("Build Mode: %s\n", store.BuildMode)
		fmt.Printf("SQLite Driver: %s\n", store.DriverName)
		os.Exit(0)
	}

	log.SetOutput(os.Stderr)

	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	registry, err := config.LoadRegistry(os.Getenv("PIXINDEX_CONFIG"))
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	manager, err := workspace.NewManager(registry)
	if err != nil {
		log.Fatalf("Failed to initialize workspaces: %v", err)
	}
	defer func() { _ = manager.Close() }()

	// Cancel in-flight work on SIGINT/SIGTERM; batches observe the context
	// between images so interrupted work stays resumable.
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	cmd, args := os.Args[1], os.Args[2:]
	if err := run(ctx, cmd, args, registry, manager); err != nil {
		log.Fatalf("%s: %v", cmd, err)
	}
}

func run(ctx context.Context, cmd string, args []string, registry *config.Registry, manager *workspace.Manager) error {
	switch cmd {
	case "workspaces":
		return cmdWorkspaces(registry, manager)
	case "create":
		return cmdCreate(registry, manager, args)
	case "use":
		return cmdUse(registry, manager, args)
	case "add":
		return cmdAdd(ctx, registry, manager, args)
	case "refresh":
		return cmdRefresh(ctx, registry, manager)
	case "index":
		return cmdIndex(ctx, registry, manager, args)
	case "status":
		return cmdStatus(ctx, registry, manager)
	default:
		usage()
		return fmt.Errorf("unknown command %q", cmd)
	}
}

func currentWorkspace(registry *config.Registry, manager *workspace.Manager) (workspace.Config, error) {
	id := registry.CurrentWorkspaceID()
	if id == "" {
		return workspace.Config{}, fmt.Errorf("no workspace selected; run 'pixindex use <workspace-id>'")
	}
	return manager.GetWorkspace(id)
}

func cmdWorkspaces(registry *config.Registry, manager *workspace.Manager) error {
	current := registry.CurrentWorkspaceID()
	for _, cfg := range manager.ListWorkspaces() {
		marker := " "
		if cfg.ID == current {
			marker = "*"
		}
		fmt.Printf("%s %s  %s  tasks=%v\n", marker, cfg.ID, cfg.Name, cfg.Tasks)
	}
	return nil
}

func cmdCreate(registry *config.Registry, manager *workspace.Manager, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: pixindex create <name> [task ...]")
	}
	name, tasks := args[0], args[1:]
	for _, t := range tasks {
		if _, ok := registry.Task(t); !ok {
			return fmt.Errorf("unknown task %q", t)
		}
	}

	cfg, err := manager.CreateWorkspace(name, tasks)
	if err != nil {
		return err
	}
	fmt.Printf("created workspace %s (%s)\n", cfg.Name, cfg.ID)
	return registry.SetCurrentWorkspaceID(cfg.ID)
}

func cmdUse(registry *config.Registry, manager *workspace.Manager, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: pixindex use <workspace-id>")
	}
	cfg, err := manager.GetWorkspace(args[0])
	if err != nil {
		return err
	}
	if err := registry.SetCurrentWorkspaceID(cfg.ID); err != nil {
		return err
	}
	fmt.Printf("using workspace %s (%s)\n", cfg.Name, cfg.ID)
	return nil
}

func cmdAdd(ctx context.Context, registry *config.Registry, manager *workspace.Manager, args []string) error {
	fs := flag.NewFlagSet("add", flag.ExitOnError)
	recursive := fs.Bool("recursive", false, "descend into subdirectories")
	include := fs.String("include", "", "comma-separated include globs (base names)")
	exclude := fs.String("exclude", "", "comma-separated exclude globs (base names)")
	note := fs.String("note", "", "free-form note attached to the record")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("usage: pixindex add <path> [flags]")
	}

	cfg, err := currentWorkspace(registry, manager)
	if err != nil {
		return err
	}

	opts := workspace.AddOptions{
		Recursive:       *recursive,
		IncludePatterns: splitList(*include),
		ExcludePatterns: splitList(*exclude),
		Note:            *note,
	}
	recordID, count, err := manager.AddPath(ctx, cfg.ID, fs.Arg(0), opts)
	if err != nil {
		return err
	}
	fmt.Printf("record %d: cataloged %d images\n", recordID, count)
	return nil
}

func cmdRefresh(ctx context.Context, registry *config.Registry, manager *workspace.Manager) error {
	cfg, err := currentWorkspace(registry, manager)
	if err != nil {
		return err
	}
	count, err := manager.RefreshWorkspace(ctx, cfg.ID)
	if err != nil {
		return err
	}
	fmt.Printf("refreshed %d images\n", count)
	return nil
}

func cmdIndex(ctx context.Context, registry *config.Registry, manager *workspace.Manager, args []string) error {
	cfg, err := currentWorkspace(registry, manager)
	if err != nil {
		return err
	}

	tasks := cfg.Tasks
	if len(args) == 1 {
		tasks = args[:1]
	} else if len(args) > 1 {
		return fmt.Errorf("usage: pixindex index [task]")
	}

	dir, err := manager.WorkspaceDir(cfg.ID)
	if err != nil {
		return err
	}

	tm := task.NewManager(
		[]task.Executor{phash.NewExecutor(0)},
		[]task.Database{phash.NewDatabase()},
		workspace.NewCoordinator(manager),
	)

	for _, name := range tasks {
		tctx := task.Context{WorkspaceID: cfg.ID, TaskName: name, WorkspaceDir: dir}
		if err := tm.RunTaskForWorkspace(ctx, tctx); err != nil {
			return fmt.Errorf("task %s: %w", name, err)
		}
		log.Printf("task %s complete for workspace %s", name, cfg.ID)
	}
	return nil
}

func cmdStatus(ctx context.Context, registry *config.Registry, manager *workspace.Manager) error {
	cfg, err := currentWorkspace(registry, manager)
	if err != nil {
		return err
	}
	stats, err := manager.Stats(ctx, cfg.ID)
	if err != nil {
		return err
	}
	fmt.Printf("workspace %s (%s)\n", cfg.Name, cfg.ID)
	fmt.Printf("  records: %d\n", stats.TotalRecords)
	fmt.Printf("  images:  %d\n", stats.TotalImages)
	fmt.Printf("  indexed: %d\n", stats.IndexedImages)

	coverage, err := manager.RecordStats(ctx, cfg.ID)
	if err != nil {
		return err
	}
	for recordID, cov := range coverage {
		fmt.Printf("  record %d: %d/%d done\n", recordID, cov.IndexedImages, cov.TotalImages)
	}
	return nil
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
