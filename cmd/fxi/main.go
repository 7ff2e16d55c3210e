// Command fxi builds, queries and serves persistent code-search indexes.
//
// The heavy lifting lives in the internal packages; this entry point only
// routes subcommands.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/marlboro-red/fxi/internal/appdir"
	"github.com/marlboro-red/fxi/internal/config"
	"github.com/marlboro-red/fxi/internal/index"
	"github.com/marlboro-red/fxi/internal/server"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "fxi:", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	if len(args) == 0 {
		usage()
		return nil
	}

	cfgPath, err := appdir.ConfigPath()
	if err != nil {
		return err
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Warn("using default configuration", "error", err)
	}

	cmd, rest := args[0], args[1:]
	switch cmd {
	case "index":
		return cmdIndex(cfg, rest)
	case "search":
		return cmdSearch(rest)
	case "grep":
		return cmdGrep(rest)
	case "daemon":
		return cmdDaemon(cfg, rest)
	case "status":
		return cmdStatus()
	case "reload":
		return cmdReload(rest)
	case "compact":
		return cmdCompact(rest)
	case "list":
		return cmdList()
	case "remove":
		return cmdRemove(rest)
	case "stop":
		return server.NewClient("").Shutdown()
	default:
		usage()
		return fmt.Errorf("unknown command %q", cmd)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage: fxi <command> [args]

  index [path]          build or rebuild the index for a codebase
  search <query> [path] query the index via the daemon
  grep <pattern> [path] content search via the daemon
  daemon                run the query daemon in the foreground
  status                show daemon statistics
  reload [path]         drop and re-open a cached index
  compact [path]        merge delta segments into one base segment
  list                  list indexed codebases
  remove [path]         delete the index for a codebase
  stop                  shut the daemon down`)
}

func resolveRoot(args []string) (string, error) {
	start := "."
	if len(args) > 0 {
		start = args[0]
	}
	return appdir.FindCodebaseRoot(start)
}

func cmdIndex(cfg config.Config, args []string) error {
	root, err := resolveRoot(args)
	if err != nil {
		return err
	}
	indexDir, err := appdir.IndexDir(root)
	if err != nil {
		return err
	}
	builder := index.NewBuilder(cfg.Index, nil, slog.Default())
	stats, err := builder.Build(context.Background(), root, indexDir)
	if err != nil {
		return err
	}
	fmt.Printf("indexed %d files (%d skipped) in %d segments, %s\n",
		stats.FilesIndexed, stats.FilesSkipped, stats.Segments, stats.Duration.Round(1e6))
	return nil
}

func cmdSearch(args []string) error {
	fs := flag.NewFlagSet("search", flag.ContinueOnError)
	limit := fs.Int("n", 50, "maximum results")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() == 0 {
		return fmt.Errorf("search wants a query")
	}
	root, err := resolveRoot(fs.Args()[1:])
	if err != nil {
		return err
	}

	resp, err := server.NewClient("").Search(fs.Arg(0), root, *limit)
	if err != nil {
		return err
	}
	for _, m := range resp.Matches {
		fmt.Printf("%s:%d  (%.2f)\n", m.Path, m.LineNumber, m.Score)
	}
	fmt.Printf("%d matches in %.1fms (cached=%v)\n", len(resp.Matches), resp.DurationMS, resp.Cached)
	return nil
}

func cmdGrep(args []string) error {
	fs := flag.NewFlagSet("grep", flag.ContinueOnError)
	limit := fs.Int("n", 100, "maximum results")
	before := fs.Int("B", 0, "context lines before")
	after := fs.Int("A", 0, "context lines after")
	ignoreCase := fs.Bool("i", false, "case insensitive")
	filesOnly := fs.Bool("l", false, "list files only")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() == 0 {
		return fmt.Errorf("grep wants a pattern")
	}
	root, err := resolveRoot(fs.Args()[1:])
	if err != nil {
		return err
	}

	resp, err := server.NewClient("").ContentSearch(fs.Arg(0), root, *limit, server.ContentSearchOptions{
		ContextBefore:   *before,
		ContextAfter:    *after,
		CaseInsensitive: *ignoreCase,
		FilesOnly:       *filesOnly,
	})
	if err != nil {
		return err
	}
	seen := map[string]bool{}
	for _, m := range resp.Matches {
		if *filesOnly {
			if !seen[m.Path] {
				seen[m.Path] = true
				fmt.Println(m.Path)
			}
			continue
		}
		fmt.Printf("%s:%d:%s\n", m.Path, m.LineNumber, m.LineContent)
	}
	fmt.Printf("%d files with matches in %.1fms\n", resp.FilesWithMatches, resp.DurationMS)
	return nil
}

func cmdDaemon(cfg config.Config, args []string) error {
	fs := flag.NewFlagSet("daemon", flag.ContinueOnError)
	socket := fs.String("socket", "", "socket path override")
	if err := fs.Parse(args); err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	return server.NewDaemon(*socket, cfg, slog.Default()).Run(ctx)
}

func cmdStatus() error {
	status, err := server.NewClient("").Status()
	if err != nil {
		return err
	}
	fmt.Printf("uptime: %ds\nindexes: %d (%d docs)\nqueries: %d (%.0f%% cache hits)\nmemory: %d MiB\n",
		status.UptimeSecs, status.IndexesLoaded, status.TotalDocs,
		status.QueriesServed, status.CacheHitRate*100, status.MemoryBytes>>20)
	for _, root := range status.LoadedRoots {
		fmt.Println("  ", root)
	}
	return nil
}

func cmdReload(args []string) error {
	root, err := resolveRoot(args)
	if err != nil {
		return err
	}
	resp, err := server.NewClient("").Reload(root)
	if err != nil {
		return err
	}
	fmt.Println(resp.Message)
	return nil
}

func cmdCompact(args []string) error {
	root, err := resolveRoot(args)
	if err != nil {
		return err
	}
	indexDir, err := appdir.IndexDir(root)
	if err != nil {
		return err
	}
	return index.Compact(indexDir, slog.Default())
}

func cmdList() error {
	locations, err := appdir.ListIndexes()
	if err != nil {
		return err
	}
	for _, loc := range locations {
		fmt.Println(loc.RootPath)
	}
	return nil
}

func cmdRemove(args []string) error {
	root, err := resolveRoot(args)
	if err != nil {
		return err
	}
	return appdir.RemoveIndex(root)
}
