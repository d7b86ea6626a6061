// Command wssweep removes orphaned conversion workspaces left behind by
// crashed or killed doccmill processes.
//
// Usage:
//
//	wssweep -base workspaces                  # sweep with defaults
//	wssweep -base workspaces -min-age 0s     # sweep everything, regardless of age
//	wssweep -base workspaces -dry-run        # list candidates without removing
package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/hazyhaar/doccmill/workspace"
)

func main() {
	base := flag.String("base", "workspaces", "workspace base directory")
	prefix := flag.String("prefix", "doccmill", "workspace directory prefix")
	minAge := flag.Duration("min-age", time.Hour, "minimum age before a workspace is considered orphaned")
	dryRun := flag.Bool("dry-run", false, "list sweep candidates without removing them")
	logLevel := flag.String("log-level", "info", "log level: debug, info, warn, error")
	flag.Parse()

	var level slog.Level
	switch *logLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	if err := run(logger, *base, *prefix, *minAge, *dryRun); err != nil {
		logger.Error("wssweep: fatal", "error", err)
		os.Exit(1)
	}
}

func run(logger *slog.Logger, base, prefix string, minAge time.Duration, dryRun bool) error {
	if _, err := os.Stat(base); err != nil {
		return fmt.Errorf("base directory: %w", err)
	}

	if dryRun {
		return listCandidates(base, prefix, minAge)
	}

	m := workspace.NewManager(base, prefix, workspace.WithLogger(logger))
	swept, err := m.Sweep(minAge)
	if err != nil {
		return err
	}
	logger.Info("sweep complete", "removed", swept, "base", base)
	return nil
}

func listCandidates(base, prefix string, minAge time.Duration) error {
	entries, err := os.ReadDir(base)
	if err != nil {
		return err
	}
	cutoff := time.Now().Add(-minAge)
	for _, e := range entries {
		if !e.IsDir() || !strings.HasPrefix(e.Name(), prefix+"-") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			fmt.Println(filepath.Join(base, e.Name()))
		}
	}
	return nil
}
