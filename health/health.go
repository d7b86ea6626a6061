// Package health implements the service health report: conversion tool
// availability, free disk space under the workspace base, and workspace
// writability. The report degrades rather than fails: each check carries its
// own status and the overall status is the worst of them.
package health

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/sys/unix"

	"github.com/hazyhaar/doccmill/sandbox"
)

// Status of a single check or of the whole report.
type Status string

const (
	StatusOK    Status = "ok"
	StatusWarn  Status = "warn"
	StatusError Status = "error"
)

// worse reports whether a outranks b in severity.
func worse(a, b Status) bool {
	rank := map[Status]int{StatusOK: 0, StatusWarn: 1, StatusError: 2}
	return rank[a] > rank[b]
}

// Check is one named probe result.
type Check struct {
	Name   string `json:"name"`
	Status Status `json:"status"`
	Detail string `json:"detail,omitempty"`
}

// Report aggregates all checks.
type Report struct {
	Status Status  `json:"status"`
	Checks []Check `json:"checks"`
}

// Config for the checker. Zero thresholds get defaults: 1GiB error, 5GiB warn.
type Config struct {
	Executor      *sandbox.Executor
	WorkspaceBase string

	DiskErrorBytes uint64
	DiskWarnBytes  uint64
	ToolTimeout    time.Duration
}

// Checker runs the health probes.
type Checker struct {
	cfg Config
}

// New creates a checker.
func New(cfg Config) *Checker {
	if cfg.DiskErrorBytes == 0 {
		cfg.DiskErrorBytes = 1 << 30
	}
	if cfg.DiskWarnBytes == 0 {
		cfg.DiskWarnBytes = 5 << 30
	}
	if cfg.ToolTimeout == 0 {
		cfg.ToolTimeout = 10 * time.Second
	}
	return &Checker{cfg: cfg}
}

// Run executes all probes and aggregates them into a report.
func (c *Checker) Run(ctx context.Context) Report {
	report := Report{Status: StatusOK}
	for _, check := range []Check{
		c.checkTool(ctx),
		c.checkDisk(),
		c.checkWorkspace(),
	} {
		report.Checks = append(report.Checks, check)
		if worse(check.Status, report.Status) {
			report.Status = check.Status
		}
	}
	return report
}

func (c *Checker) checkTool(ctx context.Context) Check {
	check := Check{Name: "conversion_tool"}
	if c.cfg.Executor == nil {
		check.Status = StatusError
		check.Detail = "no executor configured"
		return check
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.ToolTimeout)
	defer cancel()

	res, err := c.cfg.Executor.Version(ctx)
	if err != nil {
		check.Status = StatusError
		check.Detail = fmt.Sprintf("version probe failed: %v", err)
		return check
	}
	if !res.Success() {
		check.Status = StatusError
		check.Detail = fmt.Sprintf("version probe exited %d", res.ExitCode)
		return check
	}
	check.Status = StatusOK
	check.Detail = strings.TrimSpace(res.Stdout)
	return check
}

func (c *Checker) checkDisk() Check {
	check := Check{Name: "disk_space"}

	var st unix.Statfs_t
	if err := unix.Statfs(c.cfg.WorkspaceBase, &st); err != nil {
		check.Status = StatusError
		check.Detail = fmt.Sprintf("statfs: %v", err)
		return check
	}
	free := st.Bavail * uint64(st.Bsize)

	switch {
	case free < c.cfg.DiskErrorBytes:
		check.Status = StatusError
	case free < c.cfg.DiskWarnBytes:
		check.Status = StatusWarn
	default:
		check.Status = StatusOK
	}
	check.Detail = fmt.Sprintf("%d MB free", free>>20)
	return check
}

func (c *Checker) checkWorkspace() Check {
	check := Check{Name: "workspace"}

	probe := filepath.Join(c.cfg.WorkspaceBase, ".health-probe")
	f, err := os.OpenFile(probe, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		check.Status = StatusError
		check.Detail = fmt.Sprintf("workspace base not writable: %v", err)
		return check
	}
	f.Close()
	os.Remove(probe)

	check.Status = StatusOK
	return check
}
