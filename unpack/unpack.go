// Package unpack streams entries out of a validated ZIP archive into a
// workspace while enforcing per-entry and cumulative safety limits: path
// containment, symlink rejection, name sanitization, entry count and depth
// ceilings, and a decompression budget checked while bytes are written, not
// after.
//
// Extraction does not partially succeed: the first violation stops the loop
// and the orchestrator discards the workspace, partial tree included.
package unpack

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"archive/zip"

	"github.com/hazyhaar/doccmill/archsafe"
	"github.com/hazyhaar/doccmill/workspace"
)

// Config bounds one extraction run.
type Config struct {
	// MaxEntries caps the number of entries (default 5000 — DocC archives
	// legitimately carry thousands of small files).
	MaxEntries int

	// MaxDepth caps the path depth of any entry (default 32).
	MaxDepth int

	// MaxDecompressedBytes is the absolute cumulative cap (default 500 MiB).
	MaxDecompressedBytes int64

	// MaxRatio caps cumulative decompressed bytes at
	// compressedSize * MaxRatio (default 5). The effective budget is the
	// smaller of the two limits.
	MaxRatio int64

	// RejectHidden rejects dot-prefixed entries. Off by default; macOS
	// resource forks (._name) are always allowed regardless.
	RejectHidden bool

	// AllowNested permits entries that are themselves ZIP containers.
	// Off by default: nested archives are a common bomb and evasion vector.
	AllowNested bool

	Logger *slog.Logger
}

func (c *Config) defaults() {
	if c.MaxEntries <= 0 {
		c.MaxEntries = 5000
	}
	if c.MaxDepth <= 0 {
		c.MaxDepth = 32
	}
	if c.MaxDecompressedBytes <= 0 {
		c.MaxDecompressedBytes = 500 * 1024 * 1024
	}
	if c.MaxRatio <= 0 {
		c.MaxRatio = 5
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Budget tracks the mutable counters of one extraction run.
type Budget struct {
	Limit    int64 // effective decompressed-byte ceiling for this archive
	Written  int64 // cumulative decompressed bytes written so far
	Entries  int
	MaxDepth int // deepest entry path seen
}

// Result summarizes a completed extraction.
type Result struct {
	Entries  int
	Bytes    int64
	MaxDepth int
}

// Extractor populates workspaces from untrusted archives.
type Extractor struct {
	cfg Config
}

// New creates an extractor. The zero Config applies all defaults.
func New(cfg Config) *Extractor {
	cfg.defaults()
	return &Extractor{cfg: cfg}
}

// nestedProbeSize is how many leading bytes of each entry are inspected for
// an embedded container signature.
const nestedProbeSize = 4

// Extract streams the archive at archivePath into destRoot, which must be an
// empty directory inside the request's workspace. Any violation aborts the
// run immediately with the partial tree left for the caller's workspace
// release to discard.
func (e *Extractor) Extract(ctx context.Context, archivePath, destRoot string) (*Result, error) {
	zr, err := zip.OpenReader(archivePath)
	if err != nil {
		return nil, &archsafe.ValidationError{
			Reason: archsafe.ReasonBadSignature,
			Detail: "archive cannot be opened: " + err.Error(),
		}
	}
	defer zr.Close()

	info, err := os.Stat(archivePath)
	if err != nil {
		return nil, fmt.Errorf("stat archive: %w", err)
	}

	budget := &Budget{Limit: e.budgetLimit(info.Size())}
	if err := os.MkdirAll(destRoot, workspace.DirMode); err != nil {
		return nil, fmt.Errorf("create extraction root: %w", err)
	}

	for _, f := range zr.File {
		// Client disconnects must stop extraction mid-archive, not after.
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := e.extractEntry(f, destRoot, budget); err != nil {
			return nil, err
		}
	}

	e.cfg.Logger.Debug("extraction complete",
		"entries", budget.Entries, "bytes", budget.Written, "max_depth", budget.MaxDepth)
	return &Result{Entries: budget.Entries, Bytes: budget.Written, MaxDepth: budget.MaxDepth}, nil
}

func (e *Extractor) extractEntry(f *zip.File, destRoot string, budget *Budget) error {
	// Symlinks are rejected wholesale, never materialized. This removes the
	// escape-via-link class entirely.
	if f.Mode()&os.ModeSymlink != 0 {
		return &archsafe.Violation{
			Reason: archsafe.ReasonSymlink,
			Entry:  f.Name,
			Detail: "symlink entry",
		}
	}

	// Encrypted entries cannot be inspected and are not supported.
	if f.Flags&0x1 != 0 {
		return &archsafe.Violation{
			Reason: archsafe.ReasonEncryptedEntry,
			Entry:  f.Name,
			Detail: "encrypted entry",
		}
	}

	if err := archsafe.SanitizeEntryName(f.Name, e.cfg.RejectHidden); err != nil {
		return err
	}

	budget.Entries++
	if budget.Entries > e.cfg.MaxEntries {
		return &archsafe.Violation{
			Reason: archsafe.ReasonCountLimit,
			Entry:  f.Name,
			Detail: fmt.Sprintf("more than %d entries", e.cfg.MaxEntries),
		}
	}

	depth := archsafe.Depth(f.Name)
	if depth > e.cfg.MaxDepth {
		return &archsafe.Violation{
			Reason: archsafe.ReasonDepthLimit,
			Entry:  f.Name,
			Detail: fmt.Sprintf("path depth %d exceeds %d", depth, e.cfg.MaxDepth),
		}
	}
	if depth > budget.MaxDepth {
		budget.MaxDepth = depth
	}

	// The containment check runs on the resolved path, not the raw name.
	target, err := archsafe.SafePath(destRoot, f.Name)
	if err != nil {
		return err
	}

	if f.FileInfo().IsDir() {
		if err := os.MkdirAll(target, workspace.DirMode); err != nil {
			return fmt.Errorf("create directory %s: %w", f.Name, err)
		}
		return nil
	}

	// Bomb check, phase 1: the declared size alone may already bust the
	// budget. Rejecting here means a 1 MB entry claiming 10 GB never writes
	// a byte.
	declared := int64(f.UncompressedSize64)
	if declared < 0 || budget.Written+declared > budget.Limit {
		return &archsafe.Violation{
			Reason: archsafe.ReasonBombRatio,
			Entry:  f.Name,
			Detail: fmt.Sprintf("decompressed size would exceed budget of %d bytes", budget.Limit),
		}
	}

	if err := os.MkdirAll(filepath.Dir(target), workspace.DirMode); err != nil {
		return fmt.Errorf("create parent for %s: %w", f.Name, err)
	}

	written, err := e.writeEntry(f, target, budget.Limit-budget.Written)
	budget.Written += written
	return err
}

// writeEntry decompresses one entry to target, allowing at most remaining
// bytes. Returns the byte count actually written so the caller can charge
// the budget even on failure.
func (e *Extractor) writeEntry(f *zip.File, target string, remaining int64) (int64, error) {
	rc, err := f.Open()
	if err != nil {
		return 0, fmt.Errorf("open entry %s: %w", f.Name, err)
	}
	defer rc.Close()

	// Nested-archive probe on the first bytes of the decompressed stream,
	// so a bomb renamed to .md is still caught.
	probe := make([]byte, nestedProbeSize)
	n, err := io.ReadFull(rc, probe)
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
		return 0, fmt.Errorf("read entry %s: %w", f.Name, err)
	}
	probe = probe[:n]

	if !e.cfg.AllowNested && (archsafe.IsArchive(probe) || strings.EqualFold(filepath.Ext(f.Name), ".zip")) {
		return 0, &archsafe.Violation{
			Reason: archsafe.ReasonNestedArchive,
			Entry:  f.Name,
			Detail: "entry is itself an archive",
		}
	}

	// O_EXCL: entry names are unique within a well-formed archive, and a
	// duplicate means two entries raced for one path.
	out, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_EXCL, workspace.FileMode)
	if err != nil {
		return 0, fmt.Errorf("create %s: %w", f.Name, err)
	}
	defer out.Close()

	// Bomb check, phase 2: cap the stream itself. A header that lies about
	// its uncompressed size gets one extra byte of rope before rejection,
	// never the whole budget.
	declared := int64(f.UncompressedSize64)
	allowed := declared
	if remaining < allowed {
		allowed = remaining
	}

	written := int64(0)
	if _, err := out.Write(probe); err != nil {
		return 0, fmt.Errorf("write %s: %w", f.Name, err)
	}
	written += int64(len(probe))

	n64, err := io.Copy(out, io.LimitReader(rc, allowed-written+1))
	written += n64
	if err != nil {
		return written, fmt.Errorf("write %s: %w", f.Name, err)
	}
	if written > allowed {
		return written, &archsafe.Violation{
			Reason: archsafe.ReasonBombRatio,
			Entry:  f.Name,
			Detail: "decompressed stream exceeds declared size",
		}
	}
	return written, nil
}

func (e *Extractor) budgetLimit(compressedSize int64) int64 {
	byRatio := compressedSize * e.cfg.MaxRatio
	if byRatio < e.cfg.MaxDecompressedBytes && byRatio > 0 {
		return byRatio
	}
	return e.cfg.MaxDecompressedBytes
}
