package pipeline

import (
	"archive/zip"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/flate"
)

// collectExts are the output file types gathered into the result archive.
var collectExts = map[string]bool{".md": true, ".markdown": true, ".txt": true}

// collectOutputs walks root and returns the relative paths of conversion
// output files, skipping the pipeline's own artifacts.
func collectOutputs(root string, skip map[string]bool) ([]string, error) {
	var files []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		if skip[rel] {
			return nil
		}
		if collectExts[strings.ToLower(filepath.Ext(rel))] {
			files = append(files, rel)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("collect outputs: %w", err)
	}
	return files, nil
}

// writeArchive packages the named files (relative to root) into a ZIP at
// destPath. Deflate goes through klauspost's flate at BestSpeed.
func writeArchive(destPath, root string, files []string) (int64, error) {
	out, err := os.OpenFile(destPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return 0, fmt.Errorf("create output archive: %w", err)
	}

	zw := zip.NewWriter(out)
	zw.RegisterCompressor(zip.Deflate, func(w io.Writer) (io.WriteCloser, error) {
		return flate.NewWriter(w, flate.BestSpeed)
	})

	for _, rel := range files {
		fw, err := zw.Create(filepath.ToSlash(rel))
		if err != nil {
			zw.Close()
			out.Close()
			return 0, fmt.Errorf("add %s: %w", rel, err)
		}
		src, err := os.Open(filepath.Join(root, rel))
		if err != nil {
			zw.Close()
			out.Close()
			return 0, fmt.Errorf("open %s: %w", rel, err)
		}
		_, copyErr := io.Copy(fw, src)
		src.Close()
		if copyErr != nil {
			zw.Close()
			out.Close()
			return 0, fmt.Errorf("write %s: %w", rel, copyErr)
		}
	}

	if err := zw.Close(); err != nil {
		out.Close()
		return 0, fmt.Errorf("finalize output archive: %w", err)
	}
	if err := out.Close(); err != nil {
		return 0, fmt.Errorf("close output archive: %w", err)
	}

	info, err := os.Stat(destPath)
	if err != nil {
		return 0, fmt.Errorf("stat output archive: %w", err)
	}
	return info.Size(), nil
}
