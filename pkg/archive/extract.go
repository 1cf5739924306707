// Copyright 2026 OverTheLex
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package archive unpacks registry archives. Entries stream to disk, nested
// archives are unpacked in place and removed, and the caller gets back only
// the paths of plain data files.
package archive

import (
	"archive/zip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/gzip"
)

// maxDepth bounds nested-archive recursion. Real registries nest at most two
// levels; anything deeper is treated as malformed.
const maxDepth = 5

// Extract unpacks the archive at archivePath into targetDir and returns the
// relative paths of all extracted non-archive files. Nested archives are
// recursively unpacked into the same target directory and deleted afterwards.
// Directory entries are skipped, symlinks are ignored and name collisions are
// resolved last-writer-wins.
func Extract(archivePath, targetDir string) ([]string, error) {
	if err := os.MkdirAll(targetDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating %s: %w", targetDir, err)
	}
	files, err := extract(archivePath, targetDir, 0)
	if err != nil {
		return nil, err
	}
	return dedup(files), nil
}

func extract(archivePath, targetDir string, depth int) ([]string, error) {
	if depth >= maxDepth {
		return nil, fmt.Errorf("extracting %s: nested archives exceed depth %d", archivePath, maxDepth)
	}

	var entries []string
	var err error
	switch {
	case hasExt(archivePath, ".zip"):
		entries, err = extractZip(archivePath, targetDir)
	case hasExt(archivePath, ".gz"):
		entries, err = extractGzip(archivePath, targetDir)
	default:
		return nil, fmt.Errorf("extracting %s: not a supported archive", archivePath)
	}
	if err != nil {
		return nil, err
	}

	var files []string
	for _, rel := range entries {
		if !isArchive(rel) {
			files = append(files, rel)
			continue
		}
		nestedPath := filepath.Join(targetDir, rel)
		nested, err := extract(nestedPath, targetDir, depth+1)
		if err != nil {
			return nil, err
		}
		if err := os.Remove(nestedPath); err != nil {
			return nil, fmt.Errorf("removing nested archive %s: %w", nestedPath, err)
		}
		files = append(files, nested...)
	}
	return files, nil
}

func extractZip(archivePath, targetDir string) ([]string, error) {
	zr, err := zip.OpenReader(archivePath)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", archivePath, err)
	}
	defer zr.Close()

	var entries []string
	for _, f := range zr.File {
		if f.FileInfo().IsDir() || f.Mode()&os.ModeSymlink != 0 {
			continue
		}
		rel, err := safeRel(f.Name)
		if err != nil {
			return nil, fmt.Errorf("extracting %s: %w", archivePath, err)
		}
		if err := writeEntry(f, filepath.Join(targetDir, rel)); err != nil {
			return nil, fmt.Errorf("extracting %s: %w", archivePath, err)
		}
		entries = append(entries, rel)
	}
	return entries, nil
}

func writeEntry(f *zip.File, target string) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}
	rc, err := f.Open()
	if err != nil {
		return fmt.Errorf("entry %s: %w", f.Name, err)
	}
	defer rc.Close()
	out, err := os.Create(target)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, rc); err != nil {
		out.Close()
		return fmt.Errorf("entry %s: %w", f.Name, err)
	}
	return out.Close()
}

// extractGzip decompresses a single-member gzip file next to itself, dropping
// the .gz suffix.
func extractGzip(archivePath, targetDir string) ([]string, error) {
	in, err := os.Open(archivePath)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", archivePath, err)
	}
	defer in.Close()
	gz, err := gzip.NewReader(in)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", archivePath, err)
	}
	defer gz.Close()

	rel, err := filepath.Rel(targetDir, strings.TrimSuffix(archivePath, filepath.Ext(archivePath)))
	if err != nil || strings.HasPrefix(rel, "..") {
		return nil, fmt.Errorf("gzip member %s escapes target directory", archivePath)
	}
	target := filepath.Join(targetDir, rel)
	out, err := os.Create(target)
	if err != nil {
		return nil, err
	}
	if _, err := io.Copy(out, gz); err != nil {
		out.Close()
		return nil, fmt.Errorf("decompressing %s: %w", archivePath, err)
	}
	if err := out.Close(); err != nil {
		return nil, err
	}
	return []string{rel}, nil
}

// safeRel normalizes a zip entry name and rejects entries that would escape
// the extraction root.
func safeRel(name string) (string, error) {
	rel := filepath.FromSlash(name)
	if filepath.IsAbs(rel) {
		return "", fmt.Errorf("entry %q has an absolute path", name)
	}
	rel = filepath.Clean(rel)
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("entry %q escapes the extraction root", name)
	}
	return rel, nil
}

func isArchive(name string) bool {
	return hasExt(name, ".zip") || hasExt(name, ".gz")
}

func hasExt(name, ext string) bool {
	return strings.EqualFold(filepath.Ext(name), ext)
}

func dedup(files []string) []string {
	seen := make(map[string]bool, len(files))
	out := files[:0]
	for _, f := range files {
		if !seen[f] {
			seen[f] = true
			out = append(out, f)
		}
	}
	return out
}
