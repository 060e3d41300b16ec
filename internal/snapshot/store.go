// Package snapshot archives workspaces before a session runs and restores
// them afterwards.
package snapshot

import (
	"archive/tar"
	"bufio"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/gobwas/glob"
	"github.com/klauspost/compress/gzip"

	"github.com/zenclaude/zenclaude/internal/domain"
)

// alwaysExclude names directory entries never worth snapshotting: VCS
// metadata, dependency trees and build output.
var alwaysExclude = map[string]bool{
	".git":          true,
	"node_modules":  true,
	"__pycache__":   true,
	".venv":         true,
	"venv":          true,
	".next":         true,
	"dist":          true,
	"build":         true,
	".tox":          true,
	".mypy_cache":   true,
	".pytest_cache": true,
	".eggs":         true,
}

var alwaysExcludeGlobs = []glob.Glob{
	glob.MustCompile("*.egg-info"),
}

// Store manages workspace snapshot archives in one directory.
type Store struct {
	dir string
}

// NewStore returns a store writing archives under dir.
func NewStore(dir string) *Store {
	return &Store{dir: dir}
}

// Path returns the archive location for a session.
func (s *Store) Path(sessionID string) string {
	return filepath.Join(s.dir, sessionID+".tar.gz")
}

// Capture archives the workspace into a gzip tarball named after the
// session. Excluded entries (VCS metadata, dependency trees, anything the
// workspace .gitignore names) are skipped.
func (s *Store) Capture(sessionID, workspace string) (string, error) {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create snapshot directory: %w", err)
	}

	rules := loadExcludeRules(workspace)
	dest := s.Path(sessionID)

	f, err := os.Create(dest)
	if err != nil {
		return "", fmt.Errorf("failed to create snapshot archive: %w", err)
	}
	defer f.Close()

	gz := gzip.NewWriter(f)
	tw := tar.NewWriter(gz)

	var paths []string
	err = filepath.WalkDir(workspace, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if path == workspace {
			return nil
		}
		rel, err := filepath.Rel(workspace, path)
		if err != nil {
			return err
		}
		if rules.excluded(rel) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		paths = append(paths, rel)
		return nil
	})
	if err != nil {
		os.Remove(dest)
		return "", fmt.Errorf("failed to walk workspace: %w", err)
	}
	sort.Strings(paths)

	for _, rel := range paths {
		if err := addToArchive(tw, workspace, rel); err != nil {
			os.Remove(dest)
			return "", err
		}
	}

	if err := tw.Close(); err != nil {
		os.Remove(dest)
		return "", fmt.Errorf("failed to finalize archive: %w", err)
	}
	if err := gz.Close(); err != nil {
		os.Remove(dest)
		return "", fmt.Errorf("failed to finalize archive: %w", err)
	}
	return dest, nil
}

func addToArchive(tw *tar.Writer, workspace, rel string) error {
	full := filepath.Join(workspace, rel)
	info, err := os.Lstat(full)
	if err != nil {
		return fmt.Errorf("failed to stat %s: %w", rel, err)
	}

	link := ""
	if info.Mode()&os.ModeSymlink != 0 {
		if link, err = os.Readlink(full); err != nil {
			return fmt.Errorf("failed to read symlink %s: %w", rel, err)
		}
	}

	hdr, err := tar.FileInfoHeader(info, link)
	if err != nil {
		return fmt.Errorf("failed to build header for %s: %w", rel, err)
	}
	hdr.Name = filepath.ToSlash(rel)

	if err := tw.WriteHeader(hdr); err != nil {
		return fmt.Errorf("failed to write header for %s: %w", rel, err)
	}
	if !info.Mode().IsRegular() {
		return nil
	}

	f, err := os.Open(full)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", rel, err)
	}
	defer f.Close()
	if _, err := io.Copy(tw, f); err != nil {
		return fmt.Errorf("failed to archive %s: %w", rel, err)
	}
	return nil
}

// Restore replaces the archived entries of the workspace with the snapshot
// contents. The archive is extracted into a staging directory first, so an
// extraction failure leaves the workspace untouched; files that were
// excluded from the snapshot are never modified.
func (s *Store) Restore(sessionID, workspace string) error {
	source := s.Path(sessionID)
	if _, err := os.Stat(source); err != nil {
		return fmt.Errorf("%w: %s", domain.ErrSnapshotNotFound, sessionID)
	}

	staging, err := os.MkdirTemp(filepath.Dir(workspace), ".zenclaude-restore-")
	if err != nil {
		return fmt.Errorf("failed to create staging directory: %w", err)
	}
	defer os.RemoveAll(staging)

	if err := extract(source, staging); err != nil {
		return fmt.Errorf("failed to extract snapshot: %w", err)
	}

	entries, err := os.ReadDir(staging)
	if err != nil {
		return fmt.Errorf("failed to read staging directory: %w", err)
	}
	for _, e := range entries {
		target := filepath.Join(workspace, e.Name())
		if err := os.RemoveAll(target); err != nil {
			return fmt.Errorf("failed to clear %s: %w", e.Name(), err)
		}
		if err := os.Rename(filepath.Join(staging, e.Name()), target); err != nil {
			return fmt.Errorf("failed to restore %s: %w", e.Name(), err)
		}
	}
	return nil
}

func extract(source, dest string) error {
	f, err := os.Open(source)
	if err != nil {
		return err
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return err
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}

		rel := filepath.Clean(filepath.FromSlash(hdr.Name))
		if rel == ".." || strings.HasPrefix(rel, ".."+string(os.PathSeparator)) || filepath.IsAbs(rel) {
			return fmt.Errorf("archive entry escapes destination: %s", hdr.Name)
		}
		target := filepath.Join(dest, rel)

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, hdr.FileInfo().Mode().Perm()); err != nil {
				return err
			}
		case tar.TypeSymlink:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return err
			}
			if err := os.Symlink(hdr.Linkname, target); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return err
			}
			out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, hdr.FileInfo().Mode().Perm())
			if err != nil {
				return err
			}
			if _, err := io.Copy(out, tr); err != nil {
				out.Close()
				return err
			}
			if err := out.Close(); err != nil {
				return err
			}
		}
	}
}

type excludeRules struct {
	names    []string    // bare gitignore names, matched against any path part
	prefixes []string    // gitignore patterns anchored with a slash
	globs    []glob.Glob // gitignore patterns containing wildcards
}

func loadExcludeRules(workspace string) *excludeRules {
	rules := &excludeRules{}

	f, err := os.Open(filepath.Join(workspace, ".gitignore"))
	if err != nil {
		return rules
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		clean := strings.TrimSuffix(line, "/")
		switch {
		case strings.Contains(clean, "/"):
			rules.prefixes = append(rules.prefixes, strings.TrimPrefix(clean, "/"))
		case strings.ContainsAny(clean, "*?["):
			if g, err := glob.Compile(clean); err == nil {
				rules.globs = append(rules.globs, g)
			}
		default:
			rules.names = append(rules.names, clean)
		}
	}
	return rules
}

func (r *excludeRules) excluded(rel string) bool {
	parts := strings.Split(filepath.ToSlash(rel), "/")
	for _, part := range parts {
		if alwaysExclude[part] {
			return true
		}
		for _, g := range alwaysExcludeGlobs {
			if g.Match(part) {
				return true
			}
		}
		for _, name := range r.names {
			if part == name {
				return true
			}
		}
		for _, g := range r.globs {
			if g.Match(part) {
				return true
			}
		}
	}

	slashed := filepath.ToSlash(rel)
	for _, prefix := range r.prefixes {
		if slashed == prefix || strings.HasPrefix(slashed, prefix) {
			return true
		}
	}
	return false
}
