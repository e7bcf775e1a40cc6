package manifest

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// AllowedExtensions are the file types deployed to the board, in upload
// priority order: sources first, then plain-text resources.
var AllowedExtensions = []string{
	".py",
	".txt",
}

// ErrEmptyManifest is returned when no deployable file was found
var ErrEmptyManifest = errors.New("no files found to upload")

// Entry pairs a local file with its location on the device
type Entry struct {
	LocalPath  string // path on the host
	RelPath    string // slash separated, relative to the project root
	DevicePath string // absolute path on the device filesystem
}

// Manifest is the ordered set of files selected for a deployment
type Manifest []Entry

// DevicePaths returns the device path of every entry, in order
func (m Manifest) DevicePaths() []string {
	out := make([]string, len(m))
	for i, e := range m {
		out[i] = e.DevicePath
	}
	return out
}

// IsDeployable returns true if the file has an allowed extension
func IsDeployable(path string) bool {
	return extensionRank(path) >= 0
}

func extensionRank(path string) int {
	for i, ext := range AllowedExtensions {
		if strings.HasSuffix(path, ext) {
			return i
		}
	}
	return -1
}

// Ignored reports whether rel contains any of the patterns. This is a plain
// substring test on the slash separated relative path, not a glob.
func Ignored(rel string, patterns []string) bool {
	for _, p := range patterns {
		if strings.Contains(rel, p) {
			return true
		}
	}
	return false
}

// DevicePath roots a relative path at the device filesystem root
func DevicePath(rel string) string {
	return "/" + strings.TrimPrefix(filepath.ToSlash(rel), "/")
}

// Select walks root and returns the deployable files not matched by any
// ignore pattern. Symlinked directories are followed like real ones.
// Entries are ordered by extension priority, then depth, then lexically,
// so runs over the same tree always log the same order.
func Select(root string, ignore []string) (Manifest, error) {
	w := &walker{ignore: ignore, entered: make(map[string]bool)}
	if err := w.walk(root, ""); err != nil {
		return nil, fmt.Errorf("failed to scan %s: %w", root, err)
	}
	m := w.m

	if len(m) == 0 {
		return nil, ErrEmptyManifest
	}

	sort.SliceStable(m, func(i, j int) bool {
		ri, rj := extensionRank(m[i].RelPath), extensionRank(m[j].RelPath)
		if ri != rj {
			return ri < rj
		}
		di, dj := strings.Count(m[i].RelPath, "/"), strings.Count(m[j].RelPath, "/")
		if di != dj {
			return di < dj
		}
		return m[i].RelPath < m[j].RelPath
	})

	return m, nil
}

// walker collects entries across symlinked directories. entered holds the
// resolved directories on the current descent and breaks link cycles.
type walker struct {
	ignore  []string
	entered map[string]bool
	m       Manifest
}

// walk scans dir, whose entries get prefix prepended to their relative path
func (w *walker) walk(dir, prefix string) error {
	real, err := filepath.EvalSymlinks(dir)
	if err != nil {
		return err
	}
	info, err := os.Stat(real)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return fmt.Errorf("%s is not a directory", dir)
	}
	if w.entered[real] {
		return nil
	}
	w.entered[real] = true
	defer delete(w.entered, real)

	return filepath.WalkDir(real, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if path == real {
			return nil
		}

		sub, err := filepath.Rel(real, path)
		if err != nil {
			return err
		}
		rel := prefix + filepath.ToSlash(sub)
		local := filepath.Join(dir, sub)

		if d.IsDir() {
			// Every descendant path starts with rel + "/", so a match here
			// matches the whole subtree.
			if Ignored(rel+"/", w.ignore) {
				return filepath.SkipDir
			}
			return nil
		}

		if d.Type()&fs.ModeSymlink != 0 {
			target, err := os.Stat(path)
			if err != nil {
				// dangling link
				return nil
			}
			if target.IsDir() {
				if Ignored(rel+"/", w.ignore) || w.isAncestor(path) {
					return nil
				}
				return w.walk(local, rel+"/")
			}
		}

		if Ignored(rel, w.ignore) {
			return nil
		}
		if !IsDeployable(d.Name()) || !isRegular(path, d) {
			return nil
		}

		w.m = append(w.m, Entry{
			LocalPath:  local,
			RelPath:    rel,
			DevicePath: DevicePath(rel),
		})
		return nil
	})
}

// isAncestor reports whether the directory link points at one of the
// directories containing it
func (w *walker) isAncestor(link string) bool {
	target, err := filepath.EvalSymlinks(link)
	if err != nil {
		return false
	}
	parent, err := filepath.EvalSymlinks(filepath.Dir(link))
	if err != nil {
		return false
	}
	return parent == target || strings.HasPrefix(parent, target+string(filepath.Separator))
}

// isRegular follows symlinks the way a plain stat would
func isRegular(path string, d fs.DirEntry) bool {
	if d.Type()&fs.ModeSymlink == 0 {
		return d.Type().IsRegular()
	}
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}
