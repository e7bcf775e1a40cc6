package manifest

import (
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"github.com/schaermu/mpydeploy/internal/testutil"
)

func relPaths(m Manifest) []string {
	out := make([]string, len(m))
	for i, e := range m {
		out[i] = e.RelPath
	}
	return out
}

func TestSelect(t *testing.T) {
	dir := t.TempDir()
	testutil.WriteTree(t, dir, map[string]string{
		"main.py":        "print('hi')\n",
		"lib/helper.py":  "def f(): pass\n",
		"build/cache.py": "stale",
		"readme.txt":     "notes",
	})

	got, err := Select(dir, []string{"build/"})
	if err != nil {
		t.Fatal(err)
	}

	want := []string{"main.py", "lib/helper.py", "readme.txt"}
	if !reflect.DeepEqual(relPaths(got), want) {
		t.Fatalf("Select() = %v, want %v", relPaths(got), want)
	}

	wantDevice := []string{"/main.py", "/lib/helper.py", "/readme.txt"}
	if !reflect.DeepEqual(got.DevicePaths(), wantDevice) {
		t.Errorf("DevicePaths() = %v, want %v", got.DevicePaths(), wantDevice)
	}

	if got[1].LocalPath != filepath.Join(dir, "lib", "helper.py") {
		t.Errorf("unexpected local path %s", got[1].LocalPath)
	}
}

func TestSelect_ExtensionFilter(t *testing.T) {
	dir := t.TempDir()
	testutil.WriteTree(t, dir, map[string]string{
		"boot.py":            "",
		"config.json":        "{}",
		"data.bin":           "\x00",
		"pymakr.conf":        "{}",
		"docs/notes.txt":     "",
		"firmware/image.mpy": "",
	})

	got, err := Select(dir, nil)
	if err != nil {
		t.Fatal(err)
	}

	want := []string{"boot.py", "docs/notes.txt"}
	if !reflect.DeepEqual(relPaths(got), want) {
		t.Errorf("Select() = %v, want %v", relPaths(got), want)
	}
}

func TestSelect_IgnoreIsSubstringNotGlob(t *testing.T) {
	dir := t.TempDir()
	testutil.WriteTree(t, dir, map[string]string{
		"app.py":              "",
		"test_app.py":         "",
		"tests/test_core.py":  "",
		"lib/latest/util.py":  "",
		"vendor/*.py/keep.py": "",
	})

	patterns := []string{"test", "*.py"}
	got, err := Select(dir, patterns)
	if err != nil {
		t.Fatal(err)
	}

	for _, e := range got {
		for _, p := range patterns {
			if strings.Contains(e.RelPath, p) {
				t.Errorf("%s contains ignored pattern %q", e.RelPath, p)
			}
		}
	}

	// "latest" contains "test"; "*" is matched literally.
	want := []string{"app.py"}
	if !reflect.DeepEqual(relPaths(got), want) {
		t.Errorf("Select() = %v, want %v", relPaths(got), want)
	}
}

func TestSelect_Deterministic(t *testing.T) {
	dir := t.TempDir()
	testutil.WriteTree(t, dir, map[string]string{
		"z.py":       "",
		"a.txt":      "",
		"b/c/d.py":   "",
		"b/a.py":     "",
		"a.py":       "",
		"b/c/e.txt":  "",
		"x/y/z/w.py": "",
	})

	first, err := Select(dir, nil)
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 3; i++ {
		again, err := Select(dir, nil)
		if err != nil {
			t.Fatal(err)
		}
		if !reflect.DeepEqual(first, again) {
			t.Fatalf("run %d differs: %v vs %v", i, relPaths(first), relPaths(again))
		}
	}

	want := []string{"a.py", "z.py", "b/a.py", "b/c/d.py", "x/y/z/w.py", "a.txt", "b/c/e.txt"}
	if !reflect.DeepEqual(relPaths(first), want) {
		t.Errorf("Select() = %v, want %v", relPaths(first), want)
	}
}

func TestSelect_Empty(t *testing.T) {
	tests := []struct {
		name   string
		files  map[string]string
		ignore []string
	}{
		{name: "empty dir", files: map[string]string{}},
		{name: "no eligible extensions", files: map[string]string{"a.json": "", "b.md": ""}},
		{name: "everything ignored", files: map[string]string{"build/a.py": "", "build/b.txt": ""}, ignore: []string{"build"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			testutil.WriteTree(t, dir, tt.files)

			got, err := Select(dir, tt.ignore)
			if !errors.Is(err, ErrEmptyManifest) {
				t.Fatalf("expected ErrEmptyManifest, got %v (manifest %v)", err, got)
			}
			if got != nil {
				t.Errorf("expected nil manifest on error, got %v", got)
			}
		})
	}
}

func TestSelect_SkipsDirectoriesNamedLikeFiles(t *testing.T) {
	dir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(dir, "pkg.py"), 0755); err != nil {
		t.Fatal(err)
	}
	testutil.WriteTree(t, dir, map[string]string{"pkg.py/inner.py": "", "main.py": ""})

	got, err := Select(dir, nil)
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"main.py", "pkg.py/inner.py"}
	if !reflect.DeepEqual(relPaths(got), want) {
		t.Errorf("Select() = %v, want %v", relPaths(got), want)
	}
}

func TestSelect_MissingRoot(t *testing.T) {
	_, err := Select(filepath.Join(t.TempDir(), "nope"), nil)
	if err == nil || errors.Is(err, ErrEmptyManifest) {
		t.Fatalf("expected scan error, got %v", err)
	}
}

func TestDevicePath(t *testing.T) {
	tests := map[string]string{
		"main.py":       "/main.py",
		"lib/helper.py": "/lib/helper.py",
		"/already.py":   "/already.py",
	}
	for in, want := range tests {
		if got := DevicePath(in); got != want {
			t.Errorf("DevicePath(%q) = %q, want %q", in, got, want)
		}
	}
}

func symlinkOrSkip(t *testing.T, target, link string) {
	t.Helper()
	if err := os.Symlink(target, link); err != nil {
		t.Skipf("symlinks not supported: %v", err)
	}
}

func TestSelect_FollowsSymlinkedDirectory(t *testing.T) {
	shared := t.TempDir()
	testutil.WriteTree(t, shared, map[string]string{"util.py": "", "build/tmp.py": ""})

	dir := t.TempDir()
	testutil.WriteTree(t, dir, map[string]string{"main.py": ""})
	symlinkOrSkip(t, shared, filepath.Join(dir, "lib"))

	got, err := Select(dir, []string{"build/"})
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"main.py", "lib/util.py"}
	if !reflect.DeepEqual(relPaths(got), want) {
		t.Fatalf("Select() = %v, want %v", relPaths(got), want)
	}
	if got[1].LocalPath != filepath.Join(dir, "lib", "util.py") {
		t.Errorf("unexpected local path %s", got[1].LocalPath)
	}
	if got[1].DevicePath != "/lib/util.py" {
		t.Errorf("unexpected device path %s", got[1].DevicePath)
	}
}

func TestSelect_IgnoredSymlinkedDirectory(t *testing.T) {
	shared := t.TempDir()
	testutil.WriteTree(t, shared, map[string]string{"util.py": ""})

	dir := t.TempDir()
	testutil.WriteTree(t, dir, map[string]string{"main.py": ""})
	symlinkOrSkip(t, shared, filepath.Join(dir, "vendor"))

	got, err := Select(dir, []string{"vendor/"})
	if err != nil {
		t.Fatal(err)
	}
	if want := []string{"main.py"}; !reflect.DeepEqual(relPaths(got), want) {
		t.Errorf("Select() = %v, want %v", relPaths(got), want)
	}
}

func TestSelect_SymlinkedRoot(t *testing.T) {
	project := t.TempDir()
	testutil.WriteTree(t, project, map[string]string{"main.py": "", "lib/helper.py": ""})

	link := filepath.Join(t.TempDir(), "project")
	symlinkOrSkip(t, project, link)

	got, err := Select(link, nil)
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"main.py", "lib/helper.py"}
	if !reflect.DeepEqual(relPaths(got), want) {
		t.Fatalf("Select() = %v, want %v", relPaths(got), want)
	}
	if got[0].LocalPath != filepath.Join(link, "main.py") {
		t.Errorf("unexpected local path %s", got[0].LocalPath)
	}
}

func TestSelect_SymlinkCycleTerminates(t *testing.T) {
	dir := t.TempDir()
	testutil.WriteTree(t, dir, map[string]string{"main.py": "", "a/one.py": "", "b/two.py": ""})
	symlinkOrSkip(t, dir, filepath.Join(dir, "a", "up"))
	symlinkOrSkip(t, filepath.Join(dir, "b"), filepath.Join(dir, "a", "tob"))
	symlinkOrSkip(t, filepath.Join(dir, "a"), filepath.Join(dir, "b", "toa"))

	got, err := Select(dir, nil)
	if err != nil {
		t.Fatal(err)
	}
	for _, p := range relPaths(got) {
		if strings.Count(p, "/") > 3 {
			t.Fatalf("walk followed a link cycle: %v", relPaths(got))
		}
	}
	if relPaths(got)[0] != "main.py" {
		t.Errorf("Select() = %v", relPaths(got))
	}
}
