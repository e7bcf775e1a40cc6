//go:build hardware

package hardware

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/schaermu/mpydeploy/internal/config"
	"github.com/schaermu/mpydeploy/internal/device"
	"github.com/schaermu/mpydeploy/internal/testutil"
)

const (
	portEnv        = "MPYDEPLOY_TEST_PORT"
	baudEnv        = "MPYDEPLOY_TEST_BAUD"
	defaultTimeout = 2 * time.Minute
	rebootWait     = 3 * time.Second
)

// Harness drives the mpydeploy binary against a board attached to the host
type Harness struct {
	t      *testing.T
	target config.DeviceTarget
	binary string
}

// NewHarness creates a new test harness. The test is skipped when no board
// is configured.
func NewHarness(t *testing.T) *Harness {
	t.Helper()

	port := os.Getenv(portEnv)
	if port == "" {
		t.Skipf("%s not set, skipping hardware test", portEnv)
	}

	baud := config.DefaultBaudRate
	if v := os.Getenv(baudEnv); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			t.Fatalf("invalid %s: %v", baudEnv, err)
		}
		baud = n
	}

	return &Harness{
		t:      t,
		target: config.DeviceTarget{Address: config.StripScheme(port), BaudRate: baud},
	}
}

// BuildBinary compiles the CLI into the test's temp dir
func (h *Harness) BuildBinary(ctx context.Context) error {
	h.t.Helper()

	projectRoot, err := testutil.FindProjectRoot()
	if err != nil {
		return fmt.Errorf("get project root: %w", err)
	}

	h.binary = filepath.Join(h.t.TempDir(), "mpydeploy")
	h.t.Logf("Building %s", h.binary)

	cmd := exec.CommandContext(ctx, "go", "build", "-o", h.binary, "./cmd/mpydeploy")
	cmd.Dir = projectRoot
	cmd.Stdout = &testWriter{t: h.t, prefix: "[build] "}
	cmd.Stderr = &testWriter{t: h.t, prefix: "[build] "}

	if err := cmd.Run(); err != nil {
		return fmt.Errorf("go build: %w", err)
	}
	return nil
}

// Project copies a fixture into a temp dir and points it at the board
func (h *Harness) Project(fixture string) string {
	h.t.Helper()

	dir := h.t.TempDir()
	src := testutil.Fixture(h.t, fixture)
	err := filepath.WalkDir(src, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		dst := filepath.Join(dir, rel)
		if d.IsDir() {
			return os.MkdirAll(dst, 0755)
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		return os.WriteFile(dst, data, 0644)
	})
	if err != nil {
		h.t.Fatalf("copy fixture %s: %v", fixture, err)
	}

	deviceDoc := fmt.Sprintf(`{"currentDevice": "serial://%s", "baudRate": %d}`, h.target.Address, h.target.BaudRate)
	testutil.WriteTree(h.t, dir, map[string]string{"device-config.json": deviceDoc})
	return dir
}

// Deploy runs the deploy command without a monitor
func (h *Harness) Deploy(ctx context.Context, root string, args ...string) (string, string, int, error) {
	h.t.Helper()
	if h.binary == "" {
		return "", "", 0, fmt.Errorf("binary not built")
	}

	argv := append([]string{"deploy", "--root", root, "--no-monitor", "--log-format", "text"}, args...)
	cmd := exec.CommandContext(ctx, h.binary, argv...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = io.MultiWriter(&stderr, &testWriter{t: h.t, prefix: "[deploy] "})

	err := cmd.Run()
	exitCode := 0
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			exitCode = exitErr.ExitCode()
		} else {
			return "", "", 0, fmt.Errorf("exec failed: %w", err)
		}
	}

	return stdout.String(), stderr.String(), exitCode, nil
}

// FileSize returns the size of a file on the board, or -1 if it is missing.
// It waits for the board to come back from the reset first.
func (h *Harness) FileSize(ctx context.Context, devicePath string) (int, error) {
	h.t.Helper()

	if err := sleep(ctx, rebootWait); err != nil {
		return 0, err
	}

	conn, err := device.Dial(ctx, h.target)
	if err != nil {
		return 0, err
	}
	defer func() { _ = conn.Close() }()

	repl, ok := conn.(*device.REPL)
	if !ok {
		return 0, fmt.Errorf("unexpected connection type %T", conn)
	}

	code := "import os\ntry:\n print(os.stat(" + strconv.Quote(devicePath) + ")[6])\nexcept OSError:\n print(-1)"
	out, err := repl.Eval(ctx, code)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(out)))
}

func sleep(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}

// testWriter wraps test logging for command output
type testWriter struct {
	t      *testing.T
	prefix string
}

func (w *testWriter) Write(p []byte) (n int, err error) {
	lines := strings.Split(string(p), "\n")
	for _, line := range lines {
		if line != "" {
			w.t.Log(w.prefix + line)
		}
	}
	return len(p), nil
}

var _ io.Writer = (*testWriter)(nil)
