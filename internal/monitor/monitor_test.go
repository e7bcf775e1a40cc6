package monitor

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"os/exec"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/schaermu/mpydeploy/internal/config"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

var target = config.DeviceTarget{Address: "/dev/ttyUSB0", BaudRate: 115200}

func TestExpandArgs(t *testing.T) {
	got := ExpandArgs([]string{"screen", "{port}", "{baud}"}, target)
	want := []string{"screen", "/dev/ttyUSB0", "115200"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("ExpandArgs() = %v, want %v", got, want)
	}

	got = ExpandArgs([]string{"mpremote", "connect", "port:{port}@{baud}"}, target)
	if got[2] != "port:/dev/ttyUSB0@115200" {
		t.Errorf("placeholders inside an argument not expanded: %v", got)
	}
}

func TestLaunch_PassesArgsAndStreams(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}

	var stdout bytes.Buffer
	l := &ExecLauncher{
		Argv:   []string{"sh", "-c", `echo "$0 $1"`, "{port}", "{baud}"},
		Stdout: &stdout,
		Stderr: io.Discard,
		Logger: testLogger(),
	}

	if err := l.Launch(context.Background(), target); err != nil {
		t.Fatalf("Launch failed: %v", err)
	}
	if got := stdout.String(); got != "/dev/ttyUSB0 115200\n" {
		t.Errorf("unexpected monitor output %q", got)
	}
}

func TestLaunch_NonZeroExitIsNotAnError(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}

	l := &ExecLauncher{
		Argv:   []string{"sh", "-c", "exit 3"},
		Stdout: io.Discard,
		Stderr: io.Discard,
		Logger: testLogger(),
	}
	if err := l.Launch(context.Background(), target); err != nil {
		t.Errorf("expected nil for non-zero exit, got %v", err)
	}
}

func TestLaunch_SpawnFailure(t *testing.T) {
	l := &ExecLauncher{
		Argv:   []string{filepath.Join(t.TempDir(), "no-such-viewer"), "{port}"},
		Stdout: io.Discard,
		Stderr: io.Discard,
		Logger: testLogger(),
	}

	err := l.Launch(context.Background(), target)
	var spawnErr *SpawnError
	if !errors.As(err, &spawnErr) {
		t.Fatalf("expected SpawnError, got %v", err)
	}
	if spawnErr.Unwrap() == nil {
		t.Error("SpawnError should wrap the cause")
	}
}

func TestLaunch_EmptyCommand(t *testing.T) {
	l := &ExecLauncher{Logger: testLogger()}
	var spawnErr *SpawnError
	if err := l.Launch(context.Background(), target); !errors.As(err, &spawnErr) {
		t.Fatalf("expected SpawnError for empty argv, got %v", err)
	}
}
