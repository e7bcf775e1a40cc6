package monitor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"strings"

	"golang.org/x/term"

	"github.com/schaermu/mpydeploy/internal/config"
)

// Launcher attaches a log viewer to the device's serial endpoint
type Launcher interface {
	// Launch starts the viewer and waits for it to exit. Only a failure to
	// start is reported; the viewer's own exit status is not.
	Launch(ctx context.Context, target config.DeviceTarget) error
}

// SpawnError means the viewer process could not be started
type SpawnError struct {
	Program string
	Err     error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("failed to start monitor %s: %v", e.Program, e.Err)
}

func (e *SpawnError) Unwrap() error {
	return e.Err
}

// ExecLauncher runs the viewer as a child process sharing this process's
// terminal
type ExecLauncher struct {
	Argv   []string
	Stdin  *os.File
	Stdout io.Writer
	Stderr io.Writer
	Logger *slog.Logger
}

// NewExecLauncher creates a launcher wired to the process's standard streams
func NewExecLauncher(argv []string, logger *slog.Logger) *ExecLauncher {
	return &ExecLauncher{
		Argv:   argv,
		Stdin:  os.Stdin,
		Stdout: os.Stdout,
		Stderr: os.Stderr,
		Logger: logger,
	}
}

// Launch starts the viewer and waits for it to exit. The process is not
// bound to ctx; it runs until the operator closes it.
func (l *ExecLauncher) Launch(_ context.Context, target config.DeviceTarget) error {
	argv := ExpandArgs(l.Argv, target)
	if len(argv) == 0 {
		return &SpawnError{Program: "", Err: errors.New("empty monitor command")}
	}

	if l.Stdin != nil && !term.IsTerminal(int(l.Stdin.Fd())) {
		l.Logger.Warn("stdin is not a terminal, the monitor may not be interactive")
	}

	cmd := exec.Command(argv[0], argv[1:]...)
	if l.Stdin != nil {
		cmd.Stdin = l.Stdin
	}
	cmd.Stdout = l.Stdout
	cmd.Stderr = l.Stderr

	if err := cmd.Start(); err != nil {
		return &SpawnError{Program: argv[0], Err: err}
	}

	l.Logger.Info("monitor started", "pid", cmd.Process.Pid, "command", strings.Join(argv, " "))

	err := cmd.Wait()
	var exitErr *exec.ExitError
	switch {
	case err == nil:
		l.Logger.Info("monitor closed")
	case errors.As(err, &exitErr):
		l.Logger.Info("monitor closed", "exit_code", exitErr.ExitCode())
	default:
		l.Logger.Warn("monitor wait failed", "error", err)
	}

	return nil
}

// ExpandArgs substitutes {port} and {baud} in every argument
func ExpandArgs(argv []string, target config.DeviceTarget) []string {
	r := strings.NewReplacer(
		"{port}", target.Address,
		"{baud}", strconv.Itoa(target.BaudRate),
	)
	out := make([]string, len(argv))
	for i, a := range argv {
		out[i] = r.Replace(a)
	}
	return out
}
