package deploy

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/schaermu/mpydeploy/internal/config"
	"github.com/schaermu/mpydeploy/internal/detach"
	"github.com/schaermu/mpydeploy/internal/device"
	"github.com/schaermu/mpydeploy/internal/manifest"
	"github.com/schaermu/mpydeploy/internal/monitor"
	"github.com/schaermu/mpydeploy/internal/ui"
)

// resetIssueTimeout bounds the wait for the reset request to be written
const resetIssueTimeout = 10 * time.Second

var (
	interruptSeq = []byte{device.CtrlC}
	safeBootSeq  = []byte{device.CtrlF, device.CtrlC}
)

// Outcome is the result of one deployment run
type Outcome struct {
	Attempted int
	Uploaded  int
	Status    Status
	Err       error
}

// ExitCode maps the outcome to a process exit code
func (o Outcome) ExitCode() int {
	if o.Status == StatusSuccess {
		return 0
	}
	return 1
}

// Options tunes a single run
type Options struct {
	Root      string
	DryRun    bool
	Prune     bool
	NoMonitor bool
	Reporter  *ui.Reporter
}

// Engine orchestrates the deployment pipeline
type Engine struct {
	cfg     *config.Config
	dial    device.Dialer
	monitor monitor.Launcher
	logger  *slog.Logger
	report  *ui.Reporter
	opts    Options
}

// NewEngine creates a new deployment engine
func NewEngine(cfg *config.Config, dial device.Dialer, launcher monitor.Launcher, logger *slog.Logger, opts Options) *Engine {
	report := opts.Reporter
	if report == nil {
		report = ui.NewReporter(io.Discard)
	}
	if opts.Root == "" {
		opts.Root = "."
	}
	return &Engine{
		cfg:     cfg,
		dial:    dial,
		monitor: launcher,
		logger:  logger,
		report:  report,
		opts:    opts,
	}
}

// Run executes the complete deployment
func (e *Engine) Run(ctx context.Context) Outcome {
	var out Outcome
	target := e.cfg.Target()

	e.logger.Info("starting deployment",
		"root", e.opts.Root,
		"device", target.Address,
		"dry_run", e.opts.DryRun)

	m, err := manifest.Select(e.opts.Root, e.cfg.Ignore())
	if err != nil {
		return e.finish(out, err)
	}
	out.Attempted = len(m)
	e.logger.Info("discovered project files", "count", len(m))

	prev := e.previousState()
	stale := e.stale(prev, m, target)

	if e.opts.DryRun {
		e.logPlanDetails(m, stale)
		e.logger.Info("dry-run complete, no changes applied")
		return e.finish(out, nil)
	}

	err = WithSession(ctx, e.dial, target, e.logger, func(ctx context.Context, s *Session) error {
		e.report.Step(1, "Stopping running scripts")
		if err := e.quiesce(ctx, s); err != nil {
			return err
		}
		e.report.Done("Scripts stopped")

		e.prune(ctx, s, stale)

		e.report.Step(2, "Uploading project files")
		uploaded, err := e.transfer(ctx, s, m)
		out.Uploaded = uploaded
		if err != nil {
			return err
		}
		e.report.Done(fmt.Sprintf("%d files uploaded", uploaded))
		e.recordState(target, m)

		e.report.Step(3, "Hard resetting device")
		if _, issued := e.hardReset(ctx, s); issued {
			e.report.Done("Reset issued")
		} else {
			e.report.Warn("Reset could not be sent, reset the board by hand if it does not restart")
		}

		if e.opts.NoMonitor || !e.cfg.MonitorEnabled() {
			return nil
		}

		// The viewer needs the port and the port is opened exclusively.
		s.Release()
		e.report.Step(4, "Opening monitor")
		e.launchMonitor(ctx, target)
		return nil
	})

	return e.finish(out, err)
}

func (e *Engine) finish(out Outcome, err error) Outcome {
	out.Err = err
	out.Status = StatusOf(err)

	if err != nil {
		e.logger.Error("deploy failed", "status", out.Status.String(), "error", err)
	} else {
		e.logger.Info("deploy completed successfully")
	}
	e.report.Summary(err == nil, out.Status.String(), out.Uploaded, out.Attempted)
	return out
}

// quiesce interrupts whatever the board is running and boots it to a clean
// REPL. There is no acknowledgment; the delays are the whole protocol.
func (e *Engine) quiesce(ctx context.Context, s *Session) error {
	t := e.cfg.Timing

	for i := 0; i < 2; i++ {
		if err := s.SendBytes(ctx, interruptSeq); err != nil {
			return &InterruptError{Err: err}
		}
		if err := sleep(ctx, t.InterruptSettle); err != nil {
			return err
		}
	}

	if err := s.SendBytes(ctx, safeBootSeq); err != nil {
		return &InterruptError{Err: err}
	}
	return sleep(ctx, t.SafeBootSettle)
}

// transfer writes every manifest entry in order and stops at the first
// failure. Files already written stay on the device.
func (e *Engine) transfer(ctx context.Context, s *Session, m manifest.Manifest) (int, error) {
	uploaded := 0

	for _, entry := range m {
		data, err := os.ReadFile(entry.LocalPath)
		if err != nil {
			return uploaded, &TransferError{Path: entry.RelPath, Uploaded: uploaded, Err: err}
		}

		e.logger.Info("uploading file", "src", entry.RelPath, "dest", entry.DevicePath, "bytes", len(data))
		if err := s.WriteFile(ctx, entry.DevicePath, data); err != nil {
			return uploaded, &TransferError{Path: entry.RelPath, Uploaded: uploaded, Err: err}
		}
		uploaded++

		if err := sleep(ctx, e.cfg.Timing.FilePacing); err != nil {
			return uploaded, err
		}
	}

	if uploaded != len(m) {
		return uploaded, &PartialUploadError{Uploaded: uploaded, Total: len(m)}
	}
	return uploaded, nil
}

// hardReset fires the reset without waiting for a reply. It returns once the
// request has been written (or the task gave up) and the flush delay has
// passed, so the session can be released afterwards. It never fails.
func (e *Engine) hardReset(ctx context.Context, s *Session) (*detach.Task, bool) {
	sent := make(chan struct{})
	var once sync.Once

	task := detach.Go(ctx, func(ctx context.Context) error {
		return s.Reset(ctx, device.ResetOptions{
			Soft:   false,
			Issued: func() { once.Do(func() { close(sent) }) },
		})
	}, func(err error) {
		e.logger.Debug("ignoring reset error", "error", err)
	})

	issued := false
	timer := time.NewTimer(resetIssueTimeout)
	defer timer.Stop()
	select {
	case <-sent:
		issued = true
	case <-task.Done():
		// Issued runs before the task ends, so a finished task may still
		// have sent the request.
		select {
		case <-sent:
			issued = true
		default:
		}
	case <-timer.C:
	case <-ctx.Done():
	}

	if !issued {
		e.logger.Warn("hard reset was not sent to the device")
		return task, false
	}

	if err := sleep(ctx, e.cfg.Timing.ResetFlush); err != nil {
		e.logger.Debug("reset flush wait interrupted", "error", err)
	}
	return task, true
}

// launchMonitor waits for the reboot and hands the terminal to the viewer.
// Nothing here can fail the deployment.
func (e *Engine) launchMonitor(ctx context.Context, target config.DeviceTarget) {
	t := e.cfg.Timing

	if err := sleep(ctx, t.RebootSettle); err != nil {
		e.logger.Warn("monitor skipped", "error", err)
		return
	}

	argv := monitor.ExpandArgs(e.cfg.Monitor.Command, target)
	if len(argv) > 0 && filepath.Base(argv[0]) == "screen" {
		e.report.Notice(
			fmt.Sprintf("Device monitor will start in %s...", t.MonitorNotice.Round(time.Second)),
			"To exit screen: press Ctrl+A then K (kill) or Ctrl+A then D (detach)",
		)
	} else {
		e.report.Notice(
			fmt.Sprintf("Device monitor will start in %s...", t.MonitorNotice.Round(time.Second)),
			"Close the monitor to finish",
		)
	}

	if err := sleep(ctx, t.MonitorNotice); err != nil {
		e.logger.Warn("monitor skipped", "error", err)
		return
	}

	e.logger.Info("starting monitor", "command", strings.Join(argv, " "))
	if err := e.monitor.Launch(ctx, target); err != nil {
		e.logger.Warn("could not auto-open monitor", "error", err)
		e.report.Warn("Could not open the monitor: " + err.Error())
		e.report.Warn("Please run it manually: " + strings.Join(argv, " "))
		return
	}
	e.report.Done("Monitor closed")
}

// previousState loads the state of the last run when pruning is on
func (e *Engine) previousState() *State {
	if !e.pruning() {
		return emptyState()
	}
	prev, err := loadState(e.cfg.Sync.StateFile)
	if err != nil {
		e.logger.Warn("failed to load previous state (will not prune)", "error", err)
		return emptyState()
	}
	return prev
}

func (e *Engine) stale(prev *State, m manifest.Manifest, target config.DeviceTarget) []string {
	if !e.pruning() || len(prev.ManagedFiles) == 0 {
		return nil
	}
	if prev.Port != target.Address {
		e.logger.Warn("previous deployment went to another device, not pruning",
			"previous", prev.Port, "current", target.Address)
		return nil
	}
	return stalePaths(prev, m)
}

// prune removes files a previous run uploaded that are no longer part of
// the project. Failures are logged; the file may already be gone.
func (e *Engine) prune(ctx context.Context, s *Session, stale []string) {
	for _, p := range stale {
		if err := s.Remove(ctx, p); err != nil {
			e.logger.Warn("failed to remove stale file", "dest", p, "error", err)
			continue
		}
		e.logger.Info("removed stale file", "dest", p)
	}
}

// recordState saves the uploaded manifest for the next prune
func (e *Engine) recordState(target config.DeviceTarget, m manifest.Manifest) {
	if !e.pruning() {
		return
	}
	state, err := buildState(target.Address, m)
	if err == nil {
		err = saveState(e.cfg.Sync.StateFile, state)
	}
	if err != nil {
		e.logger.Warn("failed to save state", "path", e.cfg.Sync.StateFile, "error", err)
	}
}

func (e *Engine) pruning() bool {
	return e.opts.Prune || e.cfg.Sync.Prune
}

// logPlanDetails logs detailed plan information for dry-run
func (e *Engine) logPlanDetails(m manifest.Manifest, stale []string) {
	for _, entry := range m {
		e.logger.Info("[dry-run] would upload", "src", entry.RelPath, "dest", entry.DevicePath)
	}
	for _, p := range stale {
		e.logger.Info("[dry-run] would remove", "dest", p)
	}
}

// sleep waits for d unless ctx is cancelled first
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
