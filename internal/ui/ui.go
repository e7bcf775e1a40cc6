package ui

import (
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/lipgloss"
)

// Theme holds the styles used for operator-facing output
type Theme struct {
	Step    lipgloss.Style
	Success lipgloss.Style
	Warn    lipgloss.Style
	Fail    lipgloss.Style
	Notice  lipgloss.Style
}

// DefaultTheme returns the standard styles
func DefaultTheme() Theme {
	return Theme{
		Step:    lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("63")),
		Success: lipgloss.NewStyle().Foreground(lipgloss.Color("42")),
		Warn:    lipgloss.NewStyle().Foreground(lipgloss.Color("214")),
		Fail:    lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("196")),
		Notice: lipgloss.NewStyle().
			Padding(0, 1).
			BorderStyle(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("63")),
	}
}

// Reporter prints progress for a human watching the deployment. Structured
// logs go through slog; this is only the banner layer on top.
type Reporter struct {
	w     io.Writer
	theme Theme
}

// NewReporter creates a reporter writing to w
func NewReporter(w io.Writer) *Reporter {
	return &Reporter{w: w, theme: DefaultTheme()}
}

// Step announces the start of a pipeline phase
func (r *Reporter) Step(n int, title string) {
	fmt.Fprintln(r.w)
	fmt.Fprintln(r.w, r.theme.Step.Render(fmt.Sprintf("Step %d: %s", n, title)))
}

// Done reports a successful phase
func (r *Reporter) Done(msg string) {
	fmt.Fprintln(r.w, r.theme.Success.Render("✓ "+msg))
}

// Warn reports a contained problem
func (r *Reporter) Warn(msg string) {
	fmt.Fprintln(r.w, r.theme.Warn.Render("! "+msg))
}

// Notice prints a boxed message the operator should read
func (r *Reporter) Notice(lines ...string) {
	fmt.Fprintln(r.w, r.theme.Notice.Render(strings.Join(lines, "\n")))
}

// Summary prints the final one-line result
func (r *Reporter) Summary(ok bool, status string, uploaded, attempted int) {
	line := fmt.Sprintf("%s: %d/%d files uploaded", status, uploaded, attempted)
	fmt.Fprintln(r.w)
	if ok {
		fmt.Fprintln(r.w, r.theme.Success.Render("✓ "+line))
		return
	}
	fmt.Fprintln(r.w, r.theme.Fail.Render("✗ "+line))
}
