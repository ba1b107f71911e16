// Package cli prints lake policies, value tables and experiment summaries in the terminal.
package cli

import (
	"fmt"
	"io"
	"os"
	"regexp"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/oroojlooy/constrained-batch-policy-learning/internal/env/lake"
	"github.com/oroojlooy/constrained-batch-policy-learning/internal/policy"
	"github.com/oroojlooy/constrained-batch-policy-learning/internal/report"
	"golang.org/x/term"
)

// CharsPerColumn of the grids.
const CharsPerColumn = 8

// ActionArrows indexed by lake action.
var ActionArrows = []string{"←", "↓", "→", "↑"}

var ansiFilter = regexp.MustCompile(`\x1b\[[0-9;]*[a-zA-Z]`)

// displayWidth of s removes its color/control sequences and returns the number of runes left.
func displayWidth(s string) int {
	return len([]rune(ansiFilter.ReplaceAllString(s, "")))
}

func centerString(s string, fit int) string {
	width := displayWidth(s)
	if width >= fit {
		return s
	}
	marginLeft := (fit - width) / 2
	marginRight := fit - width - marginLeft
	return strings.Repeat(" ", marginLeft) + s + strings.Repeat(" ", marginRight)
}

// UI prints to a terminal, optionally with colors.
type UI struct {
	color  bool
	writer io.Writer
}

// New creates a UI that prints to stdout.
func New(color bool) *UI {
	return &UI{color: color, writer: os.Stdout}
}

// NewWithWriter creates a UI that prints to w, without centering.
func NewWithWriter(color bool, w io.Writer) *UI {
	return &UI{color: color, writer: w}
}

var (
	holeStyle  = lipgloss.NewStyle().Background(lipgloss.Color("4")).Foreground(lipgloss.Color("15"))
	goalStyle  = lipgloss.NewStyle().Background(lipgloss.Color("2")).Foreground(lipgloss.Color("0"))
	startStyle = lipgloss.NewStyle().Bold(true)
)

// cell renders the contents of a lake cell, centered in CharsPerColumn.
func (ui *UI) cell(l *lake.Lake, s int, contents string) string {
	switch l.Cell(s) {
	case lake.Hole:
		contents = "H"
	case lake.Goal:
		contents = "G"
	}
	contents = centerString(contents, CharsPerColumn)
	if !ui.color {
		return contents
	}
	switch l.Cell(s) {
	case lake.Hole:
		return holeStyle.Render(contents)
	case lake.Goal:
		return goalStyle.Render(contents)
	case lake.Start:
		return startStyle.Render(contents)
	}
	return contents
}

func (ui *UI) grid(l *lake.Lake, contents func(s int) string) string {
	var sb strings.Builder
	for row := range l.Height() {
		for col := range l.Width() {
			s := row*l.Width() + col
			sb.WriteString(ui.cell(l, s, contents(s)))
		}
		sb.WriteString("\n")
	}
	return sb.String()
}

// PolicyGrid renders the action taken by p in every cell of the lake.
func (ui *UI) PolicyGrid(l *lake.Lake, p policy.Policy) string {
	return ui.grid(l, func(s int) string {
		return ActionArrows[p.Act(l.Frame(s))]
	})
}

// ValueGrid renders the value of every cell of the lake.
func (ui *UI) ValueGrid(l *lake.Lake, values []float64) string {
	return ui.grid(l, func(s int) string {
		return fmt.Sprintf("%.3f", values[s])
	})
}

// SummaryTable renders the mean and standard deviation of the error of every estimator, one row per number
// of trajectories.
func (ui *UI) SummaryTable(s *report.Summary) string {
	names := s.Names()
	const width = 18
	var sb strings.Builder
	header := centerString("trajectories", 14)
	for _, name := range names {
		header += centerString(name, width)
	}
	if ui.color {
		header = lipgloss.NewStyle().Bold(true).Underline(true).Render(header)
	}
	sb.WriteString(header + "\n")
	for i, n := range s.NumTrajectories {
		sb.WriteString(centerString(fmt.Sprint(n), 14))
		for _, name := range names {
			stats := s.Errors[name][i]
			sb.WriteString(centerString(fmt.Sprintf("%+.4f±%.4f", stats.Mean, stats.StdDev), width))
		}
		sb.WriteString("\n")
	}
	return sb.String()
}

// Banner renders a highlighted message.
func (ui *UI) Banner(msg string) string {
	if !ui.color {
		return fmt.Sprintf("*** %s ***", msg)
	}
	return lipgloss.NewStyle().
		Background(lipgloss.Color("13")).
		Foreground(lipgloss.Color("0")).
		Padding(1, 2).
		Render(msg)
}

// Print the block of text centered in the terminal, if printing to one.
func (ui *UI) Print(block string) {
	lines := strings.Split(strings.TrimRight(block, "\n"), "\n")
	indent := 0
	if f, ok := ui.writer.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		terminalWidth, _, _ := term.GetSize(int(f.Fd()))
		blockWidth := 0
		for _, line := range lines {
			blockWidth = max(blockWidth, displayWidth(line))
		}
		indent = max((terminalWidth-blockWidth)/2, 0)
	}
	for _, line := range lines {
		if len(line) == 0 {
			_, _ = fmt.Fprintln(ui.writer)
			continue
		}
		_, _ = fmt.Fprintf(ui.writer, "%s%s\n", strings.Repeat(" ", indent), line)
	}
}
