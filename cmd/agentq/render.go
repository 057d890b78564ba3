package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/mattn/go-isatty"
)

// palette holds the styles for one output stream. Every style is plain when
// the stream is not a terminal.
type palette struct {
	header lipgloss.Style
	dim    lipgloss.Style
	ok     lipgloss.Style
	warn   lipgloss.Style
	bad    lipgloss.Style
}

func newPalette(w io.Writer) palette {
	plain := lipgloss.NewStyle()
	p := palette{header: plain, dim: plain, ok: plain, warn: plain, bad: plain}
	f, isFile := w.(*os.File)
	if !isFile || !isatty.IsTerminal(f.Fd()) || os.Getenv("NO_COLOR") != "" {
		return p
	}
	p.header = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("62"))
	p.dim = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	p.ok = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	p.warn = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	p.bad = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	return p
}

// status colors a task, run or verification status.
func (p palette) status(s string) string {
	switch s {
	case "done", "verified":
		return p.ok.Render(s)
	case "running", "queued", "unverified", "changes_requested", "stalled":
		return p.warn.Render(s)
	case "failed":
		return p.bad.Render(s)
	default:
		return p.dim.Render(s)
	}
}

// renderTable lays rows out under headers without borders.
func (p palette) renderTable(headers []string, rows [][]string) string {
	t := table.New().
		Border(lipgloss.HiddenBorder()).
		BorderTop(false).
		BorderBottom(false).
		BorderLeft(false).
		BorderRight(false).
		BorderColumn(false).
		BorderHeader(false).
		StyleFunc(func(row, _ int) lipgloss.Style {
			if row == table.HeaderRow {
				return p.header.PaddingRight(2)
			}
			return lipgloss.NewStyle().PaddingRight(2)
		}).
		Headers(headers...).
		Rows(rows...)
	return t.String() + "\n"
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// ago renders the age of t relative to now, or "-" for nil.
func ago(t *time.Time, now time.Time) string {
	if t == nil || t.IsZero() {
		return "-"
	}
	d := now.Sub(*t)
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%ds ago", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 48*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd ago", int(d.Hours()/24))
	}
}

func short(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
