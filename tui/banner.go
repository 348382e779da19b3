package tui

import (
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/lipgloss"
)

var (
	bannerForegroupColor = lipgloss.AdaptiveColor{Light: "#a60853", Dark: "#F652A0"}
	bannerBorderColor    = lipgloss.AdaptiveColor{Light: "#999999", Dark: "#AAAAAA"}
	bannerTitleColor     = lipgloss.AdaptiveColor{Light: "#00AAAA", Dark: "#00FFFF"}
	bannerMaxWidth       = 80
	bannerStyle          = lipgloss.NewStyle().
				Padding(1).
				AlignVertical(lipgloss.Top).
				AlignHorizontal(lipgloss.Left).
				Border(lipgloss.RoundedBorder()).
				BorderForeground(bannerBorderColor)
	bannerBodyStyle  = lipgloss.NewStyle().Width(bannerMaxWidth).Foreground(bannerForegroupColor)
	bannerTitleStyle = lipgloss.NewStyle().AlignHorizontal(lipgloss.Center).Bold(true).Foreground(bannerTitleColor)
)

// Field is one "name: value" line of a banner body.
type Field struct {
	Name  string
	Value string
}

// Fields aligns fields into a banner body.
func Fields(fields ...Field) string {
	width := 0
	for _, f := range fields {
		width = max(width, len(f.Name))
	}
	lines := make([]string, 0, len(fields))
	for _, f := range fields {
		lines = append(lines, fmt.Sprintf("%-*s  %s", width+1, f.Name+":", f.Value))
	}
	return strings.Join(lines, "\n")
}

func Banner(title string, body string) string {
	block := bannerTitleStyle.Render(title) + "\n\n" + bannerBodyStyle.Render(body)
	return bannerStyle.Render(block)
}

// ShowBanner writes the banner when stdout is a terminal.
func ShowBanner(w io.Writer, title string, body string) {
	if !HasTTY {
		return
	}
	fmt.Fprintln(w, Banner(title, body))
}
