// Package tui renders the operator facing output of the command line: the
// startup banner, event tables and the secret prompt.
package tui

import (
	"fmt"
	"io"
	"os"

	"github.com/charmbracelet/huh"
	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-isatty"
)

var (
	HasTTY = isatty.IsTerminal(os.Stdout.Fd())

	messageOKColor      = lipgloss.AdaptiveColor{Light: "#009900", Dark: "#00FF00"}
	messageOKStyle      = lipgloss.NewStyle().Foreground(messageOKColor)
	messageWarningColor = lipgloss.AdaptiveColor{Light: "#990000", Dark: "#FF0000"}
	messageWarningStyle = lipgloss.NewStyle().Foreground(messageWarningColor)
	mutedStyleColor     = lipgloss.AdaptiveColor{Light: "#666666", Dark: "#999999"}
	textStyleColor      = lipgloss.AdaptiveColor{Light: "#36EEE0", Dark: "#00FFFF"}

	inputTheme = huh.ThemeBase16()
)

func Bold(text string) string {
	return lipgloss.NewStyle().Bold(true).Foreground(textStyleColor).Render(text)
}

func Muted(text string) string {
	return lipgloss.NewStyle().Foreground(mutedStyleColor).Render(text)
}

func ShowSuccess(w io.Writer, msg string, args ...any) {
	fmt.Fprintln(w, messageOKStyle.Render(" ✓ ")+fmt.Sprintf(msg, args...))
}

func ShowError(w io.Writer, msg string, args ...any) {
	fmt.Fprintln(w, messageWarningStyle.Render(" ⚠ ")+fmt.Sprintf(msg, args...))
}

// Password prompts for a secret without echoing it.
func Password(title string, description string) (string, error) {
	var value string
	err := huh.NewInput().
		Title(title).
		Prompt("> ").
		Description(description + "\n").
		EchoMode(huh.EchoModePassword).
		Value(&value).
		WithTheme(inputTheme).
		Run()
	return value, err
}
