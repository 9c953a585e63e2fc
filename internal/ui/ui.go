// Package ui holds the terminal styles shared by the CLI commands.
package ui

import (
	"fmt"

	"github.com/charmbracelet/lipgloss"
)

var (
	passStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("42")).Bold(true)
	warnStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	failStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("196")).Bold(true)
	accentStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("39"))
	faintStyle  = lipgloss.NewStyle().Faint(true)
)

// RenderPass renders s in the success style.
func RenderPass(s string) string { return passStyle.Render(s) }

// RenderWarn renders s in the warning style.
func RenderWarn(s string) string { return warnStyle.Render(s) }

// RenderFail renders s in the failure style.
func RenderFail(s string) string { return failStyle.Render(s) }

// RenderAccent renders s in the accent style used for identifiers and
// counts.
func RenderAccent(s string) string { return accentStyle.Render(s) }

// RenderFaint renders s dimmed, for secondary detail.
func RenderFaint(s string) string { return faintStyle.Render(s) }

// RenderAccentf formats and renders in the accent style.
func RenderAccentf(format string, args ...interface{}) string {
	return accentStyle.Render(fmt.Sprintf(format, args...))
}
