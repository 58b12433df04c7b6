// Package report renders plan status and run summaries for the terminal.
package report

import (
	"strings"

	"github.com/charmbracelet/lipgloss"

	"prpflow/internal/orchestrator"
	"prpflow/internal/workflow"
)

// Color constants
const (
	ColorPrimary   = "39"  // Blue
	ColorSuccess   = "42"  // Green
	ColorWarning   = "214" // Orange
	ColorError     = "196" // Red
	ColorMuted     = "245" // Gray
	ColorHighlight = "212" // Pink
)

// Styles contains all styles used by the renderers.
type Styles struct {
	Title    lipgloss.Style
	Header   lipgloss.Style
	Cell     lipgloss.Style
	Success  lipgloss.Style
	Error    lipgloss.Style
	Warning  lipgloss.Style
	Muted    lipgloss.Style
	ItemID   lipgloss.Style
	Action   lipgloss.Style
	Duration lipgloss.Style
	Border   lipgloss.Style
}

// DefaultStyles returns the default styles.
func DefaultStyles() Styles {
	return Styles{
		Title: lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color(ColorPrimary)),
		Header: lipgloss.NewStyle().
			Bold(true).
			Padding(0, 1).
			Foreground(lipgloss.Color(ColorHighlight)),
		Cell: lipgloss.NewStyle().
			Padding(0, 1),
		Success: lipgloss.NewStyle().
			Foreground(lipgloss.Color(ColorSuccess)),
		Error: lipgloss.NewStyle().
			Foreground(lipgloss.Color(ColorError)),
		Warning: lipgloss.NewStyle().
			Foreground(lipgloss.Color(ColorWarning)),
		Muted: lipgloss.NewStyle().
			Foreground(lipgloss.Color(ColorMuted)),
		ItemID: lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color(ColorPrimary)),
		Action: lipgloss.NewStyle().
			Foreground(lipgloss.Color(ColorHighlight)),
		Duration: lipgloss.NewStyle().
			Foreground(lipgloss.Color(ColorMuted)),
		Border: lipgloss.NewStyle().
			Foreground(lipgloss.Color(ColorMuted)),
	}
}

// Status icons
const (
	IconRunning = "●"
	IconSuccess = "✓"
	IconFailed  = "✗"
	IconWaiting = "⏱"
	IconBlocked = "⊘"
	IconNoop    = "−"
)

// StopIcon returns the icon for a stop reason.
func StopIcon(r orchestrator.StopReason) string {
	switch r {
	case orchestrator.StopComplete:
		return IconSuccess
	case orchestrator.StopWaitingReview:
		return IconWaiting
	case orchestrator.StopBlocked, orchestrator.StopLocked:
		return IconBlocked
	case orchestrator.StopNoop:
		return IconNoop
	case orchestrator.StopFailed, orchestrator.StopContextCancelled:
		return IconFailed
	default:
		return IconRunning
	}
}

// StopStyle returns the style for a stop reason.
func (s Styles) StopStyle(r orchestrator.StopReason) lipgloss.Style {
	switch r {
	case orchestrator.StopComplete:
		return s.Success
	case orchestrator.StopFailed, orchestrator.StopContextCancelled:
		return s.Error
	case orchestrator.StopWaitingReview, orchestrator.StopMaxIterations, orchestrator.StopLocked:
		return s.Warning
	default:
		return s.Muted
	}
}

// OutcomeIcon returns the icon for an action record.
func OutcomeIcon(rec orchestrator.ActionRecord) string {
	switch {
	case rec.Error != "":
		return IconFailed
	case rec.Outcome == workflow.Noop:
		return IconNoop
	default:
		return IconSuccess
	}
}

// OutcomeStyle returns the style for an action record.
func (s Styles) OutcomeStyle(rec orchestrator.ActionRecord) lipgloss.Style {
	switch {
	case rec.Error != "":
		return s.Error
	case rec.Outcome == workflow.Noop:
		return s.Muted
	default:
		return s.Success
	}
}

// StageStyle returns the style for a derived stage label.
func (s Styles) StageStyle(stage string) lipgloss.Style {
	switch {
	case stage == "merged":
		return s.Success
	case stage == "closed":
		return s.Error
	case strings.HasPrefix(stage, "review:approved"):
		return s.Success
	case strings.HasPrefix(stage, "review:changes"):
		return s.Warning
	case strings.HasPrefix(stage, "review:"):
		return s.Action
	default:
		return s.Muted
	}
}
