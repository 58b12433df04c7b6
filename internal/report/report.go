package report

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"

	"prpflow/internal/orchestrator"
	"prpflow/internal/selector"
	"prpflow/internal/state"
)

// maxTitle bounds the title column.
const maxTitle = 40

// Renderer turns snapshots and summaries into terminal text.
type Renderer struct {
	Styles Styles
}

// New returns a Renderer with the default styles.
func New() *Renderer {
	return &Renderer{Styles: DefaultStyles()}
}

// StatusTable renders one row per item in declaration order followed by the
// action the next run would take.
func (r *Renderer) StatusTable(project string, states []state.ItemState, completed map[string]bool) string {
	st := r.Styles
	rows := make([][]string, 0, len(states))
	for _, s := range states {
		pr := ""
		if s.Request != nil {
			pr = "#" + strconv.Itoa(s.Request.Number)
		}
		stage := s.Stage()
		if s.PreCompleted && s.Request == nil {
			stage = "completed"
		}
		rows = append(rows, []string{
			s.ID(),
			truncate(s.Item.Title, maxTitle),
			stage,
			s.Branch,
			pr,
			strings.Join(selector.Blockers(states, completed, s.ID()), ", "),
		})
	}

	t := table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(st.Border).
		Headers("ID", "TITLE", "STAGE", "BRANCH", "PR", "BLOCKED ON").
		Rows(rows...).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow || row >= len(rows) {
				return st.Header
			}
			switch col {
			case 0:
				return st.Cell.Inherit(st.ItemID)
			case 2:
				return st.Cell.Inherit(st.StageStyle(rows[row][2]))
			case 5:
				return st.Cell.Inherit(st.Warning)
			}
			return st.Cell
		})

	var b strings.Builder
	b.WriteString(st.Title.Render(project))
	b.WriteString("\n")
	b.WriteString(t.Render())
	b.WriteString("\n")

	next := selector.SelectNext(states, completed)
	switch {
	case selector.IsComplete(states):
		b.WriteString(st.Success.Render(IconSuccess + " all items merged"))
	case next.Kind == selector.Wait:
		b.WriteString(st.Warning.Render(fmt.Sprintf("%s waiting for review on %s (#%d)", IconWaiting, next.Item.ID(), next.Item.Request.Number)))
	case next.Kind == selector.None:
		b.WriteString(st.Muted.Render(IconBlocked + " no item can proceed"))
	default:
		b.WriteString(st.Action.Render(IconRunning + " next: " + next.String()))
	}
	b.WriteString("\n")
	return b.String()
}

// Summary renders a run summary: a headline and one line per action.
func (r *Renderer) Summary(sum *orchestrator.RunSummary) string {
	st := r.Styles
	var b strings.Builder

	headline := fmt.Sprintf("%s %s %s", StopIcon(sum.Stop), sum.Project, sum.Stop)
	b.WriteString(st.StopStyle(sum.Stop).Render(headline))
	b.WriteString(st.Duration.Render(fmt.Sprintf("  %d actions, %s", len(sum.Actions), sum.Duration().Round(time.Second))))
	b.WriteString("\n")

	for _, rec := range sum.Actions {
		line := fmt.Sprintf("  %s %s %s",
			st.OutcomeStyle(rec).Render(OutcomeIcon(rec)),
			st.Action.Render(fmt.Sprintf("%-7s", rec.Action)),
			st.ItemID.Render(rec.Item),
		)
		detail := rec.Summary
		if rec.Error != "" {
			detail = rec.Error
		}
		if detail != "" {
			line += " " + st.Muted.Render(detail)
		}
		b.WriteString(line)
		b.WriteString("\n")
	}
	if sum.Waiting != "" {
		b.WriteString(st.Warning.Render("  waiting for a review decision on " + sum.Waiting))
		b.WriteString("\n")
	}
	if sum.Error != "" && len(sum.Actions) == 0 {
		b.WriteString(st.Error.Render("  " + sum.Error))
		b.WriteString("\n")
	}
	return b.String()
}

// LastRun renders a one-line description of a stored summary.
func (r *Renderer) LastRun(sum *orchestrator.RunSummary) string {
	if sum == nil {
		return r.Styles.Muted.Render("no recorded runs")
	}
	return r.Styles.StopStyle(sum.Stop).Render(fmt.Sprintf("last run %s: %s %s, %d actions",
		sum.FinishedAt.Local().Format(time.DateTime), StopIcon(sum.Stop), sum.Stop, len(sum.Actions)))
}

func truncate(s string, n int) string {
	if len([]rune(s)) <= n {
		return s
	}
	return string([]rune(s)[:n-1]) + "…"
}
