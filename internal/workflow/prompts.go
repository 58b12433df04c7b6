package workflow

import (
	"bytes"
	"fmt"
	"text/template"

	"prpflow/internal/plan"
	"prpflow/internal/state"
)

// EnrichPromptData holds the variables injected into the enrich prompt.
type EnrichPromptData struct {
	Item        plan.Item
	Project     string
	Context     string
	Constraints []string
	OutputPath  string // where the agent must write the artifact
}

var enrichPromptTemplate = template.Must(template.New("enrichPrompt").Parse(enrichPromptTemplateText))

const enrichPromptTemplateText = `You are preparing an implementation plan for work item {{.Item.ID}} of project {{.Project}}.

# {{.Item.ID}}: {{.Item.Title}}

## Goal

{{.Item.Scope}}
{{- if .Item.DependsOn}}

## Dependencies (already merged)

{{range .Item.DependsOn}}- {{.}}
{{end}}{{end}}
{{- if or .Item.Files.Create .Item.Files.Modify}}

## File hints
{{range .Item.Files.Create}}
- create ` + "`{{.}}`" + `{{end}}{{range .Item.Files.Modify}}
- modify ` + "`{{.}}`" + `{{end}}
{{end}}
{{- if .Constraints}}

## Constraints

{{range .Constraints}}- {{.}}
{{end}}{{end}}
{{- if .Item.AcceptanceCriteria}}

## Acceptance criteria

{{range .Item.AcceptanceCriteria}}- {{.}}
{{end}}{{end}}
{{- if .Item.TestRequirements}}

## Test requirements

{{range .Item.TestRequirements}}- {{.}}
{{end}}{{end}}
{{- if .Item.Notes}}

## Notes

{{.Item.Notes}}
{{end}}
{{- if .Context}}

## Project context

{{.Context}}
{{end}}
---

## Task

Research the codebase and write a detailed, codebase-aware implementation
plan for this work item. Name the files to change, the functions and types
involved, the tests to add and the commands that validate the result.

Write the plan as markdown to ` + "`{{.OutputPath}}`" + `.

Do NOT implement the change. Do NOT commit or push.`

// RenderEnrichPrompt renders the enrich prompt.
func RenderEnrichPrompt(data *EnrichPromptData) (string, error) {
	return render(enrichPromptTemplate, data)
}

// ExecutePromptData holds the variables injected into the execute prompt.
type ExecutePromptData struct {
	Item       plan.Item
	Branch     string
	Enrichment string // artifact content
	Validation []string
}

var executePromptTemplate = template.Must(template.New("executePrompt").Parse(executePromptTemplateText))

const executePromptTemplateText = `You are implementing work item {{.Item.ID}}: {{.Item.Title}}.

You are on branch ` + "`{{.Branch}}`" + `.

## Implementation plan

{{.Enrichment}}

---

## Rules

1. Implement ONLY the scope described in the plan above. Do not refactor
   unrelated code or start other work items.
2. Follow project conventions: read and obey ` + "`AGENTS.md`" + ` and ` + "`CLAUDE.md`" + ` when present.
3. Add or update tests for the change.
{{- if .Validation}}
4. Make sure these commands pass before you finish:
{{range .Validation}}   - ` + "`{{.}}`" + `
{{end}}{{end}}
Do NOT commit, push or open a pull request. Leave your changes in the working tree.`

// RenderExecutePrompt renders the execute prompt.
func RenderExecutePrompt(data *ExecutePromptData) (string, error) {
	return render(executePromptTemplate, data)
}

// RevisePromptData holds the variables injected into the revise prompt.
type RevisePromptData struct {
	Item     plan.Item
	Branch   string
	PRNumber int
	Feedback string
}

var revisePromptTemplate = template.Must(template.New("revisePrompt").Parse(revisePromptTemplateText))

const revisePromptTemplateText = `You are revising pull request #{{.PRNumber}} for work item {{.Item.ID}}: {{.Item.Title}}.

You are on branch ` + "`{{.Branch}}`" + `.

## Review feedback

{{.Feedback}}

---

## Rules

1. Address ONLY the feedback above. Do not add unrelated changes.
2. When a comment names a file and line, start there.
3. If a comment is a question that needs no code change, leave the code alone.

Do NOT commit or push. Leave your changes in the working tree.`

// RenderRevisePrompt renders the revise prompt.
func RenderRevisePrompt(data *RevisePromptData) (string, error) {
	return render(revisePromptTemplate, data)
}

// PRBodyData holds the variables for a new pull request description.
type PRBodyData struct {
	Item           plan.Item
	EnrichmentPath string
	Validation     []ValidationResult
	ApproveLabel   string
	ChangesLabel   string
}

var prBodyTemplate = template.Must(template.New("prBody").Parse(prBodyTemplateText))

const prBodyTemplateText = `## {{.Item.ID}}: {{.Item.Title}}

{{.Item.Scope}}
{{- if .EnrichmentPath}}

Implementation plan: ` + "`{{.EnrichmentPath}}`" + `
{{- end}}

### Validation
{{if .Validation}}
| Check | Command | Result |
|-------|---------|--------|
{{range .Validation}}| {{.Name}} | ` + "`{{.Command}}`" + ` | {{.Mark}} |
{{end}}{{else}}
No validation commands configured.
{{end}}
### Review

- To merge, approve the PR or add the ` + "`{{.ApproveLabel}}`" + ` label.
- To request a revision, request changes or add the ` + "`{{.ChangesLabel}}`" + ` label and leave comments.

_Opened by prpflow._`

// RenderPRBody renders a pull request description.
func RenderPRBody(data *PRBodyData) (string, error) {
	if data.ApproveLabel == "" {
		data.ApproveLabel = state.ApprovedLabels[0]
	}
	if data.ChangesLabel == "" {
		data.ChangesLabel = state.ChangesRequestedLabels[0]
	}
	return render(prBodyTemplate, data)
}

// AckComment is the acknowledgement posted after a revision is pushed.
func AckComment() string {
	return "Addressed review feedback. Ready for another look.\n\n" + AckMarker
}

func render(t *template.Template, data any) (string, error) {
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("rendering %s template: %w", t.Name(), err)
	}
	return buf.String(), nil
}
