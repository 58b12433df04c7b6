package plan

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const samplePlan = `
project: billing
context: |
  Go service with a Postgres store.
constraints:
  - no new dependencies
completed: [P0]
prps:
  - id: P1
    title: Add invoice model
    scope: Introduce the invoice aggregate.
    depends_on: [P0]
    files:
      create: [internal/invoice/invoice.go]
    acceptance_criteria:
      - invoices have totals
  - id: P2
    title: Invoice API
    scope: Expose invoices over HTTP.
    depends_on: [P1]
    test_requirements:
      - handler tests
`

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "plan.yaml")
	require.NoError(t, os.WriteFile(path, []byte(samplePlan), 0644))

	p, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "billing", p.Project)
	assert.Equal(t, []string{"no new dependencies"}, p.Constraints)
	require.Len(t, p.Items, 2)
	assert.Equal(t, "P1", p.Items[0].ID)
	assert.Equal(t, "P2", p.Items[1].ID)
	assert.Equal(t, []string{"internal/invoice/invoice.go"}, p.Items[0].Files.Create)
	assert.True(t, p.CompletedSet()["P0"])

	it, ok := p.Item("P2")
	require.True(t, ok)
	assert.Equal(t, []string{"P1"}, it.DependsOn)
	_, ok = p.Item("P9")
	assert.False(t, ok)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestParse_Errors(t *testing.T) {
	tests := []struct {
		name string
		doc  string
		want error
	}{
		{
			name: "duplicate id",
			doc:  "prps:\n  - id: A\n  - id: A\n",
			want: ErrDuplicateID,
		},
		{
			name: "unknown dependency",
			doc:  "prps:\n  - id: A\n    depends_on: [Z]\n",
			want: ErrUnknownDependency,
		},
		{
			name: "cycle",
			doc:  "prps:\n  - id: A\n    depends_on: [C]\n  - id: B\n    depends_on: [A]\n  - id: C\n    depends_on: [B]\n",
			want: ErrCycle,
		},
		{
			name: "self dependency",
			doc:  "prps:\n  - id: A\n    depends_on: [A]\n",
			want: ErrCycle,
		},
		{
			name: "missing id",
			doc:  "prps:\n  - title: nameless\n",
			want: ErrMissingID,
		},
		{
			name: "ids differing only in case",
			doc:  "prps:\n  - id: p1\n  - id: P1\n",
			want: ErrDuplicateID,
		},
		{
			name: "slash in id",
			doc:  "prps:\n  - id: auth/db\n",
			want: ErrInvalidID,
		},
		{
			name: "space in id",
			doc:  "prps:\n  - id: \"auth db\"\n",
			want: ErrInvalidID,
		},
		{
			name: "double dot in id",
			doc:  "prps:\n  - id: a..b\n",
			want: ErrInvalidID,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.doc))
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestParse_CycleMessageNamesPath(t *testing.T) {
	_, err := Parse([]byte("prps:\n  - id: A\n    depends_on: [B]\n  - id: B\n    depends_on: [A]\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "A -> B -> A")
}

func TestParse_InvalidYAML(t *testing.T) {
	_, err := Parse([]byte("prps: [::"))
	assert.Error(t, err)
}

func TestBranchName(t *testing.T) {
	assert.Equal(t, "prp/p1/", BranchPrefix("P1"))
	assert.Equal(t, "prp/p1/add-invoice-model", BranchName(Item{ID: "P1", Title: "Add invoice model"}))
	assert.Equal(t, "prp/p2/work", BranchName(Item{ID: "P2", Title: "!!!"}))
}

func TestBranchPrefix_HyphenatedSiblings(t *testing.T) {
	auth := BranchPrefix("auth")
	db := BranchName(Item{ID: "auth-db", Title: "Schema"})
	assert.Equal(t, "prp/auth-db/schema", db)
	assert.False(t, strings.HasPrefix(db, auth), "%s must not match prefix %s", db, auth)
	assert.True(t, strings.HasPrefix(BranchName(Item{ID: "auth", Title: "Login"}), auth))
}

func TestSlug(t *testing.T) {
	tests := map[string]string{
		"Add invoice model":        "add-invoice-model",
		"  --Leading & trailing-- ": "leading-trailing",
		"OAuth2 / SSO (phase #1)":  "oauth2-sso-phase-1",
		"Ünïcode names":            "n-code-names",
		"":                         "",
	}
	for in, want := range tests {
		assert.Equal(t, want, Slug(in), "Slug(%q)", in)
	}
}

func TestSlug_Bounded(t *testing.T) {
	s := Slug(strings.Repeat("abc ", 30))
	assert.LessOrEqual(t, len(s), 40)
	assert.False(t, strings.HasSuffix(s, "-"))
	assert.NotContains(t, s, "--")
}
