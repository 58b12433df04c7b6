// Package plan loads a project's plan document: the ordered list of work
// items (PRPs), their dependencies and the project-wide context handed to the
// coding agent.
package plan

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Validation errors. Wrapped with the offending ids.
var (
	ErrDuplicateID       = errors.New("duplicate prp id")
	ErrUnknownDependency = errors.New("unknown dependency")
	ErrCycle             = errors.New("dependency cycle")
	ErrMissingID         = errors.New("prp without id")
	ErrInvalidID         = errors.New("invalid prp id")
)

// Files lists file hints for an item.
type Files struct {
	Create []string `yaml:"create"`
	Modify []string `yaml:"modify"`
}

// Item is one declared unit of work.
type Item struct {
	ID                 string   `yaml:"id"`
	Title              string   `yaml:"title"`
	Scope              string   `yaml:"scope"`
	DependsOn          []string `yaml:"depends_on"`
	Files              Files    `yaml:"files"`
	AcceptanceCriteria []string `yaml:"acceptance_criteria"`
	TestRequirements   []string `yaml:"test_requirements"`
	Notes              string   `yaml:"notes"`
}

// Plan is a parsed plan document. Items keep declaration order.
type Plan struct {
	Project     string   `yaml:"project"`
	Context     string   `yaml:"context"`
	Constraints []string `yaml:"constraints"`
	Completed   []string `yaml:"completed"`
	Items       []Item   `yaml:"prps"`
}

// Load reads and validates the plan at path.
func Load(path string) (*Plan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read plan: %w", err)
	}
	p, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("plan %s: %w", path, err)
	}
	return p, nil
}

// Parse decodes and validates a plan document.
func Parse(data []byte) (*Plan, error) {
	var p Plan
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parse plan: %w", err)
	}
	for i := range p.Items {
		p.Items[i].ID = strings.TrimSpace(p.Items[i].ID)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

// Item returns the item with id, or false.
func (p *Plan) Item(id string) (Item, bool) {
	for _, it := range p.Items {
		if it.ID == id {
			return it, true
		}
	}
	return Item{}, false
}

// CompletedSet returns the pre-declared completed ids as a set.
func (p *Plan) CompletedSet() map[string]bool {
	set := make(map[string]bool, len(p.Completed))
	for _, id := range p.Completed {
		set[id] = true
	}
	return set
}

// Validate rejects missing or duplicate ids, dependencies that do not
// resolve within the plan, and dependency cycles. Ids in the completed set
// count as resolvable dependencies.
func (p *Plan) Validate() error {
	known := make(map[string]bool, len(p.Items))
	// Branch names lower-case the id, so ids must differ case-insensitively.
	folded := make(map[string]string, len(p.Items))
	for i, it := range p.Items {
		if it.ID == "" {
			return fmt.Errorf("%w: entry %d", ErrMissingID, i)
		}
		if err := checkID(it.ID); err != nil {
			return err
		}
		if known[it.ID] {
			return fmt.Errorf("%w: %s", ErrDuplicateID, it.ID)
		}
		if other, ok := folded[strings.ToLower(it.ID)]; ok {
			return fmt.Errorf("%w: %s and %s differ only in case", ErrDuplicateID, other, it.ID)
		}
		known[it.ID] = true
		folded[strings.ToLower(it.ID)] = it.ID
	}
	completed := p.CompletedSet()
	for _, it := range p.Items {
		for _, dep := range it.DependsOn {
			if !known[dep] && !completed[dep] {
				return fmt.Errorf("%w: %s depends on %s", ErrUnknownDependency, it.ID, dep)
			}
		}
	}
	return p.checkCycles()
}

// checkID rejects ids that cannot form a single branch-name segment.
func checkID(id string) error {
	if strings.HasPrefix(id, "-") || strings.HasPrefix(id, ".") || strings.Contains(id, "..") || strings.HasSuffix(id, ".lock") {
		return fmt.Errorf("%w: %q", ErrInvalidID, id)
	}
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case r == '-', r == '_', r == '.':
		default:
			return fmt.Errorf("%w: %q contains %q", ErrInvalidID, id, r)
		}
	}
	return nil
}

func (p *Plan) checkCycles() error {
	const (
		unvisited = iota
		visiting
		done
	)
	deps := make(map[string][]string, len(p.Items))
	for _, it := range p.Items {
		deps[it.ID] = it.DependsOn
	}
	mark := make(map[string]int, len(p.Items))
	var path []string

	var visit func(id string) error
	visit = func(id string) error {
		switch mark[id] {
		case visiting:
			start := 0
			for i, v := range path {
				if v == id {
					start = i
				}
			}
			cycle := append(append([]string{}, path[start:]...), id)
			return fmt.Errorf("%w: %s", ErrCycle, strings.Join(cycle, " -> "))
		case done:
			return nil
		}
		mark[id] = visiting
		path = append(path, id)
		for _, dep := range deps[id] {
			if _, ok := deps[dep]; !ok {
				continue
			}
			if err := visit(dep); err != nil {
				return err
			}
		}
		path = path[:len(path)-1]
		mark[id] = done
		return nil
	}

	for _, it := range p.Items {
		if err := visit(it.ID); err != nil {
			return err
		}
	}
	return nil
}
