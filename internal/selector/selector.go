// Package selector picks the single next action from a derived state
// snapshot. It is a pure function of its inputs.
//
// Priority, first match wins, items in declaration order within a tier:
//
//  1. Merge: open request, approved
//  2. Revise: open request, changes requested
//  3. Wait: open request, pending or no decision (a human must act)
//  4. Enrich or Execute: first unmerged item without an open request whose
//     dependencies are all satisfied; Enrich when it has no artifact yet
//  5. None: nothing can proceed (blocked on dependencies or done)
package selector

import (
	"prpflow/internal/state"
)

// Kind tags an Action.
type Kind int

const (
	None Kind = iota
	Merge
	Revise
	Wait
	Enrich
	Execute
)

var kindNames = [...]string{"none", "merge", "revise", "wait", "enrich", "execute"}

// String returns the lower-case action name.
func (k Kind) String() string {
	if k < 0 || int(k) >= len(kindNames) {
		return "unknown"
	}
	return kindNames[k]
}

// Terminal reports whether the kind ends a run instead of running a
// workflow.
func (k Kind) Terminal() bool {
	return k == None || k == Wait
}

// Action is the selected next step. Item is the zero value for None.
type Action struct {
	Kind Kind
	Item state.ItemState
}

// String renders e.g. "execute P3" or "none".
func (a Action) String() string {
	if a.Kind == None {
		return a.Kind.String()
	}
	return a.Kind.String() + " " + a.Item.ID()
}

// SelectNext returns the next action for states. completed is the
// pre-declared completed set.
func SelectNext(states []state.ItemState, completed map[string]bool) Action {
	if s, ok := firstOpen(states, state.DecisionApproved); ok {
		return Action{Kind: Merge, Item: s}
	}
	if s, ok := firstOpen(states, state.DecisionChangesRequested); ok {
		return Action{Kind: Revise, Item: s}
	}
	if s, ok := firstOpen(states, state.DecisionPending, state.DecisionNone); ok {
		return Action{Kind: Wait, Item: s}
	}

	satisfied := Satisfied(states, completed)
	for _, s := range states {
		if s.Merged() || s.Open() {
			continue
		}
		if !depsSatisfied(s, satisfied) {
			continue
		}
		if !s.Enriched() {
			return Action{Kind: Enrich, Item: s}
		}
		return Action{Kind: Execute, Item: s}
	}
	return Action{Kind: None}
}

func firstOpen(states []state.ItemState, decisions ...state.Decision) (state.ItemState, bool) {
	for _, s := range states {
		if !s.Open() {
			continue
		}
		for _, d := range decisions {
			if s.Request.Decision == d {
				return s, true
			}
		}
	}
	return state.ItemState{}, false
}

// Satisfied returns completed ∪ {ids whose request is merged or which are
// pre-completed}.
func Satisfied(states []state.ItemState, completed map[string]bool) map[string]bool {
	out := make(map[string]bool, len(completed)+len(states))
	for id, ok := range completed {
		if ok {
			out[id] = true
		}
	}
	for _, s := range states {
		if s.Merged() {
			out[s.ID()] = true
		}
	}
	return out
}

func depsSatisfied(s state.ItemState, satisfied map[string]bool) bool {
	for _, dep := range s.Item.DependsOn {
		if !satisfied[dep] {
			return false
		}
	}
	return true
}

// Blockers lists the unsatisfied dependencies of id, in declaration order.
func Blockers(states []state.ItemState, completed map[string]bool, id string) []string {
	satisfied := Satisfied(states, completed)
	for _, s := range states {
		if s.ID() != id {
			continue
		}
		var out []string
		for _, dep := range s.Item.DependsOn {
			if !satisfied[dep] {
				out = append(out, dep)
			}
		}
		return out
	}
	return nil
}

// IsComplete reports whether every item counts as merged. An empty plan is
// complete.
func IsComplete(states []state.ItemState) bool {
	for _, s := range states {
		if !s.Merged() {
			return false
		}
	}
	return true
}
