package orchestrator

import (
	"encoding/json"
	"fmt"
)

// StopReason indicates why a project run ended. Reasons are ordered by
// severity; Worst picks the highest.
type StopReason int

const (
	StopComplete         StopReason = iota // Every item is merged.
	StopWaitingReview                      // An open request needs a human decision.
	StopBlocked                            // Nothing can proceed on dependencies.
	StopNoop                               // A workflow made no progress.
	StopMaxIterations                      // Hit the per-run action cap.
	StopContextCancelled                   // Context cancelled (e.g. SIGINT).
	StopLocked                             // Another run holds the project lock.
	StopFailed                             // Preflight or workflow error.
)

var stopNames = [...]string{
	"complete",
	"waiting-review",
	"blocked",
	"noop",
	"max-iterations",
	"context-cancelled",
	"locked",
	"failed",
}

// String returns a human-readable label for the stop reason.
func (r StopReason) String() string {
	if r < 0 || int(r) >= len(stopNames) {
		return "unknown"
	}
	return stopNames[r]
}

// ExitCode returns a distinct process exit code for each stop reason.
func (r StopReason) ExitCode() int {
	switch r {
	case StopComplete:
		return 0
	case StopFailed:
		return 1
	case StopWaitingReview:
		return 2
	case StopBlocked:
		return 3
	case StopNoop:
		return 4
	case StopMaxIterations:
		return 5
	case StopLocked:
		return 6
	case StopContextCancelled:
		return 130
	default:
		return 1
	}
}

// MarshalJSON implements json.Marshaler.
func (r StopReason) MarshalJSON() ([]byte, error) {
	return json.Marshal(r.String())
}

// UnmarshalJSON implements json.Unmarshaler.
func (r *StopReason) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := ParseStopReason(s)
	if err != nil {
		return err
	}
	*r = parsed
	return nil
}

// ParseStopReason is the inverse of String.
func ParseStopReason(s string) (StopReason, error) {
	for i, name := range stopNames {
		if name == s {
			return StopReason(i), nil
		}
	}
	return 0, fmt.Errorf("unknown StopReason: %s", s)
}

// Worst returns the most severe reason among summaries, or StopComplete
// when there are none.
func Worst(summaries []*RunSummary) StopReason {
	worst := StopComplete
	for _, s := range summaries {
		if s != nil && s.Stop > worst {
			worst = s.Stop
		}
	}
	return worst
}
