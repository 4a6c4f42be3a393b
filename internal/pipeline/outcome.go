package pipeline

import (
	"fmt"
	"strings"
)

type Kind uint8

const (
	KindFailed Kind = iota
	KindNoOp
	KindUpdated
	KindPlanned
)

func (k Kind) String() string {
	switch k {
	case KindNoOp:
		return "no-op"
	case KindUpdated:
		return "updated"
	case KindPlanned:
		return "planned"
	default:
		return "failed"
	}
}

// Outcome is the result of one pipeline run.
type Outcome struct {
	Kind      Kind
	Commit    string
	Branch    string
	Submodule string
	From      string
	To        string
	Attempts  int
	Reason    string
	Err       error

	// Update is the computed change for Updated and Planned outcomes.
	Update *PendingUpdate
}

func (o Outcome) Summary() string {
	var b strings.Builder
	switch o.Kind {
	case KindUpdated:
		fmt.Fprintf(&b, "updated %s on %s: %s -> %s (commit %s)", o.Submodule, o.Branch, short(o.From), short(o.To), short(o.Commit))
	case KindPlanned:
		fmt.Fprintf(&b, "would update %s on %s: %s -> %s", o.Submodule, o.Branch, short(o.From), short(o.To))
	case KindNoOp:
		fmt.Fprintf(&b, "nothing to do")
		if o.Branch != "" {
			fmt.Fprintf(&b, " for %s", o.Branch)
		}
	default:
		fmt.Fprintf(&b, "failed")
		if o.Branch != "" {
			fmt.Fprintf(&b, " on %s", o.Branch)
		}
	}
	if o.Reason != "" {
		fmt.Fprintf(&b, ": %s", o.Reason)
	}
	if o.Attempts > 1 {
		fmt.Fprintf(&b, " after %d attempts", o.Attempts)
	}
	return b.String()
}

func short(hash string) string {
	if len(hash) > 12 {
		return hash[:12]
	}
	return hash
}
