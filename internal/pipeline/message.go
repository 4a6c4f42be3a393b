package pipeline

import (
	"fmt"
	"strings"
)

const (
	trailerSubmodule = "Composite-Sync-Submodule"
	trailerBranch    = "Composite-Sync-Branch"
	trailerFrom      = "Composite-Sync-From"
	trailerTo        = "Composite-Sync-To"
)

// Trailers identify commits created by the pipeline.
type Trailers struct {
	Submodule string
	Branch    string
	From      string
	To        string
}

// BuildMessage renders the update commit message. The service message block
// is left out when it is empty.
func BuildMessage(t Trailers, serviceMessage string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Update submodule %s to %s\n\n", t.Submodule, t.To)
	fmt.Fprintf(&b, "Service branch: %s\n", t.Branch)
	fmt.Fprintf(&b, "Previous commit: %s\n", t.From)
	fmt.Fprintf(&b, "New commit: %s\n", t.To)
	if msg := strings.TrimSpace(serviceMessage); msg != "" {
		b.WriteString("---\n")
		b.WriteString(msg)
		b.WriteString("\n")
	}
	b.WriteString("\n")
	fmt.Fprintf(&b, "%s: %s\n", trailerSubmodule, t.Submodule)
	fmt.Fprintf(&b, "%s: %s\n", trailerBranch, t.Branch)
	fmt.Fprintf(&b, "%s: %s\n", trailerFrom, t.From)
	fmt.Fprintf(&b, "%s: %s\n", trailerTo, t.To)
	return b.String()
}

// ParseTrailers reads the trailer block written by BuildMessage. It only looks
// at the last paragraph, so trailers quoted from a service message are ignored.
func ParseTrailers(msg string) (Trailers, bool) {
	lines := strings.Split(strings.TrimRight(msg, "\n"), "\n")
	start := len(lines)
	for start > 0 && strings.TrimSpace(lines[start-1]) != "" {
		start--
	}
	var t Trailers
	for _, line := range lines[start:] {
		key, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		value = strings.TrimSpace(value)
		switch strings.TrimSpace(key) {
		case trailerSubmodule:
			t.Submodule = value
		case trailerBranch:
			t.Branch = value
		case trailerFrom:
			t.From = value
		case trailerTo:
			t.To = value
		}
	}
	return t, t.Submodule != ""
}
