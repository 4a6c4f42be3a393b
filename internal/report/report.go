// Package report renders pipeline outcomes for humans.
package report

import (
	"fmt"
	"io"
	"strings"

	"github.com/alecthomas/chroma/v2"
	"github.com/alecthomas/chroma/v2/formatters"
	"github.com/alecthomas/chroma/v2/lexers"
	"github.com/alecthomas/chroma/v2/styles"
	"github.com/pmezard/go-difflib/difflib"

	gitbackend "github.com/withlazers/deployment-withlazers/internal/git/backend"
	"github.com/withlazers/deployment-withlazers/internal/pipeline"
)

const diffStyle = "github-dark"

// TreeDiff renders the gitlink listing of the update's parent against the
// listing after the update as a unified diff.
func TreeDiff(composite gitbackend.Backend, u *pipeline.PendingUpdate) (string, error) {
	subs, err := composite.ListSubmodules(u.ParentCommit)
	if err != nil {
		return "", fmt.Errorf("list submodules of %s: %w", u.ParentCommit, err)
	}
	return GitlinkDiff(subs, u)
}

// GitlinkDiff is TreeDiff over an already read submodule listing.
func GitlinkDiff(subs []gitbackend.Submodule, u *pipeline.PendingUpdate) (string, error) {
	before := make([]string, 0, len(subs))
	after := make([]string, 0, len(subs))
	for _, s := range subs {
		before = append(before, lsTreeLine(s.RecordedCommit, s.Path))
		commit := s.RecordedCommit
		if s.Path == u.SubmodulePath {
			commit = u.ToCommit
		}
		after = append(after, lsTreeLine(commit, s.Path))
	}
	source := u.Target.BaseBranch
	if u.Target.Existed {
		source = u.Target.Branch
	}
	return difflib.GetUnifiedDiffString(difflib.UnifiedDiff{
		A:        before,
		B:        after,
		FromFile: "a/" + source,
		ToFile:   "b/" + u.Target.Branch,
		Context:  3,
	})
}

func lsTreeLine(commit, path string) string {
	return fmt.Sprintf("160000 commit %s\t%s\n", commit, path)
}

type Printer struct {
	w     io.Writer
	color bool
}

func NewPrinter(w io.Writer, color bool) *Printer {
	return &Printer{w: w, color: color}
}

func (p *Printer) Outcome(out pipeline.Outcome) error {
	_, err := fmt.Fprintln(p.w, out.Summary())
	return err
}

// Diff writes diff, highlighted when the printer is in color mode.
func (p *Printer) Diff(diff string) error {
	if diff == "" {
		return nil
	}
	if !strings.HasSuffix(diff, "\n") {
		diff += "\n"
	}
	if !p.color {
		_, err := io.WriteString(p.w, diff)
		return err
	}
	return highlight(p.w, diff)
}

func highlight(w io.Writer, text string) error {
	lexer := lexers.Get("diff")
	if lexer == nil {
		lexer = lexers.Fallback
	}
	lexer = chroma.Coalesce(lexer)
	style := styles.Get(diffStyle)
	if style == nil {
		style = styles.Fallback
	}
	formatter := formatters.Get("terminal256")
	if formatter == nil {
		formatter = formatters.Fallback
	}
	iterator, err := lexer.Tokenise(nil, text)
	if err != nil {
		return err
	}
	return formatter.Format(w, style, iterator)
}
