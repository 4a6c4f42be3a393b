package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"github.com/withlazers/deployment-withlazers/internal/git"
	gitbackend "github.com/withlazers/deployment-withlazers/internal/git/backend"
)

// maxOwnerWalk bounds the first-parent walk used to find a branch's owners.
const maxOwnerWalk = 1000

// Base is the composite repository's primary branch at the tip read for the
// current attempt.
type Base struct {
	Branch string
	Tip    string
}

// Target is the composite branch an update is written to.
type Target struct {
	Branch     string
	BaseBranch string
	BaseTip    string
	// Existed distinguishes advancing an existing branch from creating one off
	// the base branch.
	Existed bool
	// Tip is the remote tip read for this attempt, "" when the branch is absent.
	Tip       string
	Qualified bool
}

// Source is the commit the update is based on.
func (t Target) Source() string {
	if t.Existed {
		return t.Tip
	}
	return t.BaseTip
}

type Resolver struct {
	opts Options
}

func NewResolver(opts Options) *Resolver {
	return &Resolver{opts: opts.withDefaults()}
}

// Resolve maps the service branch to a composite branch.
func (r *Resolver) Resolve(ctx context.Context, composite gitbackend.Backend, svc *git.ServiceRef, entry SubmoduleEntry, base Base) (Target, error) {
	if err := ctx.Err(); err != nil {
		return Target{}, err
	}
	if r.IsPrimary(svc) {
		if !r.opts.TrackPrimary {
			return Target{}, fmt.Errorf("%w: %s", ErrPrimaryBranch, svc.Branch)
		}
		return Target{Branch: base.Branch, BaseBranch: base.Branch, BaseTip: base.Tip, Existed: true, Tip: base.Tip}, nil
	}

	name := svc.Branch
	qualified := false
	switch r.opts.Collision {
	case CollisionAlwaysQualify:
		name, qualified = r.Qualify(entry, svc.Branch), true
	case CollisionShared:
	default:
		collides, err := r.collides(composite, svc.Branch, entry, base)
		if err != nil {
			return Target{}, err
		}
		if collides {
			if r.opts.Collision == CollisionFail {
				return Target{}, fmt.Errorf("%w: %s", ErrBranchCollision, svc.Branch)
			}
			name, qualified = r.Qualify(entry, svc.Branch), true
			slog.Info("branch used by another submodule, qualifying",
				slog.String("branch", svc.Branch), slog.String("qualified", name))
		}
	}
	if err := ValidateBranchName(name); err != nil {
		return Target{}, err
	}

	tip, ok, err := composite.RemoteBranch(name)
	if err != nil {
		return Target{}, wrapBackend("read target branch", err)
	}
	return Target{
		Branch:     name,
		BaseBranch: base.Branch,
		BaseTip:    base.Tip,
		Existed:    ok,
		Tip:        tip,
		Qualified:  qualified,
	}, nil
}

func (r *Resolver) IsPrimary(svc *git.ServiceRef) bool {
	if svc.PrimaryBranch != "" && svc.Branch == svc.PrimaryBranch {
		return true
	}
	return slices.Contains(r.opts.PrimaryBranches, svc.Branch)
}

// Qualify renders the qualification format for entry and branch.
func (r *Resolver) Qualify(entry SubmoduleEntry, branch string) string {
	return strings.NewReplacer(
		"{submodule}", entry.Path,
		"{branch}", branch,
		"{name}", entry.Name,
	).Replace(r.opts.QualifyFormat)
}

// ValidateQualifyFormat rejects formats that drop the service branch or
// leave it unqualified.
func ValidateQualifyFormat(format string) error {
	if !strings.Contains(format, "{branch}") {
		return fmt.Errorf("%q does not contain {branch}", format)
	}
	if strings.TrimSpace(format) == "{branch}" {
		return fmt.Errorf("%q does not qualify the branch", format)
	}
	return nil
}

// collides reports whether branch exists on the composite remote and carries
// only updates of other submodules. Branches without any pipeline commits are
// treated as shared.
func (r *Resolver) collides(composite gitbackend.Backend, branch string, entry SubmoduleEntry, base Base) (bool, error) {
	if branch == base.Branch {
		return true, nil
	}
	tip, ok, err := composite.RemoteBranch(branch)
	if err != nil {
		return false, wrapBackend("read branch", err)
	}
	if !ok {
		return false, nil
	}
	owners, err := Owners(composite, tip, base.Tip)
	if err != nil {
		return false, err
	}
	return len(owners) > 0 && !slices.Contains(owners, entry.Path), nil
}

// Owners lists the submodule paths named by pipeline commits on the
// first-parent history of tip that is not shared with baseTip.
func Owners(composite gitbackend.Backend, tip, baseTip string) ([]string, error) {
	stop, _, err := composite.MergeBase(tip, baseTip)
	if err != nil {
		return nil, wrapBackend("merge-base", err)
	}
	var owners []string
	hash := tip
	for i := 0; hash != "" && hash != stop && i < maxOwnerWalk; i++ {
		c, err := composite.CommitInfo(hash)
		if err != nil {
			return nil, wrapBackend("read commit", err)
		}
		if t, ok := ParseTrailers(c.Message); ok && !slices.Contains(owners, t.Submodule) {
			owners = append(owners, t.Submodule)
		}
		hash = c.FirstParent()
	}
	return owners, nil
}

// ValidateBranchName applies the rules of git check-ref-format to a branch name.
func ValidateBranchName(name string) error {
	invalid := func(reason string) error {
		return fmt.Errorf("%w: %q %s", ErrInvalidBranchName, name, reason)
	}
	switch {
	case name == "":
		return invalid("is empty")
	case name == "@":
		return invalid("is a lone @")
	case strings.HasPrefix(name, "-"):
		return invalid("starts with a dash")
	case strings.HasPrefix(name, "/") || strings.HasSuffix(name, "/"):
		return invalid("starts or ends with a slash")
	case strings.HasSuffix(name, "."):
		return invalid("ends with a dot")
	case strings.Contains(name, ".."):
		return invalid("contains ..")
	case strings.Contains(name, "//"):
		return invalid("contains //")
	case strings.Contains(name, "@{"):
		return invalid("contains @{")
	}
	for _, c := range name {
		if c < 0x20 || c == 0x7f || strings.ContainsRune(" ~^:?*[\\", c) {
			return invalid(fmt.Sprintf("contains %q", c))
		}
	}
	for _, part := range strings.Split(name, "/") {
		if strings.HasPrefix(part, ".") || strings.HasSuffix(part, ".lock") {
			return invalid("has a component starting with . or ending with .lock")
		}
	}
	return nil
}
