package pipeline

import (
	"context"
	"fmt"
	"slices"

	"github.com/withlazers/deployment-withlazers/internal/git"
	gitbackend "github.com/withlazers/deployment-withlazers/internal/git/backend"
)

// PendingUpdate is a computed but not yet committed gitlink change.
// FromCommit never equals ToCommit.
type PendingUpdate struct {
	Target        Target
	SubmodulePath string
	FromCommit    string
	ToCommit      string
	ParentCommit  string
	BaseTree      string
	Tree          string
	Message       string
}

// Compute prepares the tree that records the service head at entry.Path on top
// of the target's source commit. It returns ErrNoChange when the gitlink already
// matches.
func Compute(ctx context.Context, composite gitbackend.Backend, target Target, entry SubmoduleEntry, svc *git.ServiceRef) (*PendingUpdate, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	source := target.Source()
	baseTree, err := composite.TreeHash(source)
	if err != nil {
		return nil, wrapBackend("read tree", err)
	}
	from, ok, err := composite.Gitlink(baseTree, entry.Path)
	if err != nil {
		return nil, wrapBackend("read gitlink", err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: no gitlink at %s in %s", ErrNotFound, entry.Path, short(source))
	}
	if from == svc.HeadCommit {
		return nil, fmt.Errorf("%w: %s at %s", ErrNoChange, entry.Path, short(from))
	}

	tree, err := composite.WriteGitlink(baseTree, entry.Path, svc.HeadCommit)
	if err != nil {
		return nil, wrapBackend("write gitlink", err)
	}
	changed, err := composite.ChangedPaths(baseTree, tree)
	if err != nil {
		return nil, wrapBackend("diff trees", err)
	}
	if !slices.Equal(changed, []string{entry.Path}) {
		return nil, wrapBackend("verify tree", fmt.Errorf("rewrite of %s changed %v", entry.Path, changed))
	}

	return &PendingUpdate{
		Target:        target,
		SubmodulePath: entry.Path,
		FromCommit:    from,
		ToCommit:      svc.HeadCommit,
		ParentCommit:  source,
		BaseTree:      baseTree,
		Tree:          tree,
		Message: BuildMessage(Trailers{
			Submodule: entry.Path,
			Branch:    svc.Branch,
			From:      from,
			To:        svc.HeadCommit,
		}, svc.HeadMessage),
	}, nil
}

// Commit writes the commit object for u with its source as the only parent.
func Commit(composite gitbackend.Backend, u *PendingUpdate, author, committer gitbackend.Signature) (string, error) {
	hash, err := composite.CreateCommit(gitbackend.CommitRequest{
		Tree:      u.Tree,
		Parents:   []string{u.ParentCommit},
		Message:   u.Message,
		Author:    author,
		Committer: committer,
	})
	if err != nil {
		return "", wrapBackend("create commit", err)
	}
	return hash, nil
}
