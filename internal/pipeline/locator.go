package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/withlazers/deployment-withlazers/internal/git"
	gitbackend "github.com/withlazers/deployment-withlazers/internal/git/backend"
)

// SubmoduleEntry is a .gitmodules entry joined with its recorded gitlink.
type SubmoduleEntry = gitbackend.Submodule

// Locate finds the submodule of the composite repository at commit whose URL
// names the same repository as the service's remote.
func Locate(ctx context.Context, composite gitbackend.Backend, commit string, svc *git.ServiceRef) (SubmoduleEntry, error) {
	if err := ctx.Err(); err != nil {
		return SubmoduleEntry{}, err
	}
	if svc.RemoteURL == "" {
		return SubmoduleEntry{}, fmt.Errorf("%w: service repository has no remote URL", ErrNotFound)
	}
	subs, err := composite.ListSubmodules(commit)
	if err != nil {
		return SubmoduleEntry{}, wrapBackend("list submodules", err)
	}
	compositeURL, err := composite.RemoteURL()
	if err != nil && !errors.Is(err, gitbackend.ErrNoRemote) {
		return SubmoduleEntry{}, wrapBackend("composite remote", err)
	}

	var matches []SubmoduleEntry
	for _, sub := range subs {
		url := git.ResolveSubmoduleURL(sub.URL, compositeURL)
		if git.SameRepository(url, svc.RemoteURL) {
			matches = append(matches, sub)
		}
	}
	switch len(matches) {
	case 0:
		return SubmoduleEntry{}, fmt.Errorf("%w: %s at %s", ErrNotFound, svc.RemoteURL, short(commit))
	case 1:
		slog.Debug("located submodule", slog.String("path", matches[0].Path), slog.String("commit", commit))
		return matches[0], nil
	default:
		paths := make([]string, 0, len(matches))
		for _, m := range matches {
			paths = append(paths, m.Path)
		}
		return SubmoduleEntry{}, fmt.Errorf("%w: %s", ErrAmbiguousMatch, strings.Join(paths, ", "))
	}
}
