package backend

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"path/filepath"
	"slices"
	"strings"

	"github.com/go-git/go-billy/v5/osfs"
	gitlib "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/cache"
	"github.com/go-git/go-git/v5/plumbing/filemode"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/plumbing/transport"
	"github.com/go-git/go-git/v5/storage"
	"github.com/go-git/go-git/v5/storage/filesystem"
	"github.com/go-git/go-git/v5/storage/memory"
)

type native struct {
	repo       *gitlib.Repository
	path       string
	remoteName string
	auth       transport.AuthMethod
}

// OpenNative opens an existing repository (working copy or bare) with go-git.
func OpenNative(repoPath string) (Backend, error) {
	abs, err := filepath.Abs(repoPath)
	if err != nil {
		return nil, err
	}
	repo, err := gitlib.PlainOpenWithOptions(abs, &gitlib.PlainOpenOptions{DetectDotGit: true})
	if err != nil {
		return nil, fmt.Errorf("open repository: %w", err)
	}
	root := abs
	if wt, err := repo.Worktree(); err == nil {
		root = wt.Filesystem.Root()
	}
	return &native{repo: repo, path: root, remoteName: DefaultRemoteName}, nil
}

// CloneNative clones url without a worktree. With an empty opts.Dir the
// objects live in memory and vanish with the returned Backend.
func CloneNative(ctx context.Context, url string, opts CloneOptions) (Backend, error) {
	if url == "" {
		return nil, fmt.Errorf("clone: remote URL not specified")
	}
	remoteName := opts.RemoteName
	if remoteName == "" {
		remoteName = DefaultRemoteName
	}
	auth := authMethod(url, opts.Auth)

	var st storage.Storer
	location := url
	if opts.Dir == "" {
		st = memory.NewStorage()
	} else {
		abs, err := filepath.Abs(opts.Dir)
		if err != nil {
			return nil, err
		}
		st = filesystem.NewStorage(osfs.New(abs), cache.NewObjectLRUDefault())
		location = abs
	}

	slog.Debug("cloning composite repository", slog.String("url", url), slog.String("into", location))
	repo, err := gitlib.CloneContext(ctx, st, nil, &gitlib.CloneOptions{
		URL:        url,
		RemoteName: remoteName,
		Auth:       auth,
		Tags:       gitlib.NoTags,
	})
	if err != nil {
		return nil, fmt.Errorf("clone %s: %w", url, err)
	}
	n := &native{repo: repo, path: location, remoteName: remoteName, auth: auth}
	if err := n.Fetch(ctx); err != nil {
		return nil, err
	}
	return n, nil
}

func (n *native) RepoPath() string {
	if n == nil {
		return ""
	}
	return n.path
}

func (n *native) Close() error {
	return nil
}

func (n *native) RemoteURL() (string, error) {
	remote, err := n.repo.Remote(n.remoteName)
	if err != nil {
		if errors.Is(err, gitlib.ErrRemoteNotFound) {
			return "", fmt.Errorf("%w: %s", ErrNoRemote, n.remoteName)
		}
		return "", err
	}
	urls := remote.Config().URLs
	if len(urls) == 0 || urls[0] == "" {
		return "", fmt.Errorf("%w: %s has no URL", ErrNoRemote, n.remoteName)
	}
	return urls[0], nil
}

func (n *native) HeadState() (hash string, headName string, ok bool, err error) {
	ref, err := n.repo.Head()
	if err != nil {
		if errors.Is(err, plumbing.ErrReferenceNotFound) {
			return "", "", false, nil
		}
		return "", "", false, fmt.Errorf("resolve HEAD: %w", err)
	}
	headName = "HEAD"
	if ref.Name().IsBranch() {
		headName = ref.Name().Short()
	}
	return ref.Hash().String(), headName, true, nil
}

func (n *native) RemoteHead() (string, bool, error) {
	ref, err := n.repo.Reference(plumbing.NewRemoteHEADReferenceName(n.remoteName), false)
	if err != nil {
		if errors.Is(err, plumbing.ErrReferenceNotFound) {
			return "", false, nil
		}
		return "", false, err
	}
	if ref.Type() != plumbing.SymbolicReference {
		return "", false, nil
	}
	return strings.TrimPrefix(ref.Target().Short(), n.remoteName+"/"), true, nil
}

func (n *native) DefaultBranch() (string, error) {
	if branch, ok, err := n.RemoteHead(); err != nil {
		return "", err
	} else if ok {
		return branch, nil
	}
	ref, err := n.repo.Reference(plumbing.HEAD, false)
	if err != nil {
		return "", fmt.Errorf("read HEAD: %w", err)
	}
	if ref.Type() != plumbing.SymbolicReference || !ref.Target().IsBranch() {
		return "", fmt.Errorf("HEAD does not name a branch")
	}
	return ref.Target().Short(), nil
}

func (n *native) ListRefs() ([]Ref, error) {
	iter, err := n.repo.References()
	if err != nil {
		return nil, err
	}
	defer iter.Close()
	var refs []Ref
	err = iter.ForEach(func(ref *plumbing.Reference) error {
		if ref.Type() != plumbing.HashReference {
			return nil
		}
		name := ref.Name()
		switch {
		case name.IsBranch():
			refs = append(refs, Ref{Hash: ref.Hash().String(), Kind: RefKindBranch, Name: name.Short()})
		case name.IsRemote():
			refs = append(refs, Ref{Hash: ref.Hash().String(), Kind: RefKindRemoteBranch, Name: name.Short()})
		case name.IsTag():
			refs = append(refs, Ref{Hash: ref.Hash().String(), Kind: RefKindTag, Name: name.Short()})
		}
		return nil
	})
	return refs, err
}

func (n *native) Fetch(ctx context.Context) error {
	spec := config.RefSpec(fmt.Sprintf("+refs/heads/*:refs/remotes/%s/*", n.remoteName))
	err := n.repo.FetchContext(ctx, &gitlib.FetchOptions{
		RemoteName: n.remoteName,
		RefSpecs:   []config.RefSpec{spec},
		Auth:       n.auth,
		Tags:       gitlib.NoTags,
		Force:      true,
	})
	if err != nil && !errors.Is(err, gitlib.NoErrAlreadyUpToDate) {
		return fmt.Errorf("fetch %s: %w", n.remoteName, err)
	}
	return nil
}

func (n *native) RemoteBranch(branch string) (string, bool, error) {
	return n.lookup(plumbing.NewRemoteReferenceName(n.remoteName, branch))
}

func (n *native) LocalBranch(branch string) (string, bool, error) {
	return n.lookup(plumbing.NewBranchReferenceName(branch))
}

func (n *native) lookup(name plumbing.ReferenceName) (string, bool, error) {
	ref, err := n.repo.Reference(name, true)
	if err != nil {
		if errors.Is(err, plumbing.ErrReferenceNotFound) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("read %s: %w", name, err)
	}
	return ref.Hash().String(), true, nil
}

func (n *native) commit(hash string) (*object.Commit, error) {
	if !plumbing.IsHash(hash) {
		return nil, fmt.Errorf("invalid commit hash %q", hash)
	}
	c, err := n.repo.CommitObject(plumbing.NewHash(hash))
	if err != nil {
		return nil, fmt.Errorf("read commit %s: %w", hash, err)
	}
	return c, nil
}

func (n *native) CommitInfo(hash string) (*Commit, error) {
	c, err := n.commit(hash)
	if err != nil {
		return nil, err
	}
	parents := make([]string, 0, len(c.ParentHashes))
	for _, p := range c.ParentHashes {
		parents = append(parents, p.String())
	}
	return &Commit{
		Hash:         c.Hash.String(),
		TreeHash:     c.TreeHash.String(),
		ParentHashes: parents,
		Author:       Signature{Name: c.Author.Name, Email: c.Author.Email, When: c.Author.When},
		Committer:    Signature{Name: c.Committer.Name, Email: c.Committer.Email, When: c.Committer.When},
		Message:      c.Message,
	}, nil
}

func (n *native) IsAncestor(ancestor, descendant string) (bool, error) {
	a, err := n.commit(ancestor)
	if err != nil {
		return false, err
	}
	d, err := n.commit(descendant)
	if err != nil {
		return false, err
	}
	return a.IsAncestor(d)
}

func (n *native) MergeBase(a, b string) (string, bool, error) {
	ca, err := n.commit(a)
	if err != nil {
		return "", false, err
	}
	cb, err := n.commit(b)
	if err != nil {
		return "", false, err
	}
	bases, err := ca.MergeBase(cb)
	if err != nil {
		return "", false, fmt.Errorf("merge-base %s %s: %w", a, b, err)
	}
	if len(bases) == 0 {
		return "", false, nil
	}
	return bases[0].Hash.String(), true, nil
}

func (n *native) ListSubmodules(commit string) ([]Submodule, error) {
	c, err := n.commit(commit)
	if err != nil {
		return nil, err
	}
	tree, err := c.Tree()
	if err != nil {
		return nil, fmt.Errorf("read tree of %s: %w", commit, err)
	}
	f, err := tree.File(".gitmodules")
	if err != nil {
		if errors.Is(err, object.ErrFileNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("read .gitmodules at %s: %w", commit, err)
	}
	content, err := f.Contents()
	if err != nil {
		return nil, fmt.Errorf("read .gitmodules at %s: %w", commit, err)
	}
	modules := config.NewModules()
	if err := modules.Unmarshal([]byte(content)); err != nil {
		return nil, fmt.Errorf("parse .gitmodules at %s: %w", commit, err)
	}

	var out []Submodule
	for name, sm := range modules.Submodules {
		p := cleanTreePath(sm.Path)
		entry, err := tree.FindEntry(p)
		if err != nil {
			if errors.Is(err, object.ErrEntryNotFound) || errors.Is(err, object.ErrDirectoryNotFound) {
				slog.Debug("submodule without gitlink", slog.String("name", name), slog.String("path", p))
				continue
			}
			return nil, fmt.Errorf("read gitlink %s at %s: %w", p, commit, err)
		}
		if entry.Mode != filemode.Submodule {
			slog.Debug("submodule path is not a gitlink", slog.String("path", p), slog.String("mode", entry.Mode.String()))
			continue
		}
		out = append(out, Submodule{Name: name, Path: p, URL: sm.URL, RecordedCommit: entry.Hash.String()})
	}
	sortSubmodules(out)
	return out, nil
}

func (n *native) TreeHash(commit string) (string, error) {
	c, err := n.commit(commit)
	if err != nil {
		return "", err
	}
	return c.TreeHash.String(), nil
}

func (n *native) Gitlink(tree, p string) (string, bool, error) {
	t, err := n.repo.TreeObject(plumbing.NewHash(tree))
	if err != nil {
		return "", false, fmt.Errorf("read tree %s: %w", tree, err)
	}
	entry, err := t.FindEntry(cleanTreePath(p))
	if err != nil {
		if errors.Is(err, object.ErrEntryNotFound) || errors.Is(err, object.ErrDirectoryNotFound) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("read %s in tree %s: %w", p, tree, err)
	}
	if entry.Mode != filemode.Submodule {
		return "", false, fmt.Errorf("%s in tree %s is %s, not a gitlink", p, tree, entry.Mode)
	}
	return entry.Hash.String(), true, nil
}

func (n *native) WriteGitlink(baseTree, p, commit string) (string, error) {
	if !plumbing.IsHash(commit) {
		return "", fmt.Errorf("invalid gitlink target %q", commit)
	}
	root, err := n.repo.TreeObject(plumbing.NewHash(baseTree))
	if err != nil {
		return "", fmt.Errorf("read tree %s: %w", baseTree, err)
	}
	parts := strings.Split(cleanTreePath(p), "/")
	hash, err := n.rewriteTree(root, parts, plumbing.NewHash(commit))
	if err != nil {
		return "", fmt.Errorf("rewrite %s in tree %s: %w", p, baseTree, err)
	}
	return hash.String(), nil
}

// rewriteTree replaces the gitlink at parts below tree and stores every tree
// on the way back up. Entry order is kept since no name changes.
func (n *native) rewriteTree(tree *object.Tree, parts []string, target plumbing.Hash) (plumbing.Hash, error) {
	entries := slices.Clone(tree.Entries)
	idx := slices.IndexFunc(entries, func(e object.TreeEntry) bool { return e.Name == parts[0] })
	if idx < 0 {
		return plumbing.ZeroHash, fmt.Errorf("entry %q not found", parts[0])
	}
	e := &entries[idx]
	if len(parts) == 1 {
		if e.Mode != filemode.Submodule {
			return plumbing.ZeroHash, fmt.Errorf("entry %q is %s, not a gitlink", e.Name, e.Mode)
		}
		e.Hash = target
	} else {
		if e.Mode != filemode.Dir {
			return plumbing.ZeroHash, fmt.Errorf("entry %q is %s, not a directory", e.Name, e.Mode)
		}
		sub, err := n.repo.TreeObject(e.Hash)
		if err != nil {
			return plumbing.ZeroHash, err
		}
		h, err := n.rewriteTree(sub, parts[1:], target)
		if err != nil {
			return plumbing.ZeroHash, err
		}
		e.Hash = h
	}
	return n.storeTree(&object.Tree{Entries: entries})
}

func (n *native) storeTree(t *object.Tree) (plumbing.Hash, error) {
	obj := n.repo.Storer.NewEncodedObject()
	if err := t.Encode(obj); err != nil {
		return plumbing.ZeroHash, err
	}
	return n.repo.Storer.SetEncodedObject(obj)
}

func (n *native) ChangedPaths(fromTree, toTree string) ([]string, error) {
	var out []string
	if err := n.diffTrees("", plumbing.NewHash(fromTree), plumbing.NewHash(toTree), &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (n *native) diffTrees(prefix string, a, b plumbing.Hash, out *[]string) error {
	if a == b {
		return nil
	}
	ea, err := n.treeEntries(a)
	if err != nil {
		return err
	}
	eb, err := n.treeEntries(b)
	if err != nil {
		return err
	}
	names := make([]string, 0, len(ea)+len(eb))
	for name := range ea {
		names = append(names, name)
	}
	for name := range eb {
		if _, ok := ea[name]; !ok {
			names = append(names, name)
		}
	}
	slices.Sort(names)
	for _, name := range names {
		from, inA := ea[name]
		to, inB := eb[name]
		full := path.Join(prefix, name)
		switch {
		case inA && inB && from.Mode == filemode.Dir && to.Mode == filemode.Dir:
			if err := n.diffTrees(full, from.Hash, to.Hash, out); err != nil {
				return err
			}
		case inA && inB && from.Mode == to.Mode && from.Hash == to.Hash:
		default:
			*out = append(*out, full)
		}
	}
	return nil
}

func (n *native) treeEntries(hash plumbing.Hash) (map[string]object.TreeEntry, error) {
	entries := map[string]object.TreeEntry{}
	if hash.IsZero() {
		return entries, nil
	}
	t, err := n.repo.TreeObject(hash)
	if err != nil {
		return nil, fmt.Errorf("read tree %s: %w", hash, err)
	}
	for _, e := range t.Entries {
		entries[e.Name] = e
	}
	return entries, nil
}

func (n *native) CreateCommit(req CommitRequest) (string, error) {
	c := &object.Commit{
		Author:    object.Signature{Name: req.Author.Name, Email: req.Author.Email, When: req.Author.When},
		Committer: object.Signature{Name: req.Committer.Name, Email: req.Committer.Email, When: req.Committer.When},
		Message:   req.Message,
		TreeHash:  plumbing.NewHash(req.Tree),
	}
	for _, p := range req.Parents {
		c.ParentHashes = append(c.ParentHashes, plumbing.NewHash(p))
	}
	obj := n.repo.Storer.NewEncodedObject()
	if err := c.Encode(obj); err != nil {
		return "", fmt.Errorf("encode commit: %w", err)
	}
	hash, err := n.repo.Storer.SetEncodedObject(obj)
	if err != nil {
		return "", fmt.Errorf("store commit: %w", err)
	}
	return hash.String(), nil
}

func (n *native) UpdateRef(branch, expectedOld, newTip string) error {
	name := plumbing.NewBranchReferenceName(branch)
	current, exists, err := n.lookup(name)
	if err != nil {
		return err
	}
	if current != expectedOld || exists != (expectedOld != "") {
		return fmt.Errorf("%w: %s is at %q, expected %q", ErrRefConflict, name, current, expectedOld)
	}
	if newTip == "" {
		return n.repo.Storer.RemoveReference(name)
	}
	var old *plumbing.Reference
	if expectedOld != "" {
		old = plumbing.NewHashReference(name, plumbing.NewHash(expectedOld))
	}
	err = n.repo.Storer.CheckAndSetReference(plumbing.NewHashReference(name, plumbing.NewHash(newTip)), old)
	if errors.Is(err, storage.ErrReferenceHasChanged) {
		return fmt.Errorf("%w: %s", ErrRefConflict, name)
	}
	return err
}

func (n *native) Push(ctx context.Context, branch, expectedOld, newTip string) error {
	dst := plumbing.NewBranchReferenceName(branch)
	current, err := n.remoteTip(ctx, dst)
	if err != nil {
		return err
	}
	if current != expectedOld {
		return fmt.Errorf("%w: %s is at %q, expected %q", ErrPushRejected, dst, current, expectedOld)
	}
	opts := &gitlib.PushOptions{
		RemoteName: n.remoteName,
		RefSpecs:   []config.RefSpec{config.RefSpec(fmt.Sprintf("%s:%s", newTip, dst))},
		Auth:       n.auth,
	}
	if expectedOld != "" {
		opts.RequireRemoteRefs = []config.RefSpec{config.RefSpec(fmt.Sprintf("%s:%s", expectedOld, dst))}
	}
	slog.Debug("pushing", slog.String("ref", dst.String()), slog.String("new", newTip), slog.String("expected", expectedOld))
	err = n.repo.PushContext(ctx, opts)
	switch {
	case err == nil, errors.Is(err, gitlib.NoErrAlreadyUpToDate):
		return nil
	case isRejection(err):
		return fmt.Errorf("%w: %s: %v", ErrPushRejected, dst, err)
	default:
		return fmt.Errorf("push %s: %w", dst, err)
	}
}

// remoteTip asks the remote for the current value of name. RequireRemoteRefs
// cannot express "must not exist", so creations are checked here.
func (n *native) remoteTip(ctx context.Context, name plumbing.ReferenceName) (string, error) {
	remote, err := n.repo.Remote(n.remoteName)
	if err != nil {
		return "", fmt.Errorf("%w: %s", ErrNoRemote, n.remoteName)
	}
	refs, err := remote.ListContext(ctx, &gitlib.ListOptions{Auth: n.auth})
	if err != nil {
		return "", fmt.Errorf("list %s: %w", n.remoteName, err)
	}
	for _, ref := range refs {
		if ref.Name() == name && ref.Type() == plumbing.HashReference {
			return ref.Hash().String(), nil
		}
	}
	return "", nil
}

// isRejection reports whether a push failed because the remote ref moved.
// go-git reports a stale RequireRemoteRefs entry only through its message.
// Missing objects, hook failures and other ref update errors are not races.
func isRejection(err error) bool {
	if errors.Is(err, gitlib.ErrNonFastForwardUpdate) || errors.Is(err, gitlib.ErrForceNeeded) {
		return true
	}
	msg := err.Error()
	for _, marker := range []string{"required to be", "non-fast-forward", "stale info", "fetch first"} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

func cleanTreePath(p string) string {
	return strings.Trim(path.Clean(filepath.ToSlash(p)), "/")
}

func sortSubmodules(subs []Submodule) {
	slices.SortFunc(subs, func(a, b Submodule) int { return strings.Compare(a.Path, b.Path) })
}
