package backend

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"sort"
	"strconv"
	"strings"
	"time"
)

const zeroHash = "0000000000000000000000000000000000000000"

func (g *gitCLI) RemoteURL() (string, error) {
	out, exit, err := g.run(context.Background(), gitCommand{
		args:    []string{"remote", "get-url", g.remoteName},
		context: "git remote get-url",
	})
	if err != nil {
		if exit == 2 {
			return "", fmt.Errorf("%w: %s", ErrNoRemote, g.remoteName)
		}
		return "", err
	}
	url := strings.TrimSpace(out)
	if url == "" {
		return "", fmt.Errorf("%w: %s has no URL", ErrNoRemote, g.remoteName)
	}
	return url, nil
}

func (g *gitCLI) HeadState() (hash string, headName string, ok bool, err error) {
	if g == nil || g.path == "" {
		return "", "", false, fmt.Errorf("repository root not set")
	}
	ctx := context.Background()
	out, _, err := g.run(ctx, gitCommand{args: []string{"rev-parse", "-q", "--verify", "HEAD"}, allowExit1: true, context: "git rev-parse"})
	if err != nil {
		return "", "", false, err
	}
	hash = strings.TrimSpace(out)
	if hash == "" {
		return "", "", false, nil
	}
	ref, _, err := g.run(ctx, gitCommand{args: []string{"symbolic-ref", "-q", "--short", "HEAD"}, allowExit1: true, context: "git symbolic-ref"})
	if err != nil {
		return "", "", false, err
	}
	headName = strings.TrimSpace(ref)
	if headName == "" {
		headName = "HEAD"
	}
	return hash, headName, true, nil
}

func (g *gitCLI) RemoteHead() (string, bool, error) {
	remoteHead := fmt.Sprintf("refs/remotes/%s/HEAD", g.remoteName)
	out, _, err := g.run(context.Background(), gitCommand{args: []string{"symbolic-ref", "-q", "--short", remoteHead}, allowExit1: true, context: "git symbolic-ref"})
	if err != nil {
		return "", false, err
	}
	name := strings.TrimSpace(out)
	if name == "" {
		return "", false, nil
	}
	return strings.TrimPrefix(name, g.remoteName+"/"), true, nil
}

func (g *gitCLI) DefaultBranch() (string, error) {
	if branch, ok, err := g.RemoteHead(); err != nil {
		return "", err
	} else if ok {
		return branch, nil
	}
	out, _, err := g.run(context.Background(), gitCommand{args: []string{"symbolic-ref", "-q", "--short", "HEAD"}, allowExit1: true, context: "git symbolic-ref"})
	if err != nil {
		return "", err
	}
	name := strings.TrimSpace(out)
	if name == "" {
		return "", fmt.Errorf("HEAD does not name a branch")
	}
	return name, nil
}

func (g *gitCLI) ListRefs() ([]Ref, error) {
	if g == nil || g.path == "" {
		return nil, nil
	}
	out, _, err := g.run(context.Background(), gitCommand{
		args:       []string{"--no-pager", "show-ref", "--dereference"},
		allowExit1: true,
		context:    "git show-ref",
	})
	if err != nil {
		return nil, err
	}
	return parseRefsFromShowRef(out)
}

func (g *gitCLI) Fetch(ctx context.Context) error {
	spec := fmt.Sprintf("+refs/heads/*:refs/remotes/%s/*", g.remoteName)
	_, err := g.git(ctx, "git fetch", "fetch", "--prune", "--no-tags", "--quiet", g.remoteName, spec)
	return err
}

func (g *gitCLI) RemoteBranch(branch string) (string, bool, error) {
	return g.resolve(fmt.Sprintf("refs/remotes/%s/%s", g.remoteName, branch))
}

func (g *gitCLI) LocalBranch(branch string) (string, bool, error) {
	return g.resolve("refs/heads/" + branch)
}

func (g *gitCLI) resolve(ref string) (string, bool, error) {
	out, _, err := g.run(context.Background(), gitCommand{
		args:       []string{"rev-parse", "-q", "--verify", ref + "^{commit}"},
		allowExit1: true,
		context:    "git rev-parse",
	})
	if err != nil {
		return "", false, err
	}
	hash := strings.TrimSpace(out)
	return hash, hash != "", nil
}

// commitFormat emits one field per line with the raw body last.
const commitFormat = "%H%n%T%n%P%n%an%n%ae%n%at%n%cn%n%ce%n%ct%n%B"

func (g *gitCLI) CommitInfo(hash string) (*Commit, error) {
	out, err := g.git(context.Background(), "git show", "show", "-s", "--no-color", "--format="+commitFormat, hash+"^{commit}", "--")
	if err != nil {
		return nil, err
	}
	return parseCommitRecord(out)
}

func parseCommitRecord(out string) (*Commit, error) {
	fields := strings.SplitN(out, "\n", 10)
	if len(fields) < 9 {
		return nil, fmt.Errorf("unexpected commit record: %q", out)
	}
	authorAt, err := parseUnix(fields[5])
	if err != nil {
		return nil, err
	}
	committerAt, err := parseUnix(fields[8])
	if err != nil {
		return nil, err
	}
	c := &Commit{
		Hash:      fields[0],
		TreeHash:  fields[1],
		Author:    Signature{Name: fields[3], Email: fields[4], When: authorAt},
		Committer: Signature{Name: fields[6], Email: fields[7], When: committerAt},
	}
	if fields[2] != "" {
		c.ParentHashes = strings.Fields(fields[2])
	}
	if len(fields) == 10 {
		// %B is followed by the newline git adds after every record.
		c.Message = strings.TrimSuffix(fields[9], "\n")
	}
	return c, nil
}

func parseUnix(s string) (time.Time, error) {
	sec, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse timestamp %q: %w", s, err)
	}
	return time.Unix(sec, 0), nil
}

func (g *gitCLI) IsAncestor(ancestor, descendant string) (bool, error) {
	_, exit, err := g.run(context.Background(), gitCommand{
		args:       []string{"merge-base", "--is-ancestor", ancestor, descendant},
		allowExit1: true,
		context:    "git merge-base",
	})
	if err != nil {
		return false, err
	}
	return exit == 0, nil
}

func (g *gitCLI) MergeBase(a, b string) (string, bool, error) {
	out, exit, err := g.run(context.Background(), gitCommand{
		args:       []string{"merge-base", a, b},
		allowExit1: true,
		context:    "git merge-base",
	})
	if err != nil {
		return "", false, err
	}
	if exit == 1 {
		return "", false, nil
	}
	return strings.TrimSpace(out), true, nil
}

func (g *gitCLI) ListSubmodules(commit string) ([]Submodule, error) {
	ctx := context.Background()
	listing, err := g.git(ctx, "git ls-tree", "ls-tree", "-z", commit, "--", ".gitmodules")
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(listing) == "" {
		return nil, nil
	}
	out, _, err := g.run(ctx, gitCommand{
		args:       []string{"config", "--blob", commit + ":.gitmodules", "--null", "--get-regexp", `^submodule\..*\.(path|url)$`},
		allowExit1: true,
		context:    "git config --blob",
	})
	if err != nil {
		return nil, err
	}
	modules, err := parseModulesConfig(out)
	if err != nil {
		return nil, fmt.Errorf("parse .gitmodules at %s: %w", commit, err)
	}

	var subs []Submodule
	for _, m := range modules {
		if m.Path == "" {
			continue
		}
		hash, ok, err := g.Gitlink(commit, m.Path)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		m.RecordedCommit = hash
		subs = append(subs, m)
	}
	sortSubmodules(subs)
	return subs, nil
}

// parseModulesConfig reads "git config --null --get-regexp" output: records of
// "key\nvalue\x00".
func parseModulesConfig(out string) ([]Submodule, error) {
	byName := map[string]*Submodule{}
	var order []string
	for _, rec := range strings.Split(out, "\x00") {
		if rec == "" {
			continue
		}
		key, value, ok := strings.Cut(rec, "\n")
		if !ok {
			return nil, fmt.Errorf("unexpected config record %q", rec)
		}
		rest, found := strings.CutPrefix(key, "submodule.")
		if !found {
			continue
		}
		dot := strings.LastIndex(rest, ".")
		if dot <= 0 {
			return nil, fmt.Errorf("unexpected config key %q", key)
		}
		name, field := rest[:dot], rest[dot+1:]
		sm, ok := byName[name]
		if !ok {
			sm = &Submodule{Name: name}
			byName[name] = sm
			order = append(order, name)
		}
		switch field {
		case "path":
			sm.Path = cleanTreePath(value)
		case "url":
			sm.URL = value
		}
	}
	subs := make([]Submodule, 0, len(order))
	for _, name := range order {
		subs = append(subs, *byName[name])
	}
	return subs, nil
}

func (g *gitCLI) TreeHash(commit string) (string, error) {
	out, err := g.git(context.Background(), "git rev-parse", "rev-parse", "--verify", commit+"^{tree}")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

func (g *gitCLI) Gitlink(tree, p string) (string, bool, error) {
	p = cleanTreePath(p)
	out, err := g.git(context.Background(), "git ls-tree", "ls-tree", "-z", tree, "--", p)
	if err != nil {
		return "", false, err
	}
	for _, rec := range strings.Split(out, "\x00") {
		entry, ok := parseLsTreeEntry(rec)
		if !ok || entry.path != p {
			continue
		}
		if entry.mode != "160000" {
			return "", false, fmt.Errorf("%s in tree %s is %s, not a gitlink", p, tree, entry.mode)
		}
		return entry.hash, true, nil
	}
	return "", false, nil
}

type lsTreeEntry struct {
	mode string
	kind string
	hash string
	path string
}

// parseLsTreeEntry parses "<mode> SP <type> SP <hash> TAB <path>".
func parseLsTreeEntry(rec string) (lsTreeEntry, bool) {
	meta, p, ok := strings.Cut(rec, "\t")
	if !ok {
		return lsTreeEntry{}, false
	}
	parts := strings.Fields(meta)
	if len(parts) != 3 {
		return lsTreeEntry{}, false
	}
	return lsTreeEntry{mode: parts[0], kind: parts[1], hash: parts[2], path: p}, true
}

// WriteGitlink builds the new tree in a throwaway index so the clone's own
// index is never touched.
func (g *gitCLI) WriteGitlink(baseTree, p, commit string) (string, error) {
	p = cleanTreePath(p)
	if _, ok, err := g.Gitlink(baseTree, p); err != nil {
		return "", err
	} else if !ok {
		return "", fmt.Errorf("rewrite %s in tree %s: gitlink not found", p, baseTree)
	}
	index, err := os.CreateTemp("", "composite-index-*")
	if err != nil {
		return "", err
	}
	indexPath := index.Name()
	_ = index.Close()
	// read-tree refuses an existing empty file.
	_ = os.Remove(indexPath)
	defer os.Remove(indexPath)

	ctx := context.Background()
	env := []string{"GIT_INDEX_FILE=" + indexPath}
	steps := []gitCommand{
		{args: []string{"read-tree", baseTree}, env: env, context: "git read-tree"},
		{args: []string{"update-index", "--cacheinfo", fmt.Sprintf("160000,%s,%s", commit, p)}, env: env, context: "git update-index"},
	}
	for _, step := range steps {
		if _, _, err := g.run(ctx, step); err != nil {
			return "", err
		}
	}
	out, _, err := g.run(ctx, gitCommand{args: []string{"write-tree"}, env: env, context: "git write-tree"})
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

func (g *gitCLI) ChangedPaths(fromTree, toTree string) ([]string, error) {
	out, err := g.git(context.Background(), "git diff-tree", "diff-tree", "-r", "-z", "--name-only", "--no-renames", fromTree, toTree)
	if err != nil {
		return nil, err
	}
	var paths []string
	for _, p := range strings.Split(out, "\x00") {
		if p = strings.TrimSpace(p); p != "" {
			paths = append(paths, path.Clean(p))
		}
	}
	sort.Strings(paths)
	return paths, nil
}

func (g *gitCLI) CreateCommit(req CommitRequest) (string, error) {
	args := []string{"commit-tree", req.Tree}
	for _, p := range req.Parents {
		args = append(args, "-p", p)
	}
	args = append(args, "-F", "-")
	out, _, err := g.run(context.Background(), gitCommand{
		args: args,
		env: []string{
			"GIT_AUTHOR_NAME=" + req.Author.Name,
			"GIT_AUTHOR_EMAIL=" + req.Author.Email,
			"GIT_AUTHOR_DATE=" + gitDate(req.Author.When),
			"GIT_COMMITTER_NAME=" + req.Committer.Name,
			"GIT_COMMITTER_EMAIL=" + req.Committer.Email,
			"GIT_COMMITTER_DATE=" + gitDate(req.Committer.When),
		},
		in:      strings.NewReader(req.Message),
		context: "git commit-tree",
	})
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// gitDate renders t in git's internal "<unix> <tz>" date format.
func gitDate(t time.Time) string {
	if t.IsZero() {
		t = time.Now()
	}
	return fmt.Sprintf("%d %s", t.Unix(), t.Format("-0700"))
}

func (g *gitCLI) UpdateRef(branch, expectedOld, newTip string) error {
	ref := "refs/heads/" + branch
	old := expectedOld
	if old == "" {
		old = zeroHash
	}
	args := []string{"update-ref", "-m", "composite sync", ref, newTip, old}
	if newTip == "" {
		args = []string{"update-ref", "-d", ref, old}
	}
	_, err := g.git(context.Background(), "git update-ref", args...)
	if err != nil {
		var gitErr *gitError
		if errors.As(err, &gitErr) && strings.Contains(gitErr.stderr, "cannot lock ref") {
			return fmt.Errorf("%w: %s: %s", ErrRefConflict, ref, gitErr.stderr)
		}
		return err
	}
	return nil
}

func (g *gitCLI) Push(ctx context.Context, branch, expectedOld, newTip string) error {
	ref := "refs/heads/" + branch
	out, exit, err := g.run(ctx, gitCommand{
		args: []string{
			"push", "--porcelain", "--no-verify",
			fmt.Sprintf("--force-with-lease=%s:%s", ref, expectedOld),
			g.remoteName,
			fmt.Sprintf("%s:%s", newTip, ref),
		},
		context: "git push",
	})
	if err == nil {
		return nil
	}
	if exit == 1 && pushRejected(out) {
		return fmt.Errorf("%w: %s: %s", ErrPushRejected, ref, strings.TrimSpace(out))
	}
	var gitErr *gitError
	if errors.As(err, &gitErr) && pushRejected(gitErr.stderr) {
		return fmt.Errorf("%w: %s: %s", ErrPushRejected, ref, gitErr.stderr)
	}
	return err
}

// pushRejected recognizes rejected refs in "git push --porcelain" output,
// where each ref line starts with a status flag and "!" means rejected.
func pushRejected(out string) bool {
	for _, line := range strings.Split(out, "\n") {
		if strings.HasPrefix(line, "!\t") {
			return true
		}
		for _, marker := range []string{"stale info", "non-fast-forward", "fetch first", "cannot lock ref"} {
			if strings.Contains(line, marker) {
				return true
			}
		}
	}
	return false
}

func parseRefsFromShowRef(out string) ([]Ref, error) {
	type refEntry struct {
		hash string
		ref  string
	}

	peeledByTagRef := map[string]string{}
	var entries []refEntry

	for _, rawLine := range strings.Split(out, "\n") {
		line := strings.TrimRight(rawLine, "\r")
		if strings.TrimSpace(line) == "" {
			continue
		}
		parts := strings.Fields(line)
		if len(parts) != 2 {
			return nil, fmt.Errorf("unexpected show-ref output line: %q", rawLine)
		}
		hash, refName := parts[0], parts[1]
		if base, ok := strings.CutSuffix(refName, "^{}"); ok {
			peeledByTagRef[base] = hash
			continue
		}
		entries = append(entries, refEntry{hash: hash, ref: refName})
	}

	var refs []Ref
	for _, entry := range entries {
		if short, ok := strings.CutPrefix(entry.ref, "refs/tags/"); ok && short != "" {
			hash := entry.hash
			if peeled, ok := peeledByTagRef[entry.ref]; ok {
				hash = peeled
			}
			refs = append(refs, Ref{Hash: hash, Kind: RefKindTag, Name: short})
		} else if short, ok := strings.CutPrefix(entry.ref, "refs/heads/"); ok && short != "" {
			refs = append(refs, Ref{Hash: entry.hash, Kind: RefKindBranch, Name: short})
		} else if short, ok := strings.CutPrefix(entry.ref, "refs/remotes/"); ok && short != "" {
			refs = append(refs, Ref{Hash: entry.hash, Kind: RefKindRemoteBranch, Name: short})
		}
	}
	return refs, nil
}
