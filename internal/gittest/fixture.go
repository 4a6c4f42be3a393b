package gittest

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
)

const (
	Service1Path = "service1"
	Service2Path = "libs/service2"
)

// Fixture is a composite repository aggregating two services, each with its
// own bare remote, plus working copies of both services checked out on main.
type Fixture struct {
	Root string

	Service1Remote  string
	Service2Remote  string
	CompositeRemote string

	Service1 string
	Service2 string

	Service1Initial string
	Service2Initial string
	CompositeMain   string
}

func NewFixture(t testing.TB) *Fixture {
	t.Helper()
	RequireGit(t)

	f := &Fixture{Root: t.TempDir()}
	f.Service1Remote, f.Service1Initial = f.newService(t, "service1")
	f.Service2Remote, f.Service2Initial = f.newService(t, "service2")

	f.CompositeRemote = InitBare(t, f.Root, "composite")
	src := InitWorkdir(t, f.Root, "composite-src")
	gitmodules := fmt.Sprintf("[submodule \"service1\"]\n\tpath = %s\n\turl = %s\n"+
		"[submodule \"service2\"]\n\tpath = %s\n\turl = %s\n",
		Service1Path, f.Service1Remote, Service2Path, f.Service2Remote)
	writeFile(t, filepath.Join(src, ".gitmodules"), gitmodules)
	writeFile(t, filepath.Join(src, "README.md"), "# composite\n")
	writeFile(t, filepath.Join(src, "libs", "shared.txt"), "shared\n")
	RunGit(t, src, "add", ".gitmodules", "README.md", "libs/shared.txt")
	RunGit(t, src, "update-index", "--add", "--cacheinfo", "160000,"+f.Service1Initial+","+Service1Path)
	RunGit(t, src, "update-index", "--add", "--cacheinfo", "160000,"+f.Service2Initial+","+Service2Path)
	RunGit(t, src, "commit", "-q", "-m", "Add services")
	RunGit(t, src, "push", "-q", f.CompositeRemote, "HEAD:refs/heads/main")
	f.CompositeMain, _ = Tip(t, f.CompositeRemote, "main")

	f.Service1 = filepath.Join(f.Root, "service1-wc")
	RunGit(t, f.Root, "clone", "-q", f.Service1Remote, f.Service1)
	f.Service2 = filepath.Join(f.Root, "service2-wc")
	RunGit(t, f.Root, "clone", "-q", f.Service2Remote, f.Service2)
	return f
}

func (f *Fixture) newService(t testing.TB, name string) (remote, head string) {
	t.Helper()
	remote = InitBare(t, f.Root, name)
	src := InitWorkdir(t, f.Root, name+"-src")
	head = CommitFile(t, src, "README.md", "# "+name+"\n", "Initial commit")
	RunGit(t, src, "push", "-q", remote, "HEAD:refs/heads/main")
	return remote, head
}

// StartFeature creates branch in the working copy wc, commits file on it and
// pushes it to origin.
func StartFeature(t testing.TB, wc, branch, file string) string {
	t.Helper()
	RunGit(t, wc, "checkout", "-q", "-b", branch)
	return Advance(t, wc, file)
}

// Advance commits a change to file on the checked out branch of wc and pushes it.
func Advance(t testing.TB, wc, file string) string {
	t.Helper()
	head := CommitFile(t, wc, file, fmt.Sprintf("change in %s\n", filepath.Base(wc)), "Change "+file)
	RunGit(t, wc, "push", "-q", "origin", "HEAD")
	return head
}

// PushCompositeChange commits an unrelated file on branch of the composite
// remote, as another writer would.
func (f *Fixture) PushCompositeChange(t testing.TB, branch, file string) string {
	t.Helper()
	wc, err := os.MkdirTemp(f.Root, "composite-writer-*")
	if err != nil {
		t.Fatal(err)
	}
	RunGit(t, f.Root, "clone", "-q", "--no-checkout", "-b", branch, f.CompositeRemote, wc)
	RunGit(t, wc, "reset", "-q", "--mixed")
	head := CommitFile(t, wc, file, "written by "+filepath.Base(wc)+"\n", "Unrelated change to "+file)
	RunGit(t, wc, "push", "-q", "origin", "HEAD:refs/heads/"+branch)
	return head
}

// CreateCompositeBranch points branch at rev in the composite remote.
func (f *Fixture) CreateCompositeBranch(t testing.TB, branch, rev string) {
	t.Helper()
	RunGit(t, f.CompositeRemote, "update-ref", "refs/heads/"+branch, rev)
}

// CreateOrphanCompositeBranch creates branch in the composite remote on a root
// commit sharing no history with main.
func (f *Fixture) CreateOrphanCompositeBranch(t testing.TB, branch string) string {
	t.Helper()
	tree := RunGit(t, f.CompositeRemote, "rev-parse", "main^{tree}")
	commit := RunGit(t, f.CompositeRemote, "commit-tree", tree, "-m", "Unrelated root")
	f.CreateCompositeBranch(t, branch, commit)
	return commit
}

func writeFile(t testing.TB, p, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

// AddServiceOnBranch creates service name and registers it as a submodule at
// path on a new composite branch forked from main. It returns a working copy
// of the service and its initial commit.
func (f *Fixture) AddServiceOnBranch(t testing.TB, name, path, branch string) (wc, initial string) {
	t.Helper()
	remote, initial := f.newService(t, name)

	src, err := os.MkdirTemp(f.Root, "composite-writer-*")
	if err != nil {
		t.Fatal(err)
	}
	RunGit(t, f.Root, "clone", "-q", "-b", "main", f.CompositeRemote, src)
	RunGit(t, src, "checkout", "-q", "-b", branch)
	RunGit(t, src, "config", "-f", ".gitmodules", "submodule."+name+".path", path)
	RunGit(t, src, "config", "-f", ".gitmodules", "submodule."+name+".url", remote)
	RunGit(t, src, "add", ".gitmodules")
	RunGit(t, src, "update-index", "--add", "--cacheinfo", "160000,"+initial+","+path)
	RunGit(t, src, "commit", "-q", "-m", "Add "+name)
	RunGit(t, src, "push", "-q", "origin", "HEAD:refs/heads/"+branch)

	wc = filepath.Join(f.Root, name+"-wc")
	RunGit(t, f.Root, "clone", "-q", remote, wc)
	return wc, initial
}
