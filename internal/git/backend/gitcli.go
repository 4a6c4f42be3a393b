package backend

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
)

type gitCLI struct {
	path       string
	remoteName string
	// configArgs are passed as "-c key=value" to every invocation.
	configArgs []string
	// tempDir is removed by Close when the clone was made into a temporary directory.
	tempDir string
}

// gitCommand describes one git invocation.
type gitCommand struct {
	args []string
	env  []string
	in   io.Reader
	// allowExit1 treats exit status 1 as success; the status is still reported.
	allowExit1 bool
	context    string
}

// OpenCLI opens an existing working copy through the git executable.
func OpenCLI(repoPath string) (Backend, error) {
	if err := ensureMinGitVersion(); err != nil {
		return nil, err
	}
	abs, err := filepath.Abs(repoPath)
	if err != nil {
		return nil, err
	}
	tmp := &gitCLI{path: abs, remoteName: DefaultRemoteName}
	root, err := tmp.git(context.Background(), "git rev-parse", "rev-parse", "--show-toplevel")
	if err != nil {
		return nil, fmt.Errorf("open repository: %w", err)
	}
	root = strings.TrimSpace(root)
	if root == "" {
		return nil, fmt.Errorf("open repository: git rev-parse returned empty root")
	}
	tmp.path = root
	return tmp, nil
}

// CloneCLI makes a bare clone of url. Without opts.Dir the clone lives in a
// temporary directory removed by Close.
func CloneCLI(ctx context.Context, url string, opts CloneOptions) (Backend, error) {
	if err := ensureMinGitVersion(); err != nil {
		return nil, err
	}
	if url == "" {
		return nil, fmt.Errorf("clone: remote URL not specified")
	}
	g := &gitCLI{remoteName: opts.RemoteName, configArgs: cliConfigArgs(opts.Auth)}
	if g.remoteName == "" {
		g.remoteName = DefaultRemoteName
	}
	if opts.Dir == "" {
		dir, err := os.MkdirTemp("", "composite-*.git")
		if err != nil {
			return nil, fmt.Errorf("clone: %w", err)
		}
		g.path = dir
		g.tempDir = dir
	} else {
		abs, err := filepath.Abs(opts.Dir)
		if err != nil {
			return nil, err
		}
		if err := os.MkdirAll(abs, 0o755); err != nil {
			return nil, fmt.Errorf("clone: %w", err)
		}
		g.path = abs
	}

	slog.Debug("cloning composite repository", slog.String("url", url), slog.String("into", g.path))
	_, _, err := g.run(ctx, gitCommand{
		args:    []string{"clone", "--bare", "--no-tags", "--origin", g.remoteName, "--", url, g.path},
		context: "git clone",
	})
	if err != nil {
		return nil, errors.Join(err, g.Close())
	}
	spec := fmt.Sprintf("+refs/heads/*:refs/remotes/%s/*", g.remoteName)
	if _, err := g.git(ctx, "git config", "config", "remote."+g.remoteName+".fetch", spec); err != nil {
		return nil, errors.Join(err, g.Close())
	}
	if err := g.Fetch(ctx); err != nil {
		return nil, errors.Join(err, g.Close())
	}
	return g, nil
}

func (g *gitCLI) RepoPath() string {
	if g == nil {
		return ""
	}
	return g.path
}

func (g *gitCLI) Close() error {
	if g == nil || g.tempDir == "" {
		return nil
	}
	dir := g.tempDir
	g.tempDir = ""
	return os.RemoveAll(dir)
}

// git runs a command that must exit 0 and returns its stdout.
func (g *gitCLI) git(ctx context.Context, desc string, args ...string) (string, error) {
	out, _, err := g.run(ctx, gitCommand{args: args, context: desc})
	return out, err
}

func (g *gitCLI) run(ctx context.Context, c gitCommand) (stdout string, exitCode int, err error) {
	if g == nil || g.path == "" {
		return "", -1, fmt.Errorf("repository root not set")
	}
	cmdArgs := append([]string{"-C", g.path}, g.configArgs...)
	cmdArgs = append(cmdArgs, c.args...)
	cmd := exec.CommandContext(ctx, "git", cmdArgs...)
	cmd.Env = append(os.Environ(), "GIT_TERMINAL_PROMPT=0")
	cmd.Env = append(cmd.Env, c.env...)
	cmd.Stdin = c.in
	var out, stderr bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &stderr
	err = cmd.Run()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			exitCode = exitErr.ExitCode()
			if c.allowExit1 && exitCode == 1 {
				return out.String(), exitCode, nil
			}
		}
		if stderr.Len() > 0 {
			return out.String(), exitCode, &gitError{context: c.context, err: err, stderr: strings.TrimSpace(stderr.String())}
		}
		return out.String(), exitCode, fmt.Errorf("%s: %w", c.context, err)
	}
	return out.String(), 0, nil
}

type gitError struct {
	context string
	err     error
	stderr  string
}

func (e *gitError) Error() string {
	return fmt.Sprintf("%s: %v: %s", e.context, e.err, e.stderr)
}

func (e *gitError) Unwrap() error { return e.err }

// cliConfigArgs turns credentials into http.extraHeader settings. The token is
// sent as basic auth so no credential helper is consulted.
func cliConfigArgs(creds Credentials) []string {
	if creds.empty() {
		return nil
	}
	headers := map[string]string{}
	for k, v := range creds.Headers {
		headers[k] = v
	}
	if creds.Token != "" {
		user := creds.Username
		if user == "" {
			user = defaultTokenUser
		}
		headers["Authorization"] = "Basic " + base64.StdEncoding.EncodeToString([]byte(user+":"+creds.Token))
	}
	keys := make([]string, 0, len(headers))
	for k := range headers {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	args := make([]string, 0, 2*len(keys))
	for _, k := range keys {
		args = append(args, "-c", fmt.Sprintf("http.extraHeader=%s: %s", k, headers[k]))
	}
	return args
}
