// Package watch re-runs a function whenever the branch state of a working
// copy changes.
package watch

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/withlazers/deployment-withlazers/internal/debounce"
)

const DefaultDelay = 500 * time.Millisecond

// Run calls fn once, then again after every debounced change to HEAD or the
// refs of the repository at repoPath, until ctx is done. Calls never overlap;
// changes seen while fn runs coalesce into a single follow-up call.
func Run(ctx context.Context, repoPath string, delay time.Duration, fn func(ctx context.Context)) error {
	gitDir, err := GitDir(repoPath)
	if err != nil {
		return err
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("fsnotify: %w", err)
	}
	defer func() {
		if err := watcher.Close(); err != nil {
			slog.Error("watcher close", slog.Any("error", err))
		}
	}()
	for _, path := range watchPaths(gitDir) {
		slog.Debug("adding path to FS watcher", slog.String("path", path))
		if err := watcher.Add(path); err != nil {
			return fmt.Errorf("watch %s: %w", path, err)
		}
	}

	pending := make(chan struct{}, 1)
	d := debounce.New(delay, func() {
		select {
		case pending <- struct{}{}:
		default:
		}
	})
	defer d.Stop()
	go watchLoop(ctx, watcher, gitDir, d)

	fn(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-pending:
			slog.Info("repository changed, running again")
			fn(ctx)
		}
	}
}

func watchLoop(ctx context.Context, w *fsnotify.Watcher, gitDir string, d *debounce.Debouncer) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			if ev.Op&fsnotify.Create != 0 {
				// New ref namespaces such as refs/heads/feature/ are directories.
				if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
					if err := w.Add(ev.Name); err != nil {
						slog.Error("watch new directory", slog.String("path", ev.Name), slog.Any("error", err))
					}
				}
			}
			if !isRefChange(gitDir, ev.Name) {
				continue
			}
			slog.Debug("fsnotify event",
				slog.String("op", ev.Op.String()),
				slog.String("path", ev.Name),
			)
			d.Trigger()
		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			slog.Error("fsnotify error", slog.Any("error", err))
		}
	}
}

// GitDir returns the git directory of the working copy at repoPath, following
// the "gitdir:" indirection used by linked worktrees and submodules.
func GitDir(repoPath string) (string, error) {
	dotGit := filepath.Join(repoPath, ".git")
	info, err := os.Stat(dotGit)
	if err != nil {
		return "", fmt.Errorf("open repository %s: %w", repoPath, err)
	}
	if info.IsDir() {
		return dotGit, nil
	}
	data, err := os.ReadFile(dotGit)
	if err != nil {
		return "", err
	}
	dir, ok := strings.CutPrefix(strings.TrimSpace(string(data)), "gitdir:")
	if !ok {
		return "", fmt.Errorf("%s: not a gitdir file", dotGit)
	}
	dir = strings.TrimSpace(dir)
	if !filepath.IsAbs(dir) {
		dir = filepath.Join(repoPath, dir)
	}
	return filepath.Clean(dir), nil
}

// watchPaths lists the git directory and every directory below refs/heads.
func watchPaths(gitDir string) []string {
	paths := []string{gitDir}
	heads := filepath.Join(gitDir, "refs", "heads")
	err := filepath.WalkDir(heads, func(p string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if entry.IsDir() {
			paths = append(paths, p)
		}
		return nil
	})
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		slog.Warn("listing refs", slog.String("path", heads), slog.Any("error", err))
	}
	return paths
}

// isRefChange reports whether name is HEAD, packed-refs or a loose branch ref.
func isRefChange(gitDir, name string) bool {
	if shouldIgnoreWatchPath(name) {
		return false
	}
	rel, err := filepath.Rel(gitDir, name)
	if err != nil {
		return false
	}
	rel = filepath.ToSlash(rel)
	return rel == "HEAD" || rel == "packed-refs" || strings.HasPrefix(rel, "refs/heads/")
}

func shouldIgnoreWatchPath(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	return ext == ".lock" || ext == ".ipc"
}
