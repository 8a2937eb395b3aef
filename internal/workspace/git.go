package workspace

import (
	"context"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/jagilber-org/agentmgr/internal/eventbus"
)

// watchGit installs a non-recursive watch on .git for HEAD,
// COMMIT_EDITMSG, MERGE_HEAD and REBASE_HEAD, plus a recursive watch on
// .git/refs/heads (§4.G bullet 3).
func (m *Monitor) watchGit(gitDir string) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := w.Add(gitDir); err != nil {
		_ = w.Close()
		return err
	}
	m.watchers = append(m.watchers, w)

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		for {
			select {
			case <-m.done:
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				m.onGitEvent(gitDir, ev)
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				slog.Warn("workspace monitor: git watcher error", "path", gitDir, "err", err)
			}
		}
	}()

	refsHeads := filepath.Join(gitDir, "refs", "heads")
	if dirExists(refsHeads) {
		if err := m.watchRecursive(refsHeads, func(ev fsnotify.Event) {
			m.onGitEvent(gitDir, ev)
		}); err != nil {
			return err
		}
	}
	return nil
}

// onGitEvent classifies a raw fsnotify event under .git per §4.G: HEAD ->
// branch-switch; refs/heads/<b> -> commit; COMMIT_EDITMSG ->
// commit-message; MERGE_HEAD/REBASE_HEAD -> branch-switch (they mark the
// same "current ref changed" family of state as HEAD).
func (m *Monitor) onGitEvent(gitDir string, ev fsnotify.Event) {
	base := filepath.Base(ev.Name)
	switch {
	case base == "HEAD", base == "MERGE_HEAD", base == "REBASE_HEAD":
		m.recordGitEvent(GitBranchSwitch, "")
		m.bus.Publish(eventbus.New(eventbus.WorkspaceGitEvent, "path", m.path, "kind", string(GitBranchSwitch)))
	case base == "COMMIT_EDITMSG":
		m.recordGitEvent(GitCommitMsg, "")
		m.bus.Publish(eventbus.New(eventbus.WorkspaceGitEvent, "path", m.path, "kind", string(GitCommitMsg)))
	default:
		refsHeads := filepath.Join(gitDir, "refs", "heads") + string(filepath.Separator)
		if strings.HasPrefix(ev.Name, refsHeads) {
			ref := strings.TrimPrefix(ev.Name, refsHeads)
			m.recordGitEvent(GitCommit, ref)
			m.bus.Publish(eventbus.New(eventbus.WorkspaceGitEvent, "path", m.path, "kind", string(GitCommit), "ref", ref))
		}
	}
}

// runFetchLoop periodically snapshots refs/remotes, runs `git fetch --all
// --prune`, and diffs the ref set to emit workspace:remote-update per
// changed ref (§4.G bullet 4).
func (m *Monitor) runFetchLoop() {
	defer m.wg.Done()
	ticker := time.NewTicker(time.Duration(m.fetchIntervalMs) * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			m.runFetchOnce()
		}
	}
}

func (m *Monitor) runFetchOnce() {
	before, err := listRefs(m.path, "refs/remotes")
	if err != nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), gitFetchTimeout)
	defer cancel()
	cmd := exec.CommandContext(ctx, "git", "fetch", "--all", "--prune")
	cmd.Dir = m.path
	if err := cmd.Run(); err != nil {
		m.recordGitEvent(GitFetchFailed, "")
		m.bus.Publish(eventbus.New(eventbus.WorkspaceGitEvent, "path", m.path, "kind", string(GitFetchFailed)))
		return
	}

	after, err := listRefs(m.path, "refs/remotes")
	if err != nil {
		return
	}
	for ref, hash := range after {
		if before[ref] != hash {
			m.bus.Publish(eventbus.New(eventbus.WorkspaceRemoteUpdate, "path", m.path, "ref", ref))
		}
	}
	for ref := range before {
		if _, ok := after[ref]; !ok {
			m.bus.Publish(eventbus.New(eventbus.WorkspaceRemoteUpdate, "path", m.path, "ref", ref, "deleted", true))
		}
	}
}

// listRefs reads every loose ref file under .git/<prefix>, keyed by ref
// name relative to prefix, valued by its trimmed content (a commit hash,
// or "ref: ..." for symbolic refs).
func listRefs(workspacePath, prefix string) (map[string]string, error) {
	root := filepath.Join(workspacePath, ".git", prefix)
	out := make(map[string]string)
	if !dirExists(root) {
		return out, nil
	}
	err := filepath.WalkDir(root, func(p string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil //nolint:nilerr // best-effort ref listing
		}
		data, readErr := os.ReadFile(p)
		if readErr != nil {
			return nil
		}
		rel, relErr := filepath.Rel(root, p)
		if relErr != nil {
			return nil
		}
		out[filepath.ToSlash(rel)] = strings.TrimSpace(string(data))
		return nil
	})
	return out, err
}
