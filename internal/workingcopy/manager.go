// Package workingcopy maintains one local mirror per repository and exposes
// checkouts, diffs, and file reads at arbitrary revisions. All operations on
// a mirror are serialized by a per-repository mutex.
package workingcopy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	gogit "github.com/go-git/go-git/v5"
	gitcfg "github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"

	"git.home.luguber.info/inful/reviewd/internal/config"
)

// CloneStatus tracks mirror lifecycle per repository.
type CloneStatus string

const (
	CloneAbsent  CloneStatus = "absent"
	CloneCloning CloneStatus = "cloning"
	CloneCloned  CloneStatus = "cloned"
	CloneFailed  CloneStatus = "failed"
)

// ChangedFile is one file of a revision range diff.
type ChangedFile struct {
	Path      string
	Additions int
	Deletions int
}

// ErrFileNotFound is returned by ReadFile when the path does not exist at
// the requested revision.
var ErrFileNotFound = errors.New("workingcopy: file not found")

// Manager owns the mirror directory tree. It is safe for concurrent use;
// operations against the same repository serialize on its mutex.
type Manager struct {
	baseDir string

	mu       sync.Mutex
	mirrors  map[string]*mirror
	statuses map[string]CloneStatus
}

type mirror struct {
	mu   sync.Mutex
	path string
	repo *config.Repository
}

// NewManager creates a manager rooted at baseDir.
func NewManager(baseDir string) *Manager {
	return &Manager{
		baseDir:  baseDir,
		mirrors:  make(map[string]*mirror),
		statuses: make(map[string]CloneStatus),
	}
}

// Status returns the clone status for a repository id.
func (m *Manager) Status(repoID string) CloneStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	if st, ok := m.statuses[repoID]; ok {
		return st
	}
	return CloneAbsent
}

func (m *Manager) setStatus(repoID string, st CloneStatus) {
	m.mu.Lock()
	m.statuses[repoID] = st
	m.mu.Unlock()
}

func (m *Manager) mirrorFor(repo *config.Repository) *mirror {
	m.mu.Lock()
	defer m.mu.Unlock()
	if mi, ok := m.mirrors[repo.ID]; ok {
		mi.repo = repo
		return mi
	}
	path := repo.LocalPath
	if path == "" {
		path = filepath.Join(m.baseDir, repo.ID)
	}
	mi := &mirror{path: path, repo: repo}
	m.mirrors[repo.ID] = mi
	return mi
}

// Acquire locks the repository's checkout mutex and returns the release
// function. The engine holds this lock across checkout and all batches of a
// task so at most one checkout per repository is live at a time.
func (m *Manager) Acquire(repo *config.Repository) func() {
	mi := m.mirrorFor(repo)
	mi.mu.Lock()
	return mi.mu.Unlock
}

// EnsureCloned clones the mirror if missing. Idempotent: an existing mirror
// is left untouched. The caller must hold the repository lock.
func (m *Manager) EnsureCloned(ctx context.Context, repo *config.Repository) (string, error) {
	mi := m.mirrorFor(repo)

	if _, err := os.Stat(filepath.Join(mi.path, ".git")); err == nil {
		m.setStatus(repo.ID, CloneCloned)
		return mi.path, nil
	}

	m.setStatus(repo.ID, CloneCloning)
	slog.Info("Cloning repository", "repo", repo.Name, "url", repo.CloneURL, "path", mi.path)

	if err := os.RemoveAll(mi.path); err != nil {
		m.setStatus(repo.ID, CloneFailed)
		return "", fmt.Errorf("remove stale mirror: %w", err)
	}

	opts := &gogit.CloneOptions{URL: repo.CloneURL}
	if repo.Branch != "" {
		opts.ReferenceName = plumbing.NewBranchReferenceName(repo.Branch)
	}
	auth, err := transportAuth(repo.Auth)
	if err != nil {
		m.setStatus(repo.ID, CloneFailed)
		return "", fmt.Errorf("setup authentication: %w", err)
	}
	opts.Auth = auth

	r, err := gogit.PlainCloneContext(ctx, mi.path, false, opts)
	if err != nil {
		m.setStatus(repo.ID, CloneFailed)
		return "", fmt.Errorf("clone %s: %w", repo.CloneURL, err)
	}

	if ref, herr := r.Head(); herr == nil {
		slog.Info("Repository cloned", "repo", repo.Name, "commit", shortHash(ref.Hash()))
	}
	m.setStatus(repo.ID, CloneCloned)
	return mi.path, nil
}

// Checkout fetches updates and hard-resets the working tree to ref (a commit
// SHA or branch name), returning the checkout path. The caller must hold the
// repository lock.
func (m *Manager) Checkout(ctx context.Context, repo *config.Repository, ref string) (string, error) {
	path, err := m.EnsureCloned(ctx, repo)
	if err != nil {
		return "", err
	}

	r, err := gogit.PlainOpen(path)
	if err != nil {
		return "", fmt.Errorf("open mirror: %w", err)
	}

	if err := m.fetch(ctx, r, repo); err != nil {
		return "", err
	}

	hash, err := resolveRevision(r, ref)
	if err != nil {
		return "", fmt.Errorf("resolve %q: %w", ref, err)
	}

	wt, err := r.Worktree()
	if err != nil {
		return "", fmt.Errorf("worktree: %w", err)
	}
	if err := wt.Reset(&gogit.ResetOptions{Commit: hash, Mode: gogit.HardReset}); err != nil {
		return "", fmt.Errorf("reset to %s: %w", shortHash(hash), err)
	}

	slog.Debug("Checked out revision", "repo", repo.Name, "ref", ref, "commit", shortHash(hash))
	return path, nil
}

// FetchRef fetches an arbitrary remote ref (e.g. a merge-request head like
// "refs/merge-requests/7/head") into a local branch and returns its hash.
func (m *Manager) FetchRef(ctx context.Context, repo *config.Repository, remoteRef, localBranch string) (string, error) {
	path, err := m.EnsureCloned(ctx, repo)
	if err != nil {
		return "", err
	}
	r, err := gogit.PlainOpen(path)
	if err != nil {
		return "", fmt.Errorf("open mirror: %w", err)
	}

	auth, err := transportAuth(repo.Auth)
	if err != nil {
		return "", err
	}
	spec := gitcfg.RefSpec(fmt.Sprintf("+%s:refs/heads/%s", remoteRef, localBranch))
	err = r.FetchContext(ctx, &gogit.FetchOptions{
		RemoteName: "origin",
		RefSpecs:   []gitcfg.RefSpec{spec},
		Tags:       gogit.NoTags,
		Auth:       auth,
	})
	if err != nil && !errors.Is(err, gogit.NoErrAlreadyUpToDate) {
		return "", fmt.Errorf("fetch %s: %w", remoteRef, err)
	}

	ref, err := r.Reference(plumbing.NewBranchReferenceName(localBranch), true)
	if err != nil {
		return "", fmt.Errorf("resolve fetched branch: %w", err)
	}
	return ref.Hash().String(), nil
}

func (m *Manager) fetch(ctx context.Context, r *gogit.Repository, repo *config.Repository) error {
	auth, err := transportAuth(repo.Auth)
	if err != nil {
		return err
	}
	err = r.FetchContext(ctx, &gogit.FetchOptions{
		RemoteName: "origin",
		RefSpecs:   []gitcfg.RefSpec{"+refs/heads/*:refs/remotes/origin/*"},
		Tags:       gogit.NoTags,
		Auth:       auth,
	})
	if err != nil && !errors.Is(err, gogit.NoErrAlreadyUpToDate) {
		return fmt.Errorf("fetch: %w", err)
	}
	return nil
}

// ListChangedFiles diffs baseRef..headRef and returns changed files in tree
// order. When baseRef is empty the diff is against headRef's first parent;
// a root commit diffs against the empty tree.
func (m *Manager) ListChangedFiles(repo *config.Repository, baseRef, headRef string) ([]ChangedFile, error) {
	mi := m.mirrorFor(repo)
	r, err := gogit.PlainOpen(mi.path)
	if err != nil {
		return nil, fmt.Errorf("open mirror: %w", err)
	}

	headHash, err := resolveRevision(r, headRef)
	if err != nil {
		return nil, fmt.Errorf("resolve head %q: %w", headRef, err)
	}
	headCommit, err := r.CommitObject(headHash)
	if err != nil {
		return nil, fmt.Errorf("head commit: %w", err)
	}
	headTree, err := headCommit.Tree()
	if err != nil {
		return nil, fmt.Errorf("head tree: %w", err)
	}

	var baseTree *object.Tree
	switch {
	case baseRef != "":
		baseHash, err := resolveRevision(r, baseRef)
		if err != nil {
			return nil, fmt.Errorf("resolve base %q: %w", baseRef, err)
		}
		if baseHash == headHash {
			return nil, nil
		}
		baseCommit, err := r.CommitObject(baseHash)
		if err != nil {
			return nil, fmt.Errorf("base commit: %w", err)
		}
		if baseTree, err = baseCommit.Tree(); err != nil {
			return nil, fmt.Errorf("base tree: %w", err)
		}
	case headCommit.NumParents() > 0:
		parent, err := headCommit.Parent(0)
		if err != nil {
			return nil, fmt.Errorf("parent commit: %w", err)
		}
		if baseTree, err = parent.Tree(); err != nil {
			return nil, fmt.Errorf("parent tree: %w", err)
		}
	default:
		baseTree = &object.Tree{}
	}

	changes, err := object.DiffTree(baseTree, headTree)
	if err != nil {
		return nil, fmt.Errorf("diff trees: %w", err)
	}

	var files []ChangedFile
	for _, ch := range changes {
		name := ch.To.Name
		if name == "" { // deletion: nothing to review
			continue
		}
		cf := ChangedFile{Path: name}
		if patch, perr := ch.Patch(); perr == nil {
			for _, stat := range patch.Stats() {
				cf.Additions += stat.Addition
				cf.Deletions += stat.Deletion
			}
		}
		files = append(files, cf)
	}
	return files, nil
}

// ReadFile returns the contents of path at ref.
func (m *Manager) ReadFile(repo *config.Repository, ref, path string) ([]byte, error) {
	mi := m.mirrorFor(repo)
	r, err := gogit.PlainOpen(mi.path)
	if err != nil {
		return nil, fmt.Errorf("open mirror: %w", err)
	}
	hash, err := resolveRevision(r, ref)
	if err != nil {
		return nil, fmt.Errorf("resolve %q: %w", ref, err)
	}
	commit, err := r.CommitObject(hash)
	if err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	f, err := commit.File(path)
	if err != nil {
		if errors.Is(err, object.ErrFileNotFound) {
			return nil, ErrFileNotFound
		}
		return nil, fmt.Errorf("file %q: %w", path, err)
	}
	content, err := f.Contents()
	if err != nil {
		return nil, fmt.Errorf("read %q: %w", path, err)
	}
	return []byte(content), nil
}

// CommitTime returns the committer timestamp of ref, used for effective-from
// filtering.
func (m *Manager) CommitTime(repo *config.Repository, ref string) (time.Time, error) {
	mi := m.mirrorFor(repo)
	r, err := gogit.PlainOpen(mi.path)
	if err != nil {
		return time.Time{}, fmt.Errorf("open mirror: %w", err)
	}
	hash, err := resolveRevision(r, ref)
	if err != nil {
		return time.Time{}, fmt.Errorf("resolve %q: %w", ref, err)
	}
	commit, err := r.CommitObject(hash)
	if err != nil {
		return time.Time{}, fmt.Errorf("commit: %w", err)
	}
	return commit.Committer.When.UTC(), nil
}

// resolveRevision resolves a SHA, branch, or remote branch name to a hash.
func resolveRevision(r *gogit.Repository, ref string) (plumbing.Hash, error) {
	for _, candidate := range []string{ref, "refs/remotes/origin/" + ref, "refs/heads/" + ref} {
		if h, err := r.ResolveRevision(plumbing.Revision(candidate)); err == nil {
			return *h, nil
		}
	}
	return plumbing.ZeroHash, fmt.Errorf("unknown revision %q", ref)
}

func shortHash(h plumbing.Hash) string {
	s := h.String()
	if len(s) > 8 {
		return s[:8]
	}
	return s
}
