package store

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/go-git/go-git/v6"
	"github.com/go-git/go-git/v6/config"
	"github.com/go-git/go-git/v6/plumbing"
	"github.com/go-git/go-git/v6/plumbing/object"
	"github.com/go-git/go-git/v6/plumbing/transport"
	"github.com/go-git/go-git/v6/plumbing/transport/http"
	log "github.com/sirupsen/logrus"
)

// gcInterval defines minimum time between garbage collection runs.
const gcInterval = 5 * time.Minute

// GitStoreConfig configures the git backend.
type GitStoreConfig struct {
	Remote   string
	Username string
	Password string
	RepoDir  string
}

// GitStore persists all slots as one file in a git repository. Every change is
// committed as a single parentless commit and force-pushed, so history never
// retains earlier tokens.
type GitStore struct {
	mu     sync.Mutex
	cfg    GitStoreConfig
	sealer *Sealer
	lastGC time.Time
}

// NewGitStore returns a git backend. Call EnsureRepository before use.
func NewGitStore(cfg GitStoreConfig, sealer *Sealer) *GitStore {
	cfg.Remote = strings.TrimSpace(cfg.Remote)
	cfg.RepoDir = strings.TrimSpace(cfg.RepoDir)
	return &GitStore{cfg: cfg, sealer: sealer}
}

func (s *GitStore) Name() string { return "git" }

func (s *GitStore) Close() error { return nil }

func (s *GitStore) filePath() string {
	return filepath.Join(s.cfg.RepoDir, defaultFileName)
}

// EnsureRepository clones the remote into RepoDir, or pulls when a clone already exists.
func (s *GitStore) EnsureRepository() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cfg.Remote == "" {
		return fmt.Errorf("git store: remote not configured")
	}
	if s.cfg.RepoDir == "" {
		return fmt.Errorf("git store: repository directory not configured")
	}
	gitDir := filepath.Join(s.cfg.RepoDir, ".git")
	authMethod := s.gitAuth()

	if _, err := os.Stat(gitDir); errors.Is(err, fs.ErrNotExist) {
		if errMk := os.MkdirAll(s.cfg.RepoDir, 0o700); errMk != nil {
			return fmt.Errorf("git store: create repo dir: %w", errMk)
		}
		_, errClone := git.PlainClone(s.cfg.RepoDir, &git.CloneOptions{Auth: authMethod, URL: s.cfg.Remote})
		if errClone == nil {
			return nil
		}
		if !errors.Is(errClone, transport.ErrEmptyRemoteRepository) {
			return fmt.Errorf("git store: clone remote: %w", errClone)
		}
		_ = os.RemoveAll(gitDir)
		repo, errInit := git.PlainInit(s.cfg.RepoDir, false)
		if errInit != nil {
			return fmt.Errorf("git store: init empty repo: %w", errInit)
		}
		if _, errCreate := repo.CreateRemote(&config.RemoteConfig{
			Name: "origin",
			URLs: []string{s.cfg.Remote},
		}); errCreate != nil && !errors.Is(errCreate, git.ErrRemoteExists) {
			return fmt.Errorf("git store: configure remote: %w", errCreate)
		}
		return nil
	} else if err != nil {
		return fmt.Errorf("git store: stat repo: %w", err)
	}

	repo, err := git.PlainOpen(s.cfg.RepoDir)
	if err != nil {
		return fmt.Errorf("git store: open repo: %w", err)
	}
	worktree, err := repo.Worktree()
	if err != nil {
		return fmt.Errorf("git store: worktree: %w", err)
	}
	if errPull := worktree.Pull(&git.PullOptions{Auth: authMethod, RemoteName: "origin"}); errPull != nil {
		switch {
		case errors.Is(errPull, git.NoErrAlreadyUpToDate),
			errors.Is(errPull, git.ErrUnstagedChanges),
			errors.Is(errPull, git.ErrNonFastForwardUpdate):
			// Local state wins over a diverged remote.
		case errors.Is(errPull, transport.ErrAuthenticationRequired),
			errors.Is(errPull, plumbing.ErrReferenceNotFound),
			errors.Is(errPull, transport.ErrEmptyRemoteRepository):
			log.WithError(errPull).Debug("git store: skipping initial pull")
		default:
			return fmt.Errorf("git store: pull: %w", errPull)
		}
	}
	return nil
}

func (s *GitStore) Get(_ context.Context, keys ...string) (map[string]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, err := s.readLocked()
	if err != nil {
		return nil, err
	}
	return doc.pick(keys), nil
}

func (s *GitStore) Set(_ context.Context, items map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, err := s.readLocked()
	if err != nil {
		return err
	}
	doc.apply(items)
	data, err := encodeDocument(s.sealer, doc)
	if err != nil {
		return fmt.Errorf("git store: %w", err)
	}
	if err = os.WriteFile(s.filePath(), data, 0o600); err != nil {
		return fmt.Errorf("git store: write %s: %w", s.filePath(), err)
	}
	return s.commitAndPushLocked("Update session")
}

func (s *GitStore) Remove(_ context.Context, keys ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, err := s.readLocked()
	if err != nil {
		return err
	}
	if !doc.remove(keys) {
		return nil
	}
	if len(doc) == 0 {
		if errRemove := os.Remove(s.filePath()); errRemove != nil && !errors.Is(errRemove, fs.ErrNotExist) {
			return fmt.Errorf("git store: remove %s: %w", s.filePath(), errRemove)
		}
		return s.commitAndPushLocked("Clear session")
	}
	data, err := encodeDocument(s.sealer, doc)
	if err != nil {
		return fmt.Errorf("git store: %w", err)
	}
	if err = os.WriteFile(s.filePath(), data, 0o600); err != nil {
		return fmt.Errorf("git store: write %s: %w", s.filePath(), err)
	}
	return s.commitAndPushLocked("Update session")
}

func (s *GitStore) readLocked() (document, error) {
	data, err := os.ReadFile(s.filePath())
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return make(document), nil
		}
		return nil, fmt.Errorf("git store: read %s: %w", s.filePath(), err)
	}
	doc, err := decodeDocument(s.sealer, data)
	if err != nil {
		return nil, fmt.Errorf("git store: %w", err)
	}
	return doc, nil
}

func (s *GitStore) gitAuth() transport.AuthMethod {
	if s.cfg.Username == "" && s.cfg.Password == "" {
		return nil
	}
	user := s.cfg.Username
	if user == "" {
		user = "git"
	}
	return &http.BasicAuth{Username: user, Password: s.cfg.Password}
}

func (s *GitStore) commitAndPushLocked(message string) error {
	repo, err := git.PlainOpen(s.cfg.RepoDir)
	if err != nil {
		return fmt.Errorf("git store: open repo: %w", err)
	}
	worktree, err := repo.Worktree()
	if err != nil {
		return fmt.Errorf("git store: worktree: %w", err)
	}
	if _, err = worktree.Add(defaultFileName); err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("git store: add %s: %w", defaultFileName, err)
		}
		if _, errRemove := worktree.Remove(defaultFileName); errRemove != nil && !errors.Is(errRemove, os.ErrNotExist) {
			return fmt.Errorf("git store: remove %s: %w", defaultFileName, errRemove)
		}
	}
	status, err := worktree.Status()
	if err != nil {
		return fmt.Errorf("git store: status: %w", err)
	}
	if status.IsClean() {
		return nil
	}
	signature := &object.Signature{
		Name:  "sessiond",
		Email: "sessiond@local",
		When:  time.Now(),
	}
	commitHash, err := worktree.Commit(message, &git.CommitOptions{Author: signature})
	if err != nil {
		if errors.Is(err, git.ErrEmptyCommit) {
			return nil
		}
		return fmt.Errorf("git store: commit: %w", err)
	}
	headRef, errHead := repo.Head()
	if errHead != nil {
		if !errors.Is(errHead, plumbing.ErrReferenceNotFound) {
			return fmt.Errorf("git store: get head: %w", errHead)
		}
	} else if errRewrite := rewriteHeadAsSingleCommit(repo, headRef.Name(), commitHash, message, signature); errRewrite != nil {
		return errRewrite
	}
	s.maybeRunGC(repo)
	if err = repo.Push(&git.PushOptions{Auth: s.gitAuth(), Force: true}); err != nil {
		if errors.Is(err, git.NoErrAlreadyUpToDate) {
			return nil
		}
		return fmt.Errorf("git store: push: %w", err)
	}
	return nil
}

// rewriteHeadAsSingleCommit points branch at a parentless copy of commitHash.
func rewriteHeadAsSingleCommit(repo *git.Repository, branch plumbing.ReferenceName, commitHash plumbing.Hash, message string, signature *object.Signature) error {
	commitObj, err := repo.CommitObject(commitHash)
	if err != nil {
		return fmt.Errorf("git store: inspect head commit: %w", err)
	}
	squashed := &object.Commit{
		Author:       *signature,
		Committer:    *signature,
		Message:      message,
		TreeHash:     commitObj.TreeHash,
		ParentHashes: nil,
		Encoding:     commitObj.Encoding,
		ExtraHeaders: commitObj.ExtraHeaders,
	}
	mem := &plumbing.MemoryObject{}
	mem.SetType(plumbing.CommitObject)
	if err = squashed.Encode(mem); err != nil {
		return fmt.Errorf("git store: encode squashed commit: %w", err)
	}
	newHash, err := repo.Storer.SetEncodedObject(mem)
	if err != nil {
		return fmt.Errorf("git store: write squashed commit: %w", err)
	}
	if err = repo.Storer.SetReference(plumbing.NewHashReference(branch, newHash)); err != nil {
		return fmt.Errorf("git store: update branch reference: %w", err)
	}
	return nil
}

func (s *GitStore) maybeRunGC(repo *git.Repository) {
	now := time.Now()
	if now.Sub(s.lastGC) < gcInterval {
		return
	}
	s.lastGC = now

	pruneOpts := git.PruneOptions{
		OnlyObjectsOlderThan: now,
		Handler:              repo.DeleteObject,
	}
	if err := repo.Prune(pruneOpts); err != nil && !errors.Is(err, git.ErrLooseObjectsNotSupported) {
		log.WithError(err).Debug("git store: prune failed")
		return
	}
	if err := repo.RepackObjects(&git.RepackConfig{}); err != nil {
		log.WithError(err).Debug("git store: repack failed")
	}
}
