package gitrepo

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/gofrs/flock"
	"go.uber.org/zap"

	"github.com/simplesurance/stager/internal/logfields"
)

// SourceURL returns the authenticated https remote URL for a repository
// given as "<owner>/<name>".
func SourceURL(host, token, repoName string) string {
	return fmt.Sprintf("https://%s@%s/%s", token, host, repoName)
}

// Mirrors manages the shared bare mirrors of all repositories below a
// common root directory. The mirrors are shared read/write between all
// workers of a repository, callers must re-fetch the refs they rely on
// before every staging or port attempt.
type Mirrors struct {
	root   string
	logger *zap.Logger
}

func NewMirrors(root string) *Mirrors {
	return &Mirrors{
		root:   root,
		logger: zap.L().Named("mirrors"),
	}
}

// Get returns the local mirror for the repository, cloning it first when it
// does not exist yet. Clone creation is serialized via a file lock, two
// workers must not clone the same repository concurrently.
func (m *Mirrors) Get(ctx context.Context, repoName, url string) (*Repo, error) {
	// repoName is "<owner>/<name>", the mirror is a subdirectory per owner
	dir := filepath.Join(m.root, repoName)

	if fi, err := os.Stat(dir); err == nil && fi.IsDir() {
		return Open(dir), nil
	}

	if err := os.MkdirAll(m.root, 0o755); err != nil {
		return nil, err
	}

	lock := flock.New(filepath.Join(m.root, lockName(repoName)))
	if err := lock.Lock(); err != nil {
		return nil, fmt.Errorf("acquiring clone lock for %s failed: %w", repoName, err)
	}
	defer func() { _ = lock.Unlock() }()

	// another worker might have cloned while we waited for the lock
	if fi, err := os.Stat(dir); err == nil && fi.IsDir() {
		return Open(dir), nil
	}

	m.logger.Info(
		"cloning repository mirror",
		logfields.Event("mirror_cloning"),
		logfields.Repository(repoName),
		zap.String("git.dir", dir),
	)

	scratch := Open(m.root)
	if _, err := scratch.git(ctx, "", nil, "clone", "--bare", url, dir); err != nil {
		return nil, err
	}

	// bare repos have no fetch specs by default and fetching into them is
	// painful, configure the specs so `git fetch` updates the local
	// branches. Ephemeral staging and tmp refs are excluded.
	repo := Open(dir)
	for _, spec := range []string{
		"+refs/heads/*:refs/heads/*",
		"^refs/heads/tmp.*",
		"^refs/heads/staging.*",
	} {
		if _, err := repo.git(ctx, "", nil, "config", "--add", "remote.origin.fetch", spec); err != nil {
			return nil, err
		}
	}

	return repo, nil
}

func lockName(repoName string) string {
	return strings.ReplaceAll(repoName, "/", "_") + ".clone.lock"
}
