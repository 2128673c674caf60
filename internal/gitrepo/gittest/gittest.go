// Package gittest creates bare fixture repositories for tests through git
// plumbing commands.
package gittest

import (
	"fmt"
	"os/exec"
	"sort"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/simplesurance/stager/internal/gitrepo"
)

// DefaultAuthor is the identity used for fixture commits when none is
// given.
var DefaultAuthor = gitrepo.Ident{
	Name:  "Test User",
	Email: "test@example.com",
	Date:  "2023-06-01T10:00:00+00:00",
}

// NewRepo initializes a bare repository in a temp directory.
func NewRepo(t *testing.T) *gitrepo.Repo {
	t.Helper()

	dir := t.TempDir()
	run(t, dir, nil, "init", "--bare", "--initial-branch=main", ".")

	return gitrepo.Open(dir)
}

// Tree writes the files (a complete snapshot, flat paths only) as blobs and
// returns the hash of the resulting tree.
func Tree(t *testing.T, repo *gitrepo.Repo, files map[string]string) string {
	t.Helper()

	names := make([]string, 0, len(files))
	for name := range files {
		names = append(names, name)
	}
	sort.Strings(names)

	var sb strings.Builder
	for _, name := range names {
		oid := run(t, repo.Dir(), strings.NewReader(files[name]),
			"hash-object", "-w", "--stdin", "--path", name)
		fmt.Fprintf(&sb, "100644 blob %s\t%s\n", oid, name)
	}

	return run(t, repo.Dir(), strings.NewReader(sb.String()), "mktree")
}

// Commit creates a commit with the given snapshot of files, using
// DefaultAuthor for author and committer.
func Commit(t *testing.T, repo *gitrepo.Repo, parents []string, files map[string]string, msg string) string {
	t.Helper()

	return CommitAs(t, repo, parents, files, msg, DefaultAuthor, DefaultAuthor)
}

// CommitAs creates a commit with explicit author and committer identities.
func CommitAs(t *testing.T, repo *gitrepo.Repo, parents []string, files map[string]string, msg string, author, committer gitrepo.Ident) string {
	t.Helper()

	tree := Tree(t, repo, files)

	args := []string{"commit-tree", tree, "-F", "-"}
	for _, p := range parents {
		args = append(args, "-p", p)
	}

	cmd := exec.Command("git", append([]string{"-C", repo.Dir()}, args...)...)
	cmd.Stdin = strings.NewReader(msg)
	cmd.Env = append(cmd.Environ(),
		"GIT_AUTHOR_NAME="+author.Name,
		"GIT_AUTHOR_EMAIL="+author.Email,
		"GIT_AUTHOR_DATE="+author.Date,
		"GIT_COMMITTER_NAME="+committer.Name,
		"GIT_COMMITTER_EMAIL="+committer.Email,
		"GIT_COMMITTER_DATE="+committer.Date,
		"TZ=UTC",
	)

	out, err := cmd.CombinedOutput()
	require.NoError(t, err, "git commit-tree failed: %s", string(out))

	return strings.TrimSpace(string(out))
}

// SetBranch points refs/heads/<name> at sha.
func SetBranch(t *testing.T, repo *gitrepo.Repo, name, sha string) {
	t.Helper()

	run(t, repo.Dir(), nil, "update-ref", "refs/heads/"+name, sha)
}

func run(t *testing.T, dir string, stdin *strings.Reader, args ...string) string {
	t.Helper()

	cmd := exec.Command("git", append([]string{"-C", dir}, args...)...)
	if stdin != nil {
		cmd.Stdin = stdin
	}

	out, err := cmd.CombinedOutput()
	require.NoError(t, err, "git %s failed: %s", strings.Join(args, " "), string(out))

	return strings.TrimSpace(string(out))
}
