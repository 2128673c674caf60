// Package gitrepo manipulates git objects in a local bare mirror through
// git plumbing commands, without a working copy.
package gitrepo

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/simplesurance/stager/internal/logfields"
	"github.com/simplesurance/stager/internal/mergerr"
)

// alwaysParams are passed to every git invocation, background maintenance
// would race with concurrent object creation.
var alwaysParams = []string{"-c", "gc.auto=0", "-c", "maintenance.auto=0"}

// Ident is a commit author or committer.
// Date is in a format accepted by GIT_AUTHOR_DATE, it can be empty to let
// git generate a fresh timestamp.
type Ident struct {
	Name  string
	Email string
	Date  string
}

// Commit is an immutable git commit object.
type Commit struct {
	SHA       string
	Tree      string
	Parents   []string
	Message   string
	Author    Ident
	Committer Ident
}

// Repo gives access to a local bare git repository.
type Repo struct {
	dir    string
	logger *zap.Logger
}

func Open(dir string) *Repo {
	return &Repo{
		dir:    dir,
		logger: zap.L().Named("gitrepo").With(zap.String("git.dir", dir)),
	}
}

func (r *Repo) Dir() string { return r.dir }

// git runs a git subcommand in the repository directory.
// On a non-zero exit status a *mergerr.MergeError carrying the raw
// stdout/stderr is returned.
func (r *Repo) git(ctx context.Context, stdin string, env []string, args ...string) (string, error) {
	cmdArgs := make([]string, 0, len(alwaysParams)+len(args)+2)
	cmdArgs = append(cmdArgs, "-C", r.dir)
	cmdArgs = append(cmdArgs, alwaysParams...)
	cmdArgs = append(cmdArgs, args...)

	cmd := exec.CommandContext(ctx, "git", cmdArgs...)
	if stdin != "" {
		cmd.Stdin = strings.NewReader(stdin)
	}

	// commit timestamps must not depend on the timezone of the host
	cmd.Env = append(append(os.Environ(), "TZ=UTC"), env...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if err != nil {
		r.logger.Debug(
			"git command failed",
			logfields.Event("git_command_failed"),
			zap.String("git.args", strings.Join(args, " ")),
			zap.String("git.stderr", stderr.String()),
			zap.Error(err),
		)

		return "", mergerr.NewMergeError(args[0], stdout.String(), stderr.String(), err)
	}

	return stdout.String(), nil
}

// RevParse resolves rev to an object id.
func (r *Repo) RevParse(ctx context.Context, rev string) (string, error) {
	out, err := r.git(ctx, "", nil, "rev-parse", "--verify", rev)
	if err != nil {
		return "", err
	}

	return strings.TrimSpace(out), nil
}

// GetTree returns the tree hash of a commit-ish.
func (r *Repo) GetTree(ctx context.Context, commitish string) (string, error) {
	return r.RevParse(ctx, commitish+"^{tree}")
}

// MergeTree three-way merges two commit-ish objects and returns the
// resulting tree hash. Merge conflicts are never resolved automatically,
// they are reported as a *mergerr.MergeError carrying the raw conflict
// output of git.
func (r *Repo) MergeTree(ctx context.Context, a, b string) (string, error) {
	out, err := r.git(ctx, "", nil, "merge-tree", "--write-tree", a, b)
	if err != nil {
		return "", err
	}

	return strings.TrimSpace(out), nil
}

// CommitTreeRequest describes a commit object to create.
// Tree must be an actual tree hash, not a tree-ish.
type CommitTreeRequest struct {
	Tree      string
	Parents   []string
	Message   string
	Author    Ident
	Committer Ident
}

// CommitTree creates a commit object and returns its hash.
func (r *Repo) CommitTree(ctx context.Context, req *CommitTreeRequest) (string, error) {
	var env []string
	if req.Author.Name != "" {
		env = append(env,
			"GIT_AUTHOR_NAME="+req.Author.Name,
			"GIT_AUTHOR_EMAIL="+req.Author.Email,
		)
		if req.Author.Date != "" {
			env = append(env, "GIT_AUTHOR_DATE="+req.Author.Date)
		}
	}
	if req.Committer.Name != "" {
		env = append(env,
			"GIT_COMMITTER_NAME="+req.Committer.Name,
			"GIT_COMMITTER_EMAIL="+req.Committer.Email,
		)
		if req.Committer.Date != "" {
			env = append(env, "GIT_COMMITTER_DATE="+req.Committer.Date)
		}
	}

	args := []string{"commit-tree", req.Tree, "-F", "-"}
	for _, p := range req.Parents {
		args = append(args, "-p", p)
	}

	out, err := r.git(ctx, req.Message, env, args...)
	if err != nil {
		return "", err
	}

	return strings.TrimSpace(out), nil
}

// Merge merges c2 into c1 with a two-parent merge commit.
func (r *Repo) Merge(ctx context.Context, c1, c2, message string, author Ident) (string, error) {
	tree, err := r.MergeTree(ctx, c1, c2)
	if err != nil {
		return "", err
	}

	return r.CommitTree(ctx, &CommitTreeRequest{
		Tree:      tree,
		Parents:   []string{c1, c2},
		Message:   message,
		Author:    author,
		Committer: author,
	})
}

// Fetch fetches the given refspecs from url into the mirror.
// Full refspecs must be used, otherwise only the commits are fetched and
// the local refs are not updated.
func (r *Repo) Fetch(ctx context.Context, url string, refspecs ...string) error {
	args := append([]string{"fetch", "--no-tags", url}, refspecs...)
	_, err := r.git(ctx, "", nil, args...)
	return err
}

// Push pushes refspec to url.
func (r *Repo) Push(ctx context.Context, url, refspec string) error {
	_, err := r.git(ctx, "", nil, "push", url, refspec)
	return err
}

// PushForce force-pushes refspec to url, without any lease check.
// It must never be used for authoritative branches.
func (r *Repo) PushForce(ctx context.Context, url, refspec string) error {
	_, err := r.git(ctx, "", nil, "push", "-f", url, refspec)
	return err
}

// PushForceWithLease pushes sha to refs/heads/<branch> on url, failing when
// the remote ref does not point at expectedOld anymore. This protects
// against clobbering concurrent updates.
func (r *Repo) PushForceWithLease(ctx context.Context, url, branch, expectedOld, sha string) error {
	_, err := r.git(ctx, "", nil,
		"push",
		fmt.Sprintf("--force-with-lease=%s:%s", branch, expectedOld),
		url,
		fmt.Sprintf("%s:refs/heads/%s", sha, branch),
	)
	return err
}

// MergeBase returns the best common ancestor of a and b.
func (r *Repo) MergeBase(ctx context.Context, a, b string) (string, error) {
	out, err := r.git(ctx, "", nil, "merge-base", a, b)
	if err != nil {
		return "", err
	}

	return strings.TrimSpace(out), nil
}

// RevListCount returns the number of commits in the range spec.
func (r *Repo) RevListCount(ctx context.Context, spec string) (int, error) {
	out, err := r.git(ctx, "", nil, "rev-list", "--count", spec)
	if err != nil {
		return 0, err
	}

	return strconv.Atoi(strings.TrimSpace(out))
}

// CatFile returns the content of the object at spec, e.g. "<tree>:<path>".
func (r *Repo) CatFile(ctx context.Context, spec string) (string, error) {
	return r.git(ctx, "", nil, "cat-file", "-p", spec)
}

// UpdateRef points refs/heads/<branch> of the local mirror at sha.
func (r *Repo) UpdateRef(ctx context.Context, branch, sha string) error {
	_, err := r.git(ctx, "", nil, "update-ref", "refs/heads/"+branch, sha)
	return err
}

// IsAncestor returns true when ancestor is an ancestor of descendant, which
// makes an update from ancestor to descendant a fast-forward.
func (r *Repo) IsAncestor(ctx context.Context, ancestor, descendant string) (bool, error) {
	_, err := r.git(ctx, "", nil, "merge-base", "--is-ancestor", ancestor, descendant)
	if err != nil {
		var mErr *mergerr.MergeError
		if errors.As(err, &mErr) && strings.TrimSpace(mErr.Stderr) == "" {
			// exit status 1 without error output means "no"
			return false, nil
		}

		return false, err
	}

	return true, nil
}
