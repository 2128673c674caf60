package forwardport

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/simplesurance/stager/internal/githubclt"
	"github.com/simplesurance/stager/internal/gitrepo"
	"github.com/simplesurance/stager/internal/logfields"
	"github.com/simplesurance/stager/internal/mergerr"
	"github.com/simplesurance/stager/internal/store"
)

// conflict describes a port whose commits did not apply cleanly.
type conflict struct {
	// reason is the raw merge output, stored as the detach reason and
	// shown to the author.
	reason string
}

// portPullRequest replicates the commits of pr onto the next branch: a
// fresh branch with a copy of the commits is pushed and a follow-up pull
// request created. A conflict does not abort the port, the follow-up is
// created with the conflicting tree and detached from its parent.
func (e *Engine) portPullRequest(ctx context.Context, pr *store.PullRequest, current, next *store.Branch) (*store.PullRequest, error) {
	repoRec, err := e.store.RepoByID(ctx, pr.RepoID)
	if err != nil {
		return nil, err
	}

	url := e.remoteURL(repoRec.Name)
	repo, err := e.mirrors.Get(ctx, repoRec.Name, url)
	if err != nil {
		return nil, err
	}

	refspec := fmt.Sprintf("+refs/heads/%s:refs/heads/%s", next.Name, next.Name)
	if err := repo.Fetch(ctx, url, refspec); err != nil {
		return nil, err
	}

	tip, err := repo.RevParse(ctx, "refs/heads/"+next.Name)
	if err != nil {
		return nil, err
	}

	commits, err := e.sourceCommits(ctx, repo, url, pr, current)
	if err != nil {
		return nil, err
	}

	head, cfl, err := e.portCommits(ctx, repo, tip, pr, commits)
	if err != nil {
		return nil, err
	}

	branch := e.portBranchName(next, pr)
	if err := repo.PushForce(ctx, url, head+":refs/heads/"+branch); err != nil {
		return nil, err
	}

	root := pr
	if pr.SourceID != nil {
		if root, err = e.store.PullRequestByID(ctx, *pr.SourceID); err != nil {
			return nil, err
		}
	}

	title := "[FW]"
	if !strings.HasPrefix(root.Title, "[") {
		title += " "
	}
	title += root.Title

	body := root.Body
	if body != "" {
		body += "\n\n"
	}
	body += fmt.Sprintf("Forward-Port-Of: %s#%d", repoRec.Name, pr.Number)

	number, err := e.host.CreatePullRequest(ctx, repoRec.Name, &githubclt.CreatePullRequestParams{
		Title: title,
		Body:  body,
		Head:  branch,
		Base:  next.Name,
	})
	if err != nil {
		// the pushed branch would leak, it is removed on creation failure
		if derr := e.host.DeleteBranch(ctx, repoRec.Name, branch); derr != nil {
			e.logger.Warn("deleting branch of failed port failed",
				logfields.Event("port_branch_cleanup_failed"),
				logfields.Repository(repoRec.Name),
				logfields.Branch(branch),
				zap.Error(derr),
			)
		}

		return nil, err
	}

	owner, _, _ := strings.Cut(repoRec.Name, "/")
	sourceID := rootID(pr)

	newPR := &store.PullRequest{
		RepoID:      pr.RepoID,
		Number:      number,
		TargetID:    next.ID,
		Head:        head,
		Title:       title,
		Body:        body,
		State:       store.PRStateOpen,
		Method:      pr.Method,
		Priority:    store.PriorityDefault,
		SignedOffBy: pr.SignedOffBy,
		Label:       owner + ":" + branch,
		SourceID:    &sourceID,
		LimitID:     pr.LimitID,
	}
	if cfl == nil {
		newPR.ParentID = &pr.ID
	} else {
		newPR.DetachReason = cfl.reason
	}

	if err := e.store.CreatePullRequest(ctx, newPR); err != nil {
		return nil, err
	}

	e.labelAndNotify(ctx, repoRec.Name, pr, newPR, cfl)

	metrics.portsCreated.WithLabelValues(next.Name).Inc()
	if cfl != nil {
		metrics.portConflicts.WithLabelValues(next.Name).Inc()
	}
	e.logger.Info("forward port created",
		logfields.Event("port_created"),
		logfields.Repository(repoRec.Name),
		logfields.Branch(next.Name),
		logfields.PullRequest(newPR.Number),
		zap.Bool("port.conflict", cfl != nil),
	)

	return newPR, nil
}

// sourceCommits returns the commits of pr, oldest first: everything between
// the merge base with its target branch and its head. The head is fetched
// on demand, an unfetchable head is a hosting side inconsistency and
// retried later rather than failing the chain permanently.
func (e *Engine) sourceCommits(ctx context.Context, repo *gitrepo.Repo, url string, pr *store.PullRequest, current *store.Branch) ([]gitrepo.Commit, error) {
	if err := e.ensureHead(ctx, repo, url, pr); err != nil {
		return nil, err
	}

	refspec := fmt.Sprintf("+refs/heads/%s:refs/heads/%s", current.Name, current.Name)
	if err := repo.Fetch(ctx, url, refspec); err != nil {
		return nil, err
	}

	base, err := repo.MergeBase(ctx, "refs/heads/"+current.Name, pr.Head)
	if err != nil {
		return nil, err
	}

	commits, err := repo.ReadCommits(ctx, base, pr.Head)
	if err != nil {
		return nil, err
	}
	if len(commits) == 0 {
		return nil, fmt.Errorf("pull request %d has no commits over %s, nothing to port", pr.Number, current.Name)
	}

	return commits, nil
}

// ensureHead makes the head commit of pr resolvable in the mirror,
// fetching its branch or the pull request ref on demand. A head that is
// nowhere to be fetched is a hosting side inconsistency, it is retried
// later instead of failing the chain permanently.
func (e *Engine) ensureHead(ctx context.Context, repo *gitrepo.Repo, url string, pr *store.PullRequest) error {
	if _, err := repo.RevParse(ctx, pr.Head+"^{commit}"); err == nil {
		return nil
	}

	branch := labelBranch(pr)
	refspecs := []string{
		fmt.Sprintf("+refs/heads/%s:refs/heads/%s", branch, branch),
		fmt.Sprintf("+refs/pull/%d/head:refs/pull/%d/head", pr.Number, pr.Number),
	}
	for _, refspec := range refspecs {
		if err := repo.Fetch(ctx, url, refspec); err != nil {
			continue
		}
		if _, err := repo.RevParse(ctx, pr.Head+"^{commit}"); err == nil {
			return nil
		}
	}

	return mergerr.NewRetryableError(
		fmt.Errorf("head %s of pull request %d is not fetchable", pr.Head, pr.Number),
		time.Now().Add(30*time.Minute),
	)
}

// portCommits rebases the commit copies onto tip. On conflict the whole
// range is squashed into a single commit of the conflicting merge tree, so
// the follow-up pull request is still created and a human can resolve the
// conflict on its branch.
func (e *Engine) portCommits(ctx context.Context, repo *gitrepo.Repo, tip string, pr *store.PullRequest, commits []gitrepo.Commit) (string, *conflict, error) {
	head, _, err := repo.Rebase(ctx, tip, commits)
	if err == nil {
		return head, nil, nil
	}

	var mErr *mergerr.MergeError
	if !errors.As(err, &mErr) {
		return "", nil, err
	}

	cfl := &conflict{reason: mErr.Output()}

	// merge the net diff in one step, merge-tree writes a tree with
	// embedded conflict markers even when it reports the conflict
	tree, mdPaths, err := e.conflictTree(ctx, repo, tip, commits[len(commits)-1].SHA)
	if err != nil {
		return "", nil, err
	}

	shas := make([]string, len(commits))
	for i, c := range commits {
		shas[i] = c.SHA
	}
	msg := fmt.Sprintf("forward port of pull request #%d\n\nconflict while applying:\n%s\n",
		pr.Number, strings.Join(shas, "\n"))

	head, err = repo.CommitTree(ctx, &gitrepo.CommitTreeRequest{
		Tree:      tree,
		Parents:   []string{tip},
		Message:   msg,
		Author:    gitrepo.Ident{Name: e.botName, Email: e.botEmail},
		Committer: gitrepo.Ident{Name: e.botName, Email: e.botEmail},
	})
	if err != nil {
		return "", nil, err
	}

	if len(mdPaths) > 0 {
		cfl.reason += "\nmodify/delete: " + strings.Join(mdPaths, ", ")
	}

	return head, cfl, nil
}

var modifyDeleteRe = regexp.MustCompile(`CONFLICT \(modify/delete\): (\S+) deleted`)

// conflictTree merges head onto tip and returns the conflicted tree.
// Files of modify/delete conflicts keep their content without markers in
// the merge-tree output, they are rewritten with explicit markers so the
// conflict can not be missed.
func (e *Engine) conflictTree(ctx context.Context, repo *gitrepo.Repo, tip, head string) (string, []string, error) {
	tree, err := repo.MergeTree(ctx, tip, head)
	if err == nil {
		// an intermediate commit conflicted but the net diff applies,
		// the squashed port is clean
		return tree, nil, nil
	}

	var mErr *mergerr.MergeError
	if !errors.As(err, &mErr) {
		return "", nil, err
	}

	lines := strings.Split(strings.TrimSpace(mErr.Stdout), "\n")
	if len(lines) == 0 || lines[0] == "" {
		return "", nil, fmt.Errorf("merge-tree reported a conflict without output: %w", err)
	}
	tree = strings.TrimSpace(lines[0])

	var mdPaths []string
	for _, m := range modifyDeleteRe.FindAllStringSubmatch(mErr.Stdout, -1) {
		mdPaths = append(mdPaths, m[1])
	}

	if len(mdPaths) > 0 {
		if tree, err = repo.InjectConflictMarkers(ctx, tree, mdPaths); err != nil {
			return "", nil, err
		}
	}

	return tree, mdPaths, nil
}

// portBranchName builds the branch name of a port, e.g.
// "1.1-patch-1-a1b2-fw". The random element keeps retried ports and
// unrelated chains from clashing on a shared name.
func (e *Engine) portBranchName(next *store.Branch, pr *store.PullRequest) string {
	return fmt.Sprintf("%s-%s-%s-fw", next.Name, labelBranch(pr), uuid.NewString()[:4])
}

func (e *Engine) labelAndNotify(ctx context.Context, repoName string, pr, newPR *store.PullRequest, cfl *conflict) {
	labels := []string{"forwardport"}
	if cfl != nil {
		labels = append(labels, "conflict")
	}

	for _, label := range labels {
		if err := e.host.AddLabel(ctx, repoName, newPR.Number, label); err != nil {
			e.logger.Warn("adding label to forward port failed",
				logfields.Event("port_label_failed"),
				logfields.Repository(repoName),
				logfields.PullRequest(newPR.Number),
				zap.Error(err),
			)
		}
	}

	if cfl == nil {
		return
	}

	comment := fmt.Sprintf(
		"porting #%d onto this branch conflicted, the branch carries the conflict markers and this pull request is detached from its predecessor:\n\n```\n%s\n```",
		pr.Number, cfl.reason,
	)
	if err := e.host.CreateIssueComment(ctx, repoName, newPR.Number, comment); err != nil {
		e.logger.Warn("posting conflict notification failed",
			logfields.Event("port_conflict_notification_failed"),
			logfields.Repository(repoName),
			logfields.PullRequest(newPR.Number),
			zap.Error(err),
		)
	}
}
