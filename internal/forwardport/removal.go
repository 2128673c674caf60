package forwardport

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/simplesurance/stager/internal/logfields"
	"github.com/simplesurance/stager/internal/mergerr"
	"github.com/simplesurance/stager/internal/store"
	"github.com/simplesurance/stager/internal/taskqueue"
)

// handleBranchRemoval deletes the branch of a pull request that has been
// merged for longer than the retention window. The live state, owner and
// head are verified right before the deletion, the ref of a branch someone
// reused or pushed to is left alone.
func (e *Engine) handleBranchRemoval(ctx context.Context, task *taskqueue.Task) error {
	var p taskqueue.BranchRemovalPayload
	if err := taskqueue.DecodePayload(task, &p); err != nil {
		return err
	}

	if time.Now().Before(p.Cutoff) {
		return mergerr.NewRetryableError(
			fmt.Errorf("retention window of pull request %d has not passed", p.PullRequestID),
			p.Cutoff,
		)
	}

	pr, err := e.store.PullRequestByID(ctx, p.PullRequestID)
	if err != nil {
		return err
	}

	logger := e.logger.With(
		logfields.PullRequest(pr.Number),
		logfields.Task(task.ID),
	)

	if pr.State != store.PRStateMerged {
		logger.Info("skipping branch removal, pull request is not merged",
			logfields.Event("branch_removal_skipped"),
			zap.String("github.pr_state", pr.State),
		)
		return nil
	}

	repoRec, err := e.store.RepoByID(ctx, pr.RepoID)
	if err != nil {
		return err
	}

	repoOwner, _, _ := strings.Cut(repoRec.Name, "/")
	labelOwner, branch, found := strings.Cut(pr.Label, ":")
	if !found || branch == "" {
		logger.Info("skipping branch removal, no branch recorded",
			logfields.Event("branch_removal_skipped"),
		)
		return nil
	}
	if labelOwner != repoOwner {
		// a fork branch, no access and not ours to delete
		logger.Info("skipping branch removal, branch is owned elsewhere",
			logfields.Event("branch_removal_skipped"),
			zap.String("github.branch_owner", labelOwner),
		)
		return nil
	}

	head, err := e.host.BranchHead(ctx, repoRec.Name, branch)
	if err != nil {
		logger.Info("skipping branch removal, branch is already gone",
			logfields.Event("branch_removal_skipped"),
			logfields.Branch(branch),
			zap.Error(err),
		)
		return nil
	}

	if head != pr.Head {
		logger.Info("skipping branch removal, branch moved since the merge",
			logfields.Event("branch_removal_skipped"),
			logfields.Branch(branch),
			logfields.Commit(head),
		)
		return nil
	}

	if err := e.host.DeleteBranch(ctx, repoRec.Name, branch); err != nil {
		return err
	}

	logger.Info("merged branch deleted",
		logfields.Event("branch_removed"),
		logfields.Repository(repoRec.Name),
		logfields.Branch(branch),
	)

	return nil
}
