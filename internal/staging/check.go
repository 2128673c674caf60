package staging

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/simplesurance/stager/internal/logfields"
	"github.com/simplesurance/stager/internal/store"
	"github.com/simplesurance/stager/internal/taskqueue"
)

// CheckStagings evaluates every active staging once: polls CI statuses,
// promotes on success, splits or fails on failure and enforces the
// wall-clock timeout. Errors of individual stagings are logged, one broken
// staging never blocks checking the others.
func (o *Orchestrator) CheckStagings(ctx context.Context) error {
	stagings, err := o.store.ActiveStagings(ctx)
	if err != nil {
		return err
	}

	for i := range stagings {
		if err := o.checkStaging(ctx, &stagings[i]); err != nil {
			o.logger.Error("checking staging failed",
				logfields.Event("staging_check_failed"),
				logfields.Staging(stagings[i].ID),
				zap.Error(err),
			)
		}
	}

	return nil
}

// ciResult is the aggregate of all required contexts of all staged heads.
type ciResult struct {
	failure bool
	// failedContext describes the first failing context, for the reason
	// text.
	failedContext string
	pending       bool
	// pendingReceived is true when a context newly moved to pending, it
	// bumps the timeout window.
	pendingReceived bool
}

func (o *Orchestrator) checkStaging(ctx context.Context, st *store.Staging) error {
	target, err := o.store.BranchByID(ctx, st.TargetID)
	if err != nil {
		return err
	}

	res, err := o.aggregateStatuses(ctx, st)
	if err != nil {
		return err
	}

	switch {
	case res.failure:
		return o.failStaging(ctx, st, target, fmt.Sprintf("ci failed on %s", res.failedContext))

	case !res.pending:
		return o.promote(ctx, st, target)

	default:
		if res.pendingReceived {
			project, err := o.projectOfBranch(ctx, target)
			if err != nil {
				return err
			}

			until := time.Now().Add(time.Duration(project.CITimeoutMin) * time.Minute)
			if err := o.store.ExtendStagingTimeout(ctx, st.ID, until); err != nil {
				return err
			}
			st.TimeoutAt = until
		}

		if time.Now().After(st.TimeoutAt) {
			return o.failStaging(ctx, st, target, "timed out")
		}

		return nil
	}
}

func (o *Orchestrator) projectOfBranch(ctx context.Context, target *store.Branch) (*store.Project, error) {
	return o.store.ProjectByID(ctx, target.ProjectID)
}

// aggregateStatuses polls the hosting side statuses of every staged head
// and reduces the required contexts to one result. A missing required
// context counts as pending.
func (o *Orchestrator) aggregateStatuses(ctx context.Context, st *store.Staging) (*ciResult, error) {
	var res ciResult

	for _, head := range st.Heads {
		repo, err := o.store.RepoByID(ctx, head.RepoID)
		if err != nil {
			return nil, err
		}

		live, err := o.host.CombinedStatus(ctx, repo.Name, head.StagedSHA)
		if err != nil {
			return nil, err
		}

		recorded, err := o.store.StatusesForSHA(ctx, head.StagedSHA)
		if err != nil {
			return nil, err
		}
		prevState := make(map[string]string, len(recorded))
		for _, cs := range recorded {
			prevState[cs.Context] = cs.State
		}

		liveState := map[string]string{}
		for _, cs := range live {
			liveState[cs.Context] = cs.State

			if prevState[cs.Context] == cs.State {
				continue
			}

			err := o.store.UpsertCommitStatus(ctx, &store.CommitStatus{
				SHA:       head.StagedSHA,
				Context:   cs.Context,
				State:     cs.State,
				TargetURL: cs.TargetURL,
			})
			if err != nil {
				return nil, err
			}

			if cs.State == "pending" {
				res.pendingReceived = true
			}
		}

		for _, required := range repo.RequiredContextList() {
			switch liveState[required] {
			case "success":

			case "failure", "error":
				if !res.failure {
					res.failure = true
					res.failedContext = fmt.Sprintf("%s (%s)", required, repo.Name)
				}

			default:
				// pending or not reported yet
				res.pending = true
			}
		}
	}

	return &res, nil
}

// promote fast-forwards the authoritative branches to the staged tips.
// The live head is re-checked immediately before the push, the real branch
// is never force-pushed. A concurrent move of any head cancels the staging
// and the next cycle restages from the new tip.
func (o *Orchestrator) promote(ctx context.Context, st *store.Staging, target *store.Branch) error {
	var targets []*repoState

	for _, head := range st.Heads {
		repo, err := o.store.RepoByID(ctx, head.RepoID)
		if err != nil {
			return err
		}

		state, err := o.prepareRepo(ctx, repo, target)
		if err != nil {
			return err
		}

		if state.before != head.BeforeSHA {
			return o.cancelNonFastForward(ctx, st, target, repo.Name)
		}

		state.tip = head.StagedSHA
		targets = append(targets, state)
	}

	for _, t := range targets {
		refspec := fmt.Sprintf("%s:refs/heads/%s", t.tip, target.Name)
		if err := t.repo.Push(ctx, t.url, refspec); err != nil {
			// lost the race against a concurrent push
			o.logger.Info("fast-forward push rejected",
				logfields.Event("staging_promotion_push_rejected"),
				logfields.Repository(t.name),
				logfields.Branch(target.Name),
				zap.Error(err),
			)

			return o.cancelNonFastForward(ctx, st, target, t.name)
		}
	}

	now := time.Now()
	for _, sb := range st.Batches {
		if err := o.store.MarkBatchMerged(ctx, sb.BatchID, now); err != nil {
			return err
		}

		err := o.tasks.Enqueue(ctx, taskqueue.KindPortMerge, taskqueue.PortPayload{BatchID: sb.BatchID})
		if err != nil {
			return err
		}
	}

	if err := o.store.CompleteStaging(ctx, st.ID, store.StagingSuccess, ""); err != nil {
		return err
	}

	metrics.stagingsFinished.WithLabelValues(target.Name, store.StagingSuccess).Inc()
	o.logger.Info("staging promoted",
		logfields.Event("staging_promoted"),
		logfields.Staging(st.ID),
		logfields.Branch(target.Name),
		zap.Int("staging.batch_count", len(st.Batches)),
	)

	return nil
}

func (o *Orchestrator) cancelNonFastForward(ctx context.Context, st *store.Staging, target *store.Branch, repoName string) error {
	reason := fmt.Sprintf("update of %s is not a fast-forward", repoName)

	if err := o.store.CompleteStaging(ctx, st.ID, store.StagingCancelled, reason); err != nil {
		return err
	}

	metrics.stagingsFinished.WithLabelValues(target.Name, store.StagingCancelled).Inc()
	o.logger.Info("staging cancelled, will restage from the new tip",
		logfields.Event("staging_cancelled"),
		logfields.Staging(st.ID),
		logfields.Branch(target.Name),
		logfields.Repository(repoName),
	)

	return nil
}

// failStaging handles a CI failure or timeout. A multi-batch staging is
// split in two halves to bisect the failing batch, a single batch puts its
// PRs in error.
func (o *Orchestrator) failStaging(ctx context.Context, st *store.Staging, target *store.Branch, reason string) error {
	if err := o.store.CompleteStaging(ctx, st.ID, store.StagingFailure, reason); err != nil {
		return err
	}

	metrics.stagingsFinished.WithLabelValues(target.Name, store.StagingFailure).Inc()
	o.logger.Info("staging failed",
		logfields.Event("staging_failed"),
		logfields.Staging(st.ID),
		logfields.Branch(target.Name),
		zap.String("staging.reason", reason),
	)

	batchIDs := make([]int64, 0, len(st.Batches))
	for _, sb := range st.Batches {
		batchIDs = append(batchIDs, sb.BatchID)
	}

	if len(batchIDs) > 1 {
		// bisect: every batch ends up in exactly one of the two splits
		half := len(batchIDs) / 2

		err := o.store.CreateSplit(ctx, &store.Split{
			TargetID:        target.ID,
			SourceStagingID: st.ID,
		}, batchIDs[:half])
		if err != nil {
			return err
		}

		return o.store.CreateSplit(ctx, &store.Split{
			TargetID:        target.ID,
			SourceStagingID: st.ID,
		}, batchIDs[half:])
	}

	// single batch, the failure is attributable
	for _, batchID := range batchIDs {
		prs, err := o.store.PullRequestsByBatch(ctx, batchID)
		if err != nil {
			return err
		}

		for _, pr := range prs {
			if err := o.store.SetPullRequestState(ctx, pr.ID, store.PRStateError); err != nil {
				return err
			}

			repo, err := o.store.RepoByID(ctx, pr.RepoID)
			if err != nil {
				return err
			}

			comment := fmt.Sprintf("staging failed: %s", reason)
			if err := o.host.CreateIssueComment(ctx, repo.Name, pr.Number, comment); err != nil {
				o.logger.Warn("posting staging failure notification failed",
					logfields.Event("staging_failure_notification_failed"),
					logfields.Repository(repo.Name),
					logfields.PullRequest(pr.Number),
					zap.Error(err),
				)
			}
		}
	}

	return nil
}
