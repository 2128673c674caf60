package staging

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/simplesurance/stager/internal/githubclt"
	"github.com/simplesurance/stager/internal/gitrepo"
	"github.com/simplesurance/stager/internal/logfields"
	"github.com/simplesurance/stager/internal/mergerr"
	"github.com/simplesurance/stager/internal/store"
	"github.com/simplesurance/stager/internal/strategy"
	"github.com/simplesurance/stager/internal/taskqueue"
)

// HostClient is the hosting API surface the orchestrator consumes.
type HostClient interface {
	GetPullRequest(ctx context.Context, repoName string, number int) (*githubclt.PullRequest, error)
	ClosingIssues(ctx context.Context, repoName string, number int) ([]int, error)
	CreateIssueComment(ctx context.Context, repoName string, issueOrPRNr int, comment string) error
	CombinedStatus(ctx context.Context, repoName, sha string) ([]*githubclt.CommitStatus, error)
	PRStatus(ctx context.Context, repoName string, number int) (*githubclt.PRStatus, error)
}

// TaskEnqueuer appends follow-up work to the durable task queue.
type TaskEnqueuer interface {
	Enqueue(ctx context.Context, kind taskqueue.Kind, payload any) error
}

// Config assembles an Orchestrator.
type Config struct {
	Store   *store.Store
	Mirrors *gitrepo.Mirrors
	Host    HostClient
	Tasks   TaskEnqueuer
	// RemoteURL maps an "owner/name" repository to its push/fetch URL.
	RemoteURL func(repoName string) string
	Strategy  *strategy.Config
	// Uniquifiers enables synthesizing a no-op commit for repositories
	// that contribute no changes to a staging, so CI never deduplicates
	// a rebuild by commit hash.
	Uniquifiers bool
}

// Orchestrator drives batch selection and the merge strategies across all
// repositories of a project for one branch, and consumes CI results to
// promote, split or fail stagings.
type Orchestrator struct {
	store    *store.Store
	mirrors  *gitrepo.Mirrors
	host     HostClient
	tasks    TaskEnqueuer
	selector *Selector
	logger   *zap.Logger

	remoteURL   func(repoName string) string
	stratCfg    *strategy.Config
	uniquifiers bool
}

func New(cfg *Config) *Orchestrator {
	return &Orchestrator{
		store:       cfg.Store,
		mirrors:     cfg.Mirrors,
		host:        cfg.Host,
		tasks:       cfg.Tasks,
		selector:    NewSelector(cfg.Store),
		logger:      zap.L().Named("staging"),
		remoteURL:   cfg.RemoteURL,
		stratCfg:    cfg.Strategy,
		uniquifiers: cfg.Uniquifiers,
	}
}

// repoState is the per-repository working state of one staging attempt.
type repoState struct {
	repo   *gitrepo.Repo
	url    string
	name   string
	repoID int64

	// before is the authoritative branch head the attempt builds on, tip
	// the running staged tip. The tip only advances.
	before string
	tip    string
}

// stagedBatch is one successfully staged batch of an attempt.
type stagedBatch struct {
	batch  store.Batch
	prs    []store.StagedPR
	issues []store.StagingIssue
}

// prError ties a staging failure to the pull request causing it.
type prError struct {
	pr  *store.PullRequest
	err error
}

func (e *prError) Error() string { return e.err.Error() }
func (e *prError) Unwrap() error { return e.err }

// TryStaging evaluates a branch once: when no staging is active and ready
// batches exist, it builds and pushes a new staging. The method is a pure
// entry point, the caller decides when to invoke it.
func (o *Orchestrator) TryStaging(ctx context.Context, project *store.Project, target *store.Branch) error {
	_, err := o.store.ActiveStaging(ctx, target.ID)
	if err == nil {
		return nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return err
	}

	sel, err := o.selector.Select(ctx, project, target)
	if err != nil {
		return err
	}
	if len(sel.Batches) == 0 {
		return nil
	}

	repos, err := o.store.ReposByProject(ctx, project.ID)
	if err != nil {
		return err
	}
	reposByID := make(map[int64]store.Repo, len(repos))
	for _, r := range repos {
		reposByID[r.ID] = r
	}

	states := map[int64]*repoState{}
	getState := func(repoID int64) (*repoState, error) {
		if st, exist := states[repoID]; exist {
			return st, nil
		}

		r, exist := reposByID[repoID]
		if !exist {
			return nil, fmt.Errorf("repository %d is not part of project %q", repoID, project.Name)
		}

		st, err := o.prepareRepo(ctx, &r, target)
		if err != nil {
			return nil, err
		}

		states[repoID] = st
		return st, nil
	}

	var staged []*stagedBatch
	for i, batch := range sel.Batches {
		sb, err := o.stageBatch(ctx, target, getState, &batch)
		if err != nil {
			if errors.Is(err, mergerr.ErrSkip) {
				continue
			}

			if i == 0 {
				return o.abortOnFirstBatch(ctx, target, err)
			}

			// a later batch might only conflict with this staging,
			// not with the branch head. Retried next cycle.
			o.logger.Info("skipping unstageable batch",
				logfields.Event("staging_batch_skipped"),
				logfields.Branch(target.Name),
				logfields.Batch(batch.ID),
				zap.Error(err),
			)
			continue
		}

		staged = append(staged, sb)
	}

	if len(staged) == 0 {
		return nil
	}

	if o.uniquifiers {
		// every repository of the project is part of the staging, the
		// untouched ones get a synthetic commit below
		for id := range reposByID {
			if _, err := getState(id); err != nil {
				return err
			}
		}

		if err := o.addUniquifiers(ctx, states); err != nil {
			return err
		}
	}

	for _, st := range states {
		refspec := fmt.Sprintf("%s:refs/heads/staging.%s", st.tip, target.Name)
		if err := st.repo.PushForce(ctx, st.url, refspec); err != nil {
			return fmt.Errorf("pushing staging ref for %s failed: %w", st.name, err)
		}
	}

	staging := o.buildStagingRecord(project, target, states, staged)

	err = o.store.WithinTx(ctx, func(tx *store.Store) error {
		if sel.SplitID != nil {
			if err := tx.ConsumeSplit(ctx, *sel.SplitID); err != nil {
				return err
			}
		}

		return tx.CreateStaging(ctx, staging)
	})
	if err != nil {
		return err
	}

	metrics.stagingsCreated.WithLabelValues(target.Name).Inc()
	o.logger.Info("staging created",
		logfields.Event("staging_created"),
		logfields.Branch(target.Name),
		logfields.Staging(staging.ID),
		zap.Int("staging.batch_count", len(staged)),
	)

	return nil
}

// prepareRepo opens the repository mirror and fetches the target branch,
// one fetch per repository per attempt.
func (o *Orchestrator) prepareRepo(ctx context.Context, r *store.Repo, target *store.Branch) (*repoState, error) {
	url := o.remoteURL(r.Name)

	repo, err := o.mirrors.Get(ctx, r.Name, url)
	if err != nil {
		return nil, err
	}

	refspec := fmt.Sprintf("+refs/heads/%s:refs/heads/%s", target.Name, target.Name)
	if err := repo.Fetch(ctx, url, refspec); err != nil {
		return nil, err
	}

	before, err := repo.RevParse(ctx, "refs/heads/"+target.Name)
	if err != nil {
		return nil, err
	}

	return &repoState{
		repo:   repo,
		url:    url,
		name:   r.Name,
		repoID: r.ID,
		before: before,
		tip:    before,
	}, nil
}

// stageBatch stages every member PR of the batch onto the running tips.
// Tips advance only when the whole batch staged.
func (o *Orchestrator) stageBatch(ctx context.Context, target *store.Branch, getState func(int64) (*repoState, error), batch *store.Batch) (*stagedBatch, error) {
	newTips := map[int64]string{}
	result := stagedBatch{batch: *batch}

	for i := range batch.PullRequests {
		pr := &batch.PullRequests[i]

		state, err := getState(pr.RepoID)
		if err != nil {
			return nil, err
		}

		live, err := o.host.GetPullRequest(ctx, state.name, pr.Number)
		if err != nil {
			return nil, &prError{pr: pr, err: err}
		}

		if err := o.verifyUnchanged(ctx, target, state, pr, live); err != nil {
			return nil, &prError{pr: pr, err: err}
		}

		// the head must exist locally, fetch it on demand. An
		// unfetchable head is a hosting side inconsistency, retried
		// later.
		if _, err := state.repo.RevParse(ctx, pr.Head+"^{commit}"); err != nil {
			refspec := fmt.Sprintf("+refs/pull/%d/head:refs/pull/%d/head", pr.Number, pr.Number)
			if err := state.repo.Fetch(ctx, state.url, refspec); err != nil {
				return nil, &prError{pr: pr, err: mergerr.NewRetryableError(
					fmt.Errorf("head %s of %s#%d is not fetchable: %w", pr.Head, state.name, pr.Number, err),
					time.Now().Add(30*time.Minute),
				)}
			}
		}

		commits, err := state.repo.ReadCommits(ctx, state.before, pr.Head)
		if err != nil {
			return nil, &prError{pr: pr, err: err}
		}

		tip := state.tip
		if t, exist := newTips[pr.RepoID]; exist {
			tip = t
		}

		sres, err := strategy.Stage(ctx, state.repo, o.stratCfg, &strategy.PullRequest{
			Repository:  state.name,
			Number:      pr.Number,
			Head:        pr.Head,
			Message:     prMessage(pr),
			Method:      strategy.Method(pr.Method),
			SignedOffBy: pr.SignedOffBy,
		}, tip, commits)
		if err != nil {
			return nil, &prError{pr: pr, err: err}
		}

		newTips[pr.RepoID] = sres.Head
		result.prs = append(result.prs, store.StagedPR{
			PullRequestID: pr.ID,
			MergedHead:    sres.CommitsMap[""],
			CommitsMap:    sres.CommitsMap,
		})

		issues, err := o.closedIssues(ctx, state.name, pr, commits)
		if err != nil {
			return nil, &prError{pr: pr, err: err}
		}
		result.issues = append(result.issues, issues...)
	}

	// the batch staged on every repository, commit the tips
	for repoID, tip := range newTips {
		st, _ := getState(repoID)
		st.tip = tip
	}

	return &result, nil
}

// verifyUnchanged compares the recorded PR against its live state. A
// divergence means a hosting side update was missed: the record is
// re-synced, the author notified, and the PR is never staged silently.
func (o *Orchestrator) verifyUnchanged(ctx context.Context, target *store.Branch, state *repoState, pr *store.PullRequest, live *githubclt.PullRequest) error {
	var diffs []mergerr.FieldDiff

	if live.State != "open" {
		diffs = append(diffs, mergerr.FieldDiff{Name: "state", Recorded: store.PRStateOpen, Live: live.State})
	}
	if live.HeadSHA != pr.Head {
		diffs = append(diffs, mergerr.FieldDiff{Name: "head", Recorded: pr.Head, Live: live.HeadSHA})
	}
	if live.BaseRef != target.Name {
		diffs = append(diffs, mergerr.FieldDiff{Name: "target", Recorded: target.Name, Live: live.BaseRef})
	}
	if live.Title != pr.Title || live.Body != pr.Body {
		diffs = append(diffs, mergerr.FieldDiff{Name: "message", Recorded: pr.Title, Live: live.Title})
	}

	if len(diffs) == 0 {
		return nil
	}

	mismatch := &mergerr.MismatchError{Diffs: diffs}

	// re-sync the record with reality and drop readiness, the PR has to
	// be re-evaluated before the next attempt
	pr.Head = live.HeadSHA
	pr.Title = live.Title
	pr.Body = live.Body
	pr.Ready = false
	if live.State != "open" {
		pr.State = live.State
	}
	if err := o.store.SavePullRequest(ctx, pr); err != nil {
		return err
	}

	comment := fmt.Sprintf(
		"staging failed, the pull request changed while queued:\n\n%s\n\nit was re-synchronized and has to be re-approved",
		mismatch.Error(),
	)
	if err := o.host.CreateIssueComment(ctx, state.name, pr.Number, comment); err != nil {
		o.logger.Warn("posting mismatch notification failed",
			logfields.Event("staging_mismatch_notification_failed"),
			logfields.Repository(state.name),
			logfields.PullRequest(pr.Number),
			zap.Error(err),
		)
	}

	return mismatch
}

// closedIssues collects the issue numbers the PR will close: closing
// keywords in commit messages and the PR description, plus the linked
// issues the hosting side reports.
func (o *Orchestrator) closedIssues(ctx context.Context, repoName string, pr *store.PullRequest, commits []gitrepo.Commit) ([]store.StagingIssue, error) {
	seen := map[int]struct{}{}

	for _, c := range commits {
		for _, n := range strategy.ClosedIssues(c.Message) {
			seen[n] = struct{}{}
		}
	}
	for _, n := range strategy.ClosedIssues(prMessage(pr)) {
		seen[n] = struct{}{}
	}

	linked, err := o.host.ClosingIssues(ctx, repoName, pr.Number)
	if err != nil {
		return nil, err
	}
	for _, n := range linked {
		seen[n] = struct{}{}
	}

	result := make([]store.StagingIssue, 0, len(seen))
	for n := range seen {
		result = append(result, store.StagingIssue{RepoName: repoName, Number: n})
	}

	return result, nil
}

// abortOnFirstBatch handles a failure of the first batch of an attempt:
// the PR at fault is put in error and its author notified. Skip means the
// batch is not actionable yet and stays queued silently.
func (o *Orchestrator) abortOnFirstBatch(ctx context.Context, target *store.Branch, err error) error {
	var perr *prError
	if !errors.As(err, &perr) {
		return err
	}

	// mismatches already re-synced and notified
	if mergerr.IsMismatch(perr.err) {
		return nil
	}

	var retryable *mergerr.RetryableError
	if errors.As(perr.err, &retryable) {
		o.logger.Info("staging postponed",
			logfields.Event("staging_postponed"),
			logfields.Branch(target.Name),
			zap.Error(perr.err),
		)
		return nil
	}

	if !mergerr.IsUnmergeable(perr.err) {
		return err
	}

	pr := perr.pr
	if err := o.store.SetPullRequestState(ctx, pr.ID, store.PRStateError); err != nil {
		return err
	}

	repo, err := o.store.RepoByID(ctx, pr.RepoID)
	if err != nil {
		return err
	}

	comment := fmt.Sprintf("staging failed: %s", userFacingReason(perr.err))
	if err := o.host.CreateIssueComment(ctx, repo.Name, pr.Number, comment); err != nil {
		o.logger.Warn("posting staging failure notification failed",
			logfields.Event("staging_failure_notification_failed"),
			logfields.Repository(repo.Name),
			logfields.PullRequest(pr.Number),
			zap.Error(err),
		)
	}

	o.logger.Info("staging aborted, first batch failed",
		logfields.Event("staging_aborted"),
		logfields.Branch(target.Name),
		logfields.Repository(repo.Name),
		logfields.PullRequest(pr.Number),
		zap.Error(perr.err),
	)

	return nil
}

// userFacingReason renders an error for a PR feedback comment, conflict
// output included.
func userFacingReason(err error) string {
	var mErr *mergerr.MergeError
	if errors.As(err, &mErr) {
		out := strings.TrimSpace(mErr.Output())
		if out != "" {
			return fmt.Sprintf("%s\n\n```\n%s\n```", err.Error(), out)
		}
	}

	return err.Error()
}

// addUniquifiers creates a no-op commit on every repository whose tip did
// not move, the staged hash must be fresh so CI does not skip the build.
func (o *Orchestrator) addUniquifiers(ctx context.Context, states map[int64]*repoState) error {
	for _, st := range states {
		if st.tip != st.before {
			continue
		}

		tree, err := st.repo.GetTree(ctx, st.tip)
		if err != nil {
			return err
		}

		msg := fmt.Sprintf("force rebuild\n\nuniquifier: %s\nFor-Commit-Id: %s\n",
			uuid.NewString(), st.tip)

		tip, err := st.repo.CommitTree(ctx, &gitrepo.CommitTreeRequest{
			Tree:    tree,
			Parents: []string{st.tip},
			Message: msg,
			Author:  gitrepo.Ident{Name: o.stratCfg.BotName, Email: o.stratCfg.BotEmail},
			Committer: gitrepo.Ident{
				Name:  o.stratCfg.BotName,
				Email: o.stratCfg.BotEmail,
			},
		})
		if err != nil {
			return err
		}

		st.tip = tip
	}

	return nil
}

func (o *Orchestrator) buildStagingRecord(project *store.Project, target *store.Branch, states map[int64]*repoState, staged []*stagedBatch) *store.Staging {
	now := time.Now()

	timeout := time.Duration(project.CITimeoutMin) * time.Minute
	if timeout <= 0 {
		timeout = time.Hour
	}

	staging := store.Staging{
		TargetID:  target.ID,
		State:     store.StagingPending,
		Active:    true,
		StagedAt:  now,
		TimeoutAt: now.Add(timeout),
	}

	for _, st := range states {
		staging.Heads = append(staging.Heads, store.StagingHead{
			RepoID:    st.repoID,
			StagedSHA: st.tip,
			BeforeSHA: st.before,
		})
	}

	for _, sb := range staged {
		staging.Batches = append(staging.Batches, store.StagingBatch{BatchID: sb.batch.ID})
		staging.PRs = append(staging.PRs, sb.prs...)
		staging.Issues = append(staging.Issues, sb.issues...)
	}

	return &staging
}

func prMessage(pr *store.PullRequest) string {
	if pr.Body == "" {
		return pr.Title + "\n"
	}

	return pr.Title + "\n\n" + pr.Body
}
