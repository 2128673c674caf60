package staging_test

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/simplesurance/stager/internal/githubclt"
	"github.com/simplesurance/stager/internal/gitrepo"
	"github.com/simplesurance/stager/internal/gitrepo/gittest"
	"github.com/simplesurance/stager/internal/staging"
	"github.com/simplesurance/stager/internal/store"
	"github.com/simplesurance/stager/internal/store/storetest"
	"github.com/simplesurance/stager/internal/strategy"
	"github.com/simplesurance/stager/internal/taskqueue"
)

type fakeHost struct {
	prs      map[string]*githubclt.PullRequest
	statuses map[string][]*githubclt.CommitStatus
	closing  map[string][]int
	comments []string
}

func newFakeHost() *fakeHost {
	return &fakeHost{
		prs:      map[string]*githubclt.PullRequest{},
		statuses: map[string][]*githubclt.CommitStatus{},
		closing:  map[string][]int{},
	}
}

func prKey(repoName string, number int) string {
	return fmt.Sprintf("%s#%d", repoName, number)
}

func (f *fakeHost) GetPullRequest(_ context.Context, repoName string, number int) (*githubclt.PullRequest, error) {
	pr, exist := f.prs[prKey(repoName, number)]
	if !exist {
		return nil, fmt.Errorf("unknown pull request %s#%d", repoName, number)
	}
	return pr, nil
}

func (f *fakeHost) ClosingIssues(_ context.Context, repoName string, number int) ([]int, error) {
	return f.closing[prKey(repoName, number)], nil
}

func (f *fakeHost) CreateIssueComment(_ context.Context, repoName string, nr int, comment string) error {
	f.comments = append(f.comments, fmt.Sprintf("%s#%d: %s", repoName, nr, comment))
	return nil
}

func (f *fakeHost) CombinedStatus(_ context.Context, _, sha string) ([]*githubclt.CommitStatus, error) {
	return f.statuses[sha], nil
}

func (f *fakeHost) PRStatus(_ context.Context, repoName string, number int) (*githubclt.PRStatus, error) {
	pr, exist := f.prs[prKey(repoName, number)]
	if !exist {
		return nil, fmt.Errorf("unknown pull request %s#%d", repoName, number)
	}
	return &githubclt.PRStatus{
		Approved: true,
		CIStatus: githubclt.CIStatusSuccess,
		HeadSHA:  pr.HeadSHA,
	}, nil
}

type fakeTasks struct {
	kinds    []taskqueue.Kind
	payloads []any
}

func (f *fakeTasks) Enqueue(_ context.Context, kind taskqueue.Kind, payload any) error {
	f.kinds = append(f.kinds, kind)
	f.payloads = append(f.payloads, payload)
	return nil
}

// env wires a complete staging environment: an in-memory store, bare
// upstream repositories and a mirror directory.
type env struct {
	store     *store.Store
	host      *fakeHost
	tasks     *fakeTasks
	orch      *staging.Orchestrator
	project   *store.Project
	target    *store.Branch
	upstreams map[string]*gitrepo.Repo
	repos     map[string]*store.Repo
}

func newEnv(t *testing.T, repoNames ...string) *env {
	t.Helper()
	ctx := context.Background()

	e := env{
		store:     storetest.New(t),
		host:      newFakeHost(),
		tasks:     &fakeTasks{},
		upstreams: map[string]*gitrepo.Repo{},
		repos:     map[string]*store.Repo{},
	}

	e.project = &store.Project{Name: "acme", BatchLimit: 8, CITimeoutMin: 60, StagingPolicy: store.PolicyDefault}
	require.NoError(t, e.store.CreateProject(ctx, e.project))

	e.target = &store.Branch{ProjectID: e.project.ID, Name: "main", Sequence: 30, Active: true}
	require.NoError(t, e.store.CreateBranch(ctx, e.target))

	for _, name := range repoNames {
		upstream := gittest.NewRepo(t)
		base := gittest.Commit(t, upstream, nil, map[string]string{"a.txt": "1\n"}, "base")
		gittest.SetBranch(t, upstream, "main", base)
		e.upstreams[name] = upstream

		r := &store.Repo{ProjectID: e.project.ID, Name: name, RequiredContexts: "ci/test"}
		require.NoError(t, e.store.CreateRepo(ctx, r))
		e.repos[name] = r
	}

	e.orch = staging.New(&staging.Config{
		Store:   e.store,
		Mirrors: gitrepo.NewMirrors(t.TempDir()),
		Host:    e.host,
		Tasks:   e.tasks,
		RemoteURL: func(repoName string) string {
			return e.upstreams[repoName].Dir()
		},
		Strategy:    &strategy.Config{BotName: "staging-bot", BotEmail: "bot@example.com"},
		Uniquifiers: true,
	})

	return &e
}

// addPR creates a commit on a branch of the upstream, registers the PR at
// the fake host and in the store, and puts it into a single-PR batch.
func (e *env) addPR(t *testing.T, repoName string, number int, files map[string]string) *store.PullRequest {
	t.Helper()
	ctx := context.Background()

	upstream := e.upstreams[repoName]
	base, err := upstream.RevParse(ctx, "refs/heads/main")
	require.NoError(t, err)

	title := fmt.Sprintf("change %d", number)
	head := gittest.Commit(t, upstream, []string{base}, files, title)
	gittest.SetBranch(t, upstream, fmt.Sprintf("pr-%d", number), head)

	pr := &store.PullRequest{
		RepoID:   e.repos[repoName].ID,
		Number:   number,
		TargetID: e.target.ID,
		Head:     head,
		Title:    title,
		State:    store.PRStateOpen,
		Method:   string(strategy.MethodRebaseFF),
		Priority: store.PriorityDefault,
		Ready:    true,
	}
	require.NoError(t, e.store.CreatePullRequest(ctx, pr))

	b := &store.Batch{ProjectID: e.project.ID, TargetID: e.target.ID}
	require.NoError(t, e.store.CreateBatch(ctx, b, []int64{pr.ID}))

	e.host.prs[prKey(repoName, number)] = &githubclt.PullRequest{
		Number:  number,
		Title:   title,
		State:   "open",
		HeadSHA: head,
		BaseRef: "main",
	}

	return pr
}

func (e *env) activeStaging(t *testing.T) *store.Staging {
	t.Helper()

	st, err := e.store.ActiveStaging(context.Background(), e.target.ID)
	require.NoError(t, err)

	return st
}

func (e *env) setStatus(sha, state string) {
	e.host.statuses[sha] = []*githubclt.CommitStatus{
		{Context: "ci/test", State: state},
	}
}

func TestTryStagingBuildsAndPushesStaging(t *testing.T) {
	t.Cleanup(zap.ReplaceGlobals(zaptest.NewLogger(t).Named(t.Name())))
	ctx := context.Background()

	e := newEnv(t, "acme/widgets")
	pr := e.addPR(t, "acme/widgets", 1, map[string]string{"a.txt": "1\n", "b.txt": "b\n"})
	e.host.closing[prKey("acme/widgets", 1)] = []int{34}

	require.NoError(t, e.orch.TryStaging(ctx, e.project, e.target))

	st := e.activeStaging(t)
	require.Len(t, st.Heads, 1)
	assert.NotEqual(t, st.Heads[0].BeforeSHA, st.Heads[0].StagedSHA)

	// the staging ref on the upstream points at the staged tip
	upstream := e.upstreams["acme/widgets"]
	stagingHead, err := upstream.RevParse(ctx, "refs/heads/staging.main")
	require.NoError(t, err)
	assert.Equal(t, st.Heads[0].StagedSHA, stagingHead)

	// the authoritative branch is untouched
	mainHead, err := upstream.RevParse(ctx, "refs/heads/main")
	require.NoError(t, err)
	assert.Equal(t, st.Heads[0].BeforeSHA, mainHead)

	require.Len(t, st.PRs, 1)
	assert.Equal(t, pr.ID, st.PRs[0].PullRequestID)
	assert.Equal(t, st.Heads[0].StagedSHA, st.PRs[0].MergedHead)
	assert.Equal(t, st.Heads[0].StagedSHA, st.PRs[0].CommitsMap[pr.Head])

	require.Len(t, st.Issues, 1)
	assert.Equal(t, 34, st.Issues[0].Number)
}

func TestTryStagingNoActionWithoutReadyBatches(t *testing.T) {
	t.Cleanup(zap.ReplaceGlobals(zaptest.NewLogger(t).Named(t.Name())))
	ctx := context.Background()

	e := newEnv(t, "acme/widgets")

	require.NoError(t, e.orch.TryStaging(ctx, e.project, e.target))

	_, err := e.store.ActiveStaging(ctx, e.target.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestTryStagingMismatchResyncsAndNotifies(t *testing.T) {
	t.Cleanup(zap.ReplaceGlobals(zaptest.NewLogger(t).Named(t.Name())))
	ctx := context.Background()

	e := newEnv(t, "acme/widgets")
	pr := e.addPR(t, "acme/widgets", 1, map[string]string{"a.txt": "1\n", "b.txt": "b\n"})

	// the PR was force-pushed after the record was written
	upstream := e.upstreams["acme/widgets"]
	base, err := upstream.RevParse(ctx, "refs/heads/main")
	require.NoError(t, err)
	newHead := gittest.Commit(t, upstream, []string{base},
		map[string]string{"a.txt": "1\n", "b.txt": "b2\n"}, "change 1")
	e.host.prs[prKey("acme/widgets", 1)].HeadSHA = newHead

	require.NoError(t, e.orch.TryStaging(ctx, e.project, e.target))

	// never staged silently
	_, err = e.store.ActiveStaging(ctx, e.target.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)

	// the record was re-synced and readiness dropped
	got, err := e.store.PullRequestByID(ctx, pr.ID)
	require.NoError(t, err)
	assert.Equal(t, newHead, got.Head)
	assert.False(t, got.Ready)

	require.Len(t, e.host.comments, 1)
	assert.Contains(t, e.host.comments[0], "changed while queued")
}

func TestTryStagingAddsUniquifierForUntouchedRepo(t *testing.T) {
	t.Cleanup(zap.ReplaceGlobals(zaptest.NewLogger(t).Named(t.Name())))
	ctx := context.Background()

	e := newEnv(t, "acme/widgets", "acme/tools")
	e.addPR(t, "acme/widgets", 1, map[string]string{"a.txt": "1\n", "b.txt": "b\n"})

	require.NoError(t, e.orch.TryStaging(ctx, e.project, e.target))

	// acme/tools contributes no changes but still gets a fresh tip so CI
	// builds the pair together
	st := e.activeStaging(t)
	require.Len(t, st.Heads, 2)

	var toolsHead *store.StagingHead
	for i := range st.Heads {
		if st.Heads[i].RepoID == e.repos["acme/tools"].ID {
			toolsHead = &st.Heads[i]
		}
	}
	require.NotNil(t, toolsHead)
	assert.NotEqual(t, toolsHead.BeforeSHA, toolsHead.StagedSHA)

	upstream := e.upstreams["acme/tools"]
	sha, err := upstream.RevParse(ctx, "refs/heads/staging.main")
	require.NoError(t, err)
	assert.Equal(t, toolsHead.StagedSHA, sha)

	c, err := upstream.ReadCommit(ctx, sha)
	require.NoError(t, err)
	assert.Contains(t, c.Message, "force rebuild")
	assert.Contains(t, c.Message, "For-Commit-Id: "+toolsHead.BeforeSHA)
}

func TestCheckStagingsPromotesOnSuccess(t *testing.T) {
	t.Cleanup(zap.ReplaceGlobals(zaptest.NewLogger(t).Named(t.Name())))
	ctx := context.Background()

	e := newEnv(t, "acme/widgets")
	pr := e.addPR(t, "acme/widgets", 1, map[string]string{"a.txt": "1\n", "b.txt": "b\n"})

	require.NoError(t, e.orch.TryStaging(ctx, e.project, e.target))
	st := e.activeStaging(t)
	e.setStatus(st.Heads[0].StagedSHA, "success")

	require.NoError(t, e.orch.CheckStagings(ctx))

	// the authoritative branch was fast-forwarded
	mainHead, err := e.upstreams["acme/widgets"].RevParse(ctx, "refs/heads/main")
	require.NoError(t, err)
	assert.Equal(t, st.Heads[0].StagedSHA, mainHead)

	got, err := e.store.StagingByID(ctx, st.ID)
	require.NoError(t, err)
	assert.False(t, got.Active)
	assert.Equal(t, store.StagingSuccess, got.State)

	// the PR is merged and the forward-port task queued
	gotPR, err := e.store.PullRequestByID(ctx, pr.ID)
	require.NoError(t, err)
	assert.Equal(t, store.PRStateMerged, gotPR.State)

	require.Len(t, e.tasks.kinds, 1)
	assert.Equal(t, taskqueue.KindPortMerge, e.tasks.kinds[0])
}

func TestCheckStagingsSplitsMultiBatchFailure(t *testing.T) {
	t.Cleanup(zap.ReplaceGlobals(zaptest.NewLogger(t).Named(t.Name())))
	ctx := context.Background()

	e := newEnv(t, "acme/widgets")
	e.addPR(t, "acme/widgets", 1, map[string]string{"a.txt": "1\n", "b.txt": "b\n"})
	e.addPR(t, "acme/widgets", 2, map[string]string{"a.txt": "1\n", "c.txt": "c\n"})

	require.NoError(t, e.orch.TryStaging(ctx, e.project, e.target))
	st := e.activeStaging(t)
	require.Len(t, st.Batches, 2)
	e.setStatus(st.Heads[0].StagedSHA, "failure")

	require.NoError(t, e.orch.CheckStagings(ctx))

	got, err := e.store.StagingByID(ctx, st.ID)
	require.NoError(t, err)
	assert.False(t, got.Active)
	assert.Equal(t, store.StagingFailure, got.State)

	// batch conservation: both batches survive, one per split
	splits, err := e.store.SplitsForTarget(ctx, e.target.ID)
	require.NoError(t, err)
	require.Len(t, splits, 2)

	var splitBatchIDs []int64
	for _, sp := range splits {
		for _, b := range sp.Batches {
			splitBatchIDs = append(splitBatchIDs, b.ID)
		}
	}
	assert.ElementsMatch(t, []int64{st.Batches[0].BatchID, st.Batches[1].BatchID}, splitBatchIDs)

	// the main branch was not touched
	mainHead, err := e.upstreams["acme/widgets"].RevParse(ctx, "refs/heads/main")
	require.NoError(t, err)
	assert.Equal(t, st.Heads[0].BeforeSHA, mainHead)
}

func TestCheckStagingsSingleBatchFailureMarksPRInError(t *testing.T) {
	t.Cleanup(zap.ReplaceGlobals(zaptest.NewLogger(t).Named(t.Name())))
	ctx := context.Background()

	e := newEnv(t, "acme/widgets")
	pr := e.addPR(t, "acme/widgets", 1, map[string]string{"a.txt": "1\n", "b.txt": "b\n"})

	require.NoError(t, e.orch.TryStaging(ctx, e.project, e.target))
	st := e.activeStaging(t)
	e.setStatus(st.Heads[0].StagedSHA, "failure")

	require.NoError(t, e.orch.CheckStagings(ctx))

	got, err := e.store.PullRequestByID(ctx, pr.ID)
	require.NoError(t, err)
	assert.Equal(t, store.PRStateError, got.State)

	require.NotEmpty(t, e.host.comments)
	assert.Contains(t, e.host.comments[len(e.host.comments)-1], "staging failed")
}

func TestCheckStagingsCancelsOnNonFastForward(t *testing.T) {
	t.Cleanup(zap.ReplaceGlobals(zaptest.NewLogger(t).Named(t.Name())))
	ctx := context.Background()

	e := newEnv(t, "acme/widgets")
	e.addPR(t, "acme/widgets", 1, map[string]string{"a.txt": "1\n", "b.txt": "b\n"})

	require.NoError(t, e.orch.TryStaging(ctx, e.project, e.target))
	st := e.activeStaging(t)

	// someone pushed to main while CI was running
	upstream := e.upstreams["acme/widgets"]
	movedHead := gittest.Commit(t, upstream, []string{st.Heads[0].BeforeSHA},
		map[string]string{"a.txt": "1\n", "hotfix.txt": "x\n"}, "hotfix")
	gittest.SetBranch(t, upstream, "main", movedHead)

	e.setStatus(st.Heads[0].StagedSHA, "success")
	require.NoError(t, e.orch.CheckStagings(ctx))

	got, err := e.store.StagingByID(ctx, st.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StagingCancelled, got.State)
	assert.Contains(t, got.Reason, "not a fast-forward")

	// the concurrent update survives, the branch was never force-pushed
	mainHead, err := upstream.RevParse(ctx, "refs/heads/main")
	require.NoError(t, err)
	assert.Equal(t, movedHead, mainHead)
}

func TestCheckStagingsTimesOut(t *testing.T) {
	t.Cleanup(zap.ReplaceGlobals(zaptest.NewLogger(t).Named(t.Name())))
	ctx := context.Background()

	e := newEnv(t, "acme/widgets")
	e.addPR(t, "acme/widgets", 1, map[string]string{"a.txt": "1\n", "b.txt": "b\n"})

	require.NoError(t, e.orch.TryStaging(ctx, e.project, e.target))
	st := e.activeStaging(t)

	// no status ever arrives and the deadline passes
	require.NoError(t, e.store.ExtendStagingTimeout(ctx, st.ID, time.Now().Add(-time.Minute)))

	require.NoError(t, e.orch.CheckStagings(ctx))

	got, err := e.store.StagingByID(ctx, st.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StagingFailure, got.State)
	assert.Equal(t, "timed out", got.Reason)
}

func TestSyncReadiness(t *testing.T) {
	t.Cleanup(zap.ReplaceGlobals(zaptest.NewLogger(t).Named(t.Name())))
	ctx := context.Background()

	e := newEnv(t, "acme/widgets")
	pr := e.addPR(t, "acme/widgets", 1, map[string]string{"a.txt": "1\n", "b.txt": "b\n"})

	// the recorded head is stale, the PR must not be considered ready
	e.host.prs[prKey("acme/widgets", 1)].HeadSHA = strings.Repeat("0", 40)
	require.NoError(t, e.orch.SyncReadiness(ctx, e.project))

	got, err := e.store.PullRequestByID(ctx, pr.ID)
	require.NoError(t, err)
	assert.False(t, got.Ready)
}
