package main

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/simplesurance/stager/internal/logfields"
	"github.com/simplesurance/stager/internal/retry"
	"github.com/simplesurance/stager/internal/routines"
	"github.com/simplesurance/stager/internal/staging"
	"github.com/simplesurance/stager/internal/store"
	"github.com/simplesurance/stager/internal/taskqueue"
)

// stagingWorkers is the number of branches staged concurrently.
// Stagings of the same branch never run concurrently, a cycle waits for
// all its branches before the next one starts.
const stagingWorkers = 4

// scheduler periodically runs the staging evaluation, the CI result check
// and the task queue drain. Operations that fail with a retryable error,
// e.g. on exhausted API rate limits, are retried with backoff inside the
// cycle instead of being abandoned.
type scheduler struct {
	store   *store.Store
	orch    *staging.Orchestrator
	queue   *taskqueue.Queue
	retryer *retry.Retryer
	pool    *routines.Pool
	logger  *zap.Logger

	stagingInterval time.Duration
	checkInterval   time.Duration
	drainInterval   time.Duration

	wg sync.WaitGroup
}

func newScheduler(st *store.Store, orch *staging.Orchestrator, queue *taskqueue.Queue, stagingInterval, checkInterval, drainInterval time.Duration) *scheduler {
	return &scheduler{
		store:           st,
		orch:            orch,
		queue:           queue,
		retryer:         retry.NewRetryer(),
		pool:            routines.NewPool(stagingWorkers),
		logger:          zap.L().Named("scheduler"),
		stagingInterval: stagingInterval,
		checkInterval:   checkInterval,
		drainInterval:   drainInterval,
	}
}

// start launches the periodic loops. They terminate when ctx is cancelled.
func (s *scheduler) start(ctx context.Context) {
	s.wg.Add(3)

	go func() {
		defer s.wg.Done()
		defer panicHandler()
		s.tick(ctx, s.stagingInterval, s.stagingCycle)
	}()

	go func() {
		defer s.wg.Done()
		defer panicHandler()
		s.tick(ctx, s.checkInterval, s.checkCycle)
	}()

	go func() {
		defer s.wg.Done()
		defer panicHandler()
		s.tick(ctx, s.drainInterval, s.drainCycle)
	}()
}

// stop aborts running retries and waits for the loops to terminate.
func (s *scheduler) stop() {
	s.retryer.Stop()
	s.wg.Wait()
	s.pool.Wait()
}

func (s *scheduler) tick(ctx context.Context, interval time.Duration, fn func(ctx context.Context)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		fn(ctx)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// stagingCycle refreshes the readiness of all queued pull requests and
// evaluates every active branch of every project for a new staging. The
// branches are staged on the worker pool, the cycle waits for all of them.
func (s *scheduler) stagingCycle(ctx context.Context) {
	projects, err := s.store.Projects(ctx)
	if err != nil {
		s.logger.Error("listing projects failed",
			logfields.Event("scheduler_project_listing_failed"),
			zap.Error(err),
		)
		return
	}

	var wg sync.WaitGroup

	for i := range projects {
		project := &projects[i]

		err := s.retryer.Run(ctx, func(ctx context.Context) error {
			return s.orch.SyncReadiness(ctx, project)
		}, []zap.Field{zap.String("project", project.Name)})
		if err != nil {
			s.logger.Error("syncing pull request readiness failed",
				logfields.Event("scheduler_readiness_sync_failed"),
				zap.String("project", project.Name),
				zap.Error(err),
			)
			continue
		}

		branches, err := s.store.ActiveBranches(ctx, project.ID)
		if err != nil {
			s.logger.Error("listing branches failed",
				logfields.Event("scheduler_branch_listing_failed"),
				zap.String("project", project.Name),
				zap.Error(err),
			)
			continue
		}

		for i := range branches {
			branch := &branches[i]

			wg.Add(1)
			s.pool.Queue(func() {
				defer wg.Done()
				defer panicHandler()

				err := s.retryer.Run(ctx, func(ctx context.Context) error {
					return s.orch.TryStaging(ctx, project, branch)
				}, []zap.Field{
					zap.String("project", project.Name),
					logfields.Branch(branch.Name),
				})
				if err != nil {
					s.logger.Error("staging evaluation failed",
						logfields.Event("scheduler_staging_failed"),
						zap.String("project", project.Name),
						logfields.Branch(branch.Name),
						zap.Error(err),
					)
				}
			})
		}
	}

	wg.Wait()
}

func (s *scheduler) checkCycle(ctx context.Context) {
	err := s.retryer.Run(ctx, func(ctx context.Context) error {
		return s.orch.CheckStagings(ctx)
	}, []zap.Field{logfields.Event("scheduler_check_stagings")})
	if err != nil {
		s.logger.Error("checking stagings failed",
			logfields.Event("scheduler_check_failed"),
			zap.Error(err),
		)
	}
}

// drainCycle processes due tasks until the queue reports an empty claim.
// Failed tasks are rescheduled by the queue itself, the cycle never
// retries them synchronously.
func (s *scheduler) drainCycle(ctx context.Context) {
	for {
		processed, err := s.queue.Drain(ctx)
		if err != nil {
			s.logger.Error("draining task queue failed",
				logfields.Event("scheduler_drain_failed"),
				zap.Error(err),
			)
			return
		}

		if processed == 0 {
			return
		}
	}
}
