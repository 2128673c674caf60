// Package taskqueue is a durable work queue on a database table. Tasks
// survive restarts, are claimed with row locks so concurrent workers never
// run the same task, and are retried with a delay on failure.
package taskqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/simplesurance/stager/internal/logfields"
	"github.com/simplesurance/stager/internal/mergerr"
)

// Kind identifies the handler a task is dispatched to.
type Kind string

const (
	// KindPortMerge ports a freshly merged batch to the next branch.
	KindPortMerge Kind = "merge"
	// KindPortForward continues a forward-port chain after a port merged.
	KindPortForward Kind = "fp"
	// KindPortInsert re-parents a chain after a branch was inserted.
	KindPortInsert Kind = "insert"
	// KindPortComplete fills the gap when a chain stops short of its limit.
	KindPortComplete Kind = "complete"
	// KindUpdate propagates a source head update through its chain.
	KindUpdate Kind = "update"
	// KindBranchRemoval deletes stale forward-port branches.
	KindBranchRemoval Kind = "branch-removal"
)

// PortPayload is the payload of the port task kinds.
type PortPayload struct {
	BatchID int64 `json:"batch_id"`
}

// UpdatePayload is the payload of update propagation tasks.
type UpdatePayload struct {
	PullRequestID int64  `json:"pull_request_id"`
	NewHead       string `json:"new_head"`
}

// BranchRemovalPayload carries the merge-age cutoff for deleting the stale
// branch of a merged pull request. The cutoff is part of the payload,
// handlers never read it from ambient state.
type BranchRemovalPayload struct {
	PullRequestID int64 `json:"pull_request_id"`
	// Cutoff is the earliest time the branch may be deleted.
	Cutoff time.Time `json:"cutoff"`
}

// Task is one queued unit of work.
type Task struct {
	ID   int64  `gorm:"primaryKey"`
	Kind string `gorm:"not null"`
	// Payload is the JSON encoded, kind specific argument.
	Payload string `gorm:"not null;default:{}"`

	RetryAfter time.Time `gorm:"index;not null"`
	Attempts   int       `gorm:"not null;default:0"`

	CreatedAt time.Time
}

// Handler processes one task. Returning nil deletes the task, an error
// reschedules it.
type Handler func(ctx context.Context, task *Task) error

const (
	// DefDrainLimit is the maximum number of tasks one Drain call claims.
	DefDrainLimit = 10
	// DefRetryDelay is how far a failed task is pushed into the future.
	DefRetryDelay = 30 * time.Minute
)

// Queue dispatches queued tasks to registered handlers.
type Queue struct {
	db         *gorm.DB
	logger     *zap.Logger
	handlers   map[Kind]Handler
	drainLimit int
	retryDelay time.Duration
}

// New creates a queue on the given database handle.
func New(db *gorm.DB) *Queue {
	return &Queue{
		db:         db,
		logger:     zap.L().Named("taskqueue"),
		handlers:   map[Kind]Handler{},
		drainLimit: DefDrainLimit,
		retryDelay: DefRetryDelay,
	}
}

// Register installs the handler for a task kind. Must be called before
// Drain, not safe for concurrent use with it.
func (q *Queue) Register(kind Kind, h Handler) {
	q.handlers[kind] = h
}

// Enqueue appends a task, payload is JSON encoded.
func (q *Queue) Enqueue(ctx context.Context, kind Kind, payload any) error {
	return q.EnqueueAfter(ctx, kind, payload, time.Now())
}

// EnqueueAfter appends a task that becomes due at the given time.
func (q *Queue) EnqueueAfter(ctx context.Context, kind Kind, payload any, after time.Time) error {
	enc, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encoding %s task payload failed: %w", kind, err)
	}

	task := Task{
		Kind:       string(kind),
		Payload:    string(enc),
		RetryAfter: after,
	}
	if err := q.db.WithContext(ctx).Create(&task).Error; err != nil {
		return err
	}

	q.logger.Debug("task enqueued",
		logfields.Event("task_enqueued"),
		logfields.Task(task.ID),
		logfields.TaskKind(string(kind)),
	)

	return nil
}

// DecodePayload unmarshals the task payload into v.
func DecodePayload(task *Task, v any) error {
	if err := json.Unmarshal([]byte(task.Payload), v); err != nil {
		return fmt.Errorf("decoding payload of task %d (%s) failed: %w", task.ID, task.Kind, err)
	}

	return nil
}

// Drain claims up to the drain limit of due tasks, oldest first, and runs
// their handlers. Claiming leases the rows by pushing their retry_after
// into the future, a crashed worker's tasks come back after the delay and
// concurrent workers never run the same task. Handlers run outside the
// claim transaction, they are free to use the database themselves. Returns
// the number of tasks processed successfully.
func (q *Queue) Drain(ctx context.Context) (int, error) {
	tasks, err := q.claim(ctx)
	if err != nil {
		return 0, err
	}

	done := 0
	for i := range tasks {
		if err := q.run(ctx, &tasks[i]); err != nil {
			continue
		}
		done++
	}

	return done, nil
}

func (q *Queue) claim(ctx context.Context) ([]Task, error) {
	var tasks []Task

	err := q.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		query := tx.
			Where("retry_after <= ?", time.Now()).
			Order("id ASC").
			Limit(q.drainLimit)
		// sqlite (tests) has no row locks, single writer anyway
		if tx.Dialector.Name() == "postgres" {
			query = query.Clauses(clause.Locking{
				Strength: "UPDATE",
				Options:  "SKIP LOCKED",
			})
		}

		if err := query.Find(&tasks).Error; err != nil {
			return err
		}
		if len(tasks) == 0 {
			return nil
		}

		ids := make([]int64, len(tasks))
		for i := range tasks {
			ids[i] = tasks[i].ID
		}

		return tx.Model(&Task{}).
			Where("id IN ?", ids).
			Update("retry_after", time.Now().Add(q.retryDelay)).Error
	})
	if err != nil {
		return nil, err
	}

	return tasks, nil
}

// run executes one claimed task and either deletes or reschedules it.
func (q *Queue) run(ctx context.Context, task *Task) error {
	var err error
	if handler, exist := q.handlers[Kind(task.Kind)]; exist {
		err = handler(ctx, task)
	} else {
		err = fmt.Errorf("no handler registered for task kind %q", task.Kind)
	}

	if err == nil {
		q.logger.Debug("task succeeded",
			logfields.Event("task_succeeded"),
			logfields.Task(task.ID),
			logfields.TaskKind(task.Kind),
		)

		return q.db.WithContext(ctx).Delete(&Task{}, task.ID).Error
	}

	retryAfter := time.Now().Add(q.retryDelay)
	var retryErr *mergerr.RetryableError
	if errors.As(err, &retryErr) && !retryErr.After.IsZero() {
		retryAfter = retryErr.After
	}

	q.logger.Warn("task failed, will be retried",
		logfields.Event("task_failed"),
		logfields.Task(task.ID),
		logfields.TaskKind(task.Kind),
		zap.Int("task.attempts", task.Attempts+1),
		zap.Time("task.retry_after", retryAfter),
		zap.Error(err),
	)

	updateErr := q.db.WithContext(ctx).Model(&Task{}).
		Where("id = ?", task.ID).
		Updates(map[string]any{
			"attempts":    task.Attempts + 1,
			"retry_after": retryAfter,
		}).Error
	if updateErr != nil {
		return updateErr
	}

	return err
}
