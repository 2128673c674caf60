package store

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm/clause"
)

// CreateStaging inserts a staging with its heads, batches, PR results and
// closing issues in one transaction. At most one active staging may exist
// per target, the insert fails otherwise.
func (s *Store) CreateStaging(ctx context.Context, st *Staging) error {
	return s.WithinTx(ctx, func(tx *Store) error {
		var active int64
		err := tx.db.Model(&Staging{}).
			Where("target_id = ? AND active", st.TargetID).
			Count(&active).Error
		if err != nil {
			return err
		}
		if active > 0 {
			return fmt.Errorf("branch %d already has an active staging", st.TargetID)
		}

		return tx.db.Create(st).Error
	})
}

// StagingByID looks a staging up, associations preloaded.
func (s *Store) StagingByID(ctx context.Context, id int64) (*Staging, error) {
	var st Staging
	err := s.db.WithContext(ctx).
		Preload("Heads").Preload("Batches").Preload("PRs").Preload("Issues").
		First(&st, id).Error
	if err != nil {
		return nil, err
	}

	return &st, nil
}

// ActiveStaging returns the active staging of a branch, or ErrNotFound.
func (s *Store) ActiveStaging(ctx context.Context, targetID int64) (*Staging, error) {
	var st Staging
	err := s.db.WithContext(ctx).
		Preload("Heads").Preload("Batches").Preload("PRs").
		Where("target_id = ? AND active", targetID).
		First(&st).Error
	if err != nil {
		return nil, err
	}

	return &st, nil
}

// ActiveStagings returns all active stagings, heads preloaded.
func (s *Store) ActiveStagings(ctx context.Context) ([]Staging, error) {
	var sts []Staging
	err := s.db.WithContext(ctx).
		Preload("Heads").Preload("Batches").Preload("PRs").Preload("Issues").
		Where("active").
		Order("id ASC").
		Find(&sts).Error

	return sts, err
}

// CompleteStaging deactivates a staging with its final state and reason.
func (s *Store) CompleteStaging(ctx context.Context, stagingID int64, state, reason string) error {
	return s.db.WithContext(ctx).
		Model(&Staging{}).
		Where("id = ?", stagingID).
		Updates(map[string]any{
			"active": false,
			"state":  state,
			"reason": reason,
		}).Error
}

// ExtendStagingTimeout pushes the CI deadline of a staging into the
// future.
func (s *Store) ExtendStagingTimeout(ctx context.Context, stagingID int64, until time.Time) error {
	return s.db.WithContext(ctx).
		Model(&Staging{}).
		Where("id = ?", stagingID).
		Update("timeout_at", until).Error
}

// UpsertCommitStatus records the last seen CI state for a commit/context
// pair.
func (s *Store) UpsertCommitStatus(ctx context.Context, cs *CommitStatus) error {
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "sha"}, {Name: "context"}},
			DoUpdates: clause.AssignmentColumns(
				[]string{"state", "target_url", "updated_at"},
			),
		}).
		Create(cs).Error
}

// StatusesForSHA returns the recorded CI statuses of a commit.
func (s *Store) StatusesForSHA(ctx context.Context, sha string) ([]CommitStatus, error) {
	var css []CommitStatus
	err := s.db.WithContext(ctx).
		Where("sha = ?", sha).
		Order("context ASC").
		Find(&css).Error

	return css, err
}
