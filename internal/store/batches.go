package store

import (
	"context"
	"time"
)

// CreateBatch inserts a batch and attaches the given pull requests to it.
// The batch priority is set to the maximum priority of its members.
func (s *Store) CreateBatch(ctx context.Context, b *Batch, prIDs []int64) error {
	return s.WithinTx(ctx, func(tx *Store) error {
		if err := tx.db.Create(b).Error; err != nil {
			return err
		}

		if len(prIDs) == 0 {
			return nil
		}

		err := tx.db.Model(&PullRequest{}).
			Where("id IN ?", prIDs).
			Update("batch_id", b.ID).Error
		if err != nil {
			return err
		}

		return tx.RecomputeBatchPriority(ctx, b.ID)
	})
}

// RecomputeBatchPriority sets the batch priority to the maximum priority
// of its member pull requests.
func (s *Store) RecomputeBatchPriority(ctx context.Context, batchID int64) error {
	prs, err := s.PullRequestsByBatch(ctx, batchID)
	if err != nil {
		return err
	}

	max := PriorityDefault
	for _, pr := range prs {
		if PriorityRank(pr.Priority) > PriorityRank(max) {
			max = pr.Priority
		}
	}

	return s.db.WithContext(ctx).
		Model(&Batch{}).
		Where("id = ?", batchID).
		Update("priority", max).Error
}

// BatchByID looks a batch up, member PRs preloaded.
func (s *Store) BatchByID(ctx context.Context, id int64) (*Batch, error) {
	var b Batch
	err := s.db.WithContext(ctx).
		Preload("PullRequests").
		First(&b, id).Error
	if err != nil {
		return nil, err
	}

	return &b, nil
}

// UnmergedBatches returns the not yet merged batches targeting a branch
// which are not held by a split, member PRs preloaded, oldest first.
func (s *Store) UnmergedBatches(ctx context.Context, targetID int64) ([]Batch, error) {
	var bs []Batch
	err := s.db.WithContext(ctx).
		Preload("PullRequests").
		Where("target_id = ? AND merged_at IS NULL AND split_id IS NULL", targetID).
		Order("id ASC").
		Find(&bs).Error

	return bs, err
}

// MarkBatchMerged records the merge time of a batch and of its members.
func (s *Store) MarkBatchMerged(ctx context.Context, batchID int64, at time.Time) error {
	return s.WithinTx(ctx, func(tx *Store) error {
		err := tx.db.Model(&Batch{}).
			Where("id = ?", batchID).
			Update("merged_at", at).Error
		if err != nil {
			return err
		}

		return tx.db.Model(&PullRequest{}).
			Where("batch_id = ?", batchID).
			Updates(map[string]any{"state": PRStateMerged, "merged_at": at}).Error
	})
}

// CreateSplit inserts a split and moves the given batches into it.
func (s *Store) CreateSplit(ctx context.Context, sp *Split, batchIDs []int64) error {
	return s.WithinTx(ctx, func(tx *Store) error {
		if err := tx.db.Create(sp).Error; err != nil {
			return err
		}

		return tx.db.Model(&Batch{}).
			Where("id IN ?", batchIDs).
			Update("split_id", sp.ID).Error
	})
}

// SplitsForTarget returns the pending splits of a branch in creation
// order, batches and their PRs preloaded.
func (s *Store) SplitsForTarget(ctx context.Context, targetID int64) ([]Split, error) {
	var sps []Split
	err := s.db.WithContext(ctx).
		Preload("Batches.PullRequests").
		Where("target_id = ?", targetID).
		Order("id ASC").
		Find(&sps).Error

	return sps, err
}

// ConsumeSplit detaches the batches of a split and deletes it. The batches
// return to the regular queue.
func (s *Store) ConsumeSplit(ctx context.Context, splitID int64) error {
	return s.WithinTx(ctx, func(tx *Store) error {
		err := tx.db.Model(&Batch{}).
			Where("split_id = ?", splitID).
			Update("split_id", nil).Error
		if err != nil {
			return err
		}

		return tx.db.Delete(&Split{}, splitID).Error
	})
}
