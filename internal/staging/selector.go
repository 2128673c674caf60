// Package staging builds and supervises stagings: throwaway branch tips
// assembled from batches of pull requests, gated on CI and promoted to the
// authoritative branch only on success.
package staging

import (
	"context"
	"sort"

	"go.uber.org/zap"

	"github.com/simplesurance/stager/internal/logfields"
	"github.com/simplesurance/stager/internal/store"
)

// Selection is the ordered set of batches the next staging attempt should
// contain. SplitID is set when the batches come from a split of a failed
// staging, the split is consumed when the staging is created.
type Selection struct {
	Batches []store.Batch
	SplitID *int64
}

// Selector picks the batches for the next staging attempt of a branch.
type Selector struct {
	store  *store.Store
	logger *zap.Logger

	// largestTieFavorsSplit decides "largest" policy ties between a split
	// and the ready set.
	largestTieFavorsSplit bool
}

func NewSelector(db *store.Store) *Selector {
	return &Selector{
		store:                 db,
		logger:                zap.L().Named("selector"),
		largestTieFavorsSplit: true,
	}
}

// Select returns the batches to stage next on the target branch, truncated
// to the project's batch limit.
//
// Ready batches with an alone priority preempt everything, including
// splits. Otherwise the configured policy interleaves splits and ready
// batches: "default" prefers splits, "ready" prefers ready batches,
// "largest" picks whichever holds more batches.
func (s *Selector) Select(ctx context.Context, project *store.Project, target *store.Branch) (*Selection, error) {
	batches, err := s.store.UnmergedBatches(ctx, target.ID)
	if err != nil {
		return nil, err
	}
	metrics.queuedBatches.WithLabelValues(target.Name).Set(float64(len(batches)))

	ready := readyBatches(batches)
	sortReady(ready)

	if alone := alonesOnly(ready); len(alone) > 0 {
		return s.truncate(project, target, &Selection{Batches: alone}), nil
	}

	splits, err := s.store.SplitsForTarget(ctx, target.ID)
	if err != nil {
		return nil, err
	}

	sel := s.applyPolicy(project.StagingPolicy, ready, splits)

	return s.truncate(project, target, sel), nil
}

func (s *Selector) applyPolicy(policy string, ready []store.Batch, splits []store.Split) *Selection {
	var oldest *store.Split
	if len(splits) > 0 {
		oldest = &splits[0]
	}

	switch policy {
	case store.PolicyReady:
		if len(ready) > 0 {
			return &Selection{Batches: ready}
		}
		if oldest != nil {
			return &Selection{Batches: oldest.Batches, SplitID: &oldest.ID}
		}

	case store.PolicyLargest:
		if oldest != nil {
			splitWins := len(oldest.Batches) > len(ready) ||
				(len(oldest.Batches) == len(ready) && s.largestTieFavorsSplit)
			if splitWins {
				return &Selection{Batches: oldest.Batches, SplitID: &oldest.ID}
			}
		}
		if len(ready) > 0 {
			return &Selection{Batches: ready}
		}
		if oldest != nil {
			return &Selection{Batches: oldest.Batches, SplitID: &oldest.ID}
		}

	default: // store.PolicyDefault
		if oldest != nil {
			return &Selection{Batches: oldest.Batches, SplitID: &oldest.ID}
		}
		if len(ready) > 0 {
			return &Selection{Batches: ready}
		}
	}

	return &Selection{}
}

func (s *Selector) truncate(project *store.Project, target *store.Branch, sel *Selection) *Selection {
	limit := project.BatchLimit
	if limit <= 0 {
		limit = 8
	}

	if len(sel.Batches) > limit {
		sel.Batches = sel.Batches[:limit]
	}

	s.logger.Debug("batches selected",
		logfields.Event("staging_batches_selected"),
		logfields.Branch(target.Name),
		zap.Int("staging.batch_count", len(sel.Batches)),
		zap.Bool("staging.from_split", sel.SplitID != nil),
	)

	return sel
}

// readyBatches filters for batches whose every member PR is open and ready.
func readyBatches(batches []store.Batch) []store.Batch {
	var result []store.Batch
	for _, b := range batches {
		if len(b.PullRequests) == 0 {
			continue
		}

		blocked := false
		for _, pr := range b.PullRequests {
			if pr.State != store.PRStateOpen || !pr.Ready {
				blocked = true
				break
			}
		}
		if !blocked {
			result = append(result, b)
		}
	}

	return result
}

// sortReady orders by priority descending, then staleness (least recently
// updated first), then id. The order is total, selection is deterministic
// and starvation free.
func sortReady(batches []store.Batch) {
	sort.SliceStable(batches, func(i, j int) bool {
		pi, pj := store.PriorityRank(batches[i].Priority), store.PriorityRank(batches[j].Priority)
		if pi != pj {
			return pi > pj
		}
		if !batches[i].UpdatedAt.Equal(batches[j].UpdatedAt) {
			return batches[i].UpdatedAt.Before(batches[j].UpdatedAt)
		}
		return batches[i].ID < batches[j].ID
	})
}

func alonesOnly(ready []store.Batch) []store.Batch {
	var result []store.Batch
	for _, b := range ready {
		if b.Priority == store.PriorityAlone {
			result = append(result, b)
		}
	}

	return result
}
