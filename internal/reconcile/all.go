package reconcile

import (
	"context"
	"fmt"
	"sort"

	"golang.org/x/sync/errgroup"

	"github.com/roach88/ctfboard/internal/community"
)

// DefaultParallelism bounds concurrent community reconciliations.
const DefaultParallelism = 4

// Communities returns the ids known to the membership source and the
// registry, sorted and deduplicated.
func (r *Reconciler) Communities(ctx context.Context, reg *community.Registry) ([]string, error) {
	live, err := r.Members.Communities(ctx)
	if err != nil {
		return nil, fmt.Errorf("list communities: %w", err)
	}
	seen := make(map[string]struct{})
	var ids []string
	for _, id := range append(live, reg.IDs()...) {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

// ReconcileAll reconciles the given communities concurrently, creating
// state on first contact. Each community is locked for the duration of its
// run, so runs for different communities interleave but never two for the
// same one. A community whose state could not be saved is kept and
// reported. Any other error drops the community from reg if this run
// created it, and cancels the remaining runs; reports are returned in ids
// order for the runs that completed.
func (r *Reconciler) ReconcileAll(ctx context.Context, reg *community.Registry, ids []string) ([]Report, error) {
	reports := make([]Report, len(ids))
	done := make([]bool, len(ids))

	g, gctx := errgroup.WithContext(ctx)
	limit := r.Parallelism
	if limit <= 0 {
		limit = DefaultParallelism
	}
	g.SetLimit(limit)
	for i, id := range ids {
		i, id := i, id
		g.Go(func() error {
			st, created := reg.Ensure(id)
			if created {
				r.logger().Info("new community", "community_id", id)
			}
			st.Lock()
			defer st.Unlock()

			rep, err := r.Reconcile(gctx, st)
			if err != nil && !IsSaveError(err) {
				if created {
					reg.Remove(id)
				}
				return fmt.Errorf("reconcile %s: %w", id, err)
			}
			if err != nil {
				r.logger().Warn("community reconciled but not saved", "community_id", id, "error", err)
			}
			reports[i] = rep
			done[i] = true
			return nil
		})
	}
	err := g.Wait()

	out := make([]Report, 0, len(ids))
	for i, ok := range done {
		if ok {
			out = append(out, reports[i])
		}
	}
	return out, err
}
