package cron

import (
	"context"
	"fmt"
)

// Requeuer is satisfied by *review.Service.
type Requeuer interface {
	RequeueStale(ctx context.Context, maxAgeMinutes int) (int64, error)
}

// RequeueJob returns running tasks older than maxAgeMinutes to pending.
func RequeueJob(expr string, r Requeuer, maxAgeMinutes int) Job {
	return Job{
		Name: "requeue-stale",
		Expr: expr,
		Run: func(ctx context.Context) error {
			_, err := r.RequeueStale(ctx, maxAgeMinutes)
			return err
		},
	}
}

// SnapshotJob rewrites the snapshot files.
func SnapshotJob(expr string, write func(ctx context.Context) error) Job {
	return Job{
		Name: "snapshot-refresh",
		Expr: expr,
		Run: func(ctx context.Context) error {
			if err := write(ctx); err != nil {
				return fmt.Errorf("snapshot refresh: %w", err)
			}
			return nil
		},
	}
}
