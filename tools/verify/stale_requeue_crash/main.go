// stale_requeue_crash checks that a review task claimed by a worker that
// dies mid-adjudication is returned to pending.
//
//	go run ./tools/verify/stale_requeue_crash -mode prepare -db /tmp/drill.db
//	go run ./tools/verify/stale_requeue_crash -mode claim-sleep -db /tmp/drill.db &  # then kill -9
//	go run ./tools/verify/stale_requeue_crash -mode recover -db /tmp/drill.db
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/basket/newsgraph/internal/candidates"
	"github.com/basket/newsgraph/internal/persistence"
)

func main() {
	mode := flag.String("mode", "", "prepare|claim-sleep|recover")
	dbPath := flag.String("db", "", "path to sqlite db")
	maxAge := flag.Duration("max-age", 0, "claim age treated as stale during recover")
	flag.Parse()

	if *mode == "" || *dbPath == "" {
		fmt.Fprintln(os.Stderr, "mode and db are required")
		os.Exit(2)
	}

	ctx := context.Background()
	store, err := persistence.Open(*dbPath, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open store: %v\n", err)
		os.Exit(1)
	}
	defer store.Close()

	switch *mode {
	case "prepare":
		taskID, _, err := store.Enqueue(ctx, persistence.TaskEntityMerge, candidates.EntityPayload{
			EntityA:         "Drill Corp",
			EntityB:         "Drill Corporation",
			Similarity:      0.95,
			CandidateReason: "crash-drill",
		}, 100)
		if err != nil {
			fmt.Fprintf(os.Stderr, "enqueue: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("PREPARED_TASK_ID=%s\n", taskID)
	case "claim-sleep":
		task, err := store.ClaimNext(ctx, persistence.TaskEntityMerge)
		if err != nil {
			fmt.Fprintf(os.Stderr, "claim task: %v\n", err)
			os.Exit(1)
		}
		if task == nil {
			fmt.Fprintln(os.Stderr, "no claimable task")
			os.Exit(1)
		}
		fmt.Printf("CLAIMED_TASK_ID=%s\n", task.TaskID)
		for {
			time.Sleep(1 * time.Second)
		}
	case "recover":
		recovered, err := store.RequeueStale(ctx, *maxAge)
		if err != nil {
			fmt.Fprintf(os.Stderr, "requeue stale: %v\n", err)
			os.Exit(1)
		}
		stats, err := store.QueueStats(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "queue stats: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("RECOVERED=%d\n", recovered)
		fmt.Printf("STATUS_COUNTS=%v\n", stats.StatusCounts)
		if stats.StatusCounts[string(persistence.TaskRunning)] > 0 {
			fmt.Println("VERDICT FAIL: tasks still running after recovery")
			os.Exit(1)
		}
		fmt.Println("VERDICT PASS")
	default:
		fmt.Fprintf(os.Stderr, "unknown mode %q\n", *mode)
		os.Exit(2)
	}
}
