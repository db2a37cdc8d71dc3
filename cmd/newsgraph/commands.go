package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/basket/newsgraph/internal/ingest"
	"github.com/basket/newsgraph/internal/persistence"
	"github.com/basket/newsgraph/internal/review"
	"github.com/basket/newsgraph/internal/snapshot"
	"github.com/basket/newsgraph/internal/tui"
)

// withApp builds the pipeline with file-only logs, runs fn and closes it.
func withApp(ctx context.Context, withLLM bool, fn func(a *app) int) int {
	a, err := newApp(ctx, appOptions{quiet: true, withLLM: withLLM})
	if err != nil {
		fmt.Fprintf(os.Stderr, "startup: %v\n", err)
		return 1
	}
	defer func() {
		if err := a.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "shutdown: %v\n", err)
		}
	}()
	return fn(a)
}

func runIngestCommand(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("newsgraph ingest", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: newsgraph ingest <file.jsonl|->")
		return 2
	}
	docs, err := readDocuments(fs.Arg(0))
	if err != nil {
		fmt.Fprintf(os.Stderr, "read documents: %v\n", err)
		return 1
	}
	return withApp(ctx, false, func(a *app) int {
		return emit(a.ingest.IngestBatch(ctx, docs))
	})
}

func readDocuments(path string) ([]ingest.Document, error) {
	if path == "-" {
		return ingest.ReadJSONL(os.Stdin)
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return ingest.ReadJSONL(f)
}

func runCandidatesCommand(ctx context.Context, args []string) int {
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "usage: newsgraph candidates entities|events [flags]")
		return 2
	}
	kind := strings.ToLower(args[0])
	fs := flag.NewFlagSet("newsgraph candidates "+kind, flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	maxPairs := fs.Int("max", 0, "cap on candidate pairs (0 keeps the configured value)")

	switch kind {
	case "entities":
		minSim := fs.Float64("min-similarity", 0, "name similarity floor (0 keeps the configured value)")
		if err := fs.Parse(args[1:]); err != nil {
			return 2
		}
		return withApp(ctx, false, func(a *app) int {
			p := a.cfg.Candidates.Entities
			if *maxPairs > 0 {
				p.MaxPairs = *maxPairs
			}
			if *minSim > 0 {
				p.MinSimilarity = *minSim
			}
			return emit(a.review.EnqueueEntityCandidates(ctx, p))
		})
	case "events":
		if err := fs.Parse(args[1:]); err != nil {
			return 2
		}
		return withApp(ctx, false, func(a *app) int {
			p := a.cfg.Candidates.Events
			if *maxPairs > 0 {
				p.MaxPairs = *maxPairs
			}
			return emit(a.review.EnqueueEventCandidates(ctx, p))
		})
	default:
		fmt.Fprintf(os.Stderr, "unknown candidates kind %q\n", args[0])
		return 2
	}
}

func runReviewCommand(ctx context.Context, args []string) int {
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "usage: newsgraph review run|stats|failed|replay|requeue|e2e|breakers [flags]")
		return 2
	}
	sub := strings.ToLower(args[0])
	fs := flag.NewFlagSet("newsgraph review "+sub, flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	switch sub {
	case "run":
		typeName := fs.String("type", string(persistence.TaskEntityMerge), "task type to work")
		maxTasks := fs.Int("max", 0, "task budget (0 keeps the configured value)")
		rate := fs.Float64("rate", 0, "adjudications per second (0 keeps the configured value)")
		if err := fs.Parse(args[1:]); err != nil {
			return 2
		}
		taskType, err := parseTaskType(*typeName)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			return 2
		}
		return withApp(ctx, true, func(a *app) int {
			n := *maxTasks
			if n <= 0 {
				n = a.cfg.Review.MaxTasks
			}
			r := *rate
			if r <= 0 {
				r = a.cfg.Review.RatePerSecond
			}
			return emit(a.review.RunReviewWorker(ctx, taskType, n, r))
		})
	case "stats":
		if err := fs.Parse(args[1:]); err != nil {
			return 2
		}
		return withApp(ctx, false, func(a *app) int {
			queue, err := a.review.QueueStats(ctx)
			if err != nil {
				return emit(nil, err)
			}
			evo, err := a.review.EventEvolutionStats(ctx)
			return emit(map[string]any{"queue": queue, "event_evolution": evo}, err)
		})
	case "failed":
		typeName := fs.String("type", "", "filter by task type")
		limit := fs.Int("limit", 20, "maximum rows")
		if err := fs.Parse(args[1:]); err != nil {
			return 2
		}
		var taskType persistence.TaskType
		if *typeName != "" {
			var err error
			if taskType, err = parseTaskType(*typeName); err != nil {
				fmt.Fprintln(os.Stderr, err)
				return 2
			}
		}
		return withApp(ctx, false, func(a *app) int {
			return emit(a.review.FailedTasks(ctx, taskType, *limit))
		})
	case "replay":
		if err := fs.Parse(args[1:]); err != nil {
			return 2
		}
		if fs.NArg() != 1 {
			fmt.Fprintln(os.Stderr, "usage: newsgraph review replay <task-id>")
			return 2
		}
		id := fs.Arg(0)
		return withApp(ctx, false, func(a *app) int {
			err := a.review.ReplayFailed(ctx, id)
			return emit(map[string]string{"task_id": id, "status": string(persistence.TaskPending)}, err)
		})
	case "requeue":
		minutes := fs.Int("minutes", 0, "claim age in minutes (0 keeps the configured value)")
		if err := fs.Parse(args[1:]); err != nil {
			return 2
		}
		return withApp(ctx, false, func(a *app) int {
			m := *minutes
			if m <= 0 {
				m = a.cfg.Review.StaleMinutes
			}
			n, err := a.review.RequeueStale(ctx, m)
			return emit(map[string]int64{"requeued": n}, err)
		})
	case "e2e":
		maxTasks := fs.Int("max", 0, "review budget (0 keeps the default)")
		maxApply := fs.Int("apply", 0, "apply budget (0 keeps the configured value)")
		if err := fs.Parse(args[1:]); err != nil {
			return 2
		}
		return withApp(ctx, true, func(a *app) int {
			p := review.DefaultEndToEndParams()
			p.Candidates = a.cfg.Candidates.Entities
			p.RatePerSec = a.cfg.Review.RatePerSecond
			p.MaxApply = a.cfg.Review.MaxApply
			if *maxTasks > 0 {
				p.MaxReviewTasks = *maxTasks
			}
			if *maxApply > 0 {
				p.MaxApply = *maxApply
			}
			return emit(a.review.ReviewEntityMergesEndToEnd(ctx, p))
		})
	case "breakers":
		reset := fs.Bool("reset", false, "close every provider breaker")
		if err := fs.Parse(args[1:]); err != nil {
			return 2
		}
		return withApp(ctx, true, func(a *app) int {
			if a.pool == nil {
				return emit(nil, errors.New("no llm providers configured"))
			}
			if *reset {
				a.pool.ResetBreakers()
			}
			return emit(a.pool.Stats(), nil)
		})
	default:
		fmt.Fprintf(os.Stderr, "unknown review action %q\n", args[0])
		return 2
	}
}

func parseTaskType(s string) (persistence.TaskType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "entity", "entities":
		return persistence.TaskEntityMerge, nil
	case "event", "events":
		return persistence.TaskEventMerge, nil
	}
	t := persistence.TaskType(s)
	if !t.Valid() {
		return "", fmt.Errorf("unknown task type %q", s)
	}
	return t, nil
}

func runApplyCommand(ctx context.Context, args []string) int {
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "usage: newsgraph apply entities|events [-max N]")
		return 2
	}
	kind := strings.ToLower(args[0])
	fs := flag.NewFlagSet("newsgraph apply "+kind, flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	maxActions := fs.Int("max", 0, "decisions to apply (0 keeps the configured value)")
	if err := fs.Parse(args[1:]); err != nil {
		return 2
	}
	if kind != "entities" && kind != "events" {
		fmt.Fprintf(os.Stderr, "unknown apply kind %q\n", args[0])
		return 2
	}
	return withApp(ctx, false, func(a *app) int {
		n := *maxActions
		if n <= 0 {
			n = a.cfg.Review.MaxApply
		}
		if kind == "entities" {
			return emit(a.review.ApplyEntityDecisions(ctx, n))
		}
		return emit(a.review.ApplyEventDecisions(ctx, n))
	})
}

func runSnapshotCommand(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("newsgraph snapshot", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	typeName := fs.String("type", "", "single graph type to print instead of writing all files")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	var gt snapshot.GraphType
	if *typeName != "" {
		var err error
		if gt, err = snapshot.ParseGraphType(*typeName); err != nil {
			fmt.Fprintln(os.Stderr, err)
			return 2
		}
	}
	return withApp(ctx, false, func(a *app) int {
		if gt != "" {
			return emit(a.review.Projector().Build(ctx, gt))
		}
		return emit(a.review.WriteSnapshots(ctx))
	})
}

func runExportCommand(ctx context.Context, args []string) int {
	if len(args) != 0 {
		fmt.Fprintln(os.Stderr, "usage: newsgraph export")
		return 2
	}
	return withApp(ctx, false, func(a *app) int {
		return emit(a.review.Export(ctx))
	})
}

func runTopCommand(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("newsgraph top", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	once := fs.Bool("once", false, "print one stats sample as JSON and exit")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	return withApp(ctx, false, func(a *app) int {
		if *once || !stdoutIsTerminal() {
			return emit(a.review.QueueStats(ctx))
		}
		err := tui.RunMonitor(ctx, tui.MonitorConfig{
			Stats: a.review.QueueStats,
			Bus:   a.bus,
		})
		if err != nil && !errors.Is(err, context.Canceled) {
			fmt.Fprintf(os.Stderr, "monitor: %v\n", err)
			return 1
		}
		return 0
	})
}

func runBackupCommand(ctx context.Context, args []string) int {
	if len(args) != 1 {
		fmt.Fprintln(os.Stderr, "usage: newsgraph backup <dest.db>")
		return 2
	}
	dest := args[0]
	return withApp(ctx, false, func(a *app) int {
		err := a.store.Backup(ctx, dest)
		return emit(map[string]string{"path": dest}, err)
	})
}
