// Package engine runs review tasks from the queue on a bounded pool of
// workers.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"
	"golang.org/x/sync/errgroup"

	"github.com/basket/newsgraph/internal/adjudicator"
	"github.com/basket/newsgraph/internal/bus"
	"github.com/basket/newsgraph/internal/otel"
	"github.com/basket/newsgraph/internal/persistence"
	"github.com/basket/newsgraph/internal/shared"
)

type Config struct {
	WorkerCount  int
	PollInterval time.Duration
	TaskTimeout  time.Duration
	// StaleAfter is the claim age after which Start returns running tasks
	// to pending.
	StaleAfter time.Duration
	TaskType   persistence.TaskType
	Bus        *bus.Bus
	Metrics    *otel.Metrics
	Tracer     trace.Tracer
	Logger     *slog.Logger
}

// Processor handles one claimed task. On success it must finish the task
// itself; on error the engine marks it failed.
type Processor interface {
	Process(ctx context.Context, task persistence.ReviewTask) error
}

type Status struct {
	TaskType    string `json:"task_type"`
	WorkerCount int    `json:"worker_count"`
	ActiveTasks int32  `json:"active_tasks"`
	Done        int64  `json:"done"`
	Failed      int64  `json:"failed"`
	LastError   string `json:"last_error,omitempty"`
}

// BatchResult counts the outcomes of one RunBatch call.
type BatchResult struct {
	Done   int `json:"done"`
	Failed int `json:"failed"`
}

type Engine struct {
	store   *persistence.Store
	proc    Processor
	config  Config
	bus     *bus.Bus
	metrics *otel.Metrics
	tracer  trace.Tracer
	logger  *slog.Logger

	once sync.Once
	wg   sync.WaitGroup

	activeTasks atomic.Int32
	done        atomic.Int64
	failed      atomic.Int64
	lastError   atomic.Pointer[string]
}

func New(store *persistence.Store, proc Processor, cfg Config) *Engine {
	if cfg.WorkerCount <= 0 {
		cfg.WorkerCount = 4
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 100 * time.Millisecond
	}
	if cfg.TaskTimeout <= 0 {
		cfg.TaskTimeout = 120 * time.Second
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = 10 * time.Minute
	}
	if cfg.TaskType == "" {
		cfg.TaskType = persistence.TaskEntityMerge
	}
	if cfg.Tracer == nil {
		cfg.Tracer = nooptrace.NewTracerProvider().Tracer(otel.TracerName)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Engine{
		store:   store,
		proc:    proc,
		config:  cfg,
		bus:     cfg.Bus,
		metrics: cfg.Metrics,
		tracer:  cfg.Tracer,
		logger:  cfg.Logger.With("component", "review-worker", "task_type", string(cfg.TaskType)),
	}
}

// Start launches the workers. They run until ctx is canceled.
func (e *Engine) Start(ctx context.Context) {
	e.once.Do(func() {
		n, err := e.store.RequeueStale(ctx, e.config.StaleAfter)
		if err != nil {
			e.logger.Error("stale task recovery failed", "error", err)
		} else if n > 0 {
			e.logger.Info("recovered stale tasks on startup", "count", n)
		}
		for i := 0; i < e.config.WorkerCount; i++ {
			e.wg.Add(1)
			go func() {
				defer e.wg.Done()
				e.worker(ctx)
			}()
		}
	})
}

func (e *Engine) Wait() {
	e.wg.Wait()
}

// Drain waits up to timeout for in-flight tasks. Anything still running is
// left for the stale requeue to pick up.
func (e *Engine) Drain(timeout time.Duration) {
	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		e.logger.Info("engine drained cleanly")
	case <-time.After(timeout):
		e.logger.Warn("engine drain timeout; in-flight tasks will be requeued as stale", "timeout", timeout)
	}
}

func (e *Engine) worker(ctx context.Context) {
	ticker := time.NewTicker(e.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		task, err := e.store.ClaimNext(ctx, e.config.TaskType)
		if err != nil {
			e.setLastError(fmt.Errorf("claim: %w", err))
		}
		if err != nil || task == nil {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				continue
			}
		}
		e.handleTask(ctx, *task)
	}
}

// RunBatch processes at most maxTasks and returns once the queue is empty
// or the budget is spent.
func (e *Engine) RunBatch(ctx context.Context, maxTasks int) (BatchResult, error) {
	if maxTasks <= 0 {
		return BatchResult{}, nil
	}
	var budget atomic.Int64
	budget.Store(int64(maxTasks))
	var done, failed atomic.Int64

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < min(e.config.WorkerCount, maxTasks); i++ {
		g.Go(func() error {
			for budget.Add(-1) >= 0 {
				if err := gctx.Err(); err != nil {
					return err
				}
				task, err := e.store.ClaimNext(gctx, e.config.TaskType)
				if err != nil {
					e.setLastError(err)
					return fmt.Errorf("claim: %w", err)
				}
				if task == nil {
					return nil
				}
				switch e.handleTask(gctx, *task) {
				case persistence.TaskDone:
					done.Add(1)
				case persistence.TaskFailed:
					failed.Add(1)
				}
			}
			return nil
		})
	}
	err := g.Wait()
	res := BatchResult{Done: int(done.Load()), Failed: int(failed.Load())}
	e.logger.Info("review batch finished", "done", res.Done, "failed", res.Failed)
	return res, err
}

// handleTask runs one task and returns the status it was left in. A task
// interrupted by shutdown goes back to pending rather than failing.
func (e *Engine) handleTask(ctx context.Context, task persistence.ReviewTask) persistence.TaskStatus {
	traceID := shared.NewTraceID()
	ctx = shared.WithTaskID(shared.WithTraceID(ctx, traceID), task.TaskID)
	ctx, span := otel.StartSpan(ctx, e.tracer, "review.task",
		otel.AttrTaskID.String(task.TaskID), otel.AttrTaskType.String(string(task.Type)))
	e.logger.Info("task processing", "task_id", task.TaskID, "trace_id", traceID, "attempts", task.Attempts)

	taskCtx, cancel := context.WithTimeout(ctx, e.config.TaskTimeout)
	defer cancel()

	e.activeTasks.Add(1)
	defer e.activeTasks.Add(-1)
	if e.metrics != nil {
		e.metrics.ActiveWorkers.Add(ctx, 1)
		defer e.metrics.ActiveWorkers.Add(ctx, -1)
	}
	start := time.Now()

	err := e.process(taskCtx, task)
	if err != nil && errors.Is(taskCtx.Err(), context.DeadlineExceeded) {
		err = fmt.Errorf("task timeout exceeded: %w", err)
	}
	status := persistence.TaskDone
	switch {
	case err != nil && errors.Is(ctx.Err(), context.Canceled):
		status = persistence.TaskPending
		e.release(task, err)
	case err != nil:
		status = persistence.TaskFailed
		e.fail(task, err)
	default:
		e.done.Add(1)
	}
	e.record(ctx, task, status, time.Since(start))
	otel.EndSpan(span, err)
	return status
}

// process isolates a panicking processor to the task it was handling.
func (e *Engine) process(ctx context.Context, task persistence.ReviewTask) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("processor panic: %v", r)
		}
	}()
	return e.proc.Process(ctx, task)
}

func (e *Engine) fail(task persistence.ReviewTask, err error) {
	e.failed.Add(1)
	e.setLastError(err)
	var output string
	var pe *adjudicator.ParseError
	if errors.As(err, &pe) {
		output = pe.Raw
	}
	e.logger.Warn("task failed", "task_id", task.TaskID, "error", err)
	// The task context may be gone; the failure still has to land.
	if cerr := e.store.Complete(context.Background(), task.TaskID, persistence.TaskFailed, output, err.Error()); cerr != nil {
		e.setLastError(fmt.Errorf("mark failed: %w", cerr))
		e.logger.Error("mark task failed", "task_id", task.TaskID, "error", cerr)
	}
}

func (e *Engine) release(task persistence.ReviewTask, cause error) {
	e.logger.Info("task interrupted; returning to queue", "task_id", task.TaskID, "error", cause)
	if err := e.store.Release(context.Background(), task.TaskID, "shutdown"); err != nil {
		// Left running; the stale requeue recovers it.
		e.setLastError(fmt.Errorf("release: %w", err))
		e.logger.Error("release interrupted task", "task_id", task.TaskID, "error", err)
	}
}

func (e *Engine) record(ctx context.Context, task persistence.ReviewTask, status persistence.TaskStatus, d time.Duration) {
	if e.metrics == nil {
		return
	}
	attrs := metric.WithAttributes(
		otel.AttrTaskType.String(string(task.Type)),
		otel.AttrTaskStatus.String(string(status)),
	)
	e.metrics.ReviewDuration.Record(ctx, d.Seconds(), attrs)
	e.metrics.ReviewTasks.Add(ctx, 1, attrs)
}

func (e *Engine) setLastError(err error) {
	if err == nil {
		return
	}
	msg := err.Error()
	e.lastError.Store(&msg)
}

// Bus returns the event bus, or nil if not configured.
func (e *Engine) Bus() *bus.Bus {
	return e.bus
}

func (e *Engine) Status() Status {
	status := Status{
		TaskType:    string(e.config.TaskType),
		WorkerCount: e.config.WorkerCount,
		ActiveTasks: e.activeTasks.Load(),
		Done:        e.done.Load(),
		Failed:      e.failed.Load(),
	}
	if ptr := e.lastError.Load(); ptr != nil {
		status.LastError = *ptr
	}
	return status
}
