package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/basket/newsgraph/internal/bus"
	"github.com/basket/newsgraph/internal/shared"
)

var allowedTransitions = map[TaskStatus]map[TaskStatus]struct{}{
	TaskPending: {
		TaskRunning: {},
	},
	TaskRunning: {
		TaskDone:    {},
		TaskFailed:  {},
		TaskPending: {}, // Stale lease requeue.
	},
	TaskFailed: {
		TaskPending: {}, // Manual replay.
	},
}

func canTransition(from, to TaskStatus) bool {
	next, ok := allowedTransitions[from]
	if !ok {
		return false
	}
	_, ok = next[to]
	return ok
}

const taskColumns = `task_id, type, input_hash, payload_json, status, priority, attempts, claimed_at,
	output_json, error, created_at, updated_at`

func scanTask(row rowScanner) (ReviewTask, error) {
	var (
		t                ReviewTask
		payload          string
		claimed          sql.NullString
		created, updated string
	)
	if err := row.Scan(&t.TaskID, &t.Type, &t.InputHash, &payload, &t.Status, &t.Priority, &t.Attempts,
		&claimed, &t.Output, &t.Error, &created, &updated); err != nil {
		return ReviewTask{}, err
	}
	t.Payload = json.RawMessage(payload)
	t.ClaimedAt = shared.ParseTimePtr(claimed.String)
	t.CreatedAt, _ = shared.ParseTime(created)
	t.UpdatedAt, _ = shared.ParseTime(updated)
	return t, nil
}

func collectTasks(rows *sql.Rows) ([]ReviewTask, error) {
	defer rows.Close()
	var out []ReviewTask
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan review task: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// InputHash is the idempotency key of a review payload: sha1 over its
// canonical JSON.
func InputHash(payload any) (string, []byte, error) {
	canon, err := shared.CanonicalJSON(payload)
	if err != nil {
		return "", nil, err
	}
	hash, err := shared.DecisionHash(json.RawMessage(canon))
	if err != nil {
		return "", nil, err
	}
	return hash, canon, nil
}

// Enqueue adds a review task for payload. It is a no-op when a decision
// already exists for the payload hash (taskID is "") or when an open or
// failed task carries the same hash (that task's id is returned).
func (s *Store) Enqueue(ctx context.Context, taskType TaskType, payload any, priority int) (taskID string, created bool, err error) {
	if !taskType.Valid() {
		return "", false, &ValidationError{Field: "type", Reason: fmt.Sprintf("unknown task type %q", taskType)}
	}
	hash, canon, err := InputHash(payload)
	if err != nil {
		return "", false, fmt.Errorf("enqueue: %w", err)
	}

	err = s.withTx(ctx, func(tx *sql.Tx) error {
		taskID, created = "", false
		var n int
		if err := tx.QueryRowContext(ctx, `
			SELECT COUNT(1) FROM merge_decisions WHERE type = ? AND input_hash = ?;
		`, taskType, hash).Scan(&n); err != nil {
			return fmt.Errorf("lookup decision: %w", err)
		}
		if n > 0 {
			return nil
		}
		err := tx.QueryRowContext(ctx, `
			SELECT task_id FROM review_tasks
			WHERE type = ? AND input_hash = ? AND status IN (?, ?, ?)
			ORDER BY created_at ASC LIMIT 1;
		`, taskType, hash, TaskPending, TaskRunning, TaskFailed).Scan(&taskID)
		if err == nil {
			return nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("lookup open task: %w", err)
		}

		taskID = uuid.NewString()
		now := s.nowText()
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO review_tasks (task_id, type, input_hash, payload_json, status, priority, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?);
		`, taskID, taskType, hash, string(canon), TaskPending, priority, now, now); err != nil {
			return fmt.Errorf("insert review task: %w", err)
		}
		if err := appendTaskEventTx(ctx, tx, taskID, "", TaskPending, "enqueued", now); err != nil {
			return err
		}
		created = true
		return nil
	})
	if err != nil {
		return "", false, err
	}
	if created {
		s.bus.Publish(bus.TopicReviewEnqueued, bus.TaskEnqueuedEvent{
			TaskID:    taskID,
			TaskType:  string(taskType),
			InputHash: hash,
			Priority:  priority,
		})
	}
	return taskID, created, nil
}

func appendTaskEventTx(ctx context.Context, tx *sql.Tx, taskID string, from, to TaskStatus, reason, now string) error {
	traceID := shared.TraceID(ctx)
	if traceID == "-" {
		traceID = ""
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO review_task_events (task_id, from_status, to_status, reason, trace_id, run_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?);
	`, taskID, string(from), string(to), reason, traceID, shared.RunID(ctx), now)
	if err != nil {
		return fmt.Errorf("insert review_task_event: %w", err)
	}
	return nil
}

// transitionTaskTx moves a task from one of allowedFrom to `to`. It returns
// the previous status and false when the task is missing or not in an
// allowed state; the guarded UPDATE makes a lost race look the same.
func (s *Store) transitionTaskTx(
	ctx context.Context,
	tx *sql.Tx,
	taskID string,
	allowedFrom []TaskStatus,
	to TaskStatus,
	reason string,
	set string,
	args ...any,
) (TaskStatus, TaskType, bool, error) {
	var current TaskStatus
	var taskType TaskType
	if err := tx.QueryRowContext(ctx, `SELECT status, type FROM review_tasks WHERE task_id = ?;`, taskID).
		Scan(&current, &taskType); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", "", false, nil
		}
		return "", "", false, fmt.Errorf("select task for transition: %w", err)
	}
	if !slices.Contains(allowedFrom, current) {
		return current, taskType, false, nil
	}
	if !canTransition(current, to) {
		return current, taskType, false, fmt.Errorf("illegal transition %s -> %s", current, to)
	}

	now := s.nowText()
	query := `UPDATE review_tasks SET status = ?, updated_at = ?`
	if set != "" {
		query += ", " + set
	}
	query += ` WHERE task_id = ? AND status = ?;`
	full := append([]any{to, now}, args...)
	full = append(full, taskID, current)
	res, err := tx.ExecContext(ctx, query, full...)
	if err != nil {
		return current, taskType, false, fmt.Errorf("update task transition: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return current, taskType, false, fmt.Errorf("transition rows affected: %w", err)
	}
	if affected != 1 {
		return current, taskType, false, nil
	}
	if err := appendTaskEventTx(ctx, tx, taskID, current, to, reason, now); err != nil {
		return current, taskType, false, err
	}
	return current, taskType, true, nil
}

func (s *Store) publishTransition(taskID string, taskType TaskType, from, to TaskStatus, reason string) {
	s.bus.Publish(bus.TopicReviewStateChanged, bus.TaskStateChangedEvent{
		TaskID:    taskID,
		TaskType:  string(taskType),
		OldStatus: string(from),
		NewStatus: string(to),
		Reason:    reason,
	})
}

// ClaimNext atomically moves the highest-priority pending task of taskType
// ("" for any type) to running. It returns nil, nil when nothing is pending.
func (s *Store) ClaimNext(ctx context.Context, taskType TaskType) (*ReviewTask, error) {
	var result *ReviewTask
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		result = nil
		query := `SELECT ` + taskColumns + ` FROM review_tasks WHERE status = ?`
		args := []any{TaskPending}
		if taskType != "" {
			query += ` AND type = ?`
			args = append(args, taskType)
		}
		query += ` ORDER BY priority DESC, created_at ASC, task_id ASC LIMIT 1;`

		task, err := scanTask(tx.QueryRowContext(ctx, query, args...))
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("select pending task: %w", err)
		}

		claimedAt := s.now()
		_, _, ok, err := s.transitionTaskTx(ctx, tx, task.TaskID, []TaskStatus{TaskPending}, TaskRunning,
			"claimed", `claimed_at = ?, attempts = attempts + 1`, shared.FormatTime(claimedAt))
		if err != nil {
			return fmt.Errorf("claim task transition: %w", err)
		}
		if !ok {
			return nil
		}
		task.Status = TaskRunning
		task.Attempts++
		task.ClaimedAt = &claimedAt
		result = &task
		return nil
	})
	if err != nil {
		return nil, err
	}
	if result != nil {
		s.publishTransition(result.TaskID, result.Type, TaskPending, TaskRunning, "claimed")
	}
	return result, nil
}

// Complete finishes a running task as done or failed.
func (s *Store) Complete(ctx context.Context, taskID string, status TaskStatus, output, errText string) error {
	if status != TaskDone && status != TaskFailed {
		return fmt.Errorf("complete with status %q: %w", status, ErrInvalidTransition)
	}
	var taskType TaskType
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		taskType, err = s.finishTaskTx(ctx, tx, taskID, status, output, errText)
		return err
	})
	if err != nil {
		return err
	}
	s.publishTransition(taskID, taskType, TaskRunning, status, string(status))
	return nil
}

func (s *Store) finishTaskTx(ctx context.Context, tx *sql.Tx, taskID string, status TaskStatus, output, errText string) (TaskType, error) {
	current, taskType, ok, err := s.transitionTaskTx(ctx, tx, taskID, []TaskStatus{TaskRunning}, status,
		string(status), `output_json = ?, error = ?`, output, errText)
	if err != nil {
		return "", err
	}
	if !ok {
		if current == "" {
			return "", fmt.Errorf("complete %s: %w", taskID, ErrTaskNotFound)
		}
		return "", fmt.Errorf("complete %s from %s: %w", taskID, current, ErrInvalidTransition)
	}
	return taskType, nil
}

// CompleteWithDecision appends the decision and marks the task done in one
// transaction, so a crash cannot leave a decision without a finished task.
func (s *Store) CompleteWithDecision(ctx context.Context, taskID string, d MergeDecision) error {
	var taskType TaskType
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := s.appendDecisionTx(ctx, tx, d); err != nil {
			return err
		}
		var err error
		taskType, err = s.finishTaskTx(ctx, tx, taskID, TaskDone, string(d.Output), "")
		return err
	})
	if err != nil {
		return err
	}
	s.publishTransition(taskID, taskType, TaskRunning, TaskDone, "decision")
	s.bus.Publish(bus.TopicReviewDecision, bus.DecisionRecordedEvent{
		TaskID:    taskID,
		TaskType:  string(d.Type),
		InputHash: d.InputHash,
		Verdict:   verdictOf(d.Output),
		Model:     d.Model,
	})
	return nil
}

func verdictOf(output json.RawMessage) string {
	var v struct {
		Verdict string `json:"verdict"`
	}
	_ = json.Unmarshal(output, &v)
	return v.Verdict
}

// RequeueStale returns running tasks claimed before now-maxAge to pending.
func (s *Store) RequeueStale(ctx context.Context, maxAge time.Duration) (int64, error) {
	cutoff := shared.FormatTime(s.now().Add(-maxAge))
	type requeued struct {
		id  string
		typ TaskType
	}
	var done []requeued
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		done = done[:0]
		rows, err := tx.QueryContext(ctx, `
			SELECT task_id FROM review_tasks
			WHERE status = ? AND claimed_at IS NOT NULL AND claimed_at < ?
			ORDER BY claimed_at ASC;
		`, TaskRunning, cutoff)
		if err != nil {
			return fmt.Errorf("query stale tasks: %w", err)
		}
		var ids []string
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return fmt.Errorf("scan stale task: %w", err)
			}
			ids = append(ids, id)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return fmt.Errorf("iterate stale tasks: %w", err)
		}

		for _, id := range ids {
			_, typ, ok, err := s.transitionTaskTx(ctx, tx, id, []TaskStatus{TaskRunning}, TaskPending,
				"lease_expired", `claimed_at = NULL`)
			if err != nil {
				return fmt.Errorf("requeue stale transition: %w", err)
			}
			if ok {
				done = append(done, requeued{id: id, typ: typ})
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	for _, r := range done {
		s.bus.Publish(bus.TopicReviewRequeued, bus.TaskStateChangedEvent{
			TaskID:    r.id,
			TaskType:  string(r.typ),
			OldStatus: string(TaskRunning),
			NewStatus: string(TaskPending),
			Reason:    "lease_expired",
		})
	}
	return int64(len(done)), nil
}

// ReplayFailed moves a failed task back to pending for another attempt.
func (s *Store) ReplayFailed(ctx context.Context, taskID string) error {
	var taskType TaskType
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		current, typ, ok, err := s.transitionTaskTx(ctx, tx, taskID, []TaskStatus{TaskFailed}, TaskPending,
			"replay", `claimed_at = NULL, error = ''`)
		if err != nil {
			return err
		}
		if !ok {
			if current == "" {
				return fmt.Errorf("replay %s: %w", taskID, ErrTaskNotFound)
			}
			return fmt.Errorf("replay %s from %s: %w", taskID, current, ErrInvalidTransition)
		}
		taskType = typ
		return nil
	})
	if err != nil {
		return err
	}
	s.publishTransition(taskID, taskType, TaskFailed, TaskPending, "replay")
	return nil
}

// Release returns a running task to pending without counting it as a
// failure. Workers use it when they are stopped mid-task.
func (s *Store) Release(ctx context.Context, taskID, reason string) error {
	var taskType TaskType
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		current, typ, ok, err := s.transitionTaskTx(ctx, tx, taskID, []TaskStatus{TaskRunning}, TaskPending,
			reason, `claimed_at = NULL`)
		if err != nil {
			return err
		}
		if !ok {
			if current == "" {
				return fmt.Errorf("release %s: %w", taskID, ErrTaskNotFound)
			}
			return fmt.Errorf("release %s from %s: %w", taskID, current, ErrInvalidTransition)
		}
		taskType = typ
		return nil
	})
	if err != nil {
		return err
	}
	s.bus.Publish(bus.TopicReviewRequeued, bus.TaskStateChangedEvent{
		TaskID:    taskID,
		TaskType:  string(taskType),
		OldStatus: string(TaskRunning),
		NewStatus: string(TaskPending),
		Reason:    reason,
	})
	return nil
}

func (s *Store) GetTask(ctx context.Context, taskID string) (*ReviewTask, error) {
	t, err := scanTask(s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM review_tasks WHERE task_id = ?;`, taskID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTaskNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get review task: %w", err)
	}
	return &t, nil
}

// ListFailedTasks returns failed tasks, most recently updated first.
func (s *Store) ListFailedTasks(ctx context.Context, taskType TaskType, limit int) ([]ReviewTask, error) {
	if limit <= 0 || limit > 1000 {
		limit = 50
	}
	query := `SELECT ` + taskColumns + ` FROM review_tasks WHERE status = ?`
	args := []any{TaskFailed}
	if taskType != "" {
		query += ` AND type = ?`
		args = append(args, taskType)
	}
	query += ` ORDER BY updated_at DESC, task_id ASC LIMIT ?;`
	args = append(args, limit)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list failed tasks: %w", err)
	}
	return collectTasks(rows)
}

// TaskEvents returns the lifecycle history of one task, oldest first.
func (s *Store) TaskEvents(ctx context.Context, taskID string) ([]TaskEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, task_id, from_status, to_status, reason, trace_id, created_at
		FROM review_task_events WHERE task_id = ? ORDER BY id ASC;
	`, taskID)
	if err != nil {
		return nil, fmt.Errorf("list task events: %w", err)
	}
	defer rows.Close()
	var out []TaskEvent
	for rows.Next() {
		var ev TaskEvent
		var created string
		if err := rows.Scan(&ev.ID, &ev.TaskID, &ev.FromStatus, &ev.ToStatus, &ev.Reason, &ev.TraceID, &created); err != nil {
			return nil, fmt.Errorf("scan task event: %w", err)
		}
		ev.CreatedAt, _ = shared.ParseTime(created)
		out = append(out, ev)
	}
	return out, rows.Err()
}

// QueueStats summarizes the review queue. StatusCounts always carries all
// four statuses.
type QueueStats struct {
	StatusCounts map[string]int            `json:"status_counts"`
	ByType       map[string]map[string]int `json:"by_type"`
	Decisions    map[string]int            `json:"decisions"`
	Samples      []ReviewTask              `json:"samples"`
}

func emptyStatusCounts() map[string]int {
	return map[string]int{
		string(TaskPending): 0,
		string(TaskRunning): 0,
		string(TaskDone):    0,
		string(TaskFailed):  0,
	}
}

func (s *Store) QueueStats(ctx context.Context) (QueueStats, error) {
	stats := QueueStats{
		StatusCounts: emptyStatusCounts(),
		ByType: map[string]map[string]int{
			string(TaskEntityMerge): emptyStatusCounts(),
			string(TaskEventMerge):  emptyStatusCounts(),
		},
		Decisions: map[string]int{},
	}
	rows, err := s.db.QueryContext(ctx, `SELECT type, status, COUNT(1) FROM review_tasks GROUP BY type, status;`)
	if err != nil {
		return stats, fmt.Errorf("queue stats: %w", err)
	}
	for rows.Next() {
		var typ, status string
		var n int
		if err := rows.Scan(&typ, &status, &n); err != nil {
			rows.Close()
			return stats, fmt.Errorf("scan queue stats: %w", err)
		}
		stats.StatusCounts[status] += n
		if stats.ByType[typ] == nil {
			stats.ByType[typ] = emptyStatusCounts()
		}
		stats.ByType[typ][status] += n
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return stats, fmt.Errorf("iterate queue stats: %w", err)
	}

	rows, err = s.db.QueryContext(ctx, `SELECT type, COUNT(1) FROM merge_decisions GROUP BY type;`)
	if err != nil {
		return stats, fmt.Errorf("decision stats: %w", err)
	}
	for rows.Next() {
		var typ string
		var n int
		if err := rows.Scan(&typ, &n); err != nil {
			rows.Close()
			return stats, fmt.Errorf("scan decision stats: %w", err)
		}
		stats.Decisions[typ] = n
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return stats, err
	}

	rows, err = s.db.QueryContext(ctx, `SELECT `+taskColumns+` FROM review_tasks ORDER BY updated_at DESC, task_id ASC LIMIT 5;`)
	if err != nil {
		return stats, fmt.Errorf("queue samples: %w", err)
	}
	if stats.Samples, err = collectTasks(rows); err != nil {
		return stats, err
	}
	return stats, nil
}

// AppendDecision writes one audit row. Decisions are never updated.
func (s *Store) AppendDecision(ctx context.Context, d MergeDecision) (int64, error) {
	var id int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		id, err = s.appendDecisionTx(ctx, tx, d)
		return err
	})
	return id, err
}

func (s *Store) appendDecisionTx(ctx context.Context, tx *sql.Tx, d MergeDecision) (int64, error) {
	if !d.Type.Valid() {
		return 0, &ValidationError{Field: "type", Reason: fmt.Sprintf("unknown decision type %q", d.Type)}
	}
	if d.InputHash == "" {
		return 0, &ValidationError{Field: "input_hash", Reason: "empty"}
	}
	if !json.Valid(d.Output) {
		return 0, &ValidationError{Field: "output", Reason: "not valid JSON"}
	}
	res, err := tx.ExecContext(ctx, `
		INSERT INTO merge_decisions (type, input_hash, output_json, model, prompt_version, created_at)
		VALUES (?, ?, ?, ?, ?, ?);
	`, d.Type, d.InputHash, string(d.Output), d.Model, d.PromptVersion, s.nowText())
	if err != nil {
		return 0, fmt.Errorf("insert merge decision: %w", err)
	}
	return res.LastInsertId()
}

const decisionColumns = `d.id, d.type, d.input_hash, d.output_json, d.model, d.prompt_version, d.created_at`

func scanDecision(row rowScanner, extra ...any) (MergeDecision, error) {
	var d MergeDecision
	var output, created string
	dest := append([]any{&d.ID, &d.Type, &d.InputHash, &output, &d.Model, &d.PromptVersion, &created}, extra...)
	if err := row.Scan(dest...); err != nil {
		return MergeDecision{}, err
	}
	d.Output = json.RawMessage(output)
	d.CreatedAt, _ = shared.ParseTime(created)
	return d, nil
}

// LatestDecision returns the newest decision for hash, or ErrNotFound.
func (s *Store) LatestDecision(ctx context.Context, taskType TaskType, inputHash string) (*MergeDecision, error) {
	d, err := scanDecision(s.db.QueryRowContext(ctx, `
		SELECT `+decisionColumns+` FROM merge_decisions d
		WHERE d.type = ? AND d.input_hash = ?
		ORDER BY d.id DESC LIMIT 1;
	`, taskType, inputHash))
	if err != nil {
		return nil, notFoundOr(err, "latest decision")
	}
	return &d, nil
}

// ListLatestDecisions returns the latest decision per input hash of
// taskType, oldest first, joined with the payload of the task that
// produced it.
func (s *Store) ListLatestDecisions(ctx context.Context, taskType TaskType) ([]DecisionWithPayload, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+decisionColumns+`,
			COALESCE((SELECT t.task_id FROM review_tasks t
				WHERE t.type = d.type AND t.input_hash = d.input_hash
				ORDER BY t.updated_at DESC LIMIT 1), ''),
			COALESCE((SELECT t.payload_json FROM review_tasks t
				WHERE t.type = d.type AND t.input_hash = d.input_hash
				ORDER BY t.updated_at DESC LIMIT 1), '')
		FROM merge_decisions d
		JOIN (
			SELECT input_hash, MAX(id) AS max_id FROM merge_decisions WHERE type = ? GROUP BY input_hash
		) latest ON latest.max_id = d.id
		ORDER BY d.id ASC;
	`, taskType)
	if err != nil {
		return nil, fmt.Errorf("list latest decisions: %w", err)
	}
	defer rows.Close()
	var out []DecisionWithPayload
	for rows.Next() {
		var item DecisionWithPayload
		var payload string
		d, err := scanDecision(rows, &item.TaskID, &payload)
		if err != nil {
			return nil, fmt.Errorf("scan decision: %w", err)
		}
		item.MergeDecision = d
		if payload != "" {
			item.Payload = json.RawMessage(payload)
		}
		out = append(out, item)
	}
	return out, rows.Err()
}
