package bus

// Review queue topics.
const (
	TopicReviewEnqueued     = "review.task.enqueued"
	TopicReviewStateChanged = "review.task.state_changed"
	TopicReviewRequeued     = "review.task.requeued"
	TopicReviewDecision     = "review.decision.recorded"
)

// Graph mutation and projection topics.
const (
	TopicApplyEntityMerge = "graph.entity.merged"
	TopicApplyEventMerge  = "graph.event.merged"
	TopicApplyEventEdge   = "graph.edge.upserted"
	TopicSnapshotWritten  = "graph.snapshot.written"
	TopicIngestBatch      = "graph.ingest.batch"
)

// Provider health topics.
const (
	TopicBreakerStateChanged = "llm.breaker.state_changed"
)

// TaskStateChangedEvent is published after a review task transition commits.
type TaskStateChangedEvent struct {
	TaskID    string `json:"task_id"`
	TaskType  string `json:"task_type"`
	OldStatus string `json:"old_status"`
	NewStatus string `json:"new_status"`
	Reason    string `json:"reason,omitempty"`
}

// TaskEnqueuedEvent is published when a candidate becomes a pending task.
type TaskEnqueuedEvent struct {
	TaskID    string `json:"task_id"`
	TaskType  string `json:"task_type"`
	InputHash string `json:"input_hash"`
	Priority  int    `json:"priority"`
}

// DecisionRecordedEvent is published when an adjudication is stored.
type DecisionRecordedEvent struct {
	TaskID    string `json:"task_id"`
	TaskType  string `json:"task_type"`
	InputHash string `json:"input_hash"`
	Verdict   string `json:"verdict"`
	Model     string `json:"model"`
}

// MergeAppliedEvent is published when two canonical records are merged.
type MergeAppliedEvent struct {
	FromID       string `json:"from_id"`
	ToID         string `json:"to_id"`
	DecisionHash string `json:"decision_hash"`
}

// EdgeUpsertedEvent is published when an event evolution edge is written.
type EdgeUpsertedEvent struct {
	FromEventID string `json:"from_event_id"`
	ToEventID   string `json:"to_event_id"`
	EdgeType    string `json:"edge_type"`
}

// SnapshotWrittenEvent is published after snapshot files are written.
type SnapshotWrittenEvent struct {
	GraphType string `json:"graph_type"`
	Path      string `json:"path"`
	NodeCount int    `json:"node_count"`
	EdgeCount int    `json:"edge_count"`
}

// BreakerStateChangedEvent is published on circuit breaker transitions.
type BreakerStateChangedEvent struct {
	Provider string `json:"provider"`
	From     string `json:"from"`
	To       string `json:"to"`
}

// IngestBatchEvent is published after a document batch is ingested.
type IngestBatchEvent struct {
	RunID      string `json:"run_id"`
	Documents  int    `json:"documents"`
	Duplicates int    `json:"duplicates"`
	Rejected   int    `json:"rejected"`
}
