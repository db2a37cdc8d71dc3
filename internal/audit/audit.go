// Package audit appends graph mutations and review decisions to
// <home>/logs/audit.jsonl. The file is append-only; entries are never
// rewritten.
package audit

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/basket/newsgraph/internal/bus"
	"github.com/basket/newsgraph/internal/shared"
)

type entry struct {
	Timestamp string `json:"timestamp"`
	Action    string `json:"action"`
	Subject   string `json:"subject"`
	Detail    any    `json:"detail,omitempty"`
}

// Log is an open audit file.
type Log struct {
	clock shared.Clock

	mu   sync.Mutex
	file *os.File

	bus   *bus.Bus
	sub   *bus.Subscription
	wg    sync.WaitGroup
	count atomic.Int64
}

func Path(homeDir string) string {
	return filepath.Join(homeDir, "logs", "audit.jsonl")
}

func Open(homeDir string, clock shared.Clock) (*Log, error) {
	if clock == nil {
		clock = shared.SystemClock{}
	}
	if err := os.MkdirAll(filepath.Join(homeDir, "logs"), 0o755); err != nil {
		return nil, fmt.Errorf("create audit dir: %w", err)
	}
	f, err := os.OpenFile(Path(homeDir), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open audit log: %w", err)
	}
	return &Log{clock: clock, file: f}, nil
}

// Record appends one entry. Subject is redacted before it is written.
func (l *Log) Record(action, subject string, detail any) {
	b, err := json.Marshal(entry{
		Timestamp: l.clock.Now().UTC().Format(time.RFC3339Nano),
		Action:    action,
		Subject:   shared.Redact(subject),
		Detail:    detail,
	})
	if err != nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return
	}
	if _, err := l.file.Write(append(b, '\n')); err == nil {
		l.count.Add(1)
	}
}

// Count returns the number of entries written since Open.
func (l *Log) Count() int64 {
	return l.count.Load()
}

// Follow records every auditable bus event until Close.
func (l *Log) Follow(b *bus.Bus) {
	if b == nil || l.sub != nil {
		return
	}
	l.bus = b
	l.sub = b.Subscribe("")
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		for ev := range l.sub.Ch() {
			if subject, ok := subjectOf(ev); ok {
				l.Record(ev.Topic, subject, ev.Payload)
			}
		}
	}()
}

// subjectOf picks the record an event is about. Queue bookkeeping and
// snapshot writes are not audited.
func subjectOf(ev bus.Event) (string, bool) {
	switch p := ev.Payload.(type) {
	case bus.DecisionRecordedEvent:
		return p.TaskID, true
	case bus.MergeAppliedEvent:
		return p.FromID + " -> " + p.ToID, true
	case bus.EdgeUpsertedEvent:
		return p.FromEventID + " -" + p.EdgeType + "-> " + p.ToEventID, true
	case bus.IngestBatchEvent:
		return p.RunID, true
	case bus.BreakerStateChangedEvent:
		return p.Provider, true
	}
	return "", false
}

// Close drains buffered events, then closes the file.
func (l *Log) Close() error {
	if l.sub != nil {
		l.bus.Unsubscribe(l.sub)
		l.wg.Wait()
		l.sub = nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}

// ReadAll returns the raw entries, oldest first. Used by tests and tooling.
func ReadAll(homeDir string) ([]map[string]any, error) {
	raw, err := os.ReadFile(Path(homeDir))
	if err != nil {
		return nil, err
	}
	var out []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(string(raw)), "\n") {
		if line == "" {
			continue
		}
		var m map[string]any
		if err := json.Unmarshal([]byte(line), &m); err != nil {
			return nil, fmt.Errorf("decode audit entry: %w", err)
		}
		out = append(out, m)
	}
	return out, nil
}
