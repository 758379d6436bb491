package pdp

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/remoteops/pdp/logger"
)

// AuditEntry records one administrative change or access decision.
type AuditEntry struct {
	ID           string         `json:"id"`
	Timestamp    time.Time      `json:"timestamp"`
	Action       string         `json:"action"`
	ActorID      string         `json:"actorId,omitempty"`
	ResourceType string         `json:"resourceType"`
	ResourceID   string         `json:"resourceId"`
	Details      map[string]any `json:"details,omitempty"`
}

// AuditSink receives audit entries from the engine's background
// worker. Sink errors are logged and never fail the originating call.
type AuditSink interface {
	Write(ctx context.Context, e *AuditEntry) error
}

// NullAuditSink drops every entry.
type NullAuditSink struct{}

func (NullAuditSink) Write(ctx context.Context, e *AuditEntry) error { return nil }

// MemoryAuditSink keeps entries in memory for tests and tooling.
type MemoryAuditSink struct {
	mu      sync.Mutex
	entries []*AuditEntry
}

func NewMemoryAuditSink() *MemoryAuditSink { return &MemoryAuditSink{} }

func (s *MemoryAuditSink) Write(ctx context.Context, e *AuditEntry) error {
	s.mu.Lock()
	s.entries = append(s.entries, e)
	s.mu.Unlock()
	return nil
}

// Entries returns a snapshot of everything written so far.
func (s *MemoryAuditSink) Entries() []*AuditEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*AuditEntry(nil), s.entries...)
}

// LoggerAuditSink forwards entries to the structured logger.
type LoggerAuditSink struct {
	log logger.Logger
}

func NewLoggerAuditSink(log logger.Logger) *LoggerAuditSink {
	if log == nil {
		log = logger.NewNullLogger()
	}
	return &LoggerAuditSink{log: log}
}

func (s *LoggerAuditSink) Write(ctx context.Context, e *AuditEntry) error {
	s.log.Info("audit",
		"audit_id", e.ID,
		"action", e.Action,
		"actor_id", e.ActorID,
		"resource_type", e.ResourceType,
		"resource_id", e.ResourceID,
	)
	return nil
}

// audit enqueues an entry for the background worker. When the buffer
// is full the entry is dropped rather than blocking the caller; drops
// are counted so operators can size the buffer.
func (e *Engine) audit(action, resourceType, resourceID, actorID string, details map[string]any) {
	if e.auditCh == nil {
		return
	}
	entry := &AuditEntry{
		ID:           uuid.NewString(),
		Timestamp:    time.Now(),
		Action:       action,
		ActorID:      actorID,
		ResourceType: resourceType,
		ResourceID:   resourceID,
		Details:      details,
	}
	select {
	case e.auditCh <- entry:
	default:
		e.metrics.IncrCounter("audit.dropped", 1, nil)
	}
}

func (e *Engine) auditWorker() {
	defer e.auditWG.Done()
	for entry := range e.auditCh {
		if err := e.auditSink.Write(context.Background(), entry); err != nil {
			e.logger.Error("audit sink write failed", "error", err, "action", entry.Action)
		}
	}
}
