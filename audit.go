package sentinel

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oarkflow/sentinel/logger"
)

// ============================================================================
// AUDIT RECORDER
// ============================================================================

// DecisionOutcome is the recorded outcome of an operation attempt.
type DecisionOutcome string

const (
	OutcomeAllowed   DecisionOutcome = "allowed"
	OutcomeDenied    DecisionOutcome = "denied"
	OutcomeCancelled DecisionOutcome = "cancelled"
)

// AuditEvent is the immutable record of one operation attempt. Events are
// created exactly once per attempt (including denials) and never updated
// or deleted by application code.
type AuditEvent struct {
	ID           string          `json:"id"`
	TenantID     string          `json:"tenant_id"`
	PrincipalID  string          `json:"principal_id"`
	Role         Role            `json:"role"`
	ResourceType string          `json:"resource_type"`
	ResourceID   string          `json:"resource_id,omitempty"`
	Action       Action          `json:"action"`
	Decision     DecisionOutcome `json:"decision"`
	Reason       string          `json:"reason,omitempty"`
	Before       map[string]any  `json:"before,omitempty"`
	After        map[string]any  `json:"after,omitempty"`
	TraceID      string          `json:"trace_id,omitempty"`
	Timestamp    time.Time       `json:"timestamp"`
}

// AuditStore is an append-only sink supporting concurrent appends. The
// recorder never issues updates or deletes against it.
type AuditStore interface {
	Append(ctx context.Context, event *AuditEvent) error
	Query(ctx context.Context, filter AuditFilter) ([]*AuditEvent, error)
}

// AuditFilter selects events for the read-only export interface.
type AuditFilter struct {
	TenantID     string
	PrincipalID  string
	ResourceType string
	Action       Action
	Start        time.Time
	End          time.Time
	Limit        int
	Offset       int
}

// FallbackSink receives events the primary store could not take. The
// default sink logs them so nothing vanishes silently.
type FallbackSink interface {
	Write(event *AuditEvent)
}

type loggerSink struct{ l logger.Logger }

func (s loggerSink) Write(ev *AuditEvent) {
	s.l.Error("audit fallback",
		"id", ev.ID, "tenant", ev.TenantID, "principal", ev.PrincipalID,
		"resource_type", ev.ResourceType, "resource_id", ev.ResourceID,
		"action", string(ev.Action), "decision", string(ev.Decision))
}

// Recorder captures audit events off the critical path: Record enqueues to
// a buffered channel and returns immediately; a single worker drains it.
// A recording failure never fails the primary business operation; failed
// or overflowed events go to the fallback sink.
type Recorder struct {
	store      AuditStore
	ch         chan AuditEvent
	fallback   FallbackSink
	redact     map[string][]string // resource type -> field denylist
	auditReads map[string]bool     // resource types whose reads are audited
	logger     logger.Logger
	traceID    func() string
	now        func() time.Time
	seq        atomic.Uint64
	wg         sync.WaitGroup
	closeOnce  sync.Once

	mu     sync.RWMutex // guards closed and the channel send in Record
	closed bool
}

type RecorderOption func(*Recorder)

// WithQueueSize sets the audit channel depth (default 1024).
func WithQueueSize(n int) RecorderOption {
	return func(r *Recorder) {
		if n > 0 {
			r.ch = make(chan AuditEvent, n)
		}
	}
}

// WithRedaction registers a field denylist for a resource type. Denylisted
// fields are stripped from before/after snapshots before persistence.
func WithRedaction(resourceType string, fields ...string) RecorderOption {
	return func(r *Recorder) {
		r.redact[resourceType] = append(r.redact[resourceType], fields...)
	}
}

// WithAuditedReads marks resource types whose successful reads are audited
// too (highly sensitive data). By default only writes and denials are.
func WithAuditedReads(resourceTypes ...string) RecorderOption {
	return func(r *Recorder) {
		for _, rt := range resourceTypes {
			r.auditReads[rt] = true
		}
	}
}

func WithFallbackSink(sink FallbackSink) RecorderOption {
	return func(r *Recorder) {
		if sink != nil {
			r.fallback = sink
		}
	}
}

func WithRecorderLogger(l logger.Logger) RecorderOption {
	return func(r *Recorder) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithTraceIDFunc installs a correlation ID generator stamped on events.
func WithTraceIDFunc(f func() string) RecorderOption {
	return func(r *Recorder) {
		if f != nil {
			r.traceID = f
		}
	}
}

func WithRecorderClock(now func() time.Time) RecorderOption {
	return func(r *Recorder) {
		if now != nil {
			r.now = now
		}
	}
}

// defaultRedactions are secret-bearing fields stripped from every
// snapshot regardless of resource type.
var defaultRedactions = []string{"password", "password_hash", "token", "secret", "api_key"}

func NewRecorder(store AuditStore, opts ...RecorderOption) *Recorder {
	r := &Recorder{
		store:      store,
		ch:         make(chan AuditEvent, 1024),
		redact:     make(map[string][]string),
		auditReads: make(map[string]bool),
		logger:     logger.NewPhusluLogger(),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.fallback == nil {
		r.fallback = loggerSink{l: r.logger}
	}
	r.wg.Add(1)
	go r.worker()
	return r
}

func (r *Recorder) worker() {
	defer r.wg.Done()
	bg := context.Background()
	for ev := range r.ch {
		if err := r.store.Append(bg, &ev); err != nil {
			r.logger.Error("audit append failed", "id", ev.ID, "error", err.Error())
			r.fallback.Write(&ev)
		}
	}
}

// Record enqueues one event. It never blocks and never panics: when the
// queue is full, or the recorder is already closed, the event is written
// synchronously to the fallback sink instead of being dropped.
func (r *Recorder) Record(ev AuditEvent) {
	if ev.ID == "" {
		ev.ID = r.nextID()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = r.now()
	}
	if ev.TraceID == "" && r.traceID != nil {
		ev.TraceID = r.traceID()
	}
	ev.Before = r.redactSnapshot(ev.ResourceType, ev.Before)
	ev.After = r.redactSnapshot(ev.ResourceType, ev.After)

	r.mu.RLock()
	enqueued := false
	if !r.closed {
		select {
		case r.ch <- ev:
			enqueued = true
		default:
		}
	}
	r.mu.RUnlock()
	if !enqueued {
		r.fallback.Write(&ev)
	}
}

// ShouldAudit reports whether an attempt with this action and outcome must
// produce an event: every write, every denial, and reads of resource
// types opted in via WithAuditedReads.
func (r *Recorder) ShouldAudit(resourceType string, action Action, outcome DecisionOutcome) bool {
	if outcome != OutcomeAllowed {
		return true
	}
	if action.IsWrite() {
		return true
	}
	return r.auditReads[resourceType]
}

// Query exposes events read-only, filtered and paginated. No interface
// exists to mutate past events.
func (r *Recorder) Query(ctx context.Context, filter AuditFilter) ([]*AuditEvent, error) {
	if filter.Limit <= 0 {
		filter.Limit = 100
	}
	return r.store.Query(ctx, filter)
}

// Close drains the queue and stops the worker. Events recorded after Close
// go to the fallback sink.
func (r *Recorder) Close() {
	r.closeOnce.Do(func() {
		r.mu.Lock()
		r.closed = true
		close(r.ch)
		r.mu.Unlock()
	})
	r.wg.Wait()
}

// redactSnapshot copies the snapshot minus denylisted fields. The caller's
// map is never mutated.
func (r *Recorder) redactSnapshot(resourceType string, snapshot map[string]any) map[string]any {
	if snapshot == nil {
		return nil
	}
	denied := make(map[string]bool, len(defaultRedactions))
	for _, f := range defaultRedactions {
		denied[f] = true
	}
	for _, f := range r.redact[resourceType] {
		denied[f] = true
	}
	out := make(map[string]any, len(snapshot))
	for k, v := range snapshot {
		if denied[k] {
			continue
		}
		out[k] = v
	}
	return out
}

func (r *Recorder) nextID() string {
	return fmt.Sprintf("%d-%d", r.now().UnixNano(), r.seq.Add(1))
}
