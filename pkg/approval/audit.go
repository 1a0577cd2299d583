package approval

import (
	"context"
	"log/slog"
	"time"

	"github.com/planmesh/orchestrator/pkg/planmodel"
)

// AuditEvent is the structured record emitted for every approval decision:
// outcome, identifiers, and the requesting subject. The slog sink logs a
// hash of the subject's user id (or email, or session id) and its tenant
// id, not the raw user id, email or session id.
type AuditEvent struct {
	Event      string // "plan.step.approve" or "plan.step.reject"
	Outcome    string // "approved" or "rejected"
	PlanID     string
	StepID     string
	TraceID    string
	Subject    planmodel.Subject
	OccurredAt time.Time
}

// AuditSink records an AuditEvent. Implementations must be fail-open: an
// audit failure must never block or fail the approval it is recording.
type AuditSink interface {
	RecordAudit(ctx context.Context, evt AuditEvent)
}

// slogAuditSink is the default AuditSink. There is no remote delivery to
// fail here, but it follows the same nil-safe, fail-open contract as the
// rest of the notifier idioms in this codebase: RecordAudit never returns
// an error.
type slogAuditSink struct {
	logger *slog.Logger
}

// NewSlogAuditSink returns an AuditSink that writes a structured log line
// per decision. A nil logger falls back to slog.Default().
func NewSlogAuditSink(logger *slog.Logger) AuditSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &slogAuditSink{logger: logger.With("component", "approval-audit")}
}

func (s *slogAuditSink) RecordAudit(_ context.Context, evt AuditEvent) {
	s.logger.Info("audit event",
		"event", evt.Event,
		"outcome", evt.Outcome,
		"plan_id", evt.PlanID,
		"step_id", evt.StepID,
		"trace_id", evt.TraceID,
		"subject_id", hashSubject(evt.Subject),
		"tenant_id", evt.Subject.TenantID,
		"occurred_at", evt.OccurredAt,
	)
}

// hashSubject returns a stable, non-reversible identifier for the subject
// suitable for an audit log line.
func hashSubject(s planmodel.Subject) string {
	id := s.UserID
	if id == "" {
		id = s.Email
	}
	if id == "" {
		id = s.SessionID
	}
	if id == "" {
		return ""
	}
	return fnv32a(id)
}
