package schema

import (
	"time"

	"entgo.io/ent"
	"entgo.io/ent/schema"
	"entgo.io/ent/schema/field"
	"entgo.io/ent/schema/index"
)

// PlanStep holds the schema definition for the relational `plan_state`
// table. It documents the shape hand-implemented in pkg/planstate/postgres.go
// via raw pgx + golang-migrate; no generated client is produced from it.
type PlanStep struct {
	ent.Schema
}

// Fields of PlanStep.
func (PlanStep) Fields() []ent.Field {
	return []ent.Field{
		field.String("id").
			Unique().
			Immutable().
			Comment("row id, a uuid"),
		field.String("plan_id"),
		field.String("step_id"),
		field.String("trace_id"),
		field.JSON("step", map[string]interface{}{}).
			Comment("serialized PlanStep"),
		field.Enum("state").
			Values("queued", "running", "waiting_approval", "completed", "failed", "rejected", "dead_lettered"),
		field.String("summary").
			Optional(),
		field.JSON("output", map[string]interface{}{}).
			Optional(),
		field.Int("attempt").
			Default(0),
		field.String("idempotency_key").
			Optional(),
		field.Time("created_at").
			Default(time.Now).
			Immutable(),
		field.Time("updated_at").
			Default(time.Now).
			UpdateDefault(time.Now),
		field.JSON("approvals", map[string]bool{}).
			Optional().
			Comment("capability -> granted"),
		field.JSON("subject", map[string]interface{}{}).
			Optional(),
	}
}

// Indexes of PlanStep.
func (PlanStep) Indexes() []ent.Index {
	return []ent.Index{
		index.Fields("plan_id", "step_id").
			Unique(),
		index.Fields("updated_at"),
		index.Fields("plan_id"),
	}
}

// Annotations for PostgreSQL-specific storage.
func (PlanStep) Annotations() []schema.Annotation {
	return []schema.Annotation{}
}
