package schema

import (
	"time"

	"entgo.io/ent"
	"entgo.io/ent/schema"
	"entgo.io/ent/schema/field"
	"entgo.io/ent/schema/index"
)

// PlanMetadata holds the schema definition for the relational
// `plan_state_metadata` table, the twin of PlanStep keyed by plan_id alone.
type PlanMetadata struct {
	ent.Schema
}

// Fields of PlanMetadata.
func (PlanMetadata) Fields() []ent.Field {
	return []ent.Field{
		field.String("plan_id").
			Unique().
			Immutable(),
		field.String("trace_id"),
		field.JSON("steps", []interface{}{}).
			Comment("ordered []StepMetadata"),
		field.Int("next_step_index").
			Default(0),
		field.Int("last_completed_index").
			Default(-1),
		field.JSON("owner", map[string]interface{}{}).
			Optional(),
		field.Time("updated_at").
			Default(time.Now).
			UpdateDefault(time.Now),
	}
}

// Indexes of PlanMetadata.
func (PlanMetadata) Indexes() []ent.Index {
	return []ent.Index{
		index.Fields("updated_at"),
	}
}

// Annotations for PostgreSQL-specific storage.
func (PlanMetadata) Annotations() []schema.Annotation {
	return []schema.Annotation{}
}
