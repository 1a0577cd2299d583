package planstate

import (
	"context"
	stdsql "database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratepgx "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib" // registers the pgx driver for database/sql, used by golang-migrate

	"github.com/planmesh/orchestrator/pkg/planmodel"
)

//go:embed migrations
var migrationsFS embed.FS

// PostgresConfig configures the relational state-store backend.
type PostgresConfig struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	RetentionMs     int64
	MigrationsTable string // defaults to schema_migrations_plan_state
}

// PostgresStore is the relational Store backend: a `plan_state` table keyed
// by (plan_id, step_id) and a twin `plan_state_metadata` table keyed by
// plan_id.
type PostgresStore struct {
	pool        *pgxpool.Pool
	retentionMs int64
}

// NewPostgresStore opens a connection pool, applies embedded migrations, and
// returns a ready Store.
func NewPostgresStore(ctx context.Context, cfg PostgresConfig) (*PostgresStore, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("planstate: parsing DSN: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("planstate: opening pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("planstate: pinging database: %w", err)
	}

	if err := runMigrations(cfg.DSN, cfg.MigrationsTable); err != nil {
		pool.Close()
		return nil, fmt.Errorf("planstate: running migrations: %w", err)
	}

	return &PostgresStore{pool: pool, retentionMs: cfg.RetentionMs}, nil
}

// runMigrations applies the embedded SQL migrations using golang-migrate
// over a short-lived database/sql connection (golang-migrate's postgres
// driver does not accept a pgxpool directly).
func runMigrations(dsn, migrationsTable string) error {
	db, err := stdsql.Open("pgx", dsn)
	if err != nil {
		return fmt.Errorf("opening migration connection: %w", err)
	}
	defer db.Close()

	driver, err := migratepgx.WithInstance(db, &migratepgx.Config{MigrationsTable: migrationsTableOrDefault(migrationsTable)})
	if err != nil {
		return fmt.Errorf("creating postgres driver: %w", err)
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("creating migration source: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "plan_state", driver)
	if err != nil {
		return fmt.Errorf("creating migrate instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("applying migrations: %w", err)
	}
	return sourceDriver.Close()
}

func migrationsTableOrDefault(name string) string {
	if name != "" {
		return name
	}
	return "schema_migrations_plan_state"
}

func (s *PostgresStore) purgeExpired(ctx context.Context) {
	if s.retentionMs <= 0 {
		return
	}
	cutoff := time.Now().Add(-time.Duration(s.retentionMs) * time.Millisecond)
	_, _ = s.pool.Exec(ctx, `DELETE FROM plan_state WHERE updated_at < $1`, cutoff)
	_, _ = s.pool.Exec(ctx, `DELETE FROM plan_state_metadata WHERE updated_at < $1`, cutoff)
}

// RememberStep implements Store.
func (s *PostgresStore) RememberStep(ctx context.Context, planID string, step planmodel.PlanStep, traceID string, opts RememberStepOptions) error {
	createdAt := opts.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	stepJSON, err := json.Marshal(step)
	if err != nil {
		return fmt.Errorf("planstate: marshaling step: %w", err)
	}
	approvalsJSON, err := marshalOrNull(opts.Approvals)
	if err != nil {
		return err
	}
	subjectJSON, err := json.Marshal(opts.Subject)
	if err != nil {
		return fmt.Errorf("planstate: marshaling subject: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO plan_state (id, plan_id, step_id, trace_id, step, state, summary, output, attempt, idempotency_key, created_at, updated_at, approvals, subject)
		VALUES ($1, $2, $3, $4, $5, $6, '', NULL, $7, $8, $9, $9, $10, $11)
		ON CONFLICT (plan_id, step_id) DO UPDATE SET
			trace_id = EXCLUDED.trace_id,
			step = EXCLUDED.step,
			state = EXCLUDED.state,
			attempt = EXCLUDED.attempt,
			idempotency_key = EXCLUDED.idempotency_key,
			updated_at = EXCLUDED.updated_at,
			approvals = EXCLUDED.approvals,
			subject = EXCLUDED.subject
	`,
		uuid.NewString(), planID, step.ID, traceID, stepJSON, string(opts.InitialState),
		opts.Attempt, opts.IdempotencyKey, createdAt, approvalsJSON, subjectJSON,
	)
	if err != nil {
		return fmt.Errorf("planstate: remembering step: %w", err)
	}
	s.purgeExpired(ctx)
	return nil
}

// SetState implements Store.
func (s *PostgresStore) SetState(ctx context.Context, planID, stepID string, state planmodel.PlanStepState, summary string, output map[string]any, attempt int) error {
	if state.Terminal() {
		if _, err := s.pool.Exec(ctx, `DELETE FROM plan_state WHERE plan_id = $1 AND step_id = $2`, planID, stepID); err != nil {
			return fmt.Errorf("planstate: deleting terminal step: %w", err)
		}
		s.purgeExpired(ctx)
		return nil
	}

	outputJSON, err := marshalOrNull(output)
	if err != nil {
		return err
	}

	tag, err := s.pool.Exec(ctx, `
		UPDATE plan_state SET state = $1, summary = $2, output = $3, attempt = $4, updated_at = $5
		WHERE plan_id = $6 AND step_id = $7
	`, string(state), summary, outputJSON, attempt, time.Now(), planID, stepID)
	if err != nil {
		return fmt.Errorf("planstate: updating step state: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	s.purgeExpired(ctx)
	return nil
}

// RecordApproval implements Store.
func (s *PostgresStore) RecordApproval(ctx context.Context, planID, stepID, capability string, granted bool) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE plan_state
		SET approvals = COALESCE(approvals, '{}'::jsonb) || jsonb_build_object($1::text, $2::bool),
		    updated_at = $3
		WHERE plan_id = $4 AND step_id = $5
	`, capability, granted, time.Now(), planID, stepID)
	if err != nil {
		return fmt.Errorf("planstate: recording approval: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ForgetStep implements Store.
func (s *PostgresStore) ForgetStep(ctx context.Context, planID, stepID string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM plan_state WHERE plan_id = $1 AND step_id = $2`, planID, stepID)
	if err != nil {
		return fmt.Errorf("planstate: forgetting step: %w", err)
	}
	return nil
}

// RememberPlanMetadata implements Store.
func (s *PostgresStore) RememberPlanMetadata(ctx context.Context, meta planmodel.PersistedPlanMetadata) error {
	stepsJSON, err := json.Marshal(meta.Steps)
	if err != nil {
		return fmt.Errorf("planstate: marshaling steps: %w", err)
	}
	ownerJSON, err := json.Marshal(meta.Owner)
	if err != nil {
		return fmt.Errorf("planstate: marshaling owner: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO plan_state_metadata (plan_id, trace_id, steps, next_step_index, last_completed_index, owner, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (plan_id) DO UPDATE SET
			trace_id = EXCLUDED.trace_id,
			steps = EXCLUDED.steps,
			next_step_index = EXCLUDED.next_step_index,
			last_completed_index = EXCLUDED.last_completed_index,
			owner = EXCLUDED.owner,
			updated_at = EXCLUDED.updated_at
	`, meta.PlanID, meta.TraceID, stepsJSON, meta.NextStepIndex, meta.LastCompletedIndex, ownerJSON, time.Now())
	if err != nil {
		return fmt.Errorf("planstate: remembering plan metadata: %w", err)
	}
	s.purgeExpired(ctx)
	return nil
}

// GetPlanMetadata implements Store.
func (s *PostgresStore) GetPlanMetadata(ctx context.Context, planID string) (planmodel.PersistedPlanMetadata, bool, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT plan_id, trace_id, steps, next_step_index, last_completed_index, owner, updated_at
		FROM plan_state_metadata WHERE plan_id = $1
	`, planID)
	meta, err := scanPlanMetadata(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return planmodel.PersistedPlanMetadata{}, false, nil
	}
	if err != nil {
		return planmodel.PersistedPlanMetadata{}, false, err
	}
	return meta, true, nil
}

// ListPlanMetadata implements Store.
func (s *PostgresStore) ListPlanMetadata(ctx context.Context) ([]planmodel.PersistedPlanMetadata, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT plan_id, trace_id, steps, next_step_index, last_completed_index, owner, updated_at
		FROM plan_state_metadata
	`)
	if err != nil {
		return nil, fmt.Errorf("planstate: listing plan metadata: %w", err)
	}
	defer rows.Close()

	var out []planmodel.PersistedPlanMetadata
	for rows.Next() {
		meta, err := scanPlanMetadata(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, meta)
	}
	return out, rows.Err()
}

// ForgetPlanMetadata implements Store.
func (s *PostgresStore) ForgetPlanMetadata(ctx context.Context, planID string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM plan_state_metadata WHERE plan_id = $1`, planID)
	if err != nil {
		return fmt.Errorf("planstate: forgetting plan metadata: %w", err)
	}
	return nil
}

// ListActiveSteps implements Store.
func (s *PostgresStore) ListActiveSteps(ctx context.Context) ([]planmodel.PersistedStep, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, plan_id, step_id, trace_id, step, state, summary, output, attempt, idempotency_key, created_at, updated_at, approvals, subject
		FROM plan_state
	`)
	if err != nil {
		return nil, fmt.Errorf("planstate: listing active steps: %w", err)
	}
	defer rows.Close()

	var out []planmodel.PersistedStep
	for rows.Next() {
		row, err := scanPersistedStep(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// GetStep implements Store.
func (s *PostgresStore) GetStep(ctx context.Context, planID, stepID string) (planmodel.PersistedStep, bool, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, plan_id, step_id, trace_id, step, state, summary, output, attempt, idempotency_key, created_at, updated_at, approvals, subject
		FROM plan_state WHERE plan_id = $1 AND step_id = $2
	`, planID, stepID)
	step, err := scanPersistedStep(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return planmodel.PersistedStep{}, false, nil
	}
	if err != nil {
		return planmodel.PersistedStep{}, false, err
	}
	return step, true, nil
}

// GetEntry implements Store.
func (s *PostgresStore) GetEntry(ctx context.Context, id string) (planmodel.PersistedStep, bool, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, plan_id, step_id, trace_id, step, state, summary, output, attempt, idempotency_key, created_at, updated_at, approvals, subject
		FROM plan_state WHERE id = $1
	`, id)
	step, err := scanPersistedStep(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return planmodel.PersistedStep{}, false, nil
	}
	if err != nil {
		return planmodel.PersistedStep{}, false, err
	}
	return step, true, nil
}

// Clear implements Store.
func (s *PostgresStore) Clear(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, `TRUNCATE plan_state`); err != nil {
		return fmt.Errorf("planstate: truncating plan_state: %w", err)
	}
	if _, err := s.pool.Exec(ctx, `TRUNCATE plan_state_metadata`); err != nil {
		return fmt.Errorf("planstate: truncating plan_state_metadata: %w", err)
	}
	return nil
}

// Close implements Store.
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

// rowScanner abstracts pgx.Row/pgx.Rows so scan helpers work with both.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanPersistedStep(r rowScanner) (planmodel.PersistedStep, error) {
	var (
		row           planmodel.PersistedStep
		stepJSON      []byte
		outputJSON    []byte
		approvalsJSON []byte
		subjectJSON   []byte
		state         string
	)
	err := r.Scan(&row.ID, &row.PlanID, &row.StepID, &row.TraceID, &stepJSON, &state,
		&row.Summary, &outputJSON, &row.Attempt, &row.IdempotencyKey, &row.CreatedAt, &row.UpdatedAt,
		&approvalsJSON, &subjectJSON)
	if err != nil {
		return planmodel.PersistedStep{}, err
	}
	row.State = planmodel.PlanStepState(state)
	if err := json.Unmarshal(stepJSON, &row.Step); err != nil {
		return planmodel.PersistedStep{}, fmt.Errorf("planstate: unmarshaling step: %w", err)
	}
	if len(outputJSON) > 0 {
		if err := json.Unmarshal(outputJSON, &row.Output); err != nil {
			return planmodel.PersistedStep{}, fmt.Errorf("planstate: unmarshaling output: %w", err)
		}
	}
	if len(approvalsJSON) > 0 {
		if err := json.Unmarshal(approvalsJSON, &row.Approvals); err != nil {
			return planmodel.PersistedStep{}, fmt.Errorf("planstate: unmarshaling approvals: %w", err)
		}
	}
	if len(subjectJSON) > 0 {
		if err := json.Unmarshal(subjectJSON, &row.Subject); err != nil {
			return planmodel.PersistedStep{}, fmt.Errorf("planstate: unmarshaling subject: %w", err)
		}
	}
	return row, nil
}

func scanPlanMetadata(r rowScanner) (planmodel.PersistedPlanMetadata, error) {
	var (
		meta      planmodel.PersistedPlanMetadata
		stepsJSON []byte
		ownerJSON []byte
	)
	err := r.Scan(&meta.PlanID, &meta.TraceID, &stepsJSON, &meta.NextStepIndex, &meta.LastCompletedIndex, &ownerJSON, &meta.UpdatedAt)
	if err != nil {
		return planmodel.PersistedPlanMetadata{}, err
	}
	if len(stepsJSON) > 0 {
		if err := json.Unmarshal(stepsJSON, &meta.Steps); err != nil {
			return planmodel.PersistedPlanMetadata{}, fmt.Errorf("planstate: unmarshaling steps: %w", err)
		}
	}
	if len(ownerJSON) > 0 {
		if err := json.Unmarshal(ownerJSON, &meta.Owner); err != nil {
			return planmodel.PersistedPlanMetadata{}, fmt.Errorf("planstate: unmarshaling owner: %w", err)
		}
	}
	return meta, nil
}

func marshalOrNull(v any) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("planstate: marshaling: %w", err)
	}
	return data, nil
}
