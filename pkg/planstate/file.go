package planstate

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/planmesh/orchestrator/pkg/planmodel"
)

// fileData is the in-memory working set, indexed for O(1) lookup.
type fileData struct {
	Steps    map[string]planmodel.PersistedStep         // key: plan_id:step_id
	Metadata map[string]planmodel.PersistedPlanMetadata // key: plan_id
}

const fileFormatVersion = 1

// onDiskDocument is the on-disk wire shape: a single versioned document
// holding flat arrays rather than the lookup maps used in memory.
type onDiskDocument struct {
	Version int                               `json:"version"`
	Steps   []planmodel.PersistedStep         `json:"steps"`
	Plans   []planmodel.PersistedPlanMetadata `json:"plans"`
}

// FileStore is the local-file Store backend: the whole state set lives in
// one JSON file, loaded once lazily and persisted atomically via
// write-to-temp-then-rename. All mutations are serialized by a single
// mutex so concurrent writers cannot interleave.
type FileStore struct {
	path        string
	retentionMs int64
	mu          sync.Mutex
	loaded      bool
	data        fileData
}

// NewFileStore creates a FileStore backed by path. retentionMs <= 0 disables
// opportunistic retention purging.
func NewFileStore(path string, retentionMs int64) *FileStore {
	return &FileStore{path: path, retentionMs: retentionMs}
}

func (s *FileStore) ensureLoadedLocked() error {
	if s.loaded {
		return nil
	}
	s.data = fileData{
		Steps:    make(map[string]planmodel.PersistedStep),
		Metadata: make(map[string]planmodel.PersistedPlanMetadata),
	}

	raw, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		s.loaded = true
		return nil
	}
	if err != nil {
		return fmt.Errorf("planstate: reading state file: %w", err)
	}
	if len(raw) > 0 {
		var doc onDiskDocument
		if err := json.Unmarshal(raw, &doc); err != nil {
			return fmt.Errorf("planstate: parsing state file: %w", err)
		}
		for _, row := range doc.Steps {
			s.data.Steps[stepKey(row.PlanID, row.StepID)] = row
		}
		for _, meta := range doc.Plans {
			s.data.Metadata[meta.PlanID] = meta
		}
	}
	s.loaded = true
	return nil
}

// saveLocked persists the in-memory state atomically: write to a temp file
// in the same directory, then rename over the target.
func (s *FileStore) saveLocked() error {
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("planstate: creating state directory: %w", err)
	}

	doc := onDiskDocument{
		Version: fileFormatVersion,
		Steps:   make([]planmodel.PersistedStep, 0, len(s.data.Steps)),
		Plans:   make([]planmodel.PersistedPlanMetadata, 0, len(s.data.Metadata)),
	}
	for _, row := range s.data.Steps {
		doc.Steps = append(doc.Steps, row)
	}
	for _, meta := range s.data.Metadata {
		doc.Plans = append(doc.Plans, meta)
	}

	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("planstate: marshaling state: %w", err)
	}

	tmp := fmt.Sprintf("%s.%d.tmp", s.path, os.Getpid())
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("planstate: writing temp state file: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("planstate: renaming state file: %w", err)
	}
	return nil
}

func stepKey(planID, stepID string) string { return planID + ":" + stepID }

func (s *FileStore) purgeExpiredLocked() {
	if s.retentionMs <= 0 {
		return
	}
	cutoff := time.Now().Add(-time.Duration(s.retentionMs) * time.Millisecond)
	for k, v := range s.data.Steps {
		if v.UpdatedAt.Before(cutoff) {
			delete(s.data.Steps, k)
		}
	}
	for k, v := range s.data.Metadata {
		if v.UpdatedAt.Before(cutoff) {
			delete(s.data.Metadata, k)
		}
	}
}

// RememberStep implements Store.
func (s *FileStore) RememberStep(_ context.Context, planID string, step planmodel.PlanStep, traceID string, opts RememberStepOptions) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureLoadedLocked(); err != nil {
		return err
	}

	createdAt := opts.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	row := planmodel.PersistedStep{
		ID:             stepKey(planID, step.ID),
		PlanID:         planID,
		StepID:         step.ID,
		TraceID:        traceID,
		Step:           step.Clone(),
		State:          opts.InitialState,
		IdempotencyKey: opts.IdempotencyKey,
		Attempt:        opts.Attempt,
		CreatedAt:      createdAt,
		UpdatedAt:      time.Now(),
		Subject:        opts.Subject.Clone(),
	}
	if opts.Approvals != nil {
		row.Approvals = make(map[string]bool, len(opts.Approvals))
		for k, v := range opts.Approvals {
			row.Approvals[k] = v
		}
	}

	s.data.Steps[stepKey(planID, step.ID)] = row
	s.purgeExpiredLocked()
	return s.saveLocked()
}

// SetState implements Store.
func (s *FileStore) SetState(_ context.Context, planID, stepID string, state planmodel.PlanStepState, summary string, output map[string]any, attempt int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureLoadedLocked(); err != nil {
		return err
	}

	key := stepKey(planID, stepID)
	if state.Terminal() {
		delete(s.data.Steps, key)
		s.purgeExpiredLocked()
		return s.saveLocked()
	}

	row, ok := s.data.Steps[key]
	if !ok {
		return ErrNotFound
	}
	row.State = state
	row.Summary = summary
	if output != nil {
		cloned := make(map[string]any, len(output))
		for k, v := range output {
			cloned[k] = v
		}
		row.Output = cloned
	} else {
		row.Output = nil
	}
	row.Attempt = attempt
	row.UpdatedAt = time.Now()
	s.data.Steps[key] = row
	s.purgeExpiredLocked()
	return s.saveLocked()
}

// RecordApproval implements Store.
func (s *FileStore) RecordApproval(_ context.Context, planID, stepID, capability string, granted bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureLoadedLocked(); err != nil {
		return err
	}

	key := stepKey(planID, stepID)
	row, ok := s.data.Steps[key]
	if !ok {
		return ErrNotFound
	}
	if row.Approvals == nil {
		row.Approvals = make(map[string]bool)
	}
	row.Approvals[capability] = granted
	row.UpdatedAt = time.Now()
	s.data.Steps[key] = row
	return s.saveLocked()
}

// ForgetStep implements Store.
func (s *FileStore) ForgetStep(_ context.Context, planID, stepID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureLoadedLocked(); err != nil {
		return err
	}
	delete(s.data.Steps, stepKey(planID, stepID))
	return s.saveLocked()
}

// RememberPlanMetadata implements Store.
func (s *FileStore) RememberPlanMetadata(_ context.Context, meta planmodel.PersistedPlanMetadata) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureLoadedLocked(); err != nil {
		return err
	}
	meta = meta.Clone()
	meta.UpdatedAt = time.Now()
	s.data.Metadata[meta.PlanID] = meta
	s.purgeExpiredLocked()
	return s.saveLocked()
}

// GetPlanMetadata implements Store.
func (s *FileStore) GetPlanMetadata(_ context.Context, planID string) (planmodel.PersistedPlanMetadata, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureLoadedLocked(); err != nil {
		return planmodel.PersistedPlanMetadata{}, false, err
	}
	meta, ok := s.data.Metadata[planID]
	if !ok {
		return planmodel.PersistedPlanMetadata{}, false, nil
	}
	return meta.Clone(), true, nil
}

// ListPlanMetadata implements Store.
func (s *FileStore) ListPlanMetadata(_ context.Context) ([]planmodel.PersistedPlanMetadata, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureLoadedLocked(); err != nil {
		return nil, err
	}
	out := make([]planmodel.PersistedPlanMetadata, 0, len(s.data.Metadata))
	for _, m := range s.data.Metadata {
		out = append(out, m.Clone())
	}
	return out, nil
}

// ForgetPlanMetadata implements Store.
func (s *FileStore) ForgetPlanMetadata(_ context.Context, planID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureLoadedLocked(); err != nil {
		return err
	}
	delete(s.data.Metadata, planID)
	return s.saveLocked()
}

// ListActiveSteps implements Store.
func (s *FileStore) ListActiveSteps(_ context.Context) ([]planmodel.PersistedStep, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureLoadedLocked(); err != nil {
		return nil, err
	}
	out := make([]planmodel.PersistedStep, 0, len(s.data.Steps))
	for _, v := range s.data.Steps {
		if !v.State.Terminal() {
			out = append(out, v.Clone())
		}
	}
	return out, nil
}

// GetStep implements Store.
func (s *FileStore) GetStep(_ context.Context, planID, stepID string) (planmodel.PersistedStep, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureLoadedLocked(); err != nil {
		return planmodel.PersistedStep{}, false, err
	}
	row, ok := s.data.Steps[stepKey(planID, stepID)]
	if !ok {
		return planmodel.PersistedStep{}, false, nil
	}
	return row.Clone(), true, nil
}

// GetEntry implements Store.
func (s *FileStore) GetEntry(_ context.Context, id string) (planmodel.PersistedStep, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureLoadedLocked(); err != nil {
		return planmodel.PersistedStep{}, false, err
	}
	for _, v := range s.data.Steps {
		if v.ID == id {
			return v.Clone(), true, nil
		}
	}
	return planmodel.PersistedStep{}, false, nil
}

// Clear implements Store.
func (s *FileStore) Clear(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data = fileData{
		Steps:    make(map[string]planmodel.PersistedStep),
		Metadata: make(map[string]planmodel.PersistedPlanMetadata),
	}
	s.loaded = true
	return s.saveLocked()
}

// Close implements Store; the file backend holds no live resources.
func (s *FileStore) Close() error { return nil }
