package repository

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"booml/internal/evaluation/scoring"
	"booml/pkg/errors"
)

// MemoryStore is an in-process Store for single-node deployments without a
// database. Records are deep-copied on the way in and out.
type MemoryStore struct {
	mu          sync.RWMutex
	submissions map[int64]*Submission
	descriptors map[int64]*ProblemDescriptor
	now         func() time.Time
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		submissions: make(map[int64]*Submission),
		descriptors: make(map[int64]*ProblemDescriptor),
		now:         time.Now,
	}
}

// PutSubmission inserts or replaces a submission. A zero status becomes pending.
func (m *MemoryStore) PutSubmission(sub Submission) {
	if sub.Status == "" {
		sub.Status = StatusPending
	}
	now := m.now()
	if sub.CreatedAt.IsZero() {
		sub.CreatedAt = now
	}
	sub.UpdatedAt = now
	sub.Metrics = copyMetrics(sub.Metrics)
	m.mu.Lock()
	m.submissions[sub.ID] = &sub
	m.mu.Unlock()
}

// PutDescriptor inserts or replaces a problem descriptor.
func (m *MemoryStore) PutDescriptor(d ProblemDescriptor) {
	m.mu.Lock()
	m.descriptors[d.ProblemID] = &d
	m.mu.Unlock()
}

func (m *MemoryStore) GetSubmission(_ context.Context, id int64) (*Submission, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sub, ok := m.submissions[id]
	if !ok {
		return nil, errors.Newf(errors.SubmissionNotFound, "submission %d not found", id)
	}
	out := *sub
	out.Metrics = copyMetrics(sub.Metrics)
	return &out, nil
}

func (m *MemoryStore) GetDescriptor(_ context.Context, problemID int64) (*ProblemDescriptor, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.descriptors[problemID]
	if !ok {
		return nil, errors.Newf(errors.ProblemNotFound, "descriptor for problem %d not found", problemID)
	}
	out := *d
	return &out, nil
}

func (m *MemoryStore) UpdateStatus(_ context.Context, id int64, status Status, metrics map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	sub, ok := m.submissions[id]
	if !ok {
		return errors.Newf(errors.SubmissionNotFound, "submission %d not found", id)
	}
	if !ValidTransition(sub.Status, status) {
		return errors.Newf(errors.InvalidRunState, "submission %d cannot move from %s to %s", id, sub.Status, status)
	}
	sub.Status = status
	if metrics != nil {
		sub.Metrics = copyMetrics(metrics)
	}
	sub.UpdatedAt = m.now()
	return nil
}

func (m *MemoryStore) ListRawMetrics(_ context.Context, problemID int64, metricName string, exclude int64) ([]float64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]int64, 0, len(m.submissions))
	for id := range m.submissions {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	var raws []float64
	for _, id := range ids {
		sub := m.submissions[id]
		if id == exclude || sub.ProblemID != problemID || sub.Status != StatusAccepted {
			continue
		}
		if raw, ok := scoring.ExtractRawMetric(sub.Metrics, metricName); ok {
			raws = append(raws, raw)
		}
	}
	return raws, nil
}

// copyMetrics round-trips through JSON so stored maps never alias callers and
// numbers look the same as they would coming back from the database.
func copyMetrics(in map[string]any) map[string]any {
	if in == nil {
		return map[string]any{}
	}
	data, err := json.Marshal(in)
	if err != nil {
		return map[string]any{}
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return map[string]any{}
	}
	return out
}
