package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"booml/internal/common/cache"
	"booml/pkg/errors"
)

const statusKeyPrefix = "evaluation:status:"

// StatusRecord is the latest evaluation state of a submission.
type StatusRecord struct {
	SubmissionID int64          `json:"submission_id"`
	ProblemID    int64          `json:"problem_id"`
	Status       Status         `json:"status"`
	Metrics      map[string]any `json:"metrics,omitempty"`
	UpdatedAt    time.Time      `json:"updated_at"`
}

// StatusCache keeps StatusRecords in redis for fast polling.
type StatusCache struct {
	cache cache.KV
	TTL   time.Duration
}

// NewStatusCache creates a status cache.
func NewStatusCache(cacheClient cache.KV, ttl time.Duration) *StatusCache {
	return &StatusCache{cache: cacheClient, TTL: ttl}
}

// Get returns the cached status of a submission.
func (c *StatusCache) Get(ctx context.Context, submissionID int64) (StatusRecord, error) {
	if c == nil || c.cache == nil {
		return StatusRecord{}, errors.New(errors.CacheError).WithMessage("cache client is not initialized")
	}
	val, err := c.cache.Get(ctx, statusKey(submissionID))
	if err != nil {
		return StatusRecord{}, errors.Wrapf(err, errors.CacheError, "load status failed")
	}
	if val == "" {
		return StatusRecord{}, errors.New(errors.NotFound).WithMessage("submission status not found")
	}
	var rec StatusRecord
	if err := json.Unmarshal([]byte(val), &rec); err != nil {
		return StatusRecord{}, errors.Wrapf(err, errors.CacheError, "decode status failed")
	}
	return rec, nil
}

// Save stores a status record.
func (c *StatusCache) Save(ctx context.Context, rec StatusRecord) error {
	if rec.SubmissionID <= 0 {
		return errors.ValidationError("submission_id", "required")
	}
	if c == nil || c.cache == nil {
		return errors.New(errors.CacheError).WithMessage("cache client is not initialized")
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal status failed: %w", err)
	}
	if err := c.cache.Set(ctx, statusKey(rec.SubmissionID), string(data), c.TTL); err != nil {
		return errors.Wrapf(err, errors.CacheError, "store status failed")
	}
	return nil
}

func statusKey(submissionID int64) string {
	return fmt.Sprintf("%s%d", statusKeyPrefix, submissionID)
}
