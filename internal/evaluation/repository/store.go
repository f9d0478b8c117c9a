// Package repository persists submissions and problem descriptors and
// caches evaluation status.
package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"booml/internal/common/cache"
	"booml/internal/common/db"
	"booml/internal/evaluation/scoring"
	"booml/pkg/errors"
)

const (
	defaultDescriptorCacheTTL      = 10 * time.Minute
	defaultDescriptorCacheEmptyTTL = time.Minute
	descriptorCacheKeyPrefix       = "descriptor:"
)

// Store is the submission and descriptor catalog.
type Store interface {
	GetSubmission(ctx context.Context, id int64) (*Submission, error)
	GetDescriptor(ctx context.Context, problemID int64) (*ProblemDescriptor, error)
	// UpdateStatus moves a submission to status, rejecting invalid transitions.
	// A nil metrics map leaves the stored metrics untouched.
	UpdateStatus(ctx context.Context, id int64, status Status, metrics map[string]any) error
	// ListRawMetrics returns the raw metric of every accepted submission of
	// the problem except exclude.
	ListRawMetrics(ctx context.Context, problemID int64, metricName string, exclude int64) ([]float64, error)
}

// MySQLStore implements Store on MySQL with descriptors cached in redis.
type MySQLStore struct {
	provider db.Provider
	cache    cache.KV
	ttl      time.Duration
	emptyTTL time.Duration
}

// NewMySQLStore creates a store. cacheClient may be nil.
func NewMySQLStore(provider db.Provider, cacheClient cache.KV) *MySQLStore {
	return &MySQLStore{
		provider: provider,
		cache:    cacheClient,
		ttl:      defaultDescriptorCacheTTL,
		emptyTTL: defaultDescriptorCacheEmptyTTL,
	}
}

const submissionColumns = "id, problem_id, file_path, status, metrics, created_at, updated_at"

const descriptorColumns = "problem_id, id_column, target_column, id_type, target_type, check_order, " +
	"metric_name, metric_code, score_direction, score_ideal, score_reference, score_curve_p, answer_path, test_path"

func (s *MySQLStore) database() (db.Database, error) {
	database, err := db.CurrentDatabase(s.provider)
	if err != nil {
		return nil, errors.Wrap(err, errors.DatabaseError)
	}
	return database, nil
}

// GetSubmission loads a submission by id.
func (s *MySQLStore) GetSubmission(ctx context.Context, id int64) (*Submission, error) {
	database, err := s.database()
	if err != nil {
		return nil, err
	}
	return getSubmission(ctx, database, id, false)
}

func getSubmission(ctx context.Context, q db.Querier, id int64, forUpdate bool) (*Submission, error) {
	query := "SELECT " + submissionColumns + " FROM submissions WHERE id = ? LIMIT 1"
	if forUpdate {
		query += " FOR UPDATE"
	}
	sub := &Submission{}
	var status string
	var metrics []byte
	if err := q.QueryRow(ctx, query, id).Scan(
		&sub.ID,
		&sub.ProblemID,
		&sub.FilePath,
		&status,
		&metrics,
		&sub.CreatedAt,
		&sub.UpdatedAt,
	); err != nil {
		if db.IsNoRows(err) {
			return nil, errors.Newf(errors.SubmissionNotFound, "submission %d not found", id)
		}
		return nil, errors.Wrapf(err, errors.DatabaseError, "load submission %d", id)
	}
	sub.Status = Status(status)
	m, err := decodeMetrics(metrics)
	if err != nil {
		return nil, errors.Wrapf(err, errors.DatabaseError, "decode metrics of submission %d", id)
	}
	sub.Metrics = m
	return sub, nil
}

// GetDescriptor loads the descriptor of a problem through the cache.
func (s *MySQLStore) GetDescriptor(ctx context.Context, problemID int64) (*ProblemDescriptor, error) {
	database, err := s.database()
	if err != nil {
		return nil, err
	}
	desc, err := s.descriptors().Get(ctx, descriptorCacheKey(problemID), func(ctx context.Context) (*ProblemDescriptor, error) {
		return getDescriptor(ctx, database, problemID)
	})
	if err != nil {
		return nil, err
	}
	if desc == nil {
		return nil, errors.Newf(errors.ProblemNotFound, "descriptor for problem %d not found", problemID)
	}
	return desc, nil
}

// InvalidateDescriptor drops the cached descriptor of a problem.
func (s *MySQLStore) InvalidateDescriptor(ctx context.Context, problemID int64) error {
	if s.cache == nil {
		return nil
	}
	return s.cache.Del(ctx, descriptorCacheKey(problemID))
}

func getDescriptor(ctx context.Context, q db.Querier, problemID int64) (*ProblemDescriptor, error) {
	query := "SELECT " + descriptorColumns + " FROM problem_descriptors WHERE problem_id = ? LIMIT 1"
	d := &ProblemDescriptor{}
	var ideal, reference, curveP sql.NullFloat64
	var metricCode, answerPath, testPath sql.NullString
	if err := q.QueryRow(ctx, query, problemID).Scan(
		&d.ProblemID,
		&d.IDColumn,
		&d.TargetColumn,
		&d.IDType,
		&d.TargetType,
		&d.CheckOrder,
		&d.MetricName,
		&metricCode,
		&d.ScoreDirection,
		&ideal,
		&reference,
		&curveP,
		&answerPath,
		&testPath,
	); err != nil {
		if db.IsNoRows(err) {
			return nil, nil
		}
		return nil, errors.Wrapf(err, errors.DatabaseError, "load descriptor of problem %d", problemID)
	}
	d.MetricCode = metricCode.String
	d.AnswerPath = answerPath.String
	d.TestPath = testPath.String
	d.ScoreIdeal = nullFloat(ideal)
	d.ScoreReference = nullFloat(reference)
	d.ScoreCurveP = nullFloat(curveP)
	return d, nil
}

// UpdateStatus applies a status transition inside a transaction.
func (s *MySQLStore) UpdateStatus(ctx context.Context, id int64, status Status, metrics map[string]any) error {
	database, err := s.database()
	if err != nil {
		return err
	}
	var payload []byte
	if metrics != nil {
		if payload, err = json.Marshal(metrics); err != nil {
			return errors.Wrapf(err, errors.InvalidFormat, "encode metrics")
		}
	}
	return database.Transaction(ctx, func(tx db.Transaction) error {
		current, err := getSubmission(ctx, tx, id, true)
		if err != nil {
			return err
		}
		if !ValidTransition(current.Status, status) {
			return errors.Newf(errors.InvalidRunState, "submission %d cannot move from %s to %s", id, current.Status, status)
		}
		if payload == nil {
			_, err = tx.Exec(ctx, "UPDATE submissions SET status = ?, updated_at = NOW() WHERE id = ?", string(status), id)
		} else {
			_, err = tx.Exec(ctx, "UPDATE submissions SET status = ?, metrics = ?, updated_at = NOW() WHERE id = ?", string(status), payload, id)
		}
		if err != nil {
			return errors.Wrapf(err, errors.DatabaseError, "update submission %d", id)
		}
		return nil
	})
}

// ListRawMetrics scans accepted submissions of a problem.
func (s *MySQLStore) ListRawMetrics(ctx context.Context, problemID int64, metricName string, exclude int64) ([]float64, error) {
	database, err := s.database()
	if err != nil {
		return nil, err
	}
	rows, err := database.Query(ctx,
		"SELECT metrics FROM submissions WHERE problem_id = ? AND status = ? AND id <> ?",
		problemID, string(StatusAccepted), exclude)
	if err != nil {
		return nil, errors.Wrapf(err, errors.DatabaseError, "list metrics of problem %d", problemID)
	}
	defer rows.Close()
	var raws []float64
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, errors.Wrapf(err, errors.DatabaseError, "scan metrics")
		}
		m, err := decodeMetrics(payload)
		if err != nil || m == nil {
			continue
		}
		if raw, ok := scoring.ExtractRawMetric(m, metricName); ok {
			raws = append(raws, raw)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrapf(err, errors.DatabaseError, "iterate metrics")
	}
	return raws, nil
}

func decodeMetrics(payload []byte) (map[string]any, error) {
	if len(payload) == 0 || string(payload) == "null" {
		return map[string]any{}, nil
	}
	var m map[string]any
	if err := json.Unmarshal(payload, &m); err != nil {
		return nil, fmt.Errorf("decode metrics: %w", err)
	}
	return m, nil
}

func nullFloat(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	f := v.Float64
	return &f
}

func descriptorCacheKey(problemID int64) string {
	return fmt.Sprintf("%s%d", descriptorCacheKeyPrefix, problemID)
}

func (s *MySQLStore) descriptors() cache.ReadThrough[*ProblemDescriptor] {
	rt := cache.ReadThrough[*ProblemDescriptor]{
		TTL:      s.ttl,
		EmptyTTL: s.emptyTTL,
		IsEmpty:  func(d *ProblemDescriptor) bool { return d == nil },
		Encode:   marshalDescriptor,
		Decode:   unmarshalDescriptor,
	}
	if s.cache != nil {
		rt.Cache = s.cache
	}
	return rt
}

func marshalDescriptor(d *ProblemDescriptor) (string, error) {
	data, err := json.Marshal(d)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func unmarshalDescriptor(data string) (*ProblemDescriptor, error) {
	if data == "" || data == cache.NullCacheValue {
		return nil, nil
	}
	var d ProblemDescriptor
	if err := json.Unmarshal([]byte(data), &d); err != nil {
		return nil, err
	}
	return &d, nil
}
