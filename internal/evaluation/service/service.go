// Package service runs submission evaluations: it moves a submission
// through its statuses, scores it and announces every change.
package service

import (
	"context"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"booml/internal/common/cache"
	"booml/internal/common/mq"
	"booml/internal/common/storage"
	"booml/internal/evaluation/checker"
	"booml/internal/evaluation/fanout"
	"booml/internal/evaluation/repository"
	"booml/internal/evaluation/scoring"
	"booml/pkg/errors"
	"booml/pkg/utils/contextkey"
	"booml/pkg/utils/logger"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

const (
	lockKeyPrefix         = "evaluation:lock:"
	defaultLockTTL        = 10 * time.Minute
	defaultStatusTimeout  = 3 * time.Second
	defaultMaxObjectBytes = 512 << 20
	referenceIdealEpsilon = 1e-12

	defaultInlineConcurrency = 2
)

// Service evaluates submissions.
type Service struct {
	store          repository.Store
	checker        *checker.Checker
	publisher      fanout.Publisher
	statusCache    *repository.StatusCache
	locker         cache.LockOps
	storage        storage.ObjectStorage
	producer       mq.Producer
	topic          string
	workRoot       string
	evalTimeout    time.Duration
	statusTimeout  time.Duration
	lockTTL        time.Duration
	maxObjectBytes int64

	inline   *semaphore.Weighted
	inlineWG sync.WaitGroup
}

// Config holds service dependencies and settings.
type Config struct {
	Store   repository.Store
	Checker *checker.Checker

	// Optional collaborators.
	Publisher   fanout.Publisher
	StatusCache *repository.StatusCache
	Locker      cache.LockOps
	Storage     storage.ObjectStorage

	// Producer receives Enqueue requests on Topic. Without one, Enqueue
	// evaluates in-process with at most InlineConcurrency at a time.
	Producer          mq.Producer
	Topic             string
	InlineConcurrency int

	// WorkRoot holds per-evaluation scratch directories. Defaults to os.TempDir().
	WorkRoot       string
	EvalTimeout    time.Duration
	StatusTimeout  time.Duration
	LockTTL        time.Duration
	MaxObjectBytes int64
}

// Outcome is the final state of one evaluation.
type Outcome struct {
	SubmissionID int64
	ProblemID    int64
	Status       repository.Status
	Metrics      map[string]any
}

// NewService creates an evaluation service.
func NewService(cfg Config) (*Service, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("submission store is required")
	}
	if cfg.Checker == nil {
		return nil, fmt.Errorf("checker is required")
	}
	s := &Service{
		store:          cfg.Store,
		checker:        cfg.Checker,
		publisher:      fanout.Or(cfg.Publisher),
		statusCache:    cfg.StatusCache,
		locker:         cfg.Locker,
		storage:        cfg.Storage,
		producer:       cfg.Producer,
		topic:          cfg.Topic,
		workRoot:       cfg.WorkRoot,
		evalTimeout:    cfg.EvalTimeout,
		statusTimeout:  cfg.StatusTimeout,
		lockTTL:        cfg.LockTTL,
		maxObjectBytes: cfg.MaxObjectBytes,
	}
	if cfg.InlineConcurrency <= 0 {
		cfg.InlineConcurrency = defaultInlineConcurrency
	}
	s.inline = semaphore.NewWeighted(int64(cfg.InlineConcurrency))
	if s.topic == "" {
		s.topic = DefaultTopic
	}
	if s.workRoot == "" {
		s.workRoot = os.TempDir()
	}
	if s.statusTimeout <= 0 {
		s.statusTimeout = defaultStatusTimeout
	}
	if s.lockTTL <= 0 {
		s.lockTTL = defaultLockTTL
	}
	if s.maxObjectBytes <= 0 {
		s.maxObjectBytes = defaultMaxObjectBytes
	}
	return s, nil
}

// Evaluate checks and scores one submission. Checker failures end the
// submission in a failed state and are not returned; the returned error
// reports only problems reaching the submission itself.
func (s *Service) Evaluate(ctx context.Context, submissionID int64) (*Outcome, error) {
	if submissionID <= 0 {
		return nil, errors.ValidationError("submission_id", "must be positive")
	}
	ctx = contextkey.With(ctx, contextkey.SubmissionID, strconv.FormatInt(submissionID, 10))
	if s.locker != nil {
		key := lockKeyPrefix + strconv.FormatInt(submissionID, 10)
		ok, err := s.locker.TryLock(ctx, key, s.lockTTL)
		if err != nil {
			return nil, errors.Wrapf(err, errors.CacheError, "acquire evaluation lock failed")
		}
		if !ok {
			return nil, errors.Newf(errors.LockFailed, "submission %d is already being evaluated", submissionID)
		}
		defer func() {
			if err := s.locker.Unlock(context.WithoutCancel(ctx), key); err != nil {
				logger.Warn(ctx, "release evaluation lock failed", zap.Int64("submission_id", submissionID), zap.Error(err))
			}
		}()
	}

	sub, err := s.store.GetSubmission(ctx, submissionID)
	if err != nil {
		return nil, err
	}
	if err := s.transition(ctx, sub, repository.StatusRunning, nil); err != nil {
		return nil, err
	}
	logger.Info(ctx, "evaluation started", zap.Int64("submission_id", sub.ID), zap.Int64("problem_id", sub.ProblemID))

	evalCtx := ctx
	if s.evalTimeout > 0 {
		var cancel context.CancelFunc
		evalCtx, cancel = context.WithTimeout(ctx, s.evalTimeout)
		defer cancel()
	}
	metrics, err := s.score(evalCtx, sub)
	if err != nil {
		return s.fail(ctx, sub, err)
	}
	if err := s.transition(ctx, sub, repository.StatusAccepted, metrics); err != nil {
		return nil, err
	}

	score, _ := scoring.ToFloat(metrics["score_100"])
	name, _ := metrics["raw_metric_name"].(string)
	s.publisher.Publish(ctx, fanout.SubmissionGroup(sub.ID), fanout.MetricEvent(sub.ID, name, score))
	logger.Info(ctx, "evaluation accepted",
		zap.Int64("submission_id", sub.ID),
		zap.String("metric", name),
		zap.Float64("score_100", score),
	)
	return &Outcome{SubmissionID: sub.ID, ProblemID: sub.ProblemID, Status: repository.StatusAccepted, Metrics: metrics}, nil
}

func (s *Service) score(ctx context.Context, sub *repository.Submission) (map[string]any, error) {
	desc, err := s.store.GetDescriptor(ctx, sub.ProblemID)
	if err != nil {
		return nil, err
	}
	truthRef, err := desc.GroundTruthPath()
	if err != nil {
		return nil, err
	}

	scratch, err := os.MkdirTemp(s.workRoot, fmt.Sprintf("eval-%d-", sub.ID))
	if err != nil {
		return nil, errors.Wrapf(err, errors.InternalServerError, "create evaluation workspace failed")
	}
	defer func() {
		if err := os.RemoveAll(scratch); err != nil {
			logger.Warn(ctx, "remove evaluation workspace failed", zap.String("path", scratch), zap.Error(err))
		}
	}()

	truthPath, err := s.localize(ctx, truthRef, filepath.Join(scratch, "truth"), errors.GroundTruthMissing)
	if err != nil {
		return nil, err
	}
	submissionPath, err := s.localize(ctx, sub.FilePath, filepath.Join(scratch, "submission"), errors.SubmissionNotFound)
	if err != nil {
		return nil, err
	}

	res, err := s.checker.Check(ctx, submissionPath, truthPath, checker.Config{
		IDColumn:     desc.IDColumn,
		TargetColumn: desc.TargetColumn,
		TargetType:   desc.TargetType,
		CheckOrder:   desc.CheckOrder,
		MetricName:   desc.MetricName,
		MetricCode:   desc.MetricCode,
	})
	if err != nil {
		return nil, err
	}
	return s.buildMetrics(ctx, sub, desc, res), nil
}

// localize returns a local path for ref, downloading object-store references
// into dir. Local paths must exist.
func (s *Service) localize(ctx context.Context, ref, dir string, missing errors.ErrorCode) (string, error) {
	if ref == "" {
		return "", errors.New(missing)
	}
	if storage.IsObjectURI(ref) {
		path, err := storage.Fetch(ctx, s.storage, ref, dir, s.maxObjectBytes)
		if err != nil {
			return "", errors.Wrapf(err, missing, "fetch %s failed", ref)
		}
		return path, nil
	}
	if _, err := os.Stat(ref); err != nil {
		return "", errors.Wrapf(err, missing, "%s is not readable", filepath.Base(ref))
	}
	return ref, nil
}

func (s *Service) buildMetrics(ctx context.Context, sub *repository.Submission, desc *repository.ProblemDescriptor, res *checker.Result) map[string]any {
	spec := scoring.ResolveSpec(res.MetricName, desc.ScoreDirection, desc.ScoreIdeal)
	raw := res.Score

	reference := desc.ScoreReference
	var curveP *float64
	if reference != nil && math.Abs(*reference-spec.Ideal) > referenceIdealEpsilon {
		if desc.ScoreCurveP != nil {
			p := *desc.ScoreCurveP
			curveP = &p
		} else {
			p := s.inferCurveP(ctx, sub, res.MetricName, spec, *reference)
			curveP = &p
		}
	}
	scoreRef := reference
	if curveP == nil {
		scoreRef = nil
	}
	score, mode := scoring.ScoreFromRaw(raw, spec, scoreRef, curveP)

	metrics := make(map[string]any, len(res.Metrics)+10)
	for k, v := range res.Metrics {
		metrics[k] = v
	}
	metrics[res.MetricName] = raw
	metrics["raw_metric"] = raw
	metrics["raw_metric_name"] = res.MetricName
	metrics["score_100"] = score
	metrics["metric_score"] = score
	metrics["score"] = score
	metrics["metric"] = score
	metrics["score_mode"] = string(mode)
	if curveP != nil {
		metrics["curve_p"] = *curveP
	}
	if reference != nil {
		metrics["reference_metric"] = *reference
	}
	return metrics
}

func (s *Service) inferCurveP(ctx context.Context, sub *repository.Submission, metricName string, spec scoring.Spec, reference float64) float64 {
	raws, err := s.store.ListRawMetrics(ctx, sub.ProblemID, metricName, sub.ID)
	if err != nil {
		logger.Warn(ctx, "list prior metrics failed, using default curve",
			zap.Int64("problem_id", sub.ProblemID), zap.Error(err))
		raws = nil
	}
	return scoring.InferCurveP(raws, spec, reference, scoring.DefaultCurveP(spec.Direction))
}

// fail records err on the submission. Structural problems with the
// submission file end in validation_error, everything else in failed.
func (s *Service) fail(ctx context.Context, sub *repository.Submission, cause error) (*Outcome, error) {
	status := repository.StatusFailed
	if errors.KindOf(cause) == "validation_error" {
		status = repository.StatusValidationError
	}
	metrics := map[string]any{"error": errorText(cause)}
	if kind := errors.KindOf(cause); kind != "" {
		metrics["error_kind"] = kind
	}
	logger.Warn(ctx, "evaluation failed",
		zap.Int64("submission_id", sub.ID),
		zap.String("status", string(status)),
		zap.Error(cause),
	)
	if err := s.transition(ctx, sub, status, metrics); err != nil {
		return nil, err
	}
	return &Outcome{SubmissionID: sub.ID, ProblemID: sub.ProblemID, Status: status, Metrics: metrics}, nil
}

// transition persists status, refreshes the status cache and notifies the
// problem group.
func (s *Service) transition(ctx context.Context, sub *repository.Submission, status repository.Status, metrics map[string]any) error {
	if err := s.store.UpdateStatus(ctx, sub.ID, status, metrics); err != nil {
		return err
	}
	sub.Status = status
	if metrics != nil {
		sub.Metrics = metrics
	}
	if s.statusCache != nil {
		cacheCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.statusTimeout)
		err := s.statusCache.Save(cacheCtx, repository.StatusRecord{
			SubmissionID: sub.ID,
			ProblemID:    sub.ProblemID,
			Status:       status,
			Metrics:      metrics,
			UpdatedAt:    time.Now(),
		})
		cancel()
		if err != nil {
			logger.Warn(ctx, "cache evaluation status failed", zap.Int64("submission_id", sub.ID), zap.Error(err))
		}
	}
	s.publisher.Publish(ctx, fanout.ProblemGroup(sub.ProblemID), fanout.UpdateEvent(sub.ID, string(status), metrics))
	return nil
}

func errorText(err error) string {
	e := errors.GetError(err)
	if e == nil {
		return ""
	}
	if e.Err != nil && e.Message != e.Err.Error() {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Error()
}
