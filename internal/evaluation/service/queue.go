package service

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"strconv"

	"booml/internal/common/mq"
	"booml/pkg/errors"
	"booml/pkg/utils/logger"

	"go.uber.org/zap"
)

// DefaultTopic carries evaluation jobs.
const DefaultTopic = "evaluation.submissions"

// Job is the queued payload.
type Job struct {
	SubmissionID int64 `json:"submission_id"`
}

// Enqueue hands a submission to the evaluation queue, or evaluates it in a
// background goroutine when no queue is configured.
func (s *Service) Enqueue(ctx context.Context, submissionID int64) error {
	if submissionID <= 0 {
		return errors.ValidationError("submission_id", "must be positive")
	}
	if s.producer == nil {
		return s.evaluateInline(ctx, submissionID)
	}
	body, err := json.Marshal(Job{SubmissionID: submissionID})
	if err != nil {
		return errors.Wrapf(err, errors.InternalServerError, "encode evaluation job failed")
	}
	msg := mq.NewMessage(strconv.FormatInt(submissionID, 10), body)
	if err := s.producer.Publish(ctx, s.topic, msg); err != nil {
		if stderrors.Is(err, mq.ErrQueueFull) {
			return errors.New(errors.EvaluationQueueFull)
		}
		return errors.Wrapf(err, errors.ServiceUnavailable, "enqueue evaluation failed")
	}
	logger.Info(ctx, "evaluation enqueued", zap.Int64("submission_id", submissionID), zap.String("message_id", msg.ID))
	return nil
}

// evaluateInline never blocks the caller: a full semaphore is reported as a
// full queue.
func (s *Service) evaluateInline(ctx context.Context, submissionID int64) error {
	if !s.inline.TryAcquire(1) {
		return errors.New(errors.EvaluationQueueFull)
	}
	s.inlineWG.Add(1)
	ctx = context.WithoutCancel(ctx)
	go func() {
		defer s.inlineWG.Done()
		defer s.inline.Release(1)
		outcome, err := s.Evaluate(ctx, submissionID)
		if err != nil {
			logger.Error(ctx, "inline evaluation aborted", zap.Int64("submission_id", submissionID), zap.Error(err))
			return
		}
		logger.Debug(ctx, "inline evaluation finished", zap.Int64("submission_id", submissionID), zap.String("status", string(outcome.Status)))
	}()
	logger.Info(ctx, "evaluation started inline", zap.Int64("submission_id", submissionID))
	return nil
}

// Wait blocks until inline evaluations started by Enqueue have finished.
func (s *Service) Wait() {
	s.inlineWG.Wait()
}

// HandleMessage is the queue entry point. It never asks for redelivery:
// malformed jobs and failed evaluations are logged and acknowledged.
func (s *Service) HandleMessage(ctx context.Context, msg *mq.Message) error {
	if msg == nil {
		return nil
	}
	var job Job
	if err := json.Unmarshal(msg.Body, &job); err != nil || job.SubmissionID <= 0 {
		logger.Error(ctx, "discarding malformed evaluation job", zap.String("message_id", msg.ID), zap.ByteString("body", msg.Body), zap.Error(err))
		return nil
	}
	outcome, err := s.Evaluate(ctx, job.SubmissionID)
	if err != nil {
		logger.Error(ctx, "evaluation aborted", zap.Int64("submission_id", job.SubmissionID), zap.Error(err))
		return nil
	}
	logger.Debug(ctx, "evaluation finished", zap.Int64("submission_id", outcome.SubmissionID), zap.String("status", string(outcome.Status)))
	return nil
}

// DefaultConsumerGroup is used when Subscribe gets no group.
const DefaultConsumerGroup = "booml-evaluation"

// Subscribe registers HandleMessage on consumer with concurrency workers
// and no retries.
func (s *Service) Subscribe(ctx context.Context, consumer mq.Consumer, group string, concurrency int) error {
	if group == "" {
		group = DefaultConsumerGroup
	}
	return consumer.Subscribe(ctx, s.topic, s.HandleMessage, &mq.SubscribeOptions{
		ConsumerGroup: group,
		Concurrency:   concurrency,
		MaxRetries:    0,
	})
}
