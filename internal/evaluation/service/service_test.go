package service_test

import (
	"context"
	"math"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"booml/internal/common/cache"
	"booml/internal/common/mq"
	"booml/internal/common/storage"
	"booml/internal/evaluation/checker"
	"booml/internal/evaluation/fanout"
	"booml/internal/evaluation/repository"
	"booml/internal/evaluation/service"
	"booml/pkg/errors"

	"github.com/alicebob/miniredis/v2"
	"github.com/klauspost/compress/zstd"
	"github.com/redis/go-redis/v9"
)

type published struct {
	group string
	event fanout.Event
}

type recorder struct {
	mu     sync.Mutex
	events []published
}

func (r *recorder) Publish(_ context.Context, group string, event fanout.Event) {
	r.mu.Lock()
	r.events = append(r.events, published{group: group, event: event})
	r.mu.Unlock()
}

func (r *recorder) snapshot() []published {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]published(nil), r.events...)
}

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return p
}

func ptr(v float64) *float64 { return &v }

type fixture struct {
	store *repository.MemoryStore
	pub   *recorder
	dir   string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	return &fixture{store: repository.NewMemoryStore(), pub: &recorder{}, dir: t.TempDir()}
}

func (f *fixture) service(t *testing.T, mutate func(*service.Config)) *service.Service {
	t.Helper()
	cfg := service.Config{
		Store:     f.store,
		Checker:   checker.New(nil),
		Publisher: f.pub,
		WorkRoot:  f.dir,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	svc, err := service.NewService(cfg)
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	return svc
}

func TestNewServiceRequiresStoreAndChecker(t *testing.T) {
	if _, err := service.NewService(service.Config{Checker: checker.New(nil)}); err == nil {
		t.Fatalf("expected error without store")
	}
	if _, err := service.NewService(service.Config{Store: repository.NewMemoryStore()}); err == nil {
		t.Fatalf("expected error without checker")
	}
}

func TestEvaluateRegressionLinearScore(t *testing.T) {
	f := newFixture(t)
	truth := writeFile(t, f.dir, "truth.csv", "id,y\n1,1\n2,2\n3,3\n4,4\n")
	sub := writeFile(t, f.dir, "sub.csv", "id,y\n1,1\n2,2\n3,3\n4,5\n")
	f.store.PutDescriptor(repository.ProblemDescriptor{
		ProblemID: 7, IDColumn: "id", TargetColumn: "y", TargetType: "float", MetricName: "rmse", AnswerPath: truth,
	})
	f.store.PutSubmission(repository.Submission{ID: 1, ProblemID: 7, FilePath: sub})

	out, err := f.service(t, nil).Evaluate(context.Background(), 1)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if out.Status != repository.StatusAccepted {
		t.Fatalf("expected accepted, got %s (%v)", out.Status, out.Metrics)
	}
	m := out.Metrics
	if m["raw_metric"] != 0.5 || m["rmse"] != 0.5 || m["raw_metric_name"] != "rmse" {
		t.Fatalf("unexpected raw metric fields: %v", m)
	}
	for _, key := range []string{"score_100", "metric_score", "score", "metric"} {
		if m[key] != 50.0 {
			t.Fatalf("%s = %v, want 50", key, m[key])
		}
	}
	if m["score_mode"] != "linear" {
		t.Fatalf("expected linear mode, got %v", m["score_mode"])
	}
	if _, ok := m["curve_p"]; ok {
		t.Fatalf("linear score must not carry curve_p")
	}

	stored, _ := f.store.GetSubmission(context.Background(), 1)
	if stored.Status != repository.StatusAccepted || stored.Metrics["score_100"] != 50.0 {
		t.Fatalf("store not updated: %+v", stored)
	}

	events := f.pub.snapshot()
	if len(events) != 3 {
		t.Fatalf("expected 3 events, got %+v", events)
	}
	if events[0].group != "problem_submissions_7" || events[0].event.Status != "running" {
		t.Fatalf("first event must announce running: %+v", events[0])
	}
	if events[1].group != "problem_submissions_7" || events[1].event.Status != "accepted" {
		t.Fatalf("second event must announce accepted: %+v", events[1])
	}
	metric := events[2]
	if metric.group != "submission_1" || metric.event.Type != fanout.TypeSubmissionMetric ||
		metric.event.MetricName != "rmse" || *metric.event.MetricScore != 50 {
		t.Fatalf("unexpected metric event: %+v", metric)
	}
}

func TestEvaluateInfersCurveFromPriorSubmissions(t *testing.T) {
	f := newFixture(t)
	truth := writeFile(t, f.dir, "truth.csv", "id,label\n1,a\n2,b\n3,a\n4,b\n")
	sub := writeFile(t, f.dir, "sub.csv", "id,label\n1,a\n2,b\n3,a\n4,a\n")
	f.store.PutDescriptor(repository.ProblemDescriptor{
		ProblemID: 3, IDColumn: "id", TargetColumn: "label", TargetType: "str",
		MetricName: "accuracy", ScoreReference: ptr(0.5), AnswerPath: truth,
	})
	for i, raw := range []float64{0.6, 0.7, 0.8, 0.9} {
		f.store.PutSubmission(repository.Submission{
			ID: int64(100 + i), ProblemID: 3, Status: repository.StatusAccepted,
			Metrics: map[string]any{"raw_metric": raw},
		})
	}
	f.store.PutSubmission(repository.Submission{ID: 9, ProblemID: 3, FilePath: sub})

	out, err := f.service(t, nil).Evaluate(context.Background(), 9)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	wantP := math.Log(0.3) / math.Log(0.4)
	gotP, _ := out.Metrics["curve_p"].(float64)
	if math.Abs(gotP-wantP) > 1e-9 {
		t.Fatalf("curve_p = %v, want %v", gotP, wantP)
	}
	wantScore := 100 * (1 - math.Pow(0.5, wantP))
	if got := out.Metrics["score_100"].(float64); math.Abs(got-wantScore) > 1e-9 {
		t.Fatalf("score_100 = %v, want %v", got, wantScore)
	}
	if out.Metrics["score_mode"] != "nonlinear" || out.Metrics["reference_metric"] != 0.5 || out.Metrics["accuracy"] != 0.75 {
		t.Fatalf("unexpected metrics %v", out.Metrics)
	}
}

func TestEvaluateStoredCurveWins(t *testing.T) {
	f := newFixture(t)
	truth := writeFile(t, f.dir, "truth.csv", "id,label\n1,a\n2,b\n")
	sub := writeFile(t, f.dir, "sub.csv", "id,label\n1,a\n2,a\n")
	f.store.PutDescriptor(repository.ProblemDescriptor{
		ProblemID: 3, IDColumn: "id", TargetColumn: "label", TargetType: "str",
		MetricName: "accuracy", ScoreReference: ptr(0), ScoreCurveP: ptr(2), AnswerPath: truth,
	})
	f.store.PutSubmission(repository.Submission{ID: 1, ProblemID: 3, FilePath: sub})
	out, err := f.service(t, nil).Evaluate(context.Background(), 1)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if out.Metrics["curve_p"] != 2.0 || out.Metrics["score_100"] != 75.0 {
		t.Fatalf("unexpected metrics %v", out.Metrics)
	}
}

func TestEvaluateFailures(t *testing.T) {
	cases := []struct {
		name       string
		submission string
		answer     bool
		wantStatus repository.Status
	}{
		{"missing target column", "id,other\n1,1\n", true, repository.StatusValidationError},
		{"disjoint ids", "id,y\n99,1\n", true, repository.StatusFailed},
		{"no ground truth", "id,y\n1,1\n", false, repository.StatusFailed},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t)
			desc := repository.ProblemDescriptor{ProblemID: 2, IDColumn: "id", TargetColumn: "y", TargetType: "float", MetricName: "rmse"}
			if tc.answer {
				desc.AnswerPath = writeFile(t, f.dir, "truth.csv", "id,y\n1,1\n2,2\n")
			}
			f.store.PutDescriptor(desc)
			f.store.PutSubmission(repository.Submission{ID: 5, ProblemID: 2, FilePath: writeFile(t, f.dir, "sub.csv", tc.submission)})

			out, err := f.service(t, nil).Evaluate(context.Background(), 5)
			if err != nil {
				t.Fatalf("evaluate returned %v", err)
			}
			if out.Status != tc.wantStatus {
				t.Fatalf("status = %s, want %s (%v)", out.Status, tc.wantStatus, out.Metrics)
			}
			if msg, _ := out.Metrics["error"].(string); msg == "" {
				t.Fatalf("expected metrics.error, got %v", out.Metrics)
			}
			events := f.pub.snapshot()
			last := events[len(events)-1]
			if last.group != "problem_submissions_2" || last.event.Status != string(tc.wantStatus) {
				t.Fatalf("failure not published: %+v", events)
			}
			for _, ev := range events {
				if ev.event.Type == fanout.TypeSubmissionMetric {
					t.Fatalf("failed evaluation must not publish a metric")
				}
			}
		})
	}
}

func TestEvaluateUnknownSubmission(t *testing.T) {
	f := newFixture(t)
	_, err := f.service(t, nil).Evaluate(context.Background(), 404)
	if !errors.Is(err, errors.SubmissionNotFound) {
		t.Fatalf("expected SubmissionNotFound, got %v", err)
	}
	if len(f.pub.snapshot()) != 0 {
		t.Fatalf("nothing should be published for a missing submission")
	}
	if _, err := f.service(t, nil).Evaluate(context.Background(), 0); !errors.Is(err, errors.ValidationFailed) {
		t.Fatalf("expected validation error for id 0, got %v", err)
	}
}

func TestEvaluateFetchesCompressedObjects(t *testing.T) {
	f := newFixture(t)
	objects := t.TempDir()
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		t.Fatalf("zstd: %v", err)
	}
	writeFile(t, objects, "answers/p4/answer.csv.zst", string(enc.EncodeAll([]byte("id,y\n1,0\n2,1\n"), nil)))
	_ = enc.Close()
	writeFile(t, objects, "submissions/s1.csv", "id,y\n1,0\n2,1\n")

	f.store.PutDescriptor(repository.ProblemDescriptor{
		ProblemID: 4, IDColumn: "id", TargetColumn: "y", TargetType: "int", MetricName: "accuracy",
		AnswerPath: "s3://answers/p4/answer.csv.zst",
	})
	f.store.PutSubmission(repository.Submission{ID: 1, ProblemID: 4, FilePath: "s3://submissions/s1.csv"})

	svc := f.service(t, func(c *service.Config) { c.Storage = storage.NewDirStorage(objects) })
	out, err := svc.Evaluate(context.Background(), 1)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if out.Status != repository.StatusAccepted || out.Metrics["score_100"] != 100.0 {
		t.Fatalf("unexpected outcome %+v", out)
	}
	left, _ := os.ReadDir(f.dir)
	for _, e := range left {
		if e.IsDir() {
			t.Fatalf("scratch directory %s not removed", e.Name())
		}
	}
}

func newRedisCache(t *testing.T) (*miniredis.Miniredis, cache.Cache) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	rc, err := cache.NewRedisCacheWithClient(client)
	if err != nil {
		t.Fatalf("cache: %v", err)
	}
	return mr, rc
}

func TestEvaluateLockAndStatusCache(t *testing.T) {
	f := newFixture(t)
	mr, rc := newRedisCache(t)
	truth := writeFile(t, f.dir, "truth.csv", "id,y\n1,1\n")
	f.store.PutDescriptor(repository.ProblemDescriptor{ProblemID: 1, IDColumn: "id", TargetColumn: "y", MetricName: "mae", AnswerPath: truth})
	f.store.PutSubmission(repository.Submission{ID: 8, ProblemID: 1, FilePath: truth})

	statuses := repository.NewStatusCache(rc, time.Hour)
	svc := f.service(t, func(c *service.Config) {
		c.Locker = rc
		c.StatusCache = statuses
	})

	ctx := context.Background()
	if ok, _ := rc.TryLock(ctx, "evaluation:lock:8", time.Minute); !ok {
		t.Fatalf("could not pre-acquire lock")
	}
	if _, err := svc.Evaluate(ctx, 8); !errors.Is(err, errors.LockFailed) {
		t.Fatalf("expected LockFailed while locked, got %v", err)
	}
	_ = rc.Unlock(ctx, "evaluation:lock:8")

	if _, err := svc.Evaluate(ctx, 8); err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if mr.Exists("evaluation:lock:8") {
		t.Fatalf("lock must be released after evaluation")
	}
	rec, err := statuses.Get(ctx, 8)
	if err != nil {
		t.Fatalf("status cache: %v", err)
	}
	if rec.Status != repository.StatusAccepted || rec.ProblemID != 1 || rec.Metrics["score_100"] != 100.0 {
		t.Fatalf("unexpected cached status %+v", rec)
	}
}

func TestEnqueueThroughMemoryQueue(t *testing.T) {
	f := newFixture(t)
	truth := writeFile(t, f.dir, "truth.csv", "id,y\n1,1\n")
	f.store.PutDescriptor(repository.ProblemDescriptor{ProblemID: 1, IDColumn: "id", TargetColumn: "y", MetricName: "mae", AnswerPath: truth})
	f.store.PutSubmission(repository.Submission{ID: 3, ProblemID: 1, FilePath: truth})

	queue := mq.NewMemoryQueue(1)
	defer queue.Close()
	svc := f.service(t, func(c *service.Config) { c.Producer = queue })
	ctx := context.Background()

	if err := svc.Enqueue(ctx, 3); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := svc.Enqueue(ctx, 3); !errors.Is(err, errors.EvaluationQueueFull) {
		t.Fatalf("expected EvaluationQueueFull, got %v", err)
	}

	if err := svc.Subscribe(ctx, queue, "", 2); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := queue.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for {
		sub, _ := f.store.GetSubmission(ctx, 3)
		if sub.Status == repository.StatusAccepted {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("submission not evaluated, status %s", sub.Status)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestEnqueueWithoutQueueEvaluatesInline(t *testing.T) {
	f := newFixture(t)
	truth := writeFile(t, f.dir, "truth.csv", "id,y\n1,1\n2,2\n")
	sub := writeFile(t, f.dir, "sub.csv", "id,y\n1,1\n2,2\n")
	f.store.PutDescriptor(repository.ProblemDescriptor{
		ProblemID: 3, IDColumn: "id", TargetColumn: "y", TargetType: "float", MetricName: "rmse", AnswerPath: truth,
	})
	f.store.PutSubmission(repository.Submission{ID: 1, ProblemID: 3, FilePath: sub})
	svc := f.service(t, nil)

	ctx, cancel := context.WithCancel(context.Background())
	if err := svc.Enqueue(ctx, 1); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	// the request ending must not abort the evaluation
	cancel()
	svc.Wait()

	stored, _ := f.store.GetSubmission(context.Background(), 1)
	if stored.Status != repository.StatusAccepted {
		t.Fatalf("expected accepted after inline evaluation, got %+v", stored)
	}
}

type blockingStore struct {
	*repository.MemoryStore
	entered chan struct{}
	release chan struct{}
}

func (b *blockingStore) GetSubmission(ctx context.Context, id int64) (*repository.Submission, error) {
	b.entered <- struct{}{}
	<-b.release
	return b.MemoryStore.GetSubmission(ctx, id)
}

func TestEnqueueInlineIsBounded(t *testing.T) {
	f := newFixture(t)
	store := &blockingStore{MemoryStore: f.store, entered: make(chan struct{}, 4), release: make(chan struct{})}
	svc := f.service(t, func(c *service.Config) {
		c.Store = store
		c.InlineConcurrency = 1
	})

	if err := svc.Enqueue(context.Background(), 1); err != nil {
		t.Fatalf("first enqueue: %v", err)
	}
	select {
	case <-store.entered:
	case <-time.After(5 * time.Second):
		t.Fatalf("inline evaluation did not start")
	}
	if err := svc.Enqueue(context.Background(), 2); !errors.Is(err, errors.EvaluationQueueFull) {
		t.Fatalf("expected queue full while the slot is taken, got %v", err)
	}
	close(store.release)
	svc.Wait()
	if err := svc.Enqueue(context.Background(), 3); err != nil {
		t.Fatalf("enqueue after the slot freed: %v", err)
	}
	<-store.entered
	svc.Wait()
}

func TestHandleMessageNeverRequestsRedelivery(t *testing.T) {
	f := newFixture(t)
	svc := f.service(t, nil)
	ctx := context.Background()
	if err := svc.HandleMessage(ctx, mq.NewMessage("", []byte("not json"))); err != nil {
		t.Fatalf("malformed job: %v", err)
	}
	if err := svc.HandleMessage(ctx, mq.NewMessage("", []byte(`{"submission_id":77}`))); err != nil {
		t.Fatalf("missing submission: %v", err)
	}
	if err := svc.HandleMessage(ctx, nil); err != nil {
		t.Fatalf("nil message: %v", err)
	}
}
