package fanout_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"booml/internal/common/cache"
	"booml/internal/evaluation/fanout"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func receive(t *testing.T, sub *fanout.Subscription) fanout.Event {
	t.Helper()
	select {
	case ev, ok := <-sub.C():
		if !ok {
			t.Fatalf("subscription closed")
		}
		return ev
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for event on %s", sub.Group())
	}
	return fanout.Event{}
}

func TestGroupNames(t *testing.T) {
	if fanout.SubmissionGroup(12) != "submission_12" {
		t.Fatalf("unexpected submission group")
	}
	if fanout.ProblemGroup(3) != "problem_submissions_3" {
		t.Fatalf("unexpected problem group")
	}
	if fanout.Subject("submission_12") != "fanout.submission_12" {
		t.Fatalf("unexpected nats subject")
	}
}

func TestHubDeliversToGroupMembers(t *testing.T) {
	hub := fanout.NewHub(4)
	a := hub.Subscribe(fanout.SubmissionGroup(1))
	b := hub.Subscribe(fanout.SubmissionGroup(1))
	other := hub.Subscribe(fanout.SubmissionGroup(2))
	ctx := context.Background()

	hub.Publish(ctx, fanout.SubmissionGroup(1), fanout.MetricEvent(1, "rmse", 0.25))
	for _, sub := range []*fanout.Subscription{a, b} {
		ev := receive(t, sub)
		if ev.Type != fanout.TypeSubmissionMetric || ev.MetricName != "rmse" || *ev.MetricScore != 0.25 {
			t.Fatalf("unexpected event %+v", ev)
		}
	}
	select {
	case ev := <-other.C():
		t.Fatalf("unexpected event for other group: %+v", ev)
	default:
	}

	a.Cancel()
	a.Cancel()
	if hub.Subscribers(fanout.SubmissionGroup(1)) != 1 {
		t.Fatalf("expected one remaining subscriber")
	}
	if _, ok := <-a.C(); ok {
		t.Fatalf("cancelled subscription must be closed")
	}

	hub.Close()
	if _, ok := <-b.C(); ok {
		t.Fatalf("hub close must close subscriptions")
	}
	late := hub.Subscribe("x")
	if _, ok := <-late.C(); ok {
		t.Fatalf("subscribing to a closed hub yields a closed channel")
	}
}

func TestHubDropsWhenSubscriberIsFull(t *testing.T) {
	hub := fanout.NewHub(1)
	sub := hub.Subscribe("g")
	ctx := context.Background()
	hub.Publish(ctx, "g", fanout.UpdateEvent(1, "running", nil))
	hub.Publish(ctx, "g", fanout.UpdateEvent(1, "accepted", nil))
	if ev := receive(t, sub); ev.Status != "running" {
		t.Fatalf("expected first event, got %+v", ev)
	}
	select {
	case ev := <-sub.C():
		t.Fatalf("expected overflow to be dropped, got %+v", ev)
	default:
	}
}

type recorder struct {
	mu     sync.Mutex
	groups []string
}

func (r *recorder) Publish(_ context.Context, group string, _ fanout.Event) {
	r.mu.Lock()
	r.groups = append(r.groups, group)
	r.mu.Unlock()
}

func TestMultiAndNop(t *testing.T) {
	a, b := &recorder{}, &recorder{}
	m := fanout.Multi{a, nil, b}
	m.Publish(context.Background(), "g", fanout.UpdateEvent(1, "running", nil))
	if len(a.groups) != 1 || len(b.groups) != 1 {
		t.Fatalf("expected both publishers to receive the event")
	}
	fanout.Or(nil).Publish(context.Background(), "g", fanout.Event{})
	if _, ok := fanout.Or(a).(*recorder); !ok {
		t.Fatalf("Or must keep a non-nil publisher")
	}
}

func TestRedisPublisherReachesSubscriberHub(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	rc, err := cache.NewRedisCacheWithClient(client)
	if err != nil {
		t.Fatalf("cache: %v", err)
	}

	hub := fanout.NewHub(4)
	sub := hub.Subscribe(fanout.ProblemGroup(9))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ready := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- fanout.NewRedisSubscriber(client, hub).Run(ctx, ready)
	}()
	select {
	case <-ready:
	case err := <-done:
		t.Fatalf("subscriber exited early: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatalf("subscriber not ready")
	}

	pub := fanout.NewRedisPublisher(rc)
	pub.Publish(ctx, fanout.ProblemGroup(9), fanout.UpdateEvent(5, "accepted", map[string]any{"score_100": 80.0}))
	ev := receive(t, sub)
	if ev.SubmissionID != 5 || ev.Status != "accepted" || ev.Metrics["score_100"] != 80.0 {
		t.Fatalf("unexpected event %+v", ev)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run returned %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("subscriber did not stop")
	}
}
