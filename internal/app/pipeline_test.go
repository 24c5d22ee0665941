package app

import (
	"context"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"insightwatch/api/internal/alert"
	"insightwatch/api/internal/email"
	"insightwatch/api/internal/lock"
	"insightwatch/api/internal/logx"
	"insightwatch/api/internal/queue"
	"insightwatch/api/internal/store"
	"insightwatch/api/internal/worker"
)

type recordingSender struct {
	mu   sync.Mutex
	sent map[string][]email.Alert
}

func (r *recordingSender) SendAlert(_ context.Context, to string, a email.Alert) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sent == nil {
		r.sent = make(map[string][]email.Alert)
	}
	r.sent[to] = append(r.sent[to], a)
	return nil
}

func TestSyncToEmailPipeline(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	now := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	q := queue.NewRedisQueue(client, lock.NewRedisLocker(client, "test"), queue.Options{Prefix: "test", Now: clock})

	fs := newFakeStore()
	fs.tasks = []store.MonitoringTask{{
		TaskID:          1,
		ExternalTaskID:  "T1",
		TaskName:        "Brand watch",
		WarnName:        "P1",
		EmailEnabled:    true,
		EmailRecipients: []string{"ops@example.com"},
		WindowStart:     &store.TimeOfDay{Seconds: 9 * 3600},
		WindowEnd:       &store.TimeOfDay{Seconds: 18 * 3600},
		Status:          store.TaskEnabled,
	}}

	svc := newTestService(fs, nil)
	svc.queue = q
	server := NewHTTPServer(svc, logx.Nop())

	body := `{"item_doc":{"origin_id":"x1","feature":{"sentiment":2},"matched_task_ids":["T1"]}}`
	for i := 0; i < 2; i++ {
		if rr := postSync(t, server, "secret", body); rr.Code != http.StatusOK {
			t.Fatalf("sync %d: expected 200, got %d", i, rr.Code)
		}
	}

	sender := &recordingSender{}
	dispatcher := alert.NewDispatcher(fs, fs, sender, alert.Options{
		Location: time.UTC,
		Now:      clock,
		Logger:   logx.Nop(),
	})
	pool := worker.NewPool(q, dispatcher, worker.Options{Policy: worker.DefaultPolicy(), Logger: logx.Nop()})

	ctx := context.Background()
	for {
		worked, err := pool.ProcessOne(ctx)
		if err != nil {
			t.Fatalf("ProcessOne: %v", err)
		}
		if !worked {
			break
		}
	}

	if len(sender.sent) != 1 || len(sender.sent["ops@example.com"]) != 1 {
		t.Fatalf("expected exactly one email to ops@example.com, got %v", sender.sent)
	}
	if a := sender.sent["ops@example.com"][0]; a.OriginID != "x1" || a.TaskName != "Brand watch" {
		t.Fatalf("unexpected alert %+v", a)
	}

	depth, err := q.Depth(ctx)
	if err != nil {
		t.Fatalf("Depth: %v", err)
	}
	for name, n := range depth {
		if n != 0 {
			t.Fatalf("expected drained queue, %s has %d", name, n)
		}
	}
}
