package app

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"insightwatch/api/internal/config"
	"insightwatch/api/internal/logx"
	"insightwatch/api/internal/queue"
	"insightwatch/api/internal/search"
	"insightwatch/api/internal/store"
)

type fakeStore struct {
	mu        sync.Mutex
	posts     map[string]store.Post
	tasks     []store.MonitoringTask
	upsertErr error
	pingFn    func(context.Context) error
	lastQuery store.PostFilter
}

func newFakeStore() *fakeStore {
	return &fakeStore{posts: make(map[string]store.Post)}
}

func (f *fakeStore) UpsertPost(_ context.Context, post store.Post) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.upsertErr != nil {
		return f.upsertErr
	}
	f.posts[post.OriginID] = post
	return nil
}

func (f *fakeStore) GetPost(_ context.Context, originID string) (store.Post, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	post, ok := f.posts[originID]
	if !ok {
		return store.Post{}, store.ErrNotFound
	}
	return post, nil
}

func (f *fakeStore) ListTasksByExternalIDs(_ context.Context, ids []string) ([]store.MonitoringTask, error) {
	want := make(map[string]bool, len(ids))
	for _, id := range ids {
		want[id] = true
	}
	var out []store.MonitoringTask
	for _, task := range f.tasks {
		if want[task.ExternalTaskID] {
			out = append(out, task)
		}
	}
	return out, nil
}

func (f *fakeStore) TaskExists(_ context.Context, externalTaskID string) (bool, error) {
	for _, task := range f.tasks {
		if task.ExternalTaskID == externalTaskID {
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeStore) ListPostsByTask(_ context.Context, filter store.PostFilter) (store.PostPage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastQuery = filter
	var posts []store.Post
	for _, post := range f.posts {
		for _, id := range post.MatchedTaskIDs {
			if id == filter.ExternalTaskID {
				posts = append(posts, post)
				break
			}
		}
	}
	sort.Slice(posts, func(i, j int) bool { return posts[i].OriginID < posts[j].OriginID })
	return store.PostPage{Posts: posts, Total: len(posts), Page: 1, PageSize: 20}, nil
}

func (f *fakeStore) Ping(ctx context.Context) error {
	if f.pingFn != nil {
		return f.pingFn(ctx)
	}
	return nil
}

func (f *fakeStore) post(originID string) (store.Post, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	post, ok := f.posts[originID]
	return post, ok
}

type fakeQueue struct {
	mu       sync.Mutex
	requests []queue.Request
	err      error
	pingErr  error
}

func (f *fakeQueue) Enqueue(_ context.Context, req queue.Request) (queue.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	if f.err != nil {
		return queue.Job{}, f.err
	}
	return queue.Job{ID: "job-1", Key: req.Key(), Request: req}, nil
}

func (f *fakeQueue) Ping(context.Context) error {
	return f.pingErr
}

type fakeArchive struct {
	mu   sync.Mutex
	done chan struct{}
	keys []string
}

func (f *fakeArchive) ArchiveRaw(_ context.Context, originID string, _ []byte) error {
	f.mu.Lock()
	f.keys = append(f.keys, originID)
	f.mu.Unlock()
	f.done <- struct{}{}
	return errors.New("bucket unavailable")
}

type fakeSearch struct {
	indexed []string
	lastQ   search.Query
}

func (f *fakeSearch) Search(_ context.Context, q search.Query) search.Response {
	f.lastQ = q
	return search.Response{Query: q.Text, Results: []search.Result{{OriginID: "x1"}}, Total: 1}
}

func (f *fakeSearch) IndexPost(post store.Post) {
	f.indexed = append(f.indexed, post.OriginID)
}

func newTestService(fs *fakeStore, fq *fakeQueue) *Service {
	svc := &Service{
		cfg:   config.Config{SyncToken: "secret"},
		store: fs,
		loc:   time.UTC,
		log:   logx.Nop(),
	}
	if fq != nil {
		svc.queue = fq
	}
	return svc
}
