package app

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"insightwatch/api/internal/logx"
	"insightwatch/api/internal/store"
)

func getJSON(t *testing.T, server *HTTPServer, path string) *httptest.ResponseRecorder {
	t.Helper()
	rr := httptest.NewRecorder()
	server.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, path, nil))
	return rr
}

func TestListTaskPosts(t *testing.T) {
	fs := newFakeStore()
	fs.tasks = []store.MonitoringTask{{TaskID: 1, ExternalTaskID: "T1"}}
	publish := time.Date(2026, 5, 1, 2, 30, 0, 0, time.UTC)
	title := "Outage"
	fs.posts["x1"] = store.Post{OriginID: "x1", Title: &title, PublishTime: &publish, Sentiment: store.SentimentNegative, MatchedTaskIDs: []string{"T1"}}
	fs.posts["x2"] = store.Post{OriginID: "x2", MatchedTaskIDs: []string{"T9"}}

	svc := newTestService(fs, nil)
	svc.loc = time.FixedZone("CST", 8*3600)
	server := NewHTTPServer(svc, logx.Nop())

	rr := getJSON(t, server, "/api/insight/tasks/T1/posts?sentiment=2&order=ASC&page=2&page_size=5&publish_time_start=2026-05-01%2000:00:00&title=%20out%20")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}

	q := fs.lastQuery
	if q.ExternalTaskID != "T1" || q.Sentiment == nil || *q.Sentiment != store.SentimentNegative {
		t.Fatalf("unexpected filter %+v", q)
	}
	if q.Order != "asc" || q.Page != 2 || q.PageSize != 5 || q.Title != "out" {
		t.Fatalf("unexpected paging/order %+v", q)
	}
	if q.PublishTimeStart == nil || !q.PublishTimeStart.Equal(time.Date(2026, 4, 30, 16, 0, 0, 0, time.UTC)) {
		t.Fatalf("expected start parsed in service location, got %v", q.PublishTimeStart)
	}

	data := decodeResponse(t, rr)["data"].(map[string]any)
	items := data["items"].([]any)
	if len(items) != 1 || data["total"] != float64(1) {
		t.Fatalf("unexpected data %v", data)
	}
	item := items[0].(map[string]any)
	if item["origin_id"] != "x1" || item["title"] != "Outage" || item["publish_time"] != "2026-05-01 10:30:00" {
		t.Fatalf("unexpected item %v", item)
	}
}

func TestListTaskPostsUnknownTask(t *testing.T) {
	server := NewHTTPServer(newTestService(newFakeStore(), nil), logx.Nop())
	rr := getJSON(t, server, "/api/insight/tasks/missing/posts")
	if rr.Code != http.StatusNotFound || decodeResponse(t, rr)["code"] != "TASK_NOT_FOUND" {
		t.Fatalf("expected TASK_NOT_FOUND, got %d %s", rr.Code, rr.Body.String())
	}
}

func TestListTaskPostsValidation(t *testing.T) {
	fs := newFakeStore()
	fs.tasks = []store.MonitoringTask{{TaskID: 1, ExternalTaskID: "T1"}}
	server := NewHTTPServer(newTestService(fs, nil), logx.Nop())

	for _, query := range []string{
		"sentiment=7",
		"sentiment=bad",
		"order=sideways",
		"page=two",
		"page_size=x",
		"publish_time_end=not-a-date",
	} {
		rr := getJSON(t, server, "/api/insight/tasks/T1/posts?"+query)
		if rr.Code != http.StatusUnprocessableEntity {
			t.Fatalf("%s: expected 422, got %d", query, rr.Code)
		}
	}
}

func TestSearchEndpoint(t *testing.T) {
	svc := newTestService(newFakeStore(), nil)
	server := NewHTTPServer(svc, logx.Nop())

	rr := getJSON(t, server, "/api/insight/search?q=outage")
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 without search, got %d", rr.Code)
	}

	searcher := &fakeSearch{}
	svc.SetSearch(searcher)
	rr = getJSON(t, server, "/api/insight/search?q=%20outage%20&sentiment=2&task_id=T1&limit=5")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if searcher.lastQ.Text != "outage" || searcher.lastQ.TaskID != "T1" || searcher.lastQ.Limit != 5 {
		t.Fatalf("unexpected query %+v", searcher.lastQ)
	}
	if searcher.lastQ.Sentiment == nil || *searcher.lastQ.Sentiment != 2 {
		t.Fatalf("expected sentiment filter, got %v", searcher.lastQ.Sentiment)
	}
	if decodeResponse(t, rr)["total"] != float64(1) {
		t.Fatalf("unexpected body %s", rr.Body.String())
	}

	if rr := getJSON(t, server, "/api/insight/search?sentiment=9"); rr.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422 for bad sentiment, got %d", rr.Code)
	}
}
