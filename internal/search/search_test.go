package search

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	meili "github.com/meilisearch/meilisearch-go"

	"insightwatch/api/internal/logx"
	"insightwatch/api/internal/store"
)

func TestRecordFromPost(t *testing.T) {
	publish := time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)
	title := "Outage"
	rec := RecordFromPost(store.Post{
		OriginID:    "x1",
		Title:       &title,
		URL:         "https://example.com/a",
		MainDomain:  "example.com",
		Sentiment:   store.SentimentNegative,
		PublishTime: &publish,
	})
	if rec.OriginID != "x1" || rec.Title != "Outage" || rec.Sentiment != 2 || rec.PublishTime != publish.Unix() {
		t.Fatalf("unexpected record %+v", rec)
	}
	if rec.MatchedTaskIDs == nil {
		t.Fatal("task ids should never be null in the index")
	}

	if rec.ID != "eDE" {
		t.Fatalf("unexpected document id %q", rec.ID)
	}

	empty := RecordFromPost(store.Post{OriginID: "x2"})
	if empty.Title != "" || empty.PublishTime != 0 {
		t.Fatalf("unexpected defaults %+v", empty)
	}
}

func TestMeiliFilters(t *testing.T) {
	neg := 2
	got := meiliFilters(Query{Sentiment: &neg, TaskID: "T1", MainDomain: "example.com"})
	want := []string{`sentiment = 2`, `matchedTaskIds = "T1"`, `mainDomain = "example.com"`}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("filter %d = %q, want %q", i, got[i], want[i])
		}
	}
	if len(meiliFilters(Query{Text: "x"})) != 0 {
		t.Fatal("expected no filters")
	}
}

func TestHitToResult(t *testing.T) {
	raw := func(v any) json.RawMessage {
		b, _ := json.Marshal(v)
		return b
	}
	hit := meili.Hit{
		"originId":       raw("x1"),
		"title":          raw("Service outage"),
		"url":            raw("https://example.com/a"),
		"mainDomain":     raw("example.com"),
		"sentiment":      raw(2),
		"publishTime":    raw(1714550400),
		"matchedTaskIds": raw([]string{"T1"}),
		"_formatted":     raw(map[string]any{"title": "Service <mark>outage</mark>", "sentiment": "2"}),
	}
	r := hitToResult(hit)
	if r.OriginID != "x1" || r.Sentiment != 2 || r.MainDomain != "example.com" {
		t.Fatalf("unexpected result %+v", r)
	}
	if r.Snippet != "Service <mark>outage</mark>" {
		t.Fatalf("unexpected snippet %q", r.Snippet)
	}
	if r.PublishTime == nil || r.PublishTime.Unix() != 1714550400 {
		t.Fatalf("unexpected publish time %v", r.PublishTime)
	}
	if len(r.MatchedTaskIDs) != 1 || r.MatchedTaskIDs[0] != "T1" {
		t.Fatalf("unexpected task ids %v", r.MatchedTaskIDs)
	}
}

func TestHitToResultWithoutOptionalFields(t *testing.T) {
	r := hitToResult(meili.Hit{"originId": json.RawMessage(`"x2"`), "title": json.RawMessage(`"Plain"`)})
	if r.Snippet != "Plain" || r.PublishTime != nil || r.MatchedTaskIDs == nil {
		t.Fatalf("unexpected result %+v", r)
	}
}

func TestServiceWithoutBackends(t *testing.T) {
	svc := NewService(nil, nil, logx.Nop())
	resp := svc.Search(context.Background(), Query{Text: "outage"})
	if resp.Results == nil || len(resp.Results) != 0 || resp.Query != "outage" {
		t.Fatalf("unexpected response %+v", resp)
	}
	// Indexing without Meilisearch is a no-op.
	svc.IndexPost(store.Post{OriginID: "x1"})
	svc.Close()
}

func TestNormalizeLimit(t *testing.T) {
	if l, o := normalizeLimit(0, -5); l != 20 || o != 0 {
		t.Fatalf("got %d/%d", l, o)
	}
	if l, _ := normalizeLimit(500, 0); l != 100 {
		t.Fatalf("expected cap at 100, got %d", l)
	}
}

func TestEscapeLike(t *testing.T) {
	if got := escapeLike(`50%_off\`); got != `50\%\_off\\` {
		t.Fatalf("unexpected escape %q", got)
	}
}

func TestDocumentIDUsesKeyAlphabet(t *testing.T) {
	seen := make(map[string]string)
	for _, origin := range []string{
		"weibo:4988123/comment?id=7",
		"https://news.example.com/a b",
		"舆情-001",
		"a.b",
		"a_b",
	} {
		id := DocumentID(origin)
		for _, r := range id {
			valid := r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || r == '-' || r == '_'
			if !valid {
				t.Fatalf("%q: id %q contains %q", origin, id, r)
			}
		}
		if prev, ok := seen[id]; ok {
			t.Fatalf("%q and %q share id %q", prev, origin, id)
		}
		seen[id] = origin

		rec := RecordFromPost(store.Post{OriginID: origin})
		if rec.ID != id || rec.OriginID != origin {
			t.Fatalf("record lost origin id: %+v", rec)
		}
	}
}
