package insight

import (
	"bytes"
	"encoding/json"
	"errors"
	"math"
	"testing"
	"time"

	"insightwatch/api/internal/store"
)

func decodeDoc(t *testing.T, raw string) map[string]any {
	t.Helper()
	dec := json.NewDecoder(bytes.NewBufferString(raw))
	dec.UseNumber()
	var doc map[string]any
	if err := dec.Decode(&doc); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return doc
}

func TestParseItemDocDefaults(t *testing.T) {
	post, err := ParseItemDoc(decodeDoc(t, `{"origin_id":"x1"}`), time.UTC)
	if err != nil {
		t.Fatalf("ParseItemDoc: %v", err)
	}
	if post.OriginID != "x1" || post.PostID != "" || post.URL != "" || post.MainDomain != "" {
		t.Fatalf("unexpected string defaults %+v", post)
	}
	if post.Title != nil {
		t.Fatalf("title should stay nil, got %q", *post.Title)
	}
	if post.Feature != nil || post.POI != nil {
		t.Fatal("maps should default to nil")
	}
	if post.Sentiment != store.SentimentNeutral || post.Status != 1 || post.PostType != 0 {
		t.Fatalf("unexpected numeric defaults %+v", post)
	}
	if post.ProcessState != store.ProcessPending {
		t.Fatalf("expected PENDING, got %d", post.ProcessState)
	}
	if post.MatchedTaskIDs == nil || len(post.MatchedTaskIDs) != 0 {
		t.Fatalf("expected empty task list, got %v", post.MatchedTaskIDs)
	}
	if post.PublishTime != nil || post.ReadyTime != nil {
		t.Fatal("timestamps should be nil")
	}
}

func TestParseItemDocFullEnvelope(t *testing.T) {
	doc := decodeDoc(t, `{
		"origin_id": "x1",
		"post_id": "p-9",
		"publish_time": 1714550400000,
		"push_ready_time": "1714550460",
		"main_domain": "example.com",
		"domain": "news.example.com",
		"url": "https://news.example.com/a",
		"title": "Outage",
		"feature": {"sentiment": 2, "score": 0.91},
		"poi": {"city": "Berlin"},
		"status": 3,
		"post_type": "1",
		"video_info": [],
		"matched_task_ids": ["T1", 42]
	}`)
	post, err := ParseItemDoc(doc, time.UTC)
	if err != nil {
		t.Fatalf("ParseItemDoc: %v", err)
	}
	if post.Sentiment != store.SentimentNegative {
		t.Fatalf("expected negative sentiment, got %d", post.Sentiment)
	}
	if post.PublishTime == nil || post.PublishTime.Unix() != 1714550400 {
		t.Fatalf("unexpected publish time %v", post.PublishTime)
	}
	if post.ReadyTime == nil || post.ReadyTime.Unix() != 1714550460 {
		t.Fatalf("unexpected ready time %v", post.ReadyTime)
	}
	if post.Title == nil || *post.Title != "Outage" {
		t.Fatalf("unexpected title %v", post.Title)
	}
	if post.Status != 3 || post.PostType != 1 {
		t.Fatalf("unexpected status/post_type %d/%d", post.Status, post.PostType)
	}
	if post.VideoInfo != nil {
		t.Fatal("empty array should map to nil")
	}
	if len(post.MatchedTaskIDs) != 2 || post.MatchedTaskIDs[0] != "T1" || post.MatchedTaskIDs[1] != "42" {
		t.Fatalf("unexpected task ids %v", post.MatchedTaskIDs)
	}
}

func TestParseItemDocMissingOriginID(t *testing.T) {
	for _, raw := range []string{`{}`, `{"origin_id":""}`, `{"origin_id":null}`} {
		if _, err := ParseItemDoc(decodeDoc(t, raw), time.UTC); !errors.Is(err, ErrMissingOriginID) {
			t.Fatalf("%s: expected ErrMissingOriginID, got %v", raw, err)
		}
	}
}

func TestParseItemDocRejectsMalformedFields(t *testing.T) {
	cases := []string{
		`{"origin_id":"x","feature":"negative"}`,
		`{"origin_id":"x","feature":{"sentiment":"bad"}}`,
		`{"origin_id":"x","matched_task_ids":{"a":1}}`,
	}
	for _, raw := range cases {
		if _, err := ParseItemDoc(decodeDoc(t, raw), time.UTC); err == nil {
			t.Fatalf("%s: expected error", raw)
		}
	}
}

func TestParseTimestamp(t *testing.T) {
	shanghai, err := time.LoadLocation("Asia/Shanghai")
	if err != nil {
		t.Skipf("tzdata unavailable: %v", err)
	}

	tests := []struct {
		name string
		in   any
		want int64 // unix seconds, 0 for nil
	}{
		{"seconds number", json.Number("1714550400"), 1714550400},
		{"millis number", json.Number("1714550400123"), 1714550400},
		{"ten digit boundary", json.Number("9999999999"), 9999999999},
		{"just above boundary", json.Number("10000000000"), 10000000},
		{"float64 millis", float64(1714550400123), 1714550400},
		{"numeric string", "1714550400", 1714550400},
		{"date string in location", "2024-05-01 16:00:00", 1714550400},
		{"rfc3339", "2024-05-01T08:00:00Z", 1714550400},
		{"empty", "", 0},
		{"zero", json.Number("0"), 0},
		{"zero string", "0", 0},
		{"garbage", "not a date", 0},
		{"nil", nil, 0},
		{"object", map[string]any{}, 0},
		{"overflowing number", json.Number("99999999999999999999"), 0},
		{"overflowing string", "99999999999999999999", 0},
		{"overflowing float", float64(1e20), 0},
		{"infinite float", math.Inf(1), 0},
		{"millis past year 9999", json.Number("9223372036854775807"), 0},
		{"negative", json.Number("-1714550400"), 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ParseTimestamp(tt.in, shanghai)
			if tt.want == 0 {
				if got != nil {
					t.Fatalf("expected nil, got %v", got)
				}
				return
			}
			if got == nil || got.Unix() != tt.want {
				t.Fatalf("ParseTimestamp(%v) = %v, want unix %d", tt.in, got, tt.want)
			}
		})
	}
}
