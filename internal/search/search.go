// Package search indexes ingested posts and serves free-text lookups over them.
package search

import (
	"encoding/base64"
	"time"

	"insightwatch/api/internal/store"
)

// Result is a single search hit returned to the caller.
type Result struct {
	OriginID       string     `json:"originId"`
	Title          string     `json:"title"`
	Snippet        string     `json:"snippet"`
	URL            string     `json:"url"`
	MainDomain     string     `json:"mainDomain"`
	Sentiment      int        `json:"sentiment"`
	PublishTime    *time.Time `json:"publishTime,omitempty"`
	MatchedTaskIDs []string   `json:"matchedTaskIds"`
}

// Query describes a search request.
type Query struct {
	Text       string
	Sentiment  *int
	TaskID     string // restrict to posts matched by this external task id
	MainDomain string
	Limit      int
	Offset     int
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}

// PostRecord is the data we index for a post. ID is the document key; origin
// ids may carry characters the index rejects in primary keys.
type PostRecord struct {
	ID             string   `json:"id"`
	OriginID       string   `json:"originId"`
	Title          string   `json:"title"`
	URL            string   `json:"url"`
	Domain         string   `json:"domain"`
	MainDomain     string   `json:"mainDomain"`
	Sentiment      int      `json:"sentiment"`
	PublishTime    int64    `json:"publishTime"` // unix seconds, 0 when unknown
	MatchedTaskIDs []string `json:"matchedTaskIds"`
}

// DocumentID encodes an origin id into the index key alphabet [A-Za-z0-9_-].
func DocumentID(originID string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(originID))
}

// RecordFromPost flattens a stored post into its index record.
func RecordFromPost(p store.Post) PostRecord {
	rec := PostRecord{
		ID:             DocumentID(p.OriginID),
		OriginID:       p.OriginID,
		Title:          p.TitleOrEmpty(),
		URL:            p.URL,
		Domain:         p.Domain,
		MainDomain:     p.MainDomain,
		Sentiment:      int(p.Sentiment),
		MatchedTaskIDs: p.MatchedTaskIDs,
	}
	if rec.MatchedTaskIDs == nil {
		rec.MatchedTaskIDs = []string{}
	}
	if p.PublishTime != nil {
		rec.PublishTime = p.PublishTime.Unix()
	}
	return rec
}

func normalizeLimit(limit, offset int) (int, int) {
	if limit <= 0 {
		limit = 20
	}
	if limit > 100 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}
