package search

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	meili "github.com/meilisearch/meilisearch-go"
	"github.com/rs/zerolog"
)

const idxPosts = "insight_posts"

var errUnhealthy = errors.New("meilisearch unhealthy")

// Meili implements post search and indexing via Meilisearch.
type Meili struct {
	client  meili.ServiceManager
	healthy atomic.Bool
	done    chan struct{}
	log     zerolog.Logger
}

// NewMeili creates a Meilisearch client and configures the posts index.
// An unreachable server is not an error; the health loop keeps probing it.
func NewMeili(url, apiKey string, log zerolog.Logger) *Meili {
	client := meili.New(url, meili.WithAPIKey(apiKey))

	m := &Meili{
		client: client,
		done:   make(chan struct{}),
		log:    log,
	}

	if _, err := client.Health(); err != nil {
		log.Warn().Err(err).Str("url", url).Msg("meilisearch unavailable")
		m.healthy.Store(false)
	} else {
		m.healthy.Store(true)
		m.configureIndex()
	}

	go m.healthLoop()
	return m
}

func (m *Meili) configureIndex() {
	if _, err := m.client.CreateIndex(&meili.IndexConfig{
		Uid:        idxPosts,
		PrimaryKey: "id",
	}); err != nil {
		m.log.Debug().Err(err).Str("index", idxPosts).Msg("create index (may already exist)")
	}

	index := m.client.Index(idxPosts)
	filterable := []interface{}{"sentiment", "matchedTaskIds", "mainDomain", "publishTime"}
	if _, err := index.UpdateFilterableAttributes(&filterable); err != nil {
		m.log.Warn().Err(err).Msg("update filterable attributes")
	}
	searchable := []string{"title", "url", "domain"}
	if _, err := index.UpdateSearchableAttributes(&searchable); err != nil {
		m.log.Warn().Err(err).Msg("update searchable attributes")
	}
	sortable := []string{"publishTime"}
	if _, err := index.UpdateSortableAttributes(&sortable); err != nil {
		m.log.Warn().Err(err).Msg("update sortable attributes")
	}
}

func (m *Meili) healthLoop() {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			_, err := m.client.Health()
			wasHealthy := m.healthy.Load()
			m.healthy.Store(err == nil)
			if err == nil && !wasHealthy {
				m.log.Info().Msg("meilisearch recovered, reconfiguring index")
				m.configureIndex()
			}
		}
	}
}

// Close stops the background health monitor.
func (m *Meili) Close() {
	close(m.done)
}

// Healthy reports whether Meilisearch is reachable.
func (m *Meili) Healthy() bool {
	return m.healthy.Load()
}

func (m *Meili) Search(q Query) ([]Result, int, error) {
	if !m.healthy.Load() {
		return nil, 0, errUnhealthy
	}
	limit, offset := normalizeLimit(q.Limit, q.Offset)

	sr := &meili.SearchRequest{
		IndexUID:              idxPosts,
		Query:                 q.Text,
		Limit:                 int64(limit),
		Offset:                int64(offset),
		AttributesToHighlight: []string{"title"},
		HighlightPreTag:       "<mark>",
		HighlightPostTag:      "</mark>",
	}
	if filters := meiliFilters(q); len(filters) > 0 {
		sr.Filter = filters
	}
	if strings.TrimSpace(q.Text) == "" {
		sr.Sort = []string{"publishTime:desc"}
	}

	resp, err := m.client.MultiSearch(&meili.MultiSearchRequest{
		Queries: []*meili.SearchRequest{sr},
	})
	if err != nil {
		m.healthy.Store(false)
		return nil, 0, fmt.Errorf("meilisearch search: %w", err)
	}

	var results []Result
	total := 0
	for _, r := range resp.Results {
		total += int(r.EstimatedTotalHits)
		for _, hit := range r.Hits {
			results = append(results, hitToResult(hit))
		}
	}
	return results, total, nil
}

func meiliFilters(q Query) []string {
	var filters []string
	if q.Sentiment != nil {
		filters = append(filters, fmt.Sprintf("sentiment = %d", *q.Sentiment))
	}
	if q.TaskID != "" {
		filters = append(filters, fmt.Sprintf("matchedTaskIds = %q", q.TaskID))
	}
	if q.MainDomain != "" {
		filters = append(filters, fmt.Sprintf("mainDomain = %q", q.MainDomain))
	}
	return filters
}

func hitToResult(hit meili.Hit) Result {
	r := Result{
		OriginID:       decodeString(hit, "originId"),
		Title:          decodeString(hit, "title"),
		URL:            decodeString(hit, "url"),
		MainDomain:     decodeString(hit, "mainDomain"),
		MatchedTaskIDs: []string{},
	}
	r.Snippet = firstNonBlank(decodeFormattedString(hit, "title"), r.Title)
	decodeInto(hit, "sentiment", &r.Sentiment)
	decodeInto(hit, "matchedTaskIds", &r.MatchedTaskIDs)
	var publish int64
	if decodeInto(hit, "publishTime", &publish) && publish > 0 {
		t := time.Unix(publish, 0).UTC()
		r.PublishTime = &t
	}
	return r
}

func decodeInto(hit meili.Hit, key string, dest any) bool {
	raw, ok := hit[key]
	if !ok {
		return false
	}
	return json.Unmarshal(raw, dest) == nil
}

func decodeString(hit meili.Hit, key string) string {
	var s string
	if decodeInto(hit, key, &s) {
		return s
	}
	return ""
}

func decodeFormattedString(hit meili.Hit, key string) string {
	raw, ok := hit["_formatted"]
	if !ok {
		return ""
	}
	var formatted map[string]json.RawMessage
	if err := json.Unmarshal(raw, &formatted); err != nil {
		return ""
	}
	var s string
	if err := json.Unmarshal(formatted[key], &s); err != nil {
		return ""
	}
	return strings.TrimSpace(s)
}

func firstNonBlank(values ...string) string {
	for _, value := range values {
		if strings.TrimSpace(value) != "" {
			return value
		}
	}
	return ""
}

// IndexPost adds or replaces a post in the search index.
func (m *Meili) IndexPost(rec PostRecord) error {
	_, err := m.client.Index(idxPosts).AddDocuments([]PostRecord{rec}, nil)
	return err
}

// IndexPosts bulk-indexes posts.
func (m *Meili) IndexPosts(recs []PostRecord) error {
	if len(recs) == 0 {
		return nil
	}
	_, err := m.client.Index(idxPosts).AddDocuments(recs, nil)
	return err
}
