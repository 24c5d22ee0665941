package search

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// PgFTS searches insight_posts directly when Meilisearch is unavailable.
// Titles are mostly CJK, so matching is substring based rather than tsvector.
type PgFTS struct {
	db *sql.DB
}

func NewPgFTS(db *sql.DB) *PgFTS {
	return &PgFTS{db: db}
}

// Healthy always returns true; if Postgres is down the whole app is down.
func (p *PgFTS) Healthy() bool {
	return true
}

func (p *PgFTS) Search(ctx context.Context, q Query) ([]Result, int, error) {
	text := strings.TrimSpace(q.Text)
	limit, offset := normalizeLimit(q.Limit, q.Offset)

	var where []string
	var args []any
	add := func(clause string, arg any) {
		args = append(args, arg)
		where = append(where, fmt.Sprintf(clause, len(args)))
	}
	if text != "" {
		pattern := "%" + escapeLike(text) + "%"
		args = append(args, pattern)
		n := len(args)
		where = append(where, fmt.Sprintf("(title ILIKE $%d OR url ILIKE $%d OR domain ILIKE $%d)", n, n, n))
	}
	if q.Sentiment != nil {
		add("sentiment = $%d", *q.Sentiment)
	}
	if q.TaskID != "" {
		add("matched_task_ids @> jsonb_build_array($%d::text)", q.TaskID)
	}
	if q.MainDomain != "" {
		add("main_domain = $%d", q.MainDomain)
	}
	if len(where) == 0 {
		return nil, 0, nil
	}
	whereSQL := strings.Join(where, " AND ")

	var total int
	if err := p.db.QueryRowContext(ctx, "SELECT count(*) FROM insight_posts WHERE "+whereSQL, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("pgfts count: %w", err)
	}

	dataSQL := fmt.Sprintf(`SELECT origin_id, coalesce(title, ''), url, main_domain, sentiment, publish_time, matched_task_ids
		FROM insight_posts
		WHERE %s
		ORDER BY publish_time DESC NULLS LAST, origin_id
		LIMIT %d OFFSET %d`, whereSQL, limit, offset)

	rows, err := p.db.QueryContext(ctx, dataSQL, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("pgfts query: %w", err)
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		var r Result
		var publish sql.NullTime
		var matched []byte
		if err := rows.Scan(&r.OriginID, &r.Title, &r.URL, &r.MainDomain, &r.Sentiment, &publish, &matched); err != nil {
			return nil, 0, fmt.Errorf("pgfts scan: %w", err)
		}
		r.Snippet = r.Title
		if publish.Valid {
			t := publish.Time.UTC()
			r.PublishTime = &t
		}
		r.MatchedTaskIDs = decodeTaskIDs(matched)
		results = append(results, r)
	}
	return results, total, rows.Err()
}

// LoadPostRecords returns posts updated since the given time for reindexing.
// A zero since loads everything.
func (p *PgFTS) LoadPostRecords(ctx context.Context, since time.Time) ([]PostRecord, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT origin_id, coalesce(title, ''), url, domain, main_domain, sentiment,
			coalesce(EXTRACT(EPOCH FROM publish_time)::bigint, 0), matched_task_ids
		FROM insight_posts
		WHERE updated_at >= $1
		ORDER BY updated_at
	`, since)
	if err != nil {
		return nil, fmt.Errorf("load posts: %w", err)
	}
	defer rows.Close()

	records := make([]PostRecord, 0)
	for rows.Next() {
		var rec PostRecord
		var matched []byte
		if err := rows.Scan(&rec.OriginID, &rec.Title, &rec.URL, &rec.Domain, &rec.MainDomain, &rec.Sentiment, &rec.PublishTime, &matched); err != nil {
			return nil, fmt.Errorf("scan post: %w", err)
		}
		rec.ID = DocumentID(rec.OriginID)
		rec.MatchedTaskIDs = decodeTaskIDs(matched)
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate posts: %w", err)
	}
	return records, nil
}

func decodeTaskIDs(raw []byte) []string {
	ids := []string{}
	if len(raw) > 0 {
		_ = json.Unmarshal(raw, &ids)
	}
	return ids
}

func escapeLike(value string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(value)
}
