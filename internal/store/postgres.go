package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

var ErrNotFound = errors.New("not found")

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// UpsertPost writes every column of post, replacing any prior row with the same origin id.
func (s *PostgresStore) UpsertPost(ctx context.Context, post Post) error {
	feature, err := marshalJSON(post.Feature)
	if err != nil {
		return fmt.Errorf("encode feature: %w", err)
	}
	poi, err := marshalJSON(post.POI)
	if err != nil {
		return fmt.Errorf("encode poi: %w", err)
	}
	videoInfo, err := marshalJSON(post.VideoInfo)
	if err != nil {
		return fmt.Errorf("encode video_info: %w", err)
	}
	basedLocation, err := marshalJSON(post.BasedLocation)
	if err != nil {
		return fmt.Errorf("encode based_location: %w", err)
	}
	matched := post.MatchedTaskIDs
	if matched == nil {
		matched = []string{}
	}
	matchedJSON, err := json.Marshal(matched)
	if err != nil {
		return fmt.Errorf("encode matched_task_ids: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO insight_posts (
			origin_id, post_id, publish_time, push_ready_time, main_domain, domain, url, title,
			feature, sentiment, poi, status, post_type, video_info, based_location,
			matched_task_ids, process_state, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9::jsonb, $10, $11::jsonb, $12, $13, $14::jsonb, $15::jsonb, $16::jsonb, $17, NOW())
		ON CONFLICT (origin_id) DO UPDATE SET
			post_id=EXCLUDED.post_id,
			publish_time=EXCLUDED.publish_time,
			push_ready_time=EXCLUDED.push_ready_time,
			main_domain=EXCLUDED.main_domain,
			domain=EXCLUDED.domain,
			url=EXCLUDED.url,
			title=EXCLUDED.title,
			feature=EXCLUDED.feature,
			sentiment=EXCLUDED.sentiment,
			poi=EXCLUDED.poi,
			status=EXCLUDED.status,
			post_type=EXCLUDED.post_type,
			video_info=EXCLUDED.video_info,
			based_location=EXCLUDED.based_location,
			matched_task_ids=EXCLUDED.matched_task_ids,
			process_state=EXCLUDED.process_state,
			updated_at=NOW()
	`,
		post.OriginID, post.PostID, post.PublishTime, post.ReadyTime, post.MainDomain, post.Domain, post.URL, post.Title,
		feature, int(post.Sentiment), poi, post.Status, post.PostType, videoInfo, basedLocation,
		string(matchedJSON), int(post.ProcessState),
	)
	if err != nil {
		return fmt.Errorf("upsert post %s: %w", post.OriginID, err)
	}
	return nil
}

const postColumns = `origin_id, post_id, publish_time, push_ready_time, main_domain, domain, url, title,
	feature, sentiment, poi, status, post_type, video_info, based_location,
	matched_task_ids, process_state, updated_at`

func (s *PostgresStore) GetPost(ctx context.Context, originID string) (Post, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+postColumns+` FROM insight_posts WHERE origin_id=$1`, originID)
	post, err := scanPost(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Post{}, ErrNotFound
	}
	if err != nil {
		return Post{}, fmt.Errorf("get post %s: %w", originID, err)
	}
	return post, nil
}

// ListTasksByExternalIDs returns every task whose external id is in ids, regardless of status.
func (s *PostgresStore) ListTasksByExternalIDs(ctx context.Context, ids []string) ([]MonitoringTask, error) {
	if len(ids) == 0 {
		return []MonitoringTask{}, nil
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT task_id, external_task_id, task_name, warn_name,
			warn_email_enabled, warn_email_recipients,
			EXTRACT(EPOCH FROM warn_window_start)::int,
			EXTRACT(EPOCH FROM warn_window_end)::int,
			status
		FROM monitoring_tasks
		WHERE external_task_id = ANY($1) AND deleted_at IS NULL
		ORDER BY task_id ASC
	`, ids)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	tasks := make([]MonitoringTask, 0, len(ids))
	for rows.Next() {
		var (
			task       MonitoringTask
			recipients []byte
			start, end sql.NullInt64
			status     int
		)
		if err := rows.Scan(
			&task.TaskID, &task.ExternalTaskID, &task.TaskName, &task.WarnName,
			&task.EmailEnabled, &recipients, &start, &end, &status,
		); err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		if len(recipients) > 0 {
			if err := json.Unmarshal(recipients, &task.EmailRecipients); err != nil {
				return nil, fmt.Errorf("decode recipients for task %d: %w", task.TaskID, err)
			}
		}
		if start.Valid {
			task.WindowStart = &TimeOfDay{Seconds: int(start.Int64)}
		}
		if end.Valid {
			task.WindowEnd = &TimeOfDay{Seconds: int(end.Int64)}
		}
		task.Status = TaskStatus(status)
		tasks = append(tasks, task)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tasks: %w", err)
	}
	return tasks, nil
}

func (s *PostgresStore) TaskExists(ctx context.Context, externalTaskID string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS(SELECT 1 FROM monitoring_tasks WHERE external_task_id=$1 AND deleted_at IS NULL)
	`, externalTaskID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check task %s: %w", externalTaskID, err)
	}
	return exists, nil
}

// ListPostsByTask pages through posts whose matched_task_ids contain filter.ExternalTaskID.
func (s *PostgresStore) ListPostsByTask(ctx context.Context, filter PostFilter) (PostPage, error) {
	page, pageSize := normalizePaging(filter.Page, filter.PageSize)

	where := []string{"matched_task_ids @> jsonb_build_array($1::text)"}
	args := []any{filter.ExternalTaskID}
	addArg := func(clause string, value any) {
		args = append(args, value)
		where = append(where, fmt.Sprintf(clause, len(args)))
	}
	if filter.Sentiment != nil {
		addArg("sentiment = $%d", int(*filter.Sentiment))
	}
	if filter.PublishTimeStart != nil {
		addArg("publish_time >= $%d", *filter.PublishTimeStart)
	}
	if filter.PublishTimeEnd != nil {
		addArg("publish_time <= $%d", *filter.PublishTimeEnd)
	}
	if t := strings.TrimSpace(filter.Title); t != "" {
		addArg("title ILIKE $%d", "%"+escapeLike(t)+"%")
	}
	if d := strings.TrimSpace(filter.MainDomain); d != "" {
		addArg("main_domain = $%d", d)
	}
	whereSQL := strings.Join(where, " AND ")

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM insight_posts WHERE `+whereSQL, args...).Scan(&total); err != nil {
		return PostPage{}, fmt.Errorf("count posts: %w", err)
	}

	order := "publish_time DESC NULLS LAST"
	if strings.EqualFold(filter.Order, "asc") {
		order = "publish_time ASC NULLS LAST"
	}
	args = append(args, pageSize, (page-1)*pageSize)
	query := fmt.Sprintf(`SELECT %s FROM insight_posts WHERE %s ORDER BY %s, origin_id ASC LIMIT $%d OFFSET $%d`,
		postColumns, whereSQL, order, len(args)-1, len(args))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return PostPage{}, fmt.Errorf("list posts: %w", err)
	}
	defer rows.Close()

	posts := make([]Post, 0, pageSize)
	for rows.Next() {
		post, err := scanPost(rows)
		if err != nil {
			return PostPage{}, fmt.Errorf("scan post: %w", err)
		}
		posts = append(posts, post)
	}
	if err := rows.Err(); err != nil {
		return PostPage{}, fmt.Errorf("iterate posts: %w", err)
	}
	return PostPage{Posts: posts, Total: total, Page: page, PageSize: pageSize}, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPost(row rowScanner) (Post, error) {
	var (
		post                                   Post
		publishTime, readyTime                 sql.NullTime
		title                                  sql.NullString
		feature, poi, videoInfo, basedLocation []byte
		matched                                []byte
		sentiment, processState                int
	)
	if err := row.Scan(
		&post.OriginID, &post.PostID, &publishTime, &readyTime, &post.MainDomain, &post.Domain, &post.URL, &title,
		&feature, &sentiment, &poi, &post.Status, &post.PostType, &videoInfo, &basedLocation,
		&matched, &processState, &post.UpdatedAt,
	); err != nil {
		return Post{}, err
	}
	if publishTime.Valid {
		t := publishTime.Time
		post.PublishTime = &t
	}
	if readyTime.Valid {
		t := readyTime.Time
		post.ReadyTime = &t
	}
	if title.Valid {
		v := title.String
		post.Title = &v
	}
	post.Sentiment = Sentiment(sentiment)
	post.ProcessState = ProcessState(processState)

	for _, field := range []struct {
		raw  []byte
		dest *map[string]any
		name string
	}{
		{feature, &post.Feature, "feature"},
		{poi, &post.POI, "poi"},
		{videoInfo, &post.VideoInfo, "video_info"},
		{basedLocation, &post.BasedLocation, "based_location"},
	} {
		if err := unmarshalJSON(field.raw, field.dest); err != nil {
			return Post{}, fmt.Errorf("decode %s: %w", field.name, err)
		}
	}
	post.MatchedTaskIDs = []string{}
	if len(matched) > 0 {
		if err := json.Unmarshal(matched, &post.MatchedTaskIDs); err != nil {
			return Post{}, fmt.Errorf("decode matched_task_ids: %w", err)
		}
	}
	return post, nil
}

func marshalJSON(value map[string]any) (string, error) {
	if value == nil {
		return "null", nil
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

func unmarshalJSON(raw []byte, dest *map[string]any) error {
	if len(raw) == 0 || string(raw) == "null" {
		*dest = nil
		return nil
	}
	return json.Unmarshal(raw, dest)
}

func normalizePaging(page, pageSize int) (int, int) {
	if page < 1 {
		page = 1
	}
	if pageSize <= 0 {
		pageSize = 10
	}
	if pageSize > 100 {
		pageSize = 100
	}
	return page, pageSize
}

func escapeLike(value string) string {
	replacer := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return replacer.Replace(value)
}

func formatTimeOfDay(seconds int) string {
	d := time.Duration(seconds) * time.Second
	h := int(d / time.Hour)
	m := int((d % time.Hour) / time.Minute)
	sec := int((d % time.Minute) / time.Second)
	return fmt.Sprintf("%02d:%02d:%02d", h, m, sec)
}
