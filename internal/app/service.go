package app

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"insightwatch/api/internal/config"
	"insightwatch/api/internal/insight"
	"insightwatch/api/internal/queue"
	"insightwatch/api/internal/search"
	"insightwatch/api/internal/store"
)

type dataStore interface {
	UpsertPost(ctx context.Context, post store.Post) error
	TaskExists(ctx context.Context, externalTaskID string) (bool, error)
	ListPostsByTask(ctx context.Context, filter store.PostFilter) (store.PostPage, error)
	Ping(ctx context.Context) error
}

type dispatchQueue interface {
	Enqueue(ctx context.Context, req queue.Request) (queue.Job, error)
	Ping(ctx context.Context) error
}

type rawArchive interface {
	ArchiveRaw(ctx context.Context, originID string, raw []byte) error
}

type postSearch interface {
	Search(ctx context.Context, q search.Query) search.Response
	IndexPost(post store.Post)
}

const archiveTimeout = 10 * time.Second

type Service struct {
	cfg     config.Config
	store   dataStore
	queue   dispatchQueue
	archive rawArchive
	search  postSearch
	loc     *time.Location
	log     zerolog.Logger
}

func New(cfg config.Config, dataStore *store.PostgresStore, q *queue.RedisQueue, log zerolog.Logger) *Service {
	loc, err := cfg.Location()
	if err != nil {
		loc = time.Local
	}
	return &Service{
		cfg:   cfg,
		store: dataStore,
		queue: q,
		loc:   loc,
		log:   log,
	}
}

// SetArchive enables archiving of raw payloads.
func (s *Service) SetArchive(a rawArchive) {
	s.archive = a
}

// SetSearch enables post indexing and the search endpoint.
func (s *Service) SetSearch(p postSearch) {
	s.search = p
}

func (s *Service) SyncToken() string {
	return s.cfg.SyncToken
}

// SyncPost stores one item_doc and schedules its alert dispatch. Only the
// upsert decides the outcome; enqueue, archive and index failures are logged.
func (s *Service) SyncPost(ctx context.Context, rawDoc json.RawMessage) (store.Post, error) {
	doc, err := decodeItemDoc(rawDoc)
	if err != nil {
		return store.Post{}, err
	}

	post, err := insight.ParseItemDoc(doc, s.loc)
	if errors.Is(err, insight.ErrMissingOriginID) {
		return store.Post{}, domainError(http.StatusUnprocessableEntity, "MISSING_ORIGIN_ID", "Missing origin_id in item_doc", nil)
	}
	log := s.log.With().Str("origin_id", post.OriginID).Logger()
	if err != nil {
		log.Error().Err(err).Msg("insight sync failed")
		return store.Post{}, domainError(http.StatusInternalServerError, "SYNC_FAILED", "Sync failed", map[string]any{"error": err.Error()})
	}

	if err := s.store.UpsertPost(ctx, post); err != nil {
		log.Error().Err(err).Msg("insight sync failed")
		return store.Post{}, domainError(http.StatusInternalServerError, "SYNC_FAILED", "Database error", map[string]any{"error": err.Error()})
	}

	s.enqueueDispatch(ctx, log, post)
	s.archiveRaw(ctx, log, post.OriginID, rawDoc)
	if s.search != nil {
		s.search.IndexPost(post)
	}
	return post, nil
}

func (s *Service) enqueueDispatch(ctx context.Context, log zerolog.Logger, post store.Post) {
	if s.queue == nil {
		return
	}
	job, err := s.queue.Enqueue(ctx, queue.NewRequest(post.OriginID, int(post.Sentiment)))
	switch {
	case errors.Is(err, queue.ErrDuplicate):
		log.Debug().Int("sentiment", int(post.Sentiment)).Msg("dispatch already outstanding")
	case err != nil:
		log.Error().Err(err).Msg("enqueue alert dispatch")
	default:
		log.Debug().Str("job_id", job.ID).Msg("alert dispatch enqueued")
	}
}

func (s *Service) archiveRaw(ctx context.Context, log zerolog.Logger, originID string, raw json.RawMessage) {
	if s.archive == nil {
		return
	}
	payload := append([]byte(nil), raw...)
	go func() {
		actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), archiveTimeout)
		defer cancel()
		if err := s.archive.ArchiveRaw(actx, originID, payload); err != nil {
			log.Warn().Err(err).Msg("archive raw item_doc")
		}
	}()
}

// ListTaskPosts pages through posts matched by one monitoring task.
func (s *Service) ListTaskPosts(ctx context.Context, filter store.PostFilter) (store.PostPage, error) {
	exists, err := s.store.TaskExists(ctx, filter.ExternalTaskID)
	if err != nil {
		return store.PostPage{}, err
	}
	if !exists {
		return store.PostPage{}, domainError(http.StatusNotFound, "TASK_NOT_FOUND", "Monitoring task not found", nil)
	}
	return s.store.ListPostsByTask(ctx, filter)
}

func (s *Service) Search(ctx context.Context, q search.Query) (search.Response, error) {
	if s.search == nil {
		return search.Response{}, domainError(http.StatusServiceUnavailable, "SEARCH_UNAVAILABLE", "Search is not configured", nil)
	}
	return s.search.Search(ctx, q), nil
}

func (s *Service) Location() *time.Location {
	return s.loc
}

// Ping checks database connectivity
func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// PingQueue checks Redis connectivity
func (s *Service) PingQueue(ctx context.Context) error {
	if s.queue == nil {
		return errors.New("queue not configured")
	}
	return s.queue.Ping(ctx)
}

// decodeItemDoc rejects absent or empty item_doc values and keeps numbers as json.Number.
func decodeItemDoc(raw json.RawMessage) (map[string]any, error) {
	missing := domainError(http.StatusBadRequest, "MISSING_ITEM_DOC", "Missing item_doc", nil)
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return nil, missing
	}
	switch string(trimmed) {
	case "null", "{}", "[]", `""`, "0", "false":
		return nil, missing
	}

	dec := json.NewDecoder(bytes.NewReader(trimmed))
	dec.UseNumber()
	var doc map[string]any
	if err := dec.Decode(&doc); err != nil {
		return nil, domainError(http.StatusBadRequest, "MISSING_ITEM_DOC", "item_doc must be an object", nil)
	}
	return doc, nil
}
