package app

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"insightwatch/api/internal/insight"
	"insightwatch/api/internal/search"
	"insightwatch/api/internal/store"
)

const syncTokenHeader = "X-Sync-Token"

type HTTPServer struct {
	service *Service
	log     zerolog.Logger
}

func NewHTTPServer(service *Service, log zerolog.Logger) *HTTPServer {
	return &HTTPServer{service: service, log: log}
}

func (s *HTTPServer) Handler() http.Handler {
	return s.withMiddleware(http.HandlerFunc(s.handle))
}

func (s *HTTPServer) handle(w http.ResponseWriter, r *http.Request) {
	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/health" {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/ready" {
		s.handleReady(w, r)
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/insight/sync" {
		if !s.validSyncToken(r) {
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
			return
		}
		s.handleSync(w, r)
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/insight/search" {
		s.handleSearch(w, r)
		return
	}

	parts := splitPath(r.URL.Path)
	// api/insight/tasks/{externalTaskId}/posts
	if r.Method == http.MethodGet && len(parts) == 5 && parts[0] == "api" && parts[1] == "insight" && parts[2] == "tasks" && parts[4] == "posts" {
		s.handleTaskPosts(w, r, parts[3])
		return
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Route not found", nil)
}

func (s *HTTPServer) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := "ready"
	statusCode := http.StatusOK
	checks := map[string]any{
		"database": map[string]any{"status": "ok"},
		"redis":    map[string]any{"status": "ok"},
	}

	if err := s.service.Ping(ctx); err != nil {
		status = "not_ready"
		statusCode = http.StatusServiceUnavailable
		checks["database"] = map[string]any{
			"status": "error",
			"error":  err.Error(),
		}
	}
	if err := s.service.PingQueue(ctx); err != nil {
		status = "not_ready"
		statusCode = http.StatusServiceUnavailable
		checks["redis"] = map[string]any{
			"status": "error",
			"error":  err.Error(),
		}
	}

	writeJSON(w, statusCode, map[string]any{
		"ok":     status == "ready",
		"status": status,
		"checks": checks,
	})
}

// validSyncToken rejects every request when no token is configured.
func (s *HTTPServer) validSyncToken(r *http.Request) bool {
	expected := s.service.SyncToken()
	got := strings.TrimSpace(r.Header.Get(syncTokenHeader))
	if expected == "" || got == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(got), []byte(expected)) == 1
}

func (s *HTTPServer) handleSync(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ItemDoc json.RawMessage `json:"item_doc"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	if _, err := s.service.SyncPost(r.Context(), body.ItemDoc); err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"code":    http.StatusOK,
		"message": "sync ok",
		"data":    map[string]any{},
	})
}

func (s *HTTPServer) handleTaskPosts(w http.ResponseWriter, r *http.Request, externalTaskID string) {
	filter, err := parsePostFilter(r, externalTaskID, s.service.Location())
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", err.Error(), nil)
		return
	}
	page, err := s.service.ListTaskPosts(r.Context(), filter)
	if err != nil {
		status, code, message, details := mapError(err)
		if status == http.StatusInternalServerError {
			s.log.Error().Err(err).Str("external_task_id", externalTaskID).Msg("list task posts")
		}
		writeError(w, status, code, message, details)
		return
	}

	items := make([]map[string]any, 0, len(page.Posts))
	for _, post := range page.Posts {
		items = append(items, postView(post, s.service.Location()))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"code":    http.StatusOK,
		"message": "ok",
		"data": map[string]any{
			"items":     items,
			"total":     page.Total,
			"page":      page.Page,
			"page_size": page.PageSize,
		},
	})
}

func (s *HTTPServer) handleSearch(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	q := search.Query{
		Text:       strings.TrimSpace(query.Get("q")),
		TaskID:     strings.TrimSpace(query.Get("task_id")),
		MainDomain: strings.TrimSpace(query.Get("main_domain")),
	}
	if raw := query.Get("sentiment"); raw != "" {
		n, err := parseSentiment(raw)
		if err != nil {
			writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", err.Error(), nil)
			return
		}
		v := int(n)
		q.Sentiment = &v
	}
	q.Limit, _ = strconv.Atoi(query.Get("limit"))
	q.Offset, _ = strconv.Atoi(query.Get("offset"))

	resp, err := s.service.Search(r.Context(), q)
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func parsePostFilter(r *http.Request, externalTaskID string, loc *time.Location) (store.PostFilter, error) {
	query := r.URL.Query()
	filter := store.PostFilter{
		ExternalTaskID: externalTaskID,
		Title:          strings.TrimSpace(query.Get("title")),
		MainDomain:     strings.TrimSpace(query.Get("main_domain")),
	}

	if raw := query.Get("sentiment"); raw != "" {
		sentiment, err := parseSentiment(raw)
		if err != nil {
			return store.PostFilter{}, err
		}
		filter.Sentiment = &sentiment
	}
	if raw := query.Get("publish_time_start"); raw != "" {
		if filter.PublishTimeStart = insight.ParseTimestamp(raw, loc); filter.PublishTimeStart == nil {
			return store.PostFilter{}, fmt.Errorf("invalid publish_time_start")
		}
	}
	if raw := query.Get("publish_time_end"); raw != "" {
		if filter.PublishTimeEnd = insight.ParseTimestamp(raw, loc); filter.PublishTimeEnd == nil {
			return store.PostFilter{}, fmt.Errorf("invalid publish_time_end")
		}
	}

	switch order := strings.ToLower(strings.TrimSpace(query.Get("order"))); order {
	case "", "desc":
		filter.Order = "desc"
	case "asc":
		filter.Order = "asc"
	default:
		return store.PostFilter{}, fmt.Errorf("order must be asc or desc")
	}

	var err error
	if filter.Page, err = optionalInt(query.Get("page")); err != nil {
		return store.PostFilter{}, fmt.Errorf("invalid page")
	}
	if filter.PageSize, err = optionalInt(query.Get("page_size")); err != nil {
		return store.PostFilter{}, fmt.Errorf("invalid page_size")
	}
	return filter, nil
}

func parseSentiment(raw string) (store.Sentiment, error) {
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil || n < 0 || n > 2 {
		return 0, fmt.Errorf("sentiment must be 0, 1 or 2")
	}
	return store.Sentiment(n), nil
}

func optionalInt(raw string) (int, error) {
	if strings.TrimSpace(raw) == "" {
		return 0, nil
	}
	return strconv.Atoi(strings.TrimSpace(raw))
}

func postView(p store.Post, loc *time.Location) map[string]any {
	return map[string]any{
		"origin_id":        p.OriginID,
		"post_id":          p.PostID,
		"publish_time":     formatTime(p.PublishTime, loc),
		"push_ready_time":  formatTime(p.ReadyTime, loc),
		"main_domain":      p.MainDomain,
		"domain":           p.Domain,
		"url":              p.URL,
		"title":            p.Title,
		"feature":          p.Feature,
		"sentiment":        int(p.Sentiment),
		"poi":              p.POI,
		"status":           p.Status,
		"post_type":        p.PostType,
		"video_info":       p.VideoInfo,
		"based_location":   p.BasedLocation,
		"matched_task_ids": p.MatchedTaskIDs,
		"process_state":    int(p.ProcessState),
	}
}

func formatTime(t *time.Time, loc *time.Location) any {
	if t == nil {
		return nil
	}
	return t.In(loc).Format("2006-01-02 15:04:05")
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = randomRequestID()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, requestID)
		r = r.WithContext(ctx)

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		writer.Header().Set("Cache-Control", "no-store")
		writer.Header().Set("Content-Type", "application/json")
		writer.Header().Set("X-Request-ID", requestID)

		next.ServeHTTP(writer, r)

		s.log.Info().
			Str("request_id", requestID).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", writer.status).
			Int64("duration_ms", time.Since(started).Milliseconds()).
			Msg("request")
	})
}

type requestIDKey struct{}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func randomRequestID() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(w, status, response)
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, http.ErrBodyReadAfterClose) {
			return nil
		}
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}
