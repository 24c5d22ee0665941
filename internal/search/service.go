package search

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"insightwatch/api/internal/store"
)

// Service is the facade that tries Meilisearch first and falls back to Postgres.
type Service struct {
	meili *Meili
	pgfts *PgFTS
	log   zerolog.Logger
}

// NewService creates a search service. meili may be nil if Meilisearch is not configured.
func NewService(meili *Meili, pgfts *PgFTS, log zerolog.Logger) *Service {
	return &Service{meili: meili, pgfts: pgfts, log: log}
}

// Search tries Meilisearch if healthy, otherwise falls back to Postgres.
func (s *Service) Search(ctx context.Context, q Query) Response {
	if s.meili != nil && s.meili.Healthy() {
		results, total, err := s.meili.Search(q)
		if err == nil {
			return Response{Results: nonNil(results), Total: total, Query: q.Text}
		}
		s.log.Warn().Err(err).Msg("meilisearch error, falling back to postgres")
	}
	if s.pgfts == nil {
		return Response{Results: []Result{}, Query: q.Text}
	}

	results, total, err := s.pgfts.Search(ctx, q)
	if err != nil {
		s.log.Error().Err(err).Msg("postgres search failed")
		return Response{Results: []Result{}, Total: 0, Query: q.Text}
	}
	return Response{Results: nonNil(results), Total: total, Query: q.Text}
}

// IndexPost indexes a post (fire-and-forget to Meilisearch).
func (s *Service) IndexPost(post store.Post) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	rec := RecordFromPost(post)
	go func() {
		if err := s.meili.IndexPost(rec); err != nil {
			s.log.Warn().Err(err).Str("origin_id", rec.OriginID).Msg("index post")
		}
	}()
}

// ReindexFromPG pushes posts updated since the given time into Meilisearch.
// Called at startup so posts ingested while Meilisearch was down become searchable.
func (s *Service) ReindexFromPG(ctx context.Context, since time.Time) {
	if s.meili == nil || !s.meili.Healthy() || s.pgfts == nil {
		return
	}
	records, err := s.pgfts.LoadPostRecords(ctx, since)
	if err != nil {
		s.log.Error().Err(err).Msg("reindex load failed")
		return
	}
	if err := s.meili.IndexPosts(records); err != nil {
		s.log.Error().Err(err).Msg("reindex posts")
		return
	}
	s.log.Info().Int("posts", len(records)).Msg("reindexed posts")
}

// Close stops the Meilisearch health monitor, if any.
func (s *Service) Close() {
	if s.meili != nil {
		s.meili.Close()
	}
}

func nonNil(r []Result) []Result {
	if r == nil {
		return []Result{}
	}
	return r
}
