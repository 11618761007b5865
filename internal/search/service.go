package search

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"metagraph/api/internal/store"
)

// Backend is a search engine that also maintains its own index.
type Backend interface {
	Searcher
	Indexer
}

// VisibleFunc reports whether the caller may see a hit.
type VisibleFunc func(ctx context.Context, r Result) (bool, error)

// Service is the facade that tries the primary backend first and falls back
// to the store's full-text search.
type Service struct {
	primary  Backend
	fallback *FullText
	log      zerolog.Logger
	now      func() time.Time
	pending  sync.WaitGroup
}

// NewService creates a search service. primary may be nil if Meilisearch is
// not configured.
func NewService(primary Backend, fallback *FullText, log zerolog.Logger) *Service {
	return &Service{
		primary:  primary,
		fallback: fallback,
		log:      log.With().Str("component", "search").Logger(),
		now:      time.Now,
	}
}

// Search runs q and drops every hit visible rejects. Total is reduced by the
// number of dropped hits.
func (s *Service) Search(ctx context.Context, q Query, visible VisibleFunc) (Response, error) {
	results, total, err := s.search(q)
	if err != nil {
		s.log.Error().Err(err).Str("query", q.Text).Msg("full-text search failed")
		return Response{Results: []Result{}, Query: q.Text}, nil
	}

	filtered := make([]Result, 0, len(results))
	for _, result := range results {
		ok, err := visible(ctx, result)
		if err != nil {
			return Response{}, fmt.Errorf("filter %s %s: %w", result.Kind, result.UUID, err)
		}
		if ok {
			filtered = append(filtered, result)
		}
	}
	total -= len(results) - len(filtered)
	return Response{Results: filtered, Total: max(total, len(filtered)), Query: q.Text}, nil
}

func (s *Service) search(q Query) ([]Result, int, error) {
	if s.primary != nil && s.primary.Healthy() {
		results, total, err := s.primary.Search(q)
		if err == nil {
			return results, total, nil
		}
		s.log.Warn().Err(err).Msg("meilisearch error, falling back to full-text")
	}
	return s.fallback.Search(q)
}

// IndexSnapshots pushes persisted snapshots to the primary backend in the
// background. Only the newest snapshot per document is kept by the index.
func (s *Service) IndexSnapshots(docs []*store.Document) {
	if s.primary == nil || !s.primary.Healthy() || len(docs) == 0 {
		return
	}
	now := s.now()
	records := make([]SnapshotRecord, 0, len(docs))
	for _, doc := range docs {
		records = append(records, RecordFor(doc, now))
	}
	s.pending.Add(1)
	go func() {
		defer s.pending.Done()
		if err := s.primary.IndexSnapshots(records); err != nil {
			s.log.Warn().Err(err).Int("count", len(records)).Msg("index snapshots")
		}
	}()
}

// Flush waits for background indexing to finish.
func (s *Service) Flush() {
	s.pending.Wait()
}

// Reindex loads the latest persisted snapshot of every document and pushes
// them to the primary backend, one goroutine per kind.
func (s *Service) Reindex(ctx context.Context) (int, error) {
	if s.primary == nil {
		return 0, fmt.Errorf("reindex: no search backend configured")
	}
	if !s.primary.Healthy() {
		return 0, fmt.Errorf("reindex: search backend unhealthy")
	}

	counts := make([]int, len(store.Kinds))
	g, ctx := errgroup.WithContext(ctx)
	for i, kind := range store.Kinds {
		g.Go(func() error {
			records, err := s.fallback.LoadAllRecords(ctx, kind)
			if err != nil {
				return err
			}
			if err := s.primary.IndexSnapshots(records); err != nil {
				return fmt.Errorf("index %s snapshots: %w", kind, err)
			}
			counts[i] = len(records)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return 0, err
	}
	total := 0
	for _, count := range counts {
		total += count
	}
	s.log.Info().Int("count", total).Msg("reindexed snapshots")
	return total, nil
}
