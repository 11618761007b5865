package search

import (
	"context"
	"fmt"
	"strings"
	"time"

	"metagraph/api/internal/store"
)

// Source is the snapshot store seen by the search fallback.
type Source interface {
	SearchPersisted(ctx context.Context, query string, kind store.Kind, limit int) ([]*store.Document, error)
	LatestPersistedAll(ctx context.Context, kind store.Kind) ([]*store.Document, error)
}

// FullText implements Searcher over the store's own full-text query. On
// Postgres that is the snapshots search_vector.
type FullText struct {
	source Source
	now    func() time.Time
}

func NewFullText(source Source) *FullText {
	return &FullText{source: source, now: time.Now}
}

// Healthy always returns true. If the store is down, the whole app is down.
func (f *FullText) Healthy() bool {
	return true
}

func (f *FullText) Search(q Query) ([]Result, int, error) {
	if strings.TrimSpace(q.Text) == "" {
		return nil, 0, nil
	}
	limit := q.Limit
	if limit <= 0 {
		limit = 20
	}
	offset := max(q.Offset, 0)

	docs, err := f.source.SearchPersisted(context.Background(), q.Text, q.Kind, limit+offset)
	if err != nil {
		return nil, 0, fmt.Errorf("full-text search: %w", err)
	}
	if offset >= len(docs) {
		return nil, len(docs), nil
	}
	now := f.now()
	results := make([]Result, 0, len(docs)-offset)
	for _, doc := range docs[offset:] {
		results = append(results, RecordFor(doc, now).result())
	}
	return results, len(docs), nil
}

// LoadAllRecords returns the index record of every latest persisted snapshot
// of kind.
func (f *FullText) LoadAllRecords(ctx context.Context, kind store.Kind) ([]SnapshotRecord, error) {
	docs, err := f.source.LatestPersistedAll(ctx, kind)
	if err != nil {
		return nil, fmt.Errorf("load %s snapshots: %w", kind, err)
	}
	now := f.now()
	records := make([]SnapshotRecord, 0, len(docs))
	for _, doc := range docs {
		records = append(records, RecordFor(doc, now))
	}
	return records, nil
}
