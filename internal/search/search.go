package search

import (
	"time"

	"metagraph/api/internal/store"
)

// Result is a single search hit returned to the caller.
type Result struct {
	UUID        string     `json:"uuid"`
	Kind        store.Kind `json:"kind"`
	VersionID   string     `json:"version_id"`
	Name        string     `json:"name"`
	Snippet     string     `json:"snippet"`
	PersistDate *time.Time `json:"persist_date,omitempty"`
	Public      bool       `json:"public"`
}

// Query describes a search request.
type Query struct {
	Text   string
	Kind   store.Kind // empty = all kinds
	Limit  int
	Offset int
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}

// Searcher can execute a full-text search.
type Searcher interface {
	Search(q Query) ([]Result, int, error)
	Healthy() bool
}

// Indexer can push persisted snapshots into a search index.
type Indexer interface {
	IndexSnapshots(records []SnapshotRecord) error
}

// SnapshotRecord is the data we index for the latest persisted snapshot of a
// document. One record exists per kind and uuid.
type SnapshotRecord struct {
	ID          string `json:"id"`
	UUID        string `json:"uuid"`
	Kind        string `json:"kind"`
	VersionID   string `json:"versionId"`
	Name        string `json:"name"`
	Description string `json:"description"`
	PersistDate int64  `json:"persistDate"`
	Public      bool   `json:"public"`
}

// RecordFor builds the index record of a persisted snapshot. Public is
// evaluated at now.
func RecordFor(doc *store.Document, now time.Time) SnapshotRecord {
	record := SnapshotRecord{
		ID:          recordID(doc.Kind, doc.UUID),
		UUID:        doc.UUID,
		Kind:        string(doc.Kind),
		VersionID:   doc.VersionID,
		Name:        doc.Name,
		Description: doc.Description,
		Public:      doc.PublicDate != nil && !doc.PublicDate.After(now),
	}
	if doc.PersistDate != nil {
		record.PersistDate = doc.PersistDate.Unix()
	}
	return record
}

func recordID(kind store.Kind, uuid string) string {
	return string(kind) + "_" + uuid
}

func (r SnapshotRecord) result() Result {
	result := Result{
		UUID:      r.UUID,
		Kind:      store.Kind(r.Kind),
		VersionID: r.VersionID,
		Name:      r.Name,
		Snippet:   r.Description,
		Public:    r.Public,
	}
	if r.PersistDate != 0 {
		persisted := time.Unix(r.PersistDate, 0).UTC()
		result.PersistDate = &persisted
	}
	return result
}
