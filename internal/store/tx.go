package store

import (
	"context"
	"errors"
	"time"
)

// ErrDraftExists is returned when a second draft would be stored for a UUID.
var ErrDraftExists = errors.New("draft already exists")

// ErrNoDraft is returned when persisting or deleting a draft that is not stored.
var ErrNoDraft = errors.New("draft not found")

// Tx is the unit of work every graph operation runs in. Lookups return
// (nil, nil) when nothing matches.
type Tx interface {
	Draft(ctx context.Context, kind Kind, uuid string) (*Document, error)
	LatestPersisted(ctx context.Context, kind Kind, uuid string) (*Document, error)
	LatestPersistedBefore(ctx context.Context, kind Kind, uuid string, at time.Time) (*Document, error)
	Version(ctx context.Context, kind Kind, versionID string) (*Document, error)
	Exists(ctx context.Context, kind Kind, uuid string) (bool, error)

	// SaveDraft inserts the draft for doc.UUID or overwrites the existing one.
	// The stored draft keeps its version id.
	SaveDraft(ctx context.Context, doc *Document) error
	// Persist freezes the draft row identified by doc.VersionID with doc's content.
	Persist(ctx context.Context, doc *Document) error
	// DeleteDraft removes the draft for uuid and reports whether one existed.
	DeleteDraft(ctx context.Context, kind Kind, uuid string) (bool, error)

	// PersistedVersions returns up to limit version ids of uuid, newest first.
	PersistedVersions(ctx context.Context, kind Kind, uuid string, limit int) ([]string, error)
	// ReferencingTemplates returns the UUIDs of templates whose snapshots list
	// any of versionIDs in fields (for template fields) or related templates.
	ReferencingTemplates(ctx context.Context, kind Kind, versionIDs []string) ([]string, error)
	// PersistedUUIDs returns every uuid of kind with a persisted snapshot,
	// sorted.
	PersistedUUIDs(ctx context.Context, kind Kind) ([]string, error)
	// PinnedRecords returns the sorted uuids of records with a persisted
	// snapshot pinned to any of datasetVersionIDs.
	PinnedRecords(ctx context.Context, datasetVersionIDs []string) ([]string, error)

	InsertFile(ctx context.Context, file File) error
	GetFile(ctx context.Context, uuid string) (*File, error)
	SaveFile(ctx context.Context, file File) error
	DeleteFile(ctx context.Context, uuid string) error

	LegacyOldFor(ctx context.Context, newUUID string) (string, error)
}

// TxFunc is run by WithTx. Returning an error rolls the transaction back.
type TxFunc func(tx Tx) error
