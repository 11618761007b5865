// Package graph implements the versioned document graph: draft synthesis,
// repair, recursive persist, permission scoped fetch and last update
// tracking for template fields, templates, datasets and records.
package graph

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"metagraph/api/internal/permission"
	"metagraph/api/internal/store"
)

// Oracle answers explicit permission queries for a user.
type Oracle interface {
	HasPermission(ctx context.Context, userID, uuid string, level permission.Level) (bool, error)
	InitializePermissionsFor(ctx context.Context, userID, uuid string) error
}

// FileManager tracks the files attached to record fields.
type FileManager interface {
	Allocate(ctx context.Context, tx store.Tx, recordUUID, fieldUUID string) (store.File, error)
	Verify(ctx context.Context, tx store.Tx, uuid, recordUUID, fieldUUID string) error
	MarkPersisted(ctx context.Context, tx store.Tx, uuid string) error
	Release(ctx context.Context, tx store.Tx, uuid string) error
}

type Engine struct {
	oracle Oracle
	files  FileManager
	log    zerolog.Logger
	now    func() time.Time
}

func New(oracle Oracle, files FileManager, log zerolog.Logger) *Engine {
	return &Engine{
		oracle: oracle,
		files:  files,
		log:    log.With().Str("component", "graph").Logger(),
		now:    time.Now,
	}
}

// WithClock returns a copy of e reading the current time from now.
func (e *Engine) WithClock(now func() time.Time) *Engine {
	clone := *e
	clone.now = now
	return &clone
}

// op carries the state of one engine operation: the transaction, the acting
// user, the logical time of every write and the traversal markers.
type op struct {
	*Engine
	ctx  context.Context
	tx   store.Tx
	user string
	now  time.Time

	perms     map[permKey]bool
	public    map[string]bool
	ancestors map[string]bool
	seen      map[string]bool
	visiting  map[string]bool
	repaired  map[string]bool

	persisting map[string]bool
	persisted  map[string]persistResult
	created    []docRef
	frozen     []*store.Document
}

type permKey struct {
	uuid  string
	level permission.Level
}

type docRef struct {
	kind store.Kind
	uuid string
}

func (r docRef) key() string {
	return string(r.kind) + ":" + r.uuid
}

func (e *Engine) begin(ctx context.Context, tx store.Tx, userID string) *op {
	return &op{
		Engine:    e,
		ctx:       ctx,
		tx:        tx,
		user:      userID,
		now:       e.now().UTC().Truncate(time.Microsecond),
		perms:     map[permKey]bool{},
		public:    map[string]bool{},
		ancestors: map[string]bool{},
		seen:      map[string]bool{},
		visiting:  map[string]bool{},
		repaired:  map[string]bool{},

		persisting: map[string]bool{},
		persisted:  map[string]persistResult{},
	}
}

// has reports an explicit grant. Results are cached for the operation.
func (o *op) has(uuid string, level permission.Level) (bool, error) {
	key := permKey{uuid: uuid, level: level}
	if allowed, ok := o.perms[key]; ok {
		return allowed, nil
	}
	allowed, err := o.oracle.HasPermission(o.ctx, o.user, uuid, level)
	if err != nil {
		return false, fmt.Errorf("check %s permission on %s: %w", level, uuid, err)
	}
	o.perms[key] = allowed
	return allowed, nil
}

func (o *op) initializePermissions(uuid string) error {
	if err := o.oracle.InitializePermissionsFor(o.ctx, o.user, uuid); err != nil {
		return fmt.Errorf("initialize permissions for %s: %w", uuid, err)
	}
	for _, level := range permission.AtLeast(permission.LevelView) {
		o.perms[permKey{uuid: uuid, level: level}] = true
	}
	return nil
}

// isPublic reports whether the latest persisted snapshot of uuid has a
// public date that has passed.
func (o *op) isPublic(kind store.Kind, uuid string) (bool, error) {
	key := docRef{kind, uuid}.key()
	if public, ok := o.public[key]; ok {
		return public, nil
	}
	latest, err := o.tx.LatestPersisted(o.ctx, kind, uuid)
	if err != nil {
		return false, err
	}
	public := latest != nil && latest.PublicDate != nil && !latest.PublicDate.After(o.now)
	o.public[key] = public
	return public, nil
}

// canView reports an explicit view grant or public visibility on uuid.
func (o *op) canView(kind store.Kind, uuid string) (bool, error) {
	allowed, err := o.has(uuid, permission.LevelView)
	if err != nil || allowed {
		return allowed, err
	}
	return o.isPublic(kind, uuid)
}

// canViewPersisted applies the read rule of a persisted snapshot. Records
// are readable through their dataset or through their own public date.
func (o *op) canViewPersisted(doc *store.Document) (bool, error) {
	if doc.Kind != store.KindRecord {
		return o.canView(doc.Kind, doc.UUID)
	}
	datasetUUID, err := o.recordDatasetUUID(doc)
	if err != nil {
		return false, err
	}
	if datasetUUID != "" {
		allowed, err := o.canView(store.KindDataset, datasetUUID)
		if err != nil || allowed {
			return allowed, err
		}
	}
	return o.isPublic(store.KindRecord, doc.UUID)
}

// canDraft reports whether the caller may read and write the draft of doc.
func (o *op) canDraft(doc *store.Document) (bool, error) {
	d := describe(doc.Kind)
	uuid := doc.UUID
	if doc.Kind == store.KindRecord {
		datasetUUID, err := o.recordDatasetUUID(doc)
		if err != nil || datasetUUID == "" {
			return false, err
		}
		uuid = datasetUUID
	}
	return o.has(uuid, d.draftLevel())
}

// recordDatasetUUID resolves the logical dataset of a record snapshot. Drafts
// hold the uuid, persisted snapshots the pinned version.
func (o *op) recordDatasetUUID(record *store.Document) (string, error) {
	if record.IsDraft() {
		return record.Ancestor, nil
	}
	dataset, err := o.tx.Version(o.ctx, store.KindDataset, record.Ancestor)
	if err != nil {
		return "", err
	}
	if dataset == nil {
		return "", nil
	}
	return dataset.UUID, nil
}

// latestDocument returns the draft of uuid, or else its latest persisted
// snapshot.
func (o *op) latestDocument(kind store.Kind, uuid string) (*store.Document, error) {
	draft, err := o.tx.Draft(o.ctx, kind, uuid)
	if err != nil || draft != nil {
		return draft, err
	}
	return o.tx.LatestPersisted(o.ctx, kind, uuid)
}

func (o *op) logger(kind store.Kind, uuid string) *zerolog.Logger {
	log := o.log.With().Str("kind", string(kind)).Str("uuid", uuid).Logger()
	return &log
}
