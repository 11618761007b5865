package graph

import (
	"context"
	"fmt"
	"time"

	"metagraph/api/internal/metrics"
	"metagraph/api/internal/store"
)

// Create validates body as a new document of kind, together with every new or
// updated document nested in it, and returns the new uuid.
func (e *Engine) Create(ctx context.Context, tx store.Tx, userID string, kind store.Kind, body []byte) (string, error) {
	defer metrics.ObserveOperation("create", string(kind), time.Now())
	in, err := decodeInput(kind, body)
	if err != nil {
		return "", err
	}
	if uuidOf(in) != "" {
		return "", inputError("Cannot create a %s with a uuid. Use update instead.", kind)
	}
	return e.begin(ctx, tx, userID).upsert(in)
}

// Update replaces the draft of uuid with body. Nested documents are created
// or updated along the way.
func (e *Engine) Update(ctx context.Context, tx store.Tx, userID string, kind store.Kind, uuid string, body []byte) error {
	defer metrics.ObserveOperation("update", string(kind), time.Now())
	in, err := decodeInput(kind, body)
	if err != nil {
		return err
	}
	if current := uuidOf(in); current != "" && current != uuid {
		return inputError("uuid %s in the body does not match %s", current, uuid)
	}
	setUUID(in, uuid)
	_, err = e.begin(ctx, tx, userID).upsert(in)
	return err
}

// DraftGet repairs and returns the draft tree of uuid. Without a stored draft
// it returns nil unless synthesize is set. Callers without draft permission
// get the latest persisted tree instead.
func (e *Engine) DraftGet(ctx context.Context, tx store.Tx, userID string, kind store.Kind, uuid string, synthesize bool) (*Node, error) {
	defer metrics.ObserveOperation("draft_get", string(kind), time.Now())
	return e.begin(ctx, tx, userID).draftGet(kind, uuid, synthesize)
}

// DraftDelete removes the draft of uuid. Files only referenced by a record
// draft are released.
func (e *Engine) DraftDelete(ctx context.Context, tx store.Tx, userID string, kind store.Kind, uuid string) error {
	defer metrics.ObserveOperation("draft_delete", string(kind), time.Now())
	o := e.begin(ctx, tx, userID)
	draft, err := tx.Draft(ctx, kind, uuid)
	if err != nil {
		return err
	}
	if draft == nil {
		return notFound("No draft exists with uuid %s", uuid)
	}
	allowed, err := o.canDraft(draft)
	if err != nil {
		return err
	}
	if !allowed {
		return permissionDenied("%s", uuid)
	}
	if _, err := tx.DeleteDraft(ctx, kind, uuid); err != nil {
		return fmt.Errorf("delete %s draft %s: %w", kind, uuid, err)
	}
	if kind == store.KindRecord {
		persisted, err := tx.LatestPersisted(ctx, kind, uuid)
		if err != nil {
			return err
		}
		var kept []store.RecordField
		if persisted != nil {
			kept = persisted.Values
		}
		o.releaseLostFiles(draft.Values, kept)
	}
	return nil
}

func (e *Engine) DraftExisting(ctx context.Context, tx store.Tx, kind store.Kind, uuid string) (bool, error) {
	draft, err := tx.Draft(ctx, kind, uuid)
	return draft != nil, err
}

// Persist freezes the draft tree of uuid and returns the version id of the
// root. lastUpdate must equal the current LastUpdate of the tree.
func (e *Engine) Persist(ctx context.Context, tx store.Tx, userID string, kind store.Kind, uuid string, lastUpdate time.Time) (string, error) {
	versionID, _, err := e.PersistTree(ctx, tx, userID, kind, uuid, lastUpdate)
	return versionID, err
}

// PersistTree is Persist that also returns every snapshot it wrote, root
// last.
func (e *Engine) PersistTree(ctx context.Context, tx store.Tx, userID string, kind store.Kind, uuid string, lastUpdate time.Time) (string, []*store.Document, error) {
	defer metrics.ObserveOperation("persist", string(kind), time.Now())
	o := e.begin(ctx, tx, userID)
	versionID, err := o.persistRoot(kind, uuid, lastUpdate)
	if err != nil {
		return "", nil, err
	}
	return versionID, o.frozen, nil
}

func (e *Engine) LastUpdate(ctx context.Context, tx store.Tx, userID string, kind store.Kind, uuid string) (time.Time, error) {
	defer metrics.ObserveOperation("last_update", string(kind), time.Now())
	return e.begin(ctx, tx, userID).lastUpdate(kind, uuid)
}

func (e *Engine) LatestPersisted(ctx context.Context, tx store.Tx, userID string, kind store.Kind, uuid string) (*Node, error) {
	defer metrics.ObserveOperation("latest_persisted", string(kind), time.Now())
	return e.begin(ctx, tx, userID).persistedRoot(kind, uuid, nil)
}

// LatestPersistedBefore returns the tree of the newest version of uuid
// persisted no later than at. Children are the versions it pinned.
func (e *Engine) LatestPersistedBefore(ctx context.Context, tx store.Tx, userID string, kind store.Kind, uuid string, at time.Time) (*Node, error) {
	defer metrics.ObserveOperation("latest_persisted_before", string(kind), time.Now())
	return e.begin(ctx, tx, userID).persistedRoot(kind, uuid, &at)
}

// PersistedVersion returns the tree of the persisted snapshot versionID.
func (e *Engine) PersistedVersion(ctx context.Context, tx store.Tx, userID string, kind store.Kind, versionID string) (*Node, error) {
	defer metrics.ObserveOperation("persisted_version", string(kind), time.Now())
	return e.begin(ctx, tx, userID).persistedVersion(kind, versionID)
}

// NewDatasetForTemplate returns a dataset body for the latest persisted
// version of templateUUID with one related dataset per related or subscribed
// template. Posting it creates the dataset tree.
func (e *Engine) NewDatasetForTemplate(ctx context.Context, tx store.Tx, userID string, templateUUID string) (*DatasetInput, error) {
	defer metrics.ObserveOperation("new_dataset_for_template", string(store.KindTemplate), time.Now())
	return e.begin(ctx, tx, userID).newDatasetForTemplate(templateUUID)
}

// DatasetRecords returns the latest persisted snapshot of every record
// pinned to a version of datasetUUID, ordered by uuid.
func (e *Engine) DatasetRecords(ctx context.Context, tx store.Tx, userID string, datasetUUID string) ([]*store.Document, error) {
	defer metrics.ObserveOperation("dataset_records", string(store.KindDataset), time.Now())
	return e.begin(ctx, tx, userID).datasetRecords(datasetUUID)
}

// PublicUUIDs lists every persisted uuid of kind whose latest snapshot is
// public.
func (e *Engine) PublicUUIDs(ctx context.Context, tx store.Tx, kind store.Kind) ([]string, error) {
	o := e.begin(ctx, tx, "")
	return o.filterUUIDs(kind, func(uuid string) (bool, error) {
		return o.isPublic(kind, uuid)
	})
}

// ViewableUUIDs lists every persisted uuid of kind that userID may view,
// either through a grant or because it is public.
func (e *Engine) ViewableUUIDs(ctx context.Context, tx store.Tx, userID string, kind store.Kind) ([]string, error) {
	o := e.begin(ctx, tx, userID)
	return o.filterUUIDs(kind, func(uuid string) (bool, error) {
		return o.canView(kind, uuid)
	})
}

// CanView reports whether userID may read the latest persisted snapshot of
// uuid. Unknown documents are not viewable.
func (e *Engine) CanView(ctx context.Context, tx store.Tx, userID string, kind store.Kind, uuid string) (bool, error) {
	persisted, err := tx.LatestPersisted(ctx, kind, uuid)
	if err != nil || persisted == nil {
		return false, err
	}
	return e.begin(ctx, tx, userID).canViewPersisted(persisted)
}

// CanDraft reports whether userID may read and write the draft of uuid. The
// check runs against the draft, or the latest persisted snapshot when there
// is none.
func (e *Engine) CanDraft(ctx context.Context, tx store.Tx, userID string, kind store.Kind, uuid string) (bool, error) {
	o := e.begin(ctx, tx, userID)
	doc, err := o.latestDocument(kind, uuid)
	if err != nil || doc == nil {
		return false, err
	}
	return o.canDraft(doc)
}

// Duplicate copies the latest persisted version of uuid into new drafts and
// returns the draft tree of the copy.
func (e *Engine) Duplicate(ctx context.Context, tx store.Tx, userID string, kind store.Kind, uuid string) (*Node, error) {
	defer metrics.ObserveOperation("duplicate", string(kind), time.Now())
	o := e.begin(ctx, tx, userID)
	copyUUID, err := o.duplicate(kind, uuid)
	if err != nil {
		return nil, err
	}
	draft, err := tx.Draft(ctx, kind, copyUUID)
	if err != nil {
		return nil, err
	}
	if draft == nil {
		return nil, fmt.Errorf("duplicate %s %s: copy %s has no draft", kind, uuid, copyUUID)
	}
	return o.draftTree(draft, map[string]bool{})
}

func (o *op) upsert(in any) (string, error) {
	var uuid string
	var err error
	switch in := in.(type) {
	case *FieldInput:
		uuid, _, err = o.validateField(*in)
	case *TemplateInput:
		uuid, _, err = o.validateTemplate(*in)
	case *DatasetInput:
		uuid, err = o.upsertDataset(*in)
	case *RecordInput:
		uuid, err = o.upsertRecord(*in)
	default:
		err = fmt.Errorf("unsupported input %T", in)
	}
	return uuid, err
}

func uuidOf(in any) string {
	switch in := in.(type) {
	case *FieldInput:
		return in.UUID
	case *TemplateInput:
		return in.UUID
	case *DatasetInput:
		return in.UUID
	case *RecordInput:
		return in.UUID
	}
	return ""
}

func setUUID(in any, uuid string) {
	switch in := in.(type) {
	case *FieldInput:
		in.UUID = uuid
	case *TemplateInput:
		in.UUID = uuid
	case *DatasetInput:
		in.UUID = uuid
	case *RecordInput:
		in.UUID = uuid
	}
}
