package graph

import (
	"metagraph/api/internal/permission"
	"metagraph/api/internal/store"
)

// refList is one traversed reference list of a document: uuids on drafts,
// version ids on persisted snapshots.
type refList struct {
	kind store.Kind
	get  func(*store.Document) []string
	set  func(*store.Document, []string)
}

var (
	fieldRefs = refList{
		kind: store.KindTemplateField,
		get:  func(d *store.Document) []string { return d.Fields },
		set:  func(d *store.Document, refs []string) { d.Fields = refs },
	}
	templateRelated = relatedList(store.KindTemplate)
	datasetRelated  = relatedList(store.KindDataset)
	recordRelated   = relatedList(store.KindRecord)
)

func relatedList(kind store.Kind) refList {
	return refList{
		kind: kind,
		get:  func(d *store.Document) []string { return d.Related },
		set:  func(d *store.Document, refs []string) { d.Related = refs },
	}
}

// descriptor is what the shared engine needs to know about one kind.
type descriptor interface {
	draftLevel() permission.Level
	refs() []refList
	equal(a, b *store.Document) bool
	// governing resolves the persisted document whose structure doc must
	// follow. parent is the governing document of the referencing node, nil
	// at the root. Kinds without a governing ancestor return nil.
	governing(o *op, doc, parent *store.Document) (*store.Document, error)
	advanced(o *op, doc, governing *store.Document) (bool, error)
	// reshape rewrites the structural projection of a draft to follow gov.
	reshape(o *op, draft, governing *store.Document) error
}

func describe(kind store.Kind) descriptor {
	switch kind {
	case store.KindTemplateField:
		return fieldKind{}
	case store.KindTemplate:
		return templateKind{}
	case store.KindDataset:
		return datasetKind{}
	default:
		return recordKind{}
	}
}

type ungoverned struct{}

func (ungoverned) governing(*op, *store.Document, *store.Document) (*store.Document, error) {
	return nil, nil
}

func (ungoverned) advanced(*op, *store.Document, *store.Document) (bool, error) {
	return false, nil
}

func (ungoverned) reshape(*op, *store.Document, *store.Document) error {
	return nil
}

type fieldKind struct{ ungoverned }

func (fieldKind) draftLevel() permission.Level { return permission.LevelEdit }
func (fieldKind) refs() []refList              { return nil }
func (fieldKind) equal(a, b *store.Document) bool {
	return commonEqual(a, b) && a.FieldType == b.FieldType && optionsEqual(a.Options, b.Options)
}

type templateKind struct{ ungoverned }

func (templateKind) draftLevel() permission.Level { return permission.LevelEdit }
func (templateKind) refs() []refList              { return []refList{fieldRefs, templateRelated} }
func (templateKind) equal(a, b *store.Document) bool {
	return commonEqual(a, b) &&
		setEqual(a.Fields, b.Fields) &&
		setEqual(a.Related, b.Related) &&
		setEqual(a.Subscribed, b.Subscribed)
}

type datasetKind struct{}

func (datasetKind) draftLevel() permission.Level { return permission.LevelAdmin }
func (datasetKind) refs() []refList              { return []refList{datasetRelated} }
func (datasetKind) equal(a, b *store.Document) bool {
	return commonEqual(a, b) && a.Ancestor == b.Ancestor && setEqual(a.Related, b.Related)
}

// governing is the latest persisted template while at the root, and the
// template version the parent's template pins for the same template uuid
// below it.
func (datasetKind) governing(o *op, doc, parent *store.Document) (*store.Document, error) {
	pinned, err := o.tx.Version(o.ctx, store.KindTemplate, doc.Ancestor)
	if err != nil || pinned == nil {
		return nil, err
	}
	if parent == nil {
		latest, err := o.tx.LatestPersisted(o.ctx, store.KindTemplate, pinned.UUID)
		if err != nil || latest == nil {
			return pinned, err
		}
		return latest, nil
	}
	slots, err := o.templateSlots(parent)
	if err != nil {
		return nil, err
	}
	for _, slot := range slots {
		if slot.UUID == pinned.UUID {
			return slot, nil
		}
	}
	return pinned, nil
}

func (datasetKind) advanced(_ *op, doc, governing *store.Document) (bool, error) {
	return governing != nil && governing.VersionID != doc.Ancestor, nil
}

// reshape pins the new template version and drops related datasets whose
// template no longer has a slot.
func (datasetKind) reshape(o *op, draft, governing *store.Document) error {
	slots, err := o.templateSlots(governing)
	if err != nil {
		return err
	}
	supported := map[string]bool{}
	for _, slot := range slots {
		supported[slot.UUID] = true
	}
	kept := []string{}
	for _, uuid := range draft.Related {
		related, err := o.latestDocument(store.KindDataset, uuid)
		if err != nil {
			return err
		}
		if related == nil {
			continue
		}
		template, err := o.tx.Version(o.ctx, store.KindTemplate, related.Ancestor)
		if err != nil {
			return err
		}
		if template != nil && supported[template.UUID] {
			kept = append(kept, uuid)
		}
	}
	draft.Ancestor = governing.VersionID
	draft.Related = kept
	return nil
}

type recordKind struct{}

func (recordKind) draftLevel() permission.Level { return permission.LevelEdit }
func (recordKind) refs() []refList              { return []refList{recordRelated} }
func (recordKind) equal(a, b *store.Document) bool {
	return commonEqual(a, b) &&
		a.Ancestor == b.Ancestor &&
		setEqual(a.Related, b.Related) &&
		recordFieldsEqual(a.Values, b.Values)
}

// governing is the latest persisted dataset at the root, and the dataset
// version pinned by the parent's dataset below it.
func (recordKind) governing(o *op, doc, parent *store.Document) (*store.Document, error) {
	datasetUUID, err := o.recordDatasetUUID(doc)
	if err != nil || datasetUUID == "" {
		return nil, err
	}
	if parent != nil {
		for _, versionID := range parent.Related {
			dataset, err := o.tx.Version(o.ctx, store.KindDataset, versionID)
			if err != nil {
				return nil, err
			}
			if dataset != nil && dataset.UUID == datasetUUID {
				return dataset, nil
			}
		}
	}
	return o.tx.LatestPersisted(o.ctx, store.KindDataset, datasetUUID)
}

// advanced reports a newer governing dataset, or a newer version of the
// template that dataset follows.
func (recordKind) advanced(o *op, doc, governing *store.Document) (bool, error) {
	if governing == nil {
		return false, nil
	}
	shape, err := o.shapeTemplate(governing)
	if err != nil || shape == nil {
		return false, err
	}
	if doc.IsDraft() {
		return governing.PersistDate.After(doc.UpdatedAt) || shape.PersistDate.After(doc.UpdatedAt), nil
	}
	return governing.VersionID != doc.Ancestor || shape.PersistDate.After(*doc.PersistDate), nil
}

// reshape rebuilds the field projection from the template the dataset
// follows, keeping values of surviving fields, and drops related records
// whose dataset lost its slot.
func (recordKind) reshape(o *op, draft, governing *store.Document) error {
	shape, err := o.shapeTemplate(governing)
	if err != nil {
		return err
	}
	if shape != nil {
		fields, err := o.templateFields(shape)
		if err != nil {
			return err
		}
		draft.Values = reprojectValues(fields, draft.Values)
	}
	slots := map[string]bool{}
	for _, versionID := range governing.Related {
		dataset, err := o.tx.Version(o.ctx, store.KindDataset, versionID)
		if err != nil {
			return err
		}
		if dataset != nil {
			slots[dataset.UUID] = true
		}
	}
	kept := []string{}
	for _, uuid := range draft.Related {
		related, err := o.latestDocument(store.KindRecord, uuid)
		if err != nil {
			return err
		}
		if related == nil {
			continue
		}
		datasetUUID, err := o.recordDatasetUUID(related)
		if err != nil {
			return err
		}
		if slots[datasetUUID] {
			kept = append(kept, uuid)
		}
	}
	draft.Related = kept
	return nil
}

// templateSlots loads the related and subscribed template versions of a
// persisted template.
func (o *op) templateSlots(template *store.Document) ([]*store.Document, error) {
	var slots []*store.Document
	for _, versionID := range append(append([]string{}, template.Related...), template.Subscribed...) {
		slot, err := o.tx.Version(o.ctx, store.KindTemplate, versionID)
		if err != nil {
			return nil, err
		}
		if slot != nil {
			slots = append(slots, slot)
		}
	}
	return slots, nil
}

// shapeTemplate is the latest persisted version of the template a dataset
// version pins. Record field projections follow it.
func (o *op) shapeTemplate(dataset *store.Document) (*store.Document, error) {
	pinned, err := o.tx.Version(o.ctx, store.KindTemplate, dataset.Ancestor)
	if err != nil || pinned == nil {
		return nil, err
	}
	latest, err := o.tx.LatestPersisted(o.ctx, store.KindTemplate, pinned.UUID)
	if err != nil || latest == nil {
		return pinned, err
	}
	return latest, nil
}

// templateFields loads the field versions a persisted template pins.
func (o *op) templateFields(template *store.Document) ([]*store.Document, error) {
	fields := make([]*store.Document, 0, len(template.Fields))
	for _, versionID := range template.Fields {
		field, err := o.tx.Version(o.ctx, store.KindTemplateField, versionID)
		if err != nil {
			return nil, err
		}
		if field != nil {
			fields = append(fields, field)
		}
	}
	return fields, nil
}
