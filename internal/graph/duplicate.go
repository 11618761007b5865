package graph

import (
	"fmt"
	"slices"

	"metagraph/api/internal/permission"
	"metagraph/api/internal/store"
	"metagraph/api/internal/util"
)

// duplicate copies the latest persisted version of uuid into new drafts and
// returns the uuid of the copy.
func (o *op) duplicate(kind store.Kind, uuid string) (string, error) {
	persisted, err := o.tx.LatestPersisted(o.ctx, kind, uuid)
	if err != nil {
		return "", err
	}
	if persisted == nil {
		return "", notFound("%s", uuid)
	}
	visible, err := o.canViewPersisted(persisted)
	if err != nil {
		return "", err
	}
	if !visible {
		return "", permissionDenied("%s", uuid)
	}

	copies := map[string]string{}
	switch kind {
	case store.KindTemplateField:
		return o.duplicateField(persisted)
	case store.KindTemplate:
		return o.duplicateTemplate(persisted, copies)
	case store.KindDataset:
		return o.duplicateDataset(persisted, persisted.GroupUUID, util.NewUUID(), copies)
	default:
		return o.duplicateRecord(persisted)
	}
}

func (o *op) duplicateField(field *store.Document) (string, error) {
	draft := &store.Document{
		Kind:           store.KindTemplateField,
		UUID:           util.NewUUID(),
		DuplicatedFrom: field.UUID,
		Name:           field.Name,
		Description:    field.Description,
		FieldType:      field.FieldType,
		Options:        store.CloneOptions(field.Options),
	}
	return o.saveCopy(draft)
}

// duplicateTemplate copies a persisted template with its fields and related
// templates. Children the caller cannot view are left out; subscriptions are
// kept as they are.
func (o *op) duplicateTemplate(template *store.Document, copies map[string]string) (string, error) {
	if uuid, ok := copies[template.UUID]; ok {
		return uuid, nil
	}
	uuid := util.NewUUID()
	copies[template.UUID] = uuid

	draft := &store.Document{
		Kind:           store.KindTemplate,
		UUID:           uuid,
		DuplicatedFrom: template.UUID,
		Name:           template.Name,
		Description:    template.Description,
		Fields:         []string{},
		Related:        []string{},
		Subscribed:     slices.Clone(template.Subscribed),
	}
	for _, versionID := range template.Fields {
		field, err := o.visibleVersion(store.KindTemplateField, versionID)
		if err != nil {
			return "", err
		}
		if field == nil {
			continue
		}
		fieldUUID, err := o.duplicateField(field)
		if err != nil {
			return "", err
		}
		draft.Fields = append(draft.Fields, fieldUUID)
	}
	for _, versionID := range template.Related {
		related, err := o.visibleVersion(store.KindTemplate, versionID)
		if err != nil {
			return "", err
		}
		if related == nil {
			continue
		}
		relatedUUID, err := o.duplicateTemplate(related, copies)
		if err != nil {
			return "", err
		}
		draft.Related = append(draft.Related, relatedUUID)
	}
	return o.saveCopy(draft)
}

// duplicateDataset copies a persisted dataset into a new group. Related
// datasets of the same group are copied once each; others are linked.
func (o *op) duplicateDataset(dataset *store.Document, fromGroup, group string, copies map[string]string) (string, error) {
	if uuid, ok := copies[dataset.UUID]; ok {
		return uuid, nil
	}
	uuid := util.NewUUID()
	copies[dataset.UUID] = uuid

	draft := &store.Document{
		Kind:           store.KindDataset,
		UUID:           uuid,
		DuplicatedFrom: dataset.UUID,
		Name:           dataset.Name,
		Description:    dataset.Description,
		Ancestor:       dataset.Ancestor,
		GroupUUID:      group,
		Related:        []string{},
	}
	for _, versionID := range dataset.Related {
		related, err := o.tx.Version(o.ctx, store.KindDataset, versionID)
		if err != nil {
			return "", err
		}
		if related == nil {
			o.dropped(dataset, store.KindDataset, versionID)
			continue
		}
		relatedUUID := related.UUID
		visible, err := o.canView(store.KindDataset, related.UUID)
		if err != nil {
			return "", err
		}
		if visible && fromGroup != "" && related.GroupUUID == fromGroup {
			if relatedUUID, err = o.duplicateDataset(related, fromGroup, group, copies); err != nil {
				return "", err
			}
		}
		draft.Related = append(draft.Related, relatedUUID)
	}
	return o.saveCopy(draft)
}

// duplicateRecord copies a persisted record into a new draft of the same
// dataset. File attachments are not copied.
func (o *op) duplicateRecord(record *store.Document) (string, error) {
	datasetUUID, err := o.recordDatasetUUID(record)
	if err != nil {
		return "", err
	}
	allowed, err := o.has(datasetUUID, permission.LevelEdit)
	if err != nil {
		return "", err
	}
	if !allowed {
		return "", permissionDenied("Do not have edit permissions required to create records in dataset %s", datasetUUID)
	}
	related, err := o.uuidsFor(record, store.KindRecord, record.Related)
	if err != nil {
		return "", err
	}
	values := make([]store.RecordField, 0, len(record.Values))
	for _, value := range record.Values {
		value = value.Clone()
		value.File = nil
		value.Images = nil
		values = append(values, value)
	}
	draft := &store.Document{
		Kind:           store.KindRecord,
		UUID:           util.NewUUID(),
		DuplicatedFrom: record.UUID,
		Ancestor:       datasetUUID,
		Values:         values,
		Related:        related,
	}
	return o.saveCopy(draft)
}

// visibleVersion loads a persisted child, or nil when it is missing or the
// caller cannot view it.
func (o *op) visibleVersion(kind store.Kind, versionID string) (*store.Document, error) {
	doc, err := o.tx.Version(o.ctx, kind, versionID)
	if err != nil || doc == nil {
		return nil, err
	}
	visible, err := o.canViewPersisted(doc)
	if err != nil || !visible {
		return nil, err
	}
	return doc, nil
}

func (o *op) saveCopy(draft *store.Document) (string, error) {
	if draft.Kind != store.KindRecord {
		if err := o.initializePermissions(draft.UUID); err != nil {
			return "", err
		}
	}
	draft.UpdatedAt = o.now
	if err := o.tx.SaveDraft(o.ctx, draft); err != nil {
		return "", fmt.Errorf("save %s copy of %s: %w", draft.Kind, draft.DuplicatedFrom, err)
	}
	return draft.UUID, nil
}
