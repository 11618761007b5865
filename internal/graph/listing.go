package graph

import (
	"slices"

	"metagraph/api/internal/store"
)

func (o *op) newDatasetForTemplate(templateUUID string) (*DatasetInput, error) {
	template, err := o.tx.LatestPersisted(o.ctx, store.KindTemplate, templateUUID)
	if err != nil {
		return nil, err
	}
	if template == nil {
		return nil, notFound("No persisted template exists with uuid %s", templateUUID)
	}
	visible, err := o.canView(store.KindTemplate, templateUUID)
	if err != nil {
		return nil, err
	}
	if !visible {
		return nil, permissionDenied("%s", templateUUID)
	}
	return o.datasetSkeleton(template)
}

// datasetSkeleton follows the slots of a persisted template. Pinned versions
// are always older than the template pinning them, so the walk ends.
func (o *op) datasetSkeleton(template *store.Document) (*DatasetInput, error) {
	slots, err := o.templateSlots(template)
	if err != nil {
		return nil, err
	}
	dataset := &DatasetInput{
		TemplateID:      template.VersionID,
		TemplateUUID:    template.UUID,
		RelatedDatasets: make([]DatasetInput, 0, len(slots)),
	}
	for _, slot := range slots {
		related, err := o.datasetSkeleton(slot)
		if err != nil {
			return nil, err
		}
		dataset.RelatedDatasets = append(dataset.RelatedDatasets, *related)
	}
	return dataset, nil
}

func (o *op) datasetRecords(datasetUUID string) ([]*store.Document, error) {
	dataset, err := o.tx.LatestPersisted(o.ctx, store.KindDataset, datasetUUID)
	if err != nil {
		return nil, err
	}
	if dataset == nil {
		return nil, notFound("No persisted dataset exists with uuid %s", datasetUUID)
	}
	visible, err := o.canViewPersisted(dataset)
	if err != nil {
		return nil, err
	}
	if !visible {
		return nil, permissionDenied("%s", datasetUUID)
	}

	versions, err := o.tx.PersistedVersions(o.ctx, store.KindDataset, datasetUUID, 0)
	if err != nil {
		return nil, err
	}
	uuids, err := o.tx.PinnedRecords(o.ctx, versions)
	if err != nil {
		return nil, err
	}
	records := make([]*store.Document, 0, len(uuids))
	for _, uuid := range uuids {
		latest, err := o.tx.LatestPersisted(o.ctx, store.KindRecord, uuid)
		if err != nil {
			return nil, err
		}
		if latest != nil && slices.Contains(versions, latest.Ancestor) {
			records = append(records, latest)
		}
	}
	return records, nil
}

// filterUUIDs keeps the persisted uuids of kind that keep accepts.
func (o *op) filterUUIDs(kind store.Kind, keep func(uuid string) (bool, error)) ([]string, error) {
	uuids, err := o.tx.PersistedUUIDs(o.ctx, kind)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(uuids))
	for _, uuid := range uuids {
		ok, err := keep(uuid)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, uuid)
		}
	}
	return out, nil
}
