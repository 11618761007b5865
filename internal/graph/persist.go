package graph

import (
	"fmt"
	"time"

	"metagraph/api/internal/metrics"
	"metagraph/api/internal/store"
)

type persistResult struct {
	versionID string
	changed   bool
}

// persistRoot freezes the draft of uuid and every changed draft beneath it.
// lastUpdate must match the freshly computed last update of the tree.
func (o *op) persistRoot(kind store.Kind, uuid string, lastUpdate time.Time) (string, error) {
	draft, err := o.tx.Draft(o.ctx, kind, uuid)
	if err != nil {
		return "", err
	}
	if draft == nil {
		persisted, err := o.tx.LatestPersisted(o.ctx, kind, uuid)
		if err != nil {
			return "", err
		}
		if persisted != nil {
			return "", inputError("No changes to persist")
		}
		return "", notFound("%s", uuid)
	}
	allowed, err := o.canDraft(draft)
	if err != nil {
		return "", err
	}
	if !allowed {
		return "", permissionDenied("%s", uuid)
	}

	current, err := o.lastUpdate(kind, uuid)
	if err != nil {
		return "", err
	}
	if !current.Equal(lastUpdate) {
		return "", inputError("The last update submitted %s does not match that found in the db %s. Fetch the draft again to get the latest update before attempting to persist again.",
			lastUpdate.UTC().Format(time.RFC3339Nano), current.UTC().Format(time.RFC3339Nano))
	}

	var governing *store.Document
	switch kind {
	case store.KindDataset:
		governing, err = o.tx.Version(o.ctx, store.KindTemplate, draft.Ancestor)
		if err != nil {
			return "", err
		}
		if governing == nil {
			return "", inputError("a valid template_id was not provided for dataset %s", uuid)
		}
	case store.KindRecord:
		governing, err = o.tx.LatestPersisted(o.ctx, store.KindDataset, draft.Ancestor)
		if err != nil {
			return "", err
		}
		if governing == nil {
			return "", inputError("a valid dataset_uuid was not provided for record %s", uuid)
		}
	}

	result, err := o.persistNode(kind, uuid, governing)
	if err != nil {
		return "", err
	}
	if !result.changed {
		return "", inputError("No changes to persist")
	}
	if err := o.updateTemplatesThatReference(); err != nil {
		return "", err
	}
	return result.versionID, nil
}

// persistNode persists uuid when its content or any child changed and links
// the previous version otherwise. governing is the persisted document the
// node must follow: the template version of a dataset, the dataset version
// of a record.
func (o *op) persistNode(kind store.Kind, uuid string, governing *store.Document) (persistResult, error) {
	key := docRef{kind, uuid}.key()
	if result, ok := o.persisted[key]; ok {
		return result, nil
	}
	if o.persisting[key] {
		return persistResult{}, inputError("Circular reference %s is not permitted", uuid)
	}
	o.persisting[key] = true
	defer delete(o.persisting, key)

	result, err := o.persistDocument(kind, uuid, governing)
	if err != nil {
		return persistResult{}, err
	}
	o.persisted[key] = result
	return result, nil
}

func (o *op) persistDocument(kind store.Kind, uuid string, governing *store.Document) (persistResult, error) {
	d := describe(kind)
	draft, err := o.tx.Draft(o.ctx, kind, uuid)
	if err != nil {
		return persistResult{}, err
	}
	persisted, err := o.tx.LatestPersisted(o.ctx, kind, uuid)
	if err != nil {
		return persistResult{}, err
	}

	if draft == nil {
		if persisted == nil {
			return persistResult{}, notFound("%s", uuid)
		}
		allowed, err := o.canViewPersisted(persisted)
		if err != nil {
			return persistResult{}, err
		}
		if !allowed {
			return persistResult{}, permissionDenied("%s", uuid)
		}
		metrics.PersistNode(string(kind), metrics.OutcomeLinked)
		return persistResult{versionID: persisted.VersionID}, nil
	}

	allowed, err := o.canDraft(draft)
	if err != nil {
		return persistResult{}, err
	}
	if !allowed {
		if persisted == nil {
			return persistResult{}, inputError("Cannot link %s %s: you may not persist its draft and it has no persisted version", kind, uuid)
		}
		metrics.PersistNode(string(kind), metrics.OutcomeLinked)
		return persistResult{versionID: persisted.VersionID}, nil
	}

	candidate := draft.Clone()
	switch kind {
	case store.KindTemplate:
		if candidate.Fields, err = o.persistChildren(store.KindTemplateField, draft.Fields); err != nil {
			return persistResult{}, err
		}
		if candidate.Related, err = o.persistChildren(store.KindTemplate, draft.Related); err != nil {
			return persistResult{}, err
		}
	case store.KindDataset:
		if governing == nil || draft.Ancestor != governing.VersionID {
			return persistResult{}, fmt.Errorf("dataset %s pins template version %s which does not match the governing template", uuid, draft.Ancestor)
		}
		if candidate.Related, err = o.persistRelatedDatasets(draft, governing); err != nil {
			return persistResult{}, err
		}
	case store.KindRecord:
		if governing == nil || draft.Ancestor != governing.UUID {
			return persistResult{}, fmt.Errorf("record %s belongs to dataset %s which does not match the governing dataset", uuid, draft.Ancestor)
		}
		if governing.PersistDate.After(draft.UpdatedAt) {
			return persistResult{}, inputError("Dataset %s has been persisted since record %s was last updated. Update the record again before persisting.", governing.UUID, uuid)
		}
		if candidate.Related, err = o.persistRelatedRecords(draft, governing); err != nil {
			return persistResult{}, err
		}
		candidate.Ancestor = governing.VersionID
	}

	if persisted != nil && d.equal(candidate, persisted) {
		metrics.PersistNode(string(kind), metrics.OutcomeUnchanged)
		return persistResult{versionID: persisted.VersionID}, nil
	}

	if kind == store.KindRecord {
		if err := o.markFilesPersisted(candidate); err != nil {
			return persistResult{}, err
		}
	}
	persistDate := o.now
	candidate.PersistDate = &persistDate
	candidate.UpdatedAt = persistDate
	if err := o.tx.Persist(o.ctx, candidate); err != nil {
		return persistResult{}, fmt.Errorf("persist %s %s: %w", kind, uuid, err)
	}
	metrics.PersistNode(string(kind), metrics.OutcomeCreated)
	o.frozen = append(o.frozen, candidate)
	if kind == store.KindTemplate || kind == store.KindTemplateField {
		o.created = append(o.created, docRef{kind, uuid})
	}
	return persistResult{versionID: candidate.VersionID, changed: true}, nil
}

func (o *op) persistChildren(kind store.Kind, uuids []string) ([]string, error) {
	versionIDs := make([]string, 0, len(uuids))
	for _, uuid := range uuids {
		versionID, err := o.persistChild(kind, uuid, nil)
		if err != nil {
			return nil, err
		}
		versionIDs = append(versionIDs, versionID)
	}
	return versionIDs, nil
}

// persistChild persists one referenced document. A child the caller may not
// see is linked at its latest persisted version.
func (o *op) persistChild(kind store.Kind, uuid string, governing *store.Document) (string, error) {
	result, err := o.persistNode(kind, uuid, governing)
	switch {
	case err == nil:
		return result.versionID, nil
	case IsPermissionDenied(err):
		latest, lookupErr := o.tx.LatestPersisted(o.ctx, kind, uuid)
		if lookupErr != nil {
			return "", lookupErr
		}
		if latest == nil {
			return "", inputError("Invalid link to %s %s, which has no persisted version to link", kind, uuid)
		}
		return latest.VersionID, nil
	case IsNotFound(err):
		return "", inputError("Internal reference invalid: %s %s does not exist", kind, uuid)
	default:
		return "", err
	}
}

// persistRelatedDatasets requires exactly one related dataset for every
// related and subscribed template of the governing template.
func (o *op) persistRelatedDatasets(draft, template *store.Document) ([]string, error) {
	slotList, err := o.templateSlots(template)
	if err != nil {
		return nil, err
	}
	slots := map[string]*store.Document{}
	for _, slot := range slotList {
		slots[slot.VersionID] = slot
	}
	seen := map[string]bool{}
	versionIDs := make([]string, 0, len(draft.Related))
	for _, uuid := range draft.Related {
		related, err := o.latestDocument(store.KindDataset, uuid)
		if err != nil {
			return nil, err
		}
		if related == nil {
			return nil, inputError("Internal reference invalid: dataset %s does not exist", uuid)
		}
		slot, ok := slots[related.Ancestor]
		if !ok {
			return nil, inputError("Related dataset %s follows template version %s, which is not supported by template %s", uuid, related.Ancestor, template.UUID)
		}
		if seen[slot.VersionID] {
			return nil, inputError("Template %s is supplied by more than one related dataset of dataset %s", slot.UUID, draft.UUID)
		}
		seen[slot.VersionID] = true
		versionID, err := o.persistChild(store.KindDataset, uuid, slot)
		if err != nil {
			return nil, err
		}
		versionIDs = append(versionIDs, versionID)
	}
	for _, slot := range slotList {
		if !seen[slot.VersionID] {
			return nil, inputError("Dataset %s requires a related dataset for template %s", draft.UUID, slot.UUID)
		}
	}
	return versionIDs, nil
}

// persistRelatedRecords requires every related record to belong to a dataset
// related to the governing dataset.
func (o *op) persistRelatedRecords(draft, dataset *store.Document) ([]string, error) {
	slots := map[string]*store.Document{}
	for _, versionID := range dataset.Related {
		slot, err := o.tx.Version(o.ctx, store.KindDataset, versionID)
		if err != nil {
			return nil, err
		}
		if slot != nil {
			slots[slot.UUID] = slot
		}
	}
	versionIDs := make([]string, 0, len(draft.Related))
	for _, uuid := range draft.Related {
		related, err := o.latestDocument(store.KindRecord, uuid)
		if err != nil {
			return nil, err
		}
		if related == nil {
			return nil, inputError("Internal reference invalid: record %s does not exist", uuid)
		}
		datasetUUID, err := o.recordDatasetUUID(related)
		if err != nil {
			return nil, err
		}
		slot, ok := slots[datasetUUID]
		if !ok {
			return nil, inputError("Related record %s belongs to dataset %s, which is not related to dataset %s", uuid, datasetUUID, dataset.UUID)
		}
		versionID, err := o.persistChild(store.KindRecord, uuid, slot)
		if err != nil {
			return nil, err
		}
		versionIDs = append(versionIDs, versionID)
	}
	return versionIDs, nil
}
