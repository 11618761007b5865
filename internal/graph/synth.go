package graph

import (
	"metagraph/api/internal/metrics"
	"metagraph/api/internal/store"
)

// shallowDraft returns the draft of uuid, or a draft synthesized from its
// latest persisted snapshot, or nil when uuid is unknown. Synthesized drafts
// are not stored.
func (o *op) shallowDraft(kind store.Kind, uuid string) (*store.Document, error) {
	draft, err := o.tx.Draft(o.ctx, kind, uuid)
	if err != nil || draft != nil {
		return draft, err
	}
	persisted, err := o.tx.LatestPersisted(o.ctx, kind, uuid)
	if err != nil || persisted == nil {
		return nil, err
	}
	return o.draftFromPersisted(persisted)
}

// draftFromPersisted copies a persisted snapshot into an unsaved draft:
// updated_at takes the persist date and every version id reference is
// rewritten to its uuid. References to missing snapshots are dropped.
func (o *op) draftFromPersisted(persisted *store.Document) (*store.Document, error) {
	draft := persisted.Clone()
	draft.VersionID = ""
	draft.UpdatedAt = *persisted.PersistDate
	draft.PersistDate = nil

	for _, list := range describe(persisted.Kind).refs() {
		uuids, err := o.uuidsFor(persisted, list.kind, list.get(persisted))
		if err != nil {
			return nil, err
		}
		list.set(draft, uuids)
	}

	if persisted.Kind == store.KindRecord {
		datasetUUID, err := o.recordDatasetUUID(persisted)
		if err != nil {
			return nil, err
		}
		if datasetUUID == "" {
			o.dropped(persisted, store.KindDataset, persisted.Ancestor)
		}
		draft.Ancestor = datasetUUID
	}
	return draft, nil
}

func (o *op) uuidsFor(owner *store.Document, kind store.Kind, versionIDs []string) ([]string, error) {
	uuids := make([]string, 0, len(versionIDs))
	for _, versionID := range versionIDs {
		doc, err := o.tx.Version(o.ctx, kind, versionID)
		if err != nil {
			return nil, err
		}
		if doc == nil {
			o.dropped(owner, kind, versionID)
			continue
		}
		uuids = append(uuids, doc.UUID)
	}
	return uuids, nil
}

func (o *op) dropped(owner *store.Document, kind store.Kind, versionID string) {
	o.logger(owner.Kind, owner.UUID).Warn().
		Str("ref_kind", string(kind)).
		Str("ref_version_id", versionID).
		Msg("dropping reference to missing snapshot")
	metrics.DroppedRef(string(owner.Kind))
}
