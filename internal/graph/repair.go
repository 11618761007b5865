package graph

import (
	"fmt"

	"metagraph/api/internal/metrics"
	"metagraph/api/internal/store"
)

// repair brings the draft of uuid in line with its governing ancestor and
// with newer versions beneath it. It reports whether uuid or anything beneath
// it changed state. pinned is the version id a persisted parent references;
// it is empty at the root and below drafts. parentGov is the governing
// document of the parent.
func (o *op) repair(kind store.Kind, uuid, pinned string, parentGov *store.Document) (bool, error) {
	key := docRef{kind, uuid}.key()
	if o.visiting[key] {
		return false, nil
	}
	newPersisted, err := o.newerThanPinned(kind, uuid, pinned)
	if err != nil {
		return false, err
	}
	if changed, ok := o.repaired[key]; ok {
		return changed || newPersisted, nil
	}
	o.visiting[key] = true
	defer delete(o.visiting, key)

	changed, err := o.repairNode(kind, uuid, parentGov)
	if err != nil {
		return false, err
	}
	o.repaired[key] = changed
	metrics.Repair(string(kind), changed || newPersisted)
	return changed || newPersisted, nil
}

func (o *op) newerThanPinned(kind store.Kind, uuid, pinned string) (bool, error) {
	if pinned == "" {
		return false, nil
	}
	persisted, err := o.tx.LatestPersisted(o.ctx, kind, uuid)
	if err != nil {
		return false, err
	}
	return persisted != nil && persisted.VersionID != pinned, nil
}

func (o *op) repairNode(kind store.Kind, uuid string, parentGov *store.Document) (bool, error) {
	d := describe(kind)
	draft, err := o.tx.Draft(o.ctx, kind, uuid)
	if err != nil {
		return false, err
	}
	persisted, err := o.tx.LatestPersisted(o.ctx, kind, uuid)
	if err != nil {
		return false, err
	}
	existed := draft != nil
	if !existed && persisted == nil {
		return false, nil
	}

	current := draft
	if current == nil {
		current = persisted
	}
	governing, err := d.governing(o, current, parentGov)
	if err != nil {
		return false, fmt.Errorf("resolve governing document of %s %s: %w", kind, uuid, err)
	}
	advanced, err := d.advanced(o, current, governing)
	if err != nil {
		return false, err
	}

	if !existed {
		if draft, err = o.draftFromPersisted(persisted); err != nil {
			return false, err
		}
	}
	before := draft.Clone()
	if advanced {
		if err := d.reshape(o, draft, governing); err != nil {
			return false, fmt.Errorf("reshape %s %s: %w", kind, uuid, err)
		}
	}

	allowed, err := o.canDraft(draft)
	if err != nil || !allowed {
		return false, err
	}

	childChanged := false
	for _, list := range d.refs() {
		if existed {
			for _, childUUID := range list.get(draft) {
				changed, err := o.repair(list.kind, childUUID, "", governing)
				if err != nil {
					return false, err
				}
				childChanged = childChanged || changed
			}
			continue
		}
		for _, versionID := range list.get(persisted) {
			child, err := o.tx.Version(o.ctx, list.kind, versionID)
			if err != nil {
				return false, err
			}
			if child == nil {
				continue
			}
			changed, err := o.repair(list.kind, child.UUID, versionID, governing)
			if err != nil {
				return false, err
			}
			childChanged = childChanged || changed
		}
	}

	if advanced || (!existed && childChanged) {
		if kind == store.KindRecord {
			o.releaseLostFiles(before.Values, draft.Values)
		}
		draft.UpdatedAt = o.now
		if err := o.tx.SaveDraft(o.ctx, draft); err != nil {
			return false, fmt.Errorf("save repaired %s %s: %w", kind, uuid, err)
		}
	}
	return existed || childChanged || advanced, nil
}
