package graph

import (
	"time"

	"metagraph/api/internal/store"
)

// lastUpdate is the latest update time across uuid and every child the
// caller can reach. Children that are missing or hidden are skipped.
func (o *op) lastUpdate(kind store.Kind, uuid string) (time.Time, error) {
	return o.lastUpdateFor(kind, uuid, map[string]bool{})
}

func (o *op) lastUpdateFor(kind store.Kind, uuid string, visiting map[string]bool) (time.Time, error) {
	draft, err := o.shallowDraft(kind, uuid)
	if err != nil {
		return time.Time{}, err
	}
	if draft == nil {
		return time.Time{}, notFound("%s", uuid)
	}

	allowed, err := o.canDraft(draft)
	if err != nil {
		return time.Time{}, err
	}
	if !allowed {
		persisted, err := o.tx.LatestPersisted(o.ctx, kind, uuid)
		if err != nil {
			return time.Time{}, err
		}
		if persisted == nil {
			return time.Time{}, permissionDenied("%s", uuid)
		}
		visible, err := o.canViewPersisted(persisted)
		if err != nil {
			return time.Time{}, err
		}
		if !visible {
			return time.Time{}, permissionDenied("%s", uuid)
		}
		return persisted.UpdatedAt, nil
	}

	key := docRef{kind, uuid}.key()
	visiting[key] = true
	defer delete(visiting, key)

	latest := draft.UpdatedAt
	for _, list := range describe(kind).refs() {
		for _, childUUID := range list.get(draft) {
			if visiting[docRef{list.kind, childUUID}.key()] {
				continue
			}
			updated, err := o.lastUpdateFor(list.kind, childUUID, visiting)
			if IsNotFound(err) || IsPermissionDenied(err) {
				continue
			}
			if err != nil {
				return time.Time{}, err
			}
			if updated.After(latest) {
				latest = updated
			}
		}
	}
	return latest, nil
}
