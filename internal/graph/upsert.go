package graph

import (
	"fmt"

	"metagraph/api/internal/store"
	"metagraph/api/internal/util"
)

// resolveUUID returns the uuid a body addresses. An empty uuid is a create
// and gets a new one.
func (o *op) resolveUUID(kind store.Kind, uuid string) (string, bool, error) {
	if uuid == "" {
		return util.NewUUID(), true, nil
	}
	if !util.ValidUUID(uuid) {
		return "", false, inputError("each %s must have a valid uuid property: %q", kind, uuid)
	}
	exists, err := o.tx.Exists(o.ctx, kind, uuid)
	if err != nil {
		return "", false, err
	}
	if !exists {
		return "", false, notFound("No %s exists with uuid %s", kind, uuid)
	}
	return uuid, false, nil
}

// linkChild applies the child error policy of create and update: a missing
// child is an input error and a child the caller may not edit is linked
// unchanged.
func linkChild(kind store.Kind, inputUUID, uuid string, err error) (string, error) {
	switch {
	case err == nil:
		return uuid, nil
	case IsNotFound(err):
		return "", asInput(err)
	case IsPermissionDenied(err):
		if inputUUID == "" {
			return "", inputError("Cannot create %s: %v", kind, err)
		}
		return inputUUID, nil
	default:
		return "", err
	}
}

// saveOrDiscard stores draft, unless nothing beneath it changed and it
// matches the latest persisted snapshot, in which case any stored draft is
// removed. It reports whether a draft remains.
func (o *op) saveOrDiscard(draft *store.Document, childChanged bool) (bool, error) {
	if !childChanged {
		persisted, err := o.tx.LatestPersisted(o.ctx, draft.Kind, draft.UUID)
		if err != nil {
			return false, err
		}
		if persisted != nil {
			same, err := o.matchesPersisted(draft, persisted)
			if err != nil {
				return false, err
			}
			if same {
				if _, err := o.tx.DeleteDraft(o.ctx, draft.Kind, draft.UUID); err != nil {
					return false, fmt.Errorf("delete %s draft %s: %w", draft.Kind, draft.UUID, err)
				}
				return false, nil
			}
		}
	}
	draft.UpdatedAt = o.now
	if err := o.tx.SaveDraft(o.ctx, draft); err != nil {
		return false, fmt.Errorf("save %s draft %s: %w", draft.Kind, draft.UUID, err)
	}
	return true, nil
}

// matchesPersisted reports whether draft has the content of persisted and
// every child it references is still at the version persisted pins. A record
// also needs its dataset to be at the pinned version, since persisting it
// would re-pin the newer one.
func (o *op) matchesPersisted(draft, persisted *store.Document) (bool, error) {
	previous, err := o.draftFromPersisted(persisted)
	if err != nil {
		return false, err
	}
	d := describe(draft.Kind)
	if !d.equal(draft, previous) {
		return false, nil
	}
	if draft.Kind == store.KindRecord {
		dataset, err := o.tx.LatestPersisted(o.ctx, store.KindDataset, draft.Ancestor)
		if err != nil {
			return false, err
		}
		if dataset != nil && dataset.VersionID != persisted.Ancestor {
			return false, nil
		}
	}
	for _, list := range d.refs() {
		pinned := toSet(list.get(persisted))
		for _, uuid := range list.get(draft) {
			latest, err := o.tx.LatestPersisted(o.ctx, list.kind, uuid)
			if err != nil {
				return false, err
			}
			if latest != nil && !pinned[latest.VersionID] {
				return false, nil
			}
		}
	}
	return true, nil
}
