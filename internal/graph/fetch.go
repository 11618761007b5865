package graph

import (
	"time"

	"metagraph/api/internal/store"
)

// persistedDepthLimit bounds how many levels below the root a persisted
// tree is expanded.
const persistedDepthLimit = 5

func (o *op) draftGet(kind store.Kind, uuid string, synthesize bool) (*Node, error) {
	exists, err := o.tx.Exists(o.ctx, kind, uuid)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, notFound("%s", uuid)
	}
	if _, err := o.repair(kind, uuid, "", nil); err != nil {
		return nil, err
	}

	current, err := o.shallowDraft(kind, uuid)
	if err != nil {
		return nil, err
	}
	if current == nil {
		return nil, notFound("%s", uuid)
	}
	allowed, err := o.canDraft(current)
	if err != nil {
		return nil, err
	}
	if !allowed {
		return o.persistedRoot(kind, uuid, nil)
	}
	if current.VersionID == "" && !synthesize {
		return nil, nil
	}
	return o.draftTree(current, map[string]bool{})
}

// persistedRoot hydrates the latest persisted snapshot of uuid, or the
// latest one persisted no later than at.
func (o *op) persistedRoot(kind store.Kind, uuid string, at *time.Time) (*Node, error) {
	var doc *store.Document
	var err error
	if at == nil {
		doc, err = o.tx.LatestPersisted(o.ctx, kind, uuid)
	} else {
		doc, err = o.tx.LatestPersistedBefore(o.ctx, kind, uuid, *at)
	}
	if err != nil {
		return nil, err
	}
	if doc == nil {
		return nil, notFound("%s", uuid)
	}
	visible, err := o.canViewPersisted(doc)
	if err != nil {
		return nil, err
	}
	if !visible {
		return nil, permissionDenied("%s", uuid)
	}
	return o.persistedTree(doc, 0)
}

func (o *op) draftTree(draft *store.Document, visiting map[string]bool) (*Node, error) {
	node, err := o.newNode(draft)
	if err != nil {
		return nil, err
	}
	key := docRef{draft.Kind, draft.UUID}.key()
	visiting[key] = true
	defer delete(visiting, key)

	for _, list := range describe(draft.Kind).refs() {
		for _, uuid := range list.get(draft) {
			child, err := o.draftChild(list.kind, uuid, visiting)
			if err != nil {
				return nil, err
			}
			node.attach(list.kind, child)
		}
	}
	for _, versionID := range draft.Subscribed {
		child, err := o.persistedChild(store.KindTemplate, versionID, 1)
		if err != nil {
			return nil, err
		}
		node.Subscribed = append(node.Subscribed, child)
	}
	return node, nil
}

// draftChild hydrates a child the same way as its parent when the caller may
// see the draft, and falls back to the latest persisted version or a stub.
func (o *op) draftChild(kind store.Kind, uuid string, visiting map[string]bool) (*Node, error) {
	if visiting[docRef{kind, uuid}.key()] {
		return stubNode(uuid, StubDepthLimit), nil
	}
	doc, err := o.shallowDraft(kind, uuid)
	if err != nil {
		return nil, err
	}
	if doc == nil {
		return deletedNode(uuid), nil
	}
	allowed, err := o.canDraft(doc)
	if err != nil {
		return nil, err
	}
	if allowed {
		return o.draftTree(doc, visiting)
	}

	persisted, err := o.tx.LatestPersisted(o.ctx, kind, uuid)
	if err != nil {
		return nil, err
	}
	if persisted == nil {
		return stubNode(uuid, StubNoPermissions), nil
	}
	visible, err := o.canViewPersisted(persisted)
	if err != nil {
		return nil, err
	}
	if !visible {
		return stubNode(uuid, StubNoPermissions), nil
	}
	return o.persistedTree(persisted, 1)
}

func (o *op) persistedTree(doc *store.Document, depth int) (*Node, error) {
	node, err := o.newNode(doc)
	if err != nil {
		return nil, err
	}
	for _, list := range describe(doc.Kind).refs() {
		for _, versionID := range list.get(doc) {
			child, err := o.persistedChild(list.kind, versionID, depth+1)
			if err != nil {
				return nil, err
			}
			node.attach(list.kind, child)
		}
	}
	for _, versionID := range doc.Subscribed {
		child, err := o.persistedChild(store.KindTemplate, versionID, depth+1)
		if err != nil {
			return nil, err
		}
		node.Subscribed = append(node.Subscribed, child)
	}
	return node, nil
}

func (o *op) persistedChild(kind store.Kind, versionID string, depth int) (*Node, error) {
	doc, err := o.tx.Version(o.ctx, kind, versionID)
	if err != nil {
		return nil, err
	}
	if doc == nil {
		return deletedNode(versionID), nil
	}
	if depth > persistedDepthLimit {
		return stubNode(doc.UUID, StubDepthLimit), nil
	}
	visible, err := o.canViewPersisted(doc)
	if err != nil {
		return nil, err
	}
	if !visible {
		return stubNode(doc.UUID, StubNoPermissions), nil
	}
	return o.persistedTree(doc, depth)
}

func (o *op) newNode(doc *store.Document) (*Node, error) {
	node := fullNode(doc)
	switch doc.Kind {
	case store.KindDataset:
		template, err := o.tx.Version(o.ctx, store.KindTemplate, doc.Ancestor)
		if err != nil {
			return nil, err
		}
		if template != nil {
			node.AncestorUUID = template.UUID
		}
	case store.KindRecord:
		datasetUUID, err := o.recordDatasetUUID(doc)
		if err != nil {
			return nil, err
		}
		node.AncestorUUID = datasetUUID
	}
	return node, nil
}

func (n *Node) attach(kind store.Kind, child *Node) {
	if kind == store.KindTemplateField {
		n.Fields = append(n.Fields, child)
		return
	}
	n.Related = append(n.Related, child)
}

func (o *op) persistedVersion(kind store.Kind, versionID string) (*Node, error) {
	doc, err := o.tx.Version(o.ctx, kind, versionID)
	if err != nil {
		return nil, err
	}
	if doc == nil || doc.IsDraft() {
		return nil, notFound("No persisted %s exists with version id %s", kind, versionID)
	}
	visible, err := o.canViewPersisted(doc)
	if err != nil {
		return nil, err
	}
	if !visible {
		return nil, permissionDenied("%s", doc.UUID)
	}
	return o.persistedTree(doc, 0)
}
