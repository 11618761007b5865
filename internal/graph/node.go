package graph

import (
	"encoding/json"

	"metagraph/api/internal/store"
)

type StubReason string

const (
	StubNoPermissions StubReason = "no_permissions"
	StubDepthLimit    StubReason = "depth_limit"
)

// Node is one position of a hydrated tree. It is exactly one of: a full
// document (Doc set), a stub (Stub set) or a deleted marker (Deleted set).
type Node struct {
	Doc *store.Document
	// AncestorUUID is the logical id of the governing document: the template
	// of a dataset, the dataset of a record.
	AncestorUUID string
	Fields       []*Node
	Related      []*Node
	Subscribed   []*Node

	UUID    string
	Stub    StubReason
	Deleted bool

	Annotations []store.Annotation
}

func fullNode(doc *store.Document) *Node {
	return &Node{Doc: doc, UUID: doc.UUID}
}

func stubNode(uuid string, reason StubReason) *Node {
	return &Node{UUID: uuid, Stub: reason}
}

func deletedNode(uuid string) *Node {
	return &Node{UUID: uuid, Deleted: true}
}

func (n *Node) Full() bool {
	return n != nil && n.Doc != nil
}

// Walk visits n and every full node beneath it, parents first.
func (n *Node) Walk(fn func(*Node)) {
	if !n.Full() {
		return
	}
	fn(n)
	for _, list := range [][]*Node{n.Fields, n.Related, n.Subscribed} {
		for _, child := range list {
			child.Walk(fn)
		}
	}
}

func (n *Node) MarshalJSON() ([]byte, error) {
	switch {
	case n == nil:
		return []byte("null"), nil
	case n.Deleted:
		return json.Marshal(map[string]any{"uuid": n.UUID, "deleted": true})
	case n.Stub != "":
		return json.Marshal(map[string]any{"uuid": n.UUID, string(n.Stub): true})
	}

	doc := n.Doc
	out := map[string]any{
		"uuid":       doc.UUID,
		"updated_at": doc.UpdatedAt,
	}
	if doc.VersionID != "" {
		out["_id"] = doc.VersionID
	}
	if doc.PersistDate != nil {
		out["persist_date"] = doc.PersistDate
	}
	if doc.PublicDate != nil {
		out["public_date"] = doc.PublicDate
	}
	if doc.OldSystemUUID != "" {
		out["old_system_uuid"] = doc.OldSystemUUID
	}
	if doc.DuplicatedFrom != "" {
		out["duplicated_from"] = doc.DuplicatedFrom
	}

	switch doc.Kind {
	case store.KindTemplateField:
		out["name"] = doc.Name
		out["description"] = doc.Description
		if doc.FieldType != store.FieldTypeValue {
			out["type"] = doc.FieldType
		}
		if doc.Options != nil {
			out["options"] = doc.Options
		}
	case store.KindTemplate:
		out["name"] = doc.Name
		out["description"] = doc.Description
		out["fields"] = nodeList(n.Fields)
		out["related_templates"] = nodeList(n.Related)
		out["subscribed_templates"] = nodeList(n.Subscribed)
	case store.KindDataset:
		if doc.Name != "" {
			out["name"] = doc.Name
		}
		out["template_id"] = doc.Ancestor
		if n.AncestorUUID != "" {
			out["template_uuid"] = n.AncestorUUID
		}
		out["group_uuid"] = doc.GroupUUID
		out["related_datasets"] = nodeList(n.Related)
	case store.KindRecord:
		if doc.IsDraft() {
			out["dataset_uuid"] = doc.Ancestor
		} else {
			out["dataset_id"] = doc.Ancestor
			out["dataset_uuid"] = n.AncestorUUID
		}
		fields := doc.Values
		if fields == nil {
			fields = []store.RecordField{}
		}
		out["fields"] = fields
		out["related_records"] = nodeList(n.Related)
	}

	if len(n.Annotations) > 0 {
		plugins := map[string]json.RawMessage{}
		fieldPlugins := map[string]map[string]json.RawMessage{}
		for _, annotation := range n.Annotations {
			settings := json.RawMessage(annotation.Settings)
			if len(settings) == 0 {
				settings = json.RawMessage("{}")
			}
			if annotation.FieldUUID == "" {
				plugins[annotation.Plugin] = settings
				continue
			}
			if fieldPlugins[annotation.FieldUUID] == nil {
				fieldPlugins[annotation.FieldUUID] = map[string]json.RawMessage{}
			}
			fieldPlugins[annotation.FieldUUID][annotation.Plugin] = settings
		}
		if len(plugins) > 0 {
			out["plugins"] = plugins
		}
		if len(fieldPlugins) > 0 {
			out["field_plugins"] = fieldPlugins
		}
	}
	return json.Marshal(out)
}

func nodeList(nodes []*Node) []*Node {
	if nodes == nil {
		return []*Node{}
	}
	return nodes
}
