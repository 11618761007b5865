package graph

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"metagraph/api/internal/files"
	"metagraph/api/internal/permission"
	"metagraph/api/internal/store"
)

const (
	alice = "alice"
	bob   = "bob"
)

type harness struct {
	t      *testing.T
	ctx    context.Context
	db     *store.MemoryStore
	grants *permission.RedisGrants
	blobs  *files.MemoryBlobs
	engine *Engine
	clock  time.Time
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	s := miniredis.RunT(t)
	grants, err := permission.NewRedisGrants("redis://"+s.Addr(), "test:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = grants.Close() })

	h := &harness{
		t:      t,
		ctx:    context.Background(),
		db:     store.NewMemoryStore(),
		grants: grants,
		blobs:  files.NewMemoryBlobs(),
		clock:  time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
	}
	fileSvc := files.NewService(h.blobs, zerolog.Nop())
	h.engine = New(grants, fileSvc, zerolog.Nop()).WithClock(h.tick)
	return h
}

func (h *harness) tick() time.Time {
	h.clock = h.clock.Add(time.Second)
	return h.clock
}

func (h *harness) tx(fn func(tx store.Tx) error) error {
	return h.db.WithTx(h.ctx, fn)
}

func (h *harness) create(user string, kind store.Kind, body any) string {
	h.t.Helper()
	uuid, err := h.tryCreate(user, kind, body)
	require.NoError(h.t, err)
	return uuid
}

func (h *harness) tryCreate(user string, kind store.Kind, body any) (string, error) {
	raw, err := json.Marshal(body)
	require.NoError(h.t, err)
	var uuid string
	err = h.tx(func(tx store.Tx) error {
		var err error
		uuid, err = h.engine.Create(h.ctx, tx, user, kind, raw)
		return err
	})
	return uuid, err
}

func (h *harness) update(user string, kind store.Kind, uuid string, body any) error {
	raw, err := json.Marshal(body)
	require.NoError(h.t, err)
	return h.tx(func(tx store.Tx) error {
		return h.engine.Update(h.ctx, tx, user, kind, uuid, raw)
	})
}

func (h *harness) draft(user string, kind store.Kind, uuid string) *Node {
	h.t.Helper()
	var node *Node
	require.NoError(h.t, h.tx(func(tx store.Tx) error {
		var err error
		node, err = h.engine.DraftGet(h.ctx, tx, user, kind, uuid, true)
		return err
	}))
	return node
}

func (h *harness) lastUpdate(user string, kind store.Kind, uuid string) time.Time {
	h.t.Helper()
	var at time.Time
	require.NoError(h.t, h.tx(func(tx store.Tx) error {
		var err error
		at, err = h.engine.LastUpdate(h.ctx, tx, user, kind, uuid)
		return err
	}))
	return at
}

func (h *harness) persistWith(user string, kind store.Kind, uuid string, token time.Time) (string, error) {
	var versionID string
	err := h.tx(func(tx store.Tx) error {
		var err error
		versionID, err = h.engine.Persist(h.ctx, tx, user, kind, uuid, token)
		return err
	})
	return versionID, err
}

func (h *harness) persist(user string, kind store.Kind, uuid string) (string, error) {
	return h.persistWith(user, kind, uuid, h.lastUpdate(user, kind, uuid))
}

func (h *harness) mustPersist(user string, kind store.Kind, uuid string) string {
	h.t.Helper()
	versionID, err := h.persist(user, kind, uuid)
	require.NoError(h.t, err)
	require.NotEmpty(h.t, versionID)
	return versionID
}

func (h *harness) draftExists(kind store.Kind, uuid string) bool {
	h.t.Helper()
	var exists bool
	require.NoError(h.t, h.tx(func(tx store.Tx) error {
		var err error
		exists, err = h.engine.DraftExisting(h.ctx, tx, kind, uuid)
		return err
	}))
	return exists
}

func (h *harness) version(kind store.Kind, versionID string) *store.Document {
	h.t.Helper()
	var doc *store.Document
	require.NoError(h.t, h.tx(func(tx store.Tx) error {
		var err error
		doc, err = tx.Version(h.ctx, kind, versionID)
		return err
	}))
	require.NotNil(h.t, doc)
	return doc
}

func (h *harness) persistedCount(kind store.Kind, uuid string) int {
	count := 0
	for _, doc := range h.db.Snapshots(kind, uuid) {
		if !doc.IsDraft() {
			count++
		}
	}
	return count
}

// templateWithField creates and persists a template holding one field and
// returns the template uuid, its version id and the field uuid.
func (h *harness) templateWithField(user string) (string, string, string) {
	h.t.Helper()
	templateUUID := h.create(user, store.KindTemplate, map[string]any{
		"name":   "t",
		"fields": []any{map[string]any{"name": "f"}},
	})
	node := h.draft(user, store.KindTemplate, templateUUID)
	require.Len(h.t, node.Fields, 1)
	versionID := h.mustPersist(user, store.KindTemplate, templateUUID)
	return templateUUID, versionID, node.Fields[0].UUID
}

func TestTemplatePersistLifecycle(t *testing.T) {
	h := newHarness(t)

	templateUUID := h.create(alice, store.KindTemplate, map[string]any{
		"name":   "t",
		"fields": []any{map[string]any{"name": "f"}},
	})

	node := h.draft(alice, store.KindTemplate, templateUUID)
	raw, err := json.Marshal(node)
	require.NoError(t, err)
	var body map[string]any
	require.NoError(t, json.Unmarshal(raw, &body))
	require.Len(t, body["fields"], 1)
	require.Equal(t, []any{}, body["related_templates"])

	token := h.lastUpdate(alice, store.KindTemplate, templateUUID)
	first, err := h.persistWith(alice, store.KindTemplate, templateUUID, token)
	require.NoError(t, err)
	require.NotEmpty(t, first)

	_, err = h.persistWith(alice, store.KindTemplate, templateUUID, token)
	require.True(t, IsInput(err), "got %v", err)
	require.Contains(t, err.Error(), "No changes to persist")
	require.Equal(t, 1, h.persistedCount(store.KindTemplate, templateUUID))
	require.False(t, h.draftExists(store.KindTemplate, templateUUID))
}

func TestPersistRejectsStaleToken(t *testing.T) {
	h := newHarness(t)
	templateUUID := h.create(alice, store.KindTemplate, map[string]any{"name": "t"})

	token := h.lastUpdate(alice, store.KindTemplate, templateUUID)
	_, err := h.persistWith(alice, store.KindTemplate, templateUUID, token.Add(-time.Second))
	require.True(t, IsInput(err), "got %v", err)
	require.Equal(t, 0, h.persistedCount(store.KindTemplate, templateUUID))
	require.True(t, h.draftExists(store.KindTemplate, templateUUID))
}

func TestPersistReusesUnchangedChild(t *testing.T) {
	h := newHarness(t)
	templateUUID := h.create(alice, store.KindTemplate, map[string]any{
		"name":   "t",
		"fields": []any{map[string]any{"name": "f"}},
	})
	fieldUUID := h.draft(alice, store.KindTemplate, templateUUID).Fields[0].UUID

	fieldVersion := h.mustPersist(alice, store.KindTemplateField, fieldUUID)
	templateVersion := h.mustPersist(alice, store.KindTemplate, templateUUID)

	require.Equal(t, []string{fieldVersion}, h.version(store.KindTemplate, templateVersion).Fields)
	require.Equal(t, 1, h.persistedCount(store.KindTemplateField, fieldUUID))
}

func TestRelatedOrderDoesNotCreateVersion(t *testing.T) {
	h := newHarness(t)
	templateUUID := h.create(alice, store.KindTemplate, map[string]any{
		"name": "parent",
		"related_templates": []any{
			map[string]any{"name": "a"},
			map[string]any{"name": "b"},
		},
	})
	node := h.draft(alice, store.KindTemplate, templateUUID)
	require.Len(t, node.Related, 2)
	first, second := node.Related[0].UUID, node.Related[1].UUID
	h.mustPersist(alice, store.KindTemplate, templateUUID)

	require.NoError(t, h.update(alice, store.KindTemplate, templateUUID, map[string]any{
		"name": "parent",
		"related_templates": []any{
			map[string]any{"uuid": second, "name": "b"},
			map[string]any{"uuid": first, "name": "a"},
		},
	}))
	require.False(t, h.draftExists(store.KindTemplate, templateUUID))

	_, err := h.persist(alice, store.KindTemplate, templateUUID)
	require.True(t, IsInput(err), "got %v", err)
	require.Equal(t, 1, h.persistedCount(store.KindTemplate, templateUUID))
}

func TestSubscriptionCycleRejected(t *testing.T) {
	h := newHarness(t)
	a := h.create(alice, store.KindTemplate, map[string]any{"name": "a"})
	aVersion := h.mustPersist(alice, store.KindTemplate, a)

	b := h.create(alice, store.KindTemplate, map[string]any{
		"name":                 "b",
		"subscribed_templates": []any{map[string]any{"_id": aVersion}},
	})
	bVersion := h.mustPersist(alice, store.KindTemplate, b)
	require.Equal(t, []string{aVersion}, h.version(store.KindTemplate, bVersion).Subscribed)

	err := h.update(alice, store.KindTemplate, a, map[string]any{
		"name":                 "a",
		"subscribed_templates": []any{map[string]any{"_id": bVersion}},
	})
	require.True(t, IsInput(err), "got %v", err)
	require.Contains(t, err.Error(), "Circular reference")
	require.False(t, h.draftExists(store.KindTemplate, a))
}

func TestSubscriptionMustBeLatest(t *testing.T) {
	h := newHarness(t)
	a := h.create(alice, store.KindTemplate, map[string]any{"name": "a"})
	oldVersion := h.mustPersist(alice, store.KindTemplate, a)
	require.NoError(t, h.update(alice, store.KindTemplate, a, map[string]any{"name": "a2"}))
	h.mustPersist(alice, store.KindTemplate, a)

	_, err := h.tryCreate(alice, store.KindTemplate, map[string]any{
		"name":                 "b",
		"subscribed_templates": []any{map[string]any{"_id": oldVersion}},
	})
	require.True(t, IsInput(err), "got %v", err)
}

func TestRelatedTemplateCycleRejected(t *testing.T) {
	h := newHarness(t)
	a := h.create(alice, store.KindTemplate, map[string]any{"name": "a"})

	err := h.update(alice, store.KindTemplate, a, map[string]any{
		"name":              "a",
		"related_templates": []any{map[string]any{"uuid": a, "name": "a"}},
	})
	require.True(t, IsInput(err), "got %v", err)
}

func TestDatasetAndRecordPersist(t *testing.T) {
	h := newHarness(t)
	_, templateVersion, fieldUUID := h.templateWithField(alice)

	datasetUUID := h.create(alice, store.KindDataset, map[string]any{"template_id": templateVersion})
	datasetVersion := h.mustPersist(alice, store.KindDataset, datasetUUID)
	require.Equal(t, templateVersion, h.version(store.KindDataset, datasetVersion).Ancestor)

	recordUUID := h.create(alice, store.KindRecord, map[string]any{"dataset_uuid": datasetUUID})
	recordVersion := h.mustPersist(alice, store.KindRecord, recordUUID)

	record := h.version(store.KindRecord, recordVersion)
	require.Equal(t, datasetVersion, record.Ancestor)
	require.Len(t, record.Values, 1)
	require.Equal(t, fieldUUID, record.Values[0].UUID)
	require.Empty(t, record.Values[0].Value)
}

func TestRepairCarriesNewFieldToRecord(t *testing.T) {
	h := newHarness(t)
	templateUUID, templateVersion, fieldUUID := h.templateWithField(alice)

	datasetUUID := h.create(alice, store.KindDataset, map[string]any{"template_id": templateVersion})
	h.mustPersist(alice, store.KindDataset, datasetUUID)
	recordUUID := h.create(alice, store.KindRecord, map[string]any{
		"dataset_uuid": datasetUUID,
		"fields":       []any{map[string]any{"uuid": fieldUUID, "value": "kept"}},
	})
	h.mustPersist(alice, store.KindRecord, recordUUID)

	require.NoError(t, h.update(alice, store.KindTemplate, templateUUID, map[string]any{
		"name": "t",
		"fields": []any{
			map[string]any{"uuid": fieldUUID, "name": "f"},
			map[string]any{"name": "f2"},
		},
	}))
	newTemplateVersion := h.mustPersist(alice, store.KindTemplate, templateUUID)

	dataset := h.draft(alice, store.KindDataset, datasetUUID)
	require.True(t, dataset.Doc.IsDraft())
	require.Equal(t, newTemplateVersion, dataset.Doc.Ancestor)

	record := h.draft(alice, store.KindRecord, recordUUID)
	require.True(t, record.Doc.IsDraft())
	values := record.Doc.Values
	require.Len(t, values, 2)
	require.Equal(t, fieldUUID, values[0].UUID)
	require.Equal(t, "kept", values[0].Value)
	require.Equal(t, "f2", values[1].Name)
	require.Empty(t, values[1].Value)
}

func TestViewerFallsBackToPersisted(t *testing.T) {
	h := newHarness(t)
	_, templateVersion, fieldUUID := h.templateWithField(alice)
	datasetUUID := h.create(alice, store.KindDataset, map[string]any{"template_id": templateVersion})
	h.mustPersist(alice, store.KindDataset, datasetUUID)
	recordUUID := h.create(alice, store.KindRecord, map[string]any{"dataset_uuid": datasetUUID})
	recordVersion := h.mustPersist(alice, store.KindRecord, recordUUID)

	require.NoError(t, h.update(alice, store.KindRecord, recordUUID, map[string]any{
		"dataset_uuid": datasetUUID,
		"fields":       []any{map[string]any{"uuid": fieldUUID, "value": "changed"}},
	}))
	require.NoError(t, h.grants.Grant(h.ctx, bob, datasetUUID, permission.LevelView))

	_, err := h.persistWith(bob, store.KindRecord, recordUUID, h.clock)
	require.True(t, IsPermissionDenied(err), "got %v", err)

	node := h.draft(bob, store.KindRecord, recordUUID)
	require.False(t, node.Doc.IsDraft())
	require.Equal(t, recordVersion, node.Doc.VersionID)
}

func TestDeniedChildRendersStub(t *testing.T) {
	h := newHarness(t)
	hidden := h.create(bob, store.KindTemplate, map[string]any{"name": "hidden"})

	parent := h.create(alice, store.KindTemplate, map[string]any{
		"name":              "parent",
		"related_templates": []any{map[string]any{"uuid": hidden, "name": "renamed"}},
	})

	node := h.draft(alice, store.KindTemplate, parent)
	require.Len(t, node.Related, 1)
	require.Equal(t, StubNoPermissions, node.Related[0].Stub)
	require.Equal(t, hidden, node.Related[0].UUID)

	h.mustPersist(bob, store.KindTemplate, hidden)
	node = h.draft(alice, store.KindTemplate, parent)
	require.Equal(t, StubNoPermissions, node.Related[0].Stub)

	raw, err := json.Marshal(node.Related[0])
	require.NoError(t, err)
	require.JSONEq(t, `{"uuid":"`+hidden+`","no_permissions":true}`, string(raw))
}

func TestDeniedGrandchildKeepsSiblings(t *testing.T) {
	h := newHarness(t)
	hidden := h.create(bob, store.KindTemplate, map[string]any{"name": "hidden"})

	parent := h.create(alice, store.KindTemplate, map[string]any{
		"name": "parent",
		"related_templates": []any{map[string]any{
			"name": "middle",
			"related_templates": []any{
				map[string]any{"uuid": hidden},
				map[string]any{"name": "sibling"},
			},
		}},
	})

	assertTree := func(node *Node) {
		t.Helper()
		require.Len(t, node.Related, 1)
		middle := node.Related[0]
		require.True(t, middle.Full())
		require.Equal(t, "middle", middle.Doc.Name)
		require.Len(t, middle.Related, 2)
		require.Equal(t, StubNoPermissions, middle.Related[0].Stub)
		require.Equal(t, hidden, middle.Related[0].UUID)
		require.True(t, middle.Related[1].Full())
		require.Equal(t, "sibling", middle.Related[1].Doc.Name)
	}
	assertTree(h.draft(alice, store.KindTemplate, parent))

	h.mustPersist(bob, store.KindTemplate, hidden)
	h.mustPersist(alice, store.KindTemplate, parent)
	var persisted *Node
	require.NoError(t, h.tx(func(tx store.Tx) error {
		var err error
		persisted, err = h.engine.LatestPersisted(h.ctx, tx, alice, store.KindTemplate, parent)
		return err
	}))
	assertTree(persisted)
}

func TestPersistLinksDeniedChild(t *testing.T) {
	h := newHarness(t)
	hidden := h.create(bob, store.KindTemplate, map[string]any{"name": "hidden"})
	hiddenVersion := h.mustPersist(bob, store.KindTemplate, hidden)
	require.NoError(t, h.update(bob, store.KindTemplate, hidden, map[string]any{"name": "hidden v2"}))

	parent := h.create(alice, store.KindTemplate, map[string]any{
		"name":              "parent",
		"related_templates": []any{map[string]any{"uuid": hidden}},
	})
	parentVersion := h.mustPersist(alice, store.KindTemplate, parent)

	require.Equal(t, []string{hiddenVersion}, h.version(store.KindTemplate, parentVersion).Related)
	require.True(t, h.draftExists(store.KindTemplate, hidden))
}

func TestPersistedTreeDepthLimit(t *testing.T) {
	h := newHarness(t)
	body := map[string]any{"name": "leaf"}
	for i := 0; i < 7; i++ {
		body = map[string]any{"name": "level", "related_templates": []any{body}}
	}
	root := h.create(alice, store.KindTemplate, body)
	h.mustPersist(alice, store.KindTemplate, root)

	var node *Node
	require.NoError(t, h.tx(func(tx store.Tx) error {
		var err error
		node, err = h.engine.LatestPersisted(h.ctx, tx, alice, store.KindTemplate, root)
		return err
	}))
	for depth := 1; depth <= persistedDepthLimit; depth++ {
		require.Len(t, node.Related, 1)
		node = node.Related[0]
		require.True(t, node.Full(), "depth %d", depth)
	}
	require.Len(t, node.Related, 1)
	require.Equal(t, StubDepthLimit, node.Related[0].Stub)
}

func TestLastUpdateFollowsChildren(t *testing.T) {
	h := newHarness(t)
	templateUUID, _, fieldUUID := h.templateWithField(alice)
	require.NoError(t, h.update(alice, store.KindTemplateField, fieldUUID, map[string]any{"name": "renamed"}))
	fieldUpdated := h.lastUpdate(alice, store.KindTemplateField, fieldUUID)

	require.Equal(t, fieldUpdated, h.lastUpdate(alice, store.KindTemplate, templateUUID))

	var err error
	require.NoError(t, h.tx(func(tx store.Tx) error {
		_, err = h.engine.LastUpdate(h.ctx, tx, alice, store.KindTemplate, "8b1d7f6e-3c7f-4f8e-9d0a-2f6a1c3b5e7d")
		return nil
	}))
	require.True(t, IsNotFound(err), "got %v", err)
}

func TestPersistedFieldRefreshesReferencingTemplate(t *testing.T) {
	h := newHarness(t)
	templateUUID, templateVersion, fieldUUID := h.templateWithField(alice)
	require.False(t, h.draftExists(store.KindTemplate, templateUUID))

	require.NoError(t, h.update(alice, store.KindTemplateField, fieldUUID, map[string]any{"name": "renamed"}))
	h.mustPersist(alice, store.KindTemplateField, fieldUUID)

	require.True(t, h.draftExists(store.KindTemplate, templateUUID))
	newVersion := h.mustPersist(alice, store.KindTemplate, templateUUID)
	require.NotEqual(t, templateVersion, newVersion)
	field := h.version(store.KindTemplateField, h.version(store.KindTemplate, newVersion).Fields[0])
	require.Equal(t, "renamed", field.Name)
}

func TestLatestPersistedBefore(t *testing.T) {
	h := newHarness(t)
	templateUUID := h.create(alice, store.KindTemplate, map[string]any{"name": "first"})
	first := h.mustPersist(alice, store.KindTemplate, templateUUID)
	between := h.tick()
	require.NoError(t, h.update(alice, store.KindTemplate, templateUUID, map[string]any{"name": "second"}))
	h.mustPersist(alice, store.KindTemplate, templateUUID)

	require.NoError(t, h.tx(func(tx store.Tx) error {
		node, err := h.engine.LatestPersistedBefore(h.ctx, tx, alice, store.KindTemplate, templateUUID, between)
		require.NoError(t, err)
		require.Equal(t, first, node.Doc.VersionID)

		_, err = h.engine.LatestPersistedBefore(h.ctx, tx, alice, store.KindTemplate, templateUUID, between.Add(-time.Hour))
		require.True(t, IsNotFound(err), "got %v", err)
		return nil
	}))
}

func TestDraftDelete(t *testing.T) {
	h := newHarness(t)
	templateUUID := h.create(alice, store.KindTemplate, map[string]any{"name": "t"})

	err := h.tx(func(tx store.Tx) error {
		return h.engine.DraftDelete(h.ctx, tx, bob, store.KindTemplate, templateUUID)
	})
	require.True(t, IsPermissionDenied(err), "got %v", err)

	require.NoError(t, h.tx(func(tx store.Tx) error {
		return h.engine.DraftDelete(h.ctx, tx, alice, store.KindTemplate, templateUUID)
	}))
	require.False(t, h.draftExists(store.KindTemplate, templateUUID))

	err = h.tx(func(tx store.Tx) error {
		return h.engine.DraftDelete(h.ctx, tx, alice, store.KindTemplate, templateUUID)
	})
	require.True(t, IsNotFound(err), "got %v", err)
}

func TestDuplicateTemplate(t *testing.T) {
	h := newHarness(t)
	templateUUID, _, fieldUUID := h.templateWithField(alice)

	var node *Node
	require.NoError(t, h.tx(func(tx store.Tx) error {
		var err error
		node, err = h.engine.Duplicate(h.ctx, tx, alice, store.KindTemplate, templateUUID)
		return err
	}))
	require.NotEqual(t, templateUUID, node.UUID)
	require.Equal(t, templateUUID, node.Doc.DuplicatedFrom)
	require.Len(t, node.Fields, 1)
	require.NotEqual(t, fieldUUID, node.Fields[0].UUID)
	require.Equal(t, fieldUUID, node.Fields[0].Doc.DuplicatedFrom)

	_, err := h.persist(alice, store.KindTemplate, node.UUID)
	require.NoError(t, err)
}

func TestRecordFilesMustBeUploaded(t *testing.T) {
	h := newHarness(t)
	templateUUID := h.create(alice, store.KindTemplate, map[string]any{
		"name":   "t",
		"fields": []any{map[string]any{"name": "attachment", "type": "File"}},
	})
	fieldUUID := h.draft(alice, store.KindTemplate, templateUUID).Fields[0].UUID
	templateVersion := h.mustPersist(alice, store.KindTemplate, templateUUID)
	datasetUUID := h.create(alice, store.KindDataset, map[string]any{"template_id": templateVersion})
	h.mustPersist(alice, store.KindDataset, datasetUUID)

	recordUUID := h.create(alice, store.KindRecord, map[string]any{
		"dataset_uuid": datasetUUID,
		"fields": []any{map[string]any{
			"uuid": fieldUUID,
			"file": map[string]any{"uuid": "new", "name": "scan.pdf"},
		}},
	})
	record := h.draft(alice, store.KindRecord, recordUUID)
	require.NotNil(t, record.Doc.Values[0].File)
	fileUUID := record.Doc.Values[0].File.UUID
	require.NotEqual(t, "new", fileUUID)

	_, err := h.persist(alice, store.KindRecord, recordUUID)
	require.True(t, IsInput(err), "got %v", err)

	h.blobs.Put(fileUUID)
	h.mustPersist(alice, store.KindRecord, recordUUID)
}

func TestFileFieldRejectsOptions(t *testing.T) {
	h := newHarness(t)
	_, err := h.tryCreate(alice, store.KindTemplateField, map[string]any{
		"name":    "f",
		"type":    "File",
		"options": []any{map[string]any{"name": "a"}},
	})
	require.True(t, IsInput(err), "got %v", err)
}

func TestCreateRejectsInvalidBodies(t *testing.T) {
	tests := []struct {
		name string
		kind store.Kind
		body any
	}{
		{"uuid on create", store.KindTemplate, map[string]any{"uuid": "8b1d7f6e-3c7f-4f8e-9d0a-2f6a1c3b5e7d"}},
		{"option without name", store.KindTemplateField, map[string]any{"options": []any{map[string]any{}}}},
		{"unknown field type", store.KindTemplateField, map[string]any{"type": "Video"}},
		{"record without dataset", store.KindRecord, map[string]any{}},
		{"dataset without template", store.KindDataset, map[string]any{"name": "d"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			_, err := h.tryCreate(alice, tt.kind, tt.body)
			require.True(t, IsInput(err), "got %v", err)
		})
	}
}

func TestRecordUpdateAfterDatasetPersist(t *testing.T) {
	h := newHarness(t)
	_, templateVersion, fieldUUID := h.templateWithField(alice)

	datasetUUID := h.create(alice, store.KindDataset, map[string]any{"template_id": templateVersion})
	firstDataset := h.mustPersist(alice, store.KindDataset, datasetUUID)

	recordBody := map[string]any{
		"dataset_uuid": datasetUUID,
		"fields":       []any{map[string]any{"uuid": fieldUUID, "value": "x"}},
	}
	recordUUID := h.create(alice, store.KindRecord, recordBody)
	firstRecord := h.mustPersist(alice, store.KindRecord, recordUUID)
	require.Equal(t, firstDataset, h.version(store.KindRecord, firstRecord).Ancestor)

	require.NoError(t, h.update(alice, store.KindDataset, datasetUUID, map[string]any{
		"name":        "renamed",
		"template_id": templateVersion,
	}))
	secondDataset := h.mustPersist(alice, store.KindDataset, datasetUUID)
	require.NotEqual(t, firstDataset, secondDataset)

	require.NoError(t, h.update(alice, store.KindRecord, recordUUID, recordBody))
	require.True(t, h.draftExists(store.KindRecord, recordUUID))

	secondRecord := h.mustPersist(alice, store.KindRecord, recordUUID)
	require.NotEqual(t, firstRecord, secondRecord)
	record := h.version(store.KindRecord, secondRecord)
	require.Equal(t, secondDataset, record.Ancestor)
	require.Equal(t, "x", record.Values[0].Value)
}

func TestPersistedVersion(t *testing.T) {
	h := newHarness(t)
	templateUUID, firstVersion, _ := h.templateWithField(alice)
	require.NoError(t, h.update(alice, store.KindTemplate, templateUUID, map[string]any{"name": "t v2"}))
	h.mustPersist(alice, store.KindTemplate, templateUUID)

	fetch := func(user, versionID string) (*Node, error) {
		var node *Node
		err := h.tx(func(tx store.Tx) error {
			var err error
			node, err = h.engine.PersistedVersion(h.ctx, tx, user, store.KindTemplate, versionID)
			return err
		})
		return node, err
	}

	node, err := fetch(alice, firstVersion)
	require.NoError(t, err)
	require.Equal(t, "t", node.Doc.Name)
	require.Equal(t, firstVersion, node.Doc.VersionID)
	require.Len(t, node.Fields, 1)
	require.True(t, node.Fields[0].Full())

	_, err = fetch(bob, firstVersion)
	require.True(t, IsPermissionDenied(err))

	draftOnly := h.create(alice, store.KindTemplate, map[string]any{"name": "draft"})
	snapshots := h.db.Snapshots(store.KindTemplate, draftOnly)
	require.Len(t, snapshots, 1)
	_, err = fetch(alice, snapshots[0].VersionID)
	require.True(t, IsNotFound(err))

	_, err = fetch(alice, "missing")
	require.True(t, IsNotFound(err))
}

func TestNewDatasetForTemplate(t *testing.T) {
	h := newHarness(t)
	subscribed := h.create(alice, store.KindTemplate, map[string]any{"name": "subscribed"})
	subscribedVersion := h.mustPersist(alice, store.KindTemplate, subscribed)

	templateUUID := h.create(alice, store.KindTemplate, map[string]any{
		"name":                 "parent",
		"related_templates":    []any{map[string]any{"name": "child"}},
		"subscribed_templates": []any{map[string]any{"_id": subscribedVersion}},
	})
	templateVersion := h.mustPersist(alice, store.KindTemplate, templateUUID)

	newDataset := func(user, uuid string) (*DatasetInput, error) {
		var dataset *DatasetInput
		err := h.tx(func(tx store.Tx) error {
			var err error
			dataset, err = h.engine.NewDatasetForTemplate(h.ctx, tx, user, uuid)
			return err
		})
		return dataset, err
	}

	dataset, err := newDataset(alice, templateUUID)
	require.NoError(t, err)
	require.Equal(t, templateVersion, dataset.TemplateID)
	require.Equal(t, templateUUID, dataset.TemplateUUID)
	require.Len(t, dataset.RelatedDatasets, 2)
	slots := []string{dataset.RelatedDatasets[0].TemplateUUID, dataset.RelatedDatasets[1].TemplateUUID}
	require.Contains(t, slots, subscribed)
	for _, related := range dataset.RelatedDatasets {
		require.NotEmpty(t, related.TemplateID)
		require.Empty(t, related.RelatedDatasets)
	}

	datasetUUID := h.create(alice, store.KindDataset, dataset)
	datasetVersion := h.mustPersist(alice, store.KindDataset, datasetUUID)
	require.Len(t, h.version(store.KindDataset, datasetVersion).Related, 2)

	_, err = newDataset(bob, templateUUID)
	require.True(t, IsPermissionDenied(err))

	draftOnly := h.create(alice, store.KindTemplate, map[string]any{"name": "draft"})
	_, err = newDataset(alice, draftOnly)
	require.True(t, IsNotFound(err))
}

func TestDatasetRecords(t *testing.T) {
	h := newHarness(t)
	_, templateVersion, _ := h.templateWithField(alice)
	datasetUUID := h.create(alice, store.KindDataset, map[string]any{"template_id": templateVersion})
	h.mustPersist(alice, store.KindDataset, datasetUUID)

	early := h.create(alice, store.KindRecord, map[string]any{"dataset_uuid": datasetUUID})
	h.mustPersist(alice, store.KindRecord, early)
	h.create(alice, store.KindRecord, map[string]any{"dataset_uuid": datasetUUID})

	require.NoError(t, h.update(alice, store.KindDataset, datasetUUID, map[string]any{
		"name":        "renamed",
		"template_id": templateVersion,
	}))
	h.mustPersist(alice, store.KindDataset, datasetUUID)
	late := h.create(alice, store.KindRecord, map[string]any{"dataset_uuid": datasetUUID})
	lateVersion := h.mustPersist(alice, store.KindRecord, late)

	other := h.create(alice, store.KindDataset, map[string]any{"template_id": templateVersion})
	h.mustPersist(alice, store.KindDataset, other)
	elsewhere := h.create(alice, store.KindRecord, map[string]any{"dataset_uuid": other})
	h.mustPersist(alice, store.KindRecord, elsewhere)

	records := func(user string) ([]*store.Document, error) {
		var docs []*store.Document
		err := h.tx(func(tx store.Tx) error {
			var err error
			docs, err = h.engine.DatasetRecords(h.ctx, tx, user, datasetUUID)
			return err
		})
		return docs, err
	}

	docs, err := records(alice)
	require.NoError(t, err)
	var uuids []string
	for _, doc := range docs {
		require.False(t, doc.IsDraft())
		uuids = append(uuids, doc.UUID)
		if doc.UUID == late {
			require.Equal(t, lateVersion, doc.VersionID)
		}
	}
	require.ElementsMatch(t, []string{early, late}, uuids)

	_, err = records(bob)
	require.True(t, IsPermissionDenied(err))
}

func TestPublicAndViewableUUIDs(t *testing.T) {
	h := newHarness(t)
	publicTemplate := h.create(bob, store.KindTemplate, map[string]any{"name": "open", "public_date": "2023-01-01T00:00:00Z"})
	publicTemplateVersion := h.mustPersist(bob, store.KindTemplate, publicTemplate)
	publicDataset := h.create(bob, store.KindDataset, map[string]any{
		"template_id": publicTemplateVersion,
		"public_date": "2023-06-01T00:00:00Z",
	})
	h.mustPersist(bob, store.KindDataset, publicDataset)

	_, templateVersion, _ := h.templateWithField(alice)
	privateDataset := h.create(alice, store.KindDataset, map[string]any{"template_id": templateVersion})
	h.mustPersist(alice, store.KindDataset, privateDataset)
	h.create(alice, store.KindDataset, map[string]any{"template_id": templateVersion})

	var public, aliceViews, bobViews []string
	require.NoError(t, h.tx(func(tx store.Tx) error {
		var err error
		if public, err = h.engine.PublicUUIDs(h.ctx, tx, store.KindDataset); err != nil {
			return err
		}
		if aliceViews, err = h.engine.ViewableUUIDs(h.ctx, tx, alice, store.KindDataset); err != nil {
			return err
		}
		bobViews, err = h.engine.ViewableUUIDs(h.ctx, tx, bob, store.KindDataset)
		return err
	}))
	require.Equal(t, []string{publicDataset}, public)
	require.ElementsMatch(t, []string{publicDataset, privateDataset}, aliceViews)
	require.Equal(t, []string{publicDataset}, bobViews)
}
