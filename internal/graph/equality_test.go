package graph

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"metagraph/api/internal/store"
)

func TestDescriptorEquality(t *testing.T) {
	public := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	base := &store.Document{
		Kind:       store.KindTemplate,
		UUID:       "t",
		Name:       "name",
		PublicDate: &public,
		Fields:     []string{"f1", "f2"},
		Related:    []string{"r1", "r2"},
	}

	tests := []struct {
		name   string
		mutate func(*store.Document)
		equal  bool
	}{
		{"identical", func(*store.Document) {}, true},
		{"reordered references", func(d *store.Document) { d.Related = []string{"r2", "r1"} }, true},
		{"version and times ignored", func(d *store.Document) {
			d.VersionID = "other"
			d.UpdatedAt = time.Now()
		}, true},
		{"same public instant in another zone", func(d *store.Document) {
			local := public.In(time.FixedZone("x", 3600))
			d.PublicDate = &local
		}, true},
		{"renamed", func(d *store.Document) { d.Name = "other" }, false},
		{"extra field", func(d *store.Document) { d.Fields = append(d.Fields, "f3") }, false},
		{"public date removed", func(d *store.Document) { d.PublicDate = nil }, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			other := base.Clone()
			tt.mutate(other)
			require.Equal(t, tt.equal, describe(store.KindTemplate).equal(base, other))
		})
	}
}

func TestOptionsEqual(t *testing.T) {
	a := []store.Option{
		{UUID: "1", Name: "red"},
		{Name: "group", Options: []store.Option{{UUID: "2", Name: "blue"}}},
	}
	require.True(t, optionsEqual(a, store.CloneOptions(a)))

	renamed := store.CloneOptions(a)
	renamed[1].Options[0].Name = "green"
	require.False(t, optionsEqual(a, renamed))

	require.False(t, optionsEqual(a, a[:1]))
}

func TestRecordFieldsEqual(t *testing.T) {
	a := []store.RecordField{
		{UUID: "f", Name: "color", Values: []store.OptionValue{{UUID: "1", Name: "red"}, {UUID: "2", Name: "blue"}}},
		{UUID: "g", Name: "scan", Type: store.FieldTypeFile, File: &store.FileRef{UUID: "file", Name: "a.pdf"}},
	}
	b := []store.RecordField{a[0].Clone(), a[1].Clone()}
	b[0].Values = []store.OptionValue{{UUID: "2", Name: "blue"}, {UUID: "1", Name: "red"}}
	require.True(t, recordFieldsEqual(a, b))

	b[1].File = &store.FileRef{UUID: "other", Name: "a.pdf"}
	require.False(t, recordFieldsEqual(a, b))
}

func TestParseOptions(t *testing.T) {
	known := map[string]bool{"8b1d7f6e-3c7f-4f8e-9d0a-2f6a1c3b5e7d": true}

	options, err := parseOptions([]OptionInput{
		{UUID: "8b1d7f6e-3c7f-4f8e-9d0a-2f6a1c3b5e7d", Name: "kept"},
		{Name: "group", Options: []OptionInput{{Name: "fresh"}}},
	}, known, map[string]bool{})
	require.NoError(t, err)
	require.Len(t, options, 2)
	require.Equal(t, "8b1d7f6e-3c7f-4f8e-9d0a-2f6a1c3b5e7d", options[0].UUID)
	require.Empty(t, options[1].UUID)
	require.Len(t, options[1].Options, 1)
	require.NotEmpty(t, options[1].Options[0].UUID)

	_, err = parseOptions([]OptionInput{{UUID: "b7a0c1d2-0000-4000-8000-000000000000", Name: "unknown"}}, known, map[string]bool{})
	require.True(t, IsInput(err), "got %v", err)

	_, err = parseOptions([]OptionInput{
		{UUID: "8b1d7f6e-3c7f-4f8e-9d0a-2f6a1c3b5e7d", Name: "a"},
		{UUID: "8b1d7f6e-3c7f-4f8e-9d0a-2f6a1c3b5e7d", Name: "b"},
	}, known, map[string]bool{})
	require.True(t, IsInput(err), "got %v", err)
}

func TestReprojectValues(t *testing.T) {
	fields := []*store.Document{
		{UUID: "keep", Name: "Keep"},
		{UUID: "select", Name: "Select", Options: []store.Option{{UUID: "o1", Name: "One renamed"}}},
		{UUID: "new", Name: "New"},
	}
	old := []store.RecordField{
		{UUID: "keep", Name: "Keep", Value: "v"},
		{UUID: "select", Name: "Select", Values: []store.OptionValue{{UUID: "o1", Name: "One"}, {UUID: "o2", Name: "Two"}}},
		{UUID: "dropped", Name: "Dropped", Value: "gone"},
	}

	values := reprojectValues(fields, old)
	require.Len(t, values, 3)
	require.Equal(t, "v", values[0].Value)
	require.Equal(t, []store.OptionValue{{UUID: "o1", Name: "One renamed"}}, values[1].Values)
	require.Equal(t, "new", values[2].UUID)
	require.Empty(t, values[2].Value)
}

func TestNodeJSON(t *testing.T) {
	require.JSONEq(t, `{"uuid":"x","deleted":true}`, mustJSON(t, deletedNode("x")))
	require.JSONEq(t, `{"uuid":"x","depth_limit":true}`, mustJSON(t, stubNode("x", StubDepthLimit)))

	persisted := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	node := fullNode(&store.Document{
		Kind:        store.KindRecord,
		UUID:        "r",
		VersionID:   "v1",
		UpdatedAt:   persisted,
		PersistDate: &persisted,
		Ancestor:    "d1",
	})
	node.AncestorUUID = "d"
	node.Annotations = []store.Annotation{{DocumentUUID: "r", Plugin: "doi"}}
	require.JSONEq(t, `{
		"uuid":"r","_id":"v1",
		"updated_at":"2024-01-02T03:04:05Z","persist_date":"2024-01-02T03:04:05Z",
		"dataset_id":"d1","dataset_uuid":"d",
		"fields":[],"related_records":[],
		"plugins":{"doi":{}}
	}`, mustJSON(t, node))
}

func mustJSON(t *testing.T, node *Node) string {
	t.Helper()
	raw, err := node.MarshalJSON()
	require.NoError(t, err)
	return string(raw)
}
