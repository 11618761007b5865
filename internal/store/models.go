package store

import (
	"slices"
	"time"
)

type Kind string

const (
	KindTemplateField Kind = "template_field"
	KindTemplate      Kind = "template"
	KindDataset       Kind = "dataset"
	KindRecord        Kind = "record"
)

var Kinds = []Kind{KindTemplateField, KindTemplate, KindDataset, KindRecord}

func (k Kind) Valid() bool {
	return slices.Contains(Kinds, k)
}

type FieldType string

const (
	FieldTypeValue  FieldType = ""
	FieldTypeFile   FieldType = "File"
	FieldTypeImage  FieldType = "Image"
	FieldTypeSelect FieldType = "Select"
	FieldTypeMulti  FieldType = "MultiSelect"
)

// Option is a node of a template field's option tree. Leaves carry a UUID,
// branches carry nested options.
type Option struct {
	UUID    string   `json:"uuid,omitempty"`
	Name    string   `json:"name"`
	Options []Option `json:"options,omitempty"`
}

type OptionValue struct {
	UUID string `json:"uuid"`
	Name string `json:"name"`
}

type FileRef struct {
	UUID string `json:"uuid"`
	Name string `json:"name,omitempty"`
}

// RecordField is one entry of a record's field projection: the template
// field's descriptive metadata combined with the value this record supplies.
type RecordField struct {
	UUID        string        `json:"uuid"`
	Name        string        `json:"name"`
	Description string        `json:"description"`
	Type        FieldType     `json:"type,omitempty"`
	Value       string        `json:"value,omitempty"`
	Values      []OptionValue `json:"values,omitempty"`
	File        *FileRef      `json:"file,omitempty"`
	Images      []FileRef     `json:"images,omitempty"`
}

// Document is a single stored snapshot of any kind. A snapshot without a
// PersistDate is the draft of its UUID.
type Document struct {
	Kind        Kind       `json:"kind"`
	UUID        string     `json:"uuid"`
	VersionID   string     `json:"version_id"`
	UpdatedAt   time.Time  `json:"updated_at"`
	PersistDate *time.Time `json:"persist_date,omitempty"`
	PublicDate  *time.Time `json:"public_date,omitempty"`

	OldSystemUUID  string `json:"old_system_uuid,omitempty"`
	DuplicatedFrom string `json:"duplicated_from,omitempty"`

	Name        string `json:"name,omitempty"`
	Description string `json:"description,omitempty"`

	// Template fields only.
	FieldType FieldType `json:"type,omitempty"`
	Options   []Option  `json:"options,omitempty"`

	// Templates: field references. UUIDs on drafts, version ids once persisted.
	Fields []string `json:"fields,omitempty"`
	// related_templates, related_datasets or related_records depending on Kind.
	Related []string `json:"related,omitempty"`
	// Templates: subscribed template versions, always version ids.
	Subscribed []string `json:"subscribed,omitempty"`

	// Governing ancestor. Datasets pin a template version id; records hold
	// the dataset UUID while draft and the dataset version id once persisted.
	Ancestor  string `json:"ancestor,omitempty"`
	GroupUUID string `json:"group_uuid,omitempty"`

	// Records only.
	Values []RecordField `json:"values,omitempty"`
}

func (d *Document) IsDraft() bool {
	return d != nil && d.PersistDate == nil
}

// Clone returns a deep copy so callers can mutate reference lists freely.
func (d *Document) Clone() *Document {
	if d == nil {
		return nil
	}
	out := *d
	out.PersistDate = cloneTime(d.PersistDate)
	out.PublicDate = cloneTime(d.PublicDate)
	out.Options = CloneOptions(d.Options)
	out.Fields = slices.Clone(d.Fields)
	out.Related = slices.Clone(d.Related)
	out.Subscribed = slices.Clone(d.Subscribed)
	if d.Values != nil {
		out.Values = make([]RecordField, len(d.Values))
		for i, field := range d.Values {
			out.Values[i] = field.Clone()
		}
	}
	return &out
}

func (f RecordField) Clone() RecordField {
	out := f
	out.Values = slices.Clone(f.Values)
	out.Images = slices.Clone(f.Images)
	if f.File != nil {
		file := *f.File
		out.File = &file
	}
	return out
}

// FileUUIDs lists every file attached through a file or image field.
func (f RecordField) FileUUIDs() []string {
	var uuids []string
	if f.File != nil && f.File.UUID != "" {
		uuids = append(uuids, f.File.UUID)
	}
	for _, image := range f.Images {
		if image.UUID != "" {
			uuids = append(uuids, image.UUID)
		}
	}
	return uuids
}

func CloneOptions(options []Option) []Option {
	if options == nil {
		return nil
	}
	out := make([]Option, len(options))
	for i, option := range options {
		out[i] = Option{UUID: option.UUID, Name: option.Name, Options: CloneOptions(option.Options)}
	}
	return out
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// File tracks an uploaded blob attached to one record field.
type File struct {
	UUID       string
	RecordUUID string
	FieldUUID  string
	Uploaded   bool
	Persisted  bool
	CreatedAt  time.Time
}

// Annotation is opaque plugin metadata attached to a document or to one of
// its fields. It never participates in equality or persist decisions.
type Annotation struct {
	DocumentUUID string
	FieldUUID    string
	Plugin       string
	Settings     []byte
}

type LegacyMapping struct {
	OldUUID string
	NewUUID string
}
