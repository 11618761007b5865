package graph

import (
	"errors"
	"fmt"

	"metagraph/api/internal/files"
	"metagraph/api/internal/permission"
	"metagraph/api/internal/store"
)

// newFileUUID asks the file collaborator for a fresh file.
const newFileUUID = "new"

// upsertRecord validates a record body against the latest persisted version
// of its dataset and stores the resulting draft tree.
func (o *op) upsertRecord(in RecordInput) (string, error) {
	dataset, err := o.tx.LatestPersisted(o.ctx, store.KindDataset, in.DatasetUUID)
	if err != nil {
		return "", err
	}
	if dataset == nil {
		return "", inputError("a valid dataset_uuid was not provided for record %s", in.UUID)
	}
	uuid, _, err := o.validateRecord(in, dataset)
	return uuid, err
}

func (o *op) validateRecord(in RecordInput, dataset *store.Document) (string, bool, error) {
	uuid, _, err := o.resolveUUID(store.KindRecord, in.UUID)
	if err != nil {
		return "", false, err
	}
	key := docRef{store.KindRecord, uuid}.key()
	if changed, ok := o.seen[key]; ok {
		return uuid, changed, nil
	}

	allowed, err := o.has(dataset.UUID, permission.LevelEdit)
	if err != nil {
		return "", false, err
	}
	if !allowed {
		return "", false, permissionDenied("Do not have edit permissions required to create/update records in dataset %s", dataset.UUID)
	}

	persisted, err := o.tx.LatestPersisted(o.ctx, store.KindRecord, uuid)
	if err != nil {
		return "", false, err
	}
	if persisted != nil {
		persistedDataset, err := o.recordDatasetUUID(persisted)
		if err != nil {
			return "", false, err
		}
		if in.DatasetUUID != persistedDataset {
			return "", false, inputError("Record %s expected dataset %s, but received %s. Once a record is persisted, its dataset may never be changed.",
				uuid, persistedDataset, in.DatasetUUID)
		}
	}
	if in.DatasetUUID != dataset.UUID {
		return "", false, inputError("The dataset uuid provided by the record: %s does not correspond to the dataset uuid expected by the dataset: %s",
			in.DatasetUUID, dataset.UUID)
	}

	var fields []*store.Document
	shape, err := o.shapeTemplate(dataset)
	if err != nil {
		return "", false, err
	}
	if shape != nil {
		if fields, err = o.templateFields(shape); err != nil {
			return "", false, err
		}
	}
	values, err := o.recordValues(uuid, fields, in.Fields)
	if err != nil {
		return "", false, err
	}
	related, childChanged, err := o.validateRelatedRecords(in.RelatedRecords, dataset)
	if err != nil {
		return "", false, err
	}

	previous, err := o.tx.Draft(o.ctx, store.KindRecord, uuid)
	if err != nil {
		return "", false, err
	}
	oldSystemUUID, err := o.tx.LegacyOldFor(o.ctx, uuid)
	if err != nil {
		return "", false, err
	}
	draft := &store.Document{
		Kind:          store.KindRecord,
		UUID:          uuid,
		PublicDate:    in.PublicDate,
		OldSystemUUID: oldSystemUUID,
		Ancestor:      dataset.UUID,
		Values:        values,
		Related:       related,
	}
	changed, err := o.saveOrDiscard(draft, childChanged)
	if err != nil {
		return "", false, err
	}
	if previous != nil {
		o.releaseLostFiles(previous.Values, draft.Values)
	}
	o.seen[key] = changed
	return uuid, changed, nil
}

func (o *op) validateRelatedRecords(inputs []RecordInput, dataset *store.Document) ([]string, bool, error) {
	slots := map[string]*store.Document{}
	for _, versionID := range dataset.Related {
		slot, err := o.tx.Version(o.ctx, store.KindDataset, versionID)
		if err != nil {
			return nil, false, err
		}
		if slot != nil {
			slots[slot.UUID] = slot
		}
	}

	changes := false
	related := make([]string, 0, len(inputs))
	for _, in := range inputs {
		if in.DatasetUUID == "" {
			return nil, false, inputError("Each related_record in the record must supply a dataset_uuid")
		}
		slot, ok := slots[in.DatasetUUID]
		if !ok {
			return nil, false, inputError("Each related_record in the record must link to a related_dataset supported by the dataset")
		}
		uuid, changed, err := o.validateRecord(in, slot)
		if uuid, err = linkChild(store.KindRecord, in.UUID, uuid, err); err != nil {
			return nil, false, err
		}
		changes = changes || changed
		related = append(related, uuid)
	}
	if dup, ok := hasDuplicate(related); ok {
		return nil, false, inputError("Each record may only have one instance of every related_record: %s", dup)
	}
	return related, changes, nil
}

// recordValues projects the supplied field values over the template fields.
// Values for fields the template does not have are ignored.
func (o *op) recordValues(recordUUID string, fields []*store.Document, inputs []RecordFieldInput) ([]store.RecordField, error) {
	supplied := make(map[string]RecordFieldInput, len(inputs))
	for _, in := range inputs {
		if _, ok := supplied[in.UUID]; ok {
			return nil, inputError("A record can only supply a single value for each field: %s", in.UUID)
		}
		supplied[in.UUID] = in
	}

	values := make([]store.RecordField, 0, len(fields))
	for _, field := range fields {
		value := store.RecordField{
			UUID:        field.UUID,
			Name:        field.Name,
			Description: field.Description,
			Type:        field.FieldType,
		}
		in, ok := supplied[field.UUID]
		switch {
		case field.FieldType == store.FieldTypeFile:
			if ok && in.File != nil {
				ref, err := o.resolveFile(recordUUID, field.UUID, *in.File)
				if err != nil {
					return nil, err
				}
				value.File = &ref
			}
		case field.FieldType == store.FieldTypeImage:
			if ok {
				for _, image := range in.Images {
					ref, err := o.resolveFile(recordUUID, field.UUID, image)
					if err != nil {
						return nil, err
					}
					value.Images = append(value.Images, ref)
				}
			}
		case len(field.Options) > 0:
			value.Values = []store.OptionValue{}
			if ok {
				leaves := optionLeaves(field.Options)
				for _, selected := range in.Values {
					name, found := leaves[selected.UUID]
					if !found {
						return nil, inputError("Option %s is not an option of field %s", selected.UUID, field.UUID)
					}
					value.Values = append(value.Values, store.OptionValue{UUID: selected.UUID, Name: name})
				}
			}
		default:
			if ok {
				value.Value = in.Value
			}
		}
		values = append(values, value)
	}
	return values, nil
}

func (o *op) resolveFile(recordUUID, fieldUUID string, in FileInput) (store.FileRef, error) {
	if in.UUID == newFileUUID {
		file, err := o.files.Allocate(o.ctx, o.tx, recordUUID, fieldUUID)
		if err != nil {
			return store.FileRef{}, fmt.Errorf("allocate file for record %s field %s: %w", recordUUID, fieldUUID, err)
		}
		return store.FileRef{UUID: file.UUID, Name: in.Name}, nil
	}
	if err := o.files.Verify(o.ctx, o.tx, in.UUID, recordUUID, fieldUUID); err != nil {
		return store.FileRef{}, fileError(err)
	}
	return store.FileRef{UUID: in.UUID, Name: in.Name}, nil
}

// reprojectValues rebuilds a record's projection over a new set of template
// fields. Values of fields that survive are kept when the field type still
// matches; option selections keep only options that still exist.
func reprojectValues(fields []*store.Document, old []store.RecordField) []store.RecordField {
	previous := make(map[string]store.RecordField, len(old))
	for _, value := range old {
		previous[value.UUID] = value
	}

	values := make([]store.RecordField, 0, len(fields))
	for _, field := range fields {
		value := store.RecordField{
			UUID:        field.UUID,
			Name:        field.Name,
			Description: field.Description,
			Type:        field.FieldType,
		}
		prev, ok := previous[field.UUID]
		sameType := ok && prev.Type == field.FieldType
		switch {
		case field.FieldType == store.FieldTypeFile:
			if sameType && prev.File != nil {
				file := *prev.File
				value.File = &file
			}
		case field.FieldType == store.FieldTypeImage:
			if sameType {
				value.Images = append(value.Images, prev.Images...)
			}
		case len(field.Options) > 0:
			value.Values = []store.OptionValue{}
			leaves := optionLeaves(field.Options)
			if ok {
				for _, selected := range prev.Values {
					if name, found := leaves[selected.UUID]; found {
						value.Values = append(value.Values, store.OptionValue{UUID: selected.UUID, Name: name})
					}
				}
			}
		default:
			if sameType {
				value.Value = prev.Value
			}
		}
		values = append(values, value)
	}
	return values
}

// optionLeaves maps every selectable option uuid of a tree to its name.
func optionLeaves(options []store.Option) map[string]string {
	leaves := map[string]string{}
	var walk func([]store.Option)
	walk = func(options []store.Option) {
		for _, option := range options {
			if len(option.Options) > 0 {
				walk(option.Options)
				continue
			}
			if option.UUID != "" {
				leaves[option.UUID] = option.Name
			}
		}
	}
	walk(options)
	return leaves
}

// releaseLostFiles drops files referenced by before but not by after. Failures
// are logged and otherwise ignored.
func (o *op) releaseLostFiles(before, after []store.RecordField) {
	kept := map[string]bool{}
	for _, value := range after {
		for _, uuid := range value.FileUUIDs() {
			kept[uuid] = true
		}
	}
	for _, value := range before {
		for _, uuid := range value.FileUUIDs() {
			if kept[uuid] {
				continue
			}
			if err := o.files.Release(o.ctx, o.tx, uuid); err != nil {
				o.log.Warn().Err(err).Str("file_uuid", uuid).Msg("release file failed")
			}
		}
	}
}

// markFilesPersisted freezes every file a record version is about to pin.
func (o *op) markFilesPersisted(record *store.Document) error {
	for _, value := range record.Values {
		for _, uuid := range value.FileUUIDs() {
			if err := o.files.MarkPersisted(o.ctx, o.tx, uuid); err != nil {
				return fileError(err)
			}
		}
	}
	return nil
}

func fileError(err error) error {
	switch {
	case errors.Is(err, files.ErrNotFound), errors.Is(err, files.ErrMismatch), errors.Is(err, files.ErrNotUploaded):
		return inputError("%s", err.Error())
	default:
		return err
	}
}
