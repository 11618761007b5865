package graph

import (
	"metagraph/api/internal/permission"
	"metagraph/api/internal/store"
	"metagraph/api/internal/util"
)

func (o *op) validateField(in FieldInput) (string, bool, error) {
	uuid, created, err := o.resolveUUID(store.KindTemplateField, in.UUID)
	if err != nil {
		return "", false, err
	}
	key := docRef{store.KindTemplateField, uuid}.key()
	if changed, ok := o.seen[key]; ok {
		return uuid, changed, nil
	}
	if !created {
		allowed, err := o.has(uuid, permission.LevelEdit)
		if err != nil {
			return "", false, err
		}
		if !allowed {
			return "", false, permissionDenied("You do not have the edit permissions required to update template field %s", uuid)
		}
	}

	fieldType := store.FieldType(in.Type)
	if (fieldType == store.FieldTypeFile || fieldType == store.FieldTypeImage) && len(in.Options) > 0 {
		return "", false, inputError("Template field %s of type %s cannot have options", uuid, fieldType)
	}
	known, err := o.knownOptions(uuid)
	if err != nil {
		return "", false, err
	}
	options, err := parseOptions(in.Options, known, map[string]bool{})
	if err != nil {
		return "", false, err
	}

	if created {
		if err := o.initializePermissions(uuid); err != nil {
			return "", false, err
		}
	}
	oldSystemUUID, err := o.tx.LegacyOldFor(o.ctx, uuid)
	if err != nil {
		return "", false, err
	}
	draft := &store.Document{
		Kind:          store.KindTemplateField,
		UUID:          uuid,
		Name:          in.Name,
		Description:   in.Description,
		PublicDate:    in.PublicDate,
		OldSystemUUID: oldSystemUUID,
		FieldType:     fieldType,
		Options:       options,
	}
	changed, err := o.saveOrDiscard(draft, false)
	if err != nil {
		return "", false, err
	}
	o.seen[key] = changed
	return uuid, changed, nil
}

// knownOptions collects the leaf option uuids of the current draft and the
// latest persisted version of a field.
func (o *op) knownOptions(uuid string) (map[string]bool, error) {
	known := map[string]bool{}
	for _, load := range []func() (*store.Document, error){
		func() (*store.Document, error) { return o.tx.Draft(o.ctx, store.KindTemplateField, uuid) },
		func() (*store.Document, error) { return o.tx.LatestPersisted(o.ctx, store.KindTemplateField, uuid) },
	} {
		doc, err := load()
		if err != nil {
			return nil, err
		}
		if doc == nil {
			continue
		}
		for leaf := range optionLeaves(doc.Options) {
			known[leaf] = true
		}
	}
	return known, nil
}

// parseOptions builds an option tree from input. Leaves keep a uuid the field
// already had and get a new one otherwise.
func parseOptions(inputs []OptionInput, known, used map[string]bool) ([]store.Option, error) {
	if len(inputs) == 0 {
		return nil, nil
	}
	options := make([]store.Option, 0, len(inputs))
	for _, in := range inputs {
		if in.Name == "" {
			return nil, inputError("each option must have a name")
		}
		if len(in.Options) > 0 {
			nested, err := parseOptions(in.Options, known, used)
			if err != nil {
				return nil, err
			}
			options = append(options, store.Option{Name: in.Name, Options: nested})
			continue
		}
		uuid := in.UUID
		if uuid == "" {
			uuid = util.NewUUID()
		} else {
			if !known[uuid] {
				return nil, inputError("Option uuid %s is not an existing option of this field. Omit the uuid to create a new option.", uuid)
			}
			if used[uuid] {
				return nil, inputError("Option uuid %s may only be used once", uuid)
			}
		}
		used[uuid] = true
		options = append(options, store.Option{UUID: uuid, Name: in.Name})
	}
	return options, nil
}
