package graph

import (
	"metagraph/api/internal/permission"
	"metagraph/api/internal/store"
	"metagraph/api/internal/util"
)

// upsertDataset validates a dataset body against the persisted template
// version it names and stores the resulting draft tree.
func (o *op) upsertDataset(in DatasetInput) (string, error) {
	template, err := o.rootTemplate(in)
	if err != nil {
		return "", err
	}
	group := ""
	if in.UUID != "" {
		existing, err := o.latestDocument(store.KindDataset, in.UUID)
		if err != nil {
			return "", err
		}
		if existing != nil {
			group = existing.GroupUUID
		}
	}
	if group == "" {
		group = util.NewUUID()
	}
	uuid, _, err := o.validateDataset(in, template, group)
	return uuid, err
}

// rootTemplate resolves the template version a top level dataset body
// follows: template_id when given, else the latest persisted version of
// template_uuid.
func (o *op) rootTemplate(in DatasetInput) (*store.Document, error) {
	var template *store.Document
	var err error
	switch {
	case in.TemplateID != "":
		template, err = o.tx.Version(o.ctx, store.KindTemplate, in.TemplateID)
	case in.TemplateUUID != "":
		template, err = o.tx.LatestPersisted(o.ctx, store.KindTemplate, in.TemplateUUID)
	}
	if err != nil {
		return nil, err
	}
	if template == nil || template.IsDraft() {
		return nil, inputError("a valid template_id was not provided for dataset %s", in.UUID)
	}
	return template, nil
}

func (o *op) validateDataset(in DatasetInput, template *store.Document, group string) (string, bool, error) {
	uuid, created, err := o.resolveUUID(store.KindDataset, in.UUID)
	if err != nil {
		return "", false, err
	}
	key := docRef{store.KindDataset, uuid}.key()
	if changed, ok := o.seen[key]; ok {
		return uuid, changed, nil
	}
	if !created {
		allowed, err := o.has(uuid, permission.LevelAdmin)
		if err != nil {
			return "", false, err
		}
		if !allowed {
			return "", false, permissionDenied("Do not have admin permissions for dataset uuid: %s", uuid)
		}
		existing, err := o.latestDocument(store.KindDataset, uuid)
		if err != nil {
			return "", false, err
		}
		if existing != nil && existing.GroupUUID != "" {
			group = existing.GroupUUID
		}
	}

	if in.TemplateID != "" && in.TemplateID != template.VersionID {
		return "", false, inputError("The template_id provided by the dataset (%s) does not correspond to the template version expected (%s)", in.TemplateID, template.VersionID)
	}
	if in.TemplateUUID != "" && in.TemplateUUID != template.UUID {
		return "", false, inputError("The template_uuid provided by the dataset (%s) does not correspond to the template uuid expected (%s)", in.TemplateUUID, template.UUID)
	}
	visible, err := o.canView(store.KindTemplate, template.UUID)
	if err != nil {
		return "", false, err
	}
	if !visible {
		return "", false, permissionDenied("You do not have the view permissions to template %s required to create/update a dataset referencing it", template.UUID)
	}
	if in.PublicDate != nil {
		if template.PublicDate == nil || in.PublicDate.Before(*template.PublicDate) {
			return "", false, inputError("public_date for dataset must be later than the public_date for its template %s", template.UUID)
		}
	}

	related, changes, err := o.validateRelatedDatasets(in.RelatedDatasets, template, group)
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
		Kind:          store.KindDataset,
		UUID:          uuid,
		Name:          in.Name,
		Description:   in.Description,
		PublicDate:    in.PublicDate,
		OldSystemUUID: oldSystemUUID,
		Ancestor:      template.VersionID,
		GroupUUID:     group,
		Related:       related,
	}
	changed, err := o.saveOrDiscard(draft, changes)
	if err != nil {
		return "", false, err
	}
	o.seen[key] = changed
	return uuid, changed, nil
}

// validateRelatedDatasets matches every related dataset body to a related or
// subscribed template of template. Each of those templates needs exactly one
// dataset.
func (o *op) validateRelatedDatasets(inputs []DatasetInput, template *store.Document, group string) ([]string, bool, error) {
	slotList, err := o.templateSlots(template)
	if err != nil {
		return nil, false, err
	}
	slots := map[string]*store.Document{}
	for _, slot := range slotList {
		slots[slot.UUID] = slot
	}

	filled := map[string]bool{}
	changes := false
	related := make([]string, 0, len(inputs))
	for _, in := range inputs {
		templateUUID, err := o.relatedTemplateUUID(in)
		if err != nil {
			return nil, false, err
		}
		slot, ok := slots[templateUUID]
		if !ok {
			return nil, false, inputError("Each related_dataset must follow a related or subscribed template of template %s", template.UUID)
		}
		if filled[templateUUID] {
			return nil, false, inputError("Only one related_dataset may follow template %s", templateUUID)
		}
		filled[templateUUID] = true

		uuid, changed, err := o.validateDataset(in, slot, group)
		if uuid, err = linkChild(store.KindDataset, in.UUID, uuid, err); err != nil {
			return nil, false, err
		}
		changes = changes || changed
		related = append(related, uuid)
	}
	if dup, ok := hasDuplicate(related); ok {
		return nil, false, inputError("Each dataset may only have one instance of every related_dataset: %s", dup)
	}
	for _, slot := range slotList {
		if !filled[slot.UUID] {
			return nil, false, inputError("related_datasets of dataset must correspond to related_templates of its template: missing template %s", slot.UUID)
		}
	}
	return related, changes, nil
}

// relatedTemplateUUID names the template a related dataset body follows. A
// body without a template reference adopts the template of its existing
// dataset.
func (o *op) relatedTemplateUUID(in DatasetInput) (string, error) {
	templateID := in.TemplateID
	if templateID == "" && in.TemplateUUID != "" {
		return in.TemplateUUID, nil
	}
	if templateID == "" && in.UUID != "" {
		existing, err := o.latestDocument(store.KindDataset, in.UUID)
		if err != nil {
			return "", err
		}
		if existing == nil {
			return "", inputError("No dataset exists with uuid %s", in.UUID)
		}
		templateID = existing.Ancestor
	}
	if templateID == "" {
		return "", inputError("Each related_dataset must supply a template_id")
	}
	template, err := o.tx.Version(o.ctx, store.KindTemplate, templateID)
	if err != nil {
		return "", err
	}
	if template == nil {
		return "", inputError("a valid template_id was not provided for related dataset: %s", templateID)
	}
	return template.UUID, nil
}
