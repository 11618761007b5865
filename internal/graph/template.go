package graph

import (
	"errors"

	"metagraph/api/internal/permission"
	"metagraph/api/internal/store"
)

// referencedVersions is how many of the newest versions of a document are
// followed when refreshing templates that reference it.
const referencedVersions = 3

func (o *op) validateTemplate(in TemplateInput) (string, bool, error) {
	uuid, created, err := o.resolveUUID(store.KindTemplate, in.UUID)
	if err != nil {
		return "", false, err
	}
	if o.ancestors[uuid] {
		return "", false, inputError("Cannot include circular references: template %s", uuid)
	}
	key := docRef{store.KindTemplate, uuid}.key()
	if changed, ok := o.seen[key]; ok {
		return uuid, changed, nil
	}
	if !created {
		allowed, err := o.has(uuid, permission.LevelEdit)
		if err != nil {
			return "", false, err
		}
		if !allowed {
			return "", false, permissionDenied("You do not have the edit permissions required to update template %s", uuid)
		}
	}

	o.ancestors[uuid] = true
	defer delete(o.ancestors, uuid)

	subscribed, err := o.validateSubscriptions(uuid, in.SubscribedTemplates)
	if err != nil {
		return "", false, err
	}

	changes := false
	fields := make([]string, 0, len(in.Fields))
	for _, field := range in.Fields {
		fieldUUID, changed, err := o.validateField(field)
		if fieldUUID, err = linkChild(store.KindTemplateField, field.UUID, fieldUUID, err); err != nil {
			return "", false, err
		}
		changes = changes || changed
		fields = append(fields, fieldUUID)
	}
	if dup, ok := hasDuplicate(fields); ok {
		return "", false, inputError("Each template may only have one instance of every template field: %s", dup)
	}

	related := make([]string, 0, len(in.RelatedTemplates))
	for _, child := range in.RelatedTemplates {
		childUUID, changed, err := o.validateTemplate(child)
		if childUUID, err = linkChild(store.KindTemplate, child.UUID, childUUID, err); err != nil {
			return "", false, err
		}
		changes = changes || changed
		related = append(related, childUUID)
	}
	if dup, ok := hasDuplicate(related); ok {
		return "", false, inputError("Each template may only have one instance of every related template: %s", dup)
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
		Kind:          store.KindTemplate,
		UUID:          uuid,
		Name:          in.Name,
		Description:   in.Description,
		PublicDate:    in.PublicDate,
		OldSystemUUID: oldSystemUUID,
		Fields:        fields,
		Related:       related,
		Subscribed:    subscribed,
	}
	changed, err := o.saveOrDiscard(draft, changes)
	if err != nil {
		return "", false, err
	}
	o.seen[key] = changed
	return uuid, changed, nil
}

// validateSubscriptions checks the subscribed template versions of uuid. A
// subscription must already exist on the template or name the latest
// persisted version, and may not lead back to a template being validated.
func (o *op) validateSubscriptions(uuid string, inputs []SubscribedInput) ([]string, error) {
	existing := map[string]bool{}
	for _, load := range []func() (*store.Document, error){
		func() (*store.Document, error) { return o.tx.Draft(o.ctx, store.KindTemplate, uuid) },
		func() (*store.Document, error) { return o.tx.LatestPersisted(o.ctx, store.KindTemplate, uuid) },
	} {
		doc, err := load()
		if err != nil {
			return nil, err
		}
		if doc != nil {
			for _, versionID := range doc.Subscribed {
				existing[versionID] = true
			}
		}
	}

	subscribed := make([]string, 0, len(inputs))
	templates := map[string]bool{}
	for _, in := range inputs {
		template, err := o.tx.Version(o.ctx, store.KindTemplate, in.ID)
		if err != nil {
			return nil, err
		}
		if template == nil || template.IsDraft() {
			return nil, inputError("Subscribed template %s does not exist", in.ID)
		}
		if !existing[in.ID] {
			latest, err := o.tx.LatestPersisted(o.ctx, store.KindTemplate, template.UUID)
			if err != nil {
				return nil, err
			}
			if latest == nil || latest.VersionID != in.ID {
				return nil, inputError("Subscribed template %s must be the latest persisted version of template %s", in.ID, template.UUID)
			}
		}
		if templates[template.UUID] {
			return nil, inputError("Template %s may only be subscribed to once", template.UUID)
		}
		templates[template.UUID] = true
		if err := o.checkClosure(template, map[string]bool{}); err != nil {
			return nil, err
		}
		subscribed = append(subscribed, in.ID)
	}
	return subscribed, nil
}

// checkClosure walks the persisted templates reachable from template and
// rejects any that is currently being validated.
func (o *op) checkClosure(template *store.Document, visited map[string]bool) error {
	if visited[template.VersionID] {
		return nil
	}
	visited[template.VersionID] = true
	if o.ancestors[template.UUID] {
		return inputError("Circular reference %s is not permitted.", template.UUID)
	}
	for _, versionID := range append(append([]string{}, template.Related...), template.Subscribed...) {
		child, err := o.tx.Version(o.ctx, store.KindTemplate, versionID)
		if err != nil {
			return err
		}
		if child == nil {
			continue
		}
		if err := o.checkClosure(child, visited); err != nil {
			return err
		}
	}
	return nil
}

// updateTemplatesThatReference repairs every template that references one of
// the newest versions of a template or field persisted by this operation, so
// the referencing templates gain drafts pinning the new version.
func (o *op) updateTemplatesThatReference() error {
	for _, ref := range o.created {
		versionIDs, err := o.tx.PersistedVersions(o.ctx, ref.kind, ref.uuid, referencedVersions)
		if err != nil {
			return err
		}
		if len(versionIDs) == 0 {
			continue
		}
		referencing, err := o.tx.ReferencingTemplates(o.ctx, ref.kind, versionIDs)
		if err != nil {
			return err
		}
		for _, uuid := range referencing {
			if ref.kind == store.KindTemplate && uuid == ref.uuid {
				continue
			}
			allowed, err := o.has(uuid, permission.LevelEdit)
			if err != nil {
				return err
			}
			if !allowed {
				continue
			}
			if _, err := o.repair(store.KindTemplate, uuid, "", nil); err != nil {
				var graphErr *Error
				if !errors.As(err, &graphErr) {
					return err
				}
				o.logger(store.KindTemplate, uuid).Warn().Err(err).
					Str("referenced_uuid", ref.uuid).
					Msg("refresh referencing template failed")
			}
		}
	}
	return nil
}
