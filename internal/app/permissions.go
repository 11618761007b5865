package app

import (
	"context"
	"errors"
	"net/http"
	"sort"

	"metagraph/api/internal/permission"
	"metagraph/api/internal/store"
)

type grantStore interface {
	UsersWith(ctx context.Context, uuid string, level permission.Level) ([]string, error)
	ReplaceDocumentPermissions(ctx context.Context, actorID, uuid string, level permission.Level, userIDs []string) error
	UserPermissions(ctx context.Context, userID string) (map[string]permission.Level, error)
}

// grantedKinds are the kinds that carry their own grants. Records inherit
// theirs from the dataset.
var grantedKinds = []store.Kind{store.KindDataset, store.KindTemplate, store.KindTemplateField}

// DocumentPermissions lists the users holding exactly level on uuid.
func (s *Service) DocumentPermissions(ctx context.Context, uuid string, level permission.Level) ([]string, error) {
	users, err := s.grants.UsersWith(ctx, uuid, level)
	if err != nil {
		return nil, err
	}
	if len(users) > 0 {
		return users, nil
	}
	err = s.store.WithTx(ctx, func(tx store.Tx) error {
		kind, err := grantedKind(ctx, tx, uuid)
		if err != nil {
			return err
		}
		if kind == "" {
			return notFoundError(uuid)
		}
		return nil
	})
	return []string{}, err
}

// ReplaceDocumentPermissions sets the users holding level on uuid. Users
// added to a dataset must already be able to view its template.
func (s *Service) ReplaceDocumentPermissions(ctx context.Context, session Session, uuid string, level permission.Level, userIDs []string) error {
	err := s.store.WithTx(ctx, func(tx store.Tx) error {
		kind, err := grantedKind(ctx, tx, uuid)
		if err != nil {
			return err
		}
		switch kind {
		case "":
			return notFoundError(uuid)
		case store.KindDataset:
			return s.requireTemplateViewers(ctx, tx, uuid, userIDs)
		}
		return nil
	})
	if err != nil {
		return err
	}

	err = s.grants.ReplaceDocumentPermissions(ctx, session.UserID, uuid, level, userIDs)
	switch {
	case errors.Is(err, permission.ErrNotAdmin):
		return forbiddenError(uuid)
	case errors.Is(err, permission.ErrRemoveSelf), errors.Is(err, permission.ErrViewRevoke):
		return validationError(err.Error())
	case err != nil:
		return err
	}
	s.log.Info().
		Str("uuid", uuid).
		Str("level", string(level)).
		Str("actor", session.UserID).
		Int("users", len(userIDs)).
		Msg("permissions replaced")
	return nil
}

func (s *Service) requireTemplateViewers(ctx context.Context, tx store.Tx, datasetUUID string, userIDs []string) error {
	dataset, err := tx.Draft(ctx, store.KindDataset, datasetUUID)
	if err != nil {
		return err
	}
	if dataset == nil {
		if dataset, err = tx.LatestPersisted(ctx, store.KindDataset, datasetUUID); err != nil || dataset == nil {
			return err
		}
	}
	template, err := tx.Version(ctx, store.KindTemplate, dataset.Ancestor)
	if err != nil || template == nil {
		return err
	}
	for _, userID := range userIDs {
		visible, err := s.engine.CanView(ctx, tx, userID, store.KindTemplate, template.UUID)
		if err != nil {
			return err
		}
		if !visible {
			return validationError("Cannot add user " + userID + " to dataset permission. User required to have view permissions to template first")
		}
	}
	return nil
}

// UserPermissions returns the grants held by the caller, sorted by uuid.
func (s *Service) UserPermissions(ctx context.Context, session Session) ([]map[string]string, error) {
	grants, err := s.grants.UserPermissions(ctx, session.UserID)
	if err != nil {
		return nil, err
	}
	out := make([]map[string]string, 0, len(grants))
	for uuid, level := range grants {
		out = append(out, map[string]string{"uuid": uuid, "level": string(level)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i]["uuid"] < out[j]["uuid"] })
	return out, nil
}

func grantedKind(ctx context.Context, tx store.Tx, uuid string) (store.Kind, error) {
	for _, kind := range grantedKinds {
		exists, err := tx.Exists(ctx, kind, uuid)
		if err != nil {
			return "", err
		}
		if exists {
			return kind, nil
		}
	}
	return "", nil
}

// handlePermissions serves /api/permissions and
// /api/permissions/{uuid}/{level}.
func (s *HTTPServer) handlePermissions(w http.ResponseWriter, r *http.Request, session Session, rest []string) {
	ctx := r.Context()
	if len(rest) == 0 {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
			return
		}
		grants, err := s.service.UserPermissions(ctx, session)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"permissions": grants})
		return
	}
	if len(rest) != 2 || !permission.Valid(rest[1]) {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
		return
	}
	uuid, level := rest[0], permission.Level(rest[1])

	switch r.Method {
	case http.MethodGet:
		users, err := s.service.DocumentPermissions(ctx, uuid, level)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"users": users})
	case http.MethodPut:
		var body struct {
			Users []string `json:"users"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		if err := s.service.ReplaceDocumentPermissions(ctx, session, uuid, level, body.Users); err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	default:
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
	}
}
