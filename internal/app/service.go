package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"metagraph/api/internal/auth"
	"metagraph/api/internal/config"
	"metagraph/api/internal/files"
	"metagraph/api/internal/graph"
	"metagraph/api/internal/search"
	"metagraph/api/internal/store"
)

type Session struct {
	Token     string
	UserID    string
	UserName  string
	ExpiresAt time.Time
}

type dataStore interface {
	WithTx(ctx context.Context, fn store.TxFunc) error
	Ping(ctx context.Context) error
	LegacyNewFor(ctx context.Context, oldUUID string) (string, error)
	AnnotationsFor(ctx context.Context, documentUUIDs []string) ([]store.Annotation, error)
	PutAnnotation(ctx context.Context, annotation store.Annotation) error
}

type Pinger interface {
	Ping(ctx context.Context) error
}

// Service runs every graph operation in its own transaction and keeps the
// search index in step with what was persisted.
type Service struct {
	cfg    config.Config
	store  dataStore
	engine *graph.Engine
	grants grantStore
	files  *files.Service
	search *search.Service
	// checks are the backing services reported by the readiness probe
	checks map[string]Pinger
	log    zerolog.Logger
}

func New(cfg config.Config, dataStore dataStore, engine *graph.Engine, grants grantStore, fileService *files.Service, searchService *search.Service, checks map[string]Pinger, log zerolog.Logger) *Service {
	return &Service{
		cfg:    cfg,
		store:  dataStore,
		engine: engine,
		grants: grants,
		files:  fileService,
		search: searchService,
		checks: checks,
		log:    log.With().Str("component", "service").Logger(),
	}
}

func (s *Service) SessionFromToken(_ context.Context, token string) (Session, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.JWTSecret), token)
	if err != nil {
		return Session{}, err
	}
	session := Session{Token: token, UserID: claims.Subject, UserName: claims.Name}
	if claims.ExpiresAt != nil {
		session.ExpiresAt = claims.ExpiresAt.Time
	}
	return session, nil
}

// Readiness pings the database and every configured backing service.
func (s *Service) Readiness(ctx context.Context) map[string]error {
	results := map[string]error{"database": s.store.Ping(ctx)}
	for name, check := range s.checks {
		results[name] = check.Ping(ctx)
	}
	return results
}

func (s *Service) Create(ctx context.Context, session Session, kind store.Kind, body []byte) (string, error) {
	var uuid string
	err := s.store.WithTx(ctx, func(tx store.Tx) error {
		var err error
		uuid, err = s.engine.Create(ctx, tx, session.UserID, kind, body)
		return err
	})
	return uuid, err
}

func (s *Service) Update(ctx context.Context, session Session, kind store.Kind, uuid string, body []byte) error {
	return s.store.WithTx(ctx, func(tx store.Tx) error {
		return s.engine.Update(ctx, tx, session.UserID, kind, uuid, body)
	})
}

// DraftGet returns the repaired draft tree of uuid. A nil node means no draft
// is stored and synthesize was not requested.
func (s *Service) DraftGet(ctx context.Context, session Session, kind store.Kind, uuid string, synthesize bool) (*graph.Node, error) {
	var node *graph.Node
	err := s.store.WithTx(ctx, func(tx store.Tx) error {
		var err error
		node, err = s.engine.DraftGet(ctx, tx, session.UserID, kind, uuid, synthesize)
		return err
	})
	if err != nil || node == nil {
		return nil, err
	}
	return node, s.attachAnnotations(ctx, node)
}

func (s *Service) DraftDelete(ctx context.Context, session Session, kind store.Kind, uuid string) error {
	return s.store.WithTx(ctx, func(tx store.Tx) error {
		return s.engine.DraftDelete(ctx, tx, session.UserID, kind, uuid)
	})
}

func (s *Service) DraftExisting(ctx context.Context, kind store.Kind, uuid string) (bool, error) {
	var exists bool
	err := s.store.WithTx(ctx, func(tx store.Tx) error {
		var err error
		exists, err = s.engine.DraftExisting(ctx, tx, kind, uuid)
		return err
	})
	return exists, err
}

// Persist freezes the draft tree of uuid. Written snapshots are indexed once
// the transaction has committed.
func (s *Service) Persist(ctx context.Context, session Session, kind store.Kind, uuid string, lastUpdate time.Time) (string, error) {
	var versionID string
	var frozen []*store.Document
	err := s.store.WithTx(ctx, func(tx store.Tx) error {
		var err error
		versionID, frozen, err = s.engine.PersistTree(ctx, tx, session.UserID, kind, uuid, lastUpdate)
		return err
	})
	if err != nil {
		return "", err
	}
	s.search.IndexSnapshots(frozen)
	s.log.Info().
		Str("kind", string(kind)).
		Str("uuid", uuid).
		Str("version_id", versionID).
		Int("snapshots", len(frozen)).
		Msg("persisted")
	return versionID, nil
}

func (s *Service) LastUpdate(ctx context.Context, session Session, kind store.Kind, uuid string) (time.Time, error) {
	var lastUpdate time.Time
	err := s.store.WithTx(ctx, func(tx store.Tx) error {
		var err error
		lastUpdate, err = s.engine.LastUpdate(ctx, tx, session.UserID, kind, uuid)
		return err
	})
	return lastUpdate, err
}

func (s *Service) LatestPersisted(ctx context.Context, session Session, kind store.Kind, uuid string) (*graph.Node, error) {
	return s.fetch(ctx, func(tx store.Tx) (*graph.Node, error) {
		return s.engine.LatestPersisted(ctx, tx, session.UserID, kind, uuid)
	})
}

func (s *Service) LatestPersistedBefore(ctx context.Context, session Session, kind store.Kind, uuid string, at time.Time) (*graph.Node, error) {
	return s.fetch(ctx, func(tx store.Tx) (*graph.Node, error) {
		return s.engine.LatestPersistedBefore(ctx, tx, session.UserID, kind, uuid, at)
	})
}

func (s *Service) PersistedVersion(ctx context.Context, session Session, kind store.Kind, versionID string) (*graph.Node, error) {
	return s.fetch(ctx, func(tx store.Tx) (*graph.Node, error) {
		return s.engine.PersistedVersion(ctx, tx, session.UserID, kind, versionID)
	})
}

func (s *Service) NewDatasetForTemplate(ctx context.Context, session Session, templateUUID string) (*graph.DatasetInput, error) {
	var dataset *graph.DatasetInput
	err := s.store.WithTx(ctx, func(tx store.Tx) error {
		var err error
		dataset, err = s.engine.NewDatasetForTemplate(ctx, tx, session.UserID, templateUUID)
		return err
	})
	return dataset, err
}

func (s *Service) DatasetRecords(ctx context.Context, session Session, datasetUUID string) ([]*store.Document, error) {
	var records []*store.Document
	err := s.store.WithTx(ctx, func(tx store.Tx) error {
		var err error
		records, err = s.engine.DatasetRecords(ctx, tx, session.UserID, datasetUUID)
		return err
	})
	return records, err
}

// UUIDs lists the persisted uuids of kind that are public, or with
// viewable set, that the caller may view.
func (s *Service) UUIDs(ctx context.Context, session Session, kind store.Kind, viewable bool) ([]string, error) {
	var uuids []string
	err := s.store.WithTx(ctx, func(tx store.Tx) error {
		var err error
		if viewable {
			uuids, err = s.engine.ViewableUUIDs(ctx, tx, session.UserID, kind)
		} else {
			uuids, err = s.engine.PublicUUIDs(ctx, tx, kind)
		}
		return err
	})
	return uuids, err
}

func (s *Service) Duplicate(ctx context.Context, session Session, kind store.Kind, uuid string) (*graph.Node, error) {
	return s.fetch(ctx, func(tx store.Tx) (*graph.Node, error) {
		return s.engine.Duplicate(ctx, tx, session.UserID, kind, uuid)
	})
}

func (s *Service) fetch(ctx context.Context, fn func(store.Tx) (*graph.Node, error)) (*graph.Node, error) {
	var node *graph.Node
	err := s.store.WithTx(ctx, func(tx store.Tx) error {
		var err error
		node, err = fn(tx)
		return err
	})
	if err != nil {
		return nil, err
	}
	return node, s.attachAnnotations(ctx, node)
}

// attachAnnotations hangs the plugin annotations of every full node of the
// tree onto that node.
func (s *Service) attachAnnotations(ctx context.Context, root *graph.Node) error {
	byUUID := map[string][]*graph.Node{}
	var uuids []string
	root.Walk(func(n *graph.Node) {
		if _, ok := byUUID[n.UUID]; !ok {
			uuids = append(uuids, n.UUID)
		}
		byUUID[n.UUID] = append(byUUID[n.UUID], n)
	})
	if len(uuids) == 0 {
		return nil
	}
	annotations, err := s.store.AnnotationsFor(ctx, uuids)
	if err != nil {
		return fmt.Errorf("load annotations: %w", err)
	}
	for _, annotation := range annotations {
		for _, node := range byUUID[annotation.DocumentUUID] {
			node.Annotations = append(node.Annotations, annotation)
		}
	}
	return nil
}

// PutAnnotation stores plugin settings on a document the caller may draft.
func (s *Service) PutAnnotation(ctx context.Context, session Session, kind store.Kind, annotation store.Annotation) error {
	var allowed bool
	err := s.store.WithTx(ctx, func(tx store.Tx) error {
		var err error
		allowed, err = s.engine.CanDraft(ctx, tx, session.UserID, kind, annotation.DocumentUUID)
		return err
	})
	if err != nil {
		return err
	}
	if !allowed {
		return forbiddenError(annotation.DocumentUUID)
	}
	return s.store.PutAnnotation(ctx, annotation)
}

// Search runs q and keeps the hits the caller may view.
func (s *Service) Search(ctx context.Context, session Session, q search.Query) (search.Response, error) {
	return s.search.Search(ctx, q, func(ctx context.Context, r search.Result) (bool, error) {
		var visible bool
		err := s.store.WithTx(ctx, func(tx store.Tx) error {
			var err error
			visible, err = s.engine.CanView(ctx, tx, session.UserID, r.Kind, r.UUID)
			return err
		})
		return visible, err
	})
}

// FileUploadURL returns a presigned upload URL for a file allocated to a
// record draft the caller may edit.
func (s *Service) FileUploadURL(ctx context.Context, session Session, uuid string) (string, error) {
	if err := s.store.WithTx(ctx, func(tx store.Tx) error {
		file, err := s.editableFile(ctx, tx, session, uuid)
		if err != nil {
			return err
		}
		if file.Uploaded || file.Persisted {
			return validationError("A file has already been uploaded for " + uuid + " and cannot be replaced")
		}
		return nil
	}); err != nil {
		return "", err
	}
	return s.files.UploadURL(ctx, uuid)
}

// FileDownloadURL returns a presigned download URL. Editors of the record
// draft may read any uploaded file; viewers only files of persisted versions.
func (s *Service) FileDownloadURL(ctx context.Context, session Session, uuid string) (string, error) {
	if err := s.store.WithTx(ctx, func(tx store.Tx) error {
		file, err := s.files.Get(ctx, tx, uuid)
		if err != nil {
			return err
		}
		if file == nil {
			return notFoundError(uuid)
		}
		allowed, err := s.engine.CanDraft(ctx, tx, session.UserID, store.KindRecord, file.RecordUUID)
		if err != nil {
			return err
		}
		if !allowed && file.Persisted {
			if allowed, err = s.engine.CanView(ctx, tx, session.UserID, store.KindRecord, file.RecordUUID); err != nil {
				return err
			}
		}
		if !allowed {
			return forbiddenError(uuid)
		}
		if !file.Uploaded {
			return domainError(http.StatusNotFound, "NOT_UPLOADED", "File "+uuid+" exists but has not been uploaded", nil)
		}
		return nil
	}); err != nil {
		return "", err
	}
	return s.files.DownloadURL(ctx, uuid)
}

// FileUploaded marks a file as uploaded once its blob exists.
func (s *Service) FileUploaded(ctx context.Context, session Session, uuid string) error {
	return s.store.WithTx(ctx, func(tx store.Tx) error {
		if _, err := s.editableFile(ctx, tx, session, uuid); err != nil {
			return err
		}
		err := s.files.MarkUploaded(ctx, tx, uuid)
		if errors.Is(err, files.ErrNotUploaded) {
			return domainError(http.StatusConflict, "NOT_UPLOADED", "File "+uuid+" has not been uploaded", nil)
		}
		return err
	})
}

func (s *Service) editableFile(ctx context.Context, tx store.Tx, session Session, uuid string) (*store.File, error) {
	file, err := s.files.Get(ctx, tx, uuid)
	if err != nil {
		return nil, err
	}
	if file == nil {
		return nil, notFoundError(uuid)
	}
	allowed, err := s.engine.CanDraft(ctx, tx, session.UserID, store.KindRecord, file.RecordUUID)
	if err != nil {
		return nil, err
	}
	if !allowed {
		return nil, forbiddenError(uuid)
	}
	return file, nil
}

// LegacyLookup maps a uuid of the previous system to the current one.
func (s *Service) LegacyLookup(ctx context.Context, oldUUID string) (string, error) {
	newUUID, err := s.store.LegacyNewFor(ctx, oldUUID)
	if err != nil {
		return "", err
	}
	if newUUID == "" {
		return "", notFoundError(oldUUID)
	}
	return newUUID, nil
}
