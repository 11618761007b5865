package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"metagraph/api/internal/util"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// WithTx runs fn inside a serializable transaction and commits when fn
// returns nil.
func (s *PostgresStore) WithTx(ctx context.Context, fn TxFunc) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(&pgTx{tx: tx}); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func (s *PostgresStore) LatestPersistedAll(ctx context.Context, kind Kind) ([]*Document, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT ON (uuid) body
		FROM snapshots
		WHERE kind=$1 AND persist_date IS NOT NULL
		ORDER BY uuid, persist_date DESC, version_id DESC
	`, kind)
	if err != nil {
		return nil, fmt.Errorf("list latest persisted %s: %w", kind, err)
	}
	return scanDocuments(rows)
}

func (s *PostgresStore) SearchPersisted(ctx context.Context, query string, kind Kind, limit int) ([]*Document, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT latest.body
		FROM (
			SELECT DISTINCT ON (kind, uuid) body, search_vector
			FROM snapshots
			WHERE persist_date IS NOT NULL AND ($2 = '' OR kind = $2)
			ORDER BY kind, uuid, persist_date DESC, version_id DESC
		) latest
		WHERE latest.search_vector @@ plainto_tsquery('simple', $1)
		ORDER BY ts_rank(latest.search_vector, plainto_tsquery('simple', $1)) DESC
		LIMIT $3
	`, query, string(kind), limit)
	if err != nil {
		return nil, fmt.Errorf("search snapshots: %w", err)
	}
	return scanDocuments(rows)
}

func (s *PostgresStore) RegisterLegacy(ctx context.Context, oldUUID, newUUID string) error {
	result, err := s.db.ExecContext(ctx, `
		INSERT INTO legacy_uuids (old_uuid, new_uuid)
		VALUES ($1, $2)
		ON CONFLICT (old_uuid) DO UPDATE SET new_uuid=EXCLUDED.new_uuid
		WHERE legacy_uuids.new_uuid = EXCLUDED.new_uuid
	`, oldUUID, newUUID)
	if err != nil {
		return fmt.Errorf("register legacy id: %w", err)
	}
	if affected, err := result.RowsAffected(); err == nil && affected == 0 {
		return fmt.Errorf("legacy id %s already mapped", oldUUID)
	}
	return nil
}

func (s *PostgresStore) LegacyNewFor(ctx context.Context, oldUUID string) (string, error) {
	var newUUID string
	err := s.db.QueryRowContext(ctx, `SELECT new_uuid FROM legacy_uuids WHERE old_uuid=$1`, oldUUID).Scan(&newUUID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("lookup legacy id: %w", err)
	}
	return newUUID, nil
}

func (s *PostgresStore) PutAnnotation(ctx context.Context, annotation Annotation) error {
	settings := annotation.Settings
	if len(settings) == 0 {
		settings = []byte("{}")
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO annotations (document_uuid, field_uuid, plugin, settings)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (document_uuid, field_uuid, plugin) DO UPDATE SET settings=EXCLUDED.settings
	`, annotation.DocumentUUID, annotation.FieldUUID, annotation.Plugin, settings)
	if err != nil {
		return fmt.Errorf("put annotation: %w", err)
	}
	return nil
}

func (s *PostgresStore) AnnotationsFor(ctx context.Context, documentUUIDs []string) ([]Annotation, error) {
	if len(documentUUIDs) == 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT document_uuid, field_uuid, plugin, settings
		FROM annotations
		WHERE document_uuid = ANY($1)
		ORDER BY document_uuid, field_uuid, plugin
	`, documentUUIDs)
	if err != nil {
		return nil, fmt.Errorf("list annotations: %w", err)
	}
	defer rows.Close()

	items := make([]Annotation, 0)
	for rows.Next() {
		var item Annotation
		if err := rows.Scan(&item.DocumentUUID, &item.FieldUUID, &item.Plugin, &item.Settings); err != nil {
			return nil, fmt.Errorf("scan annotation: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate annotations: %w", err)
	}
	return items, nil
}

type pgTx struct {
	tx *sql.Tx
}

const selectSnapshot = `SELECT body FROM snapshots`

func (t *pgTx) Draft(ctx context.Context, kind Kind, uuid string) (*Document, error) {
	return t.one(ctx, "draft", selectSnapshot+` WHERE kind=$1 AND uuid=$2 AND persist_date IS NULL`, kind, uuid)
}

func (t *pgTx) LatestPersisted(ctx context.Context, kind Kind, uuid string) (*Document, error) {
	return t.one(ctx, "latest persisted", selectSnapshot+`
		WHERE kind=$1 AND uuid=$2 AND persist_date IS NOT NULL
		ORDER BY persist_date DESC, version_id DESC
		LIMIT 1
	`, kind, uuid)
}

func (t *pgTx) LatestPersistedBefore(ctx context.Context, kind Kind, uuid string, at time.Time) (*Document, error) {
	return t.one(ctx, "persisted before", selectSnapshot+`
		WHERE kind=$1 AND uuid=$2 AND persist_date IS NOT NULL AND persist_date <= $3
		ORDER BY persist_date DESC, version_id DESC
		LIMIT 1
	`, kind, uuid, at)
}

func (t *pgTx) Version(ctx context.Context, kind Kind, versionID string) (*Document, error) {
	return t.one(ctx, "version", selectSnapshot+` WHERE kind=$1 AND version_id=$2`, kind, versionID)
}

func (t *pgTx) one(ctx context.Context, what, query string, args ...any) (*Document, error) {
	var body []byte
	err := t.tx.QueryRowContext(ctx, query, args...).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", what, err)
	}
	var doc Document
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, fmt.Errorf("decode %s: %w", what, err)
	}
	return &doc, nil
}

func (t *pgTx) Exists(ctx context.Context, kind Kind, uuid string) (bool, error) {
	var exists bool
	err := t.tx.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM snapshots WHERE kind=$1 AND uuid=$2)`, kind, uuid).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check exists: %w", err)
	}
	return exists, nil
}

func (t *pgTx) SaveDraft(ctx context.Context, doc *Document) error {
	if doc.PersistDate != nil {
		return fmt.Errorf("save draft %s: snapshot carries a persist date", doc.UUID)
	}
	var versionID string
	err := t.tx.QueryRowContext(ctx, `SELECT version_id FROM snapshots WHERE kind=$1 AND uuid=$2 AND persist_date IS NULL`, doc.Kind, doc.UUID).Scan(&versionID)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		doc.VersionID = util.NewVersionID()
		body, err := json.Marshal(doc)
		if err != nil {
			return fmt.Errorf("encode draft: %w", err)
		}
		_, err = t.tx.ExecContext(ctx, `
			INSERT INTO snapshots (version_id, kind, uuid, updated_at, public_date, body)
			VALUES ($1, $2, $3, $4, $5, $6)
		`, doc.VersionID, doc.Kind, doc.UUID, doc.UpdatedAt, doc.PublicDate, body)
		if isUniqueViolation(err) {
			return fmt.Errorf("insert draft %s: %w", doc.UUID, ErrDraftExists)
		}
		if err != nil {
			return fmt.Errorf("insert draft: %w", err)
		}
		return nil
	case err != nil:
		return fmt.Errorf("lookup draft: %w", err)
	}

	doc.VersionID = versionID
	body, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode draft: %w", err)
	}
	if _, err := t.tx.ExecContext(ctx, `
		UPDATE snapshots SET updated_at=$2, public_date=$3, body=$4
		WHERE version_id=$1
	`, doc.VersionID, doc.UpdatedAt, doc.PublicDate, body); err != nil {
		return fmt.Errorf("update draft: %w", err)
	}
	return nil
}

func (t *pgTx) Persist(ctx context.Context, doc *Document) error {
	if doc.PersistDate == nil {
		return fmt.Errorf("persist %s: missing persist date", doc.UUID)
	}
	body, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	result, err := t.tx.ExecContext(ctx, `
		UPDATE snapshots SET updated_at=$4, persist_date=$5, public_date=$6, body=$7
		WHERE version_id=$1 AND kind=$2 AND uuid=$3 AND persist_date IS NULL
	`, doc.VersionID, doc.Kind, doc.UUID, doc.UpdatedAt, doc.PersistDate, doc.PublicDate, body)
	if err != nil {
		return fmt.Errorf("persist snapshot: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("persist snapshot: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("persist %s %s: %w", doc.Kind, doc.UUID, ErrNoDraft)
	}
	return nil
}

func (t *pgTx) DeleteDraft(ctx context.Context, kind Kind, uuid string) (bool, error) {
	result, err := t.tx.ExecContext(ctx, `DELETE FROM snapshots WHERE kind=$1 AND uuid=$2 AND persist_date IS NULL`, kind, uuid)
	if err != nil {
		return false, fmt.Errorf("delete draft: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete draft: %w", err)
	}
	return affected > 0, nil
}

func (t *pgTx) PersistedVersions(ctx context.Context, kind Kind, uuid string, limit int) ([]string, error) {
	query := `
		SELECT version_id FROM snapshots
		WHERE kind=$1 AND uuid=$2 AND persist_date IS NOT NULL
		ORDER BY persist_date DESC, version_id DESC
	`
	args := []any{kind, uuid}
	if limit > 0 {
		query += ` LIMIT $3`
		args = append(args, limit)
	}
	return t.strings(ctx, "persisted versions", query, args...)
}

func (t *pgTx) ReferencingTemplates(ctx context.Context, kind Kind, versionIDs []string) ([]string, error) {
	if len(versionIDs) == 0 {
		return nil, nil
	}
	column := "related"
	if kind == KindTemplateField {
		column = "fields"
	}
	return t.strings(ctx, "referencing templates", `
		SELECT DISTINCT uuid FROM snapshots
		WHERE kind='template' AND jsonb_exists_any(body->'`+column+`', $1)
		ORDER BY uuid
	`, versionIDs)
}

func (t *pgTx) PersistedUUIDs(ctx context.Context, kind Kind) ([]string, error) {
	return t.strings(ctx, "persisted uuids", `
		SELECT DISTINCT uuid FROM snapshots
		WHERE kind=$1 AND persist_date IS NOT NULL
		ORDER BY uuid
	`, kind)
}

func (t *pgTx) PinnedRecords(ctx context.Context, datasetVersionIDs []string) ([]string, error) {
	if len(datasetVersionIDs) == 0 {
		return []string{}, nil
	}
	return t.strings(ctx, "pinned records", `
		SELECT DISTINCT uuid FROM snapshots
		WHERE kind='record' AND persist_date IS NOT NULL AND body->>'ancestor' = ANY($1)
		ORDER BY uuid
	`, datasetVersionIDs)
}

func (t *pgTx) strings(ctx context.Context, what, query string, args ...any) ([]string, error) {
	rows, err := t.tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", what, err)
	}
	defer rows.Close()

	items := make([]string, 0)
	for rows.Next() {
		var item string
		if err := rows.Scan(&item); err != nil {
			return nil, fmt.Errorf("scan %s: %w", what, err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate %s: %w", what, err)
	}
	return items, nil
}

func (t *pgTx) InsertFile(ctx context.Context, file File) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO files (uuid, record_uuid, field_uuid, uploaded, persisted, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, file.UUID, file.RecordUUID, file.FieldUUID, file.Uploaded, file.Persisted, file.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert file: %w", err)
	}
	return nil
}

func (t *pgTx) GetFile(ctx context.Context, uuid string) (*File, error) {
	var file File
	err := t.tx.QueryRowContext(ctx, `
		SELECT uuid, record_uuid, field_uuid, uploaded, persisted, created_at
		FROM files WHERE uuid=$1
	`, uuid).Scan(&file.UUID, &file.RecordUUID, &file.FieldUUID, &file.Uploaded, &file.Persisted, &file.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read file: %w", err)
	}
	return &file, nil
}

func (t *pgTx) SaveFile(ctx context.Context, file File) error {
	result, err := t.tx.ExecContext(ctx, `
		UPDATE files SET record_uuid=$2, field_uuid=$3, uploaded=$4, persisted=$5
		WHERE uuid=$1
	`, file.UUID, file.RecordUUID, file.FieldUUID, file.Uploaded, file.Persisted)
	if err != nil {
		return fmt.Errorf("save file: %w", err)
	}
	if affected, err := result.RowsAffected(); err == nil && affected == 0 {
		return fmt.Errorf("save file %s: not found", file.UUID)
	}
	return nil
}

func (t *pgTx) DeleteFile(ctx context.Context, uuid string) error {
	if _, err := t.tx.ExecContext(ctx, `DELETE FROM files WHERE uuid=$1`, uuid); err != nil {
		return fmt.Errorf("delete file: %w", err)
	}
	return nil
}

func (t *pgTx) LegacyOldFor(ctx context.Context, newUUID string) (string, error) {
	var oldUUID string
	err := t.tx.QueryRowContext(ctx, `SELECT old_uuid FROM legacy_uuids WHERE new_uuid=$1`, newUUID).Scan(&oldUUID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("lookup legacy id: %w", err)
	}
	return oldUUID, nil
}

func scanDocuments(rows *sql.Rows) ([]*Document, error) {
	defer rows.Close()
	items := make([]*Document, 0)
	for rows.Next() {
		var body []byte
		if err := rows.Scan(&body); err != nil {
			return nil, fmt.Errorf("scan snapshot: %w", err)
		}
		var doc Document
		if err := json.Unmarshal(body, &doc); err != nil {
			return nil, fmt.Errorf("decode snapshot: %w", err)
		}
		items = append(items, &doc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate snapshots: %w", err)
	}
	return items, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
