// Package files tracks blobs attached to record file and image fields.
package files

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"metagraph/api/internal/store"
	"metagraph/api/internal/util"
)

var (
	ErrNotFound    = errors.New("file does not exist")
	ErrNotUploaded = errors.New("file has not been uploaded")
	ErrMismatch    = errors.New("file is attached to a different record field")
)

type Service struct {
	blobs Blobs
	log   zerolog.Logger
	now   func() time.Time
}

func NewService(blobs Blobs, log zerolog.Logger) *Service {
	return &Service{blobs: blobs, log: log, now: time.Now}
}

// Allocate registers a new, not yet uploaded file for one record field.
func (s *Service) Allocate(ctx context.Context, tx store.Tx, recordUUID, fieldUUID string) (store.File, error) {
	file := store.File{
		UUID:       util.NewUUID(),
		RecordUUID: recordUUID,
		FieldUUID:  fieldUUID,
		CreatedAt:  s.now().UTC(),
	}
	if err := tx.InsertFile(ctx, file); err != nil {
		return store.File{}, err
	}
	return file, nil
}

// Verify checks that uuid was allocated for this record field.
func (s *Service) Verify(ctx context.Context, tx store.Tx, uuid, recordUUID, fieldUUID string) error {
	file, err := tx.GetFile(ctx, uuid)
	if err != nil {
		return err
	}
	if file == nil {
		return fmt.Errorf("%w: %s", ErrNotFound, uuid)
	}
	if file.RecordUUID != recordUUID || file.FieldUUID != fieldUUID {
		return fmt.Errorf("%w: %s", ErrMismatch, uuid)
	}
	return nil
}

// MarkUploaded flags uuid as uploaded once the blob is present.
func (s *Service) MarkUploaded(ctx context.Context, tx store.Tx, uuid string) error {
	file, err := tx.GetFile(ctx, uuid)
	if err != nil {
		return err
	}
	if file == nil {
		return fmt.Errorf("%w: %s", ErrNotFound, uuid)
	}
	if file.Uploaded {
		return nil
	}
	present, err := s.blobs.Exists(ctx, uuid)
	if err != nil {
		return err
	}
	if !present {
		return fmt.Errorf("%w: %s", ErrNotUploaded, uuid)
	}
	file.Uploaded = true
	return tx.SaveFile(ctx, *file)
}

// MarkPersisted freezes uuid as part of a persisted record version. The blob
// must already be uploaded.
func (s *Service) MarkPersisted(ctx context.Context, tx store.Tx, uuid string) error {
	file, err := tx.GetFile(ctx, uuid)
	if err != nil {
		return err
	}
	if file == nil {
		return fmt.Errorf("%w: %s", ErrNotFound, uuid)
	}
	if file.Persisted {
		return nil
	}
	if !file.Uploaded {
		if err := s.MarkUploaded(ctx, tx, uuid); err != nil {
			return err
		}
	}
	file.Uploaded = true
	file.Persisted = true
	return tx.SaveFile(ctx, *file)
}

// Release drops a file no longer referenced by a draft. Files of persisted
// versions are kept. Blob removal is best effort.
func (s *Service) Release(ctx context.Context, tx store.Tx, uuid string) error {
	file, err := tx.GetFile(ctx, uuid)
	if err != nil {
		return err
	}
	if file == nil || file.Persisted {
		return nil
	}
	if err := tx.DeleteFile(ctx, uuid); err != nil {
		return err
	}
	if err := s.blobs.Remove(ctx, uuid); err != nil {
		s.log.Warn().Err(err).Str("file_uuid", uuid).Msg("blob removal failed")
	}
	return nil
}

func (s *Service) Get(ctx context.Context, tx store.Tx, uuid string) (*store.File, error) {
	return tx.GetFile(ctx, uuid)
}

func (s *Service) UploadURL(ctx context.Context, uuid string) (string, error) {
	return s.blobs.UploadURL(ctx, uuid)
}

func (s *Service) DownloadURL(ctx context.Context, uuid string) (string, error) {
	return s.blobs.DownloadURL(ctx, uuid)
}
