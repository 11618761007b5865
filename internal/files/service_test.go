package files

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"metagraph/api/internal/store"
)

func TestFileLifecycle(t *testing.T) {
	ctx := context.Background()
	db := store.NewMemoryStore()
	blobs := NewMemoryBlobs()
	svc := NewService(blobs, zerolog.Nop())

	var file store.File
	require.NoError(t, db.WithTx(ctx, func(tx store.Tx) error {
		var err error
		file, err = svc.Allocate(ctx, tx, "record-1", "field-1")
		return err
	}))
	require.NotEmpty(t, file.UUID)

	require.NoError(t, db.WithTx(ctx, func(tx store.Tx) error {
		require.NoError(t, svc.Verify(ctx, tx, file.UUID, "record-1", "field-1"))
		require.ErrorIs(t, svc.Verify(ctx, tx, file.UUID, "record-2", "field-1"), ErrMismatch)
		require.ErrorIs(t, svc.Verify(ctx, tx, "missing", "record-1", "field-1"), ErrNotFound)
		require.ErrorIs(t, svc.MarkPersisted(ctx, tx, file.UUID), ErrNotUploaded)
		return nil
	}))

	blobs.Put(file.UUID)
	require.NoError(t, db.WithTx(ctx, func(tx store.Tx) error {
		require.NoError(t, svc.MarkPersisted(ctx, tx, file.UUID))
		got, err := svc.Get(ctx, tx, file.UUID)
		require.NoError(t, err)
		require.True(t, got.Uploaded)
		require.True(t, got.Persisted)

		require.NoError(t, svc.Release(ctx, tx, file.UUID))
		got, err = svc.Get(ctx, tx, file.UUID)
		require.NoError(t, err)
		require.NotNil(t, got)
		return nil
	}))
}

func TestReleaseRemovesDraftFile(t *testing.T) {
	ctx := context.Background()
	db := store.NewMemoryStore()
	blobs := NewMemoryBlobs()
	svc := NewService(blobs, zerolog.Nop())

	require.NoError(t, db.WithTx(ctx, func(tx store.Tx) error {
		file, err := svc.Allocate(ctx, tx, "record-1", "field-1")
		require.NoError(t, err)
		blobs.Put(file.UUID)
		require.NoError(t, svc.MarkUploaded(ctx, tx, file.UUID))

		require.NoError(t, svc.Release(ctx, tx, file.UUID))
		got, err := svc.Get(ctx, tx, file.UUID)
		require.NoError(t, err)
		require.Nil(t, got)

		present, err := blobs.Exists(ctx, file.UUID)
		require.NoError(t, err)
		require.False(t, present)
		return nil
	}))
}

func TestMemoryBlobURLs(t *testing.T) {
	svc := NewService(NewMemoryBlobs(), zerolog.Nop())
	upload, err := svc.UploadURL(context.Background(), "abc")
	require.NoError(t, err)
	require.Equal(t, "memory://upload/abc", upload)
	download, err := svc.DownloadURL(context.Background(), "abc")
	require.NoError(t, err)
	require.Equal(t, "memory://download/abc", download)
}
