package storage

import (
	"context"
	"testing"

	ierr "github.com/Dan9191/dues-service/internal/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalFileStore(t *testing.T) {
	ctx := context.Background()
	store, err := NewLocalFileStore(t.TempDir())
	require.NoError(t, err)

	ref, err := store.Save(ctx, "DUES-1.xml", []byte("<Document/>"))
	require.NoError(t, err)
	assert.Equal(t, "file://DUES-1.xml", ref)

	data, err := store.Open(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, "<Document/>", string(data))

	_, err = store.Open(ctx, "file://missing.xml")
	assert.True(t, ierr.IsNotFound(err))

	_, err = store.Open(ctx, "s3://bucket/x.xml")
	assert.True(t, ierr.IsValidation(err))
}

func TestLocalFileStoreStripsDirectories(t *testing.T) {
	ctx := context.Background()
	store, err := NewLocalFileStore(t.TempDir())
	require.NoError(t, err)

	ref, err := store.Save(ctx, "../../etc/DUES-2.xml", []byte("x"))
	require.NoError(t, err)
	assert.Equal(t, "file://DUES-2.xml", ref)
}

func TestLocalFileStoreDelete(t *testing.T) {
	ctx := context.Background()
	store, err := NewLocalFileStore(t.TempDir())
	require.NoError(t, err)

	ref, err := store.Save(ctx, "DUES-3.xml", []byte("<Document/>"))
	require.NoError(t, err)
	require.NoError(t, store.Delete(ctx, ref))

	_, err = store.Open(ctx, ref)
	assert.True(t, ierr.IsNotFound(err))
	assert.NoError(t, store.Delete(ctx, ref))
	assert.True(t, ierr.IsValidation(store.Delete(ctx, "s3://bucket/x.xml")))
}
