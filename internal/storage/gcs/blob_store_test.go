package gcs

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"

	"cloud.google.com/go/storage"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

func newClient(t *testing.T) *storage.Client {
	t.Helper()
	client, err := storage.NewClient(context.Background(), option.WithoutAuthentication())
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestNewValidates(t *testing.T) {
	t.Parallel()
	client := newClient(t)

	_, err := New(nil, Config{Bucket: "pdfs"})
	require.ErrorContains(t, err, "client is required")
	_, err = New(client, Config{})
	require.ErrorContains(t, err, "bucket")
	_, err = New(client, Config{Bucket: "pdfs", ChunkSize: -1})
	require.ErrorContains(t, err, "chunk size")
}

func TestURIAppliesPrefix(t *testing.T) {
	t.Parallel()
	client := newClient(t)

	store, err := New(client, Config{Bucket: "pdfs", Prefix: "/medrxiv/"})
	require.NoError(t, err)
	require.Equal(t, "gs://pdfs/medrxiv/10.1101-2024.01.01.000001.pdf", store.URI("10.1101-2024.01.01.000001.pdf"))
	require.Equal(t, "gs://pdfs/medrxiv", store.URI(""))

	bare, err := New(client, Config{Bucket: "pdfs"})
	require.NoError(t, err)
	require.Equal(t, "gs://pdfs/a.pdf", bare.URI("/a.pdf"))
}

func TestPutObjectRequiresPath(t *testing.T) {
	t.Parallel()

	store, err := New(newClient(t), Config{Bucket: "pdfs"})
	require.NoError(t, err)
	_, err = store.PutObject(context.Background(), "  ", "application/pdf", nil)
	require.ErrorContains(t, err, "path is required")
}

func TestAlreadyStored(t *testing.T) {
	t.Parallel()

	precondition := &googleapi.Error{Code: http.StatusPreconditionFailed}
	require.True(t, alreadyStored(precondition))
	require.True(t, alreadyStored(fmt.Errorf("close: %w", precondition)))
	require.False(t, alreadyStored(&googleapi.Error{Code: http.StatusForbidden}))
	require.False(t, alreadyStored(errors.New("network down")))
}
