package gcs

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewValidatesInputs(t *testing.T) {
	t.Parallel()

	_, err := New(nil, Config{Bucket: "reports"})
	require.ErrorContains(t, err, "storage client is required")

	_, err = Open(context.Background(), Config{Bucket: " "})
	require.ErrorContains(t, err, "bucket name is required")
}

func TestCloseBorrowedClientIsNoop(t *testing.T) {
	t.Parallel()

	store := &BlobStore{bucket: "reports"}
	require.NoError(t, store.Close())
}
