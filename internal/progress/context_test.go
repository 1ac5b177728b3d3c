package progress

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func TestRunIDContext(t *testing.T) {
	t.Parallel()

	_, ok := RunIDFromContext(context.Background())
	require.False(t, ok)

	_, ok = RunIDFromContext(WithRunID(context.Background(), uuid.Nil))
	require.False(t, ok)

	id := uuid.New()
	got, ok := RunIDFromContext(WithRunID(context.Background(), id))
	require.True(t, ok)
	require.Equal(t, id, got)
}
