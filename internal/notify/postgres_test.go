package notify

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Runs against a real database when HEALER_TEST_DATABASE_DSN is set.
func TestPostgresStore(t *testing.T) {
	dsn := os.Getenv("HEALER_TEST_DATABASE_DSN")
	if dsn == "" {
		t.Skip("HEALER_TEST_DATABASE_DSN not set")
	}
	ctx := context.Background()

	store, err := NewPostgresStore(ctx, dsn)
	require.NoError(t, err)
	defer store.Close()
	require.NoError(t, store.EnsureSchema(ctx))

	require.NoError(t, store.Subscribe(ctx, "900001"))
	require.NoError(t, store.Subscribe(ctx, "900001"))
	t.Cleanup(func() { _ = store.Unsubscribe(ctx, "900001") })

	ids, err := store.Recipients(ctx)
	require.NoError(t, err)
	count := 0
	for _, id := range ids {
		if id == "900001" {
			count++
		}
	}
	assert.Equal(t, 1, count)
}

func TestNewPostgresStore_RequiresDSN(t *testing.T) {
	_, err := NewPostgresStore(context.Background(), "")
	assert.Error(t, err)
}
