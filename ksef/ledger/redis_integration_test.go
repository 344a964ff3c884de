package ledger

import (
	"context"
	"os"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedis_Live(t *testing.T) {
	url := os.Getenv("KSEF_TEST_REDIS_URL")
	if url == "" {
		t.Skip("KSEF_TEST_REDIS_URL not set")
	}
	l, err := OpenRedis(url, nil)
	require.NoError(t, err)
	defer l.Close()
	l.prefix = "ksef-test-" + uuid.NewString()

	ctx := context.Background()
	ok, err := l.Exists(ctx, "REF-1")
	require.NoError(t, err)
	assert.False(t, ok)

	st, err := Import(ctx, l, nil)
	require.NoError(t, err)
	assert.Zero(t, st.Imported)

	require.NoError(t, l.Persist(ctx, sample("REF-1")))
	assert.ErrorIs(t, l.Persist(ctx, sample("REF-1")), ErrDuplicate)
	ok, err = l.Exists(ctx, "REF-1")
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, l.client.Del(ctx, l.key("REF-1")).Err())
}
