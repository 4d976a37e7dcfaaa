package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemory_SetGetDelete(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	_, ok, err := m.Get(ctx, "event:e1")
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, m.Set(ctx, "event:e1", []byte(`{"status":"LIVENESS"}`), time.Minute))
	b, ok, err := m.Get(ctx, "event:e1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte(`{"status":"LIVENESS"}`), b)

	require.NoError(t, m.Delete(ctx, "event:e1"))
	_, ok, err = m.Get(ctx, "event:e1")
	require.NoError(t, err)
	require.False(t, ok)

	// Deleting an absent key is not an error.
	require.NoError(t, m.Delete(ctx, "event:e1"))
}

func TestMemory_TTLExpiry(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	require.NoError(t, m.Set(ctx, "event:e1", []byte("v"), 20*time.Millisecond))

	time.Sleep(50 * time.Millisecond)
	_, ok, err := m.Get(ctx, "event:e1")
	require.NoError(t, err)
	assert.False(t, ok, "expired entry must read as a miss")
}

func TestMemory_KeysPattern(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	for _, key := range []string{
		ProposalKey("p1", "e1"),
		ProposalKey("p2", "e1"),
		ProposalKey("p3", "e2"),
		EventKey("e1"),
	} {
		require.NoError(t, m.Set(ctx, key, []byte("v"), time.Minute))
	}

	keys, err := m.Keys(ctx, ProposalPattern("e1"))
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"proposal:p1:e1", "proposal:p2:e1"}, keys)

	keys, err = m.Keys(ctx, "proposal:p3:*")
	require.NoError(t, err)
	assert.Equal(t, []string{"proposal:p3:e2"}, keys)

	keys, err = m.Keys(ctx, ProposalPattern("e9"))
	require.NoError(t, err)
	assert.Empty(t, keys)
}

func TestKeySchema(t *testing.T) {
	assert.Equal(t, "event:e1", EventKey("e1"))
	assert.Equal(t, "proposal:p1:e1", ProposalKey("p1", "e1"))
	assert.Equal(t, "proposal:*:e1", ProposalPattern("e1"))
}
