package gateway

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryReadNotFound(t *testing.T) {
	gw := NewMemory()
	ctx := context.Background()

	_, err := gw.Read(ctx, "users", "missing")
	require.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, int64(1), gw.ReadCalls.Load())
}

func TestMemoryUpsertReadRoundtrip(t *testing.T) {
	gw := NewMemory()
	ctx := context.Background()

	payload := map[string]any{"name": "Alice", "nested": map[string]any{"a": float64(1)}}
	require.NoError(t, gw.BatchUpsert(ctx, "users", []Row{{Key: "u1", Payload: payload}}))

	got, err := gw.Read(ctx, "users", "u1")
	require.NoError(t, err)
	assert.Equal(t, payload, got)

	// Stored copy is isolated from both the input and the returned map.
	payload["name"] = "Bob"
	got["nested"].(map[string]any)["a"] = float64(2)

	again, err := gw.Read(ctx, "users", "u1")
	require.NoError(t, err)
	assert.Equal(t, "Alice", again["name"])
	assert.Equal(t, float64(1), again["nested"].(map[string]any)["a"])
}

func TestMemoryQueryOrderAndLimit(t *testing.T) {
	gw := NewMemory()
	ctx := context.Background()

	rows := []Row{
		{Key: "c", Payload: map[string]any{"v": float64(3)}},
		{Key: "a", Payload: map[string]any{"v": float64(1)}},
		{Key: "b", Payload: map[string]any{"v": float64(2)}},
	}
	require.NoError(t, gw.BatchUpsert(ctx, "t", rows))

	got, err := gw.Query(ctx, "t", "v > 0", 2)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "a", got[0].Key)
	assert.Equal(t, "b", got[1].Key)
	assert.Equal(t, "v > 0", gw.LastPredicate())
}

func TestClonePayload(t *testing.T) {
	original := map[string]any{
		"s":    "str",
		"n":    float64(42),
		"list": []any{"x", map[string]any{"deep": true}},
		"obj":  map[string]any{"inner": []any{float64(1)}},
	}

	clone := ClonePayload(original)
	require.Equal(t, original, clone)

	// Mutations at every level must not propagate.
	clone["s"] = "changed"
	clone["list"].([]any)[1].(map[string]any)["deep"] = false
	clone["obj"].(map[string]any)["inner"].([]any)[0] = float64(9)

	assert.Equal(t, "str", original["s"])
	assert.Equal(t, true, original["list"].([]any)[1].(map[string]any)["deep"])
	assert.Equal(t, float64(1), original["obj"].(map[string]any)["inner"].([]any)[0])

	assert.Nil(t, ClonePayload(nil))
}
