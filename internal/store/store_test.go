package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Both implementations must satisfy the same contract.
func storesUnderTest(t *testing.T) map[string]DataStore {
	t.Helper()

	sqlite, err := NewSQLiteStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { sqlite.Close() })

	return map[string]DataStore{
		"memory": NewMemoryStore(),
		"sqlite": sqlite,
	}
}

func TestInsertAndSelect(t *testing.T) {
	for name, s := range storesUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			row, err := s.Insert(ctx, "prompts", Row{"prompt": "sunset", "user_id": "u1"})
			require.NoError(t, err)
			assert.NotEmpty(t, row["id"])

			_, err = s.Insert(ctx, "prompts", Row{"prompt": "mountain", "user_id": "u2"})
			require.NoError(t, err)

			all, err := s.Select(ctx, "prompts", Filter{})
			require.NoError(t, err)
			assert.Len(t, all, 2)

			one, err := s.Select(ctx, "prompts", Filter{"user_id": "u1"})
			require.NoError(t, err)
			require.Len(t, one, 1)
			assert.Equal(t, "sunset", one[0]["prompt"])
		})
	}
}

func TestUpdate(t *testing.T) {
	for name, s := range storesUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			_, err := s.Insert(ctx, "prompts", Row{"prompt": "a", "status": "draft"})
			require.NoError(t, err)
			_, err = s.Insert(ctx, "prompts", Row{"prompt": "b", "status": "draft"})
			require.NoError(t, err)

			n, err := s.Update(ctx, "prompts", Filter{"status": "draft"}, Row{"status": "final"})
			require.NoError(t, err)
			assert.Equal(t, 2, n)

			final, err := s.Select(ctx, "prompts", Filter{"status": "final"})
			require.NoError(t, err)
			assert.Len(t, final, 2)
		})
	}
}

func TestUpsert(t *testing.T) {
	for name, s := range storesUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			row, err := s.Upsert(ctx, "configs", Row{"id": "cfg-1", "mode": "balanced"})
			require.NoError(t, err)
			assert.Equal(t, "cfg-1", row["id"])

			_, err = s.Upsert(ctx, "configs", Row{"id": "cfg-1", "mode": "safe"})
			require.NoError(t, err)

			all, err := s.Select(ctx, "configs", Filter{})
			require.NoError(t, err)
			require.Len(t, all, 1)
			assert.Equal(t, "safe", all[0]["mode"])
		})
	}
}

func TestDelete(t *testing.T) {
	for name, s := range storesUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			_, err := s.Insert(ctx, "prompts", Row{"prompt": "keep", "tag": "a"})
			require.NoError(t, err)
			_, err = s.Insert(ctx, "prompts", Row{"prompt": "drop", "tag": "b"})
			require.NoError(t, err)

			n, err := s.Delete(ctx, "prompts", Filter{"tag": "b"})
			require.NoError(t, err)
			assert.Equal(t, 1, n)

			rest, err := s.Select(ctx, "prompts", Filter{})
			require.NoError(t, err)
			require.Len(t, rest, 1)
			assert.Equal(t, "keep", rest[0]["prompt"])
		})
	}
}

func TestUpload(t *testing.T) {
	for name, s := range storesUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			res, err := s.Upload(context.Background(), "images", "gen/1.png", []byte{0x89, 0x50})
			require.NoError(t, err)
			assert.Equal(t, "images/gen/1.png", res.Path)
			assert.NotEmpty(t, res.URL)
		})
	}
}
