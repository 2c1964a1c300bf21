package discovery

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"adw/internal/state"
)

func newStore(t *testing.T) *state.Store {
	t.Helper()
	store, err := state.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestListActiveStripsIssueClass(t *testing.T) {
	t.Parallel()
	store := newStore(t)
	ctx := context.Background()

	require.NoError(t, store.Save(ctx, &state.ADWState{
		ADWID:      "a1b2c3d4",
		IssueClass: "/feature",
		IssueTitle: "Add widget",
	}))

	svc := NewService(store)
	out, err := svc.ListActive(ctx)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "feature", out[0].IssueClass, "leading slash stripped at the boundary")
	assert.Equal(t, "Add widget", out[0].IssueTitle)
}

func TestListActiveTitleFallback(t *testing.T) {
	t.Parallel()
	store := newStore(t)
	ctx := context.Background()

	require.NoError(t, store.Save(ctx, &state.ADWState{
		ADWID:     "b2c3d4e5",
		IssueJSON: map[string]any{"title": "Fallback title"},
	}))

	svc := NewService(store)
	out, err := svc.ListActive(ctx)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "Fallback title", out[0].IssueTitle)
}

func TestListActivePrimaryTitleWins(t *testing.T) {
	t.Parallel()
	store := newStore(t)
	ctx := context.Background()

	require.NoError(t, store.Save(ctx, &state.ADWState{
		ADWID:      "c3d4e5f6",
		IssueTitle: "Primary",
		IssueJSON:  map[string]any{"title": "Secondary"},
	}))

	svc := NewService(store)
	out, err := svc.ListActive(ctx)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "Primary", out[0].IssueTitle)
}

func TestListActiveExcludesDeleted(t *testing.T) {
	t.Parallel()
	store := newStore(t)
	ctx := context.Background()

	require.NoError(t, store.Save(ctx, &state.ADWState{ADWID: "d4e5f6a7"}))
	_, err := store.SoftDelete(ctx, "d4e5f6a7")
	require.NoError(t, err)

	out, err := NewService(store).ListActive(ctx)
	require.NoError(t, err)
	assert.Empty(t, out)
}
