package worktree

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"adw/internal/gitops"
	"adw/internal/state"
)

func TestPortOffsetDeterministic(t *testing.T) {
	t.Parallel()
	first := PortOffset("a1b2c3d4")
	for i := 0; i < 10; i++ {
		assert.Equal(t, first, PortOffset("a1b2c3d4"))
	}
}

func TestPortOffsetRange(t *testing.T) {
	t.Parallel()
	ids := []string{"a1b2c3d4", "00000000", "zzzzzzzz", "deadbeef", "12345678", "ADWID999"}
	for _, id := range ids {
		offset := PortOffset(id)
		assert.GreaterOrEqual(t, offset, 0, id)
		assert.Less(t, offset, 15, id)
	}
}

func TestPortOffsetCaseInsensitive(t *testing.T) {
	t.Parallel()
	assert.Equal(t, PortOffset("DEADBEEF"), PortOffset("deadbeef"))
}

func TestAllocatePorts(t *testing.T) {
	t.Parallel()
	backend, ws, frontend := AllocatePorts("a1b2c3d4")
	assert.Equal(t, backend+1, ws)
	assert.Equal(t, backend+2, frontend)
	assert.GreaterOrEqual(t, backend, 9100)
	assert.Less(t, frontend, 9100+15*10)
}

func TestHostURL(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "http://a1b2c3d4.localhost", HostURL("A1B2C3D4"))
}

func TestValidateNoPath(t *testing.T) {
	t.Parallel()
	m := NewManager(t.TempDir(), gitops.New(t.TempDir(), nil), nil)

	ok, reason, err := m.Validate(context.Background(), &state.ADWState{ADWID: "a1b2c3d4"})
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, ReasonNoPath, reason)

	ok, reason, err = m.Validate(context.Background(), nil)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, ReasonNoPath, reason)
}

func TestValidateMissingDir(t *testing.T) {
	t.Parallel()
	m := NewManager(t.TempDir(), gitops.New(t.TempDir(), nil), nil)

	ok, reason, err := m.Validate(context.Background(), &state.ADWState{
		ADWID:        "a1b2c3d4",
		WorktreePath: "/nonexistent/trees/a1b2c3d4",
	})
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, ReasonMissingDir, reason)
}

func TestPathLayout(t *testing.T) {
	t.Parallel()
	m := NewManager("trees", gitops.New(".", nil), nil)
	assert.Equal(t, "trees/a1b2c3d4", m.Path("a1b2c3d4"))
}
