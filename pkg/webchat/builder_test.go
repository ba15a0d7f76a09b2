package webchat

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/forge/pkg/generation"
	"github.com/go-go-golems/forge/pkg/persistence/chatstore"
)

func TestSnapshotRendersEveryAssistantTurn(t *testing.T) {
	m := newTestManager(t, &generation.ScriptedBackend{})
	b, err := m.GetOrCreate("restored")
	require.NoError(t, err)

	require.NoError(t, b.BindChat(7, []chatstore.Message{
		{Role: "user", Content: "a counter"},
		{Role: "assistant", Content: "## Plan\nFirst plan\n\n## Summary\nFirst done\n"},
		{Role: "user", Content: "make it blue"},
		{Role: "assistant", Content: "Sure, here it is."},
	}))

	snap := b.Snapshot()
	require.Len(t, snap.Turns, 4)
	require.Len(t, snap.Views, 2)
	require.True(t, snap.Views[0].Structured)
	require.Equal(t, "First plan", snap.Views[0].Plan)
	require.False(t, snap.Views[1].Structured)
	require.Contains(t, snap.Views[1].Fallback, "Sure, here it is.")
	require.NotNil(t, snap.View)
	require.Equal(t, snap.Views[1], *snap.View)
}

func TestSnapshotOfFreshSessionHasNoViews(t *testing.T) {
	m := newTestManager(t, &generation.ScriptedBackend{})
	b, err := m.GetOrCreate("fresh")
	require.NoError(t, err)

	snap := b.Snapshot()
	require.Empty(t, snap.Views)
	require.NotNil(t, snap.Views)
	require.Nil(t, snap.View)
	require.NotEmpty(t, snap.Preview.InstanceID)
}
