package bubble

import (
	"testing"

	"github.com/go-go-golems/forge/pkg/extract"
	"github.com/stretchr/testify/require"
)

func TestRenderStructured(t *testing.T) {
	v := Render("## Plan\nBuild a **todo** list\n## Building\n[TOOL:create_component] TodoList\n[TOOL:custom_step] wire it\n## Code\n```jsx\nfunction App(){}\n```\n## Summary\nCreated it.\n")

	require.True(t, v.Structured)
	require.True(t, v.HasCode)
	require.Equal(t, "Build a **todo** list", v.Plan)
	require.Contains(t, v.PlanHTML, "<strong>todo</strong>")
	require.Len(t, v.Tools, 2)
	require.Equal(t, ToolRow{Kind: "create_component", Label: "Create component", Icon: "🧩", Description: "TodoList"}, v.Tools[0])
	require.Equal(t, "🔧", v.Tools[1].Icon)
	require.Equal(t, "Created it.", v.Summary)
	require.Empty(t, v.Fallback)
}

func TestRenderFallback(t *testing.T) {
	v := Render("```jsx\nfunction App(){}\n```")
	require.False(t, v.Structured)
	require.Equal(t, extract.Placeholder, v.Fallback)

	v = Render("Working on it <script>alert(1)</script>")
	require.False(t, v.Structured)
	require.NotContains(t, v.FallbackHTML, "<script>")
}

func TestLabel(t *testing.T) {
	require.Equal(t, "Add styling", Label("add_styling"))
	require.Equal(t, "Add interactivity", Label("add_interactivity"))
	require.Equal(t, "X", Label("x"))
	require.Equal(t, "", Label(""))
}
