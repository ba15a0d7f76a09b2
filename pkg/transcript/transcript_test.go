package transcript

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestStoreAppendAndStream(t *testing.T) {
	s := NewStore()
	u := s.AppendUser("make a counter")
	require.Equal(t, RoleUser, u.Role)
	require.Equal(t, "make a counter", u.Text())

	a, err := s.BeginAssistant()
	require.NoError(t, err)
	_, err = s.BeginAssistant()
	require.ErrorIs(t, err, ErrActiveTurn)

	require.NoError(t, a.Append("## Plan\n"))
	require.NoError(t, a.Append("Counter"))
	require.Equal(t, "## Plan\nCounter", a.Text())

	turns := s.Turns()
	require.Len(t, turns, 2)
	require.Equal(t, RoleAssistant, turns[1].Role)
	require.Equal(t, "## Plan\nCounter", turns[1].Text())

	frozen := a.Freeze()
	require.Equal(t, a.ID(), frozen.ID)
	require.ErrorIs(t, a.Append("more"), ErrFrozen)
	require.Equal(t, frozen, a.Freeze())

	_, err = s.BeginAssistant()
	require.NoError(t, err)
}

func TestStoreTurnsAreCopies(t *testing.T) {
	s := NewStore()
	s.AppendUser("hi")
	turns := s.Turns()
	turns[0].Parts[0] = "changed"
	require.Equal(t, "hi", s.Turns()[0].Text())
}

func TestRollbackUser(t *testing.T) {
	s := NewStore()
	first := s.AppendUser("one")
	_, err := s.AppendAssistant("answer")
	require.NoError(t, err)

	require.ErrorIs(t, s.RollbackUser(first.ID), ErrNotRollbackable)

	second := s.AppendUser("two")
	require.NoError(t, s.RollbackUser(second.ID))
	require.Equal(t, 2, s.Len())

	last, ok := s.Last(RoleUser)
	require.True(t, ok)
	require.Equal(t, first.ID, last.ID)

	third := s.AppendUser("three")
	a, err := s.BeginAssistant()
	require.NoError(t, err)
	require.ErrorIs(t, s.RollbackUser(third.ID), ErrNotRollbackable)
	a.Freeze()
}
