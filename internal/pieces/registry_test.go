package pieces

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/flowengine/pkg/schema"
)

type namedAction struct{ name string }

func (a *namedAction) Name() string         { return a.name }
func (a *namedAction) Schema() ActionSchema { return ActionSchema{Description: a.name + " action"} }
func (a *namedAction) Run(context.Context, *RunContext) (any, error) {
	return a.name, nil
}

func TestRegistry_RegisterAndGet(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register("slack", "1.2.0", &namedAction{"send_message"}, &namedAction{"react"}))

	a, err := reg.Get("slack", "react")
	require.NoError(t, err)
	assert.Equal(t, "react", a.Name())
	assert.True(t, reg.Has("slack", "send_message"))
	assert.Equal(t, 2, reg.Count())
}

func TestRegistry_Unavailable(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register("slack", "1.0.0", &namedAction{"send_message"}))

	_, err := reg.Get("github", "create_issue")
	assert.True(t, schema.HasCode(err, schema.ErrCodePieceUnavailable))

	_, err = reg.Get("slack", "delete_channel")
	assert.True(t, schema.HasCode(err, schema.ErrCodePieceUnavailable))
}

func TestRegistry_Conflicts(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register("p", "1", &namedAction{"a"}))

	err := reg.Register("p", "2", &namedAction{"b"})
	assert.True(t, schema.HasCode(err, schema.ErrCodeConflict))

	err = reg.Register("q", "1", &namedAction{"a"}, &namedAction{"a"})
	assert.True(t, schema.HasCode(err, schema.ErrCodeConflict))

	err = reg.Register("", "1")
	assert.True(t, schema.HasCode(err, schema.ErrCodeValidation))

	err = reg.Register("r", "1", nil)
	assert.True(t, schema.HasCode(err, schema.ErrCodeValidation))
}

func TestRegistry_ListSorted(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register("zeta", "1", &namedAction{"b"}, &namedAction{"a"}))
	require.NoError(t, reg.Register("alpha", "2", &namedAction{"x"}))

	infos := reg.List()
	require.Len(t, infos, 3)
	assert.Equal(t, ActionInfo{Piece: "alpha", Action: "x", Version: "2", Description: "x action"}, infos[0])
	assert.Equal(t, "a", infos[1].Action)
	assert.Equal(t, "b", infos[2].Action)
}
