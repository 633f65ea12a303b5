package diagram

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRenderImage_PNG(t *testing.T) {
	for name, fv := range map[string]func() *Model{
		"linear": func() *Model { m, _ := Build(linearFlow(), nil); return m },
		"branch": func() *Model { m, _ := Build(branchFlow(), nil); return m },
		"loop":   func() *Model { m, _ := Build(loopFlow(), nil); return m },
	} {
		t.Run(name, func(t *testing.T) {
			model := fv()
			require.NotNil(t, model)

			png, err := RenderImage(context.Background(), model, FormatPNG)
			require.NoError(t, err)
			require.Greater(t, len(png), 8)
			assert.Equal(t, []byte{0x89, 'P', 'N', 'G'}, png[:4])
		})
	}
}

func TestRenderImage_SVG(t *testing.T) {
	model, err := Build(branchFlow(), nil)
	require.NoError(t, err)

	svg, err := RenderImage(context.Background(), model, FormatSVG)
	require.NoError(t, err)
	assert.Contains(t, string(svg), "<svg")
}

func TestRenderImage_UnknownFormat(t *testing.T) {
	model, err := Build(linearFlow(), nil)
	require.NoError(t, err)

	_, err = RenderImage(context.Background(), model, Format("gif"))
	require.Error(t, err)
}
