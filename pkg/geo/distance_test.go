package geo

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHaversineKm(t *testing.T) {
	// Connaught Place to IGI Airport, roughly 16 km.
	d := HaversineKm(28.6315, 77.2167, 28.5562, 77.1000)
	assert.InDelta(t, 14.3, d, 1.0)

	// Delhi to Mumbai, roughly 1150 km.
	d = HaversineKm(28.6139, 77.2090, 19.0760, 72.8777)
	assert.InDelta(t, 1150, d, 20)

	assert.Zero(t, HaversineKm(28.6139, 77.2090, 28.6139, 77.2090))

	// Symmetric in its endpoints.
	a := HaversineKm(28.6, 77.2, 19.0, 72.8)
	b := HaversineKm(19.0, 72.8, 28.6, 77.2)
	assert.InDelta(t, a, b, 1e-9)
}

func TestValidCoordinates(t *testing.T) {
	assert.True(t, ValidCoordinates(28.6139, 77.2090))
	assert.True(t, ValidCoordinates(-90, -180))
	assert.True(t, ValidCoordinates(90, 180))
	assert.False(t, ValidCoordinates(90.0001, 0))
	assert.False(t, ValidCoordinates(0, -180.0001))
}

func TestIndexCellStability(t *testing.T) {
	a := IndexCell(28.6139, 77.2090)
	b := IndexCell(28.6139, 77.2090)
	assert.Equal(t, a, b)

	// Points a few hundred meters apart may share a cell; points a few
	// kilometers apart never do at this resolution.
	far := IndexCell(28.70, 77.10)
	assert.NotEqual(t, a, far)
}

func TestCoverCellsContainsOrigin(t *testing.T) {
	origin := IndexCell(28.6139, 77.2090)
	cells := CoverCells(28.6139, 77.2090, 5)
	require.NotEmpty(t, cells)

	found := false
	for _, c := range cells {
		if c == origin {
			found = true
			break
		}
	}
	assert.True(t, found, "cover must include the origin cell")

	// Wider radii need strictly more cells.
	assert.Greater(t, len(CoverCells(28.6139, 77.2090, 10)), len(cells))
}
