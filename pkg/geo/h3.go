package geo

import (
	"math"

	"github.com/uber/h3-go/v4"
)

// H3 resolution levels. See https://h3geo.org/docs/core-library/restable
const (
	// H3ResolutionIndex is the cell size the driver index is keyed on
	// (~460m edge). Coarse enough that a k-ring stays small for city-scale
	// dispatch radii, fine enough to keep cells sparsely populated.
	H3ResolutionIndex = 8

	// h3Res8EdgeKm approximates the edge length of a resolution-8 cell.
	h3Res8EdgeKm = 0.46
)

// IndexCell returns the H3 cell the driver index files a point under.
func IndexCell(lat, lon float64) h3.Cell {
	cell, err := h3.LatLngToCell(h3.NewLatLng(lat, lon), H3ResolutionIndex)
	if err != nil {
		return 0
	}
	return cell
}

// CoverCells returns the H3 cells whose union covers a circle of radiusKm
// around the point. The k-ring is sized from the cell edge length so the
// cover always over-approximates; callers post-filter by exact distance.
func CoverCells(lat, lon float64, radiusKm float64) []h3.Cell {
	origin := IndexCell(lat, lon)
	k := int(math.Ceil(radiusKm/(2*h3Res8EdgeKm))) + 1
	cells, err := origin.GridDisk(k)
	if err != nil {
		return []h3.Cell{origin}
	}
	return cells
}
