// Package mapper assigns discrete global grid cells to feature anchors and
// answers containment between cells.
package mapper

type Interface interface {
	// CellForPoint returns the cell holding (lat, lng) at resolution res.
	CellForPoint(lat, lng float64, res int) (string, error)
	// Within reports whether cell is ancestor or one of its descendants.
	Within(cell, ancestor string) (bool, error)
}
