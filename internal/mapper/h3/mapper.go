// Package h3mapper assigns H3 cells to feature anchors so vector metadata
// can be joined against other cell-indexed data.
package h3mapper

import (
	"fmt"

	h3 "github.com/uber/h3-go/v4"

	"github.com/geoos/geoarchive/internal/mapper"
)

var _ mapper.Interface = (*Mapper)(nil)

type Mapper struct{}

func New() *Mapper { return &Mapper{} }

// CellForPoint returns the cell containing (lat, lng) at res, in its
// canonical hex form.
func (m *Mapper) CellForPoint(lat, lng float64, res int) (string, error) {
	if err := validateRes(res); err != nil {
		return "", err
	}
	if lat < -90 || lat > 90 || lng < -180 || lng > 180 {
		return "", fmt.Errorf("point (%g, %g) outside lat/lng range", lat, lng)
	}
	c, err := h3.LatLngToCell(h3.LatLng{Lat: lat, Lng: lng}, res)
	if err != nil {
		return "", fmt.Errorf("h3 cell: %w", err)
	}
	return c.String(), nil
}

// Parent returns the ancestor of cell at parentRes.
func (m *Mapper) Parent(cell string, parentRes int) (string, error) {
	if err := validateRes(parentRes); err != nil {
		return "", err
	}
	var c h3.Cell
	if err := c.UnmarshalText([]byte(cell)); err != nil {
		return "", fmt.Errorf("parse cell: %w", err)
	}
	if !c.IsValid() {
		return "", fmt.Errorf("invalid h3 cell %q", cell)
	}
	if cur := c.Resolution(); parentRes > cur {
		return "", fmt.Errorf("parentRes %d must be <= cell resolution %d", parentRes, cur)
	} else if parentRes == cur {
		return cell, nil
	}
	p, err := c.Parent(parentRes)
	if err != nil {
		return "", fmt.Errorf("h3 parent: %w", err)
	}
	return p.String(), nil
}

func validateRes(res int) error {
	if res < 0 || res > 15 {
		return fmt.Errorf("invalid H3 resolution %d (must be 0..15)", res)
	}
	return nil
}

// Within reports whether cell lies inside ancestor (or is ancestor).
func (m *Mapper) Within(cell, ancestor string) (bool, error) {
	var a h3.Cell
	if err := a.UnmarshalText([]byte(ancestor)); err != nil || !a.IsValid() {
		return false, fmt.Errorf("invalid h3 cell %q", ancestor)
	}
	var c h3.Cell
	if err := c.UnmarshalText([]byte(cell)); err != nil || !c.IsValid() {
		return false, nil
	}
	if c.Resolution() < a.Resolution() {
		return false, nil
	}
	p, err := m.Parent(cell, a.Resolution())
	if err != nil {
		return false, err
	}
	return p == ancestor, nil
}
