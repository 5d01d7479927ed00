// Package catalog holds the immutable data set declarations loaded from the
// configuration directory. A Catalog is never mutated after Load returns;
// reloads build a new one and swap it through a Store.
package catalog

import (
	"errors"
	"slices"
	"sort"
)

var ErrNotLoaded = errors.New("configuration not loaded")

const (
	TypeRaster = "raster"
	TypeVector = "vector"

	FormatGRIB2   = "grib2"
	FormatNetCDF  = "netCDF"
	FormatGeoJSON = "geojson"

	UnitDays  = "days"
	UnitHours = "hours"

	CriteriaStart  = "start"
	CriteriaMiddle = "middle"
	CriteriaEnd    = "end"

	TimeFromFile = "file"
	TimeFromBand = "band"
)

// RasterQueries are the queries a raster variable can answer.
var RasterQueries = []string{"valueAtPoint", "grid", "isolines", "isobands", "vectorsGrid"}

type WebServer struct {
	Protocol string
	Port     int
	KeyFile  string
	CertFile string
}

// Enabled reports whether a listener is configured at all.
func (w WebServer) Enabled() bool { return w.Port > 0 }

type Origin struct {
	Code string `json:"code"`
	Name string `json:"name"`
	URL  string `json:"url,omitempty"`
	Logo string `json:"logo,omitempty"`
}

type Catalog struct {
	WebServer WebServer
	Origins   []Origin
	dataSets  map[string]*DataSet
	codes     []string
}

func (c *Catalog) DataSet(code string) (*DataSet, bool) {
	if c == nil {
		return nil, false
	}
	ds, ok := c.dataSets[code]
	return ds, ok
}

// DataSets returns data sets ordered by code.
func (c *Catalog) DataSets() []*DataSet {
	if c == nil {
		return nil
	}
	out := make([]*DataSet, 0, len(c.codes))
	for _, code := range c.codes {
		out = append(out, c.dataSets[code])
	}
	return out
}

// Box is a geographic rectangle in degrees.
type Box struct {
	N, S, E, W float64
}

type Temporality struct {
	None            bool
	Unit            string
	Value           int
	SearchCriteria  string
	SearchTolerance int
	RetainDays      int
	TimeSource      string
	TimeAttribute   string
}

type GridLimits struct {
	MaxWidth  int
	MaxHeight int
}

type ContourLimits struct {
	MinLines, MaxLines       int
	MinPolygons, MaxPolygons int
}

type DataSet struct {
	Code   string
	Name   string
	Type   string
	Format string

	Temporality         Temporality
	ClippingArea        *Box
	DeleteFinishedFiles bool
	CommonQueries       []string
	Grid                GridLimits
	Contour             ContourLimits

	MaxFilesInCache      int
	MaxTiledFilesInCache int

	Variables     map[string]*Variable
	VariableCodes []string
	Files         map[string]*File
	FileCodes     []string
	FilesDefaults FileDefaults

	calcOrder []*Variable
}

func (d *DataSet) Variable(code string) (*Variable, bool) {
	v, ok := d.Variables[code]
	return v, ok
}

func (d *DataSet) File(code string) (*File, bool) {
	f, ok := d.Files[code]
	return f, ok
}

// Extension is the archive payload extension for the data set format.
func (d *DataSet) Extension() string {
	return ExtensionFor(d.Format)
}

func ExtensionFor(format string) string {
	switch format {
	case FormatGRIB2:
		return ".grb2"
	case FormatNetCDF:
		return ".nc"
	case FormatGeoJSON:
		return ".geojson"
	default:
		return ""
	}
}

// Extracted returns band-extracted variables in declaration order.
func (d *DataSet) Extracted() []*Variable {
	var out []*Variable
	for _, code := range d.VariableCodes {
		if v := d.Variables[code]; v.Extracted() {
			out = append(out, v)
		}
	}
	return out
}

// CalculatedOrder returns calculated variables so that each one appears
// after every calculated variable it depends on.
func (d *DataSet) CalculatedOrder() []*Variable {
	return d.calcOrder
}

func (d *DataSet) Allows(v *Variable, query string) bool {
	return slices.Contains(d.CommonQueries, query) || slices.Contains(v.Queries, query)
}

// SearchTolerance for v falls back to the data set temporality.
func (d *DataSet) SearchTolerance(v *Variable) int {
	if v != nil && v.SearchTolerance != nil {
		return *v.SearchTolerance
	}
	return d.Temporality.SearchTolerance
}

func (d *DataSet) FileSearchTolerance(f *File) int {
	if f != nil && f.SearchTolerance != nil {
		return *f.SearchTolerance
	}
	return d.FilesDefaults.SearchTolerance
}

type Levels struct {
	Attribute    string
	Values       []Value
	Descriptions []string
}

// Index returns the position of v in the declared level list.
func (l *Levels) Index(v Value) (int, bool) {
	for i, lv := range l.Values {
		if lv.Equal(v) {
			return i, true
		}
	}
	return 0, false
}

type VectorSpec struct {
	U string
	V string
}

// Calculated binds formula names to source variable codes.
type Calculated struct {
	Sources map[string]string
	Names   []string
	Formula string
}

// Dependencies returns the source variable codes, deduplicated and sorted.
func (c *Calculated) Dependencies() []string {
	seen := map[string]struct{}{}
	var out []string
	for _, code := range c.Sources {
		if _, ok := seen[code]; ok {
			continue
		}
		seen[code] = struct{}{}
		out = append(out, code)
	}
	sort.Strings(out)
	return out
}

type Variable struct {
	Code            string
	Name            string
	Unit            string
	Selector        Selector
	Levels          *Levels
	Transform       string
	Vector          *VectorSpec
	Calculated      *Calculated
	SearchTolerance *int
	Queries         []string
	Options         map[string]any
}

// Extracted reports whether the variable is produced from raw file bands.
func (v *Variable) Extracted() bool {
	return v.Calculated == nil && v.Vector == nil && len(v.Selector) > 0
}

// LevelCount is zero for variables without declared levels.
func (v *Variable) LevelCount() int {
	if v.Levels == nil {
		return 0
	}
	return len(v.Levels.Values)
}

type FileMetadata struct {
	IDProperty   string
	NameProperty string
	// CopyProperties maps feature property names to object field names.
	CopyProperties map[string]string
	Centroid       bool
	Center         bool
	H3Resolution   int
}

type File struct {
	Code              string
	Name              string
	SearchTolerance   *int
	Cache             bool
	TiledCache        bool
	SimplifyTolerance float64
	Metadata          *FileMetadata
	Options           map[string]any
}

// PromoteID is the feature property used as tile feature id.
func (f *File) PromoteID() string {
	if f.Metadata != nil && f.Metadata.IDProperty != "" {
		return f.Metadata.IDProperty
	}
	return "id"
}

type FileDefaults struct {
	SearchTolerance int
}
