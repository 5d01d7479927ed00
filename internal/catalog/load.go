package catalog

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/geoos/geoarchive/internal/formula"
)

// PrimaryFile is the name of the primary configuration document.
const PrimaryFile = "config.yaml"

var docExtensions = []string{".yaml", ".yml", ".json"}

type webServerDoc struct {
	Protocol string `yaml:"protocol"`
	Port     int    `yaml:"port"`
	KeyFile  string `yaml:"keyFile"`
	CertFile string `yaml:"certFile"`
}

type summaryDoc struct {
	Name string `yaml:"name"`
	Type string `yaml:"type"`
}

type originDoc struct {
	Name string `yaml:"name"`
	URL  string `yaml:"url"`
	Logo string `yaml:"logo"`
}

type primaryDoc struct {
	WebServer webServerDoc          `yaml:"webServer"`
	Origins   map[string]originDoc  `yaml:"origins"`
	DataSets  map[string]summaryDoc `yaml:"dataSets"`
	Providers map[string]summaryDoc `yaml:"providers"`
}

type temporalityDoc struct {
	none            bool
	Unit            string `yaml:"unit"`
	Value           int    `yaml:"value"`
	SearchCriteria  string `yaml:"searchCriteria"`
	SearchTolerance int    `yaml:"searchTolerance"`
	RetainDays      int    `yaml:"retainDays"`
	Retain          int    `yaml:"retain"`
	TimeSource      string `yaml:"timeSource"`
	TimeAttribute   string `yaml:"timeAttribute"`
}

// UnmarshalYAML accepts the literal "none" or a temporality mapping.
func (t *temporalityDoc) UnmarshalYAML(unmarshal func(any) error) error {
	var s string
	if err := unmarshal(&s); err == nil {
		if strings.EqualFold(strings.TrimSpace(s), "none") {
			*t = temporalityDoc{none: true}
			return nil
		}
		return fmt.Errorf("invalid temporality %q", s)
	}
	type plain temporalityDoc
	var p plain
	if err := unmarshal(&p); err != nil {
		return err
	}
	*t = temporalityDoc(p)
	return nil
}

type boxDoc struct {
	N *float64 `yaml:"n"`
	S *float64 `yaml:"s"`
	E *float64 `yaml:"e"`
	W *float64 `yaml:"w"`
}

type levelsDoc struct {
	Attribute    string   `yaml:"attribute"`
	Values       []any    `yaml:"values"`
	Descriptions []string `yaml:"descriptions"`
}

type vectorDoc struct {
	U string `yaml:"u"`
	V string `yaml:"v"`
}

type variableDoc struct {
	Name            string         `yaml:"name"`
	Unit            string         `yaml:"unit"`
	Selector        map[string]any `yaml:"selector"`
	Levels          *levelsDoc     `yaml:"levels"`
	Transform       string         `yaml:"transform"`
	Vector          *vectorDoc     `yaml:"vector"`
	Calculated      map[string]any `yaml:"calculated"`
	SearchTolerance *int           `yaml:"searchTolerance"`
	Queries         []string       `yaml:"queries"`
	Options         map[string]any `yaml:"options"`
}

type fileMetadataDoc struct {
	IDProperty     string       `yaml:"idProperty"`
	NameProperty   string       `yaml:"nameProperty"`
	CopyProperties copyPropsDoc `yaml:"copyProperties"`
	Centroid       bool         `yaml:"centroid"`
	Center         bool         `yaml:"center"`
	H3Resolution   int          `yaml:"h3Resolution"`
}

// copyPropsDoc accepts a list of property names, copied under the same
// name, or a mapping from source property to target name.
type copyPropsDoc map[string]string

func (c *copyPropsDoc) UnmarshalYAML(unmarshal func(any) error) error {
	var names []string
	if err := unmarshal(&names); err == nil {
		out := make(copyPropsDoc, len(names))
		for _, n := range names {
			out[n] = n
		}
		*c = out
		return nil
	}
	var m map[string]string
	if err := unmarshal(&m); err != nil {
		return fmt.Errorf("copyProperties: expected a list or a mapping: %w", err)
	}
	*c = m
	return nil
}

type fileDoc struct {
	Name              string           `yaml:"name"`
	SearchTolerance   *int             `yaml:"searchTolerance"`
	Cache             *bool            `yaml:"cache"`
	TiledCache        *bool            `yaml:"tiledCache"`
	SimplifyTolerance *float64         `yaml:"simplifyTolerance"`
	Metadata          *fileMetadataDoc `yaml:"metadata"`
	Options           map[string]any   `yaml:"options"`
}

type dataSetDoc struct {
	DataSet struct {
		Format string `yaml:"format"`
		Type   string `yaml:"type"`
	} `yaml:"dataSet"`
	Temporality         *temporalityDoc `yaml:"temporality"`
	ClippingArea        *boxDoc         `yaml:"clippingArea"`
	DeleteFinishedFiles bool            `yaml:"deleteFinishedFiles"`
	CommonQueries       []string        `yaml:"commonQueries"`
	Grid                struct {
		MaxWidth  int `yaml:"maxWidth"`
		MaxHeight int `yaml:"maxHeight"`
	} `yaml:"grid"`
	Contour struct {
		MinLines    int `yaml:"minLines"`
		MaxLines    int `yaml:"maxLines"`
		MinPolygons int `yaml:"minPolygons"`
		MaxPolygons int `yaml:"maxPolygons"`
	} `yaml:"contour"`
	MaxFilesInCache      *int                   `yaml:"maxFilesInCache"`
	MaxTiledFilesInCache *int                   `yaml:"maxTiledFilesInCache"`
	Variables            map[string]variableDoc `yaml:"variables"`
	Files                map[string]fileDoc     `yaml:"files"`
	FilesDefaults        struct {
		SearchTolerance int `yaml:"searchTolerance"`
	} `yaml:"filesDefaults"`
}

// Result is the outcome of reading the configuration directory. Files
// lists every document read with its modification time, also on failure,
// so a watcher can wait for any of them to change.
type Result struct {
	Catalog *Catalog
	Files   map[string]time.Time
}

// Load reads and validates the primary document and every data set
// document it references. Any error invalidates the whole catalog.
func Load(dir string) (Result, error) {
	res := Result{Files: map[string]time.Time{}}

	primaryPath := filepath.Join(dir, PrimaryFile)
	var pd primaryDoc
	if err := readDoc(primaryPath, &pd, res.Files); err != nil {
		return res, err
	}

	summaries := pd.DataSets
	if len(summaries) == 0 {
		summaries = pd.Providers
	}
	if len(summaries) == 0 {
		return res, fmt.Errorf("%s: dataSets not found", primaryPath)
	}

	ws, err := buildWebServer(pd.WebServer)
	if err != nil {
		return res, fmt.Errorf("%s: %w", primaryPath, err)
	}

	cat := &Catalog{WebServer: ws, dataSets: map[string]*DataSet{}}
	for _, code := range sortedKeys(pd.Origins) {
		o := pd.Origins[code]
		cat.Origins = append(cat.Origins, Origin{Code: code, Name: o.Name, URL: o.URL, Logo: o.Logo})
	}

	for _, code := range sortedKeys(summaries) {
		if strings.ContainsAny(code, "_/\\") || code == "" {
			return res, fmt.Errorf("invalid data set code %q", code)
		}
		path, err := findDoc(dir, code)
		if err != nil {
			return res, err
		}
		var dd dataSetDoc
		if err := readDoc(path, &dd, res.Files); err != nil {
			return res, err
		}
		ds, err := buildDataSet(code, summaries[code], dd)
		if err != nil {
			return res, fmt.Errorf("%s: %w", path, err)
		}
		cat.dataSets[code] = ds
		cat.codes = append(cat.codes, code)
	}

	res.Catalog = cat
	return res, nil
}

func findDoc(dir, code string) (string, error) {
	for _, ext := range docExtensions {
		p := filepath.Join(dir, code+ext)
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}
	return "", fmt.Errorf("data set %q: no configuration document in %s", code, dir)
}

func readDoc(path string, into any, seen map[string]time.Time) error {
	st, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("stat %s: %w", path, err)
	}
	seen[path] = st.ModTime()
	b, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(b, into); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	return nil
}

func buildWebServer(d webServerDoc) (WebServer, error) {
	ws := WebServer{
		Protocol: strings.ToLower(strings.TrimSpace(d.Protocol)),
		Port:     d.Port,
		KeyFile:  d.KeyFile,
		CertFile: d.CertFile,
	}
	if ws.Protocol == "" {
		ws.Protocol = "http"
	}
	switch ws.Protocol {
	case "http":
	case "https":
		if ws.KeyFile == "" || ws.CertFile == "" {
			return ws, errors.New("webServer: https requires keyFile and certFile")
		}
	default:
		return ws, fmt.Errorf("webServer: unsupported protocol %q", ws.Protocol)
	}
	if ws.Port < 0 || ws.Port > 65535 {
		return ws, fmt.Errorf("webServer: invalid port %d", ws.Port)
	}
	return ws, nil
}

func buildDataSet(code string, sum summaryDoc, d dataSetDoc) (*DataSet, error) {
	ds := &DataSet{
		Code:                code,
		Name:                sum.Name,
		Type:                firstNonEmpty(d.DataSet.Type, sum.Type),
		Format:              d.DataSet.Format,
		DeleteFinishedFiles: d.DeleteFinishedFiles,
		CommonQueries:       d.CommonQueries,
		Grid:                GridLimits{MaxWidth: d.Grid.MaxWidth, MaxHeight: d.Grid.MaxHeight},
		Contour: ContourLimits{
			MinLines: d.Contour.MinLines, MaxLines: d.Contour.MaxLines,
			MinPolygons: d.Contour.MinPolygons, MaxPolygons: d.Contour.MaxPolygons,
		},
		MaxFilesInCache:      intOr(d.MaxFilesInCache, 30),
		MaxTiledFilesInCache: intOr(d.MaxTiledFilesInCache, 30),
		FilesDefaults:        FileDefaults{SearchTolerance: d.FilesDefaults.SearchTolerance},
	}
	if ds.Name == "" {
		ds.Name = code
	}
	if ds.Type == "" {
		if ds.Format == FormatGeoJSON || len(d.Files) > 0 {
			ds.Type = TypeVector
		} else {
			ds.Type = TypeRaster
		}
	}
	if ds.Grid.MaxWidth <= 0 {
		ds.Grid.MaxWidth = 400
	}
	if ds.Grid.MaxHeight <= 0 {
		ds.Grid.MaxHeight = 400
	}
	c := &ds.Contour
	c.MinLines, c.MaxLines = defaultRange(c.MinLines, c.MaxLines, 10, 40)
	c.MinPolygons, c.MaxPolygons = defaultRange(c.MinPolygons, c.MaxPolygons, 6, 20)

	if d.Temporality == nil {
		return nil, errors.New("temporality is required")
	}
	t, err := buildTemporality(*d.Temporality)
	if err != nil {
		return nil, err
	}
	ds.Temporality = t

	if d.ClippingArea != nil {
		b, err := buildBox(*d.ClippingArea)
		if err != nil {
			return nil, fmt.Errorf("clippingArea: %w", err)
		}
		ds.ClippingArea = &b
	}

	switch ds.Type {
	case TypeRaster:
		if ds.Format != FormatGRIB2 && ds.Format != FormatNetCDF {
			return nil, fmt.Errorf("raster data set: unsupported format %q", ds.Format)
		}
		if ds.CommonQueries == nil {
			ds.CommonQueries = slices.Clone(RasterQueries)
		}
		if err := buildVariables(ds, d.Variables); err != nil {
			return nil, err
		}
	case TypeVector:
		if ds.Format == "" {
			ds.Format = FormatGeoJSON
		}
		if ds.Format != FormatGeoJSON {
			return nil, fmt.Errorf("vector data set: unsupported format %q", ds.Format)
		}
		if ds.Temporality.TimeSource == TimeFromBand {
			return nil, errors.New("vector data set: band time source not supported")
		}
		if err := buildFiles(ds, d.Files); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unsupported data set type %q", ds.Type)
	}
	return ds, nil
}

func buildTemporality(d temporalityDoc) (Temporality, error) {
	if d.none {
		return Temporality{None: true}, nil
	}
	t := Temporality{
		Unit:            strings.ToLower(strings.TrimSpace(d.Unit)),
		Value:           d.Value,
		SearchCriteria:  d.SearchCriteria,
		SearchTolerance: d.SearchTolerance,
		RetainDays:      d.RetainDays,
		TimeSource:      d.TimeSource,
		TimeAttribute:   d.TimeAttribute,
	}
	if t.RetainDays == 0 {
		t.RetainDays = d.Retain
	}
	if strings.HasPrefix(t.Unit, "hour") {
		t.Unit = UnitHours
	}
	if t.Unit == "day" {
		t.Unit = UnitDays
	}
	if t.Value == 0 {
		t.Value = 1
	}
	switch t.Unit {
	case UnitDays:
		if t.Value != 1 {
			return t, fmt.Errorf("temporality: days unit supports value 1 only (got %d)", t.Value)
		}
	case UnitHours:
		if t.Value < 1 || t.Value > 24 {
			return t, fmt.Errorf("temporality: hours value must be in 1..24 (got %d)", t.Value)
		}
	default:
		return t, fmt.Errorf("temporality: unsupported unit %q", d.Unit)
	}
	if t.SearchCriteria == "" {
		t.SearchCriteria = CriteriaStart
	}
	switch t.SearchCriteria {
	case CriteriaStart, CriteriaMiddle, CriteriaEnd:
	default:
		return t, fmt.Errorf("temporality: invalid searchCriteria %q", t.SearchCriteria)
	}
	if t.SearchTolerance < 0 || t.RetainDays < 0 {
		return t, errors.New("temporality: searchTolerance and retainDays must not be negative")
	}
	if t.TimeSource == "" {
		t.TimeSource = TimeFromFile
	}
	switch t.TimeSource {
	case TimeFromFile:
	case TimeFromBand:
		if t.TimeAttribute == "" {
			return t, errors.New("temporality: band time source requires timeAttribute")
		}
	default:
		return t, fmt.Errorf("temporality: invalid timeSource %q", t.TimeSource)
	}
	return t, nil
}

func buildBox(d boxDoc) (Box, error) {
	if d.N == nil || d.S == nil || d.E == nil || d.W == nil {
		return Box{}, errors.New("n, s, e and w are required")
	}
	b := Box{N: *d.N, S: *d.S, E: *d.E, W: *d.W}
	if b.N <= b.S || b.E <= b.W {
		return Box{}, fmt.Errorf("empty box %+v", b)
	}
	return b, nil
}

func buildVariables(ds *DataSet, docs map[string]variableDoc) error {
	if len(docs) == 0 {
		return errors.New("raster data set declares no variables")
	}
	ds.Variables = make(map[string]*Variable, len(docs))
	for _, code := range sortedKeys(docs) {
		if code == "" || strings.ContainsAny(code, "/\\.") {
			return fmt.Errorf("invalid variable code %q", code)
		}
		v, err := buildVariable(code, docs[code])
		if err != nil {
			return fmt.Errorf("variable %s: %w", code, err)
		}
		ds.Variables[code] = v
		ds.VariableCodes = append(ds.VariableCodes, code)
	}

	for _, code := range ds.VariableCodes {
		v := ds.Variables[code]
		if v.Vector != nil {
			for _, ref := range []string{v.Vector.U, v.Vector.V} {
				if _, ok := ds.Variables[ref]; !ok || ref == code {
					return fmt.Errorf("variable %s: vector component %q is not a variable of the data set", code, ref)
				}
			}
		}
		if v.Calculated != nil {
			for _, dep := range v.Calculated.Dependencies() {
				if _, ok := ds.Variables[dep]; !ok || dep == code {
					return fmt.Errorf("variable %s: calculated source %q is not a variable of the data set", code, dep)
				}
			}
		}
	}

	order, err := calculatedOrder(ds)
	if err != nil {
		return err
	}
	ds.calcOrder = order
	return nil
}

func buildVariable(code string, d variableDoc) (*Variable, error) {
	v := &Variable{
		Code:            code,
		Name:            firstNonEmpty(d.Name, code),
		Unit:            d.Unit,
		Transform:       strings.TrimSpace(d.Transform),
		SearchTolerance: d.SearchTolerance,
		Queries:         d.Queries,
		Options:         plainMap(d.Options),
	}
	if v.SearchTolerance != nil && *v.SearchTolerance < 0 {
		return nil, errors.New("searchTolerance must not be negative")
	}

	for _, k := range sortedKeys(d.Selector) {
		val, ok := ValueOf(d.Selector[k])
		if !ok {
			return nil, fmt.Errorf("selector %q: value must be a string or number", k)
		}
		v.Selector = append(v.Selector, Condition{Key: k, Expected: val})
	}

	if d.Calculated != nil {
		if len(v.Selector) > 0 {
			return nil, errors.New("a calculated variable cannot declare a selector")
		}
		calc := &Calculated{Sources: map[string]string{}}
		for _, k := range sortedKeys(d.Calculated) {
			s, ok := d.Calculated[k].(string)
			if !ok || strings.TrimSpace(s) == "" {
				return nil, fmt.Errorf("calculated %q: expected a non-empty string", k)
			}
			if k == "formula" {
				calc.Formula = s
				continue
			}
			calc.Sources[k] = s
			calc.Names = append(calc.Names, k)
		}
		if calc.Formula == "" {
			return nil, errors.New("calculated: formula is required")
		}
		if len(calc.Sources) == 0 {
			return nil, errors.New("calculated: at least one source variable is required")
		}
		if _, err := formula.Compile(calc.Formula, calc.Names...); err != nil {
			return nil, fmt.Errorf("calculated: %w", err)
		}
		v.Calculated = calc
	}

	if d.Vector != nil {
		if d.Vector.U == "" || d.Vector.V == "" {
			return nil, errors.New("vector: u and v are required")
		}
		v.Vector = &VectorSpec{U: d.Vector.U, V: d.Vector.V}
	}

	if len(v.Selector) == 0 && v.Calculated == nil && v.Vector == nil {
		return nil, errors.New("a selector, calculated or vector definition is required")
	}

	if v.Transform != "" {
		if _, err := formula.Compile(v.Transform, "Z"); err != nil {
			return nil, fmt.Errorf("transform: %w", err)
		}
	}

	if d.Levels != nil {
		if d.Levels.Attribute == "" {
			return nil, errors.New("levels: attribute is required")
		}
		if len(d.Levels.Values) == 0 {
			return nil, errors.New("levels: values are required")
		}
		if n := len(d.Levels.Descriptions); n != 0 && n != len(d.Levels.Values) {
			return nil, fmt.Errorf("levels: %d descriptions for %d values", n, len(d.Levels.Values))
		}
		lv := &Levels{Attribute: d.Levels.Attribute, Descriptions: d.Levels.Descriptions}
		for i, raw := range d.Levels.Values {
			val, ok := ValueOf(raw)
			if !ok {
				return nil, fmt.Errorf("levels: value %d must be a string or number", i)
			}
			lv.Values = append(lv.Values, val)
		}
		v.Levels = lv
	}
	return v, nil
}

// calculatedOrder sorts calculated variables by dependency depth and
// rejects cycles between them.
func calculatedOrder(ds *DataSet) ([]*Variable, error) {
	const (
		unvisited = iota
		visiting
		done
	)
	state := map[string]int{}
	var out []*Variable
	var visit func(code string) error
	visit = func(code string) error {
		v := ds.Variables[code]
		if v.Calculated == nil {
			return nil
		}
		switch state[code] {
		case visiting:
			return fmt.Errorf("variable %s: calculated dependency cycle", code)
		case done:
			return nil
		}
		state[code] = visiting
		for _, dep := range v.Calculated.Dependencies() {
			if err := visit(dep); err != nil {
				return err
			}
		}
		state[code] = done
		out = append(out, v)
		return nil
	}
	for _, code := range ds.VariableCodes {
		if err := visit(code); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func buildFiles(ds *DataSet, docs map[string]fileDoc) error {
	if len(docs) == 0 {
		return errors.New("vector data set declares no files")
	}
	ds.Files = make(map[string]*File, len(docs))
	for _, code := range sortedKeys(docs) {
		if code == "" || strings.ContainsAny(code, "_/\\.") {
			return fmt.Errorf("invalid file code %q", code)
		}
		d := docs[code]
		f := &File{
			Code:              code,
			Name:              firstNonEmpty(d.Name, code),
			SearchTolerance:   d.SearchTolerance,
			Cache:             boolOr(d.Cache, true),
			TiledCache:        boolOr(d.TiledCache, true),
			SimplifyTolerance: 5,
			Options:           plainMap(d.Options),
		}
		if d.SimplifyTolerance != nil {
			f.SimplifyTolerance = *d.SimplifyTolerance
		}
		if f.SimplifyTolerance < 0 {
			return fmt.Errorf("file %s: simplifyTolerance must not be negative", code)
		}
		if m := d.Metadata; m != nil {
			if m.H3Resolution < 0 || m.H3Resolution > 15 {
				return fmt.Errorf("file %s: h3Resolution must be in 0..15", code)
			}
			f.Metadata = &FileMetadata{
				IDProperty:     m.IDProperty,
				NameProperty:   m.NameProperty,
				CopyProperties: map[string]string(m.CopyProperties),
				Centroid:       m.Centroid,
				Center:         m.Center,
				H3Resolution:   m.H3Resolution,
			}
		}
		ds.Files[code] = f
		ds.FileCodes = append(ds.FileCodes, code)
	}
	return nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// plainMap converts YAML decoded maps so they can be encoded as JSON.
func plainMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = plain(v)
	}
	return out
}

func plain(x any) any {
	switch t := x.(type) {
	case map[any]any:
		out := make(map[string]any, len(t))
		for k, v := range t {
			out[fmt.Sprint(k)] = plain(v)
		}
		return out
	case map[string]any:
		return plainMap(t)
	case []any:
		out := make([]any, len(t))
		for i, v := range t {
			out[i] = plain(v)
		}
		return out
	default:
		return x
	}
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func intOr(p *int, def int) int {
	if p == nil {
		return def
	}
	return *p
}

func boolOr(p *bool, def bool) bool {
	if p == nil {
		return def
	}
	return *p
}

func defaultRange(lo, hi, defLo, defHi int) (int, int) {
	if lo <= 0 {
		lo = defLo
	}
	if hi <= 0 {
		hi = defHi
	}
	if hi < lo {
		hi = lo
	}
	return lo, hi
}
