package query

import (
	"github.com/geoos/geoarchive/internal/catalog"
)

type Description struct {
	Origins  []catalog.Origin     `json:"origins"`
	DataSets []DataSetDescription `json:"dataSets"`
}

type DataSetDescription struct {
	Code        string                `json:"code"`
	Name        string                `json:"name"`
	Type        string                `json:"type"`
	Temporality any                   `json:"temporality"`
	Variables   []VariableDescription `json:"variables,omitempty"`
	Files       []FileDescription     `json:"files,omitempty"`
}

type LevelDescription struct {
	Index       int    `json:"index"`
	Value       string `json:"value"`
	Description string `json:"description,omitempty"`
}

type VariableDescription struct {
	Code    string             `json:"code"`
	Name    string             `json:"name"`
	Unit    string             `json:"unit,omitempty"`
	Levels  []LevelDescription `json:"levels,omitempty"`
	Queries []string           `json:"queries"`
	Options map[string]any     `json:"options"`
}

type FileDescription struct {
	Code    string         `json:"code"`
	Name    string         `json:"name"`
	Options map[string]any `json:"options"`
}

type temporalityDescription struct {
	Unit  string `json:"unit"`
	Value int    `json:"value"`
}

// Describe lists what the archive serves, for clients building their menus.
func Describe(cat *catalog.Catalog) Description {
	out := Description{Origins: cat.Origins, DataSets: []DataSetDescription{}}
	if out.Origins == nil {
		out.Origins = []catalog.Origin{}
	}
	for _, ds := range cat.DataSets() {
		d := DataSetDescription{Code: ds.Code, Name: ds.Name, Type: ds.Type, Temporality: "none"}
		if !ds.Temporality.None {
			d.Temporality = temporalityDescription{Unit: ds.Temporality.Unit, Value: ds.Temporality.Value}
		}
		for _, code := range ds.VariableCodes {
			v := ds.Variables[code]
			vd := VariableDescription{Code: v.Code, Name: v.Name, Unit: v.Unit, Queries: queries(ds, v), Options: orEmpty(v.Options)}
			if v.Levels != nil {
				for i, lv := range v.Levels.Values {
					ld := LevelDescription{Index: i, Value: lv.String()}
					if i < len(v.Levels.Descriptions) {
						ld.Description = v.Levels.Descriptions[i]
					}
					vd.Levels = append(vd.Levels, ld)
				}
			}
			d.Variables = append(d.Variables, vd)
		}
		for _, code := range ds.FileCodes {
			f := ds.Files[code]
			d.Files = append(d.Files, FileDescription{Code: f.Code, Name: f.Name, Options: orEmpty(f.Options)})
		}
		out.DataSets = append(out.DataSets, d)
	}
	return out
}

func queries(ds *catalog.DataSet, v *catalog.Variable) []string {
	out := []string{}
	for _, q := range catalog.RasterQueries {
		if !ds.Allows(v, q) {
			continue
		}
		if q == QueryVectorsGrid && v.Vector == nil {
			continue
		}
		if q != QueryVectorsGrid && v.Vector != nil {
			continue
		}
		out = append(out, q)
	}
	return out
}

func orEmpty(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}
