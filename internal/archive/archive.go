// Package archive owns the on-disk layout of the data directory: staging
// folders for incoming files and the dataset/time tree holding archived
// payloads with their JSON sidecars.
package archive

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/geoos/geoarchive/internal/catalog"
	"github.com/geoos/geoarchive/internal/spatial"
	"github.com/geoos/geoarchive/internal/timeindex"
)

// Staging directories under the data root.
const (
	Import    = "import"
	Working   = "working"
	Finished  = "finished"
	Errors    = "files-with-errors"
	Discarded = "discarded"
	Tmp       = "tmp"
)

var stagingDirs = []string{Import, Working, Finished, Errors, Discarded, Tmp}

type Layout struct {
	Root string
}

func New(root string) Layout { return Layout{Root: root} }

// Dir returns a staging directory.
func (l Layout) Dir(name string) string { return filepath.Join(l.Root, name) }

// EnsureDirs creates every staging directory.
func (l Layout) EnsureDirs() error {
	for _, d := range stagingDirs {
		if err := os.MkdirAll(l.Dir(d), 0o755); err != nil {
			return fmt.Errorf("create %s: %w", d, err)
		}
	}
	return nil
}

// DataSetDir is the root of one data set's archive tree.
func (l Layout) DataSetDir(ds *catalog.DataSet) string { return filepath.Join(l.Root, ds.Code) }

func (l Layout) dir(ds *catalog.DataSet, t time.Time) string {
	return filepath.Join(l.DataSetDir(ds), filepath.FromSlash(timeindex.New(ds.Temporality).PathForTime(t)))
}

// Name builds <code>[_<level>][_<token>] for an archived entry.
func Name(ds *catalog.DataSet, code string, level *int, t time.Time) string {
	name := code
	if level != nil {
		name += "_" + strconv.Itoa(*level)
	}
	if token := timeindex.New(ds.Temporality).FormatFileTime(t); token != "" {
		name += "_" + token
	}
	return name
}

// Path returns the payload path of a raster variable at a time bucket.
func (l Layout) Path(ds *catalog.DataSet, varCode string, level *int, t time.Time) string {
	return filepath.Join(l.dir(ds, t), Name(ds, varCode, level, t)+ds.Extension())
}

// FilePath returns the path of an archived vector file.
func (l Layout) FilePath(ds *catalog.DataSet, fileCode string, t time.Time) string {
	return filepath.Join(l.dir(ds, t), Name(ds, fileCode, nil, t)+catalog.ExtensionFor(catalog.FormatGeoJSON))
}

// SidecarPath swaps the payload extension for .json.
func SidecarPath(payload string) string {
	return strings.TrimSuffix(payload, filepath.Ext(payload)) + ".json"
}

// Exists reports whether a regular file is present.
func Exists(path string) (bool, error) {
	st, err := os.Stat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return st.Mode().IsRegular(), nil
}

// Sidecar describes one archived raster payload.
type Sidecar struct {
	World    spatial.World  `json:"world"`
	Min      *float64       `json:"min,omitempty"`
	Max      *float64       `json:"max,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

func ReadSidecar(path string) (*Sidecar, error) {
	var sc Sidecar
	if err := ReadJSON(path, &sc); err != nil {
		return nil, err
	}
	return &sc, nil
}

func ReadJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

// WriteJSON writes v to a temp file in tmpDir and renames it into place, so
// readers never observe a partial document.
func WriteJSON(tmpDir, path string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", filepath.Base(path), err)
	}
	f, err := os.CreateTemp(tmpDir, "sidecar-*.json")
	if err != nil {
		return fmt.Errorf("temp sidecar: %w", err)
	}
	tmp := f.Name()
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return fmt.Errorf("write sidecar: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("close sidecar: %w", err)
	}
	return Place(tmp, path)
}

// Place moves a finished temp file to its archive path, creating parents.
func Place(tmp, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("create %s: %w", filepath.Dir(path), err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("place %s: %w", filepath.Base(path), err)
	}
	return nil
}

// TempPath returns a fresh, unused path in the tmp staging dir with ext.
func (l Layout) TempPath(ext string) (string, error) {
	f, err := os.CreateTemp(l.Dir(Tmp), "tmp_*"+ext)
	if err != nil {
		return "", fmt.Errorf("temp file: %w", err)
	}
	name := f.Name()
	_ = f.Close()
	_ = os.Remove(name)
	return name, nil
}
