// Package timeindex maps instants onto a data set's temporal grid: file
// name tokens, archive directories, bucket normalization and stepping.
package timeindex

import (
	"errors"
	"fmt"
	"time"

	"github.com/geoos/geoarchive/internal/catalog"
)

var ErrInvalidTime = errors.New("invalid time")

const (
	dayLayout  = "2006-01-02"
	hourLayout = "2006-01-02_15-04"
)

// Index applies one temporality. The zero value behaves as "none".
type Index struct {
	t catalog.Temporality
}

func New(t catalog.Temporality) Index {
	if t.Unit == "" {
		t.None = true
	}
	return Index{t: t}
}

func (ix Index) None() bool { return ix.t.None }

func (ix Index) hours() bool { return !ix.t.None && ix.t.Unit == catalog.UnitHours }

func (ix Index) layout() string {
	switch {
	case ix.t.None:
		return ""
	case ix.hours():
		return hourLayout
	default:
		return dayLayout
	}
}

// TokenLength is the length of the time token in file names, 0 for none.
func (ix Index) TokenLength() int { return len(ix.layout()) }

// Period is the length of one bucket.
func (ix Index) Period() time.Duration {
	if ix.hours() {
		return time.Duration(ix.t.Value) * time.Hour
	}
	return 24 * time.Hour
}

// ParseFileTime reads the token starting at offset in name. ok is false
// for data sets without temporality.
func (ix Index) ParseFileTime(name string, offset int) (t time.Time, ok bool, err error) {
	layout := ix.layout()
	if layout == "" {
		return time.Time{}, false, nil
	}
	if offset < 0 || offset+len(layout) > len(name) {
		return time.Time{}, false, fmt.Errorf("%w: no %s token at offset %d of %q", ErrInvalidTime, layout, offset, name)
	}
	tok := name[offset : offset+len(layout)]
	t, err = time.ParseInLocation(layout, tok, time.UTC)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("%w: token %q does not match %s", ErrInvalidTime, tok, layout)
	}
	return t, true, nil
}

// FormatFileTime is the inverse of ParseFileTime.
func (ix Index) FormatFileTime(t time.Time) string {
	layout := ix.layout()
	if layout == "" {
		return ""
	}
	return t.UTC().Format(layout)
}

// Validate checks that t falls exactly on the temporal grid.
func (ix Index) Validate(t time.Time) error {
	if ix.t.None {
		return nil
	}
	t = t.UTC()
	if ix.hours() {
		if t.Minute() != 0 || t.Second() != 0 || t.Nanosecond() != 0 {
			return fmt.Errorf("%w: minutes must be 00 for hourly data (%s)", ErrInvalidTime, t.Format(time.RFC3339))
		}
		if t.Hour()%ix.t.Value != 0 {
			return fmt.Errorf("%w: hour must be a multiple of %d (%s)", ErrInvalidTime, ix.t.Value, t.Format(time.RFC3339))
		}
		return nil
	}
	if t.Hour() != 0 || t.Minute() != 0 || t.Second() != 0 || t.Nanosecond() != 0 {
		return fmt.Errorf("%w: hours, minutes and seconds must be 00 for daily data (%s)", ErrInvalidTime, t.Format(time.RFC3339))
	}
	return nil
}

// PathForTime is the archive directory, relative to the data set root.
func (ix Index) PathForTime(t time.Time) string {
	switch {
	case ix.t.None:
		return ""
	case ix.hours():
		return t.UTC().Format("2006/01/02")
	default:
		return t.UTC().Format("2006/01")
	}
}

func (ix Index) periodStart(t time.Time) time.Time {
	t = t.UTC()
	day := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	if !ix.hours() {
		return day
	}
	hh := (t.Hour() / ix.t.Value) * ix.t.Value
	return day.Add(time.Duration(hh) * time.Hour)
}

// Normalize snaps t to its bucket under the configured search criteria.
// direction is the side of the bucket to search first when it is missing.
func (ix Index) Normalize(t time.Time) (bucket time.Time, direction int) {
	if ix.t.None {
		return time.Time{}, 1
	}
	start := ix.periodStart(t)
	period := ix.Period()
	firstHalf := t.Before(start.Add(period / 2))

	switch ix.t.SearchCriteria {
	case catalog.CriteriaMiddle:
		if firstHalf {
			return start, 1
		}
		return start.Add(period), -1
	case catalog.CriteriaEnd:
		return start.Add(period), halfDirection(firstHalf)
	default:
		return start, halfDirection(firstHalf)
	}
}

func halfDirection(firstHalf bool) int {
	if firstHalf {
		return -1
	}
	return 1
}

// Step moves t by one period in direction.
func (ix Index) Step(t time.Time, direction int) time.Time {
	if ix.t.None {
		return t
	}
	if ix.hours() {
		return t.Add(time.Duration(direction*ix.t.Value) * time.Hour)
	}
	return t.AddDate(0, 0, direction)
}
