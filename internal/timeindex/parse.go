package timeindex

import (
	"fmt"
	"strconv"
	"strings"
	"time"
	"unicode"
)

var queryLayouts = map[int]string{
	7:  "2006-01",
	10: "2006-01-02",
	13: "2006-01-02 15",
	16: "2006-01-02 15:04",
	19: "2006-01-02 15:04:05",
}

// ParseQueryTime reads a request time: "now", a millisecond epoch, a bare
// year, or a partial ISO date/time in UTC.
func ParseQueryTime(text string, now time.Time) (time.Time, bool) {
	s := strings.TrimSpace(text)
	if s == "" {
		return time.Time{}, false
	}
	if strings.EqualFold(s, "now") {
		return now.UTC(), true
	}
	if isDigits(s) {
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return time.Time{}, false
		}
		switch {
		case n > 10_000_000:
			return time.UnixMilli(n).UTC(), true
		case n >= 1970 && n <= 2500:
			return time.Date(int(n), 1, 1, 0, 0, 0, 0, time.UTC), true
		default:
			return time.Time{}, false
		}
	}

	s = strings.TrimSuffix(s, "Z")
	s = strings.Replace(s, "T", " ", 1)
	layout, ok := queryLayouts[len(s)]
	if !ok {
		return time.Time{}, false
	}
	t, err := time.ParseInLocation(layout, s, time.UTC)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

func isDigits(s string) bool {
	for _, r := range s {
		if !unicode.IsDigit(r) {
			return false
		}
	}
	return true
}

// BandTime reads a per-band time attribute such as GRIB_VALID_TIME
// ("1685620800 sec UTC") or an RFC 3339 timestamp.
func BandTime(value string) (time.Time, error) {
	s := strings.TrimSpace(value)
	end := 0
	for end < len(s) && s[end] >= '0' && s[end] <= '9' {
		end++
	}
	if end > 0 {
		secs, err := strconv.ParseInt(s[:end], 10, 64)
		if err == nil {
			return time.Unix(secs, 0).UTC(), nil
		}
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.UTC(), nil
	}
	return time.Time{}, fmt.Errorf("%w: band time %q", ErrInvalidTime, value)
}

// Formatted is the JSON representation of instants in responses.
type Formatted struct {
	MsUTC     int64  `json:"msUTC"`
	Formatted string `json:"formatted"`
}

func Format(t time.Time) *Formatted {
	if t.IsZero() {
		return nil
	}
	return &Formatted{MsUTC: t.UnixMilli(), Formatted: t.UTC().Format("2006-01-02 15:04")}
}
