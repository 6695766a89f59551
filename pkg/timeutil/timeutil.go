package timeutil

import (
	"bytes"
	"strings"
	"sync"
	"time"
	_ "time/tzdata"

	"github.com/juju/errors"
)

// DefaultZone is the zone wire timestamps are interpreted in unless
// configured otherwise.
const DefaultZone = "Asia/Seoul"

// WireLayout is the naive local-time format used on every external
// surface. It never carries an offset.
const WireLayout = "2006-01-02T15:04:05.000000"

const parseLayout = "2006-01-02T15:04:05.999999999"

var (
	zoneMu sync.RWMutex
	zone   = mustLoad(DefaultZone)
)

func mustLoad(name string) *time.Location {
	loc, err := time.LoadLocation(name)
	if err != nil {
		panic(err)
	}
	return loc
}

// SetZone switches the system-wide zone.
func SetZone(name string) error {
	loc, err := time.LoadLocation(strings.TrimSpace(name))
	if err != nil {
		return errors.NotValidf("time zone %q", name)
	}
	zoneMu.Lock()
	zone = loc
	zoneMu.Unlock()
	return nil
}

// Zone returns the configured zone.
func Zone() *time.Location {
	zoneMu.RLock()
	defer zoneMu.RUnlock()
	return zone
}

// Now returns the current instant expressed in the configured zone.
func Now() time.Time {
	return time.Now().In(Zone())
}

// Format renders t as a naive local string in the configured zone.
func Format(t time.Time) string {
	return t.In(Zone()).Format(WireLayout)
}

// Parse reads a naive local string in the configured zone. A trailing
// offset or Z is rejected.
func Parse(s string) (time.Time, error) {
	if strings.HasSuffix(s, "Z") || hasOffset(s) {
		return time.Time{}, errors.NotValidf("timestamp %q with zone designator", s)
	}
	t, err := time.ParseInLocation(parseLayout, s, Zone())
	if err != nil {
		return time.Time{}, errors.NotValidf("timestamp %q", s)
	}
	return t, nil
}

func hasOffset(s string) bool {
	i := strings.IndexByte(s, 'T')
	if i < 0 {
		return false
	}
	rest := s[i:]
	return strings.ContainsAny(rest, "+") || strings.Count(rest, "-") > 0
}

// LocalTime is a time.Time that crosses the wire as a naive local string.
type LocalTime struct {
	time.Time
}

func NewLocalTime(t time.Time) LocalTime { return LocalTime{Time: t} }

func (t LocalTime) MarshalJSON() ([]byte, error) {
	if t.IsZero() {
		return []byte("null"), nil
	}
	return []byte(`"` + Format(t.Time) + `"`), nil
}

func (t *LocalTime) UnmarshalJSON(b []byte) error {
	if bytes.Equal(b, []byte("null")) {
		t.Time = time.Time{}
		return nil
	}
	if len(b) < 2 || b[0] != '"' || b[len(b)-1] != '"' {
		return errors.NotValidf("timestamp %s", string(b))
	}
	parsed, err := Parse(string(b[1 : len(b)-1]))
	if err != nil {
		return err
	}
	t.Time = parsed
	return nil
}

func (t LocalTime) String() string {
	return Format(t.Time)
}
