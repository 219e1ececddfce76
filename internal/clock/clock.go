// Package clock provides the wall/monotonic time and local-zone conversion
// service used throughout the agent. It is deliberately tiny: a fixed local
// zone (configured once at startup) and helpers to move between that zone
// and UTC, plus the ISO-8601 and "blank decimal" timestamp renderings the
// wire format requires.
package clock

import (
	"fmt"
	"time"
)

// Service converts between a fixed local zone and UTC and renders
// timestamps. A Service is immutable after construction, so it is safe for
// concurrent use by the watcher and any sub-sinks.
type Service struct {
	loc *time.Location
}

// New returns a Service anchored to the named IANA zone (e.g. "America/Los_Angeles").
// An empty name means the process's local zone.
func New(zoneName string) (*Service, error) {
	if zoneName == "" {
		return &Service{loc: time.Local}, nil
	}
	loc, err := time.LoadLocation(zoneName)
	if err != nil {
		return nil, err
	}
	return &Service{loc: loc}, nil
}

// Now returns the current wall time in the service's local zone.
func (s *Service) Now() time.Time {
	return time.Now().In(s.loc)
}

// NowUTC returns the current wall time in UTC.
func (s *Service) NowUTC() time.Time {
	return time.Now().UTC()
}

// Location returns the configured local zone, logged once at startup so an
// operator can confirm which zone error-log timestamps are interpreted in.
func (s *Service) Location() *time.Location {
	return s.loc
}

// AccessLocalToUTC parses an nginx access-log timestamp of the form
// "[03/Aug/2015:12:53:06 -0700]" (brackets included) and returns the UTC
// epoch second. The offset is embedded in the string itself, so the
// service's configured zone is not consulted for this variant.
func (s *Service) AccessLocalToUTC(bracketed string) (int64, error) {
	trimmed := bracketed
	if len(trimmed) >= 2 && trimmed[0] == '[' && trimmed[len(trimmed)-1] == ']' {
		trimmed = trimmed[1 : len(trimmed)-1]
	}
	t, err := time.Parse("02/Jan/2006:15:04:05 -0700", trimmed)
	if err != nil {
		return 0, err
	}
	return t.UTC().Unix(), nil
}

// ErrorLocalToUTC parses an nginx error-log timestamp of the form
// "2015/08/03 17:48:28", interpreted in the service's configured local
// zone, and returns the UTC epoch second.
func (s *Service) ErrorLocalToUTC(local string) (int64, error) {
	t, err := time.ParseInLocation("2006/01/02 15:04:05", local, s.loc)
	if err != nil {
		return 0, err
	}
	return t.UTC().Unix(), nil
}

// ParseNextRotation parses "nr" (spec §6: "10 digits YYMMDDHHMM"),
// interpreted in the service's configured local zone, and returns the UTC
// epoch second.
func (s *Service) ParseNextRotation(nr string) (int64, error) {
	if len(nr) != 10 {
		return 0, fmt.Errorf("nr: want 10 digits, got %q", nr)
	}
	t, err := time.ParseInLocation("0601021504", nr, s.loc)
	if err != nil {
		return 0, fmt.Errorf("nr: %q: %w", nr, err)
	}
	return t.UTC().Unix(), nil
}

// ISO renders a UTC epoch second as "2006-01-02 15:04:05" UTC, the mirror
// format used in rotation-state JSON.
func ISO(utcSeconds int64) string {
	return time.Unix(utcSeconds, 0).UTC().Format("2006-01-02 15:04:05")
}

// BlankDecimalTS renders ts as a 15-wide field with 4 decimal digits, then
// blanks the 4 fractional digits while keeping the decimal point, e.g.
// "1438631586.    ". This exact shape is load-bearing for a downstream
// consumer (spec §4.2) and must not be reformatted.
func BlankDecimalTS(utcSeconds int64) string {
	formatted := fmt.Sprintf("%15.4f", float64(utcSeconds))
	if len(formatted) >= 4 {
		tail := formatted[len(formatted)-4:]
		if tail == "0000" {
			return formatted[:len(formatted)-4] + "    "
		}
	}
	return formatted
}
