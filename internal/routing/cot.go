package routing

import (
	"fmt"
	"time"
)

// Marker is a named cut-off time of day in HH:MM
type Marker struct {
	Name string `json:"name" yaml:"name"`
	At   string `json:"at" yaml:"at"`
}

func (m Marker) minutes() (int, error) {
	t, err := time.Parse("15:04", m.At)
	if err != nil {
		return 0, fmt.Errorf("invalid cut-off time %q of marker %s: %w", m.At, m.Name, err)
	}
	return t.Hour()*60 + t.Minute(), nil
}

// ActiveMarker returns the name of the marker whose time passed most recently
// at now. Before the first marker of the day the last marker of the previous
// day is still active.
func ActiveMarker(markers []Marker, now time.Time) (string, error) {
	current := now.Hour()*60 + now.Minute()
	active, latest := "", ""
	activeAt, latestAt := -1, -1
	for _, m := range markers {
		at, err := m.minutes()
		if err != nil {
			return "", err
		}
		if at <= current && at > activeAt {
			active, activeAt = m.Name, at
		}
		if at > latestAt {
			latest, latestAt = m.Name, at
		}
	}
	if active == "" {
		return latest, nil
	}
	return active, nil
}

// ActiveSubSchemas returns the sub-schemas enabled under marker
func ActiveSubSchemas(defs []SubSchemaDef, marker string) []SubSchemaDef {
	active := make([]SubSchemaDef, 0, len(defs))
	for _, d := range defs {
		if d.Marker == "" || d.Marker == marker {
			active = append(active, d)
		}
	}
	return active
}
