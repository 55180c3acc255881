package brgps

import (
	"bytes"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
)

var (
	latitudeAliases  = []string{"lat", "latitude"}
	longitudeAliases = []string{"lon", "lng", "longitude"}
)

const (
	fieldID        = "id"
	fieldSpeed     = "speed"
	fieldDirection = "direction"
	fieldTimestamp = "timestamp"
	fieldBattery   = "battery"

	// maxEpochSeconds is 9999-12-31T23:59:59Z.
	maxEpochSeconds = 253402300799
)

var (
	// ErrMissingCoordinates indicates an entry without a latitude or longitude alias.
	ErrMissingCoordinates = errors.New("brgps: position has no latitude/longitude")
	// ErrInvalidCoordinates indicates a coordinate that is not a finite in-range number.
	ErrInvalidCoordinates = errors.New("brgps: invalid coordinates")
)

// Entry is one element of a normalized batch response.
type Entry struct {
	raw    json.RawMessage
	fields map[string]json.RawMessage
}

func newEntry(raw json.RawMessage, fields map[string]json.RawMessage) Entry {
	return Entry{raw: raw, fields: fields}
}

// Raw returns the verbatim response fragment for this entry.
func (e Entry) Raw() []byte {
	return []byte(e.raw)
}

// ProviderID returns the entry's id field, stringified.
func (e Entry) ProviderID() (string, bool) {
	value, ok := e.fields[fieldID]
	if !ok {
		return "", false
	}
	trimmed := bytes.TrimSpace(value)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return "", false
	}
	if trimmed[0] == '"' {
		var text string
		if err := json.Unmarshal(trimmed, &text); err != nil {
			return "", false
		}
		return text, true
	}
	return string(trimmed), true
}

// Position is a parsed upstream position.
type Position struct {
	Latitude     float64
	Longitude    float64
	Speed        *float64
	Heading      *float64
	EpochSeconds *float64
	Battery      *int
}

// ObservedAt returns the upstream timestamp, or now when none was supplied.
func (p Position) ObservedAt(now time.Time) time.Time {
	if p.EpochSeconds == nil || !validEpochSeconds(*p.EpochSeconds) {
		return now.UTC()
	}
	return time.UnixMilli(int64(math.Round(*p.EpochSeconds * 1000))).UTC()
}

// Position parses the entry using the recognized field aliases.
func (e Entry) Position() (Position, error) {
	latitude, hasLatitude, err := e.firstNumber(latitudeAliases)
	if err != nil {
		return Position{}, fmt.Errorf("%w: latitude: %v", ErrInvalidCoordinates, err)
	}
	longitude, hasLongitude, err := e.firstNumber(longitudeAliases)
	if err != nil {
		return Position{}, fmt.Errorf("%w: longitude: %v", ErrInvalidCoordinates, err)
	}
	if !hasLatitude || !hasLongitude {
		return Position{}, ErrMissingCoordinates
	}
	if math.IsNaN(latitude) || math.IsInf(latitude, 0) || latitude < -90 || latitude > 90 {
		return Position{}, fmt.Errorf("%w: latitude %v out of range", ErrInvalidCoordinates, latitude)
	}
	if math.IsNaN(longitude) || math.IsInf(longitude, 0) || longitude < -180 || longitude > 180 {
		return Position{}, fmt.Errorf("%w: longitude %v out of range", ErrInvalidCoordinates, longitude)
	}

	position := Position{Latitude: latitude, Longitude: longitude}
	if speed, ok, err := e.number(fieldSpeed); err == nil && ok {
		position.Speed = &speed
	}
	if heading, ok, err := e.number(fieldDirection); err == nil && ok {
		position.Heading = &heading
	}
	if seconds, ok, err := e.number(fieldTimestamp); err == nil && ok && validEpochSeconds(seconds) {
		position.EpochSeconds = &seconds
	}
	if battery, ok, err := e.number(fieldBattery); err == nil && ok && battery == math.Trunc(battery) {
		level := int(battery)
		position.Battery = &level
	}
	return position, nil
}

func (e Entry) firstNumber(aliases []string) (float64, bool, error) {
	for _, alias := range aliases {
		value, ok, err := e.number(alias)
		if err != nil {
			return 0, false, err
		}
		if ok {
			return value, true, nil
		}
	}
	return 0, false, nil
}

// number reads a field sent either as a JSON number or a numeric string.
// Absent, null and empty-string values report ok=false.
func (e Entry) number(field string) (float64, bool, error) {
	value, present := e.fields[field]
	if !present {
		return 0, false, nil
	}
	trimmed := bytes.TrimSpace(value)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return 0, false, nil
	}
	text := string(trimmed)
	if trimmed[0] == '"' {
		if err := json.Unmarshal(trimmed, &text); err != nil {
			return 0, false, err
		}
		text = strings.TrimSpace(text)
		if text == "" {
			return 0, false, nil
		}
	}
	parsed, err := strconv.ParseFloat(text, 64)
	if err != nil {
		return 0, false, fmt.Errorf("field %s: %q is not numeric", field, text)
	}
	return parsed, true, nil
}

// validEpochSeconds accepts positive finite timestamps up to the year 9999.
func validEpochSeconds(seconds float64) bool {
	return !math.IsNaN(seconds) && seconds > 0 && seconds <= maxEpochSeconds
}
