package traccar

import (
	"strconv"
	"strings"
	"time"
)

const (
	knotsPerKmh     = 0.539957
	timestampLayout = "2006-01-02T15:04:05.000Z07:00"

	paramID        = "id"
	paramLatitude  = "lat"
	paramLongitude = "lon"
	paramTimestamp = "timestamp"
	paramSpeed     = "speed"
	paramBearing   = "bearing"
	paramValid     = "valid"
	paramBattery   = "batt"
)

// Report is one stored position addressed to a sink.
type Report struct {
	DeviceID     string
	PositionID   string
	ProviderID   string
	SinkURL      string
	Latitude     float64
	Longitude    float64
	SpeedKmh     *float64
	Heading      *float64
	BatteryLevel *int
	ObservedAt   time.Time
}

// BatteryPercentage maps the provider's 0-3 battery code onto a percentage.
// Any other code, including -1, has no mapping.
func BatteryPercentage(level *int) (int, bool) {
	if level == nil {
		return 0, false
	}
	switch *level {
	case 3:
		return 100, true
	case 2:
		return 70, true
	case 1:
		return 35, true
	case 0:
		return 10, true
	default:
		return 0, false
	}
}

type queryParam struct {
	key   string
	value string
}

// payload is the ordered OsmAnd parameter list for one report.
type payload []queryParam

func buildPayload(report Report) payload {
	speedKnots := 0.0
	if report.SpeedKmh != nil {
		speedKnots = *report.SpeedKmh * knotsPerKmh
	}
	bearing := 0.0
	if report.Heading != nil {
		bearing = *report.Heading
	}

	params := payload{
		{key: paramID, value: report.ProviderID},
		{key: paramLatitude, value: formatFloat(report.Latitude)},
		{key: paramLongitude, value: formatFloat(report.Longitude)},
		{key: paramTimestamp, value: report.ObservedAt.UTC().Format(timestampLayout)},
		{key: paramSpeed, value: formatFloat(speedKnots)},
		{key: paramBearing, value: formatFloat(bearing)},
		{key: paramValid, value: "true"},
	}
	if percentage, ok := BatteryPercentage(report.BatteryLevel); ok {
		params = append(params, queryParam{key: paramBattery, value: strconv.Itoa(percentage)})
	}
	return params
}

func (p payload) has(key string) bool {
	for _, param := range p {
		if param.key == key {
			return true
		}
	}
	return false
}

func (p payload) without(key string) payload {
	stripped := make(payload, 0, len(p))
	for _, param := range p {
		if param.key != key {
			stripped = append(stripped, param)
		}
	}
	return stripped
}

// Encode renders the parameters in order as a query string.
func (p payload) Encode() string {
	var builder strings.Builder
	for index, param := range p {
		if index > 0 {
			builder.WriteByte('&')
		}
		builder.WriteString(queryEscape(param.key))
		builder.WriteByte('=')
		builder.WriteString(queryEscape(param.value))
	}
	return builder.String()
}

func formatFloat(value float64) string {
	return strconv.FormatFloat(value, 'f', -1, 64)
}
