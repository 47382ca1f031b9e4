// Package weather serves weather reports over HTTP, from random data or
// from OpenWeatherMap.
package weather

import "context"

// Conditions a report can carry.
const (
	Sunny  = "sunny"
	Cloudy = "cloudy"
	Rainy  = "rainy"
	Snowy  = "snowy"
	Stormy = "stormy"
)

// Conditions lists every valid condition.
var Conditions = []string{Sunny, Cloudy, Rainy, Snowy, Stormy}

// Report is the weather of a city at a point in time.
type Report struct {
	City        string `json:"city,omitempty"`
	Temperature int    `json:"temperature"`
	Condition   string `json:"condition"`
	Humidity    int    `json:"humidity"`
	WindSpeed   int    `json:"wind_speed"`
	Timestamp   string `json:"timestamp"`
}

// Valid reports whether r carries a known condition and a timestamp.
func (r Report) Valid() bool {
	if r.Timestamp == "" {
		return false
	}
	for _, c := range Conditions {
		if r.Condition == c {
			return true
		}
	}
	return false
}

// Provider returns the weather of a city. Providers never fail; they degrade
// to generated data instead.
type Provider interface {
	Weather(ctx context.Context, city string) Report
}
