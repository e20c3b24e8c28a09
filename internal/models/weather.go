package models

import "time"

// WeatherSnapshot is the current conditions for one resolved location.
// Cached and CacheExpiresAt are owned by the cache layer: a snapshot built from
// an upstream response always has Cached=false and CacheExpiresAt=nil.
type WeatherSnapshot struct {
	Location              string     `json:"location"`
	Region                string     `json:"region"`
	Country               string     `json:"country"`
	TemperatureCelsius    float64    `json:"temperature_celsius"`
	TemperatureFahrenheit float64    `json:"temperature_fahrenheit"`
	Condition             string     `json:"condition"`
	ConditionIconURL      string     `json:"condition_icon"`
	Humidity              int        `json:"humidity"`
	WindSpeedKph          float64    `json:"wind_speed_kph"`
	WindSpeedMph          float64    `json:"wind_speed_mph"`
	WindDirection         string     `json:"wind_direction"`
	PressureMb            float64    `json:"pressure_mb"`
	FeelsLikeCelsius      float64    `json:"feels_like_celsius"`
	FeelsLikeFahrenheit   float64    `json:"feels_like_fahrenheit"`
	VisibilityKm          float64    `json:"visibility_km"`
	UVIndex               float64    `json:"uv_index"`
	LastUpdated           string     `json:"last_updated"`
	Cached                bool       `json:"cached"`
	CacheExpiresAt        *time.Time `json:"cache_expires_at"`
}

// Result status values.
const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// LookupResult is the response envelope returned to API callers.
type LookupResult struct {
	Status    string           `json:"status"`
	Data      *WeatherSnapshot `json:"data"`
	Message   *string          `json:"message"`
	Timestamp string           `json:"timestamp"`
}

// NewSuccessResult wraps a snapshot in a success envelope stamped with now (UTC, RFC3339).
func NewSuccessResult(data WeatherSnapshot, now time.Time) LookupResult {
	return LookupResult{
		Status:    StatusSuccess,
		Data:      &data,
		Timestamp: now.UTC().Format(time.RFC3339),
	}
}

// NewErrorResult builds an error envelope carrying only a caller-facing message.
func NewErrorResult(message string, now time.Time) LookupResult {
	return LookupResult{
		Status:    StatusError,
		Message:   &message,
		Timestamp: now.UTC().Format(time.RFC3339),
	}
}
