// Package tools implements the callables the model may invoke mid-stream.
// The chat layer passes them through to the provider untouched; weather
// logic lives here, not in the orchestrator.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"care-companion/internal/llm"
)

const (
	defaultGeocodeBaseURL = "https://nominatim.openstreetmap.org"
	defaultWeatherBaseURL = "https://api.open-meteo.com"
)

// Weather bundles the geocoding and current-weather lookups behind a
// shared HTTP client.  Base URLs are overridable for tests.
type Weather struct {
	HTTP           *http.Client
	GeocodeBaseURL string
	WeatherBaseURL string
}

// NewWeather constructs a Weather with production endpoints.
func NewWeather() *Weather {
	return &Weather{
		HTTP:           &http.Client{Timeout: 10 * time.Second},
		GeocodeBaseURL: defaultGeocodeBaseURL,
		WeatherBaseURL: defaultWeatherBaseURL,
	}
}

// Tools returns the tool set to register with the provider.
func (w *Weather) Tools() []llm.Tool {
	return []llm.Tool{
		{
			Name:        "geocodeLocation",
			Description: "Resolve a city or place name into latitude and longitude",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"query": map[string]any{
						"type":        "string",
						"description": "The name of the city or place",
					},
				},
				"required": []string{"query"},
			},
			Execute: w.geocode,
		},
		{
			Name:        "getWeather",
			Description: "Get the current weather for a latitude and longitude",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"latitude":  map[string]any{"type": "number"},
					"longitude": map[string]any{"type": "number"},
				},
				"required": []string{"latitude", "longitude"},
			},
			Execute: w.currentWeather,
		},
	}
}

func (w *Weather) geocode(ctx context.Context, args json.RawMessage) (string, *llm.Source, error) {
	var in struct {
		Query string `json:"query"`
	}
	if err := json.Unmarshal(args, &in); err != nil {
		return "", nil, fmt.Errorf("bad arguments: %w", err)
	}
	if in.Query == "" {
		return "", nil, fmt.Errorf("query is required")
	}

	u := w.GeocodeBaseURL + "/search?format=json&q=" + url.QueryEscape(in.Query)
	var results []struct {
		Lat         string `json:"lat"`
		Lon         string `json:"lon"`
		DisplayName string `json:"display_name"`
	}
	if err := w.getJSON(ctx, u, &results); err != nil {
		return "", nil, err
	}
	if len(results) == 0 {
		return "", nil, fmt.Errorf("no location found for %q", in.Query)
	}

	out, err := json.Marshal(map[string]string{
		"latitude":  results[0].Lat,
		"longitude": results[0].Lon,
		"name":      results[0].DisplayName,
	})
	if err != nil {
		return "", nil, err
	}
	src := &llm.Source{Title: "OpenStreetMap Nominatim", URL: u}
	return string(out), src, nil
}

func (w *Weather) currentWeather(ctx context.Context, args json.RawMessage) (string, *llm.Source, error) {
	var in struct {
		Latitude  float64 `json:"latitude"`
		Longitude float64 `json:"longitude"`
	}
	if err := json.Unmarshal(args, &in); err != nil {
		return "", nil, fmt.Errorf("bad arguments: %w", err)
	}

	u := fmt.Sprintf("%s/v1/forecast?latitude=%.4f&longitude=%.4f&current_weather=true",
		w.WeatherBaseURL, in.Latitude, in.Longitude)
	var result struct {
		CurrentWeather struct {
			Temperature float64 `json:"temperature"`
			WindSpeed   float64 `json:"windspeed"`
			WeatherCode int     `json:"weathercode"`
		} `json:"current_weather"`
	}
	if err := w.getJSON(ctx, u, &result); err != nil {
		return "", nil, err
	}

	out, err := json.Marshal(map[string]any{
		"temperature_celsius": result.CurrentWeather.Temperature,
		"wind_speed_kmh":      result.CurrentWeather.WindSpeed,
		"weather_code":        result.CurrentWeather.WeatherCode,
	})
	if err != nil {
		return "", nil, err
	}
	src := &llm.Source{Title: "Open-Meteo", URL: u}
	return string(out), src, nil
}

func (w *Weather) getJSON(ctx context.Context, url string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	req.Header.Set("User-Agent", "care-companion/1.0")
	resp, err := w.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %d from %s", resp.StatusCode, url)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
