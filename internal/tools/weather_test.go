package tools

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"care-companion/internal/llm"
)

func testWeather(t *testing.T, handler http.HandlerFunc) (*Weather, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return &Weather{
		HTTP:           srv.Client(),
		GeocodeBaseURL: srv.URL,
		WeatherBaseURL: srv.URL,
	}, srv
}

func findTool(t *testing.T, w *Weather, name string) llm.Tool {
	t.Helper()
	for _, tool := range w.Tools() {
		if tool.Name == name {
			return tool
		}
	}
	t.Fatalf("tool %q not registered", name)
	return llm.Tool{}
}

func TestGeocodeLocation(t *testing.T) {
	w, srv := testWeather(t, func(rw http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("q"); got != "Berlin" {
			t.Errorf("q = %q, want Berlin", got)
		}
		rw.Header().Set("Content-Type", "application/json")
		rw.Write([]byte(`[{"lat": "52.52", "lon": "13.40", "display_name": "Berlin, Germany"}]`))
	})

	tool := findTool(t, w, "geocodeLocation")
	content, src, err := tool.Execute(context.Background(), json.RawMessage(`{"query": "Berlin"}`))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}

	var out map[string]string
	if err := json.Unmarshal([]byte(content), &out); err != nil {
		t.Fatalf("bad tool output %q: %v", content, err)
	}
	if out["latitude"] != "52.52" || out["longitude"] != "13.40" {
		t.Errorf("coordinates = %v", out)
	}
	if src == nil || !strings.HasPrefix(src.URL, srv.URL) {
		t.Errorf("source = %+v, want citation of the geocode service", src)
	}
}

func TestGeocodeLocationNoResult(t *testing.T) {
	w, _ := testWeather(t, func(rw http.ResponseWriter, r *http.Request) {
		rw.Write([]byte(`[]`))
	})

	tool := findTool(t, w, "geocodeLocation")
	_, _, err := tool.Execute(context.Background(), json.RawMessage(`{"query": "Nowhereville"}`))
	if err == nil {
		t.Fatal("want error for unknown place")
	}
	if !strings.Contains(err.Error(), "Nowhereville") {
		t.Errorf("error should name the query: %v", err)
	}
}

func TestGetWeather(t *testing.T) {
	w, srv := testWeather(t, func(rw http.ResponseWriter, r *http.Request) {
		rw.Write([]byte(`{"current_weather": {"temperature": 21.4, "windspeed": 7.2, "weathercode": 2}}`))
	})

	tool := findTool(t, w, "getWeather")
	content, src, err := tool.Execute(context.Background(), json.RawMessage(`{"latitude": 52.52, "longitude": 13.40}`))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}

	var out map[string]any
	if err := json.Unmarshal([]byte(content), &out); err != nil {
		t.Fatalf("bad tool output %q: %v", content, err)
	}
	if out["temperature_celsius"] != 21.4 {
		t.Errorf("temperature = %v, want 21.4", out["temperature_celsius"])
	}
	if src == nil || !strings.HasPrefix(src.URL, srv.URL) {
		t.Errorf("source = %+v, want citation of the weather service", src)
	}
}

func TestGetWeatherUpstreamFailure(t *testing.T) {
	w, _ := testWeather(t, func(rw http.ResponseWriter, r *http.Request) {
		rw.WriteHeader(http.StatusServiceUnavailable)
	})

	tool := findTool(t, w, "getWeather")
	_, _, err := tool.Execute(context.Background(), json.RawMessage(`{"latitude": 1, "longitude": 1}`))
	if err == nil {
		t.Fatal("want error on upstream failure")
	}
}

func TestGeocodeRejectsBadArguments(t *testing.T) {
	w, _ := testWeather(t, func(rw http.ResponseWriter, r *http.Request) {
		t.Error("no request should be made for bad arguments")
	})

	tool := findTool(t, w, "geocodeLocation")
	if _, _, err := tool.Execute(context.Background(), json.RawMessage(`{"query": ""}`)); err == nil {
		t.Error("empty query should error")
	}
	if _, _, err := tool.Execute(context.Background(), json.RawMessage(`{bad`)); err == nil {
		t.Error("malformed arguments should error")
	}
}
