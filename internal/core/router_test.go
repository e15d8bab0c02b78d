package core

import "testing"

func TestResolveModel(t *testing.T) {
	tests := []struct {
		requested string
		webSearch bool
		want      string
	}{
		{"openai/gpt-4o", false, "gpt-4o"},
		{"openai/gpt-5", false, "gpt-5"},
		{"anthropic/claude-sonnet", false, "claude-sonnet"},
		{"gpt-4o-mini", false, "gpt-4o-mini"},
		// unrecognized names pass through verbatim
		{"not-a-real-model", false, "not-a-real-model"},
		// web search always wins, whatever was requested
		{"openai/gpt-5", true, WebSearchModel},
		{"gpt-4o-mini", true, WebSearchModel},
		{"", true, WebSearchModel},
	}
	for _, tt := range tests {
		if got := ResolveModel(tt.requested, tt.webSearch); got != tt.want {
			t.Errorf("ResolveModel(%q, %v) = %q, want %q", tt.requested, tt.webSearch, got, tt.want)
		}
	}
}
