package pkg

import (
	"encoding/json"
	"testing"
)

func TestFlexValueUnmarshalClassification(t *testing.T) {
	tests := []struct {
		name string
		in   string
		kind FlexKind
		want string
	}{
		{"null", `null`, FlexAbsent, ""},
		{"scalar", `"diabetes"`, FlexScalar, "diabetes"},
		{"empty string", `""`, FlexAbsent, ""},
		{"string list", `["a", "b", "c"]`, FlexList, "a, b, c"},
		{"empty list", `[]`, FlexAbsent, ""},
		{"object", `{"spouse": "Juan"}`, FlexStructured, `{"spouse":"Juan"}`},
		{"mixed list", `[1, "a"]`, FlexStructured, `[1,"a"]`},
		{"number", `42`, FlexStructured, "42"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var v FlexValue
			if err := json.Unmarshal([]byte(tt.in), &v); err != nil {
				t.Fatalf("Unmarshal(%s): %v", tt.in, err)
			}
			if v.Kind() != tt.kind {
				t.Errorf("Kind = %v, want %v", v.Kind(), tt.kind)
			}
			if got := v.Render(); got != tt.want {
				t.Errorf("Render = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestFlexValueMarshalKeepsShape(t *testing.T) {
	tests := []struct {
		v    FlexValue
		want string
	}{
		{Scalar("asthma"), `"asthma"`},
		{List("a", "b"), `["a","b"]`},
		{Structured(json.RawMessage(`{"k":1}`)), `{"k":1}`},
		{FlexValue{}, `null`},
	}
	for _, tt := range tests {
		got, err := json.Marshal(tt.v)
		if err != nil {
			t.Fatalf("Marshal: %v", err)
		}
		if string(got) != tt.want {
			t.Errorf("Marshal = %s, want %s", got, tt.want)
		}
	}
}

func TestChatMessageText(t *testing.T) {
	m := ChatMessage{Role: "assistant", Parts: []MessagePart{
		{Type: "reasoning", Text: "thinking..."},
		{Type: "text", Text: "Hello, "},
		{Type: "source", URL: "https://example.com"},
		{Type: "text", Text: "world"},
	}}
	if got := m.Text(); got != "Hello, world" {
		t.Errorf("Text = %q, want %q", got, "Hello, world")
	}
}
