package core

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"care-companion/internal/llm"
	"care-companion/pkg"
)

// fakeLLM records the request it receives and replays canned events.
type fakeLLM struct {
	lastReq llm.Request
	events  []llm.Event
	err     error
}

func (f *fakeLLM) Stream(ctx context.Context, req llm.Request) (<-chan llm.Event, error) {
	f.lastReq = req
	if f.err != nil {
		return nil, f.err
	}
	ch := make(chan llm.Event)
	go func() {
		defer close(ch)
		for _, ev := range f.events {
			select {
			case ch <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch, nil
}

// stallingLLM never finishes on its own.  It sits on the stream until the
// context ends, then reports the context error the way the provider client
// does on a dead stream.
type stallingLLM struct{}

func (s *stallingLLM) Stream(ctx context.Context, req llm.Request) (<-chan llm.Event, error) {
	ch := make(chan llm.Event)
	go func() {
		defer close(ch)
		<-ctx.Done()
		select {
		case ch <- llm.Event{Type: llm.EventError, Err: ctx.Err()}:
		case <-time.After(time.Second):
		}
	}()
	return ch, nil
}

// fakeDirectory serves canned patient rows or a canned failure.
type fakeDirectory struct {
	patients  []pkg.PatientForSelector
	clinicErr error
	listErr   error
}

func (f *fakeDirectory) EnsureDefaultClinic(ctx context.Context) (string, error) {
	if f.clinicErr != nil {
		return "", f.clinicErr
	}
	return "clinic-1", nil
}

func (f *fakeDirectory) GetPatientsForSelector(ctx context.Context, clinicID string) ([]pkg.PatientForSelector, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	return f.patients, nil
}

func userMessage(text string) pkg.ChatMessage {
	return pkg.ChatMessage{Role: "user", Parts: []pkg.MessagePart{{Type: "text", Text: text}}}
}

func doneEvents(deltas ...string) []llm.Event {
	var evs []llm.Event
	for _, d := range deltas {
		evs = append(evs, llm.Event{Type: llm.EventText, Text: d})
	}
	return append(evs, llm.Event{Type: llm.EventDone})
}

func collect(t *testing.T, ch <-chan llm.Event) []llm.Event {
	t.Helper()
	var out []llm.Event
	for ev := range ch {
		out = append(out, ev)
	}
	return out
}

func TestStreamRejectsInvalidRequests(t *testing.T) {
	svc := NewChatService(&fakeLLM{}, &fakeDirectory{}, nil)

	_, err := svc.Stream(context.Background(), ChatRequest{Model: "openai/gpt-4o"})
	if !errors.Is(err, ErrInvalidRequest) {
		t.Errorf("missing messages: got %v, want ErrInvalidRequest", err)
	}

	_, err = svc.Stream(context.Background(), ChatRequest{Messages: []pkg.ChatMessage{userMessage("hi")}})
	if !errors.Is(err, ErrInvalidRequest) {
		t.Errorf("missing model: got %v, want ErrInvalidRequest", err)
	}
}

func TestStreamDefaultPromptEndToEnd(t *testing.T) {
	fake := &fakeLLM{events: doneEvents("Hel", "lo")}
	svc := NewChatService(fake, &fakeDirectory{}, nil)

	ch, err := svc.Stream(context.Background(), ChatRequest{
		Messages: []pkg.ChatMessage{userMessage("hello")},
		Model:    "openai/gpt-4o",
	})
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	events := collect(t, ch)

	if len(events) != 3 {
		t.Fatalf("got %d events, want 3", len(events))
	}
	var text strings.Builder
	for _, ev := range events[:2] {
		if ev.Type != llm.EventText {
			t.Fatalf("event %v, want text delta", ev.Type)
		}
		text.WriteString(ev.Text)
	}
	if text.String() != "Hello" {
		t.Errorf("assembled text = %q, want %q", text.String(), "Hello")
	}
	if events[2].Type != llm.EventDone {
		t.Errorf("final event = %v, want done", events[2].Type)
	}

	if fake.lastReq.Model != "gpt-4o" {
		t.Errorf("model = %q, want %q", fake.lastReq.Model, "gpt-4o")
	}
	if fake.lastReq.System != DefaultSystemPrompt() {
		t.Errorf("system prompt should be the default, got %q", fake.lastReq.System)
	}
	if len(fake.lastReq.Messages) != 1 || fake.lastReq.Messages[0].Content != "hello" {
		t.Errorf("messages not forwarded: %+v", fake.lastReq.Messages)
	}
}

func TestStreamUsesPatientPrompt(t *testing.T) {
	fake := &fakeLLM{events: doneEvents("ok")}
	dir := &fakeDirectory{patients: []pkg.PatientForSelector{{
		UserID:   "p1",
		Username: "maria",
		Status:   &pkg.PatientStatus{MedsSignal: pkg.MedsSkipped},
	}}}
	svc := NewChatService(fake, dir, nil)

	ch, err := svc.Stream(context.Background(), ChatRequest{
		Messages:  []pkg.ChatMessage{userMessage("hi")},
		Model:     "openai/gpt-4o",
		PatientID: "p1",
	})
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	collect(t, ch)

	if !strings.Contains(fake.lastReq.System, "did not take their medication") {
		t.Errorf("system prompt missing skipped-meds line:\n%s", fake.lastReq.System)
	}
	if !strings.Contains(fake.lastReq.System, "maria") {
		t.Error("system prompt should name the patient")
	}
}

func TestStreamFallsBackWhenLookupFails(t *testing.T) {
	for name, dir := range map[string]*fakeDirectory{
		"clinic error":    {clinicErr: errors.New("db down")},
		"list error":      {listErr: errors.New("db down")},
		"unknown patient": {patients: nil},
	} {
		t.Run(name, func(t *testing.T) {
			fake := &fakeLLM{events: doneEvents("ok")}
			svc := NewChatService(fake, dir, nil)

			ch, err := svc.Stream(context.Background(), ChatRequest{
				Messages:  []pkg.ChatMessage{userMessage("hi")},
				Model:     "openai/gpt-4o",
				PatientID: "p1",
			})
			if err != nil {
				t.Fatalf("lookup failure must not fail the request: %v", err)
			}
			events := collect(t, ch)
			if events[len(events)-1].Type != llm.EventDone {
				t.Error("stream should complete normally")
			}
			if fake.lastReq.System != DefaultSystemPrompt() {
				t.Error("should fall back to the default prompt")
			}
		})
	}
}

func TestStreamWebSearchOverridesModel(t *testing.T) {
	fake := &fakeLLM{events: doneEvents("ok")}
	svc := NewChatService(fake, &fakeDirectory{}, nil)

	ch, err := svc.Stream(context.Background(), ChatRequest{
		Messages:  []pkg.ChatMessage{userMessage("hi")},
		Model:     "openai/gpt-5",
		WebSearch: true,
	})
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	collect(t, ch)

	if fake.lastReq.Model != WebSearchModel {
		t.Errorf("model = %q, want %q", fake.lastReq.Model, WebSearchModel)
	}
}

func TestStreamTimeoutAbortsProviderStream(t *testing.T) {
	svc := NewChatService(&stallingLLM{}, &fakeDirectory{}, nil)
	svc.Timeout = 50 * time.Millisecond

	ch, err := svc.Stream(context.Background(), ChatRequest{
		Messages: []pkg.ChatMessage{userMessage("hi")},
		Model:    "gpt-4o",
	})
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}

	done := make(chan []llm.Event, 1)
	go func() {
		var evs []llm.Event
		for ev := range ch {
			evs = append(evs, ev)
		}
		done <- evs
	}()

	var events []llm.Event
	select {
	case events = <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("stream did not terminate after the timeout")
	}
	if len(events) == 0 {
		t.Fatal("stream closed without a terminal event")
	}
	last := events[len(events)-1]
	if last.Type != llm.EventError || !errors.Is(last.Err, context.DeadlineExceeded) {
		t.Errorf("terminal event = %+v, want deadline-exceeded error", last)
	}
}

func TestStreamCancellationReleasesUnreadStream(t *testing.T) {
	svc := NewChatService(&stallingLLM{}, &fakeDirectory{}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	ch, err := svc.Stream(ctx, ChatRequest{
		Messages: []pkg.ChatMessage{userMessage("hi")},
		Model:    "gpt-4o",
	})
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}

	// Abandon the stream without reading a single event, then cancel.
	cancel()
	time.Sleep(100 * time.Millisecond)

	select {
	case ev, ok := <-ch:
		if ok {
			t.Fatalf("got event %+v on an abandoned, cancelled stream", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("stream channel not closed after cancellation")
	}
}

func TestStreamSurfacesProviderError(t *testing.T) {
	fake := &fakeLLM{events: []llm.Event{
		{Type: llm.EventText, Text: "partial"},
		{Type: llm.EventError, Err: errors.New("rate limited")},
	}}
	svc := NewChatService(fake, &fakeDirectory{}, nil)

	ch, err := svc.Stream(context.Background(), ChatRequest{
		Messages: []pkg.ChatMessage{userMessage("hi")},
		Model:    "gpt-4o",
	})
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	events := collect(t, ch)
	last := events[len(events)-1]
	if last.Type != llm.EventError || last.Err == nil {
		t.Errorf("terminal event = %+v, want provider error", last)
	}
}
