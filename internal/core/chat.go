package core

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"care-companion/internal/llm"
	"care-companion/pkg"
)

// ErrInvalidRequest marks requests rejected before dispatch (missing
// messages or model).  Callers map it to a client error.
var ErrInvalidRequest = errors.New("invalid chat request")

// DefaultStreamTimeout caps the total duration of one streamed response.
const DefaultStreamTimeout = 60 * time.Second

// PatientDirectory supplies patient rows for prompt personalization.  The
// chat layer only reads; it never writes patient data.
type PatientDirectory interface {
	EnsureDefaultClinic(ctx context.Context) (string, error)
	GetPatientsForSelector(ctx context.Context, clinicID string) ([]pkg.PatientForSelector, error)
}

// ChatRequest carries one conversation turn from the client.
type ChatRequest struct {
	Messages  []pkg.ChatMessage
	Model     string
	WebSearch bool
	PatientID string
}

// ChatService orchestrates a chat turn: it resolves the patient, composes
// the system prompt, routes the model and adapts the provider stream.
// Each call opens its own provider stream; there is no shared mutable
// state between concurrent requests and no retry of a failed stream.
type ChatService struct {
	LLM      llm.Client
	Patients PatientDirectory
	Tools    []llm.Tool
	Timeout  time.Duration
}

// NewChatService constructs a ChatService with the default stream timeout.
func NewChatService(client llm.Client, patients PatientDirectory, tools []llm.Tool) *ChatService {
	return &ChatService{
		LLM:      client,
		Patients: patients,
		Tools:    tools,
		Timeout:  DefaultStreamTimeout,
	}
}

// Stream validates the request, dispatches it to the provider and returns
// the event stream.  Events are forwarded in provider order; the channel
// is closed after a terminal event.  Cancelling ctx, or hitting the stream
// timeout, aborts the provider stream.
func (s *ChatService) Stream(ctx context.Context, req ChatRequest) (<-chan llm.Event, error) {
	if len(req.Messages) == 0 {
		return nil, fmt.Errorf("%w: messages are required", ErrInvalidRequest)
	}
	if strings.TrimSpace(req.Model) == "" {
		return nil, fmt.Errorf("%w: model is required", ErrInvalidRequest)
	}

	system := s.systemPromptFor(ctx, req.PatientID)
	model := ResolveModel(req.Model, req.WebSearch)

	messages := make([]llm.Message, 0, len(req.Messages))
	for _, m := range req.Messages {
		messages = append(messages, llm.Message{Role: m.Role, Content: m.Text()})
	}

	streamCtx, cancel := context.WithTimeout(ctx, s.Timeout)
	events, err := s.LLM.Stream(streamCtx, llm.Request{
		Model:    model,
		System:   system,
		Messages: messages,
		Tools:    s.Tools,
	})
	if err != nil {
		cancel()
		return nil, err
	}

	out := make(chan llm.Event)
	go func() {
		defer cancel()
		defer close(out)
		for ev := range events {
			// Fast path: an attentive consumer gets every event, terminal
			// ones included, even after the context has expired.
			select {
			case out <- ev:
				continue
			default:
			}
			// The consumer may have stopped reading (client gone, handler
			// bailed out).  Cancellation is the escape path for the send.
			select {
			case out <- ev:
			case <-streamCtx.Done():
				return
			}
		}
	}()
	return out, nil
}

// systemPromptFor resolves the patient and composes the system prompt.
// Personalization is best effort: any lookup failure or unknown id falls
// back to the default prompt and the request proceeds.
func (s *ChatService) systemPromptFor(ctx context.Context, patientID string) string {
	if patientID == "" || s.Patients == nil {
		return DefaultSystemPrompt()
	}
	clinicID, err := s.Patients.EnsureDefaultClinic(ctx)
	if err != nil {
		log.Printf("chat: clinic lookup failed, using default prompt: %v", err)
		return DefaultSystemPrompt()
	}
	patients, err := s.Patients.GetPatientsForSelector(ctx, clinicID)
	if err != nil {
		log.Printf("chat: patient lookup failed, using default prompt: %v", err)
		return DefaultSystemPrompt()
	}
	for _, p := range patients {
		if p.UserID == patientID {
			return GeneratePatientSystemPrompt(p)
		}
	}
	return DefaultSystemPrompt()
}
