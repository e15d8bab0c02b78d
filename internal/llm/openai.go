package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	openai "github.com/sashabaranov/go-openai"
)

// Message is a minimal chat message used by the orchestrator.
// Role must be one of: "system", "user", or "assistant".
type Message struct {
	Role    string
	Content string
}

// Source identifies an external reference consulted while producing a
// response, forwarded to the client as a citation.
type Source struct {
	Title string `json:"title"`
	URL   string `json:"url"`
}

// EventType tags the frames a provider stream can emit.
type EventType string

const (
	EventText      EventType = "text"
	EventReasoning EventType = "reasoning"
	EventSource    EventType = "source"
	EventToolError EventType = "tool-error"
	EventError     EventType = "error"
	EventDone      EventType = "done"
)

// Event is one frame of a streamed completion.  Exactly one of the payload
// fields is meaningful for a given type.  EventError and EventDone are
// terminal; the stream channel is closed after either.
type Event struct {
	Type   EventType
	Text   string
	Source *Source
	Err    error
}

// Tool is a callable the model may invoke mid-stream.  Execute returns the
// content to feed back to the model and, optionally, a citation for the
// service it consulted.  Failures are reported into the stream but never
// abort the conversation turn.
type Tool struct {
	Name        string
	Description string
	Parameters  map[string]any
	Execute     func(ctx context.Context, args json.RawMessage) (string, *Source, error)
}

// Request is a single streaming completion call.
type Request struct {
	Model    string
	System   string
	Messages []Message
	Tools    []Tool
}

// Client is the provider boundary consumed by the chat orchestrator.
// Stream returns a channel of events emitted in provider order; the channel
// is closed after a terminal event.  Cancelling ctx aborts the stream.
type Client interface {
	Stream(ctx context.Context, req Request) (<-chan Event, error)
}

// maxToolRounds bounds how many times a single request may loop through
// tool execution before the turn is forced to finish.
const maxToolRounds = 4

// OpenAIClient streams chat completions from the OpenAI API, executing
// provider-initiated tool calls between rounds.
type OpenAIClient struct {
	client      *openai.Client
	temperature float32
}

// NewOpenAIClient constructs an OpenAI-backed client from the environment
// (OPENAI_API_KEY, optional OPENAI_BASE_URL for compatible gateways).
func NewOpenAIClient() *OpenAIClient {
	cfg := openai.DefaultConfig(os.Getenv("OPENAI_API_KEY"))
	if base := os.Getenv("OPENAI_BASE_URL"); base != "" {
		cfg.BaseURL = base
	}
	return &OpenAIClient{client: openai.NewClientWithConfig(cfg), temperature: 0.2}
}

// Stream opens a streaming completion and forwards deltas as events.
func (c *OpenAIClient) Stream(ctx context.Context, req Request) (<-chan Event, error) {
	if c.client == nil {
		return nil, errors.New("openai client not initialized")
	}
	ch := make(chan Event)
	go c.run(ctx, req, ch)
	return ch, nil
}

func (c *OpenAIClient) run(ctx context.Context, req Request, ch chan<- Event) {
	defer close(ch)

	messages := make([]openai.ChatCompletionMessage, 0, len(req.Messages)+1)
	if req.System != "" {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: req.System,
		})
	}
	for _, m := range req.Messages {
		role := m.Role
		if role != openai.ChatMessageRoleSystem && role != openai.ChatMessageRoleUser && role != openai.ChatMessageRoleAssistant {
			// coerce anything unknown to user
			role = openai.ChatMessageRoleUser
		}
		messages = append(messages, openai.ChatCompletionMessage{Role: role, Content: m.Content})
	}

	var oaTools []openai.Tool
	for _, t := range req.Tools {
		oaTools = append(oaTools, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.Parameters,
			},
		})
	}

	for round := 0; round <= maxToolRounds; round++ {
		calls, finish, err := c.streamRound(ctx, req.Model, messages, oaTools, ch)
		if err != nil {
			ch <- Event{Type: EventError, Err: err}
			return
		}
		if finish != openai.FinishReasonToolCalls || len(calls) == 0 {
			ch <- Event{Type: EventDone}
			return
		}
		messages = append(messages, openai.ChatCompletionMessage{
			Role:      openai.ChatMessageRoleAssistant,
			ToolCalls: calls,
		})
		for _, call := range calls {
			messages = append(messages, c.executeTool(ctx, req.Tools, call, ch))
		}
	}
	// the model kept asking for tools; end the turn rather than loop forever
	ch <- Event{Type: EventDone}
}

// streamRound runs one streaming completion, forwarding text and reasoning
// deltas and accumulating any tool-call fragments.
func (c *OpenAIClient) streamRound(ctx context.Context, model string, messages []openai.ChatCompletionMessage, tools []openai.Tool, ch chan<- Event) ([]openai.ToolCall, openai.FinishReason, error) {
	stream, err := c.client.CreateChatCompletionStream(ctx, openai.ChatCompletionRequest{
		Model:       model,
		Messages:    messages,
		Temperature: c.temperature,
		Tools:       tools,
	})
	if err != nil {
		return nil, "", fmt.Errorf("create stream: %w", err)
	}
	defer stream.Close()

	var calls []openai.ToolCall
	var finish openai.FinishReason
	for {
		resp, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			return calls, finish, nil
		}
		if err != nil {
			return nil, "", fmt.Errorf("stream recv: %w", err)
		}
		if len(resp.Choices) == 0 {
			continue
		}
		choice := resp.Choices[0]
		if choice.Delta.Content != "" {
			ch <- Event{Type: EventText, Text: choice.Delta.Content}
		}
		if choice.Delta.ReasoningContent != "" {
			ch <- Event{Type: EventReasoning, Text: choice.Delta.ReasoningContent}
		}
		for _, tc := range choice.Delta.ToolCalls {
			calls = mergeToolCall(calls, tc)
		}
		if choice.FinishReason != "" {
			finish = choice.FinishReason
		}
	}
}

// executeTool runs a requested tool and returns the tool message to append
// to the conversation.  Errors become a tool-error event plus an error
// payload the model can react to.
func (c *OpenAIClient) executeTool(ctx context.Context, tools []Tool, call openai.ToolCall, ch chan<- Event) openai.ChatCompletionMessage {
	msg := openai.ChatCompletionMessage{
		Role:       openai.ChatMessageRoleTool,
		ToolCallID: call.ID,
		Name:       call.Function.Name,
	}
	var tool *Tool
	for i := range tools {
		if tools[i].Name == call.Function.Name {
			tool = &tools[i]
			break
		}
	}
	if tool == nil {
		err := fmt.Errorf("unknown tool %q", call.Function.Name)
		ch <- Event{Type: EventToolError, Err: err}
		msg.Content = toolErrorPayload(err)
		return msg
	}
	content, src, err := tool.Execute(ctx, json.RawMessage(call.Function.Arguments))
	if err != nil {
		ch <- Event{Type: EventToolError, Err: fmt.Errorf("%s: %w", tool.Name, err)}
		msg.Content = toolErrorPayload(err)
		return msg
	}
	if src != nil {
		ch <- Event{Type: EventSource, Source: src}
	}
	msg.Content = content
	return msg
}

func toolErrorPayload(err error) string {
	b, _ := json.Marshal(map[string]string{"error": err.Error()})
	return string(b)
}

// mergeToolCall folds a streamed tool-call fragment into the accumulated
// calls.  The first fragment for an index carries the id and function name;
// later fragments append argument bytes.
func mergeToolCall(calls []openai.ToolCall, tc openai.ToolCall) []openai.ToolCall {
	idx := len(calls)
	if tc.Index != nil {
		idx = *tc.Index
	}
	for len(calls) <= idx {
		calls = append(calls, openai.ToolCall{Type: openai.ToolTypeFunction})
	}
	cur := &calls[idx]
	if tc.ID != "" {
		cur.ID = tc.ID
	}
	if tc.Function.Name != "" {
		cur.Function.Name = tc.Function.Name
	}
	cur.Function.Arguments += tc.Function.Arguments
	return calls
}
