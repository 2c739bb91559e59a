package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	anthropic "github.com/anthropics/anthropic-sdk-go"
	aoption "github.com/anthropics/anthropic-sdk-go/option"
	openai "github.com/openai/openai-go"
	ooption "github.com/openai/openai-go/option"

	"github.com/turncore/turncore-agent/internal/ai"
)

// NativeKind selects which provider SDK a NativeAdapter wraps.
type NativeKind string

const (
	NativeAnthropic NativeKind = "anthropic"
	NativeOpenAI    NativeKind = "openai"
)

// NativeAdapter is the third engine family: a turn driven directly from
// an LLM HTTP API rather than a subprocess, sharing the same ai.Engine
// contract and ai.EngineEvent emission as the other two.
type NativeAdapter struct {
	log    *slog.Logger
	id     string
	name   string
	models []string
	kind   NativeKind

	anthropicClient anthropic.Client
	openaiClient    openai.Client

	// threads map an engineThreadID to the rolling message history a
	// native adapter must keep itself, since there is no engine-side
	// session to resume.
	threadsMu sync.Mutex
	threads   map[string]*nativeThread
}

type nativeThread struct {
	history []nativeMessage
}

type nativeMessage struct {
	role string // "user" | "assistant"
	text string
}

// NewNativeAdapter constructs a native adapter bound to one provider. The
// API key is read from apiKeyEnv's value by the caller and passed in
// directly; it is never persisted.
func NewNativeAdapter(log *slog.Logger, id, name string, models []string, kind NativeKind, apiKey, baseURL string) (*NativeAdapter, error) {
	if log == nil {
		log = slog.Default()
	}
	if strings.TrimSpace(apiKey) == "" {
		return nil, errors.New("native adapter: missing api key")
	}
	a := &NativeAdapter{log: log, id: id, name: name, models: models, kind: kind, threads: make(map[string]*nativeThread)}

	switch kind {
	case NativeAnthropic:
		opts := []aoption.RequestOption{aoption.WithAPIKey(apiKey)}
		if baseURL != "" {
			opts = append(opts, aoption.WithBaseURL(baseURL))
		}
		a.anthropicClient = anthropic.NewClient(opts...)
	case NativeOpenAI:
		opts := []ooption.RequestOption{ooption.WithAPIKey(apiKey)}
		if baseURL != "" {
			opts = append(opts, ooption.WithBaseURL(baseURL))
		}
		a.openaiClient = openai.NewClient(opts...)
	default:
		return nil, fmt.Errorf("native adapter: unsupported kind %q", kind)
	}
	return a, nil
}

func (a *NativeAdapter) ID() string       { return a.id }
func (a *NativeAdapter) Name() string     { return a.name }
func (a *NativeAdapter) Models() []string { return a.models }

func (a *NativeAdapter) IsAvailable(ctx context.Context) bool { return true }

func (a *NativeAdapter) Version(ctx context.Context) (string, error) {
	return string(a.kind), nil
}

// StartThread allocates a local engine-thread id; native adapters hold no
// server-side session, so resumeID (if given) just reselects a previously
// seen in-memory history.
func (a *NativeAdapter) StartThread(ctx context.Context, scope ai.ThreadScope, resumeID, model string, sandbox ai.SandboxPolicy) (string, error) {
	a.threadsMu.Lock()
	defer a.threadsMu.Unlock()
	id := resumeID
	if id == "" {
		id = fmt.Sprintf("%s-%d", a.id, len(a.threads)+1)
	}
	if _, ok := a.threads[id]; !ok {
		a.threads[id] = &nativeThread{}
	}
	return id, nil
}

func (a *NativeAdapter) SendMessage(ctx context.Context, engineThreadID string, input ai.TurnInput, events chan<- ai.EngineEvent, cancel *ai.CancellationToken) error {
	a.threadsMu.Lock()
	th, ok := a.threads[engineThreadID]
	a.threadsMu.Unlock()
	if !ok {
		return fmt.Errorf("native adapter %s: unknown thread %s", a.id, engineThreadID)
	}
	th.history = append(th.history, nativeMessage{role: "user", text: input.Message})

	events <- ai.TurnStarted()

	var (
		assistantText strings.Builder
		usage         *ai.TokenUsage
		err           error
	)

	switch a.kind {
	case NativeAnthropic:
		usage, err = a.streamAnthropic(ctx, th, input, events, cancel, &assistantText)
	case NativeOpenAI:
		usage, err = a.streamOpenAI(ctx, th, input, events, cancel, &assistantText)
	default:
		err = fmt.Errorf("native adapter %s: unsupported kind %q", a.id, a.kind)
	}

	if err != nil {
		if cancel.Requested() {
			events <- ai.TurnCompleted(ai.TurnOutcomeInterrupted, usage)
			return nil
		}
		events <- ai.TurnCompleted(ai.TurnOutcomeFailed, usage)
		return fmt.Errorf("native adapter %s: %w", a.id, err)
	}

	th.history = append(th.history, nativeMessage{role: "assistant", text: assistantText.String()})
	events <- ai.TurnCompleted(ai.TurnOutcomeCompleted, usage)
	return nil
}

// streamAnthropic drives one turn via the Anthropic Messages streaming
// API, accumulating the message while switching on each event variant.
func (a *NativeAdapter) streamAnthropic(ctx context.Context, th *nativeThread, input ai.TurnInput, events chan<- ai.EngineEvent, cancel *ai.CancellationToken, out *strings.Builder) (*ai.TokenUsage, error) {
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(input.ModelID),
		MaxTokens: 8192,
		Messages:  buildAnthropicHistory(th.history),
	}

	stream := a.anthropicClient.Messages.NewStreaming(ctx, params)
	msg := anthropic.Message{}

	for stream.Next() {
		select {
		case <-cancel.Done():
			return nil, errors.New("turn canceled")
		default:
		}

		event := stream.Current()
		if err := msg.Accumulate(event); err != nil {
			return nil, err
		}
		switch variant := event.AsAny().(type) {
		case anthropic.ContentBlockDeltaEvent:
			switch delta := variant.Delta.AsAny().(type) {
			case anthropic.TextDelta:
				if delta.Text != "" {
					out.WriteString(delta.Text)
					events <- ai.TextDelta(delta.Text)
				}
			case anthropic.ThinkingDelta:
				if delta.Thinking != "" {
					events <- ai.ThinkingDelta(delta.Thinking)
				}
			}
		}
	}
	if err := stream.Err(); err != nil {
		return nil, err
	}

	usage := &ai.TokenUsage{Input: int64(msg.Usage.InputTokens), Output: int64(msg.Usage.OutputTokens)}
	return usage, nil
}

// streamOpenAI drives one turn via the OpenAI chat completions streaming
// API, text-delta events only: native adapters do no sandboxed tool
// execution, they are pure text/thinking-streaming Engines.
func (a *NativeAdapter) streamOpenAI(ctx context.Context, th *nativeThread, input ai.TurnInput, events chan<- ai.EngineEvent, cancel *ai.CancellationToken, out *strings.Builder) (*ai.TokenUsage, error) {
	msgs := make([]openai.ChatCompletionMessageParamUnion, 0, len(th.history))
	for _, m := range th.history {
		if m.role == "user" {
			msgs = append(msgs, openai.UserMessage(m.text))
		} else {
			msgs = append(msgs, openai.AssistantMessage(m.text))
		}
	}

	stream := a.openaiClient.Chat.Completions.NewStreaming(ctx, openai.ChatCompletionNewParams{
		Model:    input.ModelID,
		Messages: msgs,
	})
	defer stream.Close()

	acc := openai.ChatCompletionAccumulator{}
	for stream.Next() {
		select {
		case <-cancel.Done():
			return nil, errors.New("turn canceled")
		default:
		}
		chunk := stream.Current()
		acc.AddChunk(chunk)
		for _, choice := range chunk.Choices {
			if choice.Delta.Content != "" {
				out.WriteString(choice.Delta.Content)
				events <- ai.TextDelta(choice.Delta.Content)
			}
		}
	}
	if err := stream.Err(); err != nil {
		return nil, err
	}

	usage := &ai.TokenUsage{Input: acc.Usage.PromptTokens, Output: acc.Usage.CompletionTokens}
	return usage, nil
}

func buildAnthropicHistory(history []nativeMessage) []anthropic.MessageParam {
	out := make([]anthropic.MessageParam, 0, len(history))
	for _, m := range history {
		if m.role == "user" {
			out = append(out, anthropic.NewUserMessage(anthropic.NewTextBlock(m.text)))
		} else {
			out = append(out, anthropic.NewAssistantMessage(anthropic.NewTextBlock(m.text)))
		}
	}
	return out
}

// RespondToApproval is a no-op: native adapters have no tool execution
// loop, so they never pause for a server-initiated approval round trip.
func (a *NativeAdapter) RespondToApproval(ctx context.Context, approvalID string, response map[string]any) error {
	return nil
}

// Interrupt is satisfied by SendMessage's own cancellation-token select;
// there is no separate engine-side call to make.
func (a *NativeAdapter) Interrupt(ctx context.Context, engineThreadID string) error { return nil }

var _ ai.Engine = (*NativeAdapter)(nil)
