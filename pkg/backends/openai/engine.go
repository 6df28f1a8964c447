package openai

import (
	"context"
	"io"
	"strings"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	go_openai "github.com/sashabaranov/go-openai"

	"github.com/go-go-golems/turchina/pkg/backends"
	"github.com/go-go-golems/turchina/pkg/conversation"
	"github.com/go-go-golems/turchina/pkg/events"
)

// Engine is the native-SDK backend. The SDK hands us pre-decoded chunks, so
// the adapter is a passthrough: chunk text in, delta event out.
type Engine struct {
	client *go_openai.Client
	model  string
}

func NewEngine(apiKey, baseURL, model string) *Engine {
	config := go_openai.DefaultConfig(apiKey)
	if baseURL != "" {
		config.BaseURL = baseURL
	}
	return &Engine{
		client: go_openai.NewClientWithConfig(config),
		model:  model,
	}
}

func (e *Engine) Name() string {
	return "openai"
}

func (e *Engine) StartTurn(ctx context.Context, req backends.TurnRequest) (backends.Stream, error) {
	messages := make([]go_openai.ChatCompletionMessage, 0, len(req.History)+1)
	for _, m := range req.History {
		role := go_openai.ChatMessageRoleUser
		if m.Role == conversation.RoleAssistant {
			role = go_openai.ChatMessageRoleAssistant
		}
		messages = append(messages, go_openai.ChatCompletionMessage{Role: role, Content: m.Content})
	}
	messages = append(messages, go_openai.ChatCompletionMessage{
		Role:    go_openai.ChatMessageRoleUser,
		Content: req.Input,
	})

	log.Debug().Str("model", e.model).Int("num_messages", len(messages)).Msg("openai starting streaming completion")
	stream, err := e.client.CreateChatCompletionStream(ctx, go_openai.ChatCompletionRequest{
		Model:    e.model,
		Messages: messages,
		Stream:   true,
	})
	if err != nil {
		return nil, errors.Wrap(err, "openai streaming request failed")
	}

	return &Stream{stream: stream, metadata: req.Metadata}, nil
}

// GenerateTitle asks the model for a short session title in a single
// non-streaming call.
func (e *Engine) GenerateTitle(ctx context.Context, text string) (string, error) {
	resp, err := e.client.CreateChatCompletion(ctx, go_openai.ChatCompletionRequest{
		Model: e.model,
		Messages: []go_openai.ChatCompletionMessage{
			{
				Role:    go_openai.ChatMessageRoleSystem,
				Content: "Summarize the user message into a chat title of at most five words. Reply with the title only.",
			},
			{Role: go_openai.ChatMessageRoleUser, Content: text},
		},
	})
	if err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("empty title completion")
	}
	return strings.TrimSpace(resp.Choices[0].Message.Content), nil
}

var (
	_ backends.Backend        = (*Engine)(nil)
	_ backends.TitleGenerator = (*Engine)(nil)
)

type Stream struct {
	stream   *go_openai.ChatCompletionStream
	dedup    backends.DeltaDeduper
	metadata events.EventMetadata
	done     bool
}

func (s *Stream) Next(ctx context.Context) (events.Event, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if s.done {
			return nil, io.EOF
		}

		resp, err := s.stream.Recv()
		if errors.Is(err, io.EOF) {
			s.done = true
			return events.NewDoneEvent(s.metadata), nil
		}
		if err != nil {
			return nil, err
		}
		if len(resp.Choices) == 0 {
			continue
		}
		delta := resp.Choices[0].Delta.Content
		if delta == "" || s.dedup.Suppress(delta) {
			continue
		}
		return events.NewTextDeltaEvent(s.metadata, delta), nil
	}
}

func (s *Stream) Close() error {
	return s.stream.Close()
}

var _ backends.Stream = (*Stream)(nil)
