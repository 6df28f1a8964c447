package gemini

import (
	"context"
	"io"
	"strings"

	genai "github.com/google/generative-ai-go/genai"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

	"github.com/go-go-golems/turchina/pkg/backends"
	"github.com/go-go-golems/turchina/pkg/conversation"
	"github.com/go-go-golems/turchina/pkg/events"
)

// Engine is the Gemini native-SDK backend. Like the other SDK backend it is
// a passthrough adapter over pre-decoded chunks.
type Engine struct {
	APIKey string
	Model  string
}

func NewEngine(apiKey, model string) *Engine {
	return &Engine{APIKey: apiKey, Model: model}
}

func (e *Engine) Name() string {
	return "gemini"
}

func (e *Engine) StartTurn(ctx context.Context, req backends.TurnRequest) (backends.Stream, error) {
	client, err := genai.NewClient(ctx, option.WithAPIKey(e.APIKey))
	if err != nil {
		return nil, errors.Wrap(err, "could not create gemini client")
	}

	model := client.GenerativeModel(e.Model)
	cs := model.StartChat()
	for _, m := range req.History {
		role := "user"
		if m.Role == conversation.RoleAssistant {
			role = "model"
		}
		cs.History = append(cs.History, &genai.Content{
			Role:  role,
			Parts: []genai.Part{genai.Text(m.Content)},
		})
	}

	log.Debug().Str("model", e.Model).Int("history_len", len(cs.History)).Msg("gemini starting streaming chat")
	iter := cs.SendMessageStream(ctx, genai.Text(req.Input))

	return &Stream{client: client, iter: iter, metadata: req.Metadata}, nil
}

var _ backends.Backend = (*Engine)(nil)

type Stream struct {
	client   *genai.Client
	iter     *genai.GenerateContentResponseIterator
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

		resp, err := s.iter.Next()
		if errors.Is(err, iterator.Done) || errors.Is(err, io.EOF) {
			s.done = true
			return events.NewDoneEvent(s.metadata), nil
		}
		if err != nil {
			return nil, err
		}

		delta := responseText(resp)
		if delta == "" || s.dedup.Suppress(delta) {
			continue
		}
		return events.NewTextDeltaEvent(s.metadata, delta), nil
	}
}

func (s *Stream) Close() error {
	return s.client.Close()
}

var _ backends.Stream = (*Stream)(nil)

func responseText(resp *genai.GenerateContentResponse) string {
	var sb strings.Builder
	for _, cand := range resp.Candidates {
		if cand.Content == nil {
			continue
		}
		for _, part := range cand.Content.Parts {
			if text, ok := part.(genai.Text); ok {
				sb.WriteString(string(text))
			}
		}
	}
	return sb.String()
}
