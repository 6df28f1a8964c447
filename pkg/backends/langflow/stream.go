package langflow

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/turchina/pkg/backends"
	"github.com/go-go-golems/turchina/pkg/conversation"
	"github.com/go-go-golems/turchina/pkg/events"
)

// frame is one decoded NDJSON line. Data stays raw; each decoder parses the
// shape it is responsible for.
type frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`

	raw []byte
}

// decoder tries to turn a frame into normalized events. Decoders are tried
// in priority order; the first match wins. ok with no events means the frame
// was recognized and deliberately produced nothing (ping, duplicate token).
type decoder struct {
	name   string
	decode func(s *Stream, fr *frame) ([]events.Event, bool)
}

// Stream adapts the newline-delimited run output into normalized events.
type Stream struct {
	body     io.ReadCloser
	scanner  *backends.LineScanner
	dedup    backends.DeltaDeduper
	metadata events.EventMetadata
	queue    []events.Event
	decoders []decoder
	done     bool
}

func NewStream(body io.ReadCloser, metadata events.EventMetadata) *Stream {
	s := &Stream{
		body:     body,
		scanner:  backends.NewLineScanner(body),
		metadata: metadata,
	}
	s.decoders = []decoder{
		{name: "token", decode: decodeToken},
		{name: "steps", decode: decodeSteps},
		{name: "end", decode: decodeEnd},
		{name: "delta-content", decode: decodeDeltaContent},
		{name: "text-field", decode: decodeTextField},
		{name: "chunk", decode: decodeChunk},
	}
	return s
}

func (s *Stream) Next(ctx context.Context) (events.Event, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if len(s.queue) > 0 {
			ev := s.queue[0]
			s.queue = s.queue[1:]
			return ev, nil
		}
		if s.done {
			return nil, io.EOF
		}

		line, err := s.scanner.Next()
		if errors.Is(err, io.EOF) {
			s.done = true
			return events.NewDoneEvent(s.metadata), nil
		}
		if err != nil {
			return nil, err
		}

		line = normalizeLine(line)
		if len(line) == 0 {
			continue
		}

		var fr frame
		if err := json.Unmarshal(line, &fr); err != nil {
			log.Debug().Err(err).Str("line", string(line)).Msg("langflow skipping malformed frame")
			continue
		}
		fr.raw = line

		matched := false
		for _, d := range s.decoders {
			evs, ok := d.decode(s, &fr)
			if !ok {
				continue
			}
			s.queue = append(s.queue, evs...)
			matched = true
			break
		}
		if !matched {
			log.Debug().Str("event", fr.Event).Msg("langflow skipping unrecognized frame")
		}
	}
}

func (s *Stream) Close() error {
	return s.body.Close()
}

var _ backends.Stream = (*Stream)(nil)

// normalizeLine strips the optional record-separator transport marker and
// the "data: " prefix some deployments put in front of the JSON payload.
func normalizeLine(line []byte) []byte {
	line = bytes.TrimSpace(line)
	line = bytes.TrimPrefix(line, []byte("\x1e"))
	line = bytes.TrimPrefix(line, []byte("data: "))
	line = bytes.TrimPrefix(line, []byte("data:"))
	return bytes.TrimSpace(line)
}

// emitDelta wraps a text chunk into a delta event unless it is a duplicate
// of the immediately preceding one.
func (s *Stream) emitDelta(text string) []events.Event {
	if text == "" || s.dedup.Suppress(text) {
		return nil
	}
	return []events.Event{events.NewTextDeltaEvent(s.metadata, text)}
}

type tokenData struct {
	Chunk string `json:"chunk"`
}

func decodeToken(s *Stream, fr *frame) ([]events.Event, bool) {
	if fr.Event != "token" && fr.Event != "message" {
		return nil, false
	}
	var d tokenData
	if err := json.Unmarshal(fr.Data, &d); err != nil || d.Chunk == "" {
		return nil, false
	}
	return s.emitDelta(d.Chunk), true
}

type contentBlock struct {
	Title    string         `json:"title,omitempty"`
	Contents []blockContent `json:"contents,omitempty"`
}

type blockContent struct {
	Type  string `json:"type"`
	Text  string `json:"text,omitempty"`
	Name  string `json:"name,omitempty"`
	Error string `json:"error,omitempty"`
}

type stepsData struct {
	ContentBlocks []contentBlock `json:"content_blocks"`
}

func decodeSteps(s *Stream, fr *frame) ([]events.Event, bool) {
	if fr.Event == "end" {
		// end frames carry their own blocks, decodeEnd handles them
		return nil, false
	}
	var d stepsData
	if err := json.Unmarshal(fr.Data, &d); err != nil {
		return nil, false
	}
	if fr.Event != "add_message" && len(d.ContentBlocks) == 0 {
		return nil, false
	}
	steps := stepsFromBlocks(d.ContentBlocks)
	if len(steps) == 0 {
		// an add_message without blocks carries nothing for us
		return nil, true
	}
	return []events.Event{events.NewStepsEvent(s.metadata, steps)}, true
}

func stepsFromBlocks(blocks []contentBlock) []conversation.ProcessStep {
	var steps []conversation.ProcessStep
	now := time.Now()
	for _, b := range blocks {
		for _, c := range b.Contents {
			step := conversation.ProcessStep{
				Title:     b.Title,
				Body:      c.Text,
				Timestamp: now,
			}
			switch c.Type {
			case "tool_use", "code":
				step.Kind = conversation.StepKindCommand
				if c.Name != "" {
					step.Title = c.Name
				}
			case "edit":
				step.Kind = conversation.StepKindEdit
			case "error":
				step.Kind = conversation.StepKindError
				if c.Error != "" {
					step.Body = c.Error
				}
			default:
				step.Kind = conversation.StepKindThinking
			}
			steps = append(steps, step)
		}
	}
	return steps
}

type endData struct {
	Result json.RawMessage `json:"result"`
	stepsData
}

// decodeEnd turns the terminal frame into an authoritative replacement plus
// any trailing steps. The stream's Done event is still emitted at transport
// end.
func decodeEnd(s *Stream, fr *frame) ([]events.Event, bool) {
	if fr.Event != "end" {
		return nil, false
	}
	var d endData
	if err := json.Unmarshal(fr.Data, &d); err != nil {
		return nil, true
	}
	var evs []events.Event
	if text, ok := extractResultText(d.Result); ok {
		evs = append(evs, events.NewTextReplaceEvent(s.metadata, text))
	}
	if steps := stepsFromBlocks(d.ContentBlocks); len(steps) > 0 {
		evs = append(evs, events.NewStepsEvent(s.metadata, steps))
	}
	return evs, true
}

type resultMessage struct {
	Message struct {
		Text string `json:"text"`
	} `json:"message"`
}

type resultOutputs struct {
	Outputs []struct {
		Outputs []struct {
			Results resultMessage `json:"results"`
		} `json:"outputs"`
	} `json:"outputs"`
}

// extractResultText probes the known result nestings for the final message
// text, flat shape first.
func extractResultText(result json.RawMessage) (string, bool) {
	if len(result) == 0 {
		return "", false
	}
	var flat resultMessage
	if err := json.Unmarshal(result, &flat); err == nil && flat.Message.Text != "" {
		return flat.Message.Text, true
	}
	var nested resultOutputs
	if err := json.Unmarshal(result, &nested); err == nil {
		for _, o := range nested.Outputs {
			for _, oo := range o.Outputs {
				if oo.Results.Message.Text != "" {
					return oo.Results.Message.Text, true
				}
			}
		}
	}
	return "", false
}

type deltaPayload struct {
	Delta struct {
		Content string `json:"content"`
	} `json:"delta"`
}

func decodeDeltaContent(s *Stream, fr *frame) ([]events.Event, bool) {
	var d deltaPayload
	if err := json.Unmarshal(fr.Data, &d); err == nil && d.Delta.Content != "" {
		return s.emitDelta(d.Delta.Content), true
	}
	if err := json.Unmarshal(fr.raw, &d); err == nil && d.Delta.Content != "" {
		return s.emitDelta(d.Delta.Content), true
	}
	return nil, false
}

type textFields struct {
	OutputText string `json:"output_text,omitempty"`
	Output     string `json:"output,omitempty"`
	Text       string `json:"text,omitempty"`
	Content    string `json:"content,omitempty"`
}

func (t textFields) first() string {
	for _, s := range []string{t.OutputText, t.Output, t.Text, t.Content} {
		if s != "" {
			return s
		}
	}
	return ""
}

func decodeTextField(s *Stream, fr *frame) ([]events.Event, bool) {
	var d textFields
	if err := json.Unmarshal(fr.Data, &d); err == nil {
		if text := d.first(); text != "" {
			return s.emitDelta(text), true
		}
	}
	if err := json.Unmarshal(fr.raw, &d); err == nil {
		if text := d.first(); text != "" {
			return s.emitDelta(text), true
		}
	}
	return nil, false
}

type chunkPayload struct {
	Chunk string `json:"chunk"`
}

func decodeChunk(s *Stream, fr *frame) ([]events.Event, bool) {
	var d chunkPayload
	if err := json.Unmarshal(fr.Data, &d); err == nil && d.Chunk != "" {
		return s.emitDelta(d.Chunk), true
	}
	if err := json.Unmarshal(fr.raw, &d); err == nil && d.Chunk != "" {
		return s.emitDelta(d.Chunk), true
	}
	return nil, false
}
