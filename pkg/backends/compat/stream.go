package compat

import (
	"bytes"
	"context"
	"encoding/json"
	"io"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/turchina/pkg/backends"
	"github.com/go-go-golems/turchina/pkg/events"
)

const doneMarker = "[DONE]"

type decoder struct {
	name   string
	decode func(s *Stream, payload []byte) ([]events.Event, bool)
}

// Stream adapts the SSE-like "data: {json}" line stream into normalized
// events. The stream ends on the literal [DONE] marker; a transport that
// closes without one still finalizes cleanly.
type Stream struct {
	body     io.ReadCloser
	scanner  *backends.LineScanner
	dedup    backends.DeltaDeduper
	metadata events.EventMetadata
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
		{name: "choices-delta", decode: decodeChoicesDelta},
		{name: "delta-content", decode: decodeDeltaContent},
		{name: "output-text", decode: decodeOutputText},
	}
	return s
}

func (s *Stream) Next(ctx context.Context) (events.Event, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
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

		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		payload, ok := bytes.CutPrefix(line, []byte("data:"))
		if !ok {
			continue
		}
		payload = bytes.TrimSpace(payload)
		if string(payload) == doneMarker {
			s.done = true
			return events.NewDoneEvent(s.metadata), nil
		}
		if !json.Valid(payload) {
			log.Debug().Str("line", string(line)).Msg("compat skipping malformed frame")
			continue
		}

		matched := false
		var evs []events.Event
		for _, d := range s.decoders {
			if out, ok := d.decode(s, payload); ok {
				evs = out
				matched = true
				break
			}
		}
		if !matched {
			log.Debug().Msg("compat skipping unrecognized frame")
			continue
		}
		if len(evs) > 0 {
			return evs[0], nil
		}
	}
}

func (s *Stream) Close() error {
	return s.body.Close()
}

var _ backends.Stream = (*Stream)(nil)

func (s *Stream) emitDelta(text string) []events.Event {
	if text == "" || s.dedup.Suppress(text) {
		return nil
	}
	return []events.Event{events.NewTextDeltaEvent(s.metadata, text)}
}

type choicesPayload struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
	} `json:"choices"`
}

func decodeChoicesDelta(s *Stream, payload []byte) ([]events.Event, bool) {
	var d choicesPayload
	if err := json.Unmarshal(payload, &d); err != nil || len(d.Choices) == 0 {
		return nil, false
	}
	return s.emitDelta(d.Choices[0].Delta.Content), true
}

type deltaPayload struct {
	Delta struct {
		Content string `json:"content"`
	} `json:"delta"`
}

func decodeDeltaContent(s *Stream, payload []byte) ([]events.Event, bool) {
	var d deltaPayload
	if err := json.Unmarshal(payload, &d); err != nil || d.Delta.Content == "" {
		return nil, false
	}
	return s.emitDelta(d.Delta.Content), true
}

type outputTextPayload struct {
	OutputText string `json:"output_text"`
}

func decodeOutputText(s *Stream, payload []byte) ([]events.Event, bool) {
	var d outputTextPayload
	if err := json.Unmarshal(payload, &d); err != nil || d.OutputText == "" {
		return nil, false
	}
	return []events.Event{events.NewTextReplaceEvent(s.metadata, d.OutputText)}, true
}
