package openai

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/turchina/pkg/backends"
	"github.com/go-go-golems/turchina/pkg/conversation"
	"github.com/go-go-golems/turchina/pkg/events"
)

func sseChunk(content string) string {
	return fmt.Sprintf(`data: {"id":"x","object":"chat.completion.chunk","choices":[{"index":0,"delta":{"content":%q}}]}`, content)
}

func TestEngineStreamsDeltas(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/chat/completions", r.URL.Path)
		require.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))

		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprintf(w, "%s\n\n", sseChunk("Hel"))
		fmt.Fprintf(w, "%s\n\n", sseChunk("lo"))
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer server.Close()

	e := NewEngine("sk-test", server.URL, "test-model")
	stream, err := e.StartTurn(context.Background(), backends.TurnRequest{
		Input:   "hi",
		History: []backends.ChatMessage{{Role: conversation.RoleAssistant, Content: "earlier"}},
	})
	require.NoError(t, err)
	defer func() {
		_ = stream.Close()
	}()

	var text string
	for {
		ev, err := stream.Next(context.Background())
		require.NoError(t, err)
		if _, ok := ev.(*events.EventDone); ok {
			break
		}
		text += ev.(*events.EventTextDelta).Text
	}
	assert.Equal(t, "Hello", text)

	_, err = stream.Next(context.Background())
	assert.Equal(t, io.EOF, err)
}

func TestGenerateTitle(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"id":"x","object":"chat.completion","choices":[{"index":0,"message":{"role":"assistant","content":"  Photosynthesis Basics  "}}]}`)
	}))
	defer server.Close()

	e := NewEngine("sk-test", server.URL, "test-model")
	title, err := e.GenerateTitle(context.Background(), "explain photosynthesis")
	require.NoError(t, err)
	assert.Equal(t, "Photosynthesis Basics", title)
}
