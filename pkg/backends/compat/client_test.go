package compat

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/turchina/pkg/backends"
	"github.com/go-go-golems/turchina/pkg/conversation"
	"github.com/go-go-golems/turchina/pkg/events"
)

func TestStartTurnChatCompletions(t *testing.T) {
	var gotPath, gotAuth string
	var gotBody completionsRequest

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))

		fmt.Fprintln(w, `data: {"choices":[{"delta":{"content":"hey"}}]}`)
		fmt.Fprintln(w, `data: [DONE]`)
	}))
	defer server.Close()

	c := NewClient(server.URL, "sk-test", "test-model")
	stream, err := c.StartTurn(context.Background(), backends.TurnRequest{
		Input: "hello",
		History: []backends.ChatMessage{
			{Role: conversation.RoleUser, Content: "earlier question"},
			{Role: conversation.RoleAssistant, Content: "earlier answer"},
		},
	})
	require.NoError(t, err)
	defer func() {
		_ = stream.Close()
	}()

	assert.Equal(t, "/chat/completions", gotPath)
	assert.Equal(t, "Bearer sk-test", gotAuth)
	assert.Equal(t, "test-model", gotBody.Model)
	assert.True(t, gotBody.Stream)
	require.Len(t, gotBody.Messages, 3)
	assert.Equal(t, "earlier question", gotBody.Messages[0].Content)
	assert.Equal(t, "assistant", gotBody.Messages[1].Role)
	assert.Equal(t, "hello", gotBody.Messages[2].Content)

	ev, err := stream.Next(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "hey", ev.(*events.EventTextDelta).Text)
}

func TestStartTurnResponsesAPI(t *testing.T) {
	var gotPath string
	var gotBody responsesRequest

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		fmt.Fprintln(w, `data: {"output_text":"full answer"}`)
		fmt.Fprintln(w, `data: [DONE]`)
	}))
	defer server.Close()

	c := NewClient(server.URL, "", "test-model", WithResponsesAPI(true))
	stream, err := c.StartTurn(context.Background(), backends.TurnRequest{Input: "hello"})
	require.NoError(t, err)
	defer func() {
		_ = stream.Close()
	}()

	assert.Equal(t, "/api/v1/responses", gotPath)
	assert.Equal(t, "hello", gotBody.Input)

	ev, err := stream.Next(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "full answer", ev.(*events.EventTextReplace).Text)
}

func TestStartTurnNonOKStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "invalid api key", http.StatusUnauthorized)
	}))
	defer server.Close()

	c := NewClient(server.URL, "bad", "m")
	_, err := c.StartTurn(context.Background(), backends.TurnRequest{Input: "x"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "401")
}
