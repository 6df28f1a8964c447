package compat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/turchina/pkg/backends"
)

// Client talks to a generic OpenAI-compatible server: either the classic
// chat completions endpoint or the responses endpoint, both streamed as
// "data: {json}" lines terminated by a literal [DONE] marker.
type Client struct {
	BaseURL      string
	APIKey       string
	Model        string
	UseResponses bool
	HTTPClient   *http.Client
}

type ClientOption func(*Client)

func WithHTTPClient(httpClient *http.Client) ClientOption {
	return func(c *Client) {
		c.HTTPClient = httpClient
	}
}

func WithResponsesAPI(use bool) ClientOption {
	return func(c *Client) {
		c.UseResponses = use
	}
}

func NewClient(baseURL, apiKey, model string, options ...ClientOption) *Client {
	c := &Client{
		BaseURL:    baseURL,
		APIKey:     apiKey,
		Model:      model,
		HTTPClient: http.DefaultClient,
	}
	for _, o := range options {
		o(c)
	}
	return c
}

func (c *Client) Name() string {
	return "compat"
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type completionsRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
	Stream   bool          `json:"stream"`
}

type responsesRequest struct {
	Model  string `json:"model"`
	Input  string `json:"input"`
	Stream bool   `json:"stream"`
}

func (c *Client) StartTurn(ctx context.Context, req backends.TurnRequest) (backends.Stream, error) {
	var (
		url  string
		body []byte
		err  error
	)
	if c.UseResponses {
		url = fmt.Sprintf("%s/api/v1/responses", c.BaseURL)
		body, err = json.Marshal(responsesRequest{
			Model:  c.Model,
			Input:  req.Input,
			Stream: true,
		})
	} else {
		url = fmt.Sprintf("%s/chat/completions", c.BaseURL)
		messages := make([]chatMessage, 0, len(req.History)+1)
		for _, m := range req.History {
			messages = append(messages, chatMessage{Role: string(m.Role), Content: m.Content})
		}
		messages = append(messages, chatMessage{Role: "user", Content: req.Input})
		body, err = json.Marshal(completionsRequest{
			Model:    c.Model,
			Messages: messages,
			Stream:   true,
		})
	}
	if err != nil {
		return nil, errors.Wrap(err, "could not marshal completion request")
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.APIKey)
	}

	log.Debug().Str("url", url).Str("model", c.Model).Msg("compat starting completion")
	resp, err := c.HTTPClient.Do(httpReq)
	if err != nil {
		return nil, errors.Wrap(err, "completion request failed")
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer func() {
			_ = resp.Body.Close()
		}()
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, errors.Errorf("completion failed with status %d: %s", resp.StatusCode, string(b))
	}

	return NewStream(resp.Body, req.Metadata), nil
}

var _ backends.Backend = (*Client)(nil)
