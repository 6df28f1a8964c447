package langflow

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/turchina/pkg/backends"
)

// Client talks to a Langflow-style workflow automation server. A turn is a
// single flow run with streaming enabled; the response body is a
// newline-delimited event stream.
type Client struct {
	BaseURL    string
	APIKey     string
	FlowID     string
	HTTPClient *http.Client
}

type ClientOption func(*Client)

func WithHTTPClient(httpClient *http.Client) ClientOption {
	return func(c *Client) {
		c.HTTPClient = httpClient
	}
}

func NewClient(baseURL, apiKey, flowID string, options ...ClientOption) *Client {
	c := &Client{
		BaseURL:    baseURL,
		APIKey:     apiKey,
		FlowID:     flowID,
		HTTPClient: http.DefaultClient,
	}
	for _, o := range options {
		o(c)
	}
	return c
}

func (c *Client) Name() string {
	return "langflow"
}

type runRequest struct {
	InputValue string                 `json:"input_value"`
	InputType  string                 `json:"input_type"`
	OutputType string                 `json:"output_type"`
	SessionID  string                 `json:"session_id,omitempty"`
	Tweaks     map[string]interface{} `json:"tweaks,omitempty"`
}

// StartTurn uploads any attachments, then issues the streaming run call and
// hands the response body to the stream adapter.
func (c *Client) StartTurn(ctx context.Context, req backends.TurnRequest) (backends.Stream, error) {
	tweaks := map[string]interface{}{}
	if len(req.Attachments) > 0 {
		paths := make([]string, 0, len(req.Attachments))
		for _, att := range req.Attachments {
			path, err := c.UploadFile(ctx, att.Path)
			if err != nil {
				return nil, errors.Wrapf(err, "could not upload attachment %s", att.Name)
			}
			paths = append(paths, path)
		}
		tweaks["files"] = paths
	}

	body, err := json.Marshal(runRequest{
		InputValue: req.Input,
		InputType:  "chat",
		OutputType: "chat",
		SessionID:  req.SessionID,
		Tweaks:     tweaks,
	})
	if err != nil {
		return nil, errors.Wrap(err, "could not marshal run request")
	}

	url := fmt.Sprintf("%s/api/v1/run/%s?stream=true", c.BaseURL, c.FlowID)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.APIKey != "" {
		httpReq.Header.Set("x-api-key", c.APIKey)
	}

	log.Debug().Str("url", url).Str("session_id", req.SessionID).Msg("langflow starting run")
	resp, err := c.HTTPClient.Do(httpReq)
	if err != nil {
		return nil, errors.Wrap(err, "langflow run request failed")
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer func() {
			_ = resp.Body.Close()
		}()
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, errors.Errorf("langflow run failed with status %d: %s", resp.StatusCode, string(b))
	}

	return NewStream(resp.Body, req.Metadata), nil
}

type uploadResponse struct {
	FilePath string `json:"file_path"`
}

// UploadFile sends one attachment through the flow upload endpoint and
// returns the server-side file path to reference in tweaks.
func (c *Client) UploadFile(ctx context.Context, path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", errors.Wrapf(err, "could not open %s", path)
	}
	defer func() {
		_ = f.Close()
	}()

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	part, err := w.CreateFormFile("file", filepath.Base(path))
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(part, f); err != nil {
		return "", errors.Wrap(err, "could not copy file into upload body")
	}
	if err := w.Close(); err != nil {
		return "", err
	}

	url := fmt.Sprintf("%s/api/v1/files/upload/%s", c.BaseURL, c.FlowID)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, &buf)
	if err != nil {
		return "", err
	}
	httpReq.Header.Set("Content-Type", w.FormDataContentType())
	if c.APIKey != "" {
		httpReq.Header.Set("x-api-key", c.APIKey)
	}

	resp, err := c.HTTPClient.Do(httpReq)
	if err != nil {
		return "", errors.Wrap(err, "langflow upload request failed")
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", errors.Errorf("langflow upload failed with status %d: %s", resp.StatusCode, string(b))
	}

	var ur uploadResponse
	if err := json.NewDecoder(resp.Body).Decode(&ur); err != nil {
		return "", errors.Wrap(err, "could not decode upload response")
	}
	return ur.FilePath, nil
}

var _ backends.Backend = (*Client)(nil)
