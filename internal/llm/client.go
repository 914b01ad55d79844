// Package llm talks to the remote model API: single-shot generations and
// server-push streaming, in the Responses wire shape.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/mhersche/chartassist/internal/applog"
)

// DefaultBaseURL is the production API endpoint.
const DefaultBaseURL = "https://api.openai.com/v1"

const requestTimeout = 120 * time.Second

var (
	// ErrRequestFailed wraps non-2xx responses.
	ErrRequestFailed = errors.New("model request failed")
	// ErrStream wraps in-band streaming errors.
	ErrStream = errors.New("stream error")
)

// Client issues requests against one API base URL. The API key travels
// per request because it is resolved per page URL.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient returns a client for baseURL (DefaultBaseURL when empty).
func NewClient(baseURL string) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Client{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{Timeout: requestTimeout},
	}
}

// Request is one generation request.
type Request struct {
	APIKey string
	Model  string
	Input  string
}

type wireRequest struct {
	Model  string `json:"model"`
	Input  string `json:"input"`
	Stream bool   `json:"stream,omitempty"`
}

// Query sends a non-streaming request and returns the complete output text.
func (c *Client) Query(ctx context.Context, req Request) (string, error) {
	resp, err := c.post(ctx, req, false)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var body struct {
		OutputText json.RawMessage `json:"output_text"`
		Output     []struct {
			Content []json.RawMessage `json:"content"`
		} `json:"output"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}

	if text := flattenText(body.OutputText, "\n"); text != "" {
		return text, nil
	}

	var parts []string
	for _, item := range body.Output {
		var chunkTexts []string
		for _, chunk := range item.Content {
			if t := flattenText(chunk, "\n"); t != "" {
				chunkTexts = append(chunkTexts, t)
			}
		}
		if len(chunkTexts) > 0 {
			parts = append(parts, strings.Join(chunkTexts, "\n"))
		}
	}
	return strings.Join(parts, "\n"), nil
}

// Stream sends a streaming request. onDelta receives the cumulative text
// after every delta; the next chunk is not consumed until it returns, so
// at most one callback is in flight. Returns the final accumulated text.
func (c *Client) Stream(ctx context.Context, req Request, onDelta func(string) error) (string, error) {
	resp, err := c.post(ctx, req, true)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	return parseStream(ctx, resp.Body, onDelta)
}

func (c *Client) post(ctx context.Context, req Request, stream bool) (*http.Response, error) {
	if req.Input == "" {
		return nil, fmt.Errorf("%w: no input provided", ErrRequestFailed)
	}

	body, err := json.Marshal(wireRequest{Model: req.Model, Input: req.Input, Stream: stream})
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/responses", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+req.APIKey)

	applog.Info("llm.request", "model", req.Model, "stream", stream, "chars", len(req.Input))

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		applog.Error("llm.request", err)
		return nil, fmt.Errorf("%w: %v", ErrRequestFailed, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		msg := errorMessage(resp)
		applog.Error("llm.request", fmt.Errorf("%s", msg), "status", resp.StatusCode)
		return nil, fmt.Errorf("%w: %s", ErrRequestFailed, msg)
	}
	return resp, nil
}

// errorMessage extracts the human-readable message from a non-2xx JSON
// error body, falling back to the HTTP status line.
func errorMessage(resp *http.Response) string {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	var body struct {
		Message string `json:"message"`
		Error   *struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(raw, &body); err == nil {
		if body.Error != nil && body.Error.Message != "" {
			return body.Error.Message
		}
		if body.Message != "" {
			return body.Message
		}
	}
	return resp.Status
}
