package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/mhersche/chartassist/internal/applog"
)

// streamEvent is one server-push event. Text-bearing fields stay raw
// because the API ships them as strings, arrays, or nested objects
// depending on event type.
type streamEvent struct {
	Type       string          `json:"type"`
	Index      *int            `json:"index"`
	Delta      json.RawMessage `json:"delta"`
	Text       json.RawMessage `json:"text"`
	OutputText json.RawMessage `json:"output_text"`
	Error      *struct {
		Message string `json:"message"`
	} `json:"error"`
	Response *struct {
		OutputText json.RawMessage `json:"output_text"`
	} `json:"response"`
}

// parseStream consumes an event stream framed as blank-line-separated
// blocks of "data:" lines. Deltas append to the accumulated text;
// full-text events replace it. After each update onDelta is awaited
// before more input is consumed, which bounds the callback to one in
// flight. A "[DONE]" payload ends the stream immediately; on EOF without
// it, any trailing buffered payload is still parsed. Malformed payloads
// are logged and skipped; an in-band error event aborts.
func parseStream(ctx context.Context, r io.Reader, onDelta func(string) error) (string, error) {
	var (
		pending []byte
		acc     strings.Builder
		full    string // set by full-text (replace) events
		done    bool
	)

	current := func() string {
		if full != "" {
			return full
		}
		return acc.String()
	}

	handlePayload := func(payload string) error {
		trimmed := strings.TrimSpace(payload)
		if trimmed == "" {
			return nil
		}
		if trimmed == "[DONE]" {
			done = true
			return nil
		}

		var ev streamEvent
		if err := json.Unmarshal([]byte(trimmed), &ev); err != nil {
			applog.Error("llm.stream.chunk", err)
			return nil
		}

		// Only the primary response channel is tracked.
		if ev.Index != nil && *ev.Index != 0 {
			return nil
		}

		if ev.Type == "response.error" || ev.Error != nil {
			msg := "streaming error"
			if ev.Error != nil && ev.Error.Message != "" {
				msg = ev.Error.Message
			}
			return fmt.Errorf("%w: %s", ErrStream, msg)
		}

		if ev.Type == "response.output_text.delta" {
			delta := flattenText(ev.Delta, "")
			if delta == "" {
				return nil
			}
			if full != "" {
				acc.Reset()
				acc.WriteString(full)
				full = ""
			}
			acc.WriteString(delta)
			return onDelta(current())
		}

		// Non-delta text events replace the accumulated buffer.
		text := flattenText(ev.OutputText, "")
		if text == "" {
			text = flattenText(ev.Delta, "")
		}
		if text == "" {
			text = flattenText(ev.Text, "")
		}
		if text == "" && ev.Response != nil {
			text = flattenText(ev.Response.OutputText, "")
		}
		if text == "" {
			return nil
		}
		full = text
		acc.Reset()
		return onDelta(current())
	}

	handleBlock := func(block []byte) error {
		for _, line := range strings.Split(string(block), "\n") {
			if !strings.HasPrefix(line, "data:") {
				continue
			}
			if err := handlePayload(line[len("data:"):]); err != nil {
				return err
			}
			if done {
				return nil
			}
		}
		return nil
	}

	buf := make([]byte, 4096)
	for !done {
		if err := ctx.Err(); err != nil {
			return current(), err
		}

		n, readErr := r.Read(buf)
		pending = append(pending, buf[:n]...)

		// Drain every completed block; partial reads stay buffered.
		for !done {
			i := bytes.Index(pending, []byte("\n\n"))
			if i < 0 {
				break
			}
			block := pending[:i]
			pending = pending[i+2:]
			if err := handleBlock(block); err != nil {
				return current(), err
			}
		}

		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			return current(), fmt.Errorf("read stream: %w", readErr)
		}
	}

	// Trailing payload without a terminating blank line still counts.
	if !done && len(bytes.TrimSpace(pending)) > 0 {
		if err := handleBlock(pending); err != nil {
			return current(), err
		}
	}

	return current(), nil
}

// flattenText extracts text from a raw JSON value that may be a string,
// an array of strings, or an object carrying text/content fields.
func flattenText(raw json.RawMessage, sep string) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}

	var arr []string
	if err := json.Unmarshal(raw, &arr); err == nil {
		var parts []string
		for _, p := range arr {
			if p != "" {
				parts = append(parts, p)
			}
		}
		return strings.Join(parts, sep)
	}

	var obj struct {
		Text    json.RawMessage   `json:"text"`
		Content []json.RawMessage `json:"content"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil {
		if t := flattenText(obj.Text, sep); t != "" {
			return t
		}
		var parts []string
		for _, chunk := range obj.Content {
			if t := flattenText(chunk, sep); t != "" {
				parts = append(parts, t)
			}
		}
		return strings.Join(parts, "")
	}
	return ""
}
