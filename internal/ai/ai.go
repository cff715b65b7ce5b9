// Package ai defines the advisory-model client used by the pipeline and the
// step chat, plus an OpenAI-compatible HTTP implementation.
package ai

import (
	"context"
	"encoding/json"
	"io"
	"strings"

	"reviewflow/internal/domain"
)

// Prompt is one model invocation.
type Prompt struct {
	System string
	User   string
}

// Stream is a single-consumer chunk stream. Text accumulates everything
// received so far and stays valid after a Recv error, so callers can persist
// a partial result.
type Stream interface {
	Recv() (string, error)
	Text() string
	Close() error
}

// Client produces advisory text. Output is best-effort: callers must
// tolerate malformed content via the Decode helpers below.
type Client interface {
	Complete(ctx context.Context, p Prompt) (string, error)
	StreamComplete(ctx context.Context, p Prompt) (Stream, error)
}

// Collect drains a stream. On error the accumulated text is still returned
// so the caller can checkpoint it.
func Collect(s Stream) (string, error) {
	defer s.Close()
	for {
		_, err := s.Recv()
		if err == io.EOF {
			return s.Text(), nil
		}
		if err != nil {
			return s.Text(), err
		}
	}
}

// Guidance is the structured advisory attached to a step or session. When
// the model output is not valid guidance JSON, Raw carries the text verbatim
// and the structured fields stay empty.
type Guidance struct {
	Summary   string   `json:"summary,omitempty"`
	Checklist []string `json:"checklist,omitempty"`
	Hotspots  []string `json:"hotspots,omitempty"`
	Raw       string   `json:"raw,omitempty"`
}

// Unparsed reports whether the guidance is the raw-text fallback.
func (g Guidance) Unparsed() bool {
	return g.Raw != "" && g.Summary == "" && len(g.Checklist) == 0 && len(g.Hotspots) == 0
}

// DecodeGuidance never fails: malformed or non-JSON model output becomes the
// Raw fallback variant.
func DecodeGuidance(text string) Guidance {
	trimmed := strings.TrimSpace(stripFence(text))
	var g Guidance
	if err := json.Unmarshal([]byte(trimmed), &g); err == nil {
		if g.Summary != "" || len(g.Checklist) > 0 || len(g.Hotspots) > 0 {
			g.Raw = ""
			return g
		}
	}
	return Guidance{Raw: strings.TrimSpace(text)}
}

// EncodeGuidance renders guidance for storage.
func EncodeGuidance(g Guidance) string {
	data, err := json.Marshal(g)
	if err != nil {
		return ""
	}
	return string(data)
}

// DecodeContextItems never fails: malformed model output is wrapped as a
// single note item.
func DecodeContextItems(text string) []domain.ContextItem {
	trimmed := strings.TrimSpace(stripFence(text))
	var items []domain.ContextItem
	if err := json.Unmarshal([]byte(trimmed), &items); err == nil && len(items) > 0 {
		return items
	}
	var wrapper struct {
		Items []domain.ContextItem `json:"items"`
	}
	if err := json.Unmarshal([]byte(trimmed), &wrapper); err == nil && len(wrapper.Items) > 0 {
		return wrapper.Items
	}
	return []domain.ContextItem{{Type: "note", Snippet: strings.TrimSpace(text)}}
}

// stripFence removes a surrounding markdown code fence, which models add
// even when asked for bare JSON.
func stripFence(text string) string {
	t := strings.TrimSpace(text)
	if !strings.HasPrefix(t, "```") {
		return text
	}
	t = strings.TrimPrefix(t, "```json")
	t = strings.TrimPrefix(t, "```")
	t = strings.TrimSuffix(strings.TrimSpace(t), "```")
	return t
}
