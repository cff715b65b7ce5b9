package ai

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const completionTimeout = 120 * time.Second

// OpenAI is a chat-completions client for any OpenAI-compatible endpoint.
type OpenAI struct {
	BaseURL string
	Model   string
	APIKey  string
	HTTP    *http.Client
}

func NewOpenAI(baseURL, model, apiKey string) *OpenAI {
	return &OpenAI{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Model:   model,
		APIKey:  apiKey,
		HTTP:    &http.Client{Timeout: completionTimeout},
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
	Stream   bool          `json:"stream,omitempty"`
}

func (c *OpenAI) Complete(ctx context.Context, p Prompt) (string, error) {
	res, err := c.post(ctx, p, false)
	if err != nil {
		return "", err
	}
	defer res.Body.Close()
	var out struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.NewDecoder(res.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("ai: decode completion: %w", err)
	}
	if len(out.Choices) == 0 {
		return "", fmt.Errorf("ai: completion returned no choices")
	}
	return out.Choices[0].Message.Content, nil
}

func (c *OpenAI) StreamComplete(ctx context.Context, p Prompt) (Stream, error) {
	res, err := c.post(ctx, p, true)
	if err != nil {
		return nil, err
	}
	return &sseStream{body: res.Body, scanner: bufio.NewScanner(res.Body)}, nil
}

func (c *OpenAI) post(ctx context.Context, p Prompt, stream bool) (*http.Response, error) {
	msgs := []chatMessage{}
	if p.System != "" {
		msgs = append(msgs, chatMessage{Role: "system", Content: p.System})
	}
	msgs = append(msgs, chatMessage{Role: "user", Content: p.User})
	data, err := json.Marshal(chatRequest{Model: c.Model, Messages: msgs, Stream: stream})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/chat/completions", bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.APIKey)
	}
	res, err := c.HTTP.Do(req)
	if err != nil {
		return nil, fmt.Errorf("ai: completion request: %w", err)
	}
	if res.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		res.Body.Close()
		return nil, fmt.Errorf("ai: status %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	}
	return res, nil
}

// sseStream reads server-sent chat-completion chunks. Cancellation of the
// request context surfaces as a Recv error; Text keeps whatever arrived
// before the failure.
type sseStream struct {
	body    io.ReadCloser
	scanner *bufio.Scanner
	buf     strings.Builder
	done    bool
}

func (s *sseStream) Recv() (string, error) {
	if s.done {
		return "", io.EOF
	}
	for s.scanner.Scan() {
		line := strings.TrimSpace(s.scanner.Text())
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if payload == "[DONE]" {
			s.done = true
			return "", io.EOF
		}
		var chunk struct {
			Choices []struct {
				Delta struct {
					Content string `json:"content"`
				} `json:"delta"`
			} `json:"choices"`
		}
		if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
			return "", fmt.Errorf("ai: decode stream chunk: %w", err)
		}
		if len(chunk.Choices) == 0 || chunk.Choices[0].Delta.Content == "" {
			continue
		}
		text := chunk.Choices[0].Delta.Content
		s.buf.WriteString(text)
		return text, nil
	}
	if err := s.scanner.Err(); err != nil {
		return "", fmt.Errorf("ai: stream read: %w", err)
	}
	s.done = true
	return "", io.EOF
}

func (s *sseStream) Text() string { return s.buf.String() }

func (s *sseStream) Close() error { return s.body.Close() }
