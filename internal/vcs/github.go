package vcs

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"reviewflow/internal/domain"
)

const defaultTimeout = 30 * time.Second

// GitHub talks to the GitHub REST API v3.
type GitHub struct {
	BaseURL string
	Token   string
	HTTP    *http.Client
}

// NewGitHub builds a client for the given API base URL (api.github.com or a
// GHE instance).
func NewGitHub(baseURL, token string) *GitHub {
	return &GitHub{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Token:   token,
		HTTP:    &http.Client{Timeout: defaultTimeout},
	}
}

func (g *GitHub) GetPullRequest(ctx context.Context, ref domain.PullRef) (PullRequest, error) {
	var out struct {
		State string `json:"state"`
		Title string `json:"title"`
		Head  struct {
			SHA string `json:"sha"`
		} `json:"head"`
		User struct {
			Login string `json:"login"`
		} `json:"user"`
	}
	path := fmt.Sprintf("/repos/%s/%s/pulls/%d", ref.Owner, ref.Repo, ref.Number)
	if err := g.do(ctx, http.MethodGet, path, "", nil, &out); err != nil {
		return PullRequest{}, err
	}
	return PullRequest{
		HeadSHA: out.Head.SHA,
		State:   out.State,
		Title:   out.Title,
		Author:  out.User.Login,
	}, nil
}

func (g *GitHub) GetDiffAndFiles(ctx context.Context, ref domain.PullRef) (string, []domain.ChangedFile, error) {
	path := fmt.Sprintf("/repos/%s/%s/pulls/%d", ref.Owner, ref.Repo, ref.Number)
	var diff strings.Builder
	if err := g.doRaw(ctx, http.MethodGet, path, "application/vnd.github.v3.diff", &diff); err != nil {
		return "", nil, err
	}

	var files []domain.ChangedFile
	// Per-file metadata is paginated at 100 entries.
	for page := 1; ; page++ {
		var chunk []struct {
			Filename  string `json:"filename"`
			Status    string `json:"status"`
			Additions int    `json:"additions"`
			Deletions int    `json:"deletions"`
			Patch     string `json:"patch"`
		}
		pagePath := fmt.Sprintf("%s/files?per_page=100&page=%d", path, page)
		if err := g.do(ctx, http.MethodGet, pagePath, "", nil, &chunk); err != nil {
			return "", nil, err
		}
		for _, f := range chunk {
			files = append(files, domain.ChangedFile{
				Path:      f.Filename,
				Status:    f.Status,
				Additions: f.Additions,
				Deletions: f.Deletions,
				Patch:     f.Patch,
			})
		}
		if len(chunk) < 100 {
			break
		}
	}
	return diff.String(), files, nil
}

func (g *GitHub) CreateReview(ctx context.Context, ref domain.PullRef, event, body, commitSHA string) (int64, error) {
	payload := map[string]any{"event": event, "commit_id": commitSHA}
	if body != "" {
		payload["body"] = body
	}
	var out struct {
		ID int64 `json:"id"`
	}
	path := fmt.Sprintf("/repos/%s/%s/pulls/%d/reviews", ref.Owner, ref.Repo, ref.Number)
	if err := g.do(ctx, http.MethodPost, path, "", payload, &out); err != nil {
		return 0, err
	}
	return out.ID, nil
}

func (g *GitHub) CreateIssueComment(ctx context.Context, ref domain.PullRef, body string) (int64, error) {
	var out struct {
		ID int64 `json:"id"`
	}
	path := fmt.Sprintf("/repos/%s/%s/issues/%d/comments", ref.Owner, ref.Repo, ref.Number)
	if err := g.do(ctx, http.MethodPost, path, "", map[string]any{"body": body}, &out); err != nil {
		return 0, err
	}
	return out.ID, nil
}

func (g *GitHub) CreateReviewComment(ctx context.Context, ref domain.PullRef, in ReviewCommentInput) (int64, error) {
	payload := map[string]any{
		"body":      in.Body,
		"commit_id": in.CommitSHA,
		"path":      in.Path,
		"line":      in.Line,
	}
	if in.Side != "" {
		payload["side"] = in.Side
	}
	if in.StartLine != nil {
		payload["start_line"] = *in.StartLine
	}
	if in.StartSide != nil {
		payload["start_side"] = *in.StartSide
	}
	var out struct {
		ID int64 `json:"id"`
	}
	path := fmt.Sprintf("/repos/%s/%s/pulls/%d/comments", ref.Owner, ref.Repo, ref.Number)
	if err := g.do(ctx, http.MethodPost, path, "", payload, &out); err != nil {
		return 0, err
	}
	return out.ID, nil
}

func (g *GitHub) do(ctx context.Context, method, path, accept string, payload, out any) error {
	var reqBody io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		reqBody = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, g.BaseURL+path, reqBody)
	if err != nil {
		return err
	}
	g.setHeaders(req, accept)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	res, err := g.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("vcs: %s %s: %w", method, path, err)
	}
	defer res.Body.Close()
	if err := checkStatus(res); err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(res.Body).Decode(out); err != nil {
		return fmt.Errorf("vcs: decode %s %s: %w", method, path, err)
	}
	return nil
}

func (g *GitHub) doRaw(ctx context.Context, method, path, accept string, w io.Writer) error {
	req, err := http.NewRequestWithContext(ctx, method, g.BaseURL+path, nil)
	if err != nil {
		return err
	}
	g.setHeaders(req, accept)
	res, err := g.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("vcs: %s %s: %w", method, path, err)
	}
	defer res.Body.Close()
	if err := checkStatus(res); err != nil {
		return err
	}
	_, err = io.Copy(w, res.Body)
	return err
}

func (g *GitHub) setHeaders(req *http.Request, accept string) {
	if accept == "" {
		accept = "application/vnd.github+json"
	}
	req.Header.Set("Accept", accept)
	if g.Token != "" {
		req.Header.Set("Authorization", "Bearer "+g.Token)
	}
	req.Header.Set("X-GitHub-Api-Version", "2022-11-28")
}

// checkStatus maps 4xx (except 429, which is rate limiting and worth a
// retry) to RequestError and everything else non-2xx to a plain error.
func checkStatus(res *http.Response) error {
	if res.StatusCode >= 200 && res.StatusCode < 300 {
		return nil
	}
	data, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
	msg := strings.TrimSpace(string(data))
	var ghErr struct {
		Message string `json:"message"`
	}
	if json.Unmarshal(data, &ghErr) == nil && ghErr.Message != "" {
		msg = ghErr.Message
	}
	if res.StatusCode >= 400 && res.StatusCode < 500 && res.StatusCode != http.StatusTooManyRequests {
		return &RequestError{StatusCode: res.StatusCode, Message: msg}
	}
	return fmt.Errorf("vcs: status %d: %s", res.StatusCode, msg)
}
