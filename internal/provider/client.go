// Package provider wraps the upstream generation API. The ledger never
// trusts provider responses for pricing inputs it already has; usage fields
// are read only where the completed work determines the final charge.
package provider

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
)

// Video job states as reported by the upstream API.
const (
	VideoStatusQueued     = "queued"
	VideoStatusInProgress = "in_progress"
	VideoStatusCompleted  = "completed"
	VideoStatusFailed     = "failed"
)

// VideoJob is an asynchronous video generation job.
type VideoJob struct {
	ID       string      `json:"id"`
	Status   string      `json:"status"`
	Model    string      `json:"model"`
	Progress int         `json:"progress"`
	Seconds  string      `json:"seconds"`
	Size     string      `json:"size"`
	Error    *VideoError `json:"error"`
}

type VideoError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Terminal reports whether the job will not change state again.
func (j *VideoJob) Terminal() bool {
	return j.Status == VideoStatusCompleted || j.Status == VideoStatusFailed
}

type CreateVideoRequest struct {
	Model   string `json:"model"`
	Prompt  string `json:"prompt"`
	Seconds string `json:"seconds"`
	Size    string `json:"size"`
}

type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type ChatRequest struct {
	Model     string        `json:"model"`
	Messages  []ChatMessage `json:"messages"`
	MaxTokens int           `json:"max_completion_tokens,omitempty"`
}

// ChatResult carries the generated text plus the token usage the charge is
// computed from.
type ChatResult struct {
	Content      string
	InputTokens  int64
	OutputTokens int64
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int64 `json:"prompt_tokens"`
		CompletionTokens int64 `json:"completion_tokens"`
	} `json:"usage"`
}

type apiError struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// Client calls the upstream generation API.
type Client struct {
	http *resty.Client
}

func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		http: resty.New().
			SetBaseURL(baseURL).
			SetAuthToken(apiKey).
			SetTimeout(2 * time.Minute).
			SetHeader("Content-Type", "application/json"),
	}
}

func (c *Client) CreateVideo(ctx context.Context, req CreateVideoRequest) (*VideoJob, error) {
	var job VideoJob
	var apiErr apiError
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(req).
		SetResult(&job).
		SetError(&apiErr).
		Post("/videos")
	if err != nil {
		return nil, fmt.Errorf("create video: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("create video: %s (status %d)", apiErr.Error.Message, resp.StatusCode())
	}
	return &job, nil
}

func (c *Client) GetVideo(ctx context.Context, videoID string) (*VideoJob, error) {
	var job VideoJob
	var apiErr apiError
	resp, err := c.http.R().
		SetContext(ctx).
		SetResult(&job).
		SetError(&apiErr).
		Get("/videos/" + videoID)
	if err != nil {
		return nil, fmt.Errorf("get video %s: %w", videoID, err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("get video %s: %s (status %d)", videoID, apiErr.Error.Message, resp.StatusCode())
	}
	return &job, nil
}

func (c *Client) ChatCompletion(ctx context.Context, req ChatRequest) (*ChatResult, error) {
	var body chatResponse
	var apiErr apiError
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(req).
		SetResult(&body).
		SetError(&apiErr).
		Post("/chat/completions")
	if err != nil {
		return nil, fmt.Errorf("chat completion: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("chat completion: %s (status %d)", apiErr.Error.Message, resp.StatusCode())
	}

	var content string
	if len(body.Choices) > 0 {
		content = body.Choices[0].Message.Content
	}
	return &ChatResult{
		Content:      content,
		InputTokens:  body.Usage.PromptTokens,
		OutputTokens: body.Usage.CompletionTokens,
	}, nil
}
