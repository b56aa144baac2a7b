// Package fal talks to the fal.ai queue API: job submission, status polling
// and result retrieval.
package fal

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/tidwall/gjson"

	"fal-openai-adapter/internal/credential"
	"fal-openai-adapter/internal/models"
	"fal-openai-adapter/internal/provider"
)

const (
	contentTypeJSON  = "application/json"
	maxResponseBytes = 4 << 20
)

// ErrUnexpectedStatus marks a non-200 answer from a status or result endpoint.
var ErrUnexpectedStatus = errors.New("unexpected backend status")

// Client issues the three queue calls. It holds no per-job state.
type Client struct {
	httpClient *http.Client
	userAgent  string
}

// NewClient wraps an HTTP client for the fal queue.
func NewClient(httpClient *http.Client, userAgent string) (*Client, error) {
	if httpClient == nil {
		return nil, errors.New("http client must not be nil")
	}
	return &Client{
		httpClient: httpClient,
		userAgent:  userAgent,
	}, nil
}

type submitRequest struct {
	Prompt    string `json:"prompt"`
	NumImages int    `json:"num_images"`
}

// Submit creates a generation job. Transport failures are not retried.
func (c *Client) Submit(ctx context.Context, endpoints models.BackendEndpoints, apiKey string, req models.GenerationRequest) (models.JobHandle, error) {
	count := req.ImageCount
	if count <= 0 {
		count = 1
	}

	httpReq, err := c.newRequest(ctx, http.MethodPost, endpoints.SubmitURL, apiKey, submitRequest{
		Prompt:    req.Prompt,
		NumImages: count,
	})
	if err != nil {
		return models.JobHandle{}, provider.NewError(provider.KindServer, 0, "Server error: "+err.Error(), err)
	}

	slog.Debug("submitting generation job",
		"url", endpoints.SubmitURL,
		"model", req.Model,
		"num_images", count,
		"api_key", credential.Redact(apiKey),
	)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return models.JobHandle{}, provider.NewError(provider.KindServer, 0, "Server error: "+err.Error(), err)
	}
	defer resp.Body.Close()

	body, err := readBody(resp)
	if err != nil {
		return models.JobHandle{}, provider.NewError(provider.KindServer, 0, "Server error: "+err.Error(), err)
	}

	if resp.StatusCode != http.StatusOK {
		message := backendMessage(body)
		slog.Warn("fal submission rejected", "status", resp.StatusCode, "message", message)

		if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
			return models.JobHandle{}, provider.NewError(provider.KindAuthentication, resp.StatusCode,
				"Authentication error with Fal API: "+message, nil)
		}
		return models.JobHandle{}, provider.NewError(provider.KindBackend, resp.StatusCode,
			"Fal API error: "+message, nil)
	}

	requestID := gjson.GetBytes(body, "request_id")
	if !gjson.ValidBytes(body) || requestID.Type != gjson.String || requestID.Str == "" {
		return models.JobHandle{}, provider.NewError(provider.KindBackendProtocol, resp.StatusCode,
			"Missing request_id", provider.ErrMissingRequestID)
	}

	return models.JobHandle{RequestID: requestID.Str}, nil
}

// Status fetches the current lifecycle state of a job.
func (c *Client) Status(ctx context.Context, endpoints models.BackendEndpoints, apiKey string, handle models.JobHandle) (models.JobStatus, error) {
	body, err := c.get(ctx, endpoints.StatusURL(handle), apiKey)
	if err != nil {
		return models.JobStatusUnknown, fmt.Errorf("query job status: %w", err)
	}
	if !gjson.ValidBytes(body) {
		return models.JobStatusUnknown, errors.New("query job status: response is not valid JSON")
	}
	return models.ParseJobStatus(gjson.GetBytes(body, "status").String()), nil
}

// Result fetches the payload of a completed job and extracts image URLs in
// the order the backend lists them.
func (c *Client) Result(ctx context.Context, endpoints models.BackendEndpoints, apiKey string, handle models.JobHandle) (models.GenerationResult, error) {
	body, err := c.get(ctx, endpoints.ResultURL(handle), apiKey)
	if err != nil {
		return models.GenerationResult{}, fmt.Errorf("fetch job result: %w", err)
	}
	if !gjson.ValidBytes(body) {
		return models.GenerationResult{}, errors.New("fetch job result: response is not valid JSON")
	}

	var urls []string
	gjson.GetBytes(body, "images").ForEach(func(_, image gjson.Result) bool {
		if !image.IsObject() {
			return true
		}
		if u := image.Get("url"); u.Type == gjson.String && u.Str != "" {
			urls = append(urls, u.Str)
		}
		return true
	})

	return models.GenerationResult{ImageURLs: urls}, nil
}

func (c *Client) get(ctx context.Context, url, apiKey string) ([]byte, error) {
	req, err := c.newRequest(ctx, http.MethodGet, url, apiKey, nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := readBody(resp)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w %d: %s", ErrUnexpectedStatus, resp.StatusCode, truncate(strings.TrimSpace(string(body)), 200))
	}
	return body, nil
}

func (c *Client) newRequest(ctx context.Context, method, url, apiKey string, payload any) (*http.Request, error) {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal payload: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, fmt.Errorf("construct request: %w", err)
	}

	if payload != nil {
		req.Header.Set("Content-Type", contentTypeJSON)
	}
	req.Header.Set("Accept", contentTypeJSON)
	req.Header.Set("Authorization", "Key "+apiKey)
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}

	return req, nil
}

func readBody(resp *http.Response) ([]byte, error) {
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("read backend response: %w", err)
	}
	return body, nil
}

// backendMessage pulls a human readable message out of an error body,
// falling back to the raw text.
func backendMessage(body []byte) string {
	if gjson.ValidBytes(body) {
		if msg := gjson.GetBytes(body, "error.message"); msg.Type == gjson.String && msg.Str != "" {
			return msg.Str
		}
		if detail := gjson.GetBytes(body, "detail"); detail.Exists() {
			if detail.Type == gjson.String {
				return detail.Str
			}
			return detail.Raw
		}
	}
	return strings.TrimSpace(string(body))
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
