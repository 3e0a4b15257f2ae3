package orchestrator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// HTTPClient speaks the JSON run API exposed by Dagster-style
// orchestrator gateways:
//
//	POST /runs                   submit, returns {"correlation_id": "..."}
//	GET  /runs/{id}?since=...    status report
//	GET  /runs?external_id={n}   find the execution for portal run n
type HTTPClient struct {
	baseURL string
	token   string
	http    *http.Client
}

func NewHTTPClient(baseURL, token string) *HTTPClient {
	return &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    &http.Client{},
	}
}

type submitResponse struct {
	CorrelationID string `json:"correlation_id"`
}

func (c *HTTPClient) Submit(ctx context.Context, s Submission) (string, error) {
	body, err := json.Marshal(s)
	if err != nil {
		return "", fmt.Errorf("failed to marshal submission: %w", err)
	}
	var out submitResponse
	if err := c.do(ctx, http.MethodPost, "/runs", bytes.NewReader(body), &out); err != nil {
		return "", err
	}
	if out.CorrelationID == "" {
		return "", &ParseError{Err: fmt.Errorf("submit response has no correlation_id")}
	}
	return out.CorrelationID, nil
}

func (c *HTTPClient) FetchStatus(ctx context.Context, correlationID string, since *time.Time) (*Report, error) {
	path := "/runs/" + url.PathEscape(correlationID)
	if since != nil {
		path += "?since=" + url.QueryEscape(since.UTC().Format(time.RFC3339Nano))
	}
	var r Report
	if err := c.do(ctx, http.MethodGet, path, nil, &r); err != nil {
		return nil, err
	}
	if r.Status == "" {
		return nil, &ParseError{Err: fmt.Errorf("report for %s has no status", correlationID)}
	}
	if r.CorrelationID == "" {
		r.CorrelationID = correlationID
	}
	return &r, nil
}

func (c *HTTPClient) Locate(ctx context.Context, runID uint) (string, error) {
	var out submitResponse
	path := "/runs?external_id=" + strconv.FormatUint(uint64(runID), 10)
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return "", err
	}
	if out.CorrelationID == "" {
		return "", ErrNotFound
	}
	return out.CorrelationID, nil
}

func (c *HTTPClient) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("orchestrator health: status code %d", resp.StatusCode)
	}
	return nil
}

func (c *HTTPClient) do(ctx context.Context, method, path string, body io.Reader, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("failed to make request: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return ErrNotFound
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		err := fmt.Errorf("orchestrator %s %s: status code %d: %s", method, path, resp.StatusCode, strings.TrimSpace(string(msg)))
		if rejected(resp.StatusCode) {
			return fmt.Errorf("%w: %w", ErrRejected, err)
		}
		return err
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &ParseError{Err: err}
	}
	return nil
}

// rejected reports whether a status code is a definitive refusal. Timeouts,
// throttling and server errors say nothing about whether the request took
// effect.
func rejected(code int) bool {
	switch code {
	case http.StatusRequestTimeout, http.StatusConflict, http.StatusTooManyRequests:
		return false
	}
	return code >= 400 && code < 500
}
