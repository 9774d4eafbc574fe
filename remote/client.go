// Copyright 2025 The BounceBack Authors
// SPDX-License-Identifier: Apache-2.0

// Package remote is the thin request layer against the remote relational
// store. It carries no retry or backoff logic; that lives in the sync
// manager and the offline queue.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"
)

// Row is one record in wire shape: snake_case keys, sensitive fields
// already encrypted.
type Row map[string]any

// ExternalServiceError is a non-success answer from the backend: either
// a non-2xx status or an error carried in the response envelope.
type ExternalServiceError struct {
	StatusCode int
	Message    string
}

func (e *ExternalServiceError) Error() string {
	return fmt.Sprintf("remote backend error (status %d): %s", e.StatusCode, e.Message)
}

// envelope is the wire response shape: data plus an error message that
// callers must check before assuming success.
type envelope struct {
	Data  []Row  `json:"data"`
	Error string `json:"error,omitempty"`
}

// Client issues upsert/select/delete requests keyed by user id.
type Client struct {
	BaseURL string
	Token   func(ctx context.Context) (string, error)
	HTTP    *http.Client
	logger  *slog.Logger
}

// NewClient builds a client for the backend at baseURL. tok supplies the
// bearer token per request.
func NewClient(baseURL string, tok func(ctx context.Context) (string, error), logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		BaseURL: baseURL,
		Token:   tok,
		HTTP:    &http.Client{Timeout: 30 * time.Second},
		logger:  logger,
	}
}

// Upsert writes rows in one batch and returns the server's view of them.
func (c *Client) Upsert(ctx context.Context, table string, rows []Row) ([]Row, error) {
	body, err := json.Marshal(map[string]any{"rows": rows})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal upsert request: %w", err)
	}
	return c.do(ctx, http.MethodPost, fmt.Sprintf("%s/sync/%s/upsert", c.BaseURL, table), body)
}

// Select returns every row of a table belonging to the user.
func (c *Client) Select(ctx context.Context, table string, userID string) ([]Row, error) {
	u := fmt.Sprintf("%s/sync/%s?user_id=%s", c.BaseURL, table, url.QueryEscape(userID))
	return c.do(ctx, http.MethodGet, u, nil)
}

// Delete removes one row by id.
func (c *Client) Delete(ctx context.Context, table string, id string) error {
	_, err := c.do(ctx, http.MethodDelete, fmt.Sprintf("%s/sync/%s/%s", c.BaseURL, table, url.PathEscape(id)), nil)
	return err
}

func (c *Client) do(ctx context.Context, method, u string, body []byte) ([]Row, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	token, err := c.Token(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get auth token: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, &ExternalServiceError{StatusCode: 0, Message: err.Error()}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		text, _ := io.ReadAll(resp.Body)
		return nil, &ExternalServiceError{StatusCode: resp.StatusCode, Message: string(text)}
	}

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	if env.Error != "" {
		return nil, &ExternalServiceError{StatusCode: resp.StatusCode, Message: env.Error}
	}
	return env.Data, nil
}
