// Copyright 2025 Markandayan
// SPDX-License-Identifier: Apache-2.0

package ledgersync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Replayer applies a queued mutation against the remote service. A nil return
// means the mutation is durably applied (or confirmed duplicate) and may be
// removed from the queue.
type Replayer interface {
	Replay(ctx context.Context, m *QueuedMutation) error
}

// SuggestionFetcher retrieves the server-side ranked product suggestions for
// a farmer.
type SuggestionFetcher interface {
	FetchSuggestions(ctx context.Context, farmerID string) ([]Suggestion, error)
}

// RemoteAPI talks to the ledger REST service. Every replay request carries the
// mutation id in the X-Mutation-ID header so the server can deduplicate
// retries of writes that were applied but whose response never arrived.
type RemoteAPI struct {
	baseURL string
	client  *http.Client
	token   TokenFunc
}

// NewRemoteAPI creates a remote API client. token may be nil for
// unauthenticated deployments; client defaults to a 30s-timeout client.
func NewRemoteAPI(baseURL string, client *http.Client, token TokenFunc) *RemoteAPI {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &RemoteAPI{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  client,
		token:   token,
	}
}

// Replay sends the mutation to the endpoint matching its entity and operation:
// POST /api/{entity} for create, PUT /api/{entity}/{id} for update,
// DELETE /api/{entity}/{id} for delete.
func (r *RemoteAPI) Replay(ctx context.Context, m *QueuedMutation) error {
	var method, target string
	switch m.Op {
	case OpCreate:
		method = http.MethodPost
		target = fmt.Sprintf("%s/api/%s", r.baseURL, m.EntityType)
	case OpUpdate, OpDelete:
		id, err := entityIDFromPayload(m.Payload)
		if err != nil {
			return &ValidationError{Code: "bad_payload", Message: err.Error()}
		}
		method = http.MethodPut
		if m.Op == OpDelete {
			method = http.MethodDelete
		}
		target = fmt.Sprintf("%s/api/%s/%s", r.baseURL, m.EntityType, url.PathEscape(id))
	default:
		return &ValidationError{Code: "bad_operation", Message: fmt.Sprintf("unknown operation %q", m.Op)}
	}

	var body io.Reader
	if m.Op != OpDelete && len(m.Payload) > 0 {
		body = bytes.NewReader(m.Payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return fmt.Errorf("failed to build replay request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Mutation-ID", m.ID)
	if err := r.authorize(ctx, req); err != nil {
		return err
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return &NetworkError{Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	return errorFromResponse(resp)
}

// FetchSuggestions calls GET /api/suggestions?farmer_id= and returns the
// ranked candidate list.
func (r *RemoteAPI) FetchSuggestions(ctx context.Context, farmerID string) ([]Suggestion, error) {
	target := fmt.Sprintf("%s/api/suggestions?farmer_id=%s", r.baseURL, url.QueryEscape(farmerID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build suggestions request: %w", err)
	}
	if err := r.authorize(ctx, req); err != nil {
		return nil, err
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, &NetworkError{Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, errorFromResponse(resp)
	}
	var out struct {
		Suggestions []Suggestion `json:"suggestions"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to decode suggestions response: %w", err)
	}
	return out.Suggestions, nil
}

func (r *RemoteAPI) authorize(ctx context.Context, req *http.Request) error {
	if r.token == nil {
		return nil
	}
	token, err := r.token(ctx)
	if err != nil {
		return &AuthError{Message: fmt.Sprintf("could not obtain token: %v", err)}
	}
	req.Header.Set("Authorization", "Bearer "+token)
	return nil
}

// errorFromResponse maps a non-2xx response into the error taxonomy using the
// server's JSON error envelope when present.
func errorFromResponse(resp *http.Response) error {
	var envelope struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err := json.Unmarshal(raw, &envelope); err != nil || envelope.Error == "" {
		envelope.Error = http.StatusText(resp.StatusCode)
		envelope.Message = strings.TrimSpace(string(raw))
	}
	return classifyStatus(resp.StatusCode, envelope.Error, envelope.Message)
}
