// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package overcache

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/mobiletoly/go-overcache/overserver"
)

// HTTPRemote talks to an overserver over its collections REST API.
type HTTPRemote struct {
	BaseURL string
	// Token returns the bearer token for a call. The ctx carries the actor
	// and tenant of the call.
	Token func(ctx context.Context) (string, error)
	HTTP  *http.Client
}

// NewHTTPRemote creates a remote for baseURL.
func NewHTTPRemote(baseURL string, token func(ctx context.Context) (string, error)) *HTTPRemote {
	return &HTTPRemote{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Token:   token,
		HTTP:    &http.Client{},
	}
}

// Select reads pages from the server until q.Limit records (all of them when
// zero) were collected or no page follows.
func (r *HTTPRemote) Select(ctx context.Context, collection string, q SelectQuery) ([]Record, error) {
	req := overserver.SelectRequest{
		TenantID:  q.TenantID,
		Filters:   q.Filters,
		OrderBy:   q.OrderBy,
		Ascending: q.Ascending,
	}
	out := []Record{}
	for {
		if q.Limit > 0 {
			req.Limit = q.Limit - len(out)
		}
		var resp overserver.SelectResponse
		if err := r.do(ctx, "select "+collection, http.MethodPost, r.collectionPath(collection, "select"), req, nil, &resp); err != nil {
			return nil, err
		}
		for _, doc := range resp.Records {
			out = append(out, Record(doc))
		}
		if !resp.HasMore || (q.Limit > 0 && len(out) >= q.Limit) {
			return out, nil
		}
		if resp.NextOffset <= req.Offset {
			return nil, &TransportError{Op: "select " + collection,
				Err: fmt.Errorf("next offset %d does not advance past %d", resp.NextOffset, req.Offset)}
		}
		req.Offset = resp.NextOffset
	}
}

func (r *HTTPRemote) Get(ctx context.Context, collection, id string) (Record, error) {
	var resp overserver.RecordResponse
	if err := r.do(ctx, "get "+collection, http.MethodGet, r.recordPath(collection, id), nil, nil, &resp); err != nil {
		return nil, err
	}
	return Record(resp.Record), nil
}

func (r *HTTPRemote) Insert(ctx context.Context, collection string, payload Record, opts WriteOptions) (Record, error) {
	body, err := writeBody(payload, opts)
	if err != nil {
		return nil, err
	}
	headers := map[string]string{}
	if opts.IdempotencyKey != "" {
		headers[overserver.HeaderIdempotencyKey] = opts.IdempotencyKey
	}
	var resp overserver.RecordResponse
	if err := r.do(ctx, "insert "+collection, http.MethodPost, r.collectionPath(collection, "records"), body, headers, &resp); err != nil {
		return nil, err
	}
	return Record(resp.Record), nil
}

func (r *HTTPRemote) Update(ctx context.Context, collection, id string, payload Record, opts WriteOptions) (Record, error) {
	body, err := writeBody(payload, opts)
	if err != nil {
		return nil, err
	}
	var resp overserver.RecordResponse
	if err := r.do(ctx, "update "+collection, http.MethodPatch, r.recordPath(collection, id), body, nil, &resp); err != nil {
		return nil, err
	}
	return Record(resp.Record), nil
}

func (r *HTTPRemote) Delete(ctx context.Context, collection, id string, opts WriteOptions) error {
	return r.do(ctx, "delete "+collection, http.MethodDelete, r.recordPath(collection, id), nil, nil, nil)
}

// Ping checks the server health endpoint. It is a connectivity probe for
// Monitor.Watch.
func (r *HTTPRemote) Ping(ctx context.Context) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, r.BaseURL+"/health", nil)
	if err != nil {
		return fmt.Errorf("failed to create HTTP request: %w", err)
	}
	resp, err := r.client().Do(httpReq)
	if err != nil {
		return &TransportError{Op: "ping", Err: err}
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode != http.StatusOK {
		return &TransportError{Op: "ping", Status: resp.StatusCode, Err: errors.New(resp.Status)}
	}
	return nil
}

func (r *HTTPRemote) client() *http.Client {
	if r.HTTP != nil {
		return r.HTTP
	}
	return http.DefaultClient
}

func (r *HTTPRemote) collectionPath(collection, suffix string) string {
	return r.BaseURL + "/collections/" + url.PathEscape(collection) + "/" + suffix
}

func (r *HTTPRemote) recordPath(collection, id string) string {
	return r.collectionPath(collection, "records/"+url.PathEscape(id))
}

func writeBody(payload Record, opts WriteOptions) (overserver.WriteRequest, error) {
	raw, err := json.Marshal(wirePayload(payload))
	if err != nil {
		return overserver.WriteRequest{}, fmt.Errorf("failed to marshal payload: %w", err)
	}
	return overserver.WriteRequest{TenantID: opts.TenantID, Payload: raw}, nil
}

// do sends a JSON request and decodes a JSON response into out (if non-nil).
func (r *HTTPRemote) do(ctx context.Context, op, method, endpoint string, in any, headers map[string]string, out any) error {
	var body io.Reader
	if in != nil {
		jsonData, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to marshal %s request: %w", op, err)
		}
		body = bytes.NewReader(jsonData)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return fmt.Errorf("failed to create HTTP request: %w", err)
	}

	if r.Token != nil {
		token, err := r.Token(ctx)
		if err != nil {
			return &TransportError{Op: op, Err: fmt.Errorf("failed to get JWT token: %w", err)}
		}
		httpReq.Header.Set("Authorization", "Bearer "+token)
	}
	if in != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := r.client().Do(httpReq)
	if err != nil {
		return &TransportError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return classifyResponse(op, resp)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &TransportError{Op: op, Status: resp.StatusCode, Err: fmt.Errorf("failed to decode response: %w", err)}
	}
	return nil
}

func classifyResponse(op string, resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	var errResp overserver.ErrorResponse
	_ = json.Unmarshal(body, &errResp)

	switch {
	case resp.StatusCode >= 500,
		resp.StatusCode == http.StatusRequestTimeout,
		resp.StatusCode == http.StatusTooManyRequests:
		return &TransportError{Op: op, Status: resp.StatusCode, Err: fmt.Errorf("%s", strings.TrimSpace(string(body)))}
	case resp.StatusCode == http.StatusNotFound && errResp.Error == overserver.ReasonNotFound:
		return fmt.Errorf("%s: %w", op, ErrRemoteNotFound)
	default:
		reason := errResp.Error
		if reason == "" {
			reason = http.StatusText(resp.StatusCode)
		}
		return &RejectedError{Status: resp.StatusCode, Reason: reason, Message: errResp.Message}
	}
}
