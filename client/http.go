package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/p2ppsr/babbage-escrow/native/escrow"
)

// RequestIDHeader carries the client-chosen id of a submission.
const RequestIDHeader = "X-Request-ID"

// HTTPClient talks to an escrow overlay over HTTP. It implements
// Broadcaster, Lookup and DisputeArchive.
type HTTPClient struct {
	baseURL   string
	authToken string
	http      *http.Client
}

// NewHTTPClient returns a client for the overlay at baseURL.
func NewHTTPClient(baseURL, authToken string) *HTTPClient {
	return &HTTPClient{
		baseURL:   strings.TrimRight(baseURL, "/"),
		authToken: authToken,
		http: &http.Client{
			Timeout:   10 * time.Second,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
}

// WithHTTPClient replaces the underlying transport client.
func (c *HTTPClient) WithHTTPClient(hc *http.Client) *HTTPClient {
	if hc != nil {
		c.http = hc
	}
	return c
}

// Submit posts the RLP encoded record to the overlay. Overlay rejections come
// back as *APIError, which unwraps to the matching escrow sentinel.
func (c *HTTPClient) Submit(ctx context.Context, rec *escrow.Record) (Ack, error) {
	body, err := escrow.EncodeRecord(rec)
	if err != nil {
		return Ack{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/submit", bytes.NewReader(body))
	if err != nil {
		return Ack{}, err
	}
	requestID := uuid.NewString()
	req.Header.Set("Content-Type", "application/octet-stream")
	req.Header.Set(RequestIDHeader, requestID)
	var ack Ack
	if err := c.do(req, &ack); err != nil {
		return Ack{}, err
	}
	if ack.RequestID == "" {
		ack.RequestID = requestID
	}
	return ack, nil
}

// Query lists live tokens matching filter.
func (c *HTTPClient) Query(ctx context.Context, filter Filter) ([]Entry, error) {
	endpoint := c.baseURL + "/v1/lookup"
	if q := filter.Values().Encode(); q != "" {
		endpoint += "?" + q
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	var entries []Entry
	if err := c.do(req, &entries); err != nil {
		return nil, err
	}
	return entries, nil
}

// ResolvedDisputes lists past dispute rulings whose disputed snapshot matches
// filter.
func (c *HTTPClient) ResolvedDisputes(ctx context.Context, filter Filter) ([]Resolution, error) {
	endpoint := c.baseURL + "/v1/disputes/resolved"
	if q := filter.Values().Encode(); q != "" {
		endpoint += "?" + q
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	var out []Resolution
	if err := c.do(req, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// History returns every snapshot of a contract, oldest first, including spent
// ones.
func (c *HTTPClient) History(ctx context.Context, id escrow.ContractID) ([]Entry, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/contracts/"+id.String()+"/history", nil)
	if err != nil {
		return nil, err
	}
	var entries []Entry
	if err := c.do(req, &entries); err != nil {
		return nil, err
	}
	return entries, nil
}

func (c *HTTPClient) do(req *http.Request, out interface{}) error {
	req.Header.Set("Accept", "application/json")
	if strings.TrimSpace(c.authToken) != "" {
		req.Header.Set("Authorization", "Bearer "+c.authToken)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		apiErr := &APIError{Status: resp.StatusCode}
		if err := json.Unmarshal(body, apiErr); err != nil || apiErr.Code == "" {
			apiErr.Code = CodeInternal
			apiErr.Message = strings.TrimSpace(string(body))
		}
		apiErr.Status = resp.StatusCode
		return apiErr
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("overlay: decode %s response: %w", req.URL.Path, err)
	}
	return nil
}
