package backend

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
)

// HTTPClient matches the subset of http.Client used by Client.
type HTTPClient interface {
	Do(*http.Request) (*http.Response, error)
}

// Client issues authenticated JSON calls against the marketplace REST backend.
type Client struct {
	base         *url.URL
	client       HTTPClient
	serviceToken string
}

// Option customises Client construction.
type Option func(*Client)

// WithServiceToken sets the bearer token used when a call carries no staff token.
func WithServiceToken(token string) Option {
	return func(c *Client) {
		c.serviceToken = strings.TrimSpace(token)
	}
}

// NewClient constructs a Client rooted at baseURL.
func NewClient(baseURL string, client HTTPClient, opts ...Option) (*Client, error) {
	if strings.TrimSpace(baseURL) == "" {
		return nil, errors.New("backend: base URL is required")
	}
	parsed, err := url.Parse(strings.TrimSpace(baseURL))
	if err != nil {
		return nil, fmt.Errorf("backend: parse base URL: %w", err)
	}
	if !strings.HasSuffix(parsed.Path, "/") {
		parsed.Path += "/"
	}
	if client == nil {
		client = http.DefaultClient
	}
	c := &Client{base: parsed, client: client}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c, nil
}

// GetList fetches a paginated collection and returns its raw items regardless of envelope shape.
// Extra keys name resource-specific collections (e.g. "pharmacies") checked after "items".
func (c *Client) GetList(ctx context.Context, op, endpoint string, query url.Values, token string, keys ...string) (List, error) {
	body, err := c.get(ctx, op, endpoint, query, token)
	if err != nil {
		return List{}, err
	}
	list, err := DecodeList(body, keys...)
	if err != nil {
		return List{}, &Error{Op: op, Err: err}
	}
	return list, nil
}

// GetObject fetches a single resource, unwrapping a {success,data} envelope when present.
func (c *Client) GetObject(ctx context.Context, op, endpoint string, token string) (json.RawMessage, error) {
	body, err := c.get(ctx, op, endpoint, nil, token)
	if err != nil {
		return nil, err
	}
	result, err := decodeResult(body)
	if err != nil {
		return nil, &Error{Op: op, Err: err}
	}
	if result.enveloped {
		if !result.Success {
			return nil, unsuccessful(op, http.StatusOK, result.Message)
		}
		return result.Data, nil
	}
	return json.RawMessage(body), nil
}

// Post sends a JSON payload and returns the decoded {success, data, message} result.
// A success=false response is returned as a recoverable *Error wrapping ErrUnsuccessful.
func (c *Client) Post(ctx context.Context, op, endpoint string, payload any, token string) (Result, error) {
	req, err := c.newJSONRequest(ctx, http.MethodPost, endpoint, payload, token)
	if err != nil {
		return Result{}, &Error{Op: op, Err: err}
	}
	resp, err := c.do(op, req)
	if err != nil {
		return Result{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return Result{}, errorFromResponse(op, resp)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return Result{}, &Error{Op: op, StatusCode: resp.StatusCode, Err: fmt.Errorf("read body: %w", err)}
	}
	if len(bytes.TrimSpace(body)) == 0 {
		return Result{Success: true}, nil
	}
	result, err := decodeResult(body)
	if err != nil {
		return Result{}, &Error{Op: op, StatusCode: resp.StatusCode, Err: err}
	}
	if !result.enveloped {
		return Result{Success: true, Data: json.RawMessage(body)}, nil
	}
	if !result.Success {
		return Result{}, unsuccessful(op, resp.StatusCode, result.Message)
	}
	return result, nil
}

const maxBodyBytes = 8 << 20

func (c *Client) get(ctx context.Context, op, endpoint string, query url.Values, token string) ([]byte, error) {
	req, err := c.newRequest(ctx, http.MethodGet, endpoint, nil, token)
	if err != nil {
		return nil, &Error{Op: op, Err: err}
	}
	if len(query) > 0 {
		req.URL.RawQuery = query.Encode()
	}
	resp, err := c.do(op, req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, errorFromResponse(op, resp)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, &Error{Op: op, StatusCode: resp.StatusCode, Err: fmt.Errorf("read body: %w", err)}
	}
	return body, nil
}

func (c *Client) do(op string, req *http.Request) (*http.Response, error) {
	resp, err := c.client.Do(req)
	if err != nil {
		if ctxErr := req.Context().Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, &Error{Op: op, Err: fmt.Errorf("request failed: %w", err)}
	}
	return resp, nil
}

func (c *Client) newRequest(ctx context.Context, method, endpoint string, body io.Reader, token string) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.resolve(endpoint), body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if token = firstNonEmpty(token, c.serviceToken); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	req.Header.Set("Accept", "application/json")
	return req, nil
}

func (c *Client) newJSONRequest(ctx context.Context, method, endpoint string, payload any, token string) (*http.Request, error) {
	var buf bytes.Buffer
	if payload != nil {
		enc := json.NewEncoder(&buf)
		enc.SetEscapeHTML(false)
		if err := enc.Encode(payload); err != nil {
			return nil, fmt.Errorf("encode payload: %w", err)
		}
	}
	req, err := c.newRequest(ctx, method, endpoint, &buf, token)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	return req, nil
}

func (c *Client) resolve(endpoint string) string {
	if endpoint == "" {
		return c.base.String()
	}
	if strings.HasPrefix(endpoint, "http://") || strings.HasPrefix(endpoint, "https://") {
		return endpoint
	}
	ref, err := url.Parse(strings.TrimPrefix(endpoint, "/"))
	if err != nil {
		ref = &url.URL{Path: strings.TrimPrefix(endpoint, "/")}
	}
	return c.base.ResolveReference(ref).String()
}

// PathEscape joins escaped path segments for use as an endpoint.
func PathEscape(segments ...string) string {
	escaped := make([]string, 0, len(segments))
	for _, s := range segments {
		escaped = append(escaped, url.PathEscape(strings.TrimSpace(s)))
	}
	return strings.Join(escaped, "/")
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}
