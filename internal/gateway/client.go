package gateway

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

const DefaultTimeout = 10 * time.Second

// Response is the outcome of a completed round trip, whatever its status.
type Response struct {
	StatusCode int
	Body       string
}

func (r *Response) IsSuccess() bool {
	return r != nil && r.StatusCode >= http.StatusOK && r.StatusCode < http.StatusMultipleChoices
}

// Err converts a non-2xx response into an APIError.
func (r *Response) Err(retryable bool) error {
	if r == nil {
		return &APIError{Retryable: retryable}
	}
	if r.IsSuccess() {
		return nil
	}
	return &APIError{
		StatusCode: r.StatusCode,
		Body:       r.Body,
		Retryable:  retryable,
	}
}

// Client performs single bearer-authenticated JSON requests.
type Client struct {
	http *resty.Client
}

func NewClient(timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	client := resty.New()
	client.SetTimeout(timeout)
	client.SetRetryCount(0)

	return &Client{http: client}
}

func NewClientWithResty(client *resty.Client) (*Client, error) {
	if client == nil {
		return nil, fmt.Errorf("resty client is required")
	}

	if client.GetClient().Timeout == 0 {
		client.SetTimeout(DefaultTimeout)
	}
	client.SetRetryCount(0)

	return &Client{http: client}, nil
}

// Do issues exactly one request. A nil payload sends no body.
func (c *Client) Do(ctx context.Context, method, rawURL, token string, payload any) (*Response, error) {
	if c == nil || c.http == nil {
		return nil, fmt.Errorf("gateway client is not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	method = strings.ToUpper(strings.TrimSpace(method))
	if method != http.MethodGet && method != http.MethodPost {
		return nil, fmt.Errorf("unsupported method %q", method)
	}
	if _, err := url.ParseRequestURI(rawURL); err != nil {
		return nil, fmt.Errorf("invalid request url: %w", err)
	}

	req := c.http.R().
		SetContext(ctx).
		SetAuthToken(token)

	if method == http.MethodPost && payload != nil {
		req.SetHeader("Content-Type", "application/json").SetBody(payload)
	}

	resp, err := req.Execute(method, rawURL)
	if err != nil {
		return nil, &TransportError{Method: method, URL: rawURL, Cause: err}
	}
	if resp == nil {
		return nil, &TransportError{Method: method, URL: rawURL, Cause: fmt.Errorf("empty response")}
	}

	return &Response{
		StatusCode: resp.StatusCode(),
		Body:       strings.TrimSpace(resp.String()),
	}, nil
}
