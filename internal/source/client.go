package source

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/kursadbilgin/dispatch-worker/internal/domain"
	"github.com/kursadbilgin/dispatch-worker/internal/gateway"
)

// Client talks to the external message source: it lists pending messages
// and records delivered ones.
type Client struct {
	gw        *gateway.Client
	fetchURL  string
	updateURL string
	token     string
}

func NewClient(gw *gateway.Client, fetchURL, updateURL, token string) (*Client, error) {
	if gw == nil {
		return nil, fmt.Errorf("gateway client is required")
	}
	for name, raw := range map[string]string{"fetch": fetchURL, "update": updateURL} {
		if _, err := url.ParseRequestURI(raw); err != nil {
			return nil, fmt.Errorf("invalid %s url: %w", name, err)
		}
	}

	return &Client{
		gw:        gw,
		fetchURL:  fetchURL,
		updateURL: updateURL,
		token:     token,
	}, nil
}

// JoinURL appends an endpoint to a base URL, tolerating duplicate or missing slashes.
func JoinURL(base, endpoint string) string {
	base = strings.TrimSpace(base)
	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" {
		return base
	}
	return strings.TrimRight(base, "/") + "/" + strings.TrimLeft(endpoint, "/")
}

// FetchMessages returns every message the source currently lists, sent or not.
func (c *Client) FetchMessages(ctx context.Context) ([]domain.Message, error) {
	resp, err := c.gw.Do(ctx, http.MethodGet, c.fetchURL, c.token, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch messages: %w", err)
	}
	if err := resp.Err(true); err != nil {
		return nil, fmt.Errorf("failed to fetch messages: %w", err)
	}

	messages, err := parseMessages([]byte(resp.Body))
	if err != nil {
		return nil, err
	}
	return messages, nil
}

// MarkSent reports a delivered message back to the source.
func (c *Client) MarkSent(ctx context.Context, id int64) error {
	resp, err := c.gw.Do(ctx, http.MethodPost, c.updateURL, c.token, domain.StatusUpdate{
		ID:   id,
		Sent: true,
	})
	if err != nil {
		return fmt.Errorf("failed to mark message %d as sent: %w", id, err)
	}
	if err := resp.Err(true); err != nil {
		return fmt.Errorf("failed to mark message %d as sent: %w", id, err)
	}
	return nil
}

// wireMessage uses pointers so that missing fields can be told apart from
// zero values.
type wireMessage struct {
	ID      *int64  `json:"id"`
	Type    *string `json:"type"`
	To      *string `json:"to"`
	Message *string `json:"message"`
	Sent    *bool   `json:"sent"`
}

func parseMessages(body []byte) ([]domain.Message, error) {
	if len(bytes.TrimSpace(body)) == 0 {
		return nil, fmt.Errorf("%w: empty body", domain.ErrMalformedResponse)
	}

	var records []wireMessage
	if err := json.Unmarshal(body, &records); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrMalformedResponse, err)
	}

	messages := make([]domain.Message, 0, len(records))
	for i, r := range records {
		missing := r.missingFields()
		if len(missing) > 0 {
			return nil, fmt.Errorf("%w: record %d missing %s", domain.ErrMalformedResponse, i, strings.Join(missing, ", "))
		}
		messages = append(messages, domain.Message{
			ID:        *r.ID,
			Type:      *r.Type,
			Recipient: *r.To,
			Body:      *r.Message,
			Sent:      *r.Sent,
		})
	}

	return messages, nil
}

func (r wireMessage) missingFields() []string {
	var missing []string
	if r.ID == nil {
		missing = append(missing, "id")
	}
	if r.Type == nil {
		missing = append(missing, "type")
	}
	if r.To == nil {
		missing = append(missing, "to")
	}
	if r.Message == nil {
		missing = append(missing, "message")
	}
	if r.Sent == nil {
		missing = append(missing, "sent")
	}
	return missing
}
