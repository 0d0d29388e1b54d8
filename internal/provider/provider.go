package provider

import (
	"context"

	"github.com/kursadbilgin/dispatch-worker/internal/gateway"
)

// Deliverer is the outbound notification delivery port.
type Deliverer interface {
	Deliver(ctx context.Context, messageType, recipient, body string) (*gateway.Response, error)
}

// Gateway holds the endpoint and credential of one delivery provider.
type Gateway struct {
	URL    string
	APIKey string
}

type deliveryRequest struct {
	To      string `json:"to"`
	Message string `json:"message"`
}
