// Package gateway submits outbound messages to the backend over the
// request/response send API. It performs exactly one attempt per call and
// never touches conversation state; retries are a caller decision so a
// flaky network cannot produce duplicate deliveries.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	"golang.org/x/oauth2"

	"github.com/fleetgrid/ordertalk/pkg/chat"
)

// ErrEmptyMessage is returned when a send carries neither content nor an
// attachment. Rejected locally, before any network call.
var ErrEmptyMessage = errors.New("message has no content or attachment")

// Config holds the send API endpoint settings.
type Config struct {
	BaseURL string
	Timeout time.Duration
}

// SendRequest is the wire shape of one outbound message submission.
type SendRequest struct {
	SenderRole       string    `json:"senderRole"`
	Content          string    `json:"content"`
	Kind             chat.Kind `json:"kind"`
	RecipientAddress string    `json:"recipientAddress"`
	AttachmentName   string    `json:"attachmentName,omitempty"`
}

// sendResponse is the backend's reply envelope: either a confirmed message
// or a structured failure reason, never a partial result.
type sendResponse struct {
	Status  string        `json:"status"`
	Message *chat.Message `json:"message,omitempty"`
	Reason  string        `json:"reason,omitempty"`
}

// SendError is a failed send. Retryable distinguishes transport-level
// failures from explicit backend rejections; both terminate the message the
// same way, the flag only informs the caller's resend offer.
type SendError struct {
	Reason    string
	Retryable bool
}

func (e *SendError) Error() string {
	return fmt.Sprintf("send failed: %s", e.Reason)
}

// Client is the send gateway.
type Client struct {
	rc    *resty.Client
	token oauth2.TokenSource
}

// New creates a send gateway client. tokens may be nil for backends that do
// not require a credential.
func New(cfg Config, tokens oauth2.TokenSource) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}

	rc := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(timeout).
		SetHeader("Content-Type", "application/json")

	return &Client{rc: rc, token: tokens}
}

// Send submits one outbound message for the conversation and returns the
// backend-confirmed message (permanent id, initial delivery status of
// pending or sent). Empty payloads fail with ErrEmptyMessage; every other
// failure is a *SendError.
func (c *Client) Send(ctx context.Context, conversationID string, req SendRequest) (*chat.Message, error) {
	if req.Content == "" && req.AttachmentName == "" {
		return nil, ErrEmptyMessage
	}

	r := c.rc.R().
		SetContext(ctx).
		SetBody(req).
		SetResult(&sendResponse{}).
		SetError(&sendResponse{}).
		SetPathParam("conversation", conversationID)

	if c.token != nil {
		tok, err := c.token.Token()
		if err != nil {
			return nil, &SendError{Reason: fmt.Sprintf("credential: %v", err), Retryable: false}
		}
		r.SetAuthToken(tok.AccessToken)
	}

	resp, err := r.Post("/conversations/{conversation}/messages")
	if err != nil {
		return nil, &SendError{Reason: err.Error(), Retryable: true}
	}

	if resp.IsError() {
		reason := resp.Status()
		if body, ok := resp.Error().(*sendResponse); ok && body.Reason != "" {
			reason = body.Reason
		}
		return nil, &SendError{Reason: reason, Retryable: resp.StatusCode() >= 500}
	}

	body, ok := resp.Result().(*sendResponse)
	if !ok || body.Message == nil || body.Status != "success" {
		return nil, &SendError{Reason: "malformed gateway response", Retryable: false}
	}

	return body.Message, nil
}
