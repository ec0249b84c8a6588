// Package carrier defines the status-callback contract of the message
// transport provider. The carrier itself is out of scope; this package only
// translates its webhook-shaped callbacks into delivery-status events so the
// backend can relay them onto the push channel.
package carrier

import (
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/fleetgrid/ordertalk/pkg/chat"
	"github.com/fleetgrid/ordertalk/pkg/events"
	"github.com/fleetgrid/ordertalk/pkg/logger"
)

// Config holds webhook endpoint settings.
type Config struct {
	// WebhookKey, when set, must match the X-Webhook-Key header of every
	// callback.
	WebhookKey string
}

// Callback is one carrier status callback. Carriers deliver these out of
// band and out of order; ordering is the status reducer's problem, not ours.
type Callback struct {
	MessageID        string     `json:"messageId"`
	Status           string     `json:"status"`
	CarrierReference string     `json:"carrierReference,omitempty"`
	Timestamp        *time.Time `json:"timestamp,omitempty"`
}

// statusAliases maps carrier status vocabulary onto the message lifecycle.
// Covers the common aliases carriers use for the same stage.
var statusAliases = map[string]chat.DeliveryStatus{
	"queued":      chat.StatusPending,
	"accepted":    chat.StatusPending,
	"pending":     chat.StatusPending,
	"sent":        chat.StatusSent,
	"delivered":   chat.StatusDelivered,
	"read":        chat.StatusRead,
	"played":      chat.StatusRead,
	"failed":      chat.StatusFailed,
	"undelivered": chat.StatusFailed,
}

// MapStatus translates a carrier status string onto the lifecycle.
func MapStatus(s string) (chat.DeliveryStatus, bool) {
	st, ok := statusAliases[strings.ToLower(s)]
	return st, ok
}

// Webhook receives carrier callbacks and hands the resulting status events
// to a registered sink.
type Webhook struct {
	config Config
	mu     sync.RWMutex
	sink   func(events.StatusChanged)
}

func NewWebhook(cfg Config) *Webhook {
	return &Webhook{config: cfg}
}

// SetEventSink registers the consumer of translated status events.
func (w *Webhook) SetEventSink(fn func(events.StatusChanged)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.sink = fn
}

// Handler returns the http.Handler for the carrier callback endpoint.
func (w *Webhook) Handler() http.Handler {
	return http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(rw, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		if w.config.WebhookKey != "" {
			if r.Header.Get("X-Webhook-Key") != w.config.WebhookKey {
				http.Error(rw, "unauthorized", http.StatusUnauthorized)
				return
			}
		}

		var cb Callback
		if err := json.NewDecoder(r.Body).Decode(&cb); err != nil {
			http.Error(rw, "invalid request body", http.StatusBadRequest)
			return
		}
		if cb.MessageID == "" {
			http.Error(rw, "missing messageId", http.StatusBadRequest)
			return
		}

		status, ok := MapStatus(cb.Status)
		if !ok {
			// Unknown carrier vocabulary: acknowledge so the carrier stops
			// retrying, and skip.
			logger.WarnCF("carrier", "Unknown status in callback", map[string]any{
				"message_id": cb.MessageID,
				"status":     cb.Status,
			})
			rw.WriteHeader(http.StatusOK)
			return
		}

		ev := events.StatusChanged{
			MessageID: cb.MessageID,
			Patch: events.StatusPatch{
				DeliveryStatus: status,
				CarrierRef:     cb.CarrierReference,
			},
		}
		if status == chat.StatusRead && cb.Timestamp != nil {
			ev.Patch.ReadAt = cb.Timestamp
		}

		w.mu.RLock()
		sink := w.sink
		w.mu.RUnlock()
		if sink != nil {
			sink(ev)
		}

		logger.InfoCF("carrier", "Status callback received", map[string]any{
			"message_id": cb.MessageID,
			"status":     string(status),
		})

		rw.WriteHeader(http.StatusOK)
	})
}
