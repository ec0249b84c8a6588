package channel

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/tidwall/gjson"

	"github.com/fleetgrid/ordertalk/pkg/chat"
	"github.com/fleetgrid/ordertalk/pkg/events"
)

// Wire envelope types. Client -> server: auth, join-room, leave-room.
// Server -> client: auth-ack, new-message, message-updated,
// message-status-updated, disconnect.
const (
	typeAuth          = "auth"
	typeAuthAck       = "auth-ack"
	typeJoinRoom      = "join-room"
	typeLeaveRoom     = "leave-room"
	typeNewMessage    = "new-message"
	typeMessageUpdate = "message-updated"
	typeStatusUpdate  = "message-status-updated"
	typeDisconnect    = "disconnect"
)

// envelope is the framing for every message on the push channel.
type envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type authPayload struct {
	Token string `json:"token"`
}

type roomPayload struct {
	ConversationID string `json:"conversationId"`
}

type newMessagePayload struct {
	Message     chat.Message `json:"message"`
	TemporaryID string       `json:"temporaryId,omitempty"`
}

type messageUpdatedPayload struct {
	TemporaryID string       `json:"temporaryId"`
	Message     chat.Message `json:"message"`
}

type statusUpdatePayload struct {
	MessageID string `json:"messageId"`
	Update    struct {
		DeliveryStatus   chat.DeliveryStatus `json:"deliveryStatus,omitempty"`
		CarrierReference string              `json:"carrierReference,omitempty"`
		ReadAt           *time.Time          `json:"readAt,omitempty"`
	} `json:"update"`
}

type disconnectPayload struct {
	Reason string `json:"reason"`
}

func marshalEnvelope(typ string, payload any) ([]byte, error) {
	env := envelope{Type: typ}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		env.Payload = raw
	}
	return json.Marshal(env)
}

// errServerDisconnect signals a server-initiated disconnect envelope; the
// read loop turns it into a Disconnected event with the carried reason.
type errServerDisconnect struct {
	reason string
}

func (e errServerDisconnect) Error() string {
	return "server disconnect: " + e.reason
}

// decodeEvent translates one server frame into a typed event. A nil event
// with nil error means the frame carries nothing for the event surface
// (unknown types are skipped, not failed, so protocol additions do not break
// older clients).
func decodeEvent(data []byte) (events.Event, error) {
	typ := gjson.GetBytes(data, "type")
	if !typ.Exists() {
		return nil, fmt.Errorf("frame without type: %s", data)
	}

	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}

	switch typ.String() {
	case typeNewMessage:
		var p newMessagePayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return nil, fmt.Errorf("decode %s: %w", typeNewMessage, err)
		}
		return events.NewMessage{Message: p.Message, TemporaryID: p.TemporaryID}, nil

	case typeMessageUpdate:
		var p messageUpdatedPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return nil, fmt.Errorf("decode %s: %w", typeMessageUpdate, err)
		}
		return events.MessageConfirmed{TemporaryID: p.TemporaryID, Message: p.Message}, nil

	case typeStatusUpdate:
		var p statusUpdatePayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return nil, fmt.Errorf("decode %s: %w", typeStatusUpdate, err)
		}
		return events.StatusChanged{
			MessageID: p.MessageID,
			Patch: events.StatusPatch{
				DeliveryStatus: p.Update.DeliveryStatus,
				CarrierRef:     p.Update.CarrierReference,
				ReadAt:         p.Update.ReadAt,
			},
		}, nil

	case typeDisconnect:
		var p disconnectPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return nil, fmt.Errorf("decode %s: %w", typeDisconnect, err)
		}
		return nil, errServerDisconnect{reason: p.Reason}

	default:
		return nil, nil
	}
}
