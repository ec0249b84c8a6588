package chat

// DeliveryStatus is the lifecycle stage of an outbound message as reported
// by the underlying carrier.
type DeliveryStatus string

const (
	StatusSending   DeliveryStatus = "sending"
	StatusPending   DeliveryStatus = "pending"
	StatusSent      DeliveryStatus = "sent"
	StatusDelivered DeliveryStatus = "delivered"
	StatusRead      DeliveryStatus = "read"
	StatusFailed    DeliveryStatus = "failed"
)

// statusRank encodes the lifecycle order
// sending -> pending -> sent -> delivered -> read.
// failed is terminal and handled separately in CanTransition.
var statusRank = map[DeliveryStatus]int{
	StatusSending:   0,
	StatusPending:   1,
	StatusSent:      2,
	StatusDelivered: 3,
	StatusRead:      4,
}

// IsValid reports whether s is a known delivery status.
func (s DeliveryStatus) IsValid() bool {
	if s == StatusFailed {
		return true
	}
	_, ok := statusRank[s]
	return ok
}

// Rank returns the lifecycle rank of s; failed has no rank.
func (s DeliveryStatus) Rank() (int, bool) {
	r, ok := statusRank[s]
	return r, ok
}

// CanTransition reports whether a status update from "from" to "to" advances
// the lifecycle. Updates that would regress (or repeat) are rejected, which
// makes applying status callbacks commutative over reorderings of stale and
// duplicate events:
//
//   - a failed message never changes again
//   - failed applies from any non-terminal state
//   - otherwise the update must strictly increase the lifecycle rank
func CanTransition(from, to DeliveryStatus) bool {
	if from == StatusFailed {
		return false
	}
	if to == StatusFailed {
		return true
	}
	fromRank, ok := statusRank[from]
	if !ok {
		return false
	}
	toRank, ok := statusRank[to]
	if !ok {
		return false
	}
	return toRank > fromRank
}
