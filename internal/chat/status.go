package chat

// DeliveryStatus is the lifecycle stage of a message.
type DeliveryStatus string

const (
	StatusSending   DeliveryStatus = "sending"
	StatusSent      DeliveryStatus = "sent"
	StatusDelivered DeliveryStatus = "delivered"
	StatusRead      DeliveryStatus = "read"
	// StatusFailed is a terminal side-state reachable only from StatusSending.
	StatusFailed DeliveryStatus = "failed"
)

// Rank orders the success path. Failed and unknown values rank -1.
func (s DeliveryStatus) Rank() int {
	switch s {
	case StatusSending:
		return 0
	case StatusSent:
		return 1
	case StatusDelivered:
		return 2
	case StatusRead:
		return 3
	default:
		return -1
	}
}

// Valid reports whether s is one of the known statuses.
func (s DeliveryStatus) Valid() bool {
	return s.Rank() >= 0 || s == StatusFailed
}

// CanAdvanceTo reports whether moving from s to next is allowed. The success
// path only moves forward; failure is only possible while sending and is
// never left again.
func (s DeliveryStatus) CanAdvanceTo(next DeliveryStatus) bool {
	switch {
	case next == StatusFailed:
		return s == StatusSending
	case s == StatusFailed:
		return false
	default:
		return next.Rank() > s.Rank()
	}
}

// ParseStatus maps a wire value to a status, falling back to StatusSent.
func ParseStatus(v string) DeliveryStatus {
	s := DeliveryStatus(v)
	if s.Rank() < 0 {
		return StatusSent
	}
	return s
}
