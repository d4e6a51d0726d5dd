package domain

// ConnectionID identifies a single live duplex channel to one client
// device. One identity may hold several connections at once.
type ConnectionID string

// ConnState is the liveness state of a connection.
type ConnState int32

const (
	// StateActive accepts inbound frames and outbound deliveries.
	StateActive ConnState = iota
	// StateDraining no longer accepts inbound traffic; the outbound
	// queue is being flushed before the connection closes.
	StateDraining
	// StateClosed is terminal. The connection id is no longer resolvable.
	StateClosed
)

func (s ConnState) String() string {
	switch s {
	case StateActive:
		return "active"
	case StateDraining:
		return "draining"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}
