package errors

import (
	stderrors "errors"
	"fmt"
)

var (
	// ErrUnauthorized covers unregistered connections and senders
	// acting on rooms they are not a member of.
	ErrUnauthorized = fmt.Errorf("unauthorized")

	// Capacity family.
	ErrTooManyConnections = fmt.Errorf("too many connections for user")
	ErrRoomFull           = fmt.Errorf("room is full")
	ErrTooManyRooms       = fmt.Errorf("too many rooms for user")

	ErrRateLimited     = fmt.Errorf("rate limited")
	ErrPayloadTooLarge = fmt.Errorf("payload too large")
	ErrEmptyPayload    = fmt.Errorf("empty payload")
	ErrRoomNotFound    = fmt.Errorf("room not found")
	ErrRoomExists      = fmt.Errorf("room already exists")
	ErrRoomNotEmpty    = fmt.Errorf("room is not empty")
	ErrMessageNotFound = fmt.Errorf("message not found")

	ErrStorageUnavailable = fmt.Errorf("storage unavailable")

	// ErrSlowConsumer is the backpressure release valve: the outbound
	// queue stayed full past the delivery timeout.
	ErrSlowConsumer = fmt.Errorf("slow consumer")

	ErrConnectionClosed = fmt.Errorf("connection closed")
	ErrShuttingDown     = fmt.Errorf("server shutting down")

	ErrWorkerPanic = fmt.Errorf("worker panic")
	ErrEmptyWords  = fmt.Errorf("no words have been found")
)

// Error frame kinds exposed on the transport boundary.
const (
	KindUnauthorized     = "UNAUTHORIZED"
	KindCapacityExceeded = "CAPACITY_EXCEEDED"
	KindRateLimited      = "RATE_LIMITED"
	KindPayloadTooLarge  = "PAYLOAD_TOO_LARGE"
	KindRoomNotFound     = "ROOM_NOT_FOUND"
	KindStorage          = "STORAGE_UNAVAILABLE"
	KindTimeout          = "TIMEOUT"
	KindShutdown         = "SHUTTING_DOWN"
	KindInternal         = "INTERNAL"
)

// Kind maps an error to its transport-visible kind string.
func Kind(err error) string {
	switch {
	case stderrors.Is(err, ErrUnauthorized):
		return KindUnauthorized
	case stderrors.Is(err, ErrTooManyConnections),
		stderrors.Is(err, ErrRoomFull),
		stderrors.Is(err, ErrTooManyRooms):
		return KindCapacityExceeded
	case stderrors.Is(err, ErrRateLimited):
		return KindRateLimited
	case stderrors.Is(err, ErrPayloadTooLarge), stderrors.Is(err, ErrEmptyPayload):
		return KindPayloadTooLarge
	case stderrors.Is(err, ErrRoomNotFound), stderrors.Is(err, ErrMessageNotFound):
		return KindRoomNotFound
	case stderrors.Is(err, ErrStorageUnavailable):
		return KindStorage
	case stderrors.Is(err, ErrSlowConsumer), stderrors.Is(err, ErrConnectionClosed):
		return KindTimeout
	case stderrors.Is(err, ErrShuttingDown):
		return KindShutdown
	default:
		return KindInternal
	}
}

// Closes reports whether an error kind must close the connection
// instead of leaving it open after the Error frame.
func Closes(err error) bool {
	return stderrors.Is(err, ErrUnauthorized) ||
		stderrors.Is(err, ErrSlowConsumer) ||
		stderrors.Is(err, ErrConnectionClosed)
}
