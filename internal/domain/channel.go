package domain

import "context"

// AdapterState tracks an adapter's lifecycle.
type AdapterState int32

const (
	StateNotStarted AdapterState = iota
	StateStarting
	StateRunning
	StateStopping
	StateStopped
)

func (s AdapterState) String() string {
	switch s {
	case StateNotStarted:
		return "not_started"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Adapter is the uniform interface over channel variants.
//
// Start is idempotent and must never crash the process: a platform failure
// is logged and the adapter stays queryable as not connected. Stop cancels
// background work and is safe even after a partial Start failure. Send is
// the streaming-reconciliation entry point for outbound delivery.
type Adapter interface {
	Channel() Channel
	Start(ctx context.Context, bus MessageBus) error
	Stop() error
	Send(msg OutboundMessage)
	State() AdapterState
}
