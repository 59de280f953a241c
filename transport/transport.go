// Package transport adapts peer data channels into a single ordered event stream.
package transport

import (
	"context"
	"errors"
)

var (
	// ErrUnknownChannel indicates SendTo was called for a channel that is not open.
	ErrUnknownChannel = errors.New("transport: unknown channel")
	// ErrNotInitialized indicates Connect or SendTo ran before Initialize.
	ErrNotInitialized = errors.New("transport: not initialized")
	// ErrDestroyed indicates the transport has been released.
	ErrDestroyed = errors.New("transport: destroyed")
)

// EventKind identifies the shape of an Event.
type EventKind string

const (
	EventStatus EventKind = "status"
	EventError  EventKind = "error"
	EventData   EventKind = "data"
)

// Status is the transport-level lifecycle signal.
type Status string

const (
	// StatusReady means a local identity has been assigned.
	StatusReady Status = "ready"
	// StatusConnected means a remote channel is open.
	StatusConnected Status = "connected"
	// StatusDisconnected means a remote channel closed.
	StatusDisconnected Status = "disconnected"
)

// ErrorType classifies transport errors.
type ErrorType string

const (
	ErrorPeerUnavailable ErrorType = "peer-unavailable"
	ErrorNetwork         ErrorType = "network"
	ErrorServer          ErrorType = "server"
)

// Event is one item of the ordered transport stream.
type Event struct {
	Kind EventKind

	Status       Status
	ConnectionID string

	ErrorType ErrorType
	Err       error

	// Data is one tagged channel frame (see protocol.DecodeFrame).
	Data []byte
}

// Transport is the peer channel contract consumed by the session engine.
type Transport interface {
	Initialize(ctx context.Context) error
	Connect(peerID string) error
	SendTo(channelID string, frame []byte) error
	Events() <-chan Event
	Destroy() error
}

func statusEvent(status Status, connectionID string) Event {
	return Event{Kind: EventStatus, Status: status, ConnectionID: connectionID}
}

func errorEvent(errorType ErrorType, err error) Event {
	return Event{Kind: EventError, ErrorType: errorType, Err: err}
}

func dataEvent(connectionID string, frame []byte) Event {
	return Event{Kind: EventData, ConnectionID: connectionID, Data: frame}
}
