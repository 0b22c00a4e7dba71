// Package protocol defines the wire types, constants, and level/capability
// semantics shared by the host and the reference bridge client.
package protocol

import "time"

const (
	Version = 2

	HeartbeatInterval = 15 * time.Second
	HeartbeatTimeout  = 30 * time.Second

	ReconnectInitialDelay = 1 * time.Second
	ReconnectMaxDelay     = 30 * time.Second

	BufferLimit = 200

	AuthTimeout            = 5 * time.Second
	ScreenshotMinInterval  = 2 * time.Second
	OverloadWindow         = 10 * time.Second
	OverloadLimit          = 500
	DiscoveryHeartbeat     = 5 * time.Second
	LockStaleness          = 15 * time.Second
	HTTPSessionStaleness   = 15 * time.Second

	MaxMessageLength = 4000
)

// Close codes, matching the WebSocket policy-violation family spec.md §6 names.
const (
	CloseAuthTimeout   = 1008
	CloseInvalidRole   = 1008
	CloseInvalidAuth   = 4001
	CloseInvalidHello  = 4002
	CloseInternalError = 1011
	CloseNormal        = 1000
)

const (
	ReasonAuthTimeout  = "Authentication timeout"
	ReasonInvalidRole  = "Invalid role"
	ReasonInvalidAuth  = "invalid auth"
	ReasonInvalidHello = "invalid hello"
	ReasonAuthRequired = "Authentication required"
)
