/*
Package conn implements the communication between processes: an unreliable UDP datagram
transport and, on top of it, the Link, an authenticated channel that retransmits every
message until it is acknowledged and suppresses duplicates.
*/
package conn

import "errors"

var (
	// ErrTransportShutdown is returned when operations on a transport are
	// invoked after it's been terminated.
	ErrTransportShutdown = errors.New("transport shutdown")

	// ErrTransportUnavailable is returned when the socket cannot be bound.
	ErrTransportUnavailable = errors.New("transport unavailable")

	// ErrUnknownPeer is returned for a destination or a sender outside the membership.
	ErrUnknownPeer = errors.New("unknown peer")

	// ErrAuthentication marks a message whose signature does not verify.
	ErrAuthentication = errors.New("authentication failure")

	// ErrDuplicate marks a message that was already delivered.
	ErrDuplicate = errors.New("duplicate message")
)
