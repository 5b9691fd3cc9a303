package node

import "errors"

var (
	// ErrHandshakeFailure means checkin produced no usable relay destination or token.
	ErrHandshakeFailure = errors.New("relay unavailable")
	// ErrForbiddenProxy means the relay refused the channel upgrade with 403,
	// which it does for proxies whose reputation is too low.
	ErrForbiddenProxy = errors.New("proxy forbidden by relay")
	// ErrChannelClosed means the persistent channel went away.
	ErrChannelClosed = errors.New("channel closed")
	// ErrMalformedMessage marks an inbound frame that could not be handled.
	// Such frames are dropped and never end the session.
	ErrMalformedMessage = errors.New("malformed message")
)
