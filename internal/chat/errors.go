package chat

import "errors"

// Failure classes of the presence-and-delivery path. None of them is ever
// reported to the peer; they only drive logging and metrics.
var (
	ErrHandshakeIdentityInvalid = errors.New("chat: handshake identity invalid")
	ErrMalformedEvent           = errors.New("chat: malformed event")
	ErrPersistenceFailure       = errors.New("chat: persistence failure")
	ErrPushFailure              = errors.New("chat: push failure")
	ErrLivenessTimeout          = errors.New("chat: liveness timeout")

	ErrAnonymousSender = errors.New("chat: sender has no identity")
	ErrRateLimited     = errors.New("chat: sender rate limited")
)
