package wiremux

import "errors"

var (
	// ErrPermissionDenied indicates a remote capability that failed
	// verification, or a capability missing where one was required.
	// Fatal to the session.
	ErrPermissionDenied = errors.New("capability verification failed")
	// ErrBrokenPipe indicates a send or forward on a closed internal
	// queue: the engine dropped the channel, or the session is gone.
	ErrBrokenPipe = errors.New("channel queue closed")
	// ErrInvalidKey indicates a channel key of the wrong length.
	ErrInvalidKey = errors.New("channel key must be 32 bytes")
	// ErrReservedType indicates an application send using a message
	// type reserved for protocol control messages.
	ErrReservedType = errors.New("message type reserved for protocol use")
	// ErrNotEstablished indicates an operation that requires a
	// completed handshake.
	ErrNotEstablished = errors.New("session not established")
	// ErrProtocolDestroyed indicates a session torn down via Destroy
	// without a more specific cause.
	ErrProtocolDestroyed = errors.New("protocol destroyed")
)
