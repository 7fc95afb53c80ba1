// Package audio defines the interfaces and types for voice-channel
// connectivity and raw audio transport within Voxscribe.
//
// The two primary abstractions are:
//
//   - [Platform]: connects to a voice channel and returns a [Connection].
//   - [Connection]: an active session on that channel, giving callers
//     per-participant compressed frame subscriptions and lifecycle state
//     transitions.
//
// Implementations of these interfaces are provided by platform-specific
// adapter packages (e.g., audio/discord). The interfaces are intentionally
// narrow so the capture pipeline stays decoupled from provider details.
//
// This package lives under pkg/ because external code (third-party platform
// adapters) is expected to implement [Platform] and [Connection].
package audio

import "context"

// ConnState classifies connection lifecycle transitions reported by a
// [Connection].
type ConnState int

const (
	// ConnReady indicates the connection is established and frames flow.
	ConnReady ConnState = iota

	// ConnDisconnected indicates the underlying transport dropped; the
	// platform may still recover it internally.
	ConnDisconnected

	// ConnDestroyed indicates the connection is gone for good. Subscribed
	// frame channels are closed when this state is reached.
	ConnDestroyed
)

// String returns the human-readable name of the state.
func (s ConnState) String() string {
	switch s {
	case ConnReady:
		return "ready"
	case ConnDisconnected:
		return "disconnected"
	case ConnDestroyed:
		return "destroyed"
	default:
		return "unknown"
	}
}

// Connection represents an active session on a voice channel.
//
// A Connection is obtained by calling [Platform.Connect] and remains valid
// until [Connection.Disconnect] is called. Frame channels returned by
// Subscribe are closed automatically when the connection is destroyed.
//
// Implementations must be safe for concurrent use.
type Connection interface {
	// Subscribe returns a channel delivering the given participant's
	// compressed audio frames as they arrive. Calling Subscribe twice for
	// the same participant returns an error; the first subscription stays
	// in effect.
	Subscribe(userID string) (<-chan OpusFrame, error)

	// Unsubscribe stops delivery for the given participant and closes the
	// channel returned by Subscribe. It is a no-op for unknown or already
	// unsubscribed participants.
	Unsubscribe(userID string)

	// OnStateChange registers cb as the callback to invoke on connection
	// lifecycle transitions. Only one callback may be registered at a time;
	// subsequent calls replace the previous registration. The callback runs
	// on an internal goroutine; callers must not block.
	OnStateChange(cb func(ConnState))

	// ChannelID returns the voice channel this connection is joined to.
	ChannelID() string

	// Disconnect cleanly tears down the connection and closes all
	// subscribed frame channels. Safe to call more than once; subsequent
	// calls are no-ops and return nil.
	Disconnect() error
}

// Platform is the entry point for a voice-channel provider. Implementations
// wrap provider-specific SDKs and expose a uniform [Connection] abstraction.
//
// Implementations must be safe for concurrent use.
type Platform interface {
	// Connect joins the voice channel identified by guildID/channelID and
	// returns an active [Connection] once the channel reaches its ready
	// state. The supplied ctx bounds the connection attempt only; once
	// connected, the Connection remains alive until Disconnect.
	Connect(ctx context.Context, guildID, channelID string) (Connection, error)
}
