// Package transport provides the capability layer the negotiation engine
// drives: session descriptors, candidate discovery and the bidirectional
// ordered channel opened once negotiation completes.
package transport

import (
	"context"
	"errors"

	"p2p_chat/internal/model"
)

var (
	ErrChannelNotOpen = errors.New("transport: channel not open")
	ErrNoRemote       = errors.New("transport: remote description not applied")
)

type (
	// Channel is the ordered bidirectional byte stream between two peers.
	// It may exist before it is open: the initiator pre-opens its channel
	// and the readiness flips once a peer binds.
	Channel interface {
		Open() bool
		Send(v any) error
		OnMessage(fn func(data []byte))
		OnOpen(fn func())
		OnClose(fn func())
		Close() error
	}

	// Capability is the transport surface consumed by the negotiation
	// engine. One Capability serves one negotiation attempt.
	Capability interface {
		// CreateOffer prepares the local session description for the
		// initiator role.
		CreateOffer(ctx context.Context) (*model.Descriptor, error)

		// CreateAnswer prepares the local session description for the
		// responder role.
		CreateAnswer(ctx context.Context) (*model.Descriptor, error)

		// ApplyRemote installs the peer's description.
		ApplyRemote(ctx context.Context, d *model.Descriptor) error

		// AddCandidate applies one remote candidate. Candidates are
		// additive; applying a duplicate is harmless.
		AddCandidate(ctx context.Context, c model.Candidate) error

		// GatherCandidates collects the finite set of local reachability
		// options. The context bounds the wait and allows cancellation.
		GatherCandidates(ctx context.Context) ([]model.Candidate, error)

		// OpenChannel pre-opens the channel (initiator role).
		OpenChannel() (Channel, error)

		// AcceptChannel registers the passive-acceptance callback
		// (responder role), invoked once a channel binds.
		AcceptChannel(fn func(Channel))

		// Close abandons the session and releases the listener.
		Close() error
	}
)
