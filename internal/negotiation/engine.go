// Package negotiation drives the out-of-band offer/answer handshake that
// establishes a direct transport between two peers. One Engine serves one
// negotiation attempt; starting a new attempt means building a new Engine.
package negotiation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"p2p_chat/internal/model"
	"p2p_chat/internal/transport"
	"p2p_chat/internal/utils/log"
)

// State is the explicit negotiation state. Invalid transitions are
// rejected rather than silently tolerated.
type State int

const (
	Idle State = iota
	LocalDescriptionCreated
	CandidatesGathering
	PayloadReady
	RemoteDescriptionApplied
	Established
	Failed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case LocalDescriptionCreated:
		return "local_description_created"
	case CandidatesGathering:
		return "candidates_gathering"
	case PayloadReady:
		return "payload_ready"
	case RemoteDescriptionApplied:
		return "remote_description_applied"
	case Established:
		return "established"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// transitions lists the legal moves. The initiator walks
// Idle → LocalDescriptionCreated → CandidatesGathering → PayloadReady →
// RemoteDescriptionApplied → Established. A responder jumps from Idle to
// RemoteDescriptionApplied on the incoming offer, then produces its answer
// through the same middle states. The channel may open before the answer
// is pasted back, so PayloadReady → Established is also legal.
var transitions = map[State][]State{
	Idle:                     {LocalDescriptionCreated, RemoteDescriptionApplied},
	LocalDescriptionCreated:  {CandidatesGathering},
	CandidatesGathering:      {PayloadReady},
	PayloadReady:             {RemoteDescriptionApplied, Established},
	RemoteDescriptionApplied: {LocalDescriptionCreated, Established},
}

var ErrInvalidTransition = errors.New("negotiation: invalid state transition")

type Engine struct {
	mu            sync.Mutex
	capability    transport.Capability
	gatherTimeout time.Duration

	state          State
	role           string
	localUser      string
	remoteUser     string
	conversationID string
	channel        transport.Channel
	payload        *model.NegotiationPayload

	// channel opened before the state machine reached a state that may
	// enter Established; applied at the next PayloadReady
	channelOpened bool

	onEstablished func(ch transport.Channel)
	onHistory     func(conversationID string)
}

func New(capability transport.Capability, gatherTimeout time.Duration) *Engine {
	return &Engine{
		capability:    capability,
		gatherTimeout: gatherTimeout,
		state:         Idle,
	}
}

// OnEstablished registers the callback fired once the channel is open and
// the handshake reached Established. Register before Initiate or Accept.
func (e *Engine) OnEstablished(fn func(ch transport.Channel)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onEstablished = fn
}

// OnHistory registers the callback a responder uses to schedule loading
// prior history once the conversation id is known.
func (e *Engine) OnHistory(fn func(conversationID string)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onHistory = fn
}

func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

func (e *Engine) RemoteUser() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.remoteUser
}

func (e *Engine) ConversationID() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.conversationID
}

func (e *Engine) Channel() transport.Channel {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.channel
}

// Payload returns the last payload produced for manual transmission.
func (e *Engine) Payload() *model.NegotiationPayload {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.payload
}

// transition moves to the next state, with Failed always reachable.
// Callers hold e.mu.
func (e *Engine) transition(to State) error {
	if to == Failed {
		e.state = Failed
		return nil
	}
	if e.state == Established && to == RemoteDescriptionApplied {
		// the channel opened while the answer was in flight; keep the
		// established session rather than rejecting the paste
		return nil
	}
	for _, allowed := range transitions[e.state] {
		if allowed == to {
			e.state = to
			if to == PayloadReady && e.channelOpened {
				e.state = Established
			}
			return nil
		}
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, e.state, to)
}

// fail abandons the session. No retry is attempted at this layer.
func (e *Engine) fail(err error) error {
	e.mu.Lock()
	e.state = Failed
	e.mu.Unlock()

	_ = e.capability.Close()
	log.Error("negotiation failed", zap.Error(err))
	return err
}

// markEstablished is invoked by the transport once the channel binds.
func (e *Engine) markEstablished(ch transport.Channel) {
	e.mu.Lock()
	if e.state == Failed || e.state == Established {
		e.mu.Unlock()
		return
	}
	e.channel = ch

	// A responder's channel can bind while it is still producing its
	// answer; hold Established until the payload exists.
	advance := e.state == PayloadReady ||
		(e.role == model.RoleOffer && e.state == RemoteDescriptionApplied)
	if !advance {
		e.channelOpened = true
		e.mu.Unlock()
		return
	}
	e.state = Established
	fn := e.onEstablished
	e.mu.Unlock()

	if fn != nil {
		fn(ch)
	}
}

// Initiate starts a negotiation as the offering side. It creates the local
// description, pre-opens the channel, gathers the finite candidate set
// bounded by the gather timeout, and produces the offer payload for manual
// transmission. Any capability failure abandons the session.
func (e *Engine) Initiate(ctx context.Context, localUser, remoteUserHint string) (*model.NegotiationPayload, error) {
	e.mu.Lock()
	if e.state != Idle {
		e.mu.Unlock()
		return nil, fmt.Errorf("%w: initiate from %s", ErrInvalidTransition, e.state)
	}
	e.role = model.RoleOffer
	e.localUser = localUser
	e.remoteUser = remoteUserHint
	if id, ok := model.ConversationID(localUser, remoteUserHint); ok {
		e.conversationID = id
	}
	e.mu.Unlock()

	desc, err := e.capability.CreateOffer(ctx)
	if err != nil {
		return nil, e.fail(fmt.Errorf("create offer description: %w", err))
	}
	e.mu.Lock()
	if err := e.transition(LocalDescriptionCreated); err != nil {
		e.mu.Unlock()
		return nil, e.fail(err)
	}
	e.mu.Unlock()

	ch, err := e.capability.OpenChannel()
	if err != nil {
		return nil, e.fail(fmt.Errorf("open channel: %w", err))
	}
	ch.OnOpen(func() { e.markEstablished(ch) })
	e.mu.Lock()
	e.channel = ch
	e.mu.Unlock()

	candidates, err := e.gather(ctx)
	if err != nil {
		return nil, e.fail(err)
	}

	payload := &model.NegotiationPayload{
		Role:        model.RoleOffer,
		Description: desc,
		Candidates:  candidates,
		Sender:      localUser,
		Recipient:   remoteUserHint,
	}

	e.mu.Lock()
	if err := e.transition(PayloadReady); err != nil {
		e.mu.Unlock()
		return nil, e.fail(err)
	}
	e.payload = payload
	established := e.state == Established
	fn := e.onEstablished
	e.mu.Unlock()

	if established && fn != nil {
		fn(ch)
	}
	return payload, nil
}

// Accept consumes a pasted payload. An answer completes a negotiation this
// side initiated and returns no payload; an offer runs the responder flow
// and returns the answer payload to hand back out-of-band.
func (e *Engine) Accept(ctx context.Context, localUser string, p *model.NegotiationPayload) (*model.NegotiationPayload, error) {
	switch p.Role {
	case model.RoleAnswer:
		return nil, e.acceptAnswer(ctx, p)
	case model.RoleOffer:
		return e.acceptOffer(ctx, localUser, p)
	default:
		return nil, fmt.Errorf("negotiation: unknown payload role %q", p.Role)
	}
}

func (e *Engine) acceptAnswer(ctx context.Context, p *model.NegotiationPayload) error {
	e.mu.Lock()
	if e.state == Established {
		// the answer was pasted twice, or the channel opened before the
		// paste; reapplying is a no-op
		e.mu.Unlock()
		log.Debug("answer reapplied after establishment, ignoring")
		return nil
	}
	if e.role != model.RoleOffer || e.state != PayloadReady {
		e.mu.Unlock()
		return fmt.Errorf("%w: answer in state %s", ErrInvalidTransition, e.state)
	}
	e.mu.Unlock()

	if err := e.capability.ApplyRemote(ctx, p.Description); err != nil {
		return e.fail(fmt.Errorf("apply answer description: %w", err))
	}
	e.mu.Lock()
	if err := e.transition(RemoteDescriptionApplied); err != nil {
		e.mu.Unlock()
		return e.fail(err)
	}
	e.mu.Unlock()

	// list order preserved; duplicates tolerated by the capability
	for _, c := range p.Candidates {
		if err := e.capability.AddCandidate(ctx, c); err != nil {
			return e.fail(fmt.Errorf("apply candidate %s: %w", c.Addr, err))
		}
	}
	return nil
}

func (e *Engine) acceptOffer(ctx context.Context, localUser string, p *model.NegotiationPayload) (*model.NegotiationPayload, error) {
	conversationID, ok := model.ConversationID(localUser, p.Sender)
	if !ok {
		return nil, errors.New("negotiation: offer carries no usable sender name")
	}

	e.mu.Lock()
	if e.state != Idle {
		e.mu.Unlock()
		return nil, fmt.Errorf("%w: offer in state %s", ErrInvalidTransition, e.state)
	}
	e.role = model.RoleAnswer
	e.localUser = localUser
	e.remoteUser = p.Sender
	e.conversationID = conversationID
	onHistory := e.onHistory
	e.mu.Unlock()

	e.capability.AcceptChannel(func(ch transport.Channel) {
		e.markEstablished(ch)
	})

	if err := e.capability.ApplyRemote(ctx, p.Description); err != nil {
		return nil, e.fail(fmt.Errorf("apply offer description: %w", err))
	}
	e.mu.Lock()
	if err := e.transition(RemoteDescriptionApplied); err != nil {
		e.mu.Unlock()
		return nil, e.fail(err)
	}
	e.mu.Unlock()

	for _, c := range p.Candidates {
		if err := e.capability.AddCandidate(ctx, c); err != nil {
			return nil, e.fail(fmt.Errorf("apply candidate %s: %w", c.Addr, err))
		}
	}

	desc, err := e.capability.CreateAnswer(ctx)
	if err != nil {
		return nil, e.fail(fmt.Errorf("create answer description: %w", err))
	}
	e.mu.Lock()
	if err := e.transition(LocalDescriptionCreated); err != nil {
		e.mu.Unlock()
		return nil, e.fail(err)
	}
	e.mu.Unlock()

	candidates, err := e.gather(ctx)
	if err != nil {
		return nil, e.fail(err)
	}

	payload := &model.NegotiationPayload{
		Role:        model.RoleAnswer,
		Description: desc,
		Candidates:  candidates,
	}

	e.mu.Lock()
	if err := e.transition(PayloadReady); err != nil {
		e.mu.Unlock()
		return nil, e.fail(err)
	}
	e.payload = payload
	established := e.state == Established
	ch := e.channel
	fn := e.onEstablished
	e.mu.Unlock()

	if onHistory != nil {
		go onHistory(conversationID)
	}
	if established && fn != nil {
		fn(ch)
	}
	return payload, nil
}

// gather collects the end-terminated candidate sequence, bounded by the
// configured timeout so a stalled capability cannot hang the session.
func (e *Engine) gather(ctx context.Context) ([]model.Candidate, error) {
	gctx, cancel := context.WithTimeout(ctx, e.gatherTimeout)
	defer cancel()

	e.mu.Lock()
	if err := e.transition(CandidatesGathering); err != nil {
		e.mu.Unlock()
		return nil, err
	}
	e.mu.Unlock()

	candidates, err := e.capability.GatherCandidates(gctx)
	if err != nil {
		return nil, fmt.Errorf("gather candidates: %w", err)
	}
	return candidates, nil
}

// Abandon closes the underlying capability, e.g. when the session is
// replaced by a fresh negotiation.
func (e *Engine) Abandon() {
	e.mu.Lock()
	e.state = Failed
	e.mu.Unlock()
	_ = e.capability.Close()
}
