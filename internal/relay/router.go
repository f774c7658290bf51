// Package relay implements the call-signaling core: the connection
// registry, the call session store and the message router that wires
// them to the transport adapters.
package relay

import (
	"encoding/json"
	"errors"

	"github.com/rs/zerolog/log"

	"github.com/ringline/relay/internal/core"
	"github.com/ringline/relay/internal/domain"
	"github.com/ringline/relay/internal/protocol"
)

// Router is the only component that touches both the registry and the
// call store for a given inbound message.
type Router struct {
	Registry *Registry
	Calls    *CallStore
	Names    core.NameResolver
	Limiter  *OfferRateLimiter
}

func NewRouter(reg *Registry, calls *CallStore, names core.NameResolver, limiter *OfferRateLimiter) *Router {
	rt := &Router{
		Registry: reg,
		Calls:    calls,
		Names:    names,
		Limiter:  limiter,
	}
	calls.OnRingTimeout(rt.onRingTimeout)
	return rt
}

// Dispatch handles one inbound frame from s. Malformed frames are
// logged and dropped; nothing here is fatal to the connection.
func (rt *Router) Dispatch(s *Session, data []byte) {
	var h protocol.Header
	if err := json.Unmarshal(data, &h); err != nil {
		log.Error().Err(err).Str("module", "relay.router").Msg("bad json")
		return
	}

	if h.Type == protocol.KindRegister {
		rt.handleRegister(s, data)
		return
	}
	if h.Type == protocol.KindPing {
		rt.sendTo(s, protocol.Header{Type: protocol.KindPong})
		return
	}
	if s.User == "" {
		log.Warn().Str("module", "relay.router").Str("type", string(h.Type)).Msg("message before register")
		return
	}

	switch h.Type {
	case protocol.KindCallOffer:
		rt.handleOffer(s, data)
	case protocol.KindCallAnswer:
		rt.handleAnswer(s, data)
	case protocol.KindCallReject:
		rt.handleControl(s, data, protocol.KindCallRejected)
	case protocol.KindCallEnd:
		rt.handleControl(s, data, protocol.KindCallEnded)
	case protocol.KindICECandidate:
		rt.handleCandidate(s, data)
	default:
		log.Warn().Str("module", "relay.router").Str("type", string(h.Type)).Msg("unknown signal")
	}
}

// OnDisconnect reconciles state after the transport for s closed. The
// identity guard in Remove makes this run once per physical disconnect
// even when the same user has already re-registered.
func (rt *Router) OnDisconnect(s *Session) {
	if s.User == "" {
		return
	}
	if !rt.Registry.Remove(s.User, s) {
		return
	}
	for _, c := range rt.Calls.TerminateAllFor(s.User) {
		peer, ok := c.PeerOf(s.User)
		if !ok {
			continue
		}
		rt.send(peer, protocol.CallEnded{
			Type:   protocol.KindCallEnded,
			CallID: string(c.ID),
			Reason: "peer disconnected",
		})
	}
}

func (rt *Router) handleRegister(s *Session, data []byte) {
	var p protocol.Register
	if err := protocol.Unmarshal(data, &p); err != nil {
		log.Error().Err(err).Str("module", "relay.router").Msg("bad register payload")
		return
	}
	uid := domain.UserID(p.UserID)
	if err := uid.Validate(); err != nil {
		log.Warn().Err(err).Str("module", "relay.router").Msg("register rejected")
		return
	}
	if s.User != "" && s.User != uid {
		log.Warn().Str("module", "relay.router").Str("user", string(s.User)).
			Str("as", string(uid)).Msg("re-register with different id ignored")
		return
	}
	s.User = uid
	rt.Registry.Register(s)
}

func (rt *Router) handleOffer(s *Session, data []byte) {
	var p protocol.CallOffer
	if err := protocol.Unmarshal(data, &p); err != nil {
		log.Error().Err(err).Str("module", "relay.router").Msg("bad offer payload")
		return
	}

	if rt.Limiter != nil && !rt.Limiter.Allow(s.User) {
		rt.sendTo(s, protocol.CallFailed{Type: protocol.KindCallFailed, Reason: "too many call attempts"})
		return
	}

	call, err := rt.Calls.Create(s.User, domain.UserID(p.ReceiverID), domain.CallKind(p.CallType))
	if err != nil {
		rt.sendTo(s, protocol.CallFailed{Type: protocol.KindCallFailed, Reason: failReason(err)})
		return
	}

	// The session exists before any reply referencing its id goes out.
	rt.sendTo(s, protocol.CallInitiated{Type: protocol.KindCallInitiated, CallID: string(call.ID)})

	receiver, online := rt.Registry.Lookup(call.Receiver)
	if !online {
		rt.Calls.Terminate(call.ID, s.User)
		rt.sendTo(s, protocol.CallFailed{Type: protocol.KindCallFailed, Reason: "user not available"})
		return
	}

	rt.sendTo(receiver, protocol.IncomingCall{
		Type:       protocol.KindIncomingCall,
		CallID:     string(call.ID),
		CallerID:   string(call.Caller),
		CallerName: rt.callerName(s, p.CallerName),
		CallType:   string(call.Kind),
		Offer:      p.Offer,
	})
}

func (rt *Router) handleAnswer(s *Session, data []byte) {
	var p protocol.CallAnswer
	if err := protocol.Unmarshal(data, &p); err != nil {
		log.Error().Err(err).Str("module", "relay.router").Msg("bad answer payload")
		return
	}

	// The caller id comes from the session record, not from the wire,
	// so a client cannot spoof the return route.
	call, err := rt.Calls.Answer(domain.CallID(p.CallID), s.User)
	if err != nil {
		// The peer may already have hung up; benign race.
		log.Debug().Str("module", "relay.router").Str("call", p.CallID).Msg("stale answer dropped")
		return
	}
	rt.send(call.Caller, protocol.CallAnswered{
		Type:   protocol.KindCallAnswered,
		CallID: string(call.ID),
		Answer: p.Answer,
	})
}

func (rt *Router) handleControl(s *Session, data []byte, out protocol.Kind) {
	var p protocol.CallControl
	if err := protocol.Unmarshal(data, &p); err != nil {
		log.Error().Err(err).Str("module", "relay.router").Msg("bad control payload")
		return
	}

	call, peer, ok := rt.Calls.Terminate(domain.CallID(p.CallID), s.User)
	if !ok {
		log.Debug().Str("module", "relay.router").Str("call", p.CallID).Msg("stale terminate dropped")
		return
	}
	rt.send(peer, protocol.CallEnded{Type: out, CallID: string(call.ID)})
}

func (rt *Router) handleCandidate(s *Session, data []byte) {
	var p protocol.ICECandidate
	if err := protocol.Unmarshal(data, &p); err != nil {
		log.Error().Err(err).Str("module", "relay.router").Msg("bad candidate payload")
		return
	}

	peer, ok := rt.Calls.Peer(domain.CallID(p.CallID), s.User)
	if !ok {
		log.Debug().Str("module", "relay.router").Str("call", p.CallID).Msg("stale candidate dropped")
		return
	}
	rt.send(peer, protocol.ICECandidate{
		Type:      protocol.KindICECandidate,
		CallID:    p.CallID,
		Candidate: p.Candidate,
	})
}

// onRingTimeout notifies both parties that an unanswered call expired.
func (rt *Router) onRingTimeout(c domain.Call) {
	ended := protocol.CallEnded{
		Type:   protocol.KindCallEnded,
		CallID: string(c.ID),
		Reason: "timeout",
	}
	rt.send(c.Caller, ended)
	rt.send(c.Receiver, ended)
}

func (rt *Router) callerName(s *Session, supplied string) string {
	if supplied != "" {
		return domain.ClampDisplayName(supplied)
	}
	if rt.Names != nil {
		if name := rt.Names(s.User); name != "" {
			return domain.ClampDisplayName(name)
		}
	}
	return string(s.User)
}

// send delivers v to user if they are registered; a vanished target is
// a no-op, the disconnect reconciler handles their calls separately.
func (rt *Router) send(user domain.UserID, v any) {
	target, ok := rt.Registry.Lookup(user)
	if !ok {
		return
	}
	rt.sendTo(target, v)
}

// sendTo marshals v onto the session's connection. A failed send is
// treated like the peer disconnecting: close the transport and let its
// read loop run the reconciler.
func (rt *Router) sendTo(s *Session, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		log.Error().Err(err).Str("module", "relay.router").Msg("marshal outbound")
		return
	}
	if err := s.Conn.TrySend(b); err != nil {
		log.Warn().Err(err).Str("module", "relay.router").Str("user", string(s.User)).Msg("send failed, closing connection")
		s.Conn.Close()
	}
}

func failReason(err error) string {
	switch {
	case errors.Is(err, ErrSelfCall):
		return "cannot call yourself"
	case errors.Is(err, ErrPairBusy):
		return "call already in progress"
	default:
		return "user not available"
	}
}
