package relay

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/ringline/relay/internal/domain"
)

var (
	ErrNoSuchCall = errors.New("no such active call")
	ErrSelfCall   = errors.New("caller and receiver are the same user")
	ErrPairBusy   = errors.New("call already in progress between these users")
)

// pairKey identifies an unordered {caller, receiver} pair.
type pairKey struct {
	lo, hi domain.UserID
}

func pairOf(a, b domain.UserID) pairKey {
	if b < a {
		a, b = b, a
	}
	return pairKey{lo: a, hi: b}
}

type callEntry struct {
	call  domain.Call
	timer *time.Timer
}

// CallStore owns every live call session. All operations are O(1) map
// mutations under a single mutex; termination is idempotent because
// explicit end, reject, ring timeout and disconnect may race.
type CallStore struct {
	mu     sync.Mutex
	calls  map[domain.CallID]*callEntry
	byPair map[pairKey]domain.CallID

	ringTimeout   time.Duration
	onRingTimeout func(domain.Call)
}

// NewCallStore creates a store whose ringing sessions expire after
// ringTimeout. A non-positive timeout disables expiry.
func NewCallStore(ringTimeout time.Duration) *CallStore {
	return &CallStore{
		calls:       make(map[domain.CallID]*callEntry),
		byPair:      make(map[pairKey]domain.CallID),
		ringTimeout: ringTimeout,
	}
}

// OnRingTimeout installs the expiry callback. Must be set before the
// store is shared; the callback runs outside the store lock.
func (s *CallStore) OnRingTimeout(fn func(domain.Call)) {
	s.onRingTimeout = fn
}

// Create opens a RINGING session between caller and receiver. At most
// one non-terminal session may exist per unordered pair.
func (s *CallStore) Create(caller, receiver domain.UserID, kind domain.CallKind) (domain.Call, error) {
	if caller == receiver {
		return domain.Call{}, ErrSelfCall
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	pk := pairOf(caller, receiver)
	if _, busy := s.byPair[pk]; busy {
		return domain.Call{}, ErrPairBusy
	}

	c := domain.Call{
		ID:        domain.CallID(uuid.NewString()),
		Caller:    caller,
		Receiver:  receiver,
		Kind:      kind,
		State:     domain.CallRinging,
		StartedAt: time.Now(),
	}
	e := &callEntry{call: c}
	if s.ringTimeout > 0 {
		id := c.ID
		e.timer = time.AfterFunc(s.ringTimeout, func() { s.expire(id) })
	}
	s.calls[c.ID] = e
	s.byPair[pk] = c.ID

	log.Info().Str("module", "relay.calls").Str("call", string(c.ID)).
		Str("caller", string(caller)).Str("receiver", string(receiver)).
		Str("kind", string(kind)).Msg("call created")
	return c, nil
}

// Answer moves a RINGING session to ACTIVE. Only the receiver may
// answer; any precondition failure means the call raced away.
func (s *CallStore) Answer(id domain.CallID, answerer domain.UserID) (domain.Call, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.calls[id]
	if !ok || e.call.State != domain.CallRinging || e.call.Receiver != answerer {
		return domain.Call{}, ErrNoSuchCall
	}
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
	e.call.State = domain.CallActive
	log.Info().Str("module", "relay.calls").Str("call", string(id)).Msg("call answered")
	return e.call, nil
}

// Terminate ends a non-terminal session on behalf of initiator and
// returns the surviving peer. Unknown or foreign call ids report false;
// double termination is a safe no-op.
func (s *CallStore) Terminate(id domain.CallID, initiator domain.UserID) (domain.Call, domain.UserID, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.calls[id]
	if !ok {
		return domain.Call{}, "", false
	}
	peer, ok := e.call.PeerOf(initiator)
	if !ok {
		return domain.Call{}, "", false
	}
	s.removeLocked(e)
	log.Info().Str("module", "relay.calls").Str("call", string(id)).
		Str("by", string(initiator)).Msg("call terminated")
	return e.call, peer, true
}

// TerminateAllFor ends every non-terminal session involving user and
// returns the ended calls so the peers can be notified.
func (s *CallStore) TerminateAllFor(user domain.UserID) []domain.Call {
	s.mu.Lock()
	defer s.mu.Unlock()

	var ended []domain.Call
	for _, e := range s.calls {
		if e.call.Caller != user && e.call.Receiver != user {
			continue
		}
		s.removeLocked(e)
		ended = append(ended, e.call)
	}
	if len(ended) > 0 {
		log.Info().Str("module", "relay.calls").Str("user", string(user)).
			Int("count", len(ended)).Msg("terminated calls on disconnect")
	}
	return ended
}

// Peer resolves the other participant of a non-terminal session.
// Stale or foreign references report false so the caller can drop.
func (s *CallStore) Peer(id domain.CallID, sender domain.UserID) (domain.UserID, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.calls[id]
	if !ok {
		return "", false
	}
	return e.call.PeerOf(sender)
}

func (s *CallStore) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

// removeLocked marks the entry ended and drops it from both indexes.
func (s *CallStore) removeLocked(e *callEntry) {
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
	e.call.State = domain.CallEnded
	delete(s.calls, e.call.ID)
	delete(s.byPair, pairOf(e.call.Caller, e.call.Receiver))
}

// expire fires from the ring timer. Answering or terminating first wins.
func (s *CallStore) expire(id domain.CallID) {
	s.mu.Lock()
	e, ok := s.calls[id]
	if !ok || e.call.State != domain.CallRinging {
		s.mu.Unlock()
		return
	}
	s.removeLocked(e)
	c := e.call
	s.mu.Unlock()

	log.Info().Str("module", "relay.calls").Str("call", string(id)).Msg("ringing call timed out")
	if s.onRingTimeout != nil {
		s.onRingTimeout(c)
	}
}
