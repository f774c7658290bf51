package relay

import (
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/require"

	"github.com/ringline/relay/internal/domain"
	"github.com/ringline/relay/internal/protocol"
)

func newTestRouter(ringTimeout time.Duration, limiter *OfferRateLimiter) *Router {
	return NewRouter(NewRegistry(), NewCallStore(ringTimeout), nil, limiter)
}

func register(t *testing.T, rt *Router, id string) (*Session, *fakeConn) {
	t.Helper()
	conn := &fakeConn{}
	s := NewSession(conn)
	rt.Dispatch(s, []byte(fmt.Sprintf(`{"type":"register","userID":%q}`, id)))
	require.Equal(t, domain.UserID(id), s.User)
	return s, conn
}

func marshal(t *testing.T, v any) []byte {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return b
}

func testOffer() *webrtc.SessionDescription {
	return &webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0 test-offer"}
}

func testAnswer() *webrtc.SessionDescription {
	return &webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0 test-answer"}
}

// startCall drives a call-offer from caller and returns the call id the
// relay handed back.
func startCall(t *testing.T, rt *Router, caller *Session, callerConn *fakeConn, receiverID string) string {
	t.Helper()
	rt.Dispatch(caller, marshal(t, protocol.CallOffer{
		Type:       protocol.KindCallOffer,
		ReceiverID: receiverID,
		Offer:      testOffer(),
		CallType:   "video",
	}))
	initiated := callerConn.ofType(t, "call-initiated")
	require.Len(t, initiated, 1)
	callID, _ := initiated[0]["callID"].(string)
	require.NotEmpty(t, callID)
	return callID
}

func TestRouter_Offer_Reaches_Online_Receiver(t *testing.T) {
	req := require.New(t)
	rt := newTestRouter(0, nil)
	alice, aliceConn := register(t, rt, "alice")
	_, bobConn := register(t, rt, "bob")

	// When alice offers bob a video call
	callID := startCall(t, rt, alice, aliceConn, "bob")

	// Then bob gets the ringing notification with the same call id
	incoming := bobConn.ofType(t, "incoming-call")
	req.Len(incoming, 1)
	req.Equal(callID, incoming[0]["callID"])
	req.Equal("alice", incoming[0]["callerID"])
	req.Equal("video", incoming[0]["callType"])
	// No resolver and no client-supplied name: fall back to the id
	req.Equal("alice", incoming[0]["callerName"])
	offer, _ := incoming[0]["offer"].(map[string]any)
	req.Equal("v=0 test-offer", offer["sdp"])
}

func TestRouter_Offer_Uses_Supplied_Caller_Name(t *testing.T) {
	req := require.New(t)
	rt := newTestRouter(0, nil)
	alice, _ := register(t, rt, "alice")
	_, bobConn := register(t, rt, "bob")

	rt.Dispatch(alice, marshal(t, protocol.CallOffer{
		Type:       protocol.KindCallOffer,
		ReceiverID: "bob",
		Offer:      testOffer(),
		CallType:   "voice",
		CallerName: "Alice Liddell",
	}))

	incoming := bobConn.ofType(t, "incoming-call")
	req.Len(incoming, 1)
	req.Equal("Alice Liddell", incoming[0]["callerName"])
}

func TestRouter_Offer_Resolves_Caller_Name(t *testing.T) {
	req := require.New(t)
	rt := NewRouter(NewRegistry(), NewCallStore(0), func(id domain.UserID) string {
		return "Profile " + string(id)
	}, nil)
	alice, aliceConn := register(t, rt, "alice")
	_, bobConn := register(t, rt, "bob")

	startCall(t, rt, alice, aliceConn, "bob")

	incoming := bobConn.ofType(t, "incoming-call")
	req.Len(incoming, 1)
	req.Equal("Profile alice", incoming[0]["callerName"])
}

func TestRouter_Offer_To_Offline_User_Fails(t *testing.T) {
	req := require.New(t)
	rt := newTestRouter(0, nil)
	alice, aliceConn := register(t, rt, "alice")

	rt.Dispatch(alice, marshal(t, protocol.CallOffer{
		Type:       protocol.KindCallOffer,
		ReceiverID: "ghost",
		Offer:      testOffer(),
		CallType:   "video",
	}))

	// The call id existed before the failure reply
	req.Len(aliceConn.ofType(t, "call-initiated"), 1)
	failed := aliceConn.ofType(t, "call-failed")
	req.Len(failed, 1)
	req.Equal("user not available", failed[0]["reason"])
	// And no session leaks
	req.Zero(rt.Calls.Count())
}

func TestRouter_Answer_Routes_Back_To_Caller(t *testing.T) {
	req := require.New(t)
	rt := newTestRouter(0, nil)
	alice, aliceConn := register(t, rt, "alice")
	bob, _ := register(t, rt, "bob")

	callID := startCall(t, rt, alice, aliceConn, "bob")

	// When bob answers
	rt.Dispatch(bob, marshal(t, protocol.CallAnswer{
		Type:   protocol.KindCallAnswer,
		CallID: callID,
		Answer: testAnswer(),
	}))

	// Then alice receives the answer for that call
	answered := aliceConn.ofType(t, "call-answered")
	req.Len(answered, 1)
	req.Equal(callID, answered[0]["callID"])
	answer, _ := answered[0]["answer"].(map[string]any)
	req.Equal("v=0 test-answer", answer["sdp"])
}

func TestRouter_Answer_By_Caller_Is_Dropped(t *testing.T) {
	req := require.New(t)
	rt := newTestRouter(0, nil)
	alice, aliceConn := register(t, rt, "alice")
	register(t, rt, "bob")

	callID := startCall(t, rt, alice, aliceConn, "bob")

	// The caller cannot answer their own offer
	rt.Dispatch(alice, marshal(t, protocol.CallAnswer{
		Type:   protocol.KindCallAnswer,
		CallID: callID,
		Answer: testAnswer(),
	}))

	req.Empty(aliceConn.ofType(t, "call-answered"))
}

func TestRouter_Reject_Notifies_Caller(t *testing.T) {
	req := require.New(t)
	rt := newTestRouter(0, nil)
	alice, aliceConn := register(t, rt, "alice")
	bob, _ := register(t, rt, "bob")

	callID := startCall(t, rt, alice, aliceConn, "bob")

	rt.Dispatch(bob, []byte(fmt.Sprintf(`{"type":"call-reject","callID":%q}`, callID)))

	rejected := aliceConn.ofType(t, "call-rejected")
	req.Len(rejected, 1)
	req.Equal(callID, rejected[0]["callID"])
	req.Zero(rt.Calls.Count())
}

func TestRouter_End_Notifies_Peer_Exactly_Once(t *testing.T) {
	req := require.New(t)
	rt := newTestRouter(0, nil)
	alice, aliceConn := register(t, rt, "alice")
	bob, bobConn := register(t, rt, "bob")

	callID := startCall(t, rt, alice, aliceConn, "bob")
	rt.Dispatch(bob, marshal(t, protocol.CallAnswer{
		Type: protocol.KindCallAnswer, CallID: callID, Answer: testAnswer(),
	}))

	// When alice hangs up and then also disconnects
	rt.Dispatch(alice, []byte(fmt.Sprintf(`{"type":"call-end","callID":%q}`, callID)))
	rt.OnDisconnect(alice)

	// Then bob hears about the end exactly once
	ended := bobConn.ofType(t, "call-ended")
	req.Len(ended, 1)
	req.Equal(callID, ended[0]["callID"])
}

func TestRouter_Disconnect_Ends_Active_Call(t *testing.T) {
	req := require.New(t)
	rt := newTestRouter(0, nil)
	alice, aliceConn := register(t, rt, "alice")
	bob, bobConn := register(t, rt, "bob")

	callID := startCall(t, rt, alice, aliceConn, "bob")
	rt.Dispatch(bob, marshal(t, protocol.CallAnswer{
		Type: protocol.KindCallAnswer, CallID: callID, Answer: testAnswer(),
	}))

	// When alice's transport drops mid-call
	rt.OnDisconnect(alice)

	ended := bobConn.ofType(t, "call-ended")
	req.Len(ended, 1)
	req.Equal(callID, ended[0]["callID"])
	req.Equal("peer disconnected", ended[0]["reason"])
	req.Zero(rt.Calls.Count())
	_, online := rt.Registry.Lookup("alice")
	req.False(online)
}

func TestRouter_Stale_Disconnect_Does_Not_Evict_New_Session(t *testing.T) {
	req := require.New(t)
	rt := newTestRouter(0, nil)
	oldSess, oldConn := register(t, rt, "alice")
	fresh, _ := register(t, rt, "alice")

	// Re-registration closed the old transport
	req.True(oldConn.isClosed())

	// When the old connection's disconnect fires late
	rt.OnDisconnect(oldSess)

	// Then the fresh session is untouched
	got, online := rt.Registry.Lookup("alice")
	req.True(online)
	req.Same(fresh, got)
}

func TestRouter_Candidate_Forwarded_Verbatim(t *testing.T) {
	req := require.New(t)
	rt := newTestRouter(0, nil)
	alice, aliceConn := register(t, rt, "alice")
	bob, bobConn := register(t, rt, "bob")

	callID := startCall(t, rt, alice, aliceConn, "bob")

	mid := "0"
	rt.Dispatch(alice, marshal(t, protocol.ICECandidate{
		Type:      protocol.KindICECandidate,
		CallID:    callID,
		Candidate: &webrtc.ICECandidateInit{Candidate: "candidate:1 1 udp 2130706431 10.0.0.1 54321 typ host", SDPMid: &mid},
	}))

	forwarded := bobConn.ofType(t, "ice-candidate")
	req.Len(forwarded, 1)
	req.Equal(callID, forwarded[0]["callID"])
	cand, _ := forwarded[0]["candidate"].(map[string]any)
	req.Equal("candidate:1 1 udp 2130706431 10.0.0.1 54321 typ host", cand["candidate"])

	// And it routes the other way too
	rt.Dispatch(bob, marshal(t, protocol.ICECandidate{
		Type:      protocol.KindICECandidate,
		CallID:    callID,
		Candidate: &webrtc.ICECandidateInit{Candidate: "candidate:2"},
	}))
	req.Len(aliceConn.ofType(t, "ice-candidate"), 1)
}

func TestRouter_Candidate_For_Ended_Call_Is_Dropped(t *testing.T) {
	req := require.New(t)
	rt := newTestRouter(0, nil)
	alice, aliceConn := register(t, rt, "alice")
	bob, bobConn := register(t, rt, "bob")

	callID := startCall(t, rt, alice, aliceConn, "bob")
	rt.Dispatch(bob, []byte(fmt.Sprintf(`{"type":"call-end","callID":%q}`, callID)))

	rt.Dispatch(alice, marshal(t, protocol.ICECandidate{
		Type:      protocol.KindICECandidate,
		CallID:    callID,
		Candidate: &webrtc.ICECandidateInit{Candidate: "candidate:late"},
	}))

	req.Empty(bobConn.ofType(t, "ice-candidate"))
}

func TestRouter_Busy_Pair_Offer_Fails(t *testing.T) {
	req := require.New(t)
	rt := newTestRouter(0, nil)
	alice, aliceConn := register(t, rt, "alice")
	bob, bobConn := register(t, rt, "bob")

	startCall(t, rt, alice, aliceConn, "bob")

	// When bob offers back while the first call still rings
	rt.Dispatch(bob, marshal(t, protocol.CallOffer{
		Type:       protocol.KindCallOffer,
		ReceiverID: "alice",
		Offer:      testOffer(),
		CallType:   "voice",
	}))

	failed := bobConn.ofType(t, "call-failed")
	req.Len(failed, 1)
	req.Equal("call already in progress", failed[0]["reason"])
}

func TestRouter_Self_Call_Fails(t *testing.T) {
	req := require.New(t)
	rt := newTestRouter(0, nil)
	alice, aliceConn := register(t, rt, "alice")

	rt.Dispatch(alice, marshal(t, protocol.CallOffer{
		Type:       protocol.KindCallOffer,
		ReceiverID: "alice",
		Offer:      testOffer(),
		CallType:   "voice",
	}))

	failed := aliceConn.ofType(t, "call-failed")
	req.Len(failed, 1)
	req.Equal("cannot call yourself", failed[0]["reason"])
}

func TestRouter_Offer_Rate_Limited(t *testing.T) {
	req := require.New(t)
	rt := newTestRouter(0, NewOfferRateLimiter(1, time.Minute))
	alice, aliceConn := register(t, rt, "alice")
	register(t, rt, "bob")
	register(t, rt, "carol")

	startCall(t, rt, alice, aliceConn, "bob")

	rt.Dispatch(alice, marshal(t, protocol.CallOffer{
		Type:       protocol.KindCallOffer,
		ReceiverID: "carol",
		Offer:      testOffer(),
		CallType:   "voice",
	}))

	failed := aliceConn.ofType(t, "call-failed")
	req.Len(failed, 1)
	req.Equal("too many call attempts", failed[0]["reason"])
	req.Equal(1, rt.Calls.Count())
}

func TestRouter_Ringing_Timeout_Notifies_Both_Parties(t *testing.T) {
	req := require.New(t)
	rt := newTestRouter(20*time.Millisecond, nil)
	alice, aliceConn := register(t, rt, "alice")
	_, bobConn := register(t, rt, "bob")

	callID := startCall(t, rt, alice, aliceConn, "bob")

	req.Eventually(func() bool {
		return len(aliceConn.ofType(t, "call-ended")) == 1 &&
			len(bobConn.ofType(t, "call-ended")) == 1
	}, time.Second, 5*time.Millisecond)

	ended := aliceConn.ofType(t, "call-ended")
	req.Equal(callID, ended[0]["callID"])
	req.Equal("timeout", ended[0]["reason"])
	req.Zero(rt.Calls.Count())
}

func TestRouter_Message_Before_Register_Is_Dropped(t *testing.T) {
	req := require.New(t)
	rt := newTestRouter(0, nil)
	register(t, rt, "bob")

	conn := &fakeConn{}
	anon := NewSession(conn)

	rt.Dispatch(anon, marshal(t, protocol.CallOffer{
		Type:       protocol.KindCallOffer,
		ReceiverID: "bob",
		Offer:      testOffer(),
		CallType:   "voice",
	}))

	req.Empty(conn.sent(t))
	req.Zero(rt.Calls.Count())
}

func TestRouter_Malformed_Messages_Are_Ignored(t *testing.T) {
	req := require.New(t)
	rt := newTestRouter(0, nil)
	alice, aliceConn := register(t, rt, "alice")

	rt.Dispatch(alice, []byte(`not json at all`))
	rt.Dispatch(alice, []byte(`{"type":"warp-drive"}`))
	// missing required fields
	rt.Dispatch(alice, []byte(`{"type":"call-offer"}`))
	rt.Dispatch(alice, []byte(`{"type":"call-answer","callID":"x"}`))
	rt.Dispatch(alice, []byte(`{"type":"ice-candidate","candidate":{}}`))

	req.Empty(aliceConn.sent(t))
	req.Zero(rt.Calls.Count())
}

func TestRouter_Ping_Gets_Pong(t *testing.T) {
	rt := newTestRouter(0, nil)
	conn := &fakeConn{}
	anon := NewSession(conn)

	// Keepalive works even before register
	rt.Dispatch(anon, []byte(`{"type":"ping"}`))

	require.Len(t, conn.ofType(t, "pong"), 1)
}

func TestRouter_Failed_Delivery_Closes_Target(t *testing.T) {
	req := require.New(t)
	rt := newTestRouter(0, nil)
	alice, aliceConn := register(t, rt, "alice")
	_, bobConn := register(t, rt, "bob")

	// bob's transport starts rejecting writes
	bobConn.fail = true

	startCall(t, rt, alice, aliceConn, "bob")

	// The relay treats the write failure like bob disconnecting
	req.True(bobConn.isClosed())
	// alice still got her call id; reconciliation happens via bob's read loop
	req.Len(aliceConn.ofType(t, "call-initiated"), 1)
}
