// Package protocol defines the JSON envelope exchanged over the
// signaling socket. Offer/answer/candidate payloads are carried
// opaquely; the relay routes them without looking inside.
package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/go-playground/validator/v10"
	"github.com/pion/webrtc/v4"
)

type Kind string

const (
	KindRegister      Kind = "register"
	KindPing          Kind = "ping"
	KindPong          Kind = "pong"
	KindCallOffer     Kind = "call-offer"
	KindCallInitiated Kind = "call-initiated"
	KindIncomingCall  Kind = "incoming-call"
	KindCallAnswer    Kind = "call-answer"
	KindCallAnswered  Kind = "call-answered"
	KindCallReject    Kind = "call-reject"
	KindCallRejected  Kind = "call-rejected"
	KindCallEnd       Kind = "call-end"
	KindCallEnded     Kind = "call-ended"
	KindICECandidate  Kind = "ice-candidate"
	KindCallFailed    Kind = "call-failed"
)

// Header carries just the type tag; handlers re-decode the full payload.
type Header struct {
	Type Kind `json:"type"`
}

type Register struct {
	Type   Kind   `json:"type"`
	UserID string `json:"userID" validate:"required"`
}

type CallOffer struct {
	Type       Kind                       `json:"type"`
	ReceiverID string                     `json:"receiverID" validate:"required"`
	Offer      *webrtc.SessionDescription `json:"offer" validate:"required"`
	CallType   string                     `json:"callType" validate:"required,oneof=voice video"`
	CallerName string                     `json:"callerName,omitempty"`
}

type CallInitiated struct {
	Type   Kind   `json:"type"`
	CallID string `json:"callID"`
}

type IncomingCall struct {
	Type       Kind                       `json:"type"`
	CallID     string                     `json:"callID"`
	CallerID   string                     `json:"callerID"`
	CallerName string                     `json:"callerName"`
	CallType   string                     `json:"callType"`
	Offer      *webrtc.SessionDescription `json:"offer"`
}

type CallAnswer struct {
	Type   Kind                       `json:"type"`
	CallID string                     `json:"callID" validate:"required"`
	Answer *webrtc.SessionDescription `json:"answer" validate:"required"`
}

type CallAnswered struct {
	Type   Kind                       `json:"type"`
	CallID string                     `json:"callID"`
	Answer *webrtc.SessionDescription `json:"answer"`
}

// CallControl is the inbound shape shared by call-reject and call-end.
type CallControl struct {
	Type   Kind   `json:"type"`
	CallID string `json:"callID" validate:"required"`
}

// CallEnded is the outbound shape shared by call-rejected and call-ended.
type CallEnded struct {
	Type   Kind   `json:"type"`
	CallID string `json:"callID"`
	Reason string `json:"reason,omitempty"`
}

type ICECandidate struct {
	Type      Kind                     `json:"type"`
	CallID    string                   `json:"callID" validate:"required"`
	Candidate *webrtc.ICECandidateInit `json:"candidate" validate:"required"`
}

type CallFailed struct {
	Type   Kind   `json:"type"`
	Reason string `json:"reason"`
}

var validate = validator.New()

// Unmarshal decodes data into v and checks the required-field tags.
func Unmarshal(data []byte, v any) error {
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode: %w", err)
	}
	if err := validate.Struct(v); err != nil {
		return fmt.Errorf("validate: %w", err)
	}
	return nil
}
