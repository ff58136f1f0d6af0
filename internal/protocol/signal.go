package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/pion/webrtc/v4"
)

const (
	TypeCallOffer        Type = "voice_call_offer"
	TypeCallAnswer       Type = "voice_call_answer"
	TypeCallICECandidate Type = "voice_call_ice_candidate"
	TypeCallRejected     Type = "voice_call_rejected"
	TypeCallEnded        Type = "voice_call_ended"
	TypeCallBusy         Type = "voice_call_busy"
)

// Signal is the header shared by every call-signaling payload.
type Signal struct {
	Type           Type   `json:"type"`
	CallID         string `json:"call_id"`
	ConversationID string `json:"conversation_id"`
	FromUserID     string `json:"from_user_id"`
	ToUserID       string `json:"to_user_id"`
}

// Header returns the shared signal header.
func (s Signal) Header() Signal { return s }

// Reply builds the header of a signal going back to the sender of s.
func (s Signal) Reply(t Type) Signal {
	return Signal{
		Type:           t,
		CallID:         s.CallID,
		ConversationID: s.ConversationID,
		FromUserID:     s.ToUserID,
		ToUserID:       s.FromUserID,
	}
}

// CallSignal is a payload received on the call-signaling socket.
type CallSignal interface {
	Header() Signal
	Accept(v SignalVisitor)
}

// SignalVisitor handles every call-signaling payload.
type SignalVisitor interface {
	Offer(CallOffer)
	Answer(CallAnswer)
	ICECandidate(CallICECandidate)
	Rejected(CallRejected)
	Ended(CallEnded)
	Busy(CallBusy)
}

type CallOffer struct {
	Signal
	Offer webrtc.SessionDescription `json:"offer"`
}

type CallAnswer struct {
	Signal
	Answer webrtc.SessionDescription `json:"answer"`
}

type CallICECandidate struct {
	Signal
	Candidate webrtc.ICECandidateInit `json:"candidate"`
}

type CallRejected struct{ Signal }

type CallEnded struct{ Signal }

type CallBusy struct{ Signal }

func (s CallOffer) Accept(v SignalVisitor)        { v.Offer(s) }
func (s CallAnswer) Accept(v SignalVisitor)       { v.Answer(s) }
func (s CallICECandidate) Accept(v SignalVisitor) { v.ICECandidate(s) }
func (s CallRejected) Accept(v SignalVisitor)     { v.Rejected(s) }
func (s CallEnded) Accept(v SignalVisitor)        { v.Ended(s) }
func (s CallBusy) Accept(v SignalVisitor)         { v.Busy(s) }

// DecodeSignal parses one call-signaling payload.
func DecodeSignal(data []byte) (CallSignal, error) {
	var h Signal
	if err := json.Unmarshal(data, &h); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if h.Type != "" && h.CallID == "" {
		return nil, fmt.Errorf("%w: %s without call_id", ErrMalformed, h.Type)
	}

	switch h.Type {
	case TypeCallOffer:
		var s CallOffer
		if err := decodeBody(data, &s); err != nil {
			return nil, err
		}
		if s.Offer.SDP == "" {
			return nil, fmt.Errorf("%w: offer without sdp", ErrMalformed)
		}
		return s, nil
	case TypeCallAnswer:
		var s CallAnswer
		if err := decodeBody(data, &s); err != nil {
			return nil, err
		}
		if s.Answer.SDP == "" {
			return nil, fmt.Errorf("%w: answer without sdp", ErrMalformed)
		}
		return s, nil
	case TypeCallICECandidate:
		var s CallICECandidate
		if err := decodeBody(data, &s); err != nil {
			return nil, err
		}
		return s, nil
	case TypeCallRejected:
		return CallRejected{h}, nil
	case TypeCallEnded:
		return CallEnded{h}, nil
	case TypeCallBusy:
		return CallBusy{h}, nil
	case "":
		return nil, fmt.Errorf("%w: missing type", ErrMalformed)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, h.Type)
	}
}
