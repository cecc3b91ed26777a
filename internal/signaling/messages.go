// Package signaling implements the WebSocket signaling protocol: connection
// authentication and lifecycle, message routing, room membership, and the
// fan-out of presence and WebRTC negotiation messages between clients.
package signaling

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// Inbound message kinds. The discriminator is the "type" field of the JSON
// object; remaining fields sit alongside it.
const (
	kindCreate       = "Create"
	kindJoin         = "Join"
	kindOffer        = "Offer"
	kindIceCandidate = "IceCandidate"
	kindRefreshToken = "RefreshToken"
	kindVerifyRoom   = "VerifyRoom"
)

type joinMessage struct {
	// Room is optional; an absent room asks the relay to mint one.
	Room   string `json:"room,omitempty"`
	UserID string `json:"user_id"`
}

type offerMessage struct {
	SDP string `json:"sdp"`
}

type iceCandidateMessage struct {
	// Candidate carries a JSON-encoded RTCIceCandidateInit as an opaque
	// string.
	Candidate string `json:"candidate"`
}

type refreshTokenMessage struct {
	Token string `json:"token"`
}

type verifyRoomMessage struct {
	Room string `json:"room"`
}

// inbound is a decoded client message. Exactly one payload pointer is non-nil
// except for Create, which carries no fields.
type inbound struct {
	kind         string
	join         *joinMessage
	offer        *offerMessage
	iceCandidate *iceCandidateMessage
	refreshToken *refreshTokenMessage
	verifyRoom   *verifyRoomMessage
}

var errUnknownKind = errors.New("unknown message type")

// decodeInbound parses a client frame. The discriminator is read first, then
// the full object is re-decoded against the kind's schema so a frame cannot
// smuggle fields belonging to another kind.
func decodeInbound(data []byte) (inbound, error) {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return inbound{}, fmt.Errorf("malformed message: %w", err)
	}
	if head.Type == "" {
		return inbound{}, errors.New("message has no type")
	}

	msg := inbound{kind: head.Type}
	var payload any
	switch head.Type {
	case kindCreate:
		payload = &struct{}{}
	case kindJoin:
		msg.join = &joinMessage{}
		payload = msg.join
	case kindOffer:
		msg.offer = &offerMessage{}
		payload = msg.offer
	case kindIceCandidate:
		msg.iceCandidate = &iceCandidateMessage{}
		payload = msg.iceCandidate
	case kindRefreshToken:
		msg.refreshToken = &refreshTokenMessage{}
		payload = msg.refreshToken
	case kindVerifyRoom:
		msg.verifyRoom = &verifyRoomMessage{}
		payload = msg.verifyRoom
	default:
		return inbound{}, fmt.Errorf("%w: %q", errUnknownKind, head.Type)
	}

	if err := strictUnmarshal(data, payload, head.Type); err != nil {
		return inbound{}, err
	}
	return msg, nil
}

// strictUnmarshal decodes data into v, rejecting fields the kind's schema
// does not declare (other than the discriminator itself) and trailing data.
func strictUnmarshal(data []byte, v any, kind string) error {
	stripped, err := stripDiscriminator(data)
	if err != nil {
		return err
	}

	dec := json.NewDecoder(bytes.NewReader(stripped))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("malformed %s message: %w", kind, err)
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return fmt.Errorf("malformed %s message: trailing data", kind)
	}
	return nil
}

func stripDiscriminator(data []byte) ([]byte, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, fmt.Errorf("malformed message: %w", err)
	}
	delete(fields, "type")
	return json.Marshal(fields)
}

// response is the outbound envelope. Only the fields of the named kind are
// populated; the rest stay omitted.
type response struct {
	Type      string `json:"type"`
	RoomID    string `json:"room_id,omitempty"`
	Room      string `json:"room,omitempty"`
	UserID    string `json:"user_id,omitempty"`
	SDP       string `json:"sdp,omitempty"`
	Candidate string `json:"candidate,omitempty"`
	ErrorText string `json:"error,omitempty"`
	Message   string `json:"message,omitempty"`
}

func encodeResponse(r response) []byte {
	payload, err := json.Marshal(r)
	if err != nil {
		// response has no unmarshalable fields; this cannot happen.
		panic(err)
	}
	return payload
}

func respCreateOK(roomID string) []byte {
	return encodeResponse(response{Type: "CreateOK", RoomID: roomID})
}

func respJoinOk(room string) []byte {
	return encodeResponse(response{Type: "JoinOk", Room: room})
}

func respPeerJoined(userID string) []byte {
	return encodeResponse(response{Type: "PeerJoined", UserID: userID})
}

func respAnswer(sdp string) []byte {
	return encodeResponse(response{Type: "Answer", SDP: sdp})
}

func respIceCandidate(candidate string) []byte {
	return encodeResponse(response{Type: "IceCandidate", Candidate: candidate})
}

func respAuthOk() []byte {
	return encodeResponse(response{Type: "AuthOk"})
}

func respAuthFailed() []byte {
	return encodeResponse(response{Type: "AuthFailed"})
}

func respVerifySuccess(room string) []byte {
	return encodeResponse(response{Type: "VerifySuccess", Room: room})
}

func respVerifyError(msg string) []byte {
	return encodeResponse(response{Type: "VerifyError", ErrorText: msg})
}

func respError(msg string) []byte {
	return encodeResponse(response{Type: "Error", Message: msg})
}
