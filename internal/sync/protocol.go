package sync

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/blamouche/gpx-collaboration/internal/doc"
	"github.com/blamouche/gpx-collaboration/internal/presence"
)

var ErrMalformed = errors.New("malformed frame")

// Represents the type of a frame, carried in the first byte
type MessageType byte

const (
	// Document sync: state transfer and incremental updates
	MessageTypeSync MessageType = 0

	// Presence records (identity, cursor, focus)
	MessageTypeAwareness MessageType = 1

	// Session control: welcome and errors
	MessageTypeControl MessageType = 2
)

// SyncStep is the second byte of a sync frame
type SyncStep byte

const (
	// Peer asks for the full state
	SyncStep1 SyncStep = 0

	// Full state answer
	SyncStep2 SyncStep = 1

	// Incremental update broadcast
	SyncUpdate SyncStep = 2
)

// Extracts the message type from the first byte
func ParseMessageType(data []byte) MessageType {
	if len(data) == 0 {
		return MessageTypeSync
	}
	return MessageType(data[0])
}

// Extracts the sync step from the second byte
func ParseSyncStep(data []byte) SyncStep {
	if len(data) < 2 {
		return SyncStep1
	}
	return SyncStep(data[1])
}

// Frame is a decoded wire message. Payload aliases the input buffer.
type Frame struct {
	Type    MessageType
	Step    SyncStep
	Payload []byte
}

// Decode checks the framing of data without interpreting JSON payloads
// beyond the header.
func Decode(data []byte) (Frame, error) {
	if len(data) == 0 {
		return Frame{}, fmt.Errorf("%w: empty message", ErrMalformed)
	}

	switch t := MessageType(data[0]); t {
	case MessageTypeSync:
		if len(data) < 2 {
			return Frame{}, fmt.Errorf("%w: sync message too short", ErrMalformed)
		}
		step := SyncStep(data[1])
		if step > SyncUpdate {
			return Frame{}, fmt.Errorf("%w: invalid sync step: %d", ErrMalformed, step)
		}
		if step != SyncStep1 && len(data) == 2 {
			return Frame{}, fmt.Errorf("%w: sync payload missing", ErrMalformed)
		}
		return Frame{Type: t, Step: step, Payload: data[2:]}, nil
	case MessageTypeAwareness, MessageTypeControl:
		if len(data) < 2 {
			return Frame{}, fmt.Errorf("%w: message too short", ErrMalformed)
		}
		return Frame{Type: t, Payload: data[1:]}, nil
	default:
		return Frame{}, fmt.Errorf("%w: unknown message type: %d", ErrMalformed, t)
	}
}

func EncodeSync(step SyncStep, payload []byte) []byte {
	out := make([]byte, 0, len(payload)+2)
	out = append(out, byte(MessageTypeSync), byte(step))
	return append(out, payload...)
}

func EncodeStep1() []byte {
	return EncodeSync(SyncStep1, nil)
}

func EncodeState(u *doc.Update) ([]byte, error) {
	return encodeUpdate(SyncStep2, u)
}

func EncodeUpdate(u *doc.Update) ([]byte, error) {
	return encodeUpdate(SyncUpdate, u)
}

func encodeUpdate(step SyncStep, u *doc.Update) ([]byte, error) {
	if u == nil {
		u = &doc.Update{}
	}
	payload, err := u.Encode()
	if err != nil {
		return nil, err
	}
	return EncodeSync(step, payload), nil
}

// Awareness announces or withdraws one connection's presence record.
type Awareness struct {
	ConnID  string           `json:"connId"`
	Record  *presence.Record `json:"record,omitempty"`
	Removed bool             `json:"removed,omitempty"`
}

func EncodeAwareness(a Awareness) ([]byte, error) {
	return encodeJSON(MessageTypeAwareness, a)
}

func DecodeAwareness(payload []byte) (Awareness, error) {
	var a Awareness
	if err := json.Unmarshal(payload, &a); err != nil {
		return Awareness{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if !a.Removed && a.Record == nil {
		return Awareness{}, fmt.Errorf("%w: awareness without record", ErrMalformed)
	}
	return a, nil
}

type ControlKind string

const (
	ControlWelcome ControlKind = "welcome"
	ControlError   ControlKind = "error"
)

// Error codes carried by error control frames.
const (
	CodeReadOnly      = "read_only"
	CodeInvalidUpdate = "invalid_update"
)

type Control struct {
	Kind     ControlKind `json:"kind"`
	ConnID   string      `json:"connId,omitempty"`
	RoomID   string      `json:"roomId,omitempty"`
	ReadOnly bool        `json:"readOnly,omitempty"`
	Code     string      `json:"code,omitempty"`
	Message  string      `json:"message,omitempty"`
}

func EncodeControl(c Control) ([]byte, error) {
	return encodeJSON(MessageTypeControl, c)
}

func DecodeControl(payload []byte) (Control, error) {
	var c Control
	if err := json.Unmarshal(payload, &c); err != nil {
		return Control{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return c, nil
}

func encodeJSON(t MessageType, v any) ([]byte, error) {
	payload, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, len(payload)+1)
	out = append(out, byte(t))
	return append(out, payload...), nil
}
