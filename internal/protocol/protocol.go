// Package protocol defines the messages exchanged over the VoxDrop WebSocket
// connection. Every frame is a JSON Envelope; uploads are correlated with
// their acknowledgment by envelope ID.
package protocol

import (
	"bytes"
	"encoding/json"
)

// Event names.
const (
	EventSendAudio = "send-audio"
	EventAck       = "ack"
	EventBroadcast = "event"
)

// LegacySuccessMessage is the bare-string acknowledgment older servers send.
const LegacySuccessMessage = "Audio received and saved successfully!"

// ReasonInvalidResponse is the failure reason for acknowledgments that do
// not match a known shape.
const ReasonInvalidResponse = "invalid response"

// Envelope wraps every frame on the connection.
type Envelope struct {
	Event string          `json:"event"`
	ID    string          `json:"id,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// NewEnvelope marshals data into an envelope.
func NewEnvelope(event, id string, data any) (Envelope, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{Event: event, ID: id, Data: raw}, nil
}

// UploadRequest is the payload of a send-audio message. Audio travels as
// base64 inside the JSON body. FileType is informational only.
type UploadRequest struct {
	Audio    []byte `json:"audio"`
	Filename string `json:"filename"`
	FileType string `json:"fileType,omitempty"`
}

// Ack is the structured acknowledgment body.
type Ack struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`
}

// SuccessAck is the structured acknowledgment for a stored upload.
func SuccessAck() Ack {
	return Ack{Success: true, Message: LegacySuccessMessage}
}

// FailureAck reports why an upload was not stored.
func FailureAck(reason string) Ack {
	return Ack{Success: false, Error: reason}
}

// Result is the outcome of one upload as seen by the sender: either Success
// or Failure with a reason. The zero value is a Failure with no reason.
type Result struct {
	ok     bool
	reason string
}

func Success() Result              { return Result{ok: true} }
func Failure(reason string) Result { return Result{reason: reason} }

func (r Result) OK() bool       { return r.ok }
func (r Result) Reason() string { return r.reason }

func (r Result) String() string {
	if r.ok {
		return "Success"
	}
	return "Failure(" + r.reason + ")"
}

// ParseAck converts a raw acknowledgment into a Result. A JSON string is the
// legacy success form; an object must carry a boolean "success" field and may
// carry an "error" string. Anything else is a Failure(ReasonInvalidResponse).
func ParseAck(raw json.RawMessage) Result {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return Failure(ReasonInvalidResponse)
	}

	switch raw[0] {
	case '"':
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return Failure(ReasonInvalidResponse)
		}
		return Success()

	case '{':
		var obj struct {
			Success *bool           `json:"success"`
			Error   json.RawMessage `json:"error"`
		}
		if err := json.Unmarshal(raw, &obj); err != nil || obj.Success == nil {
			return Failure(ReasonInvalidResponse)
		}
		if *obj.Success {
			return Success()
		}
		var reason string
		// a non-string error is treated as absent
		_ = json.Unmarshal(obj.Error, &reason)
		return Failure(reason)
	}

	return Failure(ReasonInvalidResponse)
}
