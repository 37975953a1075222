// Package transport defines the wire frames exchanged with clients and the
// connection contract the session layer drives. Clients send action frames;
// the server answers with snapshots, patches, and error frames.
package transport

import (
	"encoding/json"

	apperrors "github.com/statorhq/stator/internal/platform/errors"
	"github.com/statorhq/stator/internal/state"
)

// Frame type discriminators.
const (
	TypeAction   = "action"
	TypeSnapshot = "snapshot"
	TypePatch    = "patch"
	TypeError    = "error"
)

// MaxFrameBytes caps one inbound client frame.
const MaxFrameBytes = 16 * 1024

// Action is the only frame clients send: a named request against canonical
// state. Seq is the session-scoped client sequence; it must exceed every
// previously processed sequence.
type Action struct {
	Type    string         `json:"type"`
	Name    string         `json:"name"`
	Payload map[string]any `json:"payload,omitempty"`
	Seq     int64          `json:"seq"`
}

// Snapshot replaces the client's entire materialized state. Sent once on
// session open and again after every reconnect.
type Snapshot struct {
	Type  string         `json:"type"`
	State state.Snapshot `json:"state"`
}

// Patch moves the client from its last pushed state to the new canonical
// state. BaseSeq is the highest client sequence this session had processed
// when the patch was computed.
type Patch struct {
	Type    string     `json:"type"`
	Ops     []state.Op `json:"ops"`
	BaseSeq int64      `json:"base_seq"`
}

// ErrorFrame reports one rejected or failed action. Kind is coarse by
// design; reasons beyond it live in the server's audit trail.
type ErrorFrame struct {
	Type   string `json:"type"`
	Seq    int64  `json:"seq"`
	Kind   string `json:"kind"`
	Detail string `json:"detail"`
}

// NewSnapshot builds a snapshot frame. A nil state is sent as an empty
// object so clients never see null.
func NewSnapshot(snap state.Snapshot) Snapshot {
	if snap == nil {
		snap = state.Snapshot{}
	}
	return Snapshot{Type: TypeSnapshot, State: snap}
}

// NewPatch builds a patch frame. Nil ops encode as an empty array.
func NewPatch(ops []state.Op, baseSeq int64) Patch {
	if ops == nil {
		ops = []state.Op{}
	}
	return Patch{Type: TypePatch, Ops: ops, BaseSeq: baseSeq}
}

// NewError builds an error frame with an explicit kind and detail.
func NewError(seq int64, kind, detail string) ErrorFrame {
	return ErrorFrame{Type: TypeError, Seq: seq, Kind: kind, Detail: detail}
}

// ErrorFor maps a dispatch failure onto the wire. Internal failures are
// masked with a fixed detail so storage and handler internals never leak
// to clients.
func ErrorFor(seq int64, err error) ErrorFrame {
	kind := apperrors.KindOf(err)
	detail := err.Error()
	if kind == apperrors.KindInternal {
		detail = "internal error"
	}
	return NewError(seq, kind, detail)
}

// DecodeAction parses an inbound client frame. Anything that is not a
// well-formed action frame is a validation failure.
func DecodeAction(data []byte) (Action, error) {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return Action{}, apperrors.Wrap(apperrors.CodeActionPayloadInvalid, "malformed frame", err)
	}
	if head.Type != TypeAction {
		return Action{}, apperrors.WithMetadata(apperrors.CodeActionPayloadInvalid, "unsupported frame type", map[string]string{
			"type": head.Type,
		})
	}
	var frame Action
	if err := json.Unmarshal(data, &frame); err != nil {
		return Action{}, apperrors.Wrap(apperrors.CodeActionPayloadInvalid, "malformed action frame", err)
	}
	return frame, nil
}
