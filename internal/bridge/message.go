// Package bridge carries provider calls from page contexts to the session
// manager and accountsChanged events back to them.
//
// # Frames
//
// Three JSON frames cross a connection:
//
//   - request: {"id", "origin", "method", "params"} from the page
//   - response: {"id", "result"} or {"id", "error": {"kind", "message", "code"}}
//   - broadcast: {"type": "accountsChanged", "origin", "accounts"}
//
// Every request carries the origin its page believes it has. The bridge only
// serves requests whose declared origin equals the origin the platform
// attached to the connection; anything else is dropped without a reply.
package bridge

import (
	"encoding/json"
	"errors"
	"fmt"

	apperrors "github.com/better-wallet/provider-bridge/pkg/errors"
	"github.com/better-wallet/provider-bridge/pkg/types"
)

// Errors returned by Decode
var (
	ErrInvalidJSON  = errors.New("bridge: invalid JSON")
	ErrUnknownFrame = errors.New("bridge: unrecognized frame")
)

// FrameKind classifies a decoded Message
type FrameKind int

const (
	FrameUnknown FrameKind = iota
	FrameRequest
	FrameResponse
	FrameBroadcast
)

func (k FrameKind) String() string {
	switch k {
	case FrameRequest:
		return "request"
	case FrameResponse:
		return "response"
	case FrameBroadcast:
		return "broadcast"
	default:
		return "unknown"
	}
}

// Message is any frame on the wire. Which fields are set depends on Kind.
type Message struct {
	Type     string                   `json:"type,omitempty"`
	ID       string                   `json:"id,omitempty"`
	Origin   string                   `json:"origin,omitempty"`
	Method   string                   `json:"method,omitempty"`
	Params   json.RawMessage          `json:"params,omitempty"`
	Result   json.RawMessage          `json:"result,omitempty"`
	Error    *apperrors.ProviderError `json:"error,omitempty"`
	Accounts []string                 `json:"accounts,omitempty"`
}

// Kind reports which frame m is, based on the fields present
func (m *Message) Kind() FrameKind {
	switch {
	case m.Type == types.EventAccountsChanged:
		return FrameBroadcast
	case m.ID != "" && (len(m.Result) > 0 || m.Error != nil):
		return FrameResponse
	case m.ID != "" && m.Method != "":
		return FrameRequest
	default:
		return FrameUnknown
	}
}

// SignParams are the params of a signMessage request
type SignParams struct {
	Message string `json:"message"`
}

// NewRequest builds a request frame; params may be nil
func NewRequest(id, origin string, method types.Method, params any) (*Message, error) {
	m := &Message{ID: id, Origin: origin, Method: string(method)}
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("failed to encode params: %w", err)
		}
		m.Params = raw
	}
	return m, nil
}

// NewResult builds a successful response frame
func NewResult(id string, result any) (*Message, error) {
	raw, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("failed to encode result: %w", err)
	}
	return &Message{ID: id, Result: raw}, nil
}

// NewError builds a failed response frame. Only the kind, message and code of
// err are serialized.
func NewError(id string, err error) *Message {
	return &Message{ID: id, Error: apperrors.ToProviderError(err)}
}

// NewBroadcast builds an accountsChanged frame
func NewBroadcast(origin string, accounts []string) *Message {
	return &Message{
		Type:     types.EventAccountsChanged,
		Origin:   origin,
		Accounts: types.CloneAccounts(accounts),
	}
}

// broadcastFrame always writes accounts, since an empty list means the
// origin was disconnected.
type broadcastFrame struct {
	Type     string   `json:"type"`
	Origin   string   `json:"origin"`
	Accounts []string `json:"accounts"`
}

// Encode serializes m
func Encode(m *Message) ([]byte, error) {
	if m.Kind() == FrameBroadcast {
		return json.Marshal(broadcastFrame{
			Type:     m.Type,
			Origin:   m.Origin,
			Accounts: types.CloneAccounts(m.Accounts),
		})
	}
	return json.Marshal(m)
}

// Decode parses one frame and rejects anything that is not a request,
// response or broadcast.
func Decode(data []byte) (*Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidJSON, err)
	}
	if m.Kind() == FrameUnknown {
		return nil, ErrUnknownFrame
	}
	if m.Kind() == FrameBroadcast && m.Accounts == nil {
		m.Accounts = []string{}
	}
	return &m, nil
}
