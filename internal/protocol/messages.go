package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// MessageType identifies websocket payload variants.
type MessageType string

const (
	TypeClientTurn    MessageType = "client_turn"
	TypeClientControl MessageType = "client_control"
	TypeTurnRouted    MessageType = "turn_routed"
	TypeFactUpserted  MessageType = "fact_upserted"
	TypeBlockArchived MessageType = "block_archived"
	TypeBundleReady   MessageType = "bundle_ready"
	TypeTurnCompleted MessageType = "turn_completed"
	TypeSystemEvent   MessageType = "system_event"
	TypeErrorEvent    MessageType = "error_event"
)

var ErrUnsupportedType = errors.New("unsupported message type")

type Envelope struct {
	Type MessageType `json:"type"`
}

// ClientTurn submits one turn over the event feed. TurnID is optional; a
// client that retries a failed turn sends the same id to keep the retry
// idempotent.
type ClientTurn struct {
	Type           MessageType `json:"type"`
	ConversationID string      `json:"conversation_id"`
	TurnID         string      `json:"turn_id,omitempty"`
	Text           string      `json:"text"`
	TSMs           int64       `json:"ts_ms,omitempty"`
}

type ClientControl struct {
	Type           MessageType `json:"type"`
	ConversationID string      `json:"conversation_id"`
	Action         string      `json:"action"`
}

type TurnRouted struct {
	Type           MessageType `json:"type"`
	ConversationID string      `json:"conversation_id"`
	TurnID         string      `json:"turn_id"`
	Sequence       uint64      `json:"sequence"`
	Decision       string      `json:"decision"`
	BlockID        string      `json:"block_id"`
	TopicLabel     string      `json:"topic_label,omitempty"`
}

type FactUpserted struct {
	Type           MessageType `json:"type"`
	ConversationID string      `json:"conversation_id"`
	FactID         string      `json:"fact_id"`
	Key            string      `json:"key"`
	Sequence       uint64      `json:"sequence"`
	Superseded     bool        `json:"superseded"`
}

type BlockArchived struct {
	Type           MessageType `json:"type"`
	ConversationID string      `json:"conversation_id"`
	BlockID        string      `json:"block_id"`
	AtSequence     uint64      `json:"at_sequence"`
}

type BundleReady struct {
	Type           MessageType `json:"type"`
	ConversationID string      `json:"conversation_id"`
	TurnID         string      `json:"turn_id"`
	TokenEstimate  int         `json:"token_estimate"`
	Truncated      bool        `json:"truncated"`
	Degraded       bool        `json:"degraded"`
}

type TurnCompleted struct {
	Type           MessageType `json:"type"`
	ConversationID string      `json:"conversation_id"`
	TurnID         string      `json:"turn_id"`
	Reply          string      `json:"reply"`
}

type SystemEvent struct {
	Type           MessageType `json:"type"`
	ConversationID string      `json:"conversation_id"`
	Code           string      `json:"code"`
	Detail         string      `json:"detail,omitempty"`
}

type ErrorEvent struct {
	Type           MessageType `json:"type"`
	ConversationID string      `json:"conversation_id"`
	Code           string      `json:"code"`
	Source         string      `json:"source"`
	Retryable      bool        `json:"retryable"`
	Detail         string      `json:"detail"`
}

func ParseClientMessage(raw []byte) (any, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}

	switch env.Type {
	case TypeClientTurn:
		var msg ClientTurn
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.ConversationID == "" || msg.Text == "" {
			return nil, errors.New("invalid client_turn")
		}
		return msg, nil
	case TypeClientControl:
		var msg ClientControl
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.ConversationID == "" || msg.Action == "" {
			return nil, errors.New("invalid client_control")
		}
		return msg, nil
	default:
		return nil, ErrUnsupportedType
	}
}
