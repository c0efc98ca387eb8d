package blocks

import "errors"

// State is the lifecycle of a topic block. Exactly one or zero blocks per
// conversation are active; archived is terminal.
type State string

const (
	StateActive   State = "active"
	StateDormant  State = "dormant"
	StateArchived State = "archived"
)

var ErrNotFound = errors.New("block not found")

// Block is a contiguous topic thread of turns.
type Block struct {
	ID                 string   `json:"block_id"`
	ConversationID     string   `json:"conversation_id"`
	TopicLabel         string   `json:"topic_label"`
	State              State    `json:"state"`
	CreatedSequence    uint64   `json:"created_sequence"`
	LastActiveSequence uint64   `json:"last_active_sequence"`
	TurnIDs            []string `json:"turn_ids"`
}

// DecisionKind tags the routing outcome of a turn.
type DecisionKind string

const (
	DecisionResumeActive  DecisionKind = "resume_active"
	DecisionResumeDormant DecisionKind = "resume_dormant"
	DecisionCreateNew     DecisionKind = "create_new"
)

// Decision records how a turn was attached and what the idle sweep did on
// the way.
type Decision struct {
	Kind           DecisionKind `json:"kind"`
	BlockID        string       `json:"block_id"`
	TopicLabel     string       `json:"topic_label"`
	DemotedBlockID string       `json:"demoted_block_id,omitempty"`
	ArchivedBlocks []string     `json:"archived_blocks,omitempty"`
}

// TopicScore is the similarity of the incoming turn against one block.
type TopicScore struct {
	BlockID    string
	Similarity float64
}

// Config holds the routing thresholds. Values come from configuration, not
// code.
type Config struct {
	// ResumeThreshold is the minimum similarity to stay on or return to an
	// existing block.
	ResumeThreshold float64
	// TieBreakMargin is the score distance under which two blocks are
	// considered tied; ties go to the more recently active block.
	TieBreakMargin float64
	// IdleWindow is how many sequences a dormant block may lag the
	// conversation before it is archived.
	IdleWindow uint64
}
