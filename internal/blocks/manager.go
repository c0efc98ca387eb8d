package blocks

import (
	"sort"
	"sync"

	"github.com/google/uuid"
)

// Manager owns block lifecycle per conversation. All mutation for one
// conversation is serialized behind that conversation's lock; different
// conversations never contend.
type Manager struct {
	mu     sync.RWMutex
	cfg    Config
	byConv map[string]*conversationBlocks
}

type conversationBlocks struct {
	mu             sync.Mutex
	blocks         map[string]*Block
	activeID       string
	latestSequence uint64
	// turnBlocks remembers where each turn landed so a retried turn
	// re-attaches to its original block instead of re-routing.
	turnBlocks map[string]string
}

func NewManager(cfg Config) *Manager {
	return &Manager{
		cfg:    cfg,
		byConv: make(map[string]*conversationBlocks),
	}
}

// RouteTurn runs the per-turn transition: idle sweep first, then
// resume-active / resume-dormant / create-new based on the topic scores.
// Scores referencing unknown or archived blocks are routing misses and are
// simply ignored.
func (m *Manager) RouteTurn(conversationID, turnID string, sequence uint64, topicLabel string, scores []TopicScore) Decision {
	conv := m.conversation(conversationID)

	conv.mu.Lock()
	defer conv.mu.Unlock()

	if sequence > conv.latestSequence {
		conv.latestSequence = sequence
	}
	archived := conv.sweepIdle(m.cfg.IdleWindow)

	if blockID, ok := conv.turnBlocks[turnID]; ok {
		if block, ok := conv.blocks[blockID]; ok && block.State != StateArchived {
			kind := DecisionResumeActive
			var demoted string
			if block.ID != conv.activeID {
				kind = DecisionResumeDormant
				demoted = conv.demoteActive()
				block.State = StateActive
				conv.activeID = block.ID
			}
			block.appendTurn(turnID, sequence)
			return Decision{
				Kind:           kind,
				BlockID:        block.ID,
				TopicLabel:     block.TopicLabel,
				DemotedBlockID: demoted,
				ArchivedBlocks: archived,
			}
		}
	}

	pick, ok := conv.pickCandidate(scores, m.cfg.TieBreakMargin)
	if ok && pick.Similarity >= m.cfg.ResumeThreshold {
		block := conv.blocks[pick.BlockID]
		if block.ID == conv.activeID {
			block.appendTurn(turnID, sequence)
			conv.turnBlocks[turnID] = block.ID
			return Decision{
				Kind:           DecisionResumeActive,
				BlockID:        block.ID,
				TopicLabel:     block.TopicLabel,
				ArchivedBlocks: archived,
			}
		}

		demoted := conv.demoteActive()
		block.State = StateActive
		conv.activeID = block.ID
		block.appendTurn(turnID, sequence)
		conv.turnBlocks[turnID] = block.ID
		return Decision{
			Kind:           DecisionResumeDormant,
			BlockID:        block.ID,
			TopicLabel:     block.TopicLabel,
			DemotedBlockID: demoted,
			ArchivedBlocks: archived,
		}
	}

	demoted := conv.demoteActive()
	block := &Block{
		ID:                 uuid.NewString(),
		ConversationID:     conversationID,
		TopicLabel:         topicLabel,
		State:              StateActive,
		CreatedSequence:    sequence,
		LastActiveSequence: sequence,
		TurnIDs:            []string{turnID},
	}
	conv.blocks[block.ID] = block
	conv.activeID = block.ID
	conv.turnBlocks[turnID] = block.ID
	return Decision{
		Kind:           DecisionCreateNew,
		BlockID:        block.ID,
		TopicLabel:     topicLabel,
		DemotedBlockID: demoted,
		ArchivedBlocks: archived,
	}
}

// Get returns a copy of one block, archived included.
func (m *Manager) Get(conversationID, blockID string) (Block, error) {
	conv := m.lookup(conversationID)
	if conv == nil {
		return Block{}, ErrNotFound
	}
	conv.mu.Lock()
	defer conv.mu.Unlock()
	block, ok := conv.blocks[blockID]
	if !ok {
		return Block{}, ErrNotFound
	}
	return block.clone(), nil
}

// List returns copies of a conversation's blocks ordered by creation
// sequence. Archived blocks stay listed for audit unless excluded.
func (m *Manager) List(conversationID string, includeArchived bool) []Block {
	conv := m.lookup(conversationID)
	if conv == nil {
		return nil
	}
	conv.mu.Lock()
	defer conv.mu.Unlock()

	out := make([]Block, 0, len(conv.blocks))
	for _, block := range conv.blocks {
		if !includeArchived && block.State == StateArchived {
			continue
		}
		out = append(out, block.clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedSequence != out[j].CreatedSequence {
			return out[i].CreatedSequence < out[j].CreatedSequence
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Active returns the conversation's active block, if any.
func (m *Manager) Active(conversationID string) (Block, bool) {
	conv := m.lookup(conversationID)
	if conv == nil {
		return Block{}, false
	}
	conv.mu.Lock()
	defer conv.mu.Unlock()
	if conv.activeID == "" {
		return Block{}, false
	}
	return conv.blocks[conv.activeID].clone(), true
}

// LatestSequence reports the newest sequence the conversation has seen.
func (m *Manager) LatestSequence(conversationID string) uint64 {
	conv := m.lookup(conversationID)
	if conv == nil {
		return 0
	}
	conv.mu.Lock()
	defer conv.mu.Unlock()
	return conv.latestSequence
}

func (m *Manager) conversation(conversationID string) *conversationBlocks {
	m.mu.RLock()
	conv, ok := m.byConv[conversationID]
	m.mu.RUnlock()
	if ok {
		return conv
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if conv, ok := m.byConv[conversationID]; ok {
		return conv
	}
	conv = &conversationBlocks{
		blocks:     make(map[string]*Block),
		turnBlocks: make(map[string]string),
	}
	m.byConv[conversationID] = conv
	return conv
}

func (m *Manager) lookup(conversationID string) *conversationBlocks {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.byConv[conversationID]
}

// sweepIdle archives dormant blocks strictly older than the idle window.
// A block with last_active = s is archived exactly when latest > s + window.
func (c *conversationBlocks) sweepIdle(idleWindow uint64) []string {
	var archived []string
	for _, block := range c.blocks {
		if block.State != StateDormant {
			continue
		}
		if c.latestSequence > block.LastActiveSequence+idleWindow {
			block.State = StateArchived
			archived = append(archived, block.ID)
		}
	}
	sort.Strings(archived)
	return archived
}

// pickCandidate selects the best-scored live block. Within the tie-break
// margin of the top score, the most recently active block wins to minimize
// thrashing.
func (c *conversationBlocks) pickCandidate(scores []TopicScore, margin float64) (TopicScore, bool) {
	live := make([]TopicScore, 0, len(scores))
	for _, s := range scores {
		block, ok := c.blocks[s.BlockID]
		if !ok || block.State == StateArchived {
			continue
		}
		live = append(live, s)
	}
	if len(live) == 0 {
		return TopicScore{}, false
	}
	sort.Slice(live, func(i, j int) bool {
		if live[i].Similarity != live[j].Similarity {
			return live[i].Similarity > live[j].Similarity
		}
		return live[i].BlockID < live[j].BlockID
	})

	pick := live[0]
	for _, s := range live[1:] {
		if pick.Similarity-s.Similarity >= margin {
			break
		}
		if c.blocks[s.BlockID].LastActiveSequence > c.blocks[pick.BlockID].LastActiveSequence {
			pick = s
		}
	}
	return pick, true
}

func (c *conversationBlocks) demoteActive() string {
	if c.activeID == "" {
		return ""
	}
	demoted := c.activeID
	c.blocks[demoted].State = StateDormant
	c.activeID = ""
	return demoted
}

func (b *Block) appendTurn(turnID string, sequence uint64) {
	present := false
	for _, id := range b.TurnIDs {
		if id == turnID {
			present = true
			break
		}
	}
	if !present {
		b.TurnIDs = append(b.TurnIDs, turnID)
	}
	if sequence > b.LastActiveSequence {
		b.LastActiveSequence = sequence
	}
}

func (b *Block) clone() Block {
	c := *b
	c.TurnIDs = append([]string(nil), b.TurnIDs...)
	return c
}
