package runtime

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/loom/pkg/models"
)

// maxMessagesPerConversation bounds per-conversation history to prevent
// unbounded memory growth. Old messages are trimmed when exceeded.
const maxMessagesPerConversation = 1000

// Conversation holds the mutable state of one conversation: its ordered
// message history, handoff history, and the currently active agent. Mutation
// happens only via the orchestrator while the turn lock is held; mu guards
// the state fields so inspection reads are safe against an in-flight turn.
type Conversation struct {
	ID            string
	ActiveAgentID string
	Messages      []*models.Message
	Handoffs      []models.HandoffRecord
	CreatedAt     time.Time
	UpdatedAt     time.Time

	mu   sync.RWMutex
	turn sync.Mutex
}

// ConversationSnapshot is a deep-cloned read-only view.
type ConversationSnapshot struct {
	ID            string                 `json:"id"`
	ActiveAgentID string                 `json:"active_agent_id"`
	Messages      []*models.Message      `json:"messages"`
	Handoffs      []models.HandoffRecord `json:"handoffs"`
	CreatedAt     time.Time              `json:"created_at"`
	UpdatedAt     time.Time              `json:"updated_at"`
}

// ConversationStore is the process-wide in-memory map of conversation id to
// conversation state. Entries live for the process lifetime; eviction
// belongs to a collaborator, not the store.
type ConversationStore struct {
	mu    sync.RWMutex
	convs map[string]*Conversation
}

// NewConversationStore creates an empty store.
func NewConversationStore() *ConversationStore {
	return &ConversationStore{convs: make(map[string]*Conversation)}
}

// GetOrCreate returns the conversation, creating it with the given default
// agent on first use.
func (s *ConversationStore) GetOrCreate(conversationID, defaultAgentID string) *Conversation {
	s.mu.Lock()
	defer s.mu.Unlock()

	if conv, ok := s.convs[conversationID]; ok {
		return conv
	}
	now := time.Now()
	conv := &Conversation{
		ID:            conversationID,
		ActiveAgentID: defaultAgentID,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	s.convs[conversationID] = conv
	return conv
}

// Get returns the conversation if it exists.
func (s *ConversationStore) Get(conversationID string) (*Conversation, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	conv, ok := s.convs[conversationID]
	return conv, ok
}

// IDs lists known conversation ids.
func (s *ConversationStore) IDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.convs))
	for id := range s.convs {
		out = append(out, id)
	}
	return out
}

// BeginTurn acquires the conversation's exclusive turn lock without
// blocking. A held lock means another turn is in flight; the caller fails
// fast with ErrConversationBusy. The returned release function must be
// called exactly once.
func (c *Conversation) BeginTurn() (release func(), err error) {
	if !c.turn.TryLock() {
		return nil, ErrConversationBusy
	}
	var once sync.Once
	return func() {
		once.Do(c.turn.Unlock)
	}, nil
}

// AppendMessage appends a cloned message, minting an id and timestamp when
// absent. History is trimmed at maxMessagesPerConversation, keeping the most
// recent entries.
func (c *Conversation) AppendMessage(msg *models.Message) *models.Message {
	clone := cloneMessage(msg)
	if clone.ID == "" {
		clone.ID = uuid.NewString()
	}
	if clone.CreatedAt.IsZero() {
		clone.CreatedAt = time.Now()
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.Messages = append(c.Messages, clone)
	if len(c.Messages) > maxMessagesPerConversation {
		excess := len(c.Messages) - maxMessagesPerConversation
		c.Messages = c.Messages[excess:]
	}
	c.UpdatedAt = time.Now()
	return clone
}

// History returns a deep-cloned copy of the message log.
func (c *Conversation) History() []*models.Message {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.historyLocked()
}

func (c *Conversation) historyLocked() []*models.Message {
	out := make([]*models.Message, 0, len(c.Messages))
	for _, msg := range c.Messages {
		out = append(out, cloneMessage(msg))
	}
	return out
}

// ActiveAgent returns the currently active agent id.
func (c *Conversation) ActiveAgent() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.ActiveAgentID
}

// RecordHandoff appends a handoff record and switches the active agent.
func (c *Conversation) RecordHandoff(record models.HandoffRecord) {
	if record.Timestamp.IsZero() {
		record.Timestamp = time.Now()
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.Handoffs = append(c.Handoffs, record)
	c.ActiveAgentID = record.To
	c.UpdatedAt = time.Now()
}

// Snapshot returns a deep-cloned read-only view. Safe to call while a turn
// is mutating the conversation.
func (c *Conversation) Snapshot() ConversationSnapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	handoffs := make([]models.HandoffRecord, len(c.Handoffs))
	copy(handoffs, c.Handoffs)
	return ConversationSnapshot{
		ID:            c.ID,
		ActiveAgentID: c.ActiveAgentID,
		Messages:      c.historyLocked(),
		Handoffs:      handoffs,
		CreatedAt:     c.CreatedAt,
		UpdatedAt:     c.UpdatedAt,
	}
}

func cloneMessage(msg *models.Message) *models.Message {
	if msg == nil {
		return nil
	}
	clone := *msg
	if len(msg.Attachments) > 0 {
		clone.Attachments = append([]models.Attachment{}, msg.Attachments...)
	}
	if len(msg.ToolCalls) > 0 {
		clone.ToolCalls = append([]models.ToolCall{}, msg.ToolCalls...)
	}
	if len(msg.ToolResults) > 0 {
		clone.ToolResults = append([]models.ToolResult{}, msg.ToolResults...)
	}
	return &clone
}
