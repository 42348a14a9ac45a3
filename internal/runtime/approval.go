package runtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/haasonsaas/loom/pkg/models"
)

// ApprovalDecision is the human verdict on a gated tool call. Code is set on
// synthetic decisions (CANCELLED, APPROVAL_TIMEOUT) so the caller can tell
// them from a real rejection.
type ApprovalDecision struct {
	Approved bool             `json:"approved"`
	Reason   string           `json:"reason,omitempty"`
	Code     models.ErrorCode `json:"code,omitempty"`
}

// SubmitStatus reports what an approval submission did.
type SubmitStatus string

const (
	// SubmitDelivered means the decision resolved a waiting slot.
	SubmitDelivered SubmitStatus = "delivered"

	// SubmitAlreadyResolved means the slot was resolved earlier; the
	// submission is a no-op.
	SubmitAlreadyResolved SubmitStatus = "already_resolved"

	// SubmitNotFound means no slot with that id exists for the
	// conversation.
	SubmitNotFound SubmitStatus = "not_found"
)

// PendingApproval describes an outstanding approval request.
type PendingApproval struct {
	ToolCallID string          `json:"tool_call_id"`
	ToolName   string          `json:"tool_name"`
	AgentID    string          `json:"agent_id"`
	Args       json.RawMessage `json:"args"`
	CreatedAt  time.Time       `json:"created_at"`
}

// approvalSlot is a one-shot rendezvous: exactly one producer (the turn
// loop) registers it, exactly one consumer (an approval submission or a
// cancellation) resolves it.
type approvalSlot struct {
	PendingApproval
	ch chan ApprovalDecision
}

// maxResolvedPerConversation bounds the retained resolved-id set so late
// duplicate submissions stay idempotent without unbounded growth.
const maxResolvedPerConversation = 128

type conversationApprovals struct {
	slots         map[string]*approvalSlot
	resolved      map[string]struct{}
	resolvedOrder []string
}

func (ca *conversationApprovals) markResolved(toolCallID string) {
	if _, ok := ca.resolved[toolCallID]; ok {
		return
	}
	ca.resolved[toolCallID] = struct{}{}
	ca.resolvedOrder = append(ca.resolvedOrder, toolCallID)
	if len(ca.resolvedOrder) > maxResolvedPerConversation {
		oldest := ca.resolvedOrder[0]
		ca.resolvedOrder = ca.resolvedOrder[1:]
		delete(ca.resolved, oldest)
	}
}

// ApprovalCoordinator tracks outstanding approval requests per conversation
// and blocks the turn loop until the transport delivers a decision.
type ApprovalCoordinator struct {
	mu sync.Mutex
	// timeout bounds each wait; zero means unbounded.
	timeout       time.Duration
	conversations map[string]*conversationApprovals
	logger        *slog.Logger
}

// NewApprovalCoordinator creates a coordinator. timeout zero means approval
// waits are unbounded.
func NewApprovalCoordinator(timeout time.Duration, logger *slog.Logger) *ApprovalCoordinator {
	if logger == nil {
		logger = slog.Default()
	}
	return &ApprovalCoordinator{
		timeout:       timeout,
		conversations: make(map[string]*conversationApprovals),
		logger:        logger.With("component", "approvals"),
	}
}

// Register inserts the rendezvous for the tool call. It must happen before
// the approval-required event reaches the consumer: a submission racing the
// event must find the slot, not a not-found.
func (c *ApprovalCoordinator) Register(conversationID string, req PendingApproval) *approvalSlot {
	slot := &approvalSlot{
		PendingApproval: req,
		ch:              make(chan ApprovalDecision, 1),
	}
	slot.CreatedAt = time.Now()

	c.mu.Lock()
	conv := c.conversations[conversationID]
	if conv == nil {
		conv = &conversationApprovals{
			slots:    make(map[string]*approvalSlot),
			resolved: make(map[string]struct{}),
		}
		c.conversations[conversationID] = conv
	}
	conv.slots[req.ToolCallID] = slot
	c.mu.Unlock()
	return slot
}

// Await blocks on a registered slot until a decision arrives, the context is
// cancelled (returns a CANCELLED decision), or the configured timeout elapses
// (returns an APPROVAL_TIMEOUT decision).
func (c *ApprovalCoordinator) Await(ctx context.Context, conversationID string, slot *approvalSlot) ApprovalDecision {
	var timeoutCh <-chan time.Time
	if c.timeout > 0 {
		timer := time.NewTimer(c.timeout)
		defer timer.Stop()
		timeoutCh = timer.C
	}

	var decision ApprovalDecision
	select {
	case decision = <-slot.ch:
	case <-ctx.Done():
		decision = ApprovalDecision{Approved: false, Code: models.CodeCancelled}
	case <-timeoutCh:
		decision = ApprovalDecision{Approved: false, Code: models.CodeApprovalTimeout}
	}

	c.mu.Lock()
	if conv := c.conversations[conversationID]; conv != nil {
		delete(conv.slots, slot.ToolCallID)
		conv.markResolved(slot.ToolCallID)
	}
	c.mu.Unlock()

	c.logger.Debug("approval resolved",
		"conversation_id", conversationID,
		"tool_call_id", slot.ToolCallID,
		"approved", decision.Approved,
		"code", decision.Code)
	return decision
}

// Wait registers a rendezvous and blocks on it in one step.
func (c *ApprovalCoordinator) Wait(ctx context.Context, conversationID string, req PendingApproval) ApprovalDecision {
	return c.Await(ctx, conversationID, c.Register(conversationID, req))
}

// Submit resolves an outstanding approval. It is idempotent: a second call
// for the same tool call returns SubmitAlreadyResolved and changes nothing.
func (c *ApprovalCoordinator) Submit(conversationID, toolCallID string, decision ApprovalDecision) SubmitStatus {
	c.mu.Lock()
	defer c.mu.Unlock()

	conv := c.conversations[conversationID]
	if conv == nil {
		return SubmitNotFound
	}
	if _, done := conv.resolved[toolCallID]; done {
		return SubmitAlreadyResolved
	}
	slot, ok := conv.slots[toolCallID]
	if !ok {
		return SubmitNotFound
	}

	// Mark resolved before the waiter wakes so a racing duplicate submit
	// observes already_resolved, not delivered.
	conv.markResolved(toolCallID)
	delete(conv.slots, toolCallID)
	slot.ch <- decision
	return SubmitDelivered
}

// Pending lists outstanding approvals for a conversation.
func (c *ApprovalCoordinator) Pending(conversationID string) []PendingApproval {
	c.mu.Lock()
	defer c.mu.Unlock()

	conv := c.conversations[conversationID]
	if conv == nil {
		return nil
	}
	out := make([]PendingApproval, 0, len(conv.slots))
	for _, slot := range conv.slots {
		out = append(out, slot.PendingApproval)
	}
	return out
}

// CancelConversation resolves every open slot of the conversation with a
// CANCELLED decision. The resolved ids are retained so late duplicate
// submissions stay idempotent.
func (c *ApprovalCoordinator) CancelConversation(conversationID string) {
	c.mu.Lock()
	conv := c.conversations[conversationID]
	if conv == nil {
		c.mu.Unlock()
		return
	}
	cancelled := make([]*approvalSlot, 0, len(conv.slots))
	for id, slot := range conv.slots {
		cancelled = append(cancelled, slot)
		delete(conv.slots, id)
		conv.markResolved(id)
	}
	c.mu.Unlock()

	for _, slot := range cancelled {
		slot.ch <- ApprovalDecision{Approved: false, Code: models.CodeCancelled}
	}
}

// ReleaseConversation is called at turn end. Resolved ids are retained
// (bounded) so a duplicate submission arriving after the turn still reads
// already_resolved instead of not_found; the entry is dropped only once both
// the slot and resolved sets are empty.
func (c *ApprovalCoordinator) ReleaseConversation(conversationID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	conv := c.conversations[conversationID]
	if conv == nil {
		return
	}
	if len(conv.slots) == 0 && len(conv.resolved) == 0 {
		delete(c.conversations, conversationID)
	}
}
