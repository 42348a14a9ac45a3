package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/haasonsaas/loom/pkg/models"
)

// DefaultRequestTimeout bounds one provider streaming request.
const DefaultRequestTimeout = 30 * time.Second

// Config tunes the orchestrator.
type Config struct {
	// RequestTimeout bounds each provider streaming call. Zero means
	// DefaultRequestTimeout.
	RequestTimeout time.Duration
	// Guard configures the tool guard layer.
	Guard GuardConfig
	// ApprovalTimeout bounds each approval wait. Zero means unbounded.
	ApprovalTimeout time.Duration
	// MaxAgentsPerTurn caps handoff chains within one turn. Zero means
	// DefaultMaxAgentsPerTurn.
	MaxAgentsPerTurn int
	// EventBuffer is the output channel capacity. Zero means 64.
	EventBuffer int
	// ApprovalPolicy, when set, gates tools beyond their own
	// RequiresApproval flag.
	ApprovalPolicy func(tool *ToolDefinition, tctx ToolContext) bool
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.RequestTimeout <= 0 {
		out.RequestTimeout = DefaultRequestTimeout
	}
	if out.MaxAgentsPerTurn <= 0 {
		out.MaxAgentsPerTurn = DefaultMaxAgentsPerTurn
	}
	if out.EventBuffer <= 0 {
		out.EventBuffer = 64
	}
	return out
}

// Orchestrator owns the turn state machine: it consumes input turns, drives
// the provider adapter, dispatches tools, and pumps events to the caller.
type Orchestrator struct {
	agents         map[string]*AgentDefinition
	defaultAgentID string
	providers      ProviderFactory
	store          *ConversationStore
	approvals      *ApprovalCoordinator
	guards         *Guards
	hooks          Hooks
	config         Config
	logger         *slog.Logger
}

// NewOrchestrator validates the agent set and wires the runtime together.
// Duplicate tool names within an agent's effective toolset and dangling
// handoff targets are configuration errors surfaced here, at startup.
func NewOrchestrator(agents []*AgentDefinition, defaultAgentID string, providers ProviderFactory, config Config, hooks Hooks, logger *slog.Logger) (*Orchestrator, error) {
	if len(agents) == 0 {
		return nil, fmt.Errorf("at least one agent is required")
	}
	if providers == nil {
		return nil, fmt.Errorf("provider factory is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	byID := make(map[string]*AgentDefinition, len(agents))
	for _, agent := range agents {
		if err := agent.Validate(); err != nil {
			return nil, err
		}
		if _, dup := byID[agent.ID]; dup {
			return nil, fmt.Errorf("duplicate agent id: %s", agent.ID)
		}
		byID[agent.ID] = agent
	}
	if defaultAgentID == "" {
		defaultAgentID = agents[0].ID
	}
	if _, ok := byID[defaultAgentID]; !ok {
		return nil, fmt.Errorf("default agent %s is not registered", defaultAgentID)
	}
	for _, agent := range byID {
		for _, target := range agent.CanHandoffTo {
			if _, ok := byID[target]; !ok {
				return nil, fmt.Errorf("agent %s hands off to unknown agent %s", agent.ID, target)
			}
		}
		// Surfaces duplicate tool names (declared vs generated) now
		// rather than mid-turn.
		if _, err := BuildTurnRegistry(agent, byID, nil); err != nil {
			return nil, err
		}
	}

	cfg := config.withDefaults()
	return &Orchestrator{
		agents:         byID,
		defaultAgentID: defaultAgentID,
		providers:      providers,
		store:          NewConversationStore(),
		approvals:      NewApprovalCoordinator(cfg.ApprovalTimeout, logger),
		guards:         NewGuards(cfg.Guard, hooks, logger),
		hooks:          hooks,
		config:         cfg,
		logger:         logger.With("component", "orchestrator"),
	}, nil
}

// Agents returns the registered agent definitions keyed by id.
func (o *Orchestrator) Agents() map[string]*AgentDefinition {
	return o.agents
}

// Conversations exposes the conversation store for read-only inspection.
func (o *Orchestrator) Conversations() *ConversationStore {
	return o.store
}

// PendingApprovals lists outstanding approvals for a conversation.
func (o *Orchestrator) PendingApprovals(conversationID string) []PendingApproval {
	return o.approvals.Pending(conversationID)
}

// SubmitApproval resolves an outstanding approval request. Idempotent.
func (o *Orchestrator) SubmitApproval(conversationID, toolCallID string, decision ApprovalDecision) SubmitStatus {
	status := o.approvals.Submit(conversationID, toolCallID, decision)
	if status == SubmitDelivered {
		label := "rejected"
		if decision.Approved {
			label = "approved"
		}
		approvalDecisions.WithLabelValues(label).Inc()
	}
	return status
}

// ProcessTurn runs one user turn and returns its event stream. Turns for the
// same conversation are serialized: while one is in flight, further
// submissions fail fast with ErrConversationBusy (code CONVERSATION_BUSY) —
// they are never queued. The returned channel is closed after the terminal
// event; cancelling ctx tears down in-flight work, resolves outstanding
// approvals with CANCELLED, and emits a terminal CANCELLED error unless a
// terminal event was already delivered.
func (o *Orchestrator) ProcessTurn(ctx context.Context, input *TurnInput) (<-chan *models.RuntimeEvent, error) {
	if input == nil || input.ConversationID == "" {
		return nil, fmt.Errorf("conversation id is required")
	}
	if input.Message == "" && len(input.Attachments) == 0 {
		return nil, fmt.Errorf("message is required")
	}

	conv := o.store.GetOrCreate(input.ConversationID, o.defaultAgentID)
	release, err := conv.BeginTurn()
	if err != nil {
		turnsRejectedBusy.Inc()
		return nil, Coded(models.CodeConversationBusy, err)
	}

	turnsStarted.Inc()
	events := make(chan *models.RuntimeEvent, o.config.EventBuffer)
	t := &turn{
		o:      o,
		conv:   conv,
		input:  input,
		events: events,
		logger: o.logger.With("conversation_id", conv.ID),
	}
	go func() {
		defer close(events)
		defer release()
		t.run(ctx)
	}()
	return events, nil
}
