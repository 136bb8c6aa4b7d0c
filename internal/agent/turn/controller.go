package turn

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/cloudwego/eino/schema"
	"github.com/google/uuid"

	errx "github.com/pubx-real-estate/orchestrator/internal/core/error"
	logx "github.com/pubx-real-estate/orchestrator/pkg/logger"

	"github.com/pubx-real-estate/orchestrator/internal/agent/dispatch"
	"github.com/pubx-real-estate/orchestrator/internal/agent/manifest"
	"github.com/pubx-real-estate/orchestrator/internal/agent/model"
	"github.com/pubx-real-estate/orchestrator/internal/agent/scoring"
	"github.com/pubx-real-estate/orchestrator/internal/agent/stream"
	"github.com/pubx-real-estate/orchestrator/internal/agent/validate"
	"github.com/pubx-real-estate/orchestrator/internal/observability/metrics"
)

// fallbackReply completes a turn when everything else failed. Keep it bland;
// the real failure lives in the logs.
const fallbackReply = "I'm sorry, I'm having trouble processing your request right now. Please try again."

// crmUpsertTool is the capability whose success payload carries a lead the
// scoring worker should see.
const crmUpsertTool = "crm_upsert_lead"

// LeadStore mirrors CRM-confirmed leads for the scoring worker.
type LeadStore interface {
	SaveLead(ctx context.Context, lead model.Lead) error
}

// ControllerConfig wires the turn controller's collaborators.
type ControllerConfig struct {
	Planner       *Planner
	Responder     ChatModel
	ResponderName string
	Repo          model.ConversationRepository
	Manifest      *manifest.Cache
	Dispatcher    *dispatch.Dispatcher
	Leads         LeadStore // optional
	Prompt        model.PromptConfig
	MaxToolCalls  int
	Metrics       *metrics.OrchestratorMetrics
}

// Controller drives one conversation turn through its state machine:
// classify, validate, dispatch, fold, answer. Turns for different
// conversations run fully in parallel; the only shared mutable state is the
// manifest cache, the dispatcher's invocation table and the notification
// buffers below.
type Controller struct {
	planner       *Planner
	responder     ChatModel
	responderName string
	repo          model.ConversationRepository
	manifest      *manifest.Cache
	dispatcher    *dispatch.Dispatcher
	leads         LeadStore
	prompt        model.PromptConfig
	maxToolCalls  int
	metrics       *metrics.OrchestratorMetrics

	mu           sync.Mutex
	leadOwners   map[string]string   // lead id -> conversation id
	pendingNotes map[string][]string // conversation id -> qualification notes
}

func NewController(cfg ControllerConfig) *Controller {
	maxCalls := cfg.MaxToolCalls
	if maxCalls <= 0 {
		maxCalls = 3
	}
	return &Controller{
		planner:       cfg.Planner,
		responder:     cfg.Responder,
		responderName: cfg.ResponderName,
		repo:          cfg.Repo,
		manifest:      cfg.Manifest,
		dispatcher:    cfg.Dispatcher,
		leads:         cfg.Leads,
		prompt:        cfg.Prompt,
		maxToolCalls:  maxCalls,
		metrics:       cfg.Metrics,
		leadOwners:    make(map[string]string),
		pendingNotes:  make(map[string][]string),
	}
}

// ProcessTurn handles one inbound message end to end and always terminates
// the emitter: with Done on any completed turn (degraded included) or with a
// terminal error fragment when nothing sensible can be said.
func (c *Controller) ProcessTurn(ctx context.Context, in model.QueryInput, emitter *stream.Emitter) error {
	turnID := uuid.NewString()

	if err := c.repo.AddMessage(ctx, in.ConversationID, schema.UserMessage(in.Query)); err != nil {
		return c.failTurn(emitter, fmt.Errorf("append user message: %w", err))
	}

	loaded, err := c.repo.LoadHistory(ctx, in.ConversationID)
	if err != nil {
		return c.failTurn(emitter, fmt.Errorf("load history: %w", err))
	}
	history := loaded.Messages

	snap, err := c.manifest.Get(ctx)
	if err != nil {
		// degrade to direct-answer-only mode; the user never sees registry trouble
		logx.Warn().Err(err).Str("conversation_id", in.ConversationID).Msg("manifest unavailable, answering without tools")
		snap = &model.ManifestSnapshot{}
	}

	sysNotes := c.takeQualificationNotes(in.ConversationID)

	var toolsUsed []string
	hint := ""
	replanned := false

planLoop:
	for {
		if len(toolsUsed) >= c.maxToolCalls {
			sysNotes = append(sysNotes, schema.SystemMessage(fmt.Sprintf(
				"SYSTEM NOTICE: You have reached the maximum capability-call limit (%d) for this turn. "+
					"Synthesize a helpful reply from what you already gathered and acknowledge anything left incomplete.",
				c.maxToolCalls)))
			break planLoop
		}
		if len(snap.Tools) == 0 {
			break planLoop
		}

		decision, perr := c.planner.Plan(ctx, snap, priorMessages(history), in.Query, hint)
		if perr != nil {
			if ctx.Err() != nil {
				c.metrics.ObserveTurn("cancelled")
				return ctx.Err()
			}
			logx.Warn().Err(perr).Str("turn_id", turnID).Msg("planner failed, answering directly")
			break planLoop
		}
		if decision.Action != ActionTool {
			break planLoop
		}

		args, verr := validate.Arguments(decision.Tool, decision.Arguments, snap)
		if verr != nil {
			switch errx.KindOf(verr) {
			case errx.KindUnknownTool:
				// manifest mismatch; recoverable by answering directly
				logx.Warn().Str("tool", decision.Tool).Str("turn_id", turnID).Msg("planner proposed unknown tool")
				break planLoop
			case errx.KindValidation:
				if !replanned {
					replanned = true
					hint = safeMessage(verr)
					continue
				}
				sysNotes = append(sysNotes, schema.SystemMessage(
					"SYSTEM NOTICE: A capability call could not be made because its arguments were incomplete. "+
						"Ask the user for the missing details instead of guessing."))
				break planLoop
			default:
				logx.Error().Err(verr).Str("turn_id", turnID).Msg("argument validation failed unexpectedly")
				break planLoop
			}
		}

		desc, _ := snap.Lookup(decision.Tool)
		inv := model.NewToolInvocation(turnID, decision.Tool, len(toolsUsed), args)
		_ = emitter.ToolProgress(decision.Tool, "running")

		outcome, derr := c.dispatcher.Dispatch(ctx, inv, desc)
		if derr != nil {
			if errx.IsKind(derr, errx.KindDuplicateDispatch) {
				// internal race, not an error the user should hear about
				logx.Debug().Str("tool", decision.Tool).Str("turn_id", turnID).Msg("duplicate dispatch swallowed")
			} else {
				logx.Error().Err(derr).Str("tool", decision.Tool).Str("turn_id", turnID).Msg("dispatch failed")
			}
			break planLoop
		}
		_ = emitter.ToolProgress(decision.Tool, string(outcome.State))

		c.appendToolExchange(ctx, in.ConversationID, &history, inv, outcome)
		toolsUsed = append(toolsUsed, decision.Tool)
		hint = ""

		switch outcome.State {
		case model.StateSucceeded:
			c.recordLead(ctx, in.ConversationID, decision.Tool, outcome.Payload)
			// back to Start: the planner decides whether to chain another call
			continue
		case model.StateConflict:
			sysNotes = append(sysNotes, schema.SystemMessage(fmt.Sprintf(
				"SYSTEM NOTICE: The %s request was not applied because of a conflict: %s. "+
					"Tell the user what happened and invite them to choose an alternative. Do not retry on your own.",
				decision.Tool, outcome.Reason)))
			break planLoop
		default: // failed
			sysNotes = append(sysNotes, schema.SystemMessage(fmt.Sprintf(
				"SYSTEM NOTICE: The %s capability is unavailable right now (%s). "+
					"Acknowledge the limitation and offer what you can still help with.",
				decision.Tool, outcome.Reason)))
			break planLoop
		}
	}

	return c.answer(ctx, in, turnID, history, sysNotes, toolsUsed, emitter)
}

// answer streams the responder's reply and finalizes the turn.
func (c *Controller) answer(ctx context.Context, in model.QueryInput, turnID string, history, sysNotes []*schema.Message, toolsUsed []string, emitter *stream.Emitter) error {
	system, err := renderResponderSystem(ctx, c.prompt)
	if err != nil {
		return c.failTurn(emitter, err)
	}

	messages := make([]*schema.Message, 0, len(history)+len(sysNotes)+1)
	messages = append(messages, schema.SystemMessage(system))
	messages = append(messages, history...)
	messages = append(messages, sysNotes...)

	sr, err := c.responder.Stream(ctx, messages)
	if err != nil {
		return c.failTurn(emitter, fmt.Errorf("responder stream: %w", err))
	}

	final, err := emitter.DrainAssistant(ctx, sr)
	if err != nil {
		if ctx.Err() != nil {
			c.metrics.ObserveTurn("cancelled")
			return ctx.Err()
		}
		return c.failTurn(emitter, fmt.Errorf("drain responder: %w", err))
	}
	logUsage(c.responderName, final)

	content := strings.TrimSpace(final.Content)
	if content == "" {
		content = fallbackReply
		_ = emitter.Delta(content)
	}

	if err := c.repo.AddMessage(ctx, in.ConversationID, schema.AssistantMessage(content, nil)); err != nil {
		logx.Error().Err(err).Str("conversation_id", in.ConversationID).Msg("failed to persist assistant reply")
	}

	payload := map[string]any{
		"conversation_id": in.ConversationID,
		"turn_id":         turnID,
		"response":        content,
		"tools_used":      toolsUsed,
	}
	if err := emitter.Done(payload); err != nil && !errors.Is(err, stream.ErrTerminated) {
		logx.Warn().Err(err).Str("turn_id", turnID).Msg("failed to deliver final fragment")
	}
	c.metrics.ObserveTurn("answered")
	return nil
}

func (c *Controller) failTurn(emitter *stream.Emitter, err error) error {
	logx.Error().Err(err).Msg("turn failed")
	_ = emitter.Fail(fallbackReply)
	c.metrics.ObserveTurn("error")
	return err
}

// appendToolExchange records the synthetic assistant tool call and the tool
// result in the conversation log, keeping the ordering invariant: the tool
// entry follows the assistant message that requested it.
func (c *Controller) appendToolExchange(ctx context.Context, convID string, history *[]*schema.Message, inv *model.ToolInvocation, outcome dispatch.Outcome) {
	argsJSON, err := json.Marshal(inv.Arguments)
	if err != nil {
		argsJSON = []byte("{}")
	}
	call := &schema.Message{
		Role: schema.Assistant,
		ToolCalls: []schema.ToolCall{{
			ID:   inv.ID,
			Type: "function",
			Function: schema.FunctionCall{
				Name:      inv.Tool,
				Arguments: string(argsJSON),
			},
		}},
	}
	result := &schema.Message{
		Role:       schema.Tool,
		Content:    toolResultContent(outcome),
		ToolCallID: inv.ID,
	}

	for _, msg := range []*schema.Message{call, result} {
		if err := c.repo.AddMessage(ctx, convID, msg); err != nil {
			logx.Error().Err(err).Str("conversation_id", convID).Msg("failed to persist tool exchange")
		}
	}
	*history = append(*history, call, result)
}

func toolResultContent(outcome dispatch.Outcome) string {
	if outcome.State == model.StateSucceeded && len(outcome.Payload) > 0 {
		return string(outcome.Payload)
	}
	b, err := json.Marshal(map[string]string{
		"status": string(outcome.State),
		"reason": outcome.Reason,
	})
	if err != nil {
		return string(outcome.State)
	}
	return string(b)
}

// crmPayload tolerates both {"lead": {...}} and a bare lead object.
type crmPayload struct {
	Lead model.Lead `json:"lead"`
}

// recordLead mirrors a CRM-confirmed lead for the scoring worker and
// remembers which conversation owns it.
func (c *Controller) recordLead(ctx context.Context, convID, tool string, payload json.RawMessage) {
	if c.leads == nil || tool != crmUpsertTool || len(payload) == 0 {
		return
	}

	var wrapped crmPayload
	lead := wrapped.Lead
	if err := json.Unmarshal(payload, &wrapped); err == nil && wrapped.Lead.ID != "" {
		lead = wrapped.Lead
	} else if err := json.Unmarshal(payload, &lead); err != nil || lead.ID == "" {
		logx.Debug().Str("tool", tool).Msg("CRM payload carried no lead")
		return
	}

	if err := c.leads.SaveLead(ctx, lead); err != nil {
		logx.Error().Err(err).Str("lead_id", lead.ID).Msg("failed to mirror lead for scoring")
		return
	}

	c.mu.Lock()
	c.leadOwners[lead.ID] = convID
	c.mu.Unlock()
}

// ConsumeNotifications pumps qualification events into per-conversation
// notes. Run it as a goroutine alongside the scoring worker.
func (c *Controller) ConsumeNotifications(ctx context.Context, events <-chan scoring.Notification) {
	for {
		select {
		case <-ctx.Done():
			return
		case n, ok := <-events:
			if !ok {
				return
			}
			c.mu.Lock()
			convID, known := c.leadOwners[n.Lead.ID]
			if known {
				note := fmt.Sprintf(
					"SYSTEM NOTICE: This user's lead %q qualified with score %d (%s). "+
						"If it fits the conversation, mention that an agent will follow up shortly.",
					n.Lead.Name, n.Score.Score, strings.Join(n.Score.Reasons, "; "))
				c.pendingNotes[convID] = append(c.pendingNotes[convID], note)
			}
			c.mu.Unlock()
			if !known {
				logx.Debug().Str("lead_id", n.Lead.ID).Msg("qualified lead has no active conversation")
			}
		}
	}
}

// takeQualificationNotes drains pending notes for the conversation.
func (c *Controller) takeQualificationNotes(convID string) []*schema.Message {
	c.mu.Lock()
	notes := c.pendingNotes[convID]
	delete(c.pendingNotes, convID)
	c.mu.Unlock()

	msgs := make([]*schema.Message, 0, len(notes))
	for _, note := range notes {
		msgs = append(msgs, schema.SystemMessage(note))
	}
	return msgs
}

// priorMessages hides the just-appended user message from the planner's
// history block; the planner receives it separately as the current message.
func priorMessages(history []*schema.Message) []*schema.Message {
	if n := len(history); n > 0 && history[n-1] != nil && history[n-1].Role == schema.User {
		return history[:n-1]
	}
	return history
}

// safeMessage extracts the user-safe message from an AppError chain.
func safeMessage(err error) string {
	var ae *errx.AppError
	if errors.As(err, &ae) {
		return ae.Message
	}
	return "invalid arguments"
}
