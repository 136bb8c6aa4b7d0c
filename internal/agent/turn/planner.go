package turn

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	einomodel "github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"

	logx "github.com/pubx-real-estate/orchestrator/pkg/logger"

	"github.com/pubx-real-estate/orchestrator/internal/agent/model"
)

// maxDecisionLen bounds the routing model output we are willing to parse.
const maxDecisionLen = 16 * 1024

// ChatModel is the slice of the eino chat-model contract the orchestrator
// needs. Both gemini chat models satisfy it.
type ChatModel interface {
	Generate(ctx context.Context, input []*schema.Message, opts ...einomodel.Option) (*schema.Message, error)
	Stream(ctx context.Context, input []*schema.Message, opts ...einomodel.Option) (*schema.StreamReader[*schema.Message], error)
}

// Action is the planner's verdict for the current state of a turn.
type Action string

const (
	ActionAnswer Action = "answer"
	ActionTool   Action = "tool"
)

// Decision is the strict JSON object the routing model must produce.
type Decision struct {
	Action    Action         `json:"action"`
	Tool      string         `json:"tool,omitempty"`
	Arguments map[string]any `json:"arguments,omitempty"`
}

// Planner asks the routing model whether the turn needs a capability call.
type Planner struct {
	model      ChatModel
	modelName  string
	prompt     model.PromptConfig
	historyMax int
}

func NewPlanner(m ChatModel, modelName string, prompt model.PromptConfig, historyMax int) *Planner {
	if historyMax <= 0 {
		historyMax = 20
	}
	return &Planner{model: m, modelName: modelName, prompt: prompt, historyMax: historyMax}
}

// Plan classifies the latest message given the conversation so far. hint
// carries the validation error from a previously rejected proposal, empty
// otherwise. A malformed model reply degrades to ActionAnswer rather than
// failing the turn.
func (p *Planner) Plan(ctx context.Context, snap *model.ManifestSnapshot, history []*schema.Message, query, hint string) (*Decision, error) {
	system, err := renderPlannerSystem(ctx, p.prompt, snap, hint)
	if err != nil {
		return nil, err
	}

	messages := []*schema.Message{
		schema.SystemMessage(system),
		schema.UserMessage(buildPlannerContext(history, query, p.historyMax)),
	}

	out, err := p.model.Generate(ctx, messages)
	if err != nil {
		return nil, fmt.Errorf("routing model: %w", err)
	}
	logUsage(p.modelName, out)

	decision, perr := ParseDecision(out.Content)
	if perr != nil {
		logx.Warn().Err(perr).Str("model", p.modelName).Msg("unparseable routing decision, answering directly")
		return &Decision{Action: ActionAnswer}, nil
	}
	return decision, nil
}

// buildPlannerContext wraps recent history and the current message in the
// tagged layout the routing prompt expects.
func buildPlannerContext(history []*schema.Message, query string, maxTurns int) string {
	recent := history
	if len(recent) > maxTurns {
		recent = recent[len(recent)-maxTurns:]
	}

	var b strings.Builder
	b.WriteString("<conversation_context>\n")
	for _, msg := range recent {
		if msg == nil || msg.Content == "" {
			continue
		}
		switch msg.Role {
		case schema.User:
			b.WriteString("UserMessage(" + msg.Content + ")\n")
		case schema.Assistant:
			b.WriteString("AssistantMessage(" + msg.Content + ")\n")
		case schema.Tool:
			b.WriteString("ToolResult(" + msg.Content + ")\n")
		}
	}
	b.WriteString("</conversation_context>\n")
	b.WriteString("<current_message_to_analyze>\n")
	b.WriteString("UserMessage(" + query + ")\n")
	b.WriteString("</current_message_to_analyze>")
	return b.String()
}

// ParseDecision extracts the decision object from raw model output. Models
// wrap JSON in code fences or prose often enough that we cut to the outermost
// braces before decoding.
func ParseDecision(content string) (*Decision, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil, fmt.Errorf("empty routing output")
	}
	if len(content) > maxDecisionLen {
		return nil, fmt.Errorf("routing output too large (%d bytes)", len(content))
	}

	start := strings.Index(content, "{")
	end := strings.LastIndex(content, "}")
	if start < 0 || end <= start {
		return nil, fmt.Errorf("no JSON object in routing output")
	}

	var decision Decision
	if err := json.Unmarshal([]byte(content[start:end+1]), &decision); err != nil {
		return nil, fmt.Errorf("decode routing decision: %w", err)
	}

	switch decision.Action {
	case ActionAnswer:
		return &Decision{Action: ActionAnswer}, nil
	case ActionTool:
		if strings.TrimSpace(decision.Tool) == "" {
			return nil, fmt.Errorf("tool action without tool name")
		}
		decision.Tool = strings.TrimSpace(decision.Tool)
		return &decision, nil
	default:
		return nil, fmt.Errorf("unknown action %q", decision.Action)
	}
}

// logUsage records token usage cost for one model call, mirroring the cost
// accounting on the responder path.
func logUsage(modelName string, out *schema.Message) {
	if out == nil || out.ResponseMeta == nil || out.ResponseMeta.Usage == nil {
		return
	}
	usage := out.ResponseMeta.Usage
	inC, outC, totalC := model.ComputeCost(usage, model.ResolvePricing(modelName))
	logx.Debug().
		Str("model", modelName).
		Int("prompt_tokens", usage.PromptTokens).
		Int("completion_tokens", usage.CompletionTokens).
		Int("total_tokens", usage.TotalTokens).
		Float64("input_cost_usd", inC).
		Float64("output_cost_usd", outC).
		Float64("total_cost_usd", totalC).
		Msg("LLM usage")
}
