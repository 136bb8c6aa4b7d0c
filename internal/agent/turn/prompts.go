package turn

import (
	"context"
	_ "embed"
	"fmt"
	"sort"
	"strings"

	"github.com/cloudwego/eino/components/prompt"
	"github.com/cloudwego/eino/schema"

	"github.com/pubx-real-estate/orchestrator/internal/agent/model"
)

//go:embed template/planner_prompt.txt
var plannerSystemPrompt string

//go:embed template/responder_prompt.txt
var responderSystemPrompt string

// renderPlannerSystem renders the routing prompt with the manifest's tool
// catalogue and an optional validation hint from a rejected proposal.
func renderPlannerSystem(ctx context.Context, cfg model.PromptConfig, snap *model.ManifestSnapshot, hint string) (string, error) {
	tpl := prompt.FromMessages(
		schema.GoTemplate,
		schema.SystemMessage(plannerSystemPrompt),
	)
	vars := map[string]any{
		"BusinessType": cfg.BusinessType,
		"BusinessName": cfg.BusinessName,
		"Tools":        renderToolCatalogue(snap),
		"Hint":         hint,
	}
	msgs, err := tpl.Format(ctx, vars)
	if err != nil {
		return "", fmt.Errorf("planner prompt render: %w", err)
	}
	if len(msgs) == 0 || msgs[0] == nil {
		return "", fmt.Errorf("planner prompt render: empty result")
	}
	return msgs[0].Content, nil
}

// renderResponderSystem renders the reply-generation prompt.
func renderResponderSystem(ctx context.Context, cfg model.PromptConfig) (string, error) {
	tpl := prompt.FromMessages(
		schema.GoTemplate,
		schema.SystemMessage(responderSystemPrompt),
	)
	vars := map[string]any{
		"BusinessType": cfg.BusinessType,
		"BusinessName": cfg.BusinessName,
		"Persona":      cfg.Persona,
	}
	msgs, err := tpl.Format(ctx, vars)
	if err != nil {
		return "", fmt.Errorf("responder prompt render: %w", err)
	}
	if len(msgs) == 0 || msgs[0] == nil {
		return "", fmt.Errorf("responder prompt render: empty result")
	}
	return msgs[0].Content, nil
}

// renderToolCatalogue lists the manifest tools in deterministic order so the
// planner prompt is stable for a given snapshot.
func renderToolCatalogue(snap *model.ManifestSnapshot) string {
	names := snap.Names()
	if len(names) == 0 {
		return "(none available right now)"
	}

	var b strings.Builder
	for _, name := range names {
		desc, _ := snap.Lookup(name)
		b.WriteString("- ")
		b.WriteString(name)
		b.WriteString(": ")
		b.WriteString(desc.Description)
		b.WriteString("\n")
		b.WriteString("  arguments: ")
		b.WriteString(renderFields(desc.Schema))
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

func renderFields(s model.ArgumentSchema) string {
	if len(s.Fields) == 0 {
		return "none"
	}
	fields := make([]string, 0, len(s.Fields))
	for name := range s.Fields {
		fields = append(fields, name)
	}
	sort.Strings(fields)

	parts := make([]string, 0, len(fields))
	for _, name := range fields {
		spec := s.Fields[name]
		part := fmt.Sprintf("%s (%s", name, spec.Type)
		if spec.Format != "" {
			part += ", " + spec.Format
		}
		if spec.Required {
			part += ", required"
		}
		part += ")"
		parts = append(parts, part)
	}
	return strings.Join(parts, ", ")
}
