// Package scoring qualifies leads with a deterministic additive rubric.
// The engine is a pure function so the same lead always produces the same
// score and explanation, regardless of where or when it runs.
package scoring

import (
	"strings"
	"time"

	"github.com/pubx-real-estate/orchestrator/internal/agent/model"
	"github.com/pubx-real-estate/orchestrator/internal/agent/validate"
)

const maxScore = 100

// disposableDomains are throwaway email providers that signal a low-intent lead.
var disposableDomains = map[string]bool{
	"10minutemail.com":  true,
	"getnada.com":       true,
	"guerrillamail.com": true,
	"mailinator.com":    true,
	"sharklasers.com":   true,
	"tempmail.com":      true,
	"trashmail.com":     true,
	"yopmail.com":       true,
}

// Score evaluates the lead at evaluation time now. The rubric is additive and
// capped at maxScore; reasons list every rule that contributed, in rubric order.
func Score(lead model.Lead, now time.Time) (int, []string) {
	score := 0
	var reasons []string

	add := func(points int, reason string) {
		score += points
		reasons = append(reasons, reason)
	}

	if email := strings.ToLower(strings.TrimSpace(lead.Email)); email != "" && validate.IsEmail(email) {
		domain := email[strings.LastIndex(email, "@")+1:]
		if !disposableDomains[domain] {
			add(20, "valid non-disposable email domain")
		}
	}

	if phone := strings.TrimSpace(lead.Phone); phone != "" && validate.IsE164(phone) {
		add(30, "phone number in E.164 format")
	}

	if len(strings.TrimSpace(lead.Name)) > 2 {
		add(10, "name provided")
	}

	switch lead.Source {
	case "chat":
		add(10, "came in through chat")
	case "voice":
		add(20, "came in through voice")
	}

	if !lead.CreatedAt.IsZero() && now.Sub(lead.CreatedAt) < 24*time.Hour {
		add(10, "created within the last 24 hours")
	}

	if score > maxScore {
		score = maxScore
	}
	return score, reasons
}
