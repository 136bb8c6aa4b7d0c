package model

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// DispatchState is the lifecycle of a ToolInvocation. The state is terminal
// once it leaves StatePending; only the dispatcher mutates it.
type DispatchState string

const (
	StatePending   DispatchState = "pending"
	StateSucceeded DispatchState = "succeeded"
	StateConflict  DispatchState = "conflict"
	StateFailed    DispatchState = "failed"
)

// Terminal reports whether the state can no longer change.
func (s DispatchState) Terminal() bool {
	return s == StateSucceeded || s == StateConflict || s == StateFailed
}

// idempotencyNamespace scopes derived idempotency keys to this service.
var idempotencyNamespace = uuid.MustParse("6ba7b811-9dad-11d1-80b4-00c04fd430c8")

// ToolInvocation records one decided tool call for a turn.
type ToolInvocation struct {
	ID             string
	TurnID         string
	Tool           string
	Arguments      map[string]any
	IdempotencyKey string
	State          DispatchState
	Result         json.RawMessage
	Reason         string
	CreatedAt      time.Time
	CompletedAt    time.Time
}

// NewToolInvocation builds an invocation for validated arguments. The
// idempotency key is derived from the invocation identity so a network-level
// retry carries the same key and cannot double-apply the side effect.
func NewToolInvocation(turnID, tool string, seq int, args map[string]any) *ToolInvocation {
	identity := fmt.Sprintf("%s|%s|%d", turnID, tool, seq)
	return &ToolInvocation{
		ID:             uuid.NewString(),
		TurnID:         turnID,
		Tool:           tool,
		Arguments:      args,
		IdempotencyKey: uuid.NewSHA1(idempotencyNamespace, []byte(identity)).String(),
		State:          StatePending,
		CreatedAt:      time.Now().UTC(),
	}
}

// Key identifies the (turn, tool) pair for single-dispatch enforcement.
func (inv *ToolInvocation) Key() string {
	return inv.TurnID + "|" + inv.Tool
}
