package contract

import (
	"context"

	"github.com/cloudwego/eino/schema"

	statex "github.com/loanpilot/loanpilot/agent/state"
)

// Planner decides, from the full message history, whether the turn is done
// (final reply) or which tools to invoke next.
type Planner interface {
	Plan(ctx context.Context, history []*schema.Message) (Decision, error)
}

// Dispatcher executes one batch of tool requests, applies the per-tool state
// mutations to conv, and returns the tool-result messages in request order.
// It never fails the turn: adapter and validation failures become error
// tool-results.
type Dispatcher interface {
	Dispatch(ctx context.Context, conv *statex.Conversation, reqs []ToolRequest) []*schema.Message
}

// Archiver records a terminal application (approved or rejected) with its
// transcript. Implementations are best-effort; the turn does not depend on
// them.
type Archiver interface {
	ArchiveDecision(ctx context.Context, conv *statex.Conversation) error
}
