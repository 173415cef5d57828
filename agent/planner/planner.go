package planner

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/cloudwego/eino/compose"
	"github.com/cloudwego/eino/schema"
	"github.com/google/uuid"

	contractx "github.com/loanpilot/loanpilot/agent/contract"
	"github.com/loanpilot/loanpilot/pkg/openrouter"
)

// Planner decides the next step of a conversation: either a direct reply to
// the customer or a batch of tool requests. It is stateless; the full message
// history is the only input.
type Planner struct {
	runner compose.Runnable[[]*schema.Message, *schema.Message]
}

// New binds the tool catalog to the chat model and compiles the planning
// graph once. The graph is a single model node: the history already carries
// the system prompt and every prior tool exchange, so no template stage is
// needed.
func New(ctx context.Context, builder openrouter.LLMBuilder, infos []*schema.ToolInfo) (*Planner, error) {
	chatModel, err := builder.New(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: build chat model: %v", contractx.ErrModelInvoke, err)
	}
	toolModel, err := chatModel.WithTools(infos)
	if err != nil {
		return nil, fmt.Errorf("%w: bind tools: %v", contractx.ErrModelInvoke, err)
	}

	graph := compose.NewGraph[[]*schema.Message, *schema.Message]()
	if err := graph.AddChatModelNode("model", toolModel); err != nil {
		return nil, fmt.Errorf("add planner model node: %w", err)
	}
	if err := graph.AddEdge(compose.START, "model"); err != nil {
		return nil, fmt.Errorf("add planner edge start->model: %w", err)
	}
	if err := graph.AddEdge("model", compose.END); err != nil {
		return nil, fmt.Errorf("add planner edge model->end: %w", err)
	}

	runner, err := graph.Compile(ctx, compose.WithGraphName("loanpilot.planner_graph"))
	if err != nil {
		return nil, fmt.Errorf("%w: compile planner graph: %v", contractx.ErrModelInvoke, err)
	}
	return &Planner{runner: runner}, nil
}

// Plan invokes the model over the history and normalizes its answer into a
// Decision. Malformed individual tool calls do not fail the plan; they are
// marked invalid so the dispatcher can report them back to the model as tool
// errors.
func (p *Planner) Plan(ctx context.Context, history []*schema.Message) (contractx.Decision, error) {
	if len(history) == 0 {
		return contractx.Decision{}, fmt.Errorf("%w: empty history", contractx.ErrValidation)
	}

	msg, err := p.runner.Invoke(ctx, history)
	if err != nil {
		return contractx.Decision{}, fmt.Errorf("%w: planner invoke: %v", contractx.ErrModelInvoke, err)
	}
	if msg == nil {
		return contractx.Decision{}, fmt.Errorf("%w: empty planner response", contractx.ErrSchemaViolation)
	}

	reqs := toToolRequests(msg)
	if len(reqs) == 0 {
		reply := strings.TrimSpace(msg.Content)
		if reply == "" {
			return contractx.Decision{}, fmt.Errorf("%w: planner returned neither reply nor tool calls", contractx.ErrSchemaViolation)
		}
		return contractx.Decision{Reply: reply, Assistant: msg}, nil
	}

	return contractx.Decision{ToolRequests: reqs, Assistant: msg}, nil
}

// toToolRequests converts the model's tool calls into dispatchable requests.
// Call IDs missing from the model output are minted here and written back
// into the message so the persisted transcript stays consistent with the
// tool-result messages that will reference them.
func toToolRequests(msg *schema.Message) []contractx.ToolRequest {
	if len(msg.ToolCalls) == 0 {
		return nil
	}
	reqs := make([]contractx.ToolRequest, 0, len(msg.ToolCalls))
	for i := range msg.ToolCalls {
		call := &msg.ToolCalls[i]
		if strings.TrimSpace(call.ID) == "" {
			call.ID = uuid.NewString()
		}

		req := contractx.ToolRequest{
			ID:   call.ID,
			Tool: strings.TrimSpace(call.Function.Name),
			Args: map[string]any{},
		}
		if req.Tool == "" {
			req.Invalid = "tool call name is empty"
			reqs = append(reqs, req)
			continue
		}

		rawArgs := strings.TrimSpace(call.Function.Arguments)
		if rawArgs != "" {
			if err := json.Unmarshal([]byte(rawArgs), &req.Args); err != nil {
				req.Invalid = fmt.Sprintf("invalid tool args: %v", err)
			}
		}
		reqs = append(reqs, req)
	}
	return reqs
}
