package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cloudwego/eino/schema"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	contractx "github.com/loanpilot/loanpilot/agent/contract"
	statex "github.com/loanpilot/loanpilot/agent/state"
	toolx "github.com/loanpilot/loanpilot/agent/tool"
	"github.com/loanpilot/loanpilot/pkg/logger"
)

const defaultCallTimeout = 15 * time.Second

type catalog interface {
	Lookup(name string) (toolx.Entry, bool)
}

// Dispatcher executes a planner batch against the tool catalog. Adapter
// calls run concurrently; conversation mutations are applied afterwards,
// sequentially, in request order.
type Dispatcher struct {
	catalog     catalog
	callTimeout time.Duration
	now         func() time.Time
	log         zerolog.Logger
}

type Option func(*Dispatcher)

func WithCallTimeout(d time.Duration) Option {
	return func(dp *Dispatcher) {
		if d > 0 {
			dp.callTimeout = d
		}
	}
}

func withClock(now func() time.Time) Option {
	return func(dp *Dispatcher) {
		dp.now = now
	}
}

func New(cat catalog, opts ...Option) *Dispatcher {
	dp := &Dispatcher{
		catalog:     cat,
		callTimeout: defaultCallTimeout,
		now:         time.Now,
		log:         logx.With("dispatch"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(dp)
		}
	}
	return dp
}

// Dispatch runs every request in the batch and returns one tool-result
// message per request, in request order. A failed call never fails the
// batch: the failure is encoded into that call's result so the planner can
// react to it on the next cycle.
func (d *Dispatcher) Dispatch(ctx context.Context, conv *statex.Conversation, reqs []contractx.ToolRequest) []*schema.Message {
	if len(reqs) == 0 {
		return nil
	}

	results := make([]contractx.ToolResult, len(reqs))
	g, gctx := errgroup.WithContext(ctx)
	for i, req := range reqs {
		i, req := i, req
		g.Go(func() error {
			results[i] = d.run(gctx, req)
			return nil
		})
	}
	// Runner errors are folded into results; the group never fails.
	_ = g.Wait()

	d.applyMutations(conv, reqs, results)

	msgs := make([]*schema.Message, len(results))
	for i, res := range results {
		msgs[i] = toolMessage(res)
	}
	return msgs
}

func (d *Dispatcher) run(ctx context.Context, req contractx.ToolRequest) contractx.ToolResult {
	res := contractx.ToolResult{ID: req.ID, Tool: req.Tool}

	if req.Invalid != "" {
		res.Error = req.Invalid
		return res
	}
	entry, ok := d.catalog.Lookup(req.Tool)
	if !ok {
		res.Error = fmt.Sprintf("%v: %s", contractx.ErrUnknownTool, req.Tool)
		d.log.Warn().Str("tool", req.Tool).Msg("unknown tool requested")
		return res
	}
	if err := entry.ValidateArgs(req.Args); err != nil {
		res.Error = err.Error()
		return res
	}

	callCtx, cancel := context.WithTimeout(ctx, d.callTimeout)
	defer cancel()

	out, err := entry.Run(callCtx, req.Args)
	if err != nil {
		res.Error = err.Error()
		d.log.Warn().Str("tool", req.Tool).Err(err).Msg("tool call failed")
		return res
	}
	res.Result = out
	return res
}

// applyMutations folds successful results into the conversation, in request
// order. At most one terminal mutation applies per batch; a duplicate in the
// same batch is a planner bug and is dropped with a warning rather than
// letting it overwrite the decision that was just made.
func (d *Dispatcher) applyMutations(conv *statex.Conversation, reqs []contractx.ToolRequest, results []contractx.ToolResult) {
	now := d.now()
	terminalApplied := false

	for i := range results {
		res := &results[i]
		if res.Error != "" {
			continue
		}
		entry, ok := d.catalog.Lookup(res.Tool)
		if !ok || entry.Mutate == nil {
			continue
		}
		if entry.Terminal && terminalApplied {
			d.log.Warn().
				Str("tool", res.Tool).
				Str("customer_id", conv.CustomerID).
				Msg("duplicate terminal tool call in one batch, ignoring")
			continue
		}
		if err := entry.Mutate(conv, reqs[i].Args, res.Result, now); err != nil {
			res.Result = nil
			res.Error = err.Error()
			d.log.Error().Str("tool", res.Tool).Err(err).Msg("state mutation rejected")
			continue
		}
		if entry.Terminal {
			terminalApplied = true
		}
		conv.Touch(now)
	}
}

func toolMessage(res contractx.ToolResult) *schema.Message {
	payload, err := json.Marshal(res)
	if err != nil {
		// ToolResult is always marshalable in practice; keep the transcript
		// consistent even if a tool returns something exotic.
		payload = []byte(fmt.Sprintf(`{"id":%q,"tool":%q,"error":"unencodable tool result"}`, res.ID, res.Tool))
	}
	return schema.ToolMessage(string(payload), res.ID, schema.WithToolName(res.Tool))
}
