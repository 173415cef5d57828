package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cloudwego/eino/schema"
	"github.com/rs/zerolog"

	contractx "github.com/loanpilot/loanpilot/agent/contract"
	promptx "github.com/loanpilot/loanpilot/agent/prompt"
	statex "github.com/loanpilot/loanpilot/agent/state"
	"github.com/loanpilot/loanpilot/pkg/logger"
)

const (
	replyApology = "I am sorry, I am having trouble processing your request right now. Please try again in a moment."

	replyStillWorking = "I am still working on your request. Please give me a moment and send your message again."
)

// Config bounds a single turn and the per-customer admission window.
type Config struct {
	MaxCycles  int           `envconfig:"MAX_CYCLES" default:"8"`
	RateLimit  int           `envconfig:"RATE_LIMIT" default:"20"`
	RateWindow time.Duration `envconfig:"RATE_WINDOW" default:"1m"`
}

// Engine drives the plan/dispatch loop for one customer turn: admission,
// state load, planning cycles, checkpointing, and the terminal archive
// hand-off.
type Engine struct {
	cfg        Config
	store      statex.Store
	planner    contractx.Planner
	dispatcher contractx.Dispatcher
	archiver   contractx.Archiver

	locks   *lockRegistry
	limiter *slidingWindow
	now     func() time.Time
	log     zerolog.Logger
}

type Option func(*Engine)

// WithArchiver attaches a best-effort decision archiver. Archive failures
// are logged and never fail the turn.
func WithArchiver(a contractx.Archiver) Option {
	return func(e *Engine) {
		e.archiver = a
	}
}

func withClock(now func() time.Time) Option {
	return func(e *Engine) {
		e.now = now
	}
}

func New(cfg Config, store statex.Store, planner contractx.Planner, dispatcher contractx.Dispatcher, opts ...Option) (*Engine, error) {
	if store == nil || planner == nil || dispatcher == nil {
		return nil, fmt.Errorf("store, planner and dispatcher are required")
	}
	if cfg.MaxCycles <= 0 {
		return nil, fmt.Errorf("max cycles must be positive, got %d", cfg.MaxCycles)
	}
	if cfg.RateLimit <= 0 || cfg.RateWindow <= 0 {
		return nil, fmt.Errorf("rate limit and window must be positive")
	}

	e := &Engine{
		cfg:        cfg,
		store:      store,
		planner:    planner,
		dispatcher: dispatcher,
		locks:      newLockRegistry(),
		limiter:    newSlidingWindow(cfg.RateLimit, cfg.RateWindow),
		now:        time.Now,
		log:        logx.With("orchestrator"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e, nil
}

// HandleTurn runs one customer message to completion and returns the reply.
// Turns for the same customer are serialized; turns over the admission
// window fail fast with a RateLimitError before touching any state.
func (e *Engine) HandleTurn(ctx context.Context, customerID, message string) (string, error) {
	customerID = strings.TrimSpace(customerID)
	message = strings.TrimSpace(message)
	if customerID == "" {
		return "", fmt.Errorf("%w: customer id is required", contractx.ErrValidation)
	}
	if message == "" {
		return "", fmt.Errorf("%w: message is required", contractx.ErrValidation)
	}

	if wait, ok := e.limiter.Allow(customerID, e.now()); !ok {
		e.log.Warn().Str("customer_id", customerID).Dur("wait", wait).Msg("turn rejected by rate limiter")
		return "", &RateLimitError{Wait: wait}
	}

	release := e.locks.Acquire(customerID)
	defer release()

	conv, err := e.loadOrCreate(ctx, customerID)
	if err != nil {
		return "", err
	}
	decidedBefore := conv.Decided()

	conv.Append(schema.UserMessage(message))
	conv.Touch(e.now())

	reply, err := e.runLoop(ctx, conv)
	if err != nil {
		return "", err
	}

	if err := e.checkpoint(ctx, conv); err != nil {
		return "", err
	}

	if e.archiver != nil && !decidedBefore && conv.Decided() {
		if err := e.archiver.ArchiveDecision(ctx, conv); err != nil {
			e.log.Error().Str("customer_id", customerID).Err(err).Msg("decision archive failed")
		}
	}

	return reply, nil
}

// Reset drops the customer's conversation so the next turn starts fresh.
func (e *Engine) Reset(ctx context.Context, customerID string) error {
	customerID = strings.TrimSpace(customerID)
	if customerID == "" {
		return fmt.Errorf("%w: customer id is required", contractx.ErrValidation)
	}

	release := e.locks.Acquire(customerID)
	defer release()

	if err := e.store.Reset(ctx, customerID); err != nil {
		return fmt.Errorf("%w: reset customer=%s: %v", contractx.ErrCheckpoint, customerID, err)
	}
	return nil
}

func (e *Engine) loadOrCreate(ctx context.Context, customerID string) (*statex.Conversation, error) {
	conv, err := e.store.Load(ctx, customerID)
	switch {
	case err == nil:
		return conv, nil
	case errors.Is(err, statex.ErrStateNotFound):
		conv = statex.NewConversation(customerID, e.now())
		conv.Append(schema.SystemMessage(promptx.Planner(conv.CustomerID, conv.ApplicationID)))
		return conv, nil
	default:
		return nil, fmt.Errorf("%w: load customer=%s: %v", contractx.ErrCheckpoint, customerID, err)
	}
}

// runLoop alternates planning and dispatch until the planner produces a
// final reply or the cycle budget runs out. Planner failures degrade to an
// apology; only checkpoint failures abort the turn.
func (e *Engine) runLoop(ctx context.Context, conv *statex.Conversation) (string, error) {
	for cycle := 0; cycle < e.cfg.MaxCycles; cycle++ {
		decision, err := e.planner.Plan(ctx, conv.Messages)
		if err != nil {
			e.log.Error().
				Str("customer_id", conv.CustomerID).
				Int("cycle", cycle).
				Err(err).
				Msg("planner failed, replying with apology")
			conv.Append(schema.AssistantMessage(replyApology, nil))
			return replyApology, nil
		}

		if decision.Assistant != nil {
			conv.Append(decision.Assistant)
		}
		if decision.Final() {
			return decision.Reply, nil
		}

		results := e.dispatcher.Dispatch(ctx, conv, decision.ToolRequests)
		conv.Append(results...)

		// Applied mutations must be persisted before the next planning cycle.
		if err := e.checkpoint(ctx, conv); err != nil {
			return "", err
		}
	}

	e.log.Warn().
		Str("customer_id", conv.CustomerID).
		Int("max_cycles", e.cfg.MaxCycles).
		Msg("cycle budget exhausted")
	conv.Append(schema.AssistantMessage(replyStillWorking, nil))
	return replyStillWorking, nil
}

func (e *Engine) checkpoint(ctx context.Context, conv *statex.Conversation) error {
	if err := e.store.Save(ctx, conv); err != nil {
		return fmt.Errorf("%w: save customer=%s: %v", contractx.ErrCheckpoint, conv.CustomerID, err)
	}
	return nil
}
