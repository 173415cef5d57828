package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cloudwego/eino/schema"

	contractx "github.com/loanpilot/loanpilot/agent/contract"
	statex "github.com/loanpilot/loanpilot/agent/state"
)

type fakeStore struct {
	mu      sync.Mutex
	convs   map[string]*statex.Conversation
	loadErr error
	saveErr error
	loads   int
	saves   int
}

func newFakeStore() *fakeStore {
	return &fakeStore{convs: make(map[string]*statex.Conversation)}
}

func (f *fakeStore) Load(_ context.Context, customerID string) (*statex.Conversation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.loads++
	if f.loadErr != nil {
		return nil, f.loadErr
	}
	conv, ok := f.convs[customerID]
	if !ok {
		return nil, statex.ErrStateNotFound
	}
	return conv.Clone(), nil
}

func (f *fakeStore) Save(_ context.Context, conv *statex.Conversation) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.saves++
	if f.saveErr != nil {
		return f.saveErr
	}
	f.convs[conv.CustomerID] = conv.Clone()
	return nil
}

func (f *fakeStore) Reset(_ context.Context, customerID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.convs, customerID)
	return nil
}

func (f *fakeStore) stored(customerID string) *statex.Conversation {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.convs[customerID].Clone()
}

type fakePlanner struct {
	mu        sync.Mutex
	decisions []contractx.Decision
	err       error
	calls     int
}

func (f *fakePlanner) Plan(_ context.Context, history []*schema.Message) (contractx.Decision, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return contractx.Decision{}, f.err
	}
	idx := f.calls - 1
	if idx >= len(f.decisions) {
		return contractx.Decision{}, fmt.Errorf("no scripted decision at call=%d", f.calls)
	}
	return f.decisions[idx], nil
}

type fakeDispatcher struct {
	mu      sync.Mutex
	batches [][]contractx.ToolRequest
	mutate  func(conv *statex.Conversation)
}

func (f *fakeDispatcher) Dispatch(_ context.Context, conv *statex.Conversation, reqs []contractx.ToolRequest) []*schema.Message {
	f.mu.Lock()
	f.batches = append(f.batches, append([]contractx.ToolRequest(nil), reqs...))
	f.mu.Unlock()
	if f.mutate != nil {
		f.mutate(conv)
	}
	msgs := make([]*schema.Message, len(reqs))
	for i, req := range reqs {
		msgs[i] = schema.ToolMessage(`{"ok":true}`, req.ID, schema.WithToolName(req.Tool))
	}
	return msgs
}

type fakeArchiver struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (f *fakeArchiver) ArchiveDecision(_ context.Context, _ *statex.Conversation) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.err
}

func testConfig() Config {
	return Config{MaxCycles: 8, RateLimit: 100, RateWindow: time.Minute}
}

func newTestEngine(t *testing.T, cfg Config, store *fakeStore, planner contractx.Planner, dispatcher *fakeDispatcher, opts ...Option) *Engine {
	t.Helper()

	e, err := New(cfg, store, planner, dispatcher, opts...)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return e
}

func assistantReply(text string) contractx.Decision {
	return contractx.Decision{Reply: text, Assistant: schema.AssistantMessage(text, nil)}
}

func toolBatch(reqs ...contractx.ToolRequest) contractx.Decision {
	calls := make([]schema.ToolCall, len(reqs))
	for i, req := range reqs {
		calls[i] = schema.ToolCall{ID: req.ID, Function: schema.FunctionCall{Name: req.Tool, Arguments: "{}"}}
	}
	return contractx.Decision{
		ToolRequests: reqs,
		Assistant:    schema.AssistantMessage("", calls),
	}
}

func TestHandleTurnValidation(t *testing.T) {
	t.Parallel()

	e := newTestEngine(t, testConfig(), newFakeStore(), &fakePlanner{}, &fakeDispatcher{})

	if _, err := e.HandleTurn(context.Background(), "   ", "hello"); !errors.Is(err, contractx.ErrValidation) {
		t.Fatalf("expected ErrValidation for blank customer, got %v", err)
	}
	if _, err := e.HandleTurn(context.Background(), "c1", "   "); !errors.Is(err, contractx.ErrValidation) {
		t.Fatalf("expected ErrValidation for blank message, got %v", err)
	}
}

func TestHandleTurnNewConversationDirectReply(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	planner := &fakePlanner{decisions: []contractx.Decision{assistantReply("Hello! How can I help with your loan?")}}
	e := newTestEngine(t, testConfig(), store, planner, &fakeDispatcher{})

	reply, err := e.HandleTurn(context.Background(), "c1", "hi")
	if err != nil {
		t.Fatalf("HandleTurn() error = %v", err)
	}
	if reply != "Hello! How can I help with your loan?" {
		t.Fatalf("reply = %q", reply)
	}

	conv := store.stored("c1")
	if conv == nil {
		t.Fatal("conversation not saved")
	}
	if len(conv.Messages) != 3 {
		t.Fatalf("history has %d messages, want system+user+assistant", len(conv.Messages))
	}
	if conv.Messages[0].Role != schema.System {
		t.Fatalf("first message role = %s, want system", conv.Messages[0].Role)
	}
	if conv.Messages[1].Role != schema.User || conv.Messages[1].Content != "hi" {
		t.Fatalf("second message = %+v", conv.Messages[1])
	}
	if conv.Messages[2].Role != schema.Assistant {
		t.Fatalf("third message role = %s", conv.Messages[2].Role)
	}
}

func TestHandleTurnHistoryOnlyGrows(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	planner := &fakePlanner{decisions: []contractx.Decision{
		assistantReply("first"),
		assistantReply("second"),
	}}
	e := newTestEngine(t, testConfig(), store, planner, &fakeDispatcher{})

	if _, err := e.HandleTurn(context.Background(), "c1", "one"); err != nil {
		t.Fatalf("turn 1 error = %v", err)
	}
	before := store.stored("c1").Messages

	if _, err := e.HandleTurn(context.Background(), "c1", "two"); err != nil {
		t.Fatalf("turn 2 error = %v", err)
	}
	after := store.stored("c1").Messages

	if len(after) != len(before)+2 {
		t.Fatalf("history went from %d to %d, want +2", len(before), len(after))
	}
	for i := range before {
		if after[i].Role != before[i].Role || after[i].Content != before[i].Content {
			t.Fatalf("message %d changed between turns", i)
		}
	}
}

func TestHandleTurnToolCycle(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	planner := &fakePlanner{decisions: []contractx.Decision{
		toolBatch(contractx.ToolRequest{ID: "1", Tool: "offer.lookup", Args: map[string]any{}}),
		assistantReply("Your pre-approved limit is 500000."),
	}}
	dispatcher := &fakeDispatcher{mutate: func(conv *statex.Conversation) {
		conv.ApplyOffer(500000, 8.5)
	}}
	e := newTestEngine(t, testConfig(), store, planner, dispatcher)

	reply, err := e.HandleTurn(context.Background(), "c1", "what can I borrow?")
	if err != nil {
		t.Fatalf("HandleTurn() error = %v", err)
	}
	if reply != "Your pre-approved limit is 500000." {
		t.Fatalf("reply = %q", reply)
	}
	if len(dispatcher.batches) != 1 || len(dispatcher.batches[0]) != 1 {
		t.Fatalf("unexpected batches: %#v", dispatcher.batches)
	}

	conv := store.stored("c1")
	if conv.OfferLimit != 500000 {
		t.Fatalf("offer limit = %d", conv.OfferLimit)
	}
	// system, user, assistant tool-call, tool result, assistant final
	if len(conv.Messages) != 5 {
		t.Fatalf("history has %d messages, want 5", len(conv.Messages))
	}
	if conv.Messages[3].Role != schema.Tool {
		t.Fatalf("message 3 role = %s, want tool", conv.Messages[3].Role)
	}
	// One checkpoint per dispatch cycle plus the final save.
	if store.saves != 2 {
		t.Fatalf("saves = %d, want 2", store.saves)
	}
}

func TestHandleTurnPlannerFailureDegradesToApology(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	planner := &fakePlanner{err: errors.New("model timeout")}
	e := newTestEngine(t, testConfig(), store, planner, &fakeDispatcher{})

	reply, err := e.HandleTurn(context.Background(), "c1", "hi")
	if err != nil {
		t.Fatalf("HandleTurn() error = %v", err)
	}
	if reply != replyApology {
		t.Fatalf("reply = %q, want apology", reply)
	}
	if planner.calls != 1 {
		t.Fatalf("planner retried %d times, want 1 call", planner.calls)
	}

	conv := store.stored("c1")
	last := conv.Messages[len(conv.Messages)-1]
	if last.Role != schema.Assistant || last.Content != replyApology {
		t.Fatalf("apology not recorded in history: %+v", last)
	}
}

func TestHandleTurnCycleBudgetExhausted(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.MaxCycles = 2

	decisions := make([]contractx.Decision, cfg.MaxCycles)
	for i := range decisions {
		decisions[i] = toolBatch(contractx.ToolRequest{ID: fmt.Sprintf("%d", i), Tool: "offer.lookup", Args: map[string]any{}})
	}

	store := newFakeStore()
	e := newTestEngine(t, cfg, store, &fakePlanner{decisions: decisions}, &fakeDispatcher{})

	reply, err := e.HandleTurn(context.Background(), "c1", "hi")
	if err != nil {
		t.Fatalf("HandleTurn() error = %v", err)
	}
	if reply != replyStillWorking {
		t.Fatalf("reply = %q, want still-working fallback", reply)
	}
}

func TestHandleTurnSaveFailureIsFatal(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	store.saveErr = errors.New("redis down")
	planner := &fakePlanner{decisions: []contractx.Decision{assistantReply("hello")}}
	e := newTestEngine(t, testConfig(), store, planner, &fakeDispatcher{})

	_, err := e.HandleTurn(context.Background(), "c1", "hi")
	if !errors.Is(err, contractx.ErrCheckpoint) {
		t.Fatalf("expected ErrCheckpoint, got %v", err)
	}
}

func TestHandleTurnLoadFailureIsFatal(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	store.loadErr = errors.New("connection refused")
	e := newTestEngine(t, testConfig(), store, &fakePlanner{}, &fakeDispatcher{})

	_, err := e.HandleTurn(context.Background(), "c1", "hi")
	if !errors.Is(err, contractx.ErrCheckpoint) {
		t.Fatalf("expected ErrCheckpoint, got %v", err)
	}
}

func TestHandleTurnRateLimitRejectsWithoutStateAccess(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.RateLimit = 2

	store := newFakeStore()
	planner := &fakePlanner{decisions: []contractx.Decision{
		assistantReply("one"),
		assistantReply("two"),
	}}
	now := time.Now()
	e := newTestEngine(t, cfg, store, planner, &fakeDispatcher{}, withClock(func() time.Time { return now }))

	for i := 0; i < 2; i++ {
		if _, err := e.HandleTurn(context.Background(), "c1", "hi"); err != nil {
			t.Fatalf("turn %d error = %v", i+1, err)
		}
	}
	loadsBefore := store.loads

	_, err := e.HandleTurn(context.Background(), "c1", "hi")
	var rle *RateLimitError
	if !errors.As(err, &rle) {
		t.Fatalf("expected RateLimitError, got %v", err)
	}
	if rle.Wait <= 0 {
		t.Fatalf("wait hint = %v, want > 0", rle.Wait)
	}
	if store.loads != loadsBefore {
		t.Fatal("rejected turn must not touch the checkpoint store")
	}
}

func TestHandleTurnRateLimitIsPerCustomer(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.RateLimit = 1

	planner := &fakePlanner{decisions: []contractx.Decision{
		assistantReply("one"),
		assistantReply("two"),
	}}
	now := time.Now()
	e := newTestEngine(t, cfg, newFakeStore(), planner, &fakeDispatcher{}, withClock(func() time.Time { return now }))

	if _, err := e.HandleTurn(context.Background(), "c1", "hi"); err != nil {
		t.Fatalf("c1 turn error = %v", err)
	}
	if _, err := e.HandleTurn(context.Background(), "c2", "hi"); err != nil {
		t.Fatalf("c2 turn must not be limited by c1: %v", err)
	}
}

func TestHandleTurnArchivesNewDecisionOnce(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	planner := &fakePlanner{decisions: []contractx.Decision{
		toolBatch(contractx.ToolRequest{ID: "1", Tool: "underwriting.run", Args: map[string]any{}}),
		assistantReply("Unfortunately your application was rejected."),
		assistantReply("As I said, the application was rejected."),
	}}
	dispatcher := &fakeDispatcher{mutate: func(conv *statex.Conversation) {
		_ = conv.ApplyUnderwriting(statex.UnderwritingOutcome{
			Status: statex.UnderwritingRejected,
			Reason: "credit score below 650",
		})
	}}
	archiver := &fakeArchiver{}
	e := newTestEngine(t, testConfig(), store, planner, dispatcher, WithArchiver(archiver))

	if _, err := e.HandleTurn(context.Background(), "c1", "run it"); err != nil {
		t.Fatalf("turn 1 error = %v", err)
	}
	if archiver.calls != 1 {
		t.Fatalf("archive calls = %d, want 1", archiver.calls)
	}

	// A later turn on an already-decided conversation must not archive again.
	if _, err := e.HandleTurn(context.Background(), "c1", "what happened?"); err != nil {
		t.Fatalf("turn 2 error = %v", err)
	}
	if archiver.calls != 1 {
		t.Fatalf("archive calls = %d after second turn, want 1", archiver.calls)
	}
}

func TestHandleTurnArchiveFailureDoesNotFailTurn(t *testing.T) {
	t.Parallel()

	planner := &fakePlanner{decisions: []contractx.Decision{
		toolBatch(contractx.ToolRequest{ID: "1", Tool: "underwriting.run", Args: map[string]any{}}),
		assistantReply("rejected"),
	}}
	dispatcher := &fakeDispatcher{mutate: func(conv *statex.Conversation) {
		_ = conv.ApplyUnderwriting(statex.UnderwritingOutcome{Status: statex.UnderwritingRejected, Reason: "emi"})
	}}
	archiver := &fakeArchiver{err: errors.New("postgres down")}
	e := newTestEngine(t, testConfig(), newFakeStore(), planner, dispatcher, WithArchiver(archiver))

	if _, err := e.HandleTurn(context.Background(), "c1", "run it"); err != nil {
		t.Fatalf("turn error = %v", err)
	}
}

func TestHandleTurnSameCustomerSerialized(t *testing.T) {
	t.Parallel()

	var active, maxActive int32
	planner := &fakePlanner{decisions: []contractx.Decision{
		assistantReply("one"), assistantReply("two"), assistantReply("three"), assistantReply("four"),
	}}
	dispatcher := &fakeDispatcher{}
	store := newFakeStore()
	e := newTestEngine(t, testConfig(), store, &slowPlanner{inner: planner, active: &active, max: &maxActive}, dispatcher)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := e.HandleTurn(context.Background(), "c1", "hi"); err != nil {
				t.Errorf("HandleTurn() error = %v", err)
			}
		}()
	}
	wg.Wait()

	if got := atomic.LoadInt32(&maxActive); got != 1 {
		t.Fatalf("max concurrent turns for one customer = %d, want 1", got)
	}
}

type slowPlanner struct {
	inner  contractx.Planner
	active *int32
	max    *int32
}

func (s *slowPlanner) Plan(ctx context.Context, history []*schema.Message) (contractx.Decision, error) {
	cur := atomic.AddInt32(s.active, 1)
	defer atomic.AddInt32(s.active, -1)
	for {
		prev := atomic.LoadInt32(s.max)
		if cur <= prev || atomic.CompareAndSwapInt32(s.max, prev, cur) {
			break
		}
	}
	time.Sleep(5 * time.Millisecond)
	return s.inner.Plan(ctx, history)
}

func TestHandleTurnResumesPersistedFacts(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	seed := statex.NewConversation("c1", time.Now())
	seed.Append(schema.SystemMessage("prompt"), schema.UserMessage("hi"), schema.AssistantMessage("hello", nil))
	seed.ApplyOffer(500000, 8.5)
	seed.ApplyKYC(statex.KYCVerified)
	if err := store.Save(context.Background(), seed); err != nil {
		t.Fatalf("seed save error = %v", err)
	}

	planner := &fakePlanner{decisions: []contractx.Decision{assistantReply("welcome back")}}
	e := newTestEngine(t, testConfig(), store, planner, &fakeDispatcher{})

	if _, err := e.HandleTurn(context.Background(), "c1", "I'm back"); err != nil {
		t.Fatalf("HandleTurn() error = %v", err)
	}

	conv := store.stored("c1")
	if conv.KYCStatus != statex.KYCVerified {
		t.Fatalf("kyc status reset to %s", conv.KYCStatus)
	}
	if conv.OfferLimit != 500000 || conv.OfferRate != 8.5 {
		t.Fatalf("offer facts reset: limit=%d rate=%v", conv.OfferLimit, conv.OfferRate)
	}
	// Resumed turns must not re-inject the system prompt.
	if conv.Messages[0].Content != "prompt" {
		t.Fatalf("history prefix changed: %+v", conv.Messages[0])
	}
	systemCount := 0
	for _, m := range conv.Messages {
		if m.Role == schema.System {
			systemCount++
		}
	}
	if systemCount != 1 {
		t.Fatalf("system messages = %d, want 1", systemCount)
	}
}

func TestScenarioUnderwritingRejectedOverLimit(t *testing.T) {
	t.Parallel()

	store := newFakeStore()

	// First turn: the planner looks up the offer, then greets.
	plannerA := &fakePlanner{decisions: []contractx.Decision{
		toolBatch(contractx.ToolRequest{ID: "1", Tool: "offer.lookup", Args: map[string]any{}}),
		assistantReply("You are pre-approved for 40000. How much would you like?"),
	}}
	dispatcherA := &fakeDispatcher{mutate: func(conv *statex.Conversation) {
		conv.ApplyOffer(40000, 8.5)
	}}
	eA := newTestEngine(t, testConfig(), store, plannerA, dispatcherA)
	if _, err := eA.HandleTurn(context.Background(), "C1", "Hi"); err != nil {
		t.Fatalf("turn 1 error = %v", err)
	}
	if store.stored("C1").OfferLimit != 40000 {
		t.Fatalf("offer limit = %d after turn 1", store.stored("C1").OfferLimit)
	}

	// Second turn: the customer asks over the limit, underwriting rejects.
	plannerB := &fakePlanner{decisions: []contractx.Decision{
		toolBatch(contractx.ToolRequest{ID: "2", Tool: "underwriting.run", Args: map[string]any{"requested_amount": float64(50000)}}),
		assistantReply("Unfortunately your application was rejected: exceeds limit."),
	}}
	dispatcherB := &fakeDispatcher{mutate: func(conv *statex.Conversation) {
		conv.RequestedAmount = 50000
		_ = conv.ApplyUnderwriting(statex.UnderwritingOutcome{
			Status: statex.UnderwritingRejected,
			Reason: "exceeds limit",
		})
	}}
	eB := newTestEngine(t, testConfig(), store, plannerB, dispatcherB)
	if _, err := eB.HandleTurn(context.Background(), "C1", "I want 50000"); err != nil {
		t.Fatalf("turn 2 error = %v", err)
	}

	conv := store.stored("C1")
	if conv.UnderwritingStatus != statex.UnderwritingRejected {
		t.Fatalf("status = %s, want rejected", conv.UnderwritingStatus)
	}
	if conv.FinalTerms != nil {
		t.Fatal("rejected application must not carry final terms")
	}
	if conv.RequestedAmount != 50000 || conv.DecisionReason != "exceeds limit" {
		t.Fatalf("decision facts: %+v", conv)
	}
}

func TestResetValidatesAndDelegates(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	planner := &fakePlanner{decisions: []contractx.Decision{assistantReply("hello")}}
	e := newTestEngine(t, testConfig(), store, planner, &fakeDispatcher{})

	if err := e.Reset(context.Background(), "  "); !errors.Is(err, contractx.ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}

	if _, err := e.HandleTurn(context.Background(), "c1", "hi"); err != nil {
		t.Fatalf("HandleTurn() error = %v", err)
	}
	if err := e.Reset(context.Background(), "c1"); err != nil {
		t.Fatalf("Reset() error = %v", err)
	}
	if _, err := store.Load(context.Background(), "c1"); !errors.Is(err, statex.ErrStateNotFound) {
		t.Fatalf("conversation still present after reset: %v", err)
	}
}
