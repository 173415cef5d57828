package archive

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	openaisdk "github.com/openai/openai-go"
	"github.com/rs/zerolog"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/driver/pgdriver"

	statex "github.com/loanpilot/loanpilot/agent/state"
	"github.com/loanpilot/loanpilot/pkg/logger"
)

// Config points the archive at its Postgres instance. An empty DSN disables
// archiving; callers should skip construction in that case.
type Config struct {
	DSN     string        `envconfig:"DSN"`
	Timeout time.Duration `envconfig:"TIMEOUT" default:"5s"`
}

// Record is one archived loan decision with its full transcript.
type Record struct {
	bun.BaseModel `bun:"table:loan_archives"`

	ID            int64           `bun:"id,pk,autoincrement"`
	CustomerID    string          `bun:"customer_id,notnull"`
	ApplicationID int64           `bun:"application_id,notnull"`
	Status        string          `bun:"status,notnull"`
	Amount        int64           `bun:"amount"`
	FinalRate     float64         `bun:"final_rate"`
	FinalTenure   int             `bun:"final_tenure"`
	FinalEMI      int64           `bun:"final_emi"`
	RiskCategory  string          `bun:"risk_category"`
	Reason        string          `bun:"reason"`
	Summary       string          `bun:"summary"`
	Transcript    json.RawMessage `bun:"transcript,type:jsonb"`
	DecidedAt     time.Time       `bun:"decided_at,notnull"`
}

// Store persists terminal decisions to Postgres. When a summarizer client is
// attached, each record also carries a short model-written summary of the
// conversation; summarization failures degrade to an empty summary.
type Store struct {
	db         *bun.DB
	timeout    time.Duration
	summarizer *openaisdk.Client
	model      string
	log        zerolog.Logger
}

type Option func(*Store)

// WithSummarizer attaches an optional chat client used to summarize the
// transcript. A nil client is ignored.
func WithSummarizer(client *openaisdk.Client, model string) Option {
	return func(s *Store) {
		if client != nil && model != "" {
			s.summarizer = client
			s.model = model
		}
	}
}

func New(ctx context.Context, cfg Config, opts ...Option) (*Store, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, fmt.Errorf("archive DSN is required")
	}

	sqldb := sql.OpenDB(pgdriver.NewConnector(pgdriver.WithDSN(cfg.DSN)))
	db := bun.NewDB(sqldb, pgdialect.New())

	s := &Store{
		db:      db,
		timeout: cfg.Timeout,
		log:     logx.With("archive"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}

	initCtx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()
	if _, err := db.NewCreateTable().Model((*Record)(nil)).IfNotExists().Exec(initCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("archive: create schema: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// ArchiveDecision writes the terminal decision for a conversation. Callers
// treat this as best-effort; an error here must not fail the customer turn.
func (s *Store) ArchiveDecision(ctx context.Context, conv *statex.Conversation) error {
	if conv == nil || !conv.Decided() {
		return fmt.Errorf("conversation has no terminal decision")
	}

	rec, err := buildRecord(conv)
	if err != nil {
		return err
	}
	rec.Summary = s.summarize(ctx, conv)

	execCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	if _, err := s.db.NewInsert().Model(rec).Exec(execCtx); err != nil {
		return fmt.Errorf("archive: insert customer=%s: %w", conv.CustomerID, err)
	}
	return nil
}

func buildRecord(conv *statex.Conversation) (*Record, error) {
	transcript, err := json.Marshal(conv.Messages)
	if err != nil {
		return nil, fmt.Errorf("archive: encode transcript: %w", err)
	}

	rec := &Record{
		CustomerID:    conv.CustomerID,
		ApplicationID: conv.ApplicationID,
		Status:        string(conv.UnderwritingStatus),
		Amount:        conv.RequestedAmount,
		Reason:        conv.DecisionReason,
		Transcript:    transcript,
		DecidedAt:     conv.UpdatedAt,
	}
	if terms := conv.FinalTerms; terms != nil {
		rec.FinalRate = terms.Rate
		rec.FinalTenure = terms.TenureMonths
		rec.FinalEMI = terms.EMI
		rec.RiskCategory = terms.RiskCategory
	}
	return rec, nil
}

func (s *Store) summarize(ctx context.Context, conv *statex.Conversation) string {
	if s.summarizer == nil {
		return ""
	}

	var b strings.Builder
	for _, msg := range conv.Messages {
		if msg == nil || msg.Content == "" {
			continue
		}
		fmt.Fprintf(&b, "%s: %s\n", msg.Role, msg.Content)
	}

	callCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	resp, err := s.summarizer.Chat.Completions.New(callCtx, openaisdk.ChatCompletionNewParams{
		Model: s.model,
		Messages: []openaisdk.ChatCompletionMessageParamUnion{
			openaisdk.SystemMessage("Summarize this loan application conversation in at most three sentences: the customer's need, the key facts gathered, and the final decision."),
			openaisdk.UserMessage(b.String()),
		},
		MaxTokens: openaisdk.Int(200),
	})
	if err != nil {
		s.log.Warn().Str("customer_id", conv.CustomerID).Err(err).Msg("transcript summary failed")
		return ""
	}
	if len(resp.Choices) == 0 {
		return ""
	}
	return strings.TrimSpace(resp.Choices[0].Message.Content)
}
