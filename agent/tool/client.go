// Package tool declares the closed catalog of backend-agent tools the
// planner may invoke, the HTTP adapters behind them, and the per-tool
// conversation-state mutations applied by the dispatch step.
package tool

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

const maxResponseSizeBytes = 4 << 20

// Config carries the base URLs of the external agent services.
type Config struct {
	SalesURL        string        `envconfig:"SALES_URL" split_words:"true" default:"http://127.0.0.1:8001/sales"`
	VerificationURL string        `envconfig:"VERIFICATION_URL" split_words:"true" default:"http://127.0.0.1:8002/verify"`
	StatementURL    string        `envconfig:"STATEMENT_URL" split_words:"true" default:"http://127.0.0.1:8002/analyze-statement"`
	UnderwritingURL string        `envconfig:"UNDERWRITING_URL" split_words:"true" default:"http://127.0.0.1:8003/underwrite"`
	SanctionURL     string        `envconfig:"SANCTION_URL" split_words:"true" default:"http://127.0.0.1:8004/sanction"`
	ArchiveURL      string        `envconfig:"ARCHIVE_URL" split_words:"true" default:"http://127.0.0.1:8004/archive/rejection"`
	SalaryDocURL    string        `envconfig:"SALARY_DOC_URL" split_words:"true" default:"http://127.0.0.1:8005/verify_salary"`
	Timeout         time.Duration `envconfig:"TIMEOUT" split_words:"true" default:"30s"`
}

// Client is the typed adapter layer over the external agent services. Each
// method is one request/response call: typed input to typed output or error.
type Client struct {
	cfg        Config
	httpClient *http.Client
}

type ClientOption func(*Client)

func WithHTTPClient(h *http.Client) ClientOption {
	return func(c *Client) {
		if h != nil {
			c.httpClient = h
		}
	}
}

func NewClient(cfg Config, opts ...ClientOption) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	c := &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: timeout},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

type OfferResult struct {
	PreApprovedLimit int64   `json:"pre_approved_limit"`
	InterestRate     float64 `json:"interest_rate"`
	Message          string  `json:"message,omitempty"`
}

// OfferLookup fetches the customer's pre-approved offer. The sales service
// reports interest options as strings like "8.5%"; the first option is
// normalized into a numeric rate.
func (c *Client) OfferLookup(ctx context.Context, customerID string) (OfferResult, error) {
	var raw struct {
		PreApprovedLimit int64    `json:"pre_approved_limit"`
		InterestOptions  []string `json:"interest_options"`
		Message          string   `json:"message"`
	}
	req := map[string]string{"customer_id": customerID}
	if err := c.postJSON(ctx, c.cfg.SalesURL, req, &raw); err != nil {
		return OfferResult{}, err
	}

	return OfferResult{
		PreApprovedLimit: raw.PreApprovedLimit,
		InterestRate:     parseRateOption(raw.InterestOptions),
		Message:          raw.Message,
	}, nil
}

type AdvisoryResult struct {
	Message          string  `json:"message"`
	PreApprovedLimit int64   `json:"pre_approved_limit,omitempty"`
	InterestRate     float64 `json:"interest_rate,omitempty"`
	ResponseType     string  `json:"response_type,omitempty"`
}

// SalesAdvise forwards a product or scheme question to the sales agent.
func (c *Client) SalesAdvise(ctx context.Context, customerID, message string) (AdvisoryResult, error) {
	var raw struct {
		Message          string   `json:"message"`
		PreApprovedLimit int64    `json:"pre_approved_limit"`
		InterestOptions  []string `json:"interest_options"`
		ResponseType     string   `json:"response_type"`
	}
	req := map[string]string{"customer_id": customerID, "message": message}
	if err := c.postJSON(ctx, c.cfg.SalesURL, req, &raw); err != nil {
		return AdvisoryResult{}, err
	}
	if strings.TrimSpace(raw.Message) == "" {
		return AdvisoryResult{}, errors.New("sales agent returned an empty message")
	}

	return AdvisoryResult{
		Message:          raw.Message,
		PreApprovedLimit: raw.PreApprovedLimit,
		InterestRate:     parseRateOption(raw.InterestOptions),
		ResponseType:     raw.ResponseType,
	}, nil
}

type KYCResult struct {
	KYCStatus string `json:"kyc_status"`
}

func (c *Client) VerifyKYC(ctx context.Context, customerID string) (KYCResult, error) {
	var out KYCResult
	req := map[string]string{"customer_id": customerID}
	if err := c.postJSON(ctx, c.cfg.VerificationURL, req, &out); err != nil {
		return KYCResult{}, err
	}
	if out.KYCStatus == "" {
		return KYCResult{}, errors.New("verification agent returned no kyc_status")
	}
	return out, nil
}

type StatementResult struct {
	Status   string         `json:"status"`
	Score    int            `json:"score"`
	Insights map[string]any `json:"insights,omitempty"`
	Message  string         `json:"message,omitempty"`
}

func (c *Client) AnalyzeBankStatement(ctx context.Context, filePath string) (StatementResult, error) {
	var out StatementResult
	req := map[string]string{"file_path": filePath}
	if err := c.postJSON(ctx, c.cfg.StatementURL, req, &out); err != nil {
		return StatementResult{}, err
	}
	if out.Score < 0 || out.Score > 100 {
		return StatementResult{}, fmt.Errorf("statement score %d out of range", out.Score)
	}
	return out, nil
}

type SalaryDocResult struct {
	Status        string  `json:"status"`
	MonthlySalary int64   `json:"monthly_salary"`
	Confidence    float64 `json:"confidence"`
	DocumentType  string  `json:"document_type,omitempty"`
	SalarySource  string  `json:"salary_source,omitempty"`
}

func (c *Client) VerifySalaryDocument(ctx context.Context, filePath string) (SalaryDocResult, error) {
	var out SalaryDocResult
	req := map[string]string{"file_path": filePath}
	if err := c.postJSON(ctx, c.cfg.SalaryDocURL, req, &out); err != nil {
		return SalaryDocResult{}, err
	}
	return out, nil
}

type UnderwritingRequest struct {
	CustomerID       string  `json:"customer_id"`
	RequestedAmount  int64   `json:"requested_loan_amount"`
	PreApprovedLimit int64   `json:"pre_approved_limit"`
	MonthlySalary    int64   `json:"monthly_salary"`
	InterestRate     float64 `json:"interest_rate"`
	TenureMonths     int     `json:"loan_tenure_months"`
}

type UnderwritingResult struct {
	Status            string  `json:"status"`
	FinalInterestRate float64 `json:"final_interest_rate,omitempty"`
	FinalTenureMonths int     `json:"final_tenure,omitempty"`
	FinalEMI          int64   `json:"final_emi,omitempty"`
	RiskCategory      string  `json:"risk_category,omitempty"`
	Reason            string  `json:"reason,omitempty"`
}

func (c *Client) RunUnderwriting(ctx context.Context, req UnderwritingRequest) (UnderwritingResult, error) {
	var out UnderwritingResult
	if err := c.postJSON(ctx, c.cfg.UnderwritingURL, req, &out); err != nil {
		return UnderwritingResult{}, err
	}
	switch out.Status {
	case "approved", "rejected":
	default:
		return UnderwritingResult{}, fmt.Errorf("underwriting returned status %q", out.Status)
	}
	return out, nil
}

type SanctionRequest struct {
	CustomerID   string  `json:"customer_id"`
	LoanID       int64   `json:"loan_id"`
	Amount       int64   `json:"loan_amount"`
	InterestRate float64 `json:"interest_rate"`
	TenureMonths int     `json:"tenure_months"`
}

type SanctionResult struct {
	FilePath string `json:"file_path"`
}

func (c *Client) GenerateSanction(ctx context.Context, req SanctionRequest) (SanctionResult, error) {
	var out SanctionResult
	if err := c.postJSON(ctx, c.cfg.SanctionURL, req, &out); err != nil {
		return SanctionResult{}, err
	}
	// The generator reports a path relative to its own working tree.
	out.FilePath = strings.TrimPrefix(out.FilePath, "../../")
	return out, nil
}

type RejectionArchiveRequest struct {
	CustomerID   string  `json:"customer_id"`
	LoanID       int64   `json:"loan_id"`
	Status       string  `json:"status"`
	Amount       int64   `json:"loan_amount"`
	InterestRate float64 `json:"interest_rate"`
	Reason       string  `json:"reason"`
}

type ArchiveAck struct {
	Message string `json:"message"`
}

func (c *Client) ArchiveRejection(ctx context.Context, req RejectionArchiveRequest) (ArchiveAck, error) {
	req.Status = "rejected"
	var out ArchiveAck
	if err := c.postJSON(ctx, c.cfg.ArchiveURL, req, &out); err != nil {
		return ArchiveAck{}, err
	}
	return out, nil
}

func (c *Client) postJSON(ctx context.Context, url string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("call %s: %w", url, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSizeBytes))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return fmt.Errorf("%s returned status=%d body=%s", url, resp.StatusCode, truncate(raw, 256))
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode response from %s: %w", url, err)
	}
	return nil
}

func parseRateOption(options []string) float64 {
	if len(options) == 0 {
		return 0
	}
	trimmed := strings.TrimSuffix(strings.TrimSpace(options[0]), "%")
	rate, err := strconv.ParseFloat(trimmed, 64)
	if err != nil {
		return 0
	}
	return rate
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
