package tool

import (
	"context"
	"fmt"
	"time"

	"github.com/cloudwego/eino/schema"

	statex "github.com/loanpilot/loanpilot/agent/state"
)

const (
	ToolOfferLookup      = "offer.lookup"
	ToolSalesAdvise      = "sales.advise"
	ToolKYCVerify        = "kyc.verify"
	ToolStatementAnalyze = "bankstatement.analyze"
	ToolSalaryDocVerify  = "salarydoc.verify"
	ToolUnderwritingRun  = "underwriting.run"
	ToolSanctionGenerate = "sanction.generate"
	ToolRejectionArchive = "rejection.archive"
)

// Runner executes one tool invocation against its backend service.
type Runner func(ctx context.Context, args map[string]any) (any, error)

// Mutator maps a successful tool result onto the conversation state. A nil
// mutator means the tool carries information for the planner only.
type Mutator func(conv *statex.Conversation, args map[string]any, result any, now time.Time) error

// Entry binds one tool identity to its schema, adapter call and state
// mutation. The set of entries is closed: the planner can only ever reach
// tools registered here.
type Entry struct {
	Info     *schema.ToolInfo
	Required []string
	Run      Runner
	Mutate   Mutator
	// Terminal marks the tool that writes the terminal underwriting fields;
	// the dispatcher applies at most one terminal mutation per batch.
	Terminal bool
}

type Catalog struct {
	entries map[string]Entry
	infos   []*schema.ToolInfo
}

// NewCatalog builds and validates the registration table. A malformed entry
// is a startup error, not a runtime one.
func NewCatalog(client *Client) (*Catalog, error) {
	if client == nil {
		return nil, fmt.Errorf("tool client is required")
	}
	return newCatalog(buildEntries(client))
}

func newCatalog(entries []Entry) (*Catalog, error) {
	c := &Catalog{entries: make(map[string]Entry, len(entries))}
	for _, e := range entries {
		if e.Info == nil || e.Info.Name == "" {
			return nil, fmt.Errorf("tool entry missing schema info")
		}
		if e.Run == nil {
			return nil, fmt.Errorf("tool %s has no runner", e.Info.Name)
		}
		if _, dup := c.entries[e.Info.Name]; dup {
			return nil, fmt.Errorf("duplicate tool %s", e.Info.Name)
		}
		c.entries[e.Info.Name] = e
		c.infos = append(c.infos, e.Info)
	}
	return c, nil
}

// Infos returns the static tool signatures handed to the planner.
func (c *Catalog) Infos() []*schema.ToolInfo {
	return c.infos
}

func (c *Catalog) Lookup(name string) (Entry, bool) {
	e, ok := c.entries[name]
	return e, ok
}

// ValidateArgs checks an argument bundle against the entry's required set
// before the adapter is called.
func (e Entry) ValidateArgs(args map[string]any) error {
	for _, key := range e.Required {
		if _, ok := args[key]; !ok {
			return fmt.Errorf("argument %q is required for tool %s", key, e.Info.Name)
		}
	}
	return nil
}

func buildEntries(client *Client) []Entry {
	return []Entry{
		{
			Info: &schema.ToolInfo{
				Name: ToolOfferLookup,
				Desc: "Fetch the customer's pre-approved loan offer (limit and interest rate). Call this first.",
				ParamsOneOf: schema.NewParamsOneOfByParams(map[string]*schema.ParameterInfo{
					"customer_id": {Type: schema.String, Desc: "Customer identifier", Required: true},
				}),
			},
			Required: []string{"customer_id"},
			Run: func(ctx context.Context, args map[string]any) (any, error) {
				customerID, err := argString(args, "customer_id")
				if err != nil {
					return nil, err
				}
				return client.OfferLookup(ctx, customerID)
			},
			Mutate: func(conv *statex.Conversation, _ map[string]any, result any, _ time.Time) error {
				offer, ok := result.(OfferResult)
				if !ok {
					return fmt.Errorf("unexpected offer result type %T", result)
				}
				conv.ApplyOffer(offer.PreApprovedLimit, offer.InterestRate)
				return nil
			},
		},
		{
			Info: &schema.ToolInfo{
				Name: ToolSalesAdvise,
				Desc: "Ask the sales agent about loan products, schemes, subsidies, eligibility or comparisons. Pass the user's exact question.",
				ParamsOneOf: schema.NewParamsOneOfByParams(map[string]*schema.ParameterInfo{
					"customer_id": {Type: schema.String, Desc: "Customer identifier", Required: true},
					"message":     {Type: schema.String, Desc: "The user's question, verbatim", Required: true},
				}),
			},
			Required: []string{"customer_id", "message"},
			Run: func(ctx context.Context, args map[string]any) (any, error) {
				customerID, err := argString(args, "customer_id")
				if err != nil {
					return nil, err
				}
				message, err := argString(args, "message")
				if err != nil {
					return nil, err
				}
				return client.SalesAdvise(ctx, customerID, message)
			},
			Mutate: func(conv *statex.Conversation, _ map[string]any, result any, _ time.Time) error {
				adv, ok := result.(AdvisoryResult)
				if !ok {
					return fmt.Errorf("unexpected advisory result type %T", result)
				}
				if adv.ResponseType == "offer" && adv.PreApprovedLimit > 0 {
					conv.ApplyOffer(adv.PreApprovedLimit, adv.InterestRate)
				}
				return nil
			},
		},
		{
			Info: &schema.ToolInfo{
				Name: ToolKYCVerify,
				Desc: "Verify the customer's KYC status. Must be verified before underwriting.",
				ParamsOneOf: schema.NewParamsOneOfByParams(map[string]*schema.ParameterInfo{
					"customer_id": {Type: schema.String, Desc: "Customer identifier", Required: true},
				}),
			},
			Required: []string{"customer_id"},
			Run: func(ctx context.Context, args map[string]any) (any, error) {
				customerID, err := argString(args, "customer_id")
				if err != nil {
					return nil, err
				}
				return client.VerifyKYC(ctx, customerID)
			},
			Mutate: func(conv *statex.Conversation, _ map[string]any, result any, _ time.Time) error {
				kyc, ok := result.(KYCResult)
				if !ok {
					return fmt.Errorf("unexpected kyc result type %T", result)
				}
				conv.ApplyKYC(statex.KYCStatus(kyc.KYCStatus))
				return nil
			},
		},
		{
			Info: &schema.ToolInfo{
				Name: ToolStatementAnalyze,
				Desc: "Analyze a bank statement to score financial health (0-100). Required when the requested amount is high relative to salary.",
				ParamsOneOf: schema.NewParamsOneOfByParams(map[string]*schema.ParameterInfo{
					"file_path": {Type: schema.String, Desc: "Path to the uploaded statement", Required: true},
				}),
			},
			Required: []string{"file_path"},
			Run: func(ctx context.Context, args map[string]any) (any, error) {
				filePath, err := argString(args, "file_path")
				if err != nil {
					return nil, err
				}
				return client.AnalyzeBankStatement(ctx, filePath)
			},
			Mutate: func(conv *statex.Conversation, _ map[string]any, result any, _ time.Time) error {
				st, ok := result.(StatementResult)
				if !ok {
					return fmt.Errorf("unexpected statement result type %T", result)
				}
				conv.ApplyBankStatementScore(st.Score)
				return nil
			},
		},
		{
			Info: &schema.ToolInfo{
				Name: ToolSalaryDocVerify,
				Desc: "Extract and verify monthly salary from a salary slip or income document.",
				ParamsOneOf: schema.NewParamsOneOfByParams(map[string]*schema.ParameterInfo{
					"file_path": {Type: schema.String, Desc: "Path to the uploaded document", Required: true},
				}),
			},
			Required: []string{"file_path"},
			Run: func(ctx context.Context, args map[string]any) (any, error) {
				filePath, err := argString(args, "file_path")
				if err != nil {
					return nil, err
				}
				return client.VerifySalaryDocument(ctx, filePath)
			},
			Mutate: func(conv *statex.Conversation, _ map[string]any, result any, _ time.Time) error {
				doc, ok := result.(SalaryDocResult)
				if !ok {
					return fmt.Errorf("unexpected salary doc result type %T", result)
				}
				if doc.Status == "verified" && doc.MonthlySalary > 0 {
					conv.DeclaredMonthlySalary = doc.MonthlySalary
				}
				return nil
			},
		},
		{
			Info: &schema.ToolInfo{
				Name: ToolUnderwritingRun,
				Desc: "Run the risk-rule engine. Requires verified KYC. Returns approval with risk-adjusted final terms, or rejection with a reason.",
				ParamsOneOf: schema.NewParamsOneOfByParams(map[string]*schema.ParameterInfo{
					"customer_id":        {Type: schema.String, Desc: "Customer identifier", Required: true},
					"requested_amount":   {Type: schema.Integer, Desc: "Amount the customer asked for", Required: true},
					"pre_approved_limit": {Type: schema.Integer, Desc: "Limit from the offer lookup", Required: true},
					"monthly_salary":     {Type: schema.Integer, Desc: "Customer's monthly salary, 0 if unknown", Required: true},
					"interest_rate":      {Type: schema.Number, Desc: "Base interest rate from the offer", Required: true},
					"tenure_months":      {Type: schema.Integer, Desc: "Requested tenure in months, default 36", Required: true},
				}),
			},
			Required: []string{"customer_id", "requested_amount", "pre_approved_limit", "monthly_salary", "interest_rate", "tenure_months"},
			Terminal: true,
			Run: func(ctx context.Context, args map[string]any) (any, error) {
				req, err := underwritingRequestFromArgs(args)
				if err != nil {
					return nil, err
				}
				return client.RunUnderwriting(ctx, req)
			},
			Mutate: mutateUnderwriting,
		},
		{
			Info: &schema.ToolInfo{
				Name: ToolSanctionGenerate,
				Desc: "Generate the sanction letter for an approved application, using the final risk-adjusted terms.",
				ParamsOneOf: schema.NewParamsOneOfByParams(map[string]*schema.ParameterInfo{
					"customer_id":    {Type: schema.String, Desc: "Customer identifier", Required: true},
					"application_id": {Type: schema.Integer, Desc: "Application identifier", Required: true},
					"amount":         {Type: schema.Integer, Desc: "Approved loan amount", Required: true},
					"interest_rate":  {Type: schema.Number, Desc: "Final interest rate", Required: true},
					"tenure_months":  {Type: schema.Integer, Desc: "Final tenure in months", Required: true},
				}),
			},
			Required: []string{"customer_id", "application_id", "amount", "interest_rate", "tenure_months"},
			Run: func(ctx context.Context, args map[string]any) (any, error) {
				req, err := sanctionRequestFromArgs(args)
				if err != nil {
					return nil, err
				}
				return client.GenerateSanction(ctx, req)
			},
		},
		{
			Info: &schema.ToolInfo{
				Name: ToolRejectionArchive,
				Desc: "Archive a rejected application with its reason. Call after a rejection decision.",
				ParamsOneOf: schema.NewParamsOneOfByParams(map[string]*schema.ParameterInfo{
					"customer_id":    {Type: schema.String, Desc: "Customer identifier", Required: true},
					"application_id": {Type: schema.Integer, Desc: "Application identifier", Required: true},
					"amount":         {Type: schema.Integer, Desc: "Requested loan amount", Required: true},
					"interest_rate":  {Type: schema.Number, Desc: "Offered interest rate", Required: true},
					"reason":         {Type: schema.String, Desc: "Why the application was rejected", Required: true},
				}),
			},
			Required: []string{"customer_id", "application_id", "amount", "interest_rate", "reason"},
			Run: func(ctx context.Context, args map[string]any) (any, error) {
				req, err := rejectionRequestFromArgs(args)
				if err != nil {
					return nil, err
				}
				return client.ArchiveRejection(ctx, req)
			},
		},
	}
}

func underwritingRequestFromArgs(args map[string]any) (UnderwritingRequest, error) {
	customerID, err := argString(args, "customer_id")
	if err != nil {
		return UnderwritingRequest{}, err
	}
	amount, err := argInt64(args, "requested_amount")
	if err != nil {
		return UnderwritingRequest{}, err
	}
	limit, err := argInt64(args, "pre_approved_limit")
	if err != nil {
		return UnderwritingRequest{}, err
	}
	salary, err := argInt64(args, "monthly_salary")
	if err != nil {
		return UnderwritingRequest{}, err
	}
	rate, err := argFloat(args, "interest_rate")
	if err != nil {
		return UnderwritingRequest{}, err
	}
	tenure, err := argInt64(args, "tenure_months")
	if err != nil {
		return UnderwritingRequest{}, err
	}
	if amount <= 0 {
		return UnderwritingRequest{}, fmt.Errorf("requested_amount must be positive")
	}
	return UnderwritingRequest{
		CustomerID:       customerID,
		RequestedAmount:  amount,
		PreApprovedLimit: limit,
		MonthlySalary:    salary,
		InterestRate:     rate,
		TenureMonths:     int(tenure),
	}, nil
}

// mutateUnderwriting records the customer-declared facts carried in the
// request and applies the terminal decision with its final-terms group.
func mutateUnderwriting(conv *statex.Conversation, args map[string]any, result any, _ time.Time) error {
	uw, ok := result.(UnderwritingResult)
	if !ok {
		return fmt.Errorf("unexpected underwriting result type %T", result)
	}

	if amount, err := argInt64(args, "requested_amount"); err == nil && amount > 0 {
		conv.RequestedAmount = amount
	}
	if salary, err := argInt64(args, "monthly_salary"); err == nil && salary > 0 {
		conv.DeclaredMonthlySalary = salary
	}

	out := statex.UnderwritingOutcome{
		Status: statex.UnderwritingStatus(uw.Status),
		Reason: uw.Reason,
	}
	if uw.Status == "approved" {
		out.Terms = &statex.FinalTerms{
			Rate:         uw.FinalInterestRate,
			TenureMonths: uw.FinalTenureMonths,
			EMI:          uw.FinalEMI,
			RiskCategory: uw.RiskCategory,
		}
	}
	return conv.ApplyUnderwriting(out)
}

func sanctionRequestFromArgs(args map[string]any) (SanctionRequest, error) {
	customerID, err := argString(args, "customer_id")
	if err != nil {
		return SanctionRequest{}, err
	}
	appID, err := argInt64(args, "application_id")
	if err != nil {
		return SanctionRequest{}, err
	}
	amount, err := argInt64(args, "amount")
	if err != nil {
		return SanctionRequest{}, err
	}
	rate, err := argFloat(args, "interest_rate")
	if err != nil {
		return SanctionRequest{}, err
	}
	tenure, err := argInt64(args, "tenure_months")
	if err != nil {
		return SanctionRequest{}, err
	}
	return SanctionRequest{
		CustomerID:   customerID,
		LoanID:       appID,
		Amount:       amount,
		InterestRate: rate,
		TenureMonths: int(tenure),
	}, nil
}

func rejectionRequestFromArgs(args map[string]any) (RejectionArchiveRequest, error) {
	customerID, err := argString(args, "customer_id")
	if err != nil {
		return RejectionArchiveRequest{}, err
	}
	appID, err := argInt64(args, "application_id")
	if err != nil {
		return RejectionArchiveRequest{}, err
	}
	amount, err := argInt64(args, "amount")
	if err != nil {
		return RejectionArchiveRequest{}, err
	}
	rate, err := argFloat(args, "interest_rate")
	if err != nil {
		return RejectionArchiveRequest{}, err
	}
	reason, err := argString(args, "reason")
	if err != nil {
		return RejectionArchiveRequest{}, err
	}
	return RejectionArchiveRequest{
		CustomerID:   customerID,
		LoanID:       appID,
		Amount:       amount,
		InterestRate: rate,
		Reason:       reason,
	}, nil
}
