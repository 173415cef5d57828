package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()

	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	cfg := Config{
		SalesURL:        server.URL + "/sales",
		VerificationURL: server.URL + "/verify",
		StatementURL:    server.URL + "/analyze-statement",
		UnderwritingURL: server.URL + "/underwrite",
		SanctionURL:     server.URL + "/sanction",
		ArchiveURL:      server.URL + "/archive/rejection",
		SalaryDocURL:    server.URL + "/verify_salary",
	}
	return NewClient(cfg, WithHTTPClient(server.Client()))
}

func TestOfferLookupParsesInterestOption(t *testing.T) {
	t.Parallel()

	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		var req map[string]string
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if req["customer_id"] != "cust-1" {
			t.Errorf("customer_id = %q", req["customer_id"])
		}
		fmt.Fprint(w, `{"pre_approved_limit":500000,"interest_options":["8.5%","9.2%"],"message":"offer ready"}`)
	})

	offer, err := client.OfferLookup(context.Background(), "cust-1")
	if err != nil {
		t.Fatalf("OfferLookup() error = %v", err)
	}
	if offer.PreApprovedLimit != 500000 {
		t.Fatalf("limit = %d", offer.PreApprovedLimit)
	}
	if offer.InterestRate != 8.5 {
		t.Fatalf("rate = %v, want 8.5", offer.InterestRate)
	}
}

func TestSalesAdviseRejectsEmptyMessage(t *testing.T) {
	t.Parallel()

	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"message":"   "}`)
	})

	if _, err := client.SalesAdvise(context.Background(), "cust-1", "tell me about MUDRA"); err == nil {
		t.Fatal("expected error for empty sales message")
	}
}

func TestVerifyKYCRequiresStatus(t *testing.T) {
	t.Parallel()

	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{}`)
	})

	if _, err := client.VerifyKYC(context.Background(), "cust-1"); err == nil {
		t.Fatal("expected error for missing kyc_status")
	}
}

func TestAnalyzeBankStatementRejectsOutOfRangeScore(t *testing.T) {
	t.Parallel()

	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"status":"analyzed","score":150}`)
	})

	if _, err := client.AnalyzeBankStatement(context.Background(), "/tmp/stmt.pdf"); err == nil {
		t.Fatal("expected error for out-of-range score")
	}
}

func TestRunUnderwritingValidatesStatus(t *testing.T) {
	t.Parallel()

	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		var req UnderwritingRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if req.RequestedAmount != 300000 {
			t.Errorf("requested_loan_amount = %d", req.RequestedAmount)
		}
		fmt.Fprint(w, `{"status":"maybe"}`)
	})

	_, err := client.RunUnderwriting(context.Background(), UnderwritingRequest{
		CustomerID:      "cust-1",
		RequestedAmount: 300000,
		TenureMonths:    36,
	})
	if err == nil {
		t.Fatal("expected error for non-terminal underwriting status")
	}
}

func TestRunUnderwritingApproved(t *testing.T) {
	t.Parallel()

	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"status":"approved","final_interest_rate":10.5,"final_tenure":48,"final_emi":2564,"risk_category":"Medium Risk"}`)
	})

	out, err := client.RunUnderwriting(context.Background(), UnderwritingRequest{
		CustomerID:      "cust-1",
		RequestedAmount: 100000,
		TenureMonths:    36,
	})
	if err != nil {
		t.Fatalf("RunUnderwriting() error = %v", err)
	}
	if out.FinalTenureMonths != 48 || out.FinalEMI != 2564 {
		t.Fatalf("unexpected terms: %+v", out)
	}
}

func TestGenerateSanctionStripsRelativePrefix(t *testing.T) {
	t.Parallel()

	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"file_path":"../../letters/sanction_42.pdf"}`)
	})

	out, err := client.GenerateSanction(context.Background(), SanctionRequest{CustomerID: "cust-1", LoanID: 42})
	if err != nil {
		t.Fatalf("GenerateSanction() error = %v", err)
	}
	if out.FilePath != "letters/sanction_42.pdf" {
		t.Fatalf("file path = %q", out.FilePath)
	}
}

func TestArchiveRejectionForcesStatus(t *testing.T) {
	t.Parallel()

	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		var req RejectionArchiveRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if req.Status != "rejected" {
			t.Errorf("status = %q, want rejected", req.Status)
		}
		fmt.Fprint(w, `{"message":"archived"}`)
	})

	if _, err := client.ArchiveRejection(context.Background(), RejectionArchiveRequest{
		CustomerID: "cust-1",
		Status:     "approved",
		Reason:     "credit score too low",
	}); err != nil {
		t.Fatalf("ArchiveRejection() error = %v", err)
	}
}

func TestPostJSONSurfacesHTTPError(t *testing.T) {
	t.Parallel()

	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusBadGateway)
	})

	_, err := client.VerifyKYC(context.Background(), "cust-1")
	if err == nil {
		t.Fatal("expected error for 502 response")
	}
	if !strings.Contains(err.Error(), "status=502") {
		t.Fatalf("error should carry the status, got %v", err)
	}
}
