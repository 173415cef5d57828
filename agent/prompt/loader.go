package prompt

import (
	_ "embed"
	"strconv"
	"strings"
)

//go:embed template/planner.txt
var plannerRaw string

// Planner returns the planning system prompt with the customer's identity
// bound in. The rendered prompt opens every conversation transcript.
func Planner(customerID string, applicationID int64) string {
	out := strings.TrimSpace(plannerRaw)
	out = strings.ReplaceAll(out, "{customer_id}", customerID)
	out = strings.ReplaceAll(out, "{application_id}", strconv.FormatInt(applicationID, 10))
	return out
}
