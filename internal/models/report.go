package models

// Return reason codes reported by the debtor bank.
var returnReasons = map[string]string{
	"AC01": "Incorrect account number",
	"AC04": "Account closed",
	"AC06": "Account blocked",
	"AG01": "Direct debit forbidden on this account",
	"AM04": "Insufficient funds",
	"AM05": "Duplicate collection",
	"BE05": "Unknown creditor",
	"MD01": "No valid mandate",
	"MD02": "Missing or incorrect mandate data",
	"MD06": "Refund requested by debtor",
	"MD07": "Debtor deceased",
	"MS02": "Refused by debtor",
	"MS03": "Reason not specified",
	"SL01": "Specific service offered by debtor bank",
}

// ReturnReason returns a human readable description of a return code.
func ReturnReason(code string) string {
	if r, ok := returnReasons[code]; ok {
		return r
	}
	return "Returned by bank (" + code + ")"
}

// SettlementReport is a bank status/return report for one submitted message.
type SettlementReport struct {
	MessageID       string       `json:"message_id"`
	Rejected        bool         `json:"rejected"`
	RejectionCode   string       `json:"rejection_code,omitempty"`
	RejectionReason string       `json:"rejection_reason,omitempty"`
	Lines           []LineResult `json:"lines"`
}

// LineResult is the outcome of one transaction. Transactions missing from a
// report are considered cleared.
type LineResult struct {
	EndToEndID string `json:"end_to_end_id"`
	Returned   bool   `json:"returned"`
	ReturnCode string `json:"return_code,omitempty"`
}

// SubmissionAck is the bank channel's synchronous answer to a submission.
type SubmissionAck struct {
	Accepted bool   `json:"accepted"`
	Code     string `json:"code,omitempty"`
	Reason   string `json:"reason,omitempty"`
}
