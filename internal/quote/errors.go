package quote

import "strings"

// ErrorClass buckets wallet and provider failures so the interface layer
// can render consistent guidance.
type ErrorClass string

const (
	ErrClassRejected     ErrorClass = "rejected"
	ErrClassFunds        ErrorClass = "insufficient_funds"
	ErrClassAllowance    ErrorClass = "insufficient_allowance"
	ErrClassWrongNetwork ErrorClass = "wrong_network"
	ErrClassUnknown      ErrorClass = "unknown"
)

var errorPatterns = []struct {
	class    ErrorClass
	patterns []string
}{
	{ErrClassRejected, []string{
		"user rejected",
		"user denied",
		"rejected the request",
		"action_rejected",
	}},
	{ErrClassAllowance, []string{
		"insufficient allowance",
		"exceeds allowance",
		"transferhelper: transfer_from_failed",
		"stf", // Uniswap router's shorthand for a failed transferFrom
	}},
	{ErrClassFunds, []string{
		"insufficient funds",
		"insufficient balance",
		"exceeds balance",
	}},
	{ErrClassWrongNetwork, []string{
		"wrong network",
		"chain mismatch",
		"unsupported chain",
		"network changed",
		"unrecognized chain id",
	}},
}

// Classify maps raw wallet or provider error text into the fixed taxonomy.
// Allowance patterns are checked before funds: several wallets phrase
// allowance failures with the word "insufficient" too. Unrecognized text
// classifies as unknown and keeps its original message for display.
func Classify(err error) ErrorClass {
	if err == nil {
		return ErrClassUnknown
	}
	msg := strings.ToLower(err.Error())
	for _, group := range errorPatterns {
		for _, p := range group.patterns {
			if strings.Contains(msg, p) {
				return group.class
			}
		}
	}
	return ErrClassUnknown
}
