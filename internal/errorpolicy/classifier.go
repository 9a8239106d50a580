// Package errorpolicy classifies provider errors as definitive (no retry)
// or retriable (backoff and resubmit), per spec §4.6.
package errorpolicy

import "strings"

// Classification is the outcome of classifying one provider error.
type Classification int

const (
	// Retriable errors are resubmitted with exponential backoff.
	Retriable Classification = iota
	// Definitive errors are surfaced to the caller immediately.
	Definitive
	// RateLimited is retriable but tracked separately for metrics.
	RateLimited
)

// Classifier decides what to do with a provider error. The default
// implementation matches substrings the way the reference implementation
// does; a Lua-scripted Classifier can override it per deployment (spec §9
// Open Question: "should error classification be pluggable?" — yes).
type Classifier interface {
	Classify(statusCode int, body string, errorsRaise bool) Classification
}

// Default is the built-in Classifier, grounded on openai_api.py's string
// matching against "Incorrect API key provided", "No such organization",
// and the api.env config error, plus a case-insensitive "rate limit" check.
type Default struct{}

var definitiveSubstrings = []string{
	"incorrect api key provided",
	"no such organization",
	"api.env",
	"invalid_request_error",
	"logit_bias",
}

func (Default) Classify(statusCode int, body string, errorsRaise bool) Classification {
	if errorsRaise {
		return Definitive
	}
	lower := strings.ToLower(body)
	if strings.Contains(lower, "rate limit") {
		return RateLimited
	}
	for _, sub := range definitiveSubstrings {
		if strings.Contains(lower, sub) {
			return Definitive
		}
	}
	if statusCode == 401 || statusCode == 403 {
		return Definitive
	}
	return Retriable
}
