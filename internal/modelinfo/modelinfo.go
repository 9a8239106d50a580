// Package modelinfo holds the small hard-coded table of per-model
// capability quirks the driver and batcher need to know about without a
// network round trip (spec §4.3, §4.9; SPEC_FULL §3 "ModelQuirks").
package modelinfo

import "strings"

// modelsWithoutEchoLogprobs lists models that reject echo+logprobs
// together (SPEC_FULL §3, grounded on openai_api.py's
// MODELS_WITHOUT_ECHO_LOGPROBS).
var modelsWithoutEchoLogprobs = map[string]bool{
	"gpt-3.5-turbo-instruct": true,
}

// IsChatModel reports whether model must be addressed through the chat
// endpoint (spec §4.3: "Chat-style models are never batched"). Mirrors
// model_info.py's hard-coded table: gpt-4 and gpt-3.5-turbo variants are
// chat models, except the turbo-instruct completion model.
func IsChatModel(model string) bool {
	if model == "openai/gpt-3.5-turbo-instruct" || model == "gpt-3.5-turbo-instruct" {
		return false
	}
	if model == "openai/gpt-4" || model == "gpt-4" {
		return true
	}
	if strings.Contains(model, "gpt-3.5-turbo") {
		return true
	}
	if strings.Contains(model, "openai/gpt-4") {
		return true
	}
	return false
}

// RejectsEchoWithLogprobs reports whether model errors out when both echo
// and logprobs are requested together, requiring the driver to issue a
// non-echoing call and synthesize the echo prefix client-side.
func RejectsEchoWithLogprobs(model string) bool {
	return modelsWithoutEchoLogprobs[model]
}
