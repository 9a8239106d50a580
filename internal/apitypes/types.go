// Package apitypes defines the closed request/response records shared by
// every component of the scheduler: the queue, the batcher, the provider
// stream driver, the demultiplexer, and the LMTP client/session.
//
// These replace the dynamic kwarg bags of the system this package is
// modeled after with explicit optional fields. Where the original passed
// an open dict of provider-specific passthrough options, we carry them in
// ProviderHints instead, so the closed fields above it stay closed.
package apitypes

import (
	"sort"
	"strconv"
	"strings"
	"time"
)

// FinishReason is why a stream of TokenChunks ended.
type FinishReason string

const (
	FinishNone   FinishReason = ""
	FinishLength FinishReason = "length"
	FinishStop   FinishReason = "stop"
	FinishEOS    FinishReason = "eos"
	FinishError  FinishReason = "error"
)

// TokenChunk is the canonical per-token record carried on every stream,
// produced by either the remote provider driver or an LMTP backend.
type TokenChunk struct {
	Text         string             // may be empty, or the bytes of one token
	TextOffset   int                // byte offset into the concatenation of all prior chunks for this request
	TokenLogprob float64            // 0.0 when unknown
	Token        string             // a single token id representation
	TopLogprobs  map[string]float64 // possibly empty
	FinishReason FinishReason       // "" when the stream is not yet finished
	Fixed        bool               // marks echo-prefix tokens synthesized client-side
}

// PromptKind distinguishes the two prompt representations a Request may
// carry. The BatchKey must treat these as distinct types — a string prompt
// can never be batched with a token-id-sequence prompt.
type PromptKind int

const (
	PromptString PromptKind = iota
	PromptTokenIDs
)

// Prompt is a closed sum of the two prompt representations the scheduler
// accepts. Exactly one of Text/IDs is meaningful, selected by Kind.
type Prompt struct {
	Kind PromptKind
	Text string
	IDs  []int
}

func StringPrompt(s string) Prompt   { return Prompt{Kind: PromptString, Text: s} }
func TokenIDPrompt(ids []int) Prompt { return Prompt{Kind: PromptTokenIDs, IDs: append([]int(nil), ids...)} }

// ApiConfig carries endpoint/credential/tokenizer configuration for a
// remote provider call. It is resolved once per request from explicit
// config, falling back to environment variables, falling back to defaults
// (spec §6).
type ApiConfig struct {
	Endpoint     string // custom endpoint, used verbatim if set
	APIType      string // "azure" | "azure-chat" | "" (public)
	APIBase      string // azure api_base
	APIVersion   string // azure api-version query param
	Deployment   string // azure deployment name
	APIKey       string
	Organization string // optional public-provider org header
	Tokenizer    string // named tokenizer to resolve via the Tokenizer Capability
	Verbose      bool
	ErrorsRaise  bool // api_config.errors == "raise": disables all retries
	ChatModel    bool // force chat-endpoint dispatch regardless of model name
}

// ProviderHints carries untyped passthrough fields the provider tolerates
// but the scheduler does not interpret (spec §9's replacement for the
// dynamic kwarg bag).
type ProviderHints map[string]any

// TraceSink receives structured events for one request's lifetime. A nil
// TraceSink is valid and simply discards events.
type TraceSink interface {
	Event(name string, fields map[string]any)
}

// RequestParameters is the closed set of decoding parameters a caller may
// set. Every field that participates in BatchKey is listed here explicitly
// (spec §3 Request, §3 BatchKey).
type RequestParameters struct {
	Model       string
	MaxTokens   int // -1 means "unbounded by caller", translated per backend (spec §9 Open Question)
	Temperature float64
	Logprobs    int // top-k; 0 means "not requested"
	User        string
	LogitBias   map[int]float64
	Echo        bool // required true for remote backends to enable recovery
}

// Request is the full per-call request record (spec §3 Request).
type Request struct {
	Params    RequestParameters
	Prompt    Prompt
	StreamID  int64 // carried as the caller set it; the scheduler does not assign it
	RequestID int64 // monotonic integer, assigned by the scheduler
	Timeout   time.Duration
	APIConfig *ApiConfig // optional
	Hints     ProviderHints
	Trace     TraceSink
}

// Emit records a lifecycle event on r's trace sink. A nil sink is valid
// and simply discards the event.
func (r *Request) Emit(name string, fields map[string]any) {
	if r.Trace == nil {
		return
	}
	r.Trace.Event(name, fields)
}

// BatchKey is derived from request fields that must be identical for two
// requests to be fused into one provider call (spec §3 BatchKey).
type BatchKey struct {
	Model       string
	MaxTokens   int
	Temperature float64
	Logprobs    int
	User        string
	LogitBias   string // stable ordered representation
	Echo        bool
	PromptKind  PromptKind
}

// Key derives the BatchKey for a Request. Chat-style models degenerate
// this into an effectively-singleton group at the Batcher (spec §4.3);
// BatchKey equality alone does not know about chat-ness, the Batcher does.
func (r *Request) Key() BatchKey {
	return BatchKey{
		Model:       r.Params.Model,
		MaxTokens:   r.Params.MaxTokens,
		Temperature: r.Params.Temperature,
		Logprobs:    r.Params.Logprobs,
		User:        r.Params.User,
		LogitBias:   normalizeLogitBias(r.Params.LogitBias),
		Echo:        r.Params.Echo,
		PromptKind:  r.Prompt.Kind,
	}
}

func normalizeLogitBias(bias map[int]float64) string {
	if len(bias) == 0 {
		return ""
	}
	keys := make([]int, 0, len(bias))
	for k := range bias {
		keys = append(keys, k)
	}
	sort.Ints(keys)
	var b strings.Builder
	for i, k := range keys {
		if i > 0 {
			b.WriteByte('-')
		}
		b.WriteString(strconv.Itoa(k))
		b.WriteByte('=')
		b.WriteString(strconv.FormatFloat(bias[k], 'g', -1, 64))
	}
	return b.String()
}

// Usage holds token count information for cost tracking and metrics.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}
