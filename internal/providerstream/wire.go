package providerstream

// completionRequest is the wire body for the legacy /completions endpoint,
// used whenever a Descriptor fuses multiple non-chat prompts into one call.
type completionRequest struct {
	Model       string             `json:"model"`
	Prompt      any                `json:"prompt"` // string, []string, []int, or [][]int
	MaxTokens   int                `json:"max_tokens,omitempty"`
	Temperature float64            `json:"temperature"`
	Logprobs    int                `json:"logprobs,omitempty"`
	User        string             `json:"user,omitempty"`
	LogitBias   map[string]float64 `json:"logit_bias,omitempty"`
	Echo        bool               `json:"echo"`
	Stream      bool               `json:"stream"`
	N           int                `json:"n,omitempty"`
}

type chatRequest struct {
	Model       string             `json:"model"`
	Messages    []wireMessage      `json:"messages"`
	MaxTokens   int                `json:"max_tokens,omitempty"`
	Temperature float64            `json:"temperature"`
	Logprobs    bool               `json:"logprobs,omitempty"`
	TopLogprobs int                `json:"top_logprobs,omitempty"`
	User        string             `json:"user,omitempty"`
	LogitBias   map[string]float64 `json:"logit_bias,omitempty"`
	Stream      bool               `json:"stream"`
}

type wireMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// completionChunk is one SSE "data: " payload from the /completions
// endpoint. Index selects which batched prompt this token belongs to.
type completionChunk struct {
	Choices []struct {
		Text         string  `json:"text"`
		Index        int     `json:"index"`
		FinishReason *string `json:"finish_reason"`
		Logprobs     *struct {
			TokenLogprobs []float64            `json:"token_logprobs"`
			Tokens        []string             `json:"tokens"`
			TopLogprobs   []map[string]float64 `json:"top_logprobs"`
		} `json:"logprobs"`
	} `json:"choices"`
	Error *wireError `json:"error,omitempty"`
}

// chatChunk is one SSE "data: " payload from the /chat/completions
// endpoint. Chat batches are always singletons (spec §4.3), so Index is
// always 0 here, but the field is kept for symmetry with completionChunk.
type chatChunk struct {
	Choices []struct {
		Delta struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"delta"`
		Index        int     `json:"index"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
	Error *wireError `json:"error,omitempty"`
}

type wireError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    string `json:"code"`
}
