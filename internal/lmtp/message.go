// Package lmtp implements the local-model token-streaming protocol: a
// small multiplexed command/result protocol between a client (the
// scheduler's local-backend path) and a worker process hosting a model
// (spec §7).
package lmtp

// CommandType names the three operations a client may issue.
type CommandType string

const (
	CmdGenerate CommandType = "GENERATE"
	CmdScore    CommandType = "SCORE"
	CmdMsg      CommandType = "MSG"
)

// ResultType names the two kinds of result a worker may emit.
type ResultType string

const (
	ResultToken ResultType = "TOKEN"
	ResultMsg   ResultType = "MSG"
)

// Command is one request multiplexed over a transport, tagged with the
// stream_id the client allocated for it (spec §7: "client-allocated
// monotonic stream_id").
type Command struct {
	Type     CommandType
	StreamID int64
	Payload  any
}

// Result is one response multiplexed back to the client on the same
// stream_id.
type Result struct {
	Type     ResultType
	StreamID int64
	Payload  any
}

// GeneratePayload is the GENERATE command body: a prompt plus decoding
// parameters, shaped to mirror the remote RequestParameters fields that
// apply to a local model.
type GeneratePayload struct {
	StreamID    int64            `json:"stream_id"`
	Model       string           `json:"model"`
	PromptIDs   []int            `json:"prompt_ids,omitempty"`
	PromptText  string           `json:"prompt_text,omitempty"`
	MaxTokens   int              `json:"max_tokens"`
	Temperature float64          `json:"temperature"`
	LogitBias   map[int]float64  `json:"logit_bias,omitempty"`
	Logprobs    int              `json:"logprobs,omitempty"`
}

// ScorePayload is the SCORE command body: a prompt and a set of
// continuations to score against it.
type ScorePayload struct {
	StreamID      int64   `json:"stream_id"`
	Model         string  `json:"model"`
	PromptIDs     []int   `json:"prompt_ids"`
	Continuations [][]int `json:"continuations"`
}

// MsgPayload carries out-of-band model metadata requests and their
// replies (e.g. vocabulary size, EOS token id), mirrored from the
// original's MSG command used for model-info queries.
type MsgPayload struct {
	StreamID int64          `json:"stream_id"`
	Kind     string         `json:"kind"`
	Data     map[string]any `json:"data,omitempty"`
}

// TokenResultPayload is one streamed token from a GENERATE command.
type TokenResultPayload struct {
	StreamID     int64   `json:"stream_id"`
	Token        int     `json:"token"`
	Text         string  `json:"text"`
	Logprob      float64 `json:"logprob"`
	FinishReason string  `json:"finish_reason,omitempty"`
}
