package lmtp

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"math"
	"math/rand"
	"sync"

	"github.com/lmql-rt/corert/internal/lmtp/transport"
)

// Model is the local inference capability a Worker drives: one forward
// pass producing next-token logits for a given id sequence (spec §7's
// "configured local model"). backend.ONNXModel satisfies this.
type Model interface {
	NextTokenLogits(ids []int) ([]float32, error)
}

// TextCodec is the narrow tokenizer slice the worker needs to turn a
// sampled id back into text for the TOKEN result payload.
type TextCodec interface {
	Decode(ids []int) (string, error)
}

// ModelInfo is returned for a MSG "model_info" query.
type ModelInfo struct {
	Model             string `json:"model"`
	VocabSize         int    `json:"vocab_size"`
	EOSTokenID        int    `json:"eos_token_id"`
	SupportsLogitBias bool   `json:"supports_logit_bias"`
}

// Worker is the server-side LMTP Session (spec §4.7): it decodes
// GENERATE/SCORE/MSG commands from a transport, drives Model, applies
// per-step logit_bias renormalization, and streams TOKEN/MSG results back
// on the same stream_id. One Worker serves exactly one transport
// connection; commands are dispatched concurrently (one goroutine per
// stream_id), matching the reference implementation's per-stream asyncio
// task rather than a single serialized actor, since ONNXModel itself
// serializes concurrent Run calls internally.
type Worker struct {
	t     transport.Transport
	model Model
	codec TextCodec
	info  ModelInfo

	sendMu sync.Mutex // Send must not be called concurrently; streams share one connection
}

// NewWorker constructs a Worker ready to Serve commands arriving on t.
func NewWorker(t transport.Transport, model Model, codec TextCodec, info ModelInfo) *Worker {
	return &Worker{t: t, model: model, codec: codec, info: info}
}

// Serve reads commands from the transport until it closes or ctx is
// cancelled, dispatching each to its own goroutine so a long GENERATE
// stream never blocks SCORE or MSG commands arriving on other stream_ids
// (spec §4.7: "the session multiplexes arbitrarily many concurrent streams
// on one transport").
func (w *Worker) Serve(ctx context.Context) error {
	for {
		frame, err := w.t.Recv(ctx)
		if err != nil {
			return err
		}
		cmd, err := decodeCommand(frame)
		if err != nil {
			// protocol error on one frame: log it and skip it (spec §7 "protocol" policy)
			log.Printf("lmtp: skipping malformed %q frame: %v", frame.Type, err)
			continue
		}
		go w.handle(ctx, cmd)
	}
}

func decodeCommand(f transport.Frame) (Command, error) {
	var wrapped [1]json.RawMessage
	if err := json.Unmarshal(f.Payload, &wrapped); err != nil {
		return Command{}, err
	}
	switch CommandType(f.Type) {
	case CmdGenerate:
		var p GeneratePayload
		if err := json.Unmarshal(wrapped[0], &p); err != nil {
			return Command{}, err
		}
		return Command{Type: CmdGenerate, StreamID: p.StreamID, Payload: p}, nil
	case CmdScore:
		var p ScorePayload
		if err := json.Unmarshal(wrapped[0], &p); err != nil {
			return Command{}, err
		}
		return Command{Type: CmdScore, StreamID: p.StreamID, Payload: p}, nil
	case CmdMsg:
		var p MsgPayload
		if err := json.Unmarshal(wrapped[0], &p); err != nil {
			return Command{}, err
		}
		return Command{Type: CmdMsg, StreamID: p.StreamID, Payload: p}, nil
	default:
		return Command{}, fmt.Errorf("lmtp: unknown command type %q", f.Type)
	}
}

func (w *Worker) handle(ctx context.Context, cmd Command) {
	switch cmd.Type {
	case CmdGenerate:
		w.generate(ctx, cmd.Payload.(GeneratePayload))
	case CmdScore:
		w.score(ctx, cmd.Payload.(ScorePayload))
	case CmdMsg:
		w.msg(ctx, cmd.Payload.(MsgPayload))
	}
}

// send serializes one result frame onto the transport, guarding against
// concurrent writers since multiple streams' goroutines share one
// connection.
func (w *Worker) send(ctx context.Context, rtype ResultType, streamID int64, payload any) error {
	body, err := json.Marshal([1]any{payload})
	if err != nil {
		return err
	}
	w.sendMu.Lock()
	defer w.sendMu.Unlock()
	return w.t.Send(ctx, transport.Frame{Type: string(rtype), Payload: body})
}

const defaultMaxTokens = 1024

// generate drives the sampling loop for one GENERATE command: at each
// step it takes a forward pass, applies logit_bias (if any) by adding the
// offset and renormalizing via log-softmax (spec §4.7), samples the next
// token from the resulting distribution, and streams it as a TOKEN
// message until max_tokens is reached or the model's EOS token is
// produced.
func (w *Worker) generate(ctx context.Context, p GeneratePayload) {
	maxTokens := p.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}

	ids := append([]int(nil), p.PromptIDs...)
	for step := 0; step < maxTokens; step++ {
		select {
		case <-ctx.Done():
			return
		default:
		}

		logits, err := w.model.NextTokenLogits(ids)
		if err != nil {
			return
		}
		logprobs := ApplyLogitBias(logits, p.LogitBias)
		token, logprob := sample(logprobs, p.Temperature)
		ids = append(ids, token)

		text, _ := w.decodeOne(token)
		finish := ""
		if token == w.info.EOSTokenID {
			finish = "eos"
		} else if step == maxTokens-1 {
			finish = "length"
		}

		result := TokenResultPayload{
			StreamID:     p.StreamID,
			Token:        token,
			Text:         text,
			Logprob:      float64(logprob),
			FinishReason: finish,
		}
		if err := w.send(ctx, ResultToken, p.StreamID, result); err != nil {
			return
		}
		if finish != "" {
			return
		}
	}
}

// score computes, for each continuation token in turn, the log-probability
// the model assigns it given everything preceding it (prompt plus
// already-scored continuation tokens) — teacher-forced scoring, not
// sampling. The final emitted TOKEN carries finish_reason "stop" (spec
// §4.7).
func (w *Worker) score(ctx context.Context, p ScorePayload) {
	for _, continuation := range p.Continuations {
		ids := append([]int(nil), p.PromptIDs...)
		for i, target := range continuation {
			select {
			case <-ctx.Done():
				return
			default:
			}

			logits, err := w.model.NextTokenLogits(ids)
			if err != nil {
				return
			}
			logprobs := logSoftmax(logits)
			var lp float32
			if target >= 0 && target < len(logprobs) {
				lp = logprobs[target]
			}
			ids = append(ids, target)

			text, _ := w.decodeOne(target)
			finish := ""
			if i == len(continuation)-1 {
				finish = "stop"
			}
			result := TokenResultPayload{
				StreamID:     p.StreamID,
				Token:        target,
				Text:         text,
				Logprob:      float64(lp),
				FinishReason: finish,
			}
			if err := w.send(ctx, ResultToken, p.StreamID, result); err != nil {
				return
			}
		}
	}
}

// msg replies to a non-streaming MSG request. "model_info" is the only
// kind specified (spec §4.7); unrecognized kinds get an empty reply rather
// than a worker-side error, since MSG is the protocol's free-form request/
// reply escape hatch.
func (w *Worker) msg(ctx context.Context, p MsgPayload) {
	reply := MsgPayload{StreamID: p.StreamID, Kind: p.Kind}
	if p.Kind == "model_info" {
		reply.Data = map[string]any{
			"model":               w.info.Model,
			"max_tokens":          defaultMaxTokens,
			"supports_logit_bias": w.info.SupportsLogitBias,
			"vocab_size":          w.info.VocabSize,
			"eos_token_id":        w.info.EOSTokenID,
		}
	}
	_ = w.send(ctx, ResultMsg, p.StreamID, reply)
}

func (w *Worker) decodeOne(token int) (string, error) {
	if w.codec == nil {
		return "", nil
	}
	return w.codec.Decode([]int{token})
}

// sample draws one token id from logprobs (already log-softmax
// normalized), scaled by temperature. temperature <= 0 falls back to
// greedy argmax, matching the reference implementation's deterministic
// decode path for temperature 0.
func sample(logprobs []float32, temperature float64) (int, float32) {
	if temperature <= 0 {
		best := 0
		for i, lp := range logprobs {
			if lp > logprobs[best] {
				best = i
			}
		}
		return best, logprobs[best]
	}

	weights := make([]float64, len(logprobs))
	var sum float64
	for i, lp := range logprobs {
		weights[i] = math.Exp(float64(lp) / temperature)
		sum += weights[i]
	}
	r := rand.Float64() * sum
	var cumulative float64
	for i, wgt := range weights {
		cumulative += wgt
		if r <= cumulative {
			return i, logprobs[i]
		}
	}
	last := len(logprobs) - 1
	return last, logprobs[last]
}
