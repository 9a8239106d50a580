package providerstream

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/lmql-rt/corert/internal/apitypes"
	"github.com/lmql-rt/corert/internal/batch"
	"github.com/lmql-rt/corert/internal/capacity"
	"github.com/lmql-rt/corert/internal/errorpolicy"
	"github.com/lmql-rt/corert/internal/metrics"
	"github.com/lmql-rt/corert/internal/modelinfo"
	"github.com/lmql-rt/corert/internal/response"
)

// logitBiasTruncationWarning fires at most once across the process's
// lifetime, matching the reference implementation's logit_bias_logging
// toggle (batched_openai.py:759-769), which warns on the first truncation
// only and stays silent for every one after.
var logitBiasTruncationWarning sync.Once

// chunkStallTick is how often the driver checks whether a stream has gone
// silent for longer than the request's configured timeout (spec §4.4's
// chunk_timer co-task, which polled every 500ms).
const chunkStallTick = 500 * time.Millisecond

// Driver is the Provider Stream Driver (spec §4.4): it turns one
// batch.Descriptor into an HTTP call, demultiplexes the SSE response by
// choice index, and retries per errorpolicy on transient failure.
type Driver struct {
	HTTPClient *http.Client
	Governor   *capacity.Governor
	Classifier errorpolicy.Classifier
	Backoff    errorpolicy.Backoff
	Chaos      *ChaosSwitch

	// Stats, if set, observes connect-time and mid-stream retries
	// (llmrouter_retries_total). Nil is valid; retries simply go
	// unrecorded.
	Stats *metrics.Stats

	// Tokenizer backs chat-endpoint TokenChunk synthesis (spec §4.4): chat
	// responses carry no explicit token offsets or top-logprobs, so the
	// driver locally tokenizes each emitted text fragment instead. Nil is
	// valid — the chat chunk then carries the raw content as its Token.
	Tokenizer chatTokenizer
}

// chatTokenizer is the narrow slice of tokenizer.Capability the driver
// needs for chat-delta synthesis, kept local to avoid an import cycle with
// the tokenizer package's registry plumbing.
type chatTokenizer interface {
	Encode(text string) ([]int, error)
}

// New constructs a Driver with the reference implementation's defaults.
func New(governor *capacity.Governor) *Driver {
	return &Driver{
		HTTPClient: &http.Client{},
		Governor:   governor,
		Classifier: errorpolicy.Default{},
		Backoff:    errorpolicy.DefaultBackoff(),
		Chaos:      &ChaosSwitch{},
	}
}

// Dispatch sends desc's provider call and streams the result into demux.
// Establishing the call is retried internally with exponential backoff
// (spec §4.6) since no data has reached a caller yet; once the first byte
// of the stream has been demuxed, a failure is no longer retried here. It
// is instead signalled upstream as exactly one RecoveryAttempt (or, for a
// definitive error, one Failure) per slice, leaving resubmission to the
// Iterator's recovery procedure (spec §4.5) — a fresh Dispatch invocation
// over an extended prompt, not a replay of this one.
func (d *Driver) Dispatch(ctx context.Context, desc batch.Descriptor, demux *response.Demultiplexer) error {
	cfg := resolveConfig(desc)
	if cfg.ChatModel {
		desc.IsChat = true
	}
	reserveUnits := int64(len(desc.Members))
	if reserveUnits < 1 {
		reserveUnits = 1
	}

	needsEchoSynthesis := !desc.IsChat && desc.Key.Echo && modelinfo.RejectsEchoWithLogprobs(desc.Key.Model)
	if needsEchoSynthesis && desc.Key.MaxTokens == 0 {
		err := fmt.Errorf("providerstream: model %q cannot serve echo with max_tokens=0 due to an API limitation", desc.Key.Model)
		demux.FinishAll(response.NewFailureElement(err))
		return err
	}

	if err := d.Governor.WaitUntilAvailable(ctx); err != nil {
		demux.FinishAll(response.NewFailureElement(err))
		return err
	}
	if err := d.Governor.Acquire(ctx, reserveUnits); err != nil {
		demux.FinishAll(response.NewFailureElement(err))
		return err
	}
	defer d.Governor.Release(reserveUnits)

	resp, err := d.connect(ctx, desc, cfg)
	if err != nil {
		emitAll(desc, "dispatch_failed", map[string]any{"error": err.Error()})
		demux.FinishAll(response.NewFailureElement(err))
		return err
	}
	defer resp.Body.Close()
	emitAll(desc, "dispatched", nil)

	if needsEchoSynthesis {
		synthesizeEcho(desc, demux)
	}

	if err := d.streamSSE(ctx, resp.Body, desc, demux); err != nil {
		if classify(d.Classifier, err, cfg.ErrorsRaise) == errorpolicy.Definitive {
			emitAll(desc, "failed", map[string]any{"error": err.Error()})
			demux.FinishAll(response.NewFailureElement(err))
		} else {
			if d.Stats != nil {
				d.Stats.RecordRetry()
			}
			emitAll(desc, "recovery", map[string]any{"error": err.Error()})
			demux.FinishAll(response.NewRecoveryElement(err))
		}
		return err
	}
	return nil
}

// emitAll records name on every member of desc's trace sink, if configured.
func emitAll(desc batch.Descriptor, name string, fields map[string]any) {
	for _, m := range desc.Members {
		m.Request.Emit(name, fields)
	}
}

// connect establishes the provider call, retrying transient failures with
// backoff before any stream exists and so before any slice has seen data.
func (d *Driver) connect(ctx context.Context, desc batch.Descriptor, cfg *apitypes.ApiConfig) (*http.Response, error) {
	endpoint, err := ResolveEndpoint(cfg, desc.IsChat)
	if err != nil {
		return nil, err
	}
	body, err := buildRequestBody(desc, cfg)
	if err != nil {
		return nil, err
	}

	retriesLeft := d.Backoff.MaximumRetries
	for {
		resp, err := d.doRequest(ctx, endpoint, body)
		if err == nil {
			return resp, nil
		}

		class := classify(d.Classifier, err, cfg.ErrorsRaise)
		if class == errorpolicy.Definitive || retriesLeft <= 0 {
			return nil, err
		}

		if d.Stats != nil {
			d.Stats.RecordRetry()
		}
		delay := d.Backoff.Delay(retriesLeft)
		retriesLeft--
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}
}

func (d *Driver) doRequest(ctx context.Context, endpoint Endpoint, body []byte) (*http.Response, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint.URL, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	for k, v := range endpoint.Headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := d.HTTPClient.Do(httpReq)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		raw, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, &statusError{status: resp.StatusCode, body: string(raw)}
	}
	return resp, nil
}

func resolveConfig(desc batch.Descriptor) *apitypes.ApiConfig {
	for _, m := range desc.Members {
		if m.Request.APIConfig != nil {
			return m.Request.APIConfig
		}
	}
	return &apitypes.ApiConfig{}
}

// classify turns a transport error (no HTTP status available) into a
// retriable classification, since the driver couldn't even reach the
// provider; status-coded errors are classified from the response body.
func classify(c errorpolicy.Classifier, err error, errorsRaise bool) errorpolicy.Classification {
	if se, ok := err.(*statusError); ok {
		return c.Classify(se.status, se.body, errorsRaise)
	}
	if errorsRaise {
		return errorpolicy.Definitive
	}
	return errorpolicy.Retriable
}

type statusError struct {
	status int
	body   string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("providerstream: provider returned status %d: %s", e.status, e.body)
}

func buildRequestBody(desc batch.Descriptor, cfg *apitypes.ApiConfig) ([]byte, error) {
	key := desc.Key
	biasWire := wireBias(key.LogitBias, desc.Members)

	if desc.IsChat || cfg.ChatModel {
		m := desc.Members[0]
		messages := toWireMessages(TaggedSegments(m.Request.Prompt.Text))
		req := chatRequest{
			Model:       key.Model,
			Messages:    messages,
			MaxTokens:   maxTokensOrOmit(key.MaxTokens),
			Temperature: key.Temperature,
			Logprobs:    key.Logprobs > 0,
			TopLogprobs: key.Logprobs,
			User:        key.User,
			LogitBias:   biasWire,
			Stream:      true,
		}
		return json.Marshal(req)
	}

	prompt, err := combinedPrompt(desc.Members)
	if err != nil {
		return nil, err
	}
	// A handful of completion models error out when echo and logprobs are
	// requested together; the driver asks for a non-echoing call instead
	// and synthesizes the echoed prompt itself once the call connects
	// (see synthesizeEcho).
	echo := key.Echo
	if modelinfo.RejectsEchoWithLogprobs(key.Model) {
		echo = false
	}

	// max_tokens of -1 means "unbounded by caller"; completion calls send
	// 1024 in its place.
	maxTokens := key.MaxTokens
	if maxTokens < 0 {
		maxTokens = 1024
	}

	req := completionRequest{
		Model:       key.Model,
		Prompt:      prompt,
		MaxTokens:   maxTokens,
		Temperature: key.Temperature,
		Logprobs:    key.Logprobs,
		User:        key.User,
		LogitBias:   biasWire,
		Echo:        echo,
		Stream:      true,
	}
	return json.Marshal(req)
}

// synthesizeEcho emits the prompt text of every member as a standalone
// leading chunk, client-side, for completion models that reject an
// echo+logprobs request on the wire (spec §4.3's ModelQuirks table;
// grounded on openai_api.py's synthetic echo yield in complete_request_worker).
func synthesizeEcho(desc batch.Descriptor, demux *response.Demultiplexer) {
	for i, m := range desc.Members {
		text := promptValue(m.Request.Prompt)
		s, ok := text.(string)
		if !ok || s == "" {
			continue
		}
		demux.Digest(i, response.NewChunkElement(apitypes.TokenChunk{
			Text:        s,
			TextOffset:  0,
			Token:       s,
			TopLogprobs: map[string]float64{s: 0.0},
			Fixed:       true,
		}))
	}
}

func maxTokensOrOmit(n int) int {
	if n <= 0 {
		return 0
	}
	return n
}

func combinedPrompt(members []batch.Member) (any, error) {
	if len(members) == 1 {
		return promptValue(members[0].Request.Prompt), nil
	}
	values := make([]any, len(members))
	for i, m := range members {
		values[i] = promptValue(m.Request.Prompt)
	}
	return values, nil
}

func promptValue(p apitypes.Prompt) any {
	if p.Kind == apitypes.PromptTokenIDs {
		return p.IDs
	}
	return p.Text
}

func toWireMessages(msgs []Message) []wireMessage {
	out := make([]wireMessage, len(msgs))
	for i, m := range msgs {
		out[i] = wireMessage{Role: m.Role, Content: m.Content}
	}
	return out
}

// wireBias truncates logit_bias to the first 300 entries, preserving the
// eos token id if present, matching the reference implementation's limit
// on the number of biased tokens a single request may carry.
func wireBias(_ string, members []batch.Member) map[string]float64 {
	if len(members) == 0 {
		return nil
	}
	bias := members[0].Request.Params.LogitBias
	if len(bias) == 0 {
		return nil
	}
	const limit = 300
	const eosTokenID = 50256
	if len(bias) > limit {
		logitBiasTruncationWarning.Do(func() {
			log.Printf("providerstream: logit_bias is too large to be handled by the provider API and will be limited to the first %d tokens; this can lead to constraint violations or undesired model output", limit)
		})
	}
	out := make(map[string]float64, len(bias))
	_, hasEOS := bias[eosTokenID]
	if hasEOS {
		out[strconv.Itoa(eosTokenID)] = bias[eosTokenID]
	}
	for id, weight := range bias {
		if len(out) >= limit {
			break
		}
		if id == eosTokenID {
			continue
		}
		out[strconv.Itoa(id)] = weight
	}
	return out
}

// streamSSE reads the provider's "data: " framed event stream, parsing
// each payload as either a chat or completion chunk and demuxing it to the
// member slice whose choice index it names. A stall timer fires if no
// chunk arrives within the descriptor's timeout.
func (d *Driver) streamSSE(ctx context.Context, body io.Reader, desc batch.Descriptor, demux *response.Demultiplexer) error {
	lines := make(chan string, 16)
	readErr := make(chan error, 1)

	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		readErr <- scanner.Err()
	}()

	timeout := desc.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	idle := time.NewTimer(timeout)
	defer idle.Stop()

	offsets := make([]int, len(desc.Members))
	chatStarted := make([]bool, len(desc.Members))

	for {
		switch d.Chaos.Get() {
		case ChaosStall:
			return fmt.Errorf("providerstream: chaos stall injected")
		case ChaosDisconnect:
			return fmt.Errorf("providerstream: chaos disconnect injected")
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-idle.C:
			return fmt.Errorf("providerstream: stream stalled after %s", timeout)
		case line, ok := <-lines:
			if !ok {
				if err := <-readErr; err != nil {
					return err
				}
				// The connection closed without a "[DONE]" sentinel: the
				// provider dropped the stream mid-response rather than
				// finishing it, so any slice still open needs a recovery
				// signal rather than being left to block forever.
				return fmt.Errorf("providerstream: stream closed before [DONE]")
			}
			if !idle.Stop() {
				select {
				case <-idle.C:
				default:
				}
			}
			idle.Reset(timeout)

			payload, ok := cutDataLine(line)
			if !ok {
				continue
			}
			if payload == "[DONE]" {
				finishAllClean(demux, desc)
				return nil
			}
			if err := d.demuxPayload(payload, desc, demux, offsets, chatStarted); err != nil {
				return err
			}
		}
	}
}

func cutDataLine(line string) (string, bool) {
	const prefix = "data: "
	if !strings.HasPrefix(line, prefix) {
		return "", false
	}
	return strings.TrimPrefix(line, prefix), true
}

func (d *Driver) demuxPayload(payload string, desc batch.Descriptor, demux *response.Demultiplexer, offsets []int, chatStarted []bool) error {
	if desc.IsChat {
		var chunk chatChunk
		if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
			return err
		}
		if chunk.Error != nil {
			return fmt.Errorf("providerstream: %s", chunk.Error.Message)
		}
		for _, choice := range chunk.Choices {
			idx := 0
			text := choice.Delta.Content
			// A leading space is prepended the first time a chat stream
			// yields content, so downstream boundary detection matches the
			// completion endpoint's behaviour (spec §4.4).
			if text != "" && !chatStarted[idx] {
				text = " " + text
				chatStarted[idx] = true
			}
			c := apitypes.TokenChunk{
				Text:       text,
				TextOffset: 0, // chat responses carry no explicit offsets (spec §4.4)
			}
			_ = offsets // offsets are not meaningful for chat deltas
			if text != "" {
				c.Token, c.TopLogprobs = d.synthesizeChatToken(text)
			}
			if choice.FinishReason != nil {
				c.FinishReason = toFinishReason(*choice.FinishReason)
				demux.Digest(idx, response.NewChunkElement(c))
				demux.Slice(idx).Finish(response.NewTerminatorElement())
				continue
			}
			demux.Digest(idx, response.NewChunkElement(c))
		}
		return nil
	}

	var chunk completionChunk
	if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
		return err
	}
	if chunk.Error != nil {
		return fmt.Errorf("providerstream: %s", chunk.Error.Message)
	}
	for _, choice := range chunk.Choices {
		idx := choice.Index
		if idx >= len(offsets) {
			continue
		}
		c := apitypes.TokenChunk{
			Text:       choice.Text,
			TextOffset: offsets[idx],
		}
		offsets[idx] += len(choice.Text)
		if choice.Logprobs != nil && len(choice.Logprobs.TokenLogprobs) > 0 {
			c.TokenLogprob = choice.Logprobs.TokenLogprobs[len(choice.Logprobs.TokenLogprobs)-1]
			if len(choice.Logprobs.Tokens) > 0 {
				c.Token = choice.Logprobs.Tokens[len(choice.Logprobs.Tokens)-1]
			}
			if len(choice.Logprobs.TopLogprobs) > 0 {
				c.TopLogprobs = choice.Logprobs.TopLogprobs[len(choice.Logprobs.TopLogprobs)-1]
			}
		}
		if choice.FinishReason != nil {
			c.FinishReason = toFinishReason(*choice.FinishReason)
			demux.Digest(idx, response.NewChunkElement(c))
			demux.Slice(idx).Finish(response.NewTerminatorElement())
			continue
		}
		demux.Digest(idx, response.NewChunkElement(c))
	}
	return nil
}

// synthesizeChatToken fills the token/top_logprobs fields a chat delta never
// carries (spec §4.4): it tokenizes the fragment and reports the first
// resulting token id with a singleton top_logprobs map of weight 0.0. With
// no tokenizer configured, the raw fragment stands in for the token id.
func (d *Driver) synthesizeChatToken(text string) (string, map[string]float64) {
	if d.Tokenizer == nil {
		return text, map[string]float64{text: 0.0}
	}
	ids, err := d.Tokenizer.Encode(text)
	if err != nil || len(ids) == 0 {
		return text, map[string]float64{text: 0.0}
	}
	token := strconv.Itoa(ids[0])
	return token, map[string]float64{token: 0.0}
}

func toFinishReason(s string) apitypes.FinishReason {
	switch s {
	case "length":
		return apitypes.FinishLength
	case "stop":
		return apitypes.FinishStop
	default:
		return apitypes.FinishStop
	}
}

func finishAllClean(demux *response.Demultiplexer, desc batch.Descriptor) {
	for i := range desc.Members {
		demux.Slice(i).Finish(response.NewTerminatorElement())
	}
}
