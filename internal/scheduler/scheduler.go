// Package scheduler wires the Priority Request Queue, Batcher, Provider
// Stream Driver, Response Demultiplexer, and Stream Iterator into the
// single entrypoint the HTTP front end calls for remote models (spec §4,
// "Putting it together").
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lmql-rt/corert/internal/apitypes"
	"github.com/lmql-rt/corert/internal/batch"
	"github.com/lmql-rt/corert/internal/capacity"
	"github.com/lmql-rt/corert/internal/errorpolicy"
	"github.com/lmql-rt/corert/internal/iterator"
	"github.com/lmql-rt/corert/internal/metrics"
	"github.com/lmql-rt/corert/internal/providerstream"
	"github.com/lmql-rt/corert/internal/queue"
	"github.com/lmql-rt/corert/internal/response"
)

// driverWorkerCount is how many goroutines concurrently pull Descriptors
// off the Batcher and dispatch them, matching the reference
// implementation's fixed pool of concurrent api_complete_worker tasks.
const driverWorkerCount = 5

// MaxRecoverAttempts bounds how many times one logical request may be
// transparently resubmitted through recovery (spec §4.7).
const MaxRecoverAttempts = 8

// Context owns the scheduler's runtime state: the queue every request
// enters through, the batcher and driver that service it, and the
// counters observing it. One Context is shared by every remote-model
// request the process serves; local-model requests go to LMTP workers
// without passing through it.
type Context struct {
	Queue    *queue.Queue
	Batcher  *batch.Batcher
	Driver   *providerstream.Driver
	Governor *capacity.Governor
	Stats    *metrics.Stats

	// Tokenizer backs recovery for token-id-sequence prompts (spec §4.6:
	// "recovery requires the Tokenizer Capability to be configured;
	// without it the underlying error is propagated"). Nil is valid for
	// deployments that only ever serve string prompts.
	Tokenizer recoveryTokenizer

	nextRequestID int64

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// recoveryTokenizer is the narrow slice of tokenizer.Capability Resubmit
// needs to re-encode consumed text back into token ids.
type recoveryTokenizer interface {
	Encode(text string) ([]int, error)
}

// Tuning carries the operator-configurable knobs that spec §4.1/§4.3/§4.6
// expose as defaults: batch collection window, batch size, and retry
// budget. Zero-valued fields fall back to the spec's stated defaults.
type Tuning struct {
	BatchSize               int
	MaximumCollectionPeriod time.Duration
	MaximumRetries          int
}

// New builds a Context ready to be Started, using spec-default tuning.
func New(governor *capacity.Governor, stats *metrics.Stats) *Context {
	return NewWithTuning(governor, stats, Tuning{})
}

// NewWithTuning builds a Context with operator-supplied batch/retry tuning
// (spec §4.1, §4.3, §4.6), layering it over the spec's stated defaults.
func NewWithTuning(governor *capacity.Governor, stats *metrics.Stats, tuning Tuning) *Context {
	batchCfg := batch.DefaultConfig()
	if tuning.BatchSize > 0 {
		batchCfg.BatchSize = tuning.BatchSize
	}
	if tuning.MaximumCollectionPeriod > 0 {
		batchCfg.MaximumCollectionPeriod = tuning.MaximumCollectionPeriod
	}

	backoff := errorpolicy.DefaultBackoff()
	if tuning.MaximumRetries > 0 {
		backoff.MaximumRetries = tuning.MaximumRetries
	}

	driver := providerstream.New(governor)
	driver.Backoff = backoff
	driver.Stats = stats

	return &Context{
		Queue:    queue.New(),
		Batcher:  batch.New(batchCfg),
		Driver:   driver,
		Governor: governor,
		Stats:    stats,
	}
}

// Start launches the driver worker pool. Call Stop to shut it down.
func (c *Context) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	for i := 0; i < driverWorkerCount; i++ {
		c.wg.Add(1)
		go c.runWorker(runCtx)
	}
}

// Stop cancels the worker pool and waits for it to drain.
func (c *Context) Stop() {
	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()
	c.Queue.Close()
}

func (c *Context) runWorker(ctx context.Context) {
	defer c.wg.Done()
	for {
		descs, err := c.Batcher.Fill(ctx, c.Queue)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			continue
		}
		for _, desc := range descs {
			c.dispatch(ctx, desc)
		}
	}
}

func (c *Context) dispatch(ctx context.Context, desc batch.Descriptor) {
	demux := response.NewDemultiplexer(len(desc.Members))
	for i, m := range desc.Members {
		bindFuture(m.Future, demux.Slice(i))
	}

	if c.Stats != nil {
		c.Stats.RecordBatch(len(desc.Members))
	}
	for _, m := range desc.Members {
		m.Request.Emit("batched", map[string]any{"batch_size": len(desc.Members)})
	}

	go func() {
		if err := c.Driver.Dispatch(ctx, desc, demux); err != nil && c.Stats != nil {
			c.Stats.RecordError()
		}
	}()
}

func bindFuture(f *queue.Future, slice *response.Slice) {
	f.Resolve(slice, nil)
}

// Complete is the synchronous scheduler entrypoint (spec §4's "Putting it
// together"): it enqueues req, waits for its Slice to be assigned, and
// returns an Iterator the caller drains for tokens. Resubmit implements
// iterator.Resubmitter so a recovery loop can re-enter the scheduler with
// a continuation prompt built from what was already delivered.
func (c *Context) Complete(ctx context.Context, req *apitypes.Request) (*iterator.Iterator, error) {
	req.RequestID = atomic.AddInt64(&c.nextRequestID, 1)
	req.Emit("queued", map[string]any{"request_id": req.RequestID, "model": req.Params.Model})
	future := queue.NewFuture()
	c.Queue.Put(queue.Item{Request: req, Future: future})

	result, err := future.Wait(ctx)
	if err != nil {
		return nil, err
	}
	slice := result.(*response.Slice)
	return iterator.New(req, slice, c, MaxRecoverAttempts), nil
}

// Resubmit implements iterator.Resubmitter: it builds a continuation
// prompt from the consumed buffer and puts it on the queue under a fresh
// request id, so a recovery looks to the rest of the system like an
// ordinary new request (spec §4.7).
func (c *Context) Resubmit(ctx context.Context, original *apitypes.Request, consumed *response.Buffer) (*response.Slice, error) {
	continuation := *original
	switch original.Prompt.Kind {
	case apitypes.PromptTokenIDs:
		if c.Tokenizer == nil {
			return nil, fmt.Errorf("scheduler: cannot recover a token-id prompt without a configured tokenizer")
		}
		ids, err := c.Tokenizer.Encode(consumed.Text())
		if err != nil {
			return nil, fmt.Errorf("scheduler: tokenizing consumed text for recovery: %w", err)
		}
		continuation.Prompt = apitypes.TokenIDPrompt(append(append([]int(nil), original.Prompt.IDs...), ids...))
	default:
		continuation.Prompt = apitypes.StringPrompt(original.Prompt.Text + consumed.Text())
	}
	continuation.RequestID = atomic.AddInt64(&c.nextRequestID, 1)
	original.Emit("recovery_resubmitted", map[string]any{"new_request_id": continuation.RequestID})

	future := queue.NewFuture()
	c.Queue.Put(queue.Item{Request: &continuation, Future: future})

	result, err := future.Wait(ctx)
	if err != nil {
		return nil, err
	}
	return result.(*response.Slice), nil
}
