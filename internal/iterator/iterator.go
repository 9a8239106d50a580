// Package iterator implements the Per-Request Stream Iterator (spec §4.5,
// §4.7): the consumer-facing side of a response.Slice, including the
// transparent mid-stream recovery procedure.
package iterator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/lmql-rt/corert/internal/apitypes"
	"github.com/lmql-rt/corert/internal/response"
)

// defaultStallTimeout bounds how long Next waits for the next element
// before treating the slice as stalled, absent a per-request override
// (spec §4.6 step 1: "default 15 s; configurable per request").
const defaultStallTimeout = 15 * time.Second

// ErrStalled is the cause carried on the synthesized RecoveryAttempt when
// a slice falls silent for longer than its stall timeout before
// delivering any chunk (spec §4.6 step 2's TimeoutError).
var ErrStalled = errors.New("iterator: timed out waiting for the next chunk")

// ErrMaximumRetriesExceeded is returned once all recovery attempts have
// been exhausted and the stream cannot be continued (spec §7 "budget
// exhausted"). It wraps the underlying error that triggered the last
// recovery attempt (spec §3 RecoveryAttempt: "carries ... the underlying
// error").
type ErrMaximumRetriesExceeded struct {
	Cause error
}

func (e *ErrMaximumRetriesExceeded) Error() string {
	return fmt.Sprintf("iterator: maximum retries exceeded: %v", e.Cause)
}

func (e *ErrMaximumRetriesExceeded) Unwrap() error { return e.Cause }

// ErrStreamFailed is returned when recovery fails for a reason other than
// budget exhaustion (e.g. the Tokenizer Capability required to rebuild a
// continuation prompt is unavailable).
var ErrStreamFailed = errors.New("iterator: stream failed and could not be recovered")

// Resubmitter issues a brand-new provider call for a continuation prompt
// built from everything already delivered, and returns the Slice that
// will carry its output. The scheduler supplies this so the iterator
// package does not need to depend on the batcher or driver directly.
type Resubmitter interface {
	Resubmit(ctx context.Context, original *apitypes.Request, consumed *response.Buffer) (*response.Slice, error)
}

// Iterator drains one response.Slice, transparently resubmitting a new
// provider call and realigning against the chunks it already delivered
// whenever the underlying stream reports a recovery-in-progress sentinel
// (spec §4.7).
type Iterator struct {
	request     *apitypes.Request
	slice       *response.Slice
	resubmitter Resubmitter
	maxRecovers int
	recovers    int
	timeout     time.Duration

	// consumed is every TokenChunk actually yielded to the caller so far,
	// across every recovery this logical request has gone through. It is
	// the source of truth for both the continuation prompt (spec §4.7 step
	// 1) and the realignment boundary (spec §4.7 step 3) — NOT the current
	// slice's own buffer, which after a recovery also carries the echoed
	// overlap the caller has not seen yet.
	consumed *response.Buffer

	// pending holds a chunk split off during realignment: the tail of a
	// fresh-stream chunk that overshot the boundary where the old stream
	// left off. It is emitted on the next call to Next before the iterator
	// resumes reading from its slice.
	pending *apitypes.TokenChunk
}

// New creates an Iterator over slice for the given request. maxRecovers
// bounds how many times a single logical request may be transparently
// resubmitted before giving up (spec §4.7: "the recovery budget is the
// descriptor-level maximum_retries less the attempts already consumed by
// this iterator").
func New(req *apitypes.Request, slice *response.Slice, resubmitter Resubmitter, maxRecovers int) *Iterator {
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = defaultStallTimeout
	}
	return &Iterator{
		request:     req,
		slice:       slice,
		resubmitter: resubmitter,
		maxRecovers: maxRecovers,
		consumed:    response.NewBuffer(),
		timeout:     timeout,
	}
}

// ConsumedTokens reports how many chunks have been yielded to the caller so
// far, satisfying the testable property that this count is monotonically
// non-decreasing (spec §8).
func (it *Iterator) ConsumedTokens() int { return it.consumed.Len() }

// Next returns the next TokenChunk, or (zero, false, nil) once the stream
// has terminated cleanly. An error return is unrecoverable and ends the
// stream for the caller.
func (it *Iterator) Next(ctx context.Context) (apitypes.TokenChunk, bool, error) {
	if it.pending != nil {
		c := *it.pending
		it.pending = nil
		it.consumed.Append(c)
		return c, true, nil
	}

	timer := time.NewTimer(it.timeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return apitypes.TokenChunk{}, false, ctx.Err()
		case <-timer.C:
			// The slice has gone silent for longer than its stall timeout
			// (spec §4.6 steps 1-2). With nothing delivered yet this
			// looks exactly like a stream that never started, so it is
			// recovered the same way as a mid-stream RecoveryAttempt;
			// with at least one chunk already delivered it is instead
			// treated as a clean end-of-iteration.
			if it.consumed.Len() == 0 {
				if err := it.recover(ctx, ErrStalled); err != nil {
					return apitypes.TokenChunk{}, false, err
				}
				if it.pending != nil {
					c := *it.pending
					it.pending = nil
					it.consumed.Append(c)
					return c, true, nil
				}
				timer.Reset(it.timeout)
				continue
			}
			return apitypes.TokenChunk{}, false, nil
		case el, ok := <-it.slice.Elements():
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			if !ok {
				return apitypes.TokenChunk{}, false, nil
			}
			switch el.Kind {
			case response.ElementChunk:
				it.consumed.Append(el.Chunk)
				return el.Chunk, true, nil
			case response.ElementTerminator:
				return apitypes.TokenChunk{}, false, nil
			case response.ElementFailure:
				return apitypes.TokenChunk{}, false, el.Err
			case response.ElementRecovery:
				if err := it.recover(ctx, el.Err); err != nil {
					return apitypes.TokenChunk{}, false, err
				}
				if it.pending != nil {
					c := *it.pending
					it.pending = nil
					it.consumed.Append(c)
					return c, true, nil
				}
				// Nothing overshot the boundary; loop and read the
				// adopted slice directly.
				timer.Reset(it.timeout)
			}
		}
	}
}

// recover rebuilds a continuation prompt from everything consumed so far,
// resubmits it through the scheduler, and advances the fresh slice past
// the echoed overlap before adopting it as the iterator's source (spec
// §4.7 steps 1-4). cause is the error that triggered this recovery round,
// surfaced if the budget is exhausted.
func (it *Iterator) recover(ctx context.Context, cause error) error {
	if it.recovers >= it.maxRecovers {
		return &ErrMaximumRetriesExceeded{Cause: cause}
	}
	it.recovers++

	newSlice, err := it.resubmitter.Resubmit(ctx, it.request, it.consumed)
	if err != nil {
		return fmt.Errorf("%w: recovery resubmit failed: %w", ErrStreamFailed, err)
	}

	return it.realign(ctx, newSlice)
}

// realign discards elements from newSlice until the cumulative text of
// chunks seen matches what the caller has already received (spec §4.7 step
// 3). A chunk that straddles the boundary is split: the matched prefix is
// discarded and the remainder is queued in it.pending to be the very next
// chunk returned to the caller. Once caught up (or immediately, if nothing
// had been consumed yet), newSlice becomes the iterator's slice.
func (it *Iterator) realign(ctx context.Context, newSlice *response.Slice) error {
	want := len(it.consumed.Text())
	seen := 0

	for seen < want {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case el, ok := <-newSlice.Elements():
			if !ok {
				// Stream ended before catching up to the old boundary;
				// nothing left to discard, adopt it as-is.
				it.slice = newSlice
				return nil
			}
			switch el.Kind {
			case response.ElementChunk:
				if el.Chunk.Text == response.EndOfText {
					// The fresh stream's own clean-close synthesis, not
					// content the old stream could have produced; it never
					// counts toward the boundary and is always discarded
					// during catch-up.
					continue
				}
				text := el.Chunk.Text
				if seen+len(text) <= want {
					seen += len(text)
					continue
				}
				overshoot := el.Chunk
				overshoot.Text = text[want-seen:]
				overshoot.TextOffset = want
				it.pending = &overshoot
				seen = want
			case response.ElementTerminator:
				it.slice = newSlice
				return nil
			case response.ElementFailure:
				return el.Err
			case response.ElementRecovery:
				// The replacement stream itself dropped before catching
				// up to the boundary; recurse into another recovery round
				// against the same (unchanged) boundary.
				return it.recover(ctx, el.Err)
			}
		}
	}

	it.slice = newSlice
	return nil
}
