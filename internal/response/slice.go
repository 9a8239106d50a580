package response

import (
	"sync"

	"github.com/lmql-rt/corert/internal/apitypes"
)

// EndOfText is the end-of-text token synthesized onto a slice that
// terminates without a "length" finish_reason (spec §4.5/§4.6). Exported
// so the iterator's realignment pass can recognize and skip it: it marks
// a slice's own clean close, not content the old stream could have
// produced, so it must never count toward a recovery boundary match.
const EndOfText = "<|endoftext|>"

// Slice is the per-request view into a shared provider-call stream: the
// queue.Future each Request resolves to. Digest pushes one Element onto
// its internal FIFO; the iterator (internal/iterator) drains it.
type Slice struct {
	mu           sync.Mutex
	buffer       *Buffer
	elements     chan Element
	done         bool
	chunks       int
	finishReason apitypes.FinishReason
}

// NewSlice creates a Slice with room for a modest backlog of undelivered
// elements; the demultiplexer blocks on a full channel rather than drop
// data, applying natural backpressure to the driver.
func NewSlice() *Slice {
	return &Slice{
		buffer:   NewBuffer(),
		elements: make(chan Element, 64),
	}
}

// Digest records a data chunk into the replay buffer and enqueues it for
// the iterator, tracking the most recently observed finish_reason so
// Finish can apply the end-of-text synthesis rule.
func (s *Slice) Digest(c Element) {
	s.mu.Lock()
	if c.Kind == ElementChunk {
		s.buffer.Append(c.Chunk)
		s.chunks++
		if c.Chunk.FinishReason != apitypes.FinishNone {
			s.finishReason = c.Chunk.FinishReason
		}
	}
	s.mu.Unlock()
	s.elements <- c
}

// Finish enqueues a terminal element and marks the slice closed to further
// digestion. A clean terminator reached after at least one chunk was
// delivered has an end-of-text chunk synthesized immediately ahead of it,
// unless the slice finished with finish_reason "length" (spec §4.5/§4.6;
// grounded on batched_openai.py's ResponseStreamSliceIterator.__anext__,
// which yields a synthetic "<|endoftext|>" item under the same condition).
func (s *Slice) Finish(e Element) {
	s.mu.Lock()
	if s.done {
		s.mu.Unlock()
		return
	}
	s.done = true
	synthesize := e.Kind == ElementTerminator && s.chunks > 0 && s.finishReason != apitypes.FinishLength
	s.mu.Unlock()

	if synthesize {
		s.elements <- NewChunkElement(apitypes.TokenChunk{
			Text:        EndOfText,
			TextOffset:  0,
			Token:       EndOfText,
			TopLogprobs: map[string]float64{EndOfText: 0.0},
		})
	}
	s.elements <- e
	close(s.elements)
}

// Elements exposes the receive side of the FIFO for the iterator.
func (s *Slice) Elements() <-chan Element { return s.elements }

// Buffer returns the replay buffer accumulated so far.
func (s *Slice) Buffer() *Buffer {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buffer
}
