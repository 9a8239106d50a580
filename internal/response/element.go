// Package response implements the per-request Response Demultiplexer and
// the replayable chunk buffer each request's slice digests into (spec
// §4.4, §4.5).
package response

import "github.com/lmql-rt/corert/internal/apitypes"

// ElementKind tags which variant of Element is populated.
type ElementKind int

const (
	ElementChunk ElementKind = iota
	ElementTerminator
	ElementRecovery
	ElementFailure
)

// Element is the tagged union flowing through a Slice's internal FIFO: a
// data chunk, a clean end-of-stream terminator, a recovery-in-progress
// sentinel, or a hard failure (spec §4.5's "the iterator's queue carries
// one of four variants").
type Element struct {
	Kind  ElementKind
	Chunk apitypes.TokenChunk
	Err   error
}

func NewChunkElement(c apitypes.TokenChunk) Element {
	return Element{Kind: ElementChunk, Chunk: c}
}

func NewTerminatorElement() Element { return Element{Kind: ElementTerminator} }

// NewRecoveryElement marks that the driver is about to attempt a mid-stream
// recovery; the iterator must pause consumption until the corresponding
// data starts flowing again (spec §4.7). cause is the underlying stream
// error that triggered the recovery, carried through so a budget-exhausted
// iterator can report the original failure (spec §3 RecoveryAttempt).
func NewRecoveryElement(cause error) Element { return Element{Kind: ElementRecovery, Err: cause} }

func NewFailureElement(err error) Element { return Element{Kind: ElementFailure, Err: err} }
