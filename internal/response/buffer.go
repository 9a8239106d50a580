package response

import "github.com/lmql-rt/corert/internal/apitypes"

// Buffer is the replayable, append-only record of every chunk a Slice has
// digested so far. The recovery procedure reads it to reconstruct how much
// of the provider's output has already been delivered to the caller, and
// to rebuild a continuation prompt (spec §4.7).
type Buffer struct {
	chunks []apitypes.TokenChunk
	text   string // concatenation of chunks[i].Text, kept for fast overlap comparison
}

func NewBuffer() *Buffer { return &Buffer{} }

// Append records one chunk as delivered.
func (b *Buffer) Append(c apitypes.TokenChunk) {
	b.chunks = append(b.chunks, c)
	b.text += c.Text
}

// Chunks returns every chunk appended so far, in order.
func (b *Buffer) Chunks() []apitypes.TokenChunk {
	return append([]apitypes.TokenChunk(nil), b.chunks...)
}

// Text returns the concatenation of all appended chunk text.
func (b *Buffer) Text() string { return b.text }

// Len returns how many chunks have been appended.
func (b *Buffer) Len() int { return len(b.chunks) }

// Slice returns a new Buffer containing only chunks[from:], used when a
// recovery needs to replay a suffix of what was already produced.
func (b *Buffer) Slice(from int) *Buffer {
	out := NewBuffer()
	for _, c := range b.chunks[from:] {
		out.Append(c)
	}
	return out
}
