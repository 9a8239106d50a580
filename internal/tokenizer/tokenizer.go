// Package tokenizer exposes the Tokenizer Capability (spec §4.8): encoding
// and decoding text against a named vocabulary, used by the recovery
// procedure to re-tokenize consumed chunks into a continuation prompt and
// by the chat-delta re-tokenization step.
package tokenizer

import (
	"fmt"
	"sync"

	hftok "github.com/daulet/tokenizers"
)

// Capability is the interface the scheduler and iterator depend on. It is
// deliberately narrow: encode and decode, nothing provider-specific.
type Capability interface {
	Encode(text string) ([]int, error)
	Decode(ids []int) (string, error)
	Close()
}

// Registry resolves named tokenizers lazily and caches them, since loading
// a vocabulary file is comparatively expensive and many requests share one.
type Registry struct {
	mu    sync.Mutex
	cache map[string]Capability
	dir   string // directory containing "<name>.json" vocab files
}

func NewRegistry(vocabDir string) *Registry {
	return &Registry{cache: make(map[string]Capability), dir: vocabDir}
}

func (r *Registry) Get(name string) (Capability, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if tok, ok := r.cache[name]; ok {
		return tok, nil
	}
	tok, err := newHuggingFaceTokenizer(r.dir, name)
	if err != nil {
		return nil, err
	}
	r.cache[name] = tok
	return tok, nil
}

// Close releases every tokenizer this registry has loaded.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, tok := range r.cache {
		tok.Close()
	}
	r.cache = make(map[string]Capability)
}

// huggingFaceTokenizer wraps a daulet/tokenizers handle, the Go binding
// over HuggingFace's Rust tokenizers library, used here instead of a
// hand-rolled BPE implementation.
type huggingFaceTokenizer struct {
	inner *hftok.Tokenizer
}

func newHuggingFaceTokenizer(dir, name string) (Capability, error) {
	path := fmt.Sprintf("%s/%s.json", dir, name)
	tok, err := hftok.FromFile(path)
	if err != nil {
		return nil, fmt.Errorf("tokenizer: loading %q: %w", name, err)
	}
	return &huggingFaceTokenizer{inner: tok}, nil
}

func (h *huggingFaceTokenizer) Encode(text string) ([]int, error) {
	ids, _ := h.inner.Encode(text, false)
	out := make([]int, len(ids))
	for i, id := range ids {
		out[i] = int(id)
	}
	return out, nil
}

func (h *huggingFaceTokenizer) Decode(ids []int) (string, error) {
	u32 := make([]uint32, len(ids))
	for i, id := range ids {
		u32[i] = uint32(id)
	}
	return h.inner.Decode(u32, true), nil
}

func (h *huggingFaceTokenizer) Close() { h.inner.Close() }
