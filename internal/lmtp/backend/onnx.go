// Package backend hosts local model backends an LMTP worker process can
// serve GENERATE/SCORE commands from. ONNXModel is the only backend
// implemented here; it runs CPU-only (spec §7's local-model path never
// assumes GPU availability, unlike the provider-driven remote path).
package backend

import (
	"fmt"
	"sync"

	ort "github.com/yalue/onnxruntime_go"
)

// ONNXModel wraps an onnxruntime_go session for next-token logit
// inference. Calls are serialized: onnxruntime_go sessions are not safe
// for concurrent Run calls from multiple goroutines.
type ONNXModel struct {
	mu      sync.Mutex
	session *ort.AdvancedSession
	input   *ort.Tensor[int64]
	output  *ort.Tensor[float32]
	vocab   int
}

// Config describes where to find the model file and its vocabulary size.
type Config struct {
	ModelPath      string
	VocabSize      int
	MaxSequenceLen int
}

// Load initializes the ONNX Runtime environment once per process and opens
// the session for the given model. CPU execution provider only: no CUDA or
// other accelerator execution providers are wired up, since the worker
// pool is meant to run on commodity infrastructure alongside the router.
func Load(cfg Config) (*ONNXModel, error) {
	if err := ort.InitializeEnvironment(); err != nil {
		return nil, fmt.Errorf("backend: initializing onnxruntime: %w", err)
	}

	inputShape := ort.NewShape(1, int64(cfg.MaxSequenceLen))
	input, err := ort.NewEmptyTensor[int64](inputShape)
	if err != nil {
		return nil, fmt.Errorf("backend: allocating input tensor: %w", err)
	}

	outputShape := ort.NewShape(1, int64(cfg.VocabSize))
	output, err := ort.NewEmptyTensor[float32](outputShape)
	if err != nil {
		input.Destroy()
		return nil, fmt.Errorf("backend: allocating output tensor: %w", err)
	}

	session, err := ort.NewAdvancedSession(cfg.ModelPath,
		[]string{"input_ids"}, []string{"logits"},
		[]ort.ArbitraryTensor{input}, []ort.ArbitraryTensor{output}, nil)
	if err != nil {
		input.Destroy()
		output.Destroy()
		return nil, fmt.Errorf("backend: opening session for %s: %w", cfg.ModelPath, err)
	}

	return &ONNXModel{session: session, input: input, output: output, vocab: cfg.VocabSize}, nil
}

// NextTokenLogits runs one forward pass over ids and returns the logits
// for the next token.
func (m *ONNXModel) NextTokenLogits(ids []int) ([]float32, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	dst := m.input.GetData()
	for i := range dst {
		dst[i] = 0
	}
	for i, id := range ids {
		if i >= len(dst) {
			break
		}
		dst[i] = int64(id)
	}

	if err := m.session.Run(); err != nil {
		return nil, fmt.Errorf("backend: inference run: %w", err)
	}

	out := make([]float32, m.vocab)
	copy(out, m.output.GetData())
	return out, nil
}

// Close releases the session and its tensors.
func (m *ONNXModel) Close() {
	m.session.Destroy()
	m.input.Destroy()
	m.output.Destroy()
}
