package lmtp

import (
	"github.com/chewxy/math32"
	"github.com/viterin/vek/vek32"
)

// ApplyLogitBias adds each biased offset to its logit, then renormalizes
// the whole vocabulary as a log-softmax so downstream sampling still sees
// a valid log-probability distribution. The worker-side Session calls this
// once per generation step (spec §4.7), unlike the remote provider driver
// which hands logit_bias to the upstream API instead of applying it itself.
func ApplyLogitBias(logits []float32, bias map[int]float64) []float32 {
	if len(bias) == 0 {
		return logSoftmax(logits)
	}
	biased := make([]float32, len(logits))
	copy(biased, logits)
	for id, offset := range bias {
		if id < 0 || id >= len(biased) {
			continue
		}
		biased[id] += float32(offset)
	}
	return logSoftmax(biased)
}

// logSoftmax computes log(softmax(x)) in a numerically stable way using
// vek32's vectorized max/sub/exp/sum, rather than a naive per-element loop.
func logSoftmax(x []float32) []float32 {
	maxVal := vek32.Max(x)
	shifted := vek32.AddNumber(x, -maxVal)
	exps := vek32.Exp(shifted)
	sum := vek32.Sum(exps)
	logSum := math32.Log(sum)
	return vek32.AddNumber(shifted, -logSum)
}
