package lmtp

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func sumExp(logprobs []float32) float64 {
	var sum float64
	for _, lp := range logprobs {
		sum += math.Exp(float64(lp))
	}
	return sum
}

func TestApplyLogitBiasNoBiasStillNormalizes(t *testing.T) {
	logits := []float32{1, 2, 3}
	out := ApplyLogitBias(logits, nil)
	assert.InDelta(t, 1.0, sumExp(out), 1e-5)
}

func TestApplyLogitBiasBoostsTargetToken(t *testing.T) {
	logits := []float32{1, 1, 1}
	base := ApplyLogitBias(logits, nil)

	biased := ApplyLogitBias(logits, map[int]float64{1: 5})
	assert.InDelta(t, 1.0, sumExp(biased), 1e-5)
	assert.Greater(t, biased[1], base[1])
	assert.Less(t, biased[0], base[0])
}

func TestApplyLogitBiasIgnoresOutOfRangeIDs(t *testing.T) {
	logits := []float32{1, 2, 3}
	assert.NotPanics(t, func() {
		ApplyLogitBias(logits, map[int]float64{-1: 3, 99: 3})
	})
}
