package batch

import (
	"context"
	"testing"
	"time"

	"github.com/lmql-rt/corert/internal/apitypes"
	"github.com/lmql-rt/corert/internal/queue"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func putRequest(q *queue.Queue, id int64, model string, echo bool) {
	req := &apitypes.Request{
		RequestID: id,
		Params:    apitypes.RequestParameters{Model: model, Echo: echo},
		Prompt:    apitypes.StringPrompt("hi"),
	}
	q.Put(queue.Item{Request: req, Future: queue.NewFuture()})
}

func TestFillGroupsByBatchKey(t *testing.T) {
	q := queue.New()
	putRequest(q, 1, "text-davinci-003", true)
	putRequest(q, 2, "text-davinci-003", true)
	putRequest(q, 3, "text-davinci-003", false) // different BatchKey (Echo differs)

	b := New(Config{BatchSize: 20, MaximumCollectionPeriod: 10 * time.Millisecond})
	descs, err := b.Fill(context.Background(), q)
	require.NoError(t, err)
	require.Len(t, descs, 2)

	var fused, singleton *Descriptor
	for i := range descs {
		if len(descs[i].Members) == 2 {
			fused = &descs[i]
		} else {
			singleton = &descs[i]
		}
	}
	require.NotNil(t, fused)
	require.NotNil(t, singleton)
	assert.Len(t, singleton.Members, 1)
}

func TestFillSplitsChatModelsIntoSingletons(t *testing.T) {
	q := queue.New()
	putRequest(q, 1, "gpt-4", true)
	putRequest(q, 2, "gpt-4", true)

	b := New(Config{BatchSize: 20, MaximumCollectionPeriod: 10 * time.Millisecond})
	descs, err := b.Fill(context.Background(), q)
	require.NoError(t, err)

	require.Len(t, descs, 2)
	for _, d := range descs {
		assert.True(t, d.IsChat)
		assert.Len(t, d.Members, 1)
	}
}

func TestFillBlocksForFirstItem(t *testing.T) {
	q := queue.New()
	b := New(Config{BatchSize: 20, MaximumCollectionPeriod: 10 * time.Millisecond})

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err := b.Fill(ctx, q)
	assert.Error(t, err)
}

func TestMakeDescriptorUsesMaxTimeout(t *testing.T) {
	q := queue.New()
	req1 := &apitypes.Request{RequestID: 1, Params: apitypes.RequestParameters{Model: "text-davinci-003"}, Prompt: apitypes.StringPrompt("a"), Timeout: 5 * time.Second}
	req2 := &apitypes.Request{RequestID: 2, Params: apitypes.RequestParameters{Model: "text-davinci-003"}, Prompt: apitypes.StringPrompt("b"), Timeout: 30 * time.Second}
	q.Put(queue.Item{Request: req1, Future: queue.NewFuture()})
	q.Put(queue.Item{Request: req2, Future: queue.NewFuture()})

	b := New(Config{BatchSize: 20, MaximumCollectionPeriod: 10 * time.Millisecond})
	descs, err := b.Fill(context.Background(), q)
	require.NoError(t, err)
	require.Len(t, descs, 1)
	assert.Equal(t, 30*time.Second, descs[0].Timeout)
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, 20, cfg.BatchSize)
	assert.Equal(t, 50*time.Millisecond, cfg.MaximumCollectionPeriod)
}
