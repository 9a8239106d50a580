package queue

import (
	"context"
	"testing"
	"time"

	"github.com/lmql-rt/corert/internal/apitypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func itemWithID(id int64) Item {
	return Item{
		Request: &apitypes.Request{RequestID: id},
		Future:  NewFuture(),
	}
}

func TestGetOrdersByRequestID(t *testing.T) {
	q := New()
	q.Put(itemWithID(3))
	q.Put(itemWithID(1))
	q.Put(itemWithID(2))

	for _, want := range []int64{1, 2, 3} {
		item, ok := q.Get(context.Background())
		require.True(t, ok)
		assert.Equal(t, want, item.Request.RequestID)
	}
}

func TestGetBlocksUntilPut(t *testing.T) {
	q := New()
	got := make(chan Item, 1)
	go func() {
		item, ok := q.Get(context.Background())
		require.True(t, ok)
		got <- item
	}()

	select {
	case <-got:
		t.Fatal("Get returned before anything was Put")
	case <-time.After(30 * time.Millisecond):
	}

	q.Put(itemWithID(42))
	select {
	case item := <-got:
		assert.Equal(t, int64(42), item.Request.RequestID)
	case <-time.After(2 * time.Second):
		t.Fatal("Get did not unblock after Put")
	}
}

func TestGetRespectsContextCancellation(t *testing.T) {
	q := New()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, ok := q.Get(ctx)
	assert.False(t, ok)
}

func TestTryGetOnEmptyQueue(t *testing.T) {
	q := New()
	_, ok := q.TryGet()
	assert.False(t, ok)
}

func TestCloseDrainsThenReturnsFalse(t *testing.T) {
	q := New()
	q.Put(itemWithID(1))
	q.Close()

	item, ok := q.Get(context.Background())
	require.True(t, ok)
	assert.Equal(t, int64(1), item.Request.RequestID)

	_, ok = q.Get(context.Background())
	assert.False(t, ok)
}

func TestFutureResolveIsIdempotent(t *testing.T) {
	f := NewFuture()
	f.Resolve("first", nil)
	f.Resolve("second", nil)

	result, err := f.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "first", result)
}
