package providerstream

import (
	"bytes"
	"context"
	"fmt"
	"log"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/lmql-rt/corert/internal/apitypes"
	"github.com/lmql-rt/corert/internal/batch"
	"github.com/lmql-rt/corert/internal/capacity"
	"github.com/lmql-rt/corert/internal/errorpolicy"
	"github.com/lmql-rt/corert/internal/queue"
	"github.com/lmql-rt/corert/internal/response"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeSSE(w http.ResponseWriter, payload string) {
	fmt.Fprintf(w, "data: %s\n\n", payload)
	w.(http.Flusher).Flush()
}

func newTestDriver(governor *capacity.Governor) *Driver {
	d := New(governor)
	d.Backoff = errorpolicy.Backoff{MaximumRetries: 2, MaxDelay: 5 * time.Millisecond}
	return d
}

func descriptorFor(model string, members int, isChat bool) (batch.Descriptor, []*queue.Future) {
	futures := make([]*queue.Future, members)
	mm := make([]batch.Member, members)
	for i := range mm {
		futures[i] = queue.NewFuture()
		mm[i] = batch.Member{
			Request: &apitypes.Request{
				RequestID: int64(i + 1),
				Params:    apitypes.RequestParameters{Model: model},
				Prompt:    apitypes.StringPrompt("hi"),
				APIConfig: &apitypes.ApiConfig{Endpoint: ""},
			},
		}
	}
	return batch.Descriptor{Key: apitypes.BatchKey{Model: model}, IsChat: isChat, Members: mm, Timeout: 2 * time.Second}, futures
}

func TestWireBiasTruncatesAndWarnsOnlyOnce(t *testing.T) {
	logitBiasTruncationWarning = sync.Once{}

	bias := make(map[int]float64, 400)
	for i := 0; i < 400; i++ {
		bias[i] = 1.0
	}
	bias[50256] = -1.0

	desc, _ := descriptorFor("text-davinci-003", 1, false)
	desc.Members[0].Request.Params.LogitBias = bias

	var buf bytes.Buffer
	log.SetOutput(&buf)
	defer log.SetOutput(os.Stderr)

	out := wireBias("", desc.Members)
	assert.Len(t, out, 300)
	assert.Contains(t, out, "50256")

	out = wireBias("", desc.Members)
	assert.Len(t, out, 300)

	lines := strings.Count(buf.String(), "\n")
	assert.Equal(t, 1, lines, "logit_bias truncation warning should be logged exactly once across both calls")
}

func TestDispatchCompletionStream(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		writeSSE(w, `{"choices":[{"text":"hel","index":0}]}`)
		writeSSE(w, `{"choices":[{"text":"lo","index":0,"finish_reason":"stop"}]}`)
		writeSSE(w, `{"choices":[{"text":"world","index":1,"finish_reason":"stop"}]}`)
		writeSSE(w, "[DONE]")
	}))
	defer server.Close()

	desc, _ := descriptorFor("text-davinci-003", 2, false)
	desc.Members[0].Request.APIConfig.Endpoint = server.URL
	desc.Members[1].Request.APIConfig.Endpoint = server.URL

	demux := response.NewDemultiplexer(2)
	d := newTestDriver(capacity.New(100))

	err := d.Dispatch(context.Background(), desc, demux)
	require.NoError(t, err)

	el := <-demux.Slice(0).Elements()
	assert.Equal(t, "hel", el.Chunk.Text)
	el = <-demux.Slice(0).Elements()
	assert.Equal(t, "lo", el.Chunk.Text)
	el = <-demux.Slice(0).Elements()
	assert.Equal(t, response.EndOfText, el.Chunk.Text)
	el = <-demux.Slice(0).Elements()
	assert.Equal(t, response.ElementTerminator, el.Kind)

	el = <-demux.Slice(1).Elements()
	assert.Equal(t, "world", el.Chunk.Text)
	el = <-demux.Slice(1).Elements()
	assert.Equal(t, response.EndOfText, el.Chunk.Text)
	el = <-demux.Slice(1).Elements()
	assert.Equal(t, response.ElementTerminator, el.Kind)
}

func TestDispatchChatStreamSynthesizesLeadingSpace(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		writeSSE(w, `{"choices":[{"delta":{"content":"hello"},"index":0}]}`)
		writeSSE(w, `{"choices":[{"delta":{"content":" world"},"index":0,"finish_reason":"stop"}]}`)
		writeSSE(w, "[DONE]")
	}))
	defer server.Close()

	desc, _ := descriptorFor("gpt-4", 1, true)
	desc.Members[0].Request.APIConfig.Endpoint = server.URL

	demux := response.NewDemultiplexer(1)
	d := newTestDriver(capacity.New(100))

	err := d.Dispatch(context.Background(), desc, demux)
	require.NoError(t, err)

	el := <-demux.Slice(0).Elements()
	assert.Equal(t, " hello", el.Chunk.Text)
	el = <-demux.Slice(0).Elements()
	assert.Equal(t, " world", el.Chunk.Text)
	assert.Equal(t, apitypes.FinishStop, el.Chunk.FinishReason)
	el = <-demux.Slice(0).Elements()
	assert.Equal(t, response.EndOfText, el.Chunk.Text)
	el = <-demux.Slice(0).Elements()
	assert.Equal(t, response.ElementTerminator, el.Kind)
}

func TestDispatchDefinitiveErrorDoesNotRetry(t *testing.T) {
	attempts := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte("Incorrect API key provided"))
	}))
	defer server.Close()

	desc, _ := descriptorFor("text-davinci-003", 1, false)
	desc.Members[0].Request.APIConfig.Endpoint = server.URL

	demux := response.NewDemultiplexer(1)
	d := newTestDriver(capacity.New(100))

	err := d.Dispatch(context.Background(), desc, demux)
	assert.Error(t, err)
	assert.Equal(t, 1, attempts)

	el := <-demux.Slice(0).Elements()
	assert.Equal(t, response.ElementFailure, el.Kind)
}

func TestDispatchRetriableErrorEventuallyFails(t *testing.T) {
	attempts := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte("internal error"))
	}))
	defer server.Close()

	desc, _ := descriptorFor("text-davinci-003", 1, false)
	desc.Members[0].Request.APIConfig.Endpoint = server.URL

	demux := response.NewDemultiplexer(1)
	d := newTestDriver(capacity.New(100))

	err := d.Dispatch(context.Background(), desc, demux)
	assert.Error(t, err)

	// The failure never reaches the streaming phase, so connect() retries
	// it internally (MaximumRetries + 1 attempts) with no RecoveryAttempt
	// pushed to any slice along the way — only the terminal Failure.
	assert.Equal(t, d.Backoff.MaximumRetries+1, attempts)

	first := <-demux.Slice(0).Elements()
	assert.Equal(t, response.ElementFailure, first.Kind)
}

func TestDispatchMidStreamErrorSignalsRecoveryOnce(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		writeSSE(w, `{"choices":[{"text":"hel","index":0}]}`)
		w.(http.Flusher).Flush()
		hj, ok := w.(http.Hijacker)
		require.True(t, ok)
		conn, _, err := hj.Hijack()
		require.NoError(t, err)
		conn.Close()
	}))
	defer server.Close()

	desc, _ := descriptorFor("text-davinci-003", 1, false)
	desc.Members[0].Request.APIConfig.Endpoint = server.URL

	demux := response.NewDemultiplexer(1)
	d := newTestDriver(capacity.New(100))

	err := d.Dispatch(context.Background(), desc, demux)
	assert.Error(t, err)

	first := <-demux.Slice(0).Elements()
	assert.Equal(t, "hel", first.Chunk.Text)

	second := <-demux.Slice(0).Elements()
	assert.Equal(t, response.ElementRecovery, second.Kind)

	_, ok := <-demux.Slice(0).Elements()
	assert.False(t, ok, "slice channel should be closed after the single recovery signal")
}

func TestDispatchChaosStallInjectsFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		writeSSE(w, `{"choices":[{"text":"x","index":0}]}`)
		time.Sleep(50 * time.Millisecond)
	}))
	defer server.Close()

	desc, _ := descriptorFor("text-davinci-003", 1, false)
	desc.Members[0].Request.APIConfig.Endpoint = server.URL

	demux := response.NewDemultiplexer(1)
	d := newTestDriver(capacity.New(100))
	d.Backoff = errorpolicy.Backoff{MaximumRetries: 0, MaxDelay: 5 * time.Millisecond}
	d.Chaos.Set(ChaosStall)

	err := d.Dispatch(context.Background(), desc, demux)
	assert.Error(t, err)
}
