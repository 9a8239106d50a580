package ssewriter

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/lmql-rt/corert/internal/apitypes"
	"github.com/lmql-rt/corert/internal/iterator"
	"github.com/lmql-rt/corert/internal/response"
)

// nonFlushingWriter implements http.ResponseWriter but deliberately not
// http.Flusher, exercising Write's upfront capability check.
type nonFlushingWriter struct{}

func (nonFlushingWriter) Header() http.Header         { return http.Header{} }
func (nonFlushingWriter) Write(b []byte) (int, error) { return len(b), nil }
func (nonFlushingWriter) WriteHeader(int)             {}

// parseSSEEvents splits the raw SSE output into individual data payloads,
// excluding the "data: [DONE]" sentinel.
func parseSSEEvents(body string) []string {
	var events []string
	for _, line := range strings.Split(body, "\n") {
		if strings.HasPrefix(line, "data: ") {
			payload := strings.TrimPrefix(line, "data: ")
			if payload != "[DONE]" {
				events = append(events, payload)
			}
		}
	}
	return events
}

func TestWriteMultipleChunks(t *testing.T) {
	slice := response.NewSlice()
	go func() {
		slice.Digest(response.NewChunkElement(apitypes.TokenChunk{Text: "Hello"}))
		slice.Digest(response.NewChunkElement(apitypes.TokenChunk{Text: " world", FinishReason: apitypes.FinishStop}))
		slice.Finish(response.NewTerminatorElement())
	}()

	it := iterator.New(&apitypes.Request{}, slice, nil, 0)
	w := httptest.NewRecorder()

	err := Write(context.Background(), w, "test-model", it, &apitypes.Usage{PromptTokens: 5})
	if err != nil {
		t.Fatalf("Write returned error: %v", err)
	}

	if ct := w.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Content-Type = %q, want %q", ct, "text/event-stream")
	}

	events := parseSSEEvents(w.Body.String())
	// A clean stop after chunks were delivered synthesizes a trailing
	// end-of-text chunk (spec §4.5), so "Hello" / " world" / "<|endoftext|>".
	if len(events) != 3 {
		t.Fatalf("got %d events, want 3", len(events))
	}
	if !strings.Contains(events[0], `"content":"Hello"`) {
		t.Errorf("first event = %q, want it to carry \"Hello\"", events[0])
	}
	if !strings.Contains(events[1], `"finish_reason":"stop"`) {
		t.Errorf("second event = %q, want a stop finish_reason", events[1])
	}
	if !strings.Contains(events[1], `"total_tokens":7`) {
		t.Errorf("second event = %q, want total_tokens 7 (5 prompt + 2 chunks seen)", events[1])
	}
	if !strings.Contains(events[2], "\"content\":\"\\u003c|endoftext|\\u003e\"") {
		t.Errorf("third event = %q, want the synthesized end-of-text chunk", events[2])
	}
	if !strings.HasSuffix(strings.TrimRight(w.Body.String(), "\n"), "data: [DONE]") {
		t.Error("output does not end with the [DONE] sentinel")
	}
}

func TestWriteMarksFixedChunks(t *testing.T) {
	slice := response.NewSlice()
	go func() {
		slice.Digest(response.NewChunkElement(apitypes.TokenChunk{Text: "echoed prompt", Fixed: true}))
		slice.Digest(response.NewChunkElement(apitypes.TokenChunk{Text: " generated", FinishReason: apitypes.FinishStop}))
		slice.Finish(response.NewTerminatorElement())
	}()

	it := iterator.New(&apitypes.Request{}, slice, nil, 0)
	w := httptest.NewRecorder()

	if err := Write(context.Background(), w, "test-model", it, nil); err != nil {
		t.Fatalf("Write returned error: %v", err)
	}

	events := parseSSEEvents(w.Body.String())
	// A clean stop after chunks were delivered synthesizes a trailing
	// end-of-text chunk (spec §4.5).
	if len(events) != 3 {
		t.Fatalf("got %d events, want 3", len(events))
	}
	if !strings.Contains(events[0], `"fixed":true`) {
		t.Errorf("first event = %q, want a fixed:true marker for the synthesized echo chunk", events[0])
	}
	if strings.Contains(events[1], `"fixed"`) {
		t.Errorf("second event = %q, want no fixed field for a non-echo chunk", events[1])
	}
	if !strings.Contains(events[2], "\"content\":\"\\u003c|endoftext|\\u003e\"") {
		t.Errorf("third event = %q, want the synthesized end-of-text chunk", events[2])
	}
}

func TestWriteRejectsNonFlushingWriter(t *testing.T) {
	slice := response.NewSlice()
	slice.Finish(response.NewTerminatorElement())
	it := iterator.New(&apitypes.Request{}, slice, nil, 0)

	err := Write(context.Background(), nonFlushingWriter{}, "test-model", it, nil)
	if err == nil {
		t.Error("Write returned no error for a ResponseWriter that cannot flush")
	}
}
