// Package ssewriter streams a scheduler iterator's TokenChunks to an HTTP
// client as OpenAI-compatible Server-Sent Events, the same "data: {json}\n\n"
// framing the remote provider itself uses (spec §4.4's SSE framing, mirrored
// back out to our own API surface).
package ssewriter

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/lmql-rt/corert/internal/apitypes"
	"github.com/lmql-rt/corert/internal/iterator"
)

type sseChunk struct {
	Model   string      `json:"model"`
	Object  string      `json:"object"`
	Choices []sseChoice `json:"choices"`
	Usage   *sseUsage   `json:"usage,omitempty"`
}

type sseChoice struct {
	Index        int      `json:"index"`
	Delta        sseDelta `json:"delta"`
	FinishReason *string  `json:"finish_reason"`
	Fixed        bool     `json:"fixed,omitempty"`
}

type sseDelta struct {
	Content string `json:"content,omitempty"`
}

type sseUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Write drains it and writes each TokenChunk to w as an SSE event, ending
// with the conventional "data: [DONE]\n\n" sentinel once the stream
// terminates cleanly. An iterator error ends the stream early; since SSE
// headers are already flushed by then, the only signal the client gets is
// the stream closing without a [DONE] line.
func Write(ctx context.Context, w http.ResponseWriter, model string, it *iterator.Iterator, usage *apitypes.Usage) error {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return fmt.Errorf("ssewriter: response writer does not support flushing")
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	tokensSeen := 0
	for {
		chunk, ok, err := it.Next(ctx)
		if err != nil {
			return err
		}
		if !ok {
			break
		}
		tokensSeen++

		event := sseChunk{
			Model:  model,
			Object: "chat.completion.chunk",
			Choices: []sseChoice{{
				Index: 0,
				Delta: sseDelta{Content: chunk.Text},
				Fixed: chunk.Fixed,
			}},
		}
		if chunk.FinishReason != apitypes.FinishNone {
			reason := string(chunk.FinishReason)
			event.Choices[0].FinishReason = &reason
			if usage != nil {
				event.Usage = &sseUsage{
					PromptTokens:     usage.PromptTokens,
					CompletionTokens: tokensSeen,
					TotalTokens:      usage.PromptTokens + tokensSeen,
				}
			}
		}

		if err := writeEvent(w, event); err != nil {
			return err
		}
		flusher.Flush()
	}

	if _, err := fmt.Fprint(w, "data: [DONE]\n\n"); err != nil {
		return fmt.Errorf("ssewriter: writing done marker: %w", err)
	}
	flusher.Flush()
	return nil
}

func writeEvent(w http.ResponseWriter, event sseChunk) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("ssewriter: marshaling event: %w", err)
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", body); err != nil {
		return fmt.Errorf("ssewriter: writing event: %w", err)
	}
	return nil
}
