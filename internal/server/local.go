package server

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"

	"github.com/lmql-rt/corert/internal/lmtp"
)

// localWorkerFor reports whether model is hosted by an LMTP worker rather
// than the remote batched-provider path, and if so, which worker id.
func (s *Server) localWorkerFor(model string) (string, bool) {
	if s.workers == nil || len(s.lmtpClients) == 0 {
		return "", false
	}
	id := s.workers.WorkerFor(model)
	if _, ok := s.lmtpClients[id]; !ok {
		return "", false
	}
	return id, true
}

// handleLocal dispatches a request to the LMTP worker hosting model,
// tokenizing the prompt locally and streaming TOKEN results back as SSE
// (spec §7's GENERATE command, §4.9's split between remote and local
// dispatch).
func (s *Server) handleLocal(w http.ResponseWriter, r *http.Request, workerID string, body completionRequest) {
	client := s.lmtpClients[workerID]

	tok, err := s.tokenizers.Get(body.Model)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "no tokenizer for model: "+err.Error())
		return
	}
	ids, err := tok.Encode(body.Prompt)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "tokenization failed: "+err.Error())
		return
	}

	bias := make(map[int]float64, len(body.LogitBias))
	for k, v := range body.LogitBias {
		var id int
		if _, err := fmt.Sscanf(k, "%d", &id); err == nil {
			bias[id] = v
		}
	}

	results, err := client.Generate(r.Context(), lmtp.GeneratePayload{
		Model:       body.Model,
		PromptIDs:   ids,
		MaxTokens:   body.MaxTokens,
		Temperature: body.Temperature,
		LogitBias:   bias,
		Logprobs:    body.Logprobs,
	})
	if err != nil {
		writeError(w, http.StatusBadGateway, "worker dispatch failed: "+err.Error())
		return
	}

	if body.Stream {
		s.streamLocal(w, body.Model, results)
		return
	}

	var text string
	finish := ""
	for result := range results {
		payload, ok := result.Payload.(lmtp.TokenResultPayload)
		if !ok {
			continue
		}
		text += payload.Text
		if payload.FinishReason != "" {
			finish = payload.FinishReason
		}
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"model":         body.Model,
		"text":          text,
		"finish_reason": finish,
	})
}

func (s *Server) streamLocal(w http.ResponseWriter, model string, results <-chan lmtp.Result) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	for result := range results {
		payload, ok := result.Payload.(lmtp.TokenResultPayload)
		if !ok {
			continue
		}
		event := map[string]any{"model": model, "text": payload.Text}
		if payload.FinishReason != "" {
			event["finish_reason"] = payload.FinishReason
		}
		data, err := json.Marshal(event)
		if err != nil {
			log.Printf("local stream marshal error: %v", err)
			continue
		}
		fmt.Fprintf(w, "data: %s\n\n", data)
		flusher.Flush()
	}
	fmt.Fprint(w, "data: [DONE]\n\n")
	flusher.Flush()
}
