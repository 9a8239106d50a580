package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/lmql-rt/corert/internal/apitypes"
	"github.com/lmql-rt/corert/internal/iterator"
	"github.com/lmql-rt/corert/internal/ssewriter"
	"github.com/lmql-rt/corert/internal/tracing"
)

// completionRequest is the JSON body accepted by /v1/completions and
// /v1/chat/completions. Chat requests pass role-tagged prompt text through
// Prompt the same as completion requests; the driver addresses the chat
// endpoint when the model is a chat model or the request arrived on
// /v1/chat/completions (spec §4.9).
type completionRequest struct {
	Model       string             `json:"model"`
	Prompt      string             `json:"prompt"`
	MaxTokens   int                `json:"max_tokens"`
	Temperature float64            `json:"temperature"`
	Logprobs    int                `json:"logprobs"`
	User        string             `json:"user"`
	LogitBias   map[string]float64 `json:"logit_bias"`
	Echo        bool               `json:"echo"`
	Stream      bool               `json:"stream"`
	TimeoutMS   int                `json:"timeout_ms"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (s *Server) handleCompletions(w http.ResponseWriter, r *http.Request) {
	s.handle(w, r, false)
}

func (s *Server) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	s.handle(w, r, true)
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request, chat bool) {
	var body completionRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	req, err := s.toRequest(body, chat)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	traceCtx, sink := tracing.NewSink(r.Context())
	defer sink.End()
	req.Trace = sink
	r = r.WithContext(traceCtx)

	if workerID, ok := s.localWorkerFor(body.Model); ok {
		s.handleLocal(w, r, workerID, body)
		return
	}

	it, err := s.sched.Complete(r.Context(), req)
	if err != nil {
		log.Printf("scheduler error: %v", err)
		writeError(w, http.StatusBadGateway, "scheduler error: "+err.Error())
		return
	}

	if body.Stream {
		if err := ssewriter.Write(r.Context(), w, body.Model, it, nil); err != nil {
			log.Printf("stream write error: %v", err)
		}
		return
	}

	text, finish, err := drain(r.Context(), it)
	if err != nil {
		writeError(w, http.StatusBadGateway, "completion error: "+err.Error())
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"model":         body.Model,
		"text":          text,
		"finish_reason": finish,
	})
}

// drain fully consumes it for the non-streaming response path, returning
// the concatenated text and the reason the stream ended.
func drain(ctx context.Context, it *iterator.Iterator) (string, string, error) {
	var text strings.Builder
	finish := ""
	for {
		chunk, ok, err := it.Next(ctx)
		if err != nil {
			return "", "", err
		}
		if !ok {
			break
		}
		text.WriteString(chunk.Text)
		if chunk.FinishReason != apitypes.FinishNone {
			finish = string(chunk.FinishReason)
		}
	}
	return text.String(), finish, nil
}

func containsModel(models []string, model string) bool {
	for _, m := range models {
		if m == model {
			return true
		}
	}
	return false
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

func (s *Server) toRequest(body completionRequest, chat bool) (*apitypes.Request, error) {
	if body.Model == "" {
		return nil, fmt.Errorf("model is required")
	}
	bias := make(map[int]float64, len(body.LogitBias))
	for k, v := range body.LogitBias {
		var id int
		if _, err := fmt.Sscanf(k, "%d", &id); err != nil {
			return nil, fmt.Errorf("invalid logit_bias key %q: %w", k, err)
		}
		bias[id] = v
	}

	timeout := 30 * time.Second
	if body.TimeoutMS > 0 {
		timeout = time.Duration(body.TimeoutMS) * time.Millisecond
	}

	cfg := &apitypes.ApiConfig{ChatModel: chat}
	for _, provCfg := range s.cfg.Providers {
		if containsModel(provCfg.Models, body.Model) {
			cfg.APIKey = provCfg.APIKey
			cfg.Endpoint = provCfg.BaseURL
			break
		}
	}

	return &apitypes.Request{
		Params: apitypes.RequestParameters{
			Model:       body.Model,
			MaxTokens:   body.MaxTokens,
			Temperature: body.Temperature,
			Logprobs:    body.Logprobs,
			User:        body.User,
			LogitBias:   bias,
			Echo:        body.Echo,
		},
		Prompt:    apitypes.StringPrompt(body.Prompt),
		Timeout:   timeout,
		APIConfig: cfg,
	}, nil
}
