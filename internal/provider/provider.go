// Package provider resolves a model name to the backend that should serve
// it: either the remote batched-provider path (scheduler.Context) or a
// local LMTP worker (spec §4.9 dispatch vs. spec §7 local models). The
// HTTP handler consults this registry exactly once per request instead of
// hardcoding which transport a model uses.
package provider

import "fmt"

// Kind distinguishes the two dispatch targets a model name may resolve to.
type Kind int

const (
	// Remote models are served by the batched streaming scheduler against
	// a hosted completion/chat API.
	Remote Kind = iota
	// Local models are served by an LMTP worker process.
	Local
)

// Target is what a model name resolves to: which kind of backend, and for
// Local models, which worker id hosts it.
type Target struct {
	Kind     Kind
	WorkerID string // set only when Kind == Local
}

// Registry maps model names to dispatch targets, built once at startup
// from configuration (remote models list their name directly; local
// models are discovered from the LMTP worker pool's configured models).
type Registry struct {
	targets map[string]Target
}

// NewRegistry builds a Registry from the remote model names known to the
// scheduler's provider configuration and the local models each LMTP
// worker announces.
func NewRegistry(remoteModels []string, localModelToWorker map[string]string) *Registry {
	r := &Registry{targets: make(map[string]Target)}
	for _, m := range remoteModels {
		r.targets[m] = Target{Kind: Remote}
	}
	for model, workerID := range localModelToWorker {
		r.targets[model] = Target{Kind: Local, WorkerID: workerID}
	}
	return r
}

// Resolve looks up the dispatch target for model.
func (r *Registry) Resolve(model string) (Target, error) {
	t, ok := r.targets[model]
	if !ok {
		return Target{}, fmt.Errorf("provider: unknown model %q", model)
	}
	return t, nil
}
