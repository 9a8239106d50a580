// Package providerstream implements the Provider Stream Driver (spec §4.4):
// it turns a batch.Descriptor into one HTTP request against a remote
// completion or chat endpoint and streams Server-Sent Events chunks into a
// response.Demultiplexer.
package providerstream

import (
	"fmt"
	"os"

	"github.com/lmql-rt/corert/internal/apitypes"
)

// Endpoint is a fully resolved HTTP target plus the headers required to
// authenticate against it.
type Endpoint struct {
	URL     string
	Headers map[string]string
}

// ResolveEndpoint picks among azure, custom, and public dispatch per spec
// §4.9, falling back from explicit ApiConfig fields to environment
// variables to hardcoded defaults, mirroring get_endpoint_and_headers.
func ResolveEndpoint(cfg *apitypes.ApiConfig, chat bool) (Endpoint, error) {
	if cfg == nil {
		cfg = &apitypes.ApiConfig{}
	}

	apiType := firstNonEmpty(cfg.APIType, os.Getenv("OPENAI_API_TYPE"))
	if apiType == "azure" || apiType == "azure-chat" {
		return resolveAzure(cfg, chat)
	}
	if cfg.Endpoint != "" {
		return Endpoint{URL: cfg.Endpoint, Headers: authHeaders(cfg)}, nil
	}
	return resolvePublic(cfg, chat)
}

func resolveAzure(cfg *apitypes.ApiConfig, chat bool) (Endpoint, error) {
	base := firstNonEmpty(cfg.APIBase, os.Getenv("OPENAI_API_BASE"))
	deployment := firstNonEmpty(cfg.Deployment, os.Getenv("OPENAI_DEPLOYMENT"))
	version := firstNonEmpty(cfg.APIVersion, os.Getenv("OPENAI_API_VERSION"), "2023-05-15")
	if base == "" || deployment == "" {
		return Endpoint{}, fmt.Errorf("providerstream: azure endpoint requires api_base and deployment")
	}
	path := "completions"
	if chat {
		path = "chat/completions"
	}
	url := fmt.Sprintf("%s/openai/deployments/%s/%s?api-version=%s", base, deployment, path, version)

	key := firstNonEmpty(cfg.APIKey, deploymentEnvKey(deployment), os.Getenv("OPENAI_API_KEY"))
	return Endpoint{URL: url, Headers: map[string]string{"api-key": key}}, nil
}

func resolvePublic(cfg *apitypes.ApiConfig, chat bool) (Endpoint, error) {
	base := "https://api.openai.com/v1"
	path := "completions"
	if chat {
		path = "chat/completions"
	}
	return Endpoint{URL: base + "/" + path, Headers: authHeaders(cfg)}, nil
}

func authHeaders(cfg *apitypes.ApiConfig) map[string]string {
	key := firstNonEmpty(cfg.APIKey, os.Getenv("OPENAI_API_KEY"))
	headers := map[string]string{"Authorization": "Bearer " + key}
	if org := firstNonEmpty(cfg.Organization, os.Getenv("OPENAI_ORGANIZATION")); org != "" {
		headers["OpenAI-Organization"] = org
	}
	return headers
}

// deploymentEnvKey looks up a per-deployment API key override, e.g.
// OPENAI_API_KEY_MY_DEPLOYMENT, matching the original's deployment-
// specific key fallback.
func deploymentEnvKey(deployment string) string {
	if deployment == "" {
		return ""
	}
	return os.Getenv("OPENAI_API_KEY_" + envSafe(deployment))
}

func envSafe(s string) string {
	out := make([]byte, len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'a' && c <= 'z':
			out[i] = c - 32
		case c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
			out[i] = c
		default:
			out[i] = '_'
		}
	}
	return string(out)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
