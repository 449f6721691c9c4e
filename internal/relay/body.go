package relay

import (
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidArgument indicates a relay request that cannot be forwarded.
var ErrInvalidArgument = errors.New("relay: invalid argument")

// credentialFields never leave the relay; the upstream only sees the server credential.
var credentialFields = []string{"api_key", "apiKey"}

// promptOverrideFields may be copied from a prompt request onto the chat body.
var promptOverrideFields = []string{"model", "temperature", "stream", "max_tokens", "top_p"}

// BuildUpstreamBody merges the client body with the configured defaults and
// reports whether the upstream response should be streamed. The client map is not modified.
func BuildUpstreamBody(clientBody map[string]any, cfg Config) (map[string]any, bool) {
	upstreamBody := make(map[string]any, len(clientBody)+3)
	for key, value := range clientBody {
		upstreamBody[key] = value
	}

	if model, ok := upstreamBody["model"].(string); !ok || strings.TrimSpace(model) == "" {
		upstreamBody["model"] = cfg.Model
	}
	if _, ok := upstreamBody["temperature"]; !ok {
		upstreamBody["temperature"] = cfg.Temperature
	}

	stream := cfg.DefaultStream
	if requested, ok := upstreamBody["stream"].(bool); ok {
		stream = requested
	}
	upstreamBody["stream"] = stream

	for _, field := range credentialFields {
		delete(upstreamBody, field)
	}

	return upstreamBody, stream
}

// BuildPromptBody expands {prompt, system?} plus whitelisted overrides into a
// chat-completions body. The system message, when present, precedes the user prompt.
func BuildPromptBody(input map[string]any) (map[string]any, error) {
	prompt, _ := input["prompt"].(string)
	if strings.TrimSpace(prompt) == "" {
		return nil, fmt.Errorf("%w: prompt is required", ErrInvalidArgument)
	}

	messages := make([]any, 0, 2)
	if system, ok := input["system"].(string); ok && strings.TrimSpace(system) != "" {
		messages = append(messages, map[string]any{"role": "system", "content": system})
	}
	messages = append(messages, map[string]any{"role": "user", "content": prompt})

	body := map[string]any{"messages": messages}
	for _, field := range promptOverrideFields {
		if value, ok := input[field]; ok && value != nil {
			body[field] = value
		}
	}
	return body, nil
}
