package registry

import "time"

// GetCopilotModels returns the static fallback catalogue used when a
// Copilot account's own /models listing is unavailable, or to enrich that
// listing with context-window metadata it omits.
func GetCopilotModels() []*ModelInfo {
	now := time.Now().Unix()
	baseParams := []string{"temperature", "top_p", "max_tokens", "stream", "tools", "parallel_tool_calls"}

	return []*ModelInfo{
		{
			ID:                  "gpt-4o",
			Object:              "model",
			Created:             now,
			OwnedBy:             "github-copilot",
			Type:                "github-copilot",
			DisplayName:         "GPT-4o",
			Description:         "GPT-4o via GitHub Copilot",
			ContextLength:       128000,
			MaxCompletionTokens: 16384,
			SupportedParameters: baseParams,
		},
		{
			ID:                  "gpt-4.1",
			Object:              "model",
			Created:             now,
			OwnedBy:             "github-copilot",
			Type:                "github-copilot",
			DisplayName:         "GPT-4.1",
			Description:         "GPT-4.1 via GitHub Copilot",
			ContextLength:       128000,
			MaxCompletionTokens: 16384,
			SupportedParameters: baseParams,
		},
		{
			ID:                  "o3-mini",
			Object:              "model",
			Created:             now,
			OwnedBy:             "github-copilot",
			Type:                "github-copilot",
			DisplayName:         "o3-mini",
			Description:         "o3-mini via GitHub Copilot",
			ContextLength:       200000,
			MaxCompletionTokens: 100000,
			SupportedParameters: baseParams,
		},
	}
}

// GetGenericCompatModels returns the small catalogue of well-known
// OpenAI-compatible and Claude-compatible model ids used to enrich /models
// metadata for those two provider variants when the operator hasn't
// configured a narrower model_mapping.
func GetGenericCompatModels() []*ModelInfo {
	now := time.Now().Unix()
	return []*ModelInfo{
		{
			ID:                  "gpt-4o-mini",
			Object:              "model",
			Created:             now,
			OwnedBy:             "openai-compatible",
			Type:                "openai-compatible",
			DisplayName:         "GPT-4o mini",
			ContextLength:       128000,
			MaxCompletionTokens: 16384,
		},
		{
			ID:                  "claude-3-5-sonnet-20241022",
			Object:              "model",
			Created:             now,
			OwnedBy:             "anthropic-compatible",
			Type:                "anthropic-compatible",
			DisplayName:         "Claude 3.5 Sonnet",
			ContextLength:       200000,
			MaxCompletionTokens: 8192,
		},
		{
			ID:                  "claude-3-5-haiku-20241022",
			Object:              "model",
			Created:             now,
			OwnedBy:             "anthropic-compatible",
			Type:                "anthropic-compatible",
			DisplayName:         "Claude 3.5 Haiku",
			ContextLength:       200000,
			MaxCompletionTokens: 8192,
		},
	}
}
