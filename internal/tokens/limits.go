package tokens

import "strings"

type ModelTokenLimits struct {
	ContextWindow     int `json:"contextWindow" yaml:"context_window"`
	MaxOutputTokens   int `json:"maxOutputTokens" yaml:"max_output_tokens"`
	AvailableForInput int `json:"availableForInput" yaml:"available_for_input"`
}

type LimitTable interface {
	Lookup(modelID string) ModelTokenLimits
}

// DefaultLimits is used for unknown models. It matches the smallest
// mainstream window in the table.
var DefaultLimits = ModelTokenLimits{ContextWindow: 8192, MaxOutputTokens: 2048, AvailableForInput: 6000}

var knownLimits = map[string]ModelTokenLimits{
	"gpt-4":             {ContextWindow: 8192, MaxOutputTokens: 2048, AvailableForInput: 6000},
	"gpt-4-32k":         {ContextWindow: 32768, MaxOutputTokens: 4096, AvailableForInput: 28000},
	"gpt-4-turbo":       {ContextWindow: 128000, MaxOutputTokens: 4096, AvailableForInput: 120000},
	"gpt-4o":            {ContextWindow: 128000, MaxOutputTokens: 16384, AvailableForInput: 110000},
	"gpt-4o-mini":       {ContextWindow: 128000, MaxOutputTokens: 16384, AvailableForInput: 110000},
	"gpt-4.1":           {ContextWindow: 1047576, MaxOutputTokens: 32768, AvailableForInput: 1000000},
	"gpt-3.5-turbo":     {ContextWindow: 16385, MaxOutputTokens: 4096, AvailableForInput: 12000},
	"o1":                {ContextWindow: 200000, MaxOutputTokens: 100000, AvailableForInput: 95000},
	"o3-mini":           {ContextWindow: 200000, MaxOutputTokens: 100000, AvailableForInput: 95000},
	"claude-3-5-sonnet": {ContextWindow: 200000, MaxOutputTokens: 8192, AvailableForInput: 190000},
	"claude-3-5-haiku":  {ContextWindow: 200000, MaxOutputTokens: 8192, AvailableForInput: 190000},
	"claude-3-opus":     {ContextWindow: 200000, MaxOutputTokens: 4096, AvailableForInput: 190000},
	"claude-sonnet-4":   {ContextWindow: 200000, MaxOutputTokens: 64000, AvailableForInput: 130000},
	"gemini-1.5-pro":    {ContextWindow: 2097152, MaxOutputTokens: 8192, AvailableForInput: 2000000},
	"gemini-2.0-flash":  {ContextWindow: 1048576, MaxOutputTokens: 8192, AvailableForInput: 1000000},
	"llama3":            {ContextWindow: 8192, MaxOutputTokens: 2048, AvailableForInput: 6000},
}

// StaticLimits resolves a model id to the entry with the longest matching
// prefix, so dated ids like "gpt-4o-2024-08-06" find "gpt-4o".
type StaticLimits struct {
	Models   map[string]ModelTokenLimits
	Fallback ModelTokenLimits
}

func DefaultTable() *StaticLimits {
	models := make(map[string]ModelTokenLimits, len(knownLimits))
	for k, v := range knownLimits {
		models[k] = v
	}
	return &StaticLimits{Models: models, Fallback: DefaultLimits}
}

func (s *StaticLimits) Lookup(modelID string) ModelTokenLimits {
	id := strings.ToLower(strings.TrimSpace(modelID))
	if l, ok := s.Models[id]; ok {
		return l
	}

	best, bestLen := s.Fallback, 0
	for prefix, l := range s.Models {
		if len(prefix) > bestLen && strings.HasPrefix(id, prefix) {
			best, bestLen = l, len(prefix)
		}
	}
	if bestLen == 0 && best.AvailableForInput <= 0 {
		return DefaultLimits
	}
	return best
}
