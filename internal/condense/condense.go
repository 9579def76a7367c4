package condense

import (
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"knowledge_spider/internal/models"
	"knowledge_spider/internal/tokens"
)

const (
	kbTruncationMarker = "\n\n[Knowledge base content truncated to fit the model context window]"
	charsPerToken      = 4
	diffHeader         = "diff --git "
)

type Config struct {
	PerMessageOverhead int
	KBFloor            int
	DiffReserve        int
}

func DefaultConfig() Config {
	return Config{PerMessageOverhead: 4, KBFloor: 1000, DiffReserve: 100}
}

// Manager fits prompts into a model's input budget. It holds no mutable
// state and is safe for concurrent use if its Tokenizer is.
type Manager struct {
	tok    tokens.Tokenizer
	limits tokens.LimitTable
	cfg    Config
	logger *zap.Logger
}

func NewManager(tok tokens.Tokenizer, limits tokens.LimitTable, cfg Config, logger *zap.Logger) *Manager {
	if limits == nil {
		limits = tokens.DefaultTable()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{tok: tok, limits: limits, cfg: cfg, logger: logger}
}

// promptState is what every strategy consumes and produces.
type promptState struct {
	SystemPrompt string
	UserPrompt   string
	Tokens       int
}

type inputs struct {
	kbContent string
	diffText  string
	available int
}

type strategy struct {
	name  models.CondenseStrategy
	apply func(m *Manager, st promptState, in inputs) (promptState, bool)
}

// pipeline runs in order; a strategy is skipped once the prompt fits.
var pipeline = []strategy{
	{name: models.StrategyReduceKB, apply: (*Manager).reduceKB},
	{name: models.StrategyTruncateDiff, apply: (*Manager).truncateDiff},
}

// CondenseContext shrinks the prompts until they fit modelID's input
// budget or no strategy helps. kbContent and diffText are the raw
// excerpts embedded in systemPrompt and userPrompt; empty means absent.
func (m *Manager) CondenseContext(modelID, systemPrompt, userPrompt, kbContent, diffText string) models.CondenseResult {
	available := m.limits.Lookup(modelID).AvailableForInput
	original := m.total(systemPrompt, userPrompt)

	result := models.CondenseResult{
		Strategy:       models.StrategyNone,
		OriginalTokens: original,
		FinalTokens:    original,
		SystemPrompt:   systemPrompt,
		UserPrompt:     userPrompt,
		Warnings:       []string{},
	}
	if original <= available {
		return result
	}

	st := promptState{SystemPrompt: systemPrompt, UserPrompt: userPrompt, Tokens: original}
	in := inputs{kbContent: kbContent, diffText: diffText, available: available}

	var applied []models.CondenseStrategy
	for _, s := range pipeline {
		if st.Tokens <= available {
			break
		}
		next, ok := s.apply(m, st, in)
		if !ok || next.Tokens >= st.Tokens {
			continue
		}
		st = next
		applied = append(applied, s.name)
	}

	switch len(applied) {
	case 0:
	case 1:
		result.Strategy = applied[0]
	default:
		result.Strategy = models.StrategyBoth
	}
	result.Condensed = len(applied) > 0
	result.SystemPrompt = st.SystemPrompt
	result.UserPrompt = st.UserPrompt
	result.FinalTokens = st.Tokens

	if st.Tokens > available {
		overflow := st.Tokens - available
		result.Warnings = append(result.Warnings, fmt.Sprintf(
			"context exceeds the %d-token input budget of %s by %d tokens after condensing", available, modelID, overflow))
		m.logger.Warn("context still over budget",
			zap.String("model", modelID),
			zap.Int("overflow", overflow),
			zap.String("strategy", string(result.Strategy)))
	}
	return result
}

func (m *Manager) count(text string) int {
	return tokens.Count(m.tok, text)
}

// total charges each present message its tokens plus the framing overhead.
func (m *Manager) total(systemPrompt, userPrompt string) int {
	n := 0
	for _, msg := range []string{systemPrompt, userPrompt} {
		if msg == "" {
			continue
		}
		n += m.count(msg) + m.cfg.PerMessageOverhead
	}
	return n
}

func (m *Manager) reduceKB(st promptState, in inputs) (promptState, bool) {
	if in.kbContent == "" || !strings.Contains(st.SystemPrompt, in.kbContent) {
		return st, false
	}
	if m.count(st.SystemPrompt) <= m.cfg.KBFloor {
		return st, false
	}

	kbTokens := m.tok.Encode(in.kbContent)
	overflow := st.Tokens - in.available
	target := max(m.cfg.KBFloor, len(kbTokens)-overflow-m.count(kbTruncationMarker))
	if target >= len(kbTokens) {
		return st, false
	}

	reduced := m.truncate(in.kbContent, kbTokens, target) + kbTruncationMarker
	system := strings.Replace(st.SystemPrompt, in.kbContent, reduced, 1)
	return promptState{
		SystemPrompt: system,
		UserPrompt:   st.UserPrompt,
		Tokens:       m.total(system, st.UserPrompt),
	}, true
}

func (m *Manager) truncateDiff(st promptState, in inputs) (promptState, bool) {
	if in.diffText == "" || !strings.Contains(st.UserPrompt, in.diffText) {
		return st, false
	}

	overflow := st.Tokens - in.available
	budget := max(0, m.count(in.diffText)-overflow-m.cfg.DiffReserve)

	segments := splitDiff(in.diffText)
	var kept strings.Builder
	used, keptCount := 0, 0
	for _, seg := range segments {
		n := m.count(seg)
		if used+n > budget {
			break
		}
		kept.WriteString(seg)
		used += n
		keptCount++
	}
	omitted := len(segments) - keptCount
	if keptCount == 0 {
		if head := m.truncate(segments[0], m.tok.Encode(segments[0]), budget); head != "" {
			kept.WriteString(head)
			omitted--
		}
	}

	notice := fmt.Sprintf("\n\n[Diff truncated to fit the model context window: %d of %d files omitted]", omitted, len(segments))
	user := strings.Replace(st.UserPrompt, in.diffText, kept.String()+notice, 1)
	return promptState{
		SystemPrompt: st.SystemPrompt,
		UserPrompt:   user,
		Tokens:       m.total(st.SystemPrompt, user),
	}, true
}

// maxDecodeBackoff covers a character split across up to four byte tokens.
const maxDecodeBackoff = 3

// truncate keeps at most the first n tokens of text, backing off a few
// tokens when the cut lands inside a multi-byte character. Any other
// decode failure falls back to a character estimate of n*charsPerToken
// runes, capped at the text's own runes-per-token ratio so the result is
// always shorter than text.
func (m *Manager) truncate(text string, toks []int, n int) string {
	if n <= 0 {
		return ""
	}
	if n >= len(toks) {
		return text
	}
	for k := n; k > 0 && k >= n-maxDecodeBackoff; k-- {
		out, err := m.tok.Decode(toks[:k])
		if err == nil {
			return out
		}
		if !errors.Is(err, tokens.ErrInvalidDecode) {
			m.logger.Debug("token decode failed, using character estimate", zap.Error(err))
			break
		}
	}

	runes := []rune(text)
	limit := n * charsPerToken
	if share := len(runes) * n / len(toks); share < limit {
		limit = share
	}
	return string(runes[:limit])
}

// splitDiff cuts a unified diff into per-file segments at "diff --git "
// line starts. Text before the first header stays with the first segment.
func splitDiff(diff string) []string {
	var starts []int
	for i := 0; i < len(diff); {
		j := strings.Index(diff[i:], diffHeader)
		if j < 0 {
			break
		}
		pos := i + j
		if pos == 0 || diff[pos-1] == '\n' {
			starts = append(starts, pos)
		}
		i = pos + len(diffHeader)
	}

	if len(starts) <= 1 {
		return []string{diff}
	}

	segments := make([]string, 0, len(starts))
	for k := 1; k < len(starts); k++ {
		from := starts[k-1]
		if k == 1 {
			from = 0
		}
		segments = append(segments, diff[from:starts[k]])
	}
	return append(segments, diff[starts[len(starts)-1]:])
}
