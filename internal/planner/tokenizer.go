package planner

import (
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/pkoukk/tiktoken-go"
	"go.uber.org/zap"
)

// Tokenizer counts prompt tokens for the context budget.
type Tokenizer interface {
	Count(text string) int
}

// EncodingForModel picks the tiktoken encoding used to budget prompts for a
// model. Unknown models use cl100k_base, which is close enough for Gemini.
func EncodingForModel(model string) string {
	m := strings.ToLower(model)
	switch {
	case strings.HasPrefix(m, "gpt-4o"), strings.HasPrefix(m, "gpt-4.1"), strings.HasPrefix(m, "o1"),
		strings.HasPrefix(m, "o3"), strings.HasPrefix(m, "o4"):
		return "o200k_base"
	default:
		return "cl100k_base"
	}
}

// EstimateTokenizer approximates one token per four runes.
type EstimateTokenizer struct{}

// Count implements Tokenizer.
func (EstimateTokenizer) Count(text string) int {
	n := utf8.RuneCountInString(text)
	return (n + 3) / 4
}

// tiktokenCounter loads its encoding lazily, since the first load may need
// to fetch the BPE ranks. If loading fails it degrades to the estimator.
type tiktokenCounter struct {
	encoding string
	logger   *zap.Logger

	once     sync.Once
	enc      *tiktoken.Tiktoken
	fallback EstimateTokenizer
}

// NewTiktoken returns a Tokenizer backed by the named tiktoken encoding.
func NewTiktoken(logger *zap.Logger, encoding string) Tokenizer {
	if encoding == "" {
		encoding = "cl100k_base"
	}
	return &tiktokenCounter{encoding: encoding, logger: logger}
}

func (t *tiktokenCounter) load() {
	enc, err := tiktoken.GetEncoding(t.encoding)
	if err != nil {
		t.logger.Warn("Failed to load token encoding, falling back to estimate.",
			zap.String("encoding", t.encoding), zap.Error(err))
		return
	}
	t.enc = enc
}

// Count implements Tokenizer.
func (t *tiktokenCounter) Count(text string) int {
	t.once.Do(t.load)
	if t.enc == nil {
		return t.fallback.Count(text)
	}
	return len(t.enc.Encode(text, nil, nil))
}
