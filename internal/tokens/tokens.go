package tokens

import (
	"errors"
	"fmt"
	"sync"
	"unicode/utf8"

	"github.com/pkoukk/tiktoken-go"
	tiktoken_loader "github.com/pkoukk/tiktoken-go-loader"
)

const DefaultEncoding = "cl100k_base"

var ErrInvalidDecode = errors.New("token slice does not decode to valid text")

// Tokenizer is a deterministic text ↔ token mapping.
type Tokenizer interface {
	Encode(text string) []int
	Decode(tokens []int) (string, error)
}

func Count(t Tokenizer, text string) int {
	if text == "" {
		return 0
	}
	return len(t.Encode(text))
}

var loaderOnce sync.Once

// Tiktoken wraps a BPE encoding loaded from the embedded offline ranks, so
// no network access is needed.
type Tiktoken struct {
	mu  sync.Mutex
	enc *tiktoken.Tiktoken
}

func NewTiktoken(encoding string) (*Tiktoken, error) {
	if encoding == "" {
		encoding = DefaultEncoding
	}
	loaderOnce.Do(func() {
		tiktoken.SetBpeLoader(tiktoken_loader.NewOfflineLoader())
	})

	enc, err := tiktoken.GetEncoding(encoding)
	if err != nil {
		return nil, fmt.Errorf("load encoding %s: %w", encoding, err)
	}
	return &Tiktoken{enc: enc}, nil
}

func (t *Tiktoken) Encode(text string) []int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.enc.Encode(text, nil, nil)
}

// Decode fails when the slice ends inside a multi-byte character.
func (t *Tiktoken) Decode(tokens []int) (string, error) {
	t.mu.Lock()
	text := t.enc.Decode(tokens)
	t.mu.Unlock()
	if !utf8.ValidString(text) {
		return "", ErrInvalidDecode
	}
	return text, nil
}
