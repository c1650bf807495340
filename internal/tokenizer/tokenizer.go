// Package tokenizer counts prompt tokens locally for pre-call estimates.
package tokenizer

import (
	"sync"
	"unicode/utf8"

	"github.com/pkoukk/tiktoken-go"
	"github.com/rs/zerolog"

	"github.com/vnmchuo/coin-advisor/internal/models"
)

// GenericEncoding is used for models without a local vocabulary and whenever
// a model-specific one cannot be loaded.
const GenericEncoding = "cl100k_base"

// Encoder is satisfied by *tiktoken.Tiktoken.
type Encoder interface {
	Encode(text string, allowedSpecial []string, disallowedSpecial []string) []int
}

type loadResult struct {
	enc Encoder
	err error
}

type Counter struct {
	forModel func(model string) (Encoder, error)
	byName   func(encoding string) (Encoder, error)
	log      zerolog.Logger

	mu       sync.Mutex
	encoders map[string]loadResult
}

func New(log zerolog.Logger) *Counter {
	return &Counter{
		forModel: func(model string) (Encoder, error) {
			return tiktoken.EncodingForModel(model)
		},
		byName: func(encoding string) (Encoder, error) {
			return tiktoken.GetEncoding(encoding)
		},
		log:      log,
		encoders: make(map[string]loadResult),
	}
}

// CountTokens never fails. It degrades from the model's own vocabulary to
// the generic one, and from there to a character heuristic.
func (c *Counter) CountTokens(model models.Model, text string) int {
	if text == "" {
		return 0
	}

	if model == models.OpenAIMini {
		if enc, err := c.load("model:"+string(model), func() (Encoder, error) {
			return c.forModel(string(model))
		}); err == nil {
			return encode(enc, text)
		}
	}

	enc, err := c.load("encoding:"+GenericEncoding, func() (Encoder, error) {
		return c.byName(GenericEncoding)
	})
	if err != nil {
		return heuristic(text)
	}
	return encode(enc, text)
}

// load memoizes both successes and failures so one process always counts
// the same text the same way.
func (c *Counter) load(key string, fn func() (Encoder, error)) (Encoder, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if r, ok := c.encoders[key]; ok {
		return r.enc, r.err
	}
	enc, err := fn()
	if err != nil {
		c.log.Warn().Err(err).Str("tokenizer", key).Msg("tokenizer unavailable, falling back")
	}
	c.encoders[key] = loadResult{enc: enc, err: err}
	return enc, err
}

func encode(enc Encoder, text string) int {
	// "all" keeps sequences like <|endoftext|> from panicking the encoder.
	return len(enc.Encode(text, []string{"all"}, nil))
}

func heuristic(text string) int {
	n := utf8.RuneCountInString(text) / 3
	if n < 1 {
		n = 1
	}
	return n
}
