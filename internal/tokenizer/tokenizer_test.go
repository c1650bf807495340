package tokenizer

import (
	"errors"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"github.com/vnmchuo/coin-advisor/internal/models"
)

type fakeEncoder struct {
	perWord int
}

func (f *fakeEncoder) Encode(text string, allowedSpecial []string, disallowedSpecial []string) []int {
	return make([]int, len(strings.Fields(text))*f.perWord)
}

func newTestCounter(forModel, byName func(string) (Encoder, error)) *Counter {
	c := New(zerolog.Nop())
	c.forModel = forModel
	c.byName = byName
	return c
}

func TestCountTokens_ModelSpecific(t *testing.T) {
	var genericCalls int
	c := newTestCounter(
		func(string) (Encoder, error) { return &fakeEncoder{perWord: 2}, nil },
		func(string) (Encoder, error) { genericCalls++; return &fakeEncoder{perWord: 1}, nil },
	)

	if got := c.CountTokens(models.OpenAIMini, "one two three"); got != 6 {
		t.Errorf("Expected 6 tokens, got %d", got)
	}
	if genericCalls != 0 {
		t.Errorf("Generic encoding should not be loaded, loaded %d times", genericCalls)
	}
}

func TestCountTokens_GenericForGemini(t *testing.T) {
	var modelCalls int
	c := newTestCounter(
		func(string) (Encoder, error) { modelCalls++; return &fakeEncoder{perWord: 2}, nil },
		func(name string) (Encoder, error) {
			if name != GenericEncoding {
				t.Errorf("Expected %s, got %s", GenericEncoding, name)
			}
			return &fakeEncoder{perWord: 1}, nil
		},
	)

	if got := c.CountTokens(models.GeminiFlash, "one two three"); got != 3 {
		t.Errorf("Expected 3 tokens, got %d", got)
	}
	if modelCalls != 0 {
		t.Errorf("Model-specific encoder should not be used for gemini")
	}
}

func TestCountTokens_FallsBackToGeneric(t *testing.T) {
	c := newTestCounter(
		func(string) (Encoder, error) { return nil, errors.New("no vocabulary") },
		func(string) (Encoder, error) { return &fakeEncoder{perWord: 1}, nil },
	)

	if got := c.CountTokens(models.OpenAIMini, "a b c d"); got != 4 {
		t.Errorf("Expected generic count 4, got %d", got)
	}
}

func TestCountTokens_FallsBackToHeuristic(t *testing.T) {
	c := newTestCounter(
		func(string) (Encoder, error) { return nil, errors.New("offline") },
		func(string) (Encoder, error) { return nil, errors.New("offline") },
	)

	text := strings.Repeat("x", 30)
	if got := c.CountTokens(models.OpenAIMini, text); got != 10 {
		t.Errorf("Expected heuristic count 10, got %d", got)
	}
	if got := c.CountTokens(models.GeminiFlash, "hi"); got != 1 {
		t.Errorf("Expected minimum of 1 token, got %d", got)
	}
}

func TestCountTokens_Empty(t *testing.T) {
	c := newTestCounter(nil, nil)
	if got := c.CountTokens(models.OpenAIMini, ""); got != 0 {
		t.Errorf("Expected 0 tokens for empty text, got %d", got)
	}
}

func TestCountTokens_LoadsOnce(t *testing.T) {
	var loads int
	c := newTestCounter(
		func(string) (Encoder, error) { loads++; return nil, errors.New("offline") },
		func(string) (Encoder, error) { return &fakeEncoder{perWord: 1}, nil },
	)

	for i := 0; i < 5; i++ {
		c.CountTokens(models.OpenAIMini, "same text")
	}
	if loads != 1 {
		t.Errorf("Expected a single load attempt, got %d", loads)
	}
}
