// Package models holds the fixed catalog of coins and provider models the
// advisor accepts.
package models

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrUnknownModel = errors.New("unknown model")
	ErrUnknownCoin  = errors.New("unknown coin")
)

type Model string

const (
	GeminiFlash Model = "models/gemini-2.5-flash"
	OpenAIMini  Model = "gpt-4o-mini"
)

// Name returns the enumeration name clients may use instead of the wire value.
func (m Model) Name() string {
	switch m {
	case GeminiFlash:
		return "GEMINI_FLASH"
	case OpenAIMini:
		return "OPENAI_MINI"
	}
	return ""
}

func (m Model) String() string { return string(m) }

// AllModels returns the catalog in a stable order.
func AllModels() []Model {
	return []Model{GeminiFlash, OpenAIMini}
}

// ParseModel accepts either the enumeration name (OPENAI_MINI) or the
// provider identifier (gpt-4o-mini).
func ParseModel(s string) (Model, error) {
	s = strings.TrimSpace(s)
	for _, m := range AllModels() {
		if s == string(m) || strings.EqualFold(s, m.Name()) {
			return m, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownModel, s)
}

type Coin string

const (
	BTC Coin = "BTC"
	ETH Coin = "ETH"
	SOL Coin = "SOL"
)

func AllCoins() []Coin {
	return []Coin{BTC, ETH, SOL}
}

func ParseCoin(s string) (Coin, error) {
	c := Coin(strings.ToUpper(strings.TrimSpace(s)))
	for _, known := range AllCoins() {
		if c == known {
			return c, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownCoin, s)
}
