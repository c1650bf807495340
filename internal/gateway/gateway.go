// Package gateway dispatches a prompt to the provider bound to a model and
// normalizes the outcome into one reply/usage contract.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/vnmchuo/coin-advisor/internal/auth"
	"github.com/vnmchuo/coin-advisor/internal/models"
	"github.com/vnmchuo/coin-advisor/internal/provider"
)

var (
	ErrEmptyReply = errors.New("provider returned an empty reply")
	ErrTimeout    = errors.New("provider call timed out")
)

// Error is a transport, authentication or provider-side failure. Message is
// the provider's own explanation when one was available.
type Error struct {
	Provider string
	Message  string
	Err      error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Provider, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

type Generation struct {
	Text      string
	Usage     provider.Usage
	Model     models.Model
	Provider  string
	LatencyMs int64
}

type Gateway struct {
	bindings map[models.Model]provider.Provider
	breakers map[string]*gobreaker.CircuitBreaker
	timeout  time.Duration
	tracer   trace.Tracer
	log      zerolog.Logger
}

// New binds every catalog model a provider supports to that provider. The
// first provider claiming a model wins.
func New(providers []provider.Provider, timeout time.Duration, tracer trace.Tracer, log zerolog.Logger) *Gateway {
	bindings := make(map[models.Model]provider.Provider)
	breakers := make(map[string]*gobreaker.CircuitBreaker)
	for _, p := range providers {
		for _, id := range p.SupportedModels() {
			m, err := models.ParseModel(id)
			if err != nil {
				log.Warn().Str("provider", p.Name()).Str("model", id).Msg("ignoring model outside the catalog")
				continue
			}
			if _, taken := bindings[m]; !taken {
				bindings[m] = p
			}
		}
		settings := gobreaker.Settings{
			Name:        p.Name(),
			MaxRequests: 3,
			Interval:    5 * time.Second,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 3
			},
			// A caller hanging up says nothing about the provider's health.
			IsSuccessful: func(err error) bool {
				return err == nil || errors.Is(err, context.Canceled)
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				log.Warn().Str("provider", name).Str("from", from.String()).Str("to", to.String()).Msg("circuit breaker state changed")
			},
		}
		breakers[p.Name()] = gobreaker.NewCircuitBreaker(settings)
	}
	return &Gateway{
		bindings: bindings,
		breakers: breakers,
		timeout:  timeout,
		tracer:   tracer,
		log:      log,
	}
}

// Providers reports which provider serves each bound model.
func (g *Gateway) Providers() map[models.Model]string {
	out := make(map[models.Model]string, len(g.bindings))
	for m, p := range g.bindings {
		out[m] = p.Name()
	}
	return out
}

// Generate makes exactly one provider call. Failures are never retried: the
// provider bills per call.
func (g *Gateway) Generate(ctx context.Context, model models.Model, prompt, requestID string) (*Generation, error) {
	p, ok := g.bindings[model]
	if !ok {
		return nil, fmt.Errorf("%w: no provider bound to %q", models.ErrUnknownModel, model)
	}

	ctx, span := g.tracer.Start(ctx, "gateway.generate")
	defer span.End()
	span.SetAttributes(
		attribute.String("provider", p.Name()),
		attribute.String("model", string(model)),
		attribute.String("request_id", requestID),
	)

	if g.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}

	cb := g.breakers[p.Name()]
	result, err := cb.Execute(func() (interface{}, error) {
		resp, err := p.Generate(ctx, &provider.Request{
			Model:     string(model),
			Prompt:    prompt,
			RequestID: requestID,
		})
		if err != nil {
			return nil, err
		}
		if strings.TrimSpace(resp.Content) == "" {
			return nil, ErrEmptyReply
		}
		return resp, nil
	})
	if err != nil {
		err = classify(p.Name(), err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		g.log.Error().Err(err).
			Str("provider", p.Name()).
			Str("model", string(model)).
			Str("username", auth.GetUsername(ctx)).
			Str("request_id", requestID).
			Msg("generation failed")
		return nil, err
	}

	resp := result.(*provider.Response)
	span.SetAttributes(
		attribute.Int("usage.input_tokens", resp.Usage.InputTokens),
		attribute.Int("usage.output_tokens", resp.Usage.OutputTokens),
		attribute.Bool("usage.reported", resp.Usage.Reported),
	)
	if !resp.Usage.Reported {
		g.log.Warn().Str("provider", p.Name()).Str("model", string(model)).Str("username", auth.GetUsername(ctx)).Msg("provider reported no usage metadata")
	}

	return &Generation{
		Text:      strings.TrimSpace(resp.Content),
		Usage:     resp.Usage,
		Model:     model,
		Provider:  p.Name(),
		LatencyMs: resp.LatencyMs,
	}, nil
}

func classify(providerName string, err error) error {
	var apiErr *provider.APIError
	switch {
	case errors.Is(err, ErrEmptyReply):
		return fmt.Errorf("%s: %w", providerName, ErrEmptyReply)
	case errors.Is(err, context.DeadlineExceeded):
		return &Error{Provider: providerName, Message: "timed out waiting for provider", Err: ErrTimeout}
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		return &Error{Provider: providerName, Message: "provider temporarily unavailable", Err: err}
	case errors.As(err, &apiErr):
		return &Error{Provider: providerName, Message: apiErr.Message, Err: err}
	default:
		return &Error{Provider: providerName, Message: err.Error(), Err: err}
	}
}
