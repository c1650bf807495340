// Package advisor composes authentication, tokenization, pricing, the LLM
// gateway and the ledger into the estimate and advice flows.
package advisor

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/vnmchuo/coin-advisor/internal/auth"
	"github.com/vnmchuo/coin-advisor/internal/billing"
	"github.com/vnmchuo/coin-advisor/internal/gateway"
	"github.com/vnmchuo/coin-advisor/internal/ledger"
	"github.com/vnmchuo/coin-advisor/internal/metrics"
	"github.com/vnmchuo/coin-advisor/internal/models"
	"github.com/vnmchuo/coin-advisor/internal/pricing"
)

const promptTemplate = "Give a short, practical trading tip for %s for today. Max 3 sentences. No price guarantees; focus on risk management."

// DefaultExpectedOutputTokens is the reply length assumed by estimates.
const DefaultExpectedOutputTokens = 90

func BuildPrompt(coin models.Coin) string {
	return fmt.Sprintf(promptTemplate, coin)
}

var ErrInvalidPolicy = errors.New("invalid missing usage policy")

// UsagePolicy decides how a reply without usage metadata is priced.
type UsagePolicy string

const (
	// UsageFree prices the reply at zero.
	UsageFree UsagePolicy = "free"
	// UsageEstimate prices the reply from local token counts of prompt and reply.
	UsageEstimate UsagePolicy = "estimate"
)

func ParseUsagePolicy(s string) (UsagePolicy, error) {
	switch p := UsagePolicy(strings.ToLower(strings.TrimSpace(s))); p {
	case "":
		return UsageFree, nil
	case UsageFree, UsageEstimate:
		return p, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidPolicy, s)
	}
}

type Generator interface {
	Generate(ctx context.Context, model models.Model, prompt, requestID string) (*gateway.Generation, error)
}

type TokenCounter interface {
	CountTokens(model models.Model, text string) int
}

type Authenticator interface {
	Authenticate(c auth.Credentials) (string, error)
}

type ChargeRecorder interface {
	Enqueue(ctx context.Context, c *billing.Charge) error
}

type Config struct {
	ExpectedOutputTokens int
	MissingUsage         UsagePolicy
}

type Tokens struct {
	In    int `json:"in"`
	Out   int `json:"out"`
	Total int `json:"total"`
}

type Quote struct {
	Coin                models.Coin  `json:"coin"`
	Model               models.Model `json:"model"`
	EstimatedTokens     Tokens       `json:"estimated_tokens"`
	EstimatedCostUSD    float64      `json:"estimated_cost_usd"`
	UserBalanceUSD      float64      `json:"user_balance_usd"`
	PredictedBalanceUSD float64      `json:"predicted_balance_usd"`
}

type Advice struct {
	Reply            string        `json:"reply"`
	Coin             models.Coin   `json:"coin"`
	Model            models.Model  `json:"model"`
	Provider         string        `json:"provider"`
	PricePer1K       pricing.Price `json:"price_per_1k"`
	UsageTokens      Tokens        `json:"usage_tokens"`
	UsageReported    bool          `json:"usage_reported"`
	EstimatedCostUSD float64       `json:"estimated_cost_usd"`
	UserBalanceUSD   float64       `json:"user_balance_usd"`
	DeductedUSD      float64       `json:"deducted_usd"`
}

// Deps are the collaborators an Advisor composes. Charges and Recorder may
// be nil, in which case charges are neither recorded nor reported.
type Deps struct {
	Auth     Authenticator
	Gateway  Generator
	Counter  TokenCounter
	Prices   pricing.Table
	Ledger   ledger.Store
	Charges  billing.Store
	Recorder ChargeRecorder
	Tracer   trace.Tracer
	Log      zerolog.Logger
}

type Advisor struct {
	auth     Authenticator
	gen      Generator
	counter  TokenCounter
	prices   pricing.Table
	ledger   ledger.Store
	charges  billing.Store
	recorder ChargeRecorder
	cfg      Config
	tracer   trace.Tracer
	log      zerolog.Logger
}

func New(d Deps, cfg Config) *Advisor {
	if cfg.ExpectedOutputTokens <= 0 {
		cfg.ExpectedOutputTokens = DefaultExpectedOutputTokens
	}
	if cfg.MissingUsage == "" {
		cfg.MissingUsage = UsageFree
	}
	tracer := d.Tracer
	if tracer == nil {
		tracer = noop.NewTracerProvider().Tracer("advisor")
	}
	return &Advisor{
		auth:     d.Auth,
		gen:      d.Gateway,
		counter:  d.Counter,
		prices:   d.Prices,
		ledger:   d.Ledger,
		charges:  d.Charges,
		recorder: d.Recorder,
		cfg:      cfg,
		tracer:   tracer,
		log:      d.Log,
	}
}

// Authenticate exposes the credential check for endpoints that only read.
func (a *Advisor) Authenticate(c auth.Credentials) (string, error) {
	return a.auth.Authenticate(c)
}

// Login checks credentials and reports the current balance.
func (a *Advisor) Login(ctx context.Context, c auth.Credentials) (string, float64, error) {
	username, err := a.auth.Authenticate(c)
	if err != nil {
		return "", 0, err
	}
	balance, err := a.ledger.GetBalance(ctx, username)
	if err != nil {
		return "", 0, err
	}
	return username, pricing.Round6(balance), nil
}

func (a *Advisor) UserInfo(ctx context.Context, c auth.Credentials) (*ledger.User, error) {
	username, err := a.auth.Authenticate(c)
	if err != nil {
		return nil, err
	}
	return a.ledger.GetUserInfo(ctx, username)
}

// quote prices the prompt plus the expected reply length from local token
// counts. The returned cost is unrounded.
func (a *Advisor) quote(model models.Model, prompt string) (Tokens, pricing.Price, float64, error) {
	price, err := a.prices.PriceOf(model)
	if err != nil {
		return Tokens{}, pricing.Price{}, 0, err
	}
	in := a.counter.CountTokens(model, prompt)
	out := a.cfg.ExpectedOutputTokens
	cost, err := pricing.Cost(in, out, price)
	if err != nil {
		return Tokens{}, pricing.Price{}, 0, err
	}
	return Tokens{In: in, Out: out, Total: in + out}, price, cost, nil
}

// Estimate never calls a provider and never mutates the ledger.
func (a *Advisor) Estimate(ctx context.Context, c auth.Credentials, coin models.Coin, model models.Model) (*Quote, error) {
	username, err := a.auth.Authenticate(c)
	if err != nil {
		return nil, err
	}
	ctx = auth.WithUsername(ctx, username)

	ctx, span := a.tracer.Start(ctx, "advisor.estimate")
	defer span.End()
	span.SetAttributes(
		attribute.String("username", username),
		attribute.String("coin", string(coin)),
		attribute.String("model", string(model)),
	)

	tokens, _, cost, err := a.quote(model, BuildPrompt(coin))
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	balance, err := a.ledger.GetBalance(ctx, username)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	metrics.EstimatesTotal.WithLabelValues(string(model)).Inc()

	return &Quote{
		Coin:                coin,
		Model:               model,
		EstimatedTokens:     tokens,
		EstimatedCostUSD:    pricing.Round6(cost),
		UserBalanceUSD:      pricing.Round6(balance),
		PredictedBalanceUSD: pricing.Round6(math.Max(balance-cost, 0)),
	}, nil
}

// Advise generates a tip and charges the user for it. Nothing is deducted
// unless the gateway returned a non-empty reply. The reply is withheld when
// the deduction fails.
func (a *Advisor) Advise(ctx context.Context, c auth.Credentials, coin models.Coin, model models.Model) (*Advice, error) {
	username, err := a.auth.Authenticate(c)
	if err != nil {
		return nil, err
	}
	ctx = auth.WithUsername(ctx, username)
	price, err := a.prices.PriceOf(model)
	if err != nil {
		return nil, err
	}

	requestID := auth.GetRequestID(ctx)
	ctx, span := a.tracer.Start(ctx, "advisor.advise")
	defer span.End()
	span.SetAttributes(
		attribute.String("username", username),
		attribute.String("request_id", requestID),
		attribute.String("coin", string(coin)),
		attribute.String("model", string(model)),
	)

	prompt := BuildPrompt(coin)
	_, _, estimated, err := a.quote(model, prompt)
	if err != nil {
		return nil, err
	}

	gen, err := a.gen.Generate(ctx, model, prompt, requestID)
	if err != nil {
		metrics.LLMCallTotal.WithLabelValues(providerOf(err), string(model), "error").Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	metrics.LLMCallTotal.WithLabelValues(gen.Provider, string(model), "ok").Inc()
	if gen.LatencyMs > 0 {
		metrics.LLMCallDuration.WithLabelValues(gen.Provider, string(model)).Observe(float64(gen.LatencyMs) / 1000)
	}

	usage := a.usageOf(gen, prompt)
	metrics.LLMTokensUsed.WithLabelValues(gen.Provider, string(model), "input").Add(float64(usage.In))
	metrics.LLMTokensUsed.WithLabelValues(gen.Provider, string(model), "output").Add(float64(usage.Out))

	cost, err := pricing.Cost(usage.In, usage.Out, price)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.Float64("cost_usd", cost))

	newBalance, err := a.ledger.Deduct(ctx, username, cost)
	if err != nil {
		status := "error"
		if errors.Is(err, ledger.ErrInsufficientFunds) {
			status = "insufficient_funds"
			a.log.Warn().Str("username", username).Str("request_id", requestID).
				Float64("cost_usd", cost).Msg("reply withheld: insufficient funds")
		} else {
			a.log.Error().Err(err).Str("username", username).Str("request_id", requestID).Msg("deduction failed")
		}
		metrics.DeductionsTotal.WithLabelValues(status).Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	metrics.DeductionsTotal.WithLabelValues("ok").Inc()
	metrics.DeductedUSD.Add(cost)

	a.record(ctx, &billing.Charge{
		Username:         username,
		RequestID:        requestID,
		Coin:             string(coin),
		Model:            string(model),
		Provider:         gen.Provider,
		InputTokens:      usage.In,
		OutputTokens:     usage.Out,
		TotalTokens:      usage.Total,
		EstimatedCostUSD: pricing.Round6(estimated),
		ActualCostUSD:    pricing.Round6(cost),
		BalanceAfterUSD:  newBalance,
	})

	a.log.Info().
		Str("username", username).
		Str("request_id", requestID).
		Str("provider", gen.Provider).
		Str("model", string(model)).
		Int("input_tokens", usage.In).
		Int("output_tokens", usage.Out).
		Float64("cost_usd", pricing.Round6(cost)).
		Float64("balance_usd", newBalance).
		Msg("advice charged")

	return &Advice{
		Reply:            gen.Text,
		Coin:             coin,
		Model:            model,
		Provider:         gen.Provider,
		PricePer1K:       price,
		UsageTokens:      usage,
		UsageReported:    gen.Usage.Reported,
		EstimatedCostUSD: pricing.Round6(cost),
		UserBalanceUSD:   newBalance,
		DeductedUSD:      pricing.Round6(cost),
	}, nil
}

// usageOf applies the missing usage policy to replies without metadata.
func (a *Advisor) usageOf(gen *gateway.Generation, prompt string) Tokens {
	if gen.Usage.Reported {
		return Tokens{In: gen.Usage.InputTokens, Out: gen.Usage.OutputTokens, Total: gen.Usage.TotalTokens}
	}
	metrics.LLMUsageMissing.WithLabelValues(gen.Provider, string(gen.Model)).Inc()
	if a.cfg.MissingUsage != UsageEstimate {
		return Tokens{}
	}
	in := a.counter.CountTokens(gen.Model, prompt)
	out := a.counter.CountTokens(gen.Model, gen.Text)
	return Tokens{In: in, Out: out, Total: in + out}
}

func (a *Advisor) record(ctx context.Context, c *billing.Charge) {
	if a.recorder == nil {
		return
	}
	if err := a.recorder.Enqueue(ctx, c); err != nil {
		a.log.Error().Err(err).Str("username", c.Username).Str("request_id", c.RequestID).Msg("charge not recorded")
	}
}

// Usage summarizes recorded charges for a user within [from, to].
type Usage struct {
	Username      string            `json:"username"`
	TotalRequests int               `json:"total_requests"`
	TotalCostUSD  float64           `json:"total_cost_usd"`
	Charges       []*billing.Charge `json:"charges"`
}

var ErrUsageUnavailable = errors.New("usage history unavailable")

func (a *Advisor) Usage(ctx context.Context, c auth.Credentials, from, to time.Time) (*Usage, error) {
	username, err := a.auth.Authenticate(c)
	if err != nil {
		return nil, err
	}
	if a.charges == nil {
		return nil, ErrUsageUnavailable
	}

	charges, err := a.charges.ListCharges(ctx, username, from, to)
	if err != nil {
		return nil, err
	}
	if charges == nil {
		charges = []*billing.Charge{}
	}
	return &Usage{
		Username:      username,
		TotalRequests: len(charges),
		TotalCostUSD:  billing.Total(charges),
		Charges:       charges,
	}, nil
}

func providerOf(err error) string {
	var gwErr *gateway.Error
	if errors.As(err, &gwErr) {
		return gwErr.Provider
	}
	return "unknown"
}
