package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/rs/zerolog/hlog"

	"github.com/vnmchuo/coin-advisor/internal/advisor"
	"github.com/vnmchuo/coin-advisor/internal/auth"
	"github.com/vnmchuo/coin-advisor/internal/ledger"
	"github.com/vnmchuo/coin-advisor/internal/models"
	"github.com/vnmchuo/coin-advisor/internal/pricing"
)

// Service is the orchestrator surface the handlers drive.
type Service interface {
	Login(ctx context.Context, c auth.Credentials) (string, float64, error)
	UserInfo(ctx context.Context, c auth.Credentials) (*ledger.User, error)
	Estimate(ctx context.Context, c auth.Credentials, coin models.Coin, model models.Model) (*advisor.Quote, error)
	Advise(ctx context.Context, c auth.Credentials, coin models.Coin, model models.Model) (*advisor.Advice, error)
	Usage(ctx context.Context, c auth.Credentials, from, to time.Time) (*advisor.Usage, error)
}

type Handler struct {
	svc     Service
	prices  pricing.Table
	catalog map[models.Model]string
}

// NewHandler takes the pricing table and the model to provider bindings for
// the /models catalog.
func NewHandler(svc Service, prices pricing.Table, catalog map[models.Model]string) *Handler {
	return &Handler{svc: svc, prices: prices, catalog: catalog}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, body := classify(err)
	if status >= http.StatusInternalServerError {
		hlog.FromRequest(r).Error().Err(err).Int("status", status).Msg("request failed")
	} else {
		hlog.FromRequest(r).Debug().Err(err).Int("status", status).Msg("request rejected")
	}
	writeJSON(w, status, body)
}

func credentials(r *http.Request) auth.Credentials {
	return auth.Credentials{
		Username: r.FormValue("username"),
		Password: r.FormValue("password"),
	}
}

// query parses coin and model before anything else is touched.
func query(r *http.Request) (models.Coin, models.Model, error) {
	q := r.URL.Query()
	coin, err := models.ParseCoin(q.Get("coin"))
	if err != nil {
		return "", "", err
	}
	model, err := models.ParseModel(q.Get("model"))
	if err != nil {
		return "", "", err
	}
	return coin, model, nil
}

func (h *Handler) HandleLogin(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{"invalid form body", "invalid_request"})
		return
	}
	username, balance, err := h.svc.Login(r.Context(), auth.Credentials{
		Username: r.PostFormValue("username"),
		Password: r.PostFormValue("password"),
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"username": username,
		"balance":  balance,
	})
}

func (h *Handler) HandleUser(w http.ResponseWriter, r *http.Request) {
	info, err := h.svc.UserInfo(r.Context(), credentials(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (h *Handler) HandleEstimate(w http.ResponseWriter, r *http.Request) {
	coin, model, err := query(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	q, err := h.svc.Estimate(r.Context(), credentials(r), coin, model)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, q)
}

func (h *Handler) HandleAdvice(w http.ResponseWriter, r *http.Request) {
	coin, model, err := query(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	advice, err := h.svc.Advise(r.Context(), credentials(r), coin, model)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, advice)
}

func (h *Handler) HandleUsage(w http.ResponseWriter, r *http.Request) {
	// Default: last 30 days
	now := time.Now().UTC()
	from := now.AddDate(0, 0, -30)
	to := now

	if s := r.URL.Query().Get("from"); s != "" {
		t, err := time.Parse(time.RFC3339, s)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, errorBody{"invalid 'from' date format (use RFC3339)", "invalid_request"})
			return
		}
		from = t
	}
	if s := r.URL.Query().Get("to"); s != "" {
		t, err := time.Parse(time.RFC3339, s)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, errorBody{"invalid 'to' date format (use RFC3339)", "invalid_request"})
			return
		}
		to = t
	}

	usage, err := h.svc.Usage(r.Context(), credentials(r), from, to)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"username":       usage.Username,
		"total_requests": usage.TotalRequests,
		"total_cost_usd": usage.TotalCostUSD,
		"charges":        usage.Charges,
		"from":           from,
		"to":             to,
	})
}

type modelInfo struct {
	Model      models.Model  `json:"model"`
	Name       string        `json:"name"`
	Provider   string        `json:"provider,omitempty"`
	Available  bool          `json:"available"`
	PricePer1K pricing.Price `json:"price_per_1k"`
}

func (h *Handler) HandleModels(w http.ResponseWriter, r *http.Request) {
	out := make([]modelInfo, 0, len(models.AllModels()))
	for _, m := range models.AllModels() {
		price, err := h.prices.PriceOf(m)
		if err != nil {
			continue
		}
		providerName, ok := h.catalog[m]
		out = append(out, modelInfo{
			Model:      m,
			Name:       m.Name(),
			Provider:   providerName,
			Available:  ok,
			PricePer1K: price,
		})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"models": out,
		"coins":  models.AllCoins(),
	})
}

func HandleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "service": "coin-advisor"})
}
