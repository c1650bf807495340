package httpapi

import (
	"errors"
	"net/http"

	"github.com/vnmchuo/coin-advisor/internal/advisor"
	"github.com/vnmchuo/coin-advisor/internal/auth"
	"github.com/vnmchuo/coin-advisor/internal/gateway"
	"github.com/vnmchuo/coin-advisor/internal/ledger"
	"github.com/vnmchuo/coin-advisor/internal/models"
	"github.com/vnmchuo/coin-advisor/internal/pricing"
)

type errorBody struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// classify maps a domain error to its HTTP status, a stable code and the
// message shown to the caller. Unclassified errors never leak their text.
func classify(err error) (int, errorBody) {
	var gwErr *gateway.Error
	switch {
	case errors.Is(err, models.ErrUnknownModel):
		return http.StatusBadRequest, errorBody{err.Error(), "unknown_model"}
	case errors.Is(err, models.ErrUnknownCoin):
		return http.StatusBadRequest, errorBody{err.Error(), "unknown_coin"}
	case errors.Is(err, auth.ErrInvalidCredentials):
		return http.StatusUnauthorized, errorBody{"Invalid credentials", "invalid_credentials"}
	case errors.Is(err, ledger.ErrUserNotFound):
		return http.StatusNotFound, errorBody{"User not found", "user_not_found"}
	case errors.Is(err, ledger.ErrInsufficientFunds):
		return http.StatusPaymentRequired, errorBody{"Insufficient balance", "insufficient_funds"}
	case errors.Is(err, gateway.ErrEmptyReply):
		return http.StatusBadGateway, errorBody{"Provider returned an empty reply", "empty_reply"}
	case errors.Is(err, gateway.ErrTimeout):
		return http.StatusGatewayTimeout, errorBody{err.Error(), "gateway_timeout"}
	case errors.As(err, &gwErr):
		return http.StatusBadGateway, errorBody{gwErr.Error(), "gateway_error"}
	case errors.Is(err, pricing.ErrInvalidUsage):
		return http.StatusBadGateway, errorBody{"Provider reported invalid usage", "invalid_usage"}
	case errors.Is(err, ledger.ErrInvalidAmount):
		return http.StatusInternalServerError, errorBody{"Charge amount rejected by the ledger", "invalid_amount"}
	case errors.Is(err, ledger.ErrUnavailable):
		return http.StatusServiceUnavailable, errorBody{"Ledger unavailable", "ledger_unavailable"}
	case errors.Is(err, advisor.ErrUsageUnavailable):
		return http.StatusServiceUnavailable, errorBody{err.Error(), "usage_unavailable"}
	default:
		return http.StatusInternalServerError, errorBody{"Internal server error", "internal_error"}
	}
}
