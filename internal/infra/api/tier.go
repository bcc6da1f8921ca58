package api

import (
	"net/http"

	"github.com/rs/zerolog"

	"entitlement-service/internal/domain/model"
	"entitlement-service/internal/usecase"
)

type upgradeRequired struct {
	Error        string     `json:"error"`
	CurrentTier  model.Tier `json:"current_tier"`
	RequiredTier model.Tier `json:"required_tier"`
}

// RequireTier lets the request through only when the caller's effective tier
// is at least required. It must be mounted after Authenticate.
func RequireTier(required model.Tier, ents usecase.EntitlementUseCase, logger *zerolog.Logger) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			current, err := ents.CurrentTier(r.Context(), userIDFrom(r.Context()))
			if err != nil {
				writeError(w, r, logger, err)
				return
			}
			if !current.AtLeast(required) {
				writeJSON(w, http.StatusPaymentRequired, upgradeRequired{
					Error:        "upgrade_required",
					CurrentTier:  current,
					RequiredTier: required,
				})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
