package httpapi

import (
	"errors"
	"net/http"

	"github.com/R3E-Network/evidence_layer/internal/app/domain/evidence"
	"github.com/R3E-Network/evidence_layer/internal/app/services/registration"
	"github.com/R3E-Network/evidence_layer/internal/auth"
	"github.com/R3E-Network/evidence_layer/internal/gateway"
	"github.com/R3E-Network/evidence_layer/internal/httputil"
)

// statusFor maps service errors to HTTP statuses. Unknown errors are 500.
func statusFor(err error) int {
	switch {
	case errors.Is(err, auth.ErrUnauthenticated):
		return http.StatusUnauthorized
	case errors.Is(err, auth.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, registration.ErrNoFile),
		errors.Is(err, registration.ErrInvalidMetadata),
		errors.Is(err, registration.ErrFileTooLarge),
		errors.Is(err, evidence.ErrInvalidField):
		return http.StatusBadRequest
	case errors.Is(err, evidence.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, evidence.ErrVersionConflict),
		errors.Is(err, gateway.ErrUserRejected),
		errors.Is(err, gateway.ErrNoAccounts),
		errors.Is(err, gateway.ErrNetworkSwitchFailed),
		errors.Is(err, gateway.ErrWalletNotConnected):
		return http.StatusConflict
	case errors.Is(err, gateway.ErrNoActiveNetwork),
		errors.Is(err, gateway.ErrWalletNotPresent),
		errors.Is(err, gateway.ErrContractNotConfigured):
		return http.StatusFailedDependency
	default:
		return http.StatusInternalServerError
	}
}

func (h *handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		h.log.WithContext(r.Context()).WithError(err).WithField("path", r.URL.Path).Error("request failed")
		msg = "internal error"
	}
	httputil.WriteError(w, status, msg)
}
