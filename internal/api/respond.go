package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/ymode/SyntheticCoin-SYNC/internal/ownership"
	"github.com/ymode/SyntheticCoin-SYNC/internal/registry"
	"github.com/ymode/SyntheticCoin-SYNC/internal/squad"
	"github.com/ymode/SyntheticCoin-SYNC/internal/telemetry"
	"github.com/ymode/SyntheticCoin-SYNC/internal/verification"
	svcerrors "github.com/ymode/SyntheticCoin-SYNC/pkg/errors"
)

type errorResponse struct {
	Error        string               `json:"error"`
	Verification *verification.Result `json:"verification,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

// writeFailure maps a service error onto its HTTP status.
func (s *Server) writeFailure(w http.ResponseWriter, err error) {
	status := statusFor(err)
	resp := errorResponse{Error: err.Error()}

	var verr *squad.VerificationError
	if errors.As(err, &verr) {
		res := verr.Result
		resp.Verification = &res
	}
	if status >= http.StatusInternalServerError {
		s.Logger.WithError(err).Error("request failed")
	}
	writeJSON(w, status, resp)
}

func statusFor(err error) int {
	switch {
	case svcerrors.IsType(err, svcerrors.ErrorTypeValidation),
		errors.Is(err, registry.ErrInvalidSquadSize),
		errors.Is(err, registry.ErrDuplicateSquadMember),
		errors.Is(err, ownership.ErrInvalidOwnerAddress):
		return http.StatusBadRequest
	case errors.Is(err, ownership.ErrInvalidOwnershipSignature),
		errors.Is(err, ownership.ErrSignatureRequired),
		errors.Is(err, registry.ErrNotOwner):
		return http.StatusForbidden
	case errors.Is(err, registry.ErrDeviceUnknown),
		errors.Is(err, registry.ErrSquadNotFound),
		errors.Is(err, registry.ErrNotMember):
		return http.StatusNotFound
	case errors.Is(err, registry.ErrDeviceAlreadyRegistered),
		errors.Is(err, registry.ErrSquadFull),
		errors.Is(err, registry.ErrAlreadyMember):
		return http.StatusConflict
	case errors.Is(err, registry.ErrTooManyDevicesPerIP):
		return http.StatusTooManyRequests
	case errors.Is(err, registry.ErrUnregisteredSquadMember),
		errors.Is(err, squad.ErrSpoofingDetected),
		errors.Is(err, squad.ErrDistributionUnverified):
		return http.StatusUnprocessableEntity
	case errors.Is(err, telemetry.ErrQueueFull),
		errors.Is(err, telemetry.ErrShuttingDown):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return svcerrors.Wrap(err, svcerrors.ErrorTypeValidation, "decode_request", "malformed JSON body")
	}
	return nil
}

func badRequest(format string, args ...any) error {
	return svcerrors.Newf(svcerrors.ErrorTypeValidation, "api_request", format, args...)
}
