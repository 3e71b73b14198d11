package controller

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"reflect"
	"strings"

	domainErrors "github.com/cassiomorais/coursepay/internal/domain/errors"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog/log"
)

const maxBodyBytes = 64 << 10

var validate = newValidator()

// newValidator reports fields by their JSON name so messages match the
// request the client sent.
func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" || name == "" {
			return f.Name
		}
		return name
	})
	return v
}

// statusFor maps checkout sentinels to HTTP status and error code. Order
// matters: the first match wins for errors that wrap more than one sentinel.
var statusFor = []struct {
	target error
	status int
	code   string
}{
	{domainErrors.ErrSessionNotFound, http.StatusNotFound, "not_found"},
	{domainErrors.ErrDoubleConfirmationAttempt, http.StatusConflict, "confirmation_in_progress"},
	{domainErrors.ErrCheckoutInProgress, http.StatusConflict, "checkout_in_progress"},
	{domainErrors.ErrDuplicateIdempotencyKey, http.StatusConflict, "duplicate_request"},
	{domainErrors.ErrInvalidStateTransition, http.StatusConflict, "invalid_state_transition"},
	{domainErrors.ErrOptimisticLockFailed, http.StatusConflict, "conflict"},
	{domainErrors.ErrValidationMismatch, http.StatusUnprocessableEntity, "payment_failed"},
	{domainErrors.ErrProviderDeclined, http.StatusPaymentRequired, "payment_declined"},
	{domainErrors.ErrProviderUnavailable, http.StatusServiceUnavailable, "provider_unavailable"},
	{domainErrors.ErrNetworkFailure, http.StatusBadGateway, "network_failure"},
	{domainErrors.ErrConfirmationPending, http.StatusAccepted, "confirmation_pending"},
	{domainErrors.ErrInvalidInput, http.StatusBadRequest, "invalid_input"},
	{domainErrors.ErrUnauthorized, http.StatusUnauthorized, "unauthorized"},
	{domainErrors.ErrForbidden, http.StatusForbidden, "forbidden"},
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warn().Err(err).Msg("write response")
	}
}

func writeError(w http.ResponseWriter, err error) {
	status, resp := errorResponse(err)
	writeJSON(w, status, resp)
}

// errorResponse picks the status and body for err. Unknown errors become an
// opaque 500 and are logged.
func errorResponse(err error) (int, ErrorResponse) {
	var ve *domainErrors.ValidationError
	if errors.As(err, &ve) {
		return http.StatusBadRequest, ErrorResponse{Error: err.Error(), Code: "validation_error"}
	}

	for _, m := range statusFor {
		if !errors.Is(err, m.target) {
			continue
		}
		msg := err.Error()
		if m.target == domainErrors.ErrOptimisticLockFailed {
			msg = "concurrent modification, please retry"
		}
		return m.status, ErrorResponse{Error: msg, Code: m.code}
	}

	var de *domainErrors.DomainError
	if errors.As(err, &de) {
		return http.StatusUnprocessableEntity, ErrorResponse{Error: err.Error(), Code: de.Code}
	}

	log.Error().Err(err).Msg("Unhandled error in controller")
	return http.StatusInternalServerError, ErrorResponse{Error: "internal server error", Code: "internal_error"}
}

// decodeAndValidate reads a bounded JSON body into dst. Unknown fields are
// rejected.
func decodeAndValidate(r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return domainErrors.NewValidationError("body", "invalid JSON: "+err.Error())
	}
	return validateStruct(dst)
}

func validateStruct(v any) error {
	err := validate.Struct(v)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
		fe := fieldErrs[0]
		return domainErrors.NewValidationError(fe.Field(), describeTag(fe))
	}
	return domainErrors.NewValidationError("body", err.Error())
}

func describeTag(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "oneof":
		return fmt.Sprintf("must be one of [%s]", fe.Param())
	case "max":
		return fmt.Sprintf("must be at most %s characters", fe.Param())
	default:
		return fmt.Sprintf("failed %s validation", fe.Tag())
	}
}
