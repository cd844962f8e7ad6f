package handlers

import (
	"errors"
	"net/http"

	"creatorstudio/internal/domain"
	"creatorstudio/internal/middleware"
)

type errorBody struct {
	Error   string              `json:"error"`
	Message string              `json:"message"`
	Fields  []domain.FieldError `json:"fields,omitempty"`
}

func (a *App) error(w http.ResponseWriter, code int, errCode, message string) {
	a.json(w, code, errorBody{Error: errCode, Message: message})
}

// fail maps a service error onto its HTTP status. Internal failures are
// logged and reported without detail.
func (a *App) fail(w http.ResponseWriter, r *http.Request, err error) {
	body := errorBody{Message: err.Error()}
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, domain.ErrValidation):
		code, body.Error = http.StatusBadRequest, "invalid_input"
		var ve *domain.ValidationError
		if errors.As(err, &ve) {
			body.Fields = ve.Fields
		}
	case errors.Is(err, domain.ErrInsufficientCredits):
		code, body.Error = http.StatusForbidden, "insufficient_credits"
	case errors.Is(err, domain.ErrPrecondition):
		code, body.Error = http.StatusForbidden, "precondition_failed"
	case errors.Is(err, domain.ErrNotFound):
		code, body.Error = http.StatusNotFound, "not_found"
	case errors.Is(err, domain.ErrConflict):
		code, body.Error = http.StatusConflict, "conflict"
	default:
		body.Error = "internal"
		body.Message = "internal error"
		a.Logger.Error().Err(err).
			Str("request_id", middleware.RequestIDFromContext(r.Context())).
			Str("path", r.URL.Path).
			Msg("request failed")
	}
	a.json(w, code, body)
}
