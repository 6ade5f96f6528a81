package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/AlfredDev/sage/errs"
)

// writeJSON serializes a success payload.
func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// writeError serializes the standard error envelope with the HTTP
// status matching the stable error code.
func writeError(w http.ResponseWriter, err error) {
	env := errs.ToEnvelope(err, time.Now())
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(httpStatusFor(env.ErrorCode))
	_ = json.NewEncoder(w).Encode(env)
}

func httpStatusFor(code errs.Code) int {
	switch code {
	case errs.CodeInvalidRequest:
		return http.StatusBadRequest
	case errs.CodeRateLimited:
		return http.StatusTooManyRequests
	case errs.CodeBudgetExhausted:
		return http.StatusPaymentRequired
	case errs.CodeTimeout:
		return http.StatusGatewayTimeout
	case errs.CodeUpstreamUnavailable, errs.CodeEmptyGeneration:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// decodeBody parses a JSON request body into dst.
func decodeBody(r *http.Request, dst interface{}) error {
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		var syntaxErr *json.SyntaxError
		if errors.As(err, &syntaxErr) {
			return errs.New(errs.CodeInvalidRequest, "malformed JSON body")
		}
		return errs.Wrap(errs.CodeInvalidRequest, "invalid request body", err)
	}
	return nil
}
