// Package rest holds the JSON envelope, error to status mapping and http(s) server shared by the services.
package rest

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/fanengagement/chainadp/lib/chain/types"
	"github.com/fanengagement/chainadp/lib/store"
)

// Codes for store errors, outside the chain taxonomy.
const (
	CodeConflict    types.Code = "CONFLICT"
	CodeRateLimited types.Code = "RATE_LIMITED"
	CodeForbidden   types.Code = "FORBIDDEN"
	CodeMethod      types.Code = "METHOD_NOT_ALLOWED"
)

// Errors returned.
var (
	ErrRateLimited = errors.New("rate limit exceeded")
	ErrForbidden   = errors.New("organization not permitted for this key")
	ErrMethod      = errors.New("method not allowed")
)

// maxBody bounds request bodies.
const maxBody = 1 << 20

// CodeOf extends types.CodeOf with store and rate limit errors.
func CodeOf(err error) types.Code {
	switch {
	case err == nil:
		return types.CodeNone
	case errors.Is(err, store.ErrDataNotFound):
		return types.CodeNotFound
	case errors.Is(err, store.ErrConflict):
		return CodeConflict
	case errors.Is(err, ErrRateLimited):
		return CodeRateLimited
	case errors.Is(err, ErrForbidden):
		return CodeForbidden
	case errors.Is(err, ErrMethod):
		return CodeMethod
	}

	return types.CodeOf(err)
}

// StatusOf maps an error code to an http status.
func StatusOf(code types.Code) int {
	switch code {
	case types.CodeNone:
		return http.StatusOK
	case types.CodeInvalidRequest, types.CodeInvalidRecipient:
		return http.StatusBadRequest
	case types.CodeInsufficientFund, types.CodeInsufficientGas:
		return http.StatusPaymentRequired
	case types.CodeUnavailable, types.CodeCircuitOpen:
		return http.StatusServiceUnavailable
	case types.CodeNonceConflict, CodeConflict:
		return http.StatusConflict
	case types.CodeNotFound:
		return http.StatusNotFound
	case CodeRateLimited:
		return http.StatusTooManyRequests
	case CodeForbidden:
		return http.StatusForbidden
	case CodeMethod:
		return http.StatusMethodNotAllowed
	}

	return http.StatusInternalServerError
}

// Reply writes the envelope with body on success, or err and its code. The body of an error is the transaction
// that may still land, if any.
func Reply(rw http.ResponseWriter, status int, body interface{}, err error) {
	var res types.Response

	if err != nil {
		res.Error = err.Error()
		res.Code = CodeOf(err)

		if ref, ok := types.Submitted(err); ok {
			res.Body, _ = json.Marshal(ref)
		}

		if status == 0 {
			status = StatusOf(res.Code)
		}
	} else if body != nil {
		b, errM := json.Marshal(body)
		if errM != nil {
			res.Error = errM.Error()
			res.Code = types.CodeInternal
			status = http.StatusInternalServerError
		} else {
			res.Body = b
		}
	}

	if status == 0 {
		status = http.StatusOK
	}

	rw.Header().Set("Content-Type", "application/json;charset=utf8")
	rw.WriteHeader(status)
	_ = json.NewEncoder(rw).Encode(&res)
}

// MethodNotAllowed replies 405 in the envelope. Routers and their subrouters need it set as
// MethodNotAllowedHandler, a subrouter without it answers 404.
func MethodNotAllowed(rw http.ResponseWriter, r *http.Request) {
	Reply(rw, 0, nil, fmt.Errorf("%w: %s %s", ErrMethod, r.Method, r.URL.Path))
}

// Decode reads a JSON request body into v. Failures are invalid requests.
func Decode(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBody))
	dec.DisallowUnknownFields()

	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: cannot decode request: %v", types.ErrInvalidRequest, err)
	}

	return nil
}
