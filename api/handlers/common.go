package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/loomrun/loom/api"
	"github.com/loomrun/loom/types"
)

// Meta annotates a successful response.
type Meta struct {
	Status     int    `json:"status"`
	APIVersion string `json:"api_version"`
}

// ErrorInfo is the wire form of a failed request.
type ErrorInfo struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

// Response is the envelope every handler writes.
type Response struct {
	RequestID string      `json:"request_id"`
	Data      interface{} `json:"data,omitempty"`
	Error     *ErrorInfo  `json:"error,omitempty"`
	Meta      *Meta       `json:"meta,omitempty"`
}

// RequestID returns the caller-supplied X-Request-ID or mints one.
func RequestID(r *http.Request) string {
	if id := r.Header.Get("X-Request-ID"); id != "" {
		return id
	}
	return "req_" + uuid.NewString()
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// WriteSuccess writes the success envelope.
func WriteSuccess(w http.ResponseWriter, r *http.Request, status int, data interface{}) {
	writeJSON(w, status, Response{
		RequestID: RequestID(r),
		Data:      data,
		Meta:      &Meta{Status: status, APIVersion: api.Version},
	})
}

// WriteError writes the error envelope. Codes that never belong on the wire
// (step failure classifications, replay divergence) collapse to internal.
func WriteError(w http.ResponseWriter, r *http.Request, err error, logger *zap.Logger) {
	code := types.GetErrorCode(err)
	status := httpStatus(code)
	wireCode := code
	switch code {
	case types.ErrInvalidArgument, types.ErrNotFound, types.ErrConflict:
	default:
		wireCode = types.ErrInternal
	}

	info := &ErrorInfo{Code: string(wireCode), Message: err.Error()}
	var te *types.Error
	if errors.As(err, &te) {
		info.Message = te.Message
		info.Details = te.Details
		if te.HTTPStatus != 0 {
			status = te.HTTPStatus
		}
	}

	if logger != nil && status >= 500 {
		logger.Error("request failed",
			zap.String("request_id", RequestID(r)),
			zap.String("code", string(code)),
			zap.Int("status", status),
			zap.Error(err))
	}

	writeJSON(w, status, Response{RequestID: RequestID(r), Error: info})
}

func httpStatus(code types.ErrorCode) int {
	switch code {
	case types.ErrInvalidArgument:
		return http.StatusBadRequest
	case types.ErrNotFound:
		return http.StatusNotFound
	case types.ErrConflict:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

const maxBodyBytes = 1 << 20

// DecodeJSON reads a JSON request body into dst. An empty body leaves dst
// zero-valued, which lets bodyless POSTs share the same path.
func DecodeJSON(r *http.Request, dst interface{}) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		return types.NewError(types.ErrInvalidArgument, "read request body").WithCause(err)
	}
	if len(body) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, dst); err != nil {
		return types.NewError(types.ErrInvalidArgument, "malformed json body").WithCause(err)
	}
	return nil
}
