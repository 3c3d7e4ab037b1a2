package handler

import (
	"net/http"

	apperrors "github.com/devrev/pairgrid/internal/errors"
	"go.uber.org/zap"
)

// ErrorResponse represents the standard error response format.
type ErrorResponse struct {
	Status    string   `json:"status"`
	ErrorCode string   `json:"error_code"`
	Message   string   `json:"message"`
	Keys      []string `json:"keys,omitempty"`
	RequestID string   `json:"request_id,omitempty"`
}

// HTTPStatus maps an error code to an HTTP status code.
func HTTPStatus(code apperrors.ErrorCode) int {
	switch code {
	case apperrors.ErrCodeOK:
		return http.StatusOK
	case apperrors.ErrCodeInvalidArgument:
		return http.StatusBadRequest
	case apperrors.ErrCodeKeyNotFound:
		return http.StatusNotFound
	case apperrors.ErrCodeWriteSkewConflict, apperrors.ErrCodeTransactionFinished:
		return http.StatusConflict
	case apperrors.ErrCodeQueueFull:
		return http.StatusTooManyRequests
	case apperrors.ErrCodeTimeout:
		return http.StatusGatewayTimeout
	case apperrors.ErrCodeNoOwnerAvailable, apperrors.ErrCodeSegmentDegraded,
		apperrors.ErrCodePeerUnreachable, apperrors.ErrCodeStaleTopology, apperrors.ErrCodeShutdown:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handlers) writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := apperrors.GetCode(err)
	statusCode := HTTPStatus(code)
	if statusCode >= http.StatusInternalServerError {
		h.logger.Warn("Request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.String("code", code.String()),
			zap.Error(err))
	}
	h.writeJSONResponse(w, statusCode, ErrorResponse{
		Status:    "error",
		ErrorCode: code.String(),
		Message:   err.Error(),
		Keys:      apperrors.ConflictKeys(err),
		RequestID: r.Header.Get("X-Request-ID"),
	})
}
