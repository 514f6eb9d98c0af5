package api

import (
	"log/slog"
	"net/http"

	types "github.com/sebas/callconsole/api/types/v1"
	"github.com/sebas/callconsole/internal/console/registry"
)

// CodeBadRequest is returned for malformed request bodies.
const CodeBadRequest = "BadRequest"

var statusByCode = map[string]int{
	registry.CodeTransportNotRegistered: http.StatusServiceUnavailable,
	registry.CodeBusy:                   http.StatusConflict,
	registry.CodeInvalidState:           http.StatusConflict,
	registry.CodeSessionClosed:          http.StatusGone,
	registry.CodeNotFound:               http.StatusNotFound,
	registry.CodeNoPrimaryCall:          http.StatusConflict,
	registry.CodeNotPermitted:           http.StatusForbidden,
	CodeBadRequest:                      http.StatusBadRequest,
}

// StatusFor maps an error code to its HTTP status.
func StatusFor(code string) int {
	if status, ok := statusByCode[code]; ok {
		return status
	}
	return http.StatusInternalServerError
}

func writeError(w http.ResponseWriter, op string, err error) {
	code := registry.ErrorCode(err)
	status := StatusFor(code)
	if status >= http.StatusInternalServerError {
		slog.Error("[API] Command failed", "op", op, "code", code, "error", err)
	} else {
		slog.Debug("[API] Command rejected", "op", op, "code", code, "error", err)
	}
	writeJSON(w, status, types.ErrorResponse{Code: code, Message: err.Error()})
}

func writeBadRequest(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusBadRequest, types.ErrorResponse{Code: CodeBadRequest, Message: msg})
}
