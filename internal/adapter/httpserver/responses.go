package httpserver

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/ecal-fleet/rec-coordinator/internal/domain"
)

type errorEnvelope struct {
	Error apiError `json:"error"`
}

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps a coordinator/domain error to an HTTP status and a
// structured JSON body. The switch below is the whole mapping; any other
// error becomes 500 INTERNAL.
func writeError(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	codeStr := "INTERNAL"
	switch {
	case errors.Is(err, domain.ErrInvalidArgument), errors.Is(err, domain.ErrParameterError):
		code, codeStr = http.StatusBadRequest, "INVALID_ARGUMENT"
	case errors.Is(err, domain.ErrNotFound), errors.Is(err, domain.ErrMeasIDNotFound):
		code, codeStr = http.StatusNotFound, "NOT_FOUND"
	case errors.Is(err, domain.ErrMeasIsDeleted):
		code, codeStr = http.StatusGone, "MEASUREMENT_DELETED"
	case errors.Is(err, domain.ErrCurrentlyRecording):
		code, codeStr = http.StatusConflict, "CURRENTLY_RECORDING"
	case errors.Is(err, domain.ErrCurrentlyFlushing):
		code, codeStr = http.StatusConflict, "CURRENTLY_FLUSHING"
	case errors.Is(err, domain.ErrCurrentlyUploading):
		code, codeStr = http.StatusConflict, "CURRENTLY_UPLOADING"
	case errors.Is(err, domain.ErrAlreadyUploaded):
		code, codeStr = http.StatusConflict, "ALREADY_UPLOADED"
	case errors.Is(err, domain.ErrConflict), errors.Is(err, domain.ErrAlreadyInitialized), errors.Is(err, domain.ErrActionSuperfluous):
		code, codeStr = http.StatusConflict, "CONFLICT"
	case errors.Is(err, domain.ErrNotInitialized):
		code, codeStr = http.StatusPreconditionFailed, "NOT_INITIALIZED"
	case errors.Is(err, domain.ErrUnsupportedAction):
		code, codeStr = http.StatusUnprocessableEntity, "UNSUPPORTED_ACTION"
	case errors.Is(err, domain.ErrResourceUnavailable), errors.Is(err, domain.ErrNotConnected):
		code, codeStr = http.StatusServiceUnavailable, "RESOURCE_UNAVAILABLE"
	case errors.Is(err, domain.ErrRPCTimeout):
		code, codeStr = http.StatusGatewayTimeout, "RPC_TIMEOUT"
	}
	writeJSON(w, code, errorEnvelope{Error: apiError{Code: codeStr, Message: err.Error()}})
}
