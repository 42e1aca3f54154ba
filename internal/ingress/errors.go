package ingress

import (
	"encoding/json"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/fechatter/realtime-core/internal/contract"
)

// writeJSON writes v as the response body with the given status.
func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("failed to encode json response")
	}
}

// writeOK writes a successful Envelope.
func writeOK(w http.ResponseWriter, code int, data any) {
	writeJSON(w, code, contract.OK(data))
}

// writeErr translates err into the Envelope/ErrorDetail shape and the
// status code ErrorCode.HTTPStatus() maps it to. Any error that isn't
// already an *contract.APIError is wrapped as StorageUnavailable (503)
// with the generic message "internal error", so an unexpected stdlib
// error never leaks its message to the client.
func writeErr(w http.ResponseWriter, err error) {
	apiErr, ok := contract.AsAPIError(err)
	if !ok {
		apiErr = contract.NewAPIError(contract.CodeStorageUnavailable, "internal error", err)
	}
	writeJSON(w, apiErr.Code.HTTPStatus(), contract.Fail(apiErr))
}
