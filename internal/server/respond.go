package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/graphnote/graphnote/internal/provision"
	"github.com/graphnote/graphnote/internal/remote"
	"github.com/graphnote/graphnote/internal/schema"
)

const maxBodyBytes = 16 << 20

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeData wraps v in a successful APIResponse envelope.
func writeData(w http.ResponseWriter, status int, v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		writeError(w, fmt.Errorf("failed to marshal response: %w", err))
		return
	}
	writeJSON(w, status, remote.APIResponse{Success: true, Data: data})
}

// writeError maps err onto a status code and error envelope.
func writeError(w http.ResponseWriter, err error) {
	status, apiErr := classify(err)
	writeJSON(w, status, remote.APIResponse{Error: apiErr})
}

func classify(err error) (int, *remote.APIError) {
	msg := err.Error()
	var perr *provision.Error
	if errors.As(err, &perr) {
		msg = perr.Message
	}

	switch {
	case errors.Is(err, schema.ErrInvalidArgument):
		return http.StatusBadRequest, &remote.APIError{Code: remote.CodeBadRequest, Reason: remote.ReasonInvalidArgument, Message: msg}
	case errors.Is(err, schema.ErrPreconditionFailed):
		return http.StatusBadRequest, &remote.APIError{Code: remote.CodeBadRequest, Reason: remote.ReasonPreconditionFailed, Message: msg}
	case errors.Is(err, schema.ErrNotFound):
		return http.StatusNotFound, &remote.APIError{Code: remote.CodeNotFound, Message: msg}
	case errors.Is(err, schema.ErrUnauthorized):
		return http.StatusUnauthorized, &remote.APIError{Code: remote.CodeUnauthorized, Message: "Unauthorized"}
	default:
		return http.StatusInternalServerError, &remote.APIError{Code: remote.CodeInternalError, Message: "Internal server error"}
	}
}

// decodeBody reads a JSON request body into v.
func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: invalid request body: %v", schema.ErrInvalidArgument, err)
	}
	return nil
}
