package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/ehrlich-b/littleci/internal/engine"
	"github.com/ehrlich-b/littleci/internal/storage"
)

// writeResponse wraps v in the success envelope {"response": v}.
func writeResponse(w http.ResponseWriter, log *slog.Logger, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(map[string]any{"response": v}); err != nil {
		log.Error("encode response", "error", err)
	}
}

// writeError maps err to an HTTP status and writes {"message": str}.
func writeError(w http.ResponseWriter, log *slog.Logger, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, engine.ErrNotFound), errors.Is(err, storage.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, engine.ErrUnauthorized):
		status = http.StatusUnauthorized
	case errors.Is(err, engine.ErrBadSignature):
		status = http.StatusBadRequest
	case errors.Is(err, engine.ErrConflict), errors.Is(err, storage.ErrConflict):
		status = http.StatusConflict
	case errors.Is(err, engine.ErrGone), errors.Is(err, storage.ErrGone):
		status = http.StatusGone
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if encErr := json.NewEncoder(w).Encode(map[string]string{"message": err.Error()}); encErr != nil {
		log.Error("encode error response", "error", encErr)
	}
}
